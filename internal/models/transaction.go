package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the direction of money movement.
type TransactionType string

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeExpense, TransactionTypeIncome, TransactionTypeTransfer:
		return true
	}
	return false
}

// TransactionDraft is the classified, not yet persisted result of matching a
// message.
type TransactionDraft struct {
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Merchant          string          `json:"merchant,omitempty"`
	Category          string          `json:"category"`
	Subcategory       string          `json:"subcategory,omitempty"`
	TransactionType   TransactionType `json:"transactionType"`
	Recurring         bool            `json:"recurring,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
	SourceFingerprint string          `json:"sourceFingerprint"`
	Sender            string          `json:"sender"`
	RuleID            string          `json:"ruleId"`
}

// Money returns the draft amount in its own currency.
func (d TransactionDraft) Money() Money {
	return NewMoney(d.Amount, d.Currency)
}

// Transaction is a committed draft with its amount normalized to the base
// currency at write time. The normalized snapshot is never recomputed.
type Transaction struct {
	TransactionDraft
	ID               string          `json:"id"`
	NormalizedAmount decimal.Decimal `json:"normalizedAmount"`
	BaseCurrency     string          `json:"baseCurrency"`
	RateUsed         decimal.Decimal `json:"rateUsed"`
	RateStale        bool            `json:"rateStale,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Normalized returns the normalized amount as Money.
func (t Transaction) Normalized() Money {
	return NewMoney(t.NormalizedAmount, t.BaseCurrency)
}
