package models

import (
	"github.com/shopspring/decimal"

	"fjacquet/sms-ledger/internal/currencyutils"
)

// Money represents a monetary value with currency
type Money struct {
	Amount   decimal.Decimal `json:"amount" yaml:"amount"`
	Currency string          `json:"currency" yaml:"currency"`
}

// NewMoney creates a new Money instance with the given amount and currency
func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{
		Amount:   amount,
		Currency: currency,
	}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// String formats the amount at the currency's minor units, e.g. "₹450.00".
func (m Money) String() string {
	return currencyutils.FormatAmount(m.Amount, m.Currency)
}
