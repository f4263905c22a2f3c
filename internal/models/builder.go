package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DraftBuilder provides a fluent API for constructing transaction drafts
type DraftBuilder struct {
	draft TransactionDraft
	err   error
}

// NewDraftBuilder creates a new DraftBuilder with default values
func NewDraftBuilder() *DraftBuilder {
	return &DraftBuilder{
		draft: TransactionDraft{
			Amount:          decimal.Zero,
			Category:        CategoryUncategorized,
			TransactionType: TransactionTypeExpense,
		},
	}
}

// FromMessage copies sender, timestamp and fingerprint from msg
func (b *DraftBuilder) FromMessage(msg Message) *DraftBuilder {
	if b.err != nil {
		return b
	}
	b.draft.Sender = msg.Sender
	b.draft.Timestamp = msg.ReceivedAt
	b.draft.SourceFingerprint = msg.Fingerprint()
	return b
}

// WithAmount sets the amount and currency. Negative amounts are stored as
// their absolute value; direction lives in the transaction type.
func (b *DraftBuilder) WithAmount(amount decimal.Decimal, currency string) *DraftBuilder {
	if b.err != nil {
		return b
	}
	b.draft.Amount = amount.Abs()
	if currency != "" {
		b.draft.Currency = strings.ToUpper(currency)
	}
	return b
}

// WithCurrency sets the currency if none was extracted
func (b *DraftBuilder) WithCurrency(currency string) *DraftBuilder {
	if b.err != nil {
		return b
	}
	if b.draft.Currency == "" && currency != "" {
		b.draft.Currency = strings.ToUpper(currency)
	}
	return b
}

// WithMerchant sets the merchant name
func (b *DraftBuilder) WithMerchant(merchant string) *DraftBuilder {
	if b.err != nil {
		return b
	}
	b.draft.Merchant = strings.TrimSpace(merchant)
	return b
}

// WithCategory sets category and subcategory
func (b *DraftBuilder) WithCategory(category, subcategory string) *DraftBuilder {
	if b.err != nil {
		return b
	}
	if category != "" {
		b.draft.Category = category
	}
	b.draft.Subcategory = subcategory
	return b
}

// WithType sets the transaction type
func (b *DraftBuilder) WithType(t TransactionType) *DraftBuilder {
	if b.err != nil {
		return b
	}
	if !t.Valid() {
		b.err = fmt.Errorf("invalid transaction type %q", t)
		return b
	}
	b.draft.TransactionType = t
	return b
}

// WithTimestamp overrides the message receive time
func (b *DraftBuilder) WithTimestamp(ts time.Time) *DraftBuilder {
	if b.err != nil {
		return b
	}
	if !ts.IsZero() {
		b.draft.Timestamp = ts
	}
	return b
}

// WithRule records the id of the rule that produced the draft
func (b *DraftBuilder) WithRule(ruleID string) *DraftBuilder {
	if b.err != nil {
		return b
	}
	b.draft.RuleID = ruleID
	return b
}

// Recurring marks the draft as a recurring transaction
func (b *DraftBuilder) Recurring(recurring bool) *DraftBuilder {
	if b.err != nil {
		return b
	}
	b.draft.Recurring = b.draft.Recurring || recurring
	return b
}

// Apply overlays rule actions on the draft
func (b *DraftBuilder) Apply(a Actions) *DraftBuilder {
	if a.SetMerchant != "" {
		b.WithMerchant(a.SetMerchant)
	}
	if a.SetCategory != "" {
		b.WithCategory(a.SetCategory, a.SetSubcategory)
	} else if a.SetSubcategory != "" && b.err == nil {
		b.draft.Subcategory = a.SetSubcategory
	}
	if a.SetTransactionType != "" {
		b.WithType(a.SetTransactionType)
	}
	return b.Recurring(a.MarkRecurring)
}

// Build validates the draft and returns it
func (b *DraftBuilder) Build() (TransactionDraft, error) {
	if b.err != nil {
		return TransactionDraft{}, b.err
	}
	if !b.draft.Amount.IsPositive() {
		return TransactionDraft{}, errors.New("amount must be positive")
	}
	if b.draft.Currency == "" {
		return TransactionDraft{}, errors.New("currency is required")
	}
	if b.draft.SourceFingerprint == "" {
		return TransactionDraft{}, errors.New("source fingerprint is required")
	}
	return b.draft, nil
}
