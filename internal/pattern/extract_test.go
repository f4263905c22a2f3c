package pattern

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fjacquet/sms-ledger/internal/models"
)

func TestExtractAmount(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		amount   string
		currency string
		err      error
	}{
		{"tagged prefix", "Rs.450.00 debited for SWIGGY on 12-01", "450.00", "INR", nil},
		{"balance after amount", "Rs.450.00 debited from A/c XX1234. Avl Bal Rs.10,000.00", "450.00", "INR", nil},
		{"two distinct tagged", "INR 500 sent to RAVI. Fee INR 5 charged", "", "", ErrAmbiguousAmount},
		{"same tagged twice", "Rs 450 debited. Refund of Rs 450 processed", "450", "INR", nil},
		{"balance only", "Your a/c balance is Rs 5,000.00", "", "", ErrNoAmount},
		{"untagged single", "Payment of 1,299.00 received from ACME", "1299", "", nil},
		{"untagged ambiguous", "Txn 120.50 and 99.00 processed", "", "", ErrAmbiguousAmount},
		{"no amount", "Your OTP is 123456", "", "", ErrNoAmount},
		{"tagged suffix", "Card XX1234 used for 250 USD at STORE", "250", "USD", nil},
		{"dollar sign", "You paid $12.50 to NETFLIX", "12.50", "USD", nil},
		{"merchant containing bal", "paid to Global Travels Rs 500", "500", "INR", nil},
		{"date not an amount", "Txn on 12.01.2024 of 75.25", "75.25", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractAmount(tt.body)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Value.Equal(decimal.RequireFromString(tt.amount)), "got %s", got.Value)
			assert.Equal(t, tt.currency, got.Currency)
			assert.Equal(t, tt.currency != "", got.Tagged)
		})
	}
}

func TestParseCaptured(t *testing.T) {
	got, err := ParseCaptured(Captures{Amount: "1,200.50", Currency: "₹"})
	require.NoError(t, err)
	assert.True(t, got.Value.Equal(decimal.RequireFromString("1200.50")))
	assert.Equal(t, "INR", got.Currency)

	_, err = ParseCaptured(Captures{})
	assert.ErrorIs(t, err, ErrNoAmount)
}

func TestDetectDirection(t *testing.T) {
	tests := []struct {
		body string
		want models.TransactionType
		ok   bool
	}{
		{"Rs.450.00 debited for SWIGGY", models.TransactionTypeExpense, true},
		{"Rs 1,000 credited to your a/c", models.TransactionTypeIncome, true},
		{"Refund of Rs 200 for order 55", models.TransactionTypeIncome, true},
		{"Rs 500 debited from A/c and credited to beneficiary", models.TransactionTypeExpense, true},
		{"Rs 500 transferred to your savings", models.TransactionTypeTransfer, true},
		{"Your OTP is 1234", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			got, ok := DetectDirection(tt.body)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractDate(t *testing.T) {
	assert.Equal(t, "12-01", ExtractDate("Rs.450.00 debited for SWIGGY on 12-01"))
	assert.Equal(t, "03 Dec 2023", ExtractDate("spent on 03 Dec 2023 at X"))
	assert.Equal(t, "2024-01-12", ExtractDate("INR 5 spent on 2024-01-12."))
	assert.Equal(t, "", ExtractDate("Rs 450 declined"))
}
