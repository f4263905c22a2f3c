package conversion

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fjacquet/sms-ledger/internal/ingesterror"
	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/rates"
)

type stubRates struct {
	calls int
	quote rates.Quote
	err   error
}

func (s *stubRates) GetRate(_ context.Context, base, quote string) (rates.Quote, error) {
	s.calls++
	if s.err != nil {
		return rates.Quote{}, s.err
	}
	q := s.quote
	q.Pair = models.NewPair(base, quote)
	return q, nil
}

func TestConvert_SameCurrencyIsIdentity(t *testing.T) {
	src := &stubRates{err: &ingesterror.RateUnavailableError{Base: "INR", Quote: "INR"}}
	svc := NewService(src, "INR", nil)

	amount := decimal.RequireFromString("450.005")
	conv, err := svc.Convert(context.Background(), amount, "inr", "INR")
	require.NoError(t, err)
	assert.True(t, conv.Amount.Equal(amount), "identity conversion must not round")
	assert.True(t, conv.Rate.Equal(decimal.NewFromInt(1)))
	assert.False(t, conv.Stale)
	assert.Zero(t, src.calls)
}

func TestConvert_RoundsHalfEvenToMinorUnits(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		rate   string
		to     string
		want   string
	}{
		{"half to even down", "0.03", "1.5", "EUR", "0.04"},
		{"half to even up", "0.01", "1.5", "EUR", "0.02"},
		{"plain", "100", "83.1234", "INR", "8312.34"},
		{"zero minor units", "100", "144.037", "JPY", "14404"},
		{"three minor units", "10", "0.30755", "KWD", "3.076"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &stubRates{quote: rates.Quote{Rate: decimal.RequireFromString(tt.rate), Source: "test"}}
			conv, err := NewService(src, "INR", nil).Convert(context.Background(), decimal.RequireFromString(tt.amount), "USD", tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.want, conv.Amount.String())
			assert.Equal(t, "test", conv.Source)
			assert.Equal(t, 1, src.calls)
		})
	}
}

func TestConvert_PropagatesStaleFlag(t *testing.T) {
	src := &stubRates{quote: rates.Quote{Rate: decimal.NewFromInt(2), Stale: true, Source: rates.StaticSource}}
	conv, err := NewService(src, "INR", nil).Convert(context.Background(), decimal.NewFromInt(5), "USD", "EUR")
	require.NoError(t, err)
	assert.True(t, conv.Stale)
	assert.Equal(t, "10", conv.Amount.String())
}

func TestConvert_RateUnavailable(t *testing.T) {
	src := &stubRates{err: &ingesterror.RateUnavailableError{Base: "USD", Quote: "XAU"}}
	_, err := NewService(src, "INR", nil).Convert(context.Background(), decimal.NewFromInt(5), "USD", "XAU")
	require.Error(t, err)
	var unavailable *ingesterror.RateUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestConvertMoney(t *testing.T) {
	src := &stubRates{quote: rates.Quote{Rate: decimal.RequireFromString("0.5")}}
	m, conv, err := NewService(src, "INR", nil).ConvertMoney(context.Background(), models.NewMoney(decimal.NewFromInt(3), "USD"), "GBP")
	require.NoError(t, err)
	assert.Equal(t, "GBP", m.Currency)
	assert.Equal(t, "1.5", m.Amount.String())
	assert.True(t, conv.Rate.Equal(decimal.RequireFromString("0.5")))
}

func testDraft(amount, currency string) models.TransactionDraft {
	return models.TransactionDraft{
		Amount:            decimal.RequireFromString(amount),
		Currency:          currency,
		Category:          models.CategoryFood,
		TransactionType:   models.TransactionTypeExpense,
		SourceFingerprint: "fp-1",
	}
}

func TestNormalize(t *testing.T) {
	src := &stubRates{quote: rates.Quote{Rate: decimal.RequireFromString("83.5"), Source: "test"}}
	svc := NewService(src, "inr", nil)

	tx, err := svc.Normalize(context.Background(), testDraft("10", "USD"))
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, "INR", tx.BaseCurrency)
	assert.Equal(t, "835", tx.NormalizedAmount.String())
	assert.Equal(t, "83.5", tx.RateUsed.String())
	assert.False(t, tx.RateStale)
	assert.False(t, tx.CreatedAt.IsZero())
	assert.Equal(t, "fp-1", tx.SourceFingerprint)
}

func TestNormalize_SameCurrency(t *testing.T) {
	src := &stubRates{}
	tx, err := NewService(src, "INR", nil).Normalize(context.Background(), testDraft("450.00", "INR"))
	require.NoError(t, err)
	assert.Equal(t, "450", tx.NormalizedAmount.String())
	assert.Zero(t, src.calls)
}

func TestNormalize_StaleRateWarns(t *testing.T) {
	logger := logging.NewMockLogger()
	src := &stubRates{quote: rates.Quote{Rate: decimal.NewFromInt(90), Stale: true, Source: rates.StaticSource}}
	tx, err := NewService(src, "INR", logger).Normalize(context.Background(), testDraft("2", "EUR"))
	require.NoError(t, err)
	assert.True(t, tx.RateStale)
	assert.Equal(t, "180", tx.NormalizedAmount.String())
	assert.True(t, logger.HasEntry("WARN", "Normalized with stale exchange rate"))
}

func TestNormalize_RateUnavailableDegrades(t *testing.T) {
	logger := logging.NewMockLogger()
	src := &stubRates{err: &ingesterror.RateUnavailableError{Base: "XAU", Quote: "INR"}}
	tx, err := NewService(src, "INR", logger).Normalize(context.Background(), testDraft("1", "XAU"))
	require.NoError(t, err)
	assert.True(t, tx.RateStale)
	assert.True(t, tx.NormalizedAmount.IsZero())
	assert.True(t, logger.HasEntry("WARN", "No exchange rate, amount left unnormalized"))
}

func TestNormalize_OtherErrorsFail(t *testing.T) {
	src := &stubRates{err: context.Canceled}
	_, err := NewService(src, "INR", nil).Normalize(context.Background(), testDraft("1", "USD"))
	assert.ErrorIs(t, err, context.Canceled)
}
