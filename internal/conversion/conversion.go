// Package conversion converts amounts between currencies using the rate cache.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fjacquet/sms-ledger/internal/currencyutils"
	"fjacquet/sms-ledger/internal/ingesterror"
	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/rates"
)

// RateSource supplies exchange rates. *rates.Cache implements it.
type RateSource interface {
	GetRate(ctx context.Context, base, quote string) (rates.Quote, error)
}

// Conversion is the result of converting an amount.
type Conversion struct {
	Amount decimal.Decimal `json:"amount"`
	Rate   decimal.Decimal `json:"rate"`
	Stale  bool            `json:"stale"`
	Source string          `json:"source"`
	AsOf   time.Time       `json:"asOf"`
}

// Service is the CurrencyConversionService.
type Service struct {
	rates  RateSource
	base   string
	logger logging.Logger
	now    func() time.Time
}

// NewService creates a conversion service over source. base is the currency
// transactions are normalized to.
func NewService(source RateSource, base string, logger logging.Logger) *Service {
	if base == "" {
		base = models.DefaultCurrency
	}
	return &Service{
		rates:  source,
		base:   strings.ToUpper(base),
		logger: logging.OrDiscard(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Base returns the normalization currency.
func (s *Service) Base() string { return s.base }

// Convert converts amount from one currency to another, rounding half to even
// at the target currency's minor units. Converting a currency to itself
// returns the amount unchanged without consulting the rate source.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (Conversion, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return Conversion{Amount: amount, Rate: decimal.NewFromInt(1), Source: rates.IdentitySource}, nil
	}

	quote, err := s.rates.GetRate(ctx, from, to)
	if err != nil {
		return Conversion{}, fmt.Errorf("converting %s to %s: %w", from, to, err)
	}
	return Conversion{
		Amount: currencyutils.RoundToMinorUnits(amount.Mul(quote.Rate), to),
		Rate:   quote.Rate,
		Stale:  quote.Stale,
		Source: quote.Source,
		AsOf:   quote.AsOf,
	}, nil
}

// ConvertMoney converts m into currency to.
func (s *Service) ConvertMoney(ctx context.Context, m models.Money, to string) (models.Money, Conversion, error) {
	conv, err := s.Convert(ctx, m.Amount, m.Currency, to)
	if err != nil {
		return models.Money{}, Conversion{}, err
	}
	return models.NewMoney(conv.Amount, strings.ToUpper(to)), conv, nil
}

// Normalize builds the transaction for draft with its amount snapshotted in
// the base currency. When no rate exists at all the transaction keeps a zero
// normalized amount, is flagged stale and a warning is logged; only other
// failures, such as cancellation, are returned.
func (s *Service) Normalize(ctx context.Context, draft models.TransactionDraft) (models.Transaction, error) {
	tx := models.Transaction{
		TransactionDraft: draft,
		ID:               uuid.NewString(),
		BaseCurrency:     s.base,
		CreatedAt:        s.now(),
	}

	normalized, conv, err := s.ConvertMoney(ctx, draft.Money(), s.base)
	if err != nil {
		var unavailable *ingesterror.RateUnavailableError
		if !errors.As(err, &unavailable) || ctx.Err() != nil {
			return models.Transaction{}, err
		}
		s.logger.WithError(err).Warn("No exchange rate, amount left unnormalized",
			logging.F(logging.FieldFingerprint, draft.SourceFingerprint),
			logging.F(logging.FieldPair, draft.Currency+"/"+s.base))
		tx.RateStale = true
		return tx, nil
	}

	if conv.Stale {
		s.logger.Warn("Normalized with stale exchange rate",
			logging.F(logging.FieldFingerprint, draft.SourceFingerprint),
			logging.F(logging.FieldPair, draft.Currency+"/"+s.base),
			logging.F(logging.FieldProvider, conv.Source))
	}
	tx.NormalizedAmount = normalized.Amount
	tx.RateUsed = conv.Rate
	tx.RateStale = conv.Stale
	return tx, nil
}
