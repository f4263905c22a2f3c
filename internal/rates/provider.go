// Package rates serves exchange rates from a TTL cache that refreshes from an
// unreliable remote source, coalesces concurrent refreshes of one pair and
// degrades to stale or static rates when the source is down.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/shopspring/decimal"

	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/models"
)

// ErrPairNotSupported is returned by a provider that has no rate for a pair.
var ErrPairNotSupported = errors.New("currency pair not supported")

// Rate is a single rate as reported by a provider.
type Rate struct {
	Pair   models.Pair
	Value  decimal.Decimal
	AsOf   time.Time
	Source string
}

// Provider fetches the current rate of a pair.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, pair models.Pair) (Rate, error)
}

// statusError is a non-2xx response from the remote source.
type statusError struct {
	Code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("rate source returned HTTP %d", e.Code)
}

// RemoteHTTPProvider fetches rates from an HTTP JSON endpoint. It accepts two
// payload shapes:
//
//	{"base": "USD", "rates": {"INR": 83.1}, "date": "2025-01-31"}
//	{"pair": "USD/INR", "rate": 83.1, "asOf": "2025-01-31T10:00:00Z"}
type RemoteHTTPProvider struct {
	endpoint string
	client   *http.Client
	attempts uint
	backoff  time.Duration
	logger   logging.Logger
}

// RemoteOption customizes a RemoteHTTPProvider.
type RemoteOption func(*RemoteHTTPProvider)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(p *RemoteHTTPProvider) {
		if client != nil {
			p.client = client
		}
	}
}

// WithRetry sets the attempt count and the initial backoff delay.
func WithRetry(attempts uint, backoff time.Duration) RemoteOption {
	return func(p *RemoteHTTPProvider) {
		if attempts > 0 {
			p.attempts = attempts
		}
		if backoff > 0 {
			p.backoff = backoff
		}
	}
}

// NewRemoteHTTPProvider creates a provider for endpoint. The pair is sent as
// the base and symbols query parameters.
func NewRemoteHTTPProvider(endpoint string, logger logging.Logger, opts ...RemoteOption) (*RemoteHTTPProvider, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid rate provider URL %q: %w", endpoint, err)
	}
	p := &RemoteHTTPProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		attempts: 3,
		backoff:  200 * time.Millisecond,
		logger:   logging.OrDiscard(logger),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name returns the provider's host, used as the rate source label.
func (p *RemoteHTTPProvider) Name() string {
	u, err := url.Parse(p.endpoint)
	if err != nil || u.Host == "" {
		return "remote"
	}
	return u.Host
}

// Fetch requests the pair, retrying transport failures, 429 and 5xx responses
// with exponential backoff.
func (p *RemoteHTTPProvider) Fetch(ctx context.Context, pair models.Pair) (Rate, error) {
	var rate Rate
	err := retry.Do(
		func() error {
			var err error
			rate, err = p.fetchOnce(ctx, pair)
			return err
		},
		retry.RetryIf(func(err error) bool {
			if ctx.Err() != nil {
				return false
			}
			return retryable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			p.logger.WithError(err).Debug("Retrying rate fetch",
				logging.F(logging.FieldPair, pair.String()),
				logging.F("attempt", n+1))
		}),
		retry.Attempts(p.attempts),
		retry.Delay(p.backoff),
		retry.MaxDelay(5*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return Rate{}, fmt.Errorf("fetching %s from %s: %w", pair, p.Name(), err)
	}
	return rate, nil
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (p *RemoteHTTPProvider) fetchOnce(ctx context.Context, pair models.Pair) (Rate, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return Rate{}, err
	}
	q := u.Query()
	q.Set("base", pair.Base)
	q.Set("symbols", pair.Quote)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Rate{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Rate{}, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.WithError(cerr).Debug("Failed to close rate response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Rate{}, &statusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Rate{}, err
	}
	return decodeRate(body, pair, p.Name())
}

// payload covers both accepted response shapes.
type payload struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
	Date  string                     `json:"date"`

	Pair string          `json:"pair"`
	Rate decimal.Decimal `json:"rate"`
	AsOf string          `json:"asOf"`
}

func decodeRate(body []byte, pair models.Pair, source string) (Rate, error) {
	var pl payload
	if err := json.Unmarshal(body, &pl); err != nil {
		return Rate{}, fmt.Errorf("decoding rate response: %w", err)
	}

	var (
		value decimal.Decimal
		stamp string
	)
	switch {
	case pl.Pair != "":
		base, quote, ok := strings.Cut(pl.Pair, "/")
		if !ok || models.NewPair(base, quote) != pair {
			return Rate{}, fmt.Errorf("rate response is for %q, want %s: %w", pl.Pair, pair, ErrPairNotSupported)
		}
		value, stamp = pl.Rate, pl.AsOf
	case pl.Rates != nil:
		if !strings.EqualFold(pl.Base, pair.Base) {
			return Rate{}, fmt.Errorf("rate response base is %q, want %s: %w", pl.Base, pair.Base, ErrPairNotSupported)
		}
		r, ok := lookupQuote(pl.Rates, pair.Quote)
		if !ok {
			return Rate{}, fmt.Errorf("%s missing from rate response: %w", pair, ErrPairNotSupported)
		}
		value, stamp = r, pl.Date
	default:
		return Rate{}, errors.New("rate response has neither pair nor rates")
	}

	if !value.IsPositive() {
		return Rate{}, fmt.Errorf("rate for %s must be positive, got %s", pair, value)
	}
	return Rate{Pair: pair, Value: value, AsOf: parseStamp(stamp), Source: source}, nil
}

func lookupQuote(rates map[string]decimal.Decimal, quote string) (decimal.Decimal, bool) {
	if r, ok := rates[quote]; ok {
		return r, true
	}
	for k, r := range rates {
		if strings.EqualFold(k, quote) {
			return r, true
		}
	}
	return decimal.Decimal{}, false
}

// parseStamp accepts RFC 3339 or a plain date; anything else is "now".
func parseStamp(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// FallbackProvider asks each provider in turn and returns the first rate.
type FallbackProvider struct {
	providers []Provider
}

// NewFallbackProvider chains providers in the given order; nil entries are
// skipped.
func NewFallbackProvider(providers ...Provider) *FallbackProvider {
	chain := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			chain = append(chain, p)
		}
	}
	return &FallbackProvider{providers: chain}
}

// Name lists the chained providers.
func (f *FallbackProvider) Name() string {
	names := make([]string, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Name()
	}
	return strings.Join(names, ",")
}

// Fetch returns the first successful rate. When all providers fail the
// errors are joined.
func (f *FallbackProvider) Fetch(ctx context.Context, pair models.Pair) (Rate, error) {
	if len(f.providers) == 0 {
		return Rate{}, fmt.Errorf("no rate provider configured for %s: %w", pair, ErrPairNotSupported)
	}
	var errs []error
	for _, p := range f.providers {
		rate, err := p.Fetch(ctx, pair)
		if err == nil {
			return rate, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return Rate{}, errors.Join(errs...)
}
