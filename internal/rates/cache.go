package rates

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"fjacquet/sms-ledger/internal/events"
	"fjacquet/sms-ledger/internal/ingesterror"
	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/store"
)

// IdentitySource labels the rate of a currency against itself.
const IdentitySource = "identity"

// Defaults applied by NewCache to zero Options fields.
const (
	DefaultTTL            = 6 * time.Hour
	DefaultFetchTimeout   = 5 * time.Second
	DefaultFailureBackoff = 30 * time.Second
	persistTimeout        = 2 * time.Second
	refreshConcurrency    = 4
)

// Quote is a rate as served to callers.
type Quote struct {
	Pair   models.Pair     `json:"pair"`
	Rate   decimal.Decimal `json:"rate"`
	AsOf   time.Time       `json:"asOf"`
	Stale  bool            `json:"stale"`
	Source string          `json:"source"`
}

// Options tune the cache.
type Options struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	// FailureBackoff suppresses refreshes of a pair for this long after its
	// last failed fetch. Negative disables it.
	FailureBackoff time.Duration
}

// Cache is the exchange-rate cache. Reads of fresh entries never block on
// I/O; refreshes of one pair are coalesced and run on a detached context
// bounded by FetchTimeout.
type Cache struct {
	provider  Provider
	fallback  Provider
	repo      store.RateRepository
	publisher events.Publisher
	logger    logging.Logger
	ttl       time.Duration
	timeout   time.Duration
	backoff   time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	entries  map[models.Pair]models.ExchangeRateEntry
	failures map[models.Pair]failure
	group    singleflight.Group
}

type failure struct {
	at  time.Time
	err error
}

// NewCache creates a cache. provider is the live source and may be nil when
// none is configured; fallback serves pairs nothing else can. repo and
// publisher are optional.
func NewCache(provider, fallback Provider, repo store.RateRepository, opts Options, publisher events.Publisher, logger logging.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.FailureBackoff == 0 {
		opts.FailureBackoff = DefaultFailureBackoff
	}
	return &Cache{
		provider:  provider,
		fallback:  fallback,
		repo:      repo,
		publisher: publisher,
		logger:    logging.OrDiscard(logger),
		ttl:       opts.TTL,
		timeout:   opts.FetchTimeout,
		backoff:   opts.FailureBackoff,
		now:       func() time.Time { return time.Now().UTC() },
		entries:   make(map[models.Pair]models.ExchangeRateEntry),
		failures:  make(map[models.Pair]failure),
	}
}

// GetRate returns the rate to convert one unit of base into quote.
//
// A fresh entry is returned as is. Otherwise the pair is refreshed; when the
// refresh fails the stale entry is served, then the static table, and only
// when neither exists a RateUnavailableError is returned.
func (c *Cache) GetRate(ctx context.Context, base, quote string) (Quote, error) {
	pair := models.NewPair(base, quote)
	if pair.Base == pair.Quote {
		return Quote{Pair: pair, Rate: decimal.NewFromInt(1), AsOf: c.now(), Source: IdentitySource}, nil
	}

	entry, known := c.lookup(pair)
	if known && !entry.Stale(c.now()) {
		return toQuote(entry, false), nil
	}

	var err error
	if last, ok := c.recentFailure(pair); ok {
		err = fmt.Errorf("refresh suppressed after failure at %s: %w", last.at.Format(time.RFC3339), last.err)
	} else {
		var fetched models.ExchangeRateEntry
		fetched, err = c.refresh(ctx, pair)
		if err == nil {
			return toQuote(fetched, false), nil
		}
	}

	if known {
		c.recordError(pair, err)
		c.logger.WithError(err).Warn("Serving stale exchange rate",
			logging.F(logging.FieldPair, pair.String()),
			logging.F("fetched_at", entry.FetchedAt))
		return toQuote(entry, true), nil
	}

	if c.fallback != nil {
		rate, ferr := c.fallback.Fetch(ctx, pair)
		if ferr == nil {
			c.logger.WithError(err).Warn("Serving static exchange rate",
				logging.F(logging.FieldPair, pair.String()))
			return Quote{Pair: pair, Rate: rate.Value, AsOf: rate.AsOf, Stale: true, Source: rate.Source}, nil
		}
		err = errors.Join(err, ferr)
	}
	return Quote{}, &ingesterror.RateUnavailableError{Base: pair.Base, Quote: pair.Quote, Err: err}
}

// Entries returns a snapshot of the cached entries sorted by pair.
func (c *Cache) Entries() []models.ExchangeRateEntry {
	c.mu.RLock()
	out := make([]models.ExchangeRateEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Pair().String() < out[j].Pair().String()
	})
	return out
}

// Warm loads persisted entries. Entries already in memory that are newer are
// kept.
func (c *Cache) Warm(ctx context.Context) (int, error) {
	if c.repo == nil {
		return 0, nil
	}
	stored, err := c.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load persisted rates: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range stored {
		if !e.Rate.IsPositive() {
			continue
		}
		if cur, ok := c.entries[e.Pair()]; ok && cur.FetchedAt.After(e.FetchedAt) {
			continue
		}
		c.entries[e.Pair()] = e
		n++
	}
	c.logger.Debug("Warmed exchange-rate cache", logging.F(logging.FieldCount, n))
	return n, nil
}

// RefreshAll refreshes every known pair, a few at a time. All pairs are
// attempted; the first error is returned.
func (c *Cache) RefreshAll(ctx context.Context) error {
	c.mu.RLock()
	pairs := make([]models.Pair, 0, len(c.entries))
	for p := range c.entries {
		pairs = append(pairs, p)
	}
	c.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(refreshConcurrency)
	for _, pair := range pairs {
		g.Go(func() error {
			if _, err := c.refresh(ctx, pair); err != nil {
				c.recordError(pair, err)
				c.logger.WithError(err).Warn("Exchange-rate refresh failed",
					logging.F(logging.FieldPair, pair.String()))
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	c.logger.Info("Refreshed exchange rates",
		logging.F(logging.FieldCount, len(pairs)),
		logging.F(logging.FieldStatus, statusOf(err)))
	return err
}

func statusOf(err error) string {
	if err != nil {
		return "partial"
	}
	return "ok"
}

// lookup returns the entry for pair, deriving it from the inverse pair when
// only that one is known.
func (c *Cache) lookup(pair models.Pair) (models.ExchangeRateEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[pair]; ok {
		return e, true
	}
	if inv, ok := c.entries[pair.Inverse()]; ok {
		derived := inv
		derived.Base, derived.Quote = pair.Base, pair.Quote
		derived.Rate = decimal.NewFromInt(1).DivRound(inv.Rate, divisionPrecision)
		return derived, true
	}
	return models.ExchangeRateEntry{}, false
}

// refresh fetches pair once for all concurrent callers. The caller stops
// waiting when its context ends; the fetch itself continues on its own
// deadline so its result still lands in the cache.
func (c *Cache) refresh(ctx context.Context, pair models.Pair) (models.ExchangeRateEntry, error) {
	if c.provider == nil {
		return models.ExchangeRateEntry{}, fmt.Errorf("no live rate provider configured: %w", ErrPairNotSupported)
	}
	ch := c.group.DoChan(pair.String(), func() (interface{}, error) {
		return c.fetch(pair)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return models.ExchangeRateEntry{}, res.Err
		}
		return res.Val.(models.ExchangeRateEntry), nil
	case <-ctx.Done():
		return models.ExchangeRateEntry{}, ctx.Err()
	}
}

func (c *Cache) fetch(pair models.Pair) (models.ExchangeRateEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	rate, err := c.provider.Fetch(ctx, pair)
	if err != nil {
		c.mu.Lock()
		c.failures[pair] = failure{at: c.now(), err: err}
		c.mu.Unlock()
		return models.ExchangeRateEntry{}, err
	}

	entry := models.ExchangeRateEntry{
		Base:      pair.Base,
		Quote:     pair.Quote,
		Rate:      rate.Value,
		FetchedAt: c.now(),
		TTL:       c.ttl,
		Source:    rate.Source,
	}
	c.mu.Lock()
	c.entries[pair] = entry
	delete(c.failures, pair)
	c.mu.Unlock()

	c.logger.Debug("Fetched exchange rate",
		logging.F(logging.FieldPair, pair.String()),
		logging.F(logging.FieldRate, entry.Rate.String()),
		logging.F(logging.FieldProvider, rate.Source),
		logging.F(logging.FieldDuration, time.Since(start).Milliseconds()))

	if c.repo != nil {
		// The fetch may have used most of its deadline.
		pctx, pcancel := context.WithTimeout(context.Background(), persistTimeout)
		defer pcancel()
		if err := c.repo.Put(pctx, entry); err != nil {
			c.logger.WithError(err).Warn("Failed to persist exchange rate",
				logging.F(logging.FieldPair, pair.String()))
		}
	}
	if c.publisher != nil {
		c.publisher.Publish(events.TopicRatesUpdated, entry)
	}
	return entry, nil
}

// recentFailure reports the last failed fetch of pair when it is still
// within the failure backoff.
func (c *Cache) recentFailure(pair models.Pair) (failure, bool) {
	if c.backoff < 0 {
		return failure{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.failures[pair]
	if !ok || c.now().Sub(f.at) >= c.backoff {
		return failure{}, false
	}
	return f, true
}

// recordError notes a failed refresh on the entry that served the stale rate.
func (c *Cache) recordError(pair models.Pair, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range []models.Pair{pair, pair.Inverse()} {
		if e, ok := c.entries[p]; ok {
			e.LastError = err.Error()
			c.entries[p] = e
			return
		}
	}
}

func toQuote(e models.ExchangeRateEntry, stale bool) Quote {
	return Quote{
		Pair:   e.Pair(),
		Rate:   e.Rate,
		AsOf:   e.FetchedAt,
		Stale:  stale,
		Source: e.Source,
	}
}
