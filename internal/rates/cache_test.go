package rates

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fjacquet/sms-ledger/internal/events"
	"fjacquet/sms-ledger/internal/ingesterror"
	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/models"
	"fjacquet/sms-ledger/internal/store"
	"fjacquet/sms-ledger/internal/store/memory"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	rates map[models.Pair]decimal.Decimal
	err   error
	delay time.Duration
}

func newFakeProvider(rates map[string]string) *fakeProvider {
	f := &fakeProvider{rates: make(map[models.Pair]decimal.Decimal)}
	for pair, r := range rates {
		f.set(pair, r)
	}
	return f
}

func (f *fakeProvider) set(pair, rate string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := models.NewPair(pair[:3], pair[4:])
	f.rates[p] = decimal.RequireFromString(rate)
}

func (f *fakeProvider) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Fetch(ctx context.Context, pair models.Pair) (Rate, error) {
	f.mu.Lock()
	f.calls++
	rate, ok := f.rates[pair]
	err, delay := f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Rate{}, ctx.Err()
		}
	}
	if err != nil {
		return Rate{}, err
	}
	if !ok {
		return Rate{}, ErrPairNotSupported
	}
	return Rate{Pair: pair, Value: rate, AsOf: time.Now(), Source: "fake"}, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type cacheFixture struct {
	cache    *Cache
	provider *fakeProvider
	repos    *memory.Store
	events   *events.Recorder
	logger   *logging.MockLogger
	clock    *clock
}

func newFixture(t *testing.T, provider *fakeProvider, opts Options) *cacheFixture {
	t.Helper()
	static, err := NewStaticProvider()
	require.NoError(t, err)
	f := &cacheFixture{
		provider: provider,
		repos:    memory.New(),
		events:   &events.Recorder{},
		logger:   logging.NewMockLogger(),
		clock:    &clock{t: time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)},
	}
	var p Provider
	if provider != nil {
		p = provider
	}
	f.cache = NewCache(p, static, f.repos.Rates(), opts, f.events, f.logger)
	f.cache.now = f.clock.Now
	return f
}

func TestGetRate_Identity(t *testing.T) {
	provider := newFakeProvider(nil)
	f := newFixture(t, provider, Options{})

	q, err := f.cache.GetRate(context.Background(), "inr", "INR")
	require.NoError(t, err)
	assert.True(t, q.Rate.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, IdentitySource, q.Source)
	assert.False(t, q.Stale)
	assert.Zero(t, provider.Calls())
}

func TestGetRate_FetchesOnceWhileFresh(t *testing.T) {
	provider := newFakeProvider(map[string]string{"USD/INR": "83.10"})
	f := newFixture(t, provider, Options{TTL: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		q, err := f.cache.GetRate(ctx, "USD", "INR")
		require.NoError(t, err)
		assert.Equal(t, "83.1", q.Rate.String())
		assert.False(t, q.Stale)
		assert.Equal(t, "fake", q.Source)
	}
	assert.Equal(t, 1, provider.Calls())

	persisted, err := f.repos.Rates().List(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "USD", persisted[0].Base)
	assert.Equal(t, time.Hour, persisted[0].TTL)
	assert.Equal(t, []events.Topic{events.TopicRatesUpdated}, f.events.Topics())
}

func TestGetRate_RefreshesAfterTTL(t *testing.T) {
	provider := newFakeProvider(map[string]string{"USD/INR": "83.10"})
	f := newFixture(t, provider, Options{TTL: time.Hour})
	ctx := context.Background()

	_, err := f.cache.GetRate(ctx, "USD", "INR")
	require.NoError(t, err)

	provider.set("USD/INR", "84.00")
	f.clock.Advance(time.Hour)

	q, err := f.cache.GetRate(ctx, "USD", "INR")
	require.NoError(t, err)
	assert.Equal(t, "84", q.Rate.String())
	assert.Equal(t, 2, provider.Calls())
}

func TestGetRate_ServesStaleWhenRefreshFails(t *testing.T) {
	provider := newFakeProvider(map[string]string{"USD/INR": "83.10"})
	f := newFixture(t, provider, Options{TTL: time.Hour})
	ctx := context.Background()

	_, err := f.cache.GetRate(ctx, "USD", "INR")
	require.NoError(t, err)

	provider.fail(errors.New("connection refused"))
	f.clock.Advance(2 * time.Hour)

	q, err := f.cache.GetRate(ctx, "USD", "INR")
	require.NoError(t, err)
	assert.True(t, q.Stale)
	assert.Equal(t, "83.1", q.Rate.String())
	assert.True(t, f.logger.HasEntry("WARN", "Serving stale exchange rate"))

	entries := f.cache.Entries()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].LastError, "connection refused")
}

func TestGetRate_StaticFallback(t *testing.T) {
	provider := newFakeProvider(nil)
	provider.fail(errors.New("service unavailable"))
	f := newFixture(t, provider, Options{})

	q, err := f.cache.GetRate(context.Background(), "EUR", "INR")
	require.NoError(t, err)
	assert.True(t, q.Stale)
	assert.Equal(t, StaticSource, q.Source)
	assert.True(t, q.Rate.IsPositive())
	assert.True(t, f.logger.HasEntry("WARN", "Serving static exchange rate"))
}

func TestGetRate_NoProviderUsesStaticTable(t *testing.T) {
	f := newFixture(t, nil, Options{})

	q, err := f.cache.GetRate(context.Background(), "USD", "INR")
	require.NoError(t, err)
	assert.True(t, q.Stale)
	assert.Equal(t, StaticSource, q.Source)
	assert.Equal(t, "85.74", q.Rate.String())
}

func TestGetRate_UnavailableWithinTimeout(t *testing.T) {
	provider := newFakeProvider(nil)
	provider.delay = 10 * time.Second
	f := newFixture(t, provider, Options{FetchTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := f.cache.GetRate(context.Background(), "USD", "XAU")
	elapsed := time.Since(start)

	require.Error(t, err)
	var unavailable *ingesterror.RateUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "USD", unavailable.Base)
	assert.Equal(t, "XAU", unavailable.Quote)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestGetRate_CallerCancellationServesStale(t *testing.T) {
	provider := newFakeProvider(map[string]string{"USD/INR": "83.10"})
	f := newFixture(t, provider, Options{TTL: time.Hour, FetchTimeout: time.Second})

	_, err := f.cache.GetRate(context.Background(), "USD", "INR")
	require.NoError(t, err)

	provider.delay = 500 * time.Millisecond
	f.clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	q, err := f.cache.GetRate(ctx, "USD", "INR")
	require.NoError(t, err)
	assert.True(t, q.Stale)
	assert.Equal(t, "83.1", q.Rate.String())
}

func TestGetRate_CoalescesConcurrentRefreshes(t *testing.T) {
	provider := newFakeProvider(map[string]string{"USD/INR": "83.10"})
	provider.delay = 100 * time.Millisecond
	f := newFixture(t, provider, Options{FetchTimeout: time.Second})

	var wg sync.WaitGroup
	quotes := make([]Quote, 20)
	errs := make([]error, 20)
	for i := range quotes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			quotes[i], errs[i] = f.cache.GetRate(context.Background(), "USD", "INR")
		}(i)
	}
	wg.Wait()

	for i := range quotes {
		require.NoError(t, errs[i])
		assert.Equal(t, "83.1", quotes[i].Rate.String())
	}
	assert.Equal(t, 1, provider.Calls())
}

func TestGetRate_DerivesInversePair(t *testing.T) {
	provider := newFakeProvider(map[string]string{"USD/INR": "80"})
	f := newFixture(t, provider, Options{TTL: time.Hour})
	ctx := context.Background()

	_, err := f.cache.GetRate(ctx, "USD", "INR")
	require.NoError(t, err)

	q, err := f.cache.GetRate(ctx, "INR", "USD")
	require.NoError(t, err)
	assert.Equal(t, "0.0125", q.Rate.String())
	assert.Equal(t, models.NewPair("INR", "USD"), q.Pair)
	assert.Equal(t, 1, provider.Calls())
}

func TestWarm(t *testing.T) {
	provider := newFakeProvider(nil)
	f := newFixture(t, provider, Options{TTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, f.repos.Rates().Put(ctx, models.ExchangeRateEntry{
		Base: "EUR", Quote: "INR", Rate: decimal.RequireFromString("90.5"),
		FetchedAt: f.clock.Now().Add(-time.Minute), TTL: time.Hour, Source: "fake",
	}))

	n, err := f.cache.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	q, err := f.cache.GetRate(ctx, "EUR", "INR")
	require.NoError(t, err)
	assert.Equal(t, "90.5", q.Rate.String())
	assert.False(t, q.Stale)
	assert.Zero(t, provider.Calls())
}

func TestRefreshAll(t *testing.T) {
	provider := newFakeProvider(map[string]string{"USD/INR": "83", "EUR/INR": "90"})
	f := newFixture(t, provider, Options{TTL: time.Hour})
	ctx := context.Background()

	_, err := f.cache.GetRate(ctx, "USD", "INR")
	require.NoError(t, err)
	_, err = f.cache.GetRate(ctx, "EUR", "INR")
	require.NoError(t, err)

	provider.set("USD/INR", "84")
	provider.set("EUR/INR", "91")
	require.NoError(t, f.cache.RefreshAll(ctx))

	entries := f.cache.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "EUR", entries[0].Base)
	assert.Equal(t, "91", entries[0].Rate.String())
	assert.Equal(t, "84", entries[1].Rate.String())

	provider.fail(errors.New("boom"))
	require.Error(t, f.cache.RefreshAll(ctx))
	for _, e := range f.cache.Entries() {
		assert.Contains(t, e.LastError, "boom")
	}
}

// deadlineRepo records how much time a Put had left.
type deadlineRepo struct {
	store.RateRepository
	mu        sync.Mutex
	remaining time.Duration
}

func (r *deadlineRepo) Put(ctx context.Context, entry models.ExchangeRateEntry) error {
	if deadline, ok := ctx.Deadline(); ok {
		r.mu.Lock()
		r.remaining = time.Until(deadline)
		r.mu.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.RateRepository.Put(ctx, entry)
}

func TestGetRate_PersistsAfterSlowFetch(t *testing.T) {
	provider := newFakeProvider(map[string]string{"USD/INR": "83.10"})
	provider.delay = 150 * time.Millisecond
	repos := memory.New()
	repo := &deadlineRepo{RateRepository: repos.Rates()}
	logger := logging.NewMockLogger()
	cache := NewCache(provider, nil, repo, Options{FetchTimeout: 200 * time.Millisecond}, nil, logger)

	_, err := cache.GetRate(context.Background(), "USD", "INR")
	require.NoError(t, err)

	repo.mu.Lock()
	remaining := repo.remaining
	repo.mu.Unlock()
	assert.Greater(t, remaining, time.Second)
	assert.False(t, logger.HasEntry("WARN", "Failed to persist exchange rate"))

	stored, err := repos.Rates().List(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestGetRate_BacksOffAfterFailedRefresh(t *testing.T) {
	provider := newFakeProvider(map[string]string{"USD/INR": "83.10"})
	f := newFixture(t, provider, Options{TTL: time.Hour, FailureBackoff: time.Minute})
	ctx := context.Background()

	_, err := f.cache.GetRate(ctx, "USD", "INR")
	require.NoError(t, err)

	provider.fail(errors.New("connection refused"))
	f.clock.Advance(2 * time.Hour)

	for i := 0; i < 3; i++ {
		q, err := f.cache.GetRate(ctx, "USD", "INR")
		require.NoError(t, err)
		assert.True(t, q.Stale)
		assert.Equal(t, "83.1", q.Rate.String())
	}
	assert.Equal(t, 2, provider.Calls())

	// Once the backoff has passed the provider is asked again.
	provider.fail(nil)
	provider.set("USD/INR", "84")
	f.clock.Advance(time.Minute)

	q, err := f.cache.GetRate(ctx, "USD", "INR")
	require.NoError(t, err)
	assert.False(t, q.Stale)
	assert.Equal(t, "84", q.Rate.String())
	assert.Equal(t, 3, provider.Calls())
}

func TestGetRate_BackoffDisabled(t *testing.T) {
	provider := newFakeProvider(nil)
	provider.fail(errors.New("service unavailable"))
	f := newFixture(t, provider, Options{FailureBackoff: -1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		q, err := f.cache.GetRate(ctx, "EUR", "INR")
		require.NoError(t, err)
		assert.Equal(t, StaticSource, q.Source)
	}
	assert.Equal(t, 2, provider.Calls())
}
