// Package container provides dependency injection for the sms-ledger application.
// It centralizes the creation and wiring of all application dependencies,
// making them explicit and testable.
package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fjacquet/sms-ledger/internal/api"
	"fjacquet/sms-ledger/internal/config"
	"fjacquet/sms-ledger/internal/conversion"
	"fjacquet/sms-ledger/internal/engine"
	"fjacquet/sms-ledger/internal/events"
	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/merchant"
	"fjacquet/sms-ledger/internal/pattern"
	"fjacquet/sms-ledger/internal/pipeline"
	"fjacquet/sms-ledger/internal/rates"
	"fjacquet/sms-ledger/internal/rules"
	"fjacquet/sms-ledger/internal/store"
	"fjacquet/sms-ledger/internal/store/memory"
	"fjacquet/sms-ledger/internal/store/postgres"
	"fjacquet/sms-ledger/internal/unrecognized"
)

// Container holds all application dependencies and provides methods to access them.
// It is the only place where components are constructed; everything else
// receives its collaborators through constructors.
//
// Container is immutable after creation.
type Container struct {
	logger logging.Logger
	config *config.Config

	bus       *events.Bus
	store     store.Store
	rules     *rules.Store
	mappings  *merchant.Store
	rates     *rates.Cache
	refresher *rates.Refresher
	converter *conversion.Service
	engine    *engine.Engine
	queue     *unrecognized.Queue
	pipeline  *pipeline.Pipeline
}

// Option customizes NewContainer.
type Option func(*options)

type options struct {
	logger logging.Logger
	store  store.Store
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore injects a persistence backend instead of the configured driver.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// NewContainer creates and wires all application dependencies. The rule
// templates are seeded (or upgraded) and the rate cache is warmed from the
// store before it returns.
func NewContainer(ctx context.Context, cfg *config.Config, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// Create logger first as it's needed by other components
	logger := o.logger
	if logger == nil {
		logger = logging.NewLogrusAdapter(cfg.Log.Level, cfg.Log.Format)
	}

	repos := o.store
	if repos == nil {
		var err error
		repos, err = openStore(ctx, cfg.Store, logger)
		if err != nil {
			return nil, err
		}
	}

	c := &Container{logger: logger, config: cfg, store: repos, bus: events.NewBus(logger)}
	if err := c.wire(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	logger.Info("Container initialized successfully",
		logging.F("store", cfg.Store.Driver),
		logging.F("base_currency", cfg.Currency.Base),
		logging.F("rate_provider", c.providerName()),
		logging.F("auto_learn", cfg.Categorization.AutoLearn))
	return c, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger logging.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreDriverPostgres:
		s, err := postgres.Open(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return s, nil
	case config.StoreDriverMemory, "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

func (c *Container) wire(ctx context.Context) error {
	cfg := c.config

	c.rules = rules.NewStore(c.store, pattern.NewCache(), c.bus, c.logger)
	report, err := c.rules.Seed(ctx, false)
	if err != nil {
		return fmt.Errorf("seeding rule templates: %w", err)
	}
	if report.Installed+report.Upgraded+report.Removed > 0 {
		c.logger.Info("Rule templates seeded",
			logging.F("installed", report.Installed),
			logging.F("upgraded", report.Upgraded),
			logging.F("removed", report.Removed),
			logging.F("version", report.Version))
	}

	c.mappings, err = merchant.NewStore(c.store, cfg.Categorization.MappingCacheSize, c.bus, c.logger)
	if err != nil {
		return fmt.Errorf("creating merchant mapping store: %w", err)
	}

	provider, err := newProvider(cfg.Rates, c.logger)
	if err != nil {
		return err
	}
	static, err := rates.NewStaticProvider()
	if err != nil {
		return fmt.Errorf("loading static rate table: %w", err)
	}
	c.rates = rates.NewCache(provider, static, c.store.Rates(),
		rates.Options{TTL: cfg.Rates.TTL, FetchTimeout: cfg.Rates.FetchTimeout, FailureBackoff: cfg.Rates.FailureBackoff}, c.bus, c.logger)
	if _, err := c.rates.Warm(ctx); err != nil {
		// A cold cache still works; rates are fetched on demand.
		c.logger.WithError(err).Warn("Unable to warm exchange-rate cache")
	}
	if cfg.Rates.RefreshCron != "" && provider != nil {
		c.refresher, err = rates.NewRefresher(c.rates, cfg.Rates.RefreshCron, time.Local, c.logger)
		if err != nil {
			return err
		}
	}

	c.converter = conversion.NewService(c.rates, cfg.Currency.Base, c.logger)
	c.engine = engine.New(c.rules, c.mappings, c.store.Applications(), c.rules.Patterns(),
		engine.Options{DefaultCurrency: cfg.Currency.Default}, c.logger)
	c.queue = unrecognized.NewQueue(c.store, c.rules, c.mappings, c.converter, cfg.Currency.Default, c.bus, c.logger)
	c.pipeline = pipeline.New(c.store, c.engine, c.queue, c.converter, c.mappings, pipeline.Options{
		Workers:             cfg.Pipeline.Workers,
		SequentialThreshold: cfg.Pipeline.SequentialThreshold,
		AutoLearn:           cfg.Categorization.AutoLearn,
	}, c.bus, c.logger)
	return nil
}

// newProvider chains the configured remote providers in order. It returns nil
// when no provider URL is configured; the cache then serves the static table.
func newProvider(cfg config.RatesConfig, logger logging.Logger) (rates.Provider, error) {
	var urls []string
	if cfg.ProviderURL != "" {
		urls = append(urls, cfg.ProviderURL)
	}
	urls = append(urls, cfg.FallbackURLs...)
	if len(urls) == 0 {
		return nil, nil
	}

	providers := make([]rates.Provider, 0, len(urls))
	for _, u := range urls {
		p, err := rates.NewRemoteHTTPProvider(u, logger, rates.WithRetry(cfg.RetryAttempts, cfg.RetryBackoff))
		if err != nil {
			return nil, fmt.Errorf("configuring rate provider: %w", err)
		}
		providers = append(providers, p)
	}
	if len(providers) == 1 {
		return providers[0], nil
	}
	return rates.NewFallbackProvider(providers...), nil
}

func (c *Container) providerName() string {
	if c.config.Rates.ProviderURL == "" && len(c.config.Rates.FallbackURLs) == 0 {
		return rates.StaticSource
	}
	return c.config.Rates.ProviderURL
}

// StartBackground starts the scheduled rate refresh, when one is configured.
func (c *Container) StartBackground() {
	if c.refresher != nil {
		c.refresher.Start()
	}
}

// GetLogger returns the container's logger instance.
func (c *Container) GetLogger() logging.Logger {
	return c.logger
}

// GetConfig returns the container's configuration instance.
func (c *Container) GetConfig() *config.Config {
	return c.config
}

// GetBus returns the event bus components publish to after commit.
func (c *Container) GetBus() *events.Bus {
	return c.bus
}

// GetStore returns the persistence backend.
func (c *Container) GetStore() store.Store {
	return c.store
}

// GetRules returns the rule store.
func (c *Container) GetRules() *rules.Store {
	return c.rules
}

// GetMappings returns the merchant mapping store.
func (c *Container) GetMappings() *merchant.Store {
	return c.mappings
}

// GetRates returns the exchange-rate cache.
func (c *Container) GetRates() *rates.Cache {
	return c.rates
}

// GetConverter returns the currency conversion service.
func (c *Container) GetConverter() *conversion.Service {
	return c.converter
}

// GetEngine returns the classification engine.
func (c *Container) GetEngine() *engine.Engine {
	return c.engine
}

// GetQueue returns the triage queue.
func (c *Container) GetQueue() *unrecognized.Queue {
	return c.queue
}

// GetPipeline returns the ingestion pipeline.
func (c *Container) GetPipeline() *pipeline.Pipeline {
	return c.pipeline
}

// APIServices returns the components the HTTP API delegates to.
func (c *Container) APIServices() api.Services {
	return api.Services{
		Pipeline:  c.pipeline,
		Engine:    c.engine,
		Rules:     c.rules,
		Queue:     c.queue,
		Mappings:  c.mappings,
		Converter: c.converter,
		Rates:     c.rates,
		Repos:     c.store,
	}
}

// Close stops background work and releases the store.
func (c *Container) Close() error {
	if c.refresher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c.refresher.Stop(ctx)
		cancel()
	}
	if c.mappings != nil {
		c.mappings.Close()
	}
	if c.bus != nil {
		c.bus.Close()
	}
	var err error
	if c.store != nil {
		err = errors.Join(err, c.store.Close())
	}
	c.logger.Info("Container closed")
	return err
}
