package rates

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"fjacquet/sms-ledger/internal/logging"
)

// Refresher runs Cache.RefreshAll on a cron schedule.
type Refresher struct {
	cron   *cron.Cron
	cache  *Cache
	logger logging.Logger
}

// NewRefresher schedules refreshes of cache. spec is a standard cron
// expression or a descriptor such as "@every 1h".
func NewRefresher(cache *Cache, spec string, loc *time.Location, logger logging.Logger) (*Refresher, error) {
	if loc == nil {
		loc = time.UTC
	}
	r := &Refresher{
		cron:   cron.New(cron.WithLocation(loc)),
		cache:  cache,
		logger: logging.OrDiscard(logger),
	}
	if _, err := r.cron.AddFunc(spec, r.run); err != nil {
		return nil, fmt.Errorf("unable to schedule rate refresh %q: %w", spec, err)
	}
	return r, nil
}

func (r *Refresher) run() {
	r.logger.Debug("Starting scheduled rate refresh")
	// Failures are logged per pair by RefreshAll.
	_ = r.cache.RefreshAll(context.Background())
}

// Start begins the schedule in its own goroutine.
func (r *Refresher) Start() {
	r.cron.Start()
	r.logger.Info("Rate refresh scheduler started",
		logging.F("next", r.cron.Entries()[0].Next))
}

// Stop halts the schedule and waits for a running refresh to finish or ctx
// to end.
func (r *Refresher) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
