// Package analytics aggregates execution history and heal outcomes into
// per-tenant reports. Read-only: every query runs against the artifact
// store and leaves no state behind.
package analytics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/store"
)

// Config holds flakiness detection parameters.
type Config struct {
	// FlakyLowerBound and FlakyUpperBound delimit the pass-rate band that
	// flags a test as flaky. Both bounds are exclusive: a test failing
	// every run is broken, not flaky, and a test passing every run is
	// healthy.
	FlakyLowerBound float64 `koanf:"flaky_lower_bound"`
	FlakyUpperBound float64 `koanf:"flaky_upper_bound"`

	// MinExecutions is the minimum run count before a pass rate is
	// considered meaningful.
	MinExecutions int `koanf:"min_executions"`
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.FlakyLowerBound == 0 {
		c.FlakyLowerBound = 0.3
	}
	if c.FlakyUpperBound == 0 {
		c.FlakyUpperBound = 0.7
	}
	if c.MinExecutions == 0 {
		c.MinExecutions = 10
	}
}

// Aggregator answers analytics queries for one deployment.
type Aggregator struct {
	store  *store.Store
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates an aggregator over the given store.
func New(st *store.Store, config Config, logger *zap.Logger) *Aggregator {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{store: st, config: config, logger: logger, now: time.Now}
}

// window converts a day count into the cutoff time. sinceDays <= 0 means
// all history.
func (a *Aggregator) window(sinceDays int) (time.Time, error) {
	if sinceDays < 0 {
		return time.Time{}, fmt.Errorf("%w: sinceDays cannot be negative", store.ErrValidation)
	}
	if sinceDays == 0 {
		return time.Time{}, nil
	}
	return a.now().UTC().AddDate(0, 0, -sinceDays), nil
}

// ExecutionStats reports a tenant's run counts, pass rate, and average
// duration over the last sinceDays days. sinceDays 0 covers all history.
func (a *Aggregator) ExecutionStats(ctx context.Context, tenantKey string, sinceDays int) (*store.ExecutionStats, error) {
	since, err := a.window(sinceDays)
	if err != nil {
		return nil, err
	}
	return a.store.Stats(ctx, tenantKey, since)
}

// HealSuccessRate reports a tenant's decision outcomes over the last
// sinceDays days: approval rate and mean confidence of approved fixes.
func (a *Aggregator) HealSuccessRate(ctx context.Context, tenantKey string, sinceDays int) (*store.HealStats, error) {
	since, err := a.window(sinceDays)
	if err != nil {
		return nil, err
	}
	return a.store.HealStats(ctx, tenantKey, since)
}

// FlakyTests flags tests whose pass rate falls strictly inside the given
// band over at least minRuns runs. Zero values fall back to the
// configured defaults.
func (a *Aggregator) FlakyTests(ctx context.Context, tenantKey string, lower, upper float64, minRuns int) ([]store.FlakyTest, error) {
	if lower == 0 {
		lower = a.config.FlakyLowerBound
	}
	if upper == 0 {
		upper = a.config.FlakyUpperBound
	}
	if minRuns == 0 {
		minRuns = a.config.MinExecutions
	}
	return a.store.FlakyTests(ctx, tenantKey, lower, upper, minRuns)
}
