// Package janitor runs scheduled maintenance: pruning pool attribution
// rows that have aged out of the retention window.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arbiterai/costgate/internal/core/ports"
	"github.com/arbiterai/costgate/internal/pkg/config"
)

// Janitor schedules retention pruning against the fallback usage ledger.
type Janitor struct {
	ledger    ports.FallbackLedger
	retention time.Duration
	schedule  string
	logger    *slog.Logger
	clock     func() time.Time

	cron *cron.Cron
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(j *Janitor) { j.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Janitor) { j.logger = logger }
}

// New creates a janitor from the retention configuration.
func New(ledger ports.FallbackLedger, cfg config.RetentionConfig, opts ...Option) (*Janitor, error) {
	if cfg.FallbackUsageDays <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", cfg.FallbackUsageDays)
	}

	j := &Janitor{
		ledger:    ledger,
		retention: time.Duration(cfg.FallbackUsageDays) * 24 * time.Hour,
		schedule:  cfg.PruneSchedule,
		logger:    slog.Default(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Start registers the prune job and starts the scheduler.
func (j *Janitor) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() {
		if err := j.RunOnce(ctx); err != nil {
			j.logger.Error("retention prune failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", j.schedule, err)
	}

	c.Start()
	j.cron = c
	j.logger.Info("retention pruning scheduled",
		slog.String("schedule", j.schedule),
		slog.Duration("retention", j.retention))
	return nil
}

// RunOnce prunes immediately, independent of the schedule.
func (j *Janitor) RunOnce(ctx context.Context) error {
	cutoff := j.clock().UTC().Add(-j.retention)
	pruned, err := j.ledger.PruneFallbackUsage(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pruning usage before %s: %w", cutoff.Format("2006-01-02"), err)
	}
	if pruned > 0 {
		j.logger.Info("pruned aged pool usage rows",
			slog.Int64("rows", pruned),
			slog.Time("cutoff", cutoff))
	}
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}
