// Package fallbackpool manages the shared, tenant-less credential pool:
// quota enforcement on pool credentials and per-day usage attribution.
package fallbackpool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/arbiterai/costgate/internal/core/domain"
	"github.com/arbiterai/costgate/internal/core/ports"
)

// PoolStore is the slice of the persistence boundary the tracker needs.
type PoolStore interface {
	ports.CredentialStore
	ports.FallbackLedger
}

// Tracker selects pool credentials and records attributed usage. Selection
// logic is pure; persistence goes through the store, whose transactional
// increment keeps the attribution row and the total counter in step.
type Tracker struct {
	store  PoolStore
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker creates a tracker over the given store.
func NewTracker(store PoolStore, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Available reports whether a pool credential can serve requests at all:
// active, unexpired, and under its total usage cap.
func Available(c *domain.FallbackCredential, now time.Time) bool {
	if !c.Active || c.Expired(now) {
		return false
	}
	if c.UsageLimit != nil && c.TotalUsageCount >= *c.UsageLimit {
		return false
	}
	return true
}

// SelectOptions narrows pool selection.
type SelectOptions struct {
	// TrialWorkspace restricts selection to credentials enabled for trials.
	TrialWorkspace bool
}

// BestForProvider picks the preferred available credential for a provider
// that still has daily capacity: lowest priority number first, ties broken
// by least total usage so load spreads across equal-priority credentials.
// A preferred credential at its daily cap is skipped, not a dead end.
func (t *Tracker) BestForProvider(ctx context.Context, providerSlug string, opts SelectOptions) (*domain.FallbackCredential, error) {
	candidates, err := t.store.ListFallbackCredentials(ctx, providerSlug)
	if err != nil {
		return nil, fmt.Errorf("listing fallback credentials for %s: %w", providerSlug, err)
	}

	now := t.clock()
	usable := candidates[:0]
	for _, c := range candidates {
		if !Available(c, now) {
			continue
		}
		if opts.TrialWorkspace && !c.EnabledForTrials {
			continue
		}
		usable = append(usable, c)
	}
	if len(usable) == 0 {
		return nil, domain.ErrNotFound
	}

	sort.SliceStable(usable, func(i, j int) bool {
		if usable[i].Priority != usable[j].Priority {
			return usable[i].Priority < usable[j].Priority
		}
		return usable[i].TotalUsageCount < usable[j].TotalUsageCount
	})

	for _, c := range usable {
		within, err := t.WithinDailyLimit(ctx, c)
		if err != nil {
			return nil, err
		}
		if within {
			return c, nil
		}
	}
	return nil, domain.ErrNotFound
}

// DailyUsageCount sums today's attribution rows for a credential.
func (t *Tracker) DailyUsageCount(ctx context.Context, credentialID string) (int64, error) {
	return t.store.FallbackDailyUsage(ctx, credentialID, day(t.clock()))
}

// WithinDailyLimit reports whether the credential has daily capacity left.
// Credentials without a daily cap always do.
func (t *Tracker) WithinDailyLimit(ctx context.Context, c *domain.FallbackCredential) (bool, error) {
	if c.DailyLimit == nil {
		return true, nil
	}
	used, err := t.DailyUsageCount(ctx, c.ID)
	if err != nil {
		return false, err
	}
	return used < *c.DailyLimit, nil
}

// RecordUsage attributes pool usage to a (workspace, user) identity for
// today and bumps the credential's total counter. The store performs both
// writes in one transaction; on conflict with the credential's total cap it
// returns domain.ErrUsageLimitReached and neither write lands.
func (t *Tracker) RecordUsage(ctx context.Context, credentialID, workspaceID, userID string, count int64) error {
	if count <= 0 {
		count = 1
	}
	if err := t.store.IncrementFallbackUsage(ctx, credentialID, workspaceID, userID, day(t.clock()), count); err != nil {
		return fmt.Errorf("recording fallback usage for %s: %w", credentialID, err)
	}
	return nil
}

// day truncates an instant to the UTC calendar day attribution rows key on.
func day(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
