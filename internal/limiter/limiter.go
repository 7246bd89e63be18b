// Package limiter enforces per-workspace request-rate windows and monetary
// budget windows.
//
// Six windows are independently optional: requests per minute/hour/day on a
// rolling clock, and daily/weekly/monthly spend on calendar boundaries.
// Checks are read-only projections; only RecordRequest and AddSpending
// mutate, and every mutation runs under the limiter's lock so concurrent
// callers cannot lose increments or sneak past a limit between check and
// act.
package limiter

import (
	"sync"
	"time"

	"github.com/arbiterai/costgate/internal/core/domain"
	"github.com/arbiterai/costgate/internal/money"
)

// Limiter holds the live window state for one workspace. Construct through
// New and share a single instance per workspace; all methods are safe for
// concurrent use.
type Limiter struct {
	mu sync.Mutex

	workspaceID          string
	blockWhenRateLimited bool
	clock                func() time.Time

	minute rateWindow
	hour   rateWindow
	day    rateWindow

	daily   spendWindow
	weekly  spendWindow
	monthly spendWindow
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) { l.clock = clock }
}

// New builds a limiter from a validated spending limit, adopting its
// persisted counters so restarts do not forget spend.
func New(cfg *domain.SpendingLimit, opts ...Option) (*Limiter, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	l := &Limiter{
		workspaceID:          cfg.WorkspaceID,
		blockWhenRateLimited: cfg.BlockWhenRateLimited,
		clock:                time.Now,

		minute: rateWindow{limit: cfg.RequestsPerMinute, length: time.Minute, count: cfg.CurrentMinuteCount, start: cfg.MinuteWindowStart},
		hour:   rateWindow{limit: cfg.RequestsPerHour, length: time.Hour, count: cfg.CurrentHourCount, start: cfg.HourWindowStart},
		day:    rateWindow{limit: cfg.RequestsPerDay, length: 24 * time.Hour, count: cfg.CurrentDayCount, start: cfg.DayWindowStart},

		daily:   spendWindow{limit: cfg.DailyLimit, boundary: startOfDay, spent: cfg.CurrentDailySpend, start: cfg.DailySpendStart},
		weekly:  spendWindow{limit: cfg.WeeklyLimit, boundary: startOfISOWeek, spent: cfg.CurrentWeeklySpend, start: cfg.WeeklySpendStart},
		monthly: spendWindow{limit: cfg.MonthlyLimit, boundary: startOfMonth, spent: cfg.CurrentMonthlySpend, start: cfg.MonthlySpendStart},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Validate checks the invariants enforced when a spending limit is saved:
// at least one of the six limits must be configured, and configured limits
// must be positive.
func Validate(cfg *domain.SpendingLimit) error {
	moneyLimits := []money.Micro{cfg.DailyLimit, cfg.WeeklyLimit, cfg.MonthlyLimit}
	countLimits := []int64{cfg.RequestsPerMinute, cfg.RequestsPerHour, cfg.RequestsPerDay}

	configured := false
	for _, m := range moneyLimits {
		if m < 0 {
			return domain.Invalid("spending_limit", "budget limits must be positive when set")
		}
		if m > 0 {
			configured = true
		}
	}
	for _, c := range countLimits {
		if c < 0 {
			return domain.Invalid("spending_limit", "request limits must be positive when set")
		}
		if c > 0 {
			configured = true
		}
	}
	if !configured {
		return domain.Invalid("spending_limit", "at least one rate or budget limit must be set")
	}
	return nil
}

// BlockWhenRateLimited reports whether rate limiting should deny admission
// for this workspace rather than merely being observable.
func (l *Limiter) BlockWhenRateLimited() bool {
	return l.blockWhenRateLimited
}

// WouldBeRateLimited reports whether any configured rate window is at its
// limit right now. Read-only: a stale window is treated as already reset
// even though the actual reset happens on the next RecordRequest.
func (l *Limiter) WouldBeRateLimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	return l.minute.exceeded(now) || l.hour.exceeded(now) || l.day.exceeded(now)
}

// RecordRequest counts one admitted request against every configured rate
// window.
func (l *Limiter) RecordRequest() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	for _, w := range []*rateWindow{&l.minute, &l.hour, &l.day} {
		if w.configured() {
			w.record(now)
		}
	}
}

// TryRecordRequest checks every configured rate window and counts the
// request only when none is at its limit, all under one lock. Callers that
// need admission and counting to be a single step use this instead of a
// WouldBeRateLimited/RecordRequest pair, which would be a check-then-act
// race under concurrency.
func (l *Limiter) TryRecordRequest() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if l.minute.exceeded(now) || l.hour.exceeded(now) || l.day.exceeded(now) {
		return false
	}
	for _, w := range []*rateWindow{&l.minute, &l.hour, &l.day} {
		if w.configured() {
			w.record(now)
		}
	}
	return true
}

// AddSpending records cost against every configured budget window
// simultaneously.
func (l *Limiter) AddSpending(amount money.Micro) {
	if amount <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	for _, w := range []*spendWindow{&l.daily, &l.weekly, &l.monthly} {
		if w.configured() {
			w.add(amount, now)
		}
	}
}

// RemainingBudget is the tightest remaining amount across the configured
// budget windows. The second return is false when no budget window is
// configured, meaning spend is unbounded.
func (l *Limiter) RemainingBudget() (money.Micro, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.remainingLocked(l.clock())
}

func (l *Limiter) remainingLocked(now time.Time) (money.Micro, bool) {
	var remaining money.Micro
	configured := false
	for _, w := range []*spendWindow{&l.daily, &l.weekly, &l.monthly} {
		if !w.configured() {
			continue
		}
		r := w.remaining(now)
		if !configured || r < remaining {
			remaining = r
		}
		configured = true
	}
	return remaining, configured
}

// WouldExceed reports whether adding the given cost would overrun any
// configured budget window.
func (l *Limiter) WouldExceed(additional money.Micro) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining, configured := l.remainingLocked(l.clock())
	return configured && remaining < additional
}

// Snapshot copies the live counters into a SpendingLimit suitable for
// persistence. Limit configuration fields are included so the snapshot can
// round-trip through New.
func (l *Limiter) Snapshot() *domain.SpendingLimit {
	l.mu.Lock()
	defer l.mu.Unlock()

	return &domain.SpendingLimit{
		WorkspaceID: l.workspaceID,

		DailyLimit:   l.daily.limit,
		WeeklyLimit:  l.weekly.limit,
		MonthlyLimit: l.monthly.limit,

		CurrentDailySpend:   l.daily.spent,
		CurrentWeeklySpend:  l.weekly.spent,
		CurrentMonthlySpend: l.monthly.spent,

		DailySpendStart:   l.daily.start,
		WeeklySpendStart:  l.weekly.start,
		MonthlySpendStart: l.monthly.start,

		RequestsPerMinute: l.minute.limit,
		RequestsPerHour:   l.hour.limit,
		RequestsPerDay:    l.day.limit,

		CurrentMinuteCount: l.minute.count,
		CurrentHourCount:   l.hour.count,
		CurrentDayCount:    l.day.count,

		MinuteWindowStart: l.minute.start,
		HourWindowStart:   l.hour.start,
		DayWindowStart:    l.day.start,

		BlockWhenRateLimited: l.blockWhenRateLimited,
	}
}
