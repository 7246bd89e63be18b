// Package ledger tracks each workspace's monthly credit allowance and
// decides overage eligibility.
//
// The ledger is the sole owner of a workspace's credit fields. Usage resets
// lazily: the first recording after a month boundary zeroes the counter, so
// an idle workspace carries no background work.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arbiterai/costgate/internal/core/domain"
	"github.com/arbiterai/costgate/internal/money"
)

// OverageReporter receives best-effort notifications when a workspace with
// overage billing enabled crosses its monthly credit. Failures are logged
// and never propagate to the request path.
type OverageReporter interface {
	ReportOverage(ctx context.Context, workspaceID string, usage, credit money.Micro)
}

// Ledger guards one workspace's credit counters. All methods are safe for
// concurrent use; mutation happens under a single lock so increments are
// never lost between check and act.
type Ledger struct {
	mu sync.Mutex

	ws       *domain.Workspace
	clock    func() time.Time
	reporter OverageReporter
	logger   *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithOverageReporter sets the overage notification target.
func WithOverageReporter(r OverageReporter) Option {
	return func(l *Ledger) { l.reporter = r }
}

// WithLogger sets the logger for non-fatal reporting failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New wraps a workspace in a ledger. The ledger owns the credit fields of
// the workspace from here on; callers must not mutate them directly.
func New(ws *domain.Workspace, opts ...Option) *Ledger {
	l := &Ledger{
		ws:     ws,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ResetIfNeeded zeroes the usage counter when the calendar month has rolled
// past the recorded reset date. Idempotent within a month.
func (l *Ledger) ResetIfNeeded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked(l.clock())
}

func (l *Ledger) resetLocked(now time.Time) {
	monthStart := time.Date(now.UTC().Year(), now.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	if l.ws.UsageResetDate.IsZero() || monthStart.After(l.ws.UsageResetDate) {
		l.ws.CurrentMonthUsage = 0
		l.ws.UsageResetDate = monthStart
	}
}

// AddUsage records cost against the monthly counter. Non-positive cost is a
// no-op. When overage billing is enabled and the post-increment usage
// reaches the monthly credit, the overage is reported best-effort.
func (l *Ledger) AddUsage(ctx context.Context, cost money.Micro) {
	if cost <= 0 {
		return
	}

	l.mu.Lock()
	l.resetLocked(l.clock())
	l.ws.CurrentMonthUsage += cost

	report := l.ws.OverageBillingEnabled &&
		l.ws.MonthlyCredit > 0 &&
		l.ws.CurrentMonthUsage >= l.ws.MonthlyCredit
	usage, credit := l.ws.CurrentMonthUsage, l.ws.MonthlyCredit
	l.mu.Unlock()

	if report && l.reporter != nil {
		// Best-effort: the reporter handles its own errors; a panic there
		// must not take down the recording path.
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("overage reporter panicked",
						slog.String("workspace_id", l.ws.ID),
						slog.Any("panic", r))
				}
			}()
			l.reporter.ReportOverage(ctx, l.ws.ID, usage, credit)
		}()
	}
}

// RemainingCredit is the unused portion of the monthly allowance, floored
// at zero. The second return is false when the workspace has no credit cap,
// meaning remaining credit is unbounded.
func (l *Ledger) RemainingCredit() (money.Micro, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked(l.clock())

	if l.ws.MonthlyCredit <= 0 {
		return 0, false
	}
	remaining := l.ws.MonthlyCredit - l.ws.CurrentMonthUsage
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// CreditExhausted reports whether the workspace has used up its monthly
// credit. Always false for uncapped workspaces.
func (l *Ledger) CreditExhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked(l.clock())

	return l.ws.MonthlyCredit > 0 && l.ws.CurrentMonthUsage >= l.ws.MonthlyCredit
}

// OverageBillingEnabled reports whether the workspace may proceed past an
// exhausted credit and be billed for the overage.
func (l *Ledger) OverageBillingEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ws.OverageBillingEnabled
}

// Snapshot copies the current credit state for persistence.
func (l *Ledger) Snapshot() domain.Workspace {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.ws
}
