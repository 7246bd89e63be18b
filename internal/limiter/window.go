package limiter

import (
	"time"

	"github.com/arbiterai/costgate/internal/money"
)

// Window boundary logic lives here as pure functions so the read-only
// "would be limited" projection and the mutating record path cannot drift
// apart.

// rollingExpired reports whether a rolling window that started at start has
// run its full length by now. A zero start counts as expired: the window
// has never been opened.
func rollingExpired(start, now time.Time, length time.Duration) bool {
	return start.IsZero() || now.Sub(start) >= length
}

// startOfDay truncates to UTC midnight.
func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// startOfISOWeek truncates to UTC midnight of the Monday of t's week.
func startOfISOWeek(t time.Time) time.Time {
	d := startOfDay(t)
	offset := (int(d.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return d.AddDate(0, 0, -offset)
}

// startOfMonth truncates to UTC midnight of the first of t's month.
func startOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// rateWindow is one optional rolling request-count window. A zero limit
// means the window is not configured and never trips.
type rateWindow struct {
	limit  int64
	length time.Duration

	count int64
	start time.Time
}

func (w *rateWindow) configured() bool {
	return w.limit > 0
}

// projectedCount is the count a caller would observe after a reset at now,
// without mutating state. A stale window projects to zero even before the
// next record call performs the actual reset.
func (w *rateWindow) projectedCount(now time.Time) int64 {
	if rollingExpired(w.start, now, w.length) {
		return 0
	}
	return w.count
}

// exceeded reports whether the window is at or over its limit as of now.
func (w *rateWindow) exceeded(now time.Time) bool {
	return w.configured() && w.projectedCount(now) >= w.limit
}

// record counts one request, resetting the window first if it has expired.
func (w *rateWindow) record(now time.Time) {
	if rollingExpired(w.start, now, w.length) {
		w.count = 1
		w.start = now
		return
	}
	w.count++
}

// spendWindow is one optional calendar-aligned monetary window. Unlike rate
// windows it resets at wall-clock boundaries (day, ISO week, month), not a
// rolling duration. A zero limit means not configured.
type spendWindow struct {
	limit    money.Micro
	boundary func(time.Time) time.Time

	spent money.Micro
	start time.Time
}

func (w *spendWindow) configured() bool {
	return w.limit > 0
}

// projectedSpent is the spend a caller would observe after a boundary
// rollover at now, without mutating state.
func (w *spendWindow) projectedSpent(now time.Time) money.Micro {
	if !w.boundary(now).Equal(w.start) {
		return 0
	}
	return w.spent
}

// remaining is how much budget the window has left as of now. Negative when
// already overspent (overage billing can push past the limit).
func (w *spendWindow) remaining(now time.Time) money.Micro {
	return w.limit - w.projectedSpent(now)
}

// add records spending, rolling the window forward first if the calendar
// boundary has passed.
func (w *spendWindow) add(amount money.Micro, now time.Time) {
	period := w.boundary(now)
	if !period.Equal(w.start) {
		w.spent = amount
		w.start = period
		return
	}
	w.spent += amount
}
