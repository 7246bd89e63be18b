package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/arbiterai/costgate/internal/pkg/config"
)

type fakeLedger struct {
	cutoffs []time.Time
	pruned  int64
}

func (l *fakeLedger) IncrementFallbackUsage(context.Context, string, string, string, time.Time, int64) error {
	return nil
}

func (l *fakeLedger) FallbackDailyUsage(context.Context, string, time.Time) (int64, error) {
	return 0, nil
}

func (l *fakeLedger) PruneFallbackUsage(_ context.Context, before time.Time) (int64, error) {
	l.cutoffs = append(l.cutoffs, before)
	return l.pruned, nil
}

func TestRunOnceUsesRetentionCutoff(t *testing.T) {
	ledger := &fakeLedger{pruned: 3}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	j, err := New(ledger, config.RetentionConfig{
		FallbackUsageDays: 90,
		PruneSchedule:     "0 3 * * *",
	}, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("creating janitor: %v", err)
	}

	if err := j.RunOnce(context.Background()); err != nil {
		t.Fatalf("running prune: %v", err)
	}

	if len(ledger.cutoffs) != 1 {
		t.Fatalf("prune called %d times, want 1", len(ledger.cutoffs))
	}
	want := now.Add(-90 * 24 * time.Hour)
	if !ledger.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", ledger.cutoffs[0], want)
	}
}

func TestNewRejectsNonPositiveRetention(t *testing.T) {
	if _, err := New(&fakeLedger{}, config.RetentionConfig{FallbackUsageDays: 0}); err == nil {
		t.Fatal("expected an error for zero retention")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	j, err := New(&fakeLedger{}, config.RetentionConfig{
		FallbackUsageDays: 30,
		PruneSchedule:     "not a schedule",
	})
	if err != nil {
		t.Fatalf("creating janitor: %v", err)
	}
	if err := j.Start(context.Background()); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}
