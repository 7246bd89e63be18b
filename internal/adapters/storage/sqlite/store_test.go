package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arbiterai/costgate/internal/core/domain"
	"github.com/arbiterai/costgate/internal/money"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkspaceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ws := &domain.Workspace{
		ID:                    "ws-1",
		MonthlyCredit:         money.Micro(10_000_000),
		CurrentMonthUsage:     money.Micro(2_500_000),
		UsageResetDate:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		OverageBillingEnabled: true,
		Trial:                 false,
	}
	if err := s.UpsertWorkspace(ctx, ws); err != nil {
		t.Fatalf("upserting workspace: %v", err)
	}

	got, err := s.GetWorkspace(ctx, "ws-1")
	if err != nil {
		t.Fatalf("getting workspace: %v", err)
	}
	if got.MonthlyCredit != ws.MonthlyCredit {
		t.Errorf("monthly credit = %d, want %d", got.MonthlyCredit, ws.MonthlyCredit)
	}
	if got.CurrentMonthUsage != ws.CurrentMonthUsage {
		t.Errorf("usage = %d, want %d", got.CurrentMonthUsage, ws.CurrentMonthUsage)
	}
	if !got.UsageResetDate.Equal(ws.UsageResetDate) {
		t.Errorf("reset date = %v, want %v", got.UsageResetDate, ws.UsageResetDate)
	}
	if !got.OverageBillingEnabled {
		t.Error("expected overage billing enabled")
	}
}

func TestGetWorkspaceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetWorkspace(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveWorkspaceUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertWorkspace(ctx, &domain.Workspace{ID: "ws-1"}); err != nil {
		t.Fatalf("upserting workspace: %v", err)
	}

	reset := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if err := s.SaveWorkspaceUsage(ctx, "ws-1", money.Micro(750_000), reset); err != nil {
		t.Fatalf("saving usage: %v", err)
	}

	got, err := s.GetWorkspace(ctx, "ws-1")
	if err != nil {
		t.Fatalf("getting workspace: %v", err)
	}
	if got.CurrentMonthUsage != money.Micro(750_000) {
		t.Errorf("usage = %d, want 750000", got.CurrentMonthUsage)
	}
	if !got.UsageResetDate.Equal(reset) {
		t.Errorf("reset date = %v, want %v", got.UsageResetDate, reset)
	}

	if err := s.SaveWorkspaceUsage(ctx, "missing", 0, reset); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing workspace, got %v", err)
	}
}

func TestRoutingPolicyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &domain.RoutingPolicy{
		WorkspaceID:        "ws-1",
		PrimaryModel:       "gpt-4",
		FallbackModels:     []string{"gpt-3.5-turbo", "claude-3-haiku"},
		CostThresholdWarn:  money.Micro(50_000),
		CostThresholdBlock: money.Micro(100_000),
		Enabled:            true,
		RetryAttempts:      2,
		FailureConditions:  []string{"timeout", "rate_limit"},
	}
	if err := s.UpsertRoutingPolicy(ctx, p); err != nil {
		t.Fatalf("upserting policy: %v", err)
	}

	got, err := s.GetRoutingPolicy(ctx, "ws-1")
	if err != nil {
		t.Fatalf("getting policy: %v", err)
	}
	if got.PrimaryModel != "gpt-4" {
		t.Errorf("primary model = %q, want gpt-4", got.PrimaryModel)
	}
	if len(got.FallbackModels) != 2 || got.FallbackModels[0] != "gpt-3.5-turbo" {
		t.Errorf("fallback models = %v", got.FallbackModels)
	}
	if got.CostThresholdBlock != money.Micro(100_000) {
		t.Errorf("block threshold = %d, want 100000", got.CostThresholdBlock)
	}
	if len(got.FailureConditions) != 2 {
		t.Errorf("failure conditions = %v", got.FailureConditions)
	}

	// Update in place.
	p.PrimaryModel = "claude-3-opus"
	p.FallbackModels = nil
	if err := s.UpsertRoutingPolicy(ctx, p); err != nil {
		t.Fatalf("re-upserting policy: %v", err)
	}
	got, err = s.GetRoutingPolicy(ctx, "ws-1")
	if err != nil {
		t.Fatalf("getting updated policy: %v", err)
	}
	if got.PrimaryModel != "claude-3-opus" {
		t.Errorf("updated primary model = %q", got.PrimaryModel)
	}
	if len(got.FallbackModels) != 0 {
		t.Errorf("expected cleared fallbacks, got %v", got.FallbackModels)
	}
}

func TestSpendingLimitCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	limit := &domain.SpendingLimit{
		WorkspaceID:          "ws-1",
		DailyLimit:           money.Micro(5_000_000),
		RequestsPerMinute:    10,
		BlockWhenRateLimited: true,
	}
	if err := s.UpsertSpendingLimit(ctx, limit); err != nil {
		t.Fatalf("upserting limit: %v", err)
	}

	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	limit.CurrentDailySpend = money.Micro(1_250_000)
	limit.DailySpendStart = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	limit.CurrentMinuteCount = 4
	limit.MinuteWindowStart = now
	if err := s.SaveSpendingCounters(ctx, limit); err != nil {
		t.Fatalf("saving counters: %v", err)
	}

	got, err := s.GetSpendingLimit(ctx, "ws-1")
	if err != nil {
		t.Fatalf("getting limit: %v", err)
	}
	if got.DailyLimit != money.Micro(5_000_000) {
		t.Errorf("daily limit = %d, want 5000000", got.DailyLimit)
	}
	if got.CurrentDailySpend != money.Micro(1_250_000) {
		t.Errorf("daily spend = %d, want 1250000", got.CurrentDailySpend)
	}
	if got.CurrentMinuteCount != 4 {
		t.Errorf("minute count = %d, want 4", got.CurrentMinuteCount)
	}
	if !got.MinuteWindowStart.Equal(now) {
		t.Errorf("minute window start = %v, want %v", got.MinuteWindowStart, now)
	}
	if !got.BlockWhenRateLimited {
		t.Error("expected block_when_rate_limited to persist")
	}
}

func TestTenantCredentialDefaultUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &domain.TenantCredential{
		ID: "cred-1", WorkspaceID: "ws-1", ProviderSlug: "openai",
		Temperature: 1.0, MaxTokens: 4096, Default: true, Active: true,
	}
	second := &domain.TenantCredential{
		ID: "cred-2", WorkspaceID: "ws-1", ProviderSlug: "openai",
		Temperature: 0.7, MaxTokens: 8192, Default: true, Active: true,
	}
	if err := s.UpsertTenantCredential(ctx, first); err != nil {
		t.Fatalf("upserting first credential: %v", err)
	}
	if err := s.UpsertTenantCredential(ctx, second); err != nil {
		t.Fatalf("upserting second credential: %v", err)
	}

	creds, err := s.ListTenantCredentials(ctx, "ws-1", "openai")
	if err != nil {
		t.Fatalf("listing credentials: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(creds))
	}
	defaults := 0
	for _, c := range creds {
		if c.Default {
			defaults++
			if c.ID != "cred-2" {
				t.Errorf("default moved to %s, want cred-2", c.ID)
			}
		}
	}
	if defaults != 1 {
		t.Errorf("expected exactly one default credential, got %d", defaults)
	}
}

func TestTenantCredentialValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := &domain.TenantCredential{
		ID: "cred-1", WorkspaceID: "ws-1", ProviderSlug: "openai",
		Temperature: 2.5, MaxTokens: 4096,
	}
	var verr *domain.ValidationError
	if err := s.UpsertTenantCredential(ctx, bad); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for temperature, got %v", err)
	}

	bad.Temperature = 1.0
	bad.MaxTokens = 0
	if err := s.UpsertTenantCredential(ctx, bad); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for max_tokens, got %v", err)
	}
}

func TestMarkTenantCredentialUsed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cred := &domain.TenantCredential{
		ID: "cred-1", WorkspaceID: "ws-1", ProviderSlug: "openai",
		Temperature: 1.0, MaxTokens: 4096, Active: true,
	}
	if err := s.UpsertTenantCredential(ctx, cred); err != nil {
		t.Fatalf("upserting credential: %v", err)
	}

	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if err := s.MarkTenantCredentialUsed(ctx, "cred-1", at); err != nil {
		t.Fatalf("marking used: %v", err)
	}
	if err := s.MarkTenantCredentialUsed(ctx, "cred-1", at.Add(time.Minute)); err != nil {
		t.Fatalf("marking used again: %v", err)
	}

	creds, err := s.ListTenantCredentials(ctx, "ws-1", "openai")
	if err != nil {
		t.Fatalf("listing credentials: %v", err)
	}
	if creds[0].UsageCount != 2 {
		t.Errorf("usage count = %d, want 2", creds[0].UsageCount)
	}
	if !creds[0].LastUsedAt.Equal(at.Add(time.Minute)) {
		t.Errorf("last used = %v, want %v", creds[0].LastUsedAt, at.Add(time.Minute))
	}

	if err := s.MarkTenantCredentialUsed(ctx, "missing", at); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFallbackCredentialRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	usageLimit := int64(1000)
	expires := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	cred := &domain.FallbackCredential{
		ID: "fb-1", ProviderSlug: "anthropic",
		PreferredModel: "claude-3-haiku",
		UsageLimit:     &usageLimit,
		ExpiresAt:      &expires,
		Active:         true,
		Priority:       10,
	}
	uncapped := &domain.FallbackCredential{
		ID: "fb-2", ProviderSlug: "anthropic", Active: true, Priority: 20,
	}
	if err := s.UpsertFallbackCredential(ctx, cred); err != nil {
		t.Fatalf("upserting capped credential: %v", err)
	}
	if err := s.UpsertFallbackCredential(ctx, uncapped); err != nil {
		t.Fatalf("upserting uncapped credential: %v", err)
	}

	creds, err := s.ListFallbackCredentials(ctx, "anthropic")
	if err != nil {
		t.Fatalf("listing fallback credentials: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(creds))
	}
	if creds[0].ID != "fb-1" {
		t.Errorf("priority order wrong: first = %s, want fb-1", creds[0].ID)
	}
	if creds[0].UsageLimit == nil || *creds[0].UsageLimit != 1000 {
		t.Errorf("usage limit = %v, want 1000", creds[0].UsageLimit)
	}
	if creds[0].ExpiresAt == nil || !creds[0].ExpiresAt.Equal(expires) {
		t.Errorf("expires at = %v, want %v", creds[0].ExpiresAt, expires)
	}
	if creds[1].UsageLimit != nil || creds[1].DailyLimit != nil || creds[1].ExpiresAt != nil {
		t.Errorf("uncapped credential has limits: %+v", creds[1])
	}
}

func TestIncrementFallbackUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	usageLimit := int64(3)
	cred := &domain.FallbackCredential{
		ID: "fb-1", ProviderSlug: "openai", UsageLimit: &usageLimit, Active: true,
	}
	if err := s.UpsertFallbackCredential(ctx, cred); err != nil {
		t.Fatalf("upserting credential: %v", err)
	}

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := s.IncrementFallbackUsage(ctx, "fb-1", "ws-1", "user-1", day, 1); err != nil {
			t.Fatalf("increment %d: %v", i+1, err)
		}
	}

	// Cap reached: the increment fails and the attribution row stays put.
	if err := s.IncrementFallbackUsage(ctx, "fb-1", "ws-1", "user-1", day, 1); !errors.Is(err, domain.ErrUsageLimitReached) {
		t.Fatalf("expected ErrUsageLimitReached, got %v", err)
	}

	used, err := s.FallbackDailyUsage(ctx, "fb-1", day)
	if err != nil {
		t.Fatalf("summing daily usage: %v", err)
	}
	if used != 3 {
		t.Errorf("daily usage = %d, want 3 (denied increment must not count)", used)
	}

	creds, err := s.ListFallbackCredentials(ctx, "openai")
	if err != nil {
		t.Fatalf("listing credentials: %v", err)
	}
	if creds[0].TotalUsageCount != 3 {
		t.Errorf("total usage = %d, want 3", creds[0].TotalUsageCount)
	}

	if err := s.IncrementFallbackUsage(ctx, "missing", "ws-1", "user-1", day, 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFallbackDailyUsageSumsAcrossIdentities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cred := &domain.FallbackCredential{ID: "fb-1", ProviderSlug: "openai", Active: true}
	if err := s.UpsertFallbackCredential(ctx, cred); err != nil {
		t.Fatalf("upserting credential: %v", err)
	}

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	other := day.AddDate(0, 0, 1)
	for _, inc := range []struct {
		ws, user string
		day      time.Time
		count    int64
	}{
		{"ws-1", "user-1", day, 2},
		{"ws-1", "user-2", day, 1},
		{"ws-2", "user-3", day, 4},
		{"ws-1", "user-1", other, 9},
	} {
		if err := s.IncrementFallbackUsage(ctx, "fb-1", inc.ws, inc.user, inc.day, inc.count); err != nil {
			t.Fatalf("incrementing for %s/%s: %v", inc.ws, inc.user, err)
		}
	}

	used, err := s.FallbackDailyUsage(ctx, "fb-1", day)
	if err != nil {
		t.Fatalf("summing daily usage: %v", err)
	}
	if used != 7 {
		t.Errorf("daily usage = %d, want 7", used)
	}
}

func TestPruneFallbackUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cred := &domain.FallbackCredential{ID: "fb-1", ProviderSlug: "openai", Active: true}
	if err := s.UpsertFallbackCredential(ctx, cred); err != nil {
		t.Fatalf("upserting credential: %v", err)
	}

	old := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	if err := s.IncrementFallbackUsage(ctx, "fb-1", "ws-1", "user-1", old, 1); err != nil {
		t.Fatalf("incrementing old: %v", err)
	}
	if err := s.IncrementFallbackUsage(ctx, "fb-1", "ws-1", "user-1", recent, 1); err != nil {
		t.Fatalf("incrementing recent: %v", err)
	}

	pruned, err := s.PruneFallbackUsage(ctx, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("pruning: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	remaining, err := s.FallbackDailyUsage(ctx, "fb-1", recent)
	if err != nil {
		t.Fatalf("summing after prune: %v", err)
	}
	if remaining != 1 {
		t.Errorf("recent usage = %d, want 1", remaining)
	}
}

func TestUsageEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ev := &domain.UsageEvent{
			WorkspaceID:   "ws-1",
			ProviderSlug:  "openai",
			Model:         "gpt-4",
			CredentialID:  "cred-1",
			EstimatedCost: money.Micro(60_000),
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveUsageEvent(ctx, ev); err != nil {
			t.Fatalf("saving event %d: %v", i, err)
		}
	}

	events, err := s.ListUsageEvents(ctx, "ws-1", 2)
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if !events[0].Timestamp.After(events[1].Timestamp) {
		t.Error("events not in newest-first order")
	}
	if events[0].EstimatedCost != money.Micro(60_000) {
		t.Errorf("cost = %d, want 60000", events[0].EstimatedCost)
	}

	other, err := s.ListUsageEvents(ctx, "ws-2", 10)
	if err != nil {
		t.Fatalf("listing other workspace: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no events for ws-2, got %d", len(other))
	}
}
