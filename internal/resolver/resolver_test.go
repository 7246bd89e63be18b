package resolver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arbiterai/costgate/internal/core/domain"
	"github.com/arbiterai/costgate/internal/fallbackpool"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeStore implements the credential and pool-ledger surface the resolver
// and tracker touch.
type fakeStore struct {
	mu        sync.Mutex
	tenant    []*domain.TenantCredential
	pool      map[string]*domain.FallbackCredential
	daily     map[string]int64
	usedMarks []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pool:  make(map[string]*domain.FallbackCredential),
		daily: make(map[string]int64),
	}
}

func (s *fakeStore) ListTenantCredentials(ctx context.Context, workspaceID, providerSlug string) ([]*domain.TenantCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.TenantCredential
	for _, c := range s.tenant {
		if c.WorkspaceID == workspaceID && c.ProviderSlug == providerSlug {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertTenantCredential(ctx context.Context, c *domain.TenantCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenant = append(s.tenant, c)
	return nil
}

func (s *fakeStore) MarkTenantCredentialUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usedMarks = append(s.usedMarks, id)
	for _, c := range s.tenant {
		if c.ID == id {
			c.UsageCount++
			c.LastUsedAt = at
		}
	}
	return nil
}

func (s *fakeStore) ListFallbackCredentials(ctx context.Context, providerSlug string) ([]*domain.FallbackCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.FallbackCredential
	for _, c := range s.pool {
		if c.ProviderSlug == providerSlug {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertFallbackCredential(ctx context.Context, c *domain.FallbackCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool[c.ID] = c
	return nil
}

func (s *fakeStore) IncrementFallbackUsage(ctx context.Context, credentialID, workspaceID, userID string, day time.Time, count int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.pool[credentialID]
	if !ok {
		return domain.ErrNotFound
	}
	if c.UsageLimit != nil && c.TotalUsageCount+count > *c.UsageLimit {
		return domain.ErrUsageLimitReached
	}
	c.TotalUsageCount += count
	s.daily[credentialID] += count
	return nil
}

func (s *fakeStore) FallbackDailyUsage(ctx context.Context, credentialID string, day time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daily[credentialID], nil
}

func (s *fakeStore) PruneFallbackUsage(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func ptr[T any](v T) *T { return &v }

func testResolver(t *testing.T) (*Resolver, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	clock := func() time.Time { return testNow }
	tracker := fallbackpool.NewTracker(store, fallbackpool.WithClock(clock))
	return New(store, tracker, WithClock(clock)), store
}

func TestResolvePrefersDefaultCredential(t *testing.T) {
	r, store := testResolver(t)
	ctx := context.Background()

	store.UpsertTenantCredential(ctx, &domain.TenantCredential{
		ID: "older", WorkspaceID: "ws", ProviderSlug: "openai", Active: true,
	})
	store.UpsertTenantCredential(ctx, &domain.TenantCredential{
		ID: "default", WorkspaceID: "ws", ProviderSlug: "openai", Active: true, Default: true,
	})

	cred, err := r.Resolve(ctx, Request{WorkspaceID: "ws", ProviderSlug: "openai"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if cred.CredentialID() != "default" || cred.Shared() {
		t.Errorf("resolved %s (shared=%v), want the default tenant credential", cred.CredentialID(), cred.Shared())
	}
}

func TestResolveInactiveDefaultFallsThrough(t *testing.T) {
	r, store := testResolver(t)
	ctx := context.Background()

	store.UpsertTenantCredential(ctx, &domain.TenantCredential{
		ID: "default-off", WorkspaceID: "ws", ProviderSlug: "openai", Active: false, Default: true,
	})
	store.UpsertTenantCredential(ctx, &domain.TenantCredential{
		ID: "plain", WorkspaceID: "ws", ProviderSlug: "openai", Active: true,
	})

	cred, err := r.Resolve(ctx, Request{WorkspaceID: "ws", ProviderSlug: "openai"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if cred.CredentialID() != "plain" {
		t.Errorf("resolved %s, want the active non-default credential", cred.CredentialID())
	}
}

func TestResolveLeastRecentlyUsed(t *testing.T) {
	r, store := testResolver(t)
	ctx := context.Background()

	store.UpsertTenantCredential(ctx, &domain.TenantCredential{
		ID: "recent", WorkspaceID: "ws", ProviderSlug: "openai", Active: true,
		LastUsedAt: testNow.Add(-time.Hour),
	})
	store.UpsertTenantCredential(ctx, &domain.TenantCredential{
		ID: "stale", WorkspaceID: "ws", ProviderSlug: "openai", Active: true,
		LastUsedAt: testNow.Add(-48 * time.Hour),
	})
	store.UpsertTenantCredential(ctx, &domain.TenantCredential{
		ID: "never-used", WorkspaceID: "ws", ProviderSlug: "openai", Active: true,
	})

	cred, err := r.Resolve(ctx, Request{WorkspaceID: "ws", ProviderSlug: "openai"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	// Zero LastUsedAt counts as least recent.
	if cred.CredentialID() != "never-used" {
		t.Errorf("resolved %s, want never-used", cred.CredentialID())
	}
}

func TestResolveFallsBackToPool(t *testing.T) {
	r, store := testResolver(t)
	ctx := context.Background()

	store.UpsertFallbackCredential(ctx, &domain.FallbackCredential{
		ID: "pool-1", ProviderSlug: "openai", Active: true,
	})

	cred, err := r.Resolve(ctx, Request{WorkspaceID: "ws", ProviderSlug: "openai"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !cred.Shared() || cred.CredentialID() != "pool-1" {
		t.Errorf("resolved %s (shared=%v), want the pool credential", cred.CredentialID(), cred.Shared())
	}
}

func TestResolvePoolAtDailyLimit(t *testing.T) {
	r, store := testResolver(t)
	ctx := context.Background()

	store.UpsertFallbackCredential(ctx, &domain.FallbackCredential{
		ID: "pool-1", ProviderSlug: "openai", Active: true, DailyLimit: ptr(int64(1)),
	})
	store.daily["pool-1"] = 1

	_, err := r.Resolve(ctx, Request{WorkspaceID: "ws", ProviderSlug: "openai"})
	if !domain.IsDenied(err, domain.ReasonNoCredentialAvailable) {
		t.Errorf("expected NoCredentialAvailable at pool daily limit, got %v", err)
	}
}

func TestResolvePoolFallsThroughDailyCapped(t *testing.T) {
	r, store := testResolver(t)
	ctx := context.Background()

	store.UpsertFallbackCredential(ctx, &domain.FallbackCredential{
		ID: "pool-1", ProviderSlug: "openai", Active: true, Priority: 1, DailyLimit: ptr(int64(1)),
	})
	store.UpsertFallbackCredential(ctx, &domain.FallbackCredential{
		ID: "pool-2", ProviderSlug: "openai", Active: true, Priority: 5,
	})
	store.daily["pool-1"] = 1

	cred, err := r.Resolve(ctx, Request{WorkspaceID: "ws", ProviderSlug: "openai"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if cred.CredentialID() != "pool-2" {
		t.Errorf("resolved %s, want pool-2 once pool-1 hits its daily cap", cred.CredentialID())
	}
}

func TestResolveNothingAnywhere(t *testing.T) {
	r, _ := testResolver(t)

	_, err := r.Resolve(context.Background(), Request{WorkspaceID: "ws", ProviderSlug: "openai"})
	if !domain.IsDenied(err, domain.ReasonNoCredentialAvailable) {
		t.Errorf("expected NoCredentialAvailable, got %v", err)
	}
}

func TestMarkUsedTenantCredential(t *testing.T) {
	r, store := testResolver(t)
	ctx := context.Background()

	cred := &domain.TenantCredential{
		ID: "tc", WorkspaceID: "ws", ProviderSlug: "openai", Active: true,
	}
	store.UpsertTenantCredential(ctx, cred)

	if err := r.MarkUsed(ctx, cred, "ws", "user-1"); err != nil {
		t.Fatalf("MarkUsed failed: %v", err)
	}
	if cred.UsageCount != 1 || !cred.LastUsedAt.Equal(testNow) {
		t.Errorf("usage=%d lastUsed=%v, want 1 and clock time", cred.UsageCount, cred.LastUsedAt)
	}
}

func TestMarkUsedFallbackAttributes(t *testing.T) {
	r, store := testResolver(t)
	ctx := context.Background()

	fb := &domain.FallbackCredential{ID: "pool-1", ProviderSlug: "openai", Active: true}
	store.UpsertFallbackCredential(ctx, fb)

	if err := r.MarkUsed(ctx, fb, "ws", "user-1"); err != nil {
		t.Fatalf("MarkUsed failed: %v", err)
	}
	if fb.TotalUsageCount != 1 {
		t.Errorf("total usage = %d, want 1", fb.TotalUsageCount)
	}
	if store.daily["pool-1"] != 1 {
		t.Errorf("daily attribution = %d, want 1", store.daily["pool-1"])
	}
}
