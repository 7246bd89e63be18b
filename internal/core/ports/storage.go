package ports

import (
	"context"
	"time"

	"github.com/arbiterai/costgate/internal/core/domain"
	"github.com/arbiterai/costgate/internal/money"
)

// WorkspaceStore persists workspaces and their credit counters.
type WorkspaceStore interface {
	GetWorkspace(ctx context.Context, id string) (*domain.Workspace, error)
	UpsertWorkspace(ctx context.Context, ws *domain.Workspace) error

	// SaveWorkspaceUsage writes the ledger's usage counter and reset date
	// for a workspace in one statement.
	SaveWorkspaceUsage(ctx context.Context, id string, usage money.Micro, resetDate time.Time) error
}

// PolicyStore persists routing policies and spending limits.
type PolicyStore interface {
	GetRoutingPolicy(ctx context.Context, workspaceID string) (*domain.RoutingPolicy, error)
	UpsertRoutingPolicy(ctx context.Context, p *domain.RoutingPolicy) error

	GetSpendingLimit(ctx context.Context, workspaceID string) (*domain.SpendingLimit, error)
	UpsertSpendingLimit(ctx context.Context, l *domain.SpendingLimit) error

	// SaveSpendingCounters writes only the live counter columns of a
	// spending limit, leaving the configured limits untouched.
	SaveSpendingCounters(ctx context.Context, l *domain.SpendingLimit) error
}

// CredentialStore persists tenant-owned and pool credentials.
type CredentialStore interface {
	ListTenantCredentials(ctx context.Context, workspaceID, providerSlug string) ([]*domain.TenantCredential, error)
	UpsertTenantCredential(ctx context.Context, c *domain.TenantCredential) error

	// MarkTenantCredentialUsed atomically increments the credential's usage
	// count and stamps last-used.
	MarkTenantCredentialUsed(ctx context.Context, id string, at time.Time) error

	ListFallbackCredentials(ctx context.Context, providerSlug string) ([]*domain.FallbackCredential, error)
	UpsertFallbackCredential(ctx context.Context, c *domain.FallbackCredential) error
}

// FallbackLedger persists the per-day pool attribution rows.
type FallbackLedger interface {
	// IncrementFallbackUsage upserts the (credential, workspace, user, day)
	// row and increments the credential's total usage count in one
	// transaction; both succeed or neither does. The increment carries the
	// credential's total cap as a predicate and fails with
	// domain.ErrUsageLimitReached when the cap is already met.
	IncrementFallbackUsage(ctx context.Context, credentialID, workspaceID, userID string, day time.Time, count int64) error

	// FallbackDailyUsage sums the day's attribution rows for a credential.
	FallbackDailyUsage(ctx context.Context, credentialID string, day time.Time) (int64, error)

	// PruneFallbackUsage deletes attribution rows older than before and
	// returns how many were removed.
	PruneFallbackUsage(ctx context.Context, before time.Time) (int64, error)
}

// UsageEventStore persists emitted usage events for downstream consumers.
type UsageEventStore interface {
	SaveUsageEvent(ctx context.Context, ev *domain.UsageEvent) error
	ListUsageEvents(ctx context.Context, workspaceID string, limit int) ([]*domain.UsageEvent, error)
}

// Store is the full persistence boundary of the engine.
// Implementations: SQLite (default); any SQL database with atomic
// increment-with-predicate semantics can serve.
type Store interface {
	WorkspaceStore
	PolicyStore
	CredentialStore
	FallbackLedger
	UsageEventStore

	Close() error
}
