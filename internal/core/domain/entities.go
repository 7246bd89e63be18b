// Package domain holds the entities and error types of the cost-governance
// engine. Everything here is plain data plus invariant checks; behavior
// lives in the component packages that operate on these types.
package domain

import (
	"time"

	"github.com/arbiterai/costgate/internal/money"
)

// Workspace is an isolated customer account (tenant) with its own
// credentials, policies, and budgets. Credit fields are owned and mutated
// only by the credit ledger.
type Workspace struct {
	ID string

	// MonthlyCredit is the included monthly allowance. Zero or negative
	// means unlimited.
	MonthlyCredit money.Micro

	// CurrentMonthUsage accumulates recorded usage since UsageResetDate.
	CurrentMonthUsage money.Micro

	// UsageResetDate is the start of the month the current usage counter
	// belongs to. Zero value means usage has never been recorded.
	UsageResetDate time.Time

	// OverageBillingEnabled permits usage beyond MonthlyCredit; overage is
	// reported for billing instead of blocking the request.
	OverageBillingEnabled bool

	Trial bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Provider is immutable reference data describing an upstream LLM vendor.
type Provider struct {
	ID              string
	Slug            string
	SupportedModels []string
	BaseURL         string
}

// SupportsModel reports whether the provider serves the given model.
func (p *Provider) SupportsModel(model string) bool {
	for _, m := range p.SupportedModels {
		if m == model {
			return true
		}
	}
	return false
}

// TenantCredential is an API credential owned by exactly one workspace for
// one provider. At most one credential per (workspace, provider) may have
// Default set.
type TenantCredential struct {
	ID           string
	WorkspaceID  string
	ProviderSlug string

	PreferredModel string
	Temperature    float64 // 0.0–2.0
	MaxTokens      int     // 1–100000

	Default bool
	Active  bool

	UsageCount int64
	LastUsedAt time.Time // zero value = never used

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Credential is the capability shared by tenant-owned and pool credentials.
// The resolver returns either kind behind this interface; callers that need
// to attribute pool usage branch on Shared.
type Credential interface {
	// CredentialID is the stable identifier of the credential record.
	CredentialID() string
	// CredentialProvider is the provider slug the credential belongs to.
	CredentialProvider() string
	// Model is the credential's preferred model, or "" when it has none.
	Model() string
	// Shared reports whether the credential comes from the fallback pool.
	Shared() bool
}

func (c *TenantCredential) CredentialID() string       { return c.ID }
func (c *TenantCredential) CredentialProvider() string { return c.ProviderSlug }
func (c *TenantCredential) Model() string              { return c.PreferredModel }
func (c *TenantCredential) Shared() bool               { return false }

// FallbackCredential is a pool credential shared across all workspaces. It
// is never associated with a workspace; attribution happens through the
// per-day usage ledger instead.
type FallbackCredential struct {
	ID           string
	ProviderSlug string

	PreferredModel string

	// UsageLimit caps total lifetime usage. Nil means uncapped.
	UsageLimit *int64
	// DailyLimit caps usage per calendar day across all workspaces.
	// Nil means uncapped.
	DailyLimit *int64
	// ExpiresAt disables the credential after the given instant.
	// Nil means it never expires.
	ExpiresAt *time.Time

	EnabledForTrials bool
	Active           bool

	TotalUsageCount int64
	// Priority orders pool selection; lower is preferred.
	Priority int

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *FallbackCredential) CredentialID() string       { return c.ID }
func (c *FallbackCredential) CredentialProvider() string { return c.ProviderSlug }
func (c *FallbackCredential) Model() string              { return c.PreferredModel }
func (c *FallbackCredential) Shared() bool               { return true }

// Expired reports whether the credential's expiry has passed at now.
func (c *FallbackCredential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// FallbackUsageEntry attributes one day of pool credential usage to a
// (workspace, user) identity. Rows are append/increment only within the
// retention window.
type FallbackUsageEntry struct {
	ID           string
	CredentialID string
	WorkspaceID  string
	UserID       string
	// Day is the UTC calendar day the usage belongs to, truncated to
	// midnight.
	Day        time.Time
	UsageCount int64
	LastUsedAt time.Time
}

// RoutingPolicy is the per-workspace model ordering and cost thresholds.
type RoutingPolicy struct {
	WorkspaceID string

	PrimaryModel   string
	FallbackModels []string

	// CostThresholdWarn flags estimates at or above it; CostThresholdBlock
	// denies them. When both are set, Block must exceed Warn.
	CostThresholdWarn  money.Micro
	CostThresholdBlock money.Micro

	Enabled bool

	RetryAttempts     int
	RetryDelaySeconds int
	TimeoutSeconds    int
	FailureConditions []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SpendingLimit is the per-workspace rate and budget configuration with its
// live counters. A zero limit field means that window is not configured; at
// least one of the six must be set.
type SpendingLimit struct {
	WorkspaceID string

	DailyLimit   money.Micro
	WeeklyLimit  money.Micro
	MonthlyLimit money.Micro

	CurrentDailySpend   money.Micro
	CurrentWeeklySpend  money.Micro
	CurrentMonthlySpend money.Micro

	DailySpendStart   time.Time
	WeeklySpendStart  time.Time
	MonthlySpendStart time.Time

	RequestsPerMinute int64
	RequestsPerHour   int64
	RequestsPerDay    int64

	CurrentMinuteCount int64
	CurrentHourCount   int64
	CurrentDayCount    int64

	MinuteWindowStart time.Time
	HourWindowStart   time.Time
	DayWindowStart    time.Time

	BlockWhenRateLimited bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UsageEvent is emitted to the usage sink on every successfully recorded
// request for downstream billing and reporting.
type UsageEvent struct {
	ID            string
	WorkspaceID   string
	ProviderSlug  string
	Model         string
	CredentialID  string
	SharedPool    bool
	EstimatedCost money.Micro
	Timestamp     time.Time
}
