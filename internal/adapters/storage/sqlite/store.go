// Package sqlite implements the engine's persistence boundary on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/arbiterai/costgate/internal/core/domain"
	"github.com/arbiterai/costgate/internal/core/ports"
	"github.com/arbiterai/costgate/internal/money"
)

// Store is the SQLite implementation of ports.Store. Counter updates run
// as single UPDATE statements (or one transaction for the pool ledger) so
// concurrent writers cannot lose increments.
type Store struct {
	db *sqlx.DB
}

var _ ports.Store = (*Store)(nil)

// dayFormat keys the per-day pool attribution rows.
const dayFormat = "2006-01-02"

// New opens (or creates) the database at path and initializes the schema.
// Use ":memory:" for tests.
func New(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
id TEXT PRIMARY KEY,
monthly_credit INTEGER NOT NULL DEFAULT 0,
current_month_usage INTEGER NOT NULL DEFAULT 0,
usage_reset_date TIMESTAMP,
overage_billing_enabled INTEGER NOT NULL DEFAULT 0,
trial INTEGER NOT NULL DEFAULT 0,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS tenant_credentials (
id TEXT PRIMARY KEY,
workspace_id TEXT NOT NULL,
provider_slug TEXT NOT NULL,
preferred_model TEXT,
temperature REAL NOT NULL DEFAULT 1.0,
max_tokens INTEGER NOT NULL DEFAULT 4096,
is_default INTEGER NOT NULL DEFAULT 0,
active INTEGER NOT NULL DEFAULT 1,
usage_count INTEGER NOT NULL DEFAULT 0,
last_used_at TIMESTAMP,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS fallback_credentials (
id TEXT PRIMARY KEY,
provider_slug TEXT NOT NULL,
preferred_model TEXT,
usage_limit INTEGER,
daily_limit INTEGER,
expires_at TIMESTAMP,
enabled_for_trials INTEGER NOT NULL DEFAULT 0,
active INTEGER NOT NULL DEFAULT 1,
total_usage_count INTEGER NOT NULL DEFAULT 0,
priority INTEGER NOT NULL DEFAULT 100,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS fallback_usage (
id TEXT PRIMARY KEY,
credential_id TEXT NOT NULL,
workspace_id TEXT NOT NULL,
user_id TEXT NOT NULL,
day TEXT NOT NULL,
usage_count INTEGER NOT NULL DEFAULT 0,
last_used_at TIMESTAMP NOT NULL,
UNIQUE (credential_id, workspace_id, user_id, day),
FOREIGN KEY (credential_id) REFERENCES fallback_credentials(id) ON DELETE CASCADE
)`,
		`CREATE TABLE IF NOT EXISTS routing_policies (
workspace_id TEXT PRIMARY KEY,
primary_model TEXT NOT NULL,
fallback_models TEXT,
cost_threshold_warn INTEGER NOT NULL DEFAULT 0,
cost_threshold_block INTEGER NOT NULL DEFAULT 0,
enabled INTEGER NOT NULL DEFAULT 1,
retry_attempts INTEGER NOT NULL DEFAULT 0,
retry_delay_seconds INTEGER NOT NULL DEFAULT 0,
timeout_seconds INTEGER NOT NULL DEFAULT 0,
failure_conditions TEXT,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS spending_limits (
workspace_id TEXT PRIMARY KEY,
daily_limit INTEGER NOT NULL DEFAULT 0,
weekly_limit INTEGER NOT NULL DEFAULT 0,
monthly_limit INTEGER NOT NULL DEFAULT 0,
current_daily_spend INTEGER NOT NULL DEFAULT 0,
current_weekly_spend INTEGER NOT NULL DEFAULT 0,
current_monthly_spend INTEGER NOT NULL DEFAULT 0,
daily_spend_start TIMESTAMP,
weekly_spend_start TIMESTAMP,
monthly_spend_start TIMESTAMP,
requests_per_minute INTEGER NOT NULL DEFAULT 0,
requests_per_hour INTEGER NOT NULL DEFAULT 0,
requests_per_day INTEGER NOT NULL DEFAULT 0,
current_minute_count INTEGER NOT NULL DEFAULT 0,
current_hour_count INTEGER NOT NULL DEFAULT 0,
current_day_count INTEGER NOT NULL DEFAULT 0,
minute_window_start TIMESTAMP,
hour_window_start TIMESTAMP,
day_window_start TIMESTAMP,
block_when_rate_limited INTEGER NOT NULL DEFAULT 0,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS usage_events (
id TEXT PRIMARY KEY,
workspace_id TEXT NOT NULL,
provider_slug TEXT NOT NULL,
model TEXT NOT NULL,
credential_id TEXT,
shared_pool INTEGER NOT NULL DEFAULT 0,
estimated_cost INTEGER NOT NULL DEFAULT 0,
created_at TIMESTAMP NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tenant_credentials_owner ON tenant_credentials(workspace_id, provider_slug)`,
		`CREATE INDEX IF NOT EXISTS idx_fallback_credentials_provider ON fallback_credentials(provider_slug)`,
		`CREATE INDEX IF NOT EXISTS idx_fallback_usage_day ON fallback_usage(credential_id, day)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_events_workspace ON usage_events(workspace_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- workspaces ---

func (s *Store) GetWorkspace(ctx context.Context, id string) (*domain.Workspace, error) {
	var row struct {
		ID                    string       `db:"id"`
		MonthlyCredit         int64        `db:"monthly_credit"`
		CurrentMonthUsage     int64        `db:"current_month_usage"`
		UsageResetDate        sql.NullTime `db:"usage_reset_date"`
		OverageBillingEnabled bool         `db:"overage_billing_enabled"`
		Trial                 bool         `db:"trial"`
		CreatedAt             time.Time    `db:"created_at"`
		UpdatedAt             time.Time    `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM workspaces WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting workspace %s: %w", id, err)
	}

	ws := &domain.Workspace{
		ID:                    row.ID,
		MonthlyCredit:         money.Micro(row.MonthlyCredit),
		CurrentMonthUsage:     money.Micro(row.CurrentMonthUsage),
		OverageBillingEnabled: row.OverageBillingEnabled,
		Trial:                 row.Trial,
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
	}
	if row.UsageResetDate.Valid {
		ws.UsageResetDate = row.UsageResetDate.Time
	}
	return ws, nil
}

func (s *Store) UpsertWorkspace(ctx context.Context, ws *domain.Workspace) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO workspaces (id, monthly_credit, current_month_usage, usage_reset_date, overage_billing_enabled, trial, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
monthly_credit = excluded.monthly_credit,
current_month_usage = excluded.current_month_usage,
usage_reset_date = excluded.usage_reset_date,
overage_billing_enabled = excluded.overage_billing_enabled,
trial = excluded.trial,
updated_at = excluded.updated_at`,
		ws.ID, int64(ws.MonthlyCredit), int64(ws.CurrentMonthUsage), nullTime(ws.UsageResetDate),
		ws.OverageBillingEnabled, ws.Trial, now, now)
	if err != nil {
		return fmt.Errorf("upserting workspace %s: %w", ws.ID, err)
	}
	return nil
}

func (s *Store) SaveWorkspaceUsage(ctx context.Context, id string, usage money.Micro, resetDate time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE workspaces SET current_month_usage = ?, usage_reset_date = ?, updated_at = ? WHERE id = ?`,
		int64(usage), nullTime(resetDate), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("saving workspace usage for %s: %w", id, err)
	}
	return requireRow(res, id)
}

// --- routing policies ---

func (s *Store) GetRoutingPolicy(ctx context.Context, workspaceID string) (*domain.RoutingPolicy, error) {
	var row struct {
		WorkspaceID        string         `db:"workspace_id"`
		PrimaryModel       string         `db:"primary_model"`
		FallbackModels     sql.NullString `db:"fallback_models"`
		CostThresholdWarn  int64          `db:"cost_threshold_warn"`
		CostThresholdBlock int64          `db:"cost_threshold_block"`
		Enabled            bool           `db:"enabled"`
		RetryAttempts      int            `db:"retry_attempts"`
		RetryDelaySeconds  int            `db:"retry_delay_seconds"`
		TimeoutSeconds     int            `db:"timeout_seconds"`
		FailureConditions  sql.NullString `db:"failure_conditions"`
		CreatedAt          time.Time      `db:"created_at"`
		UpdatedAt          time.Time      `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM routing_policies WHERE workspace_id = ?`, workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting routing policy for %s: %w", workspaceID, err)
	}

	p := &domain.RoutingPolicy{
		WorkspaceID:        row.WorkspaceID,
		PrimaryModel:       row.PrimaryModel,
		CostThresholdWarn:  money.Micro(row.CostThresholdWarn),
		CostThresholdBlock: money.Micro(row.CostThresholdBlock),
		Enabled:            row.Enabled,
		RetryAttempts:      row.RetryAttempts,
		RetryDelaySeconds:  row.RetryDelaySeconds,
		TimeoutSeconds:     row.TimeoutSeconds,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if err := decodeJSONList(row.FallbackModels, &p.FallbackModels); err != nil {
		return nil, fmt.Errorf("decoding fallback models for %s: %w", workspaceID, err)
	}
	if err := decodeJSONList(row.FailureConditions, &p.FailureConditions); err != nil {
		return nil, fmt.Errorf("decoding failure conditions for %s: %w", workspaceID, err)
	}
	return p, nil
}

func (s *Store) UpsertRoutingPolicy(ctx context.Context, p *domain.RoutingPolicy) error {
	fallbacks, err := encodeJSONList(p.FallbackModels)
	if err != nil {
		return err
	}
	conditions, err := encodeJSONList(p.FailureConditions)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO routing_policies (workspace_id, primary_model, fallback_models, cost_threshold_warn, cost_threshold_block, enabled, retry_attempts, retry_delay_seconds, timeout_seconds, failure_conditions, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(workspace_id) DO UPDATE SET
primary_model = excluded.primary_model,
fallback_models = excluded.fallback_models,
cost_threshold_warn = excluded.cost_threshold_warn,
cost_threshold_block = excluded.cost_threshold_block,
enabled = excluded.enabled,
retry_attempts = excluded.retry_attempts,
retry_delay_seconds = excluded.retry_delay_seconds,
timeout_seconds = excluded.timeout_seconds,
failure_conditions = excluded.failure_conditions,
updated_at = excluded.updated_at`,
		p.WorkspaceID, p.PrimaryModel, fallbacks, int64(p.CostThresholdWarn), int64(p.CostThresholdBlock),
		p.Enabled, p.RetryAttempts, p.RetryDelaySeconds, p.TimeoutSeconds, conditions, now, now)
	if err != nil {
		return fmt.Errorf("upserting routing policy for %s: %w", p.WorkspaceID, err)
	}
	return nil
}

// --- spending limits ---

func (s *Store) GetSpendingLimit(ctx context.Context, workspaceID string) (*domain.SpendingLimit, error) {
	var row spendingLimitRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM spending_limits WHERE workspace_id = ?`, workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting spending limit for %s: %w", workspaceID, err)
	}
	return row.toDomain(), nil
}

type spendingLimitRow struct {
	WorkspaceID         string       `db:"workspace_id"`
	DailyLimit          int64        `db:"daily_limit"`
	WeeklyLimit         int64        `db:"weekly_limit"`
	MonthlyLimit        int64        `db:"monthly_limit"`
	CurrentDailySpend   int64        `db:"current_daily_spend"`
	CurrentWeeklySpend  int64        `db:"current_weekly_spend"`
	CurrentMonthlySpend int64        `db:"current_monthly_spend"`
	DailySpendStart     sql.NullTime `db:"daily_spend_start"`
	WeeklySpendStart    sql.NullTime `db:"weekly_spend_start"`
	MonthlySpendStart   sql.NullTime `db:"monthly_spend_start"`
	RequestsPerMinute   int64        `db:"requests_per_minute"`
	RequestsPerHour     int64        `db:"requests_per_hour"`
	RequestsPerDay      int64        `db:"requests_per_day"`
	CurrentMinuteCount  int64        `db:"current_minute_count"`
	CurrentHourCount    int64        `db:"current_hour_count"`
	CurrentDayCount     int64        `db:"current_day_count"`
	MinuteWindowStart   sql.NullTime `db:"minute_window_start"`
	HourWindowStart     sql.NullTime `db:"hour_window_start"`
	DayWindowStart      sql.NullTime `db:"day_window_start"`
	BlockWhenRateLimit  bool         `db:"block_when_rate_limited"`
	CreatedAt           time.Time    `db:"created_at"`
	UpdatedAt           time.Time    `db:"updated_at"`
}

func (row *spendingLimitRow) toDomain() *domain.SpendingLimit {
	return &domain.SpendingLimit{
		WorkspaceID:          row.WorkspaceID,
		DailyLimit:           money.Micro(row.DailyLimit),
		WeeklyLimit:          money.Micro(row.WeeklyLimit),
		MonthlyLimit:         money.Micro(row.MonthlyLimit),
		CurrentDailySpend:    money.Micro(row.CurrentDailySpend),
		CurrentWeeklySpend:   money.Micro(row.CurrentWeeklySpend),
		CurrentMonthlySpend:  money.Micro(row.CurrentMonthlySpend),
		DailySpendStart:      row.DailySpendStart.Time,
		WeeklySpendStart:     row.WeeklySpendStart.Time,
		MonthlySpendStart:    row.MonthlySpendStart.Time,
		RequestsPerMinute:    row.RequestsPerMinute,
		RequestsPerHour:      row.RequestsPerHour,
		RequestsPerDay:       row.RequestsPerDay,
		CurrentMinuteCount:   row.CurrentMinuteCount,
		CurrentHourCount:     row.CurrentHourCount,
		CurrentDayCount:      row.CurrentDayCount,
		MinuteWindowStart:    row.MinuteWindowStart.Time,
		HourWindowStart:      row.HourWindowStart.Time,
		DayWindowStart:       row.DayWindowStart.Time,
		BlockWhenRateLimited: row.BlockWhenRateLimit,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}
}

func (s *Store) UpsertSpendingLimit(ctx context.Context, l *domain.SpendingLimit) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO spending_limits (workspace_id, daily_limit, weekly_limit, monthly_limit,
current_daily_spend, current_weekly_spend, current_monthly_spend,
daily_spend_start, weekly_spend_start, monthly_spend_start,
requests_per_minute, requests_per_hour, requests_per_day,
current_minute_count, current_hour_count, current_day_count,
minute_window_start, hour_window_start, day_window_start,
block_when_rate_limited, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(workspace_id) DO UPDATE SET
daily_limit = excluded.daily_limit,
weekly_limit = excluded.weekly_limit,
monthly_limit = excluded.monthly_limit,
current_daily_spend = excluded.current_daily_spend,
current_weekly_spend = excluded.current_weekly_spend,
current_monthly_spend = excluded.current_monthly_spend,
daily_spend_start = excluded.daily_spend_start,
weekly_spend_start = excluded.weekly_spend_start,
monthly_spend_start = excluded.monthly_spend_start,
requests_per_minute = excluded.requests_per_minute,
requests_per_hour = excluded.requests_per_hour,
requests_per_day = excluded.requests_per_day,
current_minute_count = excluded.current_minute_count,
current_hour_count = excluded.current_hour_count,
current_day_count = excluded.current_day_count,
minute_window_start = excluded.minute_window_start,
hour_window_start = excluded.hour_window_start,
day_window_start = excluded.day_window_start,
block_when_rate_limited = excluded.block_when_rate_limited,
updated_at = excluded.updated_at`,
		l.WorkspaceID, int64(l.DailyLimit), int64(l.WeeklyLimit), int64(l.MonthlyLimit),
		int64(l.CurrentDailySpend), int64(l.CurrentWeeklySpend), int64(l.CurrentMonthlySpend),
		nullTime(l.DailySpendStart), nullTime(l.WeeklySpendStart), nullTime(l.MonthlySpendStart),
		l.RequestsPerMinute, l.RequestsPerHour, l.RequestsPerDay,
		l.CurrentMinuteCount, l.CurrentHourCount, l.CurrentDayCount,
		nullTime(l.MinuteWindowStart), nullTime(l.HourWindowStart), nullTime(l.DayWindowStart),
		l.BlockWhenRateLimited, now, now)
	if err != nil {
		return fmt.Errorf("upserting spending limit for %s: %w", l.WorkspaceID, err)
	}
	return nil
}

func (s *Store) SaveSpendingCounters(ctx context.Context, l *domain.SpendingLimit) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE spending_limits SET
current_daily_spend = ?, current_weekly_spend = ?, current_monthly_spend = ?,
daily_spend_start = ?, weekly_spend_start = ?, monthly_spend_start = ?,
current_minute_count = ?, current_hour_count = ?, current_day_count = ?,
minute_window_start = ?, hour_window_start = ?, day_window_start = ?,
updated_at = ?
WHERE workspace_id = ?`,
		int64(l.CurrentDailySpend), int64(l.CurrentWeeklySpend), int64(l.CurrentMonthlySpend),
		nullTime(l.DailySpendStart), nullTime(l.WeeklySpendStart), nullTime(l.MonthlySpendStart),
		l.CurrentMinuteCount, l.CurrentHourCount, l.CurrentDayCount,
		nullTime(l.MinuteWindowStart), nullTime(l.HourWindowStart), nullTime(l.DayWindowStart),
		time.Now().UTC(), l.WorkspaceID)
	if err != nil {
		return fmt.Errorf("saving spend counters for %s: %w", l.WorkspaceID, err)
	}
	return requireRow(res, l.WorkspaceID)
}

// --- tenant credentials ---

type tenantCredentialRow struct {
	ID             string         `db:"id"`
	WorkspaceID    string         `db:"workspace_id"`
	ProviderSlug   string         `db:"provider_slug"`
	PreferredModel sql.NullString `db:"preferred_model"`
	Temperature    float64        `db:"temperature"`
	MaxTokens      int            `db:"max_tokens"`
	IsDefault      bool           `db:"is_default"`
	Active         bool           `db:"active"`
	UsageCount     int64          `db:"usage_count"`
	LastUsedAt     sql.NullTime   `db:"last_used_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (row *tenantCredentialRow) toDomain() *domain.TenantCredential {
	c := &domain.TenantCredential{
		ID:             row.ID,
		WorkspaceID:    row.WorkspaceID,
		ProviderSlug:   row.ProviderSlug,
		PreferredModel: row.PreferredModel.String,
		Temperature:    row.Temperature,
		MaxTokens:      row.MaxTokens,
		Default:        row.IsDefault,
		Active:         row.Active,
		UsageCount:     row.UsageCount,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if row.LastUsedAt.Valid {
		c.LastUsedAt = row.LastUsedAt.Time
	}
	return c
}

func (s *Store) ListTenantCredentials(ctx context.Context, workspaceID, providerSlug string) ([]*domain.TenantCredential, error) {
	var rows []tenantCredentialRow
	err := s.db.SelectContext(ctx, &rows, `
SELECT * FROM tenant_credentials
WHERE workspace_id = ? AND provider_slug = ?
ORDER BY last_used_at ASC NULLS FIRST`, workspaceID, providerSlug)
	if err != nil {
		return nil, fmt.Errorf("listing credentials for %s/%s: %w", workspaceID, providerSlug, err)
	}

	creds := make([]*domain.TenantCredential, 0, len(rows))
	for i := range rows {
		creds = append(creds, rows[i].toDomain())
	}
	return creds, nil
}

func (s *Store) UpsertTenantCredential(ctx context.Context, c *domain.TenantCredential) error {
	if err := validateTenantCredential(c); err != nil {
		return err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// At most one default credential per (workspace, provider).
	if c.Default {
		if _, err := tx.ExecContext(ctx, `
UPDATE tenant_credentials SET is_default = 0, updated_at = ?
WHERE workspace_id = ? AND provider_slug = ? AND id != ?`,
			now, c.WorkspaceID, c.ProviderSlug, c.ID); err != nil {
			return fmt.Errorf("clearing previous default: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO tenant_credentials (id, workspace_id, provider_slug, preferred_model, temperature, max_tokens, is_default, active, usage_count, last_used_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
preferred_model = excluded.preferred_model,
temperature = excluded.temperature,
max_tokens = excluded.max_tokens,
is_default = excluded.is_default,
active = excluded.active,
updated_at = excluded.updated_at`,
		c.ID, c.WorkspaceID, c.ProviderSlug, nullString(c.PreferredModel), c.Temperature, c.MaxTokens,
		c.Default, c.Active, c.UsageCount, nullTime(c.LastUsedAt), now, now); err != nil {
		return fmt.Errorf("upserting credential %s: %w", c.ID, err)
	}

	return tx.Commit()
}

func validateTenantCredential(c *domain.TenantCredential) error {
	if c.Temperature < 0 || c.Temperature > 2 {
		return domain.Invalid("temperature", "must be between 0.0 and 2.0, got %g", c.Temperature)
	}
	if c.MaxTokens < 1 || c.MaxTokens > 100000 {
		return domain.Invalid("max_tokens", "must be between 1 and 100000, got %d", c.MaxTokens)
	}
	return nil
}

func (s *Store) MarkTenantCredentialUsed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tenant_credentials SET usage_count = usage_count + 1, last_used_at = ?, updated_at = ? WHERE id = ?`,
		at, at, id)
	if err != nil {
		return fmt.Errorf("marking credential %s used: %w", id, err)
	}
	return requireRow(res, id)
}

// --- fallback credentials ---

type fallbackCredentialRow struct {
	ID               string         `db:"id"`
	ProviderSlug     string         `db:"provider_slug"`
	PreferredModel   sql.NullString `db:"preferred_model"`
	UsageLimit       sql.NullInt64  `db:"usage_limit"`
	DailyLimit       sql.NullInt64  `db:"daily_limit"`
	ExpiresAt        sql.NullTime   `db:"expires_at"`
	EnabledForTrials bool           `db:"enabled_for_trials"`
	Active           bool           `db:"active"`
	TotalUsageCount  int64          `db:"total_usage_count"`
	Priority         int            `db:"priority"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (row *fallbackCredentialRow) toDomain() *domain.FallbackCredential {
	c := &domain.FallbackCredential{
		ID:               row.ID,
		ProviderSlug:     row.ProviderSlug,
		PreferredModel:   row.PreferredModel.String,
		EnabledForTrials: row.EnabledForTrials,
		Active:           row.Active,
		TotalUsageCount:  row.TotalUsageCount,
		Priority:         row.Priority,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if row.UsageLimit.Valid {
		v := row.UsageLimit.Int64
		c.UsageLimit = &v
	}
	if row.DailyLimit.Valid {
		v := row.DailyLimit.Int64
		c.DailyLimit = &v
	}
	if row.ExpiresAt.Valid {
		t := row.ExpiresAt.Time
		c.ExpiresAt = &t
	}
	return c
}

func (s *Store) ListFallbackCredentials(ctx context.Context, providerSlug string) ([]*domain.FallbackCredential, error) {
	var rows []fallbackCredentialRow
	err := s.db.SelectContext(ctx, &rows, `
SELECT * FROM fallback_credentials WHERE provider_slug = ?
ORDER BY priority ASC, total_usage_count ASC`, providerSlug)
	if err != nil {
		return nil, fmt.Errorf("listing fallback credentials for %s: %w", providerSlug, err)
	}

	creds := make([]*domain.FallbackCredential, 0, len(rows))
	for i := range rows {
		creds = append(creds, rows[i].toDomain())
	}
	return creds, nil
}

func (s *Store) UpsertFallbackCredential(ctx context.Context, c *domain.FallbackCredential) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fallback_credentials (id, provider_slug, preferred_model, usage_limit, daily_limit, expires_at, enabled_for_trials, active, total_usage_count, priority, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
preferred_model = excluded.preferred_model,
usage_limit = excluded.usage_limit,
daily_limit = excluded.daily_limit,
expires_at = excluded.expires_at,
enabled_for_trials = excluded.enabled_for_trials,
active = excluded.active,
priority = excluded.priority,
updated_at = excluded.updated_at`,
		c.ID, c.ProviderSlug, nullString(c.PreferredModel), nullInt64Ptr(c.UsageLimit), nullInt64Ptr(c.DailyLimit),
		nullTimePtr(c.ExpiresAt), c.EnabledForTrials, c.Active, c.TotalUsageCount, c.Priority, now, now)
	if err != nil {
		return fmt.Errorf("upserting fallback credential %s: %w", c.ID, err)
	}
	return nil
}

// --- fallback usage ledger ---

func (s *Store) IncrementFallbackUsage(ctx context.Context, credentialID, workspaceID, userID string, day time.Time, count int64) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Increment-with-predicate: the total counter only moves while it
	// stays within the credential's cap. Zero rows affected means the cap
	// (or a missing credential) stopped it, and the attribution row below
	// never happens.
	res, err := tx.ExecContext(ctx, `
UPDATE fallback_credentials
SET total_usage_count = total_usage_count + ?, updated_at = ?
WHERE id = ? AND (usage_limit IS NULL OR total_usage_count + ? <= usage_limit)`,
		count, now, credentialID, count)
	if err != nil {
		return fmt.Errorf("incrementing total usage for %s: %w", credentialID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking increment result: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM fallback_credentials WHERE id = ?`, credentialID); err != nil {
			return fmt.Errorf("checking credential %s: %w", credentialID, err)
		}
		if exists == 0 {
			return domain.ErrNotFound
		}
		return domain.ErrUsageLimitReached
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO fallback_usage (id, credential_id, workspace_id, user_id, day, usage_count, last_used_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(credential_id, workspace_id, user_id, day) DO UPDATE SET
usage_count = usage_count + excluded.usage_count,
last_used_at = excluded.last_used_at`,
		uuid.NewString(), credentialID, workspaceID, userID, day.Format(dayFormat), count, now); err != nil {
		return fmt.Errorf("upserting usage entry for %s: %w", credentialID, err)
	}

	return tx.Commit()
}

func (s *Store) FallbackDailyUsage(ctx context.Context, credentialID string, day time.Time) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, `
SELECT COALESCE(SUM(usage_count), 0) FROM fallback_usage WHERE credential_id = ? AND day = ?`,
		credentialID, day.Format(dayFormat))
	if err != nil {
		return 0, fmt.Errorf("summing daily usage for %s: %w", credentialID, err)
	}
	return total, nil
}

func (s *Store) PruneFallbackUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fallback_usage WHERE day < ?`, before.Format(dayFormat))
	if err != nil {
		return 0, fmt.Errorf("pruning fallback usage: %w", err)
	}
	return res.RowsAffected()
}

// --- usage events ---

func (s *Store) SaveUsageEvent(ctx context.Context, ev *domain.UsageEvent) error {
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_events (id, workspace_id, provider_slug, model, credential_id, shared_pool, estimated_cost, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ev.WorkspaceID, ev.ProviderSlug, ev.Model, nullString(ev.CredentialID),
		ev.SharedPool, int64(ev.EstimatedCost), ev.Timestamp)
	if err != nil {
		return fmt.Errorf("saving usage event: %w", err)
	}
	return nil
}

func (s *Store) ListUsageEvents(ctx context.Context, workspaceID string, limit int) ([]*domain.UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []struct {
		ID            string         `db:"id"`
		WorkspaceID   string         `db:"workspace_id"`
		ProviderSlug  string         `db:"provider_slug"`
		Model         string         `db:"model"`
		CredentialID  sql.NullString `db:"credential_id"`
		SharedPool    bool           `db:"shared_pool"`
		EstimatedCost int64          `db:"estimated_cost"`
		CreatedAt     time.Time      `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
SELECT * FROM usage_events WHERE workspace_id = ? ORDER BY created_at DESC LIMIT ?`,
		workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing usage events for %s: %w", workspaceID, err)
	}

	events := make([]*domain.UsageEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, &domain.UsageEvent{
			ID:            row.ID,
			WorkspaceID:   row.WorkspaceID,
			ProviderSlug:  row.ProviderSlug,
			Model:         row.Model,
			CredentialID:  row.CredentialID.String,
			SharedPool:    row.SharedPool,
			EstimatedCost: money.Micro(row.EstimatedCost),
			Timestamp:     row.CreatedAt,
		})
	}
	return events, nil
}

// --- helpers ---

func requireRow(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("row %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeJSONList(list []string) (sql.NullString, error) {
	if len(list) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding list: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSONList(raw sql.NullString, dst *[]string) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}
