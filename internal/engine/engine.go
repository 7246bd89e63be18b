// Package engine composes the governance components into the single
// "may this request proceed, and with what?" decision, and records usage
// for admitted requests after they complete.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterai/costgate/internal/core/domain"
	"github.com/arbiterai/costgate/internal/core/ports"
	"github.com/arbiterai/costgate/internal/ledger"
	"github.com/arbiterai/costgate/internal/limiter"
	"github.com/arbiterai/costgate/internal/metrics"
	"github.com/arbiterai/costgate/internal/money"
	"github.com/arbiterai/costgate/internal/pkg/config"
	"github.com/arbiterai/costgate/internal/pricing"
	"github.com/arbiterai/costgate/internal/resolver"
	"github.com/arbiterai/costgate/internal/routing"
)

// AdmissionRequest describes one attempt at an outbound request.
type AdmissionRequest struct {
	WorkspaceID  string
	ProviderSlug string
	UserID       string
	Prompt       string
	// Attempt is 1-indexed; each retry advances it by one.
	Attempt int
}

// Admission is a granted decision. The caller performs the actual provider
// call with the resolved credential and reports back through RecordUsage.
type Admission struct {
	Model         string
	Credential    domain.Credential
	EstimatedCost money.Micro
	Decision      routing.Decision
}

// UsageReport is the caller's report of a completed, successful call.
type UsageReport struct {
	WorkspaceID  string
	ProviderSlug string
	Model        string
	UserID       string
	Credential   domain.Credential
	// Cost is the estimated cost of the call as admitted.
	Cost money.Micro
}

// Params collects the engine's dependencies; all are required except
// Metrics, Logger, and Clock.
type Params struct {
	Store     ports.Store
	Pricing   *pricing.Table
	Limits    *limiter.Registry
	Ledgers   *ledger.Registry
	Resolver  *resolver.Resolver
	Publisher ports.EventPublisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Clock     func() time.Time

	// DefaultRouting serves workspaces that have no routing policy of
	// their own (or have disabled it).
	DefaultRouting config.RoutingConfig
}

// Engine is the admission orchestrator. It holds no counters of its own;
// all mutable state lives in the component registries it composes.
type Engine struct {
	store     ports.Store
	pricing   atomic.Pointer[pricing.Table]
	limits    *limiter.Registry
	ledgers   *ledger.Registry
	resolver  *resolver.Resolver
	publisher ports.EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	clock     func() time.Time

	defaultRouting config.RoutingConfig
}

// New wires an engine from its dependencies.
func New(p Params) (*Engine, error) {
	switch {
	case p.Store == nil:
		return nil, fmt.Errorf("store required")
	case p.Pricing == nil:
		return nil, fmt.Errorf("pricing table required")
	case p.Limits == nil:
		return nil, fmt.Errorf("limiter registry required")
	case p.Ledgers == nil:
		return nil, fmt.Errorf("ledger registry required")
	case p.Resolver == nil:
		return nil, fmt.Errorf("resolver required")
	case p.Publisher == nil:
		return nil, fmt.Errorf("event publisher required")
	}

	e := &Engine{
		store:          p.Store,
		limits:         p.Limits,
		ledgers:        p.Ledgers,
		resolver:       p.Resolver,
		publisher:      p.Publisher,
		metrics:        p.Metrics,
		logger:         p.Logger,
		clock:          p.Clock,
		defaultRouting: p.DefaultRouting,
	}
	e.pricing.Store(p.Pricing)
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e, nil
}

// SetPricing swaps the price table, for config hot-reload. In-flight
// admissions keep the table they started with.
func (e *Engine) SetPricing(t *pricing.Table) {
	if t != nil {
		e.pricing.Store(t)
	}
}

// Admit decides whether the request may proceed and with which model and
// credential. Denials come back as *domain.AdmissionDenied values; any
// other error is an infrastructure failure.
func (e *Engine) Admit(ctx context.Context, req AdmissionRequest) (*Admission, error) {
	adm, err := e.admit(ctx, req)
	if err != nil {
		var denied *domain.AdmissionDenied
		if errors.As(err, &denied) {
			e.metrics.Admission(string(denied.Reason))
		}
		return nil, err
	}
	e.metrics.Admission("admitted")
	e.metrics.EstimatedCost(adm.EstimatedCost)
	return adm, nil
}

func (e *Engine) admit(ctx context.Context, req AdmissionRequest) (*Admission, error) {
	// Resolve the workspace first so an unknown ID fails as ErrNotFound
	// rather than as a policy misconfiguration.
	led, err := e.ledgers.For(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}

	policy, err := e.routingPolicy(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}

	model, err := routing.ModelForAttempt(policy, req.Attempt)
	if err != nil {
		return nil, domain.Denied(domain.ReasonExhaustedFallbacks,
			"attempt %d exceeds the %d ordered models", req.Attempt, len(routing.OrderedModels(policy)))
	}

	table := e.pricing.Load()
	estimated := table.EstimateCost(model,
		pricing.EstimateTokens(req.Prompt),
		table.AssumedOutputTokens(model))

	decision := routing.CostCheck(policy, estimated)
	if decision == routing.Block {
		return nil, domain.Denied(domain.ReasonBudgetPolicyBlocked,
			"estimated cost %s is at or above the blocking threshold %s", estimated, policy.CostThresholdBlock)
	}

	lim, err := e.limits.For(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if lim != nil {
		if lim.WouldExceed(estimated) {
			return nil, domain.Denied(domain.ReasonRateOrBudgetLimited,
				"estimated cost %s exceeds the remaining budget", estimated)
		}
		if lim.BlockWhenRateLimited() && lim.WouldBeRateLimited() {
			return nil, domain.Denied(domain.ReasonRateOrBudgetLimited,
				"workspace %s is rate limited", req.WorkspaceID)
		}
	}

	// An exhausted credit still proceeds when overage billing is on; the
	// ledger reports the overage at recording time.
	if led.CreditExhausted() && !led.OverageBillingEnabled() {
		return nil, domain.Denied(domain.ReasonCreditExhausted,
			"workspace %s has exhausted its monthly credit", req.WorkspaceID)
	}

	cred, err := e.resolver.Resolve(ctx, resolver.Request{
		WorkspaceID:  req.WorkspaceID,
		ProviderSlug: req.ProviderSlug,
		UserID:       req.UserID,
		Trial:        led.Snapshot().Trial,
	})
	if err != nil {
		return nil, err
	}

	return &Admission{
		Model:         model,
		Credential:    cred,
		EstimatedCost: estimated,
		Decision:      decision,
	}, nil
}

// routingPolicy loads the workspace policy, falling back to the configured
// engine-wide default chain when the workspace has none or disabled it.
func (e *Engine) routingPolicy(ctx context.Context, workspaceID string) (*domain.RoutingPolicy, error) {
	p, err := e.store.GetRoutingPolicy(ctx, workspaceID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("loading routing policy for %s: %w", workspaceID, err)
	}
	if p != nil && p.Enabled {
		return p, nil
	}

	if e.defaultRouting.DefaultModel == "" {
		return nil, fmt.Errorf("workspace %s has no routing policy and no default routing is configured", workspaceID)
	}
	return &domain.RoutingPolicy{
		WorkspaceID:    workspaceID,
		PrimaryModel:   e.defaultRouting.DefaultModel,
		FallbackModels: e.defaultRouting.FallbackModels,
		Enabled:        true,
	}, nil
}

// RecordUsage records a completed call: credential usage, rate and spend
// counters, the credit ledger, and the downstream usage event. The
// admission already granted is never revoked; persistence failures come
// back as a *domain.RecordingError for the caller to log. Under-counting a
// quota beats double-charging a retry.
func (e *Engine) RecordUsage(ctx context.Context, rep UsageReport) error {
	var errs []error

	// A report without a credential still counts against quotas and credit.
	if rep.Credential != nil {
		if err := e.resolver.MarkUsed(ctx, rep.Credential, rep.WorkspaceID, rep.UserID); err != nil {
			errs = append(errs, err)
		}
		if rep.Credential.Shared() {
			e.metrics.FallbackUsage(rep.ProviderSlug)
		}
	}

	lim, err := e.limits.For(ctx, rep.WorkspaceID)
	if err != nil {
		errs = append(errs, err)
	} else if lim != nil {
		lim.RecordRequest()
		lim.AddSpending(rep.Cost)
		if err := e.store.SaveSpendingCounters(ctx, lim.Snapshot()); err != nil {
			errs = append(errs, fmt.Errorf("persisting spend counters: %w", err))
		}
	}

	led, err := e.ledgers.For(ctx, rep.WorkspaceID)
	if err != nil {
		errs = append(errs, err)
	} else {
		led.AddUsage(ctx, rep.Cost)
		snap := led.Snapshot()
		if err := e.store.SaveWorkspaceUsage(ctx, rep.WorkspaceID, snap.CurrentMonthUsage, snap.UsageResetDate); err != nil {
			errs = append(errs, fmt.Errorf("persisting credit usage: %w", err))
		}
	}

	e.metrics.RecordedSpend(rep.WorkspaceID, rep.Cost)
	e.publishEvent(ctx, rep)

	if len(errs) > 0 {
		e.metrics.RecordingFailure()
		return &domain.RecordingError{Err: errors.Join(errs...)}
	}
	return nil
}

// publishEvent emits the usage event to the sink. Fire-and-forget: a sink
// failure is logged and never fails the request.
func (e *Engine) publishEvent(ctx context.Context, rep UsageReport) {
	ev := &domain.UsageEvent{
		ID:            uuid.NewString(),
		WorkspaceID:   rep.WorkspaceID,
		ProviderSlug:  rep.ProviderSlug,
		Model:         rep.Model,
		EstimatedCost: rep.Cost,
		Timestamp:     e.clock(),
	}
	if rep.Credential != nil {
		ev.CredentialID = rep.Credential.CredentialID()
		ev.SharedPool = rep.Credential.Shared()
	}

	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Error("usage event publish failed",
			slog.String("workspace_id", rep.WorkspaceID),
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()))
	}
}
