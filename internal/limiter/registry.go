package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arbiterai/costgate/internal/core/domain"
)

// LoadFunc fetches a workspace's spending limit from storage. It returns
// domain.ErrNotFound when the workspace has no limits configured.
type LoadFunc func(ctx context.Context, workspaceID string) (*domain.SpendingLimit, error)

// Registry hands out one shared Limiter per workspace, hydrating state from
// storage on first touch. It is the single owner of limiter instances so
// every request worker for a workspace contends on the same lock.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	load     LoadFunc
	clock    func() time.Time
}

// NewRegistry creates a registry backed by the given loader. A nil clock
// means time.Now.
func NewRegistry(load LoadFunc, clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		limiters: make(map[string]*Limiter),
		load:     load,
		clock:    clock,
	}
}

// For returns the workspace's limiter, or nil when the workspace has no
// spending limits configured.
func (r *Registry) For(ctx context.Context, workspaceID string) (*Limiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[workspaceID]; ok {
		return l, nil
	}

	cfg, err := r.load(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading spending limit for %s: %w", workspaceID, err)
	}

	l, err := New(cfg, WithClock(r.clock))
	if err != nil {
		return nil, fmt.Errorf("stored spending limit for %s is invalid: %w", workspaceID, err)
	}

	r.limiters[workspaceID] = l
	return l, nil
}

// Invalidate drops a workspace's cached limiter so the next request reloads
// configuration from storage. Call after administrative updates.
func (r *Registry) Invalidate(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, workspaceID)
}
