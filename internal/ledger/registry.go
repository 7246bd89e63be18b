package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arbiterai/costgate/internal/core/domain"
)

// LoadFunc fetches a workspace from storage.
type LoadFunc func(ctx context.Context, workspaceID string) (*domain.Workspace, error)

// Registry hands out one shared Ledger per workspace so every request
// worker serializes credit mutations on the same lock.
type Registry struct {
	mu      sync.Mutex
	ledgers map[string]*Ledger

	load     LoadFunc
	clock    func() time.Time
	reporter OverageReporter
}

// NewRegistry creates a registry backed by the given loader. A nil clock
// means time.Now.
func NewRegistry(load LoadFunc, clock func() time.Time, reporter OverageReporter) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		ledgers:  make(map[string]*Ledger),
		load:     load,
		clock:    clock,
		reporter: reporter,
	}
}

// For returns the workspace's ledger, loading the workspace on first touch.
func (r *Registry) For(ctx context.Context, workspaceID string) (*Ledger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.ledgers[workspaceID]; ok {
		return l, nil
	}

	ws, err := r.load(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("loading workspace %s: %w", workspaceID, err)
	}

	l := New(ws, WithClock(r.clock), WithOverageReporter(r.reporter))
	r.ledgers[workspaceID] = l
	return l, nil
}

// Invalidate drops a workspace's cached ledger so the next request reloads
// it from storage. Call after administrative updates to credit fields.
func (r *Registry) Invalidate(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ledgers, workspaceID)
}
