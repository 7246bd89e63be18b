// Package resolver picks the credential a request should use: the
// workspace's own credential when it has one, the shared pool otherwise.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/arbiterai/costgate/internal/core/domain"
	"github.com/arbiterai/costgate/internal/core/ports"
	"github.com/arbiterai/costgate/internal/fallbackpool"
)

// Resolver resolves credentials for (workspace, provider) pairs.
type Resolver struct {
	store   ports.CredentialStore
	tracker *fallbackpool.Tracker
	clock   func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Resolver) { r.clock = clock }
}

// New creates a resolver over the given store and pool tracker.
func New(store ports.CredentialStore, tracker *fallbackpool.Tracker, opts ...Option) *Resolver {
	r := &Resolver{
		store:   store,
		tracker: tracker,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Request carries the identity a resolution happens for. Trial and UserID
// only matter when resolution falls through to the shared pool.
type Request struct {
	WorkspaceID  string
	ProviderSlug string
	UserID       string
	Trial        bool
}

// Resolve picks a usable credential in order of preference:
// the workspace's default active credential, then its least-recently-used
// active credential, then the best pool credential with daily capacity.
// Returns a NoCredentialAvailable denial when nothing is usable.
func (r *Resolver) Resolve(ctx context.Context, req Request) (domain.Credential, error) {
	own, err := r.store.ListTenantCredentials(ctx, req.WorkspaceID, req.ProviderSlug)
	if err != nil {
		return nil, fmt.Errorf("listing credentials for %s/%s: %w", req.WorkspaceID, req.ProviderSlug, err)
	}

	if c := pickTenantCredential(own); c != nil {
		return c, nil
	}

	fb, err := r.tracker.BestForProvider(ctx, req.ProviderSlug, fallbackpool.SelectOptions{
		TrialWorkspace: req.Trial,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.Denied(domain.ReasonNoCredentialAvailable,
				"no usable credential for provider %s", req.ProviderSlug)
		}
		return nil, err
	}
	return fb, nil
}

// pickTenantCredential applies the tenant-owned preference order: the
// default credential if there is an active one, else the least-recently
// used active credential. Never-used credentials sort first.
func pickTenantCredential(creds []*domain.TenantCredential) *domain.TenantCredential {
	active := make([]*domain.TenantCredential, 0, len(creds))
	for _, c := range creds {
		if !c.Active {
			continue
		}
		if c.Default {
			return c
		}
		active = append(active, c)
	}
	if len(active) == 0 {
		return nil
	}

	sort.SliceStable(active, func(i, j int) bool {
		return active[i].LastUsedAt.Before(active[j].LastUsedAt)
	})
	return active[0]
}

// MarkUsed records that a resolved credential served a request: usage count
// and last-used for tenant credentials; pool attribution (and the total
// counter) for fallback credentials.
func (r *Resolver) MarkUsed(ctx context.Context, cred domain.Credential, workspaceID, userID string) error {
	if cred.Shared() {
		return r.tracker.RecordUsage(ctx, cred.CredentialID(), workspaceID, userID, 1)
	}
	if err := r.store.MarkTenantCredentialUsed(ctx, cred.CredentialID(), r.clock()); err != nil {
		return fmt.Errorf("marking credential %s used: %w", cred.CredentialID(), err)
	}
	return nil
}
