package ports

import (
	"context"

	"github.com/arbiterai/costgate/internal/core/domain"
	"github.com/arbiterai/costgate/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based with hot-reload (default).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// EventPublisher delivers usage events to the downstream sink. Publishing
// is fire-and-forget from the request path's perspective: failures are
// logged by the implementation and never fail the request.
// Implementations: direct storage (default), message bus.
type EventPublisher interface {
	Publish(ctx context.Context, ev *domain.UsageEvent) error
	Close() error
}
