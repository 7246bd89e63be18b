// Package direct provides an event publisher that writes usage events
// straight to storage. It is the default sink for single-instance
// deployments; a message-bus publisher can replace it behind the same
// port without touching the engine.
package direct

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arbiterai/costgate/internal/core/domain"
	"github.com/arbiterai/costgate/internal/core/ports"
)

// Publisher implements ports.EventPublisher by writing directly to storage.
type Publisher struct {
	store  ports.UsageEventStore
	logger *slog.Logger
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a direct publisher over the given event store.
func NewPublisher(store ports.UsageEventStore, logger *slog.Logger) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("event store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: store, logger: logger}, nil
}

// Publish persists the event. The request that produced the event has
// already been served; the error is for the caller to log.
func (p *Publisher) Publish(ctx context.Context, ev *domain.UsageEvent) error {
	if err := p.store.SaveUsageEvent(ctx, ev); err != nil {
		return fmt.Errorf("saving usage event %s: %w", ev.ID, err)
	}
	p.logger.Debug("usage event recorded",
		slog.String("event_id", ev.ID),
		slog.String("workspace_id", ev.WorkspaceID),
		slog.String("model", ev.Model))
	return nil
}

// Close is a no-op for the direct publisher.
func (p *Publisher) Close() error {
	return nil
}
