package direct

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/arbiterai/costgate/internal/core/domain"
	"github.com/arbiterai/costgate/internal/money"
)

type fakeEventStore struct {
	events []*domain.UsageEvent
	err    error
}

func (s *fakeEventStore) SaveUsageEvent(_ context.Context, ev *domain.UsageEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeEventStore) ListUsageEvents(_ context.Context, _ string, _ int) ([]*domain.UsageEvent, error) {
	return s.events, nil
}

func TestPublishWritesToStore(t *testing.T) {
	store := &fakeEventStore{}
	pub, err := NewPublisher(store, nil)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}

	ev := &domain.UsageEvent{
		ID:            "ev-1",
		WorkspaceID:   "ws-1",
		ProviderSlug:  "openai",
		Model:         "gpt-4",
		EstimatedCost: money.Micro(70_000),
		Timestamp:     time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publishing: %v", err)
	}

	if len(store.events) != 1 || store.events[0].ID != "ev-1" {
		t.Errorf("stored events = %v, want the published event", store.events)
	}
}

func TestPublishPropagatesStoreError(t *testing.T) {
	store := &fakeEventStore{err: fmt.Errorf("disk full")}
	pub, err := NewPublisher(store, nil)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}

	if err := pub.Publish(context.Background(), &domain.UsageEvent{ID: "ev-1"}); err == nil {
		t.Fatal("expected an error from the failing store")
	}
}

func TestNewPublisherRequiresStore(t *testing.T) {
	if _, err := NewPublisher(nil, nil); err == nil {
		t.Fatal("expected an error for a nil store")
	}
}
