package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"casa/pkg/trace"
)

type fakeStore struct {
	events  []*Event
	sent    []int64
	failed  []int64
	leaseOf time.Duration
}

func (s *fakeStore) LeasePendingEvents(_ context.Context, limit int, leaseFor time.Duration) ([]*Event, error) {
	s.leaseOf = leaseFor
	if len(s.events) > limit {
		return s.events[:limit], nil
	}
	return s.events, nil
}

func (s *fakeStore) MarkAsSent(_ context.Context, id int64) error {
	s.sent = append(s.sent, id)
	return nil
}

func (s *fakeStore) MarkAsFailed(_ context.Context, id int64, _ int) error {
	s.failed = append(s.failed, id)
	return nil
}

type fakePublisher struct {
	failKey  string
	keys     []string
	traceIDs []string
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, routingKey string, _ any) error {
	if routingKey == p.failKey {
		return errors.New("broker down")
	}
	p.keys = append(p.keys, routingKey)
	p.traceIDs = append(p.traceIDs, trace.FromContext(ctx))
	return nil
}

func TestDispatcherMarksSentAndFailed(t *testing.T) {
	store := &fakeStore{events: []*Event{
		{ID: 1, RoutingKey: "project.gate_passed", Payload: json.RawMessage(`{"project_id":1,"trace_id":"abc"}`)},
		{ID: 2, RoutingKey: "approval.requested", Payload: json.RawMessage(`{"project_id":2}`)},
		{ID: 3, RoutingKey: "approval.decided", Payload: json.RawMessage(`not json`)},
	}}
	pub := &fakePublisher{failKey: "approval.requested"}

	d := NewDispatcher(store, pub, zap.NewNop()).WithBatchSize(10)
	if got := d.ProcessPendingEvents(context.Background()); got != 1 {
		t.Fatalf("sent = %d, want 1", got)
	}

	if len(store.sent) != 1 || store.sent[0] != 1 {
		t.Fatalf("sent ids = %v, want [1]", store.sent)
	}
	if len(store.failed) != 2 {
		t.Fatalf("failed ids = %v, want two entries", store.failed)
	}
	if pub.traceIDs[0] != "abc" {
		t.Fatalf("trace id not propagated: %v", pub.traceIDs)
	}
	if store.leaseOf != 30*time.Second {
		t.Fatalf("lease = %v", store.leaseOf)
	}
}

func TestNewEventMarshalsPayload(t *testing.T) {
	ev, err := NewEvent("project", 7, "project.gate_passed", map[string]int{"project_id": 7})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if ev.Status != StatusPending || *ev.AggregateID != 7 {
		t.Fatalf("event = %+v", ev)
	}
	if string(ev.Payload) != `{"project_id":7}` {
		t.Fatalf("payload = %s", ev.Payload)
	}
}
