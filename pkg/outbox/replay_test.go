package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
)

type replayStore struct {
	fakeStore
	byID map[int64]*Event
}

func (s *replayStore) GetEventByID(_ context.Context, id int64) (*Event, error) {
	ev, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	return ev, nil
}

func (s *replayStore) GetFailedEvents(_ context.Context, limit int) ([]*Event, error) {
	var out []*Event
	for id := int64(1); id <= int64(len(s.byID)) && len(out) < limit; id++ {
		if ev := s.byID[id]; ev != nil && ev.Status == StatusFailed {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestReplayEvent(t *testing.T) {
	store := &replayStore{byID: map[int64]*Event{
		1: {ID: 1, RoutingKey: "approval.decided", Status: StatusFailed, Payload: json.RawMessage(`{"trace_id":"t-1"}`)},
	}}
	pub := &fakePublisher{}
	svc := NewReplayService(store, pub, zap.NewNop())

	if err := svc.ReplayEvent(context.Background(), 1); err != nil {
		t.Fatalf("ReplayEvent: %v", err)
	}
	if len(store.sent) != 1 || pub.traceIDs[0] != "t-1" {
		t.Fatalf("sent = %v, traces = %v", store.sent, pub.traceIDs)
	}

	if err := svc.ReplayEvent(context.Background(), 42); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("missing event err = %v", err)
	}
}

func TestReplayFailedEventsCountsSuccesses(t *testing.T) {
	store := &replayStore{byID: map[int64]*Event{
		1: {ID: 1, RoutingKey: "project.gate_passed", Status: StatusFailed, Payload: json.RawMessage(`{}`)},
		2: {ID: 2, RoutingKey: "approval.requested", Status: StatusFailed, Payload: json.RawMessage(`{}`)},
		3: {ID: 3, RoutingKey: "approval.decided", Status: StatusSent, Payload: json.RawMessage(`{}`)},
	}}
	pub := &fakePublisher{failKey: "approval.requested"}

	n, err := NewReplayService(store, pub, zap.NewNop()).ReplayFailedEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReplayFailedEvents: %v", err)
	}
	if n != 1 {
		t.Fatalf("replayed = %d, want 1", n)
	}
	if len(store.failed) != 1 || store.failed[0] != 2 {
		t.Fatalf("failed ids = %v, want [2]", store.failed)
	}
}
