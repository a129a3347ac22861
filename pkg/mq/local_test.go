package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestLocalBusDeliversToSubscribers(t *testing.T) {
	bus := NewLocalBus(zap.NewNop())

	var got []string
	bus.Subscribe("project.gate_passed", func(_ context.Context, data json.RawMessage) error {
		got = append(got, string(data))
		return nil
	})

	if err := bus.PublishWithContext(context.Background(), "project.gate_passed", map[string]int{"project_id": 3}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.PublishWithContext(context.Background(), "unknown.key", 1); err != nil {
		t.Fatalf("publish without subscriber: %v", err)
	}
	if len(got) != 1 || got[0] != `{"project_id":3}` {
		t.Fatalf("delivered = %v", got)
	}
}

func TestLocalBusPropagatesHandlerError(t *testing.T) {
	bus := NewLocalBus(zap.NewNop())
	bus.Subscribe("k", func(context.Context, json.RawMessage) error { return errors.New("boom") })

	if err := bus.PublishWithContext(context.Background(), "k", struct{}{}); err == nil {
		t.Fatal("expected error")
	}
}
