package outbox

import (
	"encoding/json"
	"fmt"
)

// NewEvent 构造一个 pending 事件，payload 序列化为 JSON
func NewEvent(aggregateType string, aggregateID int64, routingKey string, payload any) (*Event, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", routingKey, err)
	}

	id := aggregateID
	return &Event{
		AggregateType: aggregateType,
		AggregateID:   &id,
		RoutingKey:    routingKey,
		Payload:       payloadJSON,
		Status:        StatusPending,
	}, nil
}
