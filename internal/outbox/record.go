package outbox

import (
	"encoding/json"
	"fmt"
)

// Record is an outbound message staged in the outbox table, written in the
// same transaction as the state change that caused it. DedupeKey makes the
// staging idempotent under handler re-runs.
type Record struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	DedupeKey     string
	Payload       json.RawMessage
}

// Metadata describes how to route an outbound event type.
type Metadata struct {
	Topic         string
	SchemaSubject string
}

const (
	// EventTypeAggregationFinished re-publishes the milestone for other
	// subsystems consuming the activity event stream.
	EventTypeAggregationFinished = "activity.aggregation_finished"
	// EventTypeRefreshFinished notifies the orchestration layer.
	EventTypeRefreshFinished = "activity.refresh_finished"
	// EventTypeActivityWebhook pushes the terminal outcome to the client.
	EventTypeActivityWebhook = "webhook.activity_finished"
)

var catalog = map[string]Metadata{
	EventTypeAggregationFinished: {
		Topic:         "activity_events",
		SchemaSubject: "activity_events-value",
	},
	EventTypeRefreshFinished: {
		Topic:         "refresh_orchestration",
		SchemaSubject: "refresh_orchestration-value",
	},
	EventTypeActivityWebhook: {
		Topic:         "client_webhooks",
		SchemaSubject: "client_webhooks-value",
	},
}

// NewRecord stages payload for delivery under the routing metadata registered
// for eventType.
func NewRecord(eventType, aggregateID, partitionKey, dedupeKey string, payload any) (Record, error) {
	meta, ok := catalog[eventType]
	if !ok {
		return Record{}, fmt.Errorf("unknown outbound event type: %s", eventType)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Record{}, err
	}
	return Record{
		AggregateType: "activity",
		AggregateID:   aggregateID,
		EventType:     eventType,
		Topic:         meta.Topic,
		SchemaSubject: meta.SchemaSubject,
		PartitionKey:  partitionKey,
		DedupeKey:     dedupeKey,
		Payload:       body,
	}, nil
}
