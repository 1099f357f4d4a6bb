package fanout

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/dreamware/servelane/internal/region"
)

// ErrInvalidEvent rejects events that cannot be propagated.
var ErrInvalidEvent = errors.New("invalid fanout event")

// EventType is the closed set of propagated domain events.
type EventType string

const (
	OrderStatusChanged EventType = "order_status"
	OrderCreated       EventType = "order_created"
	MenuUpdated        EventType = "menu_updated"
	StoreStatusChanged EventType = "store_status"
	Custom             EventType = "custom"
)

// typeTags maps each event type to the _type tag added to its payload, which
// is also the event name published on the live-update channel.
var typeTags = map[EventType]string{
	OrderStatusChanged: "order_status_update",
	OrderCreated:       "new_order",
	MenuUpdated:        "menu_update",
	StoreStatusChanged: "store_status_update",
	Custom:             "custom",
}

// Tag returns the payload tag and channel event name for t.
func (t EventType) Tag() string {
	return typeTags[t]
}

// Valid reports whether t is in the closed set.
func (t EventType) Valid() bool {
	_, ok := typeTags[t]
	return ok
}

// Priority is a delivery hint forwarded to transports that support it.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority. Empty is valid and means
// normal.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Event is one domain event to propagate.
type Event struct {
	Payload       map[string]any
	Type          EventType
	SourceRegion  region.ID
	Priority      Priority
	TargetRegions []region.ID // nil means every known region
}

// Validate checks the type, payload and priority.
func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: payload is required", ErrInvalidEvent)
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidEvent, e.Priority)
	}
	return nil
}

// EffectivePriority applies the per-type rule: store status events are
// always high priority, everything else defaults to normal.
func (e Event) EffectivePriority() Priority {
	if e.Type == StoreStatusChanged {
		return PriorityHigh
	}
	if e.Priority == "" {
		return PriorityNormal
	}
	return e.Priority
}

// Message is what a Broadcaster publishes on a region's channel.
type Message struct {
	Payload      map[string]any `json:"payload" msgpack:"payload"`
	Event        string         `json:"event" msgpack:"event"`
	SourceRegion string         `json:"source_region" msgpack:"source_region"`
	Timestamp    string         `json:"timestamp" msgpack:"timestamp"`
	Priority     string         `json:"priority" msgpack:"priority"`
	EventID      int64          `json:"event_id,omitempty" msgpack:"event_id,omitempty"`
}

// message builds the published message. The payload is copied and annotated
// with the _type tag and, when absent, a timestamp.
func (e Event) message(source region.ID, eventID int64, at time.Time) Message {
	ts := at.UTC().Format(time.RFC3339Nano)
	payload := maps.Clone(e.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	payload["_type"] = e.Type.Tag()
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = ts
	}
	return Message{
		Payload:      payload,
		Event:        e.Type.Tag(),
		SourceRegion: string(source),
		Timestamp:    ts,
		Priority:     string(e.EffectivePriority()),
		EventID:      eventID,
	}
}
