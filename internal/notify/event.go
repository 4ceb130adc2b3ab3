package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atalii/ac-mon/internal/domain"
)

// Event types.
const (
	EventStatusChanged = "status_changed"
)

// Event is one room status change as published to the bus.
type Event struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"room_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`

	// Status is the decoded payload, kept for drivers that store fields
	// individually.
	Status domain.RoomStatus `json:"-"`
}

// StatusChangedPayload is the payload of EventStatusChanged.
type StatusChangedPayload struct {
	PreviousState domain.ConnectionState `json:"previous_state"`
	Status        domain.RoomStatus      `json:"status"`
}

// NewStatusEvent builds the event for a prev -> next transition.
func NewStatusEvent(prev, next domain.RoomStatus, now time.Time) (*Event, error) {
	data, err := json.Marshal(StatusChangedPayload{
		PreviousState: prev.State,
		Status:        next,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status payload: %w", err)
	}
	return &Event{
		Type:      EventStatusChanged,
		RoomID:    next.RoomID,
		Payload:   data,
		Timestamp: now,
		Status:    next,
	}, nil
}

// UnmarshalPayload unmarshals the event payload into v.
func (e *Event) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Publisher sends events to an external bus.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *Event) error { return nil }
func (NopPublisher) Close() error                          { return nil }
