package domain

import (
	"strings"
	"time"
)

// RoomIDPlaceholder is substituted with the room id in join URL templates.
const RoomIDPlaceholder = "{room_id}"

// Meeting is a recurring time slot for a room, shown to dashboard users.
// Time is HH:MM, 24-hour, in the platform's local zone.
type Meeting struct {
	Day  string `json:"day" mapstructure:"day"`
	Time string `json:"time" mapstructure:"time"`
}

// RoomConfig describes one monitored room. Never mutated after startup.
type RoomConfig struct {
	ID              string    `json:"room_id" mapstructure:"room_id"`
	DisplayName     string    `json:"display_name" mapstructure:"display_name"`
	JoinURLTemplate string    `json:"join_url_template" mapstructure:"join_url_template"`
	Meetings        []Meeting `json:"meetings,omitempty" mapstructure:"meetings"`
}

// JoinURL expands the template for this room.
func (r RoomConfig) JoinURL() string {
	return strings.ReplaceAll(r.JoinURLTemplate, RoomIDPlaceholder, r.ID)
}

// Name returns the display name, falling back to the id.
func (r RoomConfig) Name() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.ID
}

// ConnectionState is the lifecycle state of a room session.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateResolving  ConnectionState = "resolving"
	StateConnecting ConnectionState = "connecting"
	StateJoinSent   ConnectionState = "join_sent"
	StateSubscribed ConnectionState = "subscribed"
	StateActive     ConnectionState = "active"
	StateDegraded   ConnectionState = "degraded"
	StateClosed     ConnectionState = "closed"
)

// Access is whether the room currently admits guests.
type Access string

const (
	AccessPending Access = "pending"
	AccessOpen    Access = "open"
	AccessClosed  Access = "closed"
	AccessBlocked Access = "blocked"
)

// RoomStatus is the externally visible status of one room. Values are
// treated as immutable once published by the store.
type RoomStatus struct {
	RoomID         string          `json:"room_id"`
	DisplayName    string          `json:"display_name"`
	State          ConnectionState `json:"connection_state"`
	Occupancy      int             `json:"occupancy"`
	HostPresent    bool            `json:"host_present"`
	StreamActive   bool            `json:"stream_active"`
	Access         Access          `json:"access"`
	LastUpdated    time.Time       `json:"last_updated"`
	StateChangedAt time.Time       `json:"state_changed_at"`
	LastError      string          `json:"last_error,omitempty"`
	Failures       int             `json:"failures"`
}

// NewRoomStatus returns the placeholder status for a room that has not yet
// connected.
func NewRoomStatus(room RoomConfig, now time.Time) RoomStatus {
	return RoomStatus{
		RoomID:         room.ID,
		DisplayName:    room.Name(),
		State:          StateResolving,
		Access:         AccessPending,
		StateChangedAt: now,
	}
}

// StatusPatch is a partial update to a RoomStatus. Nil fields are left
// unchanged. Touch refreshes LastUpdated.
type StatusPatch struct {
	State        *ConnectionState
	Occupancy    *int
	HostPresent  *bool
	StreamActive *bool
	Access       *Access
	LastError    *string
	Failures     *int
	Touch        bool
}

// Apply returns a copy of s with the patch applied.
func (p StatusPatch) Apply(s RoomStatus, now time.Time) RoomStatus {
	if p.State != nil && *p.State != s.State {
		s.State = *p.State
		s.StateChangedAt = now
	}
	if p.Occupancy != nil {
		s.Occupancy = *p.Occupancy
	}
	if p.HostPresent != nil {
		s.HostPresent = *p.HostPresent
	}
	if p.StreamActive != nil {
		s.StreamActive = *p.StreamActive
	}
	if p.Access != nil {
		s.Access = *p.Access
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
	if p.Failures != nil {
		s.Failures = *p.Failures
	}
	if p.Touch {
		s.LastUpdated = now
	}
	return s
}

// IsEmpty reports whether the patch would change nothing.
func (p StatusPatch) IsEmpty() bool {
	return p.State == nil && p.Occupancy == nil && p.HostPresent == nil &&
		p.StreamActive == nil && p.Access == nil && p.LastError == nil &&
		p.Failures == nil && !p.Touch
}

// StatePatch is shorthand for a patch that only moves the state.
func StatePatch(state ConnectionState) StatusPatch {
	return StatusPatch{State: &state}
}
