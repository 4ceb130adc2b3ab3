package protocol

import (
	"fmt"

	"github.com/atalii/ac-mon/internal/domain"
)

// Frame is one decoded inbound message. The set of variants is closed;
// anything a codec does not recognise becomes Unknown.
type Frame interface {
	frame()
	// Sequence returns the frame's sequence number, or 0 if the dialect
	// does not carry one.
	Sequence() uint64
}

// JoinAck acknowledges the join request.
type JoinAck struct {
	Seq uint64
}

// JoinReject refuses the join request, usually because the ticket is stale.
type JoinReject struct {
	Seq    uint64
	Reason string
}

// Keepalive only proves the channel is alive.
type Keepalive struct {
	Seq uint64
}

// StatusUpdate carries room status fields. Nil fields were absent.
type StatusUpdate struct {
	Seq          uint64
	Occupancy    *int
	HostPresent  *bool
	StreamActive *bool
	Access       *domain.Access
}

// SessionEnded means the server is about to drop the subscription.
type SessionEnded struct {
	Seq    uint64
	Reason string
}

// Unknown is any frame type the codec does not understand.
type Unknown struct {
	Seq  uint64
	Type string
	Raw  []byte
}

func (JoinAck) frame()      {}
func (JoinReject) frame()   {}
func (Keepalive) frame()    {}
func (StatusUpdate) frame() {}
func (SessionEnded) frame() {}
func (Unknown) frame()      {}

func (f JoinAck) Sequence() uint64      { return f.Seq }
func (f JoinReject) Sequence() uint64   { return f.Seq }
func (f Keepalive) Sequence() uint64    { return f.Seq }
func (f StatusUpdate) Sequence() uint64 { return f.Seq }
func (f SessionEnded) Sequence() uint64 { return f.Seq }
func (f Unknown) Sequence() uint64      { return f.Seq }

// Validate rejects semantically impossible status values.
func (f StatusUpdate) Validate() error {
	if f.Occupancy != nil && *f.Occupancy < 0 {
		return fmt.Errorf("%w: negative occupancy %d", domain.ErrProtocol, *f.Occupancy)
	}
	return nil
}

// Patch converts the update into a store patch that refreshes the
// timestamp.
func (f StatusUpdate) Patch() domain.StatusPatch {
	return domain.StatusPatch{
		Occupancy:    f.Occupancy,
		HostPresent:  f.HostPresent,
		StreamActive: f.StreamActive,
		Access:       f.Access,
		Touch:        true,
	}
}

// TypeName names a frame for logs.
func TypeName(f Frame) string {
	switch v := f.(type) {
	case JoinAck:
		return "join_ack"
	case JoinReject:
		return "join_reject"
	case Keepalive:
		return "keepalive"
	case StatusUpdate:
		return "status"
	case SessionEnded:
		return "session_ended"
	case Unknown:
		return "unknown:" + v.Type
	default:
		return fmt.Sprintf("%T", f)
	}
}
