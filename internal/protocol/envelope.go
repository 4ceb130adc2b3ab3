package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/atalii/ac-mon/internal/domain"
)

const DialectEnvelope = "envelope"

// MessageType is the numeric type tag of an envelope frame.
type MessageType int

// Envelope message types. Outbound: Join, Leave. Inbound: the rest.
const (
	TypeJoin         MessageType = 1
	TypeJoinAck      MessageType = 2
	TypeJoinReject   MessageType = 3
	TypeKeepalive    MessageType = 4
	TypeStatus       MessageType = 5
	TypeLeave        MessageType = 6
	TypeSessionEnded MessageType = 7
)

var typeNames = map[string]MessageType{
	"JOIN":          TypeJoin,
	"JOIN_ACK":      TypeJoinAck,
	"JOIN_REJECT":   TypeJoinReject,
	"KEEPALIVE":     TypeKeepalive,
	"STATUS":        TypeStatus,
	"LEAVE":         TypeLeave,
	"SESSION_ENDED": TypeSessionEnded,
}

// Envelope is the wire shape {type, seq, payload}. Fields stay raw until
// the type is known so unrecognised frames of any shape decode as Unknown.
type Envelope struct {
	Type    json.RawMessage `json:"type"`
	Seq     json.RawMessage `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outEnvelope struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq,omitempty"`
	Payload any         `json:"payload,omitempty"`
}

type joinPayload struct {
	Ticket string            `json:"ticket"`
	RoomID string            `json:"room_id"`
	Values map[string]string `json:"values,omitempty"`
}

type leavePayload struct {
	RoomID string `json:"room_id"`
}

type statusPayload struct {
	Occupancy    *int    `json:"occupancy"`
	HostPresent  *bool   `json:"host_present"`
	StreamActive *bool   `json:"stream_active"`
	Access       *string `json:"access"`
}

type reasonPayload struct {
	Reason string `json:"reason"`
}

// EnvelopeCodec speaks typed JSON envelopes.
type EnvelopeCodec struct{}

func (EnvelopeCodec) Dialect() string { return DialectEnvelope }

func (EnvelopeCodec) EncodeJoin(req JoinRequest) ([]byte, error) {
	if req.Ticket == nil || req.Ticket.Token == "" {
		return nil, fmt.Errorf("envelope join: empty ticket")
	}
	return json.Marshal(outEnvelope{
		Type: TypeJoin,
		Seq:  req.Seq,
		Payload: joinPayload{
			Ticket: req.Ticket.Token,
			RoomID: req.RoomID,
			Values: req.Ticket.Values,
		},
	})
}

func (EnvelopeCodec) AfterJoin() [][]byte { return nil }

func (EnvelopeCodec) EncodeLeave(roomID string, seq uint64) ([]byte, error) {
	return json.Marshal(outEnvelope{Type: TypeLeave, Seq: seq, Payload: leavePayload{RoomID: roomID}})
}

func (EnvelopeCodec) Decode(data []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", domain.ErrProtocol, err)
	}
	if len(env.Type) == 0 {
		return nil, fmt.Errorf("%w: envelope without type", domain.ErrProtocol)
	}

	typ, label, ok := parseType(env.Type)
	if !ok {
		return Unknown{Seq: lenientSeq(env.Seq), Type: label, Raw: data}, nil
	}
	if typ == TypeJoin || typ == TypeLeave {
		// Outbound-only types echoed back are not meaningful to us.
		return Unknown{Seq: lenientSeq(env.Seq), Type: label, Raw: data}, nil
	}

	seq, err := parseSeq(env.Seq)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeJoinAck:
		return JoinAck{Seq: seq}, nil

	case TypeJoinReject:
		var p reasonPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		return JoinReject{Seq: seq, Reason: p.Reason}, nil

	case TypeKeepalive:
		return Keepalive{Seq: seq}, nil

	case TypeStatus:
		var p statusPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		update := StatusUpdate{
			Seq:          seq,
			Occupancy:    p.Occupancy,
			HostPresent:  p.HostPresent,
			StreamActive: p.StreamActive,
		}
		if p.Access != nil {
			if a, ok := parseAccess(*p.Access); ok {
				update.Access = &a
			}
		}
		return update, nil

	case TypeSessionEnded:
		var p reasonPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		return SessionEnded{Seq: seq, Reason: p.Reason}, nil

	default:
		return Unknown{Seq: seq, Type: label, Raw: data}, nil
	}
}

func parseSeq(raw json.RawMessage) (uint64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var seq uint64
	if err := json.Unmarshal(raw, &seq); err != nil {
		return 0, fmt.Errorf("%w: invalid seq: %v", domain.ErrProtocol, err)
	}
	return seq, nil
}

// lenientSeq reads seq from a frame we do not understand, or 0.
func lenientSeq(raw json.RawMessage) uint64 {
	seq, err := parseSeq(raw)
	if err != nil {
		return 0
	}
	return seq
}

// parseType accepts a numeric tag or its symbolic name.
func parseType(raw json.RawMessage) (MessageType, string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, string(raw), false
		}
		if n, err := strconv.Atoi(s); err == nil {
			return MessageType(n), s, isKnownType(MessageType(n))
		}
		t, ok := typeNames[strings.ToUpper(s)]
		return t, s, ok
	}

	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, string(raw), false
	}
	return MessageType(n), string(raw), isKnownType(MessageType(n))
}

func isKnownType(t MessageType) bool {
	return t >= TypeJoin && t <= TypeSessionEnded
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", domain.ErrProtocol, err)
	}
	return nil
}

func parseAccess(s string) (domain.Access, bool) {
	switch a := domain.Access(strings.ToLower(s)); a {
	case domain.AccessOpen, domain.AccessClosed, domain.AccessBlocked, domain.AccessPending:
		return a, true
	default:
		return "", false
	}
}
