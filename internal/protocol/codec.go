package protocol

import (
	"fmt"
	"time"

	"github.com/atalii/ac-mon/internal/domain"
)

// JoinRequest is everything a codec needs to build a join frame.
type JoinRequest struct {
	RoomID string
	Ticket *domain.Ticket
	Seq    uint64
	Now    time.Time
}

// Codec isolates the reverse-engineered wire format from the session state
// machine. Implementations must be safe for concurrent use.
type Codec interface {
	// Dialect names the wire format.
	Dialect() string

	// EncodeJoin builds the join/subscribe frame.
	EncodeJoin(req JoinRequest) ([]byte, error)

	// AfterJoin returns frames to send once the join is acknowledged.
	AfterJoin() [][]byte

	// EncodeLeave builds the best-effort unsubscribe frame. A nil frame
	// means the dialect unsubscribes by closing the channel.
	EncodeLeave(roomID string, seq uint64) ([]byte, error)

	// Decode parses one inbound frame. Unrecognised types decode to
	// Unknown without error; an error wraps domain.ErrProtocol.
	Decode(data []byte) (Frame, error)
}

// Options configures the dialects that need platform URLs.
type Options struct {
	RTMPURL string
	SWFURL  string
}

// New returns the codec for a dialect name.
func New(dialect string, opts Options) (Codec, error) {
	switch dialect {
	case DialectEnvelope:
		return EnvelopeCodec{}, nil
	case DialectNetConnection:
		return NetConnectionCodec{RTMPURL: opts.RTMPURL, SWFURL: opts.SWFURL}, nil
	default:
		return nil, fmt.Errorf("%w: unknown dialect %q", domain.ErrConfiguration, dialect)
	}
}
