package transport

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrReadTimeout is returned by ReadFrame when the deadline passes with no
// frame. The connection is unusable afterwards.
var ErrReadTimeout = errors.New("read timeout")

// Conn is one persistent bidirectional message channel. ReadFrame must be
// called from a single goroutine; WriteFrame and Close are safe to call
// concurrently with it and with each other.
type Conn interface {
	// ReadFrame blocks for the next message or until deadline.
	ReadFrame(deadline time.Time) ([]byte, error)

	// WriteFrame sends one text message, failing after timeout.
	WriteFrame(data []byte, timeout time.Duration) error

	// Close releases the channel. It unblocks a pending ReadFrame.
	Close() error
}

// Dialer opens channels to the platform's signaling endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}
