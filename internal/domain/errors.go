package domain

import (
	"errors"
	"fmt"
)

// Resolution failure kinds.
var (
	ErrRedirectLoopOrBoundExceeded = errors.New("redirect loop or hop bound exceeded")
	ErrMarkerNotFound              = errors.New("ticket marker not found")
	ErrResolveTransport            = errors.New("resolver transport error")
	ErrResolveTimeout              = errors.New("resolver timeout")
)

// Channel and protocol failures.
var (
	ErrConnection       = errors.New("connection error")
	ErrJoinRejected     = errors.New("join rejected")
	ErrProtocol         = errors.New("protocol error")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrSessionEnded     = errors.New("session ended by server")
)

// Startup and store errors.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrUnknownRoom   = errors.New("unknown room")
)

// ResolutionError describes a failed ticket resolution. Kind is one of the
// resolution sentinels above and is matched by errors.Is.
type ResolutionError struct {
	Kind error
	URL  string
	Hops int
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s (hops=%d): %v: %v", e.URL, e.Hops, e.Kind, e.Err)
	}
	return fmt.Sprintf("resolve %s (hops=%d): %v", e.URL, e.Hops, e.Kind)
}

func (e *ResolutionError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// IsResolution reports whether err came from ticket resolution.
func IsResolution(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}
