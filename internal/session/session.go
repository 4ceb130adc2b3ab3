package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atalii/ac-mon/internal/domain"
	"github.com/atalii/ac-mon/internal/protocol"
	"github.com/atalii/ac-mon/internal/transport"
	pkglog "github.com/atalii/ac-mon/pkg/log"
)

// Resolver turns a join URL into a ticket.
type Resolver interface {
	Resolve(ctx context.Context, joinURL string) (*domain.Ticket, error)
}

// StatusWriter absorbs status patches for a room.
type StatusWriter interface {
	Update(roomID string, patch domain.StatusPatch) (domain.RoomStatus, error)
}

// Gate bounds how many sessions may be resolving or connecting at once.
type Gate interface {
	Acquire(ctx context.Context) error
	Release()
}

// Config holds per-session protocol settings.
type Config struct {
	Endpoint          string
	Origin            string
	UserAgent         string
	JoinTimeout       time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxProtocolErrors int
	TicketMaxFailures int
	WarnAfterFailures int
}

// Deps are the collaborators a session drives.
type Deps struct {
	Resolver Resolver
	Dialer   transport.Dialer
	Codec    protocol.Codec
	Store    StatusWriter
	Gate     Gate
	Logger   *zerolog.Logger
}

// Session owns one room's connection to the platform's real-time channel.
// Run drives the state machine until the context is cancelled; failures
// are retried forever with backoff.
type Session struct {
	room     domain.RoomConfig
	cfg      Config
	resolver Resolver
	dialer   transport.Dialer
	codec    protocol.Codec
	store    StatusWriter
	gate     Gate
	logger   zerolog.Logger

	// Owned by the Run goroutine.
	state          domain.ConnectionState
	backoff        *Backoff
	ticket         *domain.Ticket
	ticketFailures int
	failures       int

	seq atomic.Uint64

	mu      sync.Mutex
	conn    transport.Conn
	aborted bool
}

// New creates a session for room.
func New(room domain.RoomConfig, cfg Config, deps Deps) *Session {
	if cfg.MaxProtocolErrors <= 0 {
		cfg.MaxProtocolErrors = 1
	}
	if cfg.TicketMaxFailures <= 0 {
		cfg.TicketMaxFailures = 1
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}

	logger := pkglog.ForRoom(room.ID, room.Name())
	if deps.Logger != nil {
		logger = deps.Logger.With().Str(pkglog.FieldRoomID, room.ID).Logger()
	}

	gate := deps.Gate
	if gate == nil {
		gate = openGate{}
	}

	return &Session{
		room:     room,
		cfg:      cfg,
		resolver: deps.Resolver,
		dialer:   deps.Dialer,
		codec:    deps.Codec,
		store:    deps.Store,
		gate:     gate,
		logger:   logger,
		state:    domain.StateIdle,
		backoff:  NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
	}
}

// Run monitors the room until ctx is cancelled, then leaves the channel,
// marks the room closed and returns nil.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info().Str(pkglog.FieldDialect, s.codec.Dialect()).Msg("session starting")
	defer s.closed()

	for {
		if ctx.Err() != nil {
			return nil
		}

		active, err := s.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := s.fail(err, active)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Abort force-closes the current channel. Used by the supervisor when a
// session does not close within the shutdown grace period.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.aborted = true
	if s.conn != nil {
		s.conn.Close()
	}
}

// cycle runs one Resolving → ... → Active pass. It always returns a non-nil
// error describing why the pass ended, and whether it reached Active.
func (s *Session) cycle(ctx context.Context) (bool, error) {
	s.setState(domain.StateResolving)

	if err := s.gate.Acquire(ctx); err != nil {
		return false, err
	}
	released := false
	release := func() {
		if !released {
			released = true
			s.gate.Release()
		}
	}
	defer release()

	if s.ticket == nil || s.ticket.Expired(time.Now()) {
		s.ticket = nil
		t, err := s.resolver.Resolve(ctx, s.room.JoinURL())
		if err != nil {
			return false, err
		}
		s.ticket = t
		s.ticketFailures = 0
		s.logger.Debug().Int("hops", t.Hops).Time("expires_at", t.ExpiresAt).Msg("ticket resolved")
	}

	s.setState(domain.StateConnecting)
	conn, err := s.dialer.Dial(ctx, s.cfg.Endpoint, s.header())
	if err != nil {
		return false, err
	}
	release()

	if !s.attach(conn) {
		conn.Close()
		return false, fmt.Errorf("%w: session aborted", domain.ErrConnection)
	}
	defer s.detach(conn)

	connID := uuid.New().String()
	logger := s.logger.With().Str(pkglog.FieldConnID, connID).Logger()

	stop := make(chan struct{})
	defer close(stop)
	go s.watch(ctx, conn, stop)

	join, err := s.codec.EncodeJoin(protocol.JoinRequest{
		RoomID: s.room.ID,
		Ticket: s.ticket,
		Seq:    s.seq.Add(1),
		Now:    time.Now(),
	})
	if err != nil {
		s.discardTicket()
		return false, err
	}
	if err := conn.WriteFrame(join, s.cfg.WriteTimeout); err != nil {
		return false, err
	}
	s.setState(domain.StateJoinSent)

	if err := s.awaitAck(conn); err != nil {
		return false, err
	}
	s.setState(domain.StateSubscribed)
	s.ticketFailures = 0

	for _, frame := range s.codec.AfterJoin() {
		if err := conn.WriteFrame(frame, s.cfg.WriteTimeout); err != nil {
			return false, err
		}
	}
	logger.Debug().Msg("subscribed")

	return s.listen(ctx, conn, logger)
}

// watch sends the best-effort leave frame and closes conn on cancellation,
// which unblocks the pending read in the Run goroutine.
func (s *Session) watch(ctx context.Context, conn transport.Conn, stop <-chan struct{}) {
	select {
	case <-stop:
	case <-ctx.Done():
		if frame, err := s.codec.EncodeLeave(s.room.ID, s.seq.Add(1)); err == nil && frame != nil {
			if err := conn.WriteFrame(frame, s.cfg.WriteTimeout); err != nil {
				s.logger.Debug().Err(err).Msg("leave frame not delivered")
			}
		}
		conn.Close()
	}
}

func (s *Session) awaitAck(conn transport.Conn) error {
	deadline := time.Now().Add(s.cfg.JoinTimeout)
	protoErrs := 0

	for {
		data, err := conn.ReadFrame(deadline)
		if err != nil {
			if errors.Is(err, transport.ErrReadTimeout) {
				return fmt.Errorf("%w: no join acknowledgment within %s", domain.ErrConnection, s.cfg.JoinTimeout)
			}
			return err
		}

		frame, err := s.codec.Decode(data)
		if err != nil {
			protoErrs++
			if protoErrs >= s.cfg.MaxProtocolErrors {
				return err
			}
			continue
		}

		switch f := frame.(type) {
		case protocol.JoinAck:
			return nil
		case protocol.JoinReject:
			s.discardTicket()
			return fmt.Errorf("%w: %s", domain.ErrJoinRejected, f.Reason)
		case protocol.SessionEnded:
			return fmt.Errorf("%w: %s", domain.ErrSessionEnded, f.Reason)
		default:
			s.logger.Trace().Str(pkglog.FieldFrameType, protocol.TypeName(frame)).Msg("frame before join ack ignored")
		}
	}
}

// listen applies inbound frames in arrival order until the channel fails.
func (s *Session) listen(ctx context.Context, conn transport.Conn, logger zerolog.Logger) (bool, error) {
	active := false
	protoErrs := 0
	var lastSeq uint64

	for {
		data, err := conn.ReadFrame(time.Now().Add(s.cfg.HeartbeatTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return active, ctx.Err()
			}
			if errors.Is(err, transport.ErrReadTimeout) {
				return active, fmt.Errorf("%w: no frame within %s", domain.ErrHeartbeatTimeout, s.cfg.HeartbeatTimeout)
			}
			return active, err
		}

		frame, err := s.codec.Decode(data)
		if _, unknown := frame.(protocol.Unknown); unknown {
			logger.Debug().Str(pkglog.FieldFrameType, protocol.TypeName(frame)).Msg("ignoring unrecognised frame")
			continue
		}
		if err == nil {
			err = checkSequence(frame.Sequence(), &lastSeq)
		}
		if err == nil {
			if update, ok := frame.(protocol.StatusUpdate); ok {
				err = update.Validate()
			}
		}
		if err != nil {
			protoErrs++
			logger.Warn().Err(err).Int("consecutive", protoErrs).Msg("dropping bad frame")
			if protoErrs >= s.cfg.MaxProtocolErrors {
				return active, fmt.Errorf("protocol desync after %d bad frames: %w", protoErrs, err)
			}
			continue
		}
		protoErrs = 0

		switch f := frame.(type) {
		case protocol.Keepalive:
			logger.Trace().Msg("keepalive")

		case protocol.StatusUpdate:
			patch := f.Patch()
			if !active {
				active = true
				state := domain.StateActive
				noError := ""
				zero := 0
				patch.State = &state
				patch.LastError = &noError
				patch.Failures = &zero
				s.failures = 0
			}
			next, err := s.transition(patch)
			if err != nil {
				return active, err
			}
			logger.Debug().
				Int("occupancy", next.Occupancy).
				Bool("host_present", next.HostPresent).
				Bool("stream_active", next.StreamActive).
				Str("access", string(next.Access)).
				Msg("status updated")

		case protocol.SessionEnded:
			return active, fmt.Errorf("%w: %s", domain.ErrSessionEnded, f.Reason)

		case protocol.JoinReject:
			s.discardTicket()
			return active, fmt.Errorf("%w: %s", domain.ErrJoinRejected, f.Reason)

		case protocol.JoinAck:
			// duplicate ack
		}
	}
}

// fail records a failed cycle and returns the delay before the next one.
func (s *Session) fail(err error, active bool) time.Duration {
	if active {
		s.backoff.Reset()
	}
	s.failures++

	resolution := domain.IsResolution(err)
	if !resolution && s.ticket != nil {
		s.ticketFailures++
		if s.ticketFailures >= s.cfg.TicketMaxFailures {
			s.discardTicket()
		}
	}

	delay := s.backoff.Next()

	// Unresolvable rooms stay Resolving while they wait.
	state := domain.StateDegraded
	if resolution {
		state = domain.StateResolving
	}

	msg := err.Error()
	failures := s.failures
	s.transition(domain.StatusPatch{State: &state, LastError: &msg, Failures: &failures})

	evt := s.logger.Info()
	if s.cfg.WarnAfterFailures > 0 && s.failures >= s.cfg.WarnAfterFailures {
		evt = s.logger.Warn()
	}
	evt.Err(err).
		Int(pkglog.FieldAttempt, s.failures).
		Int64(pkglog.FieldBackoff, delay.Milliseconds()).
		Msg("session cycle failed, retrying")

	return delay
}

func (s *Session) closed() {
	s.setState(domain.StateClosed)
	s.logger.Info().Msg("session closed")
}

func (s *Session) setState(state domain.ConnectionState) {
	if state == s.state {
		return
	}
	s.transition(domain.StatePatch(state))
}

// transition writes patch to the store and tracks the resulting state.
func (s *Session) transition(patch domain.StatusPatch) (domain.RoomStatus, error) {
	prev := s.state
	if patch.State != nil {
		s.state = *patch.State
	}
	next, err := s.store.Update(s.room.ID, patch)
	if err != nil {
		s.logger.Error().Err(err).Msg("status update rejected")
		return next, err
	}
	if s.state != prev {
		s.logger.Info().
			Str(pkglog.FieldPrevState, string(prev)).
			Str(pkglog.FieldState, string(s.state)).
			Msg("state changed")
	}
	return next, nil
}

func (s *Session) discardTicket() {
	s.ticket = nil
	s.ticketFailures = 0
}

func (s *Session) header() http.Header {
	h := http.Header{}
	if s.cfg.Origin != "" {
		h.Set("Origin", s.cfg.Origin)
	}
	if s.cfg.UserAgent != "" {
		h.Set("User-Agent", s.cfg.UserAgent)
	}
	if cookie := s.ticket.CookieHeader(); cookie != "" {
		h.Set("Cookie", cookie)
	}
	return h
}

func (s *Session) attach(conn transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return false
	}
	s.conn = conn
	return true
}

func (s *Session) detach(conn transport.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}

// checkSequence rejects frames whose sequence number goes backwards.
// Dialects without sequence numbers report 0 and are not checked.
func checkSequence(seq uint64, last *uint64) error {
	if seq == 0 {
		return nil
	}
	if *last != 0 && seq <= *last {
		return fmt.Errorf("%w: sequence %d after %d", domain.ErrProtocol, seq, *last)
	}
	*last = seq
	return nil
}

type openGate struct{}

func (openGate) Acquire(ctx context.Context) error { return ctx.Err() }
func (openGate) Release()                          {}
