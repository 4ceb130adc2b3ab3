package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/atalii/ac-mon/internal/domain"
	pkglog "github.com/atalii/ac-mon/pkg/log"
)

// Runner is one room's session as seen by the supervisor.
type Runner interface {
	Run(ctx context.Context) error
	Abort()
}

// Factory builds a fresh session for room. The gate must be passed through
// to the session so connects are capped globally.
type Factory func(room domain.RoomConfig, gate *Gate) Runner

// Config holds supervisor settings.
type Config struct {
	MaxConcurrentConnects int
	RestartInterval       time.Duration
	RestartBurst          int
	ShutdownGrace         time.Duration
}

var errUnexpectedExit = errors.New("session returned while monitor is running")

// Supervisor runs one session per room for the life of the process.
type Supervisor struct {
	cfg     Config
	rooms   []domain.RoomConfig
	factory Factory
	gate    *Gate
	logger  zerolog.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	running  map[string]Runner
	restarts atomic.Int64
}

// New creates a Supervisor for rooms.
func New(cfg Config, rooms []domain.RoomConfig, factory Factory) *Supervisor {
	if cfg.RestartInterval <= 0 {
		cfg.RestartInterval = 5 * time.Second
	}
	if cfg.RestartBurst <= 0 {
		cfg.RestartBurst = 1
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		rooms:   rooms,
		factory: factory,
		gate:    NewGate(cfg.MaxConcurrentConnects),
		logger:  pkglog.L(),
		running: make(map[string]Runner, len(rooms)),
	}
}

// Gate returns the connect gate shared by all sessions.
func (s *Supervisor) Gate() *Gate {
	return s.gate
}

// Restarts returns how many times a session has been restarted.
func (s *Supervisor) Restarts() int64 {
	return s.restarts.Load()
}

// Run starts every session and blocks until ctx is cancelled and all
// sessions have exited or the shutdown grace has elapsed.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info().Int("rooms", len(s.rooms)).Msg("supervisor: starting sessions")

	for _, room := range s.rooms {
		s.wg.Add(1)
		go s.supervise(ctx, room)
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
		s.logger.Info().Msg("supervisor: all sessions closed")
		return nil
	case <-timer.C:
	}

	abandoned := s.abortRunning()
	s.logger.Warn().
		Strs("rooms", abandoned).
		Dur("grace", s.cfg.ShutdownGrace).
		Msg("supervisor: sessions abandoned after shutdown grace")
	return nil
}

func (s *Supervisor) supervise(ctx context.Context, room domain.RoomConfig) {
	defer s.wg.Done()
	defer s.untrack(room.ID)

	logger := s.logger.With().Str(pkglog.FieldRoomID, room.ID).Logger()
	limiter := rate.NewLimiter(rate.Every(s.cfg.RestartInterval), s.cfg.RestartBurst)

	for {
		runner := s.factory(room, s.gate)
		s.track(room.ID, runner)

		err := runSafely(ctx, runner)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errUnexpectedExit
		}

		s.restarts.Add(1)
		logger.Error().Err(err).Msg("supervisor: session exited unexpectedly, restarting")

		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}
}

func runSafely(ctx context.Context, r Runner) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("session panic: %v", p)
		}
	}()
	return r.Run(ctx)
}

func (s *Supervisor) track(roomID string, r Runner) {
	s.mu.Lock()
	s.running[roomID] = r
	s.mu.Unlock()
}

func (s *Supervisor) untrack(roomID string) {
	s.mu.Lock()
	delete(s.running, roomID)
	s.mu.Unlock()
}

func (s *Supervisor) abortRunning() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.running))
	for id, r := range s.running {
		r.Abort()
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
