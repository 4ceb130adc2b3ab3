package store

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/atalii/ac-mon/internal/domain"
)

// ChangeHook observes a status change. It runs on the writer's goroutine
// and must not block.
type ChangeHook func(prev, next domain.RoomStatus)

// StatusStore maps room id to current RoomStatus. The key set is fixed at
// construction. Each room has exactly one writer (its session), so an
// update is a plain copy-on-write of an atomic pointer; readers never see a
// partially applied update and never block writers.
type StatusStore struct {
	order   []string
	entries map[string]*atomic.Pointer[domain.RoomStatus]
	hooks   []ChangeHook
	now     func() time.Time
}

// Option configures a StatusStore.
type Option func(*StatusStore)

// WithChangeHook registers a hook fired after each visible change.
func WithChangeHook(h ChangeHook) Option {
	return func(s *StatusStore) { s.hooks = append(s.hooks, h) }
}

// WithClock replaces the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *StatusStore) { s.now = now }
}

// New creates a store with a placeholder entry for every room.
func New(rooms []domain.RoomConfig, opts ...Option) *StatusStore {
	s := &StatusStore{
		order:   make([]string, 0, len(rooms)),
		entries: make(map[string]*atomic.Pointer[domain.RoomStatus], len(rooms)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now()
	for _, room := range rooms {
		if _, dup := s.entries[room.ID]; dup {
			continue
		}
		status := domain.NewRoomStatus(room, now)
		p := &atomic.Pointer[domain.RoomStatus]{}
		p.Store(&status)
		s.entries[room.ID] = p
		s.order = append(s.order, room.ID)
	}
	return s
}

// Update applies patch to roomID's status. Only the session owning roomID
// may call it.
func (s *StatusStore) Update(roomID string, patch domain.StatusPatch) (domain.RoomStatus, error) {
	p, ok := s.entries[roomID]
	if !ok {
		return domain.RoomStatus{}, fmt.Errorf("%w: %s", domain.ErrUnknownRoom, roomID)
	}

	prev := p.Load()
	if patch.IsEmpty() {
		return *prev, nil
	}

	next := patch.Apply(*prev, s.now())
	p.Store(&next)

	if next != *prev {
		for _, h := range s.hooks {
			h(*prev, next)
		}
	}
	return next, nil
}

// Get returns one room's status.
func (s *StatusStore) Get(roomID string) (domain.RoomStatus, bool) {
	p, ok := s.entries[roomID]
	if !ok {
		return domain.RoomStatus{}, false
	}
	return *p.Load(), true
}

// Snapshot returns every room's status in configuration order. Each entry
// is internally consistent; entries are read one after another, not under a
// global lock.
func (s *StatusStore) Snapshot() []domain.RoomStatus {
	out := make([]domain.RoomStatus, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.entries[id].Load())
	}
	return out
}

