package store

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/atalii/ac-mon/internal/domain"
)

func testRooms(ids ...string) []domain.RoomConfig {
	rooms := make([]domain.RoomConfig, 0, len(ids))
	for _, id := range ids {
		rooms = append(rooms, domain.RoomConfig{ID: id, JoinURLTemplate: "https://lms.example/{room_id}"})
	}
	return rooms
}

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

func TestKeySetMatchesConfiguration(t *testing.T) {
	s := New(testRooms("R1", "R2", "R3", "R2"))

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	for i, id := range []string{"R1", "R2", "R3"} {
		if snap[i].RoomID != id {
			t.Fatalf("snapshot[%d] = %s, want %s", i, snap[i].RoomID, id)
		}
		if snap[i].State != domain.StateResolving {
			t.Fatalf("placeholder state = %s, want resolving", snap[i].State)
		}
	}
}

func TestUpdateUnknownRoomRejected(t *testing.T) {
	s := New(testRooms("R1"))

	_, err := s.Update("R9", domain.StatePatch(domain.StateActive))
	if !errors.Is(err, domain.ErrUnknownRoom) {
		t.Fatalf("expected ErrUnknownRoom, got %v", err)
	}
	if len(s.Snapshot()) != 1 {
		t.Fatal("key set must not grow")
	}
	if _, ok := s.Get("R9"); ok {
		t.Fatal("unknown room must not be readable")
	}
}

func TestUpdateAppliesPatch(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	now := t0
	s := New(testRooms("R1"), WithClock(func() time.Time { return now }))

	now = t0.Add(time.Second)
	next, err := s.Update("R1", domain.StatusPatch{Occupancy: intp(5), HostPresent: boolp(true), Touch: true})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if next.Occupancy != 5 || !next.HostPresent || next.StreamActive {
		t.Fatalf("unexpected status %+v", next)
	}
	if !next.LastUpdated.Equal(now) {
		t.Fatalf("last_updated = %v, want %v", next.LastUpdated, now)
	}

	got, _ := s.Get("R1")
	if got != next {
		t.Fatal("Get should return the value Update returned")
	}
}

func TestSnapshotIdempotent(t *testing.T) {
	s := New(testRooms("R1", "R2"))
	s.Update("R2", domain.StatusPatch{Occupancy: intp(3), Touch: true})

	a := s.Snapshot()
	b := s.Snapshot()
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("snapshots differ without updates:\n%+v\n%+v", a, b)
	}

	a[0].Occupancy = 99
	if s.Snapshot()[0].Occupancy == 99 {
		t.Fatal("snapshot must be a copy")
	}
}

func TestChangeHookFiresOnVisibleChange(t *testing.T) {
	type change struct{ prev, next domain.RoomStatus }
	var changes []change

	now := time.Unix(1700000000, 0)
	s := New(testRooms("R1"),
		WithClock(func() time.Time { return now }),
		WithChangeHook(func(prev, next domain.RoomStatus) {
			changes = append(changes, change{prev, next})
		}),
	)

	s.Update("R1", domain.StatePatch(domain.StateConnecting))
	s.Update("R1", domain.StatePatch(domain.StateConnecting))
	s.Update("R1", domain.StatusPatch{})

	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].prev.State != domain.StateResolving || changes[0].next.State != domain.StateConnecting {
		t.Fatalf("unexpected change %+v", changes[0])
	}
}

// Concurrent writers (one per room, as in production) and readers: every
// snapshot entry must be a value some writer actually stored.
func TestConcurrentUpdatesNoTornReads(t *testing.T) {
	const (
		rooms   = 16
		updates = 2000
	)

	ids := make([]string, rooms)
	for i := range ids {
		ids[i] = string(rune('A' + i))
	}
	s := New(testRooms(ids...))

	stop := make(chan struct{})
	var readers sync.WaitGroup
	errs := make(chan string, 1)

	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, st := range s.Snapshot() {
					// Writers keep occupancy == failures and host_present == even.
					if st.Occupancy != st.Failures || st.HostPresent != (st.Occupancy%2 == 0 && st.Occupancy > 0) {
						select {
						case errs <- st.RoomID:
						default:
						}
						return
					}
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for _, id := range ids {
		writers.Add(1)
		go func(id string) {
			defer writers.Done()
			for n := 1; n <= updates; n++ {
				s.Update(id, domain.StatusPatch{
					Occupancy:   intp(n),
					Failures:    intp(n),
					HostPresent: boolp(n%2 == 0),
					Touch:       true,
				})
			}
		}(id)
	}

	writers.Wait()
	close(stop)
	readers.Wait()

	select {
	case id := <-errs:
		t.Fatalf("observed torn status for room %s", id)
	default:
	}

	for _, st := range s.Snapshot() {
		if st.Occupancy != updates {
			t.Fatalf("room %s final occupancy = %d, want %d", st.RoomID, st.Occupancy, updates)
		}
	}
}
