package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atalii/ac-mon/internal/domain"
)

type runnerFunc struct {
	run     func(ctx context.Context) error
	aborted atomic.Bool
	abortCh chan struct{}
	once    sync.Once
}

func newRunner(run func(ctx context.Context, r *runnerFunc) error) *runnerFunc {
	r := &runnerFunc{abortCh: make(chan struct{})}
	r.run = func(ctx context.Context) error { return run(ctx, r) }
	return r
}

func (r *runnerFunc) Run(ctx context.Context) error { return r.run(ctx) }

func (r *runnerFunc) Abort() {
	r.aborted.Store(true)
	r.once.Do(func() { close(r.abortCh) })
}

func blockUntilCancelled(ctx context.Context, _ *runnerFunc) error {
	<-ctx.Done()
	return nil
}

func rooms(ids ...string) []domain.RoomConfig {
	out := make([]domain.RoomConfig, len(ids))
	for i, id := range ids {
		out[i] = domain.RoomConfig{ID: id}
	}
	return out
}

func runSupervisor(t *testing.T, s *Supervisor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error, within time.Duration) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(within):
		t.Fatal("supervisor did not stop in time")
	}
}

func TestRestartsSessionThatExits(t *testing.T) {
	var built atomic.Int32
	factory := func(room domain.RoomConfig, _ *Gate) Runner {
		n := built.Add(1)
		if n == 1 {
			return newRunner(func(context.Context, *runnerFunc) error { return errors.New("boom") })
		}
		if n == 2 {
			return newRunner(func(context.Context, *runnerFunc) error { panic("nil map") })
		}
		return newRunner(blockUntilCancelled)
	}

	s := New(Config{RestartInterval: 10 * time.Millisecond, RestartBurst: 1, ShutdownGrace: time.Second}, rooms("R1"), factory)
	cancel, done := runSupervisor(t, s)

	deadline := time.Now().Add(2 * time.Second)
	for built.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if built.Load() != 3 {
		t.Fatalf("expected 3 sessions built, got %d", built.Load())
	}
	if s.Restarts() != 2 {
		t.Fatalf("Restarts() = %d, want 2", s.Restarts())
	}

	cancel()
	waitDone(t, done, time.Second)
}

func TestConnectGateCapsConcurrency(t *testing.T) {
	const limit = 2

	var (
		current  atomic.Int32
		maxSeen  atomic.Int32
		finished sync.WaitGroup
	)
	ids := []string{"A", "B", "C", "D", "E", "F"}
	finished.Add(len(ids))

	factory := func(room domain.RoomConfig, gate *Gate) Runner {
		return newRunner(func(ctx context.Context, _ *runnerFunc) error {
			if err := gate.Acquire(ctx); err != nil {
				return nil
			}
			n := current.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			gate.Release()
			finished.Done()

			<-ctx.Done()
			return nil
		})
	}

	s := New(Config{MaxConcurrentConnects: limit}, rooms(ids...), factory)
	cancel, done := runSupervisor(t, s)

	waited := make(chan struct{})
	go func() {
		finished.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("not every session passed the gate")
	}

	if got := maxSeen.Load(); got > limit {
		t.Fatalf("saw %d concurrent connects, limit %d", got, limit)
	}
	if got := maxSeen.Load(); got < 1 {
		t.Fatal("no session passed the gate")
	}

	cancel()
	waitDone(t, done, time.Second)
}

func TestGateUnlimited(t *testing.T) {
	g := NewGate(0)
	for i := 0; i < 100; i++ {
		if err := g.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	g.Release()

	var nilGate *Gate
	if err := nilGate.Acquire(context.Background()); err != nil {
		t.Fatalf("nil gate Acquire: %v", err)
	}
	nilGate.Release()
}

func TestGateAcquireHonoursContext(t *testing.T) {
	g := NewGate(1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestShutdownGraceAbortsStragglers(t *testing.T) {
	var (
		mu      sync.Mutex
		runners = map[string]*runnerFunc{}
	)
	factory := func(room domain.RoomConfig, _ *Gate) Runner {
		var r *runnerFunc
		if room.ID == "stuck" {
			r = newRunner(func(ctx context.Context, self *runnerFunc) error {
				<-self.abortCh
				return nil
			})
		} else {
			r = newRunner(blockUntilCancelled)
		}
		mu.Lock()
		runners[room.ID] = r
		mu.Unlock()
		return r
	}

	grace := 50 * time.Millisecond
	s := New(Config{ShutdownGrace: grace}, rooms("ok", "stuck"), factory)
	cancel, done := runSupervisor(t, s)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(runners)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	begin := time.Now()
	cancel()
	waitDone(t, done, time.Second)

	if elapsed := time.Since(begin); elapsed < grace {
		t.Fatalf("supervisor returned after %s, before the %s grace", elapsed, grace)
	}

	mu.Lock()
	defer mu.Unlock()
	if !runners["stuck"].aborted.Load() {
		t.Fatal("stuck session should have been aborted")
	}
	if runners["ok"].aborted.Load() {
		t.Fatal("session that exited in time must not be aborted")
	}
}

func TestShutdownWithoutStragglersIsPrompt(t *testing.T) {
	s := New(Config{ShutdownGrace: 5 * time.Second}, rooms("R1", "R2"), func(domain.RoomConfig, *Gate) Runner {
		return newRunner(blockUntilCancelled)
	})
	cancel, done := runSupervisor(t, s)

	time.Sleep(10 * time.Millisecond)
	cancel()
	waitDone(t, done, time.Second)
}
