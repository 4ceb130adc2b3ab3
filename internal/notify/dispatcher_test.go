package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atalii/ac-mon/internal/domain"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []*Event
	fail   bool
	block  chan struct{}
}

func (p *fakePublisher) Publish(ctx context.Context, event *Event) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	if p.fail {
		return errors.New("broker unavailable")
	}
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) Events() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Event(nil), p.events...)
}

func status(occupancy int) domain.RoomStatus {
	return domain.RoomStatus{RoomID: "R1", State: domain.StateActive, Occupancy: occupancy}
}

func waitStopped(t *testing.T, d *Dispatcher) {
	t.Helper()
	d.Stop()
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcherPublishesInOrder(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub, 64)
	d.Start(context.Background())

	for i := 1; i <= 20; i++ {
		d.Notify(status(i-1), status(i))
	}
	waitStopped(t, d)

	events := pub.Events()
	if len(events) != 20 {
		t.Fatalf("published %d events, want 20", len(events))
	}
	for i, e := range events {
		if e.Type != EventStatusChanged || e.RoomID != "R1" {
			t.Fatalf("unexpected event %+v", e)
		}
		if e.Status.Occupancy != i+1 {
			t.Fatalf("event %d carries occupancy %d, out of order", i, e.Status.Occupancy)
		}
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(pub, 2)

	for i := 0; i < 5; i++ {
		d.Notify(status(i), status(i+1))
	}
	if got := d.Dropped(); got != 3 {
		t.Fatalf("Dropped() = %d, want 3", got)
	}

	d.Start(context.Background())
	waitStopped(t, d)

	if n := len(pub.Events()); n != 2 {
		t.Fatalf("published %d queued events, want 2", n)
	}
}

func TestDispatcherNotifyNeverBlocks(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	d := NewDispatcher(pub, 1)
	d.Start(context.Background())

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Notify(status(i), status(i+1))
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a stalled publisher")
	}

	close(pub.block)
	waitStopped(t, d)
}

func TestDispatcherSurvivesPublishErrors(t *testing.T) {
	pub := &fakePublisher{fail: true}
	d := NewDispatcher(pub, 8)
	d.Start(context.Background())

	d.Notify(status(0), status(1))
	d.Notify(status(1), status(2))
	waitStopped(t, d)

	if n := len(pub.Events()); n != 2 {
		t.Fatalf("expected both events attempted, got %d", n)
	}
}

func TestStatusEventPayload(t *testing.T) {
	prev := domain.RoomStatus{RoomID: "R1", State: domain.StateSubscribed}
	next := domain.RoomStatus{RoomID: "R1", State: domain.StateActive, Occupancy: 5, HostPresent: true}

	e, err := NewStatusEvent(prev, next, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("NewStatusEvent: %v", err)
	}

	var p StatusChangedPayload
	if err := e.UnmarshalPayload(&p); err != nil {
		t.Fatalf("UnmarshalPayload: %v", err)
	}
	if p.PreviousState != domain.StateSubscribed || p.Status.Occupancy != 5 || !p.Status.HostPresent {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestNewPublisherDrivers(t *testing.T) {
	for _, driver := range []string{"", "none"} {
		pub, err := NewPublisher(Config{Driver: driver})
		if err != nil {
			t.Fatalf("driver %q: %v", driver, err)
		}
		if _, ok := pub.(NopPublisher); !ok {
			t.Fatalf("driver %q: got %T", driver, pub)
		}
	}

	if _, err := NewPublisher(Config{Driver: "nats"}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestRedisStatusKey(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	p := newRedisPublisher(client, RedisConfig{})
	if got := p.StatusKey("R1"); got != "monitor:room:R1:status" {
		t.Fatalf("StatusKey() = %q", got)
	}

	p = newRedisPublisher(client, RedisConfig{KeyPrefix: "acmon"})
	if got := p.StatusKey("R1"); got != "acmon:room:R1:status" {
		t.Fatalf("StatusKey() = %q", got)
	}
}
