package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"boundary-risk/internal/audit"
)

func newTestEvent(id, user string) *audit.Event {
	return &audit.Event{
		ID:        id,
		UserID:    audit.StringPtr(user),
		EventType: "login",
		Action:    "login",
		RiskLevel: audit.RiskLow,
		Success:   true,
		CreatedAt: time.Now().UTC(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestMonitor_PerUserOrdering(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]string)

	m := New(Config{Shards: 4, QueueSize: 16}, func(_ context.Context, e *audit.Event) error {
		mu.Lock()
		seen[e.User()] = append(seen[e.User()], e.ID)
		mu.Unlock()
		return nil
	}, nil)
	m.Start(context.Background())
	defer m.Stop()

	users := []string{"alice", "bob", "carol"}
	for i := 0; i < 30; i++ {
		for _, u := range users {
			if err := m.Submit(context.Background(), newTestEvent(fmt.Sprintf("%s-%02d", u, i), u)); err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
		}
	}

	waitFor(t, func() bool { return m.Stats().Processed == 90 })

	mu.Lock()
	defer mu.Unlock()
	for _, u := range users {
		ids := seen[u]
		if len(ids) != 30 {
			t.Fatalf("%s: got %d events", u, len(ids))
		}
		for i, id := range ids {
			if want := fmt.Sprintf("%s-%02d", u, i); id != want {
				t.Fatalf("%s: event %d = %s, want %s", u, i, id, want)
			}
		}
	}
}

func TestMonitor_TrySubmitQueueFull(t *testing.T) {
	m := New(Config{Shards: 1, QueueSize: 2}, func(context.Context, *audit.Event) error { return nil }, nil)
	// Not started: nothing drains the queue.

	for i := 0; i < 2; i++ {
		if err := m.TrySubmit(newTestEvent(fmt.Sprint(i), "u")); err != nil {
			t.Fatalf("TrySubmit(%d) error = %v", i, err)
		}
	}
	if err := m.TrySubmit(newTestEvent("overflow", "u")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if s := m.Stats(); s.Dropped != 1 || s.Queued != 2 {
		t.Errorf("stats = %+v", s)
	}
	m.Stop()
}

func TestMonitor_SubmitBlocksUntilContextDone(t *testing.T) {
	m := New(Config{Shards: 1, QueueSize: 1}, func(context.Context, *audit.Event) error { return nil }, nil)
	defer m.Stop()

	if err := m.Submit(context.Background(), newTestEvent("1", "u")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Submit(ctx, newTestEvent("2", "u")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestMonitor_SubmitUnblocksOnStop(t *testing.T) {
	m := New(Config{Shards: 1, QueueSize: 1}, func(context.Context, *audit.Event) error { return nil }, nil)
	if err := m.Submit(context.Background(), newTestEvent("1", "u")); err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- m.Submit(context.Background(), newTestEvent("2", "u")) }()

	time.Sleep(10 * time.Millisecond)
	m.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrMonitorStopped) {
			t.Errorf("expected ErrMonitorStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Submit did not return after Stop")
	}
}

func TestMonitor_StopHandlesAcceptedEvents(t *testing.T) {
	var handled atomic.Int32
	m := New(Config{Shards: 1, QueueSize: 100}, func(context.Context, *audit.Event) error {
		time.Sleep(time.Millisecond)
		handled.Add(1)
		return nil
	}, nil)
	m.Start(context.Background())

	for i := 0; i < 50; i++ {
		if err := m.Submit(context.Background(), newTestEvent(fmt.Sprint(i), "u")); err != nil {
			t.Fatal(err)
		}
	}
	m.Stop()
	m.Stop()

	if handled.Load() != 50 {
		t.Errorf("handled = %d, want every accepted event", handled.Load())
	}
	if s := m.Stats(); s.Processed != 50 || s.Dropped != 0 || s.Queued != 0 {
		t.Errorf("stats = %+v", s)
	}
	if err := m.TrySubmit(newTestEvent("late", "u")); !errors.Is(err, ErrMonitorStopped) {
		t.Errorf("TrySubmit after Stop = %v", err)
	}
	if err := m.Submit(context.Background(), newTestEvent("late", "u")); !errors.Is(err, ErrMonitorStopped) {
		t.Errorf("Submit after Stop = %v", err)
	}
}

func TestMonitor_StopDropsAfterShutdownWait(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	m := New(Config{Shards: 1, QueueSize: 10, ShutdownWait: 20 * time.Millisecond}, func(context.Context, *audit.Event) error {
		<-release
		return nil
	}, nil)
	m.Start(context.Background())

	for i := 0; i < 5; i++ {
		if err := m.Submit(context.Background(), newTestEvent(fmt.Sprint(i), "u")); err != nil {
			t.Fatal(err)
		}
	}
	// Wait until the first event is in flight.
	waitFor(t, func() bool { return m.Stats().Queued == 4 })

	start := time.Now()
	m.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %v despite a 20ms shutdown wait", elapsed)
	}
	if s := m.Stats(); s.Dropped != 4 || s.Queued != 0 || s.Processed != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestMonitor_HandlerErrorsAndPanics(t *testing.T) {
	m := New(Config{Shards: 2, QueueSize: 8}, func(_ context.Context, e *audit.Event) error {
		switch e.ID {
		case "panic":
			panic("boom")
		case "fail":
			return errors.New("store unavailable")
		}
		return nil
	}, nil)
	m.Start(context.Background())
	defer m.Stop()

	for _, id := range []string{"panic", "fail", "ok-1", "ok-2"} {
		if err := m.Submit(context.Background(), newTestEvent(id, "same-user")); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, func() bool {
		s := m.Stats()
		return s.Processed+s.Failed == 4
	})
	if s := m.Stats(); s.Processed != 2 || s.Failed != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestMonitor_NilEvent(t *testing.T) {
	m := New(DefaultConfig(), func(context.Context, *audit.Event) error { return nil }, nil)
	defer m.Stop()

	if err := m.Submit(context.Background(), nil); !errors.Is(err, audit.ErrInvalidEvent) {
		t.Errorf("Submit(nil) = %v", err)
	}
	if err := m.TrySubmit(nil); !errors.Is(err, audit.ErrInvalidEvent) {
		t.Errorf("TrySubmit(nil) = %v", err)
	}
}

func TestMonitor_ShardForIsStable(t *testing.T) {
	m := New(Config{Shards: 8, QueueSize: 1}, nil, nil)
	e := newTestEvent("x", "alice")
	first := m.shardFor(e)
	for i := 0; i < 10; i++ {
		if got := m.shardFor(newTestEvent(fmt.Sprint(i), "alice")); got != first {
			t.Fatalf("shardFor changed: %d != %d", got, first)
		}
	}

	anon := &audit.Event{ID: "anon"}
	if s := m.shardFor(anon); s < 0 || s >= 8 {
		t.Errorf("shard out of range: %d", s)
	}
}
