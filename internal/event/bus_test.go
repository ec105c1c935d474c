package event

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/llmscore/internal/logging"
	"github.com/Iron-Ham/llmscore/internal/matrix"
)

func subscriptions(b *Bus) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.byType {
		n += len(subs)
	}
	return n
}

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus(nil)

	called := false
	id := bus.Subscribe(TypeProgress, func(e Event) {
		called = true
	})

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if n := subscriptions(bus); n != 1 {
		t.Errorf("Expected 1 subscription, got %d", n)
	}
	if called {
		t.Error("Handler should not be called until an event is published")
	}
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus(nil)

	var received Event
	bus.Subscribe(TypeProgress, func(e Event) {
		received = e
	})
	bus.Publish(NewProgressEvent("r1", 3, 8, "essay/alice.md"))

	p, ok := received.(ProgressEvent)
	if !ok {
		t.Fatalf("received %T, want ProgressEvent", received)
	}
	if p.Current != 3 || p.Total != 8 || p.Description != "essay/alice.md" || p.RunID != "r1" {
		t.Errorf("event = %+v", p)
	}
	if p.Timestamp().IsZero() {
		t.Error("Timestamp should be set")
	}
}

func TestBus_PublishNoMatchingHandlers(t *testing.T) {
	bus := NewBus(nil)
	called := false
	bus.Subscribe(TypeRunFinished, func(e Event) { called = true })

	bus.Publish(NewRunStartedEvent("r1", false, 4, 0, []string{"openai"}))

	if called {
		t.Error("handler for another type should not be called")
	}
}

func TestBus_DispatchOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "wildcard") })
	bus.Subscribe(TypeTaskCompleted, func(e Event) { order = append(order, "first") })
	bus.Subscribe(TypeTaskCompleted, func(e Event) { order = append(order, "second") })

	bus.Publish(NewTaskCompletedEvent("r1", matrix.Key{Document: "a.md", Prompt: "p", Provider: "kimi"}, "m", "", 1, time.Second))

	want := []string{"first", "second", "wildcard"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	keep := bus.Subscribe(TypeProgress, func(e Event) { calls++ })
	drop := bus.Subscribe(TypeProgress, func(e Event) { calls += 100 })

	if !bus.Unsubscribe(drop) {
		t.Fatal("Unsubscribe should find the subscription")
	}
	if bus.Unsubscribe(drop) {
		t.Error("second Unsubscribe should return false")
	}
	if bus.Unsubscribe("sub-unknown") {
		t.Error("unknown ID should return false")
	}

	bus.Publish(NewProgressEvent("r1", 1, 1, "x"))
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if keep == drop {
		t.Error("IDs should be unique")
	}
}

func TestBus_UnsubscribeLast(t *testing.T) {
	bus := NewBus(nil)
	id := bus.Subscribe(TypeProgress, func(e Event) {})
	all := bus.SubscribeAll(func(e Event) {})
	bus.Unsubscribe(id)
	bus.Unsubscribe(all)
	if n := subscriptions(bus); n != 0 {
		t.Errorf("subscriptions = %d, want 0", n)
	}
	bus.Publish(NewProgressEvent("r1", 1, 1, "x"))
}

func TestBus_HandlerPanicRecovery(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(logging.NewWriterLogger(&buf, logging.LevelError))

	reached := false
	bus.Subscribe(TypeRunFinished, func(e Event) { panic("renderer broke") })
	bus.Subscribe(TypeRunFinished, func(e Event) { reached = true })

	bus.Publish(NewRunFinishedEvent("r1", 4, 0, 4, 1, false, time.Second))

	if !reached {
		t.Error("handler after a panicking one should still run")
	}
	if !strings.Contains(buf.String(), "renderer broke") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)
	var count atomic.Int64
	bus.Subscribe(TypeTaskCompleted, func(e Event) { count.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(NewTaskCompletedEvent("r1", matrix.Key{}, "m", "boom", 1, 0))
		}()
	}
	wg.Wait()

	if count.Load() != 50 {
		t.Errorf("count = %d, want 50", count.Load())
	}
}

func TestBus_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := bus.Subscribe(TypeProgress, func(e Event) {})
			bus.Publish(NewProgressEvent("r1", 1, 1, "x"))
			bus.Unsubscribe(id)
		}()
	}
	wg.Wait()
	if n := subscriptions(bus); n != 0 {
		t.Errorf("subscriptions = %d, want 0", n)
	}
}

func TestEventTypes(t *testing.T) {
	key := matrix.Key{Document: "a.md", Prompt: "p", Provider: "claude"}
	tests := []struct {
		event Event
		want  string
	}{
		{NewRunStartedEvent("r1", true, 4, 2, nil), TypeRunStarted},
		{NewProviderSkippedEvent("kimi", "missing API key"), TypeProviderSkipped},
		{NewProgressEvent("r1", 1, 4, "p/a.md"), TypeProgress},
		{NewTaskCompletedEvent("r1", key, "m", "", 1, 0), TypeTaskCompleted},
		{NewRunFinishedEvent("r1", 4, 2, 2, 0, true, 0), TypeRunFinished},
	}
	for _, tt := range tests {
		if got := tt.event.EventType(); got != tt.want {
			t.Errorf("%T.EventType() = %q, want %q", tt.event, got, tt.want)
		}
	}

	if !NewTaskCompletedEvent("r1", key, "m", "boom", 1, 0).Failed() {
		t.Error("event with error should report Failed")
	}
}
