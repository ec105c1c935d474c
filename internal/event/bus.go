package event

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/llmscore/internal/logging"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Handler receives published events. Handlers run on the publisher's
// goroutine and should return quickly.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus is a synchronous pub-sub event bus. The run controller publishes run
// progress on it; the CLI renderer and tests subscribe.
type Bus struct {
	mu     sync.RWMutex
	byType map[string][]subscription
	nextID atomic.Uint64
	logger *logging.Logger
}

// NewBus creates an empty bus. Handler panics are logged to logger, which
// may be nil.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Bus{byType: make(map[string][]subscription), logger: logger}
}

// Subscribe registers handler for eventType and returns the subscription ID.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[eventType] = append(b.byType[eventType], subscription{id: id, handler: handler})
	return id
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(Wildcard, handler)
}

// Unsubscribe removes a subscription and reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.byType {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			if len(subs) == 1 {
				delete(b.byType, eventType)
			} else {
				b.byType[eventType] = append(subs[:i:i], subs[i+1:]...)
			}
			return true
		}
	}
	return false
}

// Publish delivers e to the handlers of its type, then to wildcard
// handlers, each in registration order. A panicking handler is logged and
// the remaining handlers still run.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.byType[e.EventType()])+len(b.byType[Wildcard]))
	targets = append(targets, b.byType[e.EventType()]...)
	targets = append(targets, b.byType[Wildcard]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, e)
	}
}

func (b *Bus) deliver(sub subscription, e Event) {
	var pc panics.Catcher
	pc.Try(func() { sub.handler(e) })
	if r := pc.Recovered(); r != nil {
		b.logger.Error("event handler panicked",
			"event", e.EventType(),
			"subscription", sub.id,
			"panic", fmt.Sprint(r.Value),
			"stack", string(r.Stack),
		)
	}
}
