package walker

import (
	"sync"

	"go.uber.org/zap"
)

// Event is one observability emission from a running walker.
type Event struct {
	Name    string
	Walker  string
	Payload interface{}
}

// Subscriber consumes events. Subscribers must tolerate concurrent
// delivery; a panicking subscriber is logged and dropped for that
// event only.
type Subscriber func(Event)

// EventBus fans walker emissions out to subscribers without blocking
// the traversal.
type EventBus struct {
	mu   sync.RWMutex
	subs map[int]Subscriber
	next int
	log  *zap.Logger
}

// NewEventBus builds a bus logging subscriber failures to the given
// logger.
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{subs: make(map[int]Subscriber), log: logger}
}

// Subscribe registers a subscriber and returns its removal handle.
func (b *EventBus) Subscribe(s Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers the event to every subscriber on a separate
// goroutine. Failures never propagate to the emitting walker.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s := s
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Warn("event subscriber panicked",
						zap.String("event", e.Name),
						zap.Any("panic", r))
				}
			}()
			s(e)
		}()
	}
}
