package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/chatflow/pkg/schema"
)

// Handler receives the payload of one event.
type Handler func(payload any)

// AllHandler receives every event with its name.
type AllHandler func(event string, payload any)

// Subscription identifies a registered handler. The zero value is inert.
type Subscription struct {
	event string
	id    uint64
}

type entry struct {
	id uint64
	fn AllHandler
}

// Bus is a synchronous, in-process publish/subscribe channel keyed by event
// name. Emit invokes the handlers registered at the time of the call, in
// registration order, on the emitting goroutine. A panicking handler is
// logged and does not affect the others.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	seq  uint64
	subs map[string][]entry
	all  []entry
}

// NewBus creates an empty Bus. A nil logger discards handler panics silently.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[string][]entry)}
}

// On registers h for event.
func (b *Bus) On(event string, h Handler) Subscription {
	return b.add(event, func(_ string, payload any) { h(payload) })
}

// OnAll registers h for every event.
func (b *Bus) OnAll(h AllHandler) Subscription {
	return b.add("", h)
}

func (b *Bus) add(event string, fn AllHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	e := entry{id: b.seq, fn: fn}
	if event == "" {
		b.all = append(b.all, e)
	} else {
		b.subs[event] = append(b.subs[event], e)
	}
	return Subscription{event: event, id: e.id}
}

// Off removes exactly the handler behind sub. Removing twice is a no-op.
func (b *Bus) Off(sub Subscription) {
	if sub.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.event == "" {
		b.all = without(b.all, sub.id)
		return
	}
	b.subs[sub.event] = without(b.subs[sub.event], sub.id)
}

func without(list []entry, id uint64) []entry {
	for i, e := range list {
		if e.id == id {
			out := make([]entry, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...)
		}
	}
	return list
}

// Emit delivers payload to the handlers of event, then to the catch-all handlers.
func (b *Bus) Emit(event string, payload any) {
	b.mu.RLock()
	named := b.subs[event]
	all := b.all
	b.mu.RUnlock()

	for _, e := range named {
		b.call(e, event, payload)
	}
	for _, e := range all {
		b.call(e, event, payload)
	}
}

func (b *Bus) call(e entry, event string, payload any) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event handler panicked",
				slog.String("event", event),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	e.fn(event, payload)
}

// Clear removes every handler.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]entry)
	b.all = nil
}

// Len returns the number of handlers registered for event ("" counts catch-all handlers).
func (b *Bus) Len(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if event == "" {
		return len(b.all)
	}
	return len(b.subs[event])
}

// On registers a handler for payloads of type T. Payloads of another type are ignored.
func On[T any](b *Bus, event string, fn func(T)) Subscription {
	return b.On(event, func(payload any) {
		if v, ok := payload.(T); ok {
			fn(v)
		}
	})
}

// Forward publishes every event emitted on bus to hub under sessionID.
// now stamps each event; nil means time.Now.
func Forward(bus *Bus, hub EventHub, sessionID string, now func() time.Time) Subscription {
	if now == nil {
		now = time.Now
	}
	var seq atomic.Uint64
	return bus.OnAll(func(event string, payload any) {
		_ = hub.Publish(context.Background(), StreamEvent{
			SessionID: sessionID,
			Seq:       seq.Add(1),
			NodeID:    NodeIDOf(payload),
			EventType: event,
			Payload:   payload,
			Timestamp: now(),
		})
	})
}

// NodeIDOf extracts the node a payload refers to, if any.
func NodeIDOf(payload any) string {
	switch p := payload.(type) {
	case schema.TraceEvent:
		return p.NodeID
	case schema.ErrorEvent:
		return p.NodeID
	case schema.WaitingEvent:
		return p.NodeID
	}
	return ""
}
