// Package bus implements a typed publish/subscribe fan-out.
//
// Subscribers for an event run synchronously in subscription order on the
// emitting goroutine. A panicking subscriber is recovered and logged and the
// remaining subscribers still run.
package bus

import (
	"log/slog"
	"sync"
)

// Handler receives one emitted value.
type Handler[T any] func(T)

// Subscription identifies one registered handler. Unsubscribe is idempotent.
type Subscription struct {
	id    uint64
	event string
	off   func(event string, id uint64)
	once  sync.Once
}

// Unsubscribe removes the handler from its event.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.off(s.event, s.id) })
}

type entry[T any] struct {
	id uint64
	fn Handler[T]
}

// Bus is a registry of ordered handlers per event name.
type Bus[T any] struct {
	logger  *slog.Logger
	onPanic func(event string, recovered any)

	mu     sync.RWMutex
	subs   map[string][]entry[T]
	nextID uint64
}

// Option configures a Bus.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	onPanic func(event string, recovered any)
}

// WithLogger sets the logger used for recovered panics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPanicHook is called after a subscriber panic has been recovered.
func WithPanicHook(fn func(event string, recovered any)) Option {
	return func(o *options) {
		o.onPanic = fn
	}
}

// New creates an empty bus.
func New[T any](opts ...Option) *Bus[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	return &Bus[T]{
		logger:  o.logger,
		onPanic: o.onPanic,
		subs:    make(map[string][]entry[T]),
	}
}

// On registers fn for event. The same function may be registered more than
// once; each registration gets its own subscription.
func (b *Bus[T]) On(event string, fn Handler[T]) *Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[event] = append(b.subs[event], entry[T]{id: id, fn: fn})
	b.mu.Unlock()

	return &Subscription{id: id, event: event, off: b.remove}
}

// Off removes the given subscriptions from event. With no subscriptions it
// removes every handler registered for event.
func (b *Bus[T]) Off(event string, subs ...*Subscription) {
	if len(subs) == 0 {
		b.mu.Lock()
		delete(b.subs, event)
		b.mu.Unlock()
		return
	}

	for _, s := range subs {
		if s != nil && s.event == event {
			s.Unsubscribe()
		}
	}
}

// Emit invokes every handler registered for event and returns how many ran
// to completion without panicking.
func (b *Bus[T]) Emit(event string, v T) int {
	b.mu.RLock()
	handlers := make([]entry[T], len(b.subs[event]))
	copy(handlers, b.subs[event])
	b.mu.RUnlock()

	ok := 0
	for _, h := range handlers {
		if b.invoke(event, h, v) {
			ok++
		}
	}
	return ok
}

// Count returns the number of handlers registered for event.
func (b *Bus[T]) Count(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}

func (b *Bus[T]) invoke(event string, h entry[T], v T) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"event", event,
				"subscription", h.id,
				"panic", r,
			)
			if b.onPanic != nil {
				b.onPanic(event, r)
			}
			ok = false
		}
	}()

	h.fn(v)
	return true
}

func (b *Bus[T]) remove(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[event]
	for i, e := range list {
		if e.id != id {
			continue
		}
		next := make([]entry[T], 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, event)
		} else {
			b.subs[event] = next
		}
		return
	}
}
