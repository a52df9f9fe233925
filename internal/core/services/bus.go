package services

import (
	"log/slog"
	"sync"

	"github.com/lorrc/portal-sync/internal/core/domain"
	"github.com/lorrc/portal-sync/internal/core/ports"
)

type subscriber[T any] struct {
	id      uint64
	handler func(T)
}

// Bus is the in-process change event bus. It is owned by the root
// composition and injected into every view; there is no package-level
// instance.
type Bus[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber[T]
	logger *slog.Logger
}

var (
	_ ports.ChangeBus       = (*Bus[domain.ChangeNotification])(nil)
	_ ports.EmailOutcomeBus = (*Bus[domain.EmailOutcome])(nil)
)

// NewBus creates an empty bus. name tags the bus in log output.
func NewBus[T any](name string, logger *slog.Logger) *Bus[T] {
	return &Bus[T]{
		logger: logger.With("component", "bus", "bus", name),
	}
}

// NewChangeBus creates the bus carrying change notifications.
func NewChangeBus(logger *slog.Logger) *Bus[domain.ChangeNotification] {
	return NewBus[domain.ChangeNotification]("changes", logger)
}

// NewEmailOutcomeBus creates the bus carrying scheduled-email outcomes.
func NewEmailOutcomeBus(logger *slog.Logger) *Bus[domain.EmailOutcome] {
	return NewBus[domain.EmailOutcome]("email", logger)
}

// Subscribe registers handler and returns the function that removes it.
func (b *Bus[T]) Subscribe(handler func(T)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			// Copy so a Publish iterating an older snapshot is unaffected.
			next := make([]subscriber[T], 0, len(b.subs)-1)
			next = append(next, b.subs[:i]...)
			b.subs = append(next, b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers msg to every current subscriber in subscription order.
// A handler that panics is logged and skipped; delivery to the rest continues.
func (b *Bus[T]) Publish(msg T) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, msg)
	}
}

func (b *Bus[T]) deliver(s subscriber[T], msg T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "subscriber_id", s.id, "panic", r)
		}
	}()
	s.handler(msg)
}

// Len returns the number of current subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
