package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelindar/event"
)

// closeGrace covers a few dispatcher ticks. Stopped subscribers only exit
// when the dispatcher wakes them, which ends once it is closed.
const closeGrace = 5 * time.Millisecond

// Bus wraps a kelindar/event dispatcher. Handlers run asynchronously, one
// goroutine per subscriber, in publish order.
type Bus struct {
	dispatcher *event.Dispatcher

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]func()
	closed atomic.Bool
	once   sync.Once
}

func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
		subs:       make(map[uint64]func()),
	}
}

// Publish is a no-op on a nil or closed bus.
func (b *Bus) Publish(ev Event) {
	if b == nil || b.closed.Load() {
		return
	}

	switch e := ev.(type) {
	case StateChangedEvent:
		event.Publish(b.dispatcher, e)
	case FrameProcessedEvent:
		event.Publish(b.dispatcher, e)
	case StatusEvent:
		event.Publish(b.dispatcher, e)
	case CatalogUpdatedEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers handler for the event type it accepts and returns the
// unsubscribe function. Unknown handler types and a closed bus get a no-op.
func (b *Bus) Subscribe(handler any) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return func() {}
	}

	var cancel func()
	switch h := handler.(type) {
	case func(StateChangedEvent):
		cancel = event.Subscribe(b.dispatcher, h)
	case func(FrameProcessedEvent):
		cancel = event.Subscribe(b.dispatcher, h)
	case func(StatusEvent):
		cancel = event.Subscribe(b.dispatcher, h)
	case func(CatalogUpdatedEvent):
		cancel = event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs[id] = cancel

	return func() {
		b.mu.Lock()
		cancel, ok := b.subs[id]
		delete(b.subs, id)
		b.mu.Unlock()

		if ok {
			cancel()
		}
	}
}

// Close unsubscribes every remaining handler and stops the dispatcher and
// its goroutines. It is safe to call more than once.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}

	var err error
	b.once.Do(func() {
		b.mu.Lock()
		b.closed.Store(true)
		subs := b.subs
		b.subs = make(map[uint64]func())
		b.mu.Unlock()

		for _, cancel := range subs {
			cancel()
		}
		if len(subs) > 0 {
			time.Sleep(closeGrace)
		}

		err = b.dispatcher.Close()
	})
	return err
}
