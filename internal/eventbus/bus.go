package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/laurafang/swish/internal/event"
)

// Bus is the in-memory fan-out surface document-store and chat collaborators
// publish into. The notification dispatcher subscribes to it; nothing in
// this module relies on a process-global dispatch table.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Bus interface {
	Publish(ev event.Event)
	Subscribe(buffer int) (ch <-chan event.Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan event.Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan event.Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(ev event.Event) {
	if ev == nil {
		return
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan event.Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- ev:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan event.Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan event.Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
