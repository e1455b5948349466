package http

import (
	"sync"

	"github.com/fyrsmithlabs/devcrew/internal/orchestrator"
)

// broadcast fans the events of one running session out to SSE clients.
// Late subscribers first receive everything emitted so far.
type broadcast struct {
	mu     sync.Mutex
	events []orchestrator.Event
	subs   map[chan orchestrator.Event]struct{}
	closed bool
}

func newBroadcast() *broadcast {
	return &broadcast{subs: make(map[chan orchestrator.Event]struct{})}
}

// pump forwards src until it is closed, then closes every subscriber.
func (b *broadcast) pump(src <-chan orchestrator.Event) {
	for ev := range src {
		b.mu.Lock()
		b.events = append(b.events, ev)
		for ch := range b.subs {
			select {
			case ch <- ev:
			default:
				// slow client: drop it rather than stall the session
				delete(b.subs, ch)
				close(ch)
			}
		}
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.mu.Unlock()
}

// subscribe returns the replayed history and a channel of live events.
// The channel is closed when the session ends. unsubscribe is idempotent.
func (b *broadcast) subscribe() (replay []orchestrator.Event, live <-chan orchestrator.Event, unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	replay = append([]orchestrator.Event(nil), b.events...)
	ch := make(chan orchestrator.Event, 64)
	if b.closed {
		close(ch)
		return replay, ch, func() {}
	}
	b.subs[ch] = struct{}{}
	return replay, ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
}

func (b *broadcast) done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
