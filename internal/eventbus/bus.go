// Package eventbus fans job status transitions out to in-process
// subscribers (embedding callers, future replication hooks).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// TransitionEvent describes one job status change.
type TransitionEvent struct {
	Time  time.Time `json:"time"`
	Queue string    `json:"queue"`
	JobID uint32    `json:"job_id"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	Event string    `json:"event"`
}

// Bus is a non-blocking fanout. The queue publishes under its operation
// lock, so delivery to a full subscriber drops rather than waits.
type Bus interface {
	Publish(ev TransitionEvent)
	Subscribe(buffer int) (ch <-chan TransitionEvent, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &transitionBus{subs: map[uint64]chan TransitionEvent{}}
}

type transitionBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan TransitionEvent
	nextID  uint64
	dropped atomic.Uint64
}

func (b *transitionBus) Publish(ev TransitionEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts events lost to full subscriber buffers since startup.
func (b *transitionBus) Dropped() uint64 { return b.dropped.Load() }

func (b *transitionBus) Subscribe(buffer int) (<-chan TransitionEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan TransitionEvent, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so removing the
			// channel under the write lock makes the close safe.
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
