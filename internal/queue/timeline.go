package queue

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// RunTimeLine is a second-granularity timer wheel for execution and read
// timeout tracking. It carries its own RW lock, independent of the queue
// operation lock: timer bookkeeping is orthogonal to status mutation, and
// keeping it separate shortens the hot-path critical section.
type RunTimeLine struct {
	mu sync.RWMutex

	// buckets maps absolute expiration second -> job ids.
	buckets map[int64]*roaring.Bitmap
	// slots remembers which bucket holds each job so Remove and Move need
	// no time argument.
	slots map[uint32]int64
}

func NewRunTimeLine() *RunTimeLine {
	return &RunTimeLine{
		buckets: map[int64]*roaring.Bitmap{},
		slots:   map[uint32]int64{},
	}
}

func (t *RunTimeLine) Add(id uint32, when PreciseTime) {
	if when.IsZero() {
		return
	}
	sec := when.Sec()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
	b, ok := t.buckets[sec]
	if !ok {
		b = roaring.New()
		t.buckets[sec] = b
	}
	b.Add(id)
	t.slots[id] = sec
}

func (t *RunTimeLine) Remove(id uint32) {
	t.mu.Lock()
	t.removeLocked(id)
	t.mu.Unlock()
}

func (t *RunTimeLine) removeLocked(id uint32) {
	sec, ok := t.slots[id]
	if !ok {
		return
	}
	delete(t.slots, id)
	b, ok := t.buckets[sec]
	if !ok {
		return
	}
	b.Remove(id)
	if b.IsEmpty() {
		delete(t.buckets, sec)
	}
}

// Move renews a job's timeout, rebucketing it.
func (t *RunTimeLine) Move(id uint32, when PreciseTime) {
	t.Add(id, when)
}

// ExtractDue removes every bucket at or before now and returns the job ids
// it held, in ascending id order.
func (t *RunTimeLine) ExtractDue(now PreciseTime) []uint32 {
	sec := now.Sec()
	t.mu.Lock()
	defer t.mu.Unlock()

	var due *roaring.Bitmap
	for s, b := range t.buckets {
		if s > sec {
			continue
		}
		if due == nil {
			due = roaring.New()
		}
		due.Or(b)
		delete(t.buckets, s)
	}
	if due == nil {
		return nil
	}
	ids := due.ToArray()
	for _, id := range ids {
		delete(t.slots, id)
	}
	return ids
}

func (t *RunTimeLine) Contains(id uint32) bool {
	t.mu.RLock()
	_, ok := t.slots[id]
	t.mu.RUnlock()
	return ok
}

func (t *RunTimeLine) Len() int {
	t.mu.RLock()
	n := len(t.slots)
	t.mu.RUnlock()
	return n
}

func (t *RunTimeLine) Clear() {
	t.mu.Lock()
	t.buckets = map[int64]*roaring.Bitmap{}
	t.slots = map[uint32]int64{}
	t.mu.Unlock()
}
