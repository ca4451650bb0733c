package queue

import (
	"github.com/RoaringBitmap/roaring/v2"
)

// StatusTracker keeps one compressed bitset of job ids per lifecycle state.
// Invariant: a job id is set in at most one state bitset at a time.
// All mutation happens under the queue operation lock.
type StatusTracker struct {
	sets [StatusDeleted + 1]*roaring.Bitmap
}

func NewStatusTracker() *StatusTracker {
	t := &StatusTracker{}
	for _, st := range liveStatuses {
		t.sets[st] = roaring.New()
	}
	return t
}

func (t *StatusTracker) StatusOf(id uint32) Status {
	for _, st := range liveStatuses {
		if t.sets[st].Contains(id) {
			return st
		}
	}
	return StatusNotFound
}

func (t *StatusTracker) AddPending(id uint32) {
	t.sets[StatusPending].Add(id)
}

// AddPendingRange registers a freshly submitted contiguous batch.
func (t *StatusTracker) AddPendingRange(first, last uint32) {
	t.sets[StatusPending].AddRange(uint64(first), uint64(last)+1)
}

// SetStatus moves a job between state bitsets. The caller supplies the old
// state it observed; disagreement means the partition invariant is broken.
func (t *StatusTracker) SetStatus(id uint32, from, to Status) error {
	if from != StatusNotFound {
		if !t.sets[from].Contains(id) {
			return &InconsistencyError{JobID: id, Detail: "job is not tracked in state " + from.String()}
		}
		t.sets[from].Remove(id)
	}
	if to != StatusNotFound && to != StatusDeleted {
		t.sets[to].Add(id)
	}
	return nil
}

// SetExactStatus places a job in the given state unconditionally. Used when
// rebuilding the tracker from a dump.
func (t *StatusTracker) SetExactStatus(id uint32, st Status) {
	for _, s := range liveStatuses {
		t.sets[s].Remove(id)
	}
	if st != StatusNotFound && st != StatusDeleted {
		t.sets[st].Add(id)
	}
}

// Erase drops the job from whatever state bitset holds it.
func (t *StatusTracker) Erase(id uint32) {
	for _, st := range liveStatuses {
		if t.sets[st].Contains(id) {
			t.sets[st].Remove(id)
			return
		}
	}
}

func (t *StatusTracker) Clear() {
	for _, st := range liveStatuses {
		t.sets[st].Clear()
	}
}

// JobsWithStatus returns a fresh bitset holding the union of the given
// states. The result is owned by the caller.
func (t *StatusTracker) JobsWithStatus(sts ...Status) *roaring.Bitmap {
	out := roaring.New()
	for _, st := range sts {
		if t.sets[st] != nil {
			out.Or(t.sets[st])
		}
	}
	return out
}

func (t *StatusTracker) CountStatus(st Status) uint64 {
	if t.sets[st] == nil {
		return 0
	}
	return t.sets[st].GetCardinality()
}

// StateCounts snapshots per-state cardinalities for statistics output.
func (t *StatusTracker) StateCounts() map[Status]uint64 {
	out := make(map[Status]uint64, len(liveStatuses))
	for _, st := range liveStatuses {
		out[st] = t.sets[st].GetCardinality()
	}
	return out
}

func (t *StatusTracker) AnyPending() bool {
	return !t.sets[StatusPending].IsEmpty()
}

func (t *StatusTracker) AnyJobs() bool {
	for _, st := range liveStatuses {
		if !t.sets[st].IsEmpty() {
			return true
		}
	}
	return false
}

// MinPending returns the lowest pending job id, 0 when none.
func (t *StatusTracker) MinPending() uint32 {
	if t.sets[StatusPending].IsEmpty() {
		return 0
	}
	return t.sets[StatusPending].Minimum()
}

// GetNext returns the smallest id greater than "after" in the given state,
// 0 when exhausted. This is the resumable cursor used by the expiry sweep.
func (t *StatusTracker) GetNext(st Status, after uint32) uint32 {
	set := t.sets[st]
	if set == nil || set.IsEmpty() {
		return 0
	}
	it := set.Iterator()
	if after > 0 {
		it.AdvanceIfNeeded(after + 1)
	}
	if !it.HasNext() {
		return 0
	}
	return it.Next()
}
