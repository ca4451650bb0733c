package queue

import "time"

type gcEntry struct {
	submitTime PreciseTime
	// readVacantTime marks when the job last became available for
	// reading; outdated-read promotion measures from it.
	readVacantTime PreciseTime
	affinityID     uint32
	groupID        uint32
	expiration     PreciseTime
}

// GCRegistry is the per-job expiration index. Besides driving the expiry
// sweep it answers "has this job been vacant long enough" for the
// exclusive-affinity starvation fallback.
type GCRegistry struct {
	entries map[uint32]*gcEntry
}

func NewGCRegistry() *GCRegistry {
	return &GCRegistry{entries: map[uint32]*gcEntry{}}
}

func (r *GCRegistry) RegisterJob(id uint32, submitTime PreciseTime, affID, groupID uint32, expiration PreciseTime) {
	r.entries[id] = &gcEntry{
		submitTime:     submitTime,
		readVacantTime: submitTime,
		affinityID:     affID,
		groupID:        groupID,
		expiration:     expiration,
	}
}

func (r *GCRegistry) UpdateLifetime(id uint32, expiration PreciseTime) {
	if e, ok := r.entries[id]; ok {
		e.expiration = expiration
	}
}

func (r *GCRegistry) UpdateReadVacantTime(id uint32, now PreciseTime) {
	if e, ok := r.entries[id]; ok {
		e.readVacantTime = now
	}
}

func (r *GCRegistry) ChangeAffinityAndGroup(id, affID, groupID uint32) {
	if e, ok := r.entries[id]; ok {
		e.affinityID = affID
		e.groupID = groupID
	}
}

// DeleteIfTimedOut removes the entry and reports true when the job's
// lifetime is over. A zero expiration never times out.
func (r *GCRegistry) DeleteIfTimedOut(id uint32, now PreciseTime) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	if e.expiration.IsZero() || now.Before(e.expiration) {
		return false
	}
	delete(r.entries, id)
	return true
}

func (r *GCRegistry) Remove(id uint32) {
	delete(r.entries, id)
}

func (r *GCRegistry) Lifetime(id uint32) PreciseTime {
	if e, ok := r.entries[id]; ok {
		return e.expiration
	}
	return 0
}

func (r *GCRegistry) AffinityID(id uint32) uint32 {
	if e, ok := r.entries[id]; ok {
		return e.affinityID
	}
	return 0
}

// IsOutdated reports whether the job has been vacant longer than maxWait
// for the given command group.
func (r *GCRegistry) IsOutdated(id uint32, group CommandGroup, maxWait time.Duration, now PreciseTime) bool {
	if maxWait <= 0 {
		return false
	}
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	since := e.submitTime
	if group == GroupRead && !e.readVacantTime.IsZero() {
		since = e.readVacantTime
	}
	return now.Sub(since) > maxWait
}

func (r *GCRegistry) Size() int { return len(r.entries) }

func (r *GCRegistry) Clear() {
	r.entries = map[uint32]*gcEntry{}
}
