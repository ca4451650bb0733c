package queue

import (
	"fmt"
	"sort"
	"time"
)

// SetPauseStatus switches dispatch pause. Resuming replays a wakeup to
// every registered waiter, since submits during the pause stayed silent.
func (q *Queue) SetPauseStatus(status PauseStatus, now PreciseTime) {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev := q.pause
	q.pause = status
	if prev != PauseNone && status == PauseNone {
		q.notifs.OnQueueResumed(now)
	}
}

func (q *Queue) GetPauseStatus() PauseStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pause
}

// JobsPerState counts jobs per state, optionally narrowed to one group
// and/or affinity. Unknown filter tokens yield warnings and zero counts.
func (q *Queue) JobsPerState(group, affinity string) (map[Status]uint64, []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var warnings []string
	counts := make(map[Status]uint64, len(liveStatuses))

	if group == "" && affinity == "" {
		return q.tracker.StateCounts(), nil
	}

	filter := q.tracker.JobsWithStatus(liveStatuses...)
	if group != "" {
		id, ok := q.groups.TokenID(group)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("eGroupNotFound: job group %s is not found", group))
			return counts, warnings
		}
		filter.And(q.groups.JobsWith(id))
	}
	if affinity != "" {
		id, ok := q.affinities.TokenID(affinity)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("eAffinityNotFound: affinity %s is not found", affinity))
			return counts, warnings
		}
		filter.And(q.affinities.JobsWith(id))
	}

	for _, st := range liveStatuses {
		set := q.tracker.JobsWithStatus(st)
		set.And(filter)
		counts[st] = set.GetCardinality()
	}
	return counts, warnings
}

// CountActiveJobs is the Pending + Running population.
func (q *Queue) CountActiveJobs() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tracker.CountStatus(StatusPending) + q.tracker.CountStatus(StatusRunning)
}

func (q *Queue) CountAllJobs() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var total uint64
	for _, n := range q.tracker.StateCounts() {
		total += n
	}
	return total
}

// JobInfo is the administrative view of one job.
type JobInfo struct {
	ID       uint32
	Key      string
	Status   Status
	Affinity string
	Group    string

	SubmitTime PreciseTime
	LastTouch  PreciseTime
	Expiration PreciseTime

	RunCount  uint32
	ReadCount uint32

	Timeout     time.Duration
	RunTimeout  time.Duration
	ReadTimeout time.Duration

	InputSize  int
	OutputSize int
	Progress   string

	Events []JobEvent
}

func (q *Queue) jobInfoLocked(j *Job) JobInfo {
	info := JobInfo{
		ID:          j.ID,
		Key:         j.Key(q.name, q.params.ScrambleJobKeys),
		Status:      j.Status,
		Affinity:    q.affinities.Token(j.AffinityID),
		Group:       q.groups.Token(j.GroupID),
		SubmitTime:  j.SubmitTime,
		LastTouch:   j.LastTouch,
		Expiration:  q.gc.Lifetime(j.ID),
		RunCount:    j.RunCount,
		ReadCount:   j.ReadCount,
		Timeout:     j.Timeout,
		RunTimeout:  j.RunTimeout,
		ReadTimeout: j.ReadTimeout,
		InputSize:   len(j.Input),
		OutputSize:  len(j.Output),
		Progress:    j.ProgressMsg,
	}
	info.Events = append(info.Events, j.Events...)
	return info
}

// JobDetails returns the full administrative record of one job.
func (q *Queue) JobDetails(jobID uint32) (JobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return JobInfo{}, ErrJobNotFound
	}
	return q.jobInfoLocked(j), nil
}

// ListJobs pages through live jobs in id order, starting after the given
// id. Jobs pending deferred deletion are invisible.
func (q *Queue) ListJobs(after uint32, limit int) []JobInfo {
	if limit <= 0 {
		limit = 100
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]uint32, 0, len(q.jobs))
	for id := range q.jobs {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	q.deleteMu.Lock()
	pendingDelete := q.toDelete.Clone()
	q.deleteMu.Unlock()

	out := make([]JobInfo, 0, limit)
	for _, id := range ids {
		if pendingDelete.Contains(id) {
			continue
		}
		out = append(out, q.jobInfoLocked(q.jobs[id]))
		if len(out) == limit {
			break
		}
	}
	return out
}

// ListClients snapshots the client registry for the admin surface.
func (q *Queue) ListClients() []ClientSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clients.Snapshot()
}

func (q *Queue) ListAffinities() []TokenEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.affinities.Entries()
}

func (q *Queue) ListGroups() []TokenEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.groups.Entries()
}

func (q *Queue) ListScopes() []TokenEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.scopes.Entries()
}

func (q *Queue) ListWaiters() []WaitSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notifs.Snapshot()
}
