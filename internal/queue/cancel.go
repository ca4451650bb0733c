package queue

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// Cancel moves a job to Canceled from any other state. Idempotent on an
// already canceled job. The returned status is the pre-call one.
func (q *Queue) Cancel(client ClientID, jobID uint32, now PreciseTime) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handleTouch(client, q.clients.Touch(client, now), now)

	j, ok := q.jobs[jobID]
	if !ok {
		return StatusNotFound, ErrJobNotFound
	}
	if j.Status == StatusCanceled {
		q.stats.Count(CntCanceledAgain)
		return StatusCanceled, nil
	}
	if err := q.cancelJobLocked(j, client, now); err != nil {
		return j.Status, err
	}
	return j.Events[len(j.Events)-2].Status, nil
}

func (q *Queue) cancelJobLocked(j *Job, client ClientID, now PreciseTime) error {
	old := j.Status
	if err := q.tracker.SetStatus(j.ID, old, StatusCanceled); err != nil {
		return err
	}

	// Detach the current holder, if any.
	switch old {
	case StatusRunning:
		if ev := j.LastEvent(); ev != nil && ev.Node != "" {
			q.clients.unregisterJobByNode(ev.Node, j.ID, GroupGet)
		}
	case StatusReading:
		if ev := j.LastEvent(); ev != nil && ev.Node != "" {
			q.clients.unregisterJobByNode(ev.Node, j.ID, GroupRead)
		}
		q.readJobs.Remove(j.ID)
	}

	j.LastTouch = now
	j.AppendEvent(JobEvent{
		Kind:      EventCancel,
		Status:    StatusCanceled,
		Timestamp: now,
		Node:      client.Node,
		Session:   client.Session,
		IP:        client.IP,
	})

	q.timeline.Remove(j.ID)
	q.updateLifetime(j, now)
	q.countTransition(j.ID, old, StatusCanceled, EventCancel)
	q.notifyJobListener(j, now, "job-canceled")
	// A canceled job is read-source material; readers waiting on it wake
	// up even if nobody ever picked the job.
	q.notifyReadAvailable(j, now)
	return nil
}

// cancelSetLocked cancels every job in the set, scope-filtered for the
// calling client. Returns how many actually moved.
func (q *Queue) cancelSetLocked(set *roaring.Bitmap, client ClientID, scope string, now PreciseTime) int {
	q.scopes.RestrictByScope(set, scope)
	canceled := 0
	it := set.Iterator()
	for it.HasNext() {
		id := it.Next()
		j, ok := q.jobs[id]
		if !ok || j.Status == StatusCanceled {
			continue
		}
		if err := q.cancelJobLocked(j, client, now); err != nil {
			continue
		}
		canceled++
	}
	return canceled
}

// CancelAllJobs cancels everything visible in the client's scope.
func (q *Queue) CancelAllJobs(client ClientID, scope string, now PreciseTime) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handleTouch(client, q.clients.Touch(client, now), now)
	set := q.tracker.JobsWithStatus(liveStatuses...)
	return q.cancelSetLocked(set, client, scope, now)
}

// CancelSelectedJobs cancels by status/group/affinity filters. Unknown
// group or affinity filters degrade to an empty match plus a warning, not
// an error.
func (q *Queue) CancelSelectedJobs(client ClientID, scope, group, affinity string, statuses []Status, now PreciseTime) (int, []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handleTouch(client, q.clients.Touch(client, now), now)

	var warnings []string
	if len(statuses) == 0 {
		statuses = liveStatuses
	}
	set := q.tracker.JobsWithStatus(statuses...)

	if group != "" {
		id, ok := q.groups.TokenID(group)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("eGroupNotFound: job group %s is not found", group))
			return 0, warnings
		}
		set.And(q.groups.JobsWith(id))
	}
	if affinity != "" {
		id, ok := q.affinities.TokenID(affinity)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("eAffinityNotFound: affinity %s is not found", affinity))
			return 0, warnings
		}
		set.And(q.affinities.JobsWith(id))
	}
	return q.cancelSetLocked(set, client, scope, now), warnings
}
