package queue

import (
	"github.com/RoaringBitmap/roaring/v2"

	logx "gridq/pkg/logx"
)

// GetJobForReadingOrWait hands out a finished job (Done, Failed or
// Canceled) for reading, or registers a read waiter. NoMoreJobs in the
// result tells the reader the filtered set can never produce again.
func (q *Queue) GetJobForReadingOrWait(req DispatchRequest, now PreciseTime) (DispatchResult, error) {
	var res DispatchResult

	q.mu.Lock()
	defer q.mu.Unlock()

	q.handleTouch(req.Client, q.clients.Touch(req.Client, now), now)
	q.clients.MarkRole(req.Client, RoleReader)

	if q.clients.ConsumeGarbageCollected(req.Client.Node) {
		res.PreferencesLost = true
		return res, nil
	}
	if req.WnodeAffinity && q.clients.ConsumeAffinityReset(req.Client.Node) {
		res.PreferencesLost = true
		return res, nil
	}

	explicitAffs, prioritized := q.resolveAffinityFilter(req)
	groupIDs, groupFilter := q.resolveGroupFilter(req.Groups)
	if groupFilter && groupIDs.IsEmpty() {
		res.NoMoreJobs = true
		return res, nil
	}

	jobID, exclusive := q.findVacantJob(&req, GroupRead, explicitAffs, prioritized, groupIDs, groupFilter, nil, now)
	if jobID == 0 && req.ExclusiveNewAffinity && q.params.MaxPendingReadWaitTimeout > 0 {
		jobID, exclusive = q.findOutdatedJobForReading(&req, groupIDs, groupFilter, now)
		if jobID != 0 {
			q.stats.Count(CntPickedAsReadOutdated)
		}
	}
	if jobID == 0 {
		res.NoMoreJobs = q.noMoreReadJobs(&req, groupIDs, groupFilter, now)
		q.registerWait(req, GroupRead, now)
		res.Registered = req.Port != 0 && req.WaitTimeout > 0
		return res, nil
	}

	j, err := q.jobChecked(jobID)
	if err != nil {
		return res, err
	}

	if exclusive && j.AffinityID != 0 {
		q.clients.AddPreferredAffinity(req.Client, GroupRead, j.AffinityID)
		res.AddedPreferredAffinity = q.affinities.Token(j.AffinityID)
	}

	old := j.Status
	if err := q.tracker.SetStatus(jobID, old, StatusReading); err != nil {
		return res, err
	}
	q.readJobs.Add(jobID)
	j.StatusBeforeReading = old
	j.ReadCount++
	j.LastTouch = now
	j.AppendEvent(JobEvent{
		Kind:      EventRead,
		Status:    StatusReading,
		Timestamp: now,
		Node:      req.Client.Node,
		Session:   req.Client.Session,
		IP:        req.Client.IP,
	})
	q.clients.RegisterJob(req.Client, jobID, GroupRead)
	q.updateLifetime(j, now)
	q.timeline.Add(jobID, q.readDeadline(j, now))
	q.countTransition(jobID, old, StatusReading, EventRead)

	res.JobID = jobID
	res.AuthToken = j.AuthToken()
	res.Affinity = q.affinities.Token(j.AffinityID)
	res.Group = q.groups.Token(j.GroupID)
	res.Input = j.Input
	res.Rollback = ReadJobRollback{Client: req.Client, JobID: jobID, PreviousStatus: old}
	return res, nil
}

func (q *Queue) CancelWaitRead(client ClientID, now PreciseTime) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clients.Touch(client, now)
	return q.notifs.CancelWait(client, GroupRead)
}

// noMoreReadJobs: nothing is reading-eligible now, and nothing pending or
// running could still become eligible within the filter.
func (q *Queue) noMoreReadJobs(req *DispatchRequest, groupIDs *roaring.Bitmap, groupFilter bool, now PreciseTime) bool {
	pool := q.tracker.JobsWithStatus(StatusPending, StatusRunning, StatusDone, StatusFailed, StatusCanceled)
	pool.AndNot(q.readJobs)
	q.scopes.RestrictByScope(pool, req.Scope)
	pool.AndNot(q.clients.BlacklistedJobs(req.Client, GroupRead, now))
	if groupFilter {
		pool.And(q.groupUnion(groupIDs))
	}
	return pool.IsEmpty()
}

func (q *Queue) findOutdatedJobForReading(req *DispatchRequest, groupIDs *roaring.Bitmap, groupFilter bool, now PreciseTime) (uint32, bool) {
	pool := q.vacantPool(req.Client, req.Scope, GroupRead, groupIDs, groupFilter, now)
	it := pool.Iterator()
	for it.HasNext() {
		id := it.Next()
		if !q.gc.IsOutdated(id, GroupRead, q.params.MaxPendingReadWaitTimeout, now) {
			continue
		}
		j, ok := q.jobs[id]
		if !ok {
			continue
		}
		return id, j.AffinityID != 0
	}
	return 0, false
}

// ConfirmReadingJob finishes the read cycle; the job becomes Confirmed and
// leaves the reading set for good.
func (q *Queue) ConfirmReadingJob(client ClientID, jobID uint32, token string, now PreciseTime) (Status, error) {
	return q.changeReadingStatus(client, jobID, token, readOutcomeConfirm, false, now)
}

// FailReadingJob records a failed read; the job retries to its pre-reading
// state until ReadFailedRetries is exhausted, then lands in ReadFailed.
func (q *Queue) FailReadingJob(client ClientID, jobID uint32, token string, now PreciseTime) (Status, error) {
	return q.changeReadingStatus(client, jobID, token, readOutcomeFail, false, now)
}

// ReturnReadingJob gives the job back unread; blacklist bars this reader
// from re-picking it.
func (q *Queue) ReturnReadingJob(client ClientID, jobID uint32, token string, blacklist bool, now PreciseTime) (Status, error) {
	return q.changeReadingStatus(client, jobID, token, readOutcomeReturn, blacklist, now)
}

type readOutcome int8

const (
	readOutcomeConfirm readOutcome = iota
	readOutcomeFail
	readOutcomeReturn
	readOutcomeRollback
)

func (q *Queue) changeReadingStatus(client ClientID, jobID uint32, token string, outcome readOutcome, blacklist bool, now PreciseTime) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handleTouch(client, q.clients.Touch(client, now), now)

	j, ok := q.jobs[jobID]
	if !ok {
		return StatusNotFound, ErrJobNotFound
	}
	old := j.Status
	if old != StatusReading {
		return old, ErrOperationRestricted
	}
	if q.tracker.StatusOf(jobID) != StatusReading {
		return old, &InconsistencyError{JobID: jobID, Detail: "job status disagrees with the tracker"}
	}
	if outcome != readOutcomeRollback {
		if err := q.checkAuth(j, token, true); err != nil {
			return old, err
		}
	}

	prior := j.StatusBeforeReading
	if prior == StatusNotFound {
		prior = StatusDone
	}

	var target Status
	var kind EventKind
	switch outcome {
	case readOutcomeConfirm:
		target, kind = StatusConfirmed, EventReadDone
	case readOutcomeFail:
		if j.ReadCount <= q.params.ReadFailedRetries {
			target, kind = prior, EventReadFail
		} else {
			target, kind = StatusReadFailed, EventReadFinalFail
		}
	case readOutcomeReturn:
		target, kind = prior, EventReadRollback
		if j.ReadCount > 0 {
			j.ReadCount--
		}
	case readOutcomeRollback:
		target, kind = prior, EventReadGrantRollback
		if j.ReadCount > 0 {
			j.ReadCount--
		}
		q.stats.Count(CntReadRollback)
	}

	if err := q.tracker.SetStatus(jobID, StatusReading, target); err != nil {
		return old, err
	}
	j.LastTouch = now
	j.AppendEvent(JobEvent{
		Kind:      kind,
		Status:    target,
		Timestamp: now,
		Node:      client.Node,
		Session:   client.Session,
		IP:        client.IP,
	})

	q.timeline.Remove(jobID)
	q.readJobs.Remove(jobID)
	if (blacklist && outcome == readOutcomeReturn) || outcome == readOutcomeFail {
		q.clients.MoveJobToBlacklist(client, jobID, GroupRead, q.blacklistUntil(GroupRead, now))
	} else {
		q.clients.UnregisterJob(client, jobID, GroupRead)
	}
	q.updateLifetime(j, now)
	q.countTransition(jobID, StatusReading, target, kind)

	// A job back in a read-source state is vacant for readers again.
	if target != StatusConfirmed && target != StatusReadFailed {
		q.notifyReadAvailable(j, now)
	}
	return old, nil
}

// RereadJob re-exposes a consumed job for another read cycle. A job that
// was never read is a recorded no-op.
func (q *Queue) RereadJob(client ClientID, jobID uint32, now PreciseTime) (noop bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handleTouch(client, q.clients.Touch(client, now), now)

	j, ok := q.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	switch j.Status {
	case StatusReading, StatusPending, StatusRunning:
		return false, ErrOperationRestricted
	case StatusDone, StatusFailed, StatusCanceled:
		// Already readable (or never consumed): nothing to restore.
		q.stats.Count(CntRereadNoop)
		return true, nil
	}

	old := j.Status
	prior := j.StatusBeforeReading
	if prior == StatusNotFound {
		prior = StatusDone
	}
	if err := q.tracker.SetStatus(jobID, old, prior); err != nil {
		return false, err
	}
	j.LastTouch = now
	j.AppendEvent(JobEvent{
		Kind:      EventReread,
		Status:    prior,
		Timestamp: now,
		Node:      client.Node,
		Session:   client.Session,
		IP:        client.IP,
	})
	q.readJobs.Remove(jobID)
	q.updateLifetime(j, now)
	q.countTransition(jobID, old, prior, EventReread)
	q.notifyReadAvailable(j, now)
	return false, nil
}

// rollbackRead restores the pre-reading state of a grant the reader never
// learned about.
func (q *Queue) rollbackRead(client ClientID, jobID uint32, _ Status) {
	if _, err := q.changeReadingStatus(client, jobID, "", readOutcomeRollback, false, Now()); err != nil {
		q.log.Debug("read rollback skipped", logx.Uint32("job", jobID), logx.Err(err))
	}
}
