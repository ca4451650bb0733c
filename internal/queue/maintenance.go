package queue

import (
	logx "gridq/pkg/logx"
)

// CheckExecutionTimeout sweeps the run timeline and times out every due
// Running or Reading grant. Due ids are re-validated under the operation
// lock: a job may have been finished, renewed or erased since it was
// bucketed.
func (q *Queue) CheckExecutionTimeout(now PreciseTime) int {
	due := q.timeline.ExtractDue(now)
	if len(due) == 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	timedOut := 0
	for _, id := range due {
		j, ok := q.jobs[id]
		if !ok {
			continue
		}
		switch j.Status {
		case StatusRunning:
			if dl := q.runDeadline(j, j.LastTouch); !dl.IsZero() && dl.After(now) {
				// Renewed since bucketing; put it back.
				q.timeline.Add(id, dl)
				continue
			}
			q.timeoutRunningJob(j, now)
			timedOut++
		case StatusReading:
			if dl := q.readDeadline(j, j.LastTouch); !dl.IsZero() && dl.After(now) {
				q.timeline.Add(id, dl)
				continue
			}
			q.timeoutReadingJob(j, now)
			timedOut++
		}
	}
	return timedOut
}

// timeoutRunningJob expires one Running grant: back to Pending while
// retries remain, Failed afterwards. The silent holder is blacklisted so
// the retry goes elsewhere.
func (q *Queue) timeoutRunningJob(j *Job, now PreciseTime) {
	target := StatusPending
	if j.RunCount > q.params.FailedRetries {
		target = StatusFailed
	}
	if err := q.tracker.SetStatus(j.ID, StatusRunning, target); err != nil {
		q.log.Error("run timeout lost track of the job", logx.Err(err))
		return
	}

	holder := j.LastEvent()
	j.LastTouch = now
	j.AppendEvent(JobEvent{Kind: EventTimeout, Status: target, Timestamp: now})
	if holder != nil && holder.Node != "" {
		q.clients.MoveJobToBlacklist(
			ClientID{Node: holder.Node, Session: holder.Session, IP: holder.IP},
			j.ID, GroupGet, q.blacklistUntil(GroupGet, now))
	}
	q.updateLifetime(j, now)
	q.countTransition(j.ID, StatusRunning, target, EventTimeout)
	if target == StatusPending {
		q.notifyGetAvailable(j, now)
	} else {
		q.notifyReadAvailable(j, now)
	}
	q.notifyJobListener(j, now, "job-timed-out")
}

func (q *Queue) timeoutReadingJob(j *Job, now PreciseTime) {
	target := j.StatusBeforeReading
	if j.ReadCount > q.params.ReadFailedRetries {
		target = StatusReadFailed
	}
	if target == StatusNotFound {
		target = StatusDone
	}
	if err := q.tracker.SetStatus(j.ID, StatusReading, target); err != nil {
		q.log.Error("read timeout lost track of the job", logx.Err(err))
		return
	}

	holder := j.LastEvent()
	j.LastTouch = now
	j.AppendEvent(JobEvent{Kind: EventReadTimeout, Status: target, Timestamp: now})
	q.readJobs.Remove(j.ID)
	if holder != nil && holder.Node != "" {
		q.clients.MoveJobToBlacklist(
			ClientID{Node: holder.Node, Session: holder.Session, IP: holder.IP},
			j.ID, GroupRead, q.blacklistUntil(GroupRead, now))
	}
	q.updateLifetime(j, now)
	q.countTransition(j.ID, StatusReading, target, EventReadTimeout)
	if target != StatusReadFailed {
		q.notifyReadAvailable(j, now)
	}
}

// CheckJobsExpiry runs one bounded slice of the lifetime sweep. Each state
// keeps its own resumable cursor, so successive slices cover the whole id
// space without rescanning from the bottom every time.
func (q *Queue) CheckJobsExpiry(maxScanned, maxDeleted int, now PreciseTime) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	scanned, deleted := 0, 0
	for _, st := range liveStatuses {
		for scanned < maxScanned && deleted < maxDeleted {
			id := q.tracker.GetNext(st, q.expiryCursor[st])
			if id == 0 {
				q.expiryCursor[st] = 0
				break
			}
			q.expiryCursor[st] = id
			scanned++
			if !q.gc.DeleteIfTimedOut(id, now) {
				continue
			}
			q.expireJobLocked(id, st, now)
			deleted++
		}
		if scanned >= maxScanned || deleted >= maxDeleted {
			break
		}
	}
	return deleted
}

// expireJobLocked drops one job whose lifetime ran out. The GC entry is
// already gone; everything else unwinds here.
func (q *Queue) expireJobLocked(id uint32, st Status, now PreciseTime) {
	j, ok := q.jobs[id]
	if !ok {
		q.tracker.Erase(id)
		return
	}
	switch st {
	case StatusRunning:
		if ev := j.LastEvent(); ev != nil && ev.Node != "" {
			q.clients.unregisterJobByNode(ev.Node, id, GroupGet)
		}
	case StatusReading:
		if ev := j.LastEvent(); ev != nil && ev.Node != "" {
			q.clients.unregisterJobByNode(ev.Node, id, GroupRead)
		}
	}
	q.readJobs.Remove(id)
	scopeID := q.scopeIDOfJob(id)
	q.removeJobReferences(j, scopeID)
	q.eraseJob(id, st)
	q.notifyJobListener(j, now, "job-deleted")
}

// DeleteBatch drains the deferred-delete set in small chunks, releasing
// the locks between chunks so live traffic interleaves.
func (q *Queue) DeleteBatch() int {
	total := 0
	for {
		q.deleteMu.Lock()
		if q.toDelete.IsEmpty() {
			q.deleteMu.Unlock()
			return total
		}
		chunk := make([]uint32, 0, deleteBatchChunk)
		it := q.toDelete.Iterator()
		for it.HasNext() && len(chunk) < deleteBatchChunk {
			chunk = append(chunk, it.Next())
		}
		for _, id := range chunk {
			q.toDelete.Remove(id)
		}
		q.deleteMu.Unlock()

		q.mu.Lock()
		for _, id := range chunk {
			delete(q.jobs, id)
			q.readJobs.Remove(id)
			q.clients.ForgetBlacklistedJob(id)
		}
		q.mu.Unlock()

		total += len(chunk)
		q.stats.CountN(CntDBDeletion, uint64(len(chunk)))
	}
}

// PurgeAffinities collects drained affinity records per the water-mark
// policy.
func (q *Queue) PurgeAffinities() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	limit := q.affinities.GarbageLimit()
	if limit == 0 {
		return 0
	}
	return q.affinities.CollectGarbage(limit)
}

func (q *Queue) PurgeGroups() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	limit := q.groups.GarbageLimit()
	if limit == 0 {
		return 0
	}
	return q.groups.CollectGarbage(limit)
}

// PurgeBlacklistedJobs drops expired per-client blacklist entries.
func (q *Queue) PurgeBlacklistedJobs(now PreciseTime) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.clients.PurgeBlacklists(GroupGet, now)
	n += q.clients.PurgeBlacklists(GroupRead, now)
	return n
}

// PurgeClientRegistry evicts long-silent client records, respecting the
// minimum population floors.
func (q *Queue) PurgeClientRegistry(now PreciseTime) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clients.Purge(now, q.params.ClientPurge)
}

// StaleNodes drops wait registrations of clients past their role timeout
// and releases their preferred affinities.
func (q *Queue) StaleNodes(now PreciseTime) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	nodes := q.clients.Stale(now, q.params.ClientPurge)
	for _, node := range nodes {
		q.notifs.UnregisterClient(node)
	}
	return len(nodes)
}

// NotifyListenersPeriodically drives the notification machinery: expired
// waiters go away, long waiters get their periodic resend, and outdated
// pending jobs wake exclusive-affinity waiters that skipped them before.
func (q *Queue) NotifyListenersPeriodically(now PreciseTime) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.notifs.CheckTimeout(now)
	q.checkOutdatedJobs(now)
	q.notifs.NotifyPeriodically(now, q.tracker.AnyPending())
}

// checkOutdatedJobs re-announces jobs that sat vacant past their
// promotion timeout; their affinities may be claimed, but outdated jobs
// are handed out regardless. Pending jobs go to get waiters, unconsumed
// finished jobs to read waiters.
func (q *Queue) checkOutdatedJobs(now PreciseTime) {
	if q.pause != PauseNone {
		return
	}
	if q.params.MaxPendingWaitTimeout > 0 {
		pending := q.tracker.JobsWithStatus(StatusPending)
		it := pending.Iterator()
		for it.HasNext() {
			id := it.Next()
			if !q.gc.IsOutdated(id, GroupGet, q.params.MaxPendingWaitTimeout, now) {
				continue
			}
			if j, ok := q.jobs[id]; ok {
				q.notifs.OnJobAvailable(GroupGet, j.AffinityID, j.GroupID, now)
			}
		}
	}
	if q.params.MaxPendingReadWaitTimeout > 0 {
		readable := q.tracker.JobsWithStatus(readSourceStatuses...)
		readable.AndNot(q.readJobs)
		it := readable.Iterator()
		for it.HasNext() {
			id := it.Next()
			if !q.gc.IsOutdated(id, GroupRead, q.params.MaxPendingReadWaitTimeout, now) {
				continue
			}
			if j, ok := q.jobs[id]; ok {
				q.notifs.OnJobAvailable(GroupRead, j.AffinityID, j.GroupID, now)
			}
		}
	}
}

// PrintStatistics logs the copy-and-diff counter delta and refreshes the
// per-state gauges. The snapshot is taken under the operation lock; the
// logging happens outside it.
func (q *Queue) PrintStatistics() {
	q.mu.Lock()
	states := q.tracker.StateCounts()
	snap := q.stats.snapshot(states)
	q.mu.Unlock()

	q.stats.SetStateGauges(states)
	q.stats.LogDelta(q.log, snap)
}
