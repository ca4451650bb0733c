package queue

import (
	"errors"
	"time"

	logx "gridq/pkg/logx"
)

// checkAuth verifies a worker-presented grant token. A passport-only match
// is a stale but once-valid grant: callers that tolerate it get a warning
// logged and proceed, the rest reject.
func (q *Queue) checkAuth(j *Job, token string, allowStale bool) error {
	switch j.CompareAuthToken(token) {
	case TokenCompleteMatch:
		return nil
	case TokenPassportOnly:
		if allowStale {
			q.log.Warn("stale grant token accepted",
				logx.String("queue", q.name), logx.Uint32("job", j.ID))
			return nil
		}
		return ErrAuthTokenMismatch
	case TokenNoMatch:
		return ErrAuthTokenMismatch
	default:
		return ErrInvalidAuthToken
	}
}

// staleGrantIgnored reports a passport-only token on an operation that
// must not run on a stale grant. The command is ignored: the job may
// already be in new hands, so the caller returns the current status
// untouched.
func (q *Queue) staleGrantIgnored(j *Job, token string) bool {
	if j.CompareAuthToken(token) != TokenPassportOnly {
		return false
	}
	q.log.Warn("stale grant token, command ignored",
		logx.String("queue", q.name), logx.Uint32("job", j.ID))
	return true
}

// PutResult completes a job. Idempotent when the job is already Done: the
// old status comes back and no second event is appended. The returned
// status is the one the job had before the call.
func (q *Queue) PutResult(client ClientID, jobID uint32, token string, retCode int, output []byte, now PreciseTime) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(output) > q.params.MaxOutputSize {
		return StatusNotFound, ErrOutputTooLarge
	}

	q.handleTouch(client, q.clients.Touch(client, now), now)

	j, ok := q.jobs[jobID]
	if !ok {
		return StatusNotFound, ErrJobNotFound
	}
	old := j.Status
	if old == StatusDone {
		q.stats.Count(CntDoneAgain)
		return old, nil
	}
	if old != StatusPending && old != StatusRunning && old != StatusFailed {
		return old, ErrOperationRestricted
	}
	if err := q.checkAuth(j, token, true); err != nil {
		return old, err
	}

	if err := q.tracker.SetStatus(jobID, old, StatusDone); err != nil {
		return old, err
	}
	j.Output = output
	j.LastTouch = now
	j.AppendEvent(JobEvent{
		Kind:      EventDone,
		Status:    StatusDone,
		Timestamp: now,
		Node:      client.Node,
		Session:   client.Session,
		IP:        client.IP,
		RetCode:   retCode,
	})

	q.clients.UnregisterJob(client, jobID, GroupGet)
	q.timeline.Remove(jobID)
	q.updateLifetime(j, now)
	q.countTransition(jobID, old, StatusDone, EventDone)
	q.notifyJobListener(j, now, "job-done")
	q.notifyReadAvailable(j, now)
	return old, nil
}

// FailJob records a failed run. The job retries to Pending while the run
// count stays within FailedRetries, then lands in Failed; noRetries forces
// Failed immediately. The failing client is blacklisted either way. A
// stale grant token leaves the job untouched.
func (q *Queue) FailJob(client ClientID, jobID uint32, token, errMsg string, retCode int, noRetries bool, now PreciseTime) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handleTouch(client, q.clients.Touch(client, now), now)

	j, ok := q.jobs[jobID]
	if !ok {
		return StatusNotFound, ErrJobNotFound
	}
	old := j.Status
	if old == StatusFailed {
		q.stats.Count(CntFailedAgain)
		return old, nil
	}
	if old != StatusRunning {
		return old, ErrOperationRestricted
	}
	if q.staleGrantIgnored(j, token) {
		return old, nil
	}
	if err := q.checkAuth(j, token, false); err != nil {
		return old, err
	}

	retry := !noRetries && j.RunCount <= q.params.FailedRetries
	target := StatusFailed
	kind := EventFinalFail
	if retry {
		target = StatusPending
		kind = EventFail
	}

	if err := q.tracker.SetStatus(jobID, StatusRunning, target); err != nil {
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
		ErrorMsg:  errMsg,
		RetCode:   retCode,
	})

	q.timeline.Remove(jobID)
	q.clients.MoveJobToBlacklist(client, jobID, GroupGet, q.blacklistUntil(GroupGet, now))
	q.updateLifetime(j, now)
	q.countTransition(jobID, StatusRunning, target, kind)

	if target == StatusPending {
		q.notifyGetAvailable(j, now)
	} else {
		q.notifyJobListener(j, now, "job-failed")
		q.notifyReadAvailable(j, now)
	}
	return old, nil
}

// ReturnMode selects how a worker gives a running job back.
type ReturnMode int8

const (
	// ReturnWithBlacklist bars the returning client from re-picking.
	ReturnWithBlacklist ReturnMode = iota
	ReturnWithoutBlacklist
)

// ReturnJob puts a running job back to Pending. A stale grant token
// leaves the job untouched.
func (q *Queue) ReturnJob(client ClientID, jobID uint32, token string, mode ReturnMode, now PreciseTime) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handleTouch(client, q.clients.Touch(client, now), now)

	j, ok := q.jobs[jobID]
	if !ok {
		return StatusNotFound, ErrJobNotFound
	}
	old := j.Status
	if old != StatusRunning {
		return old, ErrOperationRestricted
	}
	if q.staleGrantIgnored(j, token) {
		return old, nil
	}
	if err := q.checkAuth(j, token, false); err != nil {
		return old, err
	}

	kind := EventReturn
	if mode == ReturnWithoutBlacklist {
		kind = EventReturnNoBlacklist
	}

	if err := q.tracker.SetStatus(jobID, StatusRunning, StatusPending); err != nil {
		return old, err
	}
	if j.RunCount > 0 {
		j.RunCount--
	}
	j.LastTouch = now
	j.AppendEvent(JobEvent{
		Kind:      kind,
		Status:    StatusPending,
		Timestamp: now,
		Node:      client.Node,
		Session:   client.Session,
		IP:        client.IP,
	})

	q.timeline.Remove(jobID)
	switch mode {
	case ReturnWithBlacklist:
		q.clients.MoveJobToBlacklist(client, jobID, GroupGet, q.blacklistUntil(GroupGet, now))
		q.countTransition(jobID, StatusRunning, StatusPending, kind)
	case ReturnWithoutBlacklist:
		q.clients.UnregisterJob(client, jobID, GroupGet)
		q.stats.Count(CntToPendingWithoutBlacklist)
	}
	q.updateLifetime(j, now)
	q.notifyGetAvailable(j, now)
	return old, nil
}

// RescheduleJob moves a running job back to Pending under a new affinity
// and group. It demands an exact grant token: rescheduling on a stale
// grant would race the current holder.
func (q *Queue) RescheduleJob(client ClientID, jobID uint32, token, affinity, group string, now PreciseTime) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handleTouch(client, q.clients.Touch(client, now), now)

	j, ok := q.jobs[jobID]
	if !ok {
		return StatusNotFound, ErrJobNotFound
	}
	old := j.Status
	if old != StatusRunning {
		return old, ErrOperationRestricted
	}
	if err := q.checkAuth(j, token, false); err != nil {
		return old, err
	}
	if affinity != "" && !q.affinities.CanAccept(affinity) {
		return old, registryFullErr("affinity")
	}
	if group != "" && !q.groups.CanAccept(group) {
		return old, registryFullErr("group")
	}

	if j.AffinityID != 0 {
		q.affinities.RemoveJob(jobID, j.AffinityID)
	}
	if j.GroupID != 0 {
		q.groups.RemoveJob(jobID, j.GroupID)
	}
	j.AffinityID = q.affinities.ResolveToken(affinity, jobID)
	j.GroupID = q.groups.ResolveToken(group, jobID)
	q.gc.ChangeAffinityAndGroup(jobID, j.AffinityID, j.GroupID)

	if err := q.tracker.SetStatus(jobID, StatusRunning, StatusPending); err != nil {
		return old, err
	}
	if j.RunCount > 0 {
		j.RunCount--
	}
	j.LastTouch = now
	j.AppendEvent(JobEvent{
		Kind:      EventReschedule,
		Status:    StatusPending,
		Timestamp: now,
		Node:      client.Node,
		Session:   client.Session,
		IP:        client.IP,
	})

	q.clients.UnregisterJob(client, jobID, GroupGet)
	q.timeline.Remove(jobID)
	q.updateLifetime(j, now)
	q.stats.Count(CntToPendingRescheduled)
	q.notifyGetAvailable(j, now)
	return old, nil
}

// RedoJob re-exposes a finished job for another run.
func (q *Queue) RedoJob(client ClientID, jobID uint32, now PreciseTime) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handleTouch(client, q.clients.Touch(client, now), now)

	j, ok := q.jobs[jobID]
	if !ok {
		return StatusNotFound, ErrJobNotFound
	}
	old := j.Status
	switch old {
	case StatusPending, StatusRunning, StatusReading:
		return old, ErrOperationRestricted
	}

	if err := q.tracker.SetStatus(jobID, old, StatusPending); err != nil {
		return old, err
	}
	q.readJobs.Remove(jobID)
	j.LastTouch = now
	j.AppendEvent(JobEvent{
		Kind:      EventRedo,
		Status:    StatusPending,
		Timestamp: now,
		Node:      client.Node,
		Session:   client.Session,
		IP:        client.IP,
	})
	q.updateLifetime(j, now)
	q.countTransition(jobID, old, StatusPending, EventRedo)
	q.notifyGetAvailable(j, now)
	return old, nil
}

// JobDelayExpiration extends the current run. A deadline that already
// covers the requested extension stays as is.
func (q *Queue) JobDelayExpiration(client ClientID, jobID uint32, tm time.Duration, now PreciseTime) error {
	return q.delayExpiration(client, jobID, tm, now, StatusRunning)
}

// JobDelayReadExpiration is the read-side twin.
func (q *Queue) JobDelayReadExpiration(client ClientID, jobID uint32, tm time.Duration, now PreciseTime) error {
	return q.delayExpiration(client, jobID, tm, now, StatusReading)
}

func (q *Queue) delayExpiration(client ClientID, jobID uint32, tm time.Duration, now PreciseTime, want Status) error {
	if tm <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.clients.Touch(client, now)
	j, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != want {
		return ErrOperationRestricted
	}

	newDeadline := now.Add(tm)
	var current PreciseTime
	if want == StatusRunning {
		current = q.runDeadline(j, j.LastTouch)
	} else {
		current = q.readDeadline(j, j.LastTouch)
	}
	if !current.IsZero() && current.After(newDeadline) {
		return nil // the existing timeout already covers the request
	}
	if want == StatusRunning {
		j.RunTimeout = newDeadline.Sub(j.LastTouch)
	} else {
		j.ReadTimeout = newDeadline.Sub(j.LastTouch)
	}
	q.timeline.Move(jobID, newDeadline)
	q.updateLifetime(j, now)
	return nil
}

// PutProgressMessage stores a progress note and pings the job listener if
// it subscribed to progress.
func (q *Queue) PutProgressMessage(client ClientID, jobID uint32, msg string, now PreciseTime) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.clients.Touch(client, now)
	j, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.ProgressMsg = msg
	j.LastTouch = now
	q.updateLifetime(j, now)
	if j.Listener.NotifyOnProgress {
		q.notifyJobListener(j, now, "progress")
	}
	return nil
}

// SetJobListener replaces the per-job notification target. The displaced
// listener gets a courtesy "stolen" notice when it asked for one; zero
// host/port clears the listener.
func (q *Queue) SetJobListener(client ClientID, jobID uint32, l JobListener, now PreciseTime) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.clients.Touch(client, now)
	j, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}

	old := j.Listener
	if old.IsSet() && old.NotifyOnStolen && (old.Host != l.Host || old.Port != l.Port) {
		q.notifs.NotifyJobChanges(old.Host, old.Port, j.Key(q.name, q.params.ScrambleJobKeys), j.Status, "notification-stolen")
	}
	if !l.IsSet() {
		j.Listener = JobListener{}
		return nil
	}
	j.Listener = l
	return nil
}

// GetStatusAndLifetime reports the current status and expiration; touch
// additionally refreshes the lifetime.
func (q *Queue) GetStatusAndLifetime(jobID uint32, touch bool, now PreciseTime) (Status, PreciseTime, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return StatusNotFound, 0, ErrJobNotFound
	}
	if touch {
		j.LastTouch = now
		q.updateLifetime(j, now)
	}
	return j.Status, q.estimatedLifetime(j, now), nil
}

// estimatedLifetime: a held job expires with its grant, anything else with
// its GC record.
func (q *Queue) estimatedLifetime(j *Job, now PreciseTime) PreciseTime {
	switch j.Status {
	case StatusRunning:
		return q.runDeadline(j, now)
	case StatusReading:
		return q.readDeadline(j, now)
	default:
		return q.gc.Lifetime(j.ID)
	}
}

// SetClientData parks an opaque payload on the client record with a
// version check.
func (q *Queue) SetClientData(client ClientID, data string, version int, now PreciseTime) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.clients.Touch(client, now)
	v, ok := q.clients.SetClientData(client, data, version)
	if !ok {
		return v, errors.New("client data version mismatch")
	}
	return v, nil
}

func (q *Queue) blacklistUntil(group CommandGroup, now PreciseTime) PreciseTime {
	d := q.params.BlacklistTime
	if group == GroupRead {
		d = q.params.ReadBlacklistTime
	}
	if d <= 0 {
		return 0
	}
	return now.Add(d)
}

// handleTouch applies the fallout of a registration refresh: grants held
// by a replaced session are reset as if the old session cleared out.
func (q *Queue) handleTouch(client ClientID, tr TouchResult, now PreciseTime) {
	if !tr.SessionChanged {
		return
	}
	for _, id := range tr.RunningReset {
		q.resetRunningJob(id, EventSessionChanged, now)
	}
	for _, id := range tr.ReadingReset {
		q.resetReadingJob(id, EventSessionChanged, now)
	}
}

// resetRunningJob is the shared "the holder went away" path for session
// changes, explicit clears and stale-client purges.
func (q *Queue) resetRunningJob(jobID uint32, kind EventKind, now PreciseTime) {
	j, ok := q.jobs[jobID]
	if !ok || j.Status != StatusRunning {
		return
	}
	target := StatusPending
	if j.RunCount > q.params.FailedRetries {
		target = StatusFailed
	}
	if err := q.tracker.SetStatus(jobID, StatusRunning, target); err != nil {
		q.log.Error("running job reset lost track of the job", logx.Err(err))
		return
	}
	j.LastTouch = now
	j.AppendEvent(JobEvent{Kind: kind, Status: target, Timestamp: now})
	q.timeline.Remove(jobID)
	q.updateLifetime(j, now)
	q.countTransition(jobID, StatusRunning, target, kind)
	if target == StatusPending {
		q.notifyGetAvailable(j, now)
	} else {
		q.notifyReadAvailable(j, now)
	}
}

func (q *Queue) resetReadingJob(jobID uint32, kind EventKind, now PreciseTime) {
	j, ok := q.jobs[jobID]
	if !ok || j.Status != StatusReading {
		return
	}
	target := j.StatusBeforeReading
	if j.ReadCount > q.params.ReadFailedRetries {
		target = StatusReadFailed
	}
	if target == StatusNotFound {
		target = StatusDone
	}
	if err := q.tracker.SetStatus(jobID, StatusReading, target); err != nil {
		q.log.Error("reading job reset lost track of the job", logx.Err(err))
		return
	}
	j.LastTouch = now
	j.AppendEvent(JobEvent{Kind: kind, Status: target, Timestamp: now})
	q.timeline.Remove(jobID)
	q.readJobs.Remove(jobID)
	q.updateLifetime(j, now)
	q.countTransition(jobID, StatusReading, target, kind)
	if target != StatusReadFailed {
		q.notifyReadAvailable(j, now)
	}
}

// ClearWorkerNode handles an explicit client clear: all grants reset, the
// wait registration and preferences dropped.
func (q *Queue) ClearWorkerNode(client ClientID, now PreciseTime) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res := q.clients.ClearClient(client)
	for _, id := range res.RunningReset {
		q.resetRunningJob(id, EventClear, now)
	}
	for _, id := range res.ReadingReset {
		q.resetReadingJob(id, EventClear, now)
	}
}
