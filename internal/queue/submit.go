package queue

import (
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	logx "gridq/pkg/logx"
)

// SubmitRequest carries everything a submitter provides for one job.
type SubmitRequest struct {
	Input    []byte
	Affinity string
	Group    string
	Scope    string

	// Per-job timeout overrides; zero keeps the queue defaults.
	Timeout     time.Duration
	RunTimeout  time.Duration
	ReadTimeout time.Duration

	Listener JobListener
}

// Submit creates one Pending job and wakes matching waiters. The returned
// rollback cancels the job if its key never reaches the client.
func (q *Queue) Submit(client ClientID, req SubmitRequest, now PreciseTime) (uint32, Rollback, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(req.Input) > q.params.MaxInputSize {
		return 0, nil, ErrInputTooLarge
	}
	// Capacity checks come before any mutation: a rejected submit leaves
	// every structure untouched.
	if req.Scope != "" && req.Scope != NoScopeOnly && !q.scopes.CanAccept(req.Scope) {
		return 0, nil, registryFullErr("scope")
	}
	if req.Group != "" && !q.groups.CanAccept(req.Group) {
		return 0, nil, registryFullErr("group")
	}
	if req.Affinity != "" && !q.affinities.CanAccept(req.Affinity) {
		return 0, nil, registryFullErr("affinity")
	}

	q.handleTouch(client, q.clients.Touch(client, now), now)
	q.clients.MarkRole(client, RoleSubmitter)

	id := q.NextID()
	j := &Job{
		ID:          id,
		Passport:    NewJobPassport(),
		Input:       req.Input,
		Timeout:     req.Timeout,
		RunTimeout:  req.RunTimeout,
		ReadTimeout: req.ReadTimeout,
		SubmitTime:  now,
		LastTouch:   now,
		Listener:    req.Listener,
	}
	j.AppendEvent(JobEvent{
		Kind:      EventSubmit,
		Status:    StatusPending,
		Timestamp: now,
		Node:      client.Node,
		Session:   client.Session,
		IP:        client.IP,
	})

	j.AffinityID = q.affinities.ResolveToken(req.Affinity, id)
	j.GroupID = q.groups.ResolveToken(req.Group, id)
	q.scopes.AddJob(req.Scope, id)

	q.jobs[id] = j
	q.tracker.AddPending(id)
	q.gc.RegisterJob(id, now, j.AffinityID, j.GroupID,
		j.ExpirationTime(q.params.Timeout, q.params.RunTimeout, q.params.ReadTimeout, q.params.PendingTimeout, now))

	q.notifyGetAvailable(j, now)

	q.stats.Count(CntSubmit)
	q.countTransition(id, StatusNotFound, StatusPending, EventSubmit)

	return id, SubmitRollback{Client: client, JobID: id}, nil
}

// SubmitBatch creates a contiguous Pending range sharing one group and
// returns the first id.
func (q *Queue) SubmitBatch(client ClientID, reqs []SubmitRequest, group string, now PreciseTime) (uint32, Rollback, error) {
	if len(reqs) == 0 {
		return 0, nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	newAffinities := map[string]struct{}{}
	for i := range reqs {
		if len(reqs[i].Input) > q.params.MaxInputSize {
			return 0, nil, ErrInputTooLarge
		}
		if aff := reqs[i].Affinity; aff != "" {
			if _, ok := q.affinities.TokenID(aff); !ok {
				newAffinities[aff] = struct{}{}
			}
		}
	}
	if group != "" && !q.groups.CanAccept(group) {
		return 0, nil, registryFullErr("group")
	}
	if q.affinities.Size()+len(newAffinities) > q.params.AffinityLimits.MaxRecords {
		return 0, nil, registryFullErr("affinity")
	}

	q.handleTouch(client, q.clients.Touch(client, now), now)
	q.clients.MarkRole(client, RoleSubmitter)

	count := uint32(len(reqs))
	firstID := q.NextIDBatch(count)

	affinitySeen := roaring.New()
	for i := range reqs {
		id := firstID + uint32(i)
		j := &Job{
			ID:          id,
			Passport:    NewJobPassport(),
			Input:       reqs[i].Input,
			Timeout:     reqs[i].Timeout,
			RunTimeout:  reqs[i].RunTimeout,
			ReadTimeout: reqs[i].ReadTimeout,
			SubmitTime:  now,
			LastTouch:   now,
		}
		j.AppendEvent(JobEvent{
			Kind:      EventBatchSubmit,
			Status:    StatusPending,
			Timestamp: now,
			Node:      client.Node,
			Session:   client.Session,
			IP:        client.IP,
		})
		j.AffinityID = q.affinities.ResolveToken(reqs[i].Affinity, id)
		j.GroupID = q.groups.ResolveToken(group, id)
		q.scopes.AddJob(reqs[i].Scope, id)

		q.jobs[id] = j
		q.gc.RegisterJob(id, now, j.AffinityID, j.GroupID,
			j.ExpirationTime(q.params.Timeout, q.params.RunTimeout, q.params.ReadTimeout, q.params.PendingTimeout, now))
		if j.AffinityID != 0 {
			affinitySeen.Add(j.AffinityID)
		}
	}
	q.tracker.AddPendingRange(firstID, firstID+count-1)

	if q.pause == PauseNone {
		groupID, _ := q.groups.TokenID(group)
		// One wakeup per distinct affinity, plus one for the no-affinity
		// jobs, instead of one per job.
		it := affinitySeen.Iterator()
		for it.HasNext() {
			q.notifs.OnJobAvailable(GroupGet, it.Next(), groupID, now)
		}
		if uint64(len(reqs)) > affinitySeen.GetCardinality() {
			q.notifs.OnJobAvailable(GroupGet, 0, groupID, now)
		}
	}

	q.stats.CountN(CntBatchSubmit, uint64(count))
	return firstID, BatchSubmitRollback{Client: client, FirstID: firstID, Count: count}, nil
}

// rollbackSubmit erases a job whose submit response was never delivered.
// The job was never visible, so no reader notification fires.
func (q *Queue) rollbackSubmit(client ClientID, jobID uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok || j.Status != StatusPending {
		return
	}
	now := Now()
	j.AppendEvent(JobEvent{
		Kind:      EventSubmitRollback,
		Status:    StatusCanceled,
		Timestamp: now,
		Node:      client.Node,
		Session:   client.Session,
		IP:        client.IP,
	})
	scopeID := q.scopeIDOfJob(jobID)
	if err := q.tracker.SetStatus(jobID, StatusPending, StatusCanceled); err != nil {
		q.log.Error("submit rollback lost track of the job", logx.Err(err))
		return
	}
	q.removeJobReferences(j, scopeID)
	q.eraseJob(jobID, StatusCanceled)
	q.stats.Count(CntSubmitRollback)
}
