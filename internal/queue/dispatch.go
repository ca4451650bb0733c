package queue

import (
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	logx "gridq/pkg/logx"
)

// DispatchRequest is a worker's "give me a job" call, filters already
// parsed by the protocol layer.
type DispatchRequest struct {
	Client ClientID
	// Port + WaitTimeout register a wait listener when nothing matches.
	Port        uint16
	WaitTimeout time.Duration

	// Affinities is the explicit filter; order matters when Prioritized.
	Affinities  []string
	Prioritized bool
	// WnodeAffinity includes the client's preferred affinities.
	WnodeAffinity bool
	AnyAffinity   bool
	// ExclusiveNewAffinity asks for an affinity no other client prefers.
	ExclusiveNewAffinity bool

	Groups []string

	Scope string
	// VirtualScope, when set, is searched before the real scope.
	VirtualScope string
}

// DispatchResult reports either a grant or a wait registration.
type DispatchResult struct {
	JobID     uint32
	AuthToken string
	Affinity  string
	Group     string
	Input     []byte

	// AddedPreferredAffinity names the affinity an exclusive pick just
	// added to the client's preference set.
	AddedPreferredAffinity string

	// PreferencesLost tells the worker its registry record was purged or
	// its preferred affinities were reset; it must re-register before the
	// next attempt.
	PreferencesLost bool

	// Registered means no job matched and a wait listener was installed.
	Registered bool

	// NoMoreJobs (reading only) means the filtered set is exhausted and
	// cannot produce without new submits.
	NoMoreJobs bool

	Rollback Rollback
}

// GetJobOrWait dispatches the best matching pending job to a worker, or
// registers the worker for a wakeup.
func (q *Queue) GetJobOrWait(req DispatchRequest, now PreciseTime) (DispatchResult, error) {
	var res DispatchResult

	q.mu.Lock()
	defer q.mu.Unlock()

	q.handleTouch(req.Client, q.clients.Touch(req.Client, now), now)
	q.clients.MarkRole(req.Client, RoleWorkerNode)

	if q.clients.ConsumeGarbageCollected(req.Client.Node) {
		res.PreferencesLost = true
		return res, nil
	}
	if req.WnodeAffinity && q.clients.ConsumeAffinityReset(req.Client.Node) {
		res.PreferencesLost = true
		return res, nil
	}

	if q.pause != PauseNone {
		q.registerWait(req, GroupGet, now)
		res.Registered = req.Port != 0 && req.WaitTimeout > 0
		return res, nil
	}

	explicitAffs, prioritized := q.resolveAffinityFilter(req)
	groupIDs, groupFilter := q.resolveGroupFilter(req.Groups)
	if groupFilter && groupIDs.IsEmpty() {
		// Filtering by unknown groups matches nothing; wait if asked.
		q.registerWait(req, GroupGet, now)
		res.Registered = req.Port != 0 && req.WaitTimeout > 0
		return res, nil
	}

	perIP := q.runningPerSubmitterIP()

	jobID, exclusive := q.findVacantJob(&req, GroupGet, explicitAffs, prioritized, groupIDs, groupFilter, perIP, now)
	if jobID == 0 && req.ExclusiveNewAffinity && q.params.MaxPendingWaitTimeout > 0 {
		jobID, exclusive = q.findOutdatedPendingJob(&req, groupIDs, groupFilter, perIP, now)
		if jobID != 0 {
			q.stats.Count(CntPickedAsOutdated)
		}
	}
	if jobID == 0 {
		q.registerWait(req, GroupGet, now)
		res.Registered = req.Port != 0 && req.WaitTimeout > 0
		return res, nil
	}

	j, err := q.jobChecked(jobID)
	if err != nil {
		return res, err
	}

	if exclusive && j.AffinityID != 0 {
		q.clients.AddPreferredAffinity(req.Client, GroupGet, j.AffinityID)
		res.AddedPreferredAffinity = q.affinities.Token(j.AffinityID)
	}

	if err := q.provideJob(j, req.Client, now); err != nil {
		return res, err
	}

	if !q.tracker.AnyPending() {
		q.notifs.ClearExactNotifications()
	}

	res.JobID = j.ID
	res.AuthToken = j.AuthToken()
	res.Affinity = q.affinities.Token(j.AffinityID)
	res.Group = q.groups.Token(j.GroupID)
	res.Input = j.Input
	res.Rollback = GetJobRollback{Client: req.Client, JobID: j.ID}
	return res, nil
}

// CancelWaitGet drops the client's wait registration; reports whether one
// existed.
func (q *Queue) CancelWaitGet(client ClientID, now PreciseTime) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clients.Touch(client, now)
	return q.notifs.CancelWait(client, GroupGet)
}

// ---- internals ----

func (q *Queue) registerWait(req DispatchRequest, group CommandGroup, now PreciseTime) {
	if req.Port == 0 || req.WaitTimeout <= 0 {
		return
	}
	affIDs := roaring.New()
	for _, tok := range req.Affinities {
		if id, ok := q.affinities.TokenID(tok); ok {
			affIDs.Add(id)
		}
	}
	groupIDs, _ := q.resolveGroupFilter(req.Groups)
	q.notifs.RegisterWait(WaitRequest{
		Client:               req.Client,
		Port:                 req.Port,
		Deadline:             now.Add(req.WaitTimeout),
		Group:                group,
		AnyAffinity:          req.AnyAffinity,
		WnodeAffinity:        req.WnodeAffinity,
		ExclusiveNewAffinity: req.ExclusiveNewAffinity,
		AffinityIDs:          affIDs,
		GroupIDs:             groupIDs,
	})
}

func (q *Queue) resolveAffinityFilter(req DispatchRequest) (*roaring.Bitmap, []uint32) {
	explicit := roaring.New()
	var ordered []uint32
	for _, tok := range req.Affinities {
		id, ok := q.affinities.TokenID(tok)
		if !ok {
			continue // unknown affinity has no jobs to match
		}
		explicit.Add(id)
		if req.Prioritized {
			ordered = append(ordered, id)
		}
	}
	return explicit, ordered
}

func (q *Queue) resolveGroupFilter(groups []string) (*roaring.Bitmap, bool) {
	if len(groups) == 0 {
		return emptyBitmap, false
	}
	ids, _ := resolveTokens(&q.groups.tokenRegistry, groups)
	return ids, true
}

// groupUnion collects all jobs belonging to any of the group ids.
func (q *Queue) groupUnion(groupIDs *roaring.Bitmap) *roaring.Bitmap {
	out := roaring.New()
	it := groupIDs.Iterator()
	for it.HasNext() {
		out.Or(q.groups.JobsWith(it.Next()))
	}
	return out
}

// runningPerSubmitterIP snapshots running-job counts keyed by the IP the
// job was submitted from. Taken once per dispatch call; the cap is soft by
// design (see DESIGN.md).
func (q *Queue) runningPerSubmitterIP() map[string]int {
	if q.params.MaxJobsPerClient <= 0 {
		return nil
	}
	out := map[string]int{}
	running := q.tracker.JobsWithStatus(StatusRunning)
	it := running.Iterator()
	for it.HasNext() {
		if j, ok := q.jobs[it.Next()]; ok && len(j.Events) > 0 {
			out[j.Events[0].IP]++
		}
	}
	return out
}

func (q *Queue) underIPCap(id uint32, perIP map[string]int) bool {
	if perIP == nil {
		return true
	}
	j, ok := q.jobs[id]
	if !ok || len(j.Events) == 0 {
		return true
	}
	return perIP[j.Events[0].IP] < q.params.MaxJobsPerClient
}

// vacantPool builds the scope/group/blacklist-filtered candidate set for
// one command group. The caller owns the result.
func (q *Queue) vacantPool(client ClientID, scope string, group CommandGroup, groupIDs *roaring.Bitmap, groupFilter bool, now PreciseTime) *roaring.Bitmap {
	var pool *roaring.Bitmap
	if group == GroupGet {
		pool = q.tracker.JobsWithStatus(StatusPending)
	} else {
		pool = q.tracker.JobsWithStatus(readSourceStatuses...)
		pool.AndNot(q.readJobs)
	}
	q.scopes.RestrictByScope(pool, scope)
	pool.AndNot(q.clients.BlacklistedJobs(client, group, now))
	if groupFilter {
		pool.And(q.groupUnion(groupIDs))
	}
	return pool
}

// findVacantJob implements the dispatch precedence: the virtual scope is
// searched before the real one; within a scope, an explicit prioritized
// list wins, then a single ordered scan with deferred preferred-affinity
// and exclusive-new pools, then the any-affinity / legacy fallback.
func (q *Queue) findVacantJob(req *DispatchRequest, group CommandGroup, explicitAffs *roaring.Bitmap, prioritized []uint32, groupIDs *roaring.Bitmap, groupFilter bool, perIP map[string]int, now PreciseTime) (uint32, bool) {
	if req.VirtualScope != "" {
		if id, excl := q.findVacantJobInScope(req, group, req.VirtualScope, explicitAffs, prioritized, groupIDs, groupFilter, perIP, now); id != 0 {
			return id, excl
		}
	}
	return q.findVacantJobInScope(req, group, req.Scope, explicitAffs, prioritized, groupIDs, groupFilter, perIP, now)
}

func (q *Queue) findVacantJobInScope(req *DispatchRequest, group CommandGroup, scope string, explicitAffs *roaring.Bitmap, prioritized []uint32, groupIDs *roaring.Bitmap, groupFilter bool, perIP map[string]int, now PreciseTime) (uint32, bool) {
	pool := q.vacantPool(req.Client, scope, group, groupIDs, groupFilter, now)
	if pool.IsEmpty() {
		return 0, false
	}

	// Explicit ordered affinity list: first affinity with a candidate
	// wins.
	if len(prioritized) > 0 {
		for _, affID := range prioritized {
			cand := q.affinities.JobsWith(affID).Clone()
			cand.And(pool)
			it := cand.Iterator()
			for it.HasNext() {
				id := it.Next()
				if q.underIPCap(id, perIP) {
					return id, false
				}
			}
		}
		if !req.AnyAffinity {
			return 0, false
		}
		return q.anyVacantJob(pool, perIP), false
	}

	explicitMode := !explicitAffs.IsEmpty()
	prefAffs := q.clients.PreferredAffinities(req.Client.Node, group)
	effectiveUsePref := req.WnodeAffinity && !prefAffs.IsEmpty()

	var prefCandidate, exclCandidate uint32
	exclCandidateHasAff := false

	it := pool.Iterator()
	for it.HasNext() {
		id := it.Next()
		if !q.underIPCap(id, perIP) {
			continue
		}
		j, ok := q.jobs[id]
		if !ok {
			continue
		}
		aff := j.AffinityID

		if explicitMode && aff != 0 && explicitAffs.Contains(aff) {
			return id, false
		}
		if effectiveUsePref && aff != 0 && prefAffs.Contains(aff) {
			if !explicitMode {
				return id, false
			}
			if prefCandidate == 0 {
				prefCandidate = id
			}
			continue
		}
		if req.ExclusiveNewAffinity && (aff == 0 || !q.clients.IsPreferredByAny(aff, group)) {
			if !explicitMode && !effectiveUsePref {
				return id, aff != 0
			}
			if exclCandidate == 0 {
				exclCandidate = id
				exclCandidateHasAff = aff != 0
			}
		}
	}
	if prefCandidate != 0 {
		return prefCandidate, false
	}
	if exclCandidate != 0 {
		return exclCandidate, exclCandidateHasAff
	}

	// Any-affinity fallback, plus the legacy accommodation: a get request
	// in preferred-affinity mode with nothing registered yet falls back
	// to any pending job.
	legacy := !explicitMode && req.WnodeAffinity && !effectiveUsePref &&
		!req.ExclusiveNewAffinity && group == GroupGet
	if req.AnyAffinity || legacy {
		return q.anyVacantJob(pool, perIP), false
	}
	return 0, false
}

func (q *Queue) anyVacantJob(pool *roaring.Bitmap, perIP map[string]int) uint32 {
	it := pool.Iterator()
	for it.HasNext() {
		id := it.Next()
		if q.underIPCap(id, perIP) {
			return id
		}
	}
	return 0
}

// findOutdatedPendingJob is the starvation fallback: a pending job vacant
// longer than MaxPendingWaitTimeout may be handed out exclusively even
// though its affinity is already claimed.
func (q *Queue) findOutdatedPendingJob(req *DispatchRequest, groupIDs *roaring.Bitmap, groupFilter bool, perIP map[string]int, now PreciseTime) (uint32, bool) {
	pool := q.vacantPool(req.Client, req.Scope, GroupGet, groupIDs, groupFilter, now)
	it := pool.Iterator()
	for it.HasNext() {
		id := it.Next()
		if !q.underIPCap(id, perIP) {
			continue
		}
		if !q.gc.IsOutdated(id, GroupGet, q.params.MaxPendingWaitTimeout, now) {
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

// provideJob hands a pending job to a worker.
func (q *Queue) provideJob(j *Job, client ClientID, now PreciseTime) error {
	if err := q.tracker.SetStatus(j.ID, StatusPending, StatusRunning); err != nil {
		return err
	}
	j.RunCount++
	j.LastTouch = now
	j.AppendEvent(JobEvent{
		Kind:      EventRequest,
		Status:    StatusRunning,
		Timestamp: now,
		Node:      client.Node,
		Session:   client.Session,
		IP:        client.IP,
	})
	q.clients.RegisterJob(client, j.ID, GroupGet)
	q.updateLifetime(j, now)
	q.timeline.Add(j.ID, q.runDeadline(j, now))
	q.countTransition(j.ID, StatusPending, StatusRunning, EventRequest)
	return nil
}

// rollbackGet returns a job whose grant never reached the worker. No
// blacklist: the worker never saw it.
func (q *Queue) rollbackGet(client ClientID, jobID uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok || j.Status != StatusRunning {
		return
	}
	now := Now()
	if j.RunCount > 0 {
		j.RunCount--
	}
	j.LastTouch = now
	j.AppendEvent(JobEvent{
		Kind:      EventGetRollback,
		Status:    StatusPending,
		Timestamp: now,
		Node:      client.Node,
		Session:   client.Session,
		IP:        client.IP,
	})
	if err := q.tracker.SetStatus(jobID, StatusRunning, StatusPending); err != nil {
		q.log.Error("get rollback lost track of the job", logx.Err(err))
		return
	}
	q.clients.UnregisterJob(client, jobID, GroupGet)
	q.timeline.Remove(jobID)
	q.updateLifetime(j, now)
	q.stats.Count(CntGetRollback)
	q.notifyGetAvailable(j, now)
}
