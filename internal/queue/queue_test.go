package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = FromTime(time.Unix(1700000000, 0))

var (
	submitter = ClientID{Node: "submit-node", Session: "s1", IP: "10.0.0.1"}
	worker    = ClientID{Node: "worker-node", Session: "w1", IP: "10.0.0.2"}
	worker2   = ClientID{Node: "worker-node-2", Session: "w2", IP: "10.0.0.3"}
	reader    = ClientID{Node: "reader-node", Session: "r1", IP: "10.0.0.4"}
)

func newTestQueue(t *testing.T, mutate ...func(*Params)) *Queue {
	t.Helper()
	p := DefaultParams()
	for _, m := range mutate {
		m(&p)
	}
	q, err := New("tq", p)
	require.NoError(t, err)
	return q
}

func mustSubmit(t *testing.T, q *Queue, req SubmitRequest, now PreciseTime) uint32 {
	t.Helper()
	id, _, err := q.Submit(submitter, req, now)
	require.NoError(t, err)
	require.NotZero(t, id)
	return id
}

func mustGet(t *testing.T, q *Queue, client ClientID, now PreciseTime) DispatchResult {
	t.Helper()
	res, err := q.GetJobOrWait(DispatchRequest{Client: client, AnyAffinity: true}, now)
	require.NoError(t, err)
	return res
}

func statusOf(t *testing.T, q *Queue, id uint32) Status {
	t.Helper()
	st, _, err := q.GetStatusAndLifetime(id, false, t0)
	require.NoError(t, err)
	return st
}

func TestSubmitAssignsSequentialIDs(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	for want := uint32(1); want <= 3; want++ {
		id := mustSubmit(t, q, SubmitRequest{Input: []byte("in")}, t0)
		require.Equal(t, want, id)
		require.Equal(t, StatusPending, statusOf(t, q, id))
	}
	require.Equal(t, uint64(3), q.CountActiveJobs())
}

func TestSubmitRejectsOversizedInput(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) { p.MaxInputSize = 4 })

	_, _, err := q.Submit(submitter, SubmitRequest{Input: []byte("too big")}, t0)
	require.ErrorIs(t, err, ErrInputTooLarge)
	require.Zero(t, q.CountAllJobs())
}

func TestBatchSubmitSharesGroupAndRestartsAfterWrap(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	reqs := make([]SubmitRequest, 5)
	for i := range reqs {
		reqs[i] = SubmitRequest{Input: []byte("batch")}
	}
	first, _, err := q.SubmitBatch(submitter, reqs, "g1", t0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), first)

	counts, warnings := q.JobsPerState("g1", "")
	require.Empty(t, warnings)
	require.Equal(t, uint64(5), counts[StatusPending])

	// Exhausting the 32-bit id space restarts numbering from 1.
	q.idMu.Lock()
	q.lastID = ^uint32(0) - 2
	q.savedID = ^uint32(0)
	q.idMu.Unlock()

	first, _, err = q.SubmitBatch(submitter, reqs, "g2", t0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), first)
}

func TestStatusPartitionHoldsAcrossLifecycle(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	ids := []uint32{
		mustSubmit(t, q, SubmitRequest{Input: []byte("a")}, t0),
		mustSubmit(t, q, SubmitRequest{Input: []byte("b")}, t0),
		mustSubmit(t, q, SubmitRequest{Input: []byte("c")}, t0),
	}

	res := mustGet(t, q, worker, t0)
	_, err := q.PutResult(worker, res.JobID, res.AuthToken, 0, []byte("out"), t0)
	require.NoError(t, err)
	_, err = q.Cancel(submitter, ids[2], t0)
	require.NoError(t, err)

	for _, id := range ids {
		found := 0
		for _, st := range liveStatuses {
			if q.tracker.JobsWithStatus(st).Contains(id) {
				found++
			}
		}
		require.Equal(t, 1, found, "job %d must be in exactly one state set", id)
	}
}

func TestGetJobOrWaitGrantsPendingJob(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("payload")}, t0)
	res := mustGet(t, q, worker, t0)

	require.Equal(t, id, res.JobID)
	require.Equal(t, []byte("payload"), res.Input)
	require.NotEmpty(t, res.AuthToken)
	require.False(t, res.Registered)
	require.Equal(t, StatusRunning, statusOf(t, q, id))
}

func TestGetJobOrWaitRegistersWaiterWhenEmpty(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	res, err := q.GetJobOrWait(DispatchRequest{
		Client:      worker,
		Port:        9001,
		WaitTimeout: 10 * time.Second,
		AnyAffinity: true,
	}, t0)
	require.NoError(t, err)
	require.Zero(t, res.JobID)
	require.True(t, res.Registered)

	waiters := q.ListWaiters()
	require.Len(t, waiters, 1)
	require.Equal(t, worker.Node, waiters[0].Node)

	require.True(t, q.CancelWaitGet(worker, t0))
	require.Empty(t, q.ListWaiters())
}

func TestPauseBlocksDispatchUntilResumed(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	q.SetPauseStatus(PauseWithoutPullback, t0)

	res := mustGet(t, q, worker, t0)
	require.Zero(t, res.JobID)

	q.SetPauseStatus(PauseNone, t0)
	res = mustGet(t, q, worker, t0)
	require.Equal(t, id, res.JobID)
}

func TestExplicitAffinityFilter(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	mustSubmit(t, q, SubmitRequest{Input: []byte("plain")}, t0)
	tagged := mustSubmit(t, q, SubmitRequest{Input: []byte("tagged"), Affinity: "a1"}, t0)

	res, err := q.GetJobOrWait(DispatchRequest{
		Client:     worker,
		Affinities: []string{"a1"},
	}, t0)
	require.NoError(t, err)
	require.Equal(t, tagged, res.JobID)
	require.Equal(t, "a1", res.Affinity)
}

func TestExclusiveNewAffinityClaimsAndExcludes(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	mustSubmit(t, q, SubmitRequest{Input: []byte("1"), Affinity: "a1"}, t0)
	mustSubmit(t, q, SubmitRequest{Input: []byte("2"), Affinity: "a1"}, t0)

	res, err := q.GetJobOrWait(DispatchRequest{Client: worker, ExclusiveNewAffinity: true}, t0)
	require.NoError(t, err)
	require.NotZero(t, res.JobID)
	require.Equal(t, "a1", res.AddedPreferredAffinity)

	// The second worker may not claim a1 exclusively: it is taken.
	res, err = q.GetJobOrWait(DispatchRequest{Client: worker2, ExclusiveNewAffinity: true}, t0)
	require.NoError(t, err)
	require.Zero(t, res.JobID)

	// The claiming worker in preferred mode still gets the second job.
	res, err = q.GetJobOrWait(DispatchRequest{Client: worker, WnodeAffinity: true}, t0)
	require.NoError(t, err)
	require.NotZero(t, res.JobID)
}

func TestGroupFilterMatchesNothingForUnknownGroup(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	mustSubmit(t, q, SubmitRequest{Input: []byte("x"), Group: "batch-7"}, t0)

	res, err := q.GetJobOrWait(DispatchRequest{
		Client:      worker,
		AnyAffinity: true,
		Groups:      []string{"no-such-group"},
	}, t0)
	require.NoError(t, err)
	require.Zero(t, res.JobID)

	res, err = q.GetJobOrWait(DispatchRequest{
		Client:      worker,
		AnyAffinity: true,
		Groups:      []string{"batch-7"},
	}, t0)
	require.NoError(t, err)
	require.NotZero(t, res.JobID)
	require.Equal(t, "batch-7", res.Group)
}

func TestScopeRestrictsDispatch(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	scoped := mustSubmit(t, q, SubmitRequest{Input: []byte("s"), Scope: "ws1"}, t0)
	plain := mustSubmit(t, q, SubmitRequest{Input: []byte("p")}, t0)

	res, err := q.GetJobOrWait(DispatchRequest{Client: worker, AnyAffinity: true, Scope: "ws1"}, t0)
	require.NoError(t, err)
	require.Equal(t, scoped, res.JobID)

	// The no-scope-only selector must never see scoped jobs.
	res, err = q.GetJobOrWait(DispatchRequest{Client: worker2, AnyAffinity: true, Scope: NoScopeOnly}, t0)
	require.NoError(t, err)
	require.Equal(t, plain, res.JobID)
}

func TestPerIPRunningCap(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) { p.MaxJobsPerClient = 1 })

	mustSubmit(t, q, SubmitRequest{Input: []byte("1")}, t0)
	mustSubmit(t, q, SubmitRequest{Input: []byte("2")}, t0)

	res := mustGet(t, q, worker, t0)
	require.NotZero(t, res.JobID)

	// Both jobs came from the same submitter IP; one is already running.
	res = mustGet(t, q, worker2, t0)
	require.Zero(t, res.JobID)
}

func TestSubmitRollbackErasesUndeliveredJob(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id, rb, err := q.Submit(submitter, SubmitRequest{Input: []byte("x")}, t0)
	require.NoError(t, err)
	require.NotNil(t, rb)

	q.Rollback(rb)
	require.Equal(t, 1, q.DeleteBatch())
	_, _, err = q.GetStatusAndLifetime(id, false, t0)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestGetRollbackReturnsJobWithoutBlacklist(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := mustGet(t, q, worker, t0)
	require.Equal(t, id, res.JobID)

	q.Rollback(res.Rollback)
	require.Equal(t, StatusPending, statusOf(t, q, id))

	// No blacklist entry: the same worker picks it right back up.
	res = mustGet(t, q, worker, t0)
	require.Equal(t, id, res.JobID)
}

func TestChangeAffinityManagesPreferences(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	// Register the client first.
	mustGet(t, q, worker, t0)

	warnings, err := q.ChangeAffinity(worker, GroupGet, []string{"a1", "a2"}, nil, t0)
	require.NoError(t, err)
	require.Empty(t, warnings)

	warnings, err = q.ChangeAffinity(worker, GroupGet, []string{"a1"}, []string{"missing"}, t0)
	require.NoError(t, err)
	require.Len(t, warnings, 2) // already preferred + not found

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x"), Affinity: "a2"}, t0)
	res, err := q.GetJobOrWait(DispatchRequest{Client: worker, WnodeAffinity: true}, t0)
	require.NoError(t, err)
	require.Equal(t, id, res.JobID)
}

func TestSetParamsAppliesNewLimits(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	p := q.Params()
	p.AffinityLimits.MaxRecords = 1
	q.SetParams(p)

	mustSubmit(t, q, SubmitRequest{Input: []byte("x"), Affinity: "a1"}, t0)
	_, _, err := q.Submit(submitter, SubmitRequest{Input: []byte("y"), Affinity: "a2"}, t0)
	require.ErrorIs(t, err, ErrRegistryFull)
}
