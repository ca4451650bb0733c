package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecutionTimeoutRequeuesPending(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) { p.RunTimeout = time.Second })

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	runJob(t, q, worker, t0)

	require.Zero(t, q.CheckExecutionTimeout(t0))
	require.Equal(t, 1, q.CheckExecutionTimeout(t0.Add(2*time.Second)))
	require.Equal(t, StatusPending, statusOf(t, q, id))

	// The silent holder is barred from re-picking.
	res := mustGet(t, q, worker, t0.Add(2*time.Second))
	require.Zero(t, res.JobID)
	res = mustGet(t, q, worker2, t0.Add(2*time.Second))
	require.Equal(t, id, res.JobID)
}

func TestExecutionTimeoutExhaustsToFailed(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) {
		p.RunTimeout = time.Second
		p.FailedRetries = 0
	})

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	runJob(t, q, worker, t0)

	require.Equal(t, 1, q.CheckExecutionTimeout(t0.Add(2*time.Second)))
	require.Equal(t, StatusFailed, statusOf(t, q, id))
}

func TestReadTimeoutRestoresPriorStatus(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) { p.ReadTimeout = time.Second })

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := runJob(t, q, worker, t0)
	_, err := q.PutResult(worker, res.JobID, res.AuthToken, 0, nil, t0)
	require.NoError(t, err)

	rd := readJob(t, q, reader, t0)
	require.Equal(t, id, rd.JobID)

	require.Equal(t, 1, q.CheckExecutionTimeout(t0.Add(2*time.Second)))
	require.Equal(t, StatusDone, statusOf(t, q, id))

	// Readable again, but not by the reader that went silent.
	rd = readJob(t, q, reader, t0.Add(2*time.Second))
	require.Zero(t, rd.JobID)
	other := ClientID{Node: "reader-2", Session: "r2", IP: "10.0.0.5"}
	rd, err = q.GetJobForReadingOrWait(DispatchRequest{Client: other, AnyAffinity: true}, t0.Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, id, rd.JobID)
}

func TestRenewedGrantSurvivesTimeoutSweep(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) { p.RunTimeout = time.Second })

	mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := runJob(t, q, worker, t0)

	require.NoError(t, q.JobDelayExpiration(worker, res.JobID, time.Minute, t0))
	require.Zero(t, q.CheckExecutionTimeout(t0.Add(2*time.Second)))
	require.Equal(t, StatusRunning, statusOf(t, q, res.JobID))
}

func TestJobExpirySweepAndDeleteBatch(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) { p.Timeout = time.Second })

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)

	require.Zero(t, q.CheckJobsExpiry(100, 100, t0))
	require.Equal(t, 1, q.CheckJobsExpiry(100, 100, t0.Add(2*time.Second)))
	require.Equal(t, 1, q.DeleteBatch())

	_, _, err := q.GetStatusAndLifetime(id, false, t0)
	require.ErrorIs(t, err, ErrJobNotFound)
	require.Zero(t, q.CountAllJobs())
}

func TestExpirySweepSliceBoundResumes(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) { p.Timeout = time.Second })

	for i := 0; i < 5; i++ {
		mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	}

	later := t0.Add(2 * time.Second)
	total := 0
	for i := 0; i < 5; i++ {
		n := q.CheckJobsExpiry(2, 2, later)
		require.LessOrEqual(t, n, 2)
		total += n
	}
	require.Equal(t, 5, total)
	require.Zero(t, q.CountAllJobs())
}

func TestClientPurgeRespectsFloorsAndLeavesTombstone(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) {
		p.ClientPurge.WorkerNodeTimeout = time.Second
		p.ClientPurge.MinWorkerNodes = 1
	})

	mustGet(t, q, worker, t0)
	mustGet(t, q, worker2, t0.Add(5*time.Second))

	// One of the two idles out; the floor protects the last record.
	require.Equal(t, 1, q.PurgeClientRegistry(t0.Add(10*time.Second)))
	require.Zero(t, q.PurgeClientRegistry(t0.Add(20*time.Second)))

	// The purged worker comes back and is told its state is gone.
	res := mustGet(t, q, worker, t0.Add(11*time.Second))
	require.True(t, res.PreferencesLost)
	res = mustGet(t, q, worker, t0.Add(11*time.Second))
	require.False(t, res.PreferencesLost)
}

func TestClientWithGrantsSurvivesPurge(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) {
		p.ClientPurge.WorkerNodeTimeout = time.Second
		p.ClientPurge.MinWorkerNodes = 0
	})

	mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	runJob(t, q, worker, t0)

	require.Zero(t, q.PurgeClientRegistry(t0.Add(time.Hour)))
}

func TestRegistryWaterMarkGC(t *testing.T) {
	t.Parallel()
	limits := RegistryLimits{
		MaxRecords:         10,
		LowMarkPercentage:  50,
		HighMarkPercentage: 90,
		DirtPercentage:     20,
		LowRemoval:         2,
		HighRemoval:        5,
	}
	r := newTokenRegistry("affinity", limits)

	// Below the low mark nothing is collected.
	r.ResolveToken("a1", 0)
	r.ResolveToken("a2", 0)
	require.Zero(t, r.GarbageLimit())

	// Between the marks: collection only past the dirt share, small batches.
	for i := 3; i <= 6; i++ {
		r.ResolveToken("a"+string(rune('0'+i)), uint32(i))
	}
	require.Equal(t, 2, r.GarbageLimit())

	// Past the high mark: large batches unconditionally.
	r.ResolveToken("a7", 7)
	r.ResolveToken("a8", 8)
	r.ResolveToken("a9", 9)
	require.Equal(t, 5, r.GarbageLimit())

	// Only drained entries go away; referenced ones survive.
	removed := r.CollectGarbage(r.GarbageLimit())
	require.Equal(t, 2, removed)
	require.Equal(t, 7, r.Size())
	_, ok := r.TokenID("a5")
	require.True(t, ok)
}

func TestRegistryIDsAreNeverReused(t *testing.T) {
	t.Parallel()
	r := newTokenRegistry("group", DefaultRegistryLimits())

	first := r.ResolveToken("g1", 0)
	require.Equal(t, 1, r.CollectGarbage(10))

	second := r.ResolveToken("g1", 0)
	require.Greater(t, second, first)
}

func TestTimelineExtractDue(t *testing.T) {
	t.Parallel()
	tl := NewRunTimeLine()

	tl.Add(3, t0.Add(time.Second))
	tl.Add(1, t0.Add(time.Second))
	tl.Add(2, t0.Add(time.Minute))

	require.Nil(t, tl.ExtractDue(t0))
	require.Equal(t, []uint32{1, 3}, tl.ExtractDue(t0.Add(2*time.Second)))
	require.False(t, tl.Contains(1))
	require.True(t, tl.Contains(2))

	// Renewal moves the bucket.
	tl.Move(2, t0.Add(time.Hour))
	require.Nil(t, tl.ExtractDue(t0.Add(2*time.Minute)))
	require.Equal(t, 1, tl.Len())
}

func TestPurgeAffinitiesCollectsDrained(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) {
		p.AffinityLimits = RegistryLimits{
			MaxRecords:         4,
			LowMarkPercentage:  25,
			HighMarkPercentage: 50,
			DirtPercentage:     10,
			LowRemoval:         2,
			HighRemoval:        4,
		}
	})

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x"), Affinity: "a1"}, t0)
	mustSubmit(t, q, SubmitRequest{Input: []byte("y"), Affinity: "a2"}, t0)

	// Both affinities referenced: nothing to collect.
	require.Zero(t, q.PurgeAffinities())

	_, err := q.Cancel(submitter, id, t0)
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, statusOf(t, q, id))

	// Cancel keeps the reference; only erasure drains it.
	require.Zero(t, q.PurgeAffinities())
}

func TestStaleNodesResetPreferredAffinities(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) { p.ClientPurge.WorkerNodeTimeout = time.Second })

	// Register the client first.
	mustGet(t, q, worker, t0)
	_, err := q.ChangeAffinity(worker, GroupGet, []string{"a1", "a2"}, nil, t0)
	require.NoError(t, err)

	require.Equal(t, 1, q.StaleNodes(t0.Add(time.Minute)))
	require.Zero(t, q.clients.PreferredCount(worker.Node, GroupGet))

	// The returning worker is told its preferences are gone, once.
	res, err := q.GetJobOrWait(DispatchRequest{Client: worker, WnodeAffinity: true}, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, res.PreferencesLost)
	res, err = q.GetJobOrWait(DispatchRequest{Client: worker, WnodeAffinity: true}, t0.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, res.PreferencesLost)
}

func TestStaleNodesDropWaitRegistrations(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) { p.ClientPurge.WorkerNodeTimeout = time.Second })

	_, err := q.GetJobOrWait(DispatchRequest{
		Client:      worker,
		Port:        9001,
		WaitTimeout: time.Hour,
		AnyAffinity: true,
	}, t0)
	require.NoError(t, err)
	require.Len(t, q.ListWaiters(), 1)

	require.Equal(t, 1, q.StaleNodes(t0.Add(time.Minute)))
	require.Empty(t, q.ListWaiters())
}
