package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func runJob(t *testing.T, q *Queue, client ClientID, now PreciseTime) DispatchResult {
	t.Helper()
	res := mustGet(t, q, client, now)
	require.NotZero(t, res.JobID)
	return res
}

func readJob(t *testing.T, q *Queue, client ClientID, now PreciseTime) DispatchResult {
	t.Helper()
	res, err := q.GetJobForReadingOrWait(DispatchRequest{Client: client, AnyAffinity: true}, now)
	require.NoError(t, err)
	return res
}

func TestPutResultIsIdempotent(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := runJob(t, q, worker, t0)

	old, err := q.PutResult(worker, res.JobID, res.AuthToken, 0, []byte("out"), t0)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, old)

	events := len(q.jobByID(res.JobID).Events)

	// The repeated confirmation reports Done and records nothing new.
	old, err = q.PutResult(worker, res.JobID, res.AuthToken, 0, []byte("other"), t0)
	require.NoError(t, err)
	require.Equal(t, StatusDone, old)
	require.Len(t, q.jobByID(res.JobID).Events, events)
	require.Equal(t, []byte("out"), q.jobByID(res.JobID).Output)
}

func TestPutResultRejectsForeignToken(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := runJob(t, q, worker, t0)

	_, err := q.PutResult(worker, res.JobID, "12345_2", 0, nil, t0)
	require.ErrorIs(t, err, ErrAuthTokenMismatch)

	_, err = q.PutResult(worker, res.JobID, "garbage", 0, nil, t0)
	require.ErrorIs(t, err, ErrInvalidAuthToken)

	require.Equal(t, StatusRunning, statusOf(t, q, res.JobID))
}

func TestPutResultRejectsOversizedOutput(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) { p.MaxOutputSize = 4 })

	mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := runJob(t, q, worker, t0)

	_, err := q.PutResult(worker, res.JobID, res.AuthToken, 0, []byte("too big"), t0)
	require.ErrorIs(t, err, ErrOutputTooLarge)
}

func TestFailJobRetriesThenLandsInFailed(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) {
		p.FailedRetries = 1
		p.BlacklistTime = 0 // keep the same worker eligible
	})

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)

	res := runJob(t, q, worker, t0)
	old, err := q.FailJob(worker, res.JobID, res.AuthToken, "boom", 1, false, t0)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, old)
	require.Equal(t, StatusPending, statusOf(t, q, id))

	res = runJob(t, q, worker, t0)
	_, err = q.FailJob(worker, res.JobID, res.AuthToken, "boom", 1, false, t0)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, statusOf(t, q, id))

	// Repeated fail on a failed job is a counted no-op.
	old, err = q.FailJob(worker, id, res.AuthToken, "boom", 1, false, t0)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, old)
}

func TestFailJobNoRetriesGoesStraightToFailed(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := runJob(t, q, worker, t0)

	_, err := q.FailJob(worker, res.JobID, res.AuthToken, "fatal", 1, true, t0)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, statusOf(t, q, id))
}

func TestReturnJobBlacklistsTheReturningWorker(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := runJob(t, q, worker, t0)

	old, err := q.ReturnJob(worker, res.JobID, res.AuthToken, ReturnWithBlacklist, t0)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, old)
	require.Equal(t, StatusPending, statusOf(t, q, id))
	require.Zero(t, q.jobByID(id).RunCount)

	// Barred for this worker, free for another.
	got := mustGet(t, q, worker, t0)
	require.Zero(t, got.JobID)
	got = mustGet(t, q, worker2, t0)
	require.Equal(t, id, got.JobID)
}

func TestStaleTokenFailAndReturnAreIgnored(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := runJob(t, q, worker, t0)
	_, err := q.ReturnJob(worker, id, res.AuthToken, ReturnWithoutBlacklist, t0)
	require.NoError(t, err)

	// The job moves into new hands; the first grant's token goes stale.
	res2 := runJob(t, q, worker2, t0)
	require.Equal(t, id, res2.JobID)
	require.NotEqual(t, res.AuthToken, res2.AuthToken)
	events := len(q.jobByID(id).Events)

	// Fail and return on the stale token report the current status and
	// change nothing: the new holder keeps the job.
	old, err := q.FailJob(worker, id, res.AuthToken, "boom", 1, false, t0)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, old)
	require.Equal(t, StatusRunning, statusOf(t, q, id))

	old, err = q.ReturnJob(worker, id, res.AuthToken, ReturnWithBlacklist, t0)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, old)
	require.Equal(t, StatusRunning, statusOf(t, q, id))
	require.Len(t, q.jobByID(id).Events, events)

	// The live holder finishes unhindered.
	_, err = q.PutResult(worker2, id, res2.AuthToken, 0, nil, t0)
	require.NoError(t, err)
	require.Equal(t, StatusDone, statusOf(t, q, id))
}

func TestRescheduleJobMovesAffinityAndGroup(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x"), Affinity: "a1", Group: "g1"}, t0)
	res := runJob(t, q, worker, t0)

	_, err := q.RescheduleJob(worker, res.JobID, res.AuthToken, "a2", "g2", t0)
	require.NoError(t, err)
	require.Equal(t, StatusPending, statusOf(t, q, id))

	got, err := q.GetJobOrWait(DispatchRequest{Client: worker2, Affinities: []string{"a2"}}, t0)
	require.NoError(t, err)
	require.Equal(t, id, got.JobID)
	require.Equal(t, "g2", got.Group)
}

func TestReadCycleConfirm(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := runJob(t, q, worker, t0)
	_, err := q.PutResult(worker, res.JobID, res.AuthToken, 0, []byte("out"), t0)
	require.NoError(t, err)

	rd := readJob(t, q, reader, t0)
	require.Equal(t, id, rd.JobID)
	require.Equal(t, StatusReading, statusOf(t, q, id))

	old, err := q.ConfirmReadingJob(reader, id, rd.AuthToken, t0)
	require.NoError(t, err)
	require.Equal(t, StatusReading, old)
	require.Equal(t, StatusConfirmed, statusOf(t, q, id))

	// The consumed set is drained for good.
	rd = readJob(t, q, reader, t0)
	require.Zero(t, rd.JobID)
	require.True(t, rd.NoMoreJobs)
}

func TestReadFailRetriesExhaustToReadFailed(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) {
		p.ReadFailedRetries = 0
		p.ReadBlacklistTime = 0
	})

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := runJob(t, q, worker, t0)
	_, err := q.PutResult(worker, res.JobID, res.AuthToken, 0, nil, t0)
	require.NoError(t, err)

	rd := readJob(t, q, reader, t0)
	_, err = q.FailReadingJob(reader, rd.JobID, rd.AuthToken, t0)
	require.NoError(t, err)
	require.Equal(t, StatusReadFailed, statusOf(t, q, id))
}

func TestReturnReadingJobRestoresPriorState(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := runJob(t, q, worker, t0)
	_, err := q.FailJob(worker, res.JobID, res.AuthToken, "boom", 1, true, t0)
	require.NoError(t, err)

	rd := readJob(t, q, reader, t0)
	require.Equal(t, id, rd.JobID)

	// The return restores Failed, not a fixed state.
	_, err = q.ReturnReadingJob(reader, id, rd.AuthToken, false, t0)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, statusOf(t, q, id))
	require.Zero(t, q.jobByID(id).ReadCount)
}

func TestRereadJob(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := runJob(t, q, worker, t0)
	_, err := q.PutResult(worker, res.JobID, res.AuthToken, 0, nil, t0)
	require.NoError(t, err)

	// Never consumed yet: reread is a recorded no-op.
	noop, err := q.RereadJob(submitter, id, t0)
	require.NoError(t, err)
	require.True(t, noop)

	rd := readJob(t, q, reader, t0)
	_, err = q.ConfirmReadingJob(reader, id, rd.AuthToken, t0)
	require.NoError(t, err)

	noop, err = q.RereadJob(submitter, id, t0)
	require.NoError(t, err)
	require.False(t, noop)
	require.Equal(t, StatusDone, statusOf(t, q, id))

	rd = readJob(t, q, reader, t0)
	require.Equal(t, id, rd.JobID)
}

func TestCancelPendingAndIdempotence(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)

	old, err := q.Cancel(submitter, id, t0)
	require.NoError(t, err)
	require.Equal(t, StatusPending, old)
	require.Equal(t, StatusCanceled, statusOf(t, q, id))

	old, err = q.Cancel(submitter, id, t0)
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, old)

	_, err = q.Cancel(submitter, 9999, t0)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelRunningDetachesTheWorker(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := runJob(t, q, worker, t0)

	_, err := q.Cancel(submitter, id, t0)
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, statusOf(t, q, id))

	// The stale holder can no longer complete it.
	_, err = q.PutResult(worker, id, res.AuthToken, 0, nil, t0)
	require.ErrorIs(t, err, ErrOperationRestricted)

	// A canceled job is read-eligible.
	rd := readJob(t, q, reader, t0)
	require.Equal(t, id, rd.JobID)
}

func TestCancelSelectedJobsFilters(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	mustSubmit(t, q, SubmitRequest{Input: []byte("1"), Group: "g1"}, t0)
	mustSubmit(t, q, SubmitRequest{Input: []byte("2"), Group: "g1"}, t0)
	keep := mustSubmit(t, q, SubmitRequest{Input: []byte("3"), Group: "g2"}, t0)

	n, warnings := q.CancelSelectedJobs(submitter, "", "g1", "", []Status{StatusPending}, t0)
	require.Equal(t, 2, n)
	require.Empty(t, warnings)
	require.Equal(t, StatusPending, statusOf(t, q, keep))

	_, warnings = q.CancelSelectedJobs(submitter, "", "missing", "", nil, t0)
	require.Len(t, warnings, 1)
}

func TestClearWorkerNodeResetsGrants(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	runJob(t, q, worker, t0)

	q.ClearWorkerNode(worker, t0)
	require.Equal(t, StatusPending, statusOf(t, q, id))
}

func TestSessionChangeInvalidatesGrants(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := runJob(t, q, worker, t0)

	// The same node comes back with a new session: the old grant dies and
	// the job is dispatched anew, under a fresh token.
	reborn := ClientID{Node: worker.Node, Session: "w1-next", IP: worker.IP}
	res2, err := q.GetJobOrWait(DispatchRequest{Client: reborn, AnyAffinity: true}, t0)
	require.NoError(t, err)
	require.Equal(t, id, res2.JobID)
	require.NotEqual(t, res.AuthToken, res2.AuthToken)
	require.Equal(t, uint32(2), q.jobByID(id).RunCount)
}

func TestSubmitWithNewSessionResetsOldGrants(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	runJob(t, q, worker, t0)

	// The node comes back with a new session and submits: the old
	// session's grant dies like on any other command.
	reborn := ClientID{Node: worker.Node, Session: "w1-next", IP: worker.IP}
	_, _, err := q.Submit(reborn, SubmitRequest{Input: []byte("y")}, t0)
	require.NoError(t, err)
	require.Equal(t, StatusPending, statusOf(t, q, id))
}

func TestJobDelayExpirationExtendsOnly(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, func(p *Params) { p.RunTimeout = time.Minute })

	mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := runJob(t, q, worker, t0)

	// A shorter extension than the remaining grant is a no-op.
	require.NoError(t, q.JobDelayExpiration(worker, res.JobID, time.Second, t0))
	require.Zero(t, q.jobByID(res.JobID).RunTimeout)
	require.NoError(t, q.JobDelayExpiration(worker, res.JobID, time.Hour, t0))
	require.Equal(t, time.Hour, q.jobByID(res.JobID).RunTimeout)

	require.Zero(t, q.CheckExecutionTimeout(t0.Add(2*time.Minute)))
	require.Equal(t, StatusRunning, statusOf(t, q, res.JobID))
}

func TestProgressMessageAndListener(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)

	require.NoError(t, q.PutProgressMessage(submitter, id, "halfway", t0))
	info, err := q.JobDetails(id)
	require.NoError(t, err)
	require.Equal(t, "halfway", info.Progress)

	require.NoError(t, q.SetJobListener(submitter, id, JobListener{Host: "10.0.0.9", Port: 9000}, t0))
	require.ErrorIs(t, q.SetJobListener(submitter, 9999, JobListener{}, t0), ErrJobNotFound)
}
