package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gridq/internal/queue"
	logx "gridq/pkg/logx"
)

func openFileStore(t *testing.T, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		require.Nil(t, st)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	st := openFileStore(t, path)

	// Empty store: zero start id, no snapshots.
	id, err := st.JobsStartID("q1")
	require.NoError(t, err)
	require.Zero(t, id)
	jobs, err := st.ReadJobs("q1")
	require.NoError(t, err)
	require.Empty(t, jobs)

	require.NoError(t, st.SetJobsStartID("q1", 10000))

	in := []queue.JobDump{
		{ID: 1, Status: queue.StatusPending, Input: []byte("alpha"), AffinityID: 1},
		{ID: 2, Status: queue.StatusDone, Input: []byte("beta"), Output: []byte("ok"), GroupID: 2},
	}
	require.NoError(t, st.WriteJobs("q1", in))
	require.NoError(t, st.WriteTokens("q1", "affinity", []queue.TokenEntry{{ID: 1, Token: "a1", JobCount: 1}}))
	require.NoError(t, st.Close())

	// Everything survives a reopen.
	st = openFileStore(t, path)
	id, err = st.JobsStartID("q1")
	require.NoError(t, err)
	require.Equal(t, uint32(10000), id)

	jobs, err = st.ReadJobs("q1")
	require.NoError(t, err)
	require.Equal(t, in, jobs)

	tokens, err := st.ReadTokens("q1", "affinity")
	require.NoError(t, err)
	require.Equal(t, []queue.TokenEntry{{ID: 1, Token: "a1", JobCount: 1}}, tokens)

	// Kinds are isolated.
	tokens, err = st.ReadTokens("q1", "group")
	require.NoError(t, err)
	require.Empty(t, tokens)
}

func TestQueueDumpLoadRoundTrip(t *testing.T) {
	t.Parallel()
	now := queue.FromTime(time.Unix(1700000000, 0))
	submitter := queue.ClientID{Node: "sub-node", Session: "s1", IP: "10.0.0.1"}
	worker := queue.ClientID{Node: "worker-node", Session: "w1", IP: "10.0.0.2"}

	st := openFileStore(t, filepath.Join(t.TempDir(), "state.json"))

	q1, err := queue.New("jobs", queue.DefaultParams(), queue.WithStore(st))
	require.NoError(t, err)

	submit := func(req queue.SubmitRequest) uint32 {
		id, _, err := q1.Submit(submitter, req, now)
		require.NoError(t, err)
		require.NotZero(t, id)
		return id
	}
	idRunning := submit(queue.SubmitRequest{Input: []byte("r"), Affinity: "a1"})
	idPending := submit(queue.SubmitRequest{Input: []byte("p"), Affinity: "a1", Group: "g1"})
	idDone := submit(queue.SubmitRequest{Input: []byte("d"), Scope: "s1"})

	// Drive idDone to completion and leave idRunning granted; the
	// unscoped grant picks the lowest pending id.
	res, err := q1.GetJobOrWait(queue.DispatchRequest{Client: worker, Scope: "s1", AnyAffinity: true}, now)
	require.NoError(t, err)
	require.Equal(t, idDone, res.JobID)
	_, err = q1.PutResult(worker, idDone, res.AuthToken, 0, []byte("out"), now)
	require.NoError(t, err)

	res, err = q1.GetJobOrWait(queue.DispatchRequest{Client: worker, AnyAffinity: true}, now)
	require.NoError(t, err)
	require.Equal(t, idRunning, res.JobID)

	require.NoError(t, q1.Dump())

	// A fresh queue on the same store picks the state up.
	q2, err := queue.New("jobs", queue.DefaultParams(), queue.WithStore(st))
	require.NoError(t, err)
	require.NoError(t, q2.LoadFromDump(now))

	st2 := func(id uint32) queue.Status {
		s, _, err := q2.GetStatusAndLifetime(id, false, now)
		require.NoError(t, err)
		return s
	}
	require.Equal(t, queue.StatusPending, st2(idPending))
	// A restart severs every grant.
	require.Equal(t, queue.StatusPending, st2(idRunning))
	require.Equal(t, queue.StatusDone, st2(idDone))

	info, err := q2.JobDetails(idPending)
	require.NoError(t, err)
	require.Equal(t, "a1", info.Affinity)
	require.Equal(t, "g1", info.Group)

	info, err = q2.JobDetails(idDone)
	require.NoError(t, err)
	require.Equal(t, len("out"), info.OutputSize)

	// Scope membership is restored: the scoped job stays invisible to
	// scopeless dispatch.
	counts, _ := q2.JobsPerState("g1", "a1")
	require.Equal(t, uint64(1), counts[queue.StatusPending])
	rd, err := q2.GetJobForReadingOrWait(queue.DispatchRequest{Client: worker, AnyAffinity: true}, now)
	require.NoError(t, err)
	require.Zero(t, rd.JobID)
	rd, err = q2.GetJobForReadingOrWait(queue.DispatchRequest{Client: worker, Scope: "s1", AnyAffinity: true}, now)
	require.NoError(t, err)
	require.Equal(t, idDone, rd.JobID)

	// Ids continue past the dumped water mark.
	next, _, err := q2.Submit(submitter, queue.SubmitRequest{Input: []byte("n")}, now)
	require.NoError(t, err)
	require.Greater(t, next, idDone)
}

func TestLoadFromDumpRejectsDuplicateIDs(t *testing.T) {
	t.Parallel()
	now := queue.FromTime(time.Unix(1700000000, 0))
	st := openFileStore(t, filepath.Join(t.TempDir(), "state.json"))

	dup := []queue.JobDump{
		{ID: 7, Status: queue.StatusPending, Input: []byte("x")},
		{ID: 7, Status: queue.StatusDone, Input: []byte("y")},
	}
	require.NoError(t, st.WriteJobs("jobs", dup))

	q, err := queue.New("jobs", queue.DefaultParams(), queue.WithStore(st))
	require.NoError(t, err)

	var inc *queue.InconsistencyError
	require.ErrorAs(t, q.LoadFromDump(now), &inc)
	require.Equal(t, uint32(7), inc.JobID)
	// A partial load never survives.
	require.Zero(t, q.CountAllJobs())
}
