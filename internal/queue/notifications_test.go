package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "gridq/pkg/logx"
)

type recordingSender struct {
	sent []string
}

func (s *recordingSender) Send(host string, port uint16, payload []byte) {
	s.sent = append(s.sent, string(payload))
}

func TestNotifyPeriodicallyLofreqCadence(t *testing.T) {
	t.Parallel()
	s := &recordingSender{}
	n := NewNotificationList("tq", s, logx.Nop())
	n.Configure(NotifyConfig{LofreqMultiplier: 3})

	n.RegisterWait(WaitRequest{
		Client:      worker,
		Port:        9001,
		Deadline:    t0.Add(time.Hour),
		Group:       GroupGet,
		AnyAffinity: true,
	})

	// Nothing pending: only every third tick reaches the listener.
	for i := 0; i < 6; i++ {
		n.NotifyPeriodically(t0, false)
	}
	require.Len(t, s.sent, 2)
	require.Contains(t, s.sent[0], "reason=get")
	require.Contains(t, s.sent[0], "queue=tq")

	// Pending work: every tick resends.
	n.NotifyPeriodically(t0, true)
	n.NotifyPeriodically(t0, true)
	require.Len(t, s.sent, 4)
}

func TestOutdatedReadJobsWakeReadWaiters(t *testing.T) {
	t.Parallel()
	s := &recordingSender{}
	p := DefaultParams()
	p.MaxPendingReadWaitTimeout = time.Second
	q, err := New("tq", p, WithSender(s))
	require.NoError(t, err)

	id := mustSubmit(t, q, SubmitRequest{Input: []byte("x")}, t0)
	res := runJob(t, q, worker, t0)
	_, err = q.PutResult(worker, res.JobID, res.AuthToken, 0, nil, t0)
	require.NoError(t, err)

	// The reader hands the job back with a blacklist and parks on a wait:
	// nothing it may read matches right now.
	rd := readJob(t, q, reader, t0)
	require.Equal(t, id, rd.JobID)
	_, err = q.ReturnReadingJob(reader, id, rd.AuthToken, true, t0)
	require.NoError(t, err)
	rd, err = q.GetJobForReadingOrWait(DispatchRequest{
		Client:      reader,
		Port:        9001,
		WaitTimeout: time.Hour,
		AnyAffinity: true,
	}, t0)
	require.NoError(t, err)
	require.True(t, rd.Registered)

	// Once the job sits unread past the promotion timeout, the periodic
	// pass wakes the read waiter.
	before := len(s.sent)
	q.NotifyListenersPeriodically(t0.Add(time.Minute))
	require.Greater(t, len(s.sent), before)
	require.Contains(t, s.sent[len(s.sent)-1], "reason=read")
}
