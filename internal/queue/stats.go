package queue

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	logx "gridq/pkg/logx"
)

// CounterID enumerates the event counters beyond the plain from->to
// transition matrix.
type CounterID int

const (
	CntSubmit CounterID = iota
	CntBatchSubmit
	CntDoneAgain
	CntFailedAgain
	CntCanceledAgain
	CntToPendingWithoutBlacklist
	CntToPendingRescheduled
	CntSubmitRollback
	CntGetRollback
	CntReadRollback
	CntRereadNoop
	CntPickedAsOutdated
	CntPickedAsReadOutdated
	CntTransitionToDeleted
	CntDBDeletion
	counterCount
)

var counterNames = [counterCount]string{
	"submits",
	"batch_submits",
	"done_to_done",
	"failed_to_failed",
	"canceled_to_canceled",
	"to_pending_without_blacklist",
	"to_pending_rescheduled",
	"submit_rollbacks",
	"get_rollbacks",
	"read_rollbacks",
	"reread_noops",
	"picked_as_outdated",
	"picked_as_read_outdated",
	"transitions_to_deleted",
	"db_deletions",
}

// Statistics accumulates per-queue counters. The raw counts are guarded by
// the queue operation lock; periodic reporting copies them under the lock
// and computes deltas outside it. Prometheus counters mirror the raw ones
// so scraping never needs the queue lock at all.
type Statistics struct {
	counts      [counterCount]uint64
	transitions map[[2]Status]uint64

	promTransitions *prometheus.CounterVec
	promEvents      *prometheus.CounterVec
	promStates      *prometheus.GaugeVec

	lastCounts      [counterCount]uint64
	lastTransitions map[[2]Status]uint64
	printedOnce     bool
}

func NewStatistics(queueName string, reg prometheus.Registerer) *Statistics {
	s := &Statistics{
		transitions:     map[[2]Status]uint64{},
		lastTransitions: map[[2]Status]uint64{},
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"queue": queueName}
	s.promTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Name:        "gridq_job_transitions_total",
		Help:        "Job state transitions.",
		ConstLabels: labels,
	}, []string{"from", "to"})
	s.promEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Name:        "gridq_queue_events_total",
		Help:        "Queue events outside the plain transition matrix.",
		ConstLabels: labels,
	}, []string{"event"})
	s.promStates = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "gridq_jobs",
		Help:        "Live jobs per state.",
		ConstLabels: labels,
	}, []string{"state"})
	return s
}

func (s *Statistics) CountTransition(from, to Status) {
	s.transitions[[2]Status{from, to}]++
	s.promTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (s *Statistics) Count(id CounterID) {
	s.CountN(id, 1)
}

func (s *Statistics) CountN(id CounterID, n uint64) {
	s.counts[id] += n
	s.promEvents.WithLabelValues(counterNames[id]).Add(float64(n))
}

// SetStateGauges refreshes per-state job gauges from a tracker snapshot.
func (s *Statistics) SetStateGauges(counts map[Status]uint64) {
	for st, n := range counts {
		s.promStates.WithLabelValues(st.String()).Set(float64(n))
	}
}

// statsSnapshot is a copy taken under the operation lock.
type statsSnapshot struct {
	counts      [counterCount]uint64
	transitions map[[2]Status]uint64
	states      map[Status]uint64
}

func (s *Statistics) snapshot(states map[Status]uint64) statsSnapshot {
	snap := statsSnapshot{
		counts:      s.counts,
		transitions: make(map[[2]Status]uint64, len(s.transitions)),
		states:      states,
	}
	for k, v := range s.transitions {
		snap.transitions[k] = v
	}
	return snap
}

// LogDelta reports counter movement since the previous call. The very
// first call only primes the baseline.
func (s *Statistics) LogDelta(log logx.Logger, snap statsSnapshot) {
	defer func() {
		s.lastCounts = snap.counts
		s.lastTransitions = snap.transitions
		s.printedOnce = true
	}()

	if !s.printedOnce {
		return
	}

	fields := make([]logx.Field, 0, 16)
	for i := CounterID(0); i < counterCount; i++ {
		if d := snap.counts[i] - s.lastCounts[i]; d > 0 {
			fields = append(fields, logx.Uint64(counterNames[i], d))
		}
	}

	type td struct {
		key   string
		delta uint64
	}
	var tds []td
	for k, v := range snap.transitions {
		if d := v - s.lastTransitions[k]; d > 0 {
			tds = append(tds, td{key: k[0].String() + "_to_" + k[1].String(), delta: d})
		}
	}
	sort.Slice(tds, func(i, j int) bool { return tds[i].key < tds[j].key })
	for _, t := range tds {
		fields = append(fields, logx.Uint64(t.key, t.delta))
	}

	for _, st := range liveStatuses {
		if n := snap.states[st]; n > 0 {
			fields = append(fields, logx.Uint64("jobs_"+st.String(), n))
		}
	}

	if len(fields) == 0 {
		return
	}
	log.Info("queue statistics", fields...)
}
