package queue

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/prometheus/client_golang/prometheus"

	logx "gridq/pkg/logx"
)

// ReserveDelta is the id-counter reservation block. The persisted start id
// always sits at the top of the reserved block, so a crash can skip ids but
// never reuse them.
const ReserveDelta = 10000

// deleteBatchChunk bounds how many jobs one critical section of the
// deferred delete pass erases.
const deleteBatchChunk = 100

// Store is the persistence collaborator. The queue calls it off the hot
// path only: id-block reservation, and dump/load around restarts.
type Store interface {
	JobsStartID(queue string) (uint32, error)
	SetJobsStartID(queue string, id uint32) error

	WriteJobs(queue string, jobs []JobDump) error
	ReadJobs(queue string) ([]JobDump, error)
	WriteTokens(queue, kind string, entries []TokenEntry) error
	ReadTokens(queue, kind string) ([]TokenEntry, error)
}

// TransitionSink receives one fire-and-forget event per job transition.
// Implementations must not block: the queue invokes it under the operation
// lock.
type TransitionSink interface {
	JobTransition(queue string, jobID uint32, from, to Status, kind EventKind)
}

// PauseStatus models operator-initiated dispatch pause.
type PauseStatus int8

const (
	PauseNone PauseStatus = iota
	// PauseWithPullback also asks workers to return jobs they hold.
	PauseWithPullback
	PauseWithoutPullback
)

// Queue is the in-memory job-queue engine. One coarse operation lock
// guards the job map, the status tracker and every registry; the id
// counter and the deferred-delete set carry their own narrow locks, and
// the run timeline locks itself.
type Queue struct {
	name string
	log  logx.Logger

	mu     sync.Mutex
	params Params

	jobs       map[uint32]*Job
	tracker    *StatusTracker
	affinities *AffinityRegistry
	groups     *GroupRegistry
	scopes     *ScopeRegistry
	clients    *ClientRegistry
	notifs     *NotificationList
	gc         *GCRegistry
	timeline   *RunTimeLine

	// readJobs marks jobs currently hinted for reading; distinct from
	// StatusReading so "done but already consumed" is representable.
	readJobs *roaring.Bitmap

	pause PauseStatus

	idMu    sync.Mutex
	lastID  uint32
	savedID uint32

	deleteMu sync.Mutex
	toDelete *roaring.Bitmap

	// expiryCursor resumes the bounded expiry sweep per status.
	expiryCursor [StatusDeleted + 1]uint32

	store Store
	stats *Statistics
	sink  TransitionSink
}

type Option func(*Queue)

func WithLogger(log logx.Logger) Option {
	return func(q *Queue) { q.log = log }
}

func WithStore(store Store) Option {
	return func(q *Queue) { q.store = store }
}

func WithSender(s Sender) Option {
	return func(q *Queue) { q.notifs = NewNotificationList(q.name, s, q.log) }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(q *Queue) { q.stats = NewStatistics(q.name, reg) }
}

func WithTransitionSink(sink TransitionSink) Option {
	return func(q *Queue) { q.sink = sink }
}

func New(name string, params Params, opts ...Option) (*Queue, error) {
	params.normalize()

	q := &Queue{
		name:     name,
		log:      logx.Nop(),
		params:   params,
		jobs:     map[uint32]*Job{},
		tracker:  NewStatusTracker(),
		clients:  NewClientRegistry(),
		gc:       NewGCRegistry(),
		timeline: NewRunTimeLine(),
		readJobs: roaring.New(),
		toDelete: roaring.New(),
		savedID:  ReserveDelta,
	}
	q.affinities = NewAffinityRegistry(params.AffinityLimits)
	q.groups = NewGroupRegistry(params.GroupLimits)
	q.scopes = NewScopeRegistry(params.ScopeLimits)

	for _, o := range opts {
		o(q)
	}

	if q.notifs == nil {
		q.notifs = NewNotificationList(name, nil, q.log)
	}
	if q.stats == nil {
		q.stats = NewStatistics(name, nil)
	}
	q.notifs.Configure(params.Notify)
	q.notifs.SetPreferences(q.clients)
	q.clients.SetWaitCanceler(q.notifs)

	if q.store != nil {
		startID, err := q.store.JobsStartID(name)
		if err != nil {
			return nil, err
		}
		q.lastID = startID
		q.savedID = startID + ReserveDelta
		if q.savedID < q.lastID {
			q.lastID = 0
			q.savedID = ReserveDelta
		}
		if err := q.store.SetJobsStartID(name, q.savedID); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (q *Queue) Name() string { return q.name }

// SetParams swaps the tuning surface, typically on config reload.
func (q *Queue) SetParams(params Params) {
	params.normalize()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.params = params
	q.affinities.SetLimits(params.AffinityLimits)
	q.groups.SetLimits(params.GroupLimits)
	q.scopes.SetLimits(params.ScopeLimits)
	q.notifs.Configure(params.Notify)
}

func (q *Queue) Params() Params {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.params
}

// ---- id counter ----

// NextID reserves one job id. The dedicated lock keeps id reservation off
// the operation-lock critical path.
func (q *Queue) NextID() uint32 {
	q.idMu.Lock()
	defer q.idMu.Unlock()
	return q.nextIDLocked()
}

func (q *Queue) nextIDLocked() uint32 {
	q.lastID++
	if q.lastID == 0 {
		q.lastID = 1
	}
	if q.lastID >= q.savedID {
		q.savedID += ReserveDelta
		if q.savedID < q.lastID {
			// Reservation wrapped the counter: restart numbering.
			q.lastID = 1
			q.savedID = ReserveDelta
		}
		q.persistStartID()
	}
	return q.lastID
}

// NextIDBatch reserves a contiguous id range and returns its first id.
func (q *Queue) NextIDBatch(count uint32) uint32 {
	if count == 0 {
		return 0
	}
	q.idMu.Lock()
	defer q.idMu.Unlock()

	q.lastID += count
	if q.lastID < count {
		// Wrapped: the batch restarts numbering from 1.
		q.lastID = count
		q.savedID = 0
	}
	if q.lastID >= q.savedID {
		q.savedID = q.lastID + ReserveDelta
		if q.savedID < q.lastID {
			q.savedID = q.lastID // saturate at the top of the range
		}
		q.persistStartID()
	}
	return q.lastID - count + 1
}

func (q *Queue) persistStartID() {
	if q.store == nil {
		return
	}
	if err := q.store.SetJobsStartID(q.name, q.savedID); err != nil {
		q.log.Error("persisting jobs start id failed", logx.String("queue", q.name), logx.Err(err))
	}
}

// ---- shared helpers (operation lock held) ----

func (q *Queue) jobByID(id uint32) *Job {
	return q.jobs[id]
}

// jobChecked fetches a job the tracker claims exists; absence is an
// internal inconsistency, not a lookup miss.
func (q *Queue) jobChecked(id uint32) (*Job, error) {
	j, ok := q.jobs[id]
	if !ok {
		return nil, &InconsistencyError{JobID: id, Detail: "tracked job is missing from the live map"}
	}
	return j, nil
}

func (q *Queue) countTransition(jobID uint32, from, to Status, kind EventKind) {
	q.stats.CountTransition(from, to)
	if q.sink != nil {
		q.sink.JobTransition(q.name, jobID, from, to, kind)
	}
	q.log.Debug("job transition",
		logx.String("queue", q.name),
		logx.Uint32("job", jobID),
		logx.String("from", from.String()),
		logx.String("to", to.String()),
		logx.String("event", kind.String()))
}

// updateLifetime recomputes the job's GC expiration from current params.
func (q *Queue) updateLifetime(j *Job, now PreciseTime) {
	exp := j.ExpirationTime(q.params.Timeout, q.params.RunTimeout,
		q.params.ReadTimeout, q.params.PendingTimeout, now)
	q.gc.UpdateLifetime(j.ID, exp)
}

// runDeadline computes when the current Running grant times out.
func (q *Queue) runDeadline(j *Job, now PreciseTime) PreciseTime {
	rt := j.RunTimeout
	if rt == 0 {
		rt = q.params.RunTimeout
	}
	if rt == 0 {
		return 0
	}
	return now.Add(rt)
}

func (q *Queue) readDeadline(j *Job, now PreciseTime) PreciseTime {
	rt := j.ReadTimeout
	if rt == 0 {
		rt = q.params.ReadTimeout
	}
	if rt == 0 {
		return 0
	}
	return now.Add(rt)
}

func (q *Queue) notifyGetAvailable(j *Job, now PreciseTime) {
	if q.pause != PauseNone {
		return
	}
	q.notifs.OnJobAvailable(GroupGet, j.AffinityID, j.GroupID, now)
}

// notifyReadAvailable wakes readers unless the job was already consumed by
// the read workflow.
func (q *Queue) notifyReadAvailable(j *Job, now PreciseTime) {
	if q.readJobs.Contains(j.ID) {
		return
	}
	q.gc.UpdateReadVacantTime(j.ID, now)
	q.notifs.OnJobAvailable(GroupRead, j.AffinityID, j.GroupID, now)
}

func (q *Queue) notifyJobListener(j *Job, now PreciseTime, reason string) {
	if !j.Listener.IsSet() {
		return
	}
	if !j.Listener.Deadline.IsZero() && now.After(j.Listener.Deadline) {
		return
	}
	q.notifs.NotifyJobChanges(j.Listener.Host, j.Listener.Port, j.Key(q.name, q.params.ScrambleJobKeys), j.Status, reason)
}

// eraseJob logically removes a job: the tracker forgets it at once, the
// live map entry goes in a later DeleteBatch pass.
func (q *Queue) eraseJob(id uint32, from Status) {
	q.tracker.Erase(id)
	q.timeline.Remove(id)

	q.deleteMu.Lock()
	q.toDelete.Add(id)
	q.deleteMu.Unlock()

	q.stats.Count(CntTransitionToDeleted)
	if q.sink != nil {
		q.sink.JobTransition(q.name, id, from, StatusDeleted, EventCancel)
	}
}

// removeJobReferences detaches a job from the affinity, group and scope
// indexes and the GC registry.
func (q *Queue) removeJobReferences(j *Job, scopeID uint32) {
	if j.AffinityID != 0 {
		q.affinities.RemoveJob(j.ID, j.AffinityID)
	}
	if j.GroupID != 0 {
		q.groups.RemoveJob(j.ID, j.GroupID)
	}
	if scopeID != 0 {
		q.scopes.RemoveJob(j.ID, scopeID)
	}
	q.gc.Remove(j.ID)
}

// scopeOfJob finds which scope (if any) holds the job. Jobs keep no scope
// field; membership lives only in the registry.
func (q *Queue) scopeIDOfJob(id uint32) uint32 {
	if !q.scopes.AllScopedJobs().Contains(id) {
		return 0
	}
	for _, e := range q.scopes.Entries() {
		if q.scopes.JobsWith(e.ID).Contains(id) {
			return e.ID
		}
	}
	return 0
}
