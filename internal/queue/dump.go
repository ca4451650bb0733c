package queue

import (
	"time"

	logx "gridq/pkg/logx"
)

// JobDump is the persistence record for one job. Token references are
// numeric; the token tables are dumped separately so ids survive restarts.
type JobDump struct {
	ID       uint32
	Passport uint32

	Status              Status
	StatusBeforeReading Status

	AffinityID uint32
	GroupID    uint32
	ScopeID    uint32

	Input       []byte
	Output      []byte
	ProgressMsg string

	RunCount  uint32
	ReadCount uint32

	Timeout     time.Duration
	RunTimeout  time.Duration
	ReadTimeout time.Duration

	SubmitTime PreciseTime
	LastTouch  PreciseTime
	Expiration PreciseTime

	Events []JobEvent
}

// Dump persists the whole queue through the store. Jobs held by workers or
// readers are dumped in their released form: a restart severs every grant,
// so Running goes back to Pending and Reading to its pre-reading state.
func (q *Queue) Dump() error {
	if q.store == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.deleteMu.Lock()
	pendingDelete := q.toDelete.Clone()
	q.deleteMu.Unlock()

	dumps := make([]JobDump, 0, len(q.jobs))
	for id, j := range q.jobs {
		if pendingDelete.Contains(id) {
			continue
		}
		d := JobDump{
			ID:                  j.ID,
			Passport:            j.Passport,
			Status:              j.Status,
			StatusBeforeReading: j.StatusBeforeReading,
			AffinityID:          j.AffinityID,
			GroupID:             j.GroupID,
			ScopeID:             q.scopeIDOfJob(id),
			Input:               j.Input,
			Output:              j.Output,
			ProgressMsg:         j.ProgressMsg,
			RunCount:            j.RunCount,
			ReadCount:           j.ReadCount,
			Timeout:             j.Timeout,
			RunTimeout:          j.RunTimeout,
			ReadTimeout:         j.ReadTimeout,
			SubmitTime:          j.SubmitTime,
			LastTouch:           j.LastTouch,
			Expiration:          q.gc.Lifetime(id),
			Events:              j.Events,
		}
		switch d.Status {
		case StatusRunning:
			d.Status = StatusPending
		case StatusReading:
			d.Status = d.StatusBeforeReading
			if d.Status == StatusNotFound {
				d.Status = StatusDone
			}
		}
		dumps = append(dumps, d)
	}

	if err := q.store.WriteTokens(q.name, "affinity", q.affinities.Entries()); err != nil {
		return err
	}
	if err := q.store.WriteTokens(q.name, "group", q.groups.Entries()); err != nil {
		return err
	}
	if err := q.store.WriteTokens(q.name, "scope", q.scopes.Entries()); err != nil {
		return err
	}
	if err := q.store.WriteJobs(q.name, dumps); err != nil {
		return err
	}
	q.log.Info("queue dumped", logx.String("queue", q.name), logx.Int("jobs", len(dumps)))
	return nil
}

// LoadFromDump rebuilds the in-memory state from the store. A partial load
// never survives: any error clears everything back to empty.
func (q *Queue) LoadFromDump(now PreciseTime) (err error) {
	if q.store == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	defer func() {
		if err != nil {
			q.clearLocked()
		}
	}()

	if err = q.loadTokens(&q.affinities.tokenRegistry, "affinity"); err != nil {
		return err
	}
	if err = q.loadTokens(&q.groups.tokenRegistry, "group"); err != nil {
		return err
	}
	if err = q.loadTokens(&q.scopes.tokenRegistry, "scope"); err != nil {
		return err
	}

	dumps, err := q.store.ReadJobs(q.name)
	if err != nil {
		return err
	}

	var maxID uint32
	for _, d := range dumps {
		if _, dup := q.jobs[d.ID]; dup {
			return &InconsistencyError{JobID: d.ID, Detail: "duplicate job id in the dump"}
		}
		j := &Job{
			ID:                  d.ID,
			Passport:            d.Passport,
			StatusBeforeReading: d.StatusBeforeReading,
			AffinityID:          d.AffinityID,
			GroupID:             d.GroupID,
			Input:               d.Input,
			Output:              d.Output,
			ProgressMsg:         d.ProgressMsg,
			RunCount:            d.RunCount,
			ReadCount:           d.ReadCount,
			Timeout:             d.Timeout,
			RunTimeout:          d.RunTimeout,
			ReadTimeout:         d.ReadTimeout,
			SubmitTime:          d.SubmitTime,
			LastTouch:           d.LastTouch,
			Events:              d.Events,
		}
		j.Status = d.Status

		q.jobs[d.ID] = j
		q.tracker.SetExactStatus(d.ID, d.Status)
		if d.AffinityID != 0 {
			q.affinities.AddJob(d.AffinityID, d.ID)
		}
		if d.GroupID != 0 {
			q.groups.AddJob(d.GroupID, d.ID)
		}
		if d.ScopeID != 0 {
			q.scopes.AddJobByID(d.ScopeID, d.ID)
		}
		q.gc.RegisterJob(d.ID, d.SubmitTime, d.AffinityID, d.GroupID, d.Expiration)

		if d.ID > maxID {
			maxID = d.ID
		}
	}

	q.idMu.Lock()
	if maxID > q.lastID {
		q.lastID = maxID
		q.savedID = maxID + ReserveDelta
		if q.savedID < q.lastID {
			q.savedID = q.lastID
		}
		q.persistStartID()
	}
	q.idMu.Unlock()

	q.log.Info("queue restored", logx.String("queue", q.name), logx.Int("jobs", len(dumps)))
	return nil
}

func (q *Queue) loadTokens(r *tokenRegistry, kind string) error {
	entries, err := q.store.ReadTokens(q.name, kind)
	if err != nil {
		return err
	}
	for _, e := range entries {
		r.LoadEntry(e.ID, e.Token)
	}
	r.FinalizeLoad()
	return nil
}

func (q *Queue) clearLocked() {
	q.jobs = map[uint32]*Job{}
	q.tracker.Clear()
	q.affinities.Clear()
	q.groups.Clear()
	q.scopes.Clear()
	q.gc.Clear()
	q.timeline.Clear()
	q.readJobs.Clear()

	q.deleteMu.Lock()
	q.toDelete.Clear()
	q.deleteMu.Unlock()
}
