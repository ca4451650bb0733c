package queue

// Rollback undoes a partially applied grant when the protocol layer fails
// to deliver the response. The set of rollback kinds is closed: each
// variant carries just enough to drive the corresponding internal path.
type Rollback interface {
	rollback(q *Queue)
}

// SubmitRollback cancels a submitted job whose key never reached the
// client.
type SubmitRollback struct {
	Client ClientID
	JobID  uint32
}

func (r SubmitRollback) rollback(q *Queue) {
	q.rollbackSubmit(r.Client, r.JobID)
}

// BatchSubmitRollback cancels a contiguous batch.
type BatchSubmitRollback struct {
	Client  ClientID
	FirstID uint32
	Count   uint32
}

func (r BatchSubmitRollback) rollback(q *Queue) {
	for i := uint32(0); i < r.Count; i++ {
		q.rollbackSubmit(r.Client, r.FirstID+i)
	}
}

// GetJobRollback returns a dispatched job to Pending without blacklisting:
// the worker never learned about the grant.
type GetJobRollback struct {
	Client ClientID
	JobID  uint32
}

func (r GetJobRollback) rollback(q *Queue) {
	q.rollbackGet(r.Client, r.JobID)
}

// ReadJobRollback restores the pre-reading state of a read grant.
type ReadJobRollback struct {
	Client         ClientID
	JobID          uint32
	PreviousStatus Status
}

func (r ReadJobRollback) rollback(q *Queue) {
	q.rollbackRead(r.Client, r.JobID, r.PreviousStatus)
}

// Rollback applies a rollback action produced by an earlier operation.
func (q *Queue) Rollback(r Rollback) {
	if r == nil {
		return
	}
	r.rollback(q)
}
