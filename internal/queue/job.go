package queue

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a job. A live job is in exactly one of
// the eight real states; NotFound and Deleted are sentinels used for lookup
// results and outward deletion notices.
type Status int8

const (
	StatusNotFound Status = iota
	StatusPending
	StatusRunning
	StatusCanceled
	StatusFailed
	StatusDone
	StatusReading
	StatusConfirmed
	StatusReadFailed
	StatusDeleted
)

// liveStatuses enumerates the states a tracked job can be in.
var liveStatuses = []Status{
	StatusPending, StatusRunning, StatusCanceled, StatusFailed,
	StatusDone, StatusReading, StatusConfirmed, StatusReadFailed,
}

// readSourceStatuses are the states a job can be picked for reading from.
var readSourceStatuses = []Status{StatusDone, StatusFailed, StatusCanceled}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusRunning:
		return "Running"
	case StatusCanceled:
		return "Canceled"
	case StatusFailed:
		return "Failed"
	case StatusDone:
		return "Done"
	case StatusReading:
		return "Reading"
	case StatusConfirmed:
		return "Confirmed"
	case StatusReadFailed:
		return "ReadFailed"
	case StatusDeleted:
		return "Deleted"
	default:
		return "NotFound"
	}
}

// StatusFromString resolves a client-supplied status name. Matching is
// case-insensitive; unknown names map to StatusNotFound.
func StatusFromString(s string) Status {
	for _, st := range liveStatuses {
		if strings.EqualFold(st.String(), s) {
			return st
		}
	}
	return StatusNotFound
}

// CommandGroup splits the worker-facing surface into the dispatch ("get")
// and reading ("read") halves. Blacklists, preferred affinities and wait
// registrations are all kept per group.
type CommandGroup int8

const (
	GroupGet CommandGroup = iota
	GroupRead
)

func (g CommandGroup) String() string {
	if g == GroupRead {
		return "read"
	}
	return "get"
}

// ClientID is the already-parsed identity of a connected client.
type ClientID struct {
	Node    string
	Session string
	IP      string
}

func (c ClientID) IsEmpty() bool { return c.Node == "" }

// EventKind tags one entry in a job's append-only event list.
type EventKind int8

const (
	EventSubmit EventKind = iota
	EventBatchSubmit
	EventRequest
	EventDone
	EventReturn
	EventReturnNoBlacklist
	EventFail
	EventFinalFail
	EventRead
	EventReadDone
	EventReadFail
	EventReadFinalFail
	EventReadRollback
	EventCancel
	EventTimeout
	EventReadTimeout
	EventSessionChanged
	EventClear
	EventReschedule
	EventRedo
	EventReread
	EventSubmitRollback
	EventGetRollback
	EventReadGrantRollback
)

func (k EventKind) String() string {
	switch k {
	case EventSubmit:
		return "submit"
	case EventBatchSubmit:
		return "batch-submit"
	case EventRequest:
		return "request"
	case EventDone:
		return "done"
	case EventReturn:
		return "return"
	case EventReturnNoBlacklist:
		return "return-no-blacklist"
	case EventFail:
		return "fail"
	case EventFinalFail:
		return "final-fail"
	case EventRead:
		return "read"
	case EventReadDone:
		return "read-done"
	case EventReadFail:
		return "read-fail"
	case EventReadFinalFail:
		return "read-final-fail"
	case EventReadRollback:
		return "read-rollback"
	case EventCancel:
		return "cancel"
	case EventTimeout:
		return "timeout"
	case EventReadTimeout:
		return "read-timeout"
	case EventSessionChanged:
		return "session-changed"
	case EventClear:
		return "clear"
	case EventReschedule:
		return "reschedule"
	case EventRedo:
		return "redo"
	case EventReread:
		return "reread"
	case EventSubmitRollback:
		return "submit-rollback"
	case EventGetRollback:
		return "get-rollback"
	case EventReadGrantRollback:
		return "read-grant-rollback"
	default:
		return "unknown"
	}
}

// JobEvent records one transition. The list on a job is append-only and
// never empty once the job has been submitted.
type JobEvent struct {
	Kind      EventKind
	Status    Status
	Timestamp PreciseTime
	Node      string
	Session   string
	IP        string
	ErrorMsg  string
	RetCode   int
}

// JobListener is a per-job notification target set by the submitter.
type JobListener struct {
	Host     string
	Port     uint16
	Deadline PreciseTime

	// NotifyOnProgress extends listener notifications to progress-message
	// changes, not only status changes.
	NotifyOnProgress bool
	// NotifyOnStolen asks for a courtesy notice when a later SetJobListener
	// replaces this target.
	NotifyOnStolen bool
}

func (l JobListener) IsSet() bool { return l.Port != 0 && l.Host != "" }

// Job is one queue entry. All fields are guarded by the queue operation
// lock; registries reference the job by id only.
type Job struct {
	ID       uint32
	Passport uint32

	Status Status
	// StatusBeforeReading lets an aborted read restore the prior terminal
	// state instead of a fixed target.
	StatusBeforeReading Status

	AffinityID uint32
	GroupID    uint32

	Input  []byte
	Output []byte

	ProgressMsg string

	RunCount  uint32
	ReadCount uint32

	// Timeout overrides; zero means "use the queue default".
	Timeout     time.Duration
	RunTimeout  time.Duration
	ReadTimeout time.Duration

	SubmitTime PreciseTime
	LastTouch  PreciseTime

	Listener JobListener

	Events []JobEvent
}

// NewJobPassport draws the random tie-breaker stored on every job. It is a
// weak secondary proof, not a credential.
func NewJobPassport() uint32 {
	for {
		p := rand.Uint32()
		if p != 0 {
			return p
		}
	}
}

// AppendEvent records a transition and keeps Status in sync with the last
// event, which is an invariant the status tracker relies on.
func (j *Job) AppendEvent(ev JobEvent) {
	j.Status = ev.Status
	j.Events = append(j.Events, ev)
}

func (j *Job) LastEvent() *JobEvent {
	if len(j.Events) == 0 {
		return nil
	}
	return &j.Events[len(j.Events)-1]
}

// AuthToken mints the opaque per-grant token handed to a worker or reader.
// Format: "<passport>_<grant ordinal>".
func (j *Job) AuthToken() string {
	return strconv.FormatUint(uint64(j.Passport), 10) + "_" + strconv.Itoa(len(j.Events))
}

// TokenCompareResult classifies an auth-token check.
type TokenCompareResult int8

const (
	TokenNoMatch TokenCompareResult = iota
	TokenPassportOnly
	TokenCompleteMatch
	TokenInvalid
)

// CompareAuthToken classifies the supplied token against the job's current
// grant. A passport-only match means a stale but once-valid grant.
func (j *Job) CompareAuthToken(token string) TokenCompareResult {
	parts := strings.SplitN(token, "_", 2)
	if len(parts) != 2 {
		return TokenInvalid
	}
	passport, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return TokenInvalid
	}
	ordinal, err := strconv.Atoi(parts[1])
	if err != nil {
		return TokenInvalid
	}
	if uint32(passport) != j.Passport {
		return TokenNoMatch
	}
	if ordinal != len(j.Events) {
		return TokenPassportOnly
	}
	return TokenCompleteMatch
}

// ExpirationTime computes when the job becomes a garbage-collection
// candidate given the queue defaults and the job's own overrides.
func (j *Job) ExpirationTime(timeout, runTimeout, readTimeout, pendingTimeout time.Duration, now PreciseTime) PreciseTime {
	base := j.LastTouch
	if base.IsZero() {
		base = now
	}

	switch j.Status {
	case StatusRunning:
		rt := j.RunTimeout
		if rt == 0 {
			rt = runTimeout
		}
		if rt == 0 {
			return 0 // never expires while running
		}
		return base.Add(rt)
	case StatusReading:
		rt := j.ReadTimeout
		if rt == 0 {
			rt = readTimeout
		}
		if rt == 0 {
			return 0
		}
		return base.Add(rt)
	case StatusPending:
		life := j.Timeout
		if life == 0 {
			life = timeout
		}
		if pendingTimeout > 0 && pendingTimeout < life {
			life = pendingTimeout
		}
		return base.Add(life)
	default:
		life := j.Timeout
		if life == 0 {
			life = timeout
		}
		return base.Add(life)
	}
}

// Key renders the externally visible job key. Scrambled keys map the id
// through a fixed odd-multiplier permutation so consecutive submissions do
// not produce guessable neighbors; the mapping stays bijective over uint32.
func (j *Job) Key(queueName string, scramble bool) string {
	if scramble {
		return queueName + "_" + strconv.FormatUint(uint64(j.ID*0x9E3779B1), 36)
	}
	return fmt.Sprintf("%s_%d", queueName, j.ID)
}
