package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrInputTooLarge and ErrOutputTooLarge reject oversized payloads
	// before any state is touched.
	ErrInputTooLarge  = errors.New("input exceeds the queue configured limit")
	ErrOutputTooLarge = errors.New("output exceeds the queue configured limit")

	// ErrRegistryFull means a token registry has no slot for a new entry.
	ErrRegistryFull = errors.New("no available slots in the registry")

	// ErrTooManyPreferredAffinities rejects growing a client preference
	// list past the affinity registry capacity.
	ErrTooManyPreferredAffinities = errors.New("too many preferred affinities")

	ErrInvalidAuthToken  = errors.New("invalid authorization token format")
	ErrAuthTokenMismatch = errors.New("authorization token does not match")

	ErrJobNotFound = errors.New("job not found")

	// ErrOperationRestricted covers operations rejected for the job's
	// current state (e.g. PutResult on a canceled job).
	ErrOperationRestricted = errors.New("operation is not allowed for the current job state")
)

// InconsistencyError reports disagreement between the status tracker and the
// live job map. It is a programming-invariant violation and is never
// silently patched over.
type InconsistencyError struct {
	JobID  uint32
	Detail string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("internal inconsistency for job %d: %s", e.JobID, e.Detail)
}

func registryFullErr(kind string) error {
	return fmt.Errorf("%w (%s)", ErrRegistryFull, kind)
}
