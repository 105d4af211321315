package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when no job has the given id
	ErrJobNotFound = errors.New("import job not found")

	// ErrJobTerminal is returned when a finished job is asked to change
	ErrJobTerminal = errors.New("import job already in a terminal state")

	// ErrDuplicateJob is returned by Create when the requested id is taken
	ErrDuplicateJob = errors.New("import job id already exists")

	// ErrRegistryStopped is returned by Create after Stop
	ErrRegistryStopped = errors.New("import registry stopped")
)

// CancelledReason is the error recorded on cancelled jobs
const CancelledReason = "cancelled"

// TransitionError is an internal consistency fault: a pipeline stage asked for a
// transition the table does not allow.
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for import %s", e.From, e.To, e.JobID)
}
