package pipeline

import (
	"errors"
	"fmt"

	"interview-pipeline/internal/heartbeat"
	"interview-pipeline/internal/models"
)

// StepError attributes a failure to the step that was active when it happened.
type StepError struct {
	Step models.StepName
	Err  error
}

func (e *StepError) Error() string {
	if e.Step == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// LockError is returned when the job could not be acquired. No step ran.
type LockError struct {
	Reason heartbeat.LockReason
	Err    error
}

func (e *LockError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job lock not acquired (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("job lock not acquired (%s)", e.Reason)
}

func (e *LockError) Unwrap() error { return e.Err }

// IsLockContention reports a lost lock that no retry of this delivery can fix.
func IsLockContention(err error) bool {
	var le *LockError
	return errors.As(err, &le) && le.Reason != heartbeat.ReasonError
}

// FailedStep extracts the step from a *StepError anywhere in err's chain.
func FailedStep(err error) models.StepName {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}
