// Package errs holds the domain sentinel errors that handlers map to HTTP status codes.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrAdmissionDenied      = errors.New("recording capacity reached")
	ErrAlreadyActive        = errors.New("stream is already being recorded")
	ErrNoProxyAvailable     = errors.New("no proxy available and direct fallback disabled")
	ErrProcessSpawnFailed   = errors.New("capture process spawn failed")
	ErrProcessCrashed       = errors.New("capture process crashed")
	ErrOutputEmptyOrMissing = errors.New("capture output empty or missing")
	ErrPipelineStepFailed   = errors.New("pipeline step failed")
	ErrRecoveryAmbiguous    = errors.New("cannot determine process state")

	ErrRecordingNotFound = errors.New("recording not found")
	ErrRecordingDisabled = errors.New("recording disabled for streamer")
	ErrShuttingDown      = errors.New("recorder is shutting down")
	ErrCycle             = errors.New("task graph contains a cycle")
	ErrDuplicateChain    = errors.New("pipeline already running for recording")
	ErrProcessRunning    = errors.New("process already running under this id")
)

// StepError reports which pipeline step failed; it matches ErrPipelineStepFailed with errors.Is.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{ErrPipelineStepFailed, e.Err}
}
