package analysis

import "errors"

var (
	// ErrJobNotFound means the job id has no backing record. No status is written.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobInProgress means another process already moved the record to
	// processing. No status is written.
	ErrJobInProgress = errors.New("job is already being processed")
	ErrBlobFetch     = errors.New("blob fetch failed")
	ErrPersistence   = errors.New("persisting job record failed")
	ErrShuttingDown  = errors.New("orchestrator is shutting down")
	ErrCanceled      = errors.New("analysis canceled")
)
