package analysis

import (
	"context"
	"sync"

	"github.com/timfaniran/slugsei/pkg/models"
)

// Run is the handle for one in-flight analysis of a job. Every Submit that
// joins the same in-flight analysis receives the same Run.
type Run struct {
	JobID string

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status models.Status
	result *models.Result
	err    error
}

func newRun(jobID string, cancel context.CancelFunc) *Run {
	return &Run{
		JobID:  jobID,
		cancel: cancel,
		done:   make(chan struct{}),
		status: models.JobStatusPending,
	}
}

// Done is closed once the run has finished, including cleanup and the final
// record write.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err is nil for a completed run. Otherwise it is the pipeline failure that was
// recorded on the job, ErrJobNotFound, ErrJobInProgress, or an error wrapping
// ErrPersistence when the record could not be written. A run stopped by
// Shutdown before it got a worker slot wraps ErrShuttingDown and leaves the
// record untouched.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Outcome reports the last status this run wrote and its result, if any.
func (r *Run) Outcome() (models.Status, *models.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.result, r.err
}

func (r *Run) setStatus(s models.Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *Run) finish(s models.Status, res *models.Result, err error) {
	r.mu.Lock()
	if s != "" {
		r.status = s
	}
	r.result = res
	r.err = err
	r.mu.Unlock()
}
