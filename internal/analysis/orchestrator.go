// Package analysis runs the batted-ball pipeline for a job and owns the job's
// status transitions: pending, then processing, then exactly one of completed or
// failed.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/timfaniran/slugsei/internal/blob"
	"github.com/timfaniran/slugsei/internal/cache"
	"github.com/timfaniran/slugsei/internal/detect"
	"github.com/timfaniran/slugsei/internal/metrics"
	"github.com/timfaniran/slugsei/internal/store"
	"github.com/timfaniran/slugsei/internal/trajectory"
	"github.com/timfaniran/slugsei/internal/video"
	"github.com/timfaniran/slugsei/pkg/models"
)

const finalizeTimeout = 10 * time.Second

// Detector finds the ball in one frame.
type Detector interface {
	Detect(img image.Image) (detect.Point, bool)
}

// Estimator turns the ordered observations of one clip into metrics.
type Estimator interface {
	Estimate(obs []trajectory.Observation, fps float64) models.Result
}

// StatusPublisher receives an event for every terminal transition.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, ev models.StatusEvent) error
}

// Dependencies holds the collaborators of an Orchestrator. Cache and Events are
// optional.
type Dependencies struct {
	Store     store.Store
	Blobs     blob.Source
	Opener    video.Opener
	Detector  Detector
	Estimator Estimator
	Cache     cache.Cache
	Events    StatusPublisher
	Logger    *zap.Logger
}

type Config struct {
	// Workers bounds the number of runs executing at once. Further submissions
	// wait for a slot without blocking the caller.
	Workers    int
	ScratchDir string
	// DefaultFPS is used when the clip reports no frame rate.
	DefaultFPS float64
	// JobTimeout of 0 lets a run take as long as decoding takes.
	JobTimeout time.Duration
	StatusTTL  time.Duration
}

// Orchestrator schedules analysis runs. Runs for the same job id are
// deduplicated: a Submit for a job that is already in flight joins that run.
type Orchestrator struct {
	deps Dependencies
	cfg  Config
	log  *zap.Logger

	sem *semaphore.Weighted

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*Run
	closed bool
	wg     sync.WaitGroup
}

// New validates deps and cfg and creates the scratch directory.
func New(deps Dependencies, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("analysis: store is required")
	case deps.Blobs == nil:
		return nil, fmt.Errorf("analysis: blob source is required")
	case deps.Opener == nil:
		return nil, fmt.Errorf("analysis: video opener is required")
	case deps.Detector == nil:
		return nil, fmt.Errorf("analysis: detector is required")
	case deps.Estimator == nil:
		return nil, fmt.Errorf("analysis: estimator is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.DefaultFPS <= 0 {
		cfg.DefaultFPS = trajectory.DefaultFPS
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 24 * time.Hour
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:      deps,
		cfg:       cfg,
		log:       deps.Logger,
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
		baseCtx:   ctx,
		cancelAll: cancel,
		runs:      make(map[string]*Run),
	}, nil
}

// Submit starts analysis of jobID in the background and returns at once. If a
// run for jobID is already in flight in this process, that run is returned and
// no new work starts. The caller's ctx only contributes its trace span; the run
// outlives it.
func (o *Orchestrator) Submit(ctx context.Context, jobID string) (*Run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		metrics.JobsRejectedTotal.WithLabelValues("shutting_down").Inc()
		return nil, ErrShuttingDown
	}
	if r, ok := o.runs[jobID]; ok {
		o.log.Debug("joining in-flight run", zap.String("job_id", jobID))
		return r, nil
	}

	runCtx := trace.ContextWithSpan(o.baseCtx, trace.SpanFromContext(ctx))
	var cancel context.CancelFunc
	if o.cfg.JobTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, o.cfg.JobTimeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	r := newRun(jobID, cancel)
	o.runs[jobID] = r
	o.wg.Add(1)
	go o.execute(runCtx, r)

	return r, nil
}

// Analyze submits jobID and waits for its run to finish. If ctx ends first it
// returns ctx.Err() and the run carries on.
func (o *Orchestrator) Analyze(ctx context.Context, jobID string) error {
	r, err := o.Submit(ctx, jobID)
	if err != nil {
		return err
	}
	return r.Wait(ctx)
}

// Cancel stops the in-flight run for jobID. The run still records a failed
// status and removes its scratch file. It reports whether a run was found.
func (o *Orchestrator) Cancel(jobID string) bool {
	o.mu.Lock()
	r, ok := o.runs[jobID]
	o.mu.Unlock()
	if ok {
		r.cancel()
	}
	return ok
}

// InFlight returns the number of runs submitted and not yet finished.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// Shutdown stops accepting submissions and waits for in-flight runs. If ctx
// ends first, the remaining runs are canceled and awaited; started runs still
// write their final status and clean up, while runs still waiting for a worker
// slot finish with ErrShuttingDown and leave their record pending.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancelAll()
		return nil
	case <-ctx.Done():
		o.log.Warn("shutdown deadline reached, canceling runs", zap.Int("in_flight", o.InFlight()))
		o.cancelAll()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) execute(ctx context.Context, r *Run) {
	log := o.log.With(zap.String("job_id", r.JobID))
	defer o.wg.Done()
	defer close(r.done)
	defer func() {
		o.mu.Lock()
		delete(o.runs, r.JobID)
		o.mu.Unlock()
		r.cancel()
	}()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.abandon(ctx, r, log)
		return
	}
	defer o.sem.Release(1)

	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	job, ok := o.begin(ctx, r, log)
	if !ok {
		return
	}
	r.setStatus(models.JobStatusProcessing)
	o.cacheStatus(ctx, r.JobID, models.JobStatusProcessing, log)
	log.Info("analysis started", zap.String("bucket", job.Bucket), zap.String("object_key", job.ObjectKey))

	start := time.Now()
	result, runErr := o.runPipeline(ctx, job, log)
	if runErr != nil && ctx.Err() != nil {
		runErr = fmt.Errorf("%w: %v", ErrCanceled, context.Cause(ctx))
	}
	metrics.StageDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())

	o.finalize(ctx, r, result, runErr, log)
}

// begin loads the record and moves it to processing. On failure r is finished
// and ok is false.
func (o *Orchestrator) begin(ctx context.Context, r *Run, log *zap.Logger) (*models.Job, bool) {
	job, err := o.deps.Store.GetJob(ctx, r.JobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("analysis requested for unknown job")
		metrics.JobsRejectedTotal.WithLabelValues("not_found").Inc()
		r.finish("", nil, ErrJobNotFound)
		return nil, false
	}
	if err != nil {
		log.Error("failed to read job record", zap.Error(err))
		r.finish("", nil, fmt.Errorf("%w: read job: %v", ErrPersistence, err))
		return nil, false
	}

	if err := o.deps.Store.UpdateJobStatus(ctx, r.JobID, models.JobStatusProcessing); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			metrics.JobsRejectedTotal.WithLabelValues("not_found").Inc()
			r.finish("", nil, ErrJobNotFound)
		case errors.Is(err, store.ErrInvalidTransition):
			log.Warn("job already processing elsewhere", zap.Error(err))
			metrics.JobsRejectedTotal.WithLabelValues("in_progress").Inc()
			r.finish("", nil, ErrJobInProgress)
		default:
			log.Error("failed to mark job processing", zap.Error(err))
			r.finish("", nil, fmt.Errorf("%w: mark processing: %v", ErrPersistence, err))
		}
		return nil, false
	}
	return job, true
}

// abandon finishes a run whose context ended while it waited for a worker
// slot. During shutdown the record is left untouched and the run reports
// ErrShuttingDown so the submission can be retried. Otherwise (Cancel or job
// timeout) the job is recorded as failed like any canceled run.
func (o *Orchestrator) abandon(ctx context.Context, r *Run, log *zap.Logger) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()

	cause := context.Cause(ctx)
	if closed && !errors.Is(cause, context.DeadlineExceeded) {
		metrics.JobsRejectedTotal.WithLabelValues("shutting_down").Inc()
		r.finish("", nil, fmt.Errorf("%w: run never started: %v", ErrShuttingDown, cause))
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if _, ok := o.begin(writeCtx, r, log); !ok {
		return
	}
	r.setStatus(models.JobStatusProcessing)
	o.finalize(ctx, r, models.Result{}, fmt.Errorf("%w: %v", ErrCanceled, cause), log)
}

// finalize writes the terminal status on a context that survives cancellation
// of the run.
func (o *Orchestrator) finalize(runCtx context.Context, r *Run, result models.Result, runErr error, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), finalizeTimeout)
	defer cancel()

	persistStart := time.Now()
	ev := models.StatusEvent{JobID: r.JobID, OccurredAt: time.Now().UTC()}
	var writeErr error
	if runErr != nil {
		msg := runErr.Error()
		ev.Status, ev.Error = models.JobStatusFailed, msg
		writeErr = o.deps.Store.UpdateJobStatus(ctx, r.JobID, models.JobStatusFailed, store.WithErrorMessage(msg))
	} else {
		ev.Status, ev.Result = models.JobStatusCompleted, &result
		writeErr = o.deps.Store.UpdateJobStatus(ctx, r.JobID, models.JobStatusCompleted, store.WithResult(result))
	}
	metrics.StageDuration.WithLabelValues("persist").Observe(time.Since(persistStart).Seconds())

	if writeErr != nil {
		log.Error("failed to persist final job status",
			zap.String("status", string(ev.Status)),
			zap.NamedError("run_error", runErr),
			zap.Error(writeErr),
		)
		metrics.JobsFinishedTotal.WithLabelValues("persist_failed").Inc()
		o.uncacheStatus(ctx, r.JobID, log)
		r.finish("", nil, fmt.Errorf("%w: %v", ErrPersistence, writeErr))
		return
	}

	o.cacheStatus(ctx, r.JobID, ev.Status, log)
	metrics.JobsFinishedTotal.WithLabelValues(string(ev.Status)).Inc()

	if runErr != nil {
		log.Warn("analysis failed", zap.Error(runErr))
		r.finish(models.JobStatusFailed, nil, runErr)
	} else {
		log.Info("analysis completed",
			zap.Float64("launch_angle", result.LaunchAngle),
			zap.Float64("exit_velocity", result.ExitVelocity),
			zap.Int("observations", result.Observations),
			zap.Bool("degenerate", result.Degenerate()),
		)
		r.finish(models.JobStatusCompleted, &result, nil)
	}

	if o.deps.Events != nil {
		if err := o.deps.Events.PublishStatus(ctx, ev); err != nil {
			log.Error("failed to publish status", zap.Error(err))
		}
	}
}

// uncacheStatus drops the cached status so readers fall back to the store
// instead of seeing processing until the entry expires.
func (o *Orchestrator) uncacheStatus(ctx context.Context, jobID string, log *zap.Logger) {
	if o.deps.Cache == nil {
		return
	}
	if err := o.deps.Cache.DeleteJobStatus(ctx, jobID); err != nil {
		log.Warn("failed to drop cached job status", zap.Error(err))
	}
}

func (o *Orchestrator) cacheStatus(ctx context.Context, jobID string, status models.Status, log *zap.Logger) {
	if o.deps.Cache == nil {
		return
	}
	if err := o.deps.Cache.SetJobStatus(ctx, jobID, status, o.cfg.StatusTTL); err != nil {
		log.Debug("failed to cache job status", zap.Error(err))
	}
}
