package analysis_test

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/timfaniran/slugsei/internal/analysis"
	"github.com/timfaniran/slugsei/internal/blob"
	"github.com/timfaniran/slugsei/internal/detect"
	"github.com/timfaniran/slugsei/internal/queue"
	"github.com/timfaniran/slugsei/internal/store"
	"github.com/timfaniran/slugsei/internal/trajectory"
	"github.com/timfaniran/slugsei/internal/video"
	"github.com/timfaniran/slugsei/pkg/models"
)

// --- mocks ---

type statusWrite struct {
	ID     string
	Status models.Status
}

// recordingStore wraps MemoryStore, records every status write and can fail
// writes for chosen statuses.
type recordingStore struct {
	*store.MemoryStore

	mu      sync.Mutex
	writes  []statusWrite
	failFor map[models.Status]error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: store.NewMemoryStore(), failFor: map[models.Status]error{}}
}

func (s *recordingStore) UpdateJobStatus(ctx context.Context, id string, status models.Status, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	failErr := s.failFor[status]
	s.mu.Unlock()
	if failErr != nil {
		return failErr
	}
	if err := s.MemoryStore.UpdateJobStatus(ctx, id, status, opts...); err != nil {
		return err
	}
	s.mu.Lock()
	s.writes = append(s.writes, statusWrite{ID: id, Status: status})
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) statusesFor(id string) []models.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Status
	for _, w := range s.writes {
		if w.ID == id {
			out = append(out, w.Status)
		}
	}
	return out
}

func (s *recordingStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

// fakeBlobs writes fixed bytes to the destination path.
type fakeBlobs struct {
	mu    sync.Mutex
	err   error
	paths []string
}

func (b *fakeBlobs) Materialize(_ context.Context, bucket, key, destPath string) error {
	b.mu.Lock()
	b.paths = append(b.paths, destPath)
	b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	return os.WriteFile(destPath, []byte(bucket+"/"+key), 0o644)
}

func (b *fakeBlobs) lastPath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.paths) == 0 {
		return ""
	}
	return b.paths[len(b.paths)-1]
}

// fakeOpener serves n synthetic frames from draw. If gate is set, Open blocks
// until the gate closes or ctx ends.
type fakeOpener struct {
	n       int
	fps     float64
	draw    func(i int) *image.RGBA
	openErr error
	gate    chan struct{}

	opens      atomic.Int32
	sawScratch atomic.Bool
}

func (o *fakeOpener) Open(ctx context.Context, path string) (video.Source, error) {
	o.opens.Add(1)
	if _, err := os.Stat(path); err == nil {
		o.sawScratch.Store(true)
	}
	if o.gate != nil {
		select {
		case <-o.gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", video.ErrVideoOpen, ctx.Err())
		}
	}
	if o.openErr != nil {
		return nil, o.openErr
	}
	return &fakeSource{o: o}, nil
}

type fakeSource struct {
	o *fakeOpener
	i int
}

func (s *fakeSource) Info() video.Info {
	return video.Info{Width: 320, Height: 240, FPS: s.o.fps}
}

func (s *fakeSource) Next() (video.Frame, error) {
	if s.i >= s.o.n {
		return video.Frame{}, io.EOF
	}
	f := video.Frame{Index: uint32(s.i), Image: s.o.draw(s.i)}
	s.i++
	return f, nil
}

func (s *fakeSource) Close() error { return nil }

type panickingDetector struct{}

func (panickingDetector) Detect(image.Image) (detect.Point, bool) {
	panic("detector exploded")
}

type recordingEvents struct {
	mu     sync.Mutex
	events []models.StatusEvent
}

func (e *recordingEvents) PublishStatus(_ context.Context, ev models.StatusEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *recordingEvents) all() []models.StatusEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.StatusEvent(nil), e.events...)
}

type recordingCache struct {
	mu       sync.Mutex
	statuses map[string][]models.Status
}

func newRecordingCache() *recordingCache {
	return &recordingCache{statuses: map[string][]models.Status{}}
}

func (c *recordingCache) Ping(context.Context) error { return nil }
func (c *recordingCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

func (c *recordingCache) SetJobStatus(_ context.Context, id string, status models.Status, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[id] = append(c.statuses[id], status)
	return nil
}

func (c *recordingCache) DeleteJobStatus(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statuses, id)
	return nil
}

func (c *recordingCache) GetJobStatus(_ context.Context, id string) (models.Status, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.statuses[id]
	if len(s) == 0 {
		return "", false, nil
	}
	return s[len(s)-1], true, nil
}

// --- helpers ---

func blackFrame() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

func drawSquare(img *image.RGBA, x0, y0, size int) {
	white := color.RGBA{255, 255, 255, 255}
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			img.SetRGBA(x, y, white)
		}
	}
}

// arcFrame draws a 10x10 white ball that leaves at roughly 30 degrees, peaks
// 150 px later and comes back down, advancing 1 px per frame.
func arcFrame(i int) *image.RGBA {
	img := blackFrame()
	d := float64(i)
	height := 0.577*d - 0.001925*d*d
	drawSquare(img, 5+i, int(200-height), 10)
	return img
}

type harness struct {
	orch    *analysis.Orchestrator
	store   *recordingStore
	blobs   *fakeBlobs
	opener  *fakeOpener
	events  *recordingEvents
	cache   *recordingCache
	scratch string
}

func newHarness(t *testing.T, mutate func(*analysis.Dependencies, *analysis.Config)) *harness {
	t.Helper()
	det, err := detect.NewDetector(detect.DefaultConfig())
	require.NoError(t, err)

	h := &harness{
		store:   newRecordingStore(),
		blobs:   &fakeBlobs{},
		opener:  &fakeOpener{n: 60, fps: 30, draw: arcFrame},
		events:  &recordingEvents{},
		cache:   newRecordingCache(),
		scratch: filepath.Join(t.TempDir(), "scratch"),
	}
	deps := analysis.Dependencies{
		Store:     h.store,
		Blobs:     h.blobs,
		Opener:    h.opener,
		Detector:  det,
		Estimator: trajectory.NewEstimator(trajectory.Config{ImageYDown: true}),
		Cache:     h.cache,
		Events:    h.events,
		Logger:    zap.NewNop(),
	}
	cfg := analysis.Config{Workers: 2, ScratchDir: h.scratch}
	if mutate != nil {
		mutate(&deps, &cfg)
	}

	h.orch, err = analysis.New(deps, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
	return h
}

func (h *harness) createJob(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.store.CreateJob(context.Background(), &models.Job{
		ID: id, Bucket: "videos", ObjectKey: "uploads/" + id + ".mp4",
	}))
}

func (h *harness) job(t *testing.T, id string) *models.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (h *harness) assertScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch artifacts left behind")
}

func wait(t *testing.T, r *analysis.Run) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	select {
	case <-r.Done():
		return r.Err()
	case <-ctx.Done():
		t.Fatalf("run for %s did not finish", r.JobID)
		return nil
	}
}

// --- tests ---

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := analysis.New(analysis.Dependencies{}, analysis.Config{})
	assert.Error(t, err)
}

func TestSubmit_PendingToProcessingToCompleted(t *testing.T) {
	h := newHarness(t, nil)
	h.createJob(t, "job-1")

	r, err := h.orch.Submit(context.Background(), "job-1")
	require.NoError(t, err)
	require.NoError(t, wait(t, r))

	assert.Equal(t, []models.Status{models.JobStatusProcessing, models.JobStatusCompleted}, h.store.statusesFor("job-1"))

	job := h.job(t, "job-1")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Result)
	assert.Nil(t, job.ErrorMessage)
	assert.Equal(t, 60, job.Result.Observations)
	assert.Greater(t, job.Result.LaunchAngle, 0.0)
	assert.Greater(t, job.Result.ExitVelocity, 0.0)

	status, res, runErr := r.Outcome()
	assert.Equal(t, models.JobStatusCompleted, status)
	assert.NoError(t, runErr)
	assert.Equal(t, job.Result, res)

	assert.Equal(t, []models.Status{models.JobStatusProcessing, models.JobStatusCompleted}, h.cache.statuses["job-1"])
	events := h.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.JobStatusCompleted, events[0].Status)
	assert.Equal(t, "job-1", events[0].JobID)
	require.NotNil(t, events[0].Result)
}

func TestSubmit_BlobFetchErrorFailsJob(t *testing.T) {
	h := newHarness(t, nil)
	h.blobs.err = fmt.Errorf("%w: videos/job-2.mp4", blob.ErrObjectNotFound)
	h.createJob(t, "job-2")

	r, err := h.orch.Submit(context.Background(), "job-2")
	require.NoError(t, err)
	runErr := wait(t, r)

	require.Error(t, runErr)
	assert.ErrorIs(t, runErr, analysis.ErrBlobFetch)
	assert.Equal(t, []models.Status{models.JobStatusProcessing, models.JobStatusFailed}, h.store.statusesFor("job-2"))

	job := h.job(t, "job-2")
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Nil(t, job.Result)
	require.NotNil(t, job.ErrorMessage)
	assert.NotEmpty(t, *job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "object not found")
	assert.Zero(t, h.opener.opens.Load())
	h.assertScratchEmpty(t)

	events := h.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.JobStatusFailed, events[0].Status)
	assert.NotEmpty(t, events[0].Error)
}

func TestSubmit_MissingJobDoesNotWrite(t *testing.T) {
	h := newHarness(t, nil)

	r, err := h.orch.Submit(context.Background(), "missing")
	require.NoError(t, err)
	runErr := wait(t, r)

	assert.ErrorIs(t, runErr, analysis.ErrJobNotFound)
	assert.Zero(t, h.store.writeCount())
	_, getErr := h.store.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, getErr, store.ErrNotFound)
	assert.Empty(t, h.blobs.paths)
	assert.Empty(t, h.events.all())
	assert.Empty(t, h.cache.statuses)
}

func TestSubmit_ScratchFileRemovedOnEveryPath(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := newHarness(t, nil)
		h.createJob(t, "ok")
		r, err := h.orch.Submit(context.Background(), "ok")
		require.NoError(t, err)
		require.NoError(t, wait(t, r))

		assert.True(t, h.opener.sawScratch.Load(), "video should be materialized before decode")
		assert.True(t, strings.HasPrefix(h.blobs.lastPath(), h.scratch))
		h.assertScratchEmpty(t)
	})

	t.Run("video open failure", func(t *testing.T) {
		h := newHarness(t, nil)
		h.opener.openErr = fmt.Errorf("%w: %w", video.ErrVideoOpen, video.ErrNoFrames)
		h.createJob(t, "bad-video")
		r, err := h.orch.Submit(context.Background(), "bad-video")
		require.NoError(t, err)
		require.Error(t, wait(t, r))
		h.assertScratchEmpty(t)
	})

	t.Run("panic", func(t *testing.T) {
		h := newHarness(t, func(d *analysis.Dependencies, _ *analysis.Config) {
			d.Detector = panickingDetector{}
		})
		h.createJob(t, "boom")
		r, err := h.orch.Submit(context.Background(), "boom")
		require.NoError(t, err)
		require.Error(t, wait(t, r))
		h.assertScratchEmpty(t)
	})
}

func TestSubmit_EndToEndArc(t *testing.T) {
	h := newHarness(t, nil)
	// A 10 second clip at 30 fps.
	h.opener.n = 300
	h.createJob(t, "abc")

	r, err := h.orch.Submit(context.Background(), "abc")
	require.NoError(t, err)
	require.NoError(t, wait(t, r))

	job := h.job(t, "abc")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Result)
	assert.GreaterOrEqual(t, job.Result.Observations, 10)
	assert.Greater(t, job.Result.LaunchAngle, 5.0)
	assert.Less(t, job.Result.LaunchAngle, 45.0)
	assert.InDelta(t, 30.0, job.Result.LaunchAngle, 3.0)
	assert.Greater(t, job.Result.ExitVelocity, 0.0)
	h.assertScratchEmpty(t)
}

func TestSubmit_VideoOpenErrorFailsJob(t *testing.T) {
	h := newHarness(t, nil)
	h.opener.openErr = fmt.Errorf("%w: moov atom not found", video.ErrVideoOpen)
	h.createJob(t, "corrupt")

	r, err := h.orch.Submit(context.Background(), "corrupt")
	require.NoError(t, err)
	runErr := wait(t, r)

	assert.ErrorIs(t, runErr, video.ErrVideoOpen)
	job := h.job(t, "corrupt")
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "video open failed")
	assert.Nil(t, job.Result)
}

func TestSubmit_TooFewDetectionsCompletesWithZeroResult(t *testing.T) {
	h := newHarness(t, nil)
	h.opener.draw = func(i int) *image.RGBA {
		img := blackFrame()
		if i < 3 {
			drawSquare(img, 20+10*i, 100, 10)
		}
		return img
	}
	h.createJob(t, "sparse")

	r, err := h.orch.Submit(context.Background(), "sparse")
	require.NoError(t, err)
	require.NoError(t, wait(t, r))

	job := h.job(t, "sparse")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Result)
	assert.True(t, job.Result.Degenerate())
	assert.Equal(t, 3, job.Result.Observations)
}

func TestSubmit_PanicBecomesFailedRecord(t *testing.T) {
	h := newHarness(t, func(d *analysis.Dependencies, _ *analysis.Config) {
		d.Detector = panickingDetector{}
	})
	h.createJob(t, "panics")

	r, err := h.orch.Submit(context.Background(), "panics")
	require.NoError(t, err)
	require.Error(t, wait(t, r))

	job := h.job(t, "panics")
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "detector exploded")
}

func TestSubmit_ConcurrentSubmitsJoinOneRun(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, nil)
	h.opener.gate = gate
	h.createJob(t, "dup")

	r1, err := h.orch.Submit(context.Background(), "dup")
	require.NoError(t, err)
	r2, err := h.orch.Submit(context.Background(), "dup")
	require.NoError(t, err)
	assert.Same(t, r1, r2)
	assert.Equal(t, 1, h.orch.InFlight())

	close(gate)
	require.NoError(t, wait(t, r1))

	assert.Equal(t, int32(1), h.opener.opens.Load())
	assert.Equal(t, []models.Status{models.JobStatusProcessing, models.JobStatusCompleted}, h.store.statusesFor("dup"))
	assert.Equal(t, 0, h.orch.InFlight())
}

func TestSubmit_ResubmitAfterCompletionRunsAgain(t *testing.T) {
	h := newHarness(t, nil)
	h.createJob(t, "again")

	r1, err := h.orch.Submit(context.Background(), "again")
	require.NoError(t, err)
	require.NoError(t, wait(t, r1))

	r2, err := h.orch.Submit(context.Background(), "again")
	require.NoError(t, err)
	assert.NotSame(t, r1, r2)
	require.NoError(t, wait(t, r2))

	assert.Equal(t, []models.Status{
		models.JobStatusProcessing, models.JobStatusCompleted,
		models.JobStatusProcessing, models.JobStatusCompleted,
	}, h.store.statusesFor("again"))
}

func TestSubmit_JobAlreadyProcessingElsewhere(t *testing.T) {
	h := newHarness(t, nil)
	h.createJob(t, "busy")
	require.NoError(t, h.store.MemoryStore.UpdateJobStatus(context.Background(), "busy", models.JobStatusProcessing))

	r, err := h.orch.Submit(context.Background(), "busy")
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, r), analysis.ErrJobInProgress)
	assert.Zero(t, h.store.writeCount())
	assert.Equal(t, models.JobStatusProcessing, h.job(t, "busy").Status)
}

func TestSubmit_FinalWriteFailureIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.store.failFor[models.JobStatusCompleted] = errors.New("connection reset")
	h.createJob(t, "unsaved")

	r, err := h.orch.Submit(context.Background(), "unsaved")
	require.NoError(t, err)
	runErr := wait(t, r)

	assert.ErrorIs(t, runErr, analysis.ErrPersistence)
	assert.Equal(t, models.JobStatusProcessing, h.job(t, "unsaved").Status)
	assert.Empty(t, h.events.all())
	// The stale processing entry is dropped so pollers read the store.
	_, cached, _ := h.cache.GetJobStatus(context.Background(), "unsaved")
	assert.False(t, cached)
	h.assertScratchEmpty(t)
}

func TestCancel_InFlightRunFails(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, nil)
	h.opener.gate = gate
	h.createJob(t, "cancel-me")

	r, err := h.orch.Submit(context.Background(), "cancel-me")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.opener.opens.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.True(t, h.orch.Cancel("cancel-me"))
	runErr := wait(t, r)
	assert.ErrorIs(t, runErr, analysis.ErrCanceled)

	job := h.job(t, "cancel-me")
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "canceled")
	h.assertScratchEmpty(t)

	assert.False(t, h.orch.Cancel("cancel-me"))
}

func TestJobTimeout_FailsRun(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, func(_ *analysis.Dependencies, c *analysis.Config) {
		c.JobTimeout = 50 * time.Millisecond
	})
	h.opener.gate = gate
	h.createJob(t, "slow")

	r, err := h.orch.Submit(context.Background(), "slow")
	require.NoError(t, err)
	runErr := wait(t, r)

	assert.ErrorIs(t, runErr, analysis.ErrCanceled)
	assert.Contains(t, runErr.Error(), "deadline exceeded")
	assert.Equal(t, models.JobStatusFailed, h.job(t, "slow").Status)
}

func TestWorkers_BoundConcurrentRuns(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(_ *analysis.Dependencies, c *analysis.Config) {
		c.Workers = 1
	})
	h.opener.gate = gate
	h.createJob(t, "first")
	h.createJob(t, "second")

	r1, err := h.orch.Submit(context.Background(), "first")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.opener.opens.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	r2, err := h.orch.Submit(context.Background(), "second")
	require.NoError(t, err)

	// The second run waits for the only worker slot and has not touched its record.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.JobStatusPending, h.job(t, "second").Status)
	assert.Equal(t, 2, h.orch.InFlight())

	close(gate)
	require.NoError(t, wait(t, r1))
	require.NoError(t, wait(t, r2))
	assert.Equal(t, int32(2), h.opener.opens.Load())
}

func TestShutdown_RejectsNewWorkAndCancelsStragglers(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, nil)
	h.opener.gate = gate
	h.createJob(t, "straggler")

	r, err := h.orch.Submit(context.Background(), "straggler")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.opener.opens.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = h.orch.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-r.Done():
	default:
		t.Fatal("shutdown returned before the run finished")
	}
	assert.Equal(t, models.JobStatusFailed, h.job(t, "straggler").Status)
	h.assertScratchEmpty(t)

	_, err = h.orch.Submit(context.Background(), "straggler")
	assert.ErrorIs(t, err, analysis.ErrShuttingDown)
}

func TestShutdown_QueuedSubmissionIsRequeued(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, func(_ *analysis.Dependencies, c *analysis.Config) {
		c.Workers = 1
	})
	h.opener.gate = gate
	h.createJob(t, "busy")
	h.createJob(t, "waiting")

	busy, err := h.orch.Submit(context.Background(), "busy")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.opener.opens.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	handle := queue.NewSubmitHandler(h.orch, zap.NewNop())
	handled := make(chan error, 1)
	go func() { handled <- handle(context.Background(), []byte(`{"job_id":"waiting"}`)) }()
	require.Eventually(t, func() bool { return h.orch.InFlight() == 2 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.orch.Shutdown(ctx), context.DeadlineExceeded)

	select {
	case err := <-handled:
		assert.ErrorIs(t, err, queue.ErrRequeue)
	case <-time.After(5 * time.Second):
		t.Fatal("submit handler did not return")
	}

	assert.Equal(t, models.JobStatusPending, h.job(t, "waiting").Status)
	assert.Empty(t, h.store.statusesFor("waiting"))
	assert.Equal(t, models.JobStatusFailed, h.job(t, "busy").Status)
	assert.ErrorIs(t, busy.Err(), analysis.ErrCanceled)
}

func TestShutdown_WaitingRunReportsShuttingDown(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, func(_ *analysis.Dependencies, c *analysis.Config) {
		c.Workers = 1
	})
	h.opener.gate = gate
	h.createJob(t, "busy")
	h.createJob(t, "waiting")

	_, err := h.orch.Submit(context.Background(), "busy")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.opener.opens.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	waiting, err := h.orch.Submit(context.Background(), "waiting")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = h.orch.Shutdown(ctx)

	assert.ErrorIs(t, wait(t, waiting), analysis.ErrShuttingDown)
	assert.Empty(t, h.store.statusesFor("waiting"))
	_, cached, _ := h.cache.GetJobStatus(context.Background(), "waiting")
	assert.False(t, cached)
}

func TestCancel_WaitingRunRecordsFailure(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(_ *analysis.Dependencies, c *analysis.Config) {
		c.Workers = 1
	})
	h.opener.gate = gate
	h.createJob(t, "busy")
	h.createJob(t, "queued")

	busy, err := h.orch.Submit(context.Background(), "busy")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.opener.opens.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	queued, err := h.orch.Submit(context.Background(), "queued")
	require.NoError(t, err)

	assert.True(t, h.orch.Cancel("queued"))
	assert.ErrorIs(t, wait(t, queued), analysis.ErrCanceled)

	job := h.job(t, "queued")
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "canceled")
	assert.Equal(t, []models.Status{models.JobStatusProcessing, models.JobStatusFailed}, h.store.statusesFor("queued"))
	assert.Equal(t, int32(1), h.opener.opens.Load())

	close(gate)
	require.NoError(t, wait(t, busy))
}

func TestShutdown_WaitsForRunsToFinish(t *testing.T) {
	h := newHarness(t, nil)
	h.createJob(t, "quick")

	r, err := h.orch.Submit(context.Background(), "quick")
	require.NoError(t, err)
	require.NoError(t, h.orch.Shutdown(context.Background()))

	select {
	case <-r.Done():
	default:
		t.Fatal("shutdown returned before the run finished")
	}
	assert.NoError(t, r.Err())
	assert.Equal(t, models.JobStatusCompleted, h.job(t, "quick").Status)
}

func TestAnalyze_WaitsForOutcome(t *testing.T) {
	h := newHarness(t, nil)
	h.createJob(t, "sync")

	require.NoError(t, h.orch.Analyze(context.Background(), "sync"))
	assert.Equal(t, models.JobStatusCompleted, h.job(t, "sync").Status)

	assert.ErrorIs(t, h.orch.Analyze(context.Background(), "missing"), analysis.ErrJobNotFound)
}

func TestAnalyze_ReturnsWhenCallerGivesUp(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, nil)
	h.opener.gate = gate
	h.createJob(t, "long")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.orch.Analyze(ctx, "long")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, h.orch.InFlight())

	close(gate)
	require.Eventually(t, func() bool {
		j, err := h.store.GetJob(context.Background(), "long")
		return err == nil && j.Status == models.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
