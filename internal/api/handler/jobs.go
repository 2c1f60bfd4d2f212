// Package handler implements the job endpoints of the HTTP API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/timfaniran/slugsei/internal/analysis"
	mw "github.com/timfaniran/slugsei/internal/api/middleware"
	"github.com/timfaniran/slugsei/internal/api/response"
	"github.com/timfaniran/slugsei/internal/cache"
	"github.com/timfaniran/slugsei/internal/store"
	"github.com/timfaniran/slugsei/pkg/models"
)

const lookupTimeout = 5 * time.Second

var validJobID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Runner starts and cancels in-process analysis runs.
type Runner interface {
	Submit(ctx context.Context, jobID string) (*analysis.Run, error)
	Cancel(jobID string) bool
}

// Enqueuer hands a job to the submission queue instead of running it here.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// JobView is the API representation of a job.
type JobView struct {
	JobID     string         `json:"job_id"`
	Status    models.Status  `json:"status"`
	Bucket    string         `json:"bucket,omitempty"`
	ObjectKey string         `json:"object_key,omitempty"`
	Result    *models.Result `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func viewOf(j *models.Job) JobView {
	v := JobView{
		JobID:     j.ID,
		Status:    j.Status,
		Bucket:    j.Bucket,
		ObjectKey: j.ObjectKey,
		Result:    j.Result,
	}
	if j.ErrorMessage != nil {
		v.Error = *j.ErrorMessage
	}
	return v
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs. It
// records a pending job for an object that has already been uploaded.
func NewCreateJobHandler(s store.Store, defaultBucket string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JobID     string `json:"job_id"`
			Bucket    string `json:"bucket"`
			ObjectKey string `json:"object_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.ObjectKey == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "object_key is required", nil)
			return
		}
		if req.JobID == "" {
			req.JobID = uuid.NewString()
		}
		if !validJobID.MatchString(req.JobID) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"job_id must be 1-128 characters of letters, digits, '.', '_' or '-'", nil)
			return
		}
		if req.Bucket == "" {
			req.Bucket = defaultBucket
		}

		job := &models.Job{ID: req.JobID, Bucket: req.Bucket, ObjectKey: req.ObjectKey}
		if err := s.CreateJob(r.Context(), job); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "JOB_EXISTS", "A job with this id already exists", nil)
				return
			}
			mw.GetLogger(r).Error("create job failed", zap.String("job_id", job.ID), zap.Error(err))
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job", nil)
			return
		}

		response.Created(w, viewOf(job))
	}
}

// NewAnalyzeHandler returns an http.HandlerFunc for POST
// /api/v1/jobs/{jobID}/analyze. It answers 202 as soon as the run is scheduled.
// When q is non-nil the job is published to the queue instead.
func NewAnalyzeHandler(s store.Store, runner Runner, q Enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		log := mw.GetLogger(r).With(zap.String("job_id", jobID))

		// Submit itself does no I/O, so existence is checked here to give the
		// caller a 404.
		if _, err := s.GetJob(r.Context(), jobID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
				return
			}
			log.Error("get job failed", zap.Error(err))
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read job", nil)
			return
		}

		if q != nil {
			if err := q.Enqueue(r.Context(), jobID); err != nil {
				log.Error("enqueue job failed", zap.Error(err))
				response.Error(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "Could not enqueue job", nil)
				return
			}
			response.Accepted(w, map[string]any{"job_id": jobID, "status": models.JobStatusPending, "queued": true})
			return
		}

		if _, err := runner.Submit(r.Context(), jobID); err != nil {
			if errors.Is(err, analysis.ErrShuttingDown) {
				response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", nil)
				return
			}
			log.Error("submit job failed", zap.Error(err))
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to submit job", nil)
			return
		}

		response.Accepted(w, map[string]any{"job_id": jobID, "status": models.JobStatusProcessing, "queued": false})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// Unfinished jobs answer 202 and finished jobs 200. A cached non-terminal
// status is served without touching the store, and concurrent lookups of the
// same job share one store read. c may be nil.
func NewGetJobHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	var group singleflight.Group

	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")

		if c != nil {
			status, ok, err := c.GetJobStatus(r.Context(), jobID)
			if err != nil {
				mw.GetLogger(r).Debug("job status cache read failed", zap.Error(err))
			}
			if ok && !status.Terminal() {
				response.Accepted(w, JobView{JobID: jobID, Status: status})
				return
			}
		}

		v, err, _ := group.Do(jobID, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), lookupTimeout)
			defer cancel()
			return s.GetJob(ctx, jobID)
		})
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
				return
			}
			mw.GetLogger(r).Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read job", nil)
			return
		}

		job := v.(*models.Job)
		if !job.Ready() {
			response.Accepted(w, viewOf(job))
			return
		}
		response.JSON(w, viewOf(job))
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST
// /api/v1/jobs/{jobID}/cancel. Only runs in flight in this process can be
// canceled.
func NewCancelJobHandler(runner Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if !runner.Cancel(jobID) {
			response.Error(w, http.StatusNotFound, "RUN_NOT_FOUND", "No run in flight for this job", nil)
			return
		}
		response.Accepted(w, map[string]any{"job_id": jobID, "canceling": true})
	}
}
