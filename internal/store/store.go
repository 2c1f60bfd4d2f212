package store

import (
	"context"
	"errors"

	"github.com/timfaniran/slugsei/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when a status write is not allowed from the
// record's current status, including a second concurrent move to processing.
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status models.Status, opts ...JobUpdateOption) error
}

// allowedFrom lists the statuses each target status may be entered from.
// A terminal job may be moved back to processing by a resubmission.
var allowedFrom = map[models.Status][]models.Status{
	models.JobStatusProcessing: {models.JobStatusPending, models.JobStatusCompleted, models.JobStatusFailed},
	models.JobStatusCompleted:  {models.JobStatusProcessing},
	models.JobStatusFailed:     {models.JobStatusProcessing},
}

// CanTransition reports whether a job in status from may move to status to.
func CanTransition(from, to models.Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

type jobUpdateParams struct {
	Result       *models.Result
	ErrorMessage *string
}

type JobUpdateOption func(*jobUpdateParams)

// WithResult sets the metrics written with a completed status.
func WithResult(r models.Result) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Result = &r
	}
}

// WithErrorMessage sets the message written with a failed status.
func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func applyOptions(opts []JobUpdateOption) *jobUpdateParams {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params
}
