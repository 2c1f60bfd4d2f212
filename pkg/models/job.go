// Package models contains the job record shared by the API, the store and the analysis pipeline.
package models

import "time"

// Status is the lifecycle state of an analysis job.
type Status string

const (
	JobStatusPending    Status = "pending"
	JobStatusProcessing Status = "processing"
	JobStatusCompleted  Status = "completed"
	JobStatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is expected from s.
func (s Status) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Job is the persisted record for one analysis request. The upload path creates it
// as pending; the analysis orchestrator moves it to processing and then to exactly
// one of completed or failed. Result is set iff Status is completed and
// ErrorMessage is set iff Status is failed.
type Job struct {
	ID           string     `db:"id"            json:"job_id"`
	Bucket       string     `db:"bucket"        json:"bucket"`
	ObjectKey    string     `db:"object_key"    json:"object_key"`
	Status       Status     `db:"status"        json:"status"`
	Result       *Result    `db:"-"             json:"result,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error,omitempty"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}

// Ready reports whether the job has reached a terminal status.
func (j *Job) Ready() bool {
	return j.Status.Terminal()
}
