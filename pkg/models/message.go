package models

import "time"

// SubmitMessage is the inbound queue message requesting analysis of a job.
type SubmitMessage struct {
	JobID string `json:"job_id"`
}

// StatusEvent is published when a job reaches a terminal status.
type StatusEvent struct {
	JobID      string    `json:"job_id"`
	Status     Status    `json:"status"`
	Result     *Result   `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
