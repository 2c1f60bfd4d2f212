package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timfaniran/slugsei/pkg/models"
)

// MemoryStore is an in-process Store with the same transition rules as
// PostgresStore. Records returned by GetJob are copies.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, id string, status models.Status, opts ...JobUpdateOption) error {
	params := applyOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, status)
	}

	now := s.now()
	switch status {
	case models.JobStatusProcessing:
		j.StartedAt, j.CompletedAt = &now, nil
		j.Result, j.ErrorMessage = nil, nil
	case models.JobStatusCompleted:
		if params.Result == nil {
			return fmt.Errorf("%w: completed status requires a result", ErrInvalidTransition)
		}
		r := *params.Result
		j.Result, j.ErrorMessage = &r, nil
		j.CompletedAt = &now
	case models.JobStatusFailed:
		msg := "unknown error"
		if params.ErrorMessage != nil && *params.ErrorMessage != "" {
			msg = *params.ErrorMessage
		}
		j.Result, j.ErrorMessage = nil, &msg
		j.CompletedAt = &now
	}
	j.Status = status
	j.UpdatedAt = now
	return nil
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.ErrorMessage != nil {
		m := *j.ErrorMessage
		c.ErrorMessage = &m
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
