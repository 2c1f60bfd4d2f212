package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/timfaniran/slugsei/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_jobs (id, bucket, object_key, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.Bucket, job.ObjectKey, string(job.Status), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var (
		j            models.Job
		status       string
		launchAngle  *float64
		exitVelocity *float64
		observations *int32
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, bucket, object_key, status, launch_angle, exit_velocity, observations,
		        error_message, started_at, completed_at, created_at, updated_at
		 FROM analysis_jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.Bucket, &j.ObjectKey, &status, &launchAngle, &exitVelocity, &observations,
		&j.ErrorMessage, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	j.Status = models.Status(status)
	if launchAngle != nil && exitVelocity != nil {
		j.Result = &models.Result{LaunchAngle: *launchAngle, ExitVelocity: *exitVelocity}
		if observations != nil {
			j.Result.Observations = int(*observations)
		}
	}
	return &j, nil
}

// UpdateJobStatus moves a job to status in a single conditional UPDATE, so two
// concurrent writers cannot both win the same transition. Writing completed
// sets the result and clears the error, failed sets the error and clears the
// result, and processing clears both.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id string, status models.Status, opts ...JobUpdateOption) error {
	params := applyOptions(opts)

	from, ok := allowedFrom[status]
	if !ok {
		return fmt.Errorf("%w: cannot set status %q", ErrInvalidTransition, status)
	}
	fromStrings := make([]string, len(from))
	for i, f := range from {
		fromStrings[i] = string(f)
	}

	now := time.Now().UTC()
	query := `UPDATE analysis_jobs SET status = $2, updated_at = $3`
	args := []any{id, string(status), now}
	argIdx := 4

	switch status {
	case models.JobStatusProcessing:
		query += fmt.Sprintf(`, started_at = $%d, completed_at = NULL,
			launch_angle = NULL, exit_velocity = NULL, observations = NULL, error_message = NULL`, argIdx)
		args = append(args, now)
		argIdx++
	case models.JobStatusCompleted:
		if params.Result == nil {
			return fmt.Errorf("%w: completed status requires a result", ErrInvalidTransition)
		}
		query += fmt.Sprintf(`, completed_at = $%d, launch_angle = $%d, exit_velocity = $%d,
			observations = $%d, error_message = NULL`, argIdx, argIdx+1, argIdx+2, argIdx+3)
		args = append(args, now, params.Result.LaunchAngle, params.Result.ExitVelocity, int32(params.Result.Observations))
		argIdx += 4
	case models.JobStatusFailed:
		msg := "unknown error"
		if params.ErrorMessage != nil && *params.ErrorMessage != "" {
			msg = *params.ErrorMessage
		}
		query += fmt.Sprintf(`, completed_at = $%d, error_message = $%d,
			launch_angle = NULL, exit_velocity = NULL, observations = NULL`, argIdx, argIdx+1)
		args = append(args, now, msg)
		argIdx += 2
	}

	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d)", argIdx)
	args = append(args, fromStrings)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing matched: either the job is gone or its status forbids the move.
	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM analysis_jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
