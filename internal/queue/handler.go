package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/timfaniran/slugsei/internal/analysis"
	"github.com/timfaniran/slugsei/pkg/models"
)

var ErrMalformedMessage = errors.New("malformed submit message")

// Analyzer runs one job to its outcome.
type Analyzer interface {
	Analyze(ctx context.Context, jobID string) error
}

// NewSubmitHandler returns a handler that runs each submitted job and holds the
// delivery until the run finishes, so prefetch bounds the work taken from the
// queue. Failed analyses are already recorded on the job and are acked.
func NewSubmitHandler(a Analyzer, logger *zap.Logger) MessageHandler {
	return func(ctx context.Context, body []byte) error {
		var msg models.SubmitMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if msg.JobID == "" {
			return fmt.Errorf("%w: job_id is required", ErrMalformedMessage)
		}

		log := logger.With(zap.String("job_id", msg.JobID))
		err := a.Analyze(ctx, msg.JobID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, analysis.ErrShuttingDown),
			errors.Is(err, analysis.ErrPersistence),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("%w: %v", ErrRequeue, err)
		case errors.Is(err, analysis.ErrJobNotFound):
			log.Warn("submit message for unknown job")
			return nil
		case errors.Is(err, analysis.ErrJobInProgress):
			log.Info("job already in progress elsewhere")
			return nil
		default:
			log.Info("analysis finished with failure", zap.Error(err))
			return nil
		}
	}
}
