package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slugsei_jobs_finished_total",
		Help: "Total number of analysis runs that reached a terminal status, by status",
	}, []string{"status"})

	JobsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slugsei_jobs_rejected_total",
		Help: "Submissions that did not start a run, by reason",
	}, []string{"reason"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slugsei_stage_duration_seconds",
		Help:    "Duration of each analysis pipeline stage",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"stage"})

	FramesDecodedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugsei_frames_decoded_total",
		Help: "Total number of video frames decoded across all jobs",
	})

	ObservationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slugsei_ball_observations_total",
		Help: "Total number of frames in which a ball was detected",
	})

	RunsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slugsei_runs_in_flight",
		Help: "Number of analysis runs currently executing",
	})
)
