// Package report handles manually submitted earthquake reports: the path for
// a person who felt shaking their device did not catch.
package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/quake-sentinel/internal/domain"
	"github.com/couchcryptid/quake-sentinel/internal/observability"
)

// Sink receives an accepted report. Both the report store and the shared
// change-feed implement it; failures are logged and the remaining sinks still
// run.
type Sink interface {
	SinkReport(ctx context.Context, r domain.EarthquakeReport) error
}

// Submission is a user-entered report before validation.
type Submission struct {
	UserID      string     `json:"user_id"`
	Epicenter   domain.Geo `json:"epicenter"`
	Intensity   int        `json:"intensity"`
	Description string     `json:"description"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Intake validates submissions and fans accepted reports out to the sinks.
type Intake struct {
	sinks   []Sink
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock
}

func NewIntake(sinks []Sink, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock) *Intake {
	return &Intake{
		sinks:   sinks,
		logger:  logger,
		metrics: metrics,
		clock:   clock,
	}
}

// Submit accepts or silently drops a submission. Intensity outside 1-10 is
// not an error: the report is simply ignored, mirroring the detector's quiet
// handling of noise. Returns the stored report and whether it was accepted.
func (i *Intake) Submit(ctx context.Context, sub Submission) (domain.EarthquakeReport, bool) {
	if sub.Intensity < 1 || sub.Intensity > 10 {
		i.logger.Debug("manual report dropped, intensity out of range",
			"user_id", sub.UserID,
			"intensity", sub.Intensity,
		)
		return domain.EarthquakeReport{}, false
	}

	now := i.clock.Now().UTC()
	ts := sub.Timestamp
	if ts.IsZero() {
		ts = now
	}
	report := domain.EarthquakeReport{
		ID:          uuid.NewString(),
		UserID:      sub.UserID,
		Epicenter:   sub.Epicenter,
		Intensity:   sub.Intensity,
		Description: sub.Description,
		Source:      "manual",
		Timestamp:   ts,
		CreatedAt:   now,
	}

	for _, sink := range i.sinks {
		if err := sink.SinkReport(ctx, report); err != nil {
			i.metrics.ReportSinkErrors.Inc()
			i.logger.Error("manual report sink write failed",
				"report_id", report.ID,
				"error", err,
			)
		}
	}
	i.metrics.ReportsIngested.WithLabelValues("manual").Inc()

	i.logger.Info("manual report accepted",
		"report_id", report.ID,
		"user_id", report.UserID,
		"intensity", report.Intensity,
	)
	return report, true
}
