package warning

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/quake-sentinel/internal/domain"
	"github.com/couchcryptid/quake-sentinel/internal/observability"
)

// Directory lists users with a known location fresher than the given time.
// These are the fanout candidates for a new report.
type Directory interface {
	RecentLocations(ctx context.Context, since time.Time) ([]domain.UserLocation, error)
}

// Notifier delivers one push notification.
type Notifier interface {
	SendPush(ctx context.Context, n domain.PushNotification) error
}

// AuditStore records the computed warnings for a report. Audit writes are
// best-effort and never block or fail the fanout.
type AuditStore interface {
	RecordWarnings(ctx context.Context, reportID string, warnings []domain.WarningCalculation) error
}

// Engine turns an earthquake report into per-user warnings and fans out the
// notifications. Notification sends run concurrently; one user's delivery
// failure never affects another's.
type Engine struct {
	directory Directory
	notifier  Notifier
	audit     AuditStore
	logger    *slog.Logger
	metrics   *observability.Metrics
	clock     clockwork.Clock

	opts        domain.WarningOptions
	lookback    time.Duration
	settleDelay time.Duration
}

// NewEngine wires the warning fanout. A nil audit store disables auditing.
func NewEngine(
	directory Directory,
	notifier Notifier,
	audit AuditStore,
	opts domain.WarningOptions,
	lookback time.Duration,
	settleDelay time.Duration,
	logger *slog.Logger,
	metrics *observability.Metrics,
	clock clockwork.Clock,
) *Engine {
	return &Engine{
		directory:   directory,
		notifier:    notifier,
		audit:       audit,
		opts:        opts,
		lookback:    lookback,
		settleDelay: settleDelay,
		logger:      logger,
		metrics:     metrics,
		clock:       clock,
	}
}

// ProcessReport computes warnings for every candidate user and sends the
// notifications. It returns the number of successful deliveries. The settle
// delay gives location writes racing the report a chance to land first.
func (e *Engine) ProcessReport(ctx context.Context, report domain.EarthquakeReport) (int, error) {
	if e.settleDelay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-e.clock.After(e.settleDelay):
		}
	}

	since := e.clock.Now().Add(-e.lookback)
	candidates, err := e.directory.RecentLocations(ctx, since)
	if err != nil {
		return 0, err
	}

	// The reporting user already knows; everyone else is a candidate.
	peers := candidates[:0:0]
	for _, c := range candidates {
		if c.UserID == report.UserID {
			continue
		}
		peers = append(peers, c)
	}

	warnings := domain.ComputeWarnings(report.Epicenter, peers, e.opts)
	e.metrics.WarningsComputed.Add(float64(len(warnings)))

	e.logger.Info("warnings computed",
		"report_id", report.ID,
		"candidates", len(candidates),
		"warnings", len(warnings),
	)

	if e.audit != nil && len(warnings) > 0 {
		if auditErr := e.audit.RecordWarnings(ctx, report.ID, warnings); auditErr != nil {
			e.logger.Error("warning audit write failed", "report_id", report.ID, "error", auditErr)
		}
	}

	start := e.clock.Now()
	var sent atomic.Int64
	var wg sync.WaitGroup
	for _, w := range warnings {
		if w.IsUrgent {
			e.metrics.UrgentWarnings.Inc()
		}
		n := domain.BuildWarningNotification(report, w)
		wg.Add(1)
		go func(w domain.WarningCalculation, n domain.PushNotification) {
			defer wg.Done()
			if err := e.notifier.SendPush(ctx, n); err != nil {
				e.metrics.NotificationsSent.WithLabelValues("error").Inc()
				e.logger.Error("push notification failed",
					"report_id", report.ID,
					"user_id", w.UserID,
					"urgent", w.IsUrgent,
					"error", err,
				)
				return
			}
			e.metrics.NotificationsSent.WithLabelValues("success").Inc()
			sent.Add(1)
		}(w, n)
	}
	wg.Wait()
	e.metrics.FanoutDuration.Observe(e.clock.Since(start).Seconds())

	return int(sent.Load()), nil
}
