package warning

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/quake-sentinel/internal/domain"
	"github.com/couchcryptid/quake-sentinel/internal/observability"
)

// ReportSource reads the next earthquake report from the shared stream.
type ReportSource interface {
	Fetch(ctx context.Context) (domain.EarthquakeReport, error)
}

// Consumer drives the warning engine off the report stream: every report
// written by any detector or manual intake triggers one fanout.
type Consumer struct {
	source  ReportSource
	engine  *Engine
	logger  *slog.Logger
	metrics *observability.Metrics

	ready atomic.Bool
}

func NewConsumer(source ReportSource, engine *Engine, logger *slog.Logger, metrics *observability.Metrics) *Consumer {
	return &Consumer{
		source:  source,
		engine:  engine,
		logger:  logger,
		metrics: metrics,
	}
}

// CheckReadiness returns nil once the consumer has handled at least one
// report.
func (c *Consumer) CheckReadiness(_ context.Context) error {
	if !c.ready.Load() {
		return errors.New("warning consumer has not processed any reports yet")
	}
	return nil
}

// Run executes the consume loop until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("warning consumer started")
	c.metrics.WarningConsumerRunning.Set(1)
	defer c.metrics.WarningConsumerRunning.Set(0)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("warning consumer stopping", "reason", ctx.Err())
			return nil
		default:
		}

		report, err := c.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("fetch report failed", "error", err)
			if !c.backoffOrStop(ctx, &backoff, maxBackoff) {
				return nil
			}
			continue
		}
		backoff = 200 * time.Millisecond

		sent, err := c.engine.ProcessReport(ctx, report)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("warning fanout failed", "report_id", report.ID, "error", err)
			continue
		}
		c.logger.Info("warning fanout complete", "report_id", report.ID, "sent", sent)
		c.ready.Store(true)
	}
}

func (c *Consumer) backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	timer := time.NewTimer(*backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	next := *backoff * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	*backoff = next
	return true
}
