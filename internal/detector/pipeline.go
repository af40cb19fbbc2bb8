package detector

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/quake-sentinel/internal/domain"
	"github.com/couchcryptid/quake-sentinel/internal/observability"
)

// SampleSource reads the next sensor sample frame from the stream.
type SampleSource interface {
	Fetch(ctx context.Context) (domain.SampleFrame, error)
}

// HistoryStore keeps finalized events locally. History writes succeed or fail
// independently of the remote report sinks.
type HistoryStore interface {
	AppendEvent(ctx context.Context, ev domain.EarthquakeEvent) error
}

// ReportSink receives the report derived from a finalized event. Sinks are
// best-effort: a failure is logged, never retried, and never rolls back the
// other sinks or local history.
type ReportSink interface {
	SinkReport(ctx context.Context, r domain.EarthquakeReport) error
}

// DeviceLocator performs the high-accuracy location fetch against the device.
type DeviceLocator interface {
	LocateDevice(ctx context.Context, deviceID string) (domain.Geo, error)
}

// LastKnownSource is the fallback when the high-accuracy fetch fails.
type LastKnownSource interface {
	LastKnown(ctx context.Context, userID string) (*domain.UserLocation, error)
}

// DefenseActivator is notified when an event's running intensity crosses the
// defense threshold. The detector guarantees at most one call per event.
type DefenseActivator interface {
	AutoActivate(ctx context.Context, deviceID string, intensity float64)
}

// DeviceBinder learns which user carries which device as frames stream in.
type DeviceBinder interface {
	Bind(deviceID, userID string)
}

// Pipeline runs the detection loop: one detector per device, fed strictly in
// arrival order. Location capture, defense activation, and persistence are
// fire-and-forget relative to sample processing.
type Pipeline struct {
	source    SampleSource
	history   HistoryStore
	sinks     []ReportSink
	locator   DeviceLocator
	lastKnown LastKnownSource
	defense   DefenseActivator
	binder    DeviceBinder
	logger    *slog.Logger
	metrics   *observability.Metrics
	clock     clockwork.Clock

	cfg             Config
	locationTimeout time.Duration

	mu        sync.Mutex
	detectors map[string]*Detector

	ready atomic.Bool
	wg    sync.WaitGroup
}

// NewPipeline wires the detection loop. A nil defense activator, binder, or
// locator disables that capability (the loop logs and moves on).
func NewPipeline(
	source SampleSource,
	history HistoryStore,
	sinks []ReportSink,
	locator DeviceLocator,
	lastKnown LastKnownSource,
	defense DefenseActivator,
	binder DeviceBinder,
	cfg Config,
	locationTimeout time.Duration,
	logger *slog.Logger,
	metrics *observability.Metrics,
	clock clockwork.Clock,
) *Pipeline {
	return &Pipeline{
		source:          source,
		history:         history,
		sinks:           sinks,
		locator:         locator,
		lastKnown:       lastKnown,
		defense:         defense,
		binder:          binder,
		cfg:             cfg,
		locationTimeout: locationTimeout,
		logger:          logger,
		metrics:         metrics,
		clock:           clock,
		detectors:       make(map[string]*Detector),
	}
}

// CheckReadiness returns nil once the pipeline has processed at least one
// sample frame.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not processed any samples yet")
	}
	return nil
}

// Run executes the consume loop until the context is cancelled, then waits
// for in-flight captures and writes to drain.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("detection pipeline started",
		"sensitivity", p.cfg.Sensitivity,
		"threshold", p.cfg.Threshold(),
	)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)
	defer p.wg.Wait()

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("detection pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		frame, err := p.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("fetch sample frame failed", "error", err)
			if !p.backoffOrStop(ctx, &backoff, maxBackoff) {
				return nil
			}
			continue
		}
		backoff = 200 * time.Millisecond

		p.handleFrame(ctx, frame)
		p.ready.Store(true)
	}
}

// handleFrame applies one frame to its device's detector and dispatches the
// resulting intents.
func (p *Pipeline) handleFrame(ctx context.Context, frame domain.SampleFrame) {
	p.mu.Lock()
	det, ok := p.detectors[frame.DeviceID]
	if !ok {
		det = New(p.cfg, p.clock, frame.DeviceID, frame.UserID)
		p.detectors[frame.DeviceID] = det
	}
	res := det.Process(frame.Accelerometer, frame.Gyroscope)
	p.mu.Unlock()

	if p.binder != nil {
		p.binder.Bind(frame.DeviceID, frame.UserID)
	}

	p.metrics.SamplesConsumed.Inc()
	p.metrics.SampleIntensity.Observe(res.Intensity)

	if res.EventStarted {
		p.metrics.EventsStarted.Inc()
		p.logger.Info("earthquake event started",
			"device_id", frame.DeviceID,
			"intensity", res.Intensity,
		)
	}

	if res.CaptureLocation {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.captureLocation(ctx, frame.DeviceID, frame.UserID, res.EventSeq)
		}()
	}

	if res.ActivateDefense && p.defense != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.defense.AutoActivate(ctx, frame.DeviceID, res.Intensity)
		}()
	}

	if res.Discarded {
		p.metrics.EventsDiscarded.Inc()
		p.logger.Debug("excursion under minimum duration discarded",
			"device_id", frame.DeviceID,
		)
	}

	if res.Finalized != nil {
		p.metrics.EventsFinalized.Inc()
		ev := *res.Finalized
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.finalize(ctx, ev)
		}()
	}
}

// captureLocation tries the high-accuracy device fetch, falls back to the
// last-known location, and attaches the result to the event if it is still
// running. Failure at both steps leaves the event without coordinates; it
// still finalizes.
func (p *Pipeline) captureLocation(ctx context.Context, deviceID, userID string, seq uint64) {
	var geo domain.Geo
	outcome := "high_accuracy"

	err := errors.New("no device locator configured")
	if p.locator != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, p.locationTimeout)
		var loc domain.Geo
		loc, err = p.locator.LocateDevice(fetchCtx, deviceID)
		cancel()
		geo = loc
	}
	if err != nil {
		p.logger.Warn("high-accuracy location fetch failed, trying last known",
			"device_id", deviceID,
			"error", err,
		)
		if p.lastKnown == nil {
			p.metrics.LocationCaptures.WithLabelValues("none").Inc()
			return
		}
		last, lastErr := p.lastKnown.LastKnown(ctx, userID)
		if lastErr != nil || last == nil {
			p.metrics.LocationCaptures.WithLabelValues("none").Inc()
			p.logger.Warn("no location available for event", "device_id", deviceID)
			return
		}
		geo = last.Geo
		outcome = "fallback"
	}

	p.mu.Lock()
	det, ok := p.detectors[deviceID]
	applied := ok && det.SetLocation(seq, geo)
	p.mu.Unlock()

	if !applied {
		// Event ended before the fetch resolved; stale results are dropped.
		p.logger.Debug("location arrived after event ended", "device_id", deviceID)
		return
	}
	p.metrics.LocationCaptures.WithLabelValues(outcome).Inc()
}

// finalize hands the completed event to local history and every report sink.
// Each write is independent; a remote failure never removes the local entry.
func (p *Pipeline) finalize(ctx context.Context, ev domain.EarthquakeEvent) {
	p.logger.Info("earthquake event finalized",
		"event_id", ev.ID,
		"device_id", ev.DeviceID,
		"duration_s", ev.DurationSeconds,
		"average_intensity", ev.AverageIntensity,
		"peak_acceleration", ev.PeakAcceleration,
		"has_location", ev.Location != nil,
	)

	if err := p.history.AppendEvent(ctx, ev); err != nil {
		p.logger.Error("history append failed", "event_id", ev.ID, "error", err)
	}

	report, ok := domain.ReportFromEvent(ev)
	if !ok {
		p.logger.Warn("event has no location, not shared for warnings", "event_id", ev.ID)
		return
	}

	for _, sink := range p.sinks {
		if err := sink.SinkReport(ctx, report); err != nil {
			p.metrics.ReportSinkErrors.Inc()
			p.logger.Error("report sink write failed",
				"event_id", ev.ID,
				"report_id", report.ID,
				"error", err,
			)
		}
	}
	p.metrics.ReportsIngested.WithLabelValues("detector").Inc()
}

// Snapshots returns the live detection signal for every known device, sorted
// by device ID.
func (p *Pipeline) Snapshots() []domain.DetectionSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.DetectionSnapshot, 0, len(p.detectors))
	for _, det := range p.detectors {
		out = append(out, det.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// backoffOrStop sleeps with the current backoff and advances it. Returns
// false if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration, maxBackoff time.Duration) bool {
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
