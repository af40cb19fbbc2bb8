package detector

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/quake-sentinel/internal/domain"
)

// Config holds the detection tuning. The defaults reproduce the calibrated
// behavior; only Sensitivity is normally user-adjusted.
type Config struct {
	// Sensitivity scales the base threshold. Valid range 0.5-2.0; values
	// outside are clamped.
	Sensitivity float64

	// BaseThreshold is the intensity an individual sample must exceed to
	// enter an event, before the sensitivity multiplier.
	BaseThreshold float64

	// AverageGateRatio gates event entry on the sliding-window average:
	// average > threshold * AverageGateRatio. Filters single-sample spikes.
	AverageGateRatio float64

	// WindowSize is the sliding window of recent intensities used for the
	// average gate.
	WindowSize int

	// EventBufferSize caps the event-scoped intensity buffer; oldest values
	// drop when full.
	EventBufferSize int

	// MinEventDuration is the false-positive filter: shorter excursions are
	// discarded entirely, never stored or reported.
	MinEventDuration time.Duration

	// Cooldown is the minimum gap between event starts.
	Cooldown time.Duration

	// DetectedHold keeps the cosmetic "detected" flag raised after an event
	// starts, independent of the state machine.
	DetectedHold time.Duration

	// DefenseThreshold is the running intensity above which defense mode is
	// auto-activated, at most once per event.
	DefenseThreshold float64
}

// DefaultConfig returns the calibrated detection settings.
func DefaultConfig() Config {
	return Config{
		Sensitivity:      1.0,
		BaseThreshold:    1.2,
		AverageGateRatio: 0.8,
		WindowSize:       10,
		EventBufferSize:  20,
		MinEventDuration: 2 * time.Second,
		Cooldown:         10 * time.Second,
		DetectedHold:     5 * time.Second,
		DefenseThreshold: 2.5,
	}
}

// Threshold returns the effective entry/exit threshold with the sensitivity
// multiplier applied and clamped to its valid range.
func (c Config) Threshold() float64 {
	s := c.Sensitivity
	if s < 0.5 {
		s = 0.5
	}
	if s > 2.0 {
		s = 2.0
	}
	return c.BaseThreshold * s
}

// Detector is the per-device IDLE/IN_EVENT state machine. It consumes one
// accelerometer/gyroscope pair per tick and reports what happened through
// Result intent flags; it performs no I/O itself. Not safe for concurrent
// use; the pipeline serializes access per device.
type Detector struct {
	cfg      Config
	clock    clockwork.Clock
	deviceID string
	userID   string

	window []float64 // recent intensities, oldest first

	inEvent      bool
	eventSeq     uint64
	eventStart   time.Time
	eventBuf     []float64
	peakAccel    float64
	location     *domain.Geo
	defenseTried bool

	lastIntensity  float64
	lastEventStart time.Time
	detectedUntil  time.Time
	updatedAt      time.Time
}

// Result describes one tick. The caller owns all I/O: location capture,
// defense activation, and persistence happen outside the state machine so a
// slow collaborator can never stall sample processing.
type Result struct {
	Intensity float64

	// EventStarted is set on the IDLE -> IN_EVENT transition.
	EventStarted bool

	// CaptureLocation asks the caller to fetch a location for event EventSeq.
	CaptureLocation bool

	// ActivateDefense fires when the running intensity first crosses the
	// defense threshold during an event.
	ActivateDefense bool

	// EventSeq identifies the event a CaptureLocation request belongs to, so
	// late-arriving locations for ended events can be dropped.
	EventSeq uint64

	// Finalized carries the completed event on the IN_EVENT -> IDLE
	// transition when the excursion lasted at least the minimum duration.
	Finalized *domain.EarthquakeEvent

	// Discarded is set when an excursion ended under the minimum duration.
	Discarded bool
}

// New creates a detector for one device.
func New(cfg Config, clock clockwork.Clock, deviceID, userID string) *Detector {
	return &Detector{
		cfg:      cfg,
		clock:    clock,
		deviceID: deviceID,
		userID:   userID,
		window:   make([]float64, 0, cfg.WindowSize),
		eventBuf: make([]float64, 0, cfg.EventBufferSize),
	}
}

// Process applies one sampling tick.
func (d *Detector) Process(accel, gyro domain.SensorSample) Result {
	now := d.clock.Now()
	intensity := domain.CombinedIntensity(accel, gyro)

	var accelMag float64
	if accel.Finite() {
		accelMag = accel.Magnitude()
	}

	d.lastIntensity = intensity
	d.updatedAt = now
	d.pushWindow(intensity)

	res := Result{Intensity: intensity, EventSeq: d.eventSeq}
	threshold := d.cfg.Threshold()

	if !d.inEvent {
		if intensity > threshold &&
			d.windowAverage() > threshold*d.cfg.AverageGateRatio &&
			(d.lastEventStart.IsZero() || now.Sub(d.lastEventStart) > d.cfg.Cooldown) {
			d.startEvent(now, intensity, accelMag, &res)
		}
		return res
	}

	if intensity > threshold {
		d.appendEventIntensity(intensity)
		if accelMag > d.peakAccel {
			d.peakAccel = accelMag
		}
		if !d.defenseTried && intensity > d.cfg.DefenseThreshold {
			d.defenseTried = true
			res.ActivateDefense = true
		}
		return res
	}

	d.endEvent(now, intensity, &res)
	return res
}

func (d *Detector) startEvent(now time.Time, intensity, accelMag float64, res *Result) {
	d.inEvent = true
	d.eventSeq++
	d.eventStart = now
	d.lastEventStart = now
	d.eventBuf = append(d.eventBuf[:0], intensity)
	d.peakAccel = accelMag
	d.location = nil
	d.defenseTried = false
	d.detectedUntil = now.Add(d.cfg.DetectedHold)

	res.EventStarted = true
	res.CaptureLocation = true
	res.EventSeq = d.eventSeq
	if intensity > d.cfg.DefenseThreshold {
		d.defenseTried = true
		res.ActivateDefense = true
	}
}

func (d *Detector) endEvent(now time.Time, intensity float64, res *Result) {
	duration := now.Sub(d.eventStart)

	if duration >= d.cfg.MinEventDuration {
		avg := intensity
		if len(d.eventBuf) > 0 {
			avg = mean(d.eventBuf)
		}
		res.Finalized = &domain.EarthquakeEvent{
			ID:               domain.EventID(d.deviceID, d.eventStart),
			DeviceID:         d.deviceID,
			UserID:           d.userID,
			StartTime:        d.eventStart,
			DurationSeconds:  duration.Seconds(),
			AverageIntensity: avg,
			PeakAcceleration: d.peakAccel,
			Location:         d.location,
			RecordedAt:       now,
		}
	} else {
		res.Discarded = true
	}

	// Event-scoped state resets regardless of the duration outcome.
	d.inEvent = false
	d.eventBuf = d.eventBuf[:0]
	d.peakAccel = 0
	d.location = nil
	d.defenseTried = false
}

// SetLocation attaches a captured location to the event identified by seq.
// Returns false when the event has already ended, which guards against
// late-arriving location fetches.
func (d *Detector) SetLocation(seq uint64, geo domain.Geo) bool {
	if !d.inEvent || seq != d.eventSeq {
		return false
	}
	d.location = &geo
	return true
}

// Snapshot returns the live detection signal for UI consumption. IsDetected
// is the cosmetic flag that holds for DetectedHold after an event starts,
// independent of whether the event is still running.
func (d *Detector) Snapshot() domain.DetectionSnapshot {
	var loc *domain.Geo
	if d.location != nil {
		copied := *d.location
		loc = &copied
	}
	return domain.DetectionSnapshot{
		DeviceID:             d.deviceID,
		IsDetected:           d.clock.Now().Before(d.detectedUntil),
		CurrentIntensity:     d.lastIntensity,
		IsInEvent:            d.inEvent,
		CurrentEventLocation: loc,
		UpdatedAt:            d.updatedAt,
	}
}

func (d *Detector) pushWindow(intensity float64) {
	if len(d.window) == d.cfg.WindowSize {
		copy(d.window, d.window[1:])
		d.window = d.window[:len(d.window)-1]
	}
	d.window = append(d.window, intensity)
}

func (d *Detector) windowAverage() float64 {
	if len(d.window) == 0 {
		return 0
	}
	return mean(d.window)
}

func (d *Detector) appendEventIntensity(intensity float64) {
	if len(d.eventBuf) == d.cfg.EventBufferSize {
		copy(d.eventBuf, d.eventBuf[1:])
		d.eventBuf = d.eventBuf[:len(d.eventBuf)-1]
	}
	d.eventBuf = append(d.eventBuf, intensity)
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
