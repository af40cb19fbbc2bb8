// Package defense coordinates the battery-preservation measures a device
// takes when strong shaking is detected: screen dimming, power saving, and an
// emergency location send. Measures are independent and best-effort.
package defense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/quake-sentinel/internal/observability"
)

// State is the per-device defense mode state.
type State string

const (
	StateStandby          State = "STANDBY"
	StateActive           State = "ACTIVE"
	StateFalseAlarmLocked State = "FALSE_ALARM_LOCKED"
)

const (
	// DimBrightness is the screen level defense mode lowers to.
	DimBrightness = 0.1

	// DefaultBrightness is restored when the pre-activation level is unknown.
	DefaultBrightness = 0.5
)

// ErrFalseAlarmLocked rejects activation while the false-alarm lock holds.
var ErrFalseAlarmLocked = errors.New("defense mode locked after false alarm")

// DeviceGateway reaches the device's screen and power controls.
type DeviceGateway interface {
	Brightness(ctx context.Context, deviceID string) (float64, error)
	SetBrightness(ctx context.Context, deviceID string, level float64) error
	SetPowerSaving(ctx context.Context, deviceID string, on bool) error
}

// EmergencyReporter sends the device's location to the emergency channel.
type EmergencyReporter interface {
	ReportEmergency(ctx context.Context, deviceID string) error
}

// MeasureSummary records the outcome of each activation measure.
type MeasureSummary struct {
	Brightness   string `json:"brightness"`
	PowerSaving  string `json:"power_saving"`
	LocationSent string `json:"location_sent"`
}

// Status is a point-in-time view of one device's defense state.
type Status struct {
	DeviceID       string          `json:"device_id"`
	State          State           `json:"state"`
	Trigger        string          `json:"trigger,omitempty"`
	ActivatedAt    *time.Time      `json:"activated_at,omitempty"`
	LockedUntil    *time.Time      `json:"locked_until,omitempty"`
	LastActivation *MeasureSummary `json:"last_activation,omitempty"`
}

type deviceState struct {
	state              State
	activating         bool // an Activate holds the transition, measures in flight
	trigger            string
	activatedAt        time.Time
	lockedUntil        time.Time
	originalBrightness float64
	hasOriginal        bool
	lastSummary        *MeasureSummary
}

// Controller owns the defense state machine for every known device.
type Controller struct {
	gateway   DeviceGateway
	emergency EmergencyReporter
	logger    *slog.Logger
	metrics   *observability.Metrics
	clock     clockwork.Clock

	lockDuration  time.Duration
	watchInterval time.Duration

	mu      sync.Mutex
	devices map[string]*deviceState
}

func NewController(
	gateway DeviceGateway,
	emergency EmergencyReporter,
	lockDuration time.Duration,
	watchInterval time.Duration,
	logger *slog.Logger,
	metrics *observability.Metrics,
	clock clockwork.Clock,
) *Controller {
	return &Controller{
		gateway:       gateway,
		emergency:     emergency,
		lockDuration:  lockDuration,
		watchInterval: watchInterval,
		logger:        logger,
		metrics:       metrics,
		clock:         clock,
		devices:       make(map[string]*deviceState),
	}
}

// AutoActivate is the detection pipeline hook: activation triggered by the
// running intensity crossing the defense threshold. Failures are logged, not
// propagated, so sample processing never stalls on a device.
func (c *Controller) AutoActivate(ctx context.Context, deviceID string, intensity float64) {
	if err := c.Activate(ctx, deviceID, "auto"); err != nil {
		c.logger.Warn("auto defense activation rejected",
			"device_id", deviceID,
			"intensity", intensity,
			"error", err,
		)
	}
}

// Activate runs the three defense measures and transitions to ACTIVE when at
// least one succeeds. During a false-alarm lock it is rejected with the
// remaining lock time; an already-active device is a no-op.
func (c *Controller) Activate(ctx context.Context, deviceID, trigger string) error {
	c.mu.Lock()
	dev := c.device(deviceID)
	now := c.clock.Now()

	if dev.state == StateFalseAlarmLocked {
		if now.Before(dev.lockedUntil) {
			remaining := dev.lockedUntil.Sub(now)
			c.mu.Unlock()
			c.metrics.DefenseActivations.WithLabelValues(trigger, "rejected").Inc()
			return fmt.Errorf("%w: %d minutes remaining",
				ErrFalseAlarmLocked, int(math.Ceil(remaining.Minutes())))
		}
		dev.state = StateStandby
		dev.lockedUntil = time.Time{}
	}

	if dev.state == StateActive || dev.activating {
		c.mu.Unlock()
		return nil
	}
	dev.activating = true
	c.mu.Unlock()

	summary := MeasureSummary{
		Brightness:   c.lowerBrightness(ctx, deviceID, dev),
		PowerSaving:  c.enablePowerSaving(ctx, deviceID),
		LocationSent: c.sendEmergencyLocation(ctx, deviceID),
	}
	succeeded := 0
	for _, outcome := range []string{summary.Brightness, summary.PowerSaving, summary.LocationSent} {
		if outcome != "error" {
			succeeded++
		}
	}

	c.mu.Lock()
	dev.activating = false
	dev.lastSummary = &summary

	// The measures ran unlocked. A false-alarm lock that landed in the
	// meantime wins: keep the lock and undo whatever the measures changed.
	if dev.state == StateFalseAlarmLocked {
		c.mu.Unlock()
		c.metrics.DefenseActivations.WithLabelValues(trigger, "rejected").Inc()
		c.logger.Info("activation superseded by false-alarm lock",
			"device_id", deviceID,
			"trigger", trigger,
		)
		c.rollbackMeasures(ctx, deviceID, dev, summary)
		return nil
	}

	if succeeded == 0 {
		c.mu.Unlock()
		c.metrics.DefenseActivations.WithLabelValues(trigger, "failed").Inc()
		return fmt.Errorf("defense activation for %s: every measure failed", deviceID)
	}
	dev.state = StateActive
	dev.trigger = trigger
	dev.activatedAt = now
	c.mu.Unlock()

	c.metrics.DefenseActivations.WithLabelValues(trigger, "activated").Inc()
	c.logger.Info("defense mode activated",
		"device_id", deviceID,
		"trigger", trigger,
		"brightness", summary.Brightness,
		"power_saving", summary.PowerSaving,
		"location_sent", summary.LocationSent,
	)
	return nil
}

// rollbackMeasures undoes the device-visible effects of a superseded
// activation. Only measures that actually succeeded are reverted.
func (c *Controller) rollbackMeasures(ctx context.Context, deviceID string, dev *deviceState, summary MeasureSummary) {
	if summary.Brightness == "success" {
		if err := c.restoreBrightness(ctx, deviceID, dev); err != nil {
			c.logger.Warn("brightness rollback failed", "device_id", deviceID, "error", err)
		}
	}
	if summary.PowerSaving == "success" {
		if err := c.gateway.SetPowerSaving(ctx, deviceID, false); err != nil {
			c.logger.Warn("power saving rollback failed", "device_id", deviceID, "error", err)
		}
	}
}

// Deactivate restores the device and returns to STANDBY. Deactivating a
// device that is not active is a no-op.
func (c *Controller) Deactivate(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	dev := c.device(deviceID)
	if dev.state != StateActive {
		c.mu.Unlock()
		return nil
	}
	dev.state = StateStandby
	dev.trigger = ""
	c.mu.Unlock()

	var errs []error
	if err := c.restoreBrightness(ctx, deviceID, dev); err != nil {
		errs = append(errs, err)
	}
	if err := c.gateway.SetPowerSaving(ctx, deviceID, false); err != nil {
		errs = append(errs, fmt.Errorf("disable power saving: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("defense deactivation for %s: %w", deviceID, errors.Join(errs...))
	}
	c.logger.Info("defense mode deactivated", "device_id", deviceID)
	return nil
}

// RestoreBrightness puts the screen back regardless of the current defense
// state. It exists for the case where the user needs the screen usable right
// now, lock or no lock.
func (c *Controller) RestoreBrightness(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	dev := c.device(deviceID)
	c.mu.Unlock()
	return c.restoreBrightness(ctx, deviceID, dev)
}

// MarkFalseAlarm deactivates the device and locks activation for the
// configured duration.
func (c *Controller) MarkFalseAlarm(ctx context.Context, deviceID string) error {
	if err := c.Deactivate(ctx, deviceID); err != nil {
		c.logger.Warn("deactivation during false-alarm marking failed",
			"device_id", deviceID,
			"error", err,
		)
	}

	c.mu.Lock()
	dev := c.device(deviceID)
	dev.state = StateFalseAlarmLocked
	dev.lockedUntil = c.clock.Now().Add(c.lockDuration)
	until := dev.lockedUntil
	c.mu.Unlock()

	c.logger.Info("false alarm marked, defense activation locked",
		"device_id", deviceID,
		"locked_until", until,
	)
	return nil
}

// ClearFalseAlarm lifts the lock early.
func (c *Controller) ClearFalseAlarm(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev := c.device(deviceID)
	if dev.state != StateFalseAlarmLocked {
		return
	}
	dev.state = StateStandby
	dev.lockedUntil = time.Time{}
	c.logger.Info("false alarm lock cleared", "device_id", deviceID)
}

// Status reports one device's defense state.
func (c *Controller) Status(deviceID string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked(deviceID, c.device(deviceID))
}

// Statuses reports every known device.
func (c *Controller) Statuses() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, 0, len(c.devices))
	for id, dev := range c.devices {
		out = append(out, c.statusLocked(id, dev))
	}
	return out
}

// Watch re-checks false-alarm locks on an interval and returns expired
// devices to STANDBY, so a lock set 30 minutes ago does not linger until the
// next activation attempt.
func (c *Controller) Watch(ctx context.Context) {
	ticker := c.clock.NewTicker(c.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.expireLocks()
		}
	}
}

func (c *Controller) expireLocks() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, dev := range c.devices {
		if dev.state == StateFalseAlarmLocked && !now.Before(dev.lockedUntil) {
			dev.state = StateStandby
			dev.lockedUntil = time.Time{}
			c.logger.Info("false alarm lock expired", "device_id", id)
		}
	}
}

// device returns the state entry, creating it in STANDBY. Caller holds mu.
func (c *Controller) device(deviceID string) *deviceState {
	dev, ok := c.devices[deviceID]
	if !ok {
		dev = &deviceState{state: StateStandby}
		c.devices[deviceID] = dev
	}
	return dev
}

func (c *Controller) statusLocked(deviceID string, dev *deviceState) Status {
	s := Status{DeviceID: deviceID, State: dev.state, Trigger: dev.trigger}
	if !dev.activatedAt.IsZero() {
		at := dev.activatedAt
		s.ActivatedAt = &at
	}
	if !dev.lockedUntil.IsZero() {
		until := dev.lockedUntil
		s.LockedUntil = &until
	}
	if dev.lastSummary != nil {
		copied := *dev.lastSummary
		s.LastActivation = &copied
	}
	return s
}

// lowerBrightness captures the current level before dimming so deactivation
// can restore it. Already-dim screens are left alone.
func (c *Controller) lowerBrightness(ctx context.Context, deviceID string, dev *deviceState) string {
	current, err := c.gateway.Brightness(ctx, deviceID)
	if err != nil {
		c.metrics.DefenseMeasures.WithLabelValues("brightness", "error").Inc()
		c.logger.Warn("brightness read failed", "device_id", deviceID, "error", err)
		return "error"
	}
	if current <= DimBrightness {
		c.metrics.DefenseMeasures.WithLabelValues("brightness", "skipped").Inc()
		return "skipped"
	}
	if err := c.gateway.SetBrightness(ctx, deviceID, DimBrightness); err != nil {
		c.metrics.DefenseMeasures.WithLabelValues("brightness", "error").Inc()
		c.logger.Warn("brightness lowering failed", "device_id", deviceID, "error", err)
		return "error"
	}

	c.mu.Lock()
	dev.originalBrightness = current
	dev.hasOriginal = true
	c.mu.Unlock()

	c.metrics.DefenseMeasures.WithLabelValues("brightness", "success").Inc()
	return "success"
}

func (c *Controller) enablePowerSaving(ctx context.Context, deviceID string) string {
	if err := c.gateway.SetPowerSaving(ctx, deviceID, true); err != nil {
		c.metrics.DefenseMeasures.WithLabelValues("power_saving", "error").Inc()
		c.logger.Warn("power saving enable failed", "device_id", deviceID, "error", err)
		return "error"
	}
	c.metrics.DefenseMeasures.WithLabelValues("power_saving", "success").Inc()
	return "success"
}

func (c *Controller) sendEmergencyLocation(ctx context.Context, deviceID string) string {
	if c.emergency == nil {
		c.metrics.DefenseMeasures.WithLabelValues("location", "skipped").Inc()
		return "skipped"
	}
	if err := c.emergency.ReportEmergency(ctx, deviceID); err != nil {
		c.metrics.DefenseMeasures.WithLabelValues("location", "error").Inc()
		c.logger.Warn("emergency location send failed", "device_id", deviceID, "error", err)
		return "error"
	}
	c.metrics.DefenseMeasures.WithLabelValues("location", "success").Inc()
	return "success"
}

// restoreBrightness uses the captured pre-activation level when available and
// a comfortable default otherwise.
func (c *Controller) restoreBrightness(ctx context.Context, deviceID string, dev *deviceState) error {
	c.mu.Lock()
	level := DefaultBrightness
	if dev.hasOriginal {
		level = dev.originalBrightness
	}
	c.mu.Unlock()

	if err := c.gateway.SetBrightness(ctx, deviceID, level); err != nil {
		return fmt.Errorf("restore brightness: %w", err)
	}
	return nil
}
