package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Geo represents a WGS-84 latitude/longitude coordinate pair.
type Geo struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// EarthquakeEvent is a finalized detection: the detector entered an event,
// stayed above threshold for at least the minimum duration, and dropped back
// to idle. Sub-minimum excursions never become events.
type EarthquakeEvent struct {
	ID               string    `json:"id"`
	DeviceID         string    `json:"device_id"`
	UserID           string    `json:"user_id,omitempty"`
	StartTime        time.Time `json:"start_time"`
	DurationSeconds  float64   `json:"duration_seconds"`
	AverageIntensity float64   `json:"average_intensity"`
	PeakAcceleration float64   `json:"peak_acceleration"`
	Location         *Geo      `json:"location,omitempty"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// EventID produces a deterministic ID from the device and event start time.
// Reprocessing the same sample stream yields the same ID, so replays cannot
// duplicate history rows.
func EventID(deviceID string, start time.Time) string {
	input := fmt.Sprintf("%s|%d", deviceID, start.UnixNano())
	hash := sha256.Sum256([]byte(input))
	return "quake-" + hex.EncodeToString(hash[:8])
}

// EarthquakeReport is the row shared with other users: either a finalized
// detection or a manual user report. Immutable once created; removable only
// via the bulk-clear maintenance operation.
type EarthquakeReport struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Epicenter   Geo       `json:"epicenter"`
	Intensity   int       `json:"intensity"` // 1-10
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source"` // "detector" or "manual"
	Timestamp   time.Time `json:"timestamp"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReportIntensityMin and ReportIntensityMax bound the 1-10 report scale.
const (
	ReportIntensityMin = 1
	ReportIntensityMax = 10
)

// ReportIntensity maps a raw average intensity onto the 1-10 report scale by
// rounding and clamping.
func ReportIntensity(averageIntensity float64) int {
	n := int(math.Round(averageIntensity))
	if n < ReportIntensityMin {
		return ReportIntensityMin
	}
	if n > ReportIntensityMax {
		return ReportIntensityMax
	}
	return n
}

// ReportFromEvent converts a finalized detection into the report row written
// to the shared store and change-feed. Events without a captured location
// cannot be shared (there is no epicenter to warn against).
func ReportFromEvent(ev EarthquakeEvent) (EarthquakeReport, bool) {
	if ev.Location == nil {
		return EarthquakeReport{}, false
	}
	return EarthquakeReport{
		ID:        uuid.NewString(),
		UserID:    ev.UserID,
		Epicenter: *ev.Location,
		Intensity: ReportIntensity(ev.AverageIntensity),
		Source:    "detector",
		Timestamp: ev.StartTime,
		CreatedAt: clock.Now().UTC(),
	}, true
}

// UserLocation is one row of the append-only location log. The warning
// fanout uses only the most recent row per user inside the lookback window.
type UserLocation struct {
	UserID    string    `json:"user_id"`
	Geo       Geo       `json:"geo"`
	Accuracy  float64   `json:"accuracy,omitempty"` // meters, 0 when unknown
	Timestamp time.Time `json:"timestamp"`
	Emergency bool      `json:"emergency"`
}

// WarningCalculation is the transient per-user result of the warning fanout,
// discarded after dispatch.
type WarningCalculation struct {
	UserID             string  `json:"user_id"`
	DistanceKm         float64 `json:"distance_km"`
	ArrivalTimeSeconds float64 `json:"arrival_time_seconds"`
	IsUrgent           bool    `json:"is_urgent"`
	UserLocation       Geo     `json:"user_location"`
}

// PushNotification is the payload handed to the push gateway.
type PushNotification struct {
	UserID   string         `json:"user_id"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Priority string         `json:"priority"` // "max" or "default"
	Payload  map[string]any `json:"payload,omitempty"`
}

// DetectionSnapshot is the live per-device signal exposed for UI consumption,
// refreshed on every sampling tick.
type DetectionSnapshot struct {
	DeviceID             string    `json:"device_id"`
	IsDetected           bool      `json:"is_detected"`
	CurrentIntensity     float64   `json:"current_intensity"`
	IsInEvent            bool      `json:"is_in_event"`
	CurrentEventLocation *Geo      `json:"current_event_location,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}
