package domain

import (
	"math"
	"time"
)

const (
	// GravityMS2 is resting gravity in m/s²; the accelerometer magnitude of a
	// stationary device.
	GravityMS2 = 9.81

	// GyroWeight amplifies the gyroscope magnitude when combining sensors.
	// Rotational readings are numerically small but a strong shaking signal.
	GyroWeight = 15.0
)

// SensorSample is one 3-axis reading from the accelerometer or gyroscope.
type SensorSample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Magnitude returns the Euclidean norm of the sample.
func (s SensorSample) Magnitude() float64 {
	return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
}

// Finite reports whether all three axes hold finite values.
func (s SensorSample) Finite() bool {
	return finite(s.X) && finite(s.Y) && finite(s.Z)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// SampleFrame is one sampling tick from a device: both sensors plus routing
// metadata. Frames are keyed by device ID on the wire so a single device's
// samples arrive in order.
type SampleFrame struct {
	DeviceID      string       `json:"device_id"`
	UserID        string       `json:"user_id"`
	Accelerometer SensorSample `json:"accelerometer"`
	Gyroscope     SensorSample `json:"gyroscope"`
	Timestamp     time.Time    `json:"timestamp"`
}

// CombinedIntensity collapses an accelerometer/gyroscope sample pair into the
// unitless intensity metric:
//
//	|magnitude(accel) - 9.81| + 15*magnitude(gyro)
//
// A sensor containing a non-finite axis contributes zero, so a glitching
// sensor degrades the metric instead of poisoning the detection window. For
// finite inputs the result is always finite and non-negative.
func CombinedIntensity(accel, gyro SensorSample) float64 {
	var deviation float64
	if accel.Finite() {
		deviation = math.Abs(accel.Magnitude() - GravityMS2)
	}

	var rotation float64
	if gyro.Finite() {
		rotation = gyro.Magnitude() * GyroWeight
	}

	return deviation + rotation
}
