// Package domain models smartphone-based seismic detection data.
//
// # Intensity Metric
//
// Phones report 3-axis accelerometer and gyroscope samples. Each sampling
// tick is collapsed into a single unitless intensity value:
//
//	intensity = |magnitude(accel) - 9.81| + 15*magnitude(gyro)
//
// The accelerometer term measures deviation from resting gravity (the device
// is assumed roughly stationary between events); the gyroscope term is
// amplified by 15 because rotational noise is small in absolute terms but a
// strong shaking indicator. The result is not a calibrated seismological
// magnitude; it only has to be comparable against the detection thresholds
// below.
//
// Sensor glitches produce NaN or Inf axes. A sensor sample containing any
// non-finite axis contributes zero to the combined intensity (zeroing a
// single accelerometer axis would instead register as a ~9.81 deviation and
// fake an event).
//
// # Detection Thresholds
//
// The event detector (internal/detector) consumes intensity values against:
//
//	threshold  = 1.2 * sensitivity   sensitivity is user config, 0.5-2.0
//	enter      intensity > threshold AND 10-sample average > 0.8 * threshold
//	exit       intensity <= threshold
//	cooldown   10 s between event starts
//	minimum    events shorter than 2 s are discarded entirely
//
// # Wave Arrival Model
//
// Warning fanout estimates when shaking reaches a user from the reported
// epicenter:
//
//	distance = haversine great-circle distance, Earth radius 6371 km
//	arrival  = distance / waveSpeed
//
// The default wave speed of 3.5 km/s models S-wave propagation. S-waves are
// slower than P-waves (~6 km/s) but more destructive, so using them yields a
// conservative (shorter) warning time. Users closer than 1 km to the
// epicenter are skipped: they are the reporter or effectively co-located.
// Warnings with an arrival time strictly under 10 s are urgent. All three
// constants are configuration, defaulted to the values above.
package domain
