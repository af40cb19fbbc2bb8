package domain

import (
	"math"
	"sort"
)

const (
	// EarthRadiusKm is the mean Earth radius used for great-circle distances.
	EarthRadiusKm = 6371.0

	// DefaultWaveSpeedKmPerSec models S-wave propagation. See the package doc
	// for why S-waves are used over the faster P-waves.
	DefaultWaveSpeedKmPerSec = 3.5

	// DefaultWarningMinDistanceKm is the proximity floor: users closer than
	// this to the epicenter are the reporter or co-located and get no warning.
	DefaultWarningMinDistanceKm = 1.0

	// DefaultWarningUrgentSeconds is the urgency boundary. Strictly less than
	// this arrival time is urgent; exactly at it is not.
	DefaultWarningUrgentSeconds = 10.0
)

// HaversineKm returns the great-circle distance between two coordinates in
// kilometers. Symmetric, and zero for identical points.
func HaversineKm(a, b Geo) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// ArrivalSeconds returns the estimated seconds until shaking reaches a point
// distanceKm from the epicenter. A non-positive wave speed falls back to the
// S-wave default.
func ArrivalSeconds(distanceKm, waveSpeedKmPerSec float64) float64 {
	if waveSpeedKmPerSec <= 0 {
		waveSpeedKmPerSec = DefaultWaveSpeedKmPerSec
	}
	return distanceKm / waveSpeedKmPerSec
}

// WarningOptions are the tunable constants of the warning fanout. The
// defaults reproduce the observed calibration; none of the values have a
// stated scientific basis, which is why they are options and not constants.
type WarningOptions struct {
	WaveSpeedKmPerSec float64
	MinDistanceKm     float64
	UrgentSeconds     float64
}

// DefaultWarningOptions returns the standard calibration.
func DefaultWarningOptions() WarningOptions {
	return WarningOptions{
		WaveSpeedKmPerSec: DefaultWaveSpeedKmPerSec,
		MinDistanceKm:     DefaultWarningMinDistanceKm,
		UrgentSeconds:     DefaultWarningUrgentSeconds,
	}
}

// ComputeWarnings produces one WarningCalculation per eligible candidate
// location, sorted ascending by arrival time. The ordering is a contract:
// dispatch processes the most urgent warnings first. Candidates inside the
// minimum distance are skipped.
func ComputeWarnings(epicenter Geo, candidates []UserLocation, opts WarningOptions) []WarningCalculation {
	if opts.MinDistanceKm <= 0 {
		opts.MinDistanceKm = DefaultWarningMinDistanceKm
	}
	if opts.UrgentSeconds <= 0 {
		opts.UrgentSeconds = DefaultWarningUrgentSeconds
	}

	warnings := make([]WarningCalculation, 0, len(candidates))
	for _, loc := range candidates {
		distance := HaversineKm(epicenter, loc.Geo)
		if distance < opts.MinDistanceKm {
			continue
		}
		arrival := ArrivalSeconds(distance, opts.WaveSpeedKmPerSec)
		warnings = append(warnings, WarningCalculation{
			UserID:             loc.UserID,
			DistanceKm:         distance,
			ArrivalTimeSeconds: arrival,
			IsUrgent:           arrival < opts.UrgentSeconds,
			UserLocation:       loc.Geo,
		})
	}

	sort.SliceStable(warnings, func(i, j int) bool {
		return warnings[i].ArrivalTimeSeconds < warnings[j].ArrivalTimeSeconds
	})
	return warnings
}
