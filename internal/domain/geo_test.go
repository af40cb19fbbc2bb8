package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversineKm_ZeroAndSymmetry(t *testing.T) {
	origin := Geo{}
	assert.Equal(t, 0.0, HaversineKm(origin, origin))

	a := Geo{Lat: 40.0, Lon: -74.0}
	b := Geo{Lat: 34.05, Lon: -118.25}
	assert.InEpsilon(t, HaversineKm(a, b), HaversineKm(b, a), 1e-12)
}

func TestHaversineKm_KnownDistance(t *testing.T) {
	// One degree of latitude is ~111.19 km at Earth radius 6371.
	a := Geo{Lat: 40.0, Lon: -74.0}
	b := Geo{Lat: 41.0, Lon: -74.0}
	assert.InDelta(t, 111.19, HaversineKm(a, b), 0.1)
}

func TestArrivalSeconds(t *testing.T) {
	assert.InEpsilon(t, 100.0, ArrivalSeconds(350, 3.5), 1e-12)
	assert.InEpsilon(t, 10.0, ArrivalSeconds(35, 3.5), 1e-12)

	// Non-positive speed falls back to the S-wave default.
	assert.InEpsilon(t, 100.0, ArrivalSeconds(350, 0), 1e-12)
	assert.InEpsilon(t, 100.0, ArrivalSeconds(350, -1), 1e-12)
}

func TestComputeWarnings_UrgencyBoundaryIsStrict(t *testing.T) {
	epicenter := Geo{Lat: 0, Lon: 0}
	loc := locationAtKm(t, "boundary", 10.0)

	opts := DefaultWarningOptions()
	// Arrival time equals distance in km, and the urgency threshold equals the
	// candidate's exact arrival time: strictly-less-than means not urgent.
	opts.WaveSpeedKmPerSec = 1.0
	opts.UrgentSeconds = HaversineKm(epicenter, loc.Geo)

	warnings := ComputeWarnings(epicenter, []UserLocation{loc}, opts)
	require.Len(t, warnings, 1)
	assert.False(t, warnings[0].IsUrgent, "arrival exactly at the threshold is not urgent")

	// Nudge the threshold above the arrival time and it becomes urgent.
	opts.UrgentSeconds += 1e-9
	warnings = ComputeWarnings(epicenter, []UserLocation{loc}, opts)
	require.Len(t, warnings, 1)
	assert.True(t, warnings[0].IsUrgent)
}

func TestComputeWarnings_SkipsCoLocatedUsers(t *testing.T) {
	epicenter := Geo{Lat: 40.0, Lon: -74.0}

	warnings := ComputeWarnings(epicenter, []UserLocation{
		{UserID: "reporter", Geo: epicenter},
		{UserID: "across-the-street", Geo: Geo{Lat: 40.005, Lon: -74.0}}, // ~0.56 km
		{UserID: "next-town", Geo: Geo{Lat: 40.09, Lon: -74.0}},          // ~10 km
	}, DefaultWarningOptions())

	require.Len(t, warnings, 1)
	assert.Equal(t, "next-town", warnings[0].UserID)
}

func TestComputeWarnings_SortedAscendingByArrival(t *testing.T) {
	epicenter := Geo{Lat: 0, Lon: 0}

	warnings := ComputeWarnings(epicenter, []UserLocation{
		locationAtKm(t, "far", 300),
		locationAtKm(t, "near", 20),
		locationAtKm(t, "mid", 150),
	}, DefaultWarningOptions())
	require.Len(t, warnings, 3)

	assert.Equal(t, "near", warnings[0].UserID)
	assert.Equal(t, "mid", warnings[1].UserID)
	assert.Equal(t, "far", warnings[2].UserID)
	for i := 1; i < len(warnings); i++ {
		assert.LessOrEqual(t, warnings[i-1].ArrivalTimeSeconds, warnings[i].ArrivalTimeSeconds)
	}
}

func TestComputeWarnings_EndToEndScenarios(t *testing.T) {
	epicenter := Geo{Lat: 40.0, Lon: -74.0}

	warnings := ComputeWarnings(epicenter, []UserLocation{
		{UserID: "close", Geo: Geo{Lat: 40.09, Lon: -74.0}}, // ~10 km
		{UserID: "far", Geo: Geo{Lat: 40.45, Lon: -74.0}},   // ~50 km
	}, DefaultWarningOptions())
	require.Len(t, warnings, 2)

	near := warnings[0]
	assert.Equal(t, "close", near.UserID)
	assert.InDelta(t, 10.0, near.DistanceKm, 0.2)
	assert.InDelta(t, 2.86, near.ArrivalTimeSeconds, 0.1)
	assert.True(t, near.IsUrgent)

	far := warnings[1]
	assert.Equal(t, "far", far.UserID)
	assert.InDelta(t, 50.0, far.DistanceKm, 0.5)
	assert.InDelta(t, 14.3, far.ArrivalTimeSeconds, 0.2)
	assert.False(t, far.IsUrgent)
}

func TestBuildWarningNotification(t *testing.T) {
	report := EarthquakeReport{
		ID:        "rep-1",
		Intensity: 6,
		Epicenter: Geo{Lat: 40.0, Lon: -74.0},
	}

	urgent := BuildWarningNotification(report, WarningCalculation{
		UserID:             "u-1",
		DistanceKm:         10,
		ArrivalTimeSeconds: 2.86,
		IsUrgent:           true,
	})
	assert.Equal(t, "max", urgent.Priority)
	assert.Contains(t, urgent.Body, "Take cover")
	assert.Equal(t, "earthquake_warning", urgent.Payload["type"])
	assert.Equal(t, "rep-1", urgent.Payload["earthquakeId"])
	assert.Equal(t, true, urgent.Payload["isUrgent"])

	standard := BuildWarningNotification(report, WarningCalculation{
		UserID:             "u-2",
		DistanceKm:         50,
		ArrivalTimeSeconds: 14.3,
	})
	assert.Equal(t, "default", standard.Priority)
	assert.NotContains(t, standard.Body, "Take cover")
	assert.Equal(t, report.Epicenter, standard.Payload["epicenter"])
}

func TestReportIntensity_Clamps(t *testing.T) {
	assert.Equal(t, 1, ReportIntensity(0))
	assert.Equal(t, 1, ReportIntensity(-3))
	assert.Equal(t, 3, ReportIntensity(2.6))
	assert.Equal(t, 10, ReportIntensity(10.4))
	assert.Equal(t, 10, ReportIntensity(250))
}

func TestReportFromEvent_Geo(t *testing.T) {
	ev := EarthquakeEvent{
		ID:               "ev-1",
		DeviceID:         "dev-1",
		UserID:           "u-1",
		StartTime:        time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC),
		DurationSeconds:  4.5,
		AverageIntensity: 5.7,
		Location:         &Geo{Lat: 35.0, Lon: 139.0},
	}

	report, ok := ReportFromEvent(ev)
	require.True(t, ok)
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, "u-1", report.UserID)
	assert.Equal(t, 6, report.Intensity)
	assert.Equal(t, "detector", report.Source)
	assert.Equal(t, ev.StartTime, report.Timestamp)
	assert.Equal(t, *ev.Location, report.Epicenter)

	// No captured location means no shareable epicenter.
	ev.Location = nil
	_, ok = ReportFromEvent(ev)
	assert.False(t, ok)
}

// locationAtKm places a user due north of the 0,0 epicenter at roughly the
// given great-circle distance.
func locationAtKm(t *testing.T, userID string, km float64) UserLocation {
	t.Helper()
	return UserLocation{
		UserID:    userID,
		Geo:       Geo{Lat: km / 111.195, Lon: 0},
		Timestamp: time.Now(),
	}
}
