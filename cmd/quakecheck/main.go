// Command quakecheck replays a genshake fixture through the real detection
// state machine and verifies the fixture's integrity plus the detection
// outcome. It catches fixture drift before it breaks test assertions.
//
// Usage:
//
//	go run ./cmd/quakecheck -fixture data/mock/sustained.json \
//	  -expect-events 1 -expect-defense 0
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/quake-sentinel/internal/detector"
	"github.com/couchcryptid/quake-sentinel/internal/domain"
)

// phase tracks pass/fail for one validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	fixture := flag.String("fixture", "", "path to a genshake JSON fixture")
	expectEvents := flag.Int("expect-events", -1, "expected finalized event count (-1 to skip)")
	expectDiscards := flag.Int("expect-discards", -1, "expected discarded excursion count (-1 to skip)")
	expectDefense := flag.Int("expect-defense", -1, "expected defense activation count (-1 to skip)")
	flag.Parse()

	if *fixture == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*fixture, *expectEvents, *expectDiscards, *expectDefense); code != 0 {
		os.Exit(code)
	}
}

func run(fixturePath string, expectEvents, expectDiscards, expectDefense int) int {
	frames, err := loadFixture(fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading fixture: %v\n", err)
		return 1
	}

	phases := []*phase{
		checkIntegrity(frames),
		checkIntensity(frames),
		checkDetection(frames, expectEvents, expectDiscards, expectDefense),
		checkWarningMath(),
	}

	failed := 0
	for _, p := range phases {
		if p.passed() {
			fmt.Printf("PASS  %s\n", p.name)
			continue
		}
		failed++
		fmt.Printf("FAIL  %s\n", p.name)
		for _, e := range p.errors {
			fmt.Printf("      %s\n", e)
		}
	}

	if failed > 0 {
		fmt.Printf("\n%d of %d phases failed\n", failed, len(phases))
		return 1
	}
	fmt.Printf("\nall %d phases passed\n", len(phases))
	return 0
}

func loadFixture(path string) ([]domain.SampleFrame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var frames []domain.SampleFrame
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return frames, nil
}

// checkIntegrity verifies the fixture is a well-formed single-device stream.
func checkIntegrity(frames []domain.SampleFrame) *phase {
	p := &phase{name: "fixture integrity"}
	if len(frames) == 0 {
		p.errorf("fixture holds no frames")
		return p
	}

	deviceID := frames[0].DeviceID
	userID := frames[0].UserID
	if deviceID == "" {
		p.errorf("frame 0 has an empty device ID")
	}

	for i := range frames {
		f := &frames[i]
		if f.DeviceID != deviceID {
			p.errorf("frame %d: device ID %q differs from %q", i, f.DeviceID, deviceID)
		}
		if f.UserID != userID {
			p.errorf("frame %d: user ID %q differs from %q", i, f.UserID, userID)
		}
		if f.Timestamp.IsZero() {
			p.errorf("frame %d: zero timestamp", i)
		}
		if i > 0 && !frames[i-1].Timestamp.Before(f.Timestamp) {
			p.errorf("frame %d: timestamp %s not after previous %s", i, f.Timestamp, frames[i-1].Timestamp)
		}
		if !f.Accelerometer.Finite() {
			p.errorf("frame %d: non-finite accelerometer sample", i)
		}
		if !f.Gyroscope.Finite() {
			p.errorf("frame %d: non-finite gyroscope sample", i)
		}
	}
	return p
}

// checkIntensity verifies the combined intensity metric over every frame.
func checkIntensity(frames []domain.SampleFrame) *phase {
	p := &phase{name: "intensity metric"}
	var peak float64
	for i := range frames {
		f := &frames[i]
		intensity := domain.CombinedIntensity(f.Accelerometer, f.Gyroscope)
		if intensity < 0 {
			p.errorf("frame %d: negative intensity %g", i, intensity)
		}
		if intensity > peak {
			peak = intensity
		}
	}
	fmt.Printf("peak intensity: %.3f over %d frames\n", peak, len(frames))
	return p
}

// checkDetection replays the frames through a detector with a fake clock
// pinned to the fixture timestamps and compares the outcome counts.
func checkDetection(frames []domain.SampleFrame, expectEvents, expectDiscards, expectDefense int) *phase {
	p := &phase{name: "detection replay"}
	if len(frames) == 0 {
		p.errorf("nothing to replay")
		return p
	}

	clock := clockwork.NewFakeClockAt(frames[0].Timestamp)
	d := detector.New(detector.DefaultConfig(), clock, frames[0].DeviceID, frames[0].UserID)

	var started, finalized, discarded, defense int
	prev := frames[0].Timestamp
	for i := range frames {
		f := &frames[i]
		if delta := f.Timestamp.Sub(prev); delta > 0 {
			clock.Advance(delta)
		}
		prev = f.Timestamp

		res := d.Process(f.Accelerometer, f.Gyroscope)
		if res.EventStarted {
			started++
		}
		if res.ActivateDefense {
			defense++
		}
		if res.Discarded {
			discarded++
		}
		if res.Finalized != nil {
			finalized++
			fmt.Printf("event %s: avg intensity %.3f, peak accel %.3f, duration %.1fs\n",
				res.Finalized.ID, res.Finalized.AverageIntensity,
				res.Finalized.PeakAcceleration, res.Finalized.DurationSeconds)
		}
	}

	// An excursion still open at the end of the fixture is a fixture bug:
	// every scenario is expected to return to rest.
	clock.Advance(time.Minute)
	tail := d.Process(domain.SensorSample{Z: domain.GravityMS2}, domain.SensorSample{})
	if tail.Finalized != nil || tail.Discarded {
		p.errorf("fixture ended mid-event")
	}

	fmt.Printf("replay: %d started, %d finalized, %d discarded, %d defense activations\n",
		started, finalized, discarded, defense)

	if expectEvents >= 0 && finalized != expectEvents {
		p.errorf("finalized events: got %d, want %d", finalized, expectEvents)
	}
	if expectDiscards >= 0 && discarded != expectDiscards {
		p.errorf("discarded excursions: got %d, want %d", discarded, expectDiscards)
	}
	if expectDefense >= 0 && defense != expectDefense {
		p.errorf("defense activations: got %d, want %d", defense, expectDefense)
	}
	return p
}

// checkWarningMath runs the warning computation against a synthetic ring of
// users around a fixed epicenter and verifies the dispatch contract: ordered
// ascending by arrival, co-located users skipped, urgency strictly under the
// boundary.
func checkWarningMath() *phase {
	p := &phase{name: "warning fanout math"}

	epicenter := domain.Geo{Lat: 35.0, Lon: 139.0}
	kmPerDegLat := 111.19
	candidates := []domain.UserLocation{
		{UserID: "far", Geo: domain.Geo{Lat: 35.0 + 100/kmPerDegLat, Lon: 139.0}},
		{UserID: "near", Geo: domain.Geo{Lat: 35.0 + 10/kmPerDegLat, Lon: 139.0}},
		{UserID: "colocated", Geo: domain.Geo{Lat: 35.0 + 0.5/kmPerDegLat, Lon: 139.0}},
		{UserID: "mid", Geo: domain.Geo{Lat: 35.0 + 60/kmPerDegLat, Lon: 139.0}},
	}

	warnings := domain.ComputeWarnings(epicenter, candidates, domain.DefaultWarningOptions())
	if len(warnings) != 3 {
		p.errorf("warnings: got %d, want 3 (co-located user skipped)", len(warnings))
		return p
	}
	for i := 1; i < len(warnings); i++ {
		if warnings[i].ArrivalTimeSeconds < warnings[i-1].ArrivalTimeSeconds {
			p.errorf("warning %d arrives before warning %d", i, i-1)
		}
	}
	if warnings[0].UserID != "near" || !warnings[0].IsUrgent {
		p.errorf("nearest user should be first and urgent, got %q urgent=%v",
			warnings[0].UserID, warnings[0].IsUrgent)
	}
	for _, w := range warnings[1:] {
		if w.IsUrgent {
			p.errorf("user %q at %.1f km should not be urgent", w.UserID, w.DistanceKm)
		}
	}
	return p
}
