// Command genshake generates synthetic sensor sample frames for exercising
// the detection pipeline. It builds accelerometer/gyroscope waveforms for a
// handful of scenarios using the actual domain intensity math, then either
// writes them to a JSON fixture or publishes them to the samples topic.
//
// Usage:
//
//	go run ./cmd/genshake -scenario sustained -out data/mock/sustained.json
//	go run ./cmd/genshake -scenario spike -publish
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	kafkaadapter "github.com/couchcryptid/quake-sentinel/internal/adapter/kafka"
	"github.com/couchcryptid/quake-sentinel/internal/config"
	"github.com/couchcryptid/quake-sentinel/internal/domain"
	"github.com/couchcryptid/quake-sentinel/internal/observability"
)

// baseTime keeps generated fixtures reproducible.
var baseTime = time.Date(2025, time.March, 11, 14, 46, 0, 0, time.UTC)

const sampleInterval = 100 * time.Millisecond

type scenarioDef struct {
	name     string
	describe string
	build    func(deviceID, userID string) []domain.SampleFrame
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	scenario := flag.String("scenario", "sustained", "scenario to generate: quiet, spike, sustained, severe")
	deviceID := flag.String("device", "genshake-device", "device ID stamped on every frame")
	userID := flag.String("user", "genshake-user", "user ID stamped on every frame")
	out := flag.String("out", "", "output path for a JSON fixture")
	publish := flag.Bool("publish", false, "publish frames to the samples topic instead of writing a fixture")
	flag.Parse()

	defs := scenarios()
	def, ok := defs[*scenario]
	if !ok {
		flag.Usage()
		return fmt.Errorf("unknown scenario %q", *scenario)
	}

	frames := def.build(*deviceID, *userID)
	log.Printf("%s: %d frames over %s", def.name, len(frames), time.Duration(len(frames))*sampleInterval)
	printStats(frames)

	if *publish {
		return publishFrames(frames)
	}
	if *out == "" {
		flag.Usage()
		return fmt.Errorf("either -out or -publish is required")
	}
	if err := writeJSON(*out, frames); err != nil {
		return fmt.Errorf("writing fixture: %w", err)
	}
	log.Printf("wrote fixture: %s", *out)
	return nil
}

func scenarios() map[string]scenarioDef {
	return map[string]scenarioDef{
		"quiet": {
			name:     "quiet",
			describe: "30 s of a device at rest, sensor noise only",
			build: func(deviceID, userID string) []domain.SampleFrame {
				return buildFrames(deviceID, userID, 300, func(i int) (domain.SensorSample, domain.SensorSample) {
					return restingAccel(i, 0.05), quietGyro(i)
				})
			},
		},
		"spike": {
			name:     "spike",
			describe: "a single sharp jolt shorter than the minimum event duration",
			build: func(deviceID, userID string) []domain.SampleFrame {
				return buildFrames(deviceID, userID, 120, func(i int) (domain.SensorSample, domain.SensorSample) {
					if i >= 50 && i < 60 {
						return shakingAccel(i, 3.0), shakingGyro(i, 0.08)
					}
					return restingAccel(i, 0.05), quietGyro(i)
				})
			},
		},
		"sustained": {
			name:     "sustained",
			describe: "5 s of moderate shaking, enough to finalize an event",
			build: func(deviceID, userID string) []domain.SampleFrame {
				return buildFrames(deviceID, userID, 200, func(i int) (domain.SensorSample, domain.SensorSample) {
					if i >= 50 && i < 100 {
						return shakingAccel(i, 2.0), shakingGyro(i, 0.05)
					}
					return restingAccel(i, 0.05), quietGyro(i)
				})
			},
		},
		"severe": {
			name:     "severe",
			describe: "8 s of violent shaking that should trip defense mode",
			build: func(deviceID, userID string) []domain.SampleFrame {
				return buildFrames(deviceID, userID, 250, func(i int) (domain.SensorSample, domain.SensorSample) {
					if i >= 40 && i < 120 {
						return shakingAccel(i, 5.0), shakingGyro(i, 0.2)
					}
					return restingAccel(i, 0.05), quietGyro(i)
				})
			},
		},
	}
}

func buildFrames(deviceID, userID string, n int, sample func(i int) (domain.SensorSample, domain.SensorSample)) []domain.SampleFrame {
	frames := make([]domain.SampleFrame, n)
	for i := range frames {
		accel, gyro := sample(i)
		frames[i] = domain.SampleFrame{
			DeviceID:      deviceID,
			UserID:        userID,
			Accelerometer: accel,
			Gyroscope:     gyro,
			Timestamp:     baseTime.Add(time.Duration(i) * sampleInterval),
		}
	}
	return frames
}

// restingAccel is gravity on the Z axis plus a small sinusoidal wobble.
func restingAccel(i int, noise float64) domain.SensorSample {
	return domain.SensorSample{
		X: noise * math.Sin(float64(i)*0.7),
		Y: noise * math.Cos(float64(i)*1.3),
		Z: domain.GravityMS2,
	}
}

func quietGyro(i int) domain.SensorSample {
	return domain.SensorSample{X: 0.002 * math.Sin(float64(i)*0.9)}
}

// shakingAccel superimposes an oscillation of the given amplitude on gravity.
func shakingAccel(i int, amplitude float64) domain.SensorSample {
	phase := float64(i) * 2.1
	return domain.SensorSample{
		X: amplitude * math.Sin(phase),
		Y: amplitude * 0.6 * math.Cos(phase*1.4),
		Z: domain.GravityMS2 + amplitude*0.3*math.Sin(phase*0.8),
	}
}

func shakingGyro(i int, amplitude float64) domain.SensorSample {
	phase := float64(i) * 1.7
	return domain.SensorSample{
		X: amplitude * math.Sin(phase),
		Y: amplitude * math.Cos(phase),
		Z: amplitude * 0.5 * math.Sin(phase*2.2),
	}
}

func publishFrames(frames []domain.SampleFrame) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	writer := kafkaadapter.NewSampleWriter(cfg)
	defer writer.Close() //nolint:errcheck // nothing actionable on close failure

	logger := observability.NewLogger(cfg)
	logger.Info("publishing frames", "count", len(frames), "topic", cfg.KafkaSamplesTopic)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := writer.WriteFrames(ctx, frames...); err != nil {
		return fmt.Errorf("publishing frames: %w", err)
	}
	log.Printf("published %d frames", len(frames))
	return nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}

// printStats summarizes the generated intensities so test assertions can be
// written against the fixture without re-deriving the math.
func printStats(frames []domain.SampleFrame) {
	var peak, sum float64
	var above float64
	threshold := 1.2
	over := 0
	for i := range frames {
		f := &frames[i]
		intensity := domain.CombinedIntensity(f.Accelerometer, f.Gyroscope)
		sum += intensity
		if intensity > peak {
			peak = intensity
		}
		if intensity > threshold {
			over++
			above += intensity
		}
	}
	fmt.Println("\n=== Stats for updating test assertions ===")
	fmt.Printf("Frames: %d\n", len(frames))
	fmt.Printf("Peak intensity: %.3f\n", peak)
	fmt.Printf("Mean intensity: %.3f\n", sum/float64(len(frames)))
	if over > 0 {
		fmt.Printf("Frames above %.1f: %d (mean %.3f)\n", threshold, over, above/float64(over))
	} else {
		fmt.Printf("Frames above %.1f: 0\n", threshold)
	}
}
