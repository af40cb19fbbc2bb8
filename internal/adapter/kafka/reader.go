// Package kafka adapts the sample stream and the shared report feed. Sample
// messages are keyed by device ID, so one device's samples land on one
// partition and arrive at the detector strictly in order.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/quake-sentinel/internal/config"
	"github.com/couchcryptid/quake-sentinel/internal/domain"
)

// SampleReader consumes sensor sample frames.
// It implements detector.SampleSource.
type SampleReader struct {
	reader *kafkago.Reader
	logger *slog.Logger
}

// NewSampleReader creates a consumer for the sample topic.
func NewSampleReader(cfg *config.Config, logger *slog.Logger) *SampleReader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaSamplesTopic,
		GroupID: cfg.KafkaGroupID,
	})
	return &SampleReader{reader: r, logger: logger}
}

// Fetch blocks until the next sample frame arrives. Unparseable messages are
// skipped with a warning; a sensor glitch must not wedge the stream.
func (r *SampleReader) Fetch(ctx context.Context) (domain.SampleFrame, error) {
	for {
		msg, err := r.reader.ReadMessage(ctx)
		if err != nil {
			return domain.SampleFrame{}, fmt.Errorf("read sample message: %w", err)
		}
		frame, err := mapMessageToSampleFrame(msg)
		if err != nil {
			r.logger.Warn("skipping malformed sample message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}
		return frame, nil
	}
}

func (r *SampleReader) Close() error {
	return r.reader.Close()
}

// ReportReader consumes the shared report feed.
// It implements warning.ReportSource.
type ReportReader struct {
	reader *kafkago.Reader
	logger *slog.Logger
}

// NewReportReader creates a consumer for the report topic. It joins its own
// consumer group so the warning fanout and the detectors never compete for
// messages.
func NewReportReader(cfg *config.Config, logger *slog.Logger) *ReportReader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaReportsTopic,
		GroupID: cfg.KafkaGroupID + "-warnings",
	})
	return &ReportReader{reader: r, logger: logger}
}

// Fetch blocks until the next report arrives.
func (r *ReportReader) Fetch(ctx context.Context) (domain.EarthquakeReport, error) {
	for {
		msg, err := r.reader.ReadMessage(ctx)
		if err != nil {
			return domain.EarthquakeReport{}, fmt.Errorf("read report message: %w", err)
		}
		report, err := mapMessageToReport(msg)
		if err != nil {
			r.logger.Warn("skipping malformed report message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}
		return report, nil
	}
}

func (r *ReportReader) Close() error {
	return r.reader.Close()
}

// mapMessageToSampleFrame parses a sample message. The device ID comes from
// the message key when the payload omits it.
func mapMessageToSampleFrame(msg kafkago.Message) (domain.SampleFrame, error) {
	var frame domain.SampleFrame
	if err := json.Unmarshal(msg.Value, &frame); err != nil {
		return domain.SampleFrame{}, fmt.Errorf("parse sample frame: %w", err)
	}
	if frame.DeviceID == "" {
		frame.DeviceID = string(msg.Key)
	}
	if frame.DeviceID == "" {
		return domain.SampleFrame{}, fmt.Errorf("sample frame has no device id")
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = msg.Time
	}
	return frame, nil
}

func mapMessageToReport(msg kafkago.Message) (domain.EarthquakeReport, error) {
	var report domain.EarthquakeReport
	if err := json.Unmarshal(msg.Value, &report); err != nil {
		return domain.EarthquakeReport{}, fmt.Errorf("parse report: %w", err)
	}
	if report.ID == "" {
		return domain.EarthquakeReport{}, fmt.Errorf("report has no id")
	}
	return report, nil
}
