package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/quake-sentinel/internal/config"
	"github.com/couchcryptid/quake-sentinel/internal/domain"
)

// ReportWriter publishes reports to the shared feed.
// It implements detector.ReportSink and report.Sink.
type ReportWriter struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewReportWriter creates a producer for the report topic.
func NewReportWriter(cfg *config.Config, logger *slog.Logger) *ReportWriter {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaReportsTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &ReportWriter{writer: w, logger: logger}
}

// SinkReport serializes and publishes one report.
func (w *ReportWriter) SinkReport(ctx context.Context, report domain.EarthquakeReport) error {
	msg, err := serializeReport(report)
	if err != nil {
		return err
	}
	return w.writer.WriteMessages(ctx, msg)
}

func (w *ReportWriter) Close() error {
	return w.writer.Close()
}

// SampleWriter publishes sensor sample frames, keyed by device ID to keep
// each device's stream on a single partition.
type SampleWriter struct {
	writer *kafkago.Writer
}

// NewSampleWriter creates a producer for the sample topic.
func NewSampleWriter(cfg *config.Config) *SampleWriter {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSamplesTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &SampleWriter{writer: w}
}

// WriteFrames publishes sample frames in a single WriteMessages call.
func (w *SampleWriter) WriteFrames(ctx context.Context, frames ...domain.SampleFrame) error {
	msgs := make([]kafkago.Message, len(frames))
	for i := range frames {
		msg, err := serializeSampleFrame(frames[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *SampleWriter) Close() error {
	return w.writer.Close()
}

// serializeReport marshals a report into a Kafka message.
func serializeReport(report domain.EarthquakeReport) (kafkago.Message, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize report: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(report.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "source", Value: []byte(report.Source)},
			{Key: "created_at", Value: []byte(report.CreatedAt.Format(time.RFC3339))},
		},
	}, nil
}

// serializeSampleFrame marshals a sample frame into a Kafka message.
func serializeSampleFrame(frame domain.SampleFrame) (kafkago.Message, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize sample frame: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(frame.DeviceID),
		Value: data,
		Time:  frame.Timestamp,
	}, nil
}
