// Package history keeps finalized events in a local SQLite database. The
// history survives restarts and stays available when Postgres or Kafka do
// not: the detector's write path must never depend on the network.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/couchcryptid/quake-sentinel/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id                TEXT PRIMARY KEY,
	device_id         TEXT NOT NULL,
	user_id           TEXT NOT NULL DEFAULT '',
	start_time        TIMESTAMP NOT NULL,
	duration_seconds  REAL NOT NULL,
	average_intensity REAL NOT NULL,
	peak_acceleration REAL NOT NULL,
	lat               REAL,
	lon               REAL,
	recorded_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS events_recorded_at ON events (recorded_at DESC);
`

// Store is the local event history.
// It implements detector.HistoryStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (or creates) the history database at path and applies the
// schema.
func NewStore(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// AppendEvent stores one finalized event. Duplicate IDs are ignored: the
// event ID is deterministic, so a replayed finalization is the same event.
func (s *Store) AppendEvent(ctx context.Context, ev domain.EarthquakeEvent) error {
	var lat, lon any
	if ev.Location != nil {
		lat, lon = ev.Location.Lat, ev.Location.Lon
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, device_id, user_id, start_time, duration_seconds,
			average_intensity, peak_acceleration, lat, lon, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.DeviceID, ev.UserID, ev.StartTime, ev.DurationSeconds,
		ev.AverageIntensity, ev.PeakAcceleration, lat, lon, ev.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecentEvents lists finalized events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]domain.EarthquakeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, user_id, start_time, duration_seconds,
			average_intensity, peak_acceleration, lat, lon, recorded_at
		FROM events
		ORDER BY recorded_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []domain.EarthquakeEvent
	for rows.Next() {
		var ev domain.EarthquakeEvent
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.UserID, &ev.StartTime,
			&ev.DurationSeconds, &ev.AverageIntensity, &ev.PeakAcceleration,
			&lat, &lon, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if lat.Valid && lon.Valid {
			ev.Location = &domain.Geo{Lat: lat.Float64, Lon: lon.Float64}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
