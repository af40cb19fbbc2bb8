// Package postgres persists shared state: reports visible to every instance,
// the user location directory the warning fanout reads, and the warning
// audit trail.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/couchcryptid/quake-sentinel/internal/config"
	"github.com/couchcryptid/quake-sentinel/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	lat         DOUBLE PRECISION NOT NULL,
	lon         DOUBLE PRECISION NOT NULL,
	intensity   INTEGER NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS user_locations (
	id        BIGSERIAL PRIMARY KEY,
	user_id   TEXT NOT NULL,
	lat       DOUBLE PRECISION NOT NULL,
	lon       DOUBLE PRECISION NOT NULL,
	accuracy  DOUBLE PRECISION NOT NULL DEFAULT 0,
	emergency BOOLEAN NOT NULL DEFAULT FALSE,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS user_locations_user_ts ON user_locations (user_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS warning_audit (
	id           BIGSERIAL PRIMARY KEY,
	report_id    TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	distance_km  DOUBLE PRECISION NOT NULL,
	arrival_s    DOUBLE PRECISION NOT NULL,
	is_urgent    BOOLEAN NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);
`

// Store wraps the shared Postgres database.
// It implements detector.ReportSink, report.Sink, warning.Directory, and
// warning.AuditStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens the database and verifies connectivity.
func NewStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// NewStoreWithDB wraps an existing connection, used by tests.
func NewStoreWithDB(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// SinkReport stores one report. Replays of an already-stored report are
// ignored, so the change-feed consumer group can safely reprocess.
func (s *Store) SinkReport(ctx context.Context, r domain.EarthquakeReport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, user_id, lat, lon, intensity, description, source, timestamp, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.UserID, r.Epicenter.Lat, r.Epicenter.Lon,
		r.Intensity, r.Description, r.Source, r.Timestamp, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// RecentReports lists stored reports, newest first.
func (s *Store) RecentReports(ctx context.Context, limit int) ([]domain.EarthquakeReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, lat, lon, intensity, description, source, timestamp, created_at
		FROM reports
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var reports []domain.EarthquakeReport
	for rows.Next() {
		var r domain.EarthquakeReport
		if err := rows.Scan(&r.ID, &r.UserID, &r.Epicenter.Lat, &r.Epicenter.Lon,
			&r.Intensity, &r.Description, &r.Source, &r.Timestamp, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// ClearReports removes every stored report. Maintenance operation.
func (s *Store) ClearReports(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports`)
	if err != nil {
		return 0, fmt.Errorf("clear reports: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear reports count: %w", err)
	}
	return n, nil
}

// SaveLocation appends one location sample to the directory.
func (s *Store) SaveLocation(ctx context.Context, loc domain.UserLocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_locations (user_id, lat, lon, accuracy, emergency, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		loc.UserID, loc.Geo.Lat, loc.Geo.Lon, loc.Accuracy, loc.Emergency, loc.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert location: %w", err)
	}
	return nil
}

// RecentLocations returns each user's freshest location newer than since.
func (s *Store) RecentLocations(ctx context.Context, since time.Time) ([]domain.UserLocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (user_id) user_id, lat, lon, accuracy, emergency, timestamp
		FROM user_locations
		WHERE timestamp > $1
		ORDER BY user_id, timestamp DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("query locations: %w", err)
	}
	defer rows.Close()

	var locations []domain.UserLocation
	for rows.Next() {
		var loc domain.UserLocation
		if err := rows.Scan(&loc.UserID, &loc.Geo.Lat, &loc.Geo.Lon,
			&loc.Accuracy, &loc.Emergency, &loc.Timestamp); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

// RecordWarnings writes the audit rows for one fanout in a single
// transaction.
func (s *Store) RecordWarnings(ctx context.Context, reportID string, warnings []domain.WarningCalculation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin warning audit: %w", err)
	}
	defer tx.Rollback()

	for _, w := range warnings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO warning_audit (report_id, user_id, distance_km, arrival_s, is_urgent, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())`,
			reportID, w.UserID, w.DistanceKm, w.ArrivalTimeSeconds, w.IsUrgent,
		); err != nil {
			return fmt.Errorf("insert warning audit: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit warning audit: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
