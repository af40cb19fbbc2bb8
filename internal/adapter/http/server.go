// Package http exposes the service API: manual reports, location ingest,
// live detection status, event history, defense control, and the
// health/readiness/metrics endpoints.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/quake-sentinel/internal/defense"
	"github.com/couchcryptid/quake-sentinel/internal/domain"
	"github.com/couchcryptid/quake-sentinel/internal/location"
	"github.com/couchcryptid/quake-sentinel/internal/report"
)

const defaultListLimit = 50

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// ReportIntake accepts manual report submissions.
type ReportIntake interface {
	Submit(ctx context.Context, sub report.Submission) (domain.EarthquakeReport, bool)
}

// ReportStore reads and clears stored reports.
type ReportStore interface {
	RecentReports(ctx context.Context, limit int) ([]domain.EarthquakeReport, error)
	ClearReports(ctx context.Context) (int64, error)
}

// LocationRecorder ingests user location samples.
type LocationRecorder interface {
	Record(ctx context.Context, loc domain.UserLocation) error
}

// DetectionStatus exposes the live per-device detection signal.
type DetectionStatus interface {
	Snapshots() []domain.DetectionSnapshot
}

// EventHistory reads finalized events from the local store.
type EventHistory interface {
	RecentEvents(ctx context.Context, limit int) ([]domain.EarthquakeEvent, error)
}

// DefenseController drives defense mode per device.
type DefenseController interface {
	Activate(ctx context.Context, deviceID, trigger string) error
	Deactivate(ctx context.Context, deviceID string) error
	MarkFalseAlarm(ctx context.Context, deviceID string) error
	RestoreBrightness(ctx context.Context, deviceID string) error
	Status(deviceID string) defense.Status
	Statuses() []defense.Status
}

// Dependencies carries everything the API routes need.
type Dependencies struct {
	Ready     ReadinessChecker
	Intake    ReportIntake
	Reports   ReportStore
	Locations LocationRecorder
	Status    DetectionStatus
	History   EventHistory
	Defense   DefenseController
}

// Server exposes the service's HTTP API.
type Server struct {
	httpServer *http.Server
	deps       Dependencies
	logger     *slog.Logger
}

// NewServer creates the API server and registers all routes.
func NewServer(addr string, deps Dependencies, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		deps:   deps,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /reports", s.handleSubmitReport)
	mux.HandleFunc("GET /reports", s.handleListReports)
	mux.HandleFunc("DELETE /reports", s.handleClearReports)

	mux.HandleFunc("POST /locations", s.handleRecordLocation)

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /history", s.handleHistory)

	mux.HandleFunc("GET /defense", s.handleDefenseStatus)
	mux.HandleFunc("POST /defense/activate", s.handleDefenseActivate)
	mux.HandleFunc("POST /defense/deactivate", s.handleDefenseDeactivate)
	mux.HandleFunc("POST /defense/false-alarm", s.handleDefenseFalseAlarm)
	mux.HandleFunc("POST /defense/restore-brightness", s.handleDefenseRestoreBrightness)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Ready.CheckReadiness(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleSubmitReport accepts a manual report. A submission with an
// out-of-range intensity is dropped without an error response body, matching
// the detector's quiet handling of noise: 204, nothing stored.
func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	var sub report.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	stored, ok := s.deps.Intake.Submit(r.Context(), sub)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultListLimit)
	reports, err := s.deps.Reports.RecentReports(r.Context(), limit)
	if err != nil {
		s.logger.Error("list reports failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list reports")
		return
	}
	if reports == nil {
		reports = []domain.EarthquakeReport{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleClearReports(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Reports.ClearReports(r.Context())
	if err != nil {
		s.logger.Error("clear reports failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not clear reports")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleRecordLocation(w http.ResponseWriter, r *http.Request) {
	var loc domain.UserLocation
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.deps.Locations.Record(r.Context(), loc); err != nil {
		if errors.Is(err, location.ErrInvalidSample) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("record location failed", "user_id", loc.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not record location")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snapshots := s.deps.Status.Snapshots()
	if snapshots == nil {
		snapshots = []domain.DetectionSnapshot{}
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultListLimit)
	events, err := s.deps.History.RecentEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("list history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list history")
		return
	}
	if events == nil {
		events = []domain.EarthquakeEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleDefenseStatus(w http.ResponseWriter, r *http.Request) {
	if deviceID := r.URL.Query().Get("device_id"); deviceID != "" {
		writeJSON(w, http.StatusOK, s.deps.Defense.Status(deviceID))
		return
	}
	statuses := s.deps.Defense.Statuses()
	if statuses == nil {
		statuses = []defense.Status{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleDefenseActivate(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceFromBody(w, r)
	if !ok {
		return
	}
	if err := s.deps.Defense.Activate(r.Context(), deviceID, "manual"); err != nil {
		if errors.Is(err, defense.ErrFalseAlarmLocked) {
			writeError(w, http.StatusLocked, err.Error())
			return
		}
		s.logger.Error("defense activation failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Defense.Status(deviceID))
}

func (s *Server) handleDefenseDeactivate(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceFromBody(w, r)
	if !ok {
		return
	}
	if err := s.deps.Defense.Deactivate(r.Context(), deviceID); err != nil {
		s.logger.Error("defense deactivation failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Defense.Status(deviceID))
}

func (s *Server) handleDefenseFalseAlarm(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceFromBody(w, r)
	if !ok {
		return
	}
	if err := s.deps.Defense.MarkFalseAlarm(r.Context(), deviceID); err != nil {
		s.logger.Error("false alarm marking failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Defense.Status(deviceID))
}

func (s *Server) handleDefenseRestoreBrightness(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceFromBody(w, r)
	if !ok {
		return
	}
	if err := s.deps.Defense.RestoreBrightness(r.Context(), deviceID); err != nil {
		s.logger.Error("brightness restore failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deviceFromBody extracts the device id from a defense operation body,
// writing the error response itself when the body is unusable.
func deviceFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return "", false
	}
	return body.DeviceID, true
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return fallback
	}
	return limit
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response body
}
