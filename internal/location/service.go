// Package location handles user location ingest: directory writes, the
// last-known cache, and the emergency send defense mode triggers.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/quake-sentinel/internal/domain"
)

// ErrInvalidSample marks a location sample the caller sent malformed, as
// opposed to a storage failure.
var ErrInvalidSample = errors.New("invalid location sample")

// DirectoryWriter appends a location sample to the shared directory.
type DirectoryWriter interface {
	SaveLocation(ctx context.Context, loc domain.UserLocation) error
}

// CacheWriter refreshes the last-known-location cache.
type CacheWriter interface {
	SetLastKnown(ctx context.Context, loc domain.UserLocation) error
}

// DeviceLocator fetches a fresh fix from the device.
type DeviceLocator interface {
	LocateDevice(ctx context.Context, deviceID string) (domain.Geo, error)
}

// Registry remembers which user carries which device, learned from the
// sample stream. It implements detector.DeviceBinder.
type Registry struct {
	mu    sync.RWMutex
	users map[string]string
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[string]string)}
}

func (r *Registry) Bind(deviceID, userID string) {
	if userID == "" {
		return
	}
	r.mu.Lock()
	r.users[deviceID] = userID
	r.mu.Unlock()
}

func (r *Registry) UserFor(deviceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.users[deviceID]
	return userID, ok
}

// Service records location samples. The directory write is authoritative;
// the cache refresh is best-effort.
type Service struct {
	directory DirectoryWriter
	cache     CacheWriter
	logger    *slog.Logger
	clock     clockwork.Clock
}

func NewService(directory DirectoryWriter, cache CacheWriter, logger *slog.Logger, clock clockwork.Clock) *Service {
	return &Service{directory: directory, cache: cache, logger: logger, clock: clock}
}

// Record validates and stores one location sample.
func (s *Service) Record(ctx context.Context, loc domain.UserLocation) error {
	if loc.UserID == "" {
		return fmt.Errorf("%w: no user id", ErrInvalidSample)
	}
	if loc.Geo.Lat < -90 || loc.Geo.Lat > 90 || loc.Geo.Lon < -180 || loc.Geo.Lon > 180 {
		return fmt.Errorf("%w: out-of-range coordinates for %s", ErrInvalidSample, loc.UserID)
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = s.clock.Now().UTC()
	}

	if err := s.directory.SaveLocation(ctx, loc); err != nil {
		return fmt.Errorf("save location: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.SetLastKnown(ctx, loc); err != nil {
			s.logger.Warn("last-known cache refresh failed",
				"user_id", loc.UserID,
				"error", err,
			)
		}
	}
	return nil
}

// EmergencyReporter sends a device's location marked as emergency. Defense
// mode calls it as one of its activation measures.
// It implements defense.EmergencyReporter.
type EmergencyReporter struct {
	locator  DeviceLocator
	registry *Registry
	service  *Service
	timeout  time.Duration
	logger   *slog.Logger
	clock    clockwork.Clock
}

func NewEmergencyReporter(
	locator DeviceLocator,
	registry *Registry,
	service *Service,
	timeout time.Duration,
	logger *slog.Logger,
	clock clockwork.Clock,
) *EmergencyReporter {
	return &EmergencyReporter{
		locator:  locator,
		registry: registry,
		service:  service,
		timeout:  timeout,
		logger:   logger,
		clock:    clock,
	}
}

// ReportEmergency fetches the device's location and records it with the
// emergency flag set.
func (r *EmergencyReporter) ReportEmergency(ctx context.Context, deviceID string) error {
	userID, ok := r.registry.UserFor(deviceID)
	if !ok {
		return fmt.Errorf("no known user for device %s", deviceID)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	geo, err := r.locator.LocateDevice(fetchCtx, deviceID)
	if err != nil {
		return fmt.Errorf("emergency locate for %s: %w", deviceID, err)
	}

	loc := domain.UserLocation{
		UserID:    userID,
		Geo:       geo,
		Timestamp: r.clock.Now().UTC(),
		Emergency: true,
	}
	if err := r.service.Record(ctx, loc); err != nil {
		return fmt.Errorf("record emergency location: %w", err)
	}
	r.logger.Info("emergency location recorded", "device_id", deviceID, "user_id", userID)
	return nil
}
