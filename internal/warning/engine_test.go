package warning

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/couchcryptid/quake-sentinel/internal/domain"
	"github.com/couchcryptid/quake-sentinel/internal/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- mocks ---

type mockDirectory struct {
	locations []domain.UserLocation
	since     time.Time
	err       error
}

func (m *mockDirectory) RecentLocations(_ context.Context, since time.Time) ([]domain.UserLocation, error) {
	m.since = since
	return m.locations, m.err
}

type mockNotifier struct {
	mu      sync.Mutex
	sent    []domain.PushNotification
	failFor map[string]error
	onSend  func()
}

func (m *mockNotifier) SendPush(_ context.Context, n domain.PushNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onSend != nil {
		m.onSend()
	}
	if err, ok := m.failFor[n.UserID]; ok {
		return err
	}
	m.sent = append(m.sent, n)
	return nil
}

func (m *mockNotifier) delivered() []domain.PushNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.PushNotification(nil), m.sent...)
}

type mockAudit struct {
	reportID string
	warnings []domain.WarningCalculation
	err      error
}

func (m *mockAudit) RecordWarnings(_ context.Context, reportID string, warnings []domain.WarningCalculation) error {
	m.reportID = reportID
	m.warnings = warnings
	return m.err
}

type engineFixture struct {
	engine    *Engine
	directory *mockDirectory
	notifier  *mockNotifier
	audit     *mockAudit
	clock     *clockwork.FakeClock
	metrics   *observability.Metrics
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		directory: &mockDirectory{},
		notifier:  &mockNotifier{},
		audit:     &mockAudit{},
		clock:     clockwork.NewFakeClock(),
		metrics:   observability.NewMetricsForTesting(),
	}
	f.engine = NewEngine(
		f.directory,
		f.notifier,
		f.audit,
		domain.DefaultWarningOptions(),
		24*time.Hour,
		0, // no settle delay in tests unless set explicitly
		slog.Default(),
		f.metrics,
		f.clock,
	)
	return f
}

// userAt places a user at roughly the given north distance from (35, 139).
func userAt(userID string, km float64) domain.UserLocation {
	return domain.UserLocation{
		UserID: userID,
		Geo:    domain.Geo{Lat: 35.0 + km/111.195, Lon: 139.0},
	}
}

func testReport(userID string) domain.EarthquakeReport {
	return domain.EarthquakeReport{
		ID:        "report-1",
		UserID:    userID,
		Epicenter: domain.Geo{Lat: 35.0, Lon: 139.0},
		Intensity: 6,
		Source:    "detector",
	}
}

// --- tests ---

func TestProcessReport_FansOutToPeers(t *testing.T) {
	f := newEngineFixture(t)
	f.directory.locations = []domain.UserLocation{
		userAt("near", 10),
		userAt("far", 60),
	}

	sent, err := f.engine.ProcessReport(context.Background(), testReport("reporter"))
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	delivered := f.notifier.delivered()
	require.Len(t, delivered, 2)
	users := []string{delivered[0].UserID, delivered[1].UserID}
	assert.ElementsMatch(t, []string{"near", "far"}, users)
}

func TestProcessReport_ExcludesReporter(t *testing.T) {
	f := newEngineFixture(t)
	f.directory.locations = []domain.UserLocation{
		userAt("reporter", 5),
		userAt("peer", 10),
	}

	sent, err := f.engine.ProcessReport(context.Background(), testReport("reporter"))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, f.notifier.delivered(), 1)
	assert.Equal(t, "peer", f.notifier.delivered()[0].UserID)
}

func TestProcessReport_SkipsCoLocatedUsers(t *testing.T) {
	f := newEngineFixture(t)
	f.directory.locations = []domain.UserLocation{
		userAt("at-epicenter", 0),
		userAt("half-km", 0.5),
		userAt("two-km", 2),
	}

	sent, err := f.engine.ProcessReport(context.Background(), testReport("reporter"))
	require.NoError(t, err)
	assert.Equal(t, 1, sent, "users closer than the minimum distance get no warning")
	assert.Equal(t, "two-km", f.notifier.delivered()[0].UserID)
}

func TestProcessReport_UrgentNotificationContent(t *testing.T) {
	f := newEngineFixture(t)
	f.directory.locations = []domain.UserLocation{
		userAt("near", 10), // ~2.9s arrival, urgent
		userAt("far", 100), // ~28.6s arrival, advisory
	}

	_, err := f.engine.ProcessReport(context.Background(), testReport("reporter"))
	require.NoError(t, err)

	byUser := map[string]domain.PushNotification{}
	for _, n := range f.notifier.delivered() {
		byUser[n.UserID] = n
	}
	assert.Equal(t, "max", byUser["near"].Priority)
	assert.Equal(t, true, byUser["near"].Payload["isUrgent"])
	assert.NotEqual(t, "max", byUser["far"].Priority)
	assert.Equal(t, false, byUser["far"].Payload["isUrgent"])
}

func TestProcessReport_DeliveryFailuresAreIsolated(t *testing.T) {
	f := newEngineFixture(t)
	f.directory.locations = []domain.UserLocation{
		userAt("healthy", 10),
		userAt("broken", 20),
	}
	f.notifier.failFor = map[string]error{"broken": errors.New("token expired")}

	sent, err := f.engine.ProcessReport(context.Background(), testReport("reporter"))
	require.NoError(t, err, "a delivery failure is not a fanout failure")
	assert.Equal(t, 1, sent)
	require.Len(t, f.notifier.delivered(), 1)
	assert.Equal(t, "healthy", f.notifier.delivered()[0].UserID)
}

func TestProcessReport_DirectoryErrorAborts(t *testing.T) {
	f := newEngineFixture(t)
	f.directory.err = errors.New("store down")

	sent, err := f.engine.ProcessReport(context.Background(), testReport("reporter"))
	assert.Error(t, err)
	assert.Zero(t, sent)
}

func TestProcessReport_AuditRecordsWarnings(t *testing.T) {
	f := newEngineFixture(t)
	f.directory.locations = []domain.UserLocation{
		userAt("near", 10),
		userAt("far", 60),
	}

	_, err := f.engine.ProcessReport(context.Background(), testReport("reporter"))
	require.NoError(t, err)

	assert.Equal(t, "report-1", f.audit.reportID)
	require.Len(t, f.audit.warnings, 2)
	assert.Equal(t, "near", f.audit.warnings[0].UserID, "warnings are ordered by arrival time")
	assert.True(t, f.audit.warnings[0].ArrivalTimeSeconds < f.audit.warnings[1].ArrivalTimeSeconds)
}

func TestProcessReport_AuditFailureDoesNotBlockFanout(t *testing.T) {
	f := newEngineFixture(t)
	f.directory.locations = []domain.UserLocation{userAt("peer", 10)}
	f.audit.err = errors.New("table missing")

	sent, err := f.engine.ProcessReport(context.Background(), testReport("reporter"))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}

func TestProcessReport_LookbackWindowPassedToDirectory(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.ProcessReport(context.Background(), testReport("reporter"))
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(-24*time.Hour), f.directory.since)
}

func TestProcessReport_SettleDelayRespectsCancellation(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.settleDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sent, err := f.engine.ProcessReport(ctx, testReport("reporter"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sent)
}

func TestProcessReport_FanoutDurationFollowsInjectedClock(t *testing.T) {
	f := newEngineFixture(t)
	f.directory.locations = []domain.UserLocation{userAt("near", 10)}
	f.notifier.onSend = func() { f.clock.Advance(300 * time.Millisecond) }

	_, err := f.engine.ProcessReport(context.Background(), testReport("reporter"))
	require.NoError(t, err)

	var m dto.Metric
	require.NoError(t, f.metrics.FanoutDuration.Write(&m))
	require.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
	assert.InDelta(t, 0.3, m.GetHistogram().GetSampleSum(), 1e-9)
}
