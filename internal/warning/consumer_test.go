package warning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/quake-sentinel/internal/domain"
	"github.com/couchcryptid/quake-sentinel/internal/observability"
)

type mockReportSource struct {
	reports []domain.EarthquakeReport
	index   int
}

func (m *mockReportSource) Fetch(ctx context.Context) (domain.EarthquakeReport, error) {
	if m.index >= len(m.reports) {
		// block until context cancelled to simulate waiting for reports
		<-ctx.Done()
		return domain.EarthquakeReport{}, ctx.Err()
	}
	r := m.reports[m.index]
	m.index++
	return r, nil
}

func TestConsumer_Run_FansOutEachReport(t *testing.T) {
	f := newEngineFixture(t)
	f.directory.locations = []domain.UserLocation{userAt("peer", 10)}

	src := &mockReportSource{reports: []domain.EarthquakeReport{testReport("reporter")}}
	c := NewConsumer(src, f.engine, f.engine.logger, observability.NewMetricsForTesting())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, c.Run(ctx))
	assert.Len(t, f.notifier.delivered(), 1)
	assert.NoError(t, c.CheckReadiness(context.Background()))
}

func TestConsumer_Run_StopsOnCancel(t *testing.T) {
	f := newEngineFixture(t)
	src := &mockReportSource{}
	c := NewConsumer(src, f.engine, f.engine.logger, observability.NewMetricsForTesting())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, c.Run(ctx))
	assert.Empty(t, f.notifier.delivered())
	assert.Error(t, c.CheckReadiness(context.Background()))
}
