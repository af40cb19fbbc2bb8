package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// detection pipeline and warning fanout.
type Metrics struct {
	SamplesConsumed  prometheus.Counter
	EventsStarted    prometheus.Counter
	EventsFinalized  prometheus.Counter
	EventsDiscarded  prometheus.Counter
	ReportSinkErrors prometheus.Counter
	PipelineRunning  prometheus.Gauge

	// Intensity distribution across all processed samples.
	SampleIntensity prometheus.Histogram

	// Location capture outcomes. labels: outcome={high_accuracy,fallback,none}
	LocationCaptures *prometheus.CounterVec

	// Warning fanout metrics.
	ReportsIngested        *prometheus.CounterVec // labels: source={detector,manual}
	WarningsComputed       prometheus.Counter
	UrgentWarnings         prometheus.Counter
	NotificationsSent      *prometheus.CounterVec // labels: outcome={success,error}
	FanoutDuration         prometheus.Histogram
	WarningConsumerRunning prometheus.Gauge

	// Defense mode metrics. labels: trigger={auto,manual}, outcome={activated,rejected,failed}
	DefenseActivations *prometheus.CounterVec
	DefenseMeasures    *prometheus.CounterVec // labels: measure={brightness,power_saving,location}, outcome={success,error,skipped}
}

// NewMetrics creates and registers all service metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.SamplesConsumed,
		m.EventsStarted,
		m.EventsFinalized,
		m.EventsDiscarded,
		m.ReportSinkErrors,
		m.PipelineRunning,
		m.SampleIntensity,
		m.LocationCaptures,
		m.ReportsIngested,
		m.WarningsComputed,
		m.UrgentWarnings,
		m.NotificationsSent,
		m.FanoutDuration,
		m.WarningConsumerRunning,
		m.DefenseActivations,
		m.DefenseMeasures,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		SamplesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quake_sentinel",
			Name:      "samples_consumed_total",
			Help:      "Total sensor sample frames read from the source topic.",
		}),
		EventsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quake_sentinel",
			Name:      "events_started_total",
			Help:      "Total IDLE to IN_EVENT transitions.",
		}),
		EventsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quake_sentinel",
			Name:      "events_finalized_total",
			Help:      "Total events that met the minimum duration and were stored.",
		}),
		EventsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quake_sentinel",
			Name:      "events_discarded_total",
			Help:      "Total sub-minimum excursions discarded by the false-positive filter.",
		}),
		ReportSinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quake_sentinel",
			Name:      "report_sink_errors_total",
			Help:      "Total best-effort report sink writes that failed.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quake_sentinel",
			Name:      "pipeline_running",
			Help:      "1 when the detection pipeline is active, 0 when shut down.",
		}),
		SampleIntensity: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quake_sentinel",
			Name:      "sample_intensity",
			Help:      "Combined intensity per processed sample.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 1.2, 2, 2.5, 5, 10, 25},
		}),
		LocationCaptures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quake_sentinel",
			Name:      "location_captures_total",
			Help:      "Event location capture attempts by outcome.",
		}, []string{"outcome"}),
		ReportsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quake_sentinel",
			Name:      "reports_ingested_total",
			Help:      "Earthquake reports accepted, by source.",
		}, []string{"source"}),
		WarningsComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quake_sentinel",
			Name:      "warnings_computed_total",
			Help:      "Per-user warning calculations produced by the fanout.",
		}),
		UrgentWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quake_sentinel",
			Name:      "urgent_warnings_total",
			Help:      "Warnings classified urgent (arrival under the urgency threshold).",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quake_sentinel",
			Name:      "notifications_sent_total",
			Help:      "Push notification attempts by outcome.",
		}, []string{"outcome"}),
		FanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quake_sentinel",
			Name:      "fanout_duration_seconds",
			Help:      "Duration of a complete warning fanout for one report.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		WarningConsumerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quake_sentinel",
			Name:      "warning_consumer_running",
			Help:      "1 when the report change-feed consumer is active.",
		}),
		DefenseActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quake_sentinel",
			Name:      "defense_activations_total",
			Help:      "Defense mode activation attempts by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		DefenseMeasures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quake_sentinel",
			Name:      "defense_measures_total",
			Help:      "Individual defense measures by outcome.",
		}, []string{"measure", "outcome"}),
	}
}
