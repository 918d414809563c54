package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "quake_etl"

// PollerStates lists the values of the poller_state gauge's state label.
var PollerStates = []string{"idle", "fetching", "reconciling", "backoff"}

// Metrics holds the Prometheus counters, histograms, and gauges for the ingest service.
type Metrics struct {
	// Feed metrics.
	FetchRequests *prometheus.CounterVec // labels: outcome={success,truncated,network_unavailable,malformed_response,rate_limited}
	FeedPages     prometheus.Counter
	EventsFetched prometheus.Counter

	// Normalization and reconciliation metrics.
	NormalizationErrors *prometheus.CounterVec // labels: reason
	Upserts             *prometheus.CounterVec // labels: outcome={inserted,updated,ignored_stale}
	StoreErrors         prometheus.Counter

	// Poller metrics.
	Cycles             *prometheus.CounterVec // labels: result={success,failure}
	CycleDuration      prometheus.Histogram
	PollerState        *prometheus.GaugeVec // labels: state
	WatermarkTimestamp prometheus.Gauge
	LastSuccess        prometheus.Gauge
	PipelineRunning    prometheus.Gauge

	// Backfill metrics.
	BackfillDays *prometheus.CounterVec // labels: outcome={skipped,fetched,truncated}

	// Change publishing metrics.
	ChangesPublished prometheus.Counter
	PublishErrors    prometheus.Counter

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec   // labels: method=reverse, outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec   // labels: method=reverse, result={hit,miss}
	GeocodeAPIDuration *prometheus.HistogramVec // labels: method
	GeocodeEnabled     prometheus.Gauge

	// Query metrics.
	Queries       *prometheus.CounterVec // labels: outcome={ok,invalid,unavailable}
	QueryDuration prometheus.Histogram
}

// NewMetrics creates and registers all service metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all service metrics and registers them with reg.
// One-shot CLI commands pass a private registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

// SetPollerState marks state as the current poller state.
func (m *Metrics) SetPollerState(state string) {
	for _, s := range PollerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.PollerState.WithLabelValues(s).Set(v)
	}
}

func newMetrics() *Metrics {
	return &Metrics{
		FetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_fetches_total",
			Help:      "Feed fetches by outcome.",
		}, []string{"outcome"}),
		FeedPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_pages_total",
			Help:      "Total feed pages retrieved.",
		}),
		EventsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_fetched_total",
			Help:      "Total raw entries returned by the feed.",
		}),
		NormalizationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "normalization_errors_total",
			Help:      "Feed entries rejected by the normalizer, by reason.",
		}, []string{"reason"}),
		Upserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upserts_total",
			Help:      "Store upserts by outcome.",
		}, []string{"outcome"}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Store operations that failed.",
		}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Completed poll cycles by result.",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of a complete fetch and reconcile cycle.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		PollerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poller_state",
			Help:      "1 for the poller's current state, 0 otherwise.",
		}, []string{"state"}),
		WatermarkTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_timestamp_seconds",
			Help:      "Unix time of the persisted ingestion watermark.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful poll cycle.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the poller is active, 0 when shut down.",
		}),
		ChangesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_published_total",
			Help:      "Reconciled changes written to the change topic.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_publish_errors_total",
			Help:      "Failed change publish attempts.",
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Geocoding API requests by method and outcome.",
		}, []string{"method", "outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by method and result.",
		}, []string{"method", "result"}),
		GeocodeAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Mapbox API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method"}),
		GeocodeEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geocode_enabled",
			Help:      "1 when geocoding enrichment is enabled, 0 otherwise.",
		}),
		BackfillDays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_days_total",
			Help:      "Days visited by event-time backfills, by outcome.",
		}, []string{"outcome"}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Event queries by outcome.",
		}, []string{"outcome"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Event query latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FetchRequests,
		m.FeedPages,
		m.EventsFetched,
		m.NormalizationErrors,
		m.Upserts,
		m.StoreErrors,
		m.Cycles,
		m.CycleDuration,
		m.PollerState,
		m.WatermarkTimestamp,
		m.LastSuccess,
		m.PipelineRunning,
		m.BackfillDays,
		m.ChangesPublished,
		m.PublishErrors,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeEnabled,
		m.Queries,
		m.QueryDuration,
	}
}
