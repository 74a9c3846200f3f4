// Package metrics exposes crawl counters and timings via Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the crawl engine records into.
type Metrics struct {
	PagesFetched  *prometheus.CounterVec
	BytesFetched  prometheus.Counter
	FetchFailures *prometheus.CounterVec
	Retries       prometheus.Counter
	TrapsSkipped  prometheus.Counter
	RobotsDenied  prometheus.Counter
	FetchDuration prometheus.Histogram
	ActiveWorkers prometheus.Gauge
}

// New registers all collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PagesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harvest",
			Name:      "pages_fetched_total",
			Help:      "Pages fetched successfully, by domain.",
		}, []string{"domain"}),
		BytesFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "harvest",
			Name:      "bytes_fetched_total",
			Help:      "Response body bytes fetched.",
		}),
		FetchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "harvest",
			Name:      "fetch_failures_total",
			Help:      "Fetch attempts that failed, by failure kind.",
		}, []string{"kind"}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "harvest",
			Name:      "retries_total",
			Help:      "Failed targets re-enqueued for another attempt.",
		}),
		TrapsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "harvest",
			Name:      "traps_skipped_total",
			Help:      "Discovered URLs rejected by the trap filter.",
		}),
		RobotsDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "harvest",
			Name:      "robots_denied_total",
			Help:      "Targets skipped because robots.txt disallows them.",
		}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "harvest",
			Name:      "fetch_duration_seconds",
			Help:      "Wall time of individual fetch attempts.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "harvest",
			Name:      "active_workers",
			Help:      "Workers currently processing a target.",
		}),
	}
}
