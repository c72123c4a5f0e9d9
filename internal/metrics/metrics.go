package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "claimbot"

var (
	ClassifierAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "classifier_attempts_total",
		Help:      "Remote classifier calls attempted, successful or not.",
	})
	ClassifierFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "classifier_failures_total",
		Help:      "Failed remote classifier calls by failure kind.",
	}, []string{"kind"})
	ClassifierRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "classifier_retries_total",
		Help:      "Backoff waits entered before a retry.",
	})
	ClassifierLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "classifier_call_seconds",
		Help:      "Latency of individual remote classifier calls.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
	})
	Classifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "classifications_total",
		Help:      "Classification results by final status.",
	}, []string{"status"})
	BatchJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_jobs_total",
		Help:      "Batch jobs by terminal state.",
	}, []string{"state"})
	BatchJobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "batch_jobs_running",
		Help:      "Batch jobs currently running.",
	})
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Progress events dropped for observers that could not keep up.",
	})
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_subscribers",
		Help:      "Currently subscribed progress observers.",
	})
)

var initOnce sync.Once

// Init registers collectors with the default registry; safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			ClassifierAttempts,
			ClassifierFailures,
			ClassifierRetries,
			ClassifierLatency,
			Classifications,
			BatchJobs,
			BatchJobsRunning,
			EventsDropped,
			Subscribers,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
