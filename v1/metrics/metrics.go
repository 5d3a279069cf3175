package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter counts finished lock attempts by outcome
	// (acquired, failed, timeout, cancelled, error).
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zlock_acquire_total",
		Help: "Total number of lock attempts by outcome",
	}, []string{"outcome"})
	// WaitHistogram observes the time between node creation and the start of
	// the protected work.
	WaitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zlock_wait_seconds",
		Help:    "Time spent waiting for the lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	// WakeupCounter counts re-rankings triggered by a watch notification.
	WakeupCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zlock_wakeups_total",
		Help: "Total number of waiter wake-ups",
	})
	// HeldGauge reports the number of locks currently held by this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zlock_held",
		Help: "Current number of held locks",
	})
	// ReleaseFailureCounter counts lock nodes that could not be deleted.
	ReleaseFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zlock_release_failures_total",
		Help: "Total number of failed lock node deletions",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, WaitHistogram, WakeupCounter, HeldGauge, ReleaseFailureCounter)
}
