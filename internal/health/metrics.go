package health

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	probeAttemptsTotal *prometheus.CounterVec
	waitDuration       *prometheus.HistogramVec

	metricsOnce sync.Once
)

// initMetrics registers the probe metrics with the default registry.
// Registration happens at most once per process.
func initMetrics() {
	metricsOnce.Do(func() {
		probeAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackup_health_probe_attempts_total",
				Help: "Total number of health probe attempts",
			},
			[]string{"service", "strategy"},
		)

		waitDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stackup_health_wait_duration_seconds",
				Help:    "Time spent waiting for a service to become healthy",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 240},
			},
			[]string{"service", "outcome"},
		)
	})
}

func countProbe(service, strategy string) {
	initMetrics()
	probeAttemptsTotal.WithLabelValues(service, strategy).Inc()
}

func observeWait(service, outcome string, d time.Duration) {
	initMetrics()
	waitDuration.WithLabelValues(service, outcome).Observe(d.Seconds())
}
