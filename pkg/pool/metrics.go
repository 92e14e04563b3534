package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLaunches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chromepool",
		Name:      "browser_launches_total",
		Help:      "Browser processes launched successfully.",
	})
	metricLaunchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chromepool",
		Name:      "browser_launch_failures_total",
		Help:      "Browser launches that failed.",
	})
	metricLaunchShared = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chromepool",
		Name:      "browser_launch_shared_total",
		Help:      "Requests that joined a launch already in progress.",
	})
	metricLaunchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chromepool",
		Name:      "browser_launch_duration_seconds",
		Help:      "Time from launch start until the DevTools endpoint answered.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
	metricClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chromepool",
		Name:      "browser_closed_total",
		Help:      "Browser instances removed from the pool, by reason.",
	}, []string{"reason"})
	metricLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chromepool",
		Name:      "browsers_live",
		Help:      "Browser instances currently in the pool.",
	})
	metricPagesOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chromepool",
		Name:      "pages_open",
		Help:      "Page sessions currently open across all instances.",
	})
)
