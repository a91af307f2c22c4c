package loader

import "github.com/prometheus/client_golang/prometheus"

var (
	downloadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bundled",
		Subsystem: "loader",
		Name:      "downloads_total",
		Help:      "Total bundle download attempts",
	})

	downloadFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bundled",
		Subsystem: "loader",
		Name:      "download_failures_total",
		Help:      "Total failed bundle download attempts",
	})

	materializationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bundled",
		Subsystem: "loader",
		Name:      "materializations_total",
		Help:      "Total asset operations materialized from loaded bundles",
	})

	unloadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bundled",
		Subsystem: "loader",
		Name:      "unloads_total",
		Help:      "Total successful bundle unloads",
	})

	syncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bundled",
		Subsystem: "loader",
		Name:      "sync_total",
		Help:      "Total manifest sync attempts by outcome",
	}, []string{"outcome"})

	schedulerTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bundled",
		Subsystem: "loader",
		Name:      "scheduler_tasks",
		Help:      "Submitted, not yet completed load tasks",
	})

	schedulerLoading = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bundled",
		Subsystem: "loader",
		Name:      "scheduler_loading",
		Help:      "Load tasks currently running",
	})
)

func init() {
	prometheus.MustRegister(
		downloadsTotal,
		downloadFailuresTotal,
		materializationsTotal,
		unloadsTotal,
		syncTotal,
		schedulerTasks,
		schedulerLoading,
	)
}
