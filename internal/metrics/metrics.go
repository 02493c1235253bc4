package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every drillgrid collector. It is separate from the default
// registry so tests and embedders can scrape it in isolation.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// NavigationTransitions counts engine transitions by operation and result.
	NavigationTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "drillgrid_navigation_transitions_total",
		Help: "Navigation transitions by operation (open, advance, back, forward, close) and result",
	}, []string{"op", "result"})

	// ResourcesRendered counts resources handed to a viewer or dispatcher.
	ResourcesRendered = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "drillgrid_resources_rendered_total",
		Help: "Resources rendered by kind and result",
	}, []string{"kind", "result"})

	// Promotions counts promotion runs by phase outcome.
	Promotions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "drillgrid_promotions_total",
		Help: "Promotions by phase (persist, submit) and result",
	}, []string{"phase", "result"})

	// TaskStatuses counts task statuses written by promotions.
	TaskStatuses = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "drillgrid_task_status_evaluations_total",
		Help: "Task status evaluations by resulting status",
	}, []string{"status"})

	// DispatchAttempts counts command executions by result.
	DispatchAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "drillgrid_dispatch_attempts_total",
		Help: "Command dispatch attempts by result",
	}, []string{"result"})

	// DispatchDuration tracks per-command execution latency.
	DispatchDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "drillgrid_dispatch_duration_seconds",
		Help:    "Command dispatch duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	// MonitorExtractions counts slow-path file extractions by result.
	MonitorExtractions = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "drillgrid_monitor_extractions_total",
		Help: "File monitor extractions by result",
	}, []string{"result"})

	// ActiveSessions tracks open dashboard sessions in the daemon.
	ActiveSessions = factory.NewGauge(prometheus.GaugeOpts{
		Name: "drillgrid_active_sessions",
		Help: "Open dashboard sessions",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Result maps an error to the "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
