package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the task runtime and the address
// allocator. A nil or disabled Metrics records nothing.
type Metrics struct {
	config MetricsConfig

	// Task metrics
	tasksCreated    *prometheus.CounterVec
	taskTransitions *prometheus.CounterVec
	tasksCompleted  *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	taskConflicts   *prometheus.CounterVec
	activeTasks     *prometheus.GaugeVec

	// Sub-task metrics
	subTaskReports *prometheus.CounterVec

	// Allocation metrics
	allocations         *prometheus.CounterVec
	allocationDuration  *prometheus.HistogramVec
	allocationConflicts prometheus.Counter
	addressesReclaimed  prometheus.Counter
	addressUsage        *prometheus.GaugeVec

	// Policy metrics
	policyDecisions *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		tasksCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_created_total",
				Help:      "Total number of tasks created",
			},
			[]string{"kind"},
		),
		taskTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_transitions_total",
				Help:      "Total number of accepted task transitions",
			},
			[]string{"kind", "stage"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Total number of tasks that reached a terminal stage",
			},
			[]string{"kind", "stage"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Time from task creation to terminal stage",
				Buckets:   buckets,
			},
			[]string{"kind", "stage"},
		),
		taskConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_update_conflicts_total",
				Help:      "Total number of task updates retried after a version conflict",
			},
			[]string{"kind"},
		),
		activeTasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tasks",
				Help:      "Current number of non-terminal tasks",
			},
			[]string{"kind"},
		),

		subTaskReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subtask_reports_total",
				Help:      "Child completion reports received by sub-task aggregators",
			},
			[]string{"outcome"},
		),

		allocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "allocations_total",
				Help:      "Total number of allocation operations",
			},
			[]string{"operation", "status"},
		),
		allocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "allocation_duration_seconds",
				Help:      "Duration of allocation operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		allocationConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "allocation_conflicts_total",
				Help:      "Total number of address claims lost to a concurrent writer",
			},
		),
		addressesReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "addresses_reclaimed_total",
				Help:      "Total number of released addresses returned to the pool",
			},
		),
		addressUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "address_usage",
				Help:      "Current number of address records per subnet range and status",
			},
			[]string{"subnet_range", "status"},
		),

		policyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_decisions_total",
				Help:      "Total number of admission policy decisions",
			},
			[]string{"decision"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.tasksCreated,
		m.taskTransitions,
		m.tasksCompleted,
		m.taskDuration,
		m.taskConflicts,
		m.activeTasks,
		m.subTaskReports,
		m.allocations,
		m.allocationDuration,
		m.allocationConflicts,
		m.addressesReclaimed,
		m.addressUsage,
		m.policyDecisions,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Task Metrics

// RecordTaskCreated counts a new task.
func (m *Metrics) RecordTaskCreated(kind string) {
	if !m.enabled() {
		return
	}
	m.tasksCreated.WithLabelValues(kind).Inc()
	m.activeTasks.WithLabelValues(kind).Inc()
}

// RecordTaskTransition counts an accepted stage change.
func (m *Metrics) RecordTaskTransition(kind, stage string) {
	if !m.enabled() {
		return
	}
	m.taskTransitions.WithLabelValues(kind, stage).Inc()
}

// RecordTaskCompleted records a task reaching a terminal stage.
func (m *Metrics) RecordTaskCompleted(kind, stage string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.tasksCompleted.WithLabelValues(kind, stage).Inc()
	m.taskDuration.WithLabelValues(kind, stage).Observe(duration.Seconds())
	m.activeTasks.WithLabelValues(kind).Dec()
}

// RecordTaskConflict counts a task update retried after a version conflict.
func (m *Metrics) RecordTaskConflict(kind string) {
	if !m.enabled() {
		return
	}
	m.taskConflicts.WithLabelValues(kind).Inc()
}

// RecordSubTaskReport counts a child report by outcome
// (counted, duplicate, late).
func (m *Metrics) RecordSubTaskReport(outcome string) {
	if !m.enabled() {
		return
	}
	m.subTaskReports.WithLabelValues(outcome).Inc()
}

// Allocation Metrics

// RecordAllocation records an allocate, allocate-specific or deallocate call.
func (m *Metrics) RecordAllocation(operation, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.allocations.WithLabelValues(operation, status).Inc()
	m.allocationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAllocationConflict counts a lost claim race.
func (m *Metrics) RecordAllocationConflict() {
	if !m.enabled() {
		return
	}
	m.allocationConflicts.Inc()
}

// RecordReclaimed counts addresses returned to the pool.
func (m *Metrics) RecordReclaimed(count int) {
	if !m.enabled() || count <= 0 {
		return
	}
	m.addressesReclaimed.Add(float64(count))
}

// SetAddressUsage sets the record count for one range and status.
func (m *Metrics) SetAddressUsage(subnetRange, status string, count float64) {
	if !m.enabled() {
		return
	}
	m.addressUsage.WithLabelValues(subnetRange, status).Set(count)
}

// RecordPolicyDecision counts an admission decision (allow, deny).
func (m *Metrics) RecordPolicyDecision(decision string) {
	if !m.enabled() {
		return
	}
	m.policyDecisions.WithLabelValues(decision).Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint in the background. The
// returned server is nil when metrics are disabled.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if !m.enabled() {
		return nil, nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", server.Addr).Msg("metrics server stopped")
		}
	}()

	return server, nil
}
