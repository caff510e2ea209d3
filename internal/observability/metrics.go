package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "threadagent"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	checkpointLoadDuration *prometheus.HistogramVec
	checkpointSaveDuration *prometheus.HistogramVec
	checkpointErrorsTotal  *prometheus.CounterVec
	threadsDeletedTotal    prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec

	loopStepsTotal   *prometheus.CounterVec
	loopRunTotal     *prometheus.CounterVec
	loopRunDuration  prometheus.Histogram
	activeRuns       prometheus.Gauge
	httpRequestTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations.",
				},
				[]string{"kind"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total task completions by status.",
				},
				[]string{"status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Queued task execution duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			checkpointLoadDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "checkpoint_load_duration_seconds",
					Help:      "Checkpoint load duration in seconds by backend.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			checkpointSaveDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "checkpoint_save_duration_seconds",
					Help:      "Checkpoint save duration in seconds by backend.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
			checkpointErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "checkpoint_errors_total",
					Help:      "Total checkpoint failures by backend and operation.",
				},
				[]string{"backend", "op"},
			),
			threadsDeletedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "threads_deleted_total",
					Help:      "Total threads removed by retention or admin calls.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_call_total",
					Help:      "Total model invocations by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "model_call_duration_seconds",
					Help:      "Model invocation duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			loopStepsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "loop_steps_total",
					Help:      "Total execution loop transitions by state.",
				},
				[]string{"state"},
			),
			loopRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "loop_runs_total",
					Help:      "Total execution loop runs by outcome.",
				},
				[]string{"outcome"},
			),
			loopRunDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "loop_run_duration_seconds",
					Help:      "Execution loop run duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_runs",
					Help:      "Current number of in-flight conversation runs.",
				},
			),
			httpRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "http_requests_total",
					Help:      "Total gateway requests by route and status code.",
				},
				[]string{"route", "code"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.checkpointLoadDuration,
			m.checkpointSaveDuration,
			m.checkpointErrorsTotal,
			m.threadsDeletedTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.modelCallTotal,
			m.modelCallDuration,
			m.loopStepsTotal,
			m.loopRunTotal,
			m.loopRunDuration,
			m.activeRuns,
			m.httpRequestTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordQueueEnqueue counts an enqueue. Lanes are per thread, so the lane
// label is only used for the size gauge, which is deleted once the lane drains.
func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues("task").Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordQueueCompletion records how long a task ran and its outcome
func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := statusLabel(success)
	m.dequeueTotal.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
	if queueSize == 0 {
		m.queueSize.DeleteLabelValues(lane)
		return
	}
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordCheckpointLoad records a checkpoint load on backend
func RecordCheckpointLoad(backend string, duration time.Duration, err error) {
	m := getMetrics()
	m.checkpointLoadDuration.WithLabelValues(backend).Observe(duration.Seconds())
	if err != nil {
		m.checkpointErrorsTotal.WithLabelValues(backend, "load").Inc()
	}
}

// RecordCheckpointSave records a checkpoint save on backend
func RecordCheckpointSave(backend string, duration time.Duration, err error) {
	m := getMetrics()
	m.checkpointSaveDuration.WithLabelValues(backend).Observe(duration.Seconds())
	if err != nil {
		m.checkpointErrorsTotal.WithLabelValues(backend, "save").Inc()
	}
}

// RecordThreadsDeleted counts threads removed by retention
func RecordThreadsDeleted(count int) {
	getMetrics().threadsDeletedTotal.Add(float64(count))
}

// RecordToolExecution records a tool run. status is "success" or an error kind.
func RecordToolExecution(tool string, duration time.Duration, status string) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordModelCall records one provider round trip
func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordLoopStep counts a loop transition into state
func RecordLoopStep(state string) {
	getMetrics().loopStepsTotal.WithLabelValues(state).Inc()
}

// RecordLoopRun records a finished run and its outcome
func RecordLoopRun(outcome string, duration time.Duration) {
	m := getMetrics()
	m.loopRunTotal.WithLabelValues(outcome).Inc()
	m.loopRunDuration.Observe(duration.Seconds())
}

// AddActiveRuns moves the active runs gauge by delta
func AddActiveRuns(delta int) {
	getMetrics().activeRuns.Add(float64(delta))
}

// RecordHTTPRequest counts a gateway request by route and status code
func RecordHTTPRequest(route string, code int) {
	getMetrics().httpRequestTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
