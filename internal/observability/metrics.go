package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devq"

// Command outcome label values.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

type moduleMetrics struct {
	submittedTotal  *prometheus.CounterVec
	executedTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
	workerBusy      prometheus.Gauge
	deadLetters     prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			submittedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "commands_submitted_total",
					Help:      "Total commands accepted by the dispatcher, by kind.",
				},
				[]string{"kind"},
			),
			executedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "commands_executed_total",
					Help:      "Total commands finished by the worker, by kind and status.",
				},
				[]string{"kind", "status"},
			),
			commandDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "command_duration_seconds",
					Help:      "Command execution duration in seconds by kind.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			queueDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_depth",
					Help:      "Commands waiting in the queue.",
				},
			),
			workerBusy: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "worker_busy",
					Help:      "1 while the worker is executing a command, 0 otherwise.",
				},
			),
			deadLetters: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "dead_letters",
					Help:      "Failed commands currently retained for inspection.",
				},
			),
		}

		prometheus.MustRegister(
			m.submittedTotal,
			m.executedTotal,
			m.commandDuration,
			m.queueDepth,
			m.workerBusy,
			m.deadLetters,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordCommandSubmitted(kind string, queueDepth int) {
	m := getMetrics()
	m.submittedTotal.WithLabelValues(kind).Inc()
	m.queueDepth.Set(float64(queueDepth))
}

// RecordCommandExecuted records a finished command. status is one of
// StatusSuccess, StatusError or StatusCancelled; cancelled commands never ran
// and are not observed in the duration histogram.
func RecordCommandExecuted(kind, status string, duration time.Duration, queueDepth int) {
	m := getMetrics()
	m.executedTotal.WithLabelValues(kind, status).Inc()
	if status != StatusCancelled {
		m.commandDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
	m.queueDepth.Set(float64(queueDepth))
}

func SetQueueDepth(depth int) {
	getMetrics().queueDepth.Set(float64(depth))
}

func SetWorkerBusy(busy bool) {
	value := 0.0
	if busy {
		value = 1.0
	}
	getMetrics().workerBusy.Set(value)
}

func SetDeadLetters(count int) {
	getMetrics().deadLetters.Set(float64(count))
}
