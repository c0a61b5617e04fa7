// Package metrics exposes engine activity as Prometheus collectors. Each
// Metrics value owns its registry so servers and tests never share state.
package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/chatflow/internal/streaming"
	"github.com/rendis/chatflow/pkg/schema"
)

const namespace = "chatflow"

// Metrics holds the chatflow collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal    *prometheus.CounterVec
	nodesTotal     *prometheus.CounterVec
	errorsTotal    prometheus.Counter
	messagesTotal  *prometheus.CounterVec
	runsDone       *prometheus.CounterVec
	sessions       *prometheus.GaugeVec
	apiDuration    *prometheus.HistogramVec
	apiRequests    *prometheus.CounterVec
	validationRuns *prometheus.CounterVec
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors when runtime is true.
func New(runtime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of engine events emitted, by event name",
		}, []string{"event"}),
		nodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node executions, by traced outcome",
		}, []string{"outcome"}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_errors_total",
			Help:      "Total number of error events",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bot_messages_total",
			Help:      "Total number of bot messages, by channel",
		}, []string{"channel"}),
		runsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of finished runs, by reason",
		}, []string{"reason"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of observed sessions, by engine status",
		}, []string{"status"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Duration of api node requests in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of api node requests, by method and status class",
		}, []string{"method", "status"}),
		validationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Total number of flow validations, by result",
		}, []string{"result"}),
	}

	m.registry.MustRegister(m.eventsTotal, m.nodesTotal, m.errorsTotal, m.messagesTotal,
		m.runsDone, m.sessions, m.apiDuration, m.apiRequests, m.validationRuns)
	if runtime {
		m.registry.MustRegister(collectors.NewGoCollector())
		m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordValidation counts one validation run.
func (m *Metrics) RecordValidation(r *schema.ValidationResult) {
	result := "valid"
	switch {
	case r == nil || !r.Valid():
		result = "invalid"
	case len(r.Warnings) > 0:
		result = "warnings"
	}
	m.validationRuns.WithLabelValues(result).Inc()
}

// Observe subscribes to every event on bus. The returned func detaches the
// listener and removes the session from the status gauge.
func (m *Metrics) Observe(bus *streaming.Bus) func() {
	l := &listener{m: m, status: schema.StatusIdle}
	m.sessions.WithLabelValues(string(schema.StatusIdle)).Inc()
	sub := bus.OnAll(l.handle)

	var once sync.Once
	return func() {
		once.Do(func() {
			bus.Off(sub)
			l.mu.Lock()
			defer l.mu.Unlock()
			m.sessions.WithLabelValues(string(l.status)).Dec()
		})
	}
}

// listener tracks the last status of one engine.
type listener struct {
	m      *Metrics
	mu     sync.Mutex
	status schema.EngineStatus
}

func (l *listener) handle(event string, payload any) {
	l.m.eventsTotal.WithLabelValues(event).Inc()

	switch p := payload.(type) {
	case schema.TraceEvent:
		l.m.nodesTotal.WithLabelValues(TraceOutcome(p.Result)).Inc()
	case schema.ErrorEvent:
		l.m.errorsTotal.Inc()
	case schema.BotMessage:
		l.m.messagesTotal.WithLabelValues(string(p.Channel)).Inc()
	case schema.DoneEvent:
		l.m.runsDone.WithLabelValues(string(p.Reason)).Inc()
	case schema.StatusEvent:
		l.mu.Lock()
		l.m.sessions.WithLabelValues(string(l.status)).Dec()
		l.m.sessions.WithLabelValues(string(p.Status)).Inc()
		l.status = p.Status
		l.mu.Unlock()
	}
}

// TraceOutcome reduces a trace result to a low-cardinality label: the
// leading word, with failed api calls folded into "api_error".
func TraceOutcome(result string) string {
	if strings.HasPrefix(result, "api") && strings.Contains(result, "error") {
		return "api_error"
	}
	end := strings.IndexFunc(result, func(r rune) bool { return r < 'a' || r > 'z' })
	if end == 0 {
		return "other"
	}
	if end > 0 {
		return result[:end]
	}
	return result
}
