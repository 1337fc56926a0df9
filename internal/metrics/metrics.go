// Package metrics is the Prometheus-backed implementation of the narrow
// worker.Metrics interface: queue/transport send-receive counters and
// histograms, plus operator-defined custom collectors described by
// internal/config's custom-metric shape.
package metrics

import (
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kkvrivishvili/nooble4-bus/internal/config"
)

// Metrics holds every Prometheus collector this core instruments, plus
// any custom collectors a service registered via YAML config.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived  *prometheus.CounterVec
	messagesProcessed *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	messagesFailed    *prometheus.CounterVec

	processingDuration   *prometheus.HistogramVec
	runtimeDuration      *prometheus.HistogramVec
	queueReceiveDuration *prometheus.HistogramVec
	queueSendDuration    *prometheus.HistogramVec
	messageSize          *prometheus.HistogramVec

	activeMessages prometheus.Gauge
	runtimeErrors  *prometheus.CounterVec

	customCounters   map[string]*prometheus.CounterVec
	customGauges     map[string]*prometheus.GaugeVec
	customHistograms map[string]*prometheus.HistogramVec
}

// NewMetrics builds and registers every collector under namespace, plus
// one collector per entry in customMetrics.
func NewMetrics(namespace string, customMetrics []config.CustomMetricConfig) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total envelopes received from a queue.",
		}, []string{"queue", "transport"}),

		messagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Total envelopes processed, by outcome status.",
		}, []string{"queue", "status"}),

		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total envelopes pushed to a destination queue.",
		}, []string{"destination_queue", "message_type"}),

		messagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Total envelope handling failures, by reason.",
		}, []string{"queue", "reason"}),

		processingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Time spent dispatching one action to its handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action_type"}),

		runtimeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "runtime_duration_seconds",
			Help:      "Wall-clock time spent in the worker's receive loop per iteration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),

		queueReceiveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_receive_duration_seconds",
			Help:      "Time spent blocking on a queue receive call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "transport"}),

		queueSendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_send_duration_seconds",
			Help:      "Time spent pushing an envelope to a queue.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "transport"}),

		messageSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_size_bytes",
			Help:      "Size in bytes of envelopes crossing the transport.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"direction"}),

		activeMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_messages",
			Help:      "Number of envelopes currently being handled.",
		}),

		runtimeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_errors_total",
			Help:      "Total worker-loop-level errors, by queue and error_type.",
		}, []string{"queue", "error_type"}),

		customCounters:   make(map[string]*prometheus.CounterVec),
		customGauges:     make(map[string]*prometheus.GaugeVec),
		customHistograms: make(map[string]*prometheus.HistogramVec),
	}

	registry.MustRegister(
		m.messagesReceived,
		m.messagesProcessed,
		m.messagesSent,
		m.messagesFailed,
		m.processingDuration,
		m.runtimeDuration,
		m.queueReceiveDuration,
		m.queueSendDuration,
		m.messageSize,
		m.activeMessages,
		m.runtimeErrors,
	)

	for _, cm := range customMetrics {
		name := sanitizeMetricName(cm.Name)
		switch cm.Type {
		case "counter":
			c := prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      name,
				Help:      cm.Help,
			}, cm.Labels)
			registry.MustRegister(c)
			m.customCounters[cm.Name] = c
		case "gauge":
			g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      name,
				Help:      cm.Help,
			}, cm.Labels)
			registry.MustRegister(g)
			m.customGauges[cm.Name] = g
		case "histogram":
			h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      name,
				Help:      cm.Help,
				Buckets:   prometheus.DefBuckets,
			}, cm.Labels)
			registry.MustRegister(h)
			m.customHistograms[cm.Name] = h
		}
	}

	return m
}

func (m *Metrics) RecordMessageReceived(queue, transportName string) {
	m.messagesReceived.With(prometheus.Labels{"queue": queue, "transport": transportName}).Inc()
}

func (m *Metrics) RecordMessageProcessed(queue, status string) {
	m.messagesProcessed.With(prometheus.Labels{"queue": queue, "status": status}).Inc()
}

func (m *Metrics) RecordMessageSent(destQueue, msgType string) {
	m.messagesSent.With(prometheus.Labels{"destination_queue": destQueue, "message_type": msgType}).Inc()
}

func (m *Metrics) RecordMessageFailed(queue, reason string) {
	m.messagesFailed.With(prometheus.Labels{"queue": queue, "reason": reason}).Inc()
}

func (m *Metrics) RecordProcessingDuration(actionType string, d time.Duration) {
	m.processingDuration.With(prometheus.Labels{"action_type": actionType}).Observe(d.Seconds())
}

func (m *Metrics) RecordRuntimeDuration(queue string, d time.Duration) {
	m.runtimeDuration.With(prometheus.Labels{"queue": queue}).Observe(d.Seconds())
}

func (m *Metrics) RecordQueueReceiveDuration(queue, transportName string, d time.Duration) {
	m.queueReceiveDuration.With(prometheus.Labels{"queue": queue, "transport": transportName}).Observe(d.Seconds())
}

func (m *Metrics) RecordQueueSendDuration(queue, transportName string, d time.Duration) {
	m.queueSendDuration.With(prometheus.Labels{"queue": queue, "transport": transportName}).Observe(d.Seconds())
}

func (m *Metrics) RecordMessageSize(direction string, bytes int) {
	m.messageSize.With(prometheus.Labels{"direction": direction}).Observe(float64(bytes))
}

func (m *Metrics) IncrementActiveEnvelopes() { m.activeMessages.Inc() }
func (m *Metrics) DecrementActiveEnvelopes() { m.activeMessages.Dec() }

func (m *Metrics) RecordRuntimeError(queue, errorType string) {
	m.runtimeErrors.With(prometheus.Labels{"queue": queue, "error_type": errorType}).Inc()
}

func (m *Metrics) IncrementCustomCounter(name string, labelValues ...string) error {
	c, ok := m.customCounters[name]
	if !ok {
		return fmt.Errorf("metrics: unknown custom counter %q", name)
	}
	c.WithLabelValues(labelValues...).Inc()
	return nil
}

func (m *Metrics) AddCustomCounter(name string, value float64, labelValues ...string) error {
	c, ok := m.customCounters[name]
	if !ok {
		return fmt.Errorf("metrics: unknown custom counter %q", name)
	}
	c.WithLabelValues(labelValues...).Add(value)
	return nil
}

func (m *Metrics) SetCustomGauge(name string, value float64, labelValues ...string) error {
	g, ok := m.customGauges[name]
	if !ok {
		return fmt.Errorf("metrics: unknown custom gauge %q", name)
	}
	g.WithLabelValues(labelValues...).Set(value)
	return nil
}

func (m *Metrics) IncrementCustomGauge(name string, labelValues ...string) error {
	g, ok := m.customGauges[name]
	if !ok {
		return fmt.Errorf("metrics: unknown custom gauge %q", name)
	}
	g.WithLabelValues(labelValues...).Inc()
	return nil
}

func (m *Metrics) DecrementCustomGauge(name string, labelValues ...string) error {
	g, ok := m.customGauges[name]
	if !ok {
		return fmt.Errorf("metrics: unknown custom gauge %q", name)
	}
	g.WithLabelValues(labelValues...).Dec()
	return nil
}

func (m *Metrics) ObserveCustomHistogram(name string, value float64, labelValues ...string) error {
	h, ok := m.customHistograms[name]
	if !ok {
		return fmt.Errorf("metrics: unknown custom histogram %q", name)
	}
	h.WithLabelValues(labelValues...).Observe(value)
	return nil
}

// Handler exposes the registry over HTTP for a scrape target.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var metricNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// sanitizeMetricName replaces any character Prometheus doesn't allow in a
// metric name with an underscore.
func sanitizeMetricName(name string) string {
	return metricNameSanitizer.ReplaceAllString(name, "_")
}
