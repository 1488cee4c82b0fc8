package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// createCounterVec defines a new CounterVec with standard options.
func createCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
}

// createHistogramVec defines a new HistogramVec with configurable buckets.
func createHistogramVec(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: buckets,
		},
		labels,
	)
}

// createGaugeVec defines a new GaugeVec.
func createGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
}

func createCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}

func createGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
}

// MessagePublished counts one message accepted by the broker.
func (m *Metrics) MessagePublished(routingKey string) {
	m.messagesSent.WithLabelValues(routingKey).Inc()
}

// PublishFailed counts one send that the channel or the broker rejected.
func (m *Metrics) PublishFailed(routingKey string) {
	m.messageSendErrors.WithLabelValues(routingKey).Inc()
}

// MessageReceived counts one delivery whose body parsed.
func (m *Metrics) MessageReceived(routingKey string) {
	m.messagesReceived.WithLabelValues(routingKey).Inc()
}

// MessageProcessed records a successful delivery and its processing latency.
func (m *Metrics) MessageProcessed(routingKey string, duration time.Duration) {
	m.processingTime.WithLabelValues(routingKey).Observe(duration.Seconds())
	m.messagesProcessed.WithLabelValues(routingKey).Inc()
}

// MessageFailed records a failed delivery and its processing latency.
func (m *Metrics) MessageFailed(routingKey string, duration time.Duration) {
	m.processingTime.WithLabelValues(routingKey).Observe(duration.Seconds())
	m.messagesErrors.WithLabelValues(routingKey).Inc()
}

// MessageDeadLettered counts a delivery rejected without requeue.
func (m *Metrics) MessageDeadLettered(routingKey string) {
	m.messagesDeadLetter.WithLabelValues(routingKey).Inc()
}

// ConnectionStateChanged sets the connection state gauge.
func (m *Metrics) ConnectionStateChanged(state int) {
	m.connectionState.Set(float64(state))
}

// ReconnectAttempt counts one dial attempt of the reconnect loop.
func (m *Metrics) ReconnectAttempt() {
	m.reconnectAttempts.Inc()
}

// RecordRequestDuration records the duration of one HTTP request.
// Example: defer m.RecordRequestDuration(time.Now(), "POST", "/orders", 202)
func (m *Metrics) RecordRequestDuration(start time.Time, method, route string, statusCode int) {
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(statusCode)).Observe(time.Since(start).Seconds())
}

// CreateCounter creates a new CounterVec metric and registers it.
func (m *Metrics) CreateCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := createCounterVec(m.name(name), help, labels)
	m.registerer.MustRegister(counter)
	return counter
}

// CreateHistogram creates a new HistogramVec metric and registers it.
// Nil buckets fall back to ProcessingBuckets.
func (m *Metrics) CreateHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = ProcessingBuckets
	}
	histogram := createHistogramVec(m.name(name), help, labels, buckets)
	m.registerer.MustRegister(histogram)
	return histogram
}

// CreateGauge creates a new GaugeVec metric and registers it.
func (m *Metrics) CreateGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := createGaugeVec(m.name(name), help, labels)
	m.registerer.MustRegister(gauge)
	return gauge
}
