package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProcessingBuckets are the latency buckets, in seconds, shared by the
// processing and HTTP duration histograms.
var ProcessingBuckets = []float64{0.1, 0.3, 0.5, 0.7, 1, 3, 5, 7, 10}

// Metrics encapsulates the Prometheus registry of one service together with
// the collectors of the publish/consume pipeline.
//
// *Metrics satisfies rabbit.Observer, so the connection manager, publisher and
// consumer report into it directly.
type Metrics struct {
	// Registry is the Prometheus registry where all metrics are registered.
	// Each service maintains its own isolated registry.
	Registry *prometheus.Registry

	registerer prometheus.Registerer
	namespace  string

	messagesSent       *prometheus.CounterVec
	messageSendErrors  *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	messagesReceived   *prometheus.CounterVec
	messagesProcessed  *prometheus.CounterVec
	messagesErrors     *prometheus.CounterVec
	messagesDeadLetter *prometheus.CounterVec
	processingTime     *prometheus.HistogramVec
	connectionState    prometheus.Gauge
	reconnectAttempts  prometheus.Counter
}

// NewMetrics initializes a dedicated registry wrapped with a constant
// `service` label and registers the pipeline collectors on it.
//
// Example:
//
//	m := metrics.NewMetrics(metrics.Config{
//	    ServiceName:             "consumer-service",
//	    EnableDefaultCollectors: true,
//	})
//	mux.Handle("/metrics", m.Handler())
func NewMetrics(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()

	wrappedRegistry := prometheus.WrapRegistererWith(
		prometheus.Labels{"service": cfg.ServiceName},
		registry,
	)

	m := &Metrics{
		Registry:   registry,
		registerer: wrappedRegistry,
		namespace:  cfg.Namespace,
	}

	m.messagesSent = createCounterVec(m.name("publisher_messages_sent_total"),
		"Total number of messages sent to RabbitMQ", []string{"type"})
	m.messageSendErrors = createCounterVec(m.name("publisher_message_send_errors_total"),
		"Total number of errors when sending messages to RabbitMQ", []string{"type"})
	m.httpDuration = createHistogramVec(m.name("publisher_http_request_duration_seconds"),
		"Duration of HTTP requests in seconds", []string{"method", "route", "status_code"}, ProcessingBuckets)
	m.messagesReceived = createCounterVec(m.name("consumer_messages_received_total"),
		"Total number of messages received from RabbitMQ", []string{"type"})
	m.messagesProcessed = createCounterVec(m.name("consumer_messages_processed_total"),
		"Total number of messages successfully processed", []string{"type"})
	m.messagesErrors = createCounterVec(m.name("consumer_messages_error_total"),
		"Total number of errors when processing messages", []string{"type"})
	m.messagesDeadLetter = createCounterVec(m.name("consumer_messages_dead_lettered_total"),
		"Total number of messages rejected without requeue after exhausting redeliveries", []string{"type"})
	m.processingTime = createHistogramVec(m.name("consumer_message_processing_time_seconds"),
		"Time spent processing messages in seconds", []string{"type"}, ProcessingBuckets)
	m.connectionState = createGauge(m.name("rabbit_connection_state"),
		"Current broker connection state (0=disconnected, 1=connecting, 2=connected, 3=closing)")
	m.reconnectAttempts = createCounter(m.name("rabbit_reconnect_attempts_total"),
		"Total number of broker connection attempts made by the reconnect loop")

	wrappedRegistry.MustRegister(
		m.messagesSent,
		m.messageSendErrors,
		m.httpDuration,
		m.messagesReceived,
		m.messagesProcessed,
		m.messagesErrors,
		m.messagesDeadLetter,
		m.processingTime,
		m.connectionState,
		m.reconnectAttempts,
	)

	if cfg.EnableDefaultCollectors {
		wrappedRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewBuildInfoCollector(),
		)
	}

	return m
}

// Handler returns the text exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) name(metric string) string {
	return prometheus.BuildFQName(m.namespace, "", metric)
}
