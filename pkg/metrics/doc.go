// Package metrics provides the Prometheus registry and collectors of the
// order pipeline.
//
// Each service owns an isolated registry. Every metric carries a constant
// `service` label taken from Config.ServiceName:
//
//	m := metrics.NewMetrics(metrics.Config{
//		ServiceName:             "publisher-service",
//		EnableDefaultCollectors: true,
//	})
//
// The pipeline collectors are:
//
//	publisher_messages_sent_total{type}
//	publisher_message_send_errors_total{type}
//	publisher_http_request_duration_seconds{method,route,status_code}
//	consumer_messages_received_total{type}
//	consumer_messages_processed_total{type}
//	consumer_messages_error_total{type}
//	consumer_messages_dead_lettered_total{type}
//	consumer_message_processing_time_seconds{type}
//	rabbit_connection_state
//	rabbit_reconnect_attempts_total
//
// The `type` label is the routing key. *Metrics implements rabbit.Observer so
// it can be handed to the connection manager, publisher and consumer as is.
//
// Handler returns the text exposition handler; pkg/api mounts it at /metrics.
//
// Configuration:
//
//	METRICS_ENABLE_DEFAULT_COLLECTORS=true     # Go runtime and process metrics
//	METRICS_NAMESPACE=                         # Optional prefix for all metric names
//	METRICS_SERVICE_NAME=consumer-service      # Value of the service label
//
// All methods are safe for concurrent use.
package metrics
