// Package logger provides structured logging for the order pipeline services.
//
// It wraps Uber's Zap logger behind a small API that every other package
// consumes through a locally declared Logger interface:
//
//	log := logger.NewLoggerClient(logger.Config{
//		Level:       logger.Info,
//		ServiceName: "publisher-service",
//	})
//
//	log.Info("Publisher service listening", nil, map[string]interface{}{
//		"address": ":3000",
//	})
//	log.Error("Error publishing message", err, nil)
//
// The *WithContext variants add trace_id and span_id to the entry when
// EnableTracing is set and the context carries an OpenTelemetry span:
//
//	log.InfoWithContext(ctx, "Message processed successfully", nil, map[string]interface{}{
//		"routing_key": "new.order",
//	})
//
// Configuration is read from the environment by pkg/config:
//
//	ZAP_LOGGER_LEVEL=debug          # debug, info, warning, error
//	LOGGER_SERVICE_NAME=consumer-service
//	LOGGER_ENABLE_TRACING=true
//	LOGGER_FILE_PATH=consumer.log   # optional, in addition to stderr
//
// FXModule provides *Logger and flushes it when the application stops.
//
// All methods are safe for concurrent use by multiple goroutines.
package logger
