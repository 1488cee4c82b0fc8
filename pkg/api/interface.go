package api

import (
	"context"
	"time"

	"github.com/Tanmay18-12/soa-messaging/pkg/rabbit"
)

// Logger is the logging surface the HTTP handlers need. *logger.Logger
// satisfies it.
type Logger interface {
	Info(msg string, err error, fields ...map[string]interface{})
	Error(msg string, err error, fields ...map[string]interface{})
	InfoWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})
}

// Publisher sends a message to the broker. *rabbit.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, message interface{}) error
}

// BrokerState reports the broker connection state.
// *rabbit.ConnectionManager satisfies it.
type BrokerState interface {
	State() rabbit.State
}

// DurationRecorder records the latency of an HTTP request.
// *metrics.Metrics satisfies it.
type DurationRecorder interface {
	RecordRequestDuration(start time.Time, method, route string, statusCode int)
}
