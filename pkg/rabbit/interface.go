package rabbit

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"
)

// Logger defines the logging methods used by this package. *logger.Logger
// satisfies it.
//
//go:generate mockgen -source=interface.go -destination=mock_logger.go -package=rabbit Logger
type Logger interface {
	Info(msg string, err error, fields ...map[string]interface{})
	Debug(msg string, err error, fields ...map[string]interface{})
	Warn(msg string, err error, fields ...map[string]interface{})
	Error(msg string, err error, fields ...map[string]interface{})
	Fatal(msg string, err error, fields ...map[string]interface{})
}

// Dialer opens broker connections. The default implementation dials with
// amqp091-go using ConnectionConfig; tests substitute their own.
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context) (Connection, error) {
	return f(ctx)
}

// Connection is the part of *amqp.Connection the connection manager uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the part of *amqp.Channel used for topology, publishing and
// consuming. Publish sends one message and waits for the broker confirm.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Observer receives pipeline events. *metrics.Metrics implements it.
type Observer interface {
	MessagePublished(routingKey string)
	PublishFailed(routingKey string)
	MessageReceived(routingKey string)
	MessageProcessed(routingKey string, duration time.Duration)
	MessageFailed(routingKey string, duration time.Duration)
	MessageDeadLettered(routingKey string)
	ConnectionStateChanged(state int)
	ReconnectAttempt()
}

// Tracer starts spans and moves trace context through message headers.
// *tracer.Tracer implements it.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, trace.Span)
	RecordErrorOnSpan(span trace.Span, err error)
	GetCarrier(ctx context.Context) map[string]string
	SetCarrierOnContext(ctx context.Context, carrier map[string]string) context.Context
}

type nopObserver struct{}

func (nopObserver) MessagePublished(string) {}
func (nopObserver) PublishFailed(string) {}
func (nopObserver) MessageReceived(string) {}
func (nopObserver) MessageProcessed(string, time.Duration) {}
func (nopObserver) MessageFailed(string, time.Duration) {}
func (nopObserver) MessageDeadLettered(string) {}
func (nopObserver) ConnectionStateChanged(int) {}
func (nopObserver) ReconnectAttempt() {}

type nopTracer struct{}

func (nopTracer) StartSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}
func (nopTracer) RecordErrorOnSpan(trace.Span, error) {}
func (nopTracer) GetCarrier(context.Context) map[string]string { return nil }
func (nopTracer) SetCarrierOnContext(ctx context.Context, _ map[string]string) context.Context {
	return ctx
}
