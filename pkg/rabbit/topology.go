package rabbit

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology is the broker layout the pipeline relies on: one durable
// exchange, one durable queue bound to it, and an optional dead letter
// exchange/queue pair that rejected messages are routed to.
type Topology struct {
	ExchangeName string
	ExchangeType string

	QueueName string

	// RoutingPattern binds the queue to the exchange. Empty receives
	// everything published to a fanout exchange.
	RoutingPattern string

	DeadLetter DeadLetterConfig
}

// DefaultTopology is the fixed layout other services on the broker expect:
// fanout exchange "orders" and queue "orders_processing", bound with "".
func DefaultTopology() Topology {
	return Topology{
		ExchangeName: DefaultExchangeName,
		ExchangeType: DefaultExchangeType,
		QueueName:    DefaultQueueName,
	}
}

// EnsureTopology declares the exchange, queue and binding described by t.
// Every declaration is durable and idempotent, so it runs again after each
// reconnect. A declaration that conflicts with an existing entity fails with
// ErrPreconditionFailed wrapped in ErrDeclareFailed; the broker also closes
// ch in that case.
func EnsureTopology(ch Channel, t Topology) error {
	kind := t.ExchangeType
	if kind == "" {
		kind = amqp.ExchangeFanout
	}

	err := ch.ExchangeDeclare(
		t.ExchangeName,
		kind,
		true,  // Durable
		false, // AutoDelete
		false, // Internal
		false, // NoWait
		nil,   // Arguments
	)
	if err != nil {
		return fmt.Errorf("%w: exchange %q: %w", ErrDeclareFailed, t.ExchangeName, TranslateError(err))
	}

	queueArgs, err := ensureDeadLetter(ch, t.DeadLetter)
	if err != nil {
		return err
	}

	_, err = ch.QueueDeclare(
		t.QueueName,
		true,      // Durable
		false,     // AutoDelete
		false,     // Exclusive
		false,     // NoWait
		queueArgs, // dead letter routing, if configured
	)
	if err != nil {
		return fmt.Errorf("%w: queue %q: %w", ErrDeclareFailed, t.QueueName, TranslateError(err))
	}

	err = ch.QueueBind(
		t.QueueName,
		t.RoutingPattern,
		t.ExchangeName,
		false, // NoWait
		nil,   // Arguments
	)
	if err != nil {
		return fmt.Errorf("%w: queue %q to exchange %q: %w", ErrBindFailed, t.QueueName, t.ExchangeName, TranslateError(err))
	}

	return nil
}

// ensureDeadLetter declares the dead letter exchange and queue and returns
// the arguments the main queue needs to route rejected messages there. It
// returns nil arguments when no dead letter exchange is configured.
func ensureDeadLetter(ch Channel, dl DeadLetterConfig) (amqp.Table, error) {
	if dl.ExchangeName == "" {
		return nil, nil
	}

	err := ch.ExchangeDeclare(
		dl.ExchangeName,
		amqp.ExchangeDirect,
		true,  // Durable
		false, // AutoDelete
		false, // Internal
		false, // NoWait
		nil,   // Arguments
	)
	if err != nil {
		return nil, fmt.Errorf("%w: dead letter exchange %q: %w", ErrDeclareFailed, dl.ExchangeName, TranslateError(err))
	}

	var dlqArgs amqp.Table
	if dl.Ttl > 0 {
		dlqArgs = amqp.Table{"x-message-ttl": int64(dl.Ttl) * 1000}
	}
	_, err = ch.QueueDeclare(
		dl.QueueName,
		true,  // Durable
		false, // AutoDelete
		false, // Exclusive
		false, // NoWait
		dlqArgs,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: dead letter queue %q: %w", ErrDeclareFailed, dl.QueueName, TranslateError(err))
	}

	err = ch.QueueBind(
		dl.QueueName,
		dl.RoutingKey,
		dl.ExchangeName,
		false, // NoWait
		nil,   // Arguments
	)
	if err != nil {
		return nil, fmt.Errorf("%w: dead letter queue %q: %w", ErrBindFailed, dl.QueueName, TranslateError(err))
	}

	return amqp.Table{
		"x-dead-letter-exchange":    dl.ExchangeName,
		"x-dead-letter-routing-key": dl.RoutingKey,
	}, nil
}
