package rabbit

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryContext describes one inbound delivery. It lives until the
// delivery is acked or nacked.
type DeliveryContext struct {
	DeliveryTag uint64
	Redelivered bool
	RoutingKey  string
	MessageID   string
	ArrivedAt   time.Time
	Headers     map[string]interface{}
}

// Message is what handlers receive: the delivery context, the raw body and
// the body decoded as a JSON object.
type Message struct {
	DeliveryContext
	Body    []byte
	Payload map[string]interface{}
}

// Decode unmarshals the raw body into v.
func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return nil
}

func newMessage(d amqp.Delivery, arrivedAt time.Time) *Message {
	headers := make(map[string]interface{}, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}
	return &Message{
		DeliveryContext: DeliveryContext{
			DeliveryTag: d.DeliveryTag,
			Redelivered: d.Redelivered,
			RoutingKey:  d.RoutingKey,
			MessageID:   d.MessageId,
			ArrivedAt:   arrivedAt,
			Headers:     headers,
		},
		Body: d.Body,
	}
}

func (m *Message) decode() error {
	var payload map[string]interface{}
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if payload == nil {
		return fmt.Errorf("%w: payload is not a JSON object", ErrInvalidMessage)
	}
	m.Payload = payload
	return nil
}

// settlement acks or nacks a delivery at most once.
type settlement struct {
	delivery amqp.Delivery
	settled  atomic.Bool
}

func (s *settlement) ack() error {
	if !s.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return s.delivery.Ack(false)
}

func (s *settlement) nack(requeue bool) error {
	if !s.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return s.delivery.Nack(false, requeue)
}

// deliveryCount reads the x-delivery-count header set by quorum queues,
// which counts earlier delivery attempts.
func deliveryCount(headers amqp.Table) (int, bool) {
	switch v := headers["x-delivery-count"].(type) {
	case int:
		return v, true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
