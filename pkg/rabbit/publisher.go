package rabbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/xid"
)

// ChannelSource hands out the live publishing channel. *ConnectionManager
// implements it.
type ChannelSource interface {
	AcquireChannel() (Channel, error)
}

// Publisher sends JSON messages to the configured exchange. It never waits
// for the connection to recover: when no channel is available Publish fails
// immediately with ErrNotConnected and the caller decides what to do.
type Publisher struct {
	source      ChannelSource
	exchange    string
	contentType string
	timeout     time.Duration

	logger   Logger
	observer Observer
	tracer   Tracer
	now      func() time.Time

	// mu serialises sends on the shared channel.
	mu sync.Mutex
}

// NewPublisher creates a publisher that sends to the configured exchange
// through source.
//
// Parameters:
//   - source: usually the *ConnectionManager; a channel is acquired per
//     Publish and never cached
//   - cfg: exchange name, content type and PublishTimeout come from
//     cfg.Channel
//   - logger: receives publish failures
//   - opts: WithObserver, WithTracer and WithClock apply here
//
// Example:
//
//	publisher := rabbit.NewPublisher(manager, cfg, log)
//	if err := publisher.Publish(ctx, "new.order", order); err != nil {
//		return err
//	}
func NewPublisher(source ChannelSource, cfg Config, logger Logger, opts ...Option) *Publisher {
	o := newOptions(opts)

	contentType := cfg.Channel.ContentType
	if contentType == "" {
		contentType = ContentTypeJSON
	}
	timeout := cfg.Channel.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}

	return &Publisher{
		source:      source,
		exchange:    cfg.Channel.ExchangeName,
		contentType: contentType,
		timeout:     timeout,
		logger:      logger,
		observer:    o.observer,
		tracer:      o.tracer,
		now:         o.now,
	}
}

// Publish encodes message as JSON and sends it as a persistent message with
// the given routing key, then waits for the broker to confirm it.
//
// A nil error means the broker accepted the message for durable delivery;
// it says nothing about consumers. Errors:
//   - ErrInvalidArgument: empty routing key
//   - ErrInvalidMessage: message cannot be encoded
//   - ErrNotConnected: no live channel, nothing was sent
//   - ErrPublishFailed / ErrMessageNacked: the send or the confirm failed
//
// The sent counter for routingKey is incremented exactly once per nil
// return and the error counter once per failed send. Calls made while
// disconnected touch neither.
func (p *Publisher) Publish(ctx context.Context, routingKey string, message interface{}) error {
	if routingKey == "" {
		return fmt.Errorf("%w: routing key is required", ErrInvalidArgument)
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	ch, err := p.source.AcquireChannel()
	if err != nil {
		p.logger.Warn("rabbit unavailable, message not published", err, map[string]interface{}{
			"routing_key": routingKey,
		})
		return err
	}

	ctx, span := p.tracer.StartSpan(ctx, "rabbit.publish")
	defer span.End()

	msg := amqp.Publishing{
		Headers:      carrierToTable(p.tracer.GetCarrier(ctx)),
		ContentType:  p.contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    xid.New().String(),
		Timestamp:    p.now().UTC(),
		Type:         routingKey,
		Body:         body,
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.mu.Lock()
	err = ch.Publish(sendCtx, p.exchange, routingKey, msg)
	p.mu.Unlock()

	if err != nil {
		p.observer.PublishFailed(routingKey)
		p.tracer.RecordErrorOnSpan(span, err)
		p.logger.Error("error in publishing msg into rabbit", err, map[string]interface{}{
			"routing_key": routingKey,
			"message_id":  msg.MessageId,
		})
		if errors.Is(err, ErrMessageNacked) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrPublishFailed, TranslateError(err))
	}

	p.observer.MessagePublished(routingKey)
	p.logger.Debug("message published", nil, map[string]interface{}{
		"routing_key": routingKey,
		"message_id":  msg.MessageId,
		"exchange":    p.exchange,
	})
	return nil
}

// carrierToTable copies trace headers into AMQP headers.
func carrierToTable(carrier map[string]string) amqp.Table {
	if len(carrier) == 0 {
		return nil
	}
	table := make(amqp.Table, len(carrier))
	for k, v := range carrier {
		table[k] = v
	}
	return table
}

// tableToCarrier extracts the string valued headers, which include the
// trace context written by carrierToTable.
func tableToCarrier(table amqp.Table) map[string]string {
	carrier := make(map[string]string, len(table))
	for k, v := range table {
		switch val := v.(type) {
		case string:
			carrier[k] = val
		case []byte:
			carrier[k] = string(val)
		}
	}
	return carrier
}
