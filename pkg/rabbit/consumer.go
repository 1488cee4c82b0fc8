package rabbit

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/xid"
)

// ConsumerSource hands out the live consuming channel together with its
// connection generation. *ConnectionManager implements it.
type ConsumerSource interface {
	WaitGeneration(ctx context.Context, after uint64) error
	ConsumerChannel() (Channel, uint64, error)
}

// Consumer reads deliveries from a queue and dispatches them, one at a
// time, to the handler registered for their routing key.
//
// The channel prefetch is set to PrefetchCount (1 by default), so the
// broker never has more than that many unacknowledged deliveries
// outstanding on the channel. With the default of 1 processing is strictly
// sequential per consumer; run more consumer processes to scale out.
type Consumer struct {
	source ConsumerSource
	cfg    ChannelConfig

	logger   Logger
	observer Observer
	tracer   Tracer
	now      func() time.Time

	tag      string
	attempts *lru.Cache
}

// NewConsumer creates a consumer that reads through source. Nothing is
// consumed until Subscribe is called.
//
// Parameters:
//   - source: usually the *ConnectionManager
//   - cfg: only cfg.Channel is used (prefetch, redelivery limit, handler
//     timeout, retry delay)
//   - logger: receives consumer lifecycle and per-message failures
//   - opts: WithObserver, WithTracer and WithClock apply here
//
// Returns an error only when the redelivery cache cannot be created.
//
// Example:
//
//	consumer, err := rabbit.NewConsumer(manager, cfg, log, rabbit.WithObserver(m))
//	if err != nil {
//		return err
//	}
//	go consumer.Subscribe(ctx, cfg.Channel.QueueName, registry)
func NewConsumer(source ConsumerSource, cfg Config, logger Logger, opts ...Option) (*Consumer, error) {
	o := newOptions(opts)

	c := &Consumer{
		source:   source,
		cfg:      cfg.Channel,
		logger:   logger,
		observer: o.observer,
		tracer:   o.tracer,
		now:      o.now,
		tag:      "soa-consumer-" + xid.New().String(),
	}
	if c.cfg.PrefetchCount <= 0 {
		c.cfg.PrefetchCount = DefaultPrefetchCount
	}

	if c.cfg.MaxRedeliveries > 0 {
		size := c.cfg.AttemptCacheSize
		if size <= 0 {
			size = DefaultAttemptCacheSize
		}
		cache, err := lru.New(size)
		if err != nil {
			return nil, fmt.Errorf("failed to create attempt cache: %w", err)
		}
		c.attempts = cache
	}
	return c, nil
}

// Subscribe consumes queueName until ctx is cancelled or the connection
// manager shuts down, in which case it returns nil. It freezes registry
// first. Whenever the delivery stream ends because the connection dropped,
// Subscribe waits for the manager to reconnect and consumes again.
func (c *Consumer) Subscribe(ctx context.Context, queueName string, registry *HandlerRegistry) error {
	if queueName == "" || registry == nil {
		return fmt.Errorf("%w: queue name and registry are required", ErrInvalidArgument)
	}
	registry.Freeze()

	c.logger.Info("starting consumer", nil, map[string]interface{}{
		"queue":        queueName,
		"routing_keys": registry.Keys(),
		"prefetch":     c.cfg.PrefetchCount,
	})

	// consumed is the last generation whose channel is known to be dead.
	// The next channel must come from a later one.
	var consumed uint64
	for {
		if err := c.source.WaitGeneration(ctx, consumed); err != nil {
			if errors.Is(err, ErrShutdown) || ctx.Err() != nil {
				c.logger.Info("consumer is shutting down", err, nil)
				return nil
			}
			return err
		}

		ch, generation, err := c.source.ConsumerChannel()
		if err != nil {
			// Lost the connection between the two calls; wait again.
			continue
		}

		deliveries, err := c.startConsuming(ch, queueName)
		if err != nil {
			fields := map[string]interface{}{
				"queue":      queueName,
				"generation": generation,
			}
			if IsConnectionError(err) {
				consumed = generation
				c.logger.Warn("consume channel closed before consuming, waiting for reconnect", err, fields)
				continue
			}
			c.logger.Error("error in establishing consumer for rabbit", err, fields)
			if !c.sleep(ctx, c.cfg.reconnectDelay()) {
				return nil
			}
			continue
		}

		if c.drain(ctx, ch, deliveries, registry) {
			c.logger.Info("consumer is shutting down due to context cancellation", ctx.Err(), nil)
			return nil
		}
		consumed = generation
		c.logger.Warn("delivery stream closed, waiting for reconnect", nil, map[string]interface{}{
			"queue":      queueName,
			"generation": generation,
		})
	}
}

func (c *Consumer) startConsuming(ch Channel, queueName string) (<-chan amqp.Delivery, error) {
	if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQoSFailed, TranslateError(err))
	}

	deliveries, err := ch.Consume(
		queueName,
		c.tag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConsumeFailed, TranslateError(err))
	}
	return deliveries, nil
}

// drain handles deliveries until the stream closes (false) or ctx is done
// (true).
func (c *Consumer) drain(ctx context.Context, ch Channel, deliveries <-chan amqp.Delivery, registry *HandlerRegistry) bool {
	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(c.tag, false); err != nil {
				c.logger.Debug("error in cancelling consumer", err, nil)
			}
			return true
		case d, ok := <-deliveries:
			if !ok {
				return false
			}
			c.handle(ctx, d, registry)
		}
	}
}

// handle runs the per-delivery algorithm. The delivery is settled exactly
// once: acked when the handler succeeds, nacked otherwise.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, registry *HandlerRegistry) {
	start := c.now()
	routingKey := d.RoutingKey

	msg := newMessage(d, start)
	s := &settlement{delivery: d}

	ctx = c.tracer.SetCarrierOnContext(ctx, tableToCarrier(d.Headers))
	ctx, span := c.tracer.StartSpan(ctx, "rabbit.process "+routingKey)
	defer span.End()

	// Only deliveries that parse count as received.
	err := msg.decode()
	if err == nil {
		c.observer.MessageReceived(routingKey)
		err = c.invoke(ctx, registry.Lookup(routingKey), msg)
	}
	elapsed := c.now().Sub(start)

	fields := map[string]interface{}{
		"routing_key":  routingKey,
		"delivery_tag": d.DeliveryTag,
		"message_id":   d.MessageId,
		"redelivered":  d.Redelivered,
		"duration_ms":  elapsed.Milliseconds(),
	}

	if err == nil {
		if ackErr := s.ack(); ackErr != nil {
			c.logger.Error("error in acknowledging message", ackErr, fields)
		}
		c.forget(d)
		c.observer.MessageProcessed(routingKey, elapsed)
		c.logger.Debug("message processed", nil, fields)
		return
	}

	c.tracer.RecordErrorOnSpan(span, err)
	c.observer.MessageFailed(routingKey, elapsed)

	requeue, reason := c.shouldRequeue(d, err)
	if !requeue {
		fields["reason"] = reason
		c.forget(d)
		c.observer.MessageDeadLettered(routingKey)
	}
	c.logger.Error("error in processing message", err, fields)

	if nackErr := s.nack(requeue); nackErr != nil {
		c.logger.Error("error in negatively acknowledging message", nackErr, fields)
	}
}

// invoke calls handler, turning panics into errors and applying
// HandlerTimeout when configured.
func (c *Consumer) invoke(ctx context.Context, handler HandlerFunc, msg *Message) (err error) {
	if c.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panicked: %v", ErrProcessingFailed, r)
		}
	}()

	err = handler(ctx, msg)
	if err == nil {
		return nil
	}
	if c.cfg.HandlerTimeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrHandlerTimeout, c.cfg.HandlerTimeout, err)
	}
	if !errors.Is(err, ErrProcessingFailed) && !errors.Is(err, ErrInvalidMessage) {
		err = fmt.Errorf("%w: %w", ErrProcessingFailed, err)
	}
	return err
}

// shouldRequeue decides between nack-with-requeue (the default) and
// rejecting the message for good, which routes it to the dead letter
// exchange when one is configured.
func (c *Consumer) shouldRequeue(d amqp.Delivery, err error) (bool, string) {
	if errors.Is(err, ErrHandlerTimeout) {
		return false, "handler timeout"
	}
	if c.cfg.MaxRedeliveries <= 0 {
		return true, ""
	}
	if attempt := c.attempt(d); attempt > c.cfg.MaxRedeliveries {
		return false, fmt.Sprintf("redelivery limit %d exceeded after %d attempts", c.cfg.MaxRedeliveries, attempt)
	}
	return true, ""
}

// attempt returns how many times d has been delivered and failed,
// including this delivery. It prefers the broker's x-delivery-count and
// falls back to counting by message id.
func (c *Consumer) attempt(d amqp.Delivery) int {
	if n, ok := deliveryCount(d.Headers); ok {
		return n + 1
	}
	if c.attempts == nil || d.MessageId == "" {
		return 1
	}
	n := 1
	if v, ok := c.attempts.Get(d.MessageId); ok {
		n = v.(int) + 1
	}
	c.attempts.Add(d.MessageId, n)
	return n
}

func (c *Consumer) forget(d amqp.Delivery) {
	if c.attempts != nil && d.MessageId != "" {
		c.attempts.Remove(d.MessageId)
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
