// Package rabbit implements the durable publish/consume pipeline on top of
// RabbitMQ (github.com/rabbitmq/amqp091-go).
//
// It has four parts:
//
//   - EnsureTopology declares the durable fanout exchange, the durable queue
//     and their binding (plus an optional dead letter exchange/queue). It is
//     idempotent and runs on every (re)connect.
//   - ConnectionManager owns the single connection and its publishing and
//     consuming channels, and reconnects forever after any close event.
//     Only one reconnect cycle runs per disconnect.
//   - Publisher sends persistent JSON messages with publisher confirms and
//     fails fast with ErrNotConnected while the connection is down.
//   - Consumer applies prefetch 1, dispatches deliveries to a
//     HandlerRegistry by routing key and acks on success or nacks with
//     requeue on failure, exactly once per delivery.
//
// Basic usage:
//
//	cfg := rabbit.DefaultConfig()
//	manager := rabbit.NewConnectionManager(cfg, log, rabbit.WithObserver(m))
//	manager.Start()
//	defer manager.GracefulShutdown()
//
//	publisher := rabbit.NewPublisher(manager, cfg, log, rabbit.WithObserver(m))
//	if err := publisher.Publish(ctx, "new.order", order); errors.Is(err, rabbit.ErrNotConnected) {
//		// broker unavailable, report 503
//	}
//
//	registry := rabbit.NewHandlerRegistry(log)
//	_ = registry.Register("new.order", handleNewOrder)
//	consumer, _ := rabbit.NewConsumer(manager, cfg, log, rabbit.WithObserver(m))
//	go consumer.Subscribe(ctx, cfg.Channel.QueueName, registry)
//
// Failed messages are requeued indefinitely unless Channel.MaxRedeliveries
// is set, in which case a message that keeps failing is rejected without
// requeue and lands in the dead letter queue (when DeadLetter is
// configured). Channel.HandlerTimeout bounds a single handler run.
package rabbit
