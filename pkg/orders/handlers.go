package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/Tanmay18-12/soa-messaging/pkg/rabbit"
)

// DefaultProcessingDelay is the simulated work done for every message.
const DefaultProcessingDelay = 500 * time.Millisecond

type Logger interface {
	InfoWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, err error, fields ...map[string]interface{})
}

// Handlers processes new.order and update.order messages. A handler returns
// only after its store write has succeeded, so the consumer acknowledges a
// message only once its side effect is durable.
type Handlers struct {
	store  Store
	logger Logger
	delay  time.Duration
}

func NewHandlers(store Store, logger Logger, delay time.Duration) *Handlers {
	return &Handlers{
		store:  store,
		logger: logger,
		delay:  delay,
	}
}

// Register adds both handlers to registry.
func (h *Handlers) Register(registry *rabbit.HandlerRegistry) error {
	if err := registry.Register(RoutingKeyNewOrder, h.HandleNewOrder); err != nil {
		return err
	}
	return registry.Register(RoutingKeyUpdateOrder, h.HandleOrderUpdate)
}

func (h *Handlers) HandleNewOrder(ctx context.Context, msg *rabbit.Message) error {
	var order Order
	if err := msg.Decode(&order); err != nil {
		return err
	}

	h.logger.InfoWithContext(ctx, "processing new order", nil, map[string]interface{}{
		"order_id":   order.ID,
		"customer":   order.Customer,
		"message_id": msg.MessageID,
	})

	if err := h.process(ctx); err != nil {
		return err
	}
	if err := h.store.SaveOrder(ctx, order); err != nil {
		h.logger.ErrorWithContext(ctx, "error in saving order", err, map[string]interface{}{
			"order_id": order.ID,
		})
		return fmt.Errorf("save order %d: %w", order.ID, err)
	}
	return nil
}

func (h *Handlers) HandleOrderUpdate(ctx context.Context, msg *rabbit.Message) error {
	id, err := orderID(msg.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", rabbit.ErrInvalidMessage, err)
	}

	h.logger.InfoWithContext(ctx, "processing order update", nil, map[string]interface{}{
		"order_id":   id,
		"message_id": msg.MessageID,
	})

	if err := h.process(ctx); err != nil {
		return err
	}
	if err := h.store.ApplyUpdate(ctx, id, msg.Payload); err != nil {
		h.logger.ErrorWithContext(ctx, "error in updating order", err, map[string]interface{}{
			"order_id": id,
		})
		return fmt.Errorf("update order %d: %w", id, err)
	}
	return nil
}

// process stands in for the real work an order triggers.
func (h *Handlers) process(ctx context.Context) error {
	if h.delay <= 0 {
		return nil
	}
	timer := time.NewTimer(h.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
