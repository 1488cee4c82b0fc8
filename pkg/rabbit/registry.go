package rabbit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc processes one delivery. Returning nil acks the message; any
// error nacks it. Handlers should honour ctx, which is cancelled on shutdown
// and when HandlerTimeout expires.
type HandlerFunc func(ctx context.Context, msg *Message) error

// HandlerRegistry maps routing keys to handlers. Handlers are registered at
// startup; Subscribe freezes the registry and from then on it is read-only.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	fallback HandlerFunc
	frozen   bool
}

// NewHandlerRegistry returns an empty registry whose fallback logs unknown
// routing keys and reports success, so they never block the queue.
func NewHandlerRegistry(logger Logger) *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]HandlerFunc),
		fallback: func(_ context.Context, msg *Message) error {
			logger.Warn("no handler registered for routing key, acknowledging", nil, map[string]interface{}{
				"routing_key": msg.RoutingKey,
				"message_id":  msg.MessageID,
			})
			return nil
		},
	}
}

// Register binds handler to routingKey.
//
// Parameters:
//   - routingKey: exact routing key, e.g. "new.order"
//   - handler: returns nil to ack the delivery; any error nacks it
//
// Returns:
//   - ErrInvalidArgument: empty routing key or nil handler
//   - ErrHandlerExists: the key already has a handler
//   - ErrRegistryFrozen: Subscribe has already started
//
// Example:
//
//	err := registry.Register("new.order", func(ctx context.Context, msg *rabbit.Message) error {
//		return store.Save(ctx, msg.Payload)
//	})
func (r *HandlerRegistry) Register(routingKey string, handler HandlerFunc) error {
	if routingKey == "" || handler == nil {
		return fmt.Errorf("%w: routing key and handler are required", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: cannot register %q", ErrRegistryFrozen, routingKey)
	}
	if _, ok := r.handlers[routingKey]; ok {
		return fmt.Errorf("%w: %q", ErrHandlerExists, routingKey)
	}
	r.handlers[routingKey] = handler
	return nil
}

// SetFallback replaces the handler used for unknown routing keys.
func (r *HandlerRegistry) SetFallback(handler HandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("%w: fallback handler is required", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	r.fallback = handler
	return nil
}

// Freeze makes the registry read-only. Subscribe calls it; later calls are
// no-ops.
func (r *HandlerRegistry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the handler for routingKey, or the fallback.
func (r *HandlerRegistry) Lookup(routingKey string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[routingKey]; ok {
		return h
	}
	return r.fallback
}

// Keys returns the registered routing keys in sorted order.
func (r *HandlerRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
