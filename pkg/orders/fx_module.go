package orders

import (
	"context"
	"time"

	"go.uber.org/fx"

	"github.com/Tanmay18-12/soa-messaging/pkg/postgres"
	"github.com/Tanmay18-12/soa-messaging/pkg/rabbit"
)

// FXModule wires the order handlers into the rabbit consumer. The store is
// Postgres-backed when a *postgres.Postgres is available and in-memory
// otherwise. Consuming starts on OnStart and stops on OnStop, before the
// broker connection is closed.
var FXModule = fx.Module("orders",
	fx.Provide(
		NewStoreWithDI,
		NewHandlersWithDI,
	),
	fx.Invoke(
		RegisterHandlers,
		RegisterConsumerLifecycle,
	),
)

type StoreParams struct {
	fx.In

	DB *postgres.Postgres `optional:"true"`
}

func NewStoreWithDI(p StoreParams) (Store, error) {
	if p.DB == nil {
		return NewMemoryStore(), nil
	}
	return NewGormStore(p.DB)
}

func NewHandlersWithDI(cfg Config, store Store, logger Logger) *Handlers {
	return NewHandlers(store, logger, cfg.ProcessingDelay)
}

func RegisterHandlers(h *Handlers, registry *rabbit.HandlerRegistry) error {
	return h.Register(registry)
}

// RegisterConsumerLifecycle runs consumer.Subscribe for the lifetime of the
// application.
func RegisterConsumerLifecycle(lc fx.Lifecycle, consumer *rabbit.Consumer, registry *rabbit.HandlerRegistry, cfg rabbit.Config, logger Logger) {
	consumeCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := consumer.Subscribe(consumeCtx, cfg.Channel.QueueName, registry); err != nil {
					logger.ErrorWithContext(consumeCtx, "consumer stopped with error", err, nil)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(30 * time.Second):
			}
			return nil
		},
	})
}
