package rabbit

import (
	"context"

	"go.uber.org/fx"
)

// FXModule provides the connection manager, publisher, consumer and an
// empty handler registry, and ties the connection to the fx lifecycle:
// connecting starts on OnStart (without blocking startup) and the
// connection is closed on OnStop.
//
//	app := fx.New(
//	    logger.FXModule,
//	    metrics.FXModule,
//	    rabbit.FXModule,
//	    fx.Supply(cfg.Rabbit),
//	    fx.Provide(func(l *logger.Logger) rabbit.Logger { return l }),
//	)
var FXModule = fx.Module("rabbit",
	fx.Provide(
		NewConnectionManagerWithDI,
		NewPublisherWithDI,
		NewConsumerWithDI,
		NewHandlerRegistry,
	),
	fx.Invoke(RegisterRabbitLifecycle),
)

// RabbitParams groups the dependencies of the fx constructors.
type RabbitParams struct {
	fx.In

	Config   Config
	Logger   Logger
	Observer Observer `optional:"true"`
	Tracer   Tracer   `optional:"true"`
	Dialer   Dialer   `optional:"true"`
}

func (p RabbitParams) options() []Option {
	return []Option{
		WithObserver(p.Observer),
		WithTracer(p.Tracer),
		WithDialer(p.Dialer),
	}
}

// NewConnectionManagerWithDI is NewConnectionManager for fx. Optional
// Observer, Tracer and Dialer values in the graph are passed on as options;
// missing ones fall back to the defaults.
func NewConnectionManagerWithDI(p RabbitParams) *ConnectionManager {
	return NewConnectionManager(p.Config, p.Logger, p.options()...)
}

// NewPublisherWithDI is NewPublisher for fx, publishing through m.
func NewPublisherWithDI(p RabbitParams, m *ConnectionManager) *Publisher {
	return NewPublisher(m, p.Config, p.Logger, p.options()...)
}

// NewConsumerWithDI is NewConsumer for fx, consuming through m.
func NewConsumerWithDI(p RabbitParams, m *ConnectionManager) (*Consumer, error) {
	return NewConsumer(m, p.Config, p.Logger, p.options()...)
}

// RegisterRabbitLifecycle starts connecting on OnStart and shuts the manager
// down on OnStop.
//
// Parameters:
//   - lc: the fx lifecycle
//   - manager: the connection manager to drive
//   - logger: logs the shutdown
//
// OnStart does not wait for the broker: the manager keeps retrying in the
// background and publishes fail fast with ErrNotConnected until it is up.
func RegisterRabbitLifecycle(lc fx.Lifecycle, manager *ConnectionManager, logger Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			manager.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down rabbit connection...", nil, nil)
			manager.GracefulShutdown()
			return nil
		},
	})
}
