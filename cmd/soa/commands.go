package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/Tanmay18-12/soa-messaging/pkg/api"
	"github.com/Tanmay18-12/soa-messaging/pkg/config"
	"github.com/Tanmay18-12/soa-messaging/pkg/logger"
	"github.com/Tanmay18-12/soa-messaging/pkg/metrics"
	"github.com/Tanmay18-12/soa-messaging/pkg/orders"
	"github.com/Tanmay18-12/soa-messaging/pkg/postgres"
	"github.com/Tanmay18-12/soa-messaging/pkg/rabbit"
	"github.com/Tanmay18-12/soa-messaging/pkg/tracer"
)

const (
	publisherService = "publisher-service"
	consumerService  = "consumer-service"
)

var publisherCommand = &cli.Command{
	Name:  "publisher",
	Usage: "serve the order API and publish orders to the broker",
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"), publisherService)
		if err != nil {
			return err
		}
		return run(c.Context, publisherOptions(cfg))
	},
}

var consumerCommand = &cli.Command{
	Name:  "consumer",
	Usage: "consume orders from the broker and serve /metrics and /health",
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"), consumerService)
		if err != nil {
			return err
		}
		return run(c.Context, consumerOptions(cfg))
	},
}

// commonOptions wires the packages both processes share. Module order
// matters: lifecycle hooks stop in reverse, so the broker connection closes
// after everything that uses it.
func commonOptions(cfg config.Config) []fx.Option {
	return []fx.Option{
		fx.Supply(cfg.Logger, cfg.Metrics, cfg.Tracer, cfg.Rabbit, cfg.Postgres, cfg.API, cfg.Orders),
		fx.Provide(
			func(l *logger.Logger) rabbit.Logger { return l },
			func(l *logger.Logger) tracer.Logger { return l },
			func(l *logger.Logger) api.Logger { return l },
			func(m *metrics.Metrics) rabbit.Observer { return m },
			func(t *tracer.Tracer) rabbit.Tracer { return t },
		),
		logger.FXModule,
		tracer.FXModule,
		metrics.FXModule,
		rabbit.FXModule,
	}
}

func publisherOptions(cfg config.Config) fx.Option {
	return fx.Options(append(commonOptions(cfg),
		api.PublisherModule,
	)...)
}

func consumerOptions(cfg config.Config) fx.Option {
	opts := commonOptions(cfg)
	opts = append(opts, fx.Provide(func(l *logger.Logger) orders.Logger { return l }))
	if cfg.Postgres.Enabled() {
		opts = append(opts,
			fx.Provide(func(l *logger.Logger) postgres.Logger { return l }),
			postgres.FXModule,
		)
	}
	opts = append(opts,
		orders.FXModule,
		api.OpsModule,
	)
	return fx.Options(opts...)
}

// run starts the application, blocks until SIGINT or SIGTERM, then stops it.
func run(ctx context.Context, opts fx.Option) error {
	app := fx.New(opts,
		fx.WithLogger(func(l *logger.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Zap}
		}),
	)
	if err := app.Err(); err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	select {
	case <-app.Wait():
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	return app.Stop(stopCtx)
}
