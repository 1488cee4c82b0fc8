package postgres

import (
	"context"
	"sync"

	"go.uber.org/fx"
)

// FXModule provides *Postgres and runs its health monitor for the lifetime
// of the application.
var FXModule = fx.Module("postgres",
	fx.Provide(
		NewPostgres,
	),
	fx.Invoke(RegisterPostgresLifecycle),
)

func RegisterPostgresLifecycle(lc fx.Lifecycle, postgres *Postgres) {
	wg := &sync.WaitGroup{}
	monitorCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			wg.Add(2)
			go func() {
				defer wg.Done()
				postgres.monitorConnection(monitorCtx)
			}()
			go func() {
				defer wg.Done()
				postgres.retryConnection(monitorCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			postgres.Close()
			cancel()
			wg.Wait()
			return nil
		},
	})
}
