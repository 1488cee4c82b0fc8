package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"

	"github.com/Tanmay18-12/soa-messaging/pkg/metrics"
	"github.com/Tanmay18-12/soa-messaging/pkg/rabbit"
)

// PublisherModule serves PublisherRouter on Config.PublisherAddress.
var PublisherModule = fx.Module("api-publisher",
	fx.Provide(NewServerWithDI),
	fx.Invoke(RegisterPublisherHTTP),
)

// OpsModule serves OpsRouter on Config.OpsAddress.
var OpsModule = fx.Module("api-ops",
	fx.Provide(NewServerWithDI),
	fx.Invoke(RegisterOpsHTTP),
)

type ServerParams struct {
	fx.In

	Publisher *rabbit.Publisher
	Manager   *rabbit.ConnectionManager
	Metrics   *metrics.Metrics
	Logger    Logger
}

func NewServerWithDI(p ServerParams) *Server {
	return NewServer(p.Publisher, p.Manager, p.Metrics, p.Metrics.Handler(), p.Logger)
}

func RegisterPublisherHTTP(lc fx.Lifecycle, cfg Config, s *Server, logger Logger) {
	registerHTTPServer(lc, newHTTPServer(cfg, cfg.PublisherAddress, s.PublisherRouter()), cfg.ShutdownTimeout, logger)
}

func RegisterOpsHTTP(lc fx.Lifecycle, cfg Config, s *Server, logger Logger) {
	registerHTTPServer(lc, newHTTPServer(cfg, cfg.OpsAddress, s.OpsRouter()), cfg.ShutdownTimeout, logger)
}

func newHTTPServer(cfg Config, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// registerHTTPServer binds the listener on start, so a taken port fails
// startup, and serves in the background until stop.
func registerHTTPServer(lc fx.Lifecycle, server *http.Server, shutdownTimeout time.Duration, logger Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return err
			}
			logger.Info("starting http server", nil, map[string]interface{}{
				"address": ln.Addr().String(),
			})
			go func() {
				if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("error in http server", err, nil)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down http server", nil, map[string]interface{}{
				"address": server.Addr,
			})
			if shutdownTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, shutdownTimeout)
				defer cancel()
			}
			return server.Shutdown(ctx)
		},
	})
}
