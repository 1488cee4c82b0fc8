package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Logger defines the interface for logging operations within the postgres package.

//go:generate mockgen -source=setup.go -destination=mock_logger.go -package=postgres
type Logger interface {
	Info(msg string, err error, fields ...map[string]interface{})
	Debug(msg string, err error, fields ...map[string]interface{})
	Warn(msg string, err error, fields ...map[string]interface{})
	Error(msg string, err error, fields ...map[string]interface{})
	Fatal(msg string, err error, fields ...map[string]interface{})
}

// Postgres is a thread-safe wrapper around gorm.DB. It watches the
// connection with periodic pings and swaps in a fresh connection when the
// old one stops answering.
type Postgres struct {
	client          *gorm.DB
	cfg             Config
	logger          Logger
	mu              sync.RWMutex
	shutdownSignal  chan struct{}
	retryChanSignal chan error

	closeShutdownOnce sync.Once
}

// NewPostgres opens the connection described by cfg. Unlike the broker
// connection, the database must be reachable at startup.
func NewPostgres(cfg Config, logger Logger) (*Postgres, error) {
	conn, err := connectToPostgres(logger, cfg)
	if err != nil {
		logger.Error("error in connecting to postgres", err, map[string]interface{}{
			"host": cfg.Connection.Host,
			"db":   cfg.Connection.DbName,
		})
		return nil, err
	}

	return &Postgres{
		client:          conn,
		cfg:             cfg,
		logger:          logger,
		shutdownSignal:  make(chan struct{}),
		retryChanSignal: make(chan error, 1),
	}, nil
}

func connectToPostgres(logger Logger, cfg Config) (*gorm.DB, error) {
	database, err := gorm.Open(
		postgres.Open(cfg.Connection.dsn()),
		&gorm.Config{
			TranslateError: true,
		})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgresSQL database: %w", TranslateError(err))
	}

	databaseInstance, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get PostgresSQL database instance: %w", err)
	}

	details := cfg.ConnectionDetails
	if details.MaxOpenConns > 0 {
		databaseInstance.SetMaxOpenConns(details.MaxOpenConns)
	}
	if details.MaxIdleConns > 0 {
		databaseInstance.SetMaxIdleConns(details.MaxIdleConns)
	}
	if details.ConnMaxLifetime > 0 {
		databaseInstance.SetConnMaxLifetime(details.ConnMaxLifetime)
	}

	logger.Info("connected to postgres", nil, map[string]interface{}{
		"host": cfg.Connection.Host,
		"db":   cfg.Connection.DbName,
	})
	return database, nil
}

// retryConnection waits for failure signals from monitorConnection and
// reconnects until it succeeds, the context ends or Close is called.
func (p *Postgres) retryConnection(ctx context.Context) {
	for {
		select {
		case <-p.shutdownSignal:
			p.logger.Info("stopping postgres retry loop due to shutdown signal", nil, nil)
			return
		case <-ctx.Done():
			return
		case cause := <-p.retryChanSignal:
			p.logger.Warn("postgres health check failed, reconnecting", cause, nil)
			if !p.reconnect(ctx) {
				return
			}
		}
	}
}

func (p *Postgres) reconnect(ctx context.Context) bool {
	for {
		newConn, err := connectToPostgres(p.logger, p.cfg)
		if err == nil {
			p.mu.Lock()
			old := p.client
			p.client = newConn
			p.mu.Unlock()
			closeDB(old)
			p.logger.Info("reconnected to postgres", nil, nil)
			return true
		}

		p.logger.Error("postgres reconnection failed", err, nil)
		select {
		case <-p.shutdownSignal:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}

// monitorConnection pings the database every HealthCheckInterval and
// signals retryConnection on failure.
func (p *Postgres) monitorConnection(ctx context.Context) {
	interval := p.cfg.ConnectionDetails.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdownSignal:
			p.logger.Info("stopping postgres monitor loop due to shutdown signal", nil, nil)
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.HealthCheck(ctx); err != nil {
				select {
				case p.retryChanSignal <- err:
				default:
				}
			}
		}
	}
}

// HealthCheck pings the database with a 5 second timeout.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.client == nil {
		return fmt.Errorf("database client is not initialized")
	}

	db, err := p.client.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance during health check: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping failed: %w", ErrConnection, err)
	}
	return nil
}

// Close stops the monitor loops and closes the connection pool.
func (p *Postgres) Close() {
	p.closeShutdownOnce.Do(func() {
		close(p.shutdownSignal)

		p.mu.Lock()
		defer p.mu.Unlock()
		closeDB(p.client)
		p.logger.Info("postgres connection closed", nil, nil)
	})
}

func closeDB(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
