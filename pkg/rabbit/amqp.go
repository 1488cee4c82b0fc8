package rabbit

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpDialer is the production Dialer.
type amqpDialer struct {
	cfg    ConnectionConfig
	logger Logger
}

// NewDialer returns a Dialer that connects with amqp091-go, using TLS client
// certificates when UseCert is set.
func NewDialer(cfg ConnectionConfig, logger Logger) Dialer {
	return &amqpDialer{cfg: cfg, logger: logger}
}

func (d *amqpDialer) Dial(ctx context.Context) (Connection, error) {
	addr := d.cfg.redacted()
	d.logger.Info("connecting to rabbit", nil, map[string]interface{}{
		"rabbit_addr": addr,
	})

	amqpCfg := amqp.Config{
		Heartbeat: d.cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      d.dialFunc(ctx),
		Properties: amqp.Table{
			"connection_name": "soa-messaging",
		},
	}

	if d.cfg.IsSSLEnabled && d.cfg.UseCert {
		tlsConfig, err := d.tlsConfig()
		if err != nil {
			d.logger.Error("failed to prepare TLS config", err, nil)
			return nil, fmt.Errorf("%w: %w", ErrTLSError, err)
		}
		amqpCfg.TLSClientConfig = tlsConfig
	}

	conn, err := amqp.DialConfig(d.cfg.Address(), amqpCfg)
	if err != nil {
		d.logger.Error("error in connecting to rabbit", err, map[string]interface{}{
			"rabbit_addr": addr,
		})
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, TranslateError(err))
	}

	d.logger.Info("connected to rabbit", nil, map[string]interface{}{
		"rabbit_addr": addr,
	})
	return &amqpConnection{Connection: conn}, nil
}

// dialFunc honours ctx for the TCP dial and bounds the TLS and AMQP
// handshakes with DialTimeout. amqp091-go clears the deadline once the
// connection is open.
func (d *amqpDialer) dialFunc(ctx context.Context) func(network, addr string) (net.Conn, error) {
	timeout := d.cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return func(network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

func (d *amqpDialer) tlsConfig() (*tls.Config, error) {
	caCert, err := os.ReadFile(d.cfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates found in %s", d.cfg.CACertPath)
	}

	cert, err := tls.LoadX509KeyPair(d.cfg.ClientCertPath, d.cfg.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert/key: %w", err)
	}

	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		ServerName:   d.cfg.ServerName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{Channel: ch}, nil
}

type amqpChannel struct {
	*amqp.Channel
}

// Publish sends msg and blocks until the broker confirms it or ctx ends.
// On a channel without confirms enabled it returns after the send.
func (c *amqpChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	confirmation, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return err
	}
	if confirmation == nil {
		return nil
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return ErrMessageNacked
	}
	return nil
}
