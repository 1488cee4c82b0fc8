package postgres

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

const (
	DefaultPort                = "5432"
	DefaultSSLMode             = "disable"
	DefaultMaxOpenConns        = 50
	DefaultMaxIdleConns        = 25
	DefaultConnMaxLifetime     = time.Minute
	DefaultHealthCheckInterval = 10 * time.Second
)

// Config holds the database connection settings. An empty Host disables the
// database: the consumer then keeps processed orders in memory.
type Config struct {
	Connection        Connection        `yaml:"connection"`
	ConnectionDetails ConnectionDetails `yaml:"connection_details"`
}

type Connection struct {
	Host     string `yaml:"host" envconfig:"POSTGRES_HOST"`
	Port     string `yaml:"port" envconfig:"POSTGRES_PORT"`
	User     string `yaml:"user" envconfig:"POSTGRES_USER"`
	Password string `yaml:"password" envconfig:"POSTGRES_PASSWORD"`
	DbName   string `yaml:"db_name" envconfig:"POSTGRES_DB"`
	SSLMode  string `yaml:"ssl_mode" envconfig:"POSTGRES_SSL_MODE"`
}

type ConnectionDetails struct {
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"POSTGRES_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"POSTGRES_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"POSTGRES_CONN_MAX_LIFETIME"`

	// HealthCheckInterval is how often the connection is pinged; a failed
	// ping triggers a reconnect.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" envconfig:"POSTGRES_HEALTH_CHECK_INTERVAL"`
}

func DefaultConfig() Config {
	return Config{
		Connection: Connection{
			Port:    DefaultPort,
			SSLMode: DefaultSSLMode,
		},
		ConnectionDetails: ConnectionDetails{
			MaxOpenConns:        DefaultMaxOpenConns,
			MaxIdleConns:        DefaultMaxIdleConns,
			ConnMaxLifetime:     DefaultConnMaxLifetime,
			HealthCheckInterval: DefaultHealthCheckInterval,
		},
	}
}

// Enabled reports whether a database is configured.
func (c Config) Enabled() bool {
	return c.Connection.Host != ""
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	return validation.ValidateStruct(&c,
		validation.Field(&c.Connection),
		validation.Field(&c.ConnectionDetails),
	)
}

func (c Connection) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Host, validation.Required),
		validation.Field(&c.Port, validation.Required, is.Port),
		validation.Field(&c.User, validation.Required),
		validation.Field(&c.DbName, validation.Required),
		validation.Field(&c.SSLMode, validation.In("disable", "allow", "prefer", "require", "verify-ca", "verify-full")),
	)
}

func (c ConnectionDetails) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxOpenConns, validation.Min(0)),
		validation.Field(&c.MaxIdleConns, validation.Min(0)),
		validation.Field(&c.ConnMaxLifetime, validation.Min(time.Duration(0))),
		validation.Field(&c.HealthCheckInterval, validation.Min(time.Duration(0))),
	)
}

func (c Connection) dsn() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = DefaultSSLMode
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DbName, sslMode)
}
