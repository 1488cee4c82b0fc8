package api

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	DefaultPublisherAddress = ":3000"
	DefaultOpsAddress       = ":8080"
	DefaultReadTimeout      = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultShutdownTimeout  = 15 * time.Second
)

type Config struct {
	// PublisherAddress is where the publisher process serves the order API.
	PublisherAddress string `yaml:"publisher_address" envconfig:"API_PUBLISHER_ADDRESS"`

	// OpsAddress is where the consumer process serves /metrics and /health.
	OpsAddress string `yaml:"ops_address" envconfig:"API_OPS_ADDRESS"`

	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"API_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"API_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"API_SHUTDOWN_TIMEOUT"`
}

func DefaultConfig() Config {
	return Config{
		PublisherAddress: DefaultPublisherAddress,
		OpsAddress:       DefaultOpsAddress,
		ReadTimeout:      DefaultReadTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		ShutdownTimeout:  DefaultShutdownTimeout,
	}
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.PublisherAddress, validation.Required),
		validation.Field(&c.OpsAddress, validation.Required),
		validation.Field(&c.ReadTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.WriteTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.ShutdownTimeout, validation.Min(time.Duration(0))),
	)
}
