package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/Tanmay18-12/soa-messaging/pkg/api"
	"github.com/Tanmay18-12/soa-messaging/pkg/logger"
	"github.com/Tanmay18-12/soa-messaging/pkg/metrics"
	"github.com/Tanmay18-12/soa-messaging/pkg/orders"
	"github.com/Tanmay18-12/soa-messaging/pkg/postgres"
	"github.com/Tanmay18-12/soa-messaging/pkg/rabbit"
	"github.com/Tanmay18-12/soa-messaging/pkg/tracer"
)

// EnvConfigFile names the YAML file to load when no path is passed to Load.
const EnvConfigFile = "SOA_CONFIG_FILE"

// Config is the configuration of one process. Each section is handed to the
// fx module of the package it belongs to.
type Config struct {
	Logger   logger.Config   `yaml:"logger"`
	Metrics  metrics.Config  `yaml:"metrics"`
	Tracer   tracer.Config   `yaml:"tracer"`
	Rabbit   rabbit.Config   `yaml:"rabbit"`
	Postgres postgres.Config `yaml:"postgres"`
	API      api.Config      `yaml:"api"`
	Orders   orders.Config   `yaml:"orders"`
}

// Default returns the built-in configuration for service, which names the
// process in logs, metrics and traces.
func Default(service string) Config {
	return Config{
		Logger: logger.Config{
			Level:       logger.Info,
			ServiceName: service,
		},
		Metrics: metrics.Config{
			ServiceName:             service,
			EnableDefaultCollectors: true,
		},
		Tracer: tracer.Config{
			ServiceName: service,
		},
		Rabbit:   rabbit.DefaultConfig(),
		Postgres: postgres.DefaultConfig(),
		API:      api.DefaultConfig(),
		Orders:   orders.DefaultConfig(),
	}
}

// Load builds the configuration in three layers, later ones winning: the
// defaults, the YAML file at path (or $SOA_CONFIG_FILE when path is empty),
// and environment variables. The result is validated.
func Load(path, service string) (Config, error) {
	cfg := Default(service)

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// decodeYAML overlays data on cfg. Unknown keys are rejected so that typos
// do not silently fall back to defaults.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	return validation.Errors{
		"logger": validation.Validate(c.Logger.Level,
			validation.In(logger.Debug, logger.Info, logger.Warning, logger.Error)),
		"tracer": validation.Validate(c.Tracer.SampleRatio,
			validation.Min(0.0), validation.Max(1.0)),
		"rabbit":   c.Rabbit.Validate(),
		"postgres": c.Postgres.Validate(),
		"api":      c.API.Validate(),
		"orders":   c.Orders.Validate(),
	}.Filter()
}
