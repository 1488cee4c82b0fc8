package orders

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type Config struct {
	// ProcessingDelay is added to every handled message.
	ProcessingDelay time.Duration `yaml:"processing_delay" envconfig:"ORDERS_PROCESSING_DELAY"`
}

func DefaultConfig() Config {
	return Config{ProcessingDelay: DefaultProcessingDelay}
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ProcessingDelay, validation.Min(time.Duration(0))),
	)
}
