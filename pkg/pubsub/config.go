package pubsub

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/fp8/gcutils/pkg/retry"
)

// Config carries the environment-driven defaults for provisioning and
// delivery. Values left unset in the environment fall back to the envDefault
// tags below.
type Config struct {
	AckDeadline       time.Duration `env:"PUBSUB_ACK_DEADLINE" envDefault:"10s"`         // Redelivery deadline for unsettled messages
	RetryMinBackoff   time.Duration `env:"PUBSUB_RETRY_MIN_BACKOFF" envDefault:"10s"`    // First redelivery delay for nacked messages
	RetryMaxBackoff   time.Duration `env:"PUBSUB_RETRY_MAX_BACKOFF" envDefault:"600s"`   // Redelivery delay cap
	ProvisionWait     time.Duration `env:"PUBSUB_PROVISION_WAIT" envDefault:"100ms"`     // Pause between provisioning attempts
	ProvisionAttempts int           `env:"PUBSUB_PROVISION_MAX_ATTEMPTS" envDefault:"3"` // Provisioning attempt cap
}

// LoadConfig loads the pubsub configuration from environment variables
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse pubsub config: %w", err)
	}
	return cfg, nil
}

// SubscriptionConfig converts the environment values into subscription
// creation options.
func (c Config) SubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		AckDeadline:     c.AckDeadline,
		RetryMinBackoff: c.RetryMinBackoff,
		RetryMaxBackoff: c.RetryMaxBackoff,
	}.WithDefaults()
}

// ProvisionPolicy converts the environment values into the retry policy the
// Provisioner uses for create calls.
func (c Config) ProvisionPolicy() retry.Policy {
	return retry.Policy{
		Wait:        c.ProvisionWait,
		MaxAttempts: c.ProvisionAttempts,
	}
}
