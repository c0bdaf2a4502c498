package kafkatransport

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Default values for Kafka clients
const (
	DefaultSessionTimeout  = 240 * time.Second
	DefaultMaxPollInterval = 3400 * time.Second
	DefaultFlushTimeout    = 15 * time.Second
	DefaultRegistryTopic   = "gcutils.subscriptions"
	DefaultMaxConcurrency  = 10
	DefaultCommitInterval  = 10 * time.Second
)

// Config holds the Kafka transport configuration.
type Config struct {
	BootstrapServers  string         `env:"KAFKA_BOOTSTRAP_SERVERS"       envDefault:"localhost:9092"`        // Kafka broker addresses
	ClientID          string         `env:"KAFKA_CLIENT_ID"               envDefault:"gcutils"`               // Client identifier reported to brokers
	RegistryTopic     string         `env:"KAFKA_REGISTRY_TOPIC"          envDefault:"gcutils.subscriptions"` // Compacted topic holding subscription records
	NumPartitions     int            `env:"KAFKA_NUM_PARTITIONS"          envDefault:"3"`                     // Partition count for created channel topics
	ReplicationFactor int            `env:"KAFKA_REPLICATION_FACTOR"      envDefault:"1"`                     // Replication factor for created topics
	AutoOffsetReset   string         `env:"KAFKA_AUTO_OFFSET_RESET"       envDefault:"earliest"`              // Offset reset strategy: "earliest" or "latest"
	MaxConcurrency    int64          `env:"KAFKA_MAX_CONCURRENCY"         envDefault:"10"`                    // Maximum concurrent message handlers per listener
	CommitInterval    time.Duration  `env:"KAFKA_COMMIT_INTERVAL"         envDefault:"10s"`                   // Interval for committing settled offsets
	SessionTimeout    *time.Duration `env:"KAFKA_SESSION_TIMEOUT"         envDefault:"240s"`                  // Session timeout for consumers
	MaxPollInterval   *time.Duration `env:"KAFKA_MAX_POLL_INTERVAL"       envDefault:"3400s"`                 // Max poll interval for consumers
	FlushTimeout      *time.Duration `env:"KAFKA_FLUSH_TIMEOUT"           envDefault:"15s"`                   // Producer flush timeout on close
	EnableLogs        bool           `env:"KAFKA_ENABLE_LOGS"             envDefault:"false"`                 // Enable librdkafka client logs

	SASL SASLConfig
}

// SASLConfig holds SASL authentication settings. Leaving the username and
// password empty disables SASL.
type SASLConfig struct {
	Username         string `env:"KAFKA_SASL_USERNAME"`
	Password         string `env:"KAFKA_SASL_PASSWORD"`
	Mechanism        string `env:"KAFKA_SASL_MECHANISM"    envDefault:"PLAIN"`    // SASL mechanism: PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512
	SecurityProtocol string `env:"KAFKA_SECURITY_PROTOCOL" envDefault:"SASL_SSL"` // Security protocol used when SASL is enabled
}

// Enabled reports whether SASL credentials are configured.
func (s SASLConfig) Enabled() bool {
	return s.Username != "" && s.Password != ""
}

// ApplyToConfigMap sets the SASL properties on a kafka config map. It does
// nothing when SASL is disabled.
func (s SASLConfig) ApplyToConfigMap(conf *cKafka.ConfigMap) error {
	if !s.Enabled() {
		return nil
	}
	properties := map[string]string{
		"security.protocol": s.SecurityProtocol,
		"sasl.mechanisms":   s.Mechanism,
		"sasl.username":     s.Username,
		"sasl.password":     s.Password,
	}
	for key, value := range properties {
		if err := conf.SetKey(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// LoadConfig loads the Kafka transport configuration from environment
// variables
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse kafka transport config: %w", err)
	}
	return cfg, nil
}

// WithDefaults returns a copy of the config with default values filled in
// for any unset fields, so hand-built configs behave the same as ones loaded
// from the environment. This method does not mutate the original config.
func (c Config) WithDefaults() Config {
	if c.RegistryTopic == "" {
		c.RegistryTopic = DefaultRegistryTopic
	}
	if c.NumPartitions <= 0 {
		c.NumPartitions = 3
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.AutoOffsetReset == "" {
		c.AutoOffsetReset = "earliest"
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = DefaultCommitInterval
	}
	if c.SessionTimeout == nil {
		timeout := DefaultSessionTimeout
		c.SessionTimeout = &timeout
	}
	if c.MaxPollInterval == nil {
		interval := DefaultMaxPollInterval
		c.MaxPollInterval = &interval
	}
	if c.FlushTimeout == nil {
		timeout := DefaultFlushTimeout
		c.FlushTimeout = &timeout
	}
	return c
}
