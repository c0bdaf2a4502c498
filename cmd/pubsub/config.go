package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fp8/gcutils/pkg/metrics"
	"github.com/fp8/gcutils/pkg/pubsub"
	"github.com/fp8/gcutils/pkg/pubsub/kafkatransport"
	"github.com/fp8/gcutils/pkg/retry"
	"github.com/fp8/gcutils/pkg/utils"
)

const (
	transportKafka = "kafka"
	transportMem   = "mem"
)

// Config holds all configuration for the pubsub application
type Config struct {
	// Application settings
	Verbose   bool
	Transport string

	// Channel settings
	Channel      string
	Subscription string
	Labels       map[string]string

	// Subscription settings
	AckDeadline       time.Duration
	RetryMinBackoff   time.Duration
	RetryMaxBackoff   time.Duration
	ProvisionWait     time.Duration
	ProvisionAttempts int

	// Publish settings
	Data        string
	JSON        bool
	Attributes  map[string]string
	OrderingKey string
	Count       int

	// Listen settings
	DecodeJSON     bool
	ReportInterval time.Duration

	// Kafka settings
	Kafka kafkatransport.Config

	// Metrics settings
	MetricsHost   string
	MetricsPort   int
	Service       string
	Environment   string
	Region        string
	CloudProvider string
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// MetricsLabels returns the constant labels attached to every metric
func (c *Config) MetricsLabels() metrics.Labels {
	return metrics.Labels{
		Service:       c.Service,
		Environment:   c.Environment,
		Region:        c.Region,
		CloudProvider: c.CloudProvider,
	}
}

// ChannelConfig returns the creation options for the channel
func (c *Config) ChannelConfig() pubsub.ChannelConfig {
	return pubsub.ChannelConfig{Labels: c.Labels}
}

// SubscriptionConfig returns the creation options for the subscription
func (c *Config) SubscriptionConfig() pubsub.SubscriptionConfig {
	return pubsub.SubscriptionConfig{
		AckDeadline:     c.AckDeadline,
		RetryMinBackoff: c.RetryMinBackoff,
		RetryMaxBackoff: c.RetryMaxBackoff,
	}.WithDefaults()
}

// ProvisionPolicy returns the retry policy used for provisioning calls
func (c *Config) ProvisionPolicy() retry.Policy {
	return retry.Policy{
		Wait:        c.ProvisionWait,
		MaxAttempts: c.ProvisionAttempts,
	}
}

// buildConfig builds a Config from CLI context flags
func buildConfig(c *cli.Context) (*Config, error) {
	transport := c.String("transport")
	if transport != transportKafka && transport != transportMem {
		return nil, fmt.Errorf("transport must be %q or %q, got %q", transportKafka, transportMem, transport)
	}

	labels, err := utils.ParseAttributes(c.StringSlice("label"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse channel labels: %w", err)
	}

	attrs, err := utils.ParseAttributes(c.StringSlice("attribute"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message attributes: %w", err)
	}

	return &Config{
		Verbose:           c.Bool("verbose"),
		Transport:         transport,
		Channel:           c.String("channel"),
		Subscription:      c.String("subscription"),
		Labels:            labels,
		AckDeadline:       c.Duration("ack-deadline"),
		RetryMinBackoff:   c.Duration("retry-min-backoff"),
		RetryMaxBackoff:   c.Duration("retry-max-backoff"),
		ProvisionWait:     c.Duration("provision-wait"),
		ProvisionAttempts: c.Int("provision-max-attempts"),
		Data:              c.String("data"),
		JSON:              c.Bool("json"),
		Attributes:        attrs,
		OrderingKey:       c.String("ordering-key"),
		Count:             c.Int("count"),
		DecodeJSON:        c.Bool("decode-json"),
		ReportInterval:    c.Duration("report-interval"),
		Kafka: kafkatransport.Config{
			BootstrapServers:  c.String("kafka-brokers"),
			ClientID:          c.String("kafka-client-id"),
			RegistryTopic:     c.String("kafka-registry-topic"),
			NumPartitions:     c.Int("kafka-num-partitions"),
			ReplicationFactor: c.Int("kafka-replication-factor"),
			AutoOffsetReset:   c.String("kafka-auto-offset-reset"),
			MaxConcurrency:    c.Int64("kafka-max-concurrency"),
			CommitInterval:    c.Duration("kafka-commit-interval"),
			EnableLogs:        c.Bool("kafka-enable-logs"),
			SASL: kafkatransport.SASLConfig{
				Username:         c.String("kafka-sasl-username"),
				Password:         c.String("kafka-sasl-password"),
				Mechanism:        c.String("kafka-sasl-mechanism"),
				SecurityProtocol: c.String("kafka-security-protocol"),
			},
		},
		MetricsHost:   c.String("metrics-host"),
		MetricsPort:   c.Int("metrics-port"),
		Service:       c.String("service"),
		Environment:   c.String("environment"),
		Region:        c.String("region"),
		CloudProvider: c.String("cloud-provider"),
	}, nil
}
