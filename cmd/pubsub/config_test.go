package main

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/fp8/gcutils/pkg/metrics"
	"github.com/fp8/gcutils/pkg/pubsub"
	"github.com/fp8/gcutils/pkg/pubsub/kafkatransport"
	"github.com/fp8/gcutils/pkg/retry"
)

// Helper to run buildConfig through a cli.App so flag defaults and parsing
// behave exactly as they do in production.
func buildTestConfig(t *testing.T, flags []cli.Flag, args ...string) (*Config, error) {
	t.Helper()

	var cfg *Config
	var buildErr error
	app := &cli.App{
		Name:   "pubsub",
		Writer: io.Discard,
		Flags:  flags,
		Action: func(c *cli.Context) error {
			cfg, buildErr = buildConfig(c)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"pubsub"}, args...)))
	return cfg, buildErr
}

func TestBuildConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := buildTestConfig(t, listenFlags(), "-c", "orders", "-s", "billing")

	require.NoError(t, err)
	assert.False(t, cfg.Verbose)
	assert.Equal(t, "kafka", cfg.Transport)
	assert.Equal(t, "orders", cfg.Channel)
	assert.Equal(t, "billing", cfg.Subscription)
	assert.Equal(t, pubsub.DefaultAckDeadline, cfg.AckDeadline)
	assert.Equal(t, pubsub.DefaultRetryMinBackoff, cfg.RetryMinBackoff)
	assert.Equal(t, pubsub.DefaultRetryMaxBackoff, cfg.RetryMaxBackoff)
	assert.Equal(t, 100*time.Millisecond, cfg.ProvisionWait)
	assert.Equal(t, 3, cfg.ProvisionAttempts)
	assert.False(t, cfg.DecodeJSON)
	assert.Equal(t, time.Minute, cfg.ReportInterval)

	assert.Equal(t, "localhost:9092", cfg.Kafka.BootstrapServers)
	assert.Equal(t, "gcutils", cfg.Kafka.ClientID)
	assert.Equal(t, kafkatransport.DefaultRegistryTopic, cfg.Kafka.RegistryTopic)
	assert.Equal(t, 3, cfg.Kafka.NumPartitions)
	assert.Equal(t, 1, cfg.Kafka.ReplicationFactor)
	assert.Equal(t, "earliest", cfg.Kafka.AutoOffsetReset)
	assert.Equal(t, int64(kafkatransport.DefaultMaxConcurrency), cfg.Kafka.MaxConcurrency)
	assert.Equal(t, kafkatransport.DefaultCommitInterval, cfg.Kafka.CommitInterval)
	assert.False(t, cfg.Kafka.SASL.Enabled())

	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, "pubsub", cfg.Service)
	assert.Equal(t, ":9090", cfg.MetricsAddr())
}

func TestBuildConfig_TransportMem(t *testing.T) {
	t.Parallel()

	cfg, err := buildTestConfig(t, provisionFlags(), "-c", "orders", "--transport", "mem")

	require.NoError(t, err)
	assert.Equal(t, "mem", cfg.Transport)
}

func TestBuildConfig_InvalidTransport(t *testing.T) {
	t.Parallel()

	cfg, err := buildTestConfig(t, provisionFlags(), "-c", "orders", "--transport", "carrier-pigeon")

	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "transport must be")
}

func TestBuildConfig_PublishFlags(t *testing.T) {
	t.Parallel()

	cfg, err := buildTestConfig(t, publishFlags(),
		"-c", "orders",
		"-d", `{"total":12}`,
		"--json",
		"-a", "region=eu-west-1",
		"-a", "tier=gold",
		"-k", "customer-7",
		"-n", "3",
	)

	require.NoError(t, err)
	assert.Equal(t, `{"total":12}`, cfg.Data)
	assert.True(t, cfg.JSON)
	assert.Equal(t, map[string]string{"region": "eu-west-1", "tier": "gold"}, cfg.Attributes)
	assert.Equal(t, "customer-7", cfg.OrderingKey)
	assert.Equal(t, 3, cfg.Count)
}

func TestBuildConfig_InvalidAttribute(t *testing.T) {
	t.Parallel()

	cfg, err := buildTestConfig(t, publishFlags(), "-c", "orders", "-d", "x", "-a", "no-separator")

	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse message attributes")
}

func TestBuildConfig_ChannelLabels(t *testing.T) {
	t.Parallel()

	cfg, err := buildTestConfig(t, provisionFlags(),
		"-c", "orders",
		"--label", "team=payments",
		"--label", "env=dev",
	)

	require.NoError(t, err)
	assert.Equal(t, map[string]string{"team": "payments", "env": "dev"}, cfg.Labels)
	assert.Equal(t, cfg.Labels, cfg.ChannelConfig().Labels)
}

func TestBuildConfig_KafkaOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := buildTestConfig(t, listenFlags(),
		"-c", "orders",
		"-s", "billing",
		"--kafka-brokers", "broker-1:9092,broker-2:9092",
		"--kafka-client-id", "listener-7",
		"--kafka-num-partitions", "6",
		"--kafka-max-concurrency", "32",
		"--kafka-commit-interval", "2s",
		"--kafka-sasl-username", "svc",
		"--kafka-sasl-password", "secret",
	)

	require.NoError(t, err)
	assert.Equal(t, "broker-1:9092,broker-2:9092", cfg.Kafka.BootstrapServers)
	assert.Equal(t, "listener-7", cfg.Kafka.ClientID)
	assert.Equal(t, 6, cfg.Kafka.NumPartitions)
	assert.Equal(t, int64(32), cfg.Kafka.MaxConcurrency)
	assert.Equal(t, 2*time.Second, cfg.Kafka.CommitInterval)
	assert.True(t, cfg.Kafka.SASL.Enabled())
	assert.Equal(t, "PLAIN", cfg.Kafka.SASL.Mechanism)
	assert.Equal(t, "SASL_SSL", cfg.Kafka.SASL.SecurityProtocol)
}

func TestBuildConfig_RequiredChannel(t *testing.T) {
	t.Parallel()

	app := &cli.App{
		Name:   "pubsub",
		Writer: io.Discard,
		Flags:  provisionFlags(),
		Action: func(c *cli.Context) error { return nil },
	}

	err := app.Run([]string{"pubsub"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel")
}

func TestConfigMetricsAddr(t *testing.T) {
	t.Parallel()

	cfg := &Config{MetricsHost: "", MetricsPort: 9090}
	assert.Equal(t, ":9090", cfg.MetricsAddr())

	cfg = &Config{MetricsHost: "10.1.2.3", MetricsPort: 2112}
	assert.Equal(t, "10.1.2.3:2112", cfg.MetricsAddr())
}

func TestConfigMetricsLabels(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Service:       "pubsub",
		Environment:   "staging",
		Region:        "eu-central-1",
		CloudProvider: "aws",
	}

	assert.Equal(t, metrics.Labels{
		Service:       "pubsub",
		Environment:   "staging",
		Region:        "eu-central-1",
		CloudProvider: "aws",
	}, cfg.MetricsLabels())
}

func TestConfigSubscriptionConfig(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		AckDeadline:     30 * time.Second,
		RetryMinBackoff: 5 * time.Second,
		RetryMaxBackoff: 120 * time.Second,
	}

	subCfg := cfg.SubscriptionConfig()
	assert.Equal(t, 30*time.Second, subCfg.AckDeadline)
	assert.Equal(t, 5*time.Second, subCfg.RetryMinBackoff)
	assert.Equal(t, 120*time.Second, subCfg.RetryMaxBackoff)

	// Zero values fall back to the delivery defaults.
	subCfg = (&Config{}).SubscriptionConfig()
	assert.Equal(t, pubsub.DefaultAckDeadline, subCfg.AckDeadline)
	assert.Equal(t, pubsub.DefaultRetryMinBackoff, subCfg.RetryMinBackoff)
	assert.Equal(t, pubsub.DefaultRetryMaxBackoff, subCfg.RetryMaxBackoff)
}

func TestConfigProvisionPolicy(t *testing.T) {
	t.Parallel()

	cfg := &Config{ProvisionWait: 50 * time.Millisecond, ProvisionAttempts: 7}

	assert.Equal(t, retry.Policy{Wait: 50 * time.Millisecond, MaxAttempts: 7}, cfg.ProvisionPolicy())
}
