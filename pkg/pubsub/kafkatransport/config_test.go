package kafkatransport

import (
	"testing"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "localhost:9092", cfg.BootstrapServers)
	assert.Equal(t, "gcutils", cfg.ClientID)
	assert.Equal(t, "gcutils.subscriptions", cfg.RegistryTopic)
	assert.Equal(t, 3, cfg.NumPartitions)
	assert.Equal(t, 1, cfg.ReplicationFactor)
	assert.Equal(t, "earliest", cfg.AutoOffsetReset)
	assert.Equal(t, int64(10), cfg.MaxConcurrency)
	assert.Equal(t, 10*time.Second, cfg.CommitInterval)
	require.NotNil(t, cfg.SessionTimeout)
	assert.Equal(t, DefaultSessionTimeout, *cfg.SessionTimeout)
	require.NotNil(t, cfg.MaxPollInterval)
	assert.Equal(t, DefaultMaxPollInterval, *cfg.MaxPollInterval)
	require.NotNil(t, cfg.FlushTimeout)
	assert.Equal(t, DefaultFlushTimeout, *cfg.FlushTimeout)
	assert.False(t, cfg.EnableLogs)
	assert.False(t, cfg.SASL.Enabled())
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "broker-1:9092,broker-2:9092")
	t.Setenv("KAFKA_CLIENT_ID", "orders-svc")
	t.Setenv("KAFKA_REGISTRY_TOPIC", "orders.registry")
	t.Setenv("KAFKA_NUM_PARTITIONS", "12")
	t.Setenv("KAFKA_REPLICATION_FACTOR", "3")
	t.Setenv("KAFKA_AUTO_OFFSET_RESET", "latest")
	t.Setenv("KAFKA_MAX_CONCURRENCY", "64")
	t.Setenv("KAFKA_COMMIT_INTERVAL", "5s")
	t.Setenv("KAFKA_SESSION_TIMEOUT", "30s")
	t.Setenv("KAFKA_MAX_POLL_INTERVAL", "10m")
	t.Setenv("KAFKA_FLUSH_TIMEOUT", "2s")
	t.Setenv("KAFKA_ENABLE_LOGS", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "broker-1:9092,broker-2:9092", cfg.BootstrapServers)
	assert.Equal(t, "orders-svc", cfg.ClientID)
	assert.Equal(t, "orders.registry", cfg.RegistryTopic)
	assert.Equal(t, 12, cfg.NumPartitions)
	assert.Equal(t, 3, cfg.ReplicationFactor)
	assert.Equal(t, "latest", cfg.AutoOffsetReset)
	assert.Equal(t, int64(64), cfg.MaxConcurrency)
	assert.Equal(t, 5*time.Second, cfg.CommitInterval)
	assert.Equal(t, 30*time.Second, *cfg.SessionTimeout)
	assert.Equal(t, 10*time.Minute, *cfg.MaxPollInterval)
	assert.Equal(t, 2*time.Second, *cfg.FlushTimeout)
	assert.True(t, cfg.EnableLogs)
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	t.Setenv("KAFKA_COMMIT_INTERVAL", "soon")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse kafka transport config")
}

func TestConfigWithDefaults_FillsUnsetFields(t *testing.T) {
	cfg := Config{}.WithDefaults()

	assert.Equal(t, DefaultRegistryTopic, cfg.RegistryTopic)
	assert.Equal(t, 3, cfg.NumPartitions)
	assert.Equal(t, 1, cfg.ReplicationFactor)
	assert.Equal(t, "earliest", cfg.AutoOffsetReset)
	assert.Equal(t, int64(DefaultMaxConcurrency), cfg.MaxConcurrency)
	assert.Equal(t, DefaultCommitInterval, cfg.CommitInterval)
	require.NotNil(t, cfg.SessionTimeout)
	assert.Equal(t, DefaultSessionTimeout, *cfg.SessionTimeout)
	require.NotNil(t, cfg.MaxPollInterval)
	assert.Equal(t, DefaultMaxPollInterval, *cfg.MaxPollInterval)
	require.NotNil(t, cfg.FlushTimeout)
	assert.Equal(t, DefaultFlushTimeout, *cfg.FlushTimeout)
}

func TestConfigWithDefaults_KeepsExplicitValues(t *testing.T) {
	session := 30 * time.Second
	flush := time.Second
	cfg := Config{
		RegistryTopic:   "orders.registry",
		MaxConcurrency:  2,
		AutoOffsetReset: "latest",
		SessionTimeout:  &session,
		FlushTimeout:    &flush,
	}.WithDefaults()

	assert.Equal(t, "orders.registry", cfg.RegistryTopic)
	assert.Equal(t, int64(2), cfg.MaxConcurrency)
	assert.Equal(t, "latest", cfg.AutoOffsetReset)
	assert.Equal(t, session, *cfg.SessionTimeout)
	assert.Equal(t, flush, *cfg.FlushTimeout)
	assert.Equal(t, DefaultMaxPollInterval, *cfg.MaxPollInterval)
}

func TestSASLConfig_Enabled(t *testing.T) {
	assert.False(t, SASLConfig{}.Enabled())
	assert.False(t, SASLConfig{Username: "svc"}.Enabled())
	assert.False(t, SASLConfig{Password: "secret"}.Enabled())
	assert.True(t, SASLConfig{Username: "svc", Password: "secret"}.Enabled())
}

func TestSASLConfig_ApplyToConfigMap(t *testing.T) {
	sasl := SASLConfig{
		Username:         "svc",
		Password:         "secret",
		Mechanism:        "SCRAM-SHA-512",
		SecurityProtocol: "SASL_PLAINTEXT",
	}
	conf := cKafka.ConfigMap{}
	require.NoError(t, sasl.ApplyToConfigMap(&conf))

	expected := map[string]string{
		"security.protocol": "SASL_PLAINTEXT",
		"sasl.mechanisms":   "SCRAM-SHA-512",
		"sasl.username":     "svc",
		"sasl.password":     "secret",
	}
	for key, want := range expected {
		got, err := conf.Get(key, "")
		require.NoError(t, err)
		assert.Equal(t, want, got, key)
	}
}

func TestSASLConfig_ApplyToConfigMap_DisabledIsNoop(t *testing.T) {
	conf := cKafka.ConfigMap{}
	require.NoError(t, SASLConfig{Mechanism: "PLAIN"}.ApplyToConfigMap(&conf))
	assert.Empty(t, conf)
}
