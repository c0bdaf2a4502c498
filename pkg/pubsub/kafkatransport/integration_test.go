//go:build integration
// +build integration

package kafkatransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/fp8/gcutils/pkg/metrics"
	"github.com/fp8/gcutils/pkg/pubsub"
)

const (
	kafkaImage     = "confluentinc/cp-kafka:7.5.0"
	startupTimeout = 30 * time.Second
)

type kafkaContainer struct {
	container testcontainers.Container
	brokers   string
}

func setupKafka(t *testing.T) *kafkaContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        kafkaImage,
		ExposedPorts: []string{"9093/tcp"},
		HostConfigModifier: func(hc *container.HostConfig) {
			// Bind container port 9093 to host port 9093 to match advertised listeners
			hc.PortBindings = map[nat.Port][]nat.PortBinding{
				"9093/tcp": {{HostIP: "127.0.0.1", HostPort: "9093"}},
			}
		},
		Env: map[string]string{
			"KAFKA_LISTENERS":                                "PLAINTEXT://0.0.0.0:9093,BROKER://0.0.0.0:9092,CONTROLLER://0.0.0.0:9094",
			"KAFKA_ADVERTISED_LISTENERS":                     "PLAINTEXT://localhost:9093,BROKER://localhost:9092",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":           "CONTROLLER:PLAINTEXT,BROKER:PLAINTEXT,PLAINTEXT:PLAINTEXT",
			"KAFKA_INTER_BROKER_LISTENER_NAME":               "BROKER",
			"KAFKA_CONTROLLER_LISTENER_NAMES":                "CONTROLLER",
			"KAFKA_CONTROLLER_QUORUM_VOTERS":                 "1@localhost:9094",
			"KAFKA_PROCESS_ROLES":                            "broker,controller",
			"KAFKA_NODE_ID":                                  "1",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR":         "1",
			"KAFKA_TRANSACTION_STATE_LOG_REPLICATION_FACTOR": "1",
			"KAFKA_TRANSACTION_STATE_LOG_MIN_ISR":            "1",
			"KAFKA_LOG_FLUSH_INTERVAL_MESSAGES":              "1",
			"KAFKA_GROUP_INITIAL_REBALANCE_DELAY_MS":         "0",
			"CLUSTER_ID":                                     "MkU3OEVBNTcwNTJENDM2Qk",
		},
		WaitingFor: wait.ForLog("Kafka Server started").WithStartupTimeout(startupTimeout),
	}

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	// Give Kafka extra time to fully start and stabilize
	time.Sleep(5 * time.Second)

	// Since we bound port 9093 to host, we can connect directly
	return &kafkaContainer{container: ctr, brokers: "localhost:9093"}
}

func (kc *kafkaContainer) teardown(t *testing.T) {
	ctx := context.Background()
	if kc.container != nil {
		if err := kc.container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	}
}

// newTestTransport builds a transport against the container with short
// intervals and sequential delivery so arrival order is deterministic.
func newTestTransport(t *testing.T, ctx context.Context, kc *kafkaContainer, clientID string) *Transport {
	log := zaptest.NewLogger(t).Sugar()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	transport, err := New(ctx, Config{
		BootstrapServers:  kc.brokers,
		ClientID:          clientID,
		NumPartitions:     1,
		ReplicationFactor: 1,
		MaxConcurrency:    1,
		CommitInterval:    time.Second,
	}, log, m)
	require.NoError(t, err)
	return transport
}

// capture records deliveries in arrival order.
type capture struct {
	mu   sync.Mutex
	msgs []*pubsub.Message
}

func (c *capture) handler(_ context.Context, msg *pubsub.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *capture) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.msgs))
	for _, msg := range c.msgs {
		ids = append(ids, msg.ID)
	}
	return ids
}

func (c *capture) byID(id string) *pubsub.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range c.msgs {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

func TestIntegration_PublishSubscribeRoundTrip(t *testing.T) {
	kc := setupKafka(t)
	defer kc.teardown(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	log := zaptest.NewLogger(t).Sugar()
	transport := newTestTransport(t, ctx, kc, "it-roundtrip")
	defer transport.Close(ctx)

	prov := pubsub.NewProvisioner(transport, log, nil)
	channel, ok, err := prov.EnsureChannel(ctx, "it-orders", pubsub.ChannelConfig{})
	require.NoError(t, err)
	require.True(t, ok)

	sub, ok, err := prov.EnsureSubscription(ctx, channel, "billing", pubsub.SubscriptionConfig{
		AckDeadline:     30 * time.Second,
		RetryMinBackoff: time.Second,
		RetryMaxBackoff: 2 * time.Second,
	})
	require.NoError(t, err)
	require.True(t, ok)

	// Publish before any listener attaches. The subscription must hold these
	// messages until delivery starts.
	publisher := pubsub.NewPublisher(transport, channel, log, nil)
	published := make([]string, 0, 5)
	for i := 0; i < 2; i++ {
		id, err := publisher.Publish(ctx, []byte(fmt.Sprintf("payload-%d", i)), pubsub.PublishOptions{
			Attributes:  map[string]string{"seq": fmt.Sprintf("%d", i)},
			OrderingKey: "customer-7",
		})
		require.NoError(t, err)
		published = append(published, id)
	}
	jsonID, err := publisher.PublishJSON(ctx, map[string]any{"total": 12}, pubsub.PublishOptions{OrderingKey: "customer-7"})
	require.NoError(t, err)
	published = append(published, jsonID)

	recorded := &capture{}
	subscriber := pubsub.NewSubscriber(transport, sub, log, nil)
	require.NoError(t, subscriber.Listen(ctx, recorded.handler, nil))

	require.Eventually(t, func() bool {
		return recorded.count() == 3
	}, 30*time.Second, 100*time.Millisecond, "expected buffered messages to be delivered")

	// Publish while listening.
	for i := 2; i < 4; i++ {
		id, err := publisher.Publish(ctx, []byte(fmt.Sprintf("payload-%d", i)), pubsub.PublishOptions{
			Attributes:  map[string]string{"seq": fmt.Sprintf("%d", i)},
			OrderingKey: "customer-7",
		})
		require.NoError(t, err)
		published = append(published, id)
	}

	require.Eventually(t, func() bool {
		return recorded.count() == 5
	}, 30*time.Second, 100*time.Millisecond, "expected live messages to be delivered")

	// One partition and one handler slot keep arrival order equal to publish
	// order.
	assert.Equal(t, published, recorded.ids())

	first := recorded.byID(published[0])
	require.NotNil(t, first)
	assert.Equal(t, []byte("payload-0"), first.Data)
	assert.Equal(t, "0", first.Attributes["seq"])
	assert.Equal(t, "customer-7", first.OrderingKey)
	assert.NotEmpty(t, first.AckToken)
	assert.False(t, first.PublishTime.IsZero())

	decoded := recorded.byID(jsonID)
	require.NotNil(t, decoded)
	assert.Equal(t, pubsub.ContentTypeJSON, decoded.Attributes[pubsub.AttrContentType])
	assert.JSONEq(t, `{"total":12}`, string(decoded.Data))

	require.NoError(t, subscriber.Close(ctx))
	assert.Equal(t, pubsub.StateClosed, subscriber.State())
}

func TestIntegration_ProvisioningLifecycle(t *testing.T) {
	kc := setupKafka(t)
	defer kc.teardown(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	log := zaptest.NewLogger(t).Sugar()
	transport := newTestTransport(t, ctx, kc, "it-lifecycle")
	defer transport.Close(ctx)

	prov := pubsub.NewProvisioner(transport, log, nil)

	// Ensure is idempotent: the second call sees the existing channel.
	channel, ok, err := prov.EnsureChannel(ctx, "it-audit", pubsub.ChannelConfig{})
	require.NoError(t, err)
	require.True(t, ok)

	again, ok, err := prov.EnsureChannel(ctx, "it-audit", pubsub.ChannelConfig{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, channel, again)

	exists, err := transport.ChannelExists(ctx, "it-audit")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = transport.SubscriptionExists(ctx, "it-audit", "ledger")
	require.NoError(t, err)
	assert.False(t, exists)

	sub, ok, err := prov.EnsureSubscription(ctx, channel, "ledger", pubsub.SubscriptionConfig{})
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = prov.EnsureSubscription(ctx, channel, "ledger", pubsub.SubscriptionConfig{})
	require.NoError(t, err)
	require.True(t, ok)

	exists, err = transport.SubscriptionExists(ctx, "it-audit", "ledger")
	require.NoError(t, err)
	assert.True(t, exists)

	// A second transport sees the subscription through the registry topic.
	other := newTestTransport(t, ctx, kc, "it-lifecycle-2")
	defer other.Close(ctx)

	exists, err = other.SubscriptionExists(ctx, "it-audit", "ledger")
	require.NoError(t, err)
	assert.True(t, exists)

	// Delete through a subscriber on the second transport.
	subscriber := pubsub.NewSubscriber(other, sub, log, nil)
	require.NoError(t, subscriber.Delete(ctx))
	assert.Equal(t, pubsub.StateDeleted, subscriber.State())

	exists, err = transport.SubscriptionExists(ctx, "it-audit", "ledger")
	require.NoError(t, err)
	assert.False(t, exists)

	// Listening on the deleted subscription fails cleanly.
	stale := pubsub.NewSubscriber(transport, sub, log, nil)
	err = stale.Listen(ctx, func(context.Context, *pubsub.Message) error { return nil }, nil)
	require.ErrorIs(t, err, pubsub.ErrSubscriptionNotFound)
}

func TestIntegration_NackRedelivery(t *testing.T) {
	kc := setupKafka(t)
	defer kc.teardown(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	log := zaptest.NewLogger(t).Sugar()
	transport := newTestTransport(t, ctx, kc, "it-retry")
	defer transport.Close(ctx)

	prov := pubsub.NewProvisioner(transport, log, nil)
	channel, ok, err := prov.EnsureChannel(ctx, "it-flaky", pubsub.ChannelConfig{})
	require.NoError(t, err)
	require.True(t, ok)

	sub, ok, err := prov.EnsureSubscription(ctx, channel, "worker", pubsub.SubscriptionConfig{
		AckDeadline:     30 * time.Second,
		RetryMinBackoff: 500 * time.Millisecond,
		RetryMaxBackoff: time.Second,
	})
	require.NoError(t, err)
	require.True(t, ok)

	var mu sync.Mutex
	attempts := make(map[string]int)
	var handlerErrs []error

	subscriber := pubsub.NewSubscriber(transport, sub, log, nil)
	err = subscriber.Listen(ctx, func(_ context.Context, msg *pubsub.Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[msg.ID]++
		if attempts[msg.ID] == 1 {
			return errors.New("transient handler failure")
		}
		return nil
	}, func(err error, msg *pubsub.Message) {
		mu.Lock()
		defer mu.Unlock()
		handlerErrs = append(handlerErrs, err)
	})
	require.NoError(t, err)

	publisher := pubsub.NewPublisher(transport, channel, log, nil)
	id, err := publisher.Publish(ctx, []byte("retry me"), pubsub.PublishOptions{})
	require.NoError(t, err)

	// First delivery fails and is nacked; the retry arrives after the
	// backoff with the same message identity.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts[id] == 2
	}, 30*time.Second, 100*time.Millisecond, "expected the message to be redelivered once")

	mu.Lock()
	require.Len(t, handlerErrs, 1)
	assert.ErrorContains(t, handlerErrs[0], "transient handler failure")
	mu.Unlock()

	// The second attempt was acked, so the count must not grow again.
	time.Sleep(3 * time.Second)
	mu.Lock()
	assert.Equal(t, 2, attempts[id])
	mu.Unlock()

	require.NoError(t, subscriber.Close(ctx))
}
