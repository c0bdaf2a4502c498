//go:build e2e

package e2e

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	ckafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/require"

	"github.com/fp8/gcutils/pkg/pubsub"
	"github.com/fp8/gcutils/pkg/pubsub/kafkatransport"
)

func getEnvStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// e2eTransportConfig builds the transport config shared by the e2e tests.
// Each test gets its own registry topic so repeated runs against a long
// lived broker stay isolated.
func e2eTransportConfig(testID int64, clientID string) kafkatransport.Config {
	return kafkatransport.Config{
		BootstrapServers:  getEnvStr("KAFKA_BROKERS", "localhost:9092"),
		ClientID:          clientID,
		RegistryTopic:     fmt.Sprintf("gcutils_subscriptions_e2e_%d", testID),
		NumPartitions:     1,
		ReplicationFactor: 1,
		MaxConcurrency:    1,
		CommitInterval:    time.Second,
	}
}

// recorder collects delivered messages across handler goroutines.
type recorder struct {
	mu     sync.Mutex
	counts map[string]int
	byID   map[string]*pubsub.Message
}

func newRecorder() *recorder {
	return &recorder{
		counts: make(map[string]int),
		byID:   make(map[string]*pubsub.Message),
	}
}

func (r *recorder) record(msg *pubsub.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[msg.ID]++
	r.byID[msg.ID] = msg
}

func (r *recorder) distinct() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.counts)
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.counts {
		n += c
	}
	return n
}

func (r *recorder) get(id string) *pubsub.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

func (r *recorder) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.counts[id]
	return ok
}

// getCommittedOffsets reads the committed offsets of a consumer group for a
// topic straight from the broker.
func getCommittedOffsets(t *testing.T, brokers, groupID, topic string) (map[int32]int64, error) {
	t.Helper()

	consumer, err := ckafka.NewConsumer(&ckafka.ConfigMap{
		"bootstrap.servers": brokers,
		"group.id":          groupID,
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	defer consumer.Close()

	metadata, err := consumer.GetMetadata(&topic, false, 5000)
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}
	topicMetadata, ok := metadata.Topics[topic]
	if !ok {
		return nil, fmt.Errorf("topic %s not found in metadata", topic)
	}

	var partitions []ckafka.TopicPartition
	for _, partition := range topicMetadata.Partitions {
		partitions = append(partitions, ckafka.TopicPartition{
			Topic:     &topic,
			Partition: partition.ID,
		})
	}

	committed, err := consumer.Committed(partitions, 5000)
	if err != nil {
		return nil, fmt.Errorf("failed to get committed offsets: %w", err)
	}

	offsets := make(map[int32]int64)
	for _, tp := range committed {
		if tp.Error != nil {
			t.Logf("Warning: error getting committed offset for partition %d: %v", tp.Partition, tp.Error)
			continue
		}
		offsets[tp.Partition] = int64(tp.Offset)
	}
	return offsets, nil
}

// waitForCommitted polls the broker until the group's committed offsets for
// the topic sum to at least want, or fails after the deadline.
func waitForCommitted(t *testing.T, brokers, groupID, topic string, want int64) {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	for {
		offsets, err := getCommittedOffsets(t, brokers, groupID, topic)
		if err == nil {
			var total int64
			for _, o := range offsets {
				if o > 0 {
					total += o
				}
			}
			if total >= want {
				return
			}
		}
		if time.Now().After(deadline) {
			require.NoError(t, err, "read committed offsets failed")
			require.Fail(t, fmt.Sprintf("committed offsets never reached %d", want))
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}
