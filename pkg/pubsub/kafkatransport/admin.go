package kafkatransport

import (
	"context"
	"fmt"
	"regexp"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/fp8/gcutils/pkg/pubsub"
)

const (
	// metadataTimeout is the timeout for Kafka metadata operations.
	metadataTimeout = 10 * time.Second

	// watermarkTimeoutMs is the timeout for watermark offset queries.
	watermarkTimeoutMs = 5000
)

// Kafka restricts topic names to this alphabet. Subscription names share it
// because they feed into consumer group IDs.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

func validateName(kind, name string) error {
	if name == "" {
		return pubsub.Statusf(pubsub.CodeInvalidArgument, "%s name cannot be empty", kind)
	}
	if !namePattern.MatchString(name) {
		return pubsub.Statusf(pubsub.CodeInvalidArgument,
			"%s name %q may only contain letters, digits, '.', '_' and '-'", kind, name)
	}
	return nil
}

// topicExists checks if a Kafka topic exists and returns its metadata if
// found.
//
// Returns:
//   - metadata: Topic metadata if the topic exists, nil if it doesn't exist
//   - error: Non-nil if there was an error checking topic existence (network, permission, etc.)
func topicExists(admin *cKafka.AdminClient, topicName string) (*cKafka.TopicMetadata, error) {
	metadata, err := admin.GetMetadata(&topicName, false, int(metadataTimeout.Milliseconds()))
	if err != nil {
		return nil, statusFromKafka(err, fmt.Sprintf("failed to get metadata for topic %q", topicName))
	}

	topicMetadata, exists := metadata.Topics[topicName]
	if !exists || topicMetadata.Error.Code() == cKafka.ErrUnknownTopicOrPart {
		// Topic doesn't exist - this is not an error condition
		return nil, nil
	}

	if topicMetadata.Error.Code() != cKafka.ErrNoError {
		return nil, statusFromKafka(topicMetadata.Error, fmt.Sprintf("topic %q has error", topicName))
	}

	return &topicMetadata, nil
}

// createTopic creates a new Kafka topic. It does NOT check whether the topic
// already exists; creating an existing topic fails with CodeAlreadyExists.
// configEntries may be nil.
func createTopic(
	ctx context.Context,
	admin *cKafka.AdminClient,
	topic string,
	numPartitions, replicationFactor int,
	configEntries map[string]string,
	log *zap.SugaredLogger,
) error {
	spec := cKafka.TopicSpecification{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: replicationFactor,
		Config:            configEntries,
	}

	results, err := admin.CreateTopics(ctx, []cKafka.TopicSpecification{spec})
	if err != nil {
		return statusFromKafka(err, fmt.Sprintf("failed to create topic %q", topic))
	}

	// Check result - should only have one result since we created one topic
	for _, result := range results {
		if result.Error.Code() != cKafka.ErrNoError {
			return statusFromKafka(result.Error, fmt.Sprintf("failed to create topic %q", result.Topic))
		}
	}

	log.Infow("created topic",
		"topic", topic,
		"partitions", numPartitions,
		"replicationFactor", replicationFactor)
	return nil
}

// seedGroupOffsets commits the current high watermark of every partition for
// the given consumer group, so the group starts reading at the position the
// topic had when the subscription was created. Without this a fresh group
// with auto.offset.reset=earliest would replay the channel's entire history.
func seedGroupOffsets(conf cKafka.ConfigMap, topic, group string, log *zap.SugaredLogger) error {
	if err := conf.SetKey("group.id", group); err != nil {
		return fmt.Errorf("failed to set group.id: %w", err)
	}
	if err := conf.SetKey("enable.auto.commit", false); err != nil {
		return fmt.Errorf("failed to set enable.auto.commit: %w", err)
	}

	consumer, err := cKafka.NewConsumer(&conf)
	if err != nil {
		return statusFromKafka(err, "failed to create offset seeding consumer")
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			log.Warnw("failed to close offset seeding consumer", "error", err)
		}
	}()

	metadata, err := consumer.GetMetadata(&topic, false, int(metadataTimeout.Milliseconds()))
	if err != nil {
		return statusFromKafka(err, fmt.Sprintf("failed to get metadata for topic %q", topic))
	}
	topicMetadata, ok := metadata.Topics[topic]
	if !ok || topicMetadata.Error.Code() == cKafka.ErrUnknownTopicOrPart {
		return pubsub.Statusf(pubsub.CodeNotFound, "channel %q does not exist", topic)
	}

	offsets := make([]cKafka.TopicPartition, 0, len(topicMetadata.Partitions))
	for _, partition := range topicMetadata.Partitions {
		_, high, err := consumer.QueryWatermarkOffsets(topic, partition.ID, watermarkTimeoutMs)
		if err != nil {
			return statusFromKafka(err, fmt.Sprintf("failed to query watermarks for partition %d", partition.ID))
		}
		offsets = append(offsets, cKafka.TopicPartition{
			Topic:     &topic,
			Partition: partition.ID,
			Offset:    cKafka.Offset(high),
		})
	}

	if _, err := consumer.CommitOffsets(offsets); err != nil {
		return statusFromKafka(err, fmt.Sprintf("failed to seed offsets for group %q", group))
	}

	log.Debugw("seeded consumer group offsets", "group", group, "topic", topic, "partitions", len(offsets))
	return nil
}
