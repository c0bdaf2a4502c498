package kafkatransport

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/fp8/gcutils/pkg/pubsub"
)

// Reserved message headers. Attribute keys starting with the reserved prefix
// are silently dropped on publish so they cannot collide with transport
// metadata.
const (
	headerMessageID   = "gcutils-message-id"
	headerPublishTime = "gcutils-publish-time"
	headerAttempt     = "gcutils-attempt"

	reservedHeaderPrefix = "gcutils-"
)

// encodeMessage builds the kafka message for one publish or redelivery. The
// ordering key becomes the kafka partitioning key so messages sharing a key
// land on the same partition.
func encodeMessage(topic, id string, publishTime time.Time, attempt int, out pubsub.OutboundMessage) *cKafka.Message {
	headers := []cKafka.Header{
		{Key: headerMessageID, Value: []byte(id)},
		{Key: headerPublishTime, Value: []byte(publishTime.UTC().Format(time.RFC3339Nano))},
		{Key: headerAttempt, Value: []byte(strconv.Itoa(attempt))},
	}
	for key, value := range out.Attributes {
		if strings.HasPrefix(key, reservedHeaderPrefix) {
			continue
		}
		headers = append(headers, cKafka.Header{Key: key, Value: []byte(value)})
	}

	var key []byte
	if out.OrderingKey != "" {
		key = []byte(out.OrderingKey)
	}

	return &cKafka.Message{
		TopicPartition: cKafka.TopicPartition{
			Topic:     &topic,
			Partition: cKafka.PartitionAny,
		},
		Key:     key,
		Value:   out.Data,
		Headers: headers,
	}
}

// decodeMessage converts a consumed kafka message back into a delivery and
// its attempt count. Messages produced by plain Kafka clients lack the
// transport headers; they decode with a position-derived ID and attempt 1.
func decodeMessage(msg *cKafka.Message) (*pubsub.Message, int) {
	decoded := &pubsub.Message{
		Data:        msg.Value,
		Attributes:  map[string]string{},
		PublishTime: msg.Timestamp,
		AckToken:    ackToken(msg.TopicPartition),
	}
	if len(msg.Key) > 0 {
		decoded.OrderingKey = string(msg.Key)
	}

	attempt := 1
	for _, header := range msg.Headers {
		switch header.Key {
		case headerMessageID:
			decoded.ID = string(header.Value)
		case headerPublishTime:
			if ts, err := time.Parse(time.RFC3339Nano, string(header.Value)); err == nil {
				decoded.PublishTime = ts
			}
		case headerAttempt:
			if n, err := strconv.Atoi(string(header.Value)); err == nil && n > 0 {
				attempt = n
			}
		default:
			if !strings.HasPrefix(header.Key, reservedHeaderPrefix) {
				decoded.Attributes[header.Key] = string(header.Value)
			}
		}
	}

	if decoded.ID == "" {
		decoded.ID = ackToken(msg.TopicPartition)
	}
	return decoded, attempt
}

// ackToken identifies one delivery by its position on the topic.
func ackToken(tp cKafka.TopicPartition) string {
	topic := ""
	if tp.Topic != nil {
		topic = *tp.Topic
	}
	return fmt.Sprintf("%s/%d/%d", topic, tp.Partition, tp.Offset)
}

// outboundFromMessage rebuilds publish input from a consumed message so a
// redelivery keeps the payload, attributes and ordering key intact.
func outboundFromMessage(msg *pubsub.Message) pubsub.OutboundMessage {
	return pubsub.OutboundMessage{
		Data:        msg.Data,
		Attributes:  msg.Attributes,
		OrderingKey: msg.OrderingKey,
	}
}
