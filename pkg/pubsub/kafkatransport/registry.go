package kafkatransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/nats-io/nuid"
	"go.uber.org/zap"

	"github.com/fp8/gcutils/pkg/pubsub"
)

const registryReadTimeout = 500 * time.Millisecond

// subscriptionRecord is the registry topic value for one subscription.
// Durations are stored as strings so the records stay readable with plain
// console consumers.
type subscriptionRecord struct {
	Channel         string    `json:"channel"`
	Name            string    `json:"name"`
	AckDeadline     string    `json:"ackDeadline"`
	RetryMinBackoff string    `json:"retryMinBackoff"`
	RetryMaxBackoff string    `json:"retryMaxBackoff"`
	CreatedAt       time.Time `json:"createdAt"`
}

func newSubscriptionRecord(channel, name string, cfg pubsub.SubscriptionConfig, createdAt time.Time) subscriptionRecord {
	return subscriptionRecord{
		Channel:         channel,
		Name:            name,
		AckDeadline:     cfg.AckDeadline.String(),
		RetryMinBackoff: cfg.RetryMinBackoff.String(),
		RetryMaxBackoff: cfg.RetryMaxBackoff.String(),
		CreatedAt:       createdAt,
	}
}

// config converts the stored durations back into subscription options.
// Unparseable values fall back to the defaults rather than failing a listen.
func (r subscriptionRecord) config() pubsub.SubscriptionConfig {
	var cfg pubsub.SubscriptionConfig
	if d, err := time.ParseDuration(r.AckDeadline); err == nil {
		cfg.AckDeadline = d
	}
	if d, err := time.ParseDuration(r.RetryMinBackoff); err == nil {
		cfg.RetryMinBackoff = d
	}
	if d, err := time.ParseDuration(r.RetryMaxBackoff); err == nil {
		cfg.RetryMaxBackoff = d
	}
	return cfg.WithDefaults()
}

// registryKey is the compaction key for one subscription. Channel names
// cannot contain '/', so the key is unambiguous.
func registryKey(channel, name string) string {
	return channel + "/" + name
}

// registry stores subscription records in a single-partition compacted
// topic. Creation produces a keyed record, deletion produces a tombstone and
// lookups replay the partition from the beginning, letting compaction keep
// the replay short.
type registry struct {
	topic        string
	producer     *producer
	consumerConf func() cKafka.ConfigMap
	log          *zap.SugaredLogger
}

func newRegistry(topic string, p *producer, consumerConf func() cKafka.ConfigMap, log *zap.SugaredLogger) *registry {
	return &registry{
		topic:        topic,
		producer:     p,
		consumerConf: consumerConf,
		log:          log,
	}
}

// put stores the record for its channel/name key.
func (r *registry) put(ctx context.Context, rec subscriptionRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription record: %w", err)
	}
	return r.write(ctx, registryKey(rec.Channel, rec.Name), value)
}

// tombstone marks the subscription deleted. Compaction eventually drops the
// key entirely.
func (r *registry) tombstone(ctx context.Context, channel, name string) error {
	return r.write(ctx, registryKey(channel, name), nil)
}

func (r *registry) write(ctx context.Context, key string, value []byte) error {
	msg := &cKafka.Message{
		TopicPartition: cKafka.TopicPartition{
			Topic:     &r.topic,
			Partition: cKafka.PartitionAny,
		},
		Key:   []byte(key),
		Value: value,
	}
	if _, err := r.producer.produce(ctx, msg); err != nil {
		return fmt.Errorf("failed to write registry record %q: %w", key, err)
	}
	return nil
}

// get returns the record for one subscription.
func (r *registry) get(ctx context.Context, channel, name string) (subscriptionRecord, bool, error) {
	records, err := r.scan(ctx)
	if err != nil {
		return subscriptionRecord{}, false, err
	}
	rec, ok := records[registryKey(channel, name)]
	return rec, ok, nil
}

// scan replays the registry topic and returns the live records keyed by
// registryKey. Tombstoned keys are absent.
func (r *registry) scan(ctx context.Context) (map[string]subscriptionRecord, error) {
	conf := r.consumerConf()
	if err := conf.SetKey("group.id", "gcutils-registry-scan-"+nuid.Next()); err != nil {
		return nil, fmt.Errorf("failed to set group.id: %w", err)
	}
	if err := conf.SetKey("enable.auto.commit", false); err != nil {
		return nil, fmt.Errorf("failed to set enable.auto.commit: %w", err)
	}

	consumer, err := cKafka.NewConsumer(&conf)
	if err != nil {
		return nil, statusFromKafka(err, "failed to create registry scan consumer")
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			r.log.Warnw("failed to close registry scan consumer", "error", err)
		}
	}()

	_, high, err := consumer.QueryWatermarkOffsets(r.topic, 0, watermarkTimeoutMs)
	if err != nil {
		return nil, statusFromKafka(err, "failed to query registry watermarks")
	}

	records := make(map[string]subscriptionRecord)
	if high == 0 {
		return records, nil
	}

	err = consumer.Assign([]cKafka.TopicPartition{{
		Topic:     &r.topic,
		Partition: 0,
		Offset:    cKafka.OffsetBeginning,
	}})
	if err != nil {
		return nil, statusFromKafka(err, "failed to assign registry partition")
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		msg, err := consumer.ReadMessage(registryReadTimeout)
		if err != nil {
			var kErr cKafka.Error
			if errors.As(err, &kErr) && kErr.Code() == cKafka.ErrTimedOut {
				// The end of a compacted partition can sit below the high
				// watermark, so a timeout near it means we are done.
				return records, nil
			}
			return nil, statusFromKafka(err, "failed to read registry record")
		}

		key := string(msg.Key)
		if msg.Value == nil {
			delete(records, key)
		} else {
			var rec subscriptionRecord
			if jsonErr := json.Unmarshal(msg.Value, &rec); jsonErr != nil {
				r.log.Warnw("skipping malformed registry record", "key", key, "error", jsonErr)
			} else {
				records[key] = rec
			}
		}

		if int64(msg.TopicPartition.Offset) >= high-1 {
			return records, nil
		}
	}
}
