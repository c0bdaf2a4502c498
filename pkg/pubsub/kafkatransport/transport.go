package kafkatransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/nats-io/nuid"
	"go.uber.org/zap"

	"github.com/fp8/gcutils/pkg/metrics"
	"github.com/fp8/gcutils/pkg/pubsub"
)

// Transport implements pubsub.Transport on Kafka. Channels map to topics and
// subscriptions map to consumer groups. Subscription records live in a
// compacted registry topic, which is what lets a subscription exist, keep
// its retry configuration and accumulate messages before any listener
// attaches.
type Transport struct {
	cfg      Config
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	admin    *cKafka.AdminClient
	producer *producer
	registry *registry

	// base holds the connection properties shared by every client this
	// transport creates. ConfigMap is a map type, so each client gets a
	// copy rather than the map itself.
	base       cKafka.ConfigMap
	baseCancel context.CancelFunc

	mu        sync.Mutex
	receivers map[*receiver]struct{}
	closed    bool
}

var _ pubsub.Transport = (*Transport)(nil)

// New connects to Kafka and ensures the registry topic exists. ctx bounds
// only the startup work; the transport itself lives until Close.
func New(ctx context.Context, cfg Config, log *zap.SugaredLogger, m *metrics.Metrics) (*Transport, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfg = cfg.WithDefaults()

	base := cKafka.ConfigMap{
		"bootstrap.servers": cfg.BootstrapServers,
		"client.id":         cfg.ClientID,
	}
	if err := cfg.SASL.ApplyToConfigMap(&base); err != nil {
		return nil, err
	}

	adminConf := copyConfigMap(base)
	admin, err := cKafka.NewAdminClient(&adminConf)
	if err != nil {
		return nil, statusFromKafka(err, "failed to create kafka admin client")
	}

	producerConf := copyConfigMap(base)
	producerProps := map[string]cKafka.ConfigValue{
		"acks":                   "all",
		"linger.ms":              5,
		"batch.size":             16384,
		"compression.type":       "lz4",
		"enable.idempotence":     true,
		"go.logs.channel.enable": cfg.EnableLogs,
	}
	for key, value := range producerProps {
		if err := producerConf.SetKey(key, value); err != nil {
			admin.Close()
			return nil, fmt.Errorf("failed to set %s: %w", key, err)
		}
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	p, err := newProducer(baseCtx, &producerConf, log)
	if err != nil {
		baseCancel()
		admin.Close()
		return nil, err
	}

	t := &Transport{
		cfg:        cfg,
		log:        log,
		metrics:    m,
		admin:      admin,
		producer:   p,
		base:       base,
		baseCancel: baseCancel,
		receivers:  make(map[*receiver]struct{}),
	}
	t.registry = newRegistry(cfg.RegistryTopic, p, t.scanConf, log)

	if err := t.ensureRegistryTopic(ctx); err != nil {
		p.close(*cfg.FlushTimeout)
		baseCancel()
		admin.Close()
		return nil, err
	}

	go t.drainProducerErrors(baseCtx)

	log.Infow("kafka transport ready",
		"servers", cfg.BootstrapServers,
		"registryTopic", cfg.RegistryTopic,
	)
	return t, nil
}

// ChannelExists implements pubsub.Transport. The registry topic is internal
// and reported as absent.
func (t *Transport) ChannelExists(ctx context.Context, channel string) (bool, error) {
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	if err := validateName("channel", channel); err != nil {
		return false, err
	}
	if channel == t.cfg.RegistryTopic {
		return false, nil
	}
	meta, err := topicExists(t.admin, channel)
	if err != nil {
		return false, err
	}
	return meta != nil, nil
}

// CreateChannel implements pubsub.Transport. Channel labels have no Kafka
// equivalent and are ignored.
func (t *Transport) CreateChannel(ctx context.Context, channel string, cfg pubsub.ChannelConfig) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := validateName("channel", channel); err != nil {
		return err
	}
	if channel == t.cfg.RegistryTopic {
		return &pubsub.StatusError{
			Code:    pubsub.CodeInvalidArgument,
			Details: fmt.Sprintf("channel name %q is reserved", channel),
		}
	}
	return createTopic(ctx, t.admin, channel, t.cfg.NumPartitions, t.cfg.ReplicationFactor, nil, t.log)
}

// SubscriptionExists implements pubsub.Transport.
func (t *Transport) SubscriptionExists(ctx context.Context, channel, subscription string) (bool, error) {
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	if err := validateName("channel", channel); err != nil {
		return false, err
	}
	if err := validateName("subscription", subscription); err != nil {
		return false, err
	}
	_, ok, err := t.registry.get(ctx, channel, subscription)
	return ok, err
}

// CreateSubscription implements pubsub.Transport. The subscription's
// consumer group is seeded to the channel's current head, so it receives
// everything published from this call on, listener or not.
func (t *Transport) CreateSubscription(ctx context.Context, channel, subscription string, cfg pubsub.SubscriptionConfig) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := validateName("channel", channel); err != nil {
		return err
	}
	if err := validateName("subscription", subscription); err != nil {
		return err
	}

	meta, err := topicExists(t.admin, channel)
	if err != nil {
		return err
	}
	if meta == nil || channel == t.cfg.RegistryTopic {
		return &pubsub.StatusError{
			Code:    pubsub.CodeNotFound,
			Details: fmt.Sprintf("channel %q does not exist", channel),
		}
	}

	if _, ok, err := t.registry.get(ctx, channel, subscription); err != nil {
		return err
	} else if ok {
		return &pubsub.StatusError{
			Code:    pubsub.CodeAlreadyExists,
			Details: fmt.Sprintf("subscription %q already exists on channel %q", subscription, channel),
		}
	}

	group := groupID(channel, subscription)
	if err := seedGroupOffsets(copyConfigMap(t.base), channel, group, t.log); err != nil {
		return err
	}

	rec := newSubscriptionRecord(channel, subscription, cfg.WithDefaults(), time.Now().UTC())
	if err := t.registry.put(ctx, rec); err != nil {
		return err
	}

	t.log.Infow("created subscription",
		"channel", channel,
		"subscription", subscription,
		"group", group,
	)
	return nil
}

// DeleteSubscription implements pubsub.Transport. Listeners attached through
// this transport stop immediately; the consumer group itself is removed best
// effort, since Kafka refuses to delete a group that still has members in
// other processes.
func (t *Transport) DeleteSubscription(ctx context.Context, channel, subscription string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := validateName("channel", channel); err != nil {
		return err
	}
	if err := validateName("subscription", subscription); err != nil {
		return err
	}

	_, ok, err := t.registry.get(ctx, channel, subscription)
	if err != nil {
		return err
	}
	if !ok {
		return &pubsub.StatusError{
			Code:    pubsub.CodeNotFound,
			Details: fmt.Sprintf("subscription %q does not exist on channel %q", subscription, channel),
		}
	}

	if err := t.registry.tombstone(ctx, channel, subscription); err != nil {
		return err
	}

	t.stopReceivers(ctx, channel, subscription)

	group := groupID(channel, subscription)
	results, err := t.admin.DeleteConsumerGroups(ctx, []string{group})
	if err != nil {
		t.log.Warnw("failed to delete consumer group", "group", group, "error", err)
	} else {
		for _, res := range results.ConsumerGroupResults {
			code := res.Error.Code()
			if code != cKafka.ErrNoError && code != cKafka.ErrGroupIDNotFound {
				t.log.Warnw("failed to delete consumer group", "group", res.Group, "error", res.Error)
			}
		}
	}

	t.log.Infow("deleted subscription", "channel", channel, "subscription", subscription)
	return nil
}

// Publish implements pubsub.Transport.
func (t *Transport) Publish(ctx context.Context, channel string, msg pubsub.OutboundMessage) (string, error) {
	if err := t.checkOpen(); err != nil {
		return "", err
	}
	if err := validateName("channel", channel); err != nil {
		return "", err
	}
	if channel == t.cfg.RegistryTopic {
		return "", &pubsub.StatusError{
			Code:    pubsub.CodeInvalidArgument,
			Details: fmt.Sprintf("channel name %q is reserved", channel),
		}
	}

	id := nuid.Next()
	if _, err := t.producer.produce(ctx, encodeMessage(channel, id, time.Now().UTC(), 1, msg)); err != nil {
		return "", err
	}
	return id, nil
}

// Subscribe implements pubsub.Transport. Each call starts its own consumer
// in the subscription's group, so multiple listeners compete for partitions.
func (t *Transport) Subscribe(ctx context.Context, channel, subscription string, l pubsub.Listener) (pubsub.ListenerHandle, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateName("channel", channel); err != nil {
		return nil, err
	}
	if err := validateName("subscription", subscription); err != nil {
		return nil, err
	}
	if l == nil {
		return nil, &pubsub.StatusError{Code: pubsub.CodeInvalidArgument, Details: "listener must not be nil"}
	}

	rec, ok, err := t.registry.get(ctx, channel, subscription)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &pubsub.StatusError{
			Code:    pubsub.CodeNotFound,
			Details: fmt.Sprintf("subscription %q does not exist on channel %q", subscription, channel),
		}
	}

	group := groupID(channel, subscription)
	conf, err := t.consumerConf(group)
	if err != nil {
		return nil, err
	}

	r, err := newReceiver(conf, receiverConfig{
		Channel:        channel,
		Subscription:   subscription,
		GroupID:        group,
		Delivery:       rec.config(),
		MaxConcurrency: t.cfg.MaxConcurrency,
		CommitInterval: t.cfg.CommitInterval,
		EnableLogs:     t.cfg.EnableLogs,
	}, l, t.producer, t.metrics, t.log)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = r.Stop(ctx)
		return nil, &pubsub.StatusError{Code: pubsub.CodeUnavailable, Details: "transport is closed"}
	}
	t.receivers[r] = struct{}{}
	t.mu.Unlock()

	t.log.Infow("listener attached", "channel", channel, "subscription", subscription, "group", group)
	return &subscriptionHandle{receiver: r, transport: t}, nil
}

// Close stops all listeners, flushes the producer and releases the Kafka
// clients. Close is idempotent.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	receivers := make([]*receiver, 0, len(t.receivers))
	for r := range t.receivers {
		receivers = append(receivers, r)
	}
	t.receivers = nil
	t.mu.Unlock()

	var firstErr error
	for _, r := range receivers {
		if err := r.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	t.producer.close(*t.cfg.FlushTimeout)
	t.baseCancel()
	t.admin.Close()

	t.log.Info("kafka transport closed")
	return firstErr
}

func (t *Transport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return &pubsub.StatusError{Code: pubsub.CodeUnavailable, Details: "transport is closed"}
	}
	return nil
}

// stopReceivers stops every receiver attached to the given subscription
// through this transport.
func (t *Transport) stopReceivers(ctx context.Context, channel, subscription string) {
	t.mu.Lock()
	var matched []*receiver
	for r := range t.receivers {
		if r.cfg.Channel == channel && r.cfg.Subscription == subscription {
			matched = append(matched, r)
			delete(t.receivers, r)
		}
	}
	t.mu.Unlock()

	for _, r := range matched {
		if err := r.Stop(ctx); err != nil {
			t.log.Warnw("failed to stop listener", "subscription", subscription, "error", err)
		}
	}
}

func (t *Transport) forget(r *receiver) {
	t.mu.Lock()
	if t.receivers != nil {
		delete(t.receivers, r)
	}
	t.mu.Unlock()
}

func (t *Transport) ensureRegistryTopic(ctx context.Context) error {
	meta, err := topicExists(t.admin, t.cfg.RegistryTopic)
	if err != nil {
		return err
	}
	if meta != nil {
		return nil
	}

	// One partition keeps scans totally ordered; compaction keeps one
	// record per subscription.
	err = createTopic(ctx, t.admin, t.cfg.RegistryTopic, 1, t.cfg.ReplicationFactor,
		map[string]string{"cleanup.policy": "compact"}, t.log)
	if err != nil && !pubsub.IsStatus(err, pubsub.CodeAlreadyExists) {
		return err
	}
	return nil
}

// drainProducerErrors surfaces fatal producer errors. Individual produce
// calls receive their own delivery receipts, so anything arriving here means
// the producer as a whole is going down.
func (t *Transport) drainProducerErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-t.producer.errors():
			if !ok {
				return
			}
			t.log.Errorw("fatal kafka producer error", "error", err)
		}
	}
}

// scanConf returns a fresh config map for registry scan consumers.
func (t *Transport) scanConf() cKafka.ConfigMap {
	return copyConfigMap(t.base)
}

func (t *Transport) consumerConf(group string) (cKafka.ConfigMap, error) {
	conf := copyConfigMap(t.base)
	props := map[string]cKafka.ConfigValue{
		"group.id":                      group,
		"auto.offset.reset":             t.cfg.AutoOffsetReset,
		"enable.auto.commit":            false,
		"session.timeout.ms":            int(t.cfg.SessionTimeout.Milliseconds()),
		"max.poll.interval.ms":          int(t.cfg.MaxPollInterval.Milliseconds()),
		"partition.assignment.strategy": "roundrobin",
		"go.logs.channel.enable":        t.cfg.EnableLogs,
	}
	for key, value := range props {
		if err := conf.SetKey(key, value); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return conf, nil
}

// groupID derives the consumer group for a subscription. Group IDs share the
// topic name alphabet, so the dot join is always valid.
func groupID(channel, subscription string) string {
	return channel + "." + subscription
}

func copyConfigMap(conf cKafka.ConfigMap) cKafka.ConfigMap {
	out := make(cKafka.ConfigMap, len(conf))
	for key, value := range conf {
		out[key] = value
	}
	return out
}

// subscriptionHandle removes the receiver from the transport's tracking once
// it is stopped.
type subscriptionHandle struct {
	*receiver
	transport *Transport
}

func (h *subscriptionHandle) Stop(ctx context.Context) error {
	err := h.receiver.Stop(ctx)
	h.transport.forget(h.receiver)
	return err
}
