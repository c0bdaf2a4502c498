// Package memtransport implements pubsub.Transport entirely in process
// memory. Channels and subscriptions are plain maps, deliveries run on
// goroutines and nothing survives a restart.
//
// The transport honors the full delivery contract: messages published
// before a listener attaches are queued on the subscription, competing
// listeners share one queue, unacked deliveries come back after the ack
// deadline and nacked deliveries come back after the subscription's retry
// backoff. That makes it a drop-in stand-in for the Kafka transport in
// tests and local runs.
package memtransport

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nuid"
	"go.uber.org/zap"

	"github.com/fp8/gcutils/pkg/pubsub"
)

// Transport is an in-memory pubsub.Transport. The zero value is not usable;
// call New.
type Transport struct {
	log *zap.SugaredLogger

	mu       sync.RWMutex
	channels map[string]*memChannel
	closed   bool
}

type memChannel struct {
	name string
	cfg  pubsub.ChannelConfig
	subs map[string]*memSubscription
}

var _ pubsub.Transport = (*Transport)(nil)

// New creates an empty in-memory transport. log may be nil.
func New(log *zap.SugaredLogger) *Transport {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Transport{
		log:      log,
		channels: make(map[string]*memChannel),
	}
}

// ChannelExists reports whether the named channel exists.
func (t *Transport) ChannelExists(ctx context.Context, channel string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return false, pubsub.Statusf(pubsub.CodeUnavailable, "transport is closed")
	}
	_, ok := t.channels[channel]
	return ok, nil
}

// CreateChannel creates the named channel.
func (t *Transport) CreateChannel(ctx context.Context, channel string, cfg pubsub.ChannelConfig) error {
	if channel == "" {
		return pubsub.Statusf(pubsub.CodeInvalidArgument, "channel name cannot be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return pubsub.Statusf(pubsub.CodeUnavailable, "transport is closed")
	}
	if _, ok := t.channels[channel]; ok {
		return pubsub.Statusf(pubsub.CodeAlreadyExists, "channel %q already exists", channel)
	}

	t.channels[channel] = &memChannel{
		name: channel,
		cfg:  cfg,
		subs: make(map[string]*memSubscription),
	}
	t.log.Debugw("created channel", "channel", channel)
	return nil
}

// SubscriptionExists reports whether the named subscription exists on the
// channel.
func (t *Transport) SubscriptionExists(ctx context.Context, channel, subscription string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return false, pubsub.Statusf(pubsub.CodeUnavailable, "transport is closed")
	}
	ch, ok := t.channels[channel]
	if !ok {
		return false, nil
	}
	_, ok = ch.subs[subscription]
	return ok, nil
}

// CreateSubscription creates the named subscription on the channel. The
// subscription starts queueing messages immediately, before any listener
// attaches.
func (t *Transport) CreateSubscription(ctx context.Context, channel, subscription string, cfg pubsub.SubscriptionConfig) error {
	if channel == "" {
		return pubsub.Statusf(pubsub.CodeInvalidArgument, "channel name cannot be empty")
	}
	if subscription == "" {
		return pubsub.Statusf(pubsub.CodeInvalidArgument, "subscription name cannot be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return pubsub.Statusf(pubsub.CodeUnavailable, "transport is closed")
	}
	ch, ok := t.channels[channel]
	if !ok {
		return pubsub.Statusf(pubsub.CodeNotFound, "channel %q does not exist", channel)
	}
	if _, ok := ch.subs[subscription]; ok {
		return pubsub.Statusf(pubsub.CodeAlreadyExists, "subscription %q already exists on channel %q", subscription, channel)
	}

	ch.subs[subscription] = newMemSubscription(channel, subscription, cfg.WithDefaults())
	t.log.Debugw("created subscription", "subscription", subscription, "channel", channel)
	return nil
}

// DeleteSubscription removes the subscription, drops its queued messages and
// stops its listeners.
func (t *Transport) DeleteSubscription(ctx context.Context, channel, subscription string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return pubsub.Statusf(pubsub.CodeUnavailable, "transport is closed")
	}
	ch, ok := t.channels[channel]
	if !ok {
		return pubsub.Statusf(pubsub.CodeNotFound, "subscription %q does not exist on channel %q", subscription, channel)
	}
	sub, ok := ch.subs[subscription]
	if !ok {
		return pubsub.Statusf(pubsub.CodeNotFound, "subscription %q does not exist on channel %q", subscription, channel)
	}

	delete(ch.subs, subscription)
	sub.shutdown()
	t.log.Debugw("deleted subscription", "subscription", subscription, "channel", channel)
	return nil
}

// Publish fans the message out to every subscription on the channel and
// returns the assigned message ID. A channel with no subscriptions accepts
// and drops the message.
func (t *Transport) Publish(ctx context.Context, channel string, msg pubsub.OutboundMessage) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return "", pubsub.Statusf(pubsub.CodeUnavailable, "transport is closed")
	}
	ch, ok := t.channels[channel]
	if !ok {
		return "", pubsub.Statusf(pubsub.CodeNotFound, "channel %q does not exist", channel)
	}

	id := nuid.Next()
	stored := pubsub.Message{
		ID:          id,
		Data:        msg.Data,
		Attributes:  msg.Attributes,
		OrderingKey: msg.OrderingKey,
		PublishTime: time.Now(),
	}
	for _, sub := range ch.subs {
		sub.enqueue(stored)
	}

	t.log.Debugw("published message",
		"channel", channel,
		"messageID", id,
		"subscriptions", len(ch.subs))
	return id, nil
}

// Subscribe attaches a listener and starts a delivery goroutine. Delivery
// runs until the returned handle is stopped or the subscription is deleted;
// it is not tied to ctx, which only covers the attach itself.
func (t *Transport) Subscribe(ctx context.Context, channel, subscription string, l pubsub.Listener) (pubsub.ListenerHandle, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, pubsub.Statusf(pubsub.CodeUnavailable, "transport is closed")
	}
	ch, ok := t.channels[channel]
	if !ok {
		return nil, pubsub.Statusf(pubsub.CodeNotFound, "channel %q does not exist", channel)
	}
	sub, ok := ch.subs[subscription]
	if !ok {
		return nil, pubsub.Statusf(pubsub.CodeNotFound, "subscription %q does not exist on channel %q", subscription, channel)
	}

	return sub.attach(l), nil
}

// Close stops all deliveries and rejects further operations. Queued messages
// are dropped.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, ch := range t.channels {
		for _, sub := range ch.subs {
			sub.shutdown()
		}
	}
	t.log.Debugw("transport closed")
}
