package pubsub

import (
	"context"
	"time"
)

// Attribute keys and values reserved by this package.
const (
	// AttrContentType marks the payload encoding. PublishJSON always sets it
	// to ContentTypeJSON, overwriting any caller-supplied value.
	AttrContentType = "contentType"

	// ContentTypeJSON marks a JSON-encoded payload.
	ContentTypeJSON = "application/json"
)

// Defaults filled in by SubscriptionConfig.WithDefaults.
const (
	DefaultAckDeadline     = 10 * time.Second
	DefaultRetryMinBackoff = 10 * time.Second
	DefaultRetryMaxBackoff = 600 * time.Second
)

// ChannelConfig holds channel creation options.
type ChannelConfig struct {
	// Labels are attached to the channel at creation time on transports that
	// support channel metadata. Other transports ignore them.
	Labels map[string]string
}

// SubscriptionConfig holds subscription creation options.
type SubscriptionConfig struct {
	// AckDeadline is how long a delivery may stay unsettled before the
	// transport redelivers it.
	AckDeadline time.Duration

	// RetryMinBackoff is the delay before the first redelivery of a nacked
	// message.
	RetryMinBackoff time.Duration

	// RetryMaxBackoff caps the redelivery delay as it grows.
	RetryMaxBackoff time.Duration
}

// WithDefaults returns a copy of the config with default values filled in
// for any unset fields. This method does not mutate the original config.
func (c SubscriptionConfig) WithDefaults() SubscriptionConfig {
	if c.AckDeadline <= 0 {
		c.AckDeadline = DefaultAckDeadline
	}
	if c.RetryMinBackoff <= 0 {
		c.RetryMinBackoff = DefaultRetryMinBackoff
	}
	if c.RetryMaxBackoff <= 0 {
		c.RetryMaxBackoff = DefaultRetryMaxBackoff
	}
	return c
}

// Backoff returns the redelivery delay after the given number of failed
// delivery attempts. The delay starts at RetryMinBackoff, doubles per
// attempt and is capped at RetryMaxBackoff. Attempts below one are treated
// as one.
func (c SubscriptionConfig) Backoff(attempts int) time.Duration {
	c = c.WithDefaults()
	delay := c.RetryMinBackoff
	for i := 1; i < attempts; i++ {
		if delay >= c.RetryMaxBackoff {
			break
		}
		delay *= 2
	}
	if delay > c.RetryMaxBackoff {
		delay = c.RetryMaxBackoff
	}
	return delay
}

// Channel is a handle to a named destination for published messages.
type Channel struct {
	Name string
}

// Subscription is a handle to a named cursor over one channel's messages.
type Subscription struct {
	Name    string
	Channel Channel

	// Config is the effective configuration, with defaults applied.
	Config SubscriptionConfig
}

// Transport is the broker-facing side of the package. Implementations
// report failures as *StatusError so callers can classify them.
//
// All methods are safe for concurrent use.
type Transport interface {
	// ChannelExists reports whether the named channel exists.
	ChannelExists(ctx context.Context, channel string) (bool, error)

	// CreateChannel creates the named channel. Creating a channel that
	// already exists fails with CodeAlreadyExists.
	CreateChannel(ctx context.Context, channel string, cfg ChannelConfig) error

	// SubscriptionExists reports whether the named subscription exists on
	// the channel.
	SubscriptionExists(ctx context.Context, channel, subscription string) (bool, error)

	// CreateSubscription creates the named subscription on the channel.
	// Fails with CodeNotFound when the channel is missing and with
	// CodeAlreadyExists when the subscription is already there.
	CreateSubscription(ctx context.Context, channel, subscription string, cfg SubscriptionConfig) error

	// DeleteSubscription removes the subscription and stops its deliveries.
	// Fails with CodeNotFound when the subscription is missing.
	DeleteSubscription(ctx context.Context, channel, subscription string) error

	// Publish appends one message to the channel and returns its
	// transport-assigned ID once the message is accepted.
	Publish(ctx context.Context, channel string, msg OutboundMessage) (string, error)

	// Subscribe attaches a listener to the subscription and starts delivery.
	// Messages published before any listener attached are delivered too.
	// Multiple listeners on the same subscription compete for messages.
	Subscribe(ctx context.Context, channel, subscription string, l Listener) (ListenerHandle, error)
}
