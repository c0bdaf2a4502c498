package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fp8/gcutils/pkg/metrics"
	"github.com/fp8/gcutils/pkg/utils"
)

// PublishOptions carries per-message publish settings.
type PublishOptions struct {
	// Attributes are attached to the message. The caller's map is never
	// mutated.
	Attributes map[string]string

	// OrderingKey groups messages for transports that honor ordering.
	OrderingKey string
}

// Publisher publishes messages to one channel.
type Publisher struct {
	transport Transport
	channel   Channel
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
}

// NewPublisher creates a Publisher bound to the given channel. The channel
// should come from Provisioner.EnsureChannel so it is known to exist.
func NewPublisher(transport Transport, channel Channel, log *zap.SugaredLogger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		transport: transport,
		channel:   channel,
		log:       log,
		metrics:   m,
	}
}

// Channel returns the channel this publisher is bound to.
func (p *Publisher) Channel() Channel { return p.channel }

// Publish sends a raw payload to the channel and returns the
// transport-assigned message ID once the transport accepts it.
func (p *Publisher) Publish(ctx context.Context, data []byte, opts PublishOptions) (string, error) {
	start := time.Now()
	id, err := p.transport.Publish(ctx, p.channel.Name, OutboundMessage{
		Data:        data,
		Attributes:  opts.Attributes,
		OrderingKey: opts.OrderingKey,
	})
	p.metrics.RecordPublish(p.channel.Name, err, time.Since(start).Seconds(), len(data))
	if err != nil {
		return "", fmt.Errorf("failed to publish to channel %q: %w", p.channel.Name, err)
	}

	p.log.Debugw("published message",
		"channel", p.channel.Name,
		"messageID", id,
		"bytes", len(data))
	return id, nil
}

// PublishJSON serializes v as JSON and publishes it with the content-type
// attribute set to application/json. The marker is forced: a caller-supplied
// contentType attribute is overwritten, never trusted. Typed subscribers
// rely on the marker to decide whether a payload is decodable.
func (p *Publisher) PublishJSON(ctx context.Context, v any, opts PublishOptions) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", &StatusError{
			Code:    CodeInvalidArgument,
			Details: fmt.Sprintf("failed to marshal payload for channel %q", p.channel.Name),
			Err:     err,
		}
	}

	opts.Attributes = utils.MergeAttributes(opts.Attributes, map[string]string{
		AttrContentType: ContentTypeJSON,
	})
	return p.Publish(ctx, data, opts)
}
