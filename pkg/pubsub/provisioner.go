package pubsub

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fp8/gcutils/pkg/metrics"
	"github.com/fp8/gcutils/pkg/retry"
)

// Provisioner creates channels and subscriptions idempotently. Ensure calls
// probe first and only create what is missing, so they are safe to run on
// every service start.
type Provisioner struct {
	transport Transport
	policy    retry.Policy
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
}

// NewProvisioner creates a Provisioner over the given transport. Create
// calls are retried on transient failures with the default policy; use
// WithPolicy to change it.
func NewProvisioner(transport Transport, log *zap.SugaredLogger, m *metrics.Metrics) *Provisioner {
	return &Provisioner{
		transport: transport,
		policy:    retry.TransientPolicy(),
		log:       log,
		metrics:   m,
	}
}

// WithPolicy returns a copy of the provisioner using the given retry policy
// for create calls.
func (p *Provisioner) WithPolicy(policy retry.Policy) *Provisioner {
	clone := *p
	clone.policy = policy
	return &clone
}

// EnsureChannel returns a handle to the named channel, creating the channel
// when it does not exist. Losing a creation race to another process counts
// as success.
//
// The boolean reports whether a usable channel was confirmed: (zero, false,
// nil) means creation retries were exhausted without confirmation, and the
// caller decides whether that is fatal.
func (p *Provisioner) EnsureChannel(ctx context.Context, name string, cfg ChannelConfig) (Channel, bool, error) {
	if name == "" {
		return Channel{}, false, Statusf(CodeInvalidArgument, "channel name cannot be empty")
	}

	exists, err := p.transport.ChannelExists(ctx, name)
	if err != nil {
		p.metrics.RecordProvision(metrics.KindChannel, metrics.OutcomeError)
		return Channel{}, false, fmt.Errorf("failed to check channel %q: %w", name, err)
	}
	if exists {
		p.log.Debugw("channel exists", "channel", name)
		p.metrics.RecordProvision(metrics.KindChannel, metrics.OutcomeExists)
		return Channel{Name: name}, true, nil
	}

	ch, ok, err := retry.Run(ctx, p.policy, func(ctx context.Context) (Channel, error) {
		if err := p.transport.CreateChannel(ctx, name, cfg); err != nil {
			if IsStatus(err, CodeAlreadyExists) {
				// Another process created it between the probe and now.
				return Channel{Name: name}, nil
			}
			return Channel{}, err
		}
		return Channel{Name: name}, nil
	})
	if err != nil {
		p.metrics.RecordProvision(metrics.KindChannel, metrics.OutcomeError)
		return Channel{}, false, fmt.Errorf("failed to create channel %q: %w", name, err)
	}
	if !ok {
		p.log.Warnw("channel creation incomplete after retries", "channel", name)
		p.metrics.RecordProvision(metrics.KindChannel, metrics.OutcomeIncomplete)
		return Channel{}, false, nil
	}

	p.log.Infow("created channel", "channel", name)
	p.metrics.RecordProvision(metrics.KindChannel, metrics.OutcomeCreated)
	return ch, true, nil
}

// EnsureSubscription returns a handle to the named subscription on the
// channel, creating the subscription when it does not exist. Unset config
// fields get defaults before creation; the returned handle always carries
// the defaulted config.
//
// The boolean follows the same contract as EnsureChannel.
func (p *Provisioner) EnsureSubscription(ctx context.Context, channel Channel, name string, cfg SubscriptionConfig) (Subscription, bool, error) {
	if channel.Name == "" {
		return Subscription{}, false, Statusf(CodeInvalidArgument, "channel name cannot be empty")
	}
	if name == "" {
		return Subscription{}, false, Statusf(CodeInvalidArgument, "subscription name cannot be empty")
	}

	cfg = cfg.WithDefaults()
	sub := Subscription{Name: name, Channel: channel, Config: cfg}

	exists, err := p.transport.SubscriptionExists(ctx, channel.Name, name)
	if err != nil {
		p.metrics.RecordProvision(metrics.KindSubscription, metrics.OutcomeError)
		return Subscription{}, false, fmt.Errorf("failed to check subscription %q: %w", name, err)
	}
	if exists {
		p.log.Debugw("subscription exists", "subscription", name, "channel", channel.Name)
		p.metrics.RecordProvision(metrics.KindSubscription, metrics.OutcomeExists)
		return sub, true, nil
	}

	created, ok, err := retry.Run(ctx, p.policy, func(ctx context.Context) (Subscription, error) {
		if err := p.transport.CreateSubscription(ctx, channel.Name, name, cfg); err != nil {
			if IsStatus(err, CodeAlreadyExists) {
				return sub, nil
			}
			return Subscription{}, err
		}
		return sub, nil
	})
	if err != nil {
		p.metrics.RecordProvision(metrics.KindSubscription, metrics.OutcomeError)
		return Subscription{}, false, fmt.Errorf("failed to create subscription %q: %w", name, err)
	}
	if !ok {
		p.log.Warnw("subscription creation incomplete after retries",
			"subscription", name,
			"channel", channel.Name)
		p.metrics.RecordProvision(metrics.KindSubscription, metrics.OutcomeIncomplete)
		return Subscription{}, false, nil
	}

	p.log.Infow("created subscription",
		"subscription", name,
		"channel", channel.Name,
		"ackDeadline", cfg.AckDeadline)
	p.metrics.RecordProvision(metrics.KindSubscription, metrics.OutcomeCreated)
	return created, true, nil
}
