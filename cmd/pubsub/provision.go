package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/fp8/gcutils/pkg/pubsub"
	"github.com/fp8/gcutils/pkg/utils"
)

func provision(c *cli.Context) error {
	ctx := context.Background()

	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer utils.FlushLogger(sugar)

	transport, closeTransport, err := openTransport(ctx, cfg, sugar, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeTransport(ctx); err != nil {
			sugar.Warnw("transport close error", "error", err)
		}
	}()

	prov := pubsub.NewProvisioner(transport, sugar, nil).WithPolicy(cfg.ProvisionPolicy())

	channel, ok, err := prov.EnsureChannel(ctx, cfg.Channel, cfg.ChannelConfig())
	if err != nil {
		return fmt.Errorf("failed to ensure channel: %w", err)
	}
	if !ok {
		return fmt.Errorf("channel %q was not confirmed after %d attempts", cfg.Channel, cfg.ProvisionAttempts)
	}
	sugar.Infof("channel %q is ready", channel.Name)

	if cfg.Subscription == "" {
		return nil
	}

	sub, ok, err := prov.EnsureSubscription(ctx, channel, cfg.Subscription, cfg.SubscriptionConfig())
	if err != nil {
		return fmt.Errorf("failed to ensure subscription: %w", err)
	}
	if !ok {
		return fmt.Errorf("subscription %q was not confirmed after %d attempts", cfg.Subscription, cfg.ProvisionAttempts)
	}
	sugar.Infof("subscription %q is ready on channel %q", sub.Name, sub.Channel.Name)

	return nil
}
