package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/fp8/gcutils/pkg/pubsub"
	"github.com/fp8/gcutils/pkg/utils"
)

func remove(c *cli.Context) error {
	ctx := context.Background()

	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(true)
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

	sub := pubsub.Subscription{
		Name:    cfg.Subscription,
		Channel: pubsub.Channel{Name: cfg.Channel},
	}
	subscriber := pubsub.NewSubscriber(transport, sub, sugar, nil)

	if err := subscriber.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	sugar.Infof("subscription %q successfully removed from channel %q", cfg.Subscription, cfg.Channel)

	return nil
}
