package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/fp8/gcutils/pkg/pubsub"
	"github.com/fp8/gcutils/pkg/utils"
)

func publish(c *cli.Context) error {
	ctx := context.Background()

	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}
	if cfg.Count < 1 {
		return fmt.Errorf("count must be at least 1, got %d", cfg.Count)
	}
	if cfg.JSON && !json.Valid([]byte(cfg.Data)) {
		return fmt.Errorf("payload is not valid JSON: %q", cfg.Data)
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

	publisher := pubsub.NewPublisher(transport, channel, sugar, nil)
	opts := pubsub.PublishOptions{
		Attributes:  cfg.Attributes,
		OrderingKey: cfg.OrderingKey,
	}

	for i := 0; i < cfg.Count; i++ {
		var id string
		if cfg.JSON {
			id, err = publisher.PublishJSON(ctx, json.RawMessage(cfg.Data), opts)
		} else {
			id, err = publisher.Publish(ctx, []byte(cfg.Data), opts)
		}
		if err != nil {
			return fmt.Errorf("failed to publish message %d of %d: %w", i+1, cfg.Count, err)
		}
		sugar.Infow("published", "messageID", id, "channel", channel.Name)
	}

	return nil
}
