package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fp8/gcutils/pkg/metrics"
	"github.com/fp8/gcutils/pkg/pubsub"
	"github.com/fp8/gcutils/pkg/utils"
)

const shutdownTimeout = 5 * time.Second

func listen(c *cli.Context) error {
	// Build configuration from CLI flags
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer utils.FlushLogger(sugar)

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"transport", cfg.Transport,
		"channel", cfg.Channel,
		"subscription", cfg.Subscription,
		"ackDeadline", cfg.AckDeadline,
		"retryMinBackoff", cfg.RetryMinBackoff,
		"retryMaxBackoff", cfg.RetryMaxBackoff,
		"decodeJSON", cfg.DecodeJSON,
		"reportInterval", cfg.ReportInterval,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"service", cfg.Service,
		"environment", cfg.Environment,
		"region", cfg.Region,
		"cloudProvider", cfg.CloudProvider,
	)

	// Initialize Prometheus metrics with labels for multi-instance filtering
	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, cfg.MetricsLabels())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	// Start metrics server
	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry, sugar)
	metricsErrCh := metricsServer.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, closeTransport, err := openTransport(ctx, cfg, sugar, m)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := closeTransport(closeCtx); err != nil {
			sugar.Warnw("transport close error", "error", err)
		}
	}()

	// Ensure the channel and subscription exist before attaching. Listening
	// on a missing subscription is an error, so provision up front.
	prov := pubsub.NewProvisioner(transport, sugar, m).WithPolicy(cfg.ProvisionPolicy())
	channel, ok, err := prov.EnsureChannel(ctx, cfg.Channel, cfg.ChannelConfig())
	if err != nil {
		return fmt.Errorf("failed to ensure channel: %w", err)
	}
	if !ok {
		return fmt.Errorf("channel %q was not confirmed after %d attempts", cfg.Channel, cfg.ProvisionAttempts)
	}

	sub, ok, err := prov.EnsureSubscription(ctx, channel, cfg.Subscription, cfg.SubscriptionConfig())
	if err != nil {
		return fmt.Errorf("failed to ensure subscription: %w", err)
	}
	if !ok {
		return fmt.Errorf("subscription %q was not confirmed after %d attempts", cfg.Subscription, cfg.ProvisionAttempts)
	}

	subscriber := pubsub.NewSubscriber(transport, sub, sugar, m)
	stats := &deliveryStats{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Attach returns once delivery is running; block until shutdown.
		if err := attachListener(gctx, subscriber, cfg.DecodeJSON, stats, sugar); err != nil {
			return fmt.Errorf("failed to start listening: %w", err)
		}
		<-gctx.Done()
		return gctx.Err()
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-metricsErrCh:
			if err != nil {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		}
	})
	if cfg.ReportInterval > 0 {
		g.Go(func() error {
			return startProgressReporter(gctx, stats, cfg.ReportInterval, sugar)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		sugar.Infow("exiting due to context cancellation")
		err = nil
	} else if err != nil {
		sugar.Errorw("listen failed", "error", err)
	}

	// Stop delivery before the deferred transport close flushes and
	// disconnects.
	closeCtx, cancelClose := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelClose()
	if closeErr := subscriber.Close(closeCtx); closeErr != nil && !errors.Is(closeErr, pubsub.ErrSubscriberClosed) {
		sugar.Warnw("subscriber close error", "error", closeErr)
	}

	// Gracefully shutdown metrics server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
		sugar.Warnw("metrics server shutdown error", "error", shutdownErr)
	}

	sugar.Info("shutdown complete")
	return err
}

// attachListener starts delivery with either the raw or the JSON-decoding
// handler. Every delivery is logged, counted, and acknowledged.
func attachListener(ctx context.Context, subscriber *pubsub.Subscriber, decodeJSON bool, stats *deliveryStats, sugar *zap.SugaredLogger) error {
	errorHandler := func(err error, msg *pubsub.Message) {
		stats.failed.Add(1)
		payload := pubsub.BuildDiagnosticPayload(subscriber.Subscription(), msg, err, time.Now())
		sugar.Errorw("delivery failed", append(payload.Fields(), "error", err)...)
	}

	if decodeJSON {
		return pubsub.ListenJSON(ctx, subscriber, func(_ context.Context, msg *pubsub.Message, value any) error {
			stats.received.Add(1)
			sugar.Infow("received",
				"messageID", msg.ID,
				"orderingKey", msg.OrderingKey,
				"publishTime", msg.PublishTime,
				"attributes", msg.Attributes,
				"value", value,
			)
			return nil
		}, errorHandler)
	}

	return subscriber.Listen(ctx, func(_ context.Context, msg *pubsub.Message) error {
		stats.received.Add(1)
		sugar.Infow("received",
			"messageID", msg.ID,
			"orderingKey", msg.OrderingKey,
			"publishTime", msg.PublishTime,
			"attributes", msg.Attributes,
			"size", len(msg.Data),
			"data", string(msg.Data),
		)
		return nil
	}, errorHandler)
}
