package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fp8/gcutils/pkg/metrics"
	"github.com/fp8/gcutils/pkg/pubsub"
	"github.com/fp8/gcutils/pkg/pubsub/kafkatransport"
	"github.com/fp8/gcutils/pkg/pubsub/memtransport"
)

// openTransport builds the transport selected by the config. The returned
// close function flushes buffered work and releases the transport's
// resources.
func openTransport(ctx context.Context, cfg *Config, log *zap.SugaredLogger, m *metrics.Metrics) (pubsub.Transport, func(context.Context) error, error) {
	switch cfg.Transport {
	case transportMem:
		transport := memtransport.New(log)
		closeFn := func(context.Context) error {
			transport.Close()
			return nil
		}
		return transport, closeFn, nil
	case transportKafka:
		transport, err := kafkatransport.New(ctx, cfg.Kafka, log, m)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create kafka transport: %w", err)
		}
		return transport, transport.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
