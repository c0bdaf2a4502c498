package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestStartProgressReporter_LogsAndCancels(t *testing.T) {
	t.Parallel()
	core, observed := observer.New(zap.InfoLevel)
	log := zap.New(core).Sugar()

	stats := &deliveryStats{}
	stats.received.Add(7)
	stats.failed.Add(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- startProgressReporter(ctx, stats, 10*time.Millisecond, log)
	}()

	require.Eventually(t, func() bool {
		return observed.FilterMessage("delivery progress").Len() > 0
	}, 500*time.Millisecond, 5*time.Millisecond, "timeout waiting for progress line")
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for reporter to exit")
	}

	fields := observed.FilterMessage("delivery progress").All()[0].ContextMap()
	assert.Equal(t, int64(7), fields["received"])
	assert.Equal(t, int64(2), fields["failed"])
}

func TestStartProgressReporter_ImmediateCancel(t *testing.T) {
	t.Parallel()
	core, observed := observer.New(zap.InfoLevel)
	log := zap.New(core).Sugar()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := startProgressReporter(ctx, &deliveryStats{}, time.Second, log)
	assert.NoError(t, err)
	assert.Zero(t, observed.Len())
}
