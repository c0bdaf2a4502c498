package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionConfig_WithDefaults_EmptyConfig(t *testing.T) {
	cfg := SubscriptionConfig{}.WithDefaults()

	assert.Equal(t, DefaultAckDeadline, cfg.AckDeadline)
	assert.Equal(t, DefaultRetryMinBackoff, cfg.RetryMinBackoff)
	assert.Equal(t, DefaultRetryMaxBackoff, cfg.RetryMaxBackoff)
}

func TestSubscriptionConfig_WithDefaults_PartialConfig(t *testing.T) {
	cfg := SubscriptionConfig{
		AckDeadline: 30 * time.Second,
		// Backoff fields left zero
	}.WithDefaults()

	assert.Equal(t, 30*time.Second, cfg.AckDeadline, "AckDeadline should keep custom value")
	assert.Equal(t, DefaultRetryMinBackoff, cfg.RetryMinBackoff, "RetryMinBackoff should get default")
	assert.Equal(t, DefaultRetryMaxBackoff, cfg.RetryMaxBackoff, "RetryMaxBackoff should get default")
}

func TestSubscriptionConfig_WithDefaults_DoesNotMutateOriginal(t *testing.T) {
	original := SubscriptionConfig{}

	modified := original.WithDefaults()

	assert.Zero(t, original.AckDeadline, "original should remain unchanged")
	assert.Equal(t, DefaultAckDeadline, modified.AckDeadline)
}

func TestSubscriptionConfig_Backoff(t *testing.T) {
	cfg := SubscriptionConfig{
		RetryMinBackoff: 10 * time.Second,
		RetryMaxBackoff: 600 * time.Second,
	}

	tests := []struct {
		name     string
		attempts int
		expected time.Duration
	}{
		{name: "first failure", attempts: 1, expected: 10 * time.Second},
		{name: "second failure doubles", attempts: 2, expected: 20 * time.Second},
		{name: "third failure doubles again", attempts: 3, expected: 40 * time.Second},
		{name: "seventh failure hits the cap", attempts: 7, expected: 600 * time.Second},
		{name: "far past the cap stays capped", attempts: 40, expected: 600 * time.Second},
		{name: "zero attempts treated as one", attempts: 0, expected: 10 * time.Second},
		{name: "negative attempts treated as one", attempts: -3, expected: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, cfg.Backoff(tt.attempts))
		})
	}
}

func TestSubscriptionConfig_Backoff_ZeroConfigUsesDefaults(t *testing.T) {
	var cfg SubscriptionConfig

	require.Equal(t, DefaultRetryMinBackoff, cfg.Backoff(1))
	require.Equal(t, 2*DefaultRetryMinBackoff, cfg.Backoff(2))
}
