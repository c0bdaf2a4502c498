package kafkatransport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fp8/gcutils/pkg/pubsub"
)

func TestSubscriptionRecord_RoundTrip(t *testing.T) {
	cfg := pubsub.SubscriptionConfig{
		AckDeadline:     30 * time.Second,
		RetryMinBackoff: 5 * time.Second,
		RetryMaxBackoff: 2 * time.Minute,
	}
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	rec := newSubscriptionRecord("orders", "billing", cfg, created)
	assert.Equal(t, "orders", rec.Channel)
	assert.Equal(t, "billing", rec.Name)
	assert.Equal(t, "30s", rec.AckDeadline)
	assert.Equal(t, "5s", rec.RetryMinBackoff)
	assert.Equal(t, "2m0s", rec.RetryMaxBackoff)
	assert.Equal(t, created, rec.CreatedAt)

	assert.Equal(t, cfg, rec.config())
}

func TestSubscriptionRecord_JSONShape(t *testing.T) {
	rec := newSubscriptionRecord("orders", "billing",
		pubsub.SubscriptionConfig{}.WithDefaults(),
		time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	)

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "orders", fields["channel"])
	assert.Equal(t, "billing", fields["name"])
	assert.Equal(t, "10s", fields["ackDeadline"])
	assert.Equal(t, "10s", fields["retryMinBackoff"])
	assert.Equal(t, "10m0s", fields["retryMaxBackoff"])
	assert.Contains(t, fields, "createdAt")
}

func TestSubscriptionRecord_MalformedDurationsFallBackToDefaults(t *testing.T) {
	rec := subscriptionRecord{
		Channel:         "orders",
		Name:            "billing",
		AckDeadline:     "whenever",
		RetryMinBackoff: "1m",
		RetryMaxBackoff: "",
	}

	cfg := rec.config()
	assert.Equal(t, pubsub.DefaultAckDeadline, cfg.AckDeadline)
	assert.Equal(t, time.Minute, cfg.RetryMinBackoff)
	assert.Equal(t, pubsub.DefaultRetryMaxBackoff, cfg.RetryMaxBackoff)
}

func TestRegistryKey(t *testing.T) {
	assert.Equal(t, "orders/billing", registryKey("orders", "billing"))

	// '/' never passes name validation, so keys cannot collide.
	require.Error(t, validateName("channel", "orders/billing"))
}
