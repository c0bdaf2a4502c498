package testutils

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/fp8/gcutils/pkg/pubsub"
)

// MockTransport is a mock implementation of pubsub.Transport for testing
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) ChannelExists(ctx context.Context, channel string) (bool, error) {
	args := m.Called(ctx, channel)
	return args.Bool(0), args.Error(1)
}

func (m *MockTransport) CreateChannel(ctx context.Context, channel string, cfg pubsub.ChannelConfig) error {
	args := m.Called(ctx, channel, cfg)
	return args.Error(0)
}

func (m *MockTransport) SubscriptionExists(ctx context.Context, channel, subscription string) (bool, error) {
	args := m.Called(ctx, channel, subscription)
	return args.Bool(0), args.Error(1)
}

func (m *MockTransport) CreateSubscription(ctx context.Context, channel, subscription string, cfg pubsub.SubscriptionConfig) error {
	args := m.Called(ctx, channel, subscription, cfg)
	return args.Error(0)
}

func (m *MockTransport) DeleteSubscription(ctx context.Context, channel, subscription string) error {
	args := m.Called(ctx, channel, subscription)
	return args.Error(0)
}

func (m *MockTransport) Publish(ctx context.Context, channel string, msg pubsub.OutboundMessage) (string, error) {
	args := m.Called(ctx, channel, msg)
	return args.String(0), args.Error(1)
}

func (m *MockTransport) Subscribe(ctx context.Context, channel, subscription string, l pubsub.Listener) (pubsub.ListenerHandle, error) {
	args := m.Called(ctx, channel, subscription, l)
	handle, _ := args.Get(0).(pubsub.ListenerHandle)
	return handle, args.Error(1)
}

// MockListenerHandle is a mock implementation of pubsub.ListenerHandle for testing
type MockListenerHandle struct {
	mock.Mock
}

func (m *MockListenerHandle) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
