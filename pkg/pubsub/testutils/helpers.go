package testutils

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fp8/gcutils/pkg/pubsub"
)

// NewTestLogger creates a test logger that writes to testing.T
func NewTestLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

// NewTestMessage creates a test message with the given ID, payload and attributes
func NewTestMessage(id string, data []byte, attrs map[string]string) *pubsub.Message {
	return &pubsub.Message{
		ID:          id,
		Data:        data,
		Attributes:  attrs,
		PublishTime: time.Now(),
		AckToken:    "test/" + id,
	}
}

// AckRecorder is an Acknowledger that counts settlement calls.
type AckRecorder struct {
	mu    sync.Mutex
	acks  int
	nacks int
}

func (a *AckRecorder) Ack() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
}

func (a *AckRecorder) Nack() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
}

// Acks returns how many times Ack was called.
func (a *AckRecorder) Acks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks
}

// Nacks returns how many times Nack was called.
func (a *AckRecorder) Nacks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nacks
}
