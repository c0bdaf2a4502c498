package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fp8/gcutils/pkg/metrics"
)

// State is the subscriber lifecycle position.
type State int32

const (
	// StateIdle is the initial state: constructed, not yet listening.
	StateIdle State = iota

	// StateListening means a listener is attached and deliveries flow.
	StateListening

	// StateClosed means deliveries have stopped. A closed subscriber can
	// still be deleted.
	StateClosed

	// StateDeleted means the subscription was removed from the transport.
	// The subscriber is permanently unusable.
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateClosed:
		return "closed"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler processes one delivered message. Returning nil acknowledges the
// delivery; returning an error (or panicking) nacks it for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// ErrorHandler receives handling failures and transport failures. msg is nil
// for failures not tied to a single message.
type ErrorHandler func(err error, msg *Message)

// Subscriber consumes messages from one subscription and settles every
// delivery exactly once. Handler failures are contained: they reach the
// error handler and the nack path, never the transport.
type Subscriber struct {
	transport Transport
	sub       Subscription
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics

	mu           sync.Mutex
	state        State
	handle       ListenerHandle
	handler      Handler
	errorHandler ErrorHandler
}

// NewSubscriber creates a Subscriber for the given subscription. The handle
// should come from Provisioner.EnsureSubscription.
func NewSubscriber(transport Transport, sub Subscription, log *zap.SugaredLogger, m *metrics.Metrics) *Subscriber {
	return &Subscriber{
		transport: transport,
		sub:       sub,
		log:       log,
		metrics:   m,
	}
}

// Subscription returns the subscription this subscriber consumes.
func (s *Subscriber) Subscription() Subscription { return s.sub }

// State returns the current lifecycle state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listen verifies the subscription exists, attaches to the transport and
// starts delivering messages to handler. It returns once delivery is
// running; messages then arrive on transport goroutines.
//
// errorHandler may be nil, in which case failures are logged. A closed or
// deleted subscriber rejects Listen without contacting the transport.
func (s *Subscriber) Listen(ctx context.Context, handler Handler, errorHandler ErrorHandler) error {
	if handler == nil {
		return Statusf(CodeInvalidArgument, "handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return fmt.Errorf("cannot listen on subscription %q: %w", s.sub.Name, ErrSubscriberClosed)
	case StateDeleted:
		return fmt.Errorf("cannot listen on subscription %q: %w", s.sub.Name, ErrSubscriberDeleted)
	case StateListening:
		return fmt.Errorf("cannot listen on subscription %q: %w", s.sub.Name, ErrAlreadyListening)
	}

	exists, err := s.transport.SubscriptionExists(ctx, s.sub.Channel.Name, s.sub.Name)
	if err != nil {
		return fmt.Errorf("failed to check subscription %q: %w", s.sub.Name, err)
	}
	if !exists {
		return fmt.Errorf("cannot listen on subscription %q: %w", s.sub.Name, ErrSubscriptionNotFound)
	}

	s.handler = handler
	s.errorHandler = errorHandler

	handle, err := s.transport.Subscribe(ctx, s.sub.Channel.Name, s.sub.Name, &subscriberListener{s: s})
	if err != nil {
		s.handler = nil
		s.errorHandler = nil
		return fmt.Errorf("failed to subscribe to %q: %w", s.sub.Name, err)
	}

	s.handle = handle
	s.state = StateListening
	s.metrics.IncActiveListeners(s.sub.Name)
	s.log.Infow("listening", "subscription", s.sub.Name, "channel", s.sub.Channel.Name)
	return nil
}

// Close stops message delivery and detaches from the transport. Handler
// invocations already in flight are not awaited. Closing an already closed
// or deleted subscriber returns the matching sentinel error.
func (s *Subscriber) Close(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return fmt.Errorf("cannot close subscription %q: %w", s.sub.Name, ErrSubscriberClosed)
	case StateDeleted:
		s.mu.Unlock()
		return fmt.Errorf("cannot close subscription %q: %w", s.sub.Name, ErrSubscriberDeleted)
	}
	wasListening := s.state == StateListening
	handle := s.handle
	s.state = StateClosed
	s.handle = nil
	s.mu.Unlock()

	// Stop outside the lock: the transport may fire OnClose synchronously
	// and that callback takes the lock again.
	if handle != nil {
		if err := handle.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop listener for subscription %q: %w", s.sub.Name, err)
		}
	}
	if wasListening {
		s.metrics.DecActiveListeners(s.sub.Name)
	}

	s.log.Infow("subscriber closed", "subscription", s.sub.Name)
	return nil
}

// Delete removes the subscription from the transport, closing the
// subscriber first when needed. Deleting a subscription that is already
// gone from the transport succeeds. Afterwards the subscriber is permanently
// unusable; a second Delete returns ErrSubscriberDeleted.
func (s *Subscriber) Delete(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDeleted {
		s.mu.Unlock()
		return fmt.Errorf("cannot delete subscription %q: %w", s.sub.Name, ErrSubscriberDeleted)
	}
	needsClose := s.state != StateClosed
	s.mu.Unlock()

	if needsClose {
		if err := s.Close(ctx); err != nil {
			return fmt.Errorf("failed to close before delete: %w", err)
		}
	}

	exists, err := s.transport.SubscriptionExists(ctx, s.sub.Channel.Name, s.sub.Name)
	if err != nil {
		return fmt.Errorf("failed to check subscription %q: %w", s.sub.Name, err)
	}
	if exists {
		if err := s.transport.DeleteSubscription(ctx, s.sub.Channel.Name, s.sub.Name); err != nil {
			return fmt.Errorf("failed to delete subscription %q: %w", s.sub.Name, err)
		}
	}

	s.mu.Lock()
	s.state = StateDeleted
	s.mu.Unlock()

	s.log.Infow("subscription deleted",
		"subscription", s.sub.Name,
		"channel", s.sub.Channel.Name,
		"existed", exists)
	return nil
}

// subscriberListener adapts transport callbacks onto the subscriber without
// exporting them on the Subscriber API.
type subscriberListener struct {
	s *Subscriber
}

func (l *subscriberListener) OnMessage(ctx context.Context, msg *Message, ack Acknowledger) {
	l.s.dispatch(ctx, msg, ack)
}

func (l *subscriberListener) OnError(err error) {
	l.s.transportError(err)
}

func (l *subscriberListener) OnClose() {
	l.s.transportClosed()
}

// panicError wraps a recovered handler panic so it can travel the normal
// error path.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.value)
}

// dispatch runs the handler for one delivery and settles it exactly once.
// Nothing thrown by the handler or the error handler escapes to the
// transport.
func (s *Subscriber) dispatch(ctx context.Context, msg *Message, ack Acknowledger) {
	start := time.Now()
	err := s.invokeHandler(ctx, msg)
	s.metrics.RecordHandled(s.sub.Name, err, time.Since(start).Seconds())

	if err == nil {
		ack.Ack()
		s.metrics.RecordAck(s.sub.Name)
		return
	}

	ack.Nack()
	s.metrics.RecordNack(s.sub.Name, nackReason(err))
	s.runErrorHandler(err, msg)
}

// invokeHandler runs the handler, converting a panic into an error.
func (s *Subscriber) invokeHandler(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return s.handler(ctx, msg)
}

// runErrorHandler routes a failure to the configured error handler, or logs
// it when none is set. A panicking error handler is contained here.
func (s *Subscriber) runErrorHandler(err error, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("error handler panicked",
				"subscription", s.sub.Name,
				"panic", r)
		}
	}()

	if s.errorHandler != nil {
		s.errorHandler(err, msg)
		return
	}

	payload := BuildDiagnosticPayload(s.sub, msg, err, time.Now())
	s.log.Errorw("message handling failed", append(payload.Fields(), "error", err)...)
}

func nackReason(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return metrics.ReasonHandlerPanic
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return metrics.ReasonDecodeError
	}
	return metrics.ReasonHandlerError
}

// transportError surfaces a transport-level failure through the error
// handler with no message attached.
func (s *Subscriber) transportError(err error) {
	s.metrics.RecordTransportError(s.sub.Name)
	s.runErrorHandler(fmt.Errorf("transport error on subscription %q: %w", s.sub.Name, err), nil)
}

// transportClosed records a transport-initiated detach. Close-initiated
// transitions already hold the correct state, so this only covers the
// broker side going away on its own.
func (s *Subscriber) transportClosed() {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.handle = nil
	s.mu.Unlock()

	s.metrics.DecActiveListeners(s.sub.Name)
	s.log.Infow("listener closed by transport", "subscription", s.sub.Name)
}

// ListenJSON starts the subscriber with a typed handler for JSON payloads.
//
// Only messages carrying the application/json content marker are decoded;
// anything else is nacked and routed to the error handler as a *DecodeError,
// as are payloads that fail to unmarshal. The raw message accompanies the
// decoded value so handlers keep access to attributes and IDs.
func ListenJSON[T any](ctx context.Context, s *Subscriber, handler func(ctx context.Context, msg *Message, value T) error, errorHandler ErrorHandler) error {
	if handler == nil {
		return Statusf(CodeInvalidArgument, "handler cannot be nil")
	}

	return s.Listen(ctx, func(ctx context.Context, msg *Message) error {
		if ct := msg.Attributes[AttrContentType]; ct != ContentTypeJSON {
			return &DecodeError{
				MessageID: msg.ID,
				Err:       fmt.Errorf("content type %q is not %q", ct, ContentTypeJSON),
			}
		}
		var value T
		if err := json.Unmarshal(msg.Data, &value); err != nil {
			return &DecodeError{MessageID: msg.ID, Err: err}
		}
		return handler(ctx, msg, value)
	}, errorHandler)
}
