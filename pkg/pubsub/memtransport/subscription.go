package memtransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fp8/gcutils/pkg/pubsub"
	"github.com/fp8/gcutils/pkg/utils"
)

// memSubscription is one named queue over a channel. Enqueued deliveries are
// handed to attached listeners in order; competing listeners pop from the
// same queue.
type memSubscription struct {
	channel string
	name    string
	cfg     pubsub.SubscriptionConfig

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*delivery
	stopped bool
	timers  map[*time.Timer]struct{}
}

// delivery is one message's position in the redelivery cycle. attempts
// counts how many times it has been handed to a listener.
type delivery struct {
	msg      pubsub.Message
	attempts int
}

func newMemSubscription(channel, name string, cfg pubsub.SubscriptionConfig) *memSubscription {
	s := &memSubscription{
		channel: channel,
		name:    name,
		cfg:     cfg,
		timers:  make(map[*time.Timer]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memSubscription) enqueue(msg pubsub.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.pending = append(s.pending, &delivery{msg: msg})
	s.cond.Signal()
}

// next blocks until a delivery is available, the context is canceled or the
// subscription shuts down.
func (s *memSubscription) next(ctx context.Context) (*delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if ctx.Err() != nil || s.stopped {
			return nil, false
		}
		if len(s.pending) > 0 {
			d := s.pending[0]
			s.pending = s.pending[1:]
			return d, true
		}
		s.cond.Wait()
	}
}

// requeue puts an expired delivery back at the end of the queue without
// delay.
func (s *memSubscription) requeue(d *delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.pending = append(s.pending, d)
	s.cond.Signal()
}

// requeueAfter schedules a nacked delivery to come back after the given
// backoff. The timer is dropped if the subscription shuts down first.
func (s *memSubscription) requeueAfter(d *delivery, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.timers, timer)
		if s.stopped {
			return
		}
		s.pending = append(s.pending, d)
		s.cond.Signal()
	})
	s.timers[timer] = struct{}{}
}

// shutdown stops deliveries, drops queued messages and cancels pending
// redelivery timers. Attached workers wake up and exit.
func (s *memSubscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.pending = nil
	for timer := range s.timers {
		timer.Stop()
	}
	s.timers = nil
	s.cond.Broadcast()
}

// attach starts a delivery worker for the listener and returns its handle.
func (s *memSubscription) attach(l pubsub.Listener) pubsub.ListenerHandle {
	ctx, cancel := context.WithCancel(context.Background())

	// The worker sleeps on the cond, not the context; wake it on cancel.
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	go s.deliver(ctx, l)

	return &listenerHandle{cancel: cancel}
}

// deliver is the worker loop for one attached listener.
func (s *memSubscription) deliver(ctx context.Context, l pubsub.Listener) {
	defer l.OnClose()
	for {
		d, ok := s.next(ctx)
		if !ok {
			return
		}
		d.attempts++

		ack := &memAck{sub: s, d: d}
		ack.deadline = time.AfterFunc(s.cfg.AckDeadline, ack.expire)
		l.OnMessage(ctx, d.snapshot(), ack)
	}
}

// snapshot clones the message for one delivery attempt so a handler cannot
// corrupt the copy a redelivery would see.
func (d *delivery) snapshot() *pubsub.Message {
	msg := d.msg
	msg.Data = append([]byte(nil), d.msg.Data...)
	msg.Attributes = utils.CloneAttributes(d.msg.Attributes)
	msg.AckToken = fmt.Sprintf("mem/%s/%d", d.msg.ID, d.attempts)
	return &msg
}

// memAck settles one delivery attempt. The first of Ack, Nack or deadline
// expiry wins; the rest are no-ops.
type memAck struct {
	once     sync.Once
	sub      *memSubscription
	d        *delivery
	deadline *time.Timer
}

func (a *memAck) Ack() {
	a.once.Do(func() {
		a.deadline.Stop()
	})
}

func (a *memAck) Nack() {
	a.once.Do(func() {
		a.deadline.Stop()
		a.sub.requeueAfter(a.d, a.sub.cfg.Backoff(a.d.attempts))
	})
}

// expire fires when the ack deadline passes without a settlement. The
// delivery goes straight back on the queue.
func (a *memAck) expire() {
	a.once.Do(func() {
		a.sub.requeue(a.d)
	})
}

// listenerHandle stops one attached worker. Stop does not wait for a handler
// invocation already in flight.
type listenerHandle struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (h *listenerHandle) Stop(ctx context.Context) error {
	h.once.Do(h.cancel)
	return nil
}
