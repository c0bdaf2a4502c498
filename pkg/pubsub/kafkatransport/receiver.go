package kafkatransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fp8/gcutils/pkg/metrics"
	"github.com/fp8/gcutils/pkg/pubsub"
)

const pollTimeoutMs = 100

// receiverConfig carries everything one receiver needs to run a consumer
// group session for a subscription.
type receiverConfig struct {
	Channel        string
	Subscription   string
	GroupID        string
	Delivery       pubsub.SubscriptionConfig
	MaxConcurrency int64
	CommitInterval time.Duration
	EnableLogs     bool
}

// receiver drives one consumer group session and feeds deliveries to a
// listener. Handlers run on a semaphore-bounded pool; the poll loop blocks
// once MaxConcurrency deliveries are in flight.
type receiver struct {
	cfg      receiverConfig
	listener pubsub.Listener

	consumer *cKafka.Consumer
	producer *producer
	offsets  *offsetTracker
	sem      *semaphore.Weighted
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	// partitionCtxs is cancelled per partition on revoke so in-flight
	// deliveries stop settling offsets the consumer no longer owns.
	partitionCtxs map[int32]partitionCtx
	partitionMu   sync.RWMutex

	baseCtx    context.Context
	baseCancel context.CancelFunc
	stopCh     chan struct{}
	doneCh     chan struct{}
	logsDone   chan struct{}
	stopOnce   sync.Once
}

type partitionCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newReceiver(
	conf cKafka.ConfigMap,
	cfg receiverConfig,
	listener pubsub.Listener,
	p *producer,
	m *metrics.Metrics,
	log *zap.SugaredLogger,
) (*receiver, error) {
	consumer, err := cKafka.NewConsumer(&conf)
	if err != nil {
		return nil, statusFromKafka(err, "failed to create kafka consumer")
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	r := &receiver{
		cfg:           cfg,
		listener:      listener,
		consumer:      consumer,
		producer:      p,
		offsets:       newOffsetTracker(baseCtx, consumer, cfg.CommitInterval, false, m, log),
		sem:           semaphore.NewWeighted(cfg.MaxConcurrency),
		metrics:       m,
		log:           log.With("channel", cfg.Channel, "subscription", cfg.Subscription),
		partitionCtxs: make(map[int32]partitionCtx),
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		logsDone:      make(chan struct{}),
	}

	if err := consumer.SubscribeTopics([]string{cfg.Channel}, r.rebalanceCallback()); err != nil {
		baseCancel()
		if closeErr := consumer.Close(); closeErr != nil {
			log.Warnw("failed to close consumer", "error", closeErr)
		}
		return nil, statusFromKafka(err, "failed to subscribe to channel")
	}

	go r.run()
	return r, nil
}

// Stop implements pubsub.ListenerHandle. It stops polling and returns once
// the consumer has left the group. Handler invocations already in flight are
// not waited for.
func (r *receiver) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *receiver) run() {
	defer close(r.doneCh)

	if r.cfg.EnableLogs {
		go r.printKafkaLogs(r.baseCtx)
	} else {
		close(r.logsDone)
	}

	run := true
	for run {
		select {
		case <-r.stopCh:
			r.log.Info("stopping listener")
			run = false
			continue
		default:
			ev := r.consumer.Poll(pollTimeoutMs)
			if ev == nil {
				continue
			}

			switch e := ev.(type) {
			case *cKafka.Message:
				r.dispatch(e)
			case cKafka.Error:
				if e.IsFatal() {
					r.metrics.RecordKafkaError(true)
					r.log.Errorw("fatal kafka error, stopping listener", "error", e)
					r.listener.OnError(statusFromKafka(e, "fatal kafka error"))
					run = false
					continue
				}
				r.metrics.RecordKafkaError(false)
				r.log.Warnw("kafka error (non-fatal)", "error", e)
			default:
				r.log.Debugw("ignoring kafka event", "event", e)
			}
		}
	}

	// In-flight handlers are not waited for. Their offsets never settle once
	// the partition contexts are cancelled, so those messages are
	// redelivered to the next session.
	r.baseCancel()
	r.offsets.commitSettled()
	<-r.logsDone

	if err := r.consumer.Close(); err != nil {
		r.log.Errorw("failed to close consumer", "error", err)
	}

	r.listener.OnClose()
	r.log.Info("listener shutdown complete")
}

// dispatch hands one delivery to a pooled goroutine. It blocks while
// MaxConcurrency handlers are running, which in turn holds back the poll
// loop.
func (r *receiver) dispatch(raw *cKafka.Message) {
	partition := raw.TopicPartition.Partition
	r.partitionMu.RLock()
	pc, ok := r.partitionCtxs[partition]
	r.partitionMu.RUnlock()
	if !ok {
		r.log.Warnw("no context for partition, dropping delivery", "partition", partition)
		return
	}

	if err := r.sem.Acquire(pc.ctx, 1); err != nil {
		// The partition was revoked while waiting for a slot. The next
		// owner redelivers.
		r.log.Debugw("dropped delivery during rebalance", "partition", partition)
		return
	}

	go func() {
		defer r.sem.Release(1)
		r.deliver(pc.ctx, raw)
	}()
}

func (r *receiver) deliver(ctx context.Context, raw *cKafka.Message) {
	r.metrics.RecordMessageReceived(raw.TopicPartition.Partition)

	msg, attempt := decodeMessage(raw)
	ack := &kafkaAck{r: r, ctx: ctx, raw: raw, attempt: attempt}
	ack.deadline = time.AfterFunc(r.cfg.Delivery.AckDeadline, ack.expire)
	r.listener.OnMessage(ctx, msg, ack)
}

// redeliver publishes the message again with a bumped attempt header, then
// settles the original offset. When the publish fails nothing settles: the
// commit window stalls on the original offset and the broker hands the
// message to a later session, keeping delivery at-least-once.
func (r *receiver) redeliver(ctx context.Context, raw *cKafka.Message, nextAttempt int) {
	msg, _ := decodeMessage(raw)
	next := encodeMessage(r.cfg.Channel, msg.ID, msg.PublishTime, nextAttempt, outboundFromMessage(msg))
	if _, err := r.producer.produce(ctx, next); err != nil {
		r.log.Errorw("failed to redeliver message", "messageID", msg.ID, "error", err)
		r.listener.OnError(fmt.Errorf("failed to redeliver message %q: %w", msg.ID, err))
		return
	}
	r.offsets.settle(ctx, raw)
}

// rebalanceCallback keeps the partition contexts and the offset tracker in
// step with the group assignment.
func (r *receiver) rebalanceCallback() cKafka.RebalanceCb {
	return func(kc *cKafka.Consumer, event cKafka.Event) error {
		r.partitionMu.Lock()
		switch ev := event.(type) {
		case cKafka.AssignedPartitions:
			r.log.Infow("partitions assigned",
				"protocol", kc.GetRebalanceProtocol(),
				"count", len(ev.Partitions),
			)
			for _, tp := range ev.Partitions {
				pc := partitionCtx{}
				pc.ctx, pc.cancel = context.WithCancel(r.baseCtx)
				r.partitionCtxs[tp.Partition] = pc
			}
		case cKafka.RevokedPartitions:
			r.log.Infow("partitions revoked",
				"protocol", kc.GetRebalanceProtocol(),
				"count", len(ev.Partitions),
			)
			if kc.AssignmentLost() {
				r.log.Warn("assignment lost involuntarily, commit may fail")
			}
			for _, tp := range ev.Partitions {
				if pc, ok := r.partitionCtxs[tp.Partition]; ok {
					pc.cancel()
					delete(r.partitionCtxs, tp.Partition)
				}
			}
		default:
			r.log.Warnw("unexpected rebalance event", "event", event)
		}
		r.partitionMu.Unlock()

		return r.offsets.rebalance(kc, event)
	}
}

func (r *receiver) printKafkaLogs(ctx context.Context) {
	defer close(r.logsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-r.consumer.Logs():
			if !ok {
				return
			}
			r.log.Debugf("consumer level: %d tag: %s message: %s", entry.Level, entry.Tag, entry.Message)
		}
	}
}

// kafkaAck settles one delivery attempt. The first Ack or Nack wins; an
// expired ack deadline counts as a Nack without backoff.
type kafkaAck struct {
	r        *receiver
	ctx      context.Context
	raw      *cKafka.Message
	attempt  int
	deadline *time.Timer
	once     sync.Once
}

func (a *kafkaAck) Ack() {
	a.once.Do(func() {
		a.deadline.Stop()
		a.r.offsets.settle(a.ctx, a.raw)
	})
}

func (a *kafkaAck) Nack() {
	a.once.Do(func() {
		a.deadline.Stop()
		delay := a.r.cfg.Delivery.Backoff(a.attempt)
		a.r.log.Debugw("delivery nacked, scheduling redelivery",
			"partition", a.raw.TopicPartition.Partition,
			"offset", int64(a.raw.TopicPartition.Offset),
			"attempt", a.attempt,
			"delay", delay,
		)
		time.AfterFunc(delay, func() {
			a.r.redeliver(a.ctx, a.raw, a.attempt+1)
		})
	})
}

func (a *kafkaAck) expire() {
	a.once.Do(func() {
		a.r.log.Warnw("ack deadline expired, redelivering",
			"partition", a.raw.TopicPartition.Partition,
			"offset", int64(a.raw.TopicPartition.Offset),
			"attempt", a.attempt,
		)
		a.r.redeliver(a.ctx, a.raw, a.attempt+1)
	})
}
