package kafkatransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/fp8/gcutils/pkg/pubsub"
)

const queueFullRetryDelay = time.Second

// producer is a synchronous Kafka producer shared by all publishes and
// redeliveries of one transport.
//
// produce blocks until a delivery confirmation is received from Kafka.
// Background goroutines process Kafka producer events and logs. close MUST
// be called to stop them and flush in-flight messages.
type producer struct {
	producer   *cKafka.Producer
	log        *zap.SugaredLogger
	errCh      chan error
	eventsDone chan struct{}
	logsDone   chan struct{}
	closedCh   chan struct{}
	once       sync.Once
}

// newProducer creates the shared producer. The context controls the lifetime
// of the background goroutines.
func newProducer(ctx context.Context, conf *cKafka.ConfigMap, log *zap.SugaredLogger) (*producer, error) {
	p, err := cKafka.NewProducer(conf)
	if err != nil {
		return nil, statusFromKafka(err, "failed to create kafka producer")
	}

	logsChEnabled, err := conf.Get("go.logs.channel.enable", false)
	if err != nil {
		return nil, fmt.Errorf("failed to get go.logs.channel.enable: %w", err)
	}

	kp := producer{
		producer:   p,
		log:        log,
		eventsDone: make(chan struct{}),
		logsDone:   make(chan struct{}),
		errCh:      make(chan error, 1),
		closedCh:   make(chan struct{}),
	}

	if logsChEnabled.(bool) {
		go kp.printKafkaLogs(ctx)
	} else {
		close(kp.logsDone)
	}

	go kp.monitorEvents(ctx)

	return &kp, nil
}

// produce synchronously produces one message and returns its final topic
// position.
//
// produce blocks until either a delivery receipt arrives or the context is
// canceled. A full local queue is retried with a delay. If the context is
// canceled before the delivery confirmation, the message MAY still be
// delivered; callers must design for duplicates when retrying.
func (p *producer) produce(ctx context.Context, msg *cKafka.Message) (cKafka.TopicPartition, error) {
	deliveryCh := make(chan cKafka.Event, 1)
	defer close(deliveryCh)

	if err := p.enqueue(ctx, msg, deliveryCh); err != nil {
		return cKafka.TopicPartition{}, err
	}

	select {
	case <-ctx.Done():
		return cKafka.TopicPartition{}, ctx.Err()

	case ev := <-deliveryCh:
		receipt, ok := ev.(*cKafka.Message)
		if !ok {
			// Per-message delivery channels only receive *kafka.Message events.
			return cKafka.TopicPartition{}, fmt.Errorf("unexpected delivery event: %T", ev)
		}
		if err := receipt.TopicPartition.Error; err != nil {
			return cKafka.TopicPartition{}, statusFromKafka(err, "delivery failed")
		}
		p.log.Debugw("delivered message",
			"topic", *receipt.TopicPartition.Topic,
			"partition", receipt.TopicPartition.Partition,
			"offset", receipt.TopicPartition.Offset)
		return receipt.TopicPartition, nil
	}
}

// enqueue hands the message to the local producer queue, waiting out
// ErrQueueFull. Other failures map onto the pubsub status space.
func (p *producer) enqueue(ctx context.Context, msg *cKafka.Message, deliveryCh chan cKafka.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closedCh:
			// Redelivery timers can outlive the transport.
			return &pubsub.StatusError{Code: pubsub.CodeUnavailable, Details: "producer is closed"}
		default:
		}

		err := p.producer.Produce(msg, deliveryCh)
		if err == nil {
			return nil
		}

		kafkaErr, ok := err.(cKafka.Error)
		if ok && kafkaErr.Code() == cKafka.ErrQueueFull {
			p.log.Warnw("producer queue full, retrying", "delay", queueFullRetryDelay)
			select {
			case <-time.After(queueFullRetryDelay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return statusFromKafka(err, "failed to produce")
	}
}

// close stops background goroutines and flushes all pending messages.
//
// close blocks until all queued messages are delivered to Kafka or the
// timeout is reached. Reaching the timeout may lose messages. Calling close
// multiple times does nothing.
func (p *producer) close(timeout time.Duration) {
	p.once.Do(func() {
		p.log.Info("closing kafka producer")
		defer close(p.errCh)

		// Signal the monitor and logs goroutines to stop.
		close(p.closedCh)
		<-p.eventsDone
		<-p.logsDone

		pending := p.producer.Flush(int(timeout.Milliseconds()))
		if pending > 0 {
			p.log.Warnw("flush incomplete, messages will be lost", "pending", pending)
		}

		p.producer.Close()
		p.log.Info("kafka producer closed")
	})
}

// errors returns a channel that receives at most one fatal error. The
// channel is closed when the producer shuts down. After a fatal error the
// producer is no longer usable.
func (p *producer) errors() <-chan error {
	return p.errCh
}

func (p *producer) printKafkaLogs(ctx context.Context) {
	defer close(p.logsDone)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("stopping kafka producer logs printing")
			return
		case <-p.closedCh:
			p.log.Info("stopping kafka producer logs printing, producer closed")
			return
		case entry, ok := <-p.producer.Logs():
			if !ok {
				p.log.Info("kafka producer logs channel closed")
				return
			}
			p.log.Debugf("level: %d tag: %s message: %s", entry.Level, entry.Tag, entry.Message)
		}
	}
}

// monitorEvents drains the shared event channel. Delivery receipts arrive on
// per-message channels, so anything here is either noise or a fatal error.
func (p *producer) monitorEvents(ctx context.Context) {
	defer close(p.eventsDone)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("stopping kafka producer event monitoring, context done")
			return
		case <-p.closedCh:
			p.log.Info("stopping kafka producer event monitoring, producer closed")
			return
		case ev, ok := <-p.producer.Events():
			if !ok {
				p.reportFatal(fmt.Errorf("kafka producer event channel closed"))
				return
			}

			switch e := ev.(type) {
			case *cKafka.Message:
				if e.TopicPartition.Error != nil {
					p.log.Errorw("failed to deliver message", "topicPartition", e.TopicPartition)
				}
			case cKafka.Error:
				if e.IsFatal() || e.Code() == cKafka.ErrAllBrokersDown {
					p.reportFatal(statusFromKafka(e, "fatal producer error"))
					return
				}
				p.log.Warnw("ignoring non-fatal kafka producer error", "code", e.Code(), "error", e)
			case cKafka.Stats:
				p.log.Debugw("kafka stats event received")
			default:
				p.log.Warnw("unknown kafka producer event", "event", e)
			}
		}
	}
}

func (p *producer) reportFatal(err error) {
	select {
	case p.errCh <- err:
	default:
		p.log.Warnw("producer error channel is full, dropping error", "error", err)
	}
}
