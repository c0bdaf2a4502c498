package kafkatransport

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/fp8/gcutils/pkg/metrics"
)

const (
	committedTimeoutMs = 5000
	settleRetryDelay   = 200 * time.Millisecond

	windowWarnThreshold = 10000
)

type partitionOffsets struct {
	window        []cKafka.TopicPartition
	lastCommitted cKafka.Offset
}

/*
offsetTracker is a thread-safe sliding window over settled offsets, one
window per assigned partition. Commits are made asynchronously: every
commit interval the tracker finds, per partition, the highest offset that
is contiguous with the last committed position and commits that single
offset. Gaps left by deliveries that are still being handled (or are being
redelivered) hold the committed position back, which is what makes the
transport at-least-once.

Deliveries settle out of order, so the window is unbounded. If handlers
stop settling a partition the window keeps growing; sizes above
windowWarnThreshold are logged to help diagnose.
*/
type offsetTracker struct {
	consumer *cKafka.Consumer
	states   map[int32]*partitionOffsets
	mu       sync.Mutex
	dryRun   bool // skip broker interactions for testing
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger
}

// newOffsetTracker starts the commit loop. It stops when ctx is cancelled.
func newOffsetTracker(
	ctx context.Context,
	consumer *cKafka.Consumer,
	interval time.Duration,
	dryRun bool,
	m *metrics.Metrics,
	log *zap.SugaredLogger,
) *offsetTracker {
	t := &offsetTracker{
		consumer: consumer,
		states:   make(map[int32]*partitionOffsets),
		dryRun:   dryRun,
		metrics:  m,
		log:      log,
	}
	go t.loop(ctx, interval)
	return t
}

func (t *offsetTracker) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.commitSettled()
		case <-ctx.Done():
			return
		}
	}
}

// commitSettled commits, for each partition, the highest settled offset that
// is contiguous with the last committed position, then truncates the window.
func (t *offsetTracker) commitSettled() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for partition, state := range t.states {
		if err := t.commitPartition(partition, state); err != nil {
			t.log.Errorw("failed to commit offsets", "partition", partition, "error", err)
			return
		}

		latest := state.lastCommitted
		if n := len(state.window); n > 0 {
			latest = state.window[n-1].Offset
		}
		t.metrics.UpdateOffsetMetrics(partition, int64(state.lastCommitted), int64(latest), len(state.window))

		if len(state.window) > windowWarnThreshold {
			t.log.Warnw("offset window is large", "partition", partition, "size", len(state.window))
		}
	}
}

func (t *offsetTracker) commitPartition(partition int32, state *partitionOffsets) error {
	window := state.window

	// Settles at or below the committed position are stale: they come from
	// deliveries that were still in flight when an earlier commit already
	// covered them. Drop them so they can never move the position backwards.
	drop := 0
	for drop < len(window) && window[drop].Offset <= state.lastCommitted {
		drop++
	}
	window = window[drop:]
	state.window = window

	if len(window) == 0 {
		return nil
	}
	if window[0].Offset > state.lastCommitted+1 {
		// The head of the window is ahead of the committed position; a
		// slower delivery still owns the gap.
		return nil
	}

	end := 0
	for i := 1; i < len(window); i++ {
		if window[i].Offset != window[i-1].Offset+1 {
			break
		}
		end = i
	}

	var err error
	start := time.Now()
	if !t.dryRun {
		_, err = t.consumer.CommitOffsets([]cKafka.TopicPartition{window[end]})
	}
	t.metrics.RecordOffsetCommit(partition, err, time.Since(start).Seconds())
	if err != nil {
		return err
	}

	t.log.Infow("committed offset", "partition", partition, "offset", int64(window[end].Offset))
	if end == len(window)-1 {
		state.window = nil
	} else {
		state.window = window[end+1:]
	}
	state.lastCommitted = window[end].Offset
	return nil
}

// insert adds an offset to the partition's window. The offset must be one
// past the processed message, which is the position CommitOffsets expects.
// See https://github.com/confluentinc/confluent-kafka-go/issues/350.
func (t *offsetTracker) insert(ctx context.Context, tp cKafka.TopicPartition) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	state := t.states[tp.Partition]
	if state == nil {
		// A revoke raced the handler. The new owner redelivers, so the
		// settle can be dropped.
		t.log.Warnw("partition not tracked, ignoring settle", "partition", tp.Partition)
		return nil
	}

	// The first settle after an assignment with no stored position seeds
	// lastCommitted with the offset of the message it settles.
	if state.lastCommitted < 0 {
		state.lastCommitted = tp.Offset - 1
		t.log.Infow("initialized partition window",
			"partition", tp.Partition,
			"lastCommitted", int64(state.lastCommitted),
		)
	}

	window := state.window
	i := sort.Search(len(window), func(j int) bool { return window[j].Offset >= tp.Offset })
	if i < len(window) && window[i].Offset == tp.Offset {
		return nil // already settled
	}
	state.window = slices.Insert(window, i, tp)
	t.metrics.RecordOffsetInsert(tp.Partition)
	return nil
}

// settle marks msg as fully handled, retrying until the insert lands or ctx
// is cancelled.
func (t *offsetTracker) settle(ctx context.Context, msg *cKafka.Message) {
	for {
		err := t.insert(ctx, cKafka.TopicPartition{
			Topic:     msg.TopicPartition.Topic,
			Partition: msg.TopicPartition.Partition,
			Offset:    msg.TopicPartition.Offset + 1,
		})
		if err == nil || ctx.Err() != nil {
			return
		}
		t.log.Errorw("retrying offset settle", "error", err)
		time.Sleep(settleRetryDelay)
	}
}

// rebalance resets the tracked partitions. It must run as part of the
// consumer's rebalance callback so the windows always mirror the current
// assignment.
func (t *offsetTracker) rebalance(consumer *cKafka.Consumer, event cKafka.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev := event.(type) {
	case cKafka.AssignedPartitions:
		// Assignment events tend to carry kafka.OffsetInvalid instead of the
		// group's stored position, so fetch the committed offsets explicitly.
		var err error
		committed := ev.Partitions
		if !t.dryRun {
			committed, err = consumer.Committed(ev.Partitions, committedTimeoutMs)
		}
		if err != nil {
			return fmt.Errorf("failed to get committed offsets: %w", err)
		}

		assigned := make([]int32, len(committed))
		positions := make([]string, len(committed))
		for i, co := range committed {
			assigned[i] = co.Partition
			t.states[co.Partition] = &partitionOffsets{lastCommitted: co.Offset}

			if !t.dryRun {
				// Retention can delete messages past the stored position, in
				// which case librdkafka falls back to auto.offset.reset.
				// Invalidate the position so the first settle re-seeds it.
				low, _, err := consumer.QueryWatermarkOffsets(*co.Topic, co.Partition, watermarkTimeoutMs)
				if err != nil {
					return fmt.Errorf("failed to query watermark offsets: %w", err)
				}
				if co.Offset < 0 || co.Offset < cKafka.Offset(low) {
					t.states[co.Partition].lastCommitted = cKafka.OffsetInvalid
				}
			}

			positions[i] = fmt.Sprintf("%d:%d", co.Partition, int64(t.states[co.Partition].lastCommitted))
		}

		t.metrics.RecordPartitionAssignment(assigned)
		t.log.Infow("partitions assigned", "positions", strings.Join(positions, ","))
	case cKafka.RevokedPartitions:
		revoked := make([]int32, len(ev.Partitions))
		for i, tp := range ev.Partitions {
			revoked[i] = tp.Partition
			delete(t.states, tp.Partition)
		}
		t.metrics.RecordPartitionRevocation(revoked)
		t.log.Infow("partitions revoked", "partitions", revoked)
	default:
		t.log.Warnw("unhandled rebalance event", "event", event)
	}
	return nil
}
