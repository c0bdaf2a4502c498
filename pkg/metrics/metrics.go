package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "gcutils"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	Publisher     = "publisher"
	Subscriber    = "subscriber"
	Provisioner   = "provisioner"
	KafkaOffset   = "kafka_offset"
	KafkaConsumer = "kafka_consumer"
)

// Resource kinds and outcomes for provisioning metrics.
const (
	KindChannel      = "channel"
	KindSubscription = "subscription"

	OutcomeExists     = "exists"
	OutcomeCreated    = "created"
	OutcomeIncomplete = "incomplete"
	OutcomeError      = "error"
)

// Nack reasons for the redelivery counter.
const (
	ReasonHandlerError = "handler_error"
	ReasonHandlerPanic = "handler_panic"
	ReasonDecodeError  = "decode_error"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple service instances.
type Labels struct {
	Service       string // Service name (e.g., "orders-worker")
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "us-east-1", "eu-west-1")
	CloudProvider string // Cloud provider (e.g., "aws", "oci", "gcp")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Service != "" {
		labels["service"] = l.Service
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

type Metrics struct {
	// Publisher metrics
	published       *prometheus.CounterVec   // by channel, status
	publishDuration *prometheus.HistogramVec // by channel
	publishBytes    prometheus.Histogram

	// Subscriber metrics
	handled         *prometheus.CounterVec   // by subscription, status
	handleDuration  *prometheus.HistogramVec // by subscription
	acked           *prometheus.CounterVec   // by subscription
	nacked          *prometheus.CounterVec   // by subscription, reason
	activeListeners *prometheus.GaugeVec     // by subscription
	transportErrors *prometheus.CounterVec   // by subscription

	// Provisioner metrics
	provisions *prometheus.CounterVec // by kind, outcome

	// Kafka offset tracker metrics
	lastCommittedOffset *prometheus.GaugeVec
	latestSettledOffset *prometheus.GaugeVec
	offsetLag           *prometheus.GaugeVec
	offsetWindowSize    *prometheus.GaugeVec
	offsetCommits       *prometheus.CounterVec
	commitDuration      *prometheus.HistogramVec
	offsetInserts       *prometheus.CounterVec

	// Kafka consumer rebalance metrics
	rebalanceEvents      *prometheus.CounterVec
	partitionAssignments *prometheus.CounterVec
	partitionRevocations *prometheus.CounterVec
	assignedPartitions   prometheus.Gauge

	// Kafka consumer message metrics
	messagesReceived *prometheus.CounterVec // by partition
	kafkaErrors      *prometheus.CounterVec // by severity (fatal/non_fatal)
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
// For metrics with constant labels (e.g., service), use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
// This is useful when running multiple services and needing to filter by dimensions like service or region.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	// Wrap the registerer with constant labels if any are provided
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

// newMetrics is the internal constructor that creates and registers all metrics.
func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "published_total",
			Help:      "Total messages published by channel and status",
		}, []string{"channel", "status"}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "publish_duration_seconds",
			Help:      "Time for the transport to accept a published message",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"channel"}),
		publishBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Publisher,
			Name:      "publish_bytes",
			Help:      "Published payload sizes in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subscriber,
			Name:      "handled_total",
			Help:      "Total deliveries run through a handler by subscription and status",
		}, []string{"subscription", "status"}),
		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subscriber,
			Name:      "handle_duration_seconds",
			Help:      "Handler execution time per delivery",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"subscription"}),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subscriber,
			Name:      "acked_total",
			Help:      "Total deliveries acknowledged by subscription",
		}, []string{"subscription"}),
		nacked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subscriber,
			Name:      "nacked_total",
			Help:      "Total deliveries returned for redelivery by subscription and reason",
		}, []string{"subscription", "reason"}),
		activeListeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subscriber,
			Name:      "active_listeners",
			Help:      "Number of listeners currently attached by subscription",
		}, []string{"subscription"}),
		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subscriber,
			Name:      "transport_errors_total",
			Help:      "Total transport failures surfaced outside message handling",
		}, []string{"subscription"}),
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Provisioner,
			Name:      "operations_total",
			Help:      "Total ensure operations by resource kind and outcome",
		}, []string{"kind", "outcome"}),
		lastCommittedOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: KafkaOffset,
			Name:      "last_committed",
			Help:      "Last offset successfully committed to Kafka for each partition",
		}, []string{"partition"}),
		latestSettledOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: KafkaOffset,
			Name:      "latest_settled",
			Help:      "Latest offset settled and inserted into commit window for each partition",
		}, []string{"partition"}),
		offsetLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: KafkaOffset,
			Name:      "lag",
			Help:      "Number of uncommitted offsets (latestSettled - lastCommitted) for each partition",
		}, []string{"partition"}),
		offsetWindowSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: KafkaOffset,
			Name:      "window_size",
			Help:      "Number of offsets currently in the sliding window awaiting commit for each partition",
		}, []string{"partition"}),
		offsetCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: KafkaOffset,
			Name:      "commits_total",
			Help:      "Total number of offset commit attempts by partition and status",
		}, []string{"partition", "status"}),
		commitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: KafkaOffset,
			Name:      "commit_duration_seconds",
			Help:      "Time taken to commit offsets to Kafka by partition",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"partition"}),
		offsetInserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: KafkaOffset,
			Name:      "inserts_total",
			Help:      "Total number of offsets inserted into the commit window by partition",
		}, []string{"partition"}),
		rebalanceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: KafkaConsumer,
			Name:      "rebalance_events_total",
			Help:      "Total number of consumer group rebalance events by type",
		}, []string{"type"}),
		partitionAssignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: KafkaConsumer,
			Name:      "partition_assignments_total",
			Help:      "Total number of times a partition has been assigned to this consumer",
		}, []string{"partition"}),
		partitionRevocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: KafkaConsumer,
			Name:      "partition_revocations_total",
			Help:      "Total number of times a partition has been revoked from this consumer",
		}, []string{"partition"}),
		assignedPartitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: KafkaConsumer,
			Name:      "assigned_partitions",
			Help:      "Current number of partitions assigned to this consumer",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: KafkaConsumer,
			Name:      "messages_received_total",
			Help:      "Total number of messages polled from Kafka by partition",
		}, []string{"partition"}),
		kafkaErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: KafkaConsumer,
			Name:      "errors_total",
			Help:      "Total number of Kafka errors received by severity (fatal/non_fatal)",
		}, []string{"severity"}),
	}

	err := errors.Join(
		reg.Register(m.published),
		reg.Register(m.publishDuration),
		reg.Register(m.publishBytes),
		reg.Register(m.handled),
		reg.Register(m.handleDuration),
		reg.Register(m.acked),
		reg.Register(m.nacked),
		reg.Register(m.activeListeners),
		reg.Register(m.transportErrors),
		reg.Register(m.provisions),
		reg.Register(m.lastCommittedOffset),
		reg.Register(m.latestSettledOffset),
		reg.Register(m.offsetLag),
		reg.Register(m.offsetWindowSize),
		reg.Register(m.offsetCommits),
		reg.Register(m.commitDuration),
		reg.Register(m.offsetInserts),
		reg.Register(m.rebalanceEvents),
		reg.Register(m.partitionAssignments),
		reg.Register(m.partitionRevocations),
		reg.Register(m.assignedPartitions),
		reg.Register(m.messagesReceived),
		reg.Register(m.kafkaErrors),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordPublish records a publish attempt with duration and payload size.
// Pass nil error for accepted publishes, non-nil for failures.
func (m *Metrics) RecordPublish(channel string, err error, durationSeconds float64, payloadBytes int) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.published.WithLabelValues(channel, status).Inc()
	m.publishDuration.WithLabelValues(channel).Observe(durationSeconds)
	if err == nil {
		m.publishBytes.Observe(float64(payloadBytes))
	}
}

// RecordHandled records a handler invocation outcome with duration.
// Pass nil error for successful handling, non-nil for failures.
func (m *Metrics) RecordHandled(subscription string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.handled.WithLabelValues(subscription, status).Inc()
	m.handleDuration.WithLabelValues(subscription).Observe(durationSeconds)
}

// RecordAck records an acknowledged delivery.
func (m *Metrics) RecordAck(subscription string) {
	if m == nil {
		return
	}
	m.acked.WithLabelValues(subscription).Inc()
}

// RecordNack records a delivery returned for redelivery.
func (m *Metrics) RecordNack(subscription, reason string) {
	if m == nil {
		return
	}
	m.nacked.WithLabelValues(subscription, reason).Inc()
}

// IncActiveListeners increments the attached-listener gauge.
func (m *Metrics) IncActiveListeners(subscription string) {
	if m == nil {
		return
	}
	m.activeListeners.WithLabelValues(subscription).Inc()
}

// DecActiveListeners decrements the attached-listener gauge.
func (m *Metrics) DecActiveListeners(subscription string) {
	if m == nil {
		return
	}
	m.activeListeners.WithLabelValues(subscription).Dec()
}

// RecordTransportError records a transport failure surfaced outside message handling.
func (m *Metrics) RecordTransportError(subscription string) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(subscription).Inc()
}

// RecordProvision records an ensure operation outcome.
func (m *Metrics) RecordProvision(kind, outcome string) {
	if m == nil {
		return
	}
	m.provisions.WithLabelValues(kind, outcome).Inc()
}

// UpdateOffsetMetrics updates all offset tracker metrics for a partition.
func (m *Metrics) UpdateOffsetMetrics(partition int32, lastCommitted, latestSettled int64, windowSize int) {
	if m == nil {
		return
	}
	partitionLabel := strconv.Itoa(int(partition))

	m.lastCommittedOffset.WithLabelValues(partitionLabel).Set(float64(lastCommitted))
	m.latestSettledOffset.WithLabelValues(partitionLabel).Set(float64(latestSettled))
	m.offsetWindowSize.WithLabelValues(partitionLabel).Set(float64(windowSize))

	lag := max(latestSettled-lastCommitted, 0)
	m.offsetLag.WithLabelValues(partitionLabel).Set(float64(lag))
}

// RecordOffsetCommit records an offset commit attempt for a partition.
// Pass nil error for successful commits, non-nil for failures.
func (m *Metrics) RecordOffsetCommit(partition int32, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	partitionLabel := strconv.Itoa(int(partition))

	status := StatusSuccess
	if err != nil {
		status = StatusError
	}

	m.offsetCommits.WithLabelValues(partitionLabel, status).Inc()
	m.commitDuration.WithLabelValues(partitionLabel).Observe(durationSeconds)
}

// RecordOffsetInsert records an offset being inserted into the commit window.
func (m *Metrics) RecordOffsetInsert(partition int32) {
	if m == nil {
		return
	}
	partitionLabel := strconv.Itoa(int(partition))
	m.offsetInserts.WithLabelValues(partitionLabel).Inc()
}

// RecordPartitionAssignment records when partitions are assigned during a consumer group rebalance.
// This tracks both the rebalance event and per-partition assignment counts.
func (m *Metrics) RecordPartitionAssignment(partitions []int32) {
	if m == nil {
		return
	}

	m.rebalanceEvents.WithLabelValues("assigned").Inc()

	for _, partition := range partitions {
		partitionLabel := strconv.Itoa(int(partition))
		m.partitionAssignments.WithLabelValues(partitionLabel).Inc()
	}

	m.assignedPartitions.Set(float64(len(partitions)))
}

// RecordPartitionRevocation records when partitions are revoked during a consumer group rebalance.
// This tracks both the rebalance event and per-partition revocation counts.
func (m *Metrics) RecordPartitionRevocation(partitions []int32) {
	if m == nil {
		return
	}

	m.rebalanceEvents.WithLabelValues("revoked").Inc()

	for _, partition := range partitions {
		partitionLabel := strconv.Itoa(int(partition))
		m.partitionRevocations.WithLabelValues(partitionLabel).Inc()
	}

	// Clear the assigned partitions gauge (will be updated on next assignment)
	m.assignedPartitions.Set(0)
}

// RecordMessageReceived increments the received counter when a message is polled from Kafka.
func (m *Metrics) RecordMessageReceived(partition int32) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(strconv.Itoa(int(partition))).Inc()
}

// RecordKafkaError records a Kafka error by severity.
// fatal=true for fatal errors, false for non-fatal.
func (m *Metrics) RecordKafkaError(fatal bool) {
	if m == nil {
		return
	}
	severity := "non_fatal"
	if fatal {
		severity = "fatal"
	}
	m.kafkaErrors.WithLabelValues(severity).Inc()
}
