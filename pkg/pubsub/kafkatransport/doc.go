// Package kafkatransport implements pubsub.Transport on Apache Kafka using
// confluent-kafka-go.
//
// Channels map to topics and subscriptions map to consumer groups named
// "<channel>.<subscription>". Kafka has no first-class subscription object,
// so subscription records (channel, name, delivery configuration) are kept
// in a compacted registry topic. Creating a subscription seeds its consumer
// group at the channel's current head, which is how messages published
// before the first listener attaches still get delivered.
//
// Delivery is at-least-once. Offsets are committed through a sliding window,
// so an offset is only committed once everything before it has settled.
// Nacked and deadline-expired deliveries are republished to the channel with
// a bumped attempt header, and the original offset settles only after the
// republish succeeds.
package kafkatransport
