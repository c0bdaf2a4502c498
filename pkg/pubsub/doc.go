// Package pubsub provides a publish/subscribe core over pluggable message
// transports.
//
// The package defines a small Transport interface and builds three client
// surfaces on top of it: a Provisioner that creates channels and
// subscriptions idempotently, a Publisher that sends raw or JSON payloads to
// one channel, and a Subscriber that delivers messages from one subscription
// to a handler with exactly-once settlement per delivery.
//
// Transports decide what channels and subscriptions map to. The
// memtransport subpackage keeps everything in process memory; the
// kafkatransport subpackage maps channels to topics and subscriptions to
// consumer groups. Delivery is at-least-once everywhere: handlers must
// tolerate duplicates.
package pubsub
