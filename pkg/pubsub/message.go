package pubsub

import (
	"context"
	"time"
)

// Message is a single delivery received from a channel.
type Message struct {
	// ID is the transport-assigned message identifier. Redeliveries of the
	// same publish carry the same ID.
	ID string

	// Data is the raw payload.
	Data []byte

	// Attributes are the key-value pairs attached at publish time.
	Attributes map[string]string

	// OrderingKey groups messages that were published with the same key.
	OrderingKey string

	// PublishTime is when the transport accepted the message.
	PublishTime time.Time

	// AckToken identifies this particular delivery for diagnostics. Its
	// format is transport specific.
	AckToken string
}

// OutboundMessage is the payload handed to a transport for publishing.
type OutboundMessage struct {
	Data        []byte
	Attributes  map[string]string
	OrderingKey string
}

// Acknowledger settles exactly one delivery. Only the first call has any
// effect; a second Ack or Nack on the same delivery is ignored.
type Acknowledger interface {
	// Ack marks the delivery as handled. The transport will not redeliver it.
	Ack()

	// Nack gives the delivery back to the transport for redelivery after the
	// subscription's retry backoff.
	Nack()
}

// Listener receives callbacks from a transport for one subscription
// attachment. Implementations must not panic; the transport does not guard
// these calls.
type Listener interface {
	// OnMessage delivers one message. The listener settles it through ack.
	OnMessage(ctx context.Context, msg *Message, ack Acknowledger)

	// OnError reports a transport failure that is not tied to a single
	// message, such as losing the broker connection.
	OnError(err error)

	// OnClose fires once when the attachment stops delivering, whether the
	// stop came from ListenerHandle.Stop or from the transport side.
	OnClose()
}

// ListenerHandle detaches a listener from its subscription.
type ListenerHandle interface {
	// Stop ends delivery to the listener. It does not wait for handler
	// invocations already in flight. Stop is idempotent.
	Stop(ctx context.Context) error
}
