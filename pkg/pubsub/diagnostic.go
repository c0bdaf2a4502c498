package pubsub

import (
	"errors"
	"time"
)

// DiagnosticPayload is a structured snapshot of a failed delivery, built for
// log fields and dead-letter records. It never carries the error text itself;
// the error travels next to the payload, not inside it. When the failure is a
// StatusError the classification fields are lifted out so downstream tooling
// can aggregate on them.
type DiagnosticPayload struct {
	Subscription string            `json:"subscription,omitempty"`
	Channel      string            `json:"channel,omitempty"`
	MessageID    string            `json:"messageId,omitempty"`
	ContentType  string            `json:"contentType,omitempty"`
	AckToken     string            `json:"ackToken,omitempty"`
	PublishTime  time.Time         `json:"publishTime,omitzero"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Received     time.Time         `json:"received"`

	// StatusCode, StatusDetails and StatusMetadata are set only when err is a
	// StatusError. StatusDetails is the status's own detail string, never the
	// rendered error message.
	StatusCode     Code              `json:"statusCode,omitempty"`
	StatusDetails  string            `json:"statusDetails,omitempty"`
	StatusMetadata map[string]string `json:"statusMetadata,omitempty"`
}

// BuildDiagnosticPayload captures what is known about a delivery at failure
// time. msg may be nil for transport-level failures; the payload then only
// identifies the subscription. The channel name is taken from the
// subscription's channel.
func BuildDiagnosticPayload(sub Subscription, msg *Message, err error, received time.Time) DiagnosticPayload {
	p := DiagnosticPayload{
		Subscription: sub.Name,
		Channel:      sub.Channel.Name,
		Received:     received,
	}
	if msg != nil {
		p.MessageID = msg.ID
		p.ContentType = msg.Attributes[AttrContentType]
		p.AckToken = msg.AckToken
		p.PublishTime = msg.PublishTime
		p.Attributes = msg.Attributes
	}
	var status *StatusError
	if errors.As(err, &status) {
		p.StatusCode = status.Code
		p.StatusDetails = status.Details
		p.StatusMetadata = status.Metadata
	}
	return p
}

// Fields returns the payload as alternating key-value pairs for structured
// logging. Empty fields are omitted.
func (p DiagnosticPayload) Fields() []any {
	fields := []any{
		"subscription", p.Subscription,
		"channel", p.Channel,
		"received", p.Received,
	}
	if p.MessageID != "" {
		fields = append(fields, "messageID", p.MessageID)
	}
	if p.ContentType != "" {
		fields = append(fields, "contentType", p.ContentType)
	}
	if p.AckToken != "" {
		fields = append(fields, "ackToken", p.AckToken)
	}
	if !p.PublishTime.IsZero() {
		fields = append(fields, "publishTime", p.PublishTime)
	}
	if len(p.Attributes) > 0 {
		fields = append(fields, "attributes", p.Attributes)
	}
	if p.StatusCode != CodeOK {
		fields = append(fields, "statusCode", int(p.StatusCode), "status", p.StatusCode.String())
	}
	if p.StatusDetails != "" {
		fields = append(fields, "statusDetails", p.StatusDetails)
	}
	if len(p.StatusMetadata) > 0 {
		fields = append(fields, "statusMetadata", p.StatusMetadata)
	}
	return fields
}
