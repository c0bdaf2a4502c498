package kafkatransport

import (
	"errors"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/fp8/gcutils/pkg/pubsub"
)

// statusFromKafka maps a kafka client error onto the pubsub status space so
// callers can classify failures without importing the kafka client. Non-kafka
// errors map to CodeInternal.
func statusFromKafka(err error, details string) error {
	if err == nil {
		return nil
	}

	code := pubsub.CodeInternal
	var kErr cKafka.Error
	if errors.As(err, &kErr) {
		code = codeFor(kErr)
	}

	return &pubsub.StatusError{Code: code, Details: details, Err: err}
}

func codeFor(err cKafka.Error) pubsub.Code {
	switch err.Code() {
	case cKafka.ErrTopicAlreadyExists:
		return pubsub.CodeAlreadyExists
	case cKafka.ErrUnknownTopicOrPart, cKafka.ErrUnknownGroup, cKafka.ErrGroupIDNotFound:
		return pubsub.CodeNotFound
	case cKafka.ErrTimedOut, cKafka.ErrRequestTimedOut:
		return pubsub.CodeDeadlineExceeded
	case cKafka.ErrQueueFull:
		return pubsub.CodeResourceExhausted
	case cKafka.ErrAllBrokersDown, cKafka.ErrBrokerNotAvailable, cKafka.ErrTransport:
		return pubsub.CodeUnavailable
	case cKafka.ErrInvalidArg, cKafka.ErrInvalidMsg, cKafka.ErrInvalidMsgSize, cKafka.ErrTopicException:
		return pubsub.CodeInvalidArgument
	}

	if err.IsRetriable() {
		return pubsub.CodeUnavailable
	}
	return pubsub.CodeInternal
}
