// Package broker carries pipeline messages between stage dispatches.
// Messages are partitioned by exception id so each exception is always
// processed by exactly one worker, in order. Delivery is at-least-once;
// deduplication is the event store's job.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/resolvd-ai/resolvd/internal/model"
)

// ErrMalformedEnvelope means a message failed decoding or is missing a
// required field. Malformed messages are parked, never retried.
var ErrMalformedEnvelope = errors.New("broker: malformed envelope")

// Handler processes one delivered message. A nil return acknowledges the
// message; an error leaves it for redelivery.
type Handler func(ctx context.Context, env model.Envelope) error

// Publisher sends a message into the pipeline.
type Publisher interface {
	Publish(ctx context.Context, env model.Envelope) error
}

// Notifier publishes terminal notifications on a stream outside the
// pipeline. Notification delivery is an external collaborator; it
// consumes this stream, never the pipeline partitions.
type Notifier interface {
	PublishNotification(ctx context.Context, env model.Envelope) error
}

// Consumer delivers messages to a handler until ctx ends.
type Consumer interface {
	Run(ctx context.Context, handler Handler) error
}

// Encode serializes an envelope to its JSON wire form.
func Encode(env model.Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("broker: encode envelope: %w", err)
	}
	return raw, nil
}

// Decode parses and validates a wire envelope.
func Decode(raw []byte) (model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if env.TenantID == "" || env.ExceptionID == "" || env.MessageID == "" || env.EventType == "" {
		return model.Envelope{}, fmt.Errorf("%w: missing required field", ErrMalformedEnvelope)
	}
	return env, nil
}

// Partition maps an exception id onto one of n partitions. All messages
// of one exception land in the same partition.
func Partition(exceptionID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(exceptionID))
	return int(h.Sum32() % uint32(n))
}
