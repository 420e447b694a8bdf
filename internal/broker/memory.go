package broker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/resolvd-ai/resolvd/internal/model"
)

// MemoryBroker is an in-process partitioned broker for tests and
// single-node deployments. Each partition is a buffered channel drained
// by one goroutine, which preserves per-exception ordering.
type MemoryBroker struct {
	partitions    []chan model.Envelope
	notifications chan model.Envelope
	redeliver     int
	logger        *slog.Logger
}

// NewMemory builds a broker with n partitions. Failed handler calls are
// redelivered up to redeliver times before the message is dropped with
// an error log.
func NewMemory(n, redeliver int, logger *slog.Logger) *MemoryBroker {
	if n <= 0 {
		n = 1
	}
	if redeliver < 0 {
		redeliver = 0
	}
	parts := make([]chan model.Envelope, n)
	for i := range parts {
		parts[i] = make(chan model.Envelope, 256)
	}
	return &MemoryBroker{
		partitions:    parts,
		notifications: make(chan model.Envelope, 256),
		redeliver:     redeliver,
		logger:        logger,
	}
}

// Publish enqueues a message on its exception's partition.
func (b *MemoryBroker) Publish(ctx context.Context, env model.Envelope) error {
	p := Partition(env.ExceptionID, len(b.partitions))
	select {
	case b.partitions[p] <- env:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broker: publish: %w", ctx.Err())
	}
}

// PublishNotification enqueues a terminal notification. When nobody is
// draining the stream the oldest notification is dropped with a log,
// keeping terminal handling non-blocking.
func (b *MemoryBroker) PublishNotification(_ context.Context, env model.Envelope) error {
	for {
		select {
		case b.notifications <- env:
			return nil
		default:
		}
		select {
		case dropped := <-b.notifications:
			b.logger.Warn("broker: notification dropped, no consumer",
				"exception_id", dropped.ExceptionID,
				"event_type", string(dropped.EventType),
			)
		default:
		}
	}
}

// Notifications exposes the terminal notification stream for consumers.
func (b *MemoryBroker) Notifications() <-chan model.Envelope {
	return b.notifications
}

// Run drains every partition with its own goroutine until ctx ends.
func (b *MemoryBroker) Run(ctx context.Context, handler Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range b.partitions {
		ch := b.partitions[i]
		part := i
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case env := <-ch:
					b.deliver(ctx, part, env, handler)
				}
			}
		})
	}
	return g.Wait()
}

func (b *MemoryBroker) deliver(ctx context.Context, partition int, env model.Envelope, handler Handler) {
	var err error
	for attempt := 0; attempt <= b.redeliver; attempt++ {
		if err = handler(ctx, env); err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
	b.logger.Error("broker: message dropped after redeliveries exhausted",
		"partition", partition,
		"tenant_id", env.TenantID,
		"exception_id", env.ExceptionID,
		"message_id", env.MessageID,
		"event_type", string(env.EventType),
		"error", err,
	)
}
