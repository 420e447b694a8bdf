package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/resolvd-ai/resolvd/internal/model"
)

const envelopeField = "envelope"

// RedisConfig tunes the Redis Streams broker.
type RedisConfig struct {
	// StreamPrefix names the partition streams: <prefix>.<partition>.
	StreamPrefix string

	// Partitions is the number of streams. Changing it on a live
	// deployment re-shards exceptions, so pick it once.
	Partitions int

	// Group and Consumer identify this process in the consumer groups.
	Group    string
	Consumer string

	// Block bounds each read; MinIdle is how long a pending message may
	// sit unacked before another consumer reclaims it.
	Block   time.Duration
	MinIdle time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.StreamPrefix == "" {
		c.StreamPrefix = "resolvd.pipeline"
	}
	if c.Partitions <= 0 {
		c.Partitions = 4
	}
	if c.Group == "" {
		c.Group = "resolvd-workers"
	}
	if c.Consumer == "" {
		c.Consumer = "worker-1"
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.MinIdle <= 0 {
		c.MinIdle = 30 * time.Second
	}
	return c
}

// RedisBroker publishes and consumes envelopes over Redis Streams, one
// stream per partition with a consumer group each. Unacked messages are
// reclaimed after MinIdle, which gives at-least-once delivery.
type RedisBroker struct {
	client redis.UniversalClient
	cfg    RedisConfig
	logger *slog.Logger
}

func NewRedis(client redis.UniversalClient, cfg RedisConfig, logger *slog.Logger) *RedisBroker {
	return &RedisBroker{client: client, cfg: cfg.withDefaults(), logger: logger}
}

func (b *RedisBroker) stream(partition int) string {
	return fmt.Sprintf("%s.%d", b.cfg.StreamPrefix, partition)
}

// Publish appends the envelope to its exception's partition stream.
func (b *RedisBroker) Publish(ctx context.Context, env model.Envelope) error {
	raw, err := Encode(env)
	if err != nil {
		return err
	}
	p := Partition(env.ExceptionID, b.cfg.Partitions)
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(p),
		Values: map[string]any{envelopeField: string(raw)},
	}).Err(); err != nil {
		return fmt.Errorf("broker: xadd to %s: %w", b.stream(p), err)
	}
	return nil
}

// PublishNotification appends a terminal notification to the shared
// notifications stream. Delivery consumers read it with their own
// groups; it never feeds the pipeline partitions.
func (b *RedisBroker) PublishNotification(ctx context.Context, env model.Envelope) error {
	raw, err := Encode(env)
	if err != nil {
		return err
	}
	stream := b.cfg.StreamPrefix + ".notifications"
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{envelopeField: string(raw)},
	}).Err(); err != nil {
		return fmt.Errorf("broker: xadd to %s: %w", stream, err)
	}
	return nil
}

// Run consumes every partition stream until ctx ends. Each partition
// gets one goroutine, so per-exception ordering holds as long as a
// single consumer owns the group on that stream.
func (b *RedisBroker) Run(ctx context.Context, handler Handler) error {
	for p := 0; p < b.cfg.Partitions; p++ {
		if err := b.ensureGroup(ctx, b.stream(p)); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < b.cfg.Partitions; p++ {
		stream := b.stream(p)
		g.Go(func() error {
			return b.consumePartition(ctx, stream, handler)
		})
	}
	return g.Wait()
}

func (b *RedisBroker) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("broker: create group on %s: %w", stream, err)
	}
	return nil
}

func (b *RedisBroker) consumePartition(ctx context.Context, stream string, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		b.reclaimPending(ctx, stream, handler)

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    b.cfg.Block,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			b.logger.Warn("broker: read failed, retrying", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				b.handleMessage(ctx, stream, msg, handler)
			}
		}
	}
}

// reclaimPending takes over messages another consumer read but never
// acked, so a crashed worker's in-flight messages are not lost.
func (b *RedisBroker) reclaimPending(ctx context.Context, stream string, handler Handler) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  b.cfg.MinIdle,
		Start:    "0",
		Count:    16,
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			b.logger.Warn("broker: autoclaim failed", "stream", stream, "error", err)
		}
		return
	}
	for _, msg := range msgs {
		b.handleMessage(ctx, stream, msg, handler)
	}
}

func (b *RedisBroker) handleMessage(ctx context.Context, stream string, msg redis.XMessage, handler Handler) {
	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		b.logger.Error("broker: message missing envelope field, acking to discard",
			"stream", stream, "redis_id", msg.ID)
		b.ack(ctx, stream, msg.ID)
		return
	}

	env, err := Decode([]byte(raw))
	if err != nil {
		// Malformed messages never become parseable; discard them here.
		b.logger.Error("broker: discarding malformed message",
			"stream", stream, "redis_id", msg.ID, "error", err)
		b.ack(ctx, stream, msg.ID)
		return
	}

	if err := handler(ctx, env); err != nil {
		// Leave unacked; the reclaim pass redelivers after MinIdle.
		b.logger.Warn("broker: handler failed, message left pending",
			"stream", stream,
			"message_id", env.MessageID,
			"exception_id", env.ExceptionID,
			"error", err,
		)
		return
	}
	b.ack(ctx, stream, msg.ID)
}

func (b *RedisBroker) ack(ctx context.Context, stream, id string) {
	if err := b.client.XAck(ctx, stream, b.cfg.Group, id).Err(); err != nil && ctx.Err() == nil {
		b.logger.Warn("broker: ack failed", "stream", stream, "redis_id", id, "error", err)
	}
}
