package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bulkimg/internal/models"
)

const (
	payloadField = "payload"
	claimBatch   = 10
)

// StreamClient is the subset of redis.UniversalClient used by the stream
// producer and consumer.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaimJustID(ctx context.Context, a *redis.XClaimArgs) *redis.StringSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// NewRedisClient parses cfg.URL (redis://[:password@]host:port/db).
func NewRedisClient(cfg models.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

type RedisProducer struct {
	rc     StreamClient
	stream string
	maxLen int64
}

func NewRedisProducer(rc StreamClient, cfg models.RedisConfig) *RedisProducer {
	return &RedisProducer{rc: rc, stream: cfg.Stream, maxLen: cfg.MaxLen}
}

// Enqueue appends the job to the stream.
func (p *RedisProducer) Enqueue(ctx context.Context, job models.Job) error {
	const op = "queue.RedisProducer.Enqueue"
	payload, err := Encode(job)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err = p.rc.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{payloadField: string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (p *RedisProducer) Close() error { return nil }

// RedisConsumer reads from a stream consumer group. Entries stay in the
// group's pending list until acked; entries idle longer than MinIdle are
// claimed from crashed consumers before new entries are read. Deliveries
// carry a lease that resets the entry's idle time every MinIdle/3, so a live
// consumer's entries are never claimed while it is still working on them.
type RedisConsumer struct {
	rc       StreamClient
	cfg      models.RedisConfig
	consumer string
	log      zerolog.Logger

	groupOnce sync.Once
	groupErr  error
	claimNext string
	claimAt   time.Time
	backlog   []redis.XMessage
}

func NewRedisConsumer(rc StreamClient, cfg models.RedisConfig, consumer string, log zerolog.Logger) *RedisConsumer {
	return &RedisConsumer{rc: rc, cfg: cfg, consumer: consumer, log: log, claimNext: "0-0"}
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	c.groupOnce.Do(func() {
		err := c.rc.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
		// BUSYGROUP means the group already exists.
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			c.groupErr = err
		}
	})
	return c.groupErr
}

func (c *RedisConsumer) Receive(ctx context.Context) (*Delivery, error) {
	const op = "queue.RedisConsumer.Receive"
	if err := c.ensureGroup(ctx); err != nil {
		return nil, fmt.Errorf("%s: ensure group: %w", op, err)
	}

	for {
		if len(c.backlog) == 0 {
			if err := c.fill(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			continue
		}

		msg := c.backlog[0]
		c.backlog = c.backlog[1:]

		raw, _ := msg.Values[payloadField].(string)
		job, err := Decode([]byte(raw))
		if err != nil {
			c.log.Error().Err(err).Str("message", msg.ID).Msg("queue: dropping undecodable job")
			if err := c.ack(ctx, msg.ID); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			continue
		}

		id := msg.ID
		d := NewDelivery(job, id, func(ctx context.Context) error { return c.ack(ctx, id) })
		return d.WithLease(c.cfg.MinIdle/3, func(ctx context.Context) error { return c.extend(ctx, id) }), nil
	}
}

// fill loads the next batch: orphaned entries first, then one new entry.
func (c *RedisConsumer) fill(ctx context.Context) error {
	if !time.Now().Before(c.claimAt) {
		msgs, next, err := c.rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			Consumer: c.consumer,
			MinIdle:  c.cfg.MinIdle,
			Start:    c.claimNext,
			Count:    claimBatch,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if len(msgs) > 0 {
			c.log.Warn().Int("count", len(msgs)).Str("consumer", c.consumer).Msg("queue: reclaimed idle deliveries")
			c.backlog = append(c.backlog, msgs...)
		}
		if next == "0-0" || next == "" {
			// Scan finished; rescan after the next idle window.
			c.claimNext = "0-0"
			c.claimAt = time.Now().Add(c.cfg.MinIdle)
		} else {
			c.claimNext = next
		}
		if len(c.backlog) > 0 {
			return nil
		}
	}

	streams, err := c.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    1,
		Block:    c.cfg.BlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	for _, s := range streams {
		c.backlog = append(c.backlog, s.Messages...)
	}
	return nil
}

// extend resets the idle time of an entry this consumer still owns. XCLAIM
// to ourselves with no min idle is what resets it; the pending check keeps
// us from taking back an entry another consumer has already claimed.
func (c *RedisConsumer) extend(ctx context.Context, id string) error {
	pending, err := c.rc.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return err
	}
	if len(pending) == 0 || pending[0].Consumer != c.consumer {
		return ErrLeaseLost
	}
	return c.rc.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.consumer,
		Messages: []string{id},
	}).Err()
}

func (c *RedisConsumer) ack(ctx context.Context, id string) error {
	return c.rc.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err()
}

func (c *RedisConsumer) Close() error { return nil }
