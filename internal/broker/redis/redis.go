// Package redis adapts the broker contract onto Redis. Scheduling state is
// split across a ready list, a delayed zset, and an in-flight zset keyed by
// visibility deadline; message envelopes live in per-message string keys.
// Expired in-flight entries are reaped back into the ready list on every
// dequeue scan, which is what makes delivery at-least-once.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/jobqueue-be/internal/broker"
)

// promoteBatch bounds how many due messages one scan moves to ready.
const promoteBatch = 100

// dequeueScript atomically pops a ready message and marks it in flight so a
// consumer crash between the two steps cannot lose the message.
var dequeueScript = goredis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

// Config holds Redis broker settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// Broker is a Redis-backed queue broker.
type Broker struct {
	client       *goredis.Client
	logger       *slog.Logger
	keys         keys
	pollInterval time.Duration
}

var _ broker.Broker = (*Broker)(nil)

// New connects to Redis and returns a broker.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Broker, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = "jobqueue"
	}

	logger.Info("Connected to Redis",
		slog.String("addr", cfg.Addr),
		slog.String("namespace", ns),
	)

	return &Broker{
		client:       client,
		logger:       logger,
		keys:         keys{ns: ns},
		pollInterval: 250 * time.Millisecond,
	}, nil
}

// Enqueue stores the envelope and schedules its first visibility.
func (b *Broker) Enqueue(ctx context.Context, msg *broker.Message, opts broker.EnqueueOptions) (string, error) {
	m := *msg
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	body, err := json.Marshal(&m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message envelope: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.keys.message(m.ID), body, 0)
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, b.keys.delayed(), goredis.Z{
			Score:  float64(time.Now().Add(opts.Delay).UnixMilli()),
			Member: m.ID,
		})
	} else {
		pipe.LPush(ctx, b.keys.ready(), m.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}

	return m.ID, nil
}

// Dequeue blocks until a message is available or the context ends.
func (b *Broker) Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*broker.Message, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		msg, err := b.claimNext(ctx, visibilityTimeout)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (b *Broker) claimNext(ctx context.Context, visibilityTimeout time.Duration) (*broker.Message, error) {
	now := time.Now()

	if err := b.promoteDue(ctx, b.keys.delayed(), now); err != nil {
		return nil, err
	}
	if err := b.promoteDue(ctx, b.keys.inflight(), now); err != nil {
		return nil, err
	}

	deadline := now.Add(visibilityTimeout).UnixMilli()
	res, err := dequeueScript.Run(ctx, b.client,
		[]string{b.keys.ready(), b.keys.inflight()},
		deadline,
	).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}

	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}

	body, err := b.client.Get(ctx, b.keys.message(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		// Envelope vanished (acked by a racing consumer); drop the stray
		// scheduling entry and keep scanning.
		b.client.ZRem(ctx, b.keys.inflight(), id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}

	var msg broker.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		b.logger.Error("Failed to parse message envelope, dropping",
			slog.String("message_id", id),
			slog.Any("error", err),
		)
		b.remove(ctx, id)
		return nil, nil
	}

	return &msg, nil
}

// promoteDue moves members of a scheduling zset whose score has passed back
// into the ready list.
func (b *Broker) promoteDue(ctx context.Context, zsetKey string, now time.Time) error {
	ids, err := b.client.ZRangeByScore(ctx, zsetKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return nil
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, zsetKey, id)
		pipe.LPush(ctx, b.keys.ready(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}
	return nil
}

// Ack permanently removes the message.
func (b *Broker) Ack(ctx context.Context, messageID string) error {
	exists, err := b.client.Exists(ctx, b.keys.message(messageID)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}
	if exists == 0 {
		return broker.ErrMessageNotFound
	}
	return b.remove(ctx, messageID)
}

// Requeue reschedules the message after delay with the attempt count
// incremented, or removes it once the budget is spent.
func (b *Broker) Requeue(ctx context.Context, messageID string, delay time.Duration) error {
	body, err := b.client.Get(ctx, b.keys.message(messageID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return broker.ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}

	var msg broker.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to parse message envelope: %w", err)
	}

	if msg.AttemptsMade+1 >= msg.MaxAttempts {
		if err := b.remove(ctx, messageID); err != nil {
			return err
		}
		return broker.ErrAttemptsExhausted
	}

	msg.AttemptsMade++
	next, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message envelope: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.keys.message(messageID), next, 0)
	pipe.ZRem(ctx, b.keys.inflight(), messageID)
	pipe.ZAdd(ctx, b.keys.delayed(), goredis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: messageID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}
	return nil
}

func (b *Broker) remove(ctx context.Context, messageID string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.keys.message(messageID))
	pipe.ZRem(ctx, b.keys.inflight(), messageID)
	pipe.ZRem(ctx, b.keys.delayed(), messageID)
	pipe.LRem(ctx, b.keys.ready(), 0, messageID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}
	return nil
}

// Close releases the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}
