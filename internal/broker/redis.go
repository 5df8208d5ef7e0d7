package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"

	"github.com/meetmemo/pipeline/internal/db/models"
	log "github.com/meetmemo/pipeline/internal/logger"
)

const keyPrefix = "meetmemo:queue:"

// redisMessage is the list payload; the raw payload doubles as the receipt of a delivery
type redisMessage struct {
	ID      string `json:"id"`
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
}

// RedisBroker keeps every lane in a set of redis keys:
// a pending list, a processing list with a deadline zset for in-flight messages,
// a delayed zset for backoff and a dead list. Every move between keys runs as one lua script.
type RedisBroker struct {
	client *redis.Client
	opts   Options
}

// NewRedisBroker connects to the redis instance at url
func NewRedisBroker(url string, opts Options) (*RedisBroker, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisBroker{client: redis.NewClient(ropts), opts: opts.withDefaults()}, nil
}

func pendingKey(lane models.Lane) string    { return keyPrefix + lane.String() + ":pending" }
func processingKey(lane models.Lane) string { return keyPrefix + lane.String() + ":processing" }
func deadlinesKey(lane models.Lane) string  { return keyPrefix + lane.String() + ":deadlines" }
func delayedKey(lane models.Lane) string    { return keyPrefix + lane.String() + ":delayed" }
func deadKey(lane models.Lane) string       { return keyPrefix + lane.String() + ":dead" }

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Enqueue implements Broker
func (b *RedisBroker) Enqueue(ctx context.Context, lane models.Lane, jobID string) error {
	payload, err := json.Marshal(redisMessage{ID: uuid.NewString(), JobID: jobID})
	if err != nil {
		return err
	}
	if err := b.client.WithContext(ctx).LPush(pendingKey(lane), payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// reserveScript moves the oldest pending message to the processing list and stamps its deadline in one step.
// KEYS: pending, processing, deadlines. ARGV: deadline score.
var reserveScript = redis.NewScript(`
local payload = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
if not payload then
	return false
end
redis.call('ZADD', KEYS[3], ARGV[1], payload)
return payload
`)

// adoptScript gives every in-flight message without a deadline one, so it expires like any other.
// KEYS: processing, deadlines. ARGV: deadline score.
var adoptScript = redis.NewScript(`
local adopted = 0
for _, payload in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
	if not redis.call('ZSCORE', KEYS[2], payload) then
		redis.call('ZADD', KEYS[2], ARGV[1], payload)
		adopted = adopted + 1
	end
end
return adopted
`)

// redeliverScript returns an expired in-flight message to pending.
// KEYS: deadlines, processing, pending. ARGV: payload, next payload.
var redeliverScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('LREM', KEYS[2], 1, ARGV[1])
redis.call('LPUSH', KEYS[3], ARGV[2])
return 1
`)

// releaseScript promotes a due delayed message to pending.
// KEYS: delayed, pending. ARGV: payload.
var releaseScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// settleScript removes an owned delivery from the in-flight keys and optionally routes it on.
// KEYS: processing, deadlines, target. ARGV: payload, mode (ack, list, zset), next payload, score.
var settleScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
if ARGV[2] == 'list' then
	redis.call('LPUSH', KEYS[3], ARGV[3])
elseif ARGV[2] == 'zset' then
	redis.call('ZADD', KEYS[3], ARGV[4], ARGV[3])
end
return 1
`)

// Dequeue implements Broker by polling the pending list within the poll window
func (b *RedisBroker) Dequeue(ctx context.Context, lane models.Lane) (*Delivery, error) {
	c := b.client.WithContext(ctx)
	deadline := time.Now().Add(b.opts.PollInterval)
	step := b.opts.PollInterval / 4
	for {
		if err := b.promote(c, lane); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		visibleUntil := score(time.Now().Add(b.opts.VisibilityTimeout))
		keys := []string{pendingKey(lane), processingKey(lane), deadlinesKey(lane)}
		payload, err := reserveScript.Run(c, keys, visibleUntil).Text()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		default:
			var msg redisMessage
			if err := json.Unmarshal([]byte(payload), &msg); err != nil {
				// unreadable payloads can never be processed
				log.Errorf("dropping malformed message on lane %s: %v", lane, err)
				_ = settleScript.Run(c, []string{processingKey(lane), deadlinesKey(lane), deadKey(lane)},
					payload, "ack", "", 0).Err()
				return nil, ErrEmpty
			}
			return &Delivery{
				ID:      msg.ID,
				Lane:    lane,
				JobID:   msg.JobID,
				Attempt: msg.Attempt + 1,
				payload: payload,
			}, nil
		}

		if !time.Now().Before(deadline) {
			return nil, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step):
		}
	}
}

// promote moves due delayed messages and expired in-flight messages back to pending
func (b *RedisBroker) promote(c *redis.Client, lane models.Lane) error {
	nowScore := score(time.Now())
	now := strconv.FormatFloat(nowScore, 'f', 0, 64)
	due, err := c.ZRangeByScore(delayedKey(lane), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, payload := range due {
		if err := releaseScript.Run(c, []string{delayedKey(lane), pendingKey(lane)}, payload).Err(); err != nil {
			return err
		}
	}

	adopted, err := adoptScript.Run(c, []string{processingKey(lane), deadlinesKey(lane)},
		score(time.Now().Add(b.opts.VisibilityTimeout))).Int()
	if err != nil {
		return err
	}
	if adopted > 0 {
		log.Warnf("found %d in-flight messages without deadline on lane %s", adopted, lane)
	}

	expired, err := c.ZRangeByScore(deadlinesKey(lane), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, payload := range expired {
		next, err := bumpAttempt(payload)
		if err != nil {
			// keep the member out of the deadline scan; it cannot be redelivered
			c.ZRem(deadlinesKey(lane), payload)
			continue
		}
		keys := []string{deadlinesKey(lane), processingKey(lane), pendingKey(lane)}
		moved, err := redeliverScript.Run(c, keys, payload, next).Int()
		if err != nil {
			return err
		}
		if moved == 1 {
			log.Warnf("redelivering expired message on lane %s", lane)
		}
	}
	return nil
}

func bumpAttempt(payload string) (string, error) {
	var msg redisMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return "", err
	}
	msg.Attempt++
	b, err := json.Marshal(msg)
	return string(b), err
}

// settle removes an owned delivery from the in-flight keys and routes it to target in one step.
// It returns false when the delivery is no longer in flight.
func (b *RedisBroker) settle(c *redis.Client, d *Delivery, mode, target, next string, at float64) (bool, error) {
	keys := []string{processingKey(d.Lane), deadlinesKey(d.Lane), target}
	n, err := settleScript.Run(c, keys, d.payload, mode, next, at).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}

// Ack implements Broker
func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	owned, err := b.settle(b.client.WithContext(ctx), d, "ack", deadKey(d.Lane), "", 0)
	if err != nil {
		return err
	}
	if !owned {
		return fmt.Errorf("delivery %s is no longer in flight", d.ID)
	}
	return nil
}

// Nack implements Broker
func (b *RedisBroker) Nack(ctx context.Context, d *Delivery, requeue bool, delay time.Duration) error {
	next, err := bumpAttempt(d.payload)
	if err != nil {
		return err
	}

	mode, target, at := "list", pendingKey(d.Lane), float64(0)
	switch {
	case !requeue:
		target = deadKey(d.Lane)
	case delay > 0:
		mode, target, at = "zset", delayedKey(d.Lane), score(time.Now().Add(delay))
	}
	owned, err := b.settle(b.client.WithContext(ctx), d, mode, target, next, at)
	if err != nil {
		return err
	}
	if !owned {
		return fmt.Errorf("delivery %s is no longer in flight", d.ID)
	}
	return nil
}

// Ping implements Broker
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.WithContext(ctx).Ping().Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close implements Broker
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
