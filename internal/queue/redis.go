package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/courier/internal/logging"
)

// moveDueScript moves up to ARGV[2] members with score <= ARGV[1] from the delayed set to the
// ready list. Members removed by another worker first are skipped, so each moves once.
var moveDueScript = redis.NewScript(`
local due = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
local moved = 0
for _, m in ipairs(due) do
    if redis.call("zrem", KEYS[1], m) == 1 then
        redis.call("rpush", KEYS[2], m)
        moved = moved + 1
    end
end
return moved
`)

const moveBatch = 100

// Redis is a delayed queue: a ready LIST, a delayed ZSET scored by due time in unix
// milliseconds, and a dead letter LIST. Workers BLMOVE each message into their own processing
// LIST and remove it once handled, so a message taken by a worker that dies is put back on
// the ready list when that worker starts again.
type Redis struct {
	rdb          redis.UniversalClient
	prefix       string
	consumerID   string
	concurrency  int
	pollInterval time.Duration
	now          func() time.Time
	logger       *logging.Logger
}

// RedisConfig tunes the Redis backend
type RedisConfig struct {
	KeyPrefix    string
	ConsumerID   string
	Concurrency  int
	PollInterval time.Duration
}

func NewRedis(rdb redis.UniversalClient, cfg RedisConfig, logger *logging.Logger) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "courier"
	}
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = "worker"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logging.New("courier-queue")
	}
	return &Redis{
		rdb:          rdb,
		prefix:       cfg.KeyPrefix,
		consumerID:   cfg.ConsumerID,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		now:          time.Now,
		logger:       logger,
	}
}

func (q *Redis) ReadyKey() string   { return q.prefix + ":queue:ready" }
func (q *Redis) DelayedKey() string { return q.prefix + ":queue:delayed" }
func (q *Redis) DLQKey() string     { return q.prefix + ":queue:dlq" }

// ProcessingKey holds the messages this consumer has taken but not finished
func (q *Redis) ProcessingKey() string { return q.prefix + ":queue:processing:" + q.consumerID }

func (q *Redis) Enqueue(ctx context.Context, taskID int64, delay time.Duration) error {
	return q.push(ctx, NewMessage(ctx, taskID, delay, q.now()))
}

func (q *Redis) push(ctx context.Context, m Message) error {
	body, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode dispatch message: %w", err)
	}
	if m.Remaining(q.now()) <= 0 {
		err = q.rdb.RPush(ctx, q.ReadyKey(), body).Err()
	} else {
		err = q.rdb.ZAdd(ctx, q.DelayedKey(), redis.Z{
			Score:  float64(m.NotBefore.UnixMilli()),
			Member: body,
		}).Err()
	}
	if err != nil {
		return fmt.Errorf("redis enqueue task %d: %w", m.TaskID, err)
	}
	return nil
}

// MoveDue promotes due delayed messages to the ready list and returns how many moved
func (q *Redis) MoveDue(ctx context.Context) (int, error) {
	res, err := moveDueScript.Run(ctx, q.rdb,
		[]string{q.DelayedKey(), q.ReadyKey()},
		strconv.FormatInt(q.now().UnixMilli(), 10), moveBatch,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("move due messages: %w", err)
	}
	return res, nil
}

// Depth counts ready plus delayed messages
func (q *Redis) Depth(ctx context.Context) (int64, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, q.ReadyKey())
	delayed := pipe.ZCard(ctx, q.DelayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return ready.Val() + delayed.Val(), nil
}

func (q *Redis) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return q.rdb.RPush(ctx, q.DLQKey(), b).Err()
}

// ListDeadLetters returns up to limit dead letters, oldest first
func (q *Redis) ListDeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.rdb.LRange(ctx, q.DLQKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Recover moves messages left in this consumer's processing list back to the head of the
// ready list and returns how many moved
func (q *Redis) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.rdb.LMove(ctx, q.ProcessingKey(), q.ReadyKey(), "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover in-flight messages: %w", err)
		}
		moved++
	}
}

// Consume puts back messages a previous run left in flight, then runs the delayed-set mover
// and concurrency pop loops until ctx is done
func (q *Redis) Consume(ctx context.Context, h Handler) error {
	n, err := q.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		q.logger.Plain().WithField("count", n).Warn("requeued messages left in flight by a previous run")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(q.pollInterval)
		defer ticker.Stop()
		for {
			if _, err := q.MoveDue(ctx); err != nil && ctx.Err() == nil {
				q.logger.Plain().WithError(err).Warn("delayed queue scan failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.popLoop(ctx, h)
		}()
	}

	wg.Wait()
	return nil
}

func (q *Redis) popLoop(ctx context.Context, h Handler) {
	for ctx.Err() == nil {
		body, err := q.rdb.BLMove(ctx, q.ReadyKey(), q.ProcessingKey(), "LEFT", "RIGHT", time.Second).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.logger.Plain().WithError(err).Warn("ready queue pop failed")
			select {
			case <-ctx.Done():
			case <-time.After(q.pollInterval):
			}
			continue
		}
		q.handle(ctx, h, []byte(body))
		// ctx may already be cancelled during shutdown; the handled message must still leave the list
		if err := q.rdb.LRem(context.WithoutCancel(ctx), q.ProcessingKey(), 1, body).Err(); err != nil {
			q.logger.Plain().WithError(err).Warn("in-flight message not cleared, it will be redelivered")
		}
	}
}

func (q *Redis) handle(ctx context.Context, h Handler, body []byte) {
	m, err := DecodeMessage(body)
	if err != nil {
		q.logger.Plain().WithError(err).Error("bad dispatch payload")
		return
	}
	err = h(m.Context(ctx), m)
	if err == nil {
		return
	}
	entry := q.logger.WithContext(ctx).WithTask(m.TaskID).WithError(err)
	if !ShouldRedeliver(err) {
		entry.Error("dispatch failed, dropping message")
		return
	}
	entry.Warn("dispatch failed, redelivering")
	m.NotBefore = q.now().Add(redeliverDelay)
	// ctx may already be cancelled during shutdown; the message must still be put back
	if perr := q.push(context.WithoutCancel(ctx), m); perr != nil {
		entry.WithField("push_error", perr.Error()).Error("redelivery failed, message lost")
	}
}
