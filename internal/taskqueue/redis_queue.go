package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a coalescing queue on Redis.
//
//	<prefix>queue          => LIST of run ids in FIFO order
//	<prefix>queue:reasons  => HASH run id -> comma separated reasons
//
// A run id is pushed only when it has no reasons entry yet; both steps run
// in one Lua script so a concurrent claim cannot strand a run.
type RedisQueue struct {
	client     *redis.Client
	listKey    string
	reasonsKey string
	block      time.Duration
}

var enqueueScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[2], ARGV[1])
if existing then
  redis.call('HSET', KEYS[2], ARGV[1], existing .. ',' .. ARGV[2])
  return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

var claimScript = redis.NewScript(`
local r = redis.call('HGET', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
return r
`)

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "waypoint:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "waypoint:"
	}
	return &RedisQueue{
		client:     client,
		listKey:    prefix + "queue",
		reasonsKey: prefix + "queue:reasons",
		block:      time.Second,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	if t.RunID == "" {
		return errors.New("enqueue: empty run id")
	}
	return enqueueScript.Run(ctx, q.client,
		[]string{q.listKey, q.reasonsKey},
		t.RunID, joinReasons(t.Reasons),
	).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		res, err := q.client.BLPop(ctx, q.block, q.listKey).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		runID := res[1]

		reasons, err := claimScript.Run(ctx, q.client, []string{q.reasonsKey}, runID).Text()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		return &Task{
			RunID:      runID,
			Reasons:    splitReasons(reasons),
			EnqueuedAt: time.Now(),
		}, nil
	}
}

func (q *RedisQueue) Len() int {
	n, err := q.client.LLen(context.Background(), q.listKey).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
