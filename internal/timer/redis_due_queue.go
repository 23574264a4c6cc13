package timer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDueQueue keeps pending timers in a sorted set scored by fire time in
// unix milliseconds. Members are "<runID>|<timerID>".
type RedisDueQueue struct {
	client *redis.Client
	key    string
}

var _ DueQueue = (*RedisDueQueue)(nil)

// popDueScript claims due members atomically so two sweepers never pop the
// same entry.
var popDueScript = redis.NewScript(`
local items
if tonumber(ARGV[2]) > 0 then
  items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, ARGV[2])
else
  items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES')
end
for i = 1, #items, 2 do
  redis.call('ZREM', KEYS[1], items[i])
end
return items
`)

// NewRedisDueQueue creates a RedisDueQueue.
// prefix is optional but recommended (e.g. "waypoint:").
func NewRedisDueQueue(client *redis.Client, prefix string) *RedisDueQueue {
	if prefix == "" {
		prefix = "waypoint:"
	}
	return &RedisDueQueue{client: client, key: prefix + "timers"}
}

func (q *RedisDueQueue) Add(ctx context.Context, e Entry) error {
	return q.client.ZAddNX(ctx, q.key, redis.Z{
		Score:  float64(e.FireAt.UnixMilli()),
		Member: e.key(),
	}).Err()
}

func (q *RedisDueQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	items, err := popDueScript.Run(ctx, q.client, []string{q.key},
		strconv.FormatInt(now.UnixMilli(), 10), limit,
	).StringSlice()
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		runID, timerID, ok := strings.Cut(items[i], "|")
		if !ok {
			return out, fmt.Errorf("malformed timer member %q", items[i])
		}
		score, err := strconv.ParseFloat(items[i+1], 64)
		if err != nil {
			return out, fmt.Errorf("timer %q score: %w", items[i], err)
		}
		out = append(out, Entry{
			RunID:   runID,
			TimerID: timerID,
			FireAt:  time.UnixMilli(int64(score)).UTC(),
		})
	}
	return out, nil
}

func (q *RedisDueQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	return int(n), err
}
