package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/waypoint/pkg/api"
)

// RedisHistoryStore is a HistoryStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>run:<id>:events => LIST of JSON encoded events (index = seq-1)
//	<prefix>run:<id>        => HASH of run metadata
//	<prefix>runs:all        => ZSET of run ids scored by creation time
//	<prefix>runs:open       => SET of run ids without a terminal event
//
// Appends WATCH the event list and compare its length with the expected
// sequence number before pushing in a MULTI/EXEC block.
type RedisHistoryStore struct {
	client *redis.Client
	prefix string
}

var _ HistoryStore = (*RedisHistoryStore)(nil)

// NewRedisHistoryStore creates a RedisHistoryStore.
// prefix is optional but recommended (e.g. "waypoint:").
func NewRedisHistoryStore(client *redis.Client, prefix string) *RedisHistoryStore {
	if prefix == "" {
		prefix = "waypoint:"
	}
	return &RedisHistoryStore{client: client, prefix: prefix}
}

func (r *RedisHistoryStore) keyEvents(id string) string { return r.prefix + "run:" + id + ":events" }
func (r *RedisHistoryStore) keyRun(id string) string    { return r.prefix + "run:" + id }
func (r *RedisHistoryStore) keyAll() string             { return r.prefix + "runs:all" }
func (r *RedisHistoryStore) keyOpen() string            { return r.prefix + "runs:open" }

func (r *RedisHistoryStore) Append(ctx context.Context, runID string, expectedSeq int64, events ...api.HistoryEvent) (int64, error) {
	batch, err := prepareAppend(runID, expectedSeq, events)
	if err != nil {
		return 0, err
	}
	encoded := make([]any, len(batch))
	for i, ev := range batch {
		b, err := json.Marshal(ev)
		if err != nil {
			return 0, err
		}
		encoded[i] = b
	}
	last := batch[len(batch)-1]
	terminal := last.Type.IsTerminal()

	var rec RunRecord
	if expectedSeq == 0 {
		if rec, err = newRunRecord(batch[0]); err != nil {
			return 0, err
		}
	}

	eventsKey := r.keyEvents(runID)
	runKey := r.keyRun(runID)

	var conflict error
	txf := func(tx *redis.Tx) error {
		n, err := tx.LLen(ctx, eventsKey).Result()
		if err != nil {
			return err
		}
		if n != expectedSeq {
			conflict = &api.ConcurrentWriteError{RunID: runID, Expected: expectedSeq, Actual: n}
			return nil
		}
		if n > 0 {
			t, err := tx.HGet(ctx, runKey, "terminal").Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if t == "1" {
				conflict = api.ErrRunTerminated
				return nil
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, eventsKey, encoded...)
			pipe.HSet(ctx, runKey,
				"last_seq", last.Seq,
				"terminal", boolToInt(terminal),
				"updated_at", last.At.UnixNano(),
			)
			if expectedSeq == 0 {
				pipe.HSet(ctx, runKey,
					"workflow", rec.Workflow,
					"run_key", rec.RunKey,
					"created_at", rec.CreatedAt.UnixNano(),
				)
				pipe.ZAdd(ctx, r.keyAll(), redis.Z{Score: float64(rec.CreatedAt.UnixNano()), Member: runID})
				if !terminal {
					pipe.SAdd(ctx, r.keyOpen(), runID)
				}
			}
			if terminal {
				pipe.SRem(ctx, r.keyOpen(), runID)
			}
			return nil
		})
		return err
	}

	if err := r.client.Watch(ctx, txf, eventsKey); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			actual, _ := r.client.LLen(ctx, eventsKey).Result()
			return 0, &api.ConcurrentWriteError{RunID: runID, Expected: expectedSeq, Actual: actual}
		}
		return 0, err
	}
	if conflict != nil {
		return 0, conflict
	}
	return last.Seq, nil
}

func (r *RedisHistoryStore) Load(ctx context.Context, runID string) ([]api.HistoryEvent, error) {
	items, err := r.client.LRange(ctx, r.keyEvents(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, api.ErrRunNotFound
	}
	out := make([]api.HistoryEvent, 0, len(items))
	for _, item := range items {
		var ev api.HistoryEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (r *RedisHistoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	var (
		ids []string
		err error
	)
	if filter.OpenOnly {
		ids, err = r.client.SMembers(ctx, r.keyOpen()).Result()
	} else {
		ids, err = r.client.ZRange(ctx, r.keyAll(), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	out := make([]RunRecord, 0, len(ids))
	for _, id := range ids {
		fields, err := r.client.HGetAll(ctx, r.keyRun(id)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		rec := redisRunRecord(id, fields)
		if filter.match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func redisRunRecord(id string, f map[string]string) RunRecord {
	lastSeq, _ := strconv.ParseInt(f["last_seq"], 10, 64)
	created, _ := strconv.ParseInt(f["created_at"], 10, 64)
	updated, _ := strconv.ParseInt(f["updated_at"], 10, 64)
	return RunRecord{
		ID:        id,
		Workflow:  f["workflow"],
		RunKey:    f["run_key"],
		LastSeq:   lastSeq,
		Terminal:  f["terminal"] == "1",
		CreatedAt: time.Unix(0, created).UTC(),
		UpdatedAt: time.Unix(0, updated).UTC(),
	}
}

// RedisHookIndex stores one JSON value per token under <prefix>hook:<token>.
// SETNX provides the unique insert.
type RedisHookIndex struct {
	client *redis.Client
	prefix string
}

var _ HookIndex = (*RedisHookIndex)(nil)

func NewRedisHookIndex(client *redis.Client, prefix string) *RedisHookIndex {
	if prefix == "" {
		prefix = "waypoint:"
	}
	return &RedisHookIndex{client: client, prefix: prefix}
}

func (x *RedisHookIndex) key(token string) string { return x.prefix + "hook:" + token }

func (x *RedisHookIndex) Insert(ctx context.Context, rec HookRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, err := x.client.SetNX(ctx, x.key(rec.Token), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		owner := ""
		if existing, err := x.Get(ctx, rec.Token); err == nil {
			owner = existing.RunID
		}
		return &api.DuplicateTokenError{Token: rec.Token, OwnerRunID: owner}
	}
	return nil
}

func (x *RedisHookIndex) Get(ctx context.Context, token string) (HookRecord, error) {
	data, err := x.client.Get(ctx, x.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return HookRecord{}, ErrHookNotFound
		}
		return HookRecord{}, err
	}
	var rec HookRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return HookRecord{}, err
	}
	return rec, nil
}

func (x *RedisHookIndex) MarkResolved(ctx context.Context, token string) error {
	rec, err := x.Get(ctx, token)
	if err != nil {
		return err
	}
	rec.Resolved = true
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return x.client.Set(ctx, x.key(token), data, redis.KeepTTL).Err()
}

func (x *RedisHookIndex) Delete(ctx context.Context, token string) error {
	return x.client.Del(ctx, x.key(token)).Err()
}
