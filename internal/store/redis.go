package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"xccmsync/internal/wal"
)

// RedisBackend keeps each change in a hash and tracks unsynced ids in a
// sorted set scored by timestamp. It suits a shared fallback when the
// local disk is unreliable.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to redisURL and verifies the connection.
func NewRedisBackend(redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBackendWithClient(client), nil
}

// NewRedisBackendWithClient creates a backend from an existing client.
func NewRedisBackendWithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: "xccmsync:wal:"}
}

func (r *RedisBackend) changeKey(id string) string { return r.prefix + "change:" + id }
func (r *RedisBackend) unsyncedKey() string         { return r.prefix + "unsynced" }
func (r *RedisBackend) allKey() string              { return r.prefix + "all" }

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) Put(ctx context.Context, c wal.LocalChange) error {
	ms := c.Timestamp.UnixMilli()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.changeKey(c.ID), map[string]any{
			"contextKind": c.ContextKind,
			"contextId":   c.ContextID,
			"content":     c.Content,
			"ts":          ms,
			"synced":      boolToInt(c.Synced),
		})
		pipe.ZAdd(ctx, r.allKey(), redis.Z{Score: float64(ms), Member: c.ID})
		if c.Synced {
			pipe.ZRem(ctx, r.unsyncedKey(), c.ID)
		} else {
			pipe.ZAdd(ctx, r.unsyncedKey(), redis.Z{Score: float64(ms), Member: c.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put change: %w", err)
	}
	return nil
}

func (r *RedisBackend) Get(ctx context.Context, id string) (wal.LocalChange, error) {
	fields, err := r.client.HGetAll(ctx, r.changeKey(id)).Result()
	if err != nil {
		return wal.LocalChange{}, fmt.Errorf("get change: %w", err)
	}
	if len(fields) == 0 {
		return wal.LocalChange{}, wal.ErrNotFound
	}
	return decodeHash(id, fields)
}

func decodeHash(id string, fields map[string]string) (wal.LocalChange, error) {
	ms, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		return wal.LocalChange{}, fmt.Errorf("decode %s timestamp: %w", id, err)
	}
	return wal.LocalChange{
		ID:          id,
		ContextKind: fields["contextKind"],
		ContextID:   fields["contextId"],
		Content:     fields["content"],
		Timestamp:   time.UnixMilli(ms),
		Synced:      fields["synced"] == "1",
	}, nil
}

func (r *RedisBackend) Unsynced(ctx context.Context) ([]wal.LocalChange, error) {
	return r.load(ctx, r.unsyncedKey())
}

func (r *RedisBackend) All(ctx context.Context) ([]wal.LocalChange, error) {
	return r.load(ctx, r.allKey())
}

// load reads the ids in index order and fetches their hashes in one pipeline.
func (r *RedisBackend) load(ctx context.Context, index string) ([]wal.LocalChange, error) {
	ids, err := r.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", index, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.changeKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load changes: %w", err)
	}

	out := make([]wal.LocalChange, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		c, err := decodeHash(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	wal.SortChanges(out)
	return out, nil
}

func (r *RedisBackend) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.changeKey(id))
		pipe.ZRem(ctx, r.unsyncedKey(), id)
		pipe.ZRem(ctx, r.allKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete change: %w", err)
	}
	if del.Val() == 0 {
		return wal.ErrNotFound
	}
	return nil
}

// PurgeSynced scans the timestamp index below before and deletes the
// synced entries it finds.
func (r *RedisBackend) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.allKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("purge synced: %w", err)
	}

	n := 0
	for _, id := range ids {
		synced, err := r.client.HGet(ctx, r.changeKey(id), "synced").Result()
		if errors.Is(err, redis.Nil) {
			r.client.ZRem(ctx, r.allKey(), id)
			continue
		}
		if err != nil {
			return n, fmt.Errorf("purge synced: %w", err)
		}
		if synced != "1" {
			continue
		}
		if err := r.Delete(ctx, id); err != nil && !errors.Is(err, wal.ErrNotFound) {
			return n, err
		}
		n++
	}
	return n, nil
}

// Ping checks if Redis is reachable.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
