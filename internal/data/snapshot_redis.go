package data

import (
	"context"
	"errors"
	"fmt"

	"TicketForge/internal/model"

	"github.com/redis/go-redis/v9"
)

// DefaultSnapshotKey is used when no redis_key is configured.
const DefaultSnapshotKey = "ticketforge:tracker:snapshot"

// RedisSnapshotRepo keeps the snapshot JSON under a single Redis key. SET
// replaces the value atomically.
type RedisSnapshotRepo struct {
	rdb *redis.Client
	key string
}

// NewRedisSnapshotRepo creates a Redis backend.
func NewRedisSnapshotRepo(rdb *redis.Client, key string) *RedisSnapshotRepo {
	if key == "" {
		key = DefaultSnapshotKey
	}
	return &RedisSnapshotRepo{rdb: rdb, key: key}
}

func (r *RedisSnapshotRepo) Backend() string { return SnapshotBackendRedis }

// Load reads the snapshot; a missing key is an empty snapshot.
func (r *RedisSnapshotRepo) Load(ctx context.Context) (map[string]*model.TicketRecord, error) {
	b, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return map[string]*model.TicketRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	records, err := decodeSnapshot(b)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", r.key, err)
	}
	return records, nil
}

// Save replaces the snapshot.
func (r *RedisSnapshotRepo) Save(ctx context.Context, records map[string]*model.TicketRecord) error {
	b, err := encodeSnapshot(records)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.key, b, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisSnapshotRepo) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
