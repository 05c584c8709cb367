package data

import (
	"context"
	"fmt"

	"TicketForge/internal/conf"
	"TicketForge/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	SnapshotBackendFile  = "file"
	SnapshotBackendRedis = "redis"
)

type snapshotBackend interface {
	Load(ctx context.Context) (map[string]*model.TicketRecord, error)
	Save(ctx context.Context, records map[string]*model.TicketRecord) error
	Ping(ctx context.Context) error
	Backend() string
}

// SnapshotStore is the configured ticket snapshot backend (biz.SnapshotRepo).
type SnapshotStore struct {
	snapshotBackend
}

// NewSnapshotStore selects the backend named in config.
func NewSnapshotStore(c *conf.Data, d *Data, logger log.Logger) (*SnapshotStore, error) {
	sc := &conf.Snapshot{Backend: SnapshotBackendFile, Path: "ticket_tracking.json"}
	if c != nil && c.Snapshot != nil {
		sc = c.Snapshot
	}

	switch sc.Backend {
	case "", SnapshotBackendFile:
		return &SnapshotStore{NewFileSnapshotRepo(sc.Path, logger)}, nil
	case SnapshotBackendRedis:
		var rdb *redis.Client
		if d != nil {
			rdb = d.GetRedisClient()
		}
		if rdb == nil {
			return nil, fmt.Errorf("snapshot backend redis needs data.redis.addr")
		}
		return &SnapshotStore{NewRedisSnapshotRepo(rdb, sc.RedisKey)}, nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend: %s", sc.Backend)
	}
}
