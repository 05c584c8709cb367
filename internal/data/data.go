// Package data provides the storage backends and outbound clients.
// Optional backends degrade to noop implementations when not configured.
package data

import (
	"TicketForge/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewRedisClient,
	NewMySQLClient,
	NewSnapshotStore,
	NewAuditLogger,
	NewWebhookNotifier,
	NewCodeAgentClient,
	NewNoopIssueTracker,
	NewNoopSourceControl,
)

// Data contains the shared storage clients.
type Data struct {
	// redisClient is nil when Redis is not configured
	redisClient *redis.Client
	// db is nil when no audit database is configured
	db *gorm.DB
}

// NewData creates a new Data instance. Missing backends are logged, never fatal.
func NewData(_ *conf.Data, logger log.Logger, rdb *redis.Client, db *gorm.DB) (*Data, func(), error) {
	helper := log.NewHelper(log.With(logger, "module", "data"))

	if rdb == nil {
		helper.Info("Redis not configured, snapshot must use the file backend")
	}
	if db == nil {
		helper.Info("audit database not configured, audit entries go to the log only")
	}

	d := &Data{
		redisClient: rdb,
		db:          db,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
		// client cleanups are returned by NewRedisClient/NewMySQLClient and run by wire
	}

	return d, cleanup, nil
}

// GetRedisClient returns the Redis client, or nil.
func (d *Data) GetRedisClient() *redis.Client {
	if d == nil {
		return nil
	}
	return d.redisClient
}

// GetDB returns the audit database, or nil.
func (d *Data) GetDB() *gorm.DB {
	if d == nil {
		return nil
	}
	return d.db
}
