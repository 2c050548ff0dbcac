package bootstrap

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/patientflow/internal/config"
	"github.com/wolfman30/patientflow/internal/events"
	"github.com/wolfman30/patientflow/internal/interactions"
	"github.com/wolfman30/patientflow/internal/kvstore"
	"github.com/wolfman30/patientflow/pkg/logging"
)

const (
	sessionKeyPrefix = "patientflow:"
	dedupeKey        = "patientflow:dedupe:webhooks"
)

// BuildKVStore backs conversation and call sessions with Redis when
// available, otherwise with a bounded in-process LRU.
func BuildKVStore(cfg *appconfig.Config, rdb *redis.Client, logger *logging.Logger) kvstore.Store {
	if logger == nil {
		logger = logging.Default()
	}
	if rdb != nil {
		logger.Info("session store: redis")
		return kvstore.NewRedisStore(rdb, sessionKeyPrefix)
	}
	logger.Info("session store: memory", "capacity", cfg.SessionCacheSize)
	return kvstore.NewMemoryStore(cfg.SessionCacheSize)
}

// BuildDeduper picks the shared dedup window: Redis, then Postgres, then
// process memory.
func BuildDeduper(cfg *appconfig.Config, rdb *redis.Client, pool *pgxpool.Pool, logger *logging.Logger) events.Deduper {
	if logger == nil {
		logger = logging.Default()
	}
	switch {
	case rdb != nil:
		logger.Info("webhook dedupe: redis", "window", cfg.DedupWindow.String())
		return events.NewRedisWindow(rdb, dedupeKey, cfg.DedupWindow, cfg.DedupMaxEntries)
	case pool != nil:
		logger.Info("webhook dedupe: postgres", "window", cfg.DedupWindow.String())
		return events.NewPgWindow(pool, cfg.DedupWindow)
	default:
		logger.Info("webhook dedupe: memory", "window", cfg.DedupWindow.String(), "max_entries", cfg.DedupMaxEntries)
		return events.NewMemoryWindow(cfg.DedupWindow, cfg.DedupMaxEntries)
	}
}

// BuildInteractionStore persists message, call and audit logs in Postgres
// when a pool exists.
func BuildInteractionStore(pool *pgxpool.Pool) interactions.Logger {
	if db := BuildSQLDB(pool); db != nil {
		return interactions.NewSQLStore(db)
	}
	return interactions.NewMemoryStore()
}
