package store

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/config"
)

// Open constructs the configured backend. ttl bounds how long finished
// records are kept in backends that support expiry.
func Open(cfg config.StoreConfig, ttl time.Duration, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg.RedisAddr, ttl, logger)
	case "postgres":
		return NewPostgres(cfg.PostgresDSN, logger)
	case "sqlite":
		return NewSQLite(cfg.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
