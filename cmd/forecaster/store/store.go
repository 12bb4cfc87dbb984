// Package store builds the snapshot store from configuration.
package store

import (
	"log/slog"
	"os"

	"github.com/epicast/epicast/cmd/forecaster/config"
	"github.com/epicast/epicast/pkg/storage"
)

// New creates the configured storage backend. On a redis connection
// failure the process exits, matching the fail-fast startup of the rest
// of the service.
func New(cfg *config.Config, logger *slog.Logger) storage.Store {
	switch cfg.Storage {
	case "redis":
		s, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		if err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		logger.Info("using redis storage", "addr", cfg.RedisAddr, "ttl", cfg.RedisTTL)
		return s

	default:
		logger.Info("using in-memory storage")
		return storage.NewMemoryStore()
	}
}
