// Package store selects the history backend from configuration.
package store

import (
	"fmt"
	"log/slog"

	"github.com/HatiCode/turbowatch/cmd/diagnoser/config"
	"github.com/HatiCode/turbowatch/pkg/history"
)

// New returns the configured history store. Redis stores must be closed by
// the caller.
func New(cfg *config.Config, logger *slog.Logger) (history.Store, error) {
	switch cfg.HistoryBackend {
	case "memory", "":
		logger.Info("using in-memory history", "capacity", cfg.HistoryCapacity)
		return history.NewMemoryStore(cfg.HistoryCapacity), nil

	case "redis":
		logger.Info("using redis history",
			"addr", cfg.RedisAddr,
			"db", cfg.RedisDB,
			"key", cfg.RedisKey,
			"capacity", cfg.HistoryCapacity,
		)
		s, err := history.NewRedisStore(history.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
			Capacity: cfg.HistoryCapacity,
		})
		if err != nil {
			return nil, fmt.Errorf("create redis history: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("invalid history backend %q", cfg.HistoryBackend)
	}
}
