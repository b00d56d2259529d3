// Package models selects the decay regressor family from configuration.
package models

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/HatiCode/turbowatch/cmd/diagnoser/config"
	"github.com/HatiCode/turbowatch/pkg/httpx"
	"github.com/HatiCode/turbowatch/pkg/models"
)

const byomTimeout = 5 * time.Second

// New returns a constructor producing one fresh regressor per decay target.
func New(cfg *config.Config, logger *slog.Logger) (func(target string) models.Regressor, error) {
	switch cfg.Model {
	case "forest":
		fc := models.ForestConfig{
			Trees:    cfg.ForestTrees,
			MaxDepth: cfg.ForestMaxDepth,
			MinLeaf:  cfg.ForestMinLeaf,
			Seed:     cfg.Seed,
		}
		logger.Info("initializing random forest",
			"trees", fc.Trees,
			"max_depth", fc.MaxDepth,
			"min_leaf", fc.MinLeaf,
			"seed", fc.Seed,
		)
		return func(string) models.Regressor { return models.NewRandomForest(fc) }, nil

	case "linear":
		logger.Info("initializing ridge regression")
		return func(string) models.Regressor { return models.NewLinear(0) }, nil

	case "byom":
		var client *http.Client
		if cfg.TLS.Enabled {
			c, err := httpx.NewClient(cfg.TLS, byomTimeout)
			if err != nil {
				return nil, fmt.Errorf("byom client: %w", err)
			}
			client = c
		}
		logger.Info("initializing BYOM model", "url", cfg.BYOMURL, "tls", cfg.TLS.Enabled)
		return func(target string) models.Regressor {
			return models.NewBYOMModel(cfg.BYOMURL, target).WithClient(client)
		}, nil

	default:
		return nil, fmt.Errorf("invalid model type %q", cfg.Model)
	}
}
