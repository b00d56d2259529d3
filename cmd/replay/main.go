// Command replay streams recorded telemetry to a turbowatch diagnoser.
//
// Each row of the telemetry file (16 sensor columns, whitespace or comma
// separated, no header) is sent as one JSON message. The verdict is logged as
// Normal or Abnormal; rejected rows are logged with the server's error type.
//
// Usage:
//
//	replay \
//	  -url=ws://localhost:8765/ws \
//	  -file=fault_condition_data.csv \
//	  -interval=5s -history
//
// Environment variables:
//
//	DIAGNOSER_URL   - Diagnoser websocket URL (default: ws://localhost:8765/ws)
//	REPLAY_FILE     - Telemetry file (default: fault_condition_data.csv)
//	REPLAY_INTERVAL - Delay between rows (default: 5s)
//	REPLAY_LIMIT    - Stop after this many rows (default: 0, all)
//	REPLAY_HISTORY  - Request the history window at the end (default: false)
//	LOG_LEVEL       - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT      - Logging format: text, json (default: text)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/HatiCode/turbowatch/cmd/replay/config"
	"github.com/HatiCode/turbowatch/pkg/dataset"
	"github.com/HatiCode/turbowatch/pkg/logger"
	"github.com/HatiCode/turbowatch/pkg/telemetry"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg := config.ParseFlags()

	log := logger.New(cfg.LogFormat, cfg.LogLevel, "replay")
	slog.SetDefault(log)

	log.Info("starting turbowatch replay",
		"version", version,
		"url", cfg.URL,
		"file", cfg.File,
		"interval", cfg.Interval,
		"tls_enabled", cfg.TLS.Enabled,
	)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rows, err := loadRows(cfg.File, cfg.Limit)
	if err != nil {
		log.Error("failed to load telemetry", "file", cfg.File, "error", err)
		os.Exit(1)
	}

	tlsConfig, err := cfg.TLS.Client()
	if err != nil {
		log.Error("failed to create TLS config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	r := New(cfg.URL, tlsConfig, cfg.Interval, cfg.ReplyTimeout, log)
	sum, err := r.Run(ctx, rows, cfg.History)

	log.Info("replay finished",
		"sent", sum.Sent,
		"normal", sum.Normal,
		"abnormal", sum.Abnormal,
		"rejected", sum.Rejected,
		"history", sum.History,
	)

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("replay failed", "error", err)
		os.Exit(1)
	}
}

// loadRows reads telemetry rows from path, keeping at most limit rows when
// limit is positive.
func loadRows(path string, limit int) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry file: %w", err)
	}
	defer f.Close()

	rows, err := dataset.ReadRows(f, len(telemetry.FeatureNames))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errNoRows
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
