// Package config provides configuration parsing for the diagnoser.
//
// Values come from command-line flags, falling back to environment variables
// and then to defaults. Validate reports every problem that would make startup
// fail before any model is trained.
//
// Example usage:
//
//	cfg := config.ParseFlags()
//	if err := cfg.Validate(); err != nil {
//		// exit
//	}
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/HatiCode/turbowatch/pkg/diagnosis"
	"github.com/HatiCode/turbowatch/pkg/tls"
)

// Config holds all diagnoser configuration.
type Config struct {
	Listen     string
	GRPCListen string
	LogFormat  string
	LogLevel   string
	TLS        tls.Config

	TrainingData   string
	Model          string
	ForestTrees    int
	ForestMaxDepth int
	ForestMinLeaf  int
	Seed           uint64
	BYOMURL        string

	RulesFile   string
	Attribution string

	HistoryBackend  string
	HistoryCapacity int
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisKey        string

	AuditLog   string
	AuditFsync bool

	ClientIdleTimeout time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
}

// ParseFlags parses command-line flags and environment variables into a Config.
func ParseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8765"), "Websocket and HTTP listen address")
	flag.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ":50051"), "gRPC health listen address (empty disables)")
	flag.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	flag.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable mutual TLS on the listener")
	flag.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	flag.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	flag.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "TLS CA certificate file for client verification")

	flag.StringVar(&cfg.TrainingData, "training-data", getEnv("TRAINING_DATA", "navalplantmaintenance.csv"), "Training data file (18 whitespace-separated columns)")
	flag.StringVar(&cfg.Model, "model", getEnv("MODEL", "forest"), "Decay model: forest, linear, or byom")
	flag.IntVar(&cfg.ForestTrees, "forest-trees", getEnvInt("FOREST_TREES", 100), "Number of trees in the random forest")
	flag.IntVar(&cfg.ForestMaxDepth, "forest-max-depth", getEnvInt("FOREST_MAX_DEPTH", 0), "Maximum tree depth (0 = unlimited)")
	flag.IntVar(&cfg.ForestMinLeaf, "forest-min-leaf", getEnvInt("FOREST_MIN_LEAF", 1), "Minimum samples per leaf")
	flag.Uint64Var(&cfg.Seed, "seed", getEnvUint64("SEED", 42), "Random seed for model training")
	flag.StringVar(&cfg.BYOMURL, "byom-url", getEnv("BYOM_URL", ""), "BYOM service URL (required when model=byom)")

	flag.StringVar(&cfg.RulesFile, "rules-file", getEnv("RULES_FILE", ""), "YAML threshold rule table (default: built-in envelope)")
	flag.StringVar(&cfg.Attribution, "attribution", getEnv("ATTRIBUTION", string(diagnosis.Shared)), "Fault attribution: shared or subsystem")

	flag.StringVar(&cfg.HistoryBackend, "history-backend", getEnv("HISTORY_BACKEND", "memory"), "History backend: memory or redis")
	flag.IntVar(&cfg.HistoryCapacity, "history-capacity", getEnvInt("HISTORY_CAPACITY", 100), "Number of processed messages retained in history")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	flag.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	flag.StringVar(&cfg.RedisKey, "redis-key", getEnv("REDIS_KEY", "turbowatch:history"), "Redis list key holding the history")

	flag.StringVar(&cfg.AuditLog, "audit-log", getEnv("AUDIT_LOG", "sensor_logs.csv"), "Audit log CSV path")
	flag.BoolVar(&cfg.AuditFsync, "audit-fsync", getEnvBool("AUDIT_FSYNC", true), "Sync the audit log to disk after every row")

	flag.DurationVar(&cfg.ClientIdleTimeout, "client-idle-timeout", getEnvDuration("CLIENT_IDLE_TIMEOUT", 0), "Close clients idle for this long (0 disables)")
	flag.DurationVar(&cfg.WriteTimeout, "write-timeout", getEnvDuration("WRITE_TIMEOUT", 10*time.Second), "Deadline for each reply write (0 disables)")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second), "Graceful shutdown timeout")

	flag.Parse()

	return cfg
}

// Validate checks the configuration and returns all problems found.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address cannot be empty"))
	}
	if c.TrainingData == "" {
		errs = append(errs, errors.New("training-data cannot be empty"))
	}

	switch c.Model {
	case "forest":
		if c.ForestTrees <= 0 {
			errs = append(errs, fmt.Errorf("forest-trees must be > 0, got %d", c.ForestTrees))
		}
		if c.ForestMaxDepth < 0 {
			errs = append(errs, fmt.Errorf("forest-max-depth cannot be negative, got %d", c.ForestMaxDepth))
		}
		if c.ForestMinLeaf <= 0 {
			errs = append(errs, fmt.Errorf("forest-min-leaf must be > 0, got %d", c.ForestMinLeaf))
		}
	case "linear":
	case "byom":
		if c.BYOMURL == "" {
			errs = append(errs, errors.New("byom-url is required when model=byom"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid model %q (must be forest, linear, or byom)", c.Model))
	}

	if _, err := diagnosis.ParseAttribution(c.Attribution); err != nil {
		errs = append(errs, err)
	}

	switch c.HistoryBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis-addr is required when history-backend=redis"))
		}
		if c.RedisDB < 0 {
			errs = append(errs, fmt.Errorf("redis-db must be >= 0, got %d", c.RedisDB))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid history-backend %q (must be memory or redis)", c.HistoryBackend))
	}
	if c.HistoryCapacity <= 0 {
		errs = append(errs, fmt.Errorf("history-capacity must be > 0, got %d", c.HistoryCapacity))
	}

	if c.AuditLog == "" {
		errs = append(errs, errors.New("audit-log cannot be empty"))
	}
	if c.ClientIdleTimeout < 0 {
		errs = append(errs, errors.New("client-idle-timeout cannot be negative"))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, errors.New("write-timeout cannot be negative"))
	}

	if err := c.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if u, err := strconv.ParseUint(value, 10, 64); err == nil {
			return u
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
