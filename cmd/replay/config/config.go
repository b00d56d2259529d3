// Package config provides configuration parsing for the replay client.
//
// Flags take precedence over environment variables, which take precedence
// over defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/HatiCode/turbowatch/pkg/tls"
)

// Config holds the replay client configuration.
type Config struct {
	URL          string
	File         string
	Interval     time.Duration
	ReplyTimeout time.Duration
	Limit        int
	History      bool
	LogFormat    string
	LogLevel     string
	TLS          tls.Config
}

// ParseFlags parses command-line flags and environment variables into a Config.
func ParseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.URL, "url", getEnv("DIAGNOSER_URL", "ws://localhost:8765/ws"), "Diagnoser websocket URL")
	flag.StringVar(&cfg.File, "file", getEnv("REPLAY_FILE", "fault_condition_data.csv"), "Telemetry file (16 whitespace-separated columns per row)")
	flag.DurationVar(&cfg.Interval, "interval", getEnvDuration("REPLAY_INTERVAL", 5*time.Second), "Delay between rows")
	flag.DurationVar(&cfg.ReplyTimeout, "reply-timeout", getEnvDuration("REPLY_TIMEOUT", 10*time.Second), "Maximum wait for each reply")
	flag.IntVar(&cfg.Limit, "limit", getEnvInt("REPLAY_LIMIT", 0), "Stop after this many rows (0 = all)")
	flag.BoolVar(&cfg.History, "history", getEnvBool("REPLAY_HISTORY", false), "Request the history window after the last row")
	flag.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format (text|json)")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")

	flag.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable mutual TLS for the websocket client")
	flag.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	flag.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	flag.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "TLS CA certificate file for server verification")

	flag.Parse()

	return cfg
}

// Validate checks the configuration and returns all problems found.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.URL)
	switch {
	case c.URL == "":
		errs = append(errs, errors.New("url cannot be empty"))
	case err != nil:
		errs = append(errs, fmt.Errorf("invalid url: %w", err))
	case u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, fmt.Errorf("url scheme must be ws or wss, got %q", u.Scheme))
	case u.Scheme == "wss" && !c.TLS.Enabled:
		errs = append(errs, errors.New("wss url requires tls-enabled"))
	}

	if c.File == "" {
		errs = append(errs, errors.New("file cannot be empty"))
	}
	if c.Interval < 0 {
		errs = append(errs, errors.New("interval cannot be negative"))
	}
	if c.ReplyTimeout <= 0 {
		errs = append(errs, errors.New("reply-timeout must be > 0"))
	}
	if c.Limit < 0 {
		errs = append(errs, fmt.Errorf("limit cannot be negative, got %d", c.Limit))
	}

	if err := c.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
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
		return value == "true" || value == "1"
	}
	return defaultValue
}
