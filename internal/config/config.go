package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	PollInterval     time.Duration
	ExportEvery      int
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	DataDir          string
	ExportDir        string
	SMI              SMIConfig
	Retention        RetentionConfig
	Query            QueryConfig
	WS               WebsocketConfig
}

// SMIConfig controls how the nvidia-smi binary is invoked.
type SMIConfig struct {
	Binary  string
	Timeout time.Duration
}

// RetentionConfig bounds how long telemetry is kept.
type RetentionConfig struct {
	Window        time.Duration
	SweepInterval time.Duration
}

// QueryConfig holds the read-side windows and caps.
type QueryConfig struct {
	ActiveWindow time.Duration
	HistoryLimit int
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// Default returns the configuration used when no overrides are present.
func Default() Config {
	return Config{
		ListenAddr:       ":8081",
		PollInterval:     4 * time.Second,
		ExportEvery:      15,
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		DataDir:          "./data",
		ExportDir:        "./public",
		SMI: SMIConfig{
			Binary:  "nvidia-smi",
			Timeout: 5 * time.Second,
		},
		Retention: RetentionConfig{
			Window:        259200 * time.Second,
			SweepInterval: time.Hour,
		},
		Query: QueryConfig{
			ActiveWindow: 10 * time.Second,
			HistoryLimit: 100,
		},
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
	}
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Default()

	if value := strings.TrimSpace(os.Getenv("APP_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}

	if err := positiveDuration("APP_POLL_INTERVAL", &cfg.PollInterval); err != nil {
		return Config{}, err
	}

	if err := positiveInt("APP_EXPORT_EVERY", &cfg.ExportEvery); err != nil {
		return Config{}, err
	}

	if value := strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if value := strings.TrimSpace(os.Getenv("APP_ENABLE_PROMETHEUS")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_ENABLE_PROMETHEUS: %w", err)
		}
		cfg.EnablePrometheus = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_ENABLE_PPROF")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_ENABLE_PPROF: %w", err)
		}
		cfg.EnablePprof = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); value != "" {
		level, err := ParseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := strings.TrimSpace(os.Getenv("APP_DATA_DIR")); value != "" {
		cfg.DataDir = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_EXPORT_DIR")); value != "" {
		cfg.ExportDir = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_NVIDIA_SMI")); value != "" {
		cfg.SMI.Binary = value
	}

	if err := positiveDuration("APP_SMI_TIMEOUT", &cfg.SMI.Timeout); err != nil {
		return Config{}, err
	}

	if err := positiveDuration("APP_RETENTION", &cfg.Retention.Window); err != nil {
		return Config{}, err
	}

	if err := positiveDuration("APP_RETENTION_SWEEP_INTERVAL", &cfg.Retention.SweepInterval); err != nil {
		return Config{}, err
	}

	if err := positiveDuration("APP_ACTIVE_WINDOW", &cfg.Query.ActiveWindow); err != nil {
		return Config{}, err
	}

	if err := positiveInt("APP_HISTORY_LIMIT", &cfg.Query.HistoryLimit); err != nil {
		return Config{}, err
	}

	if err := positiveInt("APP_WS_MAX_CLIENTS", &cfg.WS.MaxClients); err != nil {
		return Config{}, err
	}

	if err := positiveDuration("APP_WS_WRITE_TIMEOUT", &cfg.WS.WriteTimeout); err != nil {
		return Config{}, err
	}

	if err := positiveDuration("APP_WS_READ_TIMEOUT", &cfg.WS.ReadTimeout); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func positiveDuration(key string, dst *time.Duration) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = duration
	return nil
}

func positiveInt(key string, dst *int) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = parsed
	return nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ParseLogLevel maps a level name onto slog.Level.
func ParseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
