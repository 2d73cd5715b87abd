package config

import (
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != ":8081" {
		t.Fatalf("unexpected ListenAddr %q", cfg.ListenAddr)
	}
	if cfg.PollInterval != 4*time.Second {
		t.Fatalf("unexpected PollInterval %s", cfg.PollInterval)
	}
	if cfg.ExportEvery != 15 {
		t.Fatalf("unexpected ExportEvery %d", cfg.ExportEvery)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected LogLevel %v", cfg.LogLevel)
	}
	if cfg.Retention.Window != 259200*time.Second {
		t.Fatalf("unexpected retention window %s", cfg.Retention.Window)
	}
	if cfg.Retention.SweepInterval != time.Hour {
		t.Fatalf("unexpected sweep interval %s", cfg.Retention.SweepInterval)
	}
	if cfg.Query.ActiveWindow != 10*time.Second {
		t.Fatalf("unexpected active window %s", cfg.Query.ActiveWindow)
	}
	if cfg.Query.HistoryLimit != 100 {
		t.Fatalf("unexpected history limit %d", cfg.Query.HistoryLimit)
	}
	if cfg.SMI.Binary != "nvidia-smi" {
		t.Fatalf("unexpected SMI binary %q", cfg.SMI.Binary)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APP_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("APP_POLL_INTERVAL", "500ms")
	t.Setenv("APP_EXPORT_EVERY", "3")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://example.com, https://other.test")
	t.Setenv("APP_ENABLE_PROMETHEUS", "true")
	t.Setenv("APP_ENABLE_PPROF", "true")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_DATA_DIR", "/tmp/ledger")
	t.Setenv("APP_EXPORT_DIR", "/tmp/public")
	t.Setenv("APP_NVIDIA_SMI", "/opt/bin/nvidia-smi")
	t.Setenv("APP_SMI_TIMEOUT", "2s")
	t.Setenv("APP_RETENTION", "24h")
	t.Setenv("APP_RETENTION_SWEEP_INTERVAL", "10m")
	t.Setenv("APP_ACTIVE_WINDOW", "20s")
	t.Setenv("APP_HISTORY_LIMIT", "50")
	t.Setenv("APP_WS_MAX_CLIENTS", "2048")
	t.Setenv("APP_WS_WRITE_TIMEOUT", "10s")
	t.Setenv("APP_WS_READ_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr override failed, got %q", cfg.ListenAddr)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Fatalf("PollInterval override failed, got %s", cfg.PollInterval)
	}
	if cfg.ExportEvery != 3 {
		t.Fatalf("ExportEvery override failed, got %d", cfg.ExportEvery)
	}
	wantOrigins := []string{"https://example.com", "https://other.test"}
	if !reflect.DeepEqual(cfg.AllowedOrigins, wantOrigins) {
		t.Fatalf("AllowedOrigins mismatch: %+v", cfg.AllowedOrigins)
	}
	if !cfg.EnablePrometheus {
		t.Fatalf("EnablePrometheus override failed")
	}
	if !cfg.EnablePprof {
		t.Fatalf("EnablePprof override failed")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel override failed, got %v", cfg.LogLevel)
	}
	if cfg.DataDir != "/tmp/ledger" {
		t.Fatalf("DataDir override failed, got %q", cfg.DataDir)
	}
	if cfg.ExportDir != "/tmp/public" {
		t.Fatalf("ExportDir override failed, got %q", cfg.ExportDir)
	}
	if cfg.SMI.Binary != "/opt/bin/nvidia-smi" {
		t.Fatalf("SMI.Binary override failed, got %q", cfg.SMI.Binary)
	}
	if cfg.SMI.Timeout != 2*time.Second {
		t.Fatalf("SMI.Timeout override failed, got %s", cfg.SMI.Timeout)
	}
	if cfg.Retention.Window != 24*time.Hour {
		t.Fatalf("Retention.Window override failed, got %s", cfg.Retention.Window)
	}
	if cfg.Retention.SweepInterval != 10*time.Minute {
		t.Fatalf("Retention.SweepInterval override failed, got %s", cfg.Retention.SweepInterval)
	}
	if cfg.Query.ActiveWindow != 20*time.Second {
		t.Fatalf("Query.ActiveWindow override failed, got %s", cfg.Query.ActiveWindow)
	}
	if cfg.Query.HistoryLimit != 50 {
		t.Fatalf("Query.HistoryLimit override failed, got %d", cfg.Query.HistoryLimit)
	}
	if cfg.WS.MaxClients != 2048 {
		t.Fatalf("WS.MaxClients override failed, got %d", cfg.WS.MaxClients)
	}
	if cfg.WS.WriteTimeout != 10*time.Second {
		t.Fatalf("WS.WriteTimeout override failed, got %s", cfg.WS.WriteTimeout)
	}
	if cfg.WS.ReadTimeout != 45*time.Second {
		t.Fatalf("WS.ReadTimeout override failed, got %s", cfg.WS.ReadTimeout)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{"NegativePollInterval", "APP_POLL_INTERVAL", "-1s"},
		{"InvalidPollInterval", "APP_POLL_INTERVAL", "often"},
		{"ZeroExportEvery", "APP_EXPORT_EVERY", "0"},
		{"InvalidExportEvery", "APP_EXPORT_EVERY", "sometimes"},
		{"InvalidOrigins", "APP_ALLOWED_ORIGINS", ","},
		{"InvalidPrometheusBool", "APP_ENABLE_PROMETHEUS", "maybe"},
		{"InvalidLogLevel", "APP_LOG_LEVEL", "loud"},
		{"ZeroSMITimeout", "APP_SMI_TIMEOUT", "0s"},
		{"InvalidRetention", "APP_RETENTION", "3days"},
		{"NegativeSweepInterval", "APP_RETENTION_SWEEP_INTERVAL", "-1h"},
		{"ZeroActiveWindow", "APP_ACTIVE_WINDOW", "0"},
		{"NonPositiveHistoryLimit", "APP_HISTORY_LIMIT", "-5"},
		{"InvalidWSMaxClients", "APP_WS_MAX_CLIENTS", "zero"},
		{"NonPositiveWSMaxClients", "APP_WS_MAX_CLIENTS", "0"},
		{"InvalidWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "nope"},
		{"NegativeWSReadTimeout", "APP_WS_READ_TIMEOUT", "-1s"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.val)
			}
		})
	}
}
