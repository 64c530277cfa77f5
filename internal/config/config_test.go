package config

import (
	"os"
	"testing"
	"time"

	"log/slog"
)

func TestLoadDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.Port != defaultPort {
		t.Errorf("expected default port %q, got %q", defaultPort, cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != defaultReadTimeout {
		t.Errorf("expected default read timeout %v, got %v", defaultReadTimeout, cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != defaultWriteTimeout {
		t.Errorf("expected default write timeout %v, got %v", defaultWriteTimeout, cfg.Server.WriteTimeout)
	}
	if cfg.Server.ShutdownTimeout != defaultShutdownTimeout {
		t.Errorf("expected default shutdown timeout %v, got %v", defaultShutdownTimeout, cfg.Server.ShutdownTimeout)
	}
	if cfg.Logging.Level != slog.LevelInfo {
		t.Errorf("expected default log level %v, got %v", slog.LevelInfo, cfg.Logging.Level)
	}
	if cfg.Logging.Format != defaultLogFormat {
		t.Errorf("expected default log format %q, got %q", defaultLogFormat, cfg.Logging.Format)
	}
	if cfg.Pipeline.MatchWindow != 30*24*time.Hour {
		t.Errorf("expected default match window of 30 days, got %v", cfg.Pipeline.MatchWindow)
	}
	if cfg.Pipeline.SignalLookback != 24*time.Hour {
		t.Errorf("expected default signal lookback of 24h, got %v", cfg.Pipeline.SignalLookback)
	}
	if cfg.Pipeline.Workers != defaultWorkers {
		t.Errorf("expected default workers %d, got %d", defaultWorkers, cfg.Pipeline.Workers)
	}
	if cfg.Analysis.Provider != "none" {
		t.Errorf("expected analysis provider none, got %q", cfg.Analysis.Provider)
	}
	if cfg.Analysis.BatchSize != defaultAnalysisBatchSize {
		t.Errorf("expected default batch size %d, got %d", defaultAnalysisBatchSize, cfg.Analysis.BatchSize)
	}
	if cfg.Notify.AlertSubject != defaultAlertSubject {
		t.Errorf("expected default alert subject %q, got %q", defaultAlertSubject, cfg.Notify.AlertSubject)
	}
	if cfg.Telemetry.Endpoint != "" {
		t.Errorf("expected tracing disabled by default, got endpoint %q", cfg.Telemetry.Endpoint)
	}
	if cfg.Telemetry.ServiceName != defaultServiceName {
		t.Errorf("expected default service name %q, got %q", defaultServiceName, cfg.Telemetry.ServiceName)
	}
}

func TestLoadTelemetry(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://otel-collector:4318")
	t.Setenv("OTEL_SERVICE_NAME", "flashreport-worker")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Telemetry.Endpoint != "http://otel-collector:4318" {
		t.Errorf("expected collector endpoint, got %q", cfg.Telemetry.Endpoint)
	}
	if cfg.Telemetry.ServiceName != "flashreport-worker" {
		t.Errorf("expected service name flashreport-worker, got %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadPipelineOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("MATCH_WINDOW_DAYS", "7")
	t.Setenv("SIGNAL_LOOKBACK_HOURS", "48")
	t.Setenv("PIPELINE_WORKERS", "4")
	t.Setenv("ANALYSIS_PROVIDER", "Anthropic")
	t.Setenv("ANALYSIS_BATCH_SIZE", "5")
	t.Setenv("ANALYSIS_TIMEOUT_SECONDS", "30")
	t.Setenv("ANALYSIS_MIN_INTERVAL_MS", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Pipeline.MatchWindow != 7*24*time.Hour {
		t.Errorf("expected match window 7 days, got %v", cfg.Pipeline.MatchWindow)
	}
	if cfg.Pipeline.SignalLookback != 48*time.Hour {
		t.Errorf("expected lookback 48h, got %v", cfg.Pipeline.SignalLookback)
	}
	if cfg.Pipeline.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Analysis.Provider != "anthropic" {
		t.Errorf("expected provider anthropic, got %q", cfg.Analysis.Provider)
	}
	if cfg.Analysis.BatchSize != 5 {
		t.Errorf("expected batch size 5, got %d", cfg.Analysis.BatchSize)
	}
	if cfg.Analysis.Timeout != 30*time.Second {
		t.Errorf("expected timeout 30s, got %v", cfg.Analysis.Timeout)
	}
	if cfg.Analysis.MinInterval != 0 {
		t.Errorf("expected zero min interval, got %v", cfg.Analysis.MinInterval)
	}
}

func TestDatabaseDSN(t *testing.T) {
	direct := DatabaseConfig{URL: "postgres://u:p@localhost:5432/flash"}
	dsn, err := direct.DSN()
	if err != nil || dsn != direct.URL {
		t.Fatalf("expected DATABASE_URL verbatim, got %q (%v)", dsn, err)
	}

	discrete := DatabaseConfig{Host: "db", Port: "5433", User: "flash", Password: "secret", Name: "reports", SSLMode: "disable"}
	dsn, err = discrete.DSN()
	if err != nil {
		t.Fatalf("DSN returned error: %v", err)
	}
	want := "host=db port=5433 user=flash dbname=reports sslmode=disable connect_timeout=10 password=secret"
	if dsn != want {
		t.Errorf("DSN() = %q, want %q", dsn, want)
	}

	if _, err := (DatabaseConfig{Host: "db"}).DSN(); err == nil {
		t.Error("expected error when user and name are missing")
	}

	cloudSQL := DatabaseConfig{Instance: "proj:europe-west1:flash", Port: "5432", User: "flash", Name: "reports", SSLMode: "require"}
	dsn, err = cloudSQL.DSN()
	if err != nil {
		t.Fatalf("DSN returned error: %v", err)
	}
	want = "host=/cloudsql/proj:europe-west1:flash port=5432 user=flash dbname=reports sslmode=disable connect_timeout=10"
	if dsn != want {
		t.Errorf("DSN() = %q, want %q", dsn, want)
	}
}

func TestLoadWithOverrides(t *testing.T) {
	clearConfigEnv(t)

	overrides := map[string]string{
		"SERVER_PORT":                     "9090",
		"SERVER_READ_TIMEOUT_SECONDS":     "30",
		"SERVER_WRITE_TIMEOUT_SECONDS":    "45",
		"SERVER_SHUTDOWN_TIMEOUT_SECONDS": "15",
		"LOG_LEVEL":                       "debug",
		"LOG_FORMAT":                      "text",
	}
	for key, value := range overrides {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.Port != overrides["SERVER_PORT"] {
		t.Errorf("expected overridden port %q, got %q", overrides["SERVER_PORT"], cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected read timeout %v, got %v", 30*time.Second, cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 45*time.Second {
		t.Errorf("expected write timeout %v, got %v", 45*time.Second, cfg.Server.WriteTimeout)
	}
	if cfg.Server.ShutdownTimeout != 15*time.Second {
		t.Errorf("expected shutdown timeout %v, got %v", 15*time.Second, cfg.Server.ShutdownTimeout)
	}
	if cfg.Logging.Level != slog.LevelDebug {
		t.Errorf("expected log level %v, got %v", slog.LevelDebug, cfg.Logging.Level)
	}
	if cfg.Logging.Format != overrides["LOG_FORMAT"] {
		t.Errorf("expected log format %q, got %q", overrides["LOG_FORMAT"], cfg.Logging.Format)
	}
}

func TestLoadPartialOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SERVER_READ_TIMEOUT_SECONDS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("expected overridden read timeout %v, got %v", 5*time.Second, cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != defaultWriteTimeout {
		t.Errorf("expected default write timeout %v, got %v", defaultWriteTimeout, cfg.Server.WriteTimeout)
	}
}

func TestLoadWithInvalidValues(t *testing.T) {
	tests := map[string]string{
		"SERVER_READ_TIMEOUT_SECONDS":     "-1",
		"SERVER_WRITE_TIMEOUT_SECONDS":    "abc",
		"SERVER_SHUTDOWN_TIMEOUT_SECONDS": "3.5",
		"LOG_LEVEL":                       "verbose",
		"LOG_FORMAT":                      "xml",
		"MATCH_WINDOW_DAYS":               "0",
		"SIGNAL_LOOKBACK_HOURS":           "x",
		"PIPELINE_WORKERS":                "-2",
		"ANALYSIS_PROVIDER":               "gemini",
		"ANALYSIS_BATCH_SIZE":             "0",
		"ANALYSIS_TIMEOUT_SECONDS":        "0",
		"ANALYSIS_MIN_INTERVAL_MS":        "-5",
		"DB_MAX_CONNECTIONS":              "none",
	}

	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv(key, value)

			if _, err := Load(); err == nil {
				t.Fatalf("expected error when %s=%q", key, value)
			}
		})
	}
}

func TestParseLogLevelAliases(t *testing.T) {
	tests := map[string]slog.Level{
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
	}

	for input, expected := range tests {
		level, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}

		if level != expected {
			t.Errorf("parseLogLevel(%q) = %v, want %v", input, level, expected)
		}
	}
}

func TestParseSecondsRejectsInvalidInput(t *testing.T) {
	cases := []string{"-1", "abc"}

	for _, input := range cases {
		if _, err := parseSeconds(input); err == nil {
			t.Fatalf("expected error for input %q", input)
		}
	}
}

func TestLoadDoesNotPersistEnvBetweenRuns(t *testing.T) {
	clearConfigEnv(t)

	t.Setenv("SERVER_READ_TIMEOUT_SECONDS", "5")
	if _, err := Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := os.Unsetenv("SERVER_READ_TIMEOUT_SECONDS"); err != nil {
		t.Fatalf("failed to unset env: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.ReadTimeout != defaultReadTimeout {
		t.Errorf("expected default read timeout after reset, got %v", cfg.Server.ReadTimeout)
	}
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PORT",
		"SERVER_PORT",
		"SERVER_READ_TIMEOUT_SECONDS",
		"SERVER_WRITE_TIMEOUT_SECONDS",
		"SERVER_SHUTDOWN_TIMEOUT_SECONDS",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DATABASE_URL",
		"DB_HOST",
		"DB_PORT",
		"DB_USER",
		"DB_PASSWORD",
		"DB_NAME",
		"DB_SSLMODE",
		"INSTANCE_CONNECTION_NAME",
		"DB_MAX_CONNECTIONS",
		"DB_MAX_IDLE_CONNECTIONS",
		"MATCH_WINDOW_DAYS",
		"SIGNAL_LOOKBACK_HOURS",
		"PIPELINE_INTERVAL_MINUTES",
		"PIPELINE_WORKERS",
		"ANALYSIS_PROVIDER",
		"ANALYSIS_MODEL",
		"ANALYSIS_BATCH_SIZE",
		"ANALYSIS_TIMEOUT_SECONDS",
		"ANALYSIS_MIN_INTERVAL_MS",
		"ANALYSIS_INSTRUCTIONS_FILE",
		"NATS_URL",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_SERVICE_NAME",
		"NATS_ALERT_SUBJECT",
	}

	for _, key := range keys {
		t.Setenv(key, "")
	}
}
