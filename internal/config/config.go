package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Server    ServerConfig
	Logging   LoggingConfig
	Database  DatabaseConfig
	Pipeline  PipelineConfig
	Analysis  AnalysisConfig
	Notify    NotifyConfig
	Auth      AuthConfig
	Telemetry TelemetryConfig
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// DatabaseConfig describes how to reach PostgreSQL. URL wins over the
// discrete DB_* fields when both are present.
type DatabaseConfig struct {
	URL                string
	Host               string
	Port               string
	User               string
	Password           string
	Name               string
	SSLMode            string
	Instance           string // Cloud SQL instance connection name, dialled over its unix socket
	MaxConnections     int
	MaxIdleConnections int
}

// PipelineConfig controls the clustering stage.
type PipelineConfig struct {
	MatchWindow    time.Duration // how far back an event's last update may be to still match
	SignalLookback time.Duration // how far back signals are fetched per run
	Interval       time.Duration // scheduler period
	Workers        int
}

// AnalysisConfig controls the cluster analysis stage.
type AnalysisConfig struct {
	Provider         string // openai, anthropic or none
	Model            string
	OpenAIAPIKey     string
	AnthropicAPIKey  string
	BatchSize        int
	Timeout          time.Duration
	MinInterval      time.Duration
	InstructionsFile string
}

// NotifyConfig controls alert notifications.
type NotifyConfig struct {
	NATSURL      string
	AlertSubject string
}

// TelemetryConfig controls trace export. Tracing is off unless Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string // OTLP/HTTP collector URL, e.g. http://otel-collector:4318
	ServiceName string
}

// AuthConfig holds admin authentication settings.
type AuthConfig struct {
	JWTSecret         string
	AdminPasswordHash string
	TokenDuration     time.Duration
}

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultLogFormat = "json"

	defaultDBPort             = "5432"
	defaultDBSSLMode          = "require"
	defaultMaxConnections     = 10
	defaultMaxIdleConnections = 2

	defaultMatchWindowDays     = 30
	defaultSignalLookbackHours = 24
	defaultIntervalMinutes     = 60
	defaultWorkers             = 1

	defaultAnalysisProvider  = "none"
	defaultAnalysisBatchSize = 10
	defaultAnalysisTimeout   = 120 * time.Second
	defaultAnalysisInterval  = time.Second

	defaultAlertSubject  = "flashreport.alerts"
	defaultTokenDuration = 24 * time.Hour

	defaultServiceName = "flashreport"
)

// Load reads configuration from environment variables, applying defaults when
// values are not provided or invalid.
func Load() (Config, error) {
	// Hosting platforms set PORT, but allow SERVER_PORT override for local dev
	port := getEnv("PORT", "")
	if port == "" {
		port = getEnv("SERVER_PORT", defaultPort)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Database: DatabaseConfig{
			URL:                os.Getenv("DATABASE_URL"),
			Host:               os.Getenv("DB_HOST"),
			Port:               getEnv("DB_PORT", defaultDBPort),
			User:               os.Getenv("DB_USER"),
			Password:           os.Getenv("DB_PASSWORD"),
			Name:               os.Getenv("DB_NAME"),
			SSLMode:            getEnv("DB_SSLMODE", defaultDBSSLMode),
			Instance:           os.Getenv("INSTANCE_CONNECTION_NAME"),
			MaxConnections:     defaultMaxConnections,
			MaxIdleConnections: defaultMaxIdleConnections,
		},
		Pipeline: PipelineConfig{
			MatchWindow:    defaultMatchWindowDays * 24 * time.Hour,
			SignalLookback: defaultSignalLookbackHours * time.Hour,
			Interval:       defaultIntervalMinutes * time.Minute,
			Workers:        defaultWorkers,
		},
		Analysis: AnalysisConfig{
			Provider:         defaultAnalysisProvider,
			Model:            os.Getenv("ANALYSIS_MODEL"),
			OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
			AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
			BatchSize:        defaultAnalysisBatchSize,
			Timeout:          defaultAnalysisTimeout,
			MinInterval:      defaultAnalysisInterval,
			InstructionsFile: os.Getenv("ANALYSIS_INSTRUCTIONS_FILE"),
		},
		Notify: NotifyConfig{
			NATSURL:      os.Getenv("NATS_URL"),
			AlertSubject: getEnv("NATS_ALERT_SUBJECT", defaultAlertSubject),
		},
		Auth: AuthConfig{
			JWTSecret:         os.Getenv("ADMIN_JWT_SECRET"),
			AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
			TokenDuration:     defaultTokenDuration,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName: getEnv("OTEL_SERVICE_NAME", defaultServiceName),
		},
	}

	if v := os.Getenv("SERVER_READ_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_READ_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.ReadTimeout = d
	}

	if v := os.Getenv("SERVER_WRITE_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_WRITE_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.WriteTimeout = d
	}

	if v := os.Getenv("SERVER_SHUTDOWN_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SERVER_SHUTDOWN_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.ShutdownTimeout = d
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	if v := os.Getenv("DB_MAX_CONNECTIONS"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DB_MAX_CONNECTIONS: %w", err)
		}
		cfg.Database.MaxConnections = n
	}

	if v := os.Getenv("DB_MAX_IDLE_CONNECTIONS"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DB_MAX_IDLE_CONNECTIONS: %w", err)
		}
		cfg.Database.MaxIdleConnections = n
	}

	if v := os.Getenv("MATCH_WINDOW_DAYS"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MATCH_WINDOW_DAYS: %w", err)
		}
		cfg.Pipeline.MatchWindow = time.Duration(n) * 24 * time.Hour
	}

	if v := os.Getenv("SIGNAL_LOOKBACK_HOURS"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SIGNAL_LOOKBACK_HOURS: %w", err)
		}
		cfg.Pipeline.SignalLookback = time.Duration(n) * time.Hour
	}

	if v := os.Getenv("PIPELINE_INTERVAL_MINUTES"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIPELINE_INTERVAL_MINUTES: %w", err)
		}
		cfg.Pipeline.Interval = time.Duration(n) * time.Minute
	}

	if v := os.Getenv("PIPELINE_WORKERS"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIPELINE_WORKERS: %w", err)
		}
		cfg.Pipeline.Workers = n
	}

	if v := os.Getenv("ANALYSIS_PROVIDER"); v != "" {
		switch strings.ToLower(v) {
		case "openai", "anthropic", "none":
			cfg.Analysis.Provider = strings.ToLower(v)
		default:
			return Config{}, fmt.Errorf("invalid ANALYSIS_PROVIDER: must be 'openai', 'anthropic' or 'none'")
		}
	}

	if v := os.Getenv("ANALYSIS_BATCH_SIZE"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ANALYSIS_BATCH_SIZE: %w", err)
		}
		cfg.Analysis.BatchSize = n
	}

	if v := os.Getenv("ANALYSIS_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil || d == 0 {
			return Config{}, fmt.Errorf("invalid ANALYSIS_TIMEOUT_SECONDS: must be a positive integer")
		}
		cfg.Analysis.Timeout = d
	}

	if v := os.Getenv("ANALYSIS_MIN_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return Config{}, fmt.Errorf("invalid ANALYSIS_MIN_INTERVAL_MS: must be a non-negative integer")
		}
		cfg.Analysis.MinInterval = time.Duration(ms) * time.Millisecond
	}

	return cfg, nil
}

// DSN returns a lib/pq connection string. DATABASE_URL is used verbatim;
// otherwise the discrete DB_* settings are assembled into key=value form.
// With INSTANCE_CONNECTION_NAME set the host becomes the Cloud SQL socket
// directory, which does not speak TLS.
func (c DatabaseConfig) DSN() (string, error) {
	if c.URL != "" {
		return c.URL, nil
	}

	host, port, sslMode := c.Host, c.Port, c.SSLMode
	if c.Instance != "" {
		host, sslMode = "/cloudsql/"+c.Instance, "disable"
	}
	if host == "" || c.User == "" || c.Name == "" {
		return "", fmt.Errorf("neither DATABASE_URL nor DB_HOST (or INSTANCE_CONNECTION_NAME), DB_USER and DB_NAME are set")
	}

	parts := []string{
		"host=" + host,
		"port=" + port,
		"user=" + c.User,
		"dbname=" + c.Name,
		"sslmode=" + sslMode,
		"connect_timeout=10",
	}
	if c.Password != "" {
		parts = append(parts, "password="+c.Password)
	}
	return strings.Join(parts, " "), nil
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
