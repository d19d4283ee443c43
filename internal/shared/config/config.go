package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	Encryption EncryptionConfig
	Scheduler  SchedulerConfig
	Reconciler ReconcilerConfig
	Fetch      FetchConfig
	Aggregator AggregatorConfig
	TLS        TLSConfig
	Firebase   FirebaseConfig
	Telemetry  TelemetryConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	AllowedHosts []string
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Migrate  bool
}

type JWTConfig struct {
	Secret string
}

type EncryptionConfig struct {
	Key string
}

type SchedulerConfig struct {
	Enabled       bool
	ScheduleTimes []string
	WorkerCount   int
	JobDelay      time.Duration
	JobTimeout    time.Duration
	QueueSize     int
	RunOnStartup  bool
}

type ReconcilerConfig struct {
	PollInterval  time.Duration
	PollDeadline  time.Duration
	BackoffMax    time.Duration
	LookupTimeout time.Duration
}

type FetchConfig struct {
	CallTimeout       time.Duration
	MaxConcurrency    int
	RetryAttempts     int
	RetryBackoff      time.Duration
	DiscoveryCacheTTL time.Duration
	SettleTimeout     time.Duration
}

type AggregatorConfig struct {
	BaseURL     string
	ClientID    string
	APIKey      string
	RateLimit   float64
	Timeout     time.Duration
	RedirectURL string
}

type TLSConfig struct {
	Enabled      bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
}

type FirebaseConfig struct {
	CredentialsFile string
	// MessagesFile overrides the default push texts.
	MessagesFile string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	MetricsPort  string
}

// Load reads configuration from the environment. A .env file (or the file
// named by ENV_FILE) is loaded first; variables already set win.
func Load() (*Config, error) {
	if err := godotenv.Load(getEnv("ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	p := &parser{}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			AllowedHosts: splitList(getEnv("ALLOWED_HOSTS", "")),
		},
		Database: DatabaseConfig{
			Driver:   strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     p.int("DB_PORT", 5432),
			User:     getEnv("DB_USER", "finlink"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "finlink"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Migrate:  getBoolEnv("DB_MIGRATE", true),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Scheduler: SchedulerConfig{
			Enabled:       getBoolEnv("SCHEDULER_ENABLED", true),
			ScheduleTimes: splitList(getEnv("SCHEDULER_TIMES", "05:00,14:00,20:00")),
			WorkerCount:   p.int("SCHEDULER_WORKERS", 5),
			JobDelay:      p.duration("SCHEDULER_JOB_DELAY", time.Second),
			JobTimeout:    p.duration("SCHEDULER_JOB_TIMEOUT", 2*time.Minute),
			QueueSize:     p.int("SCHEDULER_QUEUE_SIZE", 100),
			RunOnStartup:  getBoolEnv("SCHEDULER_RUN_ON_STARTUP", false),
		},
		Reconciler: ReconcilerConfig{
			PollInterval:  p.duration("RECONCILER_POLL_INTERVAL", 15*time.Second),
			PollDeadline:  p.duration("RECONCILER_POLL_DEADLINE", 30*time.Minute),
			BackoffMax:    p.duration("RECONCILER_BACKOFF_MAX", 5*time.Minute),
			LookupTimeout: p.duration("RECONCILER_LOOKUP_TIMEOUT", 10*time.Second),
		},
		Fetch: FetchConfig{
			CallTimeout:       p.duration("FETCH_CALL_TIMEOUT", 30*time.Second),
			MaxConcurrency:    p.int("FETCH_MAX_CONCURRENCY", 4),
			RetryAttempts:     p.int("FETCH_RETRY_ATTEMPTS", 3),
			RetryBackoff:      p.duration("FETCH_RETRY_BACKOFF", 500*time.Millisecond),
			DiscoveryCacheTTL: p.duration("FETCH_DISCOVERY_CACHE_TTL", 10*time.Minute),
			SettleTimeout:     p.duration("FETCH_SETTLE_TIMEOUT", 30*time.Second),
		},
		Aggregator: AggregatorConfig{
			BaseURL:     getEnv("AGGREGATOR_BASE_URL", ""),
			ClientID:    getEnv("AGGREGATOR_CLIENT_ID", ""),
			APIKey:      getEnv("AGGREGATOR_API_KEY", ""),
			RateLimit:   p.float("AGGREGATOR_RATE_LIMIT", 10),
			Timeout:     p.duration("AGGREGATOR_TIMEOUT", 30*time.Second),
			RedirectURL: getEnv("AGGREGATOR_REDIRECT_URL", ""),
		},
		TLS: TLSConfig{
			Enabled:      getBoolEnv("TLS_ENABLED", false),
			CertPath:     getEnv("TLS_CERT_PATH", ""),
			KeyPath:      getEnv("TLS_KEY_PATH", ""),
			RedirectHTTP: getBoolEnv("TLS_REDIRECT_HTTP", false),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
			MessagesFile:    getEnv("NOTIFICATION_MESSAGES_FILE", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolEnv("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "finlink-api"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", ""),
			MetricsPort:  getEnv("METRICS_PORT", "9090"),
		},
	}
	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.Encryption.Key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes")
	}

	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}

	if c.Aggregator.BaseURL == "" {
		return fmt.Errorf("AGGREGATOR_BASE_URL is required")
	}
	if c.Aggregator.RateLimit <= 0 {
		return fmt.Errorf("AGGREGATOR_RATE_LIMIT must be positive")
	}

	if c.Reconciler.PollInterval <= 0 || c.Reconciler.PollDeadline <= 0 {
		return fmt.Errorf("RECONCILER_POLL_INTERVAL and RECONCILER_POLL_DEADLINE must be positive")
	}
	if c.Reconciler.BackoffMax < c.Reconciler.PollInterval {
		return fmt.Errorf("RECONCILER_BACKOFF_MAX must not be below RECONCILER_POLL_INTERVAL")
	}

	if c.Fetch.MaxConcurrency < 1 {
		return fmt.Errorf("FETCH_MAX_CONCURRENCY must be at least 1")
	}
	if c.Fetch.RetryAttempts < 1 {
		return fmt.Errorf("FETCH_RETRY_ATTEMPTS must be at least 1")
	}
	if c.Fetch.CallTimeout <= 0 {
		return fmt.Errorf("FETCH_CALL_TIMEOUT must be positive")
	}

	if c.TLS.Enabled {
		if c.TLS.CertPath == "" {
			return fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if c.TLS.KeyPath == "" {
			return fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}
	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// parser keeps the first parse error so Load can read every variable
// before reporting.
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (p *parser) int(key string, def int) int {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(def)))
	if err != nil {
		p.fail(key, err)
		return def
	}
	return v
}

func (p *parser) float(key string, def float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, strconv.FormatFloat(def, 'f', -1, 64)), 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, def.String()))
	if err != nil {
		p.fail(key, err)
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}
