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
	Encryption EncryptionConfig
	Plaid      PlaidConfig
	Sync       SyncConfig
	Scheduler  SchedulerConfig
	Auth       AuthConfig
	TLS        TLSConfig
	Telemetry  TelemetryConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port        string
	Host        string
	MetricsPort string
}

type DatabaseConfig struct {
	URL            string // overrides the discrete fields when set
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	SSLMode        string
	MigrateOnStart bool
}

type EncryptionConfig struct {
	Key         string
	PreviousKey string
}

type PlaidConfig struct {
	ClientID     string
	Secret       string
	Environment  string
	WebhookURL   string
	ClientName   string
	CountryCodes []string
	Timeout      time.Duration
	PageSize     int
}

type SyncConfig struct {
	LeaseTTL       time.Duration
	MaxPages       int
	WebhookMaxAge  time.Duration
	KeyCacheTTL    time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxRetries     int
}

type SchedulerConfig struct {
	Enabled           bool
	ScheduleTimes     []string
	WorkerCount       int
	JobDelay          time.Duration
	JobTimeout        time.Duration
	QueueSize         int
	RunOnStartup      bool
	BackfillInterval  time.Duration
	BackfillBatchSize int
}

type AuthConfig struct {
	InternalToken string
}

type TLSConfig struct {
	Enabled  bool
	CertPath string
	KeyPath  string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment. A .env file (or the file
// named by ENV_FILE) is loaded first when present; real environment
// variables take precedence over it.
func Load() (*Config, error) {
	if err := loadDotEnv(getEnv("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	var errs []error
	intEnv := func(key string, def int) int {
		v, err := getIntEnv(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	durationEnv := func(key string, def time.Duration) time.Duration {
		v, err := getDurationEnv(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Host:        getEnv("HOST", "0.0.0.0"),
			MetricsPort: getEnv("METRICS_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           intEnv("DB_PORT", 5432),
			User:           getEnv("DB_USER", "ledgersync"),
			Password:       getEnv("DB_PASSWORD", ""),
			DBName:         getEnv("DB_NAME", "ledgersync"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			MigrateOnStart: getBoolEnv("DB_MIGRATE_ON_START", false),
		},
		Encryption: EncryptionConfig{
			Key:         getEnv("ENCRYPTION_KEY", ""),
			PreviousKey: getEnv("ENCRYPTION_PREVIOUS_KEY", ""),
		},
		Plaid: PlaidConfig{
			ClientID:     getEnv("PLAID_CLIENT_ID", ""),
			Secret:       getEnv("PLAID_SECRET", ""),
			Environment:  getEnv("PLAID_ENV", "sandbox"),
			WebhookURL:   getEnv("PLAID_WEBHOOK_URL", ""),
			ClientName:   getEnv("PLAID_CLIENT_NAME", "Ledgersync"),
			CountryCodes: splitList(getEnv("PLAID_COUNTRY_CODES", "US")),
			Timeout:      durationEnv("AGGREGATOR_TIMEOUT", 30*time.Second),
			PageSize:     intEnv("PLAID_PAGE_SIZE", 500),
		},
		Sync: SyncConfig{
			LeaseTTL:       durationEnv("SYNC_LEASE_TTL", 10*time.Minute),
			MaxPages:       intEnv("SYNC_MAX_PAGES", 500),
			WebhookMaxAge:  durationEnv("WEBHOOK_MAX_AGE", 5*time.Minute),
			KeyCacheTTL:    durationEnv("WEBHOOK_KEY_CACHE_TTL", 24*time.Hour),
			RetryBaseDelay: durationEnv("SYNC_RETRY_BASE_DELAY", 2*time.Second),
			RetryMaxDelay:  durationEnv("SYNC_RETRY_MAX_DELAY", 2*time.Minute),
			MaxRetries:     intEnv("SYNC_MAX_RETRIES", 5),
		},
		Scheduler: SchedulerConfig{
			Enabled:           getBoolEnv("SCHEDULER_ENABLED", true),
			ScheduleTimes:     splitList(getEnv("SCHEDULER_TIMES", "05:00,17:00")),
			WorkerCount:       intEnv("SCHEDULER_WORKERS", 5),
			JobDelay:          durationEnv("SCHEDULER_JOB_DELAY", 500*time.Millisecond),
			JobTimeout:        durationEnv("SCHEDULER_JOB_TIMEOUT", 10*time.Minute),
			QueueSize:         intEnv("SCHEDULER_QUEUE_SIZE", 100),
			RunOnStartup:      getBoolEnv("SCHEDULER_RUN_ON_STARTUP", false),
			BackfillInterval:  durationEnv("BACKFILL_INTERVAL", time.Hour),
			BackfillBatchSize: intEnv("BACKFILL_BATCH_SIZE", 500),
		},
		Auth: AuthConfig{
			InternalToken: getEnv("INTERNAL_SERVICE_TOKEN", ""),
		},
		TLS: TLSConfig{
			Enabled:  getBoolEnv("TLS_ENABLED", false),
			CertPath: getEnv("TLS_CERT_PATH", ""),
			KeyPath:  getEnv("TLS_KEY_PATH", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolEnv("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "ledgersync-api"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.Encryption.Key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}
	if c.Encryption.PreviousKey != "" && len(c.Encryption.PreviousKey) != 32 {
		return fmt.Errorf("ENCRYPTION_PREVIOUS_KEY must be exactly 32 bytes for AES-256")
	}

	if c.Plaid.ClientID == "" {
		return fmt.Errorf("PLAID_CLIENT_ID is required")
	}
	if c.Plaid.Secret == "" {
		return fmt.Errorf("PLAID_SECRET is required")
	}
	switch c.Plaid.Environment {
	case "sandbox", "production":
	default:
		return fmt.Errorf("PLAID_ENV must be sandbox or production, got %q", c.Plaid.Environment)
	}

	if c.Auth.InternalToken == "" {
		return fmt.Errorf("INTERNAL_SERVICE_TOKEN is required")
	}

	if c.Scheduler.Enabled && len(c.Scheduler.ScheduleTimes) == 0 {
		return fmt.Errorf("SCHEDULER_TIMES is required when SCHEDULER_ENABLED=true")
	}
	if c.Scheduler.WorkerCount <= 0 {
		return fmt.Errorf("SCHEDULER_WORKERS must be positive")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must not be negative")
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
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
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
	// Accept: true, false, 1, 0, yes, no (case-insensitive)
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

func getIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
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
