package config

import (
	"fmt"
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
	Sync       SyncConfig
	Scheduler  SchedulerConfig
	Webhook    WebhookConfig
	Teller     TellerConfig
	Plaid      PlaidConfig
	Retry      RetryConfig
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
	// URL, when set, is used as-is instead of the individual fields.
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// AutoMigrate applies the schema when the API server starts.
	AutoMigrate bool
}

type JWTConfig struct {
	Secret string
}

type EncryptionConfig struct {
	Key string
}

type SyncConfig struct {
	FreshnessWindow       time.Duration
	StaleLockTimeout      time.Duration
	InitialLookback       time.Duration
	IncrementalOverlap    time.Duration
	DisconnectMaxWait     time.Duration
	MaxConcurrentAccounts int
}

type SchedulerConfig struct {
	Enabled       bool
	ScheduleTimes []string
	WorkerCount   int
	JobDelay      time.Duration
	JobTimeout    time.Duration
	QueueSize     int
	RunOnStartup  bool
	// ListenerEnabled starts the LISTEN/NOTIFY sync request listener.
	ListenerEnabled bool
}

type WebhookConfig struct {
	InlineMaxBytes  int
	RetryInterval   time.Duration
	MaxRetries      int
	ProcessingLease time.Duration
	TellerSecrets   []string
	TellerTolerance time.Duration
}

type TellerConfig struct {
	Enabled         bool
	BaseURL         string
	Environment     string
	CertFile        string
	KeyFile         string
	TokenSigningKey string
}

type PlaidConfig struct {
	ClientID     string
	Secret       string
	Environment  string
	CountryCodes []string
}

// Enabled reports whether Plaid credentials were provided.
func (c PlaidConfig) Enabled() bool {
	return c.ClientID != ""
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type TLSConfig struct {
	Enabled      bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
}

type FirebaseConfig struct {
	CredentialsFile string
	// MessagesFile overrides the default push notification texts.
	MessagesFile string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	SampleRatio  float64
	// MetricsPort serves /metrics on a separate listener when set.
	MetricsPort string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first; variables already set take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []string
	intEnv := func(key string, def int) int {
		v, err := getIntEnv(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}
	floatEnv := func(key string, def float64) float64 {
		v, err := getFloatEnv(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}
	durationEnv := func(key string, def time.Duration) time.Duration {
		v, err := getDurationEnv(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			AllowedHosts: getListEnv("ALLOWED_HOSTS", nil),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     intEnv("DB_PORT", 5432),
			User:     getEnv("DB_USER", "finsync"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "finsync"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),

			AutoMigrate: getBoolEnv("DB_AUTO_MIGRATE", false),
		},
		JWT: JWTConfig{
			Secret: getEnv("IDENTITY_JWT_SECRET", ""),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Sync: SyncConfig{
			FreshnessWindow:       durationEnv("SYNC_FRESHNESS_WINDOW", time.Hour),
			StaleLockTimeout:      durationEnv("SYNC_STALE_LOCK_TIMEOUT", 30*time.Minute),
			InitialLookback:       durationEnv("SYNC_INITIAL_LOOKBACK", 90*24*time.Hour),
			IncrementalOverlap:    durationEnv("SYNC_INCREMENTAL_OVERLAP", 30*24*time.Hour),
			DisconnectMaxWait:     durationEnv("SYNC_DISCONNECT_MAX_WAIT", 2*time.Minute),
			MaxConcurrentAccounts: intEnv("SYNC_MAX_CONCURRENT_ACCOUNTS", 4),
		},
		Scheduler: SchedulerConfig{
			Enabled:         getBoolEnv("SCHEDULER_ENABLED", true),
			ScheduleTimes:   getListEnv("SCHEDULER_TIMES", []string{"05:00", "10:00", "14:00", "20:00"}),
			WorkerCount:     intEnv("SCHEDULER_WORKERS", 5),
			JobDelay:        durationEnv("SCHEDULER_JOB_DELAY", time.Second),
			JobTimeout:      durationEnv("SCHEDULER_JOB_TIMEOUT", 2*time.Minute),
			QueueSize:       intEnv("SCHEDULER_QUEUE_SIZE", 500),
			RunOnStartup:    getBoolEnv("RUN_ON_STARTUP", false),
			ListenerEnabled: getBoolEnv("SYNC_LISTENER_ENABLED", true),
		},
		Webhook: WebhookConfig{
			InlineMaxBytes:  intEnv("WEBHOOK_INLINE_MAX_BYTES", 16<<10),
			RetryInterval:   durationEnv("WEBHOOK_RETRY_INTERVAL", 5*time.Minute),
			MaxRetries:      intEnv("WEBHOOK_MAX_RETRIES", 5),
			ProcessingLease: durationEnv("WEBHOOK_PROCESSING_LEASE", 10*time.Minute),
			TellerSecrets:   getListEnv("TELLER_WEBHOOK_SECRETS", nil),
			TellerTolerance: durationEnv("TELLER_WEBHOOK_TOLERANCE", 3*time.Minute),
		},
		Teller: TellerConfig{
			Enabled:         getBoolEnv("TELLER_ENABLED", true),
			BaseURL:         getEnv("TELLER_BASE_URL", "https://api.teller.io"),
			Environment:     getEnv("TELLER_ENVIRONMENT", "sandbox"),
			CertFile:        getEnv("TELLER_CERT_FILE", ""),
			KeyFile:         getEnv("TELLER_KEY_FILE", ""),
			TokenSigningKey: getEnv("TELLER_TOKEN_SIGNING_KEY", ""),
		},
		Plaid: PlaidConfig{
			ClientID:     getEnv("PLAID_CLIENT_ID", ""),
			Secret:       getEnv("PLAID_SECRET", ""),
			Environment:  getEnv("PLAID_ENV", "sandbox"),
			CountryCodes: getListEnv("PLAID_COUNTRY_CODES", []string{"US"}),
		},
		Retry: RetryConfig{
			MaxAttempts: intEnv("CONNECTOR_MAX_ATTEMPTS", 3),
			BaseDelay:   durationEnv("CONNECTOR_RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:    durationEnv("CONNECTOR_RETRY_MAX_DELAY", 10*time.Second),
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
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "finsync-api"),
			Environment:  getEnv("APP_ENV", "development"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
			SampleRatio:  floatEnv("OTEL_TRACE_SAMPLE_RATIO", 1),
			MetricsPort:  getEnv("METRICS_PORT", ""),
		},
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	// Validate required fields
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("IDENTITY_JWT_SECRET is required")
	}
	if cfg.Encryption.Key == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if cfg.Plaid.Enabled() && cfg.Plaid.Secret == "" {
		return nil, fmt.Errorf("PLAID_SECRET is required when PLAID_CLIENT_ID is set")
	}
	if !cfg.Teller.Enabled && !cfg.Plaid.Enabled() {
		return nil, fmt.Errorf("at least one connector must be enabled (TELLER_ENABLED or PLAID_CLIENT_ID)")
	}
	if (cfg.Teller.CertFile == "") != (cfg.Teller.KeyFile == "") {
		return nil, fmt.Errorf("TELLER_CERT_FILE and TELLER_KEY_FILE must be set together")
	}
	if cfg.Sync.MaxConcurrentAccounts < 1 {
		return nil, fmt.Errorf("SYNC_MAX_CONCURRENT_ACCOUNTS must be at least 1")
	}

	// Validate TLS configuration
	if cfg.TLS.Enabled {
		if cfg.TLS.CertPath == "" {
			return nil, fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if cfg.TLS.KeyPath == "" {
			return nil, fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}

	return cfg, nil
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
		return defaultValue, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getFloatEnv(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return defaultValue, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}

// getListEnv splits a comma-separated variable, dropping blank entries.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
