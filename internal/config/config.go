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
	Database  DatabaseConfig
	Server    ServerConfig
	Auth      AuthConfig
	Signals   SignalsConfig
	Redis     RedisConfig
	OTP       OTPConfig
	Messaging MessagingConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TrustedProxies []string
	RateLimit      int
}

type AuthConfig struct {
	FlowTokenSecret string
	FlowTokenExpiry time.Duration
	DeviceHashSalt  string
	TimingBaseMs    int
	TimingRandomMs  int
}

type SignalsConfig struct {
	TorSources         []string
	TorTTL             time.Duration
	TorFetchTimeout    time.Duration
	TorRetryBackoff    time.Duration
	TorColdStartWait   time.Duration
	TorRefreshInterval time.Duration
	IPIntelURL         string
	IPIntelTimeout     time.Duration
	IntelCacheTTL      time.Duration
	KeywordsFile       string
	GeoDistanceKm      float64
	GeoSpeedKmh        float64
}

// RedisConfig is optional. An empty Addr disables the shared cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type OTPConfig struct {
	Expiry        time.Duration
	MaxAttempts   int
	PurgeInterval time.Duration
	ExposeDevCode bool
}

type MessagingConfig struct {
	SESRegion    string
	SESFrom      string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTLSMode  string
	SMTPTimeout  time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "stepguard"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES", nil),
			RateLimit:      getEnvAsInt("AUTH_RATE_LIMIT_PER_MINUTE", 20),
		},
		Auth: AuthConfig{
			FlowTokenSecret: getEnv("FLOW_TOKEN_SECRET", ""),
			FlowTokenExpiry: getEnvAsDuration("FLOW_TOKEN_EXPIRY", 10*time.Minute),
			DeviceHashSalt:  getEnv("DEVICE_HASH_SALT", ""),
			TimingBaseMs:    getEnvAsInt("AUTH_TIMING_BASE_MS", 300),
			TimingRandomMs:  getEnvAsInt("AUTH_TIMING_RANDOM_MS", 100),
		},
		Signals: SignalsConfig{
			TorSources:         getEnvAsList("TOR_EXIT_SOURCES", []string{"https://check.torproject.org/torbulkexitlist", "https://www.dan.me.uk/torlist/?exit"}),
			TorTTL:             getEnvAsDuration("TOR_LIST_TTL", 6*time.Hour),
			TorFetchTimeout:    getEnvAsDuration("TOR_FETCH_TIMEOUT", 5*time.Second),
			TorRetryBackoff:    getEnvAsDuration("TOR_RETRY_BACKOFF", 5*time.Minute),
			TorColdStartWait:   getEnvAsDuration("TOR_COLD_START_WAIT", 2*time.Second),
			TorRefreshInterval: getEnvAsDuration("TOR_REFRESH_INTERVAL", 1*time.Hour),
			IPIntelURL:         getEnv("IP_INTEL_URL", "http://ip-api.com/json"),
			IPIntelTimeout:     getEnvAsDuration("IP_INTEL_TIMEOUT", 2500*time.Millisecond),
			IntelCacheTTL:      getEnvAsDuration("IP_INTEL_CACHE_TTL", 1*time.Hour),
			KeywordsFile:       getEnv("SIGNALS_KEYWORDS_FILE", ""),
			GeoDistanceKm:      getEnvAsFloat("GEO_DISTANCE_THRESHOLD_KM", 500),
			GeoSpeedKmh:        getEnvAsFloat("GEO_SPEED_THRESHOLD_KMH", 500),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "stepguard:"),
		},
		OTP: OTPConfig{
			Expiry:        getEnvAsDuration("OTP_EXPIRY", 5*time.Minute),
			MaxAttempts:   getEnvAsInt("OTP_MAX_ATTEMPTS", 5),
			PurgeInterval: getEnvAsDuration("OTP_PURGE_INTERVAL", 15*time.Minute),
			ExposeDevCode: env != "production" && getEnvAsBool("OTP_EXPOSE_DEV_CODE", false),
		},
		Messaging: MessagingConfig{
			SESRegion:    getEnv("AWS_REGION", ""),
			SESFrom:      getEnv("SES_FROM_ADDRESS", ""),
			SMTPHost:     getEnv("SMTP_HOST", ""),
			SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
			SMTPUsername: getEnv("SMTP_USERNAME", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			SMTPFrom:     getEnv("SMTP_FROM", ""),
			SMTPTLSMode:  getEnv("SMTP_TLS_MODE", "starttls"),
			SMTPTimeout:  getEnvAsDuration("SMTP_TIMEOUT", 10*time.Second),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if cfg.Auth.DeviceHashSalt == "" {
		return nil, fmt.Errorf("DEVICE_HASH_SALT is required")
	}

	if cfg.Auth.FlowTokenSecret == "" {
		return nil, fmt.Errorf("FLOW_TOKEN_SECRET is required")
	}

	// Validate secret strength
	if err := validateSecret("FLOW_TOKEN_SECRET", cfg.Auth.FlowTokenSecret, env); err != nil {
		return nil, err
	}

	if cfg.OTP.MaxAttempts <= 0 {
		return nil, fmt.Errorf("OTP_MAX_ATTEMPTS must be positive")
	}

	switch cfg.Messaging.SMTPTLSMode {
	case "starttls", "ssl":
	default:
		return nil, fmt.Errorf("SMTP_TLS_MODE must be starttls or ssl")
	}

	return cfg, nil
}

// validateSecret enforces minimum security standards for signing secrets
func validateSecret(name, secret, env string) error {
	// Minimum length based on environment
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires stronger secret (256 bits)
	}

	if len(secret) < minLength {
		return fmt.Errorf("%s must be at least %d characters in %s environment (got %d)",
			name, minLength, env, len(secret))
	}

	// Check against common weak secrets
	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("%s cannot be a common weak value", name)
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// SESEnabled reports whether SES delivery is configured
func (c *MessagingConfig) SESEnabled() bool {
	return c.SESRegion != "" && c.SESFrom != ""
}

// SMTPEnabled reports whether SMTP delivery is configured
func (c *MessagingConfig) SMTPEnabled() bool {
	return c.SMTPHost != "" && c.SMTPFrom != ""
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

// getEnvAsList splits a comma-separated value, dropping empty entries
func getEnvAsList(key string, defaultVal []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}

	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
