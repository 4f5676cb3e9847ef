package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Relay     RelayConfig
	Intake    IntakeConfig
	Platforms PlatformsConfig
	AWS       AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string // "memory" or "postgres"
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

// RedisConfig holds Redis connection settings. When disabled the relay keeps
// dedup and dispatch state in process and the web platform stays single-instance.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds web chat token settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// RelayConfig tunes the relay agent.
type RelayConfig struct {
	MinLength       int
	MaxContent      int
	DedupWindow     time.Duration
	DedupMax        int
	DispatchTimeout time.Duration
	VerifyCodeTTL   time.Duration
	AttemptTTL      time.Duration
}

// IntakeConfig tunes connector supervision.
type IntakeConfig struct {
	QueueSize  int
	Workers    int
	MaxBackoff time.Duration
}

// WebhookPlatform is one configured signed-webhook platform.
type WebhookPlatform struct {
	Name        string
	OutboundURL string
	Secret      string
}

// PlatformsConfig names the platforms this deployment relays between.
type PlatformsConfig struct {
	WebName  string // empty disables the built-in web chat
	Webhooks []WebhookPlatform
}

// AWSConfig holds AWS credentials and the ledger archive bucket.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	LedgerBucket    string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	webhooks, err := ParseWebhookPlatforms(getEnv("WEBHOOK_PLATFORMS", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", "memory")),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "relay"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 0)),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Relay: RelayConfig{
			MinLength:       getEnvInt("RELAY_MIN_LENGTH", 40),
			MaxContent:      getEnvInt("RELAY_MAX_CONTENT", 500),
			DedupWindow:     time.Duration(getEnvInt("RELAY_DEDUP_WINDOW_MIN", 10)) * time.Minute,
			DedupMax:        getEnvInt("RELAY_DEDUP_MAX", 1000),
			DispatchTimeout: time.Duration(getEnvInt("RELAY_DISPATCH_TIMEOUT_SEC", 10)) * time.Second,
			VerifyCodeTTL:   time.Duration(getEnvInt("VERIFY_CODE_TTL_MIN", 10)) * time.Minute,
			AttemptTTL:      time.Duration(getEnvInt("RELAY_ATTEMPT_TTL_HOURS", 24)) * time.Hour,
		},
		Intake: IntakeConfig{
			QueueSize:  getEnvInt("INTAKE_QUEUE_SIZE", 256),
			Workers:    getEnvInt("INTAKE_WORKERS", 4),
			MaxBackoff: time.Duration(getEnvInt("CONNECTOR_MAX_BACKOFF_SEC", 60)) * time.Second,
		},
		Platforms: PlatformsConfig{
			WebName:  strings.ToLower(strings.TrimSpace(os.Getenv("WEB_PLATFORM_NAME"))),
			Webhooks: webhooks,
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			LedgerBucket:    getEnv("AWS_S3_LEDGER_BUCKET", ""),
		},
	}
	if _, set := os.LookupEnv("WEB_PLATFORM_NAME"); !set {
		cfg.Platforms.WebName = "web"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("STORE_DRIVER must be memory or postgres, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Database.URL == "" && c.Database.Host == "" {
		return fmt.Errorf("postgres store requires DATABASE_URL or DB_HOST")
	}
	if c.Relay.MinLength < 1 || c.Relay.MaxContent < 4 {
		return fmt.Errorf("RELAY_MIN_LENGTH must be >= 1 and RELAY_MAX_CONTENT >= 4")
	}
	if c.Intake.QueueSize < 1 || c.Intake.Workers < 1 {
		return fmt.Errorf("INTAKE_QUEUE_SIZE and INTAKE_WORKERS must be positive")
	}
	seen := map[string]bool{}
	if c.Platforms.WebName != "" {
		seen[c.Platforms.WebName] = true
	}
	for _, w := range c.Platforms.Webhooks {
		if seen[w.Name] {
			return fmt.Errorf("platform %q configured twice", w.Name)
		}
		seen[w.Name] = true
	}
	return nil
}

// ParseWebhookPlatforms parses "name=outboundURL|secret,..." entries. The secret is optional.
func ParseWebhookPlatforms(s string) ([]WebhookPlatform, error) {
	var out []WebhookPlatform
	for _, item := range splitTrim(s, ",") {
		name, rest, ok := strings.Cut(item, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" {
			return nil, fmt.Errorf("WEBHOOK_PLATFORMS entry %q: want name=url|secret", item)
		}
		url, secret, _ := strings.Cut(rest, "|")
		url = strings.TrimSpace(url)
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return nil, fmt.Errorf("WEBHOOK_PLATFORMS entry %q: url must be http(s)", name)
		}
		out = append(out, WebhookPlatform{Name: name, OutboundURL: url, Secret: strings.TrimSpace(secret)})
	}
	return out, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
