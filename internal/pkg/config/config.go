package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/InboxGate/internal/pkg/env"
)

var (
	ErrMissingEncryptionKey = errors.New("ENCRYPTION_KEY is required")
	ErrMissingJWTSecret     = errors.New("JWT_SECRET is required")
)

const (
	defaultPubSubTopic    = "projects/your-project/topics/gmail-notifications"
	defaultMailboxDomains = "gmail.com,googlemail.com"
)

// Config is the typed view of the process environment.
type Config struct {
	AppEnv  string
	AppHost string
	AppPort string

	Google  GoogleConfig
	Webhook WebhookConfig

	EncryptionKey string
	JWTSecret     string
	JWTExpiresIn  time.Duration
	SessionSecret string

	DBDriver    string
	DatabaseURL string

	CacheHost     string
	CachePort     string
	CachePassword string

	CORSOrigins []string

	MailboxDomains       []string
	PrivacyPolicyVersion string
	PendingTTL           time.Duration

	Scheduler SchedulerConfig
	Archive   ArchiveConfig

	MetricsUser     string
	MetricsPassword string

	RateLimitMax    int
	RateLimitWindow time.Duration
}

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	PubSubTopic  string
}

type WebhookConfig struct {
	URL                string
	Secret             string
	IncludeCredentials bool
}

type SchedulerConfig struct {
	TokenRefreshInterval time.Duration
	WatchRenewalInterval time.Duration
	CleanupInterval      time.Duration
	ShutdownGrace        time.Duration
	TokenLookahead       time.Duration
	WatchLookahead       time.Duration
	AuditRetention       time.Duration
}

type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

func (a ArchiveConfig) Enabled() bool {
	return strings.TrimSpace(a.Bucket) != ""
}

// Load reads the configuration from env.GetEnv and validates the mandatory secrets.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:  env.GetEnv("APP_ENV", "prod"),
		AppHost: env.GetEnv("APP_HOST", "localhost"),
		AppPort: env.GetEnv("APP_PORT", "4000"),
		Google: GoogleConfig{
			ClientID:     strings.TrimSpace(env.GetEnv("GOOGLE_CLIENT_ID", "")),
			ClientSecret: strings.TrimSpace(env.GetEnv("GOOGLE_CLIENT_SECRET", "")),
			RedirectURI:  strings.TrimSpace(env.GetEnv("GOOGLE_REDIRECT_URI", "http://localhost:4000/api/auth/google/callback")),
			PubSubTopic:  strings.TrimSpace(env.GetEnv("GOOGLE_PUBSUB_TOPIC", defaultPubSubTopic)),
		},
		Webhook: WebhookConfig{
			URL:                strings.TrimSpace(env.GetEnv("WEBHOOK_BASE_URL", "")),
			Secret:             env.GetEnv("WEBHOOK_SECRET", ""),
			IncludeCredentials: env.GetBool("WEBHOOK_INCLUDE_CREDENTIALS", false),
		},
		EncryptionKey: strings.TrimSpace(env.GetEnv("ENCRYPTION_KEY", "")),
		JWTSecret:     env.GetEnv("JWT_SECRET", ""),
		JWTExpiresIn:  env.GetDuration("JWT_EXPIRES_IN", 24*time.Hour),
		SessionSecret: env.GetEnv("SESSION_SECRET", ""),
		DBDriver:      strings.ToLower(env.GetEnv("DB_DRIVER", "mysql")),
		DatabaseURL:   env.GetEnv("DATABASE_URL", ""),
		CacheHost:     env.GetEnv("CACHE_HOST", "localhost"),
		CachePort:     env.GetEnv("CACHE_PORT", "6379"),
		CachePassword: env.GetEnv("CACHE_PASSWORD", ""),
		CORSOrigins:   splitList(env.GetEnv("CORS_ORIGIN", "http://localhost:3000")),

		MailboxDomains:       splitList(env.GetEnv("MAILBOX_DOMAINS", defaultMailboxDomains)),
		PrivacyPolicyVersion: env.GetEnv("PRIVACY_POLICY_VERSION", "1.0"),
		PendingTTL:           env.GetDuration("PENDING_REGISTRATION_TTL", 30*time.Minute),

		Scheduler: SchedulerConfig{
			TokenRefreshInterval: env.GetDuration("SCHEDULER_TOKEN_REFRESH_INTERVAL", time.Hour),
			WatchRenewalInterval: env.GetDuration("SCHEDULER_WATCH_RENEWAL_INTERVAL", 6*time.Hour),
			CleanupInterval:      env.GetDuration("SCHEDULER_CLEANUP_INTERVAL", 24*time.Hour),
			ShutdownGrace:        env.GetDuration("SCHEDULER_SHUTDOWN_GRACE", 30*time.Second),
			TokenLookahead:       2 * time.Hour,
			WatchLookahead:       24 * time.Hour,
			AuditRetention:       time.Duration(env.GetInt("AUDIT_RETENTION_DAYS", 90)) * 24 * time.Hour,
		},
		Archive: ArchiveConfig{
			Bucket:          strings.TrimSpace(env.GetEnv("AUDIT_ARCHIVE_BUCKET", "")),
			Region:          env.GetEnv("AUDIT_ARCHIVE_REGION", "us-east-1"),
			Endpoint:        strings.TrimSpace(env.GetEnv("AUDIT_ARCHIVE_ENDPOINT", "")),
			AccessKeyID:     env.GetEnv("AUDIT_ARCHIVE_ACCESS_KEY_ID", ""),
			SecretAccessKey: env.GetEnv("AUDIT_ARCHIVE_SECRET_ACCESS_KEY", ""),
		},

		MetricsUser:     env.GetEnv("METRICS_USER", "admin"),
		MetricsPassword: env.GetEnv("METRICS_PASSWORD", ""),

		RateLimitMax:    env.GetInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow: env.GetDuration("RATE_LIMIT_WINDOW", 15*time.Minute),
	}

	if cfg.DatabaseURL == "" && cfg.DBDriver == "mysql" {
		cfg.DatabaseURL = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			env.GetEnv("DB_USER", ""),
			env.GetEnv("DB_PASSWORD", ""),
			env.GetEnv("DB_HOST", "127.0.0.1"),
			env.GetEnv("DB_PORT", "3306"),
			env.GetEnv("DB_NAME", "inboxgate"),
		)
	}
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = cfg.JWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return ErrMissingEncryptionKey
	}
	if c.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	switch c.DBDriver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.AppEnv == "dev"
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.AppHost, c.AppPort)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
