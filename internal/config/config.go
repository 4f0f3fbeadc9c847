package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultFederatedKeysURL はGoogleのセキュアトークン署名鍵（x509 PEM）の公開URL。
const DefaultFederatedKeysURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"

// メール送信バックエンド
const (
	MailBackendLog      = "log"
	MailBackendRabbitMQ = "rabbitmq"
	MailBackendPubSub   = "pubsub"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Session / Cookie
	SessionSecret string
	SessionMaxAge time.Duration
	SummaryMaxAge time.Duration
	CookieSecure  bool
	CookieDomain  string

	// Federated
	FederatedProjectID     string
	FederatedKeysURL       string
	FederatedRefreshWindow time.Duration

	// Handoff
	HandoffSecret         string
	HandoffResolverSecret string
	HandoffTTL            time.Duration

	// One-time token
	TokenTTL time.Duration

	// Community
	DefaultCommunityID int64

	// Rate Limit
	RateLimitGeneral int
	RateLimitAuth    int

	// Mail
	MailBackend string
	MailChannel string
	RabbitMQ    RabbitMQConfig
	PubSub      PubSubConfig

	// Cleanup
	CleanupInterval time.Duration
	TokenRetention  time.Duration

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// RabbitMQConfig はRabbitMQバックエンドの設定。
type RabbitMQConfig struct {
	URL             string
	QueueDurable    bool
	QueueAutoDelete bool
}

// PubSubConfig はGoogle Cloud Pub/Subバックエンドの設定。
type PubSubConfig struct {
	ProjectID       string
	CredentialsFile string
}

// Load は環境変数からConfigを読み込む。
// ENV=dev の場合はカレントディレクトリの .env を先に読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if os.Getenv("ENV") == "dev" {
		_ = godotenv.Load()
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.HandoffSecret = os.Getenv("HANDOFF_SECRET")
	if cfg.HandoffSecret == "" {
		missing = append(missing, "HANDOFF_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvDuration("SESSION_MAX_AGE", 365*24*time.Hour)
	cfg.SummaryMaxAge = getEnvDuration("SUMMARY_MAX_AGE", 15*time.Minute)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")

	cfg.FederatedProjectID = getEnvString("FEDERATED_PROJECT_ID", "")
	cfg.FederatedKeysURL = getEnvString("FEDERATED_KEYS_URL", DefaultFederatedKeysURL)
	cfg.FederatedRefreshWindow = getEnvDuration("FEDERATED_REFRESH_WINDOW", time.Minute)

	cfg.HandoffResolverSecret = getEnvString("HANDOFF_RESOLVER_SECRET", "")
	cfg.HandoffTTL = getEnvDuration("HANDOFF_TTL", 300*time.Second)
	cfg.TokenTTL = getEnvDuration("TOKEN_TTL", 15*time.Minute)
	cfg.DefaultCommunityID = getEnvInt64("DEFAULT_COMMUNITY_ID", 1)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)

	cfg.MailBackend = getEnvString("MAIL_BACKEND", MailBackendLog)
	cfg.MailChannel = getEnvString("MAIL_CHANNEL", "mail.outbound")
	cfg.RabbitMQ = RabbitMQConfig{
		URL:             getEnvString("RABBITMQ_URL", ""),
		QueueDurable:    getEnvBool("RABBITMQ_QUEUE_DURABLE", true),
		QueueAutoDelete: getEnvBool("RABBITMQ_QUEUE_AUTO_DELETE", false),
	}
	cfg.PubSub = PubSubConfig{
		ProjectID:       getEnvString("PUBSUB_PROJECT_ID", ""),
		CredentialsFile: getEnvString("PUBSUB_CREDENTIALS_FILE", ""),
	}

	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.TokenRetention = getEnvDuration("TOKEN_RETENTION", 24*time.Hour)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	switch cfg.MailBackend {
	case MailBackendLog, MailBackendRabbitMQ, MailBackendPubSub:
	default:
		return nil, fmt.Errorf("unsupported MAIL_BACKEND: %q", cfg.MailBackend)
	}

	return cfg, nil
}

// FederatedEnabled は外部IdPトークン検証が設定されているかを返す。
func (c *Config) FederatedEnabled() bool {
	return c.FederatedProjectID != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
