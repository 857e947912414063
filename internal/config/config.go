package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Strava OAuth
	StravaClientID     string
	StravaClientSecret string
	StravaRedirectURL  string

	// Session (JWT)
	SessionSecret string
	SessionMaxAge int

	// Magic link login
	LoginTokenTTL      time.Duration
	TokenRetentionDays int

	// Mail
	MailEndpoint string
	MailAPIKey   string
	MailFrom     string

	// Provider fetch
	ProviderTimeout time.Duration
	CacheFreshness  time.Duration

	// Sync worker
	SyncInterval      time.Duration
	SyncMaxConcurrent int

	// Rate Limit
	RateLimitGeneral int
	RateLimitExport  int

	// Server
	ServerPort    string
	BaseURL       string // フロントエンド（アプリ）のベースURL
	ServerBaseURL string // このAPIサーバー自身のベースURL（マジックリンク生成用）

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.StravaClientID = os.Getenv("STRAVA_CLIENT_ID")
	if cfg.StravaClientID == "" {
		missing = append(missing, "STRAVA_CLIENT_ID")
	}

	cfg.StravaClientSecret = os.Getenv("STRAVA_CLIENT_SECRET")
	if cfg.StravaClientSecret == "" {
		missing = append(missing, "STRAVA_CLIENT_SECRET")
	}

	cfg.StravaRedirectURL = os.Getenv("STRAVA_REDIRECT_URL")
	if cfg.StravaRedirectURL == "" {
		missing = append(missing, "STRAVA_REDIRECT_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.MailAPIKey = os.Getenv("MAIL_API_KEY")
	if cfg.MailAPIKey == "" {
		missing = append(missing, "MAIL_API_KEY")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 2592000) // 30日
	cfg.LoginTokenTTL = getEnvDuration("LOGIN_TOKEN_TTL", 15*time.Minute)
	cfg.TokenRetentionDays = getEnvInt("TOKEN_RETENTION_DAYS", 30)
	cfg.MailEndpoint = getEnvString("MAIL_ENDPOINT", "https://api.resend.com/emails")
	cfg.MailFrom = getEnvString("MAIL_FROM", "login@stridesync.app")
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 8*time.Second)
	cfg.CacheFreshness = getEnvDuration("CACHE_FRESHNESS", time.Hour)
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", time.Hour)
	cfg.SyncMaxConcurrent = getEnvInt("SYNC_MAX_CONCURRENT", 5)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitExport = getEnvInt("RATE_LIMIT_EXPORT", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.ServerBaseURL = getEnvString("SERVER_BASE_URL", "http://localhost:"+cfg.ServerPort)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
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
