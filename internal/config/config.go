package config

import (
	"fmt"
	"log/slog"
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

	// Credential
	CredentialEncryptionKey string

	// Redis（空の場合はプロセス内のレートリミッターとロックを使う）
	RedisURL string

	// Dispatch
	DispatchInterval       time.Duration
	DispatchMaxConcurrent  int
	DispatchBatchSize      int
	DispatchClaimLease     time.Duration
	PublishTimeout         time.Duration
	MaxPublishAttempts     int
	RetryBackoffBase       time.Duration
	RetryBackoffMax        time.Duration
	PublishRateLimitWindow time.Duration
	PublishRateLimitMax    int

	// Autopilot
	AutopilotSchedule      string
	AutopilotMinSpacing    time.Duration
	AutopilotHorizon       time.Duration
	AutopilotMaxConcurrent int
	DiscoveryMinEngagement int
	DiscoveryMaxResults    int
	DiscoveryFeeds         map[string][]string
	ProducerTimeout        time.Duration

	// X API
	XAPIBaseURL  string
	XBearerToken string

	// AI backends
	AnthropicAPIKey string
	AnthropicModel  string
	MistralAPIKey   string
	GrokAPIKey      string

	// Background jobs
	AnalyticsInterval time.Duration
	CleanupInterval   time.Duration

	// Ops
	OpsToken string

	// Rate Limit（API req/min）
	RateLimitGeneral int
	RateLimitWrite   int

	// Logging
	LogLevel slog.Level

	// Server
	ServerPort  string
	MetricsPort string // ワーカーの/metrics公開ポート
	BaseURL     string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や設定値が矛盾する場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.CredentialEncryptionKey = os.Getenv("CREDENTIAL_ENCRYPTION_KEY")
	if cfg.CredentialEncryptionKey == "" {
		missing = append(missing, "CREDENTIAL_ENCRYPTION_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.DispatchInterval = getEnvDuration("DISPATCH_INTERVAL", 60*time.Second)
	cfg.DispatchMaxConcurrent = getEnvInt("DISPATCH_MAX_CONCURRENT", 10)
	cfg.DispatchBatchSize = getEnvInt("DISPATCH_BATCH_SIZE", 500)
	cfg.DispatchClaimLease = getEnvDuration("DISPATCH_CLAIM_LEASE", 10*time.Minute)
	cfg.PublishTimeout = getEnvDuration("PUBLISH_TIMEOUT", 30*time.Second)
	cfg.MaxPublishAttempts = getEnvInt("MAX_PUBLISH_ATTEMPTS", 3)
	cfg.RetryBackoffBase = getEnvDuration("RETRY_BACKOFF_BASE", time.Minute)
	cfg.RetryBackoffMax = getEnvDuration("RETRY_BACKOFF_MAX", 30*time.Minute)
	cfg.PublishRateLimitWindow = getEnvDuration("RATE_LIMIT_WINDOW", 15*time.Minute)
	cfg.PublishRateLimitMax = getEnvInt("RATE_LIMIT_CEILING", 100)

	cfg.AutopilotSchedule = getEnvString("AUTOPILOT_SCHEDULE", "@hourly")
	cfg.AutopilotMinSpacing = getEnvDuration("AUTOPILOT_MIN_SPACING", 6*time.Hour)
	cfg.AutopilotHorizon = getEnvDuration("AUTOPILOT_HORIZON", 24*time.Hour)
	cfg.AutopilotMaxConcurrent = getEnvInt("AUTOPILOT_MAX_CONCURRENT", 4)
	cfg.DiscoveryMinEngagement = getEnvInt("DISCOVERY_MIN_ENGAGEMENT", 100)
	cfg.DiscoveryMaxResults = getEnvInt("DISCOVERY_MAX_RESULTS", 20)
	cfg.DiscoveryFeeds = parseFeeds(os.Getenv("DISCOVERY_FEEDS"))
	cfg.ProducerTimeout = getEnvDuration("PRODUCER_TIMEOUT", 60*time.Second)

	cfg.XAPIBaseURL = getEnvString("X_API_BASE_URL", "")
	cfg.XBearerToken = getEnvString("X_BEARER_TOKEN", "")
	cfg.AnthropicAPIKey = getEnvString("ANTHROPIC_API_KEY", "")
	cfg.AnthropicModel = getEnvString("ANTHROPIC_MODEL", "")
	cfg.MistralAPIKey = getEnvString("MISTRAL_API_KEY", "")
	cfg.GrokAPIKey = getEnvString("GROK_API_KEY", "")

	cfg.AnalyticsInterval = getEnvDuration("ANALYTICS_INTERVAL", 30*time.Minute)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.OpsToken = getEnvString("OPS_TOKEN", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitWrite = getEnvInt("RATE_LIMIT_WRITE", 30)
	cfg.LogLevel = getEnvLogLevel("LOG_LEVEL", slog.LevelInfo)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は設定値の組み合わせを検証する。
func (c *Config) validate() error {
	// 公開呼び出し中のクレームが他インスタンスに奪われないこと
	if c.DispatchClaimLease <= c.PublishTimeout {
		return fmt.Errorf("DISPATCH_CLAIM_LEASE (%s) must be longer than PUBLISH_TIMEOUT (%s)",
			c.DispatchClaimLease, c.PublishTimeout)
	}
	if c.PublishRateLimitMax < 0 {
		return fmt.Errorf("RATE_LIMIT_CEILING must not be negative: %d", c.PublishRateLimitMax)
	}
	if c.RetryBackoffMax < c.RetryBackoffBase {
		return fmt.Errorf("RETRY_BACKOFF_MAX (%s) must not be shorter than RETRY_BACKOFF_BASE (%s)",
			c.RetryBackoffMax, c.RetryBackoffBase)
	}
	return nil
}

// parseFeeds は "niche=url1,url2;niche2=url3" 形式のフィード設定を解析する。
// 不正な要素は無視する。
func parseFeeds(v string) map[string][]string {
	feeds := make(map[string][]string)
	for _, entry := range strings.Split(v, ";") {
		niche, urls, ok := strings.Cut(entry, "=")
		niche = strings.TrimSpace(niche)
		if !ok || niche == "" {
			continue
		}
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				feeds[niche] = append(feeds[niche], u)
			}
		}
	}
	return feeds
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

func getEnvLogLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
