package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// LTI
	SecretKey       string        // トークン生成用のプロセス全体シークレット（個別コンシューマとは無関係）
	LaunchClockSkew time.Duration // oauth_timestampの許容ずれ
	NonceRetention  time.Duration // nonceレコードの保持期間

	// Session
	SessionMaxAge int

	// Outcome
	OutcomeTimeout time.Duration // LMSへの成績送信のタイムアウト

	// Rate Limit
	RateLimitLaunch int // ローンチエンドポイントのレート（req/min/IP）

	// Server
	ServerPort string
	BaseURL    string

	// CSP frame-ancestorsに設定する埋め込み元（LMSのオリジン）。
	// 空の場合は全オリジンからの埋め込みを許可する。
	FrameAncestors string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// Logging
	Debug bool
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（未設定の変数のみ反映される）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	// .envはローカル開発用。存在しなければ何もしない。
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SecretKey = os.Getenv("SECRET_KEY")
	if cfg.SecretKey == "" {
		missing = append(missing, "SECRET_KEY")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.LaunchClockSkew = getEnvDuration("LAUNCH_CLOCK_SKEW", 5*time.Minute)
	cfg.NonceRetention = getEnvDuration("NONCE_RETENTION", 1*time.Hour)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.OutcomeTimeout = getEnvDuration("OUTCOME_TIMEOUT", 10*time.Second)
	cfg.RateLimitLaunch = getEnvInt("RATE_LIMIT_LAUNCH", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.FrameAncestors = getEnvString("FRAME_ANCESTORS", "")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.Debug = getEnvBool("DEBUG", false)

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
