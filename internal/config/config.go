// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port           string   // APIサーバーのポート番号
	GinMode        string   // Ginの実行モード (debug, release, test)
	TrustedProxies []string // ClientIP 解決に使うプロキシ
	LogLevel       string   // debug, info, warn, error
	LogFormat      string   // json, console

	// CORS設定
	CORSAllowedOrigins []string

	// データベース設定
	DatabaseURL    string // 空の場合はインメモリストアで起動（debug モードのみ）
	DBMaxConns     int
	MigrateOnStart bool

	// セッション設定
	SessionSecret   string
	SessionStore    string // memory, redis
	SessionRedisURL string
	SessionIdle     time.Duration
	SessionWarning  time.Duration

	// Bearer トークン設定
	TokenSecret string
	TokenTTL    time.Duration
	TokenIssuer string

	// レート制限設定
	RateLimitStore      string // memory, redis
	RateLimitRedisURL   string
	RateLimitSweep      time.Duration
	LoginMaxAttempts    int
	LoginWindow         time.Duration
	RegisterMaxAttempts int
	RegisterWindow      time.Duration
	CodeMaxAttempts     int // 確認コード入力の失敗上限
	CodeWindow          time.Duration
	IssueMaxAttempts    int // 確認コードの発行上限
	IssueWindow         time.Duration
	APIRatePerSecond    float64
	APIBurst            int

	// 監査ログ設定
	AuditLogFile      string
	AuditKafkaBrokers []string
	AuditKafkaTopic   string
	AuditRetention    time.Duration

	// ジョブ/メール設定
	QueueRedisURL string // Asynq用Redis接続URL（空の場合は同期送信）
	MailFrom      string
	SMTPHost      string
	SMTPPort      string
	SMTPUser      string
	SMTPPass      string

	// 初期管理者
	AdminUsername string
	AdminEmail    string
	AdminPassword string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		GinMode:        getEnv("GIN_MODE", "debug"),
		TrustedProxies: getEnvAsList("TRUSTED_PROXIES", nil),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),

		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),

		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DBMaxConns:     getEnvAsInt("DB_MAX_CONNS", 10),
		MigrateOnStart: getEnvAsBool("MIGRATE_ON_START", true),

		SessionSecret:   getEnv("SESSION_SECRET", ""),
		SessionStore:    getEnv("SESSION_STORE", "memory"),
		SessionRedisURL: getEnv("SESSION_REDIS_URL", ""),
		SessionIdle:     getEnvAsMinutes("SESSION_IDLE_MINUTES", 30),
		SessionWarning:  getEnvAsMinutes("SESSION_WARNING_MINUTES", 25),

		TokenSecret: getEnv("TOKEN_SECRET", ""),
		TokenTTL:    getEnvAsMinutes("TOKEN_TTL_MINUTES", 60),
		TokenIssuer: getEnv("TOKEN_ISSUER", "fitness-tracker"),

		RateLimitStore:      getEnv("RATE_LIMIT_STORE", "memory"),
		RateLimitRedisURL:   getEnv("RATE_LIMIT_REDIS_URL", ""),
		RateLimitSweep:      getEnvAsMinutes("RATE_LIMIT_SWEEP_MINUTES", 5),
		LoginMaxAttempts:    getEnvAsInt("LOGIN_MAX_ATTEMPTS", 5),
		LoginWindow:         getEnvAsMinutes("LOGIN_WINDOW_MINUTES", 15),
		RegisterMaxAttempts: getEnvAsInt("REGISTER_MAX_ATTEMPTS", 3),
		RegisterWindow:      getEnvAsMinutes("REGISTER_WINDOW_MINUTES", 60),
		CodeMaxAttempts:     getEnvAsInt("CODE_MAX_ATTEMPTS", 5),
		CodeWindow:          getEnvAsMinutes("CODE_WINDOW_MINUTES", 15),
		IssueMaxAttempts:    getEnvAsInt("CODE_ISSUE_MAX", 5),
		IssueWindow:         getEnvAsMinutes("CODE_ISSUE_WINDOW_MINUTES", 60),
		APIRatePerSecond:    getEnvAsFloat("API_RATE_PER_SECOND", 10),
		APIBurst:            getEnvAsInt("API_BURST", 20),

		AuditLogFile:      getEnv("AUDIT_LOG_FILE", ""),
		AuditKafkaBrokers: getEnvAsList("AUDIT_KAFKA_BROKERS", nil),
		AuditKafkaTopic:   getEnv("AUDIT_KAFKA_TOPIC", "audit-events"),
		AuditRetention:    time.Duration(getEnvAsInt("AUDIT_RETENTION_DAYS", 90)) * 24 * time.Hour,

		QueueRedisURL: getEnv("QUEUE_REDIS_URL", ""),
		MailFrom:      getEnv("MAIL_FROM", "no-reply@fitness.local"),
		SMTPHost:      getEnv("SMTP_HOST", ""),
		SMTPPort:      getEnv("SMTP_PORT", "587"),
		SMTPUser:      getEnv("SMTP_USER", ""),
		SMTPPass:      getEnv("SMTP_PASS", ""),

		AdminUsername: getEnv("ADMIN_USERNAME", ""),
		AdminEmail:    getEnv("ADMIN_EMAIL", ""),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// IsRelease は release モードで起動しているかを返します。
func (c *Config) IsRelease() bool {
	return c.GinMode == "release"
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.SessionWarning >= c.SessionIdle {
		return fmt.Errorf("SESSION_WARNING_MINUTES must be lower than SESSION_IDLE_MINUTES")
	}
	if c.SessionStore != "memory" && c.SessionStore != "redis" {
		return fmt.Errorf("SESSION_STORE must be memory or redis, got %q", c.SessionStore)
	}
	if c.SessionStore == "redis" && c.SessionRedisURL == "" {
		return fmt.Errorf("SESSION_REDIS_URL is required when SESSION_STORE=redis")
	}
	if c.RateLimitStore != "memory" && c.RateLimitStore != "redis" {
		return fmt.Errorf("RATE_LIMIT_STORE must be memory or redis, got %q", c.RateLimitStore)
	}
	if c.RateLimitStore == "redis" && c.RateLimitRedisURL == "" {
		return fmt.Errorf("RATE_LIMIT_REDIS_URL is required when RATE_LIMIT_STORE=redis")
	}

	// ローカル開発では秘密鍵は任意（起動時に一時鍵を生成する）
	// 本番環境では厳格にチェックする
	if c.IsRelease() {
		if len(c.SessionSecret) < 32 {
			return fmt.Errorf("SESSION_SECRET must be at least 32 bytes in release mode")
		}
		if len(c.TokenSecret) < 32 {
			return fmt.Errorf("TOKEN_SECRET must be at least 32 bytes in release mode")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsMinutes は分単位の整数を time.Duration として取得します。
func getEnvAsMinutes(key string, defaultMinutes int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultMinutes)) * time.Minute
}

// getEnvAsList はカンマ区切りの値をスライスとして取得します。
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}
