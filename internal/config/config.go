// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// セッション設定
	SessionSecret   string // セッション署名用の秘密鍵
	SessionTTLHours int    // セッションの有効期限（時間）

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ストア設定
	RedisURL string // Redis接続URL（ユーザー・TODO・セッション・アクセス記録）

	// 認証設定
	BcryptCost int // bcryptのコストパラメータ

	// レート制限設定
	RateCooldownSeconds  int // 書き込み系エンドポイントのクールダウン秒数
	AccessRecordTTLHours int // アクセス記録の保持時間（時間）

	// TODO設定
	MaxImageBytes int64 // 添付画像の最大サイズ（バイト）

	// メンテナンス設定
	MaintenanceIntervalMinutes int // レジストリ掃除の実行間隔（分）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// セッション設定
		SessionSecret:   getEnv("SESSION_SECRET", ""),
		SessionTTLHours: getEnvAsInt("SESSION_TTL_HOURS", 12),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ストア設定
		RedisURL: getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),

		// 認証設定
		BcryptCost: getEnvAsInt("BCRYPT_COST", 10),

		// レート制限設定
		RateCooldownSeconds:  getEnvAsInt("RATE_COOLDOWN_SECONDS", 5),
		AccessRecordTTLHours: getEnvAsInt("ACCESS_RECORD_TTL_HOURS", 24),

		// TODO設定
		MaxImageBytes: getEnvAsInt64("MAX_IMAGE_BYTES", 5*1024*1024), // 5MB

		// メンテナンス設定
		MaintenanceIntervalMinutes: getEnvAsInt("MAINTENANCE_INTERVAL_MINUTES", 10),
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

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発ではセッション鍵は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
	}

	if c.RateCooldownSeconds <= 0 {
		return fmt.Errorf("RATE_COOLDOWN_SECONDS must be positive (got %d)", c.RateCooldownSeconds)
	}
	if c.MaxImageBytes <= 0 {
		return fmt.Errorf("MAX_IMAGE_BYTES must be positive (got %d)", c.MaxImageBytes)
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

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
