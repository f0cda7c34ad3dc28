package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// HTTPサーバ設定
	Server ServerConfig

	// ジョブ実行設定
	Jobs JobsConfig

	// イベント配信設定
	Events EventsConfig

	// OpenAI設定（修復ランナー用）
	OpenAI OpenAIConfig

	// 解析サービス設定
	Crew CrewConfig
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ServerConfig はHTTPサーバ設定
type ServerConfig struct {
	Port     int
	APIToken string // 空の場合は認証なし
}

// JobsConfig はジョブオーケストレータの設定
type JobsConfig struct {
	// StallTimeout は進捗が途絶えたジョブを強制エラーにするまでの時間
	StallTimeout time.Duration
	// WatchdogInterval はストール検出の実行間隔
	WatchdogInterval time.Duration
	// DefaultIssueTokens は見積り不能なイシューに割り当てるトークン数
	DefaultIssueTokens int
}

// EventsConfig はイベントバスの設定
type EventsConfig struct {
	Backend    string // "memory" or "nats"
	NATSURL    string
	BufferSize int // サブスクライバごとのバッファ長
}

// OpenAIConfig はOpenAI API設定
type OpenAIConfig struct {
	APIKey string
	Model  string
}

// CrewConfig はサイト解析サービスへの接続設定
type CrewConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "cockpit"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "cockpit"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Server: ServerConfig{
			Port:     getEnvAsInt("HTTP_PORT", 8080),
			APIToken: getEnv("COCKPIT_API_TOKEN", ""),
		},
		Jobs: JobsConfig{
			StallTimeout:       getEnvAsDuration("JOB_STALL_TIMEOUT", 3*time.Minute),
			WatchdogInterval:   getEnvAsDuration("JOB_WATCHDOG_INTERVAL", 15*time.Second),
			DefaultIssueTokens: getEnvAsInt("FIX_DEFAULT_ISSUE_TOKENS", 500),
		},
		Events: EventsConfig{
			Backend:    getEnv("EVENTS_BACKEND", "memory"),
			NATSURL:    getEnv("NATS_URL", "nats://localhost:4222"),
			BufferSize: getEnvAsInt("EVENTS_BUFFER_SIZE", 64),
		},
		OpenAI: OpenAIConfig{
			APIKey: getEnv("OPENAI_API_KEY", ""),
			Model:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		},
		Crew: CrewConfig{
			BaseURL: getEnv("CREW_SERVICE_URL", "http://localhost:8001"),
			Timeout: getEnvAsDuration("CREW_SERVICE_TIMEOUT", 10*time.Minute),
		},
	}

	return cfg, nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
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

// getEnvAsDuration は環境変数をtime.Durationとして取得します
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
