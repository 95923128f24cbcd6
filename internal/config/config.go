package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Files
	ConfigFile string
	CacheFile  string
	DataDir    string

	// Database
	DatabaseURL string

	// Fetch
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxAttempts   int
	FeedFetchesPerHour int

	// Download
	DownloadsPerHour int
	DownloadTimeout  time.Duration
	PartialFileTTL   time.Duration

	// Scheduler
	UpdateInterval time.Duration

	// Security
	AllowPrivateNetworks bool

	// Rate Limit
	RateLimitGeneral int

	// Server
	ServerPort string

	// Logging
	LogLevel string
	LogFile  string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須の環境変数はなく、未設定の項目はデフォルト値になる。
// LOG_LEVELが不正な値の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.ConfigFile = getEnvString("CONFIG_FILE", defaultConfigFile())
	cfg.CacheFile = getEnvString("CACHE_FILE", defaultCacheFile())
	cfg.DataDir = getEnvString("DATA_DIR", defaultDataDir())
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 52428800)
	cfg.FetchMaxAttempts = getEnvInt("FETCH_MAX_ATTEMPTS", 10)
	cfg.FeedFetchesPerHour = getEnvInt("FEED_FETCHES_PER_HOUR", 120)
	cfg.DownloadsPerHour = getEnvInt("DOWNLOADS_PER_HOUR", 30)
	cfg.DownloadTimeout = getEnvDuration("DOWNLOAD_TIMEOUT", 30*time.Minute)
	cfg.PartialFileTTL = getEnvDuration("PARTIAL_FILE_TTL", 24*time.Hour)
	cfg.UpdateInterval = getEnvDuration("UPDATE_INTERVAL", time.Hour)
	cfg.AllowPrivateNetworks = getEnvBool("ALLOW_PRIVATE_NETWORKS", false)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.LogFile = os.Getenv("LOG_FILE")

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q", cfg.LogLevel)
	}

	return cfg, nil
}

func defaultConfigFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, appName, "config.yaml")
}

func defaultCacheFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, appName, "puckcache.json")
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return appName
	}
	return filepath.Join(home, ".local", "share", appName)
}

const appName = "puckfetcher"

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
