package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	DataDir   string // 本地数据根目录
	StorePath string // SQLite 文件：DataDir/prerelease.db
	LockPath  string // 单写者锁文件：DataDir/prerelease.lock
	AssetDir  string // 封面/音频等资源：DataDir/assets
	InboxDir  string // 收到的分享专辑 JSON 投递目录：DataDir/inbox

	// 远端身份服务
	IdentityAPIURL    string
	IdentityAPISecret string
	IdentityTimeout   time.Duration // 健康检查与资料拉取的上限

	UsernameDebounce time.Duration // 用户名检查的静默期

	// 本地桥接服务
	ServerAddr string

	// Redis 配置（分享交换）
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	ShareTTL      time.Duration

	// MinIO 配置（分享资源镜像）
	MinioEnabled   bool
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool

	// 日志
	LogLevel      string
	LogPath       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvBool accepts anything strconv.ParseBool does.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("800ms", "15s").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment without touching .env.
func FromEnv() *Config {
	dataDir := getEnv("PRERELEASE_DATA_DIR", defaultDataDir())

	return &Config{
		DataDir:   dataDir,
		StorePath: filepath.Join(dataDir, "prerelease.db"),
		LockPath:  filepath.Join(dataDir, "prerelease.lock"),
		AssetDir:  filepath.Join(dataDir, "assets"),
		InboxDir:  getEnv("PRERELEASE_INBOX_DIR", filepath.Join(dataDir, "inbox")),

		IdentityAPIURL:    strings.TrimRight(getEnv("IDENTITY_API_URL", "http://127.0.0.1:8090"), "/"),
		IdentityAPISecret: os.Getenv("IDENTITY_API_SECRET"),
		IdentityTimeout:   getEnvDuration("IDENTITY_TIMEOUT", 15*time.Second),

		UsernameDebounce: getEnvDuration("USERNAME_DEBOUNCE", 800*time.Millisecond),

		ServerAddr: getEnv("SERVER_ADDR", "127.0.0.1:8787"),

		RedisEnabled:  getEnvBool("REDIS_ENABLED", false),
		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		ShareTTL:      getEnvDuration("SHARE_TTL", 30*24*time.Hour),

		MinioEnabled:   getEnvBool("MINIO_ENABLED", false),
		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "prerelease"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogPath:       getEnv("LOG_PATH", filepath.Join(dataDir, "logs", "prerelease.log")),
		LogMaxSize:    getEnvInt("LOG_MAX_SIZE", 10),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
		LogMaxAge:     getEnvInt("LOG_MAX_AGE", 28),
	}
}

// EnsureDirectories creates the data, asset and inbox directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.AssetDir, c.InboxDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "prerelease")
	}
	return ".prerelease"
}
