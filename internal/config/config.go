package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the server settings.
type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	TerminalEnrollmentKey  string
	AdminKey               string
	CatalogCacheTTLSeconds int
	LogLevel               string
}

// TerminalConfig holds the settings of one POS terminal process.
type TerminalConfig struct {
	TerminalID    string
	DBPath        string
	ServerURL     string
	Token         string
	EnrollmentKey string
	PushInterval  time.Duration
	PullInterval  time.Duration
	MaxAttempts   int
	BaseDelay     time.Duration
	BatchSize     int
	HTTPTimeout   time.Duration
	LogLevel      string
}

// Load reads the server configuration. A .env file in the working directory
// is applied first without overriding variables that are already set.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	return Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		TerminalEnrollmentKey:  strings.TrimSpace(os.Getenv("TERMINAL_ENROLLMENT_KEY")),
		AdminKey:               strings.TrimSpace(os.Getenv("ADMIN_KEY")),
		CatalogCacheTTLSeconds: getPositiveInt("CATALOG_CACHE_TTL_SECONDS", 30),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
	}
}

// LoadTerminal reads the terminal configuration.
func LoadTerminal() TerminalConfig {
	_ = godotenv.Load()

	return TerminalConfig{
		TerminalID:    strings.TrimSpace(os.Getenv("TERMINAL_ID")),
		DBPath:        getEnv("TERMINAL_DB_PATH", "kasir-terminal.db"),
		ServerURL:     strings.TrimRight(getEnv("SYNC_SERVER_URL", "http://127.0.0.1:8080"), "/"),
		Token:         strings.TrimSpace(os.Getenv("SYNC_TOKEN")),
		EnrollmentKey: strings.TrimSpace(os.Getenv("TERMINAL_ENROLLMENT_KEY")),
		PushInterval:  getMillis("SYNC_PUSH_INTERVAL_MS", 15000),
		PullInterval:  getMillis("SYNC_PULL_INTERVAL_MS", 60000),
		MaxAttempts:   getPositiveInt("SYNC_MAX_ATTEMPTS", 3),
		BaseDelay:     getMillis("SYNC_BASE_DELAY_MS", 500),
		BatchSize:     getPositiveInt("SYNC_BATCH_SIZE", 100),
		HTTPTimeout:   getMillis("SYNC_HTTP_TIMEOUT_MS", 10000),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) CatalogCacheTTL() time.Duration {
	return time.Duration(c.CatalogCacheTTLSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}

func getMillis(key string, fallback int) time.Duration {
	return time.Duration(getPositiveInt(key, fallback)) * time.Millisecond
}
