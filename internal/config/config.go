// Package config loads the gateway's environment-variable-driven
// configuration, with an optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable named in the gateway's operational
// surface. Zero values are replaced by documented defaults in Load.
type Config struct {
	DatabaseURL          string
	DatabaseTimeout      time.Duration
	SQLiteMaxConnections int
	SQLitePath           string

	MaxErrorCount                 int
	AutoDisableIncompleteAccounts bool

	MasterKey     string
	MasterKeyPath string

	HTTPProxy string

	TokenCountMultiplier float64
	MaxTokensPerRequest  int
	TokenCompressThreshold int

	RequestDedupeWindow     time.Duration
	RequestDedupeMaxKeys    int
	RequestDedupeIgnoreModel bool

	RequestTraceEnabled bool

	MaxAuthSessions int

	LockDir          string
	LockTimeout      time.Duration
	LockStaleTimeout time.Duration

	AmazonQClientID          string
	AmazonQClientSecret      string
	AmazonQRegion            string
	AmazonQTokenURLTemplate  string
	KiroBuilderIDTokenURLTemplate string
	KiroBuilderIDDefaultRegion    string

	DebugMessageConversion bool

	ListenAddr  string
	LogLevel    string
	LogFilePath string

	AccountsSeedFile string
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvDurationSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func getenvDurationMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

// Load reads process environment variables into a Config, optionally
// seeding them from a .env file first (ignored if absent, matching the
// teacher's dev-convenience loading).
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DatabaseTimeout:      getenvDurationSeconds("DATABASE_TIMEOUT", 30*time.Second),
		SQLiteMaxConnections: getenvInt("SQLITE_MAX_CONNECTIONS", 10),
		SQLitePath:           getenv("SQLITE_PATH", "./data/gateway.db"),

		MaxErrorCount:                  getenvInt("MAX_ERROR_COUNT", 10),
		AutoDisableIncompleteAccounts:  getenvBool("AUTO_DISABLE_INCOMPLETE_ACCOUNTS", true),

		MasterKey:     os.Getenv("MASTER_KEY"),
		MasterKeyPath: getenv("MASTER_KEY_PATH", "./data/master.key"),

		HTTPProxy: os.Getenv("HTTP_PROXY"),

		TokenCountMultiplier:   getenvFloat("TOKEN_COUNT_MULTIPLIER", 1.0),
		MaxTokensPerRequest:    getenvInt("MAX_TOKENS_PER_REQUEST", 200000),
		TokenCompressThreshold: getenvInt("TOKEN_COMPRESS_THRESHOLD", 20000),

		RequestDedupeWindow:      getenvDurationMillis("REQUEST_DEDUPE_WINDOW_MS", 2*time.Second),
		RequestDedupeMaxKeys:     getenvInt("REQUEST_DEDUPE_MAX_KEYS", 10000),
		RequestDedupeIgnoreModel: getenvBool("REQUEST_DEDUPE_IGNORE_MODEL", false),

		RequestTraceEnabled: getenvBool("REQUEST_TRACE_ENABLED", false),

		MaxAuthSessions: getenvInt("MAX_AUTH_SESSIONS", 50),

		LockDir:          getenv("LOCK_DIR", "/tmp/kiroq-gateway-locks"),
		LockTimeout:      getenvDurationSeconds("LOCK_TIMEOUT", 30*time.Second),
		LockStaleTimeout: getenvDurationSeconds("LOCK_STALE_TIMEOUT", 5*time.Minute),

		AmazonQClientID:               os.Getenv("AMAZON_Q_CLIENT_ID"),
		AmazonQClientSecret:           os.Getenv("AMAZON_Q_CLIENT_SECRET"),
		AmazonQRegion:                 getenv("AMAZON_Q_REGION", "us-east-1"),
		AmazonQTokenURLTemplate:       getenv("AMAZON_Q_TOKEN_URL_TEMPLATE", "https://oidc.{region}.amazonaws.com/token"),
		KiroBuilderIDTokenURLTemplate: getenv("KIRO_BUILDER_ID_TOKEN_URL_TEMPLATE", "https://oidc.{region}.amazonaws.com/token"),
		KiroBuilderIDDefaultRegion:    getenv("KIRO_BUILDER_ID_DEFAULT_REGION", "us-east-1"),

		DebugMessageConversion: getenvBool("DEBUG_MESSAGE_CONVERSION", false),

		ListenAddr:  getenv("LISTEN_ADDR", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogFilePath: os.Getenv("LOG_FILE_PATH"),

		AccountsSeedFile: os.Getenv("ACCOUNTS_SEED_FILE"),
	}
}
