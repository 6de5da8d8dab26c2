// Package config handles application configuration loading and validation
// from environment variables, providing a type-safe configuration structure.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all gateway configuration values loaded from environment variables.
// It is constructed once at startup and passed explicitly into the components
// that need it; nothing reads ambient global state after that.
type Config struct {
	// Server configuration
	ListenAddr     string        // Address to listen on (e.g., ":8080")
	RequestTimeout time.Duration // Read/write timeout for the HTTP server
	MaxUploadSize  int64         // Maximum size of an uploaded image in bytes

	// Environment
	Env string // 'production', 'development', or 'test'

	// Storage
	DataDir      string // Directory for durable state (key store, usage log)
	KeysFileName string // File name of the API key store inside DataDir

	// Admin authentication
	AdminUsername     string        // Admin login name
	AdminPassword     string        // Plain admin password (development convenience)
	AdminPasswordHash string        // bcrypt hash of the admin password; takes precedence
	JWTSecret         string        // HMAC secret for admin session tokens
	SessionTTL        time.Duration // Lifetime of issued admin sessions

	// Default key quotas, captured onto each key at creation time.
	// Changing these never alters limits already stored on existing keys.
	DefaultRateLimitPerMinute int
	DefaultRateLimitPerDay    int

	// OCR engine
	TesseractCmd     string   // Path to the tesseract binary
	AllowedLanguages []string // Language codes accepted by the extract endpoints

	// VLM engine
	VLMServerURL   string        // Base URL of the llama.cpp-compatible VLM server
	VLMModel       string        // Model name sent with understand requests
	VLMTimeout     time.Duration // Timeout for VLM inference requests
	VLMPresetsPath string        // Optional YAML file overriding the built-in prompt presets

	// Usage log
	UsageLogEnabled bool   // Record admissions in the SQLite usage log
	UsageLogPath    string // Path to the usage log database (empty: DataDir/usage.db)
	UsageLogBuffer  int    // Buffered channel size for async usage writes

	// Logging
	LogLevel  string // Log level (debug, info, warn, error)
	LogFormat string // Log format (json, console)
	LogFile   string // Path to log file (empty for stdout)
}

// New creates a new configuration with values from environment variables.
// It applies default values where environment variables are not set,
// and validates required configuration settings.
func New() (*Config, error) {
	cfg := &Config{
		ListenAddr:     getEnvString("LISTEN_ADDR", ":8080"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		MaxUploadSize:  getEnvInt64("MAX_UPLOAD_SIZE", 10*1024*1024), // 10MB

		Env: getEnvString("GATEWAY_ENV", "development"),

		DataDir:      getEnvString("DATA_DIR", "./data"),
		KeysFileName: getEnvString("KEYS_FILE", "api_keys.json"),

		AdminUsername:     getEnvString("ADMIN_USERNAME", "admin"),
		AdminPassword:     getEnvString("ADMIN_PASSWORD", ""),
		AdminPasswordHash: getEnvString("ADMIN_PASSWORD_HASH", ""),
		JWTSecret:         getEnvString("JWT_SECRET", ""),
		SessionTTL:        getEnvDuration("SESSION_TTL", 7*24*time.Hour),

		DefaultRateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		DefaultRateLimitPerDay:    getEnvInt("RATE_LIMIT_PER_DAY", 1000),

		TesseractCmd:     getEnvString("TESSERACT_CMD", "tesseract"),
		AllowedLanguages: getEnvStringSlice("ALLOWED_LANGUAGES", defaultLanguages()),

		VLMServerURL:   getEnvString("VLM_SERVER_URL", "http://127.0.0.1:8081"),
		VLMModel:       getEnvString("VLM_MODEL", "qwen3-vl"),
		VLMTimeout:     getEnvDuration("VLM_TIMEOUT", 2*time.Minute),
		VLMPresetsPath: getEnvString("VLM_PRESETS_PATH", ""),

		UsageLogEnabled: getEnvBool("USAGE_LOG_ENABLED", true),
		UsageLogPath:    getEnvString("USAGE_LOG_PATH", ""),
		UsageLogBuffer:  getEnvInt("USAGE_LOG_BUFFER", 1024),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "json"),
		LogFile:   getEnvString("LOG_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable. Development mode tolerates
// missing admin credentials; production does not.
func (c *Config) Validate() error {
	if c.Env != "production" {
		return nil
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if c.AdminPassword == "" && c.AdminPasswordHash == "" {
		return fmt.Errorf("ADMIN_PASSWORD or ADMIN_PASSWORD_HASH is required in production")
	}
	return nil
}

// KeysFilePath returns the full path of the API key store file.
func (c *Config) KeysFilePath() string {
	return filepath.Join(c.DataDir, c.KeysFileName)
}

// UsageLogDatabasePath returns the usage log path, defaulting into DataDir.
func (c *Config) UsageLogDatabasePath() string {
	if c.UsageLogPath != "" {
		return c.UsageLogPath
	}
	return filepath.Join(c.DataDir, "usage.db")
}

func defaultLanguages() []string {
	return []string{
		"eng", "fra", "deu", "spa", "ita", "por", "nld", "pol",
		"rus", "jpn", "chi_sim", "chi_tra", "kor", "ara",
	}
}

// getEnvString retrieves a string value from an environment variable,
// falling back to the provided default value if the variable is not set.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a boolean.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvInt retrieves an integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvInt64 retrieves a 64-bit integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a duration.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvStringSlice retrieves a comma-separated string value from an environment
// variable and splits it into a slice, falling back to the provided default
// value if the variable is not set or is empty.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
