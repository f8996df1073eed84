// Package server provides configuration helpers that define runtime defaults,
// validation, and environment loading for the relay.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/relaychat/internal/auth"
	"github.com/Tyrowin/relaychat/internal/framing"
	"github.com/Tyrowin/relaychat/internal/history"
)

// History backends accepted in Config.HistoryBackend.
const (
	HistoryBackendSQLite = "sqlite"
	HistoryBackendRedis  = "redis"
)

// RateLimitConfig defines the parameters for per-session message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay configuration. Values are read once at start; the
// chat protocol itself has no runtime options.
type Config struct {
	// ChatAddr is the TCP address of the line protocol listener.
	ChatAddr string
	// HTTPAddr serves health, room stats and the WebSocket bridge. Empty
	// disables the HTTP surface.
	HTTPAddr       string
	AllowedOrigins []string

	DatabasePath   string
	HistoryBackend string
	RedisAddr      string
	RedisPrefix    string

	MaxLineLength int
	SendQueueSize int
	WriteTimeout  time.Duration
	// IdleTimeout closes sessions that send nothing for this long. Zero
	// disables it.
	IdleTimeout time.Duration

	// MaxLoginAttempts bounds failed logins per connection. Zero means
	// unlimited.
	MaxLoginAttempts int
	BcryptCost       int
	RateLimit        RateLimitConfig
}

func defaultConfig() Config {
	return Config{
		ChatAddr: "127.0.0.1:55555",
		HTTPAddr: "127.0.0.1:8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
			"http://127.0.0.1:8080",
		},
		DatabasePath:     "chat.db",
		HistoryBackend:   HistoryBackendSQLite,
		RedisAddr:        "localhost:6379",
		RedisPrefix:      history.DefaultRedisPrefix,
		MaxLineLength:    framing.DefaultMaxLineLength,
		SendQueueSize:    256,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      0,
		MaxLoginAttempts: 0,
		BcryptCost:       auth.DefaultBcryptCost,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
	}
}

// sanitizeConfig replaces invalid values with defaults and normalises the
// origin list. HTTPAddr is left alone because empty is meaningful.
func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.ChatAddr == "" {
		cfg.ChatAddr = def.ChatAddr
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = def.DatabasePath
	}

	switch strings.ToLower(strings.TrimSpace(cfg.HistoryBackend)) {
	case HistoryBackendRedis:
		cfg.HistoryBackend = HistoryBackendRedis
	default:
		cfg.HistoryBackend = HistoryBackendSQLite
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = def.RedisAddr
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = def.RedisPrefix
	}

	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = def.MaxLineLength
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	if cfg.MaxLoginAttempts < 0 {
		cfg.MaxLoginAttempts = 0
	}
	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = def.BcryptCost
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set or invalid.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if addr := os.Getenv("CHAT_ADDR"); addr != "" {
		cfg.ChatAddr = addr
	}

	// HTTP_ADDR=off disables the HTTP surface.
	if addr, ok := os.LookupEnv("HTTP_ADDR"); ok {
		if strings.EqualFold(addr, "off") {
			addr = ""
		}
		cfg.HTTPAddr = addr
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if path := os.Getenv("DATABASE_PATH"); path != "" {
		cfg.DatabasePath = path
	}
	if backend := os.Getenv("HISTORY_BACKEND"); backend != "" {
		cfg.HistoryBackend = backend
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}
	if prefix := os.Getenv("REDIS_PREFIX"); prefix != "" {
		cfg.RedisPrefix = prefix
	}

	if v := os.Getenv("MAX_LINE_LENGTH"); v != "" {
		cfg.MaxLineLength = parseIntValue(v, cfg.MaxLineLength)
	}
	if v := os.Getenv("SEND_QUEUE_SIZE"); v != "" {
		cfg.SendQueueSize = parseIntValue(v, cfg.SendQueueSize)
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		cfg.WriteTimeout = parseSeconds(v, cfg.WriteTimeout)
	}
	if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
		cfg.IdleTimeout = parseSeconds(v, cfg.IdleTimeout)
	}
	if v := os.Getenv("MAX_LOGIN_ATTEMPTS"); v != "" {
		cfg.MaxLoginAttempts = parseIntValue(v, cfg.MaxLoginAttempts)
	}
	if v := os.Getenv("BCRYPT_COST"); v != "" {
		cfg.BcryptCost = parseIntValue(v, cfg.BcryptCost)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	cfg = sanitizeConfig(cfg)
	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
