// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/nhalm/formguard/fieldcipher"
	"github.com/nhalm/formguard/ratelimit"
)

// InsecureDefaultSecret is used when ENCRYPTION_SECRET is unset outside
// production. Anything encrypted with it is effectively unprotected.
const InsecureDefaultSecret = "formguard-insecure-development-secret"

// Largest values that still fit in a time.Duration.
const (
	maxDurationMS      = math.MaxInt64 / int64(time.Millisecond)
	maxDurationSeconds = math.MaxInt64 / int64(time.Second)
)

// Accepted FORMGUARD_ENV and RATE_LIMIT_STORE values.
const (
	// EnvDevelopment allows the insecure default secret.
	EnvDevelopment = "development"
	// EnvProduction requires ENCRYPTION_SECRET.
	EnvProduction = "production"

	// StoreMemory keeps windows in process.
	StoreMemory = "memory"
	// StoreRedis shares windows through Redis.
	StoreRedis = "redis"
)

// Config is the complete process configuration.
type Config struct {
	Env       string
	Server    ServerConfig
	Cipher    CipherConfig
	RateLimit ratelimit.Config
	Store     StoreConfig
	Admin     AdminConfig
	Log       LogConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string
	AllowedOrigins  []string
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration

	// TrustProxy identifies clients by X-Forwarded-For / X-Real-IP instead
	// of the connection address.
	TrustProxy bool
}

// CipherConfig configures field encryption.
type CipherConfig struct {
	Secret    string
	Algorithm fieldcipher.Algorithm

	// InsecureSecret is set when Secret fell back to InsecureDefaultSecret.
	InsecureSecret bool
}

// StoreConfig selects the rate-window store.
type StoreConfig struct {
	Type  string
	Redis RedisConfig
}

// RedisConfig locates the Redis server used when Type is StoreRedis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// AdminConfig configures access to stored submissions.
type AdminConfig struct {
	// APIKeys guard submission reads. Empty disables the read endpoint.
	APIKeys []string
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string
	Format string
}

// IsProduction reports whether Env is production.
func (c Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// Load reads configuration once at process start. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (Config, error) {
	_ = godotenv.Load()

	env := getEnv("FORMGUARD_ENV", EnvDevelopment)
	if env != EnvDevelopment && env != EnvProduction {
		return Config{}, fmt.Errorf("invalid FORMGUARD_ENV: %q", env)
	}

	server, err := buildServerConfig()
	if err != nil {
		return Config{}, err
	}

	cipherCfg, err := buildCipherConfig(env)
	if err != nil {
		return Config{}, err
	}

	rateLimit, err := buildRateLimitConfig()
	if err != nil {
		return Config{}, err
	}

	storeCfg, err := buildStoreConfig()
	if err != nil {
		return Config{}, err
	}

	return Config{
		Env:       env,
		Server:    server,
		Cipher:    cipherCfg,
		RateLimit: rateLimit,
		Store:     storeCfg,
		Admin:     AdminConfig{APIKeys: splitList(os.Getenv("ADMIN_API_KEYS"))},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}, nil
}

func buildServerConfig() (ServerConfig, error) {
	maxBody, err := strconv.ParseInt(getEnv("MAX_BODY_BYTES", "65536"), 10, 64)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("invalid MAX_BODY_BYTES: %w", err)
	}
	if maxBody <= 0 {
		return ServerConfig{}, fmt.Errorf("invalid MAX_BODY_BYTES: must be positive, got %d", maxBody)
	}

	shutdownSeconds, err := strconv.Atoi(getEnv("SHUTDOWN_TIMEOUT_SECONDS", "10"))
	if err != nil {
		return ServerConfig{}, fmt.Errorf("invalid SHUTDOWN_TIMEOUT_SECONDS: %w", err)
	}
	if shutdownSeconds < 0 || int64(shutdownSeconds) > maxDurationSeconds {
		return ServerConfig{}, fmt.Errorf("invalid SHUTDOWN_TIMEOUT_SECONDS: must be between 0 and %d, got %d", maxDurationSeconds, shutdownSeconds)
	}

	trustProxy, err := strconv.ParseBool(getEnv("TRUST_PROXY", "false"))
	if err != nil {
		return ServerConfig{}, fmt.Errorf("invalid TRUST_PROXY: %w", err)
	}

	origins := splitList(getEnv("CORS_ALLOWED_ORIGINS", "*"))

	return ServerConfig{
		Addr:            getEnv("HTTP_ADDR", ":8080"),
		AllowedOrigins:  origins,
		MaxBodyBytes:    maxBody,
		ShutdownTimeout: time.Duration(shutdownSeconds) * time.Second,
		TrustProxy:      trustProxy,
	}, nil
}

func buildCipherConfig(env string) (CipherConfig, error) {
	algorithm, err := fieldcipher.ParseAlgorithm(getEnv("CIPHER_ALGORITHM", "aes-256-gcm"))
	if err != nil {
		return CipherConfig{}, fmt.Errorf("invalid CIPHER_ALGORITHM: %w", err)
	}

	secret := os.Getenv("ENCRYPTION_SECRET")
	if secret != "" {
		return CipherConfig{Secret: secret, Algorithm: algorithm}, nil
	}
	if env == EnvProduction {
		return CipherConfig{}, errors.New("ENCRYPTION_SECRET is required in production")
	}

	return CipherConfig{
		Secret:         InsecureDefaultSecret,
		Algorithm:      algorithm,
		InsecureSecret: true,
	}, nil
}

func buildRateLimitConfig() (ratelimit.Config, error) {
	windowMS, err := strconv.ParseInt(getEnv("RATE_LIMIT_WINDOW_MS", strconv.FormatInt(ratelimit.DefaultWindow.Milliseconds(), 10)), 10, 64)
	if err != nil {
		return ratelimit.Config{}, fmt.Errorf("invalid RATE_LIMIT_WINDOW_MS: %w", err)
	}
	if windowMS <= 0 {
		return ratelimit.Config{}, fmt.Errorf("invalid RATE_LIMIT_WINDOW_MS: must be positive, got %d", windowMS)
	}
	if windowMS > maxDurationMS {
		return ratelimit.Config{}, fmt.Errorf("invalid RATE_LIMIT_WINDOW_MS: must be at most %d, got %d", maxDurationMS, windowMS)
	}

	maxRequests, err := strconv.Atoi(getEnv("RATE_LIMIT_MAX_REQUESTS", strconv.Itoa(ratelimit.DefaultMaxRequests)))
	if err != nil {
		return ratelimit.Config{}, fmt.Errorf("invalid RATE_LIMIT_MAX_REQUESTS: %w", err)
	}
	if maxRequests <= 0 {
		return ratelimit.Config{}, fmt.Errorf("invalid RATE_LIMIT_MAX_REQUESTS: must be positive, got %d", maxRequests)
	}

	return ratelimit.Config{
		Window:      time.Duration(windowMS) * time.Millisecond,
		MaxRequests: maxRequests,
	}, nil
}

func buildStoreConfig() (StoreConfig, error) {
	storeType := getEnv("RATE_LIMIT_STORE", StoreMemory)
	if storeType != StoreMemory && storeType != StoreRedis {
		return StoreConfig{}, fmt.Errorf("invalid RATE_LIMIT_STORE: %q", storeType)
	}

	db, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return StoreConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	return StoreConfig{
		Type: storeType,
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       db,
			Prefix:   getEnv("REDIS_PREFIX", "formguard:"),
		},
	}, nil
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
