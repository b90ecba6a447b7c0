package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv   string
	Port     string
	TestMode bool

	// Upstream Sogni account and deployment target.
	SogniEnv         string // local | staging | production
	SogniUsername    string
	SogniPassword    string
	SogniAppIDPrefix string

	// Optional redis for metrics counters and token persistence.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AllowedOrigins []string

	// Reconciliation and pool timing knobs.
	IdleReapThreshold time.Duration
	IdleReapInterval  time.Duration
	JobFallbackGrace  time.Duration
	FailsafeEnhance   time.Duration
	FailsafeGenerate  time.Duration
	ProjectTimeout    time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             getEnv("PORT", "3001"),
		TestMode:         getEnvBool("TEST_MODE", false),
		SogniEnv:         getEnv("SOGNI_ENV", "production"),
		SogniUsername:    os.Getenv("SOGNI_USERNAME"),
		SogniPassword:    os.Getenv("SOGNI_PASSWORD"),
		SogniAppIDPrefix: getEnv("SOGNI_APP_ID_PREFIX", "photobooth"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		AllowedOrigins:   splitCSV(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),

		IdleReapThreshold: time.Second * time.Duration(getEnvInt("IDLE_REAP_THRESHOLD_SECONDS", 300)),
		IdleReapInterval:  time.Second * time.Duration(getEnvInt("IDLE_REAP_INTERVAL_SECONDS", 60)),
		JobFallbackGrace:  time.Second * time.Duration(getEnvInt("JOB_FALLBACK_GRACE_SECONDS", 20)),
		FailsafeEnhance:   time.Millisecond * time.Duration(getEnvInt("FAILSAFE_ENHANCE_MS", 1500)),
		FailsafeGenerate:  time.Millisecond * time.Duration(getEnvInt("FAILSAFE_GENERATE_MS", 3000)),
		ProjectTimeout:    time.Second * time.Duration(getEnvInt("PROJECT_TIMEOUT_SECONDS", 300)),

		HTTPReadTimeout: time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		// SSE streams stay open for the lifetime of a generation, so the
		// write timeout defaults to disabled.
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 120)),
	}

	if cfg.TestMode {
		cfg.IdleReapThreshold = time.Second * time.Duration(getEnvInt("IDLE_REAP_THRESHOLD_SECONDS", 10))
		cfg.IdleReapInterval = time.Second * time.Duration(getEnvInt("IDLE_REAP_INTERVAL_SECONDS", 5))
	}

	switch cfg.SogniEnv {
	case "local", "staging", "production":
	default:
		return nil, fmt.Errorf("SOGNI_ENV must be one of local|staging|production, got %q", cfg.SogniEnv)
	}

	if cfg.SogniUsername == "" || cfg.SogniPassword == "" {
		return nil, fmt.Errorf("SOGNI_USERNAME and SOGNI_PASSWORD are required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
