// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string

	Backend   BackendConfig
	Store     StoreConfig
	Session   SessionConfig
	Polling   PollingConfig
	Docs      DocsConfig
	SSE       SSEConfig
	RateLimit RateLimitConfig
}

// BackendConfig points at the execution backend.
type BackendConfig struct {
	URL   string
	Token string

	// SubmitTimeout bounds provisioning submissions; these legitimately run
	// for a long time, so it is hours-scale and distinct from ProbeTimeout.
	SubmitTimeout time.Duration
	ProbeTimeout  time.Duration
}

// StoreConfig selects the session key-value store driver.
type StoreConfig struct {
	Driver        string // "sqlite", "memory" or "redis"
	DBPath        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
}

// SessionConfig holds per-conversation defaults and housekeeping.
type SessionConfig struct {
	DefaultEnvironment string
	DefaultRegion      string
	DraftTTL           time.Duration
}

// PollingConfig drives the readiness poller. The state vocabularies decide
// whether a resource category needs polling at all; they are configuration
// because the built-in tables are not guaranteed complete for every
// category.
type PollingConfig struct {
	Interval  time.Duration
	Heartbeat time.Duration

	// PendingStates mark a resource as still in progress.
	PendingStates []string
	// ReadyStates mark a resource as settled.
	ReadyStates []string
	// SyncCategories always settle synchronously and are never polled.
	SyncCategories []string
}

// DocsConfig points at the vector document service. Empty URL disables
// deployment-guide retrieval.
type DocsConfig struct {
	QdrantURL  string
	APIKey     string
	Collection string
	EmbedURL   string
}

// SSEConfig tunes the event stream.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	QueueSize          int
	MaxRequestBodySize int64
}

// RateLimitConfig throttles chat submissions per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

func defaultPendingStates() []string {
	return []string{
		"creating", "pending", "initializing", "starting", "provisioning",
		"inprogress", "in_progress", "modifying", "updating", "configuring",
	}
}

func defaultReadyStates() []string {
	return []string{
		"available", "active", "running", "ready", "ok", "completed",
		"enabled", "issued", "inservice",
	}
}

func defaultSyncCategories() []string {
	return []string{"s3", "iam", "sns", "sqs", "ssm", "security_group", "log_group"}
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		Backend: BackendConfig{
			URL:           getEnv("BACKEND_URL", "http://localhost:8000"),
			Token:         getEnv("BACKEND_TOKEN", ""),
			SubmitTimeout: getEnvDuration("BACKEND_SUBMIT_TIMEOUT", 2*time.Hour),
			ProbeTimeout:  getEnvDuration("BACKEND_PROBE_TIMEOUT", 30*time.Second),
		},
		Store: StoreConfig{
			Driver:        getEnv("STORE_DRIVER", "sqlite"),
			DBPath:        getEnv("DB_PATH", "./data/cloudchat.db"),
			RedisAddr:     getEnv("REDIS_ADDR", ""),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			RedisTTL:      getEnvDuration("REDIS_TTL", 7*24*time.Hour),
		},
		Session: SessionConfig{
			DefaultEnvironment: getEnv("DEFAULT_ENVIRONMENT", "dev"),
			DefaultRegion:      getEnv("DEFAULT_REGION", "us-east-1"),
			DraftTTL:           getEnvDuration("SESSION_DRAFT_TTL", 24*time.Hour),
		},
		Polling: PollingConfig{
			Interval:       getEnvDuration("POLL_INTERVAL", 30*time.Second),
			Heartbeat:      getEnvDuration("POLL_HEARTBEAT", 90*time.Second),
			PendingStates:  getEnvList("POLL_PENDING_STATES", defaultPendingStates()),
			ReadyStates:    getEnvList("POLL_READY_STATES", defaultReadyStates()),
			SyncCategories: getEnvList("POLL_SYNC_CATEGORIES", defaultSyncCategories()),
		},
		Docs: DocsConfig{
			QdrantURL:  getEnv("QDRANT_URL", ""),
			APIKey:     getEnv("QDRANT_API_KEY", ""),
			Collection: getEnv("QDRANT_COLLECTION", "deployment-guides"),
			EmbedURL:   getEnv("EMBEDDINGS_URL", ""),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			QueueSize:          getEnvInt("SSE_QUEUE_SIZE", 100),
			MaxRequestBodySize: int64(getEnvInt("SSE_MAX_REQUEST_BODY", 1<<20)),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("BACKEND_URL cannot be empty")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty for the sqlite driver")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty for the redis driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Polling.Interval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.Polling.Heartbeat < c.Polling.Interval {
		return fmt.Errorf("POLL_HEARTBEAT must be at least POLL_INTERVAL")
	}
	if c.Backend.SubmitTimeout <= c.Backend.ProbeTimeout {
		return fmt.Errorf("BACKEND_SUBMIT_TIMEOUT must exceed BACKEND_PROBE_TIMEOUT")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
