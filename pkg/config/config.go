// Package config loads process configuration from environment variables,
// with an optional YAML profile overlay selected by GATE_PROFILE.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every runtime knob for the platform. Constructed once in
// main and passed down explicitly; nothing reads the environment after Load.
type Config struct {
	// Relational store.
	PostgresDSN string
	PGSchema    string

	// Project scoping.
	ProjectKey string

	// External semantic-memory service.
	OpenMemoryBaseURL string
	OpenMemoryTimeout time.Duration

	// Artifact store.
	ArtifactRoot     string // file path, s3://bucket/prefix or gs://bucket/prefix
	EvidenceMaxBytes int64

	// pgvector bootstrap toggle for the downstream index; the core only
	// threads it into suggestions and the health report.
	PgvectorAutoInit bool

	// Gateway.
	ListenAddr      string
	RateLimitRPS    int
	RateLimitBurst  int
	JWTSecret       string // empty disables auth middleware
	RedisAddr       string // empty disables the shared limiter / dedup cache
	SeekDBEnabled   bool
	ShutdownTimeout time.Duration

	Sync   SyncConfig
	Outbox OutboxConfig
	SVN    SVNConfig
	GitLab GitLabConfig
}

// SyncConfig tunes the cursor-driven sync pipelines.
type SyncConfig struct {
	BatchSize             int
	TimeWindowDays        int
	ForwardWindowSeconds  int
	OverlapSeconds        int
	LeaseSeconds          int
	RenewIntervalRevs     int
	Strict                bool
	DiffMode              string // always | best_effort | none
	MaxDiffBytes          int64
	GitTotalChangesThresh int
	GitFilesChangedThresh int
	SvnChangedPathsThresh int
	DiffSizeThresh        int64
	// Adaptive controller.
	ShrinkFactor            float64
	GrowFactor              float64
	MinForwardSeconds       int
	MaxForwardSeconds       int
	AdaptiveCommitThreshold int
	DemoteAfterErrors       int
}

// OutboxConfig tunes the outbox worker.
type OutboxConfig struct {
	BatchSize    int
	MaxRetries   int
	BaseBackoff  time.Duration
	LeaseSeconds int
	ItemTimeout  time.Duration
	PollInterval time.Duration
}

// SVNConfig configures the SVN CLI adapter.
type SVNConfig struct {
	Username       string
	Password       string
	CommandTimeout time.Duration
}

// GitLabConfig configures the GitLab HTTP adapter.
type GitLabConfig struct {
	BaseURL        string
	TokenSource    string // env | file | exec
	TokenValue     string // env var name, file path or command
	TenantID       string
	RatePerSecond  float64
	RateBurst      int
	MaxInFlight    int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RequestTimeout time.Duration
	PerPage        int
}

// Load reads configuration from the environment. Unknown variables are
// ignored. A GATE_PROFILE overlay, when present, is applied on top.
func Load() (*Config, error) {
	cfg := &Config{
		PostgresDSN:       envOr("POSTGRES_DSN", "postgres://engram@localhost:5432/engram?sslmode=disable"),
		PGSchema:          envOr("OM_PG_SCHEMA", "public"),
		ProjectKey:        envOr("PROJECT_KEY", "default"),
		OpenMemoryBaseURL: envOr("OPENMEMORY_BASE_URL", "http://localhost:8765"),
		OpenMemoryTimeout: 15 * time.Second,
		ArtifactRoot:      envOr("ARTIFACT_ROOT", "data/artifacts"),
		EvidenceMaxBytes:  envInt64("EVIDENCE_MAX_SIZE_BYTES", 10<<20),
		PgvectorAutoInit:  envBool("STEP3_PGVECTOR_AUTO_INIT", true),
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		RateLimitRPS:      envInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst:    envInt("RATE_LIMIT_BURST", 100),
		JWTSecret:         os.Getenv("GATEWAY_JWT_SECRET"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		SeekDBEnabled:     envBool("SEEKDB_ENABLED", false),
		ShutdownTimeout:   10 * time.Second,
		Sync: SyncConfig{
			BatchSize:               envInt("SYNC_BATCH_SIZE", 200),
			TimeWindowDays:          envInt("SYNC_TIME_WINDOW_DAYS", 30),
			ForwardWindowSeconds:    envInt("SYNC_FORWARD_WINDOW_SECONDS", 86400),
			OverlapSeconds:          envInt("SYNC_OVERLAP_SECONDS", 120),
			LeaseSeconds:            envInt("SYNC_LEASE_SECONDS", 300),
			RenewIntervalRevs:       envInt("SYNC_RENEW_INTERVAL_REVS", 50),
			Strict:                  envBool("SYNC_STRICT", false),
			DiffMode:                envOr("SYNC_DIFF_MODE", "best_effort"),
			MaxDiffBytes:            envInt64("SYNC_MAX_DIFF_BYTES", 10<<20),
			GitTotalChangesThresh:   envInt("SYNC_GIT_TOTAL_CHANGES_THRESHOLD", 2000),
			GitFilesChangedThresh:   envInt("SYNC_GIT_FILES_CHANGED_THRESHOLD", 100),
			SvnChangedPathsThresh:   envInt("SYNC_SVN_CHANGED_PATHS_THRESHOLD", 100),
			DiffSizeThresh:          envInt64("SYNC_DIFF_SIZE_THRESHOLD", 1<<20),
			ShrinkFactor:            0.5,
			GrowFactor:              1.5,
			MinForwardSeconds:       envInt("SYNC_MIN_FORWARD_SECONDS", 3600),
			MaxForwardSeconds:       envInt("SYNC_MAX_FORWARD_SECONDS", 7*86400),
			AdaptiveCommitThreshold: envInt("SYNC_ADAPTIVE_COMMIT_THRESHOLD", 50),
			DemoteAfterErrors:       envInt("SYNC_DEMOTE_AFTER_ERRORS", 3),
		},
		Outbox: OutboxConfig{
			BatchSize:    envInt("OUTBOX_BATCH_SIZE", 50),
			MaxRetries:   envInt("OUTBOX_MAX_RETRIES", 8),
			BaseBackoff:  envDuration("OUTBOX_BASE_BACKOFF", 30*time.Second),
			LeaseSeconds: envInt("OUTBOX_LEASE_SECONDS", 120),
			ItemTimeout:  envDuration("OUTBOX_ITEM_TIMEOUT", 20*time.Second),
			PollInterval: envDuration("OUTBOX_POLL_INTERVAL", 15*time.Second),
		},
		SVN: SVNConfig{
			Username:       os.Getenv("SVN_USERNAME"),
			Password:       os.Getenv("SVN_PASSWORD"),
			CommandTimeout: envDuration("SVN_COMMAND_TIMEOUT", 120*time.Second),
		},
		GitLab: GitLabConfig{
			BaseURL:        envOr("GITLAB_BASE_URL", "https://gitlab.com"),
			TokenSource:    envOr("GITLAB_TOKEN_SOURCE", "env"),
			TokenValue:     envOr("GITLAB_TOKEN_VALUE", "GITLAB_TOKEN"),
			TenantID:       envOr("GITLAB_TENANT_ID", "default"),
			RatePerSecond:  envFloat("GITLAB_RATE_PER_SECOND", 5),
			RateBurst:      envInt("GITLAB_RATE_BURST", 10),
			MaxInFlight:    envInt("GITLAB_MAX_IN_FLIGHT", 4),
			MaxAttempts:    envInt("GITLAB_MAX_ATTEMPTS", 4),
			BackoffBase:    envDuration("GITLAB_BACKOFF_BASE", time.Second),
			BackoffMax:     envDuration("GITLAB_BACKOFF_MAX", 60*time.Second),
			RequestTimeout: envDuration("GITLAB_REQUEST_TIMEOUT", 30*time.Second),
			PerPage:        envInt("GITLAB_PER_PAGE", 100),
		},
	}

	if profile := os.Getenv("GATE_PROFILE"); profile != "" {
		if err := applyProfile(cfg, profile); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "yes":
		return true
	case "0", "false", "FALSE", "no":
		return false
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
