// Package config loads ForestShield configuration from the environment and an
// optional .env file.
package config

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/forestshield/forestshield/internal/fserr"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	ListenAddr string `validate:"required"`
	DataPath   string `validate:"required"`

	// Backends
	StateDBPath     string // sqlite file; derived from DataPath when empty
	ObjectStoreRoot string // filesystem object store root; derived when empty
	RedisURL        string // optional; empty means single-replica mode
	WorkerBaseURL   string `validate:"required"` // task worker endpoint base

	// Orchestrator
	MaxParallelImages int           `validate:"gte=1"`
	RunTimeout        time.Duration `validate:"gt=0"`
	MaxPayloadBytes   int           `validate:"gt=0"`

	// Scheduler
	SchedulerWorkers  int           `validate:"gte=1"`
	SchedulerQueueCap int           `validate:"gte=1"`
	JobRetention      time.Duration `validate:"gt=0"`
	ClaimTTL          time.Duration `validate:"gt=0"`

	// Model lifecycle
	KCandidates []int

	// Consolidation
	ConfidenceWeights ConfidenceWeights

	// Notifications
	NotifyCooldown time.Duration
	WebhookURLs    []string

	// Logging
	LogLevel  string
	LogFormat string
}

// ConfidenceWeights are the consolidator's scoring weights; they must sum to 1.
type ConfidenceWeights struct {
	DataQuality      float64
	SpatialCoherence float64
	TemporalAccuracy float64
	ModelAgreement   float64
}

// Sum returns the total weight.
func (w ConfidenceWeights) Sum() float64 {
	return w.DataQuality + w.SpatialCoherence + w.TemporalAccuracy + w.ModelAgreement
}

// Default returns the configuration defaults before env overrides.
func Default() Config {
	return Config{
		ListenAddr:        ":7800",
		DataPath:          "/var/lib/forestshield",
		WorkerBaseURL:     "http://localhost:7810",
		MaxParallelImages: 5,
		RunTimeout:        30 * time.Minute,
		MaxPayloadBytes:   256 * 1024,
		SchedulerWorkers:  4,
		SchedulerQueueCap: 64,
		JobRetention:      7 * 24 * time.Hour,
		ClaimTTL:          60 * time.Second,
		KCandidates:       []int{2, 3, 4, 5, 6},
		ConfidenceWeights: ConfidenceWeights{
			DataQuality:      0.30,
			SpatialCoherence: 0.25,
			TemporalAccuracy: 0.20,
			ModelAgreement:   0.25,
		},
		NotifyCooldown: 15 * time.Minute,
		LogLevel:       "info",
		LogFormat:      "auto",
	}
}

// Load builds the configuration from defaults, an optional .env file, and
// process environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	cfg := Default()
	applyEnv(&cfg)

	cfg.StateDBPath = firstNonEmpty(cfg.StateDBPath, filepath.Join(cfg.DataPath, "forestshield.db"))
	cfg.ObjectStoreRoot = firstNonEmpty(cfg.ObjectStoreRoot, filepath.Join(cfg.DataPath, "objects"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints beyond tag validation.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fserr.E(fserr.KindValidation, "load_config", err)
	}
	if len(c.KCandidates) < 3 {
		return fserr.Ef(fserr.KindValidation, "load_config", "k candidates need at least 3 entries, got %d", len(c.KCandidates))
	}
	for i := 1; i < len(c.KCandidates); i++ {
		if c.KCandidates[i] <= c.KCandidates[i-1] {
			return fserr.Ef(fserr.KindValidation, "load_config", "k candidates must be strictly increasing")
		}
	}
	if math.Abs(c.ConfidenceWeights.Sum()-1.0) > 1e-9 {
		return fserr.Ef(fserr.KindValidation, "load_config", "confidence weights sum to %v, want 1", c.ConfidenceWeights.Sum())
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "FORESTSHIELD_LISTEN")
	setString(&cfg.DataPath, "FORESTSHIELD_DATA_PATH")
	setString(&cfg.StateDBPath, "FORESTSHIELD_STATE_DB")
	setString(&cfg.ObjectStoreRoot, "FORESTSHIELD_OBJECT_ROOT")
	setString(&cfg.RedisURL, "FORESTSHIELD_REDIS_URL")
	setString(&cfg.WorkerBaseURL, "FORESTSHIELD_WORKER_URL")
	setInt(&cfg.MaxParallelImages, "FORESTSHIELD_MAX_PARALLEL_IMAGES")
	setDuration(&cfg.RunTimeout, "FORESTSHIELD_RUN_TIMEOUT")
	setInt(&cfg.MaxPayloadBytes, "FORESTSHIELD_MAX_PAYLOAD_BYTES")
	setInt(&cfg.SchedulerWorkers, "FORESTSHIELD_SCHEDULER_WORKERS")
	setInt(&cfg.SchedulerQueueCap, "FORESTSHIELD_SCHEDULER_QUEUE_CAP")
	setDuration(&cfg.JobRetention, "FORESTSHIELD_JOB_RETENTION")
	setDuration(&cfg.ClaimTTL, "FORESTSHIELD_CLAIM_TTL")
	setDuration(&cfg.NotifyCooldown, "FORESTSHIELD_NOTIFY_COOLDOWN")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")

	if v := os.Getenv("FORESTSHIELD_K_CANDIDATES"); v != "" {
		var ks []int
		for _, part := range strings.Split(v, ",") {
			k, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				log.Warn().Str("value", v).Msg("Ignoring malformed FORESTSHIELD_K_CANDIDATES")
				ks = nil
				break
			}
			ks = append(ks, k)
		}
		if len(ks) > 0 {
			cfg.KCandidates = ks
		}
	}

	if v := os.Getenv("FORESTSHIELD_WEBHOOKS"); v != "" {
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.WebhookURLs = append(cfg.WebhookURLs, u)
			}
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring malformed integer env var")
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring malformed duration env var")
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
