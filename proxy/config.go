// Copyright 2025 QueryGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"querygate/proxy/audit"
	"querygate/proxy/executor"
	"querygate/proxy/masking"
	"querygate/proxy/policy"
	"querygate/proxy/pool"
)

// Config is the full service configuration: environment variables for the
// runtime knobs, plus an optional YAML bootstrap file (PROXY_CONFIG) for
// backends, static policies, and masking rules.
type Config struct {
	Port        string
	DatabaseURL string // control-plane database: audit trail and policy store
	JWTSecret   string

	Backends []pool.BackendConfig `yaml:"backends"`

	// Policies seed a static store when the control-plane database is not
	// configured; with a database they are ignored in favour of the
	// access_policies table.
	Policies []*policy.Policy `yaml:"policies"`

	MaskingRulesFile string `yaml:"masking_rules_file"`
	DisablePIIScan   bool   `yaml:"disable_pii_scan"`

	Autoscaling struct {
		Enabled bool               `yaml:"enabled"`
		Policy  pool.ScalingPolicy `yaml:"policy"`
	} `yaml:"autoscaling"`

	RoleTimeoutSeconds map[string]int `yaml:"role_timeout_seconds"`

	PolicyUpdateInterval time.Duration
	HealthCheckInterval  time.Duration
	AutoscaleInterval    time.Duration
	MaskingReloadEvery   time.Duration

	CacheBackend     string // "memory" or "redis"
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	CacheTTL         time.Duration
	CacheWaitTimeout time.Duration

	DefaultMaxRows        int
	DistributedMaxWorkers int
	RouterRetryLimit      int

	AnalyticsEnabled        bool
	AnomalyThreshold        float64
	AnomalyMinSamples       int
	TrainingHistoryDays     int
	ModelUpdateIntervalDays int
	SlowQueryThresholdMs    int64
	SimilarityThreshold     float64
}

// LoadConfig reads the environment and, when PROXY_CONFIG names a file, the
// YAML bootstrap. Environment values win over file values for the scalar
// knobs; backends, policies, and masking rules come only from the file.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8085"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		PolicyUpdateInterval: envSeconds("POLICY_UPDATE_INTERVAL_SECONDS", 60),
		HealthCheckInterval:  envSeconds("HEALTH_CHECK_INTERVAL_SECONDS", 10),
		AutoscaleInterval:    envSeconds("AUTOSCALING_CHECK_INTERVAL_SECONDS", 30),
		MaskingReloadEvery:   envSeconds("MASKING_RELOAD_INTERVAL_SECONDS", 60),

		CacheBackend:     getEnv("CACHE_BACKEND", "memory"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          envInt("REDIS_DB", 0),
		CacheTTL:         envSeconds("CACHE_TTL_SECONDS", 300),
		CacheWaitTimeout: envSeconds("CACHE_WAIT_TIMEOUT_SECONDS", 10),

		DefaultMaxRows:        envInt("DEFAULT_MAX_ROWS", 10000),
		DistributedMaxWorkers: envInt("DISTRIBUTED_MAX_WORKERS", 8),
		RouterRetryLimit:      envInt("ROUTER_RETRY_LIMIT", 2),

		AnalyticsEnabled:        envBool("ANALYTICS_ENABLED", true),
		AnomalyThreshold:        envFloat("ML_ANOMALY_THRESHOLD", 0.85),
		AnomalyMinSamples:       envInt("ML_MIN_TRAINING_SAMPLES", 100),
		TrainingHistoryDays:     envInt("ML_TRAINING_HISTORY_DAYS", 30),
		ModelUpdateIntervalDays: envInt("ML_MODEL_UPDATE_INTERVAL_DAYS", 7),
		SlowQueryThresholdMs:    int64(envInt("ANALYTICS_SLOW_QUERY_THRESHOLD_MS", 5000)),
		SimilarityThreshold:     envFloat("ANALYTICS_SIMILARITY_THRESHOLD", 0.3),
	}

	if path := os.Getenv("PROXY_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if f := os.Getenv("MASKING_RULES_FILE"); f != "" {
		cfg.MaskingRulesFile = f
	}
	if os.Getenv("AUTOSCALING_ENABLED") != "" {
		cfg.Autoscaling.Enabled = envBool("AUTOSCALING_ENABLED", cfg.Autoscaling.Enabled)
	}

	cfg.applyRoleTimeoutEnv()
	return cfg, nil
}

// AutoscalingEnabled reports whether the autoscaler should run.
func (c *Config) AutoscalingEnabled() bool { return c.Autoscaling.Enabled }

// MaskingConfig builds the masker configuration.
func (c *Config) MaskingConfig() masking.MaskerConfig {
	return masking.MaskerConfig{
		RulesFile:      c.MaskingRulesFile,
		DisablePIIScan: c.DisablePIIScan,
	}
}

// DetectorConfig builds the anomaly detector configuration from the
// analytics knobs.
func (c *Config) DetectorConfig() audit.DetectorConfig {
	return audit.DetectorConfig{
		AlertThreshold:       c.AnomalyThreshold,
		MinTrainingSamples:   c.AnomalyMinSamples,
		TrainingHistoryDays:  c.TrainingHistoryDays,
		ModelUpdateInterval:  time.Duration(c.ModelUpdateIntervalDays) * 24 * time.Hour,
		SlowQueryThresholdMs: c.SlowQueryThresholdMs,
		SimilarityThreshold:  c.SimilarityThreshold,
	}
}

// RoleTimeouts builds the deadline ladder: the standard defaults, updated
// by the configured per-role overrides (the "default" key replaces the
// fallback deadline).
func (c *Config) RoleTimeouts() executor.RoleTimeouts {
	rt := executor.DefaultRoleTimeouts()
	for role, secs := range c.RoleTimeoutSeconds {
		if secs <= 0 {
			continue
		}
		d := time.Duration(secs) * time.Second
		if role == "default" {
			rt.Default = d
		} else {
			rt.PerRole[role] = d
		}
	}
	return rt
}

// applyRoleTimeoutEnv merges the file-configured role timeouts with any
// QUERY_TIMEOUT_<ROLE>_SECONDS environment overrides, which win.
func (c *Config) applyRoleTimeoutEnv() {
	if c.RoleTimeoutSeconds == nil {
		c.RoleTimeoutSeconds = map[string]int{}
	}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "QUERY_TIMEOUT_") || !strings.HasSuffix(name, "_SECONDS") {
			continue
		}
		role := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(name, "QUERY_TIMEOUT_"), "_SECONDS"))
		if role == "" {
			continue
		}
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			c.RoleTimeoutSeconds[role] = secs
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envSeconds(key string, fallbackSeconds int) time.Duration {
	return time.Duration(envInt(key, fallbackSeconds)) * time.Second
}
