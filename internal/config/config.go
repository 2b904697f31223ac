// Copyright 2025 Kadir Pekel
//
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

// Package config loads and validates the orchestration core's
// environment-variable-driven configuration (spec §6).
//
// Config is a single struct validated once at startup (NewFromEnv); hot
// paths read plain typed fields afterward instead of re-validating on
// every call, following the teacher's "Pydantic only at the boundary"
// rearchitecture in DESIGN NOTES.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// ProviderType selects the outbound model implementation (spec §6).
type ProviderType string

const (
	ProviderLocal      ProviderType = "local"
	ProviderPerplexity ProviderType = "perplexity"
	ProviderOpenAI     ProviderType = "openai"
	ProviderAnthropic  ProviderType = "anthropic"
	ProviderNvidia     ProviderType = "nvidia"
	ProviderOpenClaw   ProviderType = "openclaw"
)

// Config is the root, validated configuration for the orchestration core.
type Config struct {
	ProviderType    ProviderType
	ProviderAPIKey  string
	ProviderBaseURL string
	ProviderModel   string

	MaxIterations       int
	ContextWindow       int
	Temperature         float64
	MaxToolCallsPerTurn int
	TimeoutSeconds      int

	EnableDelegation bool

	SelfConsistencySamples int
	VerificationThreshold  float64

	CheckpointDBPath    string
	MaxRecoveryAttempts int

	RoutingConfigPath string

	LogLevel string
	LogJSON  bool
}

// Default values (spec §6).
const (
	DefaultMaxIterations          = 5
	DefaultContextWindow          = 12
	DefaultTemperature            = 0.15
	DefaultMaxToolCallsPerTurn    = 5
	DefaultTimeoutSeconds         = 120
	DefaultSelfConsistencySamples = 1
	DefaultVerificationThreshold  = 0.7
	DefaultMaxRecoveryAttempts    = 3
)

// NewFromEnv loads configuration from a .env file (if present) and the
// process environment, validates it, and returns the resulting Config.
func NewFromEnv() (*Config, error) {
	// Best-effort: a missing .env file is not an error in production.
	_ = godotenv.Load()

	cfg := &Config{
		ProviderType:    ProviderType(getEnvOr("PROVIDER_TYPE", string(ProviderLocal))),
		ProviderAPIKey:  os.Getenv("PROVIDER_API_KEY"),
		ProviderBaseURL: os.Getenv("PROVIDER_BASE_URL"),
		ProviderModel:   os.Getenv("PROVIDER_MODEL"),

		EnableDelegation: getEnvBool("ENABLE_DELEGATION", false),

		CheckpointDBPath:  getEnvOr("CHECKPOINT_DB_PATH", "agentcore_checkpoints.sqlite"),
		RoutingConfigPath: os.Getenv("ROUTING_CONFIG_PATH"),

		LogLevel: getEnvOr("LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("LOG_JSON", false),
	}

	var err error
	if cfg.MaxIterations, err = getEnvInt("MAX_ITERATIONS", DefaultMaxIterations); err != nil {
		return nil, err
	}
	if cfg.ContextWindow, err = getEnvInt("CONTEXT_WINDOW", DefaultContextWindow); err != nil {
		return nil, err
	}
	if cfg.Temperature, err = getEnvFloat("TEMPERATURE", DefaultTemperature); err != nil {
		return nil, err
	}
	if cfg.MaxToolCallsPerTurn, err = getEnvInt("MAX_TOOL_CALLS_PER_TURN", DefaultMaxToolCallsPerTurn); err != nil {
		return nil, err
	}
	if cfg.TimeoutSeconds, err = getEnvInt("TIMEOUT_SECONDS", DefaultTimeoutSeconds); err != nil {
		return nil, err
	}
	if cfg.SelfConsistencySamples, err = getEnvInt("SELF_CONSISTENCY_SAMPLES", DefaultSelfConsistencySamples); err != nil {
		return nil, err
	}
	if cfg.VerificationThreshold, err = getEnvFloat("VERIFICATION_THRESHOLD", DefaultVerificationThreshold); err != nil {
		return nil, err
	}
	if cfg.MaxRecoveryAttempts, err = getEnvInt("MAX_RECOVERY_ATTEMPTS", DefaultMaxRecoveryAttempts); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the bounds from spec §6's configuration table.
func (c *Config) Validate() error {
	if c.MaxIterations < 1 || c.MaxIterations > 20 {
		return fmt.Errorf("config: max_iterations must be in [1,20], got %d", c.MaxIterations)
	}
	if c.ContextWindow < 1 || c.ContextWindow > 50 {
		return fmt.Errorf("config: context_window must be in [1,50], got %d", c.ContextWindow)
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("config: temperature must be in [0.0,2.0], got %f", c.Temperature)
	}
	if c.MaxToolCallsPerTurn < 1 || c.MaxToolCallsPerTurn > 10 {
		return fmt.Errorf("config: max_tool_calls_per_turn must be in [1,10], got %d", c.MaxToolCallsPerTurn)
	}
	if c.TimeoutSeconds < 10 || c.TimeoutSeconds > 600 {
		return fmt.Errorf("config: timeout_seconds must be in [10,600], got %d", c.TimeoutSeconds)
	}
	switch c.ProviderType {
	case ProviderLocal, ProviderPerplexity, ProviderOpenAI, ProviderAnthropic, ProviderNvidia, ProviderOpenClaw:
	default:
		return fmt.Errorf("config: unsupported provider_type %q", c.ProviderType)
	}
	if c.CheckpointDBPath == "" {
		return fmt.Errorf("config: checkpoint_db_path must not be empty")
	}
	if c.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("config: max_recovery_attempts must be >= 0")
	}
	return nil
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
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

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid int for %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid float for %s: %w", key, err)
	}
	return f, nil
}
