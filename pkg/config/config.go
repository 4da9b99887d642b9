// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the runner configuration.
//
// Sources are layered: built-in defaults, an optional YAML file, KAIROS_*
// environment variables and finally explicit key=value overrides. Load builds
// one *Config; components receive it (or a section of it) explicitly and never
// read the environment themselves.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "KAIROS_"

type Config struct {
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Server     ServerConfig     `koanf:"server"`
	Store      StoreConfig      `koanf:"store"`
	Retry      RetryConfig      `koanf:"retry"`
	Secrets    SecretsConfig    `koanf:"secrets"`
	LLM        LLMConfig        `koanf:"llm"`
	Classifier ClassifierConfig `koanf:"classifier"`
	Agent      AgentConfig      `koanf:"agent"`
	Artifacts  ArtifactsConfig  `koanf:"artifacts"`
	Events     EventsConfig     `koanf:"events"`
	Skills     SkillsConfig     `koanf:"skills"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
	ServiceName  string `koanf:"service_name"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	GRPCAddr        string        `koanf:"grpc_addr"`
	PublicURL       string        `koanf:"public_url"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver       string        `koanf:"driver"` // sqlite, postgres
	DSN          string        `koanf:"dsn"`
	MaxOpenConns int           `koanf:"max_open_conns"`
	QueryTimeout time.Duration `koanf:"query_timeout"`
}

// RetryConfig is the storage retry policy.
type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	Multiplier   float64       `koanf:"multiplier"`
}

type SecretsConfig struct {
	// MasterKey is the process-wide secret the encryption key is derived from.
	MasterKey string `koanf:"master_key"`
}

type LLMConfig struct {
	Provider     string `koanf:"provider"` // anthropic, ollama
	Model        string `koanf:"model"`
	BaseURL      string `koanf:"base_url"`
	APIKey       string `koanf:"api_key"`
	APIKeySecret string `koanf:"api_key_secret"`
	MaxTokens    int64  `koanf:"max_tokens"`
}

type ClassifierConfig struct {
	MinConfidence string        `koanf:"min_confidence"`
	Timeout       time.Duration `koanf:"timeout"`
}

type AgentConfig struct {
	Backend         string        `koanf:"backend"` // cli, llm
	Command         string        `koanf:"command"`
	Model           string        `koanf:"model"`
	MaxTurns        int           `koanf:"max_turns"`
	Timeout         time.Duration `koanf:"timeout"`
	WorkRoot        string        `koanf:"work_root"`
	DisallowedTools []string      `koanf:"disallowed_tools"`
	APIKeySecret    string        `koanf:"api_key_secret"`
}

type ArtifactsConfig struct {
	Backend      string      `koanf:"backend"` // disk, minio, none
	Dir          string      `koanf:"dir"`
	MaxFileBytes int64       `koanf:"max_file_bytes"`
	Concurrency  int         `koanf:"concurrency"`
	Minio        MinioConfig `koanf:"minio"`
}

type MinioConfig struct {
	Endpoint   string        `koanf:"endpoint"`
	AccessKey  string        `koanf:"access_key"`
	SecretKey  string        `koanf:"secret_key"`
	Bucket     string        `koanf:"bucket"`
	UseSSL     bool          `koanf:"use_ssl"`
	PresignTTL time.Duration `koanf:"presign_ttl"`
}

type EventsConfig struct {
	NatsURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

type SkillsConfig struct {
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":                   "info",
		"log.format":                  "text",
		"telemetry.exporter":          "none",
		"telemetry.otlp_endpoint":     "localhost:4317",
		"telemetry.otlp_insecure":     true,
		"telemetry.service_name":      "kairos-runner",
		"server.addr":                 ":8080",
		"server.grpc_addr":            "",
		"server.public_url":           "http://localhost:8080",
		"server.max_body_bytes":       int64(1 << 20),
		"server.shutdown_timeout":     30 * time.Second,
		"store.driver":                "sqlite",
		"store.dsn":                   "file:kairos-runner.db",
		"store.max_open_conns":        5,
		"store.query_timeout":         15 * time.Second,
		"retry.max_attempts":          3,
		"retry.initial_delay":         100 * time.Millisecond,
		"retry.multiplier":            2.0,
		"llm.provider":                "anthropic",
		"llm.model":                   "claude-sonnet-4-20250514",
		"llm.base_url":                "",
		"llm.api_key_secret":          "ANTHROPIC_API_KEY",
		"llm.max_tokens":              int64(1024),
		"classifier.min_confidence":   "low",
		"classifier.timeout":          30 * time.Second,
		"agent.backend":               "cli",
		"agent.command":               "claude",
		"agent.max_turns":             0,
		"agent.timeout":               300 * time.Second,
		"agent.work_root":             filepath.Join(os.TempDir(), "kairos-runner"),
		"agent.api_key_secret":        "ANTHROPIC_API_KEY",
		"artifacts.backend":           "disk",
		"artifacts.dir":               filepath.Join(os.TempDir(), "kairos-runner-files"),
		"artifacts.max_file_bytes":    int64(50 << 20),
		"artifacts.concurrency":       4,
		"artifacts.minio.presign_ttl": 24 * time.Hour,
		"events.subject_prefix":       "kairos.runner",
	}
}

// Load builds the configuration. path may be empty. overrides are key=value
// pairs applied last (e.g. "store.driver=postgres").
func Load(path string, overrides ...string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// KAIROS_STORE_MAX_OPEN_CONNS -> store.max_open_conns
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	for _, kv := range overrides {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid override %q, want key=value", kv)
		}
		if err := k.Set(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps an environment variable to a koanf key. Only the first
// underscore after the prefix separates the section; nested minio keys use a
// second level.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	if section == "artifacts" && strings.HasPrefix(rest, "minio_") {
		return "artifacts.minio." + strings.TrimPrefix(rest, "minio_")
	}
	return section + "." + rest
}

// Validate rejects configurations the runner cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.Store.MaxOpenConns < 1 {
		return fmt.Errorf("store.max_open_conns must be >= 1")
	}
	if c.Store.QueryTimeout <= 0 {
		return fmt.Errorf("store.query_timeout must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive")
	}
	switch c.Agent.Backend {
	case "cli", "llm":
	default:
		return fmt.Errorf("agent.backend must be cli or llm")
	}
	switch c.Classifier.MinConfidence {
	case "high", "medium", "low":
	default:
		return fmt.Errorf("classifier.min_confidence must be high, medium or low")
	}
	switch c.Artifacts.Backend {
	case "disk", "none":
	case "minio":
		if c.Artifacts.Minio.Endpoint == "" || c.Artifacts.Minio.Bucket == "" {
			return fmt.Errorf("artifacts.minio.endpoint and artifacts.minio.bucket are required")
		}
	default:
		return fmt.Errorf("artifacts.backend must be disk, minio or none, got %q", c.Artifacts.Backend)
	}
	if c.Secrets.MasterKey != "" && len(c.Secrets.MasterKey) < 16 {
		return fmt.Errorf("secrets.master_key must be at least 16 characters")
	}
	return nil
}
