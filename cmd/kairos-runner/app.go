// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jllopis/kairos-runner/pkg/agent"
	"github.com/jllopis/kairos-runner/pkg/artifacts"
	"github.com/jllopis/kairos-runner/pkg/classifier"
	"github.com/jllopis/kairos-runner/pkg/config"
	"github.com/jllopis/kairos-runner/pkg/events"
	"github.com/jllopis/kairos-runner/pkg/llm"
	"github.com/jllopis/kairos-runner/pkg/llm/anthropic"
	"github.com/jllopis/kairos-runner/pkg/orchestrator"
	"github.com/jllopis/kairos-runner/pkg/pipeline"
	"github.com/jllopis/kairos-runner/pkg/resilience"
	"github.com/jllopis/kairos-runner/pkg/secrets"
	"github.com/jllopis/kairos-runner/pkg/store"
	"github.com/jllopis/kairos-runner/pkg/telemetry"
)

// app holds the wired components shared by serve and run.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	secrets   *secrets.Store
	metrics   *telemetry.PipelineMetrics
	events    events.Publisher
	artifacts *artifacts.Store
	pipeline  *pipeline.Controller
}

// openStore opens the store and the secret store on top of it.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *telemetry.PipelineMetrics) (*store.Store, *secrets.Store, error) {
	st, err := store.Open(ctx, cfg.Store, cfg.Retry,
		store.WithLogger(logger),
		store.WithRetryObserver(metrics.RecordRetry),
	)
	if err != nil {
		return nil, nil, err
	}
	sec, err := secrets.New(st, cfg.Secrets.MasterKey, secrets.WithLogger(logger))
	if err != nil {
		_ = st.Shutdown()
		return nil, nil, err
	}
	return st, sec, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	metrics, err := telemetry.NewPipelineMetrics()
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
		metrics = nil
	}

	st, sec, err := openStore(ctx, cfg, logger, metrics)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: st, secrets: sec, metrics: metrics}

	provider, err := newProvider(ctx, cfg.LLM, sec)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	cls := classifier.New(st, provider,
		classifier.WithModel(cfg.LLM.Model),
		classifier.WithMinConfidence(classifier.ParseConfidence(cfg.Classifier.MinConfidence)),
		classifier.WithTimeout(cfg.Classifier.Timeout),
		classifier.WithCircuitBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
			Name:             "classifier",
		})),
		classifier.WithLogger(logger),
		classifier.WithMetrics(metrics),
	)

	runner := newRunner(cfg.Agent, provider, sec, logger)
	orch := orchestrator.New(runner,
		orchestrator.WithTimeout(cfg.Agent.Timeout),
		orchestrator.WithWorkRoot(cfg.Agent.WorkRoot),
		orchestrator.WithDisallowedTools(cfg.Agent.DisallowedTools...),
		orchestrator.WithLogger(logger),
	)

	backend, err := artifacts.NewFromConfig(ctx, cfg.Artifacts, cfg.Server.PublicURL)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.artifacts = artifacts.New(backend,
		artifacts.WithMaxFileBytes(cfg.Artifacts.MaxFileBytes),
		artifacts.WithConcurrency(cfg.Artifacts.Concurrency),
		artifacts.WithLogger(logger),
	)

	pub, err := events.New(cfg.Events.NatsURL,
		events.WithLogger(logger),
		events.WithSubjectPrefix(cfg.Events.SubjectPrefix),
	)
	if err != nil {
		// Events are best effort; the runner works without a broker.
		logger.Warn("event publishing disabled", "url", cfg.Events.NatsURL, "error", err)
		pub = events.Noop{}
	}
	a.events = pub

	a.pipeline = pipeline.New(st, orch,
		pipeline.WithClassifier(cls),
		pipeline.WithArtifacts(a.artifacts),
		pipeline.WithEvents(pub),
		pipeline.WithMetrics(metrics),
		pipeline.WithScheduler(pipeline.NewScheduler(logger)),
		pipeline.WithLogger(logger),
	)
	return a, nil
}

// close drains detached work and releases resources.
func (a *app) close(ctx context.Context) {
	if a.pipeline != nil {
		if err := a.pipeline.Scheduler().Drain(ctx); err != nil {
			a.logger.Warn("detached tasks still running at shutdown",
				"pending", a.pipeline.Scheduler().Pending(), "error", err)
		}
	}
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Warn("close event publisher", "error", err)
		}
	}
	if err := a.store.Shutdown(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

// newRunner picks the agent backend: the external CLI, or the in-process loop
// over the configured LLM provider.
func newRunner(cfg config.AgentConfig, provider llm.Provider, sec *secrets.Store, logger *slog.Logger) agent.Runner {
	if cfg.Backend == "llm" {
		return agent.NewLLMRunner(provider,
			agent.WithLLMModel(cfg.Model),
			agent.WithLLMMaxTurns(cfg.MaxTurns),
			agent.WithLLMLogger(logger),
		)
	}
	keySecret := cfg.APIKeySecret
	return agent.NewCLIRunner(
		agent.WithCommand(cfg.Command),
		agent.WithModel(cfg.Model),
		agent.WithMaxTurns(cfg.MaxTurns),
		agent.WithAPIKey(func(ctx context.Context) string {
			if keySecret == "" {
				return ""
			}
			return sec.Lookup(ctx, keySecret, "")
		}),
		agent.WithLogger(logger),
	)
}

func newProvider(ctx context.Context, cfg config.LLMConfig, sec *secrets.Store) (llm.Provider, error) {
	switch cfg.Provider {
	case "", "anthropic":
		key := cfg.APIKey
		if cfg.APIKeySecret != "" {
			key = sec.Lookup(ctx, cfg.APIKeySecret, key)
		}
		opts := []anthropic.Option{anthropic.WithModel(cfg.Model), anthropic.WithAPIKey(key)}
		if cfg.MaxTokens > 0 {
			opts = append(opts, anthropic.WithMaxTokens(cfg.MaxTokens))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...), nil
	case "ollama":
		return llm.NewOllama(cfg.BaseURL, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
