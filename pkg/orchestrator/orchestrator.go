// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator drives one run: either a single agent invocation or
// the step sequence of a matched skill.
//
// Both paths run under the agent deadline. The deadline only releases the
// caller: the agent keeps running in the background and whatever it already
// emitted stays in the returned trace.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jllopis/kairos-runner/pkg/agent"
	"github.com/jllopis/kairos-runner/pkg/errors"
	"github.com/jllopis/kairos-runner/pkg/mcp"
	"github.com/jllopis/kairos-runner/pkg/resilience"
	"github.com/jllopis/kairos-runner/pkg/store"
	"github.com/jllopis/kairos-runner/pkg/telemetry"
	"github.com/jllopis/kairos-runner/pkg/workflow"
)

// Result is the outcome of a run.
type Result struct {
	Text     string
	WorkDir  string
	Trace    []agent.Message
	Duration time.Duration
	Usage    agent.Usage
}

// Orchestrator runs prompts through the agent capability.
type Orchestrator struct {
	runner          agent.Runner
	workRoot        string
	timeout         time.Duration
	disallowedTools []string
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout sets the agent deadline. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithWorkRoot sets the directory under which run directories are created.
func WithWorkRoot(dir string) Option {
	return func(o *Orchestrator) {
		if dir != "" {
			o.workRoot = dir
		}
	}
}

// WithDisallowedTools denies tools on every agent invocation.
func WithDisallowedTools(tools ...string) Option {
	return func(o *Orchestrator) { o.disallowedTools = append(o.disallowedTools, tools...) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(runner agent.Runner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runner:   runner,
		workRoot: filepath.Join(os.TempDir(), "kairos-runner"),
		timeout:  resilience.DefaultAgentTimeout,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes prompt. skill may be nil for a one-off run. The returned
// Result is non-nil whenever a working directory was created, including on
// error, so the caller can clean it up and inspect the partial trace.
func (o *Orchestrator) Run(ctx context.Context, skill *store.Skill, prompt, requestID string, conns []store.Connection, systemPrompt string) (*Result, error) {
	path := "oneoff"
	if skill != nil {
		path = "skill"
	}
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "orchestrator.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String(telemetry.AttrRequestID, requestID),
		attribute.String(telemetry.AttrPath, path),
	)
	if skill != nil {
		span.SetAttributes(telemetry.SkillAttributes(skill.ID, skill.Name)...)
	}

	started := o.now()
	workDir := filepath.Join(o.workRoot, fmt.Sprintf("%s-%d", safeName(requestID), started.UnixNano()))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, errors.New(errors.CodeInternal, "create working directory", err)
	}

	trace := &agent.Trace{}
	base := agent.Request{
		Prompt:          prompt,
		SystemPrompt:    systemPrompt,
		WorkingDir:      workDir,
		Connections:     conns,
		DisallowedTools: o.disallowedTools,
	}

	text, err := resilience.WithTimeoutResult(ctx, resilience.AgentTimeout(o.timeout), func() (string, error) {
		if skill == nil {
			return o.runOnce(ctx, base, trace)
		}
		return o.runSkill(ctx, skill, base, trace)
	})

	res := &Result{
		WorkDir:  workDir,
		Trace:    trace.Messages(),
		Duration: o.now().Sub(started),
	}
	res.Usage = agent.TotalUsage(res.Trace)
	span.SetAttributes(
		attribute.Int64(telemetry.AttrTokens, res.Usage.Total()),
		attribute.Float64(telemetry.AttrCostUSD, res.Usage.CostUSD),
	)

	if err != nil {
		err = asAgentError(err)
		// Whatever the agent produced before failing, for diagnostics.
		res.Text = agent.ResultText(res.Trace)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.WarnContext(ctx, "run failed",
			"request_id", requestID, "path", path, "messages", len(res.Trace),
			"duration_ms", res.Duration.Milliseconds(), "error", err)
		return res, err
	}

	res.Text = text
	o.logger.InfoContext(ctx, "run finished",
		"request_id", requestID, "path", path, "messages", len(res.Trace),
		"duration_ms", res.Duration.Milliseconds())
	return res, nil
}

func (o *Orchestrator) runOnce(ctx context.Context, req agent.Request, trace *agent.Trace) (string, error) {
	if err := o.runner.Run(ctx, req, trace.Append); err != nil {
		return "", asAgentError(err)
	}
	return agent.ResultText(trace.Messages()), nil
}

func (o *Orchestrator) runSkill(ctx context.Context, skill *store.Skill, base agent.Request, trace *agent.Trace) (string, error) {
	steps, err := workflow.ParseSteps(skill.Steps)
	if err != nil {
		return "", errors.New(errors.CodeAgentError, fmt.Sprintf("skill %s has invalid steps", skill.Name), err)
	}
	if len(steps) == 0 {
		req := base
		req.SystemPrompt = joinLines(skill.Description, base.SystemPrompt)
		return o.runOnce(ctx, req, trace)
	}

	pool := mcp.NewPool(base.Connections, mcp.WithPoolLogger(o.logger))
	defer pool.Close()

	exec := workflow.NewExecutor(map[string]workflow.Handler{
		workflow.TypeAgent:  workflow.AgentHandler(o.runner, base, trace.Append),
		workflow.TypeTool:   workflow.ToolHandler(pool),
		workflow.TypeScript: workflow.ScriptHandler(),
	})
	state, err := exec.Execute(ctx, steps, workflow.NewState(base.Prompt))
	if err != nil {
		return "", asAgentError(err)
	}
	return state.Last, nil
}

func asAgentError(err error) error {
	switch errors.CodeOf(err) {
	case errors.CodeAgentError, errors.CodeAgentTimeout:
		return err
	}
	return errors.New(errors.CodeAgentError, "agent run failed", err)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(id string) string {
	s := unsafeChars.ReplaceAllString(id, "_")
	if len(s) > 64 {
		s = s[:64]
	}
	if s == "" || s == "." || s == ".." {
		return "run"
	}
	return s
}

func joinLines(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += p
	}
	return out
}
