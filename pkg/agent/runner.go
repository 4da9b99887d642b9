// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent runs the external agent that executes prompts.
//
// The agent is an opaque capability: it receives a prompt with its context and
// yields an ordered stream of structured messages, normally ending in one
// "result" message carrying the final text. Runs are never retried.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/jllopis/kairos-runner/pkg/errors"
	"github.com/jllopis/kairos-runner/pkg/store"
)

// Request describes one agent invocation.
type Request struct {
	Prompt          string
	SystemPrompt    string
	WorkingDir      string
	Connections     []store.Connection
	DisallowedTools []string
	Model           string
	Env             map[string]string
}

// Runner executes a request, calling emit for each message in order.
type Runner interface {
	Run(ctx context.Context, req Request, emit func(Message)) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req Request, emit func(Message)) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, req Request, emit func(Message)) error {
	return f(ctx, req, emit)
}

const maxLineBytes = 10 << 20

// CLIRunner runs a stream-json agent CLI as a subprocess.
type CLIRunner struct {
	command  string
	model    string
	maxTurns int
	apiKey   func(ctx context.Context) string
	logger   *slog.Logger
}

// CLIOption configures a CLIRunner.
type CLIOption func(*CLIRunner)

// WithCommand sets the binary to execute.
func WithCommand(command string) CLIOption {
	return func(r *CLIRunner) {
		if command != "" {
			r.command = command
		}
	}
}

// WithModel sets the default model flag.
func WithModel(model string) CLIOption {
	return func(r *CLIRunner) { r.model = model }
}

// WithMaxTurns bounds the agent's turns. Zero leaves the CLI default.
func WithMaxTurns(n int) CLIOption {
	return func(r *CLIRunner) { r.maxTurns = n }
}

// WithAPIKey sets a lookup for the key exported to the subprocess.
func WithAPIKey(fn func(ctx context.Context) string) CLIOption {
	return func(r *CLIRunner) { r.apiKey = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CLIOption {
	return func(r *CLIRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewCLIRunner creates a runner for the claude CLI or a compatible binary.
func NewCLIRunner(opts ...CLIOption) *CLIRunner {
	r := &CLIRunner{command: "claude", logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run implements Runner.
func (r *CLIRunner) Run(ctx context.Context, req Request, emit func(Message)) error {
	args, err := r.args(req)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = os.Environ()
	if r.apiKey != nil {
		if key := r.apiKey(ctx); key != "" {
			cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+key)
		}
	}
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.New(errors.CodeAgentError, "agent stdout pipe", err)
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return errors.New(errors.CodeAgentError, "start agent", err).
			WithContext("command", r.command)
	}
	r.logger.DebugContext(ctx, "agent started", "command", r.command, "dir", req.WorkingDir)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := ParseLine(line)
		if err != nil {
			r.logger.DebugContext(ctx, "skipping non-JSON agent output", "line", truncate(string(line), 200))
			continue
		}
		if emit != nil {
			emit(msg)
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// The agent blocks on a full pipe until someone reads it.
		_, _ = io.Copy(io.Discard, stdout)
	}

	if err := cmd.Wait(); err != nil {
		e := errors.New(errors.CodeAgentError, "agent run failed", err)
		if exitErr, ok := err.(*exec.ExitError); ok {
			e.Message = fmt.Sprintf("agent exited with code %d", exitErr.ExitCode())
			e = e.WithContext("exit_code", exitErr.ExitCode())
			if tail := strings.TrimSpace(stderr.String()); tail != "" {
				e = e.WithContext("stderr", truncate(tail, 500))
			}
		}
		return e
	}
	if scanErr != nil {
		return errors.New(errors.CodeAgentError, "read agent output", scanErr)
	}
	return nil
}

func (r *CLIRunner) args(req Request) ([]string, error) {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		args = append(args, "--append-system-prompt", s)
	}
	model := req.Model
	if model == "" {
		model = r.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if r.maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(r.maxTurns))
	}
	if denied := uniqueTools(req.DisallowedTools); len(denied) > 0 {
		args = append(args, "--disallowedTools", strings.Join(denied, ","))
	}
	if len(req.Connections) > 0 {
		cfg, err := MCPConfig(req.Connections)
		if err != nil {
			return nil, err
		}
		args = append(args, "--mcp-config", string(cfg))
	}
	return args, nil
}

type mcpServer struct {
	Type    string            `json:"type"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// MCPConfig renders connections as an agent MCP configuration document.
func MCPConfig(conns []store.Connection) ([]byte, error) {
	servers := make(map[string]mcpServer, len(conns))
	for _, c := range conns {
		switch c.Transport {
		case store.TransportHTTP:
			servers[c.Name] = mcpServer{Type: "http", URL: c.URL}
		case store.TransportStdio, "":
			servers[c.Name] = mcpServer{Type: "stdio", Command: c.Command, Args: c.Args, Env: c.Env}
		default:
			return nil, errors.Newf(errors.CodeInvalidInput, "connection %s: unknown transport %q", c.Name, c.Transport)
		}
	}
	return json.Marshal(map[string]any{"mcpServers": servers})
}

func uniqueTools(tools []string) []string {
	seen := make(map[string]bool, len(tools))
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// tailBuffer keeps the last few KiB written to it.
type tailBuffer struct {
	buf []byte
}

const tailSize = 4 << 10

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailSize {
		t.buf = t.buf[len(t.buf)-tailSize:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
