// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/jllopis/kairos-runner/pkg/errors"
	"github.com/jllopis/kairos-runner/pkg/llm"
	"github.com/jllopis/kairos-runner/pkg/mcp"
)

const defaultLLMTurns = 8

// toolSeparator joins connection and tool names in the names shown to the
// model.
const toolSeparator = "__"

// LLMRunner runs the agent loop in process: the model either answers or asks
// for one MCP tool call per turn, and tool results are fed back until it
// answers or the turn budget runs out.
type LLMRunner struct {
	provider llm.Provider
	model    string
	maxTurns int
	logger   *slog.Logger
}

// LLMOption configures an LLMRunner.
type LLMOption func(*LLMRunner)

// WithLLMModel sets the default model.
func WithLLMModel(model string) LLMOption {
	return func(r *LLMRunner) { r.model = model }
}

// WithLLMMaxTurns bounds the number of model calls per run.
func WithLLMMaxTurns(n int) LLMOption {
	return func(r *LLMRunner) {
		if n > 0 {
			r.maxTurns = n
		}
	}
}

// WithLLMLogger sets the logger.
func WithLLMLogger(logger *slog.Logger) LLMOption {
	return func(r *LLMRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewLLMRunner creates a runner backed by provider.
func NewLLMRunner(provider llm.Provider, opts ...LLMOption) *LLMRunner {
	r := &LLMRunner{provider: provider, maxTurns: defaultLLMTurns, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type toolCall struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Run implements Runner.
func (r *LLMRunner) Run(ctx context.Context, req Request, emit func(Message)) error {
	if emit == nil {
		emit = func(Message) {}
	}
	pool := mcp.NewPool(req.Connections, mcp.WithPoolLogger(r.logger))
	defer pool.Close()

	tools, err := r.tools(ctx, pool, req.DisallowedTools)
	if err != nil {
		return err
	}
	model := req.Model
	if model == "" {
		model = r.model
	}
	emit(rawMessage(TypeSystem, map[string]any{"subtype": "init", "model": model, "tools": toolNames(tools)}))

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt(req.SystemPrompt, tools)}}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Prompt})

	var usage Usage
	for turn := 1; turn <= r.maxTurns; turn++ {
		resp, err := r.provider.Chat(ctx, llm.ChatRequest{Model: model, Messages: msgs})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.New(errors.CodeAgentError, "model call failed", err).WithContext("turn", turn)
		}
		usage.InputTokens += int64(resp.Usage.PromptTokens)
		usage.OutputTokens += int64(resp.Usage.CompletionTokens)
		emit(rawMessage(TypeAssistant, map[string]any{"message": map[string]any{
			"content": []map[string]string{{"type": "text", "text": resp.Content}},
		}}))
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

		call, ok := parseToolCall(resp.Content)
		if !ok {
			u := usage
			emit(Message{Type: TypeResult, Subtype: "success", Result: strings.TrimSpace(resp.Content), Usage: &u})
			return nil
		}

		out := r.callTool(ctx, pool, tools, call)
		emit(rawMessage(TypeUser, map[string]any{"message": map[string]any{
			"content": []map[string]string{{"type": "tool_result", "tool": call.Tool, "text": out}},
		}}))
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "Tool " + call.Tool + " returned:\n" + out})
	}

	u := usage
	emit(Message{Type: TypeResult, Subtype: "error_max_turns", IsError: true, Usage: &u})
	return errors.Newf(errors.CodeAgentError, "agent reached the turn limit (%d)", r.maxTurns)
}

type toolInfo struct {
	name        string
	connection  string
	tool        string
	description string
	schema      json.RawMessage
}

func (r *LLMRunner) tools(ctx context.Context, pool *mcp.Pool, denied []string) ([]toolInfo, error) {
	names := pool.Names()
	sort.Strings(names)
	var out []toolInfo
	for _, conn := range names {
		client, err := pool.Get(ctx, conn)
		if err != nil {
			r.logger.WarnContext(ctx, "mcp connection unavailable", "connection", conn, "error", err)
			continue
		}
		list, err := client.ListTools(ctx)
		if err != nil {
			r.logger.WarnContext(ctx, "listing mcp tools failed", "connection", conn, "error", err)
			continue
		}
		for _, t := range list {
			name := conn + toolSeparator + t.Name
			if slices.Contains(denied, name) || slices.Contains(denied, t.Name) {
				continue
			}
			schema, err := json.Marshal(t.InputSchema)
			if err != nil {
				return nil, errors.New(errors.CodeAgentError, "encode tool schema", err)
			}
			out = append(out, toolInfo{name: name, connection: conn, tool: t.Name, description: t.Description, schema: schema})
		}
	}
	return out, nil
}

// callTool returns the text handed back to the model. Tool failures are
// reported to the model rather than ending the run.
func (r *LLMRunner) callTool(ctx context.Context, pool *mcp.Pool, tools []toolInfo, call toolCall) string {
	i := slices.IndexFunc(tools, func(t toolInfo) bool { return t.name == call.Tool })
	if i < 0 {
		return fmt.Sprintf("error: unknown tool %q", call.Tool)
	}
	t := tools[i]
	client, err := pool.Get(ctx, t.connection)
	if err == nil {
		var text string
		if text, err = client.CallText(ctx, t.tool, call.Arguments); err == nil {
			return text
		}
	}
	r.logger.DebugContext(ctx, "tool call failed", "tool", call.Tool, "error", err)
	if e, ok := errors.As(err); ok {
		return "error: " + e.Message
	}
	return "error: " + err.Error()
}

func systemPrompt(extra string, tools []toolInfo) string {
	var b strings.Builder
	b.WriteString("You are an automation agent. Answer the user's request directly.\n")
	if len(tools) > 0 {
		b.WriteString("You can call one tool per reply by answering with only a JSON object ")
		b.WriteString(`{"tool": "<name>", "arguments": {...}}` + ". Available tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n  input schema: %s\n", t.name, t.description, t.schema)
		}
		b.WriteString("When you have the answer, reply with plain text instead.\n")
	}
	if s := strings.TrimSpace(extra); s != "" {
		b.WriteString("\n" + s + "\n")
	}
	return b.String()
}

// parseToolCall recognises a reply that is a single JSON tool call, with or
// without a code fence.
func parseToolCall(reply string) (toolCall, bool) {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if !strings.HasPrefix(s, "{") {
		return toolCall{}, false
	}
	var call toolCall
	if err := json.Unmarshal([]byte(s), &call); err != nil || call.Tool == "" {
		return toolCall{}, false
	}
	return call, true
}

func toolNames(tools []toolInfo) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.name
	}
	return names
}

// rawMessage builds a message whose trace payload mirrors the stream-json
// shape of the CLI agent.
func rawMessage(typ string, fields map[string]any) Message {
	fields["type"] = typ
	raw, _ := json.Marshal(fields)
	m := Message{Type: typ, Raw: raw}
	if s, ok := fields["subtype"].(string); ok {
		m.Subtype = s
	}
	return m
}
