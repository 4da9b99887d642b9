// SPDX-License-Identifier: Apache-2.0
package orchestrator

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/kairos-runner/pkg/agent"
	"github.com/jllopis/kairos-runner/pkg/errors"
	"github.com/jllopis/kairos-runner/pkg/store"
)

func resultRunner(text string) agent.RunnerFunc {
	return func(_ context.Context, req agent.Request, emit func(agent.Message)) error {
		emit(agent.Message{Type: agent.TypeSystem, Subtype: "init"})
		emit(agent.Message{Type: agent.TypeResult, Result: text, Usage: &agent.Usage{InputTokens: 5, OutputTokens: 7}})
		return nil
	}
}

func TestRunOneOff(t *testing.T) {
	var got agent.Request
	runner := agent.RunnerFunc(func(ctx context.Context, req agent.Request, emit func(agent.Message)) error {
		got = req
		return resultRunner("hello")(ctx, req, emit)
	})
	root := t.TempDir()
	o := New(runner, WithWorkRoot(root), WithDisallowedTools("Bash"))

	conns := []store.Connection{{Name: "fs", Command: "fs"}}
	res, err := o.Run(context.Background(), nil, "say hello", "req/1", conns, "be nice")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Text != "hello" || len(res.Trace) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Usage.Total() != 12 {
		t.Fatalf("expected 12 tokens, got %d", res.Usage.Total())
	}
	if filepath.Dir(res.WorkDir) != root || !strings.HasPrefix(filepath.Base(res.WorkDir), "req_1-") {
		t.Fatalf("unexpected work dir %s", res.WorkDir)
	}
	if _, err := os.Stat(res.WorkDir); err != nil {
		t.Fatalf("work dir not created: %v", err)
	}
	if got.Prompt != "say hello" || got.SystemPrompt != "be nice" || got.WorkingDir != res.WorkDir {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(got.Connections) != 1 || len(got.DisallowedTools) != 1 {
		t.Fatalf("connections and tool denials not forwarded: %+v", got)
	}
}

func TestRunWithoutResultMessage(t *testing.T) {
	runner := agent.RunnerFunc(func(_ context.Context, _ agent.Request, emit func(agent.Message)) error {
		emit(agent.Message{Type: agent.TypeAssistant})
		return nil
	})
	res, err := New(runner, WithWorkRoot(t.TempDir())).Run(context.Background(), nil, "x", "r", nil, "")
	if err != nil {
		t.Fatalf("a run without a result message is not an error: %v", err)
	}
	if res.Text != "" {
		t.Fatalf("expected empty text, got %q", res.Text)
	}
}

func TestRunSameRequestIDGetsDistinctDirs(t *testing.T) {
	tick := time.Unix(1700000000, 0)
	o := New(resultRunner("ok"), WithWorkRoot(t.TempDir()), WithClock(func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}))
	a, _ := o.Run(context.Background(), nil, "x", "dup", nil, "")
	b, _ := o.Run(context.Background(), nil, "x", "dup", nil, "")
	if a.WorkDir == b.WorkDir {
		t.Fatal("expected distinct working directories")
	}
}

func TestRunAgentFailure(t *testing.T) {
	runner := agent.RunnerFunc(func(_ context.Context, _ agent.Request, emit func(agent.Message)) error {
		emit(agent.Message{Type: agent.TypeResult, Result: "partial"})
		return stderrors.New("crashed")
	})
	res, err := New(runner, WithWorkRoot(t.TempDir())).Run(context.Background(), nil, "x", "r", nil, "")
	if errors.CodeOf(err) != errors.CodeAgentError {
		t.Fatalf("expected agent error, got %v", err)
	}
	if res == nil || res.WorkDir == "" {
		t.Fatal("expected a result with the working directory on failure")
	}
	if res.Text != "partial" {
		t.Fatalf("expected partial text for diagnostics, got %q", res.Text)
	}
}

func TestRunTimeoutKeepsPartialTrace(t *testing.T) {
	var finished atomic.Bool
	runner := agent.RunnerFunc(func(_ context.Context, _ agent.Request, emit func(agent.Message)) error {
		emit(agent.Message{Type: agent.TypeSystem, Subtype: "init"})
		time.Sleep(150 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	o := New(runner, WithWorkRoot(t.TempDir()), WithTimeout(30*time.Millisecond))

	start := time.Now()
	res, err := o.Run(context.Background(), nil, "x", "r", nil, "")
	if errors.CodeOf(err) != errors.CodeAgentTimeout {
		t.Fatalf("expected agent timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "agent execution timeout") {
		t.Fatalf("unexpected message %v", err)
	}
	if time.Since(start) > 120*time.Millisecond {
		t.Fatal("timeout did not release the caller")
	}
	if len(res.Trace) != 1 {
		t.Fatalf("expected the partial trace, got %d messages", len(res.Trace))
	}

	time.Sleep(200 * time.Millisecond)
	if !finished.Load() {
		t.Fatal("the agent run should not be cancelled by the timeout")
	}
}

func TestRunSkillSteps(t *testing.T) {
	var prompts []string
	runner := agent.RunnerFunc(func(_ context.Context, req agent.Request, emit func(agent.Message)) error {
		prompts = append(prompts, req.Prompt)
		emit(agent.Message{Type: agent.TypeResult, Result: "draft for " + req.Prompt})
		return nil
	})
	skill := &store.Skill{
		ID:   "sk-1",
		Name: "Weekly Digest",
		Steps: []byte(`[
			{"id":"draft","type":"agent","prompt":"{{.Input}}"},
			{"id":"shout","type":"script","script":"return string.upper(last)"}
		]`),
	}
	res, err := New(runner, WithWorkRoot(t.TempDir())).Run(context.Background(), skill, "the news", "r", nil, "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Text != "DRAFT FOR THE NEWS" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if len(prompts) != 1 || prompts[0] != "the news" {
		t.Fatalf("unexpected prompts %v", prompts)
	}
	if len(res.Trace) != 1 {
		t.Fatalf("expected merged trace, got %d", len(res.Trace))
	}
}

func TestRunSkillWithoutSteps(t *testing.T) {
	var system string
	runner := agent.RunnerFunc(func(ctx context.Context, req agent.Request, emit func(agent.Message)) error {
		system = req.SystemPrompt
		return resultRunner("done")(ctx, req, emit)
	})
	skill := &store.Skill{ID: "sk", Name: "Plain", Description: "Write a haiku"}
	res, err := New(runner, WithWorkRoot(t.TempDir())).Run(context.Background(), skill, "about go", "r", nil, "in english")
	if err != nil || res.Text != "done" {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if system != "Write a haiku\n\nin english" {
		t.Fatalf("unexpected system prompt %q", system)
	}
}

func TestRunSkillInvalidSteps(t *testing.T) {
	skill := &store.Skill{ID: "sk", Name: "Broken", Steps: []byte(`[{"type":"teleport"}]`)}
	_, err := New(resultRunner("x"), WithWorkRoot(t.TempDir())).Run(context.Background(), skill, "p", "r", nil, "")
	if errors.CodeOf(err) != errors.CodeAgentError {
		t.Fatalf("expected agent error, got %v", err)
	}
}

func TestSafeName(t *testing.T) {
	for in, want := range map[string]string{
		"abc-123": "abc-123",
		"../etc":  ".._etc",
		"":        "run",
		"..":      "run",
		"a b/c":   "a_b_c",
	} {
		if got := safeName(in); got != want {
			t.Errorf("safeName(%q) = %q, want %q", in, got, want)
		}
	}
}
