// SPDX-License-Identifier: Apache-2.0
package pipeline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/kairos-runner/pkg/agent"
	"github.com/jllopis/kairos-runner/pkg/artifacts"
	"github.com/jllopis/kairos-runner/pkg/classifier"
	"github.com/jllopis/kairos-runner/pkg/config"
	"github.com/jllopis/kairos-runner/pkg/errors"
	"github.com/jllopis/kairos-runner/pkg/events"
	"github.com/jllopis/kairos-runner/pkg/llm"
	"github.com/jllopis/kairos-runner/pkg/orchestrator"
	"github.com/jllopis/kairos-runner/pkg/store"
)

const (
	noMatchReply = `{"match": false, "confidence": "none", "reasoning": "nothing fits"}`
	digestReply  = "Sure. ```json\n{\"match\": true, \"workflowName\": \"weekly digest\", \"confidence\": \"high\", \"reasoning\": \"asks for a digest\"}\n```"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	s, err := store.Open(context.Background(), config.StoreConfig{
		Driver:       store.DriverSQLite,
		DSN:          fmt.Sprintf("file:pipeline_%s?mode=memory&cache=shared", name),
		MaxOpenConns: 5,
		QueryTimeout: 5 * time.Second,
	}, config.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func seedDigest(t *testing.T, s *store.Store) *store.Skill {
	t.Helper()
	sk := &store.Skill{
		Name:        "Weekly Digest",
		Description: "Summarise the week's activity",
		Active:      true,
		Connections: []string{"github"},
	}
	if err := s.UpsertSkill(context.Background(), sk); err != nil {
		t.Fatalf("seed skill: %v", err)
	}
	for _, c := range []store.Connection{
		{Name: "github", Transport: store.TransportStdio, Command: "gh-mcp", Enabled: true},
		{Name: "fs", Transport: store.TransportStdio, Command: "fs-mcp", Enabled: true},
	} {
		if err := s.UpsertConnection(context.Background(), c); err != nil {
			t.Fatalf("seed connection: %v", err)
		}
	}
	return sk
}

type harness struct {
	store  *store.Store
	llm    *llm.MockProvider
	ctl    *Controller
	events *recordingPublisher
}

func newHarness(t *testing.T, runner agent.Runner, reply string, opts ...Option) *harness {
	t.Helper()
	s := openStore(t)
	mock := &llm.MockProvider{Response: reply}
	pub := &recordingPublisher{}
	orch := orchestrator.New(runner, orchestrator.WithWorkRoot(t.TempDir()))
	opts = append([]Option{
		WithClassifier(classifier.New(s, mock)),
		WithEvents(pub),
	}, opts...)
	return &harness{store: s, llm: mock, ctl: New(s, orch, opts...), events: pub}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.ctl.Scheduler().Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Status)
	}
	return out
}

func answer(text string) agent.RunnerFunc {
	return func(_ context.Context, _ agent.Request, emit func(agent.Message)) error {
		emit(agent.Message{Type: agent.TypeAssistant})
		emit(agent.Message{Type: agent.TypeResult, Result: text, Usage: &agent.Usage{InputTokens: 3, OutputTokens: 4}})
		return nil
	}
}

func TestOneOffWhenNothingMatches(t *testing.T) {
	var conns []store.Connection
	runner := agent.RunnerFunc(func(ctx context.Context, req agent.Request, emit func(agent.Message)) error {
		conns = req.Connections
		return answer("here you go")(ctx, req, emit)
	})
	h := newHarness(t, runner, noMatchReply)
	seedDigest(t, h.store)

	resp, err := h.ctl.Run(context.Background(), Request{Prompt: "what is the weather", SearchWorkflow: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.Response != "here you go" || resp.WorkflowID != "" || resp.RequestID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if h.llm.CallCount() != 1 {
		t.Fatalf("expected one classifier call, got %d", h.llm.CallCount())
	}
	data, _ := json.Marshal(resp)
	if strings.Contains(string(data), "workflowId") {
		t.Fatalf("workflowId must be absent: %s", data)
	}
	if len(conns) != 2 {
		t.Fatalf("one-off runs get every enabled connection, got %+v", conns)
	}

	execs, err := h.store.ListExecutions(context.Background(), store.ExecutionFilter{})
	if err != nil || len(execs) != 0 {
		t.Fatalf("one-off runs are not persisted as executions: %v %v", execs, err)
	}
	results, err := h.store.ResultsByRequest(context.Background(), resp.RequestID)
	if err != nil || len(results) != 1 || results[0].Response != "here you go" {
		t.Fatalf("result not saved: %+v %v", results, err)
	}
}

func TestSkillRunIsTracked(t *testing.T) {
	var (
		h          *harness
		skill      *store.Skill
		seenDuring []store.Execution
		conns      []store.Connection
	)
	runner := agent.RunnerFunc(func(ctx context.Context, req agent.Request, emit func(agent.Message)) error {
		execs, err := h.store.ListExecutions(ctx, store.ExecutionFilter{Status: store.StatusRunning})
		if err != nil {
			return err
		}
		seenDuring = execs
		conns = req.Connections
		return answer("digest ready")(ctx, req, emit)
	})
	h = newHarness(t, runner, digestReply)
	skill = seedDigest(t, h.store)

	resp, err := h.ctl.Run(context.Background(), Request{Prompt: "send me the weekly digest", RequestID: "req-b", SearchWorkflow: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.WorkflowID != skill.ID || resp.Workflow != "Weekly Digest" || resp.ExecutionID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(seenDuring) != 1 || seenDuring[0].SkillID != skill.ID {
		t.Fatalf("execution must be running before orchestration, saw %+v", seenDuring)
	}
	if len(conns) != 1 || conns[0].Name != "github" {
		t.Fatalf("skill runs get the skill's connections, got %+v", conns)
	}

	exec, err := h.store.GetExecution(context.Background(), resp.ExecutionID)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != store.StatusCompleted || exec.CompletedAt == nil || exec.DurationMs == nil {
		t.Fatalf("unexpected execution %+v", exec)
	}
	if exec.Output != "digest ready" || exec.Trigger != store.TriggerWebhook {
		t.Fatalf("unexpected execution %+v", exec)
	}
	if exec.Tokens == nil || *exec.Tokens != 7 {
		t.Fatalf("expected 7 tokens, got %v", exec.Tokens)
	}
	var trace []map[string]any
	if err := json.Unmarshal(exec.Trace, &trace); err != nil || len(trace) != 2 {
		t.Fatalf("unexpected trace %s %v", exec.Trace, err)
	}

	after, err := h.store.GetSkill(context.Background(), skill.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.RunCount != 1 || after.LastRunAt == nil {
		t.Fatalf("run statistics not updated: %+v", after)
	}
	if got := h.events.statuses(); len(got) != 2 || got[0] != "running" || got[1] != "completed" {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestSkillRunFailure(t *testing.T) {
	runner := agent.RunnerFunc(func(_ context.Context, _ agent.Request, emit func(agent.Message)) error {
		emit(agent.Message{Type: agent.TypeResult, Result: "half done"})
		return stderrors.New("agent crashed")
	})
	h := newHarness(t, runner, digestReply)
	skill := seedDigest(t, h.store)

	_, err := h.ctl.Run(context.Background(), Request{Prompt: "weekly digest please", SearchWorkflow: true})
	if errors.CodeOf(err) != errors.CodeAgentError {
		t.Fatalf("expected agent error, got %v", err)
	}

	execs, lerr := h.store.ListExecutions(context.Background(), store.ExecutionFilter{SkillID: skill.ID})
	if lerr != nil || len(execs) != 1 {
		t.Fatalf("expected one execution, got %+v %v", execs, lerr)
	}
	exec := execs[0]
	if exec.Status != store.StatusFailed || exec.Error == "" || exec.CompletedAt == nil || exec.DurationMs == nil {
		t.Fatalf("unexpected execution %+v", exec)
	}
	if !strings.Contains(exec.Error, "agent crashed") {
		t.Fatalf("error text not recorded: %q", exec.Error)
	}
	if got := h.events.statuses(); len(got) != 2 || got[1] != "failed" {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestValidationCreatesNothing(t *testing.T) {
	h := newHarness(t, answer("x"), digestReply)
	seedDigest(t, h.store)

	for name, req := range map[string]Request{
		"empty prompt":  {Prompt: "   ", SearchWorkflow: true},
		"bad trigger":   {Prompt: "digest", SearchWorkflow: true, Metadata: map[string]any{"trigger": "cron"}},
		"long id":       {Prompt: "digest", RequestID: strings.Repeat("x", 129)},
		"control chars": {Prompt: "digest", RequestID: "a\nb"},
	} {
		if _, err := h.ctl.Run(context.Background(), req); errors.CodeOf(err) != errors.CodeInvalidInput {
			t.Errorf("%s: expected invalid input, got %v", name, err)
		}
		if _, err := h.ctl.Submit(context.Background(), req); errors.CodeOf(err) != errors.CodeInvalidInput {
			t.Errorf("%s: expected invalid input on submit, got %v", name, err)
		}
	}
	if h.llm.CallCount() != 0 {
		t.Fatal("classifier must not run for invalid requests")
	}
	execs, _ := h.store.ListExecutions(context.Background(), store.ExecutionFilter{})
	if len(execs) != 0 {
		t.Fatalf("expected no executions, got %d", len(execs))
	}
}

func TestTriggerOverride(t *testing.T) {
	h := newHarness(t, answer("ok"), digestReply, WithDefaultTrigger(store.TriggerManual))
	seedDigest(t, h.store)

	a, err := h.ctl.Run(context.Background(), Request{Prompt: "digest", SearchWorkflow: true})
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.ctl.Run(context.Background(), Request{Prompt: "digest", SearchWorkflow: true, Metadata: map[string]any{"trigger": "chat"}})
	if err != nil {
		t.Fatal(err)
	}
	ea, _ := h.store.GetExecution(context.Background(), a.ExecutionID)
	eb, _ := h.store.GetExecution(context.Background(), b.ExecutionID)
	if ea.Trigger != store.TriggerManual || eb.Trigger != store.TriggerChat {
		t.Fatalf("unexpected triggers %s %s", ea.Trigger, eb.Trigger)
	}
}

func TestWithoutSearchSkipsClassifier(t *testing.T) {
	h := newHarness(t, answer("plain"), digestReply)
	seedDigest(t, h.store)

	resp, err := h.ctl.Run(context.Background(), Request{Prompt: "weekly digest"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.WorkflowID != "" || h.llm.CallCount() != 0 {
		t.Fatalf("classifier should not run, response %+v calls %d", resp, h.llm.CallCount())
	}
}

func TestClassifierFailureFallsBackToOneOff(t *testing.T) {
	h := newHarness(t, answer("fallback"), "")
	h.llm.Err = stderrors.New("llm down")
	seedDigest(t, h.store)

	resp, err := h.ctl.Run(context.Background(), Request{Prompt: "weekly digest", SearchWorkflow: true})
	if err != nil {
		t.Fatalf("classifier failures must not fail the run: %v", err)
	}
	if resp.Response != "fallback" || resp.WorkflowID != "" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestDuplicateRequestIDs(t *testing.T) {
	h := newHarness(t, answer("ok"), digestReply)
	skill := seedDigest(t, h.store)

	for range 2 {
		if _, err := h.ctl.Run(context.Background(), Request{Prompt: "digest", RequestID: "same", SearchWorkflow: true}); err != nil {
			t.Fatal(err)
		}
	}
	execs, _ := h.store.ListExecutions(context.Background(), store.ExecutionFilter{SkillID: skill.ID})
	if len(execs) != 2 {
		t.Fatalf("expected two executions, got %d", len(execs))
	}
	after, _ := h.store.GetSkill(context.Background(), skill.ID)
	if after.RunCount != 2 {
		t.Fatalf("expected run count 2, got %d", after.RunCount)
	}
}

// flakyStore fails selected writes.
type flakyStore struct {
	*store.Store
	failStart bool
	failSave  bool
	// lateStart commits the start but reports a timeout.
	lateStart bool
}

func (f *flakyStore) StartExecution(ctx context.Context, in store.NewExecution) (*store.Execution, error) {
	if f.failStart {
		return nil, errors.New(errors.CodeStorageUnavailable, "database unavailable", nil)
	}
	if f.lateStart {
		if _, err := f.Store.StartExecution(ctx, in); err != nil {
			return nil, err
		}
		return nil, errors.New(errors.CodeStorageTimeout, "start execution timed out", nil)
	}
	return f.Store.StartExecution(ctx, in)
}

func (f *flakyStore) SaveResult(ctx context.Context, r *store.ResultRecord) error {
	if f.failSave {
		return errors.New(errors.CodeStorage, "disk full", nil)
	}
	return f.Store.SaveResult(ctx, r)
}

func TestStartExecutionFailureIsNotFatal(t *testing.T) {
	s := openStore(t)
	seedDigest(t, s)
	ctl := New(&flakyStore{Store: s, failStart: true},
		orchestrator.New(answer("untracked"), orchestrator.WithWorkRoot(t.TempDir())),
		WithClassifier(classifier.New(s, &llm.MockProvider{Response: digestReply})))

	resp, err := ctl.Run(context.Background(), Request{Prompt: "digest", SearchWorkflow: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.Response != "untracked" || resp.WorkflowID == "" || resp.ExecutionID != "" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestLateStartIsStillFinished(t *testing.T) {
	s := openStore(t)
	skill := seedDigest(t, s)
	ctl := New(&flakyStore{Store: s, lateStart: true},
		orchestrator.New(answer("late"), orchestrator.WithWorkRoot(t.TempDir())),
		WithClassifier(classifier.New(s, &llm.MockProvider{Response: digestReply})),
		WithIDGenerator(func() string { return "exec-late" }))

	resp, err := ctl.Run(context.Background(), Request{Prompt: "digest", RequestID: "req-late", SearchWorkflow: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.ExecutionID != "" {
		t.Fatalf("unconfirmed execution reported to caller: %+v", resp)
	}
	exec, err := s.GetExecution(context.Background(), "exec-late")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != store.StatusCompleted || exec.CompletedAt == nil {
		t.Fatalf("execution left %s", exec.Status)
	}
	after, _ := s.GetSkill(context.Background(), skill.ID)
	if after.RunCount != 1 {
		t.Fatalf("expected run count 1, got %d", after.RunCount)
	}
}

func TestLateStartOnFailedRun(t *testing.T) {
	s := openStore(t)
	seedDigest(t, s)
	boom := agent.RunnerFunc(func(context.Context, agent.Request, func(agent.Message)) error {
		return errors.New(errors.CodeAgentError, "agent exited with code 1", nil)
	})
	ctl := New(&flakyStore{Store: s, lateStart: true},
		orchestrator.New(boom, orchestrator.WithWorkRoot(t.TempDir())),
		WithClassifier(classifier.New(s, &llm.MockProvider{Response: digestReply})),
		WithIDGenerator(func() string { return "exec-failed" }))

	if _, err := ctl.Run(context.Background(), Request{Prompt: "digest", RequestID: "req-failed", SearchWorkflow: true}); err == nil {
		t.Fatal("expected run to fail")
	}
	exec, err := s.GetExecution(context.Background(), "exec-failed")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.Status != store.StatusFailed {
		t.Fatalf("execution left %s", exec.Status)
	}
}

func TestSaveResultFailureStillCompletesExecution(t *testing.T) {
	s := openStore(t)
	seedDigest(t, s)
	ctl := New(&flakyStore{Store: s, failSave: true},
		orchestrator.New(answer("done"), orchestrator.WithWorkRoot(t.TempDir())),
		WithClassifier(classifier.New(s, &llm.MockProvider{Response: digestReply})))

	resp, err := ctl.Run(context.Background(), Request{Prompt: "digest", SearchWorkflow: true})
	if err != nil {
		t.Fatalf("write-back failures must not reach the caller: %v", err)
	}
	exec, err := s.GetExecution(context.Background(), resp.ExecutionID)
	if err != nil || exec.Status != store.StatusCompleted {
		t.Fatalf("execution not completed: %+v %v", exec, err)
	}
}

func TestSubmitRunsDetached(t *testing.T) {
	release := make(chan struct{})
	runner := agent.RunnerFunc(func(ctx context.Context, req agent.Request, emit func(agent.Message)) error {
		<-release
		return answer("later")(ctx, req, emit)
	})
	h := newHarness(t, runner, digestReply)
	skill := seedDigest(t, h.store)

	ctx, cancel := context.WithCancel(context.Background())
	ack, err := h.ctl.Submit(ctx, Request{Prompt: "digest", RequestID: "async-1", SearchWorkflow: true, Async: true})
	if err != nil {
		t.Fatal(err)
	}
	if ack.Status != "processing" || ack.RequestID != "async-1" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	// The request context ends with the HTTP response.
	cancel()
	close(release)
	h.drain(t)

	execs, _ := h.store.ListExecutions(context.Background(), store.ExecutionFilter{SkillID: skill.ID})
	if len(execs) != 1 || execs[0].Status != store.StatusCompleted {
		t.Fatalf("detached run not completed: %+v", execs)
	}
	if _, err := h.ctl.Submit(context.Background(), Request{Prompt: "again"}); err == nil {
		t.Fatal("expected submit to fail after drain")
	}
}

func TestDispatch(t *testing.T) {
	h := newHarness(t, answer("sync"), noMatchReply)
	resp, ack, err := h.ctl.Dispatch(context.Background(), Request{Prompt: "hi"})
	if err != nil || resp == nil || ack != nil {
		t.Fatalf("expected sync response, got %v %v %v", resp, ack, err)
	}
	resp, ack, err = h.ctl.Dispatch(context.Background(), Request{Prompt: "hi", Async: true})
	if err != nil || resp != nil || ack == nil {
		t.Fatalf("expected ack, got %v %v %v", resp, ack, err)
	}
	h.drain(t)
}

func TestArtifactsAreUploadedAndDirRemoved(t *testing.T) {
	var workDir string
	runner := agent.RunnerFunc(func(ctx context.Context, req agent.Request, emit func(agent.Message)) error {
		workDir = req.WorkingDir
		if err := os.WriteFile(filepath.Join(req.WorkingDir, "report.md"), []byte("# hi"), 0o644); err != nil {
			return err
		}
		return answer("see the report")(ctx, req, emit)
	})
	served := t.TempDir()
	backend, err := artifacts.NewDiskBackend(served, "http://runner")
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, runner, noMatchReply, WithArtifacts(artifacts.New(backend)))

	resp, err := h.ctl.Run(context.Background(), Request{Prompt: "write a report", RequestID: "art"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Files) != 1 || resp.Files[0].URL != "http://runner/files/art/report.md" {
		t.Fatalf("unexpected files %+v", resp.Files)
	}
	if !strings.HasSuffix(resp.Response, "- [report.md](http://runner/files/art/report.md)") {
		t.Fatalf("listing not appended: %q", resp.Response)
	}
	h.drain(t)
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Fatalf("working directory not removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(served, "art", "report.md")); err != nil {
		t.Fatalf("artifact not stored: %v", err)
	}
}

func TestFailedRunRemovesWorkDir(t *testing.T) {
	var workDir string
	runner := agent.RunnerFunc(func(_ context.Context, req agent.Request, _ func(agent.Message)) error {
		workDir = req.WorkingDir
		return stderrors.New("boom")
	})
	h := newHarness(t, runner, noMatchReply)
	if _, err := h.ctl.Run(context.Background(), Request{Prompt: "x"}); err == nil {
		t.Fatal("expected error")
	}
	h.drain(t)
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Fatalf("working directory not removed: %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateReceived, StateValidated, true},
		{StateValidated, StateExecuting, true},
		{StateValidated, StateClassifying, true},
		{StateClassifying, StateExecuting, true},
		{StateExecuting, StateFinalizing, true},
		{StateFinalizing, StateResponded, true},
		{StateExecuting, StateFailed, true},
		{StateReceived, StateExecuting, false},
		{StateResponded, StateFailed, false},
		{StateFailed, StateExecuting, false},
		{StateFinalizing, StateExecuting, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStepResult(t *testing.T) {
	if r := OK(3); r.Outcome != Ok || r.Value != 3 {
		t.Fatalf("unexpected %+v", r)
	}
	boom := stderrors.New("boom")
	if r := Recover("fallback", boom); r.Outcome != Recovered || r.Value != "fallback" || r.Err != boom {
		t.Fatalf("unexpected %+v", r)
	}
	if r := Fail[int](boom); r.Outcome != Fatal || r.Err != boom {
		t.Fatalf("unexpected %+v", r)
	}
}
