// SPDX-License-Identifier: Apache-2.0
package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jllopis/kairos-runner/pkg/config"
	"github.com/jllopis/kairos-runner/pkg/errors"
	"github.com/jllopis/kairos-runner/pkg/resilience"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	s, err := Open(context.Background(), config.StoreConfig{
		Driver:       DriverSQLite,
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		MaxOpenConns: 5,
		QueryTimeout: 5 * time.Second,
	}, config.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func seedSkill(t *testing.T, s *Store, name string, active bool) *Skill {
	t.Helper()
	sk := &Skill{
		Name:        name,
		Description: "does " + name,
		Steps:       json.RawMessage(`[{"id":"one","type":"agent","prompt":"{{.Input}}"}]`),
		Connections: []string{"github"},
		Active:      active,
	}
	if err := s.UpsertSkill(context.Background(), sk); err != nil {
		t.Fatalf("upsert skill: %v", err)
	}
	return sk
}

func TestListActiveSkillsOmitsInactive(t *testing.T) {
	s := openTestStore(t)
	seedSkill(t, s, "Weekly Digest", true)
	seedSkill(t, s, "Archived", false)

	skills, err := s.ListActiveSkills(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(skills) != 1 || skills[0].Name != "Weekly Digest" {
		t.Fatalf("unexpected catalog %+v", skills)
	}
}

func TestGetSkillByNameCaseInsensitive(t *testing.T) {
	s := openTestStore(t)
	want := seedSkill(t, s, "Daily Report", true)

	got, err := s.GetSkillByName(context.Background(), "daily report")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if got.ID != want.ID {
		t.Fatalf("expected %s, got %s", want.ID, got.ID)
	}
	if len(got.Connections) != 1 || got.Connections[0] != "github" {
		t.Fatalf("unexpected connections %v", got.Connections)
	}
	if !strings.Contains(string(got.Steps), `"agent"`) {
		t.Fatalf("expected steps to be loaded, got %s", got.Steps)
	}

	_, err = s.GetSkill(context.Background(), "missing")
	if errors.CodeOf(err) != errors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpsertSkillKeepsRunStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sk := seedSkill(t, s, "Weekly Digest", true)
	if _, err := s.StartExecution(ctx, NewExecution{SkillID: sk.ID, Trigger: TriggerManual}); err != nil {
		t.Fatalf("start: %v", err)
	}

	sk.Description = "updated"
	if err := s.UpsertSkill(ctx, sk); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.GetSkill(ctx, sk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != "updated" || got.RunCount != 1 {
		t.Fatalf("expected updated description and preserved run count, got %+v", got)
	}
}

func TestStartExecutionPairsSkillUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sk := seedSkill(t, s, "Weekly Digest", true)

	exec, err := s.StartExecution(ctx, NewExecution{
		SkillID: sk.ID,
		Trigger: TriggerWebhook,
		Input:   json.RawMessage(`{"prompt":"digest please"}`),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if exec.Status != StatusRunning {
		t.Fatalf("expected running, got %s", exec.Status)
	}

	got, err := s.GetSkill(ctx, sk.ID)
	if err != nil {
		t.Fatalf("get skill: %v", err)
	}
	if got.RunCount != 1 {
		t.Fatalf("expected run count 1, got %d", got.RunCount)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(exec.StartedAt) {
		t.Fatalf("expected last run %v, got %v", exec.StartedAt, got.LastRunAt)
	}

	stored, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if stored.CompletedAt != nil {
		t.Fatal("running execution must not have completed_at")
	}
}

func TestStartExecutionUnknownSkillRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.StartExecution(ctx, NewExecution{ID: "exec-1", SkillID: "ghost", Trigger: TriggerManual})
	if err == nil {
		t.Fatal("expected error for unknown skill")
	}
	if _, err := s.GetExecution(ctx, "exec-1"); errors.CodeOf(err) != errors.CodeNotFound {
		t.Fatalf("execution row must not survive a rolled back start, got %v", err)
	}
}

func TestStartExecutionRejectsBadTrigger(t *testing.T) {
	s := openTestStore(t)
	_, err := s.StartExecution(context.Background(), NewExecution{Trigger: "cron"})
	if errors.CodeOf(err) != errors.CodeInvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestDuplicateRequestsProduceIndependentExecutions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sk := seedSkill(t, s, "Weekly Digest", true)

	in := json.RawMessage(`{"requestId":"same"}`)
	a, err := s.StartExecution(ctx, NewExecution{SkillID: sk.ID, Trigger: TriggerWebhook, Input: in})
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	b, err := s.StartExecution(ctx, NewExecution{SkillID: sk.ID, Trigger: TriggerWebhook, Input: in})
	if err != nil {
		t.Fatalf("start b: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("expected distinct execution ids")
	}
	got, _ := s.GetSkill(ctx, sk.ID)
	if got.RunCount != 2 {
		t.Fatalf("expected run count 2, got %d", got.RunCount)
	}
}

func TestFinishExecutionOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sk := seedSkill(t, s, "Weekly Digest", true)
	exec, err := s.StartExecution(ctx, NewExecution{SkillID: sk.ID, Trigger: TriggerManual})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	err = s.FinishExecution(ctx, exec.ID, Completion{
		Status:     StatusCompleted,
		Output:     "digest ready",
		Trace:      json.RawMessage(`[{"type":"result","result":"digest ready"}]`),
		DurationMs: 1200,
		Tokens:     42,
		Cost:       0.01,
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	first, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.Status != StatusCompleted || first.CompletedAt == nil {
		t.Fatalf("expected completed with completed_at, got %+v", first)
	}
	if first.DurationMs == nil || *first.DurationMs != 1200 {
		t.Fatalf("expected duration 1200, got %v", first.DurationMs)
	}

	err = s.FinishExecution(ctx, exec.ID, Completion{Status: StatusFailed, Error: "late failure"})
	if errors.CodeOf(err) != errors.CodeConflict {
		t.Fatalf("expected conflict on second finish, got %v", err)
	}
	second, _ := s.GetExecution(ctx, exec.ID)
	if second.Status != StatusCompleted || !second.CompletedAt.Equal(*first.CompletedAt) || second.Error != "" {
		t.Fatalf("terminal execution was modified: %+v", second)
	}
}

func TestTimedOutStartLeavesNoRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sk := seedSkill(t, s, "Weekly Digest", true)
	s.queryTimeout = time.Nanosecond
	s.retry = resilience.DefaultRetryConfig().WithMaxAttempts(2).WithInitialDelay(time.Millisecond)

	if _, err := s.StartExecution(ctx, NewExecution{ID: "exec-1", SkillID: sk.ID}); err == nil {
		t.Fatal("expected start to fail under a 1ns query timeout")
	}
	// Let abandoned attempts run to completion before looking.
	time.Sleep(300 * time.Millisecond)
	s.queryTimeout = 5 * time.Second

	if _, err := s.GetExecution(ctx, "exec-1"); errors.CodeOf(err) != errors.CodeNotFound {
		t.Fatalf("timed out start left a row behind: %v", err)
	}
	got, err := s.GetSkill(ctx, sk.ID)
	if err != nil {
		t.Fatalf("get skill: %v", err)
	}
	if got.RunCount != 0 {
		t.Fatalf("timed out start bumped run count to %d", got.RunCount)
	}
}

func TestStartRetryFindsEarlierCommit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sk := seedSkill(t, s, "Weekly Digest", true)
	in := NewExecution{ID: "exec-1", SkillID: sk.ID, Trigger: TriggerManual}
	if _, err := s.StartExecution(ctx, in); err != nil {
		t.Fatalf("start: %v", err)
	}

	attempt := func(retry bool) error {
		return s.InTx(ctx, "start execution", func(ctx context.Context, tx *Tx) error {
			return insertExecution(ctx, tx, in, json.RawMessage("{}"), s.nowMillis(), retry)
		})
	}
	if err := attempt(true); !errors.Is(err, errAlreadyStarted) {
		t.Fatalf("retry should see the committed row, got %v", err)
	}
	if err := attempt(false); errors.CodeOf(err) != errors.CodeConflict {
		t.Fatalf("first attempt on a taken id should conflict, got %v", err)
	}

	other := seedSkill(t, s, "Release Notes", true)
	in.SkillID = other.ID
	if err := attempt(true); errors.CodeOf(err) != errors.CodeConflict {
		t.Fatalf("a row for another skill is not ours, got %v", err)
	}

	got, _ := s.GetSkill(ctx, sk.ID)
	if got.RunCount != 1 {
		t.Fatalf("expected run count 1, got %d", got.RunCount)
	}
}

func TestFinishRetryRecognisesOwnWrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sk := seedSkill(t, s, "Weekly Digest", true)
	exec, err := s.StartExecution(ctx, NewExecution{SkillID: sk.ID, Trigger: TriggerManual})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	c := Completion{Status: StatusCompleted, Output: "done"}
	completed := s.nowMillis()
	attempt := func(c Completion, at int64, retry bool) error {
		return s.InTx(ctx, "finish execution", func(ctx context.Context, tx *Tx) error {
			return finishExecution(ctx, tx, exec.ID, c, json.RawMessage("[]"), at, retry)
		})
	}
	if err := attempt(c, completed, false); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := attempt(c, completed, true); err != nil {
		t.Fatalf("retry of an applied finish should succeed, got %v", err)
	}
	if err := attempt(c, completed+1, true); errors.CodeOf(err) != errors.CodeConflict {
		t.Fatalf("a different finish is a conflict, got %v", err)
	}
	if err := attempt(Completion{Status: StatusFailed}, completed, true); errors.CodeOf(err) != errors.CodeConflict {
		t.Fatalf("a different status is a conflict, got %v", err)
	}
	if err := attempt(c, completed, false); errors.CodeOf(err) != errors.CodeConflict {
		t.Fatalf("a first attempt on a finished row is a conflict, got %v", err)
	}
}

func TestFinishExecutionValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.FinishExecution(ctx, "x", Completion{Status: StatusRunning}); errors.CodeOf(err) != errors.CodeInvalidInput {
		t.Fatalf("expected invalid input for non-terminal status, got %v", err)
	}
	if err := s.FinishExecution(ctx, "missing", Completion{Status: StatusFailed, Error: "x"}); errors.CodeOf(err) != errors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListExecutionsFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := seedSkill(t, s, "A", true)
	b := seedSkill(t, s, "B", true)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	e1, _ := s.StartExecution(ctx, NewExecution{SkillID: a.ID, Trigger: TriggerWebhook})
	e2, _ := s.StartExecution(ctx, NewExecution{SkillID: a.ID, Trigger: TriggerManual})
	_, _ = s.StartExecution(ctx, NewExecution{SkillID: b.ID, Trigger: TriggerWebhook})
	if err := s.FinishExecution(ctx, e1.ID, Completion{Status: StatusFailed, Error: "boom"}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := s.ListExecutions(ctx, ExecutionFilter{SkillID: a.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != e2.ID {
		t.Fatalf("expected newest first for skill A, got %+v", got)
	}

	got, _ = s.ListExecutions(ctx, ExecutionFilter{Status: StatusFailed})
	if len(got) != 1 || got[0].ID != e1.ID || got[0].Error != "boom" {
		t.Fatalf("unexpected failed list %+v", got)
	}

	got, _ = s.ListExecutions(ctx, ExecutionFilter{Trigger: TriggerWebhook, Limit: 1})
	if len(got) != 1 {
		t.Fatalf("expected limit 1, got %d", len(got))
	}
}

func TestConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, found, err := s.GetConfig(ctx, "k"); err != nil || found {
		t.Fatalf("expected absent, got found=%v err=%v", found, err)
	}
	if err := s.SetConfig(ctx, "k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetConfig(ctx, "k", "v2"); err != nil {
		t.Fatalf("set again: %v", err)
	}
	v, found, err := s.GetConfig(ctx, "k")
	if err != nil || !found || v != "v2" {
		t.Fatalf("expected v2, got %q found=%v err=%v", v, found, err)
	}
}

func TestListConnections(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conns := []Connection{
		{Name: "github", Transport: TransportHTTP, URL: "http://localhost:9000/mcp", Enabled: true},
		{Name: "fs", Transport: TransportStdio, Command: "mcp-fs", Args: []string{"--root", "/tmp"}, Enabled: true},
		{Name: "off", Transport: TransportStdio, Command: "x", Enabled: false},
	}
	for _, c := range conns {
		if err := s.UpsertConnection(ctx, c); err != nil {
			t.Fatalf("upsert %s: %v", c.Name, err)
		}
	}

	all, err := s.ListConnections(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 enabled connections, got %d", len(all))
	}

	named, _ := s.ListConnections(ctx, []string{"fs", "off", "unknown"})
	if len(named) != 1 || named[0].Name != "fs" || len(named[0].Args) != 2 {
		t.Fatalf("unexpected named connections %+v", named)
	}

	none, _ := s.ListConnections(ctx, []string{})
	if len(none) != 0 {
		t.Fatalf("expected no connections for empty name list, got %d", len(none))
	}
}

func TestSaveResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	r := &ResultRecord{
		RequestID: "req-1",
		Prompt:    "make a chart",
		Response:  "done",
		Files:     []File{{Name: "chart.png", URL: "http://files/req-1/chart.png"}},
	}
	if err := s.SaveResult(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.ResultsByRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(got) != 1 || got[0].Files[0].Name != "chart.png" {
		t.Fatalf("unexpected results %+v", got)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.Shutdown(); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail after shutdown")
	}
}

func TestExecRetriesTransientDriverErrors(t *testing.T) {
	s := openTestStore(t)
	var retried int
	s.onRetry = func(context.Context, error) { retried++ }

	calls := 0
	err := s.exec(context.Background(), "flaky", func(context.Context) error {
		calls++
		if calls < 3 {
			return driver.ErrBadConn
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 || retried != 2 {
		t.Fatalf("expected 3 calls and 2 retries, got %d and %d", calls, retried)
	}
}

func TestExecTimesOutSlowQueries(t *testing.T) {
	s := openTestStore(t)
	s.queryTimeout = 20 * time.Millisecond
	s.retry = resilience.DefaultRetryConfig().WithMaxAttempts(1)

	err := s.exec(context.Background(), "slow", func(context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	if errors.CodeOf(err) != errors.CodeStorageTimeout {
		t.Fatalf("expected storage timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "query timeout after 20ms") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

type timeoutNetErr struct{ timeout bool }

func (e timeoutNetErr) Error() string   { return "net" }
func (e timeoutNetErr) Timeout() bool   { return e.timeout }
func (e timeoutNetErr) Temporary() bool { return false }

var _ net.Error = timeoutNetErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.ErrorCode
	}{
		{"bad conn", driver.ErrBadConn, errors.CodeStorageUnavailable},
		{"deadline", context.DeadlineExceeded, errors.CodeStorageTimeout},
		{"pg connection failure", &pgconn.PgError{Code: "08006"}, errors.CodeStorageUnavailable},
		{"pg admin shutdown", &pgconn.PgError{Code: "57P01"}, errors.CodeStorageUnavailable},
		{"pg cancelled", &pgconn.PgError{Code: "57014"}, errors.CodeStorageTimeout},
		{"pg unique", &pgconn.PgError{Code: "23505"}, errors.CodeConflict},
		{"pg syntax", &pgconn.PgError{Code: "42601"}, errors.CodeStorage},
		{"net timeout", timeoutNetErr{timeout: true}, errors.CodeStorageTimeout},
		{"net refused", timeoutNetErr{}, errors.CodeStorageUnavailable},
		{"other", fmt.Errorf("syntax error"), errors.CodeStorage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.CodeOf(classify("op", tt.err)); got != tt.want {
				t.Fatalf("classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
	if classify("op", nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	got := pg.rebind(`SELECT * FROM t WHERE a = ? AND b IN (?, ?)`)
	if got != `SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)` {
		t.Fatalf("unexpected rebind %q", got)
	}
	lite := &Store{driver: DriverSQLite}
	if q := `SELECT ?`; lite.rebind(q) != q {
		t.Fatal("sqlite queries must not be rewritten")
	}
}

func TestSQLiteDSN(t *testing.T) {
	if got := sqliteDSN("file:x.db"); !strings.HasPrefix(got, "file:x.db?_pragma=") {
		t.Fatalf("unexpected dsn %q", got)
	}
	if got := sqliteDSN("file:x?mode=memory"); !strings.Contains(got, "mode=memory&_pragma=busy_timeout") {
		t.Fatalf("unexpected dsn %q", got)
	}
	custom := "file:x.db?_pragma=journal_mode(WAL)"
	if sqliteDSN(custom) != custom {
		t.Fatal("explicit pragmas must be preserved")
	}
}
