// SPDX-License-Identifier: Apache-2.0
package events

import (
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"testing"
)

func TestSubject(t *testing.T) {
	for _, tc := range []struct{ prefix, status, want string }{
		{"kairos", "completed", "kairos.execution.completed"},
		{"", "failed", "kairos.execution.failed"},
		{"acme.runner.", "running", "acme.runner.execution.running"},
		{"x", "", "x.execution.unknown"},
	} {
		if got := Subject(tc.prefix, tc.status); got != tc.want {
			t.Errorf("Subject(%q, %q) = %q, want %q", tc.prefix, tc.status, got, tc.want)
		}
	}
}

func TestNewWithoutURLIsNoop(t *testing.T) {
	p, err := New("  ")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(Noop); !ok {
		t.Fatalf("expected Noop, got %T", p)
	}
	if err := p.Publish(context.Background(), Event{Status: "running"}); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestConnectFailure(t *testing.T) {
	if _, err := New("nats://127.0.0.1:1"); err == nil {
		t.Fatal("expected connection error")
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Event) error { return stderrors.New("down") }
func (failingPublisher) Close() error                         { return nil }

func TestEmitLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	Emit(context.Background(), failingPublisher{}, logger, Event{ExecutionID: "e1", Status: "failed"})
	if !strings.Contains(buf.String(), "execution_id=e1") || !strings.Contains(buf.String(), "error=down") {
		t.Fatalf("unexpected log %q", buf.String())
	}
	// nil publishers are ignored
	Emit(context.Background(), nil, logger, Event{})
}
