// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package events publishes execution lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jllopis/kairos-runner/pkg/errors"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "kairos"

// Event describes a change in an execution's status.
type Event struct {
	ExecutionID string    `json:"executionId"`
	SkillID     string    `json:"skillId,omitempty"`
	RequestID   string    `json:"requestId"`
	Trigger     string    `json:"trigger"`
	Status      string    `json:"status"`
	DurationMs  int64     `json:"durationMs,omitempty"`
	Error       string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// Publisher emits events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Subject returns the subject an event with status is published on.
func Subject(prefix, status string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if status == "" {
		status = "unknown"
	}
	return prefix + ".execution." + status
}

// NATS publishes events as JSON on a NATS connection.
type NATS struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// Option configures the NATS publisher.
type Option func(*NATS)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *NATS) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithSubjectPrefix sets the subject prefix.
func WithSubjectPrefix(prefix string) Option {
	return func(n *NATS) { n.prefix = prefix }
}

// Connect dials url and returns a publisher.
func Connect(url string, opts ...Option) (*NATS, error) {
	n := &NATS{prefix: DefaultSubjectPrefix, logger: slog.Default()}
	for _, opt := range opts {
		opt(n)
	}
	logger := n.logger
	conn, err := nats.Connect(url,
		nats.Name("kairos-runner"),
		nats.Timeout(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, fmt.Sprintf("connect to nats at %s", url), err)
	}
	n.conn = conn
	return n, nil
}

// Publish implements Publisher.
func (n *NATS) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	subject := Subject(n.prefix, ev.Status)
	if err := n.conn.Publish(subject, data); err != nil {
		return errors.New(errors.CodeInternal, "publish event", err).WithContext("subject", subject)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() error {
	if n == nil || n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}

// New returns a NATS publisher when url is set and Noop otherwise.
func New(url string, opts ...Option) (Publisher, error) {
	if strings.TrimSpace(url) == "" {
		return Noop{}, nil
	}
	n, err := Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Emit publishes ev and logs failures instead of returning them.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.WarnContext(ctx, "publish execution event",
			"execution_id", ev.ExecutionID, "status", ev.Status, "error", err)
	}
}
