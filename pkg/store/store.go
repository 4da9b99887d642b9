// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists skills, executions, configuration entries, tool
// connections and request results in a relational database.
//
// Every operation runs under the storage timeout and is retried on transient
// failures. The Store is opened once per process and shared by all in-flight
// requests; the database/sql pool bounds concurrent queries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/jllopis/kairos-runner/pkg/config"
	"github.com/jllopis/kairos-runner/pkg/errors"
	"github.com/jllopis/kairos-runner/pkg/resilience"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the process-wide storage handle.
type Store struct {
	db           *sql.DB
	driver       string
	queryTimeout time.Duration
	retry        resilience.RetryConfig
	logger       *slog.Logger
	now          func() time.Time
	onRetry      func(ctx context.Context, err error)

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRetry overrides the retry policy.
func WithRetry(rc resilience.RetryConfig) Option {
	return func(s *Store) {
		s.retry = rc
	}
}

// WithRetryObserver is called every time an operation is retried.
func WithRetryObserver(fn func(ctx context.Context, err error)) Option {
	return func(s *Store) {
		s.onRetry = fn
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects to the configured database, verifies connectivity and
// applies the schema.
func Open(ctx context.Context, cfg config.StoreConfig, retry config.RetryConfig, opts ...Option) (*Store, error) {
	driverName, dsn, err := driverDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.New(errors.CodeStorage, "open database", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	rc := resilience.DefaultRetryConfig()
	if retry.MaxAttempts > 0 {
		rc.MaxAttempts = retry.MaxAttempts
	}
	if retry.InitialDelay > 0 {
		rc.InitialDelay = retry.InitialDelay
	}
	if retry.Multiplier > 0 {
		rc.Multiplier = retry.Multiplier
	}

	s := &Store{
		db:           db,
		driver:       cfg.Driver,
		queryTimeout: cfg.QueryTimeout,
		retry:        rc,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.queryTimeout <= 0 {
		s.queryTimeout = resilience.DefaultQueryTimeout
	}

	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func driverDSN(cfg config.StoreConfig) (string, string, error) {
	switch cfg.Driver {
	case DriverSQLite:
		return "sqlite", sqliteDSN(cfg.DSN), nil
	case DriverPostgres:
		return "pgx", cfg.DSN, nil
	default:
		return "", "", errors.Newf(errors.CodeInvalidInput, "unsupported store driver %q", cfg.Driver)
	}
}

// sqliteDSN adds the pragmas every connection needs unless the DSN sets them.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Ping is the connectivity probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.exec(ctx, "ping", func(ctx context.Context) error {
		var one int
		return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
}

// Shutdown closes the pool. Calling it more than once is a no-op.
func (s *Store) Shutdown() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
		s.logger.Info("store closed", "driver", s.driver)
	})
	return s.closeErr
}

// Driver reports the configured driver name.
func (s *Store) Driver() string {
	return s.driver
}

// exec runs fn under the query timeout and the retry policy. Errors returned
// by fn are classified before the retry policy sees them.
func (s *Store) exec(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := query(ctx, s, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func query[T any](ctx context.Context, s *Store, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	rc := s.retry.WithOnRetry(func(attempt int, err error) {
		s.logger.WarnContext(ctx, "retrying storage operation",
			"op", op, "attempt", attempt, "error", err)
		if s.onRetry != nil {
			s.onRetry(ctx, err)
		}
	})
	return resilience.Retry(ctx, rc, func() (T, error) {
		// The guard only releases the caller. The deadline on qctx is what
		// stops an abandoned attempt from committing after the caller was
		// told it timed out.
		deadline := time.Now().Add(s.queryTimeout)
		v, err := resilience.WithTimeoutResult(ctx, resilience.QueryTimeout(s.queryTimeout), func() (T, error) {
			qctx, cancel := context.WithDeadline(ctx, deadline)
			defer cancel()
			v, err := fn(qctx)
			return v, classify(op, err)
		})
		return v, err
	})
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *Store) nowMillis() int64 {
	return s.now().UTC().UnixMilli()
}

func fromMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func notFound(entity, id string) error {
	return errors.New(errors.CodeNotFound, fmt.Sprintf("%s %q not found", entity, id), nil).
		WithContext("entity", entity)
}
