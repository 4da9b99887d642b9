// SPDX-License-Identifier: Apache-2.0
package store

import (
	"context"
)

// The DDL is shared by SQLite and Postgres. Timestamps are unix milliseconds
// so both drivers scan them the same way.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS skills (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		trigger_type TEXT NOT NULL DEFAULT 'manual',
		steps TEXT NOT NULL DEFAULT '[]',
		connections TEXT NOT NULL DEFAULT '[]',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		run_count BIGINT NOT NULL DEFAULT 0,
		last_run_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		skill_id TEXT REFERENCES skills(id),
		status TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
		trigger_type TEXT NOT NULL CHECK (trigger_type IN ('webhook', 'manual', 'schedule', 'chat')),
		input TEXT NOT NULL DEFAULT '{}',
		output TEXT,
		trace TEXT,
		error TEXT,
		started_at BIGINT NOT NULL,
		completed_at BIGINT,
		duration_ms BIGINT,
		tokens BIGINT,
		cost DOUBLE PRECISION
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_skill ON executions(skill_id)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
	`CREATE TABLE IF NOT EXISTS config (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS connections (
		name TEXT PRIMARY KEY,
		transport TEXT NOT NULL CHECK (transport IN ('stdio', 'http')),
		command TEXT NOT NULL DEFAULT '',
		args TEXT NOT NULL DEFAULT '[]',
		url TEXT NOT NULL DEFAULT '',
		env TEXT NOT NULL DEFAULT '{}',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS results (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		execution_id TEXT,
		skill_id TEXT,
		prompt TEXT NOT NULL,
		response TEXT NOT NULL,
		files TEXT NOT NULL DEFAULT '[]',
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_results_request ON results(request_id)`,
}

func (s *Store) migrate(ctx context.Context) error {
	return s.exec(ctx, "migrate", func(ctx context.Context) error {
		for _, stmt := range schema {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}
