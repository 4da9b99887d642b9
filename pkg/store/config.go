// SPDX-License-Identifier: Apache-2.0
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// GetConfig returns the raw value, already encrypted for secrets, for name and whether it exists.
func (s *Store) GetConfig(ctx context.Context, name string) (string, bool, error) {
	type result struct {
		value string
		found bool
	}
	res, err := query(ctx, s, "get config", func(ctx context.Context) (result, error) {
		var v string
		err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM config WHERE name = ?`), name).Scan(&v)
		if err == sql.ErrNoRows {
			return result{}, nil
		}
		if err != nil {
			return result{}, err
		}
		return result{value: v, found: true}, nil
	})
	return res.value, res.found, err
}

// SetConfig stores value under name, replacing any previous value.
func (s *Store) SetConfig(ctx context.Context, name, value string) error {
	now := s.nowMillis()
	return s.exec(ctx, "set config", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO config (name, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`), name, value, now)
		return err
	})
}

// ListConnections returns enabled connections. With names, only those named
// are returned; unknown names are ignored.
func (s *Store) ListConnections(ctx context.Context, names []string) ([]Connection, error) {
	q := `SELECT name, transport, command, args, url, env, enabled FROM connections WHERE enabled = ?`
	args := []any{true}
	if names != nil {
		if len(names) == 0 {
			return nil, nil
		}
		q += ` AND name IN (` + placeholders(len(names)) + `)`
		for _, n := range names {
			args = append(args, n)
		}
	}
	q += ` ORDER BY name`

	return query(ctx, s, "list connections", func(ctx context.Context) ([]Connection, error) {
		rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []Connection
		for rows.Next() {
			var (
				c              Connection
				transport      string
				argsJSON, envJ string
			)
			if err := rows.Scan(&c.Name, &transport, &c.Command, &argsJSON, &c.URL, &envJ, &c.Enabled); err != nil {
				return nil, err
			}
			c.Transport = Transport(transport)
			if err := json.Unmarshal([]byte(argsJSON), &c.Args); err != nil {
				return nil, err
			}
			if err := json.Unmarshal([]byte(envJ), &c.Env); err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, rows.Err()
	})
}

// UpsertConnection creates or replaces a connection.
func (s *Store) UpsertConnection(ctx context.Context, c Connection) error {
	argsJSON, err := json.Marshal(nonNil(c.Args))
	if err != nil {
		return err
	}
	env := c.Env
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return err
	}
	now := s.nowMillis()
	return s.exec(ctx, "upsert connection", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO connections (name, transport, command, args, url, env, enabled, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET
				transport = excluded.transport,
				command = excluded.command,
				args = excluded.args,
				url = excluded.url,
				env = excluded.env,
				enabled = excluded.enabled,
				updated_at = excluded.updated_at
		`), c.Name, string(c.Transport), c.Command, string(argsJSON), c.URL, string(envJSON), c.Enabled, now)
		return err
	})
}

// SaveResult persists the response of a request.
func (s *Store) SaveResult(ctx context.Context, r *ResultRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	files, err := json.Marshal(nonNil(r.Files))
	if err != nil {
		return err
	}
	now := s.nowMillis()
	return s.exec(ctx, "save result", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO results (id, request_id, execution_id, skill_id, prompt, response, files, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`), r.ID, r.RequestID, nullString(r.ExecutionID), nullString(r.SkillID), r.Prompt, r.Response, string(files), now)
		return err
	})
}

// ResultsByRequest returns the results stored for a request id, oldest first.
func (s *Store) ResultsByRequest(ctx context.Context, requestID string) ([]ResultRecord, error) {
	return query(ctx, s, "list results", func(ctx context.Context) ([]ResultRecord, error) {
		rows, err := s.db.QueryContext(ctx, s.rebind(`
			SELECT id, request_id, execution_id, skill_id, prompt, response, files, created_at
			FROM results WHERE request_id = ? ORDER BY created_at, id
		`), requestID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []ResultRecord
		for rows.Next() {
			var (
				r             ResultRecord
				execID, skill sql.NullString
				files         string
				createdAt     int64
			)
			if err := rows.Scan(&r.ID, &r.RequestID, &execID, &skill, &r.Prompt, &r.Response, &files, &createdAt); err != nil {
				return nil, err
			}
			r.ExecutionID = execID.String
			r.SkillID = skill.String
			if err := json.Unmarshal([]byte(files), &r.Files); err != nil {
				return nil, err
			}
			r.CreatedAt = time.UnixMilli(createdAt).UTC()
			out = append(out, r)
		}
		return out, rows.Err()
	})
}
