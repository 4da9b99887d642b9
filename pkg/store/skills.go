// SPDX-License-Identifier: Apache-2.0
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/kairos-runner/pkg/errors"
)

const skillColumns = `id, name, description, trigger_type, steps, connections, active, run_count, last_run_at, created_at, updated_at`

// ListActiveSkills returns the catalog of active skills ordered by name.
// Steps are never loaded here.
func (s *Store) ListActiveSkills(ctx context.Context) ([]SkillSummary, error) {
	return query(ctx, s, "list active skills", func(ctx context.Context) ([]SkillSummary, error) {
		rows, err := s.db.QueryContext(ctx, s.rebind(
			`SELECT id, name, description FROM skills WHERE active = ? ORDER BY name`), true)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []SkillSummary
		for rows.Next() {
			var sk SkillSummary
			if err := rows.Scan(&sk.ID, &sk.Name, &sk.Description); err != nil {
				return nil, err
			}
			out = append(out, sk)
		}
		return out, rows.Err()
	})
}

// ListSkills returns every skill, active or not.
func (s *Store) ListSkills(ctx context.Context) ([]Skill, error) {
	return query(ctx, s, "list skills", func(ctx context.Context) ([]Skill, error) {
		rows, err := s.db.QueryContext(ctx, `SELECT `+skillColumns+` FROM skills ORDER BY name`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []Skill
		for rows.Next() {
			sk, err := scanSkill(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, *sk)
		}
		return out, rows.Err()
	})
}

// GetSkill loads a skill including its steps.
func (s *Store) GetSkill(ctx context.Context, id string) (*Skill, error) {
	return query(ctx, s, "get skill", func(ctx context.Context) (*Skill, error) {
		row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+skillColumns+` FROM skills WHERE id = ?`), id)
		sk, err := scanSkill(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("skill", id)
		}
		return sk, err
	})
}

// GetSkillByName loads a skill by case-insensitive name.
func (s *Store) GetSkillByName(ctx context.Context, name string) (*Skill, error) {
	return query(ctx, s, "get skill by name", func(ctx context.Context) (*Skill, error) {
		row := s.db.QueryRowContext(ctx, s.rebind(
			`SELECT `+skillColumns+` FROM skills WHERE lower(name) = ?`), strings.ToLower(name))
		sk, err := scanSkill(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("skill", name)
		}
		return sk, err
	})
}

// UpsertSkill creates or updates a skill definition. Run statistics are owned
// by StartExecution and are never overwritten here.
func (s *Store) UpsertSkill(ctx context.Context, sk *Skill) error {
	if strings.TrimSpace(sk.Name) == "" {
		return errors.New(errors.CodeInvalidInput, "skill name is required", nil)
	}
	if sk.ID == "" {
		sk.ID = uuid.NewString()
	}
	if sk.TriggerType == "" {
		sk.TriggerType = TriggerManual
	}
	if !sk.TriggerType.Valid() {
		return errors.Newf(errors.CodeInvalidInput, "invalid trigger type %q", sk.TriggerType)
	}
	steps := sk.Steps
	if len(steps) == 0 {
		steps = json.RawMessage("[]")
	}
	conns, err := json.Marshal(nonNil(sk.Connections))
	if err != nil {
		return errors.New(errors.CodeInvalidInput, "encode skill connections", err)
	}
	now := s.nowMillis()

	return s.exec(ctx, "upsert skill", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO skills (id, name, description, trigger_type, steps, connections, active, run_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				trigger_type = excluded.trigger_type,
				steps = excluded.steps,
				connections = excluded.connections,
				active = excluded.active,
				updated_at = excluded.updated_at
		`), sk.ID, sk.Name, sk.Description, string(sk.TriggerType), string(steps), string(conns), sk.Active, now, now)
		return err
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSkill(row scanner) (*Skill, error) {
	var (
		sk                  Skill
		trigger, steps      string
		conns               string
		lastRun             sql.NullInt64
		createdAt, updateAt int64
	)
	if err := row.Scan(&sk.ID, &sk.Name, &sk.Description, &trigger, &steps, &conns,
		&sk.Active, &sk.RunCount, &lastRun, &createdAt, &updateAt); err != nil {
		return nil, err
	}
	sk.TriggerType = Trigger(trigger)
	sk.Steps = json.RawMessage(steps)
	if conns != "" {
		if err := json.Unmarshal([]byte(conns), &sk.Connections); err != nil {
			return nil, err
		}
	}
	sk.LastRunAt = fromMillis(lastRun)
	sk.CreatedAt = time.UnixMilli(createdAt).UTC()
	sk.UpdatedAt = time.UnixMilli(updateAt).UTC()
	return &sk, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
