// SPDX-License-Identifier: Apache-2.0
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/kairos-runner/pkg/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	executionColumns = `id, skill_id, status, trigger_type, input, output, trace, error, started_at, completed_at, duration_ms, tokens, cost`
)

var errAlreadyStarted = stderrors.New("execution already started")

// StartExecution inserts a running execution. When SkillID is set, the
// skill's run counter and last-run timestamp are updated in the same
// transaction; an unknown skill rolls the whole unit back.
//
// The id is fixed before the first attempt, so a retried transaction can never
// produce a second row for the same run. If an earlier attempt committed after
// its caller gave up on it, the retry finds that row and returns it.
func (s *Store) StartExecution(ctx context.Context, in NewExecution) (*Execution, error) {
	if in.Trigger == "" {
		in.Trigger = TriggerManual
	}
	if !in.Trigger.Valid() {
		return nil, errors.Newf(errors.CodeInvalidInput, "invalid trigger %q", in.Trigger)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	input := in.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	started := s.nowMillis()

	var attempts atomic.Int32
	err := s.InTx(ctx, "start execution", func(ctx context.Context, tx *Tx) error {
		return insertExecution(ctx, tx, in, input, started, attempts.Add(1) > 1)
	})
	if errors.Is(err, errAlreadyStarted) {
		return s.GetExecution(ctx, in.ID)
	}
	if err != nil {
		return nil, err
	}

	return &Execution{
		ID:        in.ID,
		SkillID:   in.SkillID,
		Status:    StatusRunning,
		Trigger:   in.Trigger,
		Input:     input,
		StartedAt: time.UnixMilli(started).UTC(),
	}, nil
}

// FinishExecution moves a running execution to a terminal status and sets
// completed_at. Only the first call wins: finishing an execution that is
// already terminal returns a CodeConflict error and changes nothing. A retry
// that finds its own earlier attempt already applied succeeds.
func (s *Store) FinishExecution(ctx context.Context, id string, c Completion) error {
	if !c.Status.Terminal() {
		return errors.Newf(errors.CodeInvalidInput, "status %q is not terminal", c.Status)
	}
	trace := c.Trace
	if len(trace) == 0 {
		trace = json.RawMessage("[]")
	}
	completed := s.nowMillis()

	var attempts atomic.Int32
	return s.InTx(ctx, "finish execution", func(ctx context.Context, tx *Tx) error {
		return finishExecution(ctx, tx, id, c, trace, completed, attempts.Add(1) > 1)
	})
}

// insertExecution is one attempt of StartExecution. On a retry, a row that
// already carries in.ID for the same skill is the earlier attempt's commit.
func insertExecution(ctx context.Context, tx *Tx, in NewExecution, input json.RawMessage, started int64, retry bool) error {
	if retry {
		var skillID sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT skill_id FROM executions WHERE id = ?`, in.ID).Scan(&skillID)
		switch {
		case err == nil && skillID.String == in.SkillID:
			return errAlreadyStarted
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO executions (id, skill_id, status, trigger_type, input, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, in.ID, nullString(in.SkillID), string(StatusRunning), string(in.Trigger), string(input), started); err != nil {
		return err
	}
	if in.SkillID == "" {
		return nil
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE skills SET run_count = run_count + 1, last_run_at = ? WHERE id = ?
	`, started, in.SkillID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return notFound("skill", in.SkillID)
	}
	return nil
}

// finishExecution is one attempt of FinishExecution. On a retry, a row
// already in c.Status with this attempt's completed_at is our own write.
func finishExecution(ctx context.Context, tx *Tx, id string, c Completion, trace json.RawMessage, completed int64, retry bool) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, output = ?, trace = ?, error = ?, completed_at = ?, duration_ms = ?, tokens = ?, cost = ?
		WHERE id = ? AND status = ?
	`, string(c.Status), nullString(c.Output), string(trace), nullString(c.Error), completed,
		c.DurationMs, c.Tokens, c.Cost, id, string(StatusRunning))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var (
		status string
		at     sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `SELECT status, completed_at FROM executions WHERE id = ?`, id).Scan(&status, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("execution", id)
	}
	if err != nil {
		return err
	}
	if retry && ExecutionStatus(status) == c.Status && at.Valid && at.Int64 == completed {
		return nil
	}
	return errors.New(errors.CodeConflict, "execution already finished", nil).
		WithContext("execution_id", id)
}

// GetExecution loads one execution.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return query(ctx, s, "get execution", func(ctx context.Context) (*Execution, error) {
		row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+executionColumns+` FROM executions WHERE id = ?`), id)
		e, err := scanExecution(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("execution", id)
		}
		return e, err
	})
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	q := `SELECT ` + executionColumns + ` FROM executions`
	var (
		args  []any
		where string
	)
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.SkillID != "" {
		addFilter("skill_id = ?", filter.SkillID)
	}
	if filter.Status != "" {
		addFilter("status = ?", string(filter.Status))
	}
	if filter.Trigger != "" {
		addFilter("trigger_type = ?", string(filter.Trigger))
	}
	if !filter.Since.IsZero() {
		addFilter("started_at >= ?", filter.Since.UTC().UnixMilli())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	q += where + " ORDER BY started_at DESC, id LIMIT ?"
	args = append(args, limit)

	return query(ctx, s, "list executions", func(ctx context.Context) ([]Execution, error) {
		rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []Execution
		for rows.Next() {
			e, err := scanExecution(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, *e)
		}
		return out, rows.Err()
	})
}

func scanExecution(row scanner) (*Execution, error) {
	var (
		e                      Execution
		skillID, output, trace sql.NullString
		errText                sql.NullString
		status, trigger, input string
		started                int64
		completed, duration    sql.NullInt64
		tokens                 sql.NullInt64
		cost                   sql.NullFloat64
	)
	if err := row.Scan(&e.ID, &skillID, &status, &trigger, &input, &output, &trace, &errText,
		&started, &completed, &duration, &tokens, &cost); err != nil {
		return nil, err
	}
	e.SkillID = skillID.String
	e.Status = ExecutionStatus(status)
	e.Trigger = Trigger(trigger)
	e.Input = json.RawMessage(input)
	e.Output = output.String
	if trace.Valid {
		e.Trace = json.RawMessage(trace.String)
	}
	e.Error = errText.String
	e.StartedAt = time.UnixMilli(started).UTC()
	e.CompletedAt = fromMillis(completed)
	if duration.Valid {
		e.DurationMs = &duration.Int64
	}
	if tokens.Valid {
		e.Tokens = &tokens.Int64
	}
	if cost.Valid {
		e.Cost = &cost.Float64
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
