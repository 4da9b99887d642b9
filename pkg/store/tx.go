// SPDX-License-Identifier: Apache-2.0
package store

import (
	"context"
	"database/sql"
	"time"
)

// Tx is a transaction handle with driver-neutral placeholders.
type Tx struct {
	tx    *sql.Tx
	store *Store
}

// ExecContext executes a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.store.rebind(q), args...)
}

// QueryRowContext runs a single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, q string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.store.rebind(q), args...)
}

// InTx runs fn in a transaction that commits only if fn returns nil. A
// transient failure anywhere in the unit retries the whole transaction, so fn
// must not have effects outside the database.
func (s *Store) InTx(ctx context.Context, op string, fn func(ctx context.Context, tx *Tx) error) error {
	return s.exec(ctx, op, func(ctx context.Context) error {
		return s.runTx(ctx, fn)
	})
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()
	if err = fn(ctx, &Tx{tx: sqlTx, store: s}); err != nil {
		return err
	}
	// Wall-clock check: the context timer may not have fired yet.
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		err = context.DeadlineExceeded
		return err
	}
	return sqlTx.Commit()
}
