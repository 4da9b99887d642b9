// SPDX-License-Identifier: Apache-2.0
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jllopis/kairos-runner/pkg/errors"
)

// classify converts a driver error into a typed error. Connection-class
// failures become CodeStorageUnavailable and deadline failures become
// CodeStorageTimeout; both are retried. Typed errors pass through.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.New(errors.CodeNotFound, op+": no rows", err)
	}
	code := classifyCode(err)
	return errors.New(code, op+" failed", err).WithContext("op", op)
}

func classifyCode(err error) errors.ErrorCode {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.CodeStorageTimeout
	case stderrors.Is(err, driver.ErrBadConn), stderrors.Is(err, sql.ErrConnDone):
		return errors.CodeStorageUnavailable
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgCode(pgErr.Code)
	}
	if pgconn.Timeout(err) {
		return errors.CodeStorageTimeout
	}
	var connectErr *pgconn.ConnectError
	if stderrors.As(err, &connectErr) {
		return errors.CodeStorageUnavailable
	}

	var liteErr *sqlite.Error
	if stderrors.As(err, &liteErr) {
		return sqliteCode(liteErr.Code())
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return errors.CodeStorageTimeout
		}
		return errors.CodeStorageUnavailable
	}
	return errors.CodeStorage
}

// pgCode maps SQLSTATE values. Class 08 is connection exception; 57P01-57P03
// are server shutdown and startup; 57014 is a cancelled statement.
func pgCode(state string) errors.ErrorCode {
	switch {
	case strings.HasPrefix(state, "08"):
		return errors.CodeStorageUnavailable
	case state == "57P01", state == "57P02", state == "57P03":
		return errors.CodeStorageUnavailable
	case state == "57014":
		return errors.CodeStorageTimeout
	case state == "23505":
		return errors.CodeConflict
	}
	return errors.CodeStorage
}

func sqliteCode(code int) errors.ErrorCode {
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return errors.CodeStorageUnavailable
	case sqlite3.SQLITE_CONSTRAINT:
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return errors.CodeConflict
		}
	}
	return errors.CodeStorage
}
