package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/turtacn/cryptod/pkg/errors"
)

// SQLSTATE codes that are worth retrying.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgConnectionException  = "08"
)

// ClassifyDBError maps a gorm / driver error into the error taxonomy. Errors that are
// already classified pass through unchanged.
func ClassifyDBError(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.AsCryptoError(err); ok {
		return err
	}

	switch {
	case stderrors.Is(err, gorm.ErrRecordNotFound):
		return errors.ErrNotFound(message).WithCause(err)
	case IsUniqueViolation(err):
		return errors.ErrInvalidArgument(message + ": unique constraint violated").WithCause(err)
	case isTransientDBError(err):
		return errors.ErrTransient(message, err)
	}
	return errors.ErrInternal(message, err)
}

// IsUniqueViolation reports whether err is a unique constraint violation on any supported dialect.
func IsUniqueViolation(err error) bool {
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isTransientDBError(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return true
		}
		return strings.HasPrefix(pgErr.Code, pgConnectionException)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	if stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, sql.ErrConnDone) ||
		stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := err.Error()
	// a handle closed by cache eviction or reconfiguration
	if strings.Contains(msg, "sql: database is closed") {
		return true
	}
	// sqlite lock contention
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
