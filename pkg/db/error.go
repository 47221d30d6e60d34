package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if HasPGCode(err, pgUniqueViolation) {
		return true
	}

	msg := err.Error()
	// PostgreSQL via a driver that does not expose pgconn errors.
	if strings.Contains(msg, "duplicate key value violates unique constraint") {
		return true
	}
	// MySQL (1062)
	if strings.Contains(msg, "Error 1062") {
		return true
	}
	// SQLite (2067)
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsRetryable reports whether the transaction failed on a conflict that a
// caller may safely retry from the start.
func IsRetryable(err error) bool {
	return IsSerializationFailure(err) || IsDeadlock(err) || IsLockTimeout(err)
}

func IsSerializationFailure(err error) bool {
	return HasPGCode(err, pgSerializationFailure)
}

func IsDeadlock(err error) bool {
	return HasPGCode(err, pgDeadlockDetected)
}

func IsLockTimeout(err error) bool {
	return HasPGCode(err, pgLockNotAvailable)
}

func HasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
