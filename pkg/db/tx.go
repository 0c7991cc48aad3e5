package db

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrConflict marks a write that lost a race: a version check matched no row,
// or the database reported a serialization failure or deadlock.
var ErrConflict = errors.New("db: concurrent write conflict")

// ErrRetriesExhausted wraps the last conflict once every attempt has failed.
var ErrRetriesExhausted = errors.New("db: conflict retries exhausted")

const (
	DefaultMaxAttempts = 3
	retryBaseDelay     = 10 * time.Millisecond
)

// IsConflict reports whether err is a transient write conflict worth retrying.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true
		}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, // lock wait timeout
			1213: // deadlock
			return true
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}

	return false
}

// RunInTx runs fn in a transaction and retries the whole unit when it fails
// with a conflict. Any other error is returned as is after rollback.
func RunInTx(ctx context.Context, db *gorm.DB, maxAttempts int, fn func(tx *gorm.DB) error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = db.WithContext(ctx).Transaction(fn)
		if err == nil || !IsConflict(err) {
			return err
		}

		zap.L().Warn("[DB] transaction conflict, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err),
		)

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBaseDelay * time.Duration(attempt)):
			}
		}
	}

	return errors.Join(ErrRetriesExhausted, err)
}
