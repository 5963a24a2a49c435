package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/phrazzld/genqueue/internal/queue"
)

// PostgreSQL error codes
const (
	// uniqueViolationCode is the PostgreSQL error code for unique constraint violations
	uniqueViolationCode = "23505"

	// checkViolationCode is the PostgreSQL error code for check constraint violations
	checkViolationCode = "23514"

	// idConstraint is the name PostgreSQL gives the UNIQUE constraint on jobs.id
	idConstraint = "jobs_id_key"
)

// MapError maps a database error to the matching queue error, wrapping the
// original to keep its context.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", queue.ErrJobNotFound, err)
	}

	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", queue.ErrDuplicateJob, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == checkViolationCode {
		return fmt.Errorf("%w: check constraint violation (%s): %v",
			queue.ErrInvalidPayload, pgErr.ConstraintName, err)
	}

	return err
}

// isIDConflict reports whether err is a unique violation on the job id
// rather than on the external id.
func isIDConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode && pgErr.ConstraintName == idConstraint
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
			strings.HasSuffix(liteErr.Error(), "jobs.id")
	}
	return false
}

// IsUniqueViolation reports whether err is a unique or primary key
// constraint violation on either dialect.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
