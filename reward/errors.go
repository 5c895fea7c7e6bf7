package reward

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATE codes that indicate contention or resource pressure rather
// than a broken request. These are safe to retry with backoff.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeTooManyConnections   = "53300"
	codeQueryCanceled        = "57014"
	codeUniqueViolation      = "23505"
)

// IsTransient reports whether err is a retryable database error: lock-wait
// timeout, serialization conflict, deadlock, or connection-pool exhaustion.
// Schema and connectivity errors are not transient; they surface to the job's
// own attempt budget instead.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable,
			codeTooManyConnections, codeQueryCanceled:
			return true
		}
	}
	return false
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
// On the ledger this means another process already recorded the award, which
// the engine treats as success-already-happened rather than an error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
