package errors

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// DatabaseErrorType represents the type of database error.
type DatabaseErrorType int

const (
	// ErrorTypeUnknown represents an unknown database error.
	ErrorTypeUnknown DatabaseErrorType = iota
	// ErrorTypeDataTooLong represents a data too long error (MySQL 1406).
	ErrorTypeDataTooLong
	// ErrorTypeInvalidValue represents a null/truncated value error (MySQL 1048, 1265, 1366).
	ErrorTypeInvalidValue
	// ErrorTypeDeadlock represents a deadlock or lock wait timeout (MySQL 1213, 1205).
	ErrorTypeDeadlock
	// ErrorTypeConnectionError represents a database connection error.
	ErrorTypeConnectionError
)

// DatabaseError wraps an audit store error with classification information.
type DatabaseError struct {
	Type         DatabaseErrorType
	OriginalErr  error
	MySQLErrCode uint16
	Message      string
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	return e.Message + ": " + e.OriginalErr.Error()
}

// Unwrap returns the underlying error for errors.Is and errors.As compatibility.
func (e *DatabaseError) Unwrap() error {
	return e.OriginalErr
}

// Retriable reports whether re-running the same statement can succeed.
// Deadlocks and dropped connections are; bad data is not.
func (e *DatabaseError) Retriable() bool {
	return e.Type == ErrorTypeDeadlock || e.Type == ErrorTypeConnectionError
}

// ClassifyDBError classifies an audit store write error.
//
//   - MySQL 1406 → ErrorTypeDataTooLong
//   - MySQL 1048/1265/1366 → ErrorTypeInvalidValue
//   - MySQL 1213/1205 → ErrorTypeDeadlock
//   - dial/reset/timeout messages → ErrorTypeConnectionError
func ClassifyDBError(err error) *DatabaseError {
	if err == nil {
		return nil
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		dbErr := &DatabaseError{OriginalErr: err, MySQLErrCode: mysqlErr.Number, Type: ErrorTypeUnknown, Message: "MySQL error"}
		switch mysqlErr.Number {
		case 1406: // ER_DATA_TOO_LONG
			dbErr.Type, dbErr.Message = ErrorTypeDataTooLong, "data too long for column"
		case 1048, 1265, 1366:
			dbErr.Type, dbErr.Message = ErrorTypeInvalidValue, "invalid or truncated value"
		case 1213, 1205: // ER_LOCK_DEADLOCK, ER_LOCK_WAIT_TIMEOUT
			dbErr.Type, dbErr.Message = ErrorTypeDeadlock, "deadlock detected"
		}
		return dbErr
	}

	if errors.Is(err, mysql.ErrInvalidConn) || isConnectionError(err.Error()) {
		return &DatabaseError{Type: ErrorTypeConnectionError, OriginalErr: err, Message: "database connection error"}
	}

	return &DatabaseError{Type: ErrorTypeUnknown, OriginalErr: err, Message: "unknown database error"}
}

var connectionKeywords = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"connection lost",
	"can't connect",
	"dial tcp",
}

func isConnectionError(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, keyword := range connectionKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// IsRetriableDBError checks if a database error is worth one more attempt.
func IsRetriableDBError(err error) bool {
	dbErr := ClassifyDBError(err)
	return dbErr != nil && dbErr.Retriable()
}
