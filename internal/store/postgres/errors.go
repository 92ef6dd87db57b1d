package postgres

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected            = errors.New("database pool is not connected")
	ErrConnectionFailed        = errors.New("failed to connect to database")
	ErrConnectionClosed        = errors.New("database connection pool is closed")
	ErrHealthCheckFailed       = errors.New("database health check failed")
	ErrCircuitBreakerOpen      = errors.New("circuit breaker is open")
	ErrInvalidConfig           = errors.New("invalid database configuration")
)

// ConnectionError wraps a failure to acquire or establish a connection.
type ConnectionError struct {
	Operation string
	Reason    string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %s", e.Operation, e.Reason)
}

func NewConnectionError(operation, reason string) *ConnectionError {
	return &ConnectionError{Operation: operation, Reason: reason}
}

// connectionErrorCodes are the Postgres SQLSTATE codes IsConnectionError
// treats as transient connection failures.
var connectionErrorCodes = map[string]bool{
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"08001": true, // sqlclient_unable_to_establish_sqlconnection
	"08004": true, // sqlserver_rejected_establishment_of_sqlconnection
	"08007": true, // transaction_resolution_unknown
	"53300": true, // too_many_connections
}

// IsConnectionError reports whether err (or a pgconn.PgError it wraps) is a
// transient connection failure. Pool.Connect's retry does not consult it;
// that retry has no error checker and retries every error.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return connectionErrorCodes[pgErr.SQLState()]
	}
	return false
}
