package models

import (
	"fmt"
	"time"
)

// ValidationError reports a missing or malformed request field. Requests
// failing validation are rejected before a transaction opens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: field %q %s", e.Field, e.Reason)
}

// CompletionError reports that the completion provider failed after the
// retry budget was exhausted. It is fatal only when raised by response
// generation; stage selection and extraction degrade gracefully.
type CompletionError struct {
	Attempts int
	Err      error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// PersistenceError reports a database read or write failure. Always fatal;
// triggers rollback.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PoolExhaustedError reports that no transactional connection became
// available within the acquire timeout. The request is rejected before any
// work begins.
type PoolExhaustedError struct {
	Timeout time.Duration
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("connection pool exhausted: no connection within %s", e.Timeout)
}
