package store

import (
	"errors"
	"strings"
)

// Sentinel errors for artifact store operations. Callers match with
// errors.Is; wrapped messages carry tenant and entity identifiers so an
// operator can replay or correct the request without reading server logs.
var (
	// ErrValidation indicates malformed input, e.g. an execution that
	// references a test identifier absent from the tenant.
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates a unique-key violation.
	ErrConflict = errors.New("unique key conflict")

	// ErrTenantIsolation indicates a cross-tenant access attempt, such as
	// an empty or malformed tenant key. Fail closed.
	ErrTenantIsolation = errors.New("tenant isolation violation")

	// ErrDecisionInProgress indicates a non-terminal self-heal decision
	// already exists for the (tenant, testID) pair.
	ErrDecisionInProgress = errors.New("decision already in progress")

	// ErrInvalidState indicates an illegal decision state transition.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrNotFound is returned when a requested entity does not exist
	// within the tenant's namespace.
	ErrNotFound = errors.New("not found")
)

// isUniqueViolation reports whether err is a SQLite unique constraint
// failure. The modernc driver surfaces constraint violations as plain
// errors with a stable message prefix.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
