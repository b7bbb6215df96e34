package account

import (
	"errors"
	"fmt"
)

// Sentinel failures returned by the resolution and ledger paths. The HTTP
// layer maps these onto status codes (401/429/500); they are never retried
// internally.
var (
	// ErrAuthentication means no account matches the presented credential
	// under any alias.
	ErrAuthentication = errors.New("credential does not match any account")

	// ErrQuotaExceeded means the account matched but its token budget is
	// exhausted.
	ErrQuotaExceeded = errors.New("usage quota exceeded")

	// ErrPersistenceDegraded marks a durable-store failure that the engine
	// absorbed by continuing cache-only. It is logged, not returned to
	// request callers.
	ErrPersistenceDegraded = errors.New("durable store unreachable, operating cache-only")

	// ErrSerialization means a cost value could not round-trip exactly
	// through storage. The write carrying it must be aborted, never
	// truncated.
	ErrSerialization = errors.New("cost value cannot be serialized exactly")
)

// AuthorizationError means the credential matched an account but the key or
// the account itself is disabled.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization failed: %s", e.Reason)
}

// NewAuthorizationError builds an AuthorizationError with the given reason.
func NewAuthorizationError(reason string) error {
	return &AuthorizationError{Reason: reason}
}

// IsAuthorization reports whether err is an AuthorizationError.
func IsAuthorization(err error) bool {
	var authErr *AuthorizationError
	return errors.As(err, &authErr)
}

// UniquenessError means a registration or rotation collided with an
// existing username or key.
type UniquenessError struct {
	Field string
	Value string
}

func (e *UniquenessError) Error() string {
	return fmt.Sprintf("%s %q already registered", e.Field, e.Value)
}

// IsUniqueness reports whether err is a UniquenessError.
func IsUniqueness(err error) bool {
	var uniqErr *UniquenessError
	return errors.As(err, &uniqErr)
}
