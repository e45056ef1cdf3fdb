/*
errors.go - Centralized error types for the allocation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch with errors.Is / errors.As; the HTTP layer maps these
  onto status codes.

ERROR CATEGORIES:
  1. Validation errors   - Bad quantity or class; rejected before side effects
  2. Exhaustion errors   - Insufficient credits or inventory; carry
                           required-vs-available detail, retryable once the
                           underlying condition changes
  3. Conflict errors     - Already consumed, not owned; terminal for that key
  4. Storage failures    - No partial state committed; whole call retryable

USAGE:
    var short *keys.InsufficientInventoryError
    if errors.As(err, &short) {
        log.Printf("wanted %d, pool has %d", short.Requested, short.Available)
    }

SEE ALSO:
  - engine.go: Produces most of these
  - store.go: Storage implementations wrap ErrStorageFailure
*/
package keys

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidQuantity is returned when quantity is outside [1, MaxDrawQuantity].
	ErrInvalidQuantity = errors.New("quantity out of range")

	// ErrInvalidClass is returned for a class outside the closed enum.
	ErrInvalidClass = errors.New("unknown key class")

	// ErrInsufficientCredits is returned when balance cannot cover the cost.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInsufficientInventory is returned when the pool cannot satisfy a draw.
	ErrInsufficientInventory = errors.New("insufficient inventory")

	// ErrNotFound is returned when a batch, key, or account does not exist,
	// or exists but is not owned by the caller. Ownership failures report
	// NotFound deliberately so callers cannot probe other principals' keys.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyConsumed is returned on a second MarkConsumed for the same key,
	// so callers can detect double-use attempts.
	ErrAlreadyConsumed = errors.New("key already consumed")

	// ErrKeyNotActive is returned when a terminal-status key is asked to
	// transition (e.g. consuming an expired or revoked key).
	ErrKeyNotActive = errors.New("key is not active")

	// ErrInvalidValue is returned when an imported key value is blank.
	ErrInvalidValue = errors.New("invalid key value")

	// ErrDuplicateValue is returned when an imported key value collides with
	// any value ever seen, drawn or not.
	ErrDuplicateValue = errors.New("duplicate key value")

	// ErrDuplicateIdempotencyKey is returned when an allocation retry carries
	// a token that was already committed. Expected behavior for blind retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when a conditional write detects
	// a conflicting concurrent update.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrStorageFailure wraps storage and transport faults. The allocation is
	// guaranteed to have left no partial state behind.
	ErrStorageFailure = errors.New("storage failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditsError reports a balance shortage with enough detail for
// the caller to react.
type InsufficientCreditsError struct {
	PrincipalID PrincipalID
	Required    int64
	Available   int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// InsufficientInventoryError reports a pool shortage for one class.
type InsufficientInventoryError struct {
	Class     Class
	Requested int
	Available int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for %s: requested %d, available %d",
		e.Class, e.Requested, e.Available)
}

func (e *InsufficientInventoryError) Unwrap() error { return ErrInsufficientInventory }

// ConfigError reports an invalid key-source configuration. Surfaced at
// startup instead of a sentinel marker value in generated keys.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid key source config: %s: %s", e.Field, e.Reason)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if retrying the same call might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrStorageFailure)
}

// IsClientError returns true if the error is the caller's doing.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidClass) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrInsufficientInventory) ||
		errors.Is(err, ErrAlreadyConsumed) ||
		errors.Is(err, ErrKeyNotActive) ||
		errors.Is(err, ErrInvalidValue) ||
		errors.Is(err, ErrDuplicateValue) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing (or not owned) record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
