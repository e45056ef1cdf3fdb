/*
revocation.go - Revocation and consumption transitions

PURPOSE:
  Reverses assignments (batch or single key) and records key usage.

REVOCATION POLICY (deliberate, not a bug):
  A drawn key is permanently retired. Revoking or deleting an assignment
  does NOT return the value to the pool and does NOT refund credits. Letting
  values re-circulate would allow a principal to extract more keys than they
  paid for: buy, save the value, revoke, buy again. The sale is final; a
  refund is a separate, explicit flow this engine does not implement.

  Consequently the user-facing "keys generated" count is a projection over
  non-revoked keys (it shrinks on revocation), while CreditAccount's
  LifetimeAssigned stays monotone.

OWNERSHIP:
  Every mutation verifies the caller owns the batch/key first. A record that
  exists but belongs to someone else reports NotFound, identical to a record
  that does not exist, so principals cannot probe each other's keys.

SEE ALSO:
  - engine.go: The forward direction
  - store.go: TransitionKey's compare-and-swap contract
*/
package keys

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// REVOCATION SERVICE
// =============================================================================

type RevocationService struct {
	Store TxStore
	Now   func() time.Time
}

func NewRevocationService(store TxStore) *RevocationService {
	return &RevocationService{Store: store, Now: time.Now}
}

// RevokeBatch marks every non-revoked key of the principal's batch revoked
// and returns how many keys were touched. The pool and the credit balance
// are untouched; the ledger keeps the original sale.
func (rs *RevocationService) RevokeBatch(ctx context.Context, principal PrincipalID, batchID BatchID) (int, error) {
	var deleted int
	err := rs.Store.WithTx(ctx, func(s Store) error {
		b, err := s.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if b == nil || b.PrincipalID != principal {
			return fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
		}
		deleted, err = s.RevokeBatchKeys(ctx, batchID, rs.Now().UTC())
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// RevokeKey revokes a single assigned key owned by the principal.
// Keys already in a terminal state stay where they are: revoking a consumed
// or expired key reports ErrKeyNotActive rather than rewriting history.
func (rs *RevocationService) RevokeKey(ctx context.Context, principal PrincipalID, keyID KeyID) error {
	return rs.Store.WithTx(ctx, func(s Store) error {
		k, err := s.GetKey(ctx, keyID)
		if err != nil {
			return err
		}
		if k == nil || k.PrincipalID != principal {
			return fmt.Errorf("key %s: %w", keyID, ErrNotFound)
		}
		if k.Status != KeyActive {
			return fmt.Errorf("key %s is %s: %w", keyID, k.Status, ErrKeyNotActive)
		}
		err = s.TransitionKey(ctx, keyID, KeyActive, KeyRevoked, rs.Now().UTC())
		if errors.Is(err, ErrConcurrentModification) {
			// Raced with another transition; the key left active first.
			return fmt.Errorf("key %s: %w", keyID, ErrKeyNotActive)
		}
		return err
	})
}

// MarkConsumed transitions an active key to consumed. A second call reports
// ErrAlreadyConsumed rather than silently succeeding, so callers can detect
// double-use attempts.
func (rs *RevocationService) MarkConsumed(ctx context.Context, keyID KeyID) error {
	return rs.Store.WithTx(ctx, func(s Store) error {
		k, err := s.GetKey(ctx, keyID)
		if err != nil {
			return err
		}
		if k == nil {
			return fmt.Errorf("key %s: %w", keyID, ErrNotFound)
		}
		switch k.Status {
		case KeyConsumed:
			return fmt.Errorf("key %s: %w", keyID, ErrAlreadyConsumed)
		case KeyActive:
			// proceed
		default:
			return fmt.Errorf("key %s is %s: %w", keyID, k.Status, ErrKeyNotActive)
		}
		err = s.TransitionKey(ctx, keyID, KeyActive, KeyConsumed, rs.Now().UTC())
		if errors.Is(err, ErrConcurrentModification) {
			// Raced with another transition; report by where the key landed.
			if fresh, gerr := s.GetKey(ctx, keyID); gerr == nil && fresh != nil && fresh.Status == KeyConsumed {
				return fmt.Errorf("key %s: %w", keyID, ErrAlreadyConsumed)
			}
			return fmt.Errorf("key %s: %w", keyID, ErrKeyNotActive)
		}
		return err
	})
}

// =============================================================================
// EXPIRY SWEEP
// =============================================================================

// ExpireDue transitions every active ephemeral key past its class validity
// to expired. Idempotent; intended to be run periodically.
func (rs *RevocationService) ExpireDue(ctx context.Context) (int, error) {
	return rs.Store.ExpireDue(ctx, rs.Now().UTC())
}
