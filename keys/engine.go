/*
engine.go - Allocation orchestration and transaction boundary

PURPOSE:
  Converts a principal's credits into assigned keys as one atomic unit:

  1. Validate quantity (1..MaxDrawQuantity) and class
  2. cost = quantity * CostPerKey
  3. Check the credit balance
  4. Claim entries from the pool (FIFO, exactly-once)
  5. Mint a GenerationBatch and one AssignedKey per entry
  6. Debit the account, bump LifetimeAssigned
  7. Append one LedgerEntry
  8. Commit - or roll every step back

ALLOCATION FLOW:
  ┌────────────────────────────────────────────────────────────┐
  │                                                            │
  │  validate ──▶ balance ──▶ claim ──▶ mint ──▶ debit ──▶ log │
  │                  │           │                  │          │
  │                  ▼           ▼                  ▼          │
  │           InsufficientC.  InsufficientI.  re-checked at    │
  │           (no effects)    (no effects)    write time       │
  │                                                            │
  └────────────────────────────────────────────────────────────┘

WHY THE DEBIT COMES AFTER THE CLAIM:
  Both run inside the same unit of work, so ordering does not change the
  observable outcome, but claiming first means a pool shortage - the common
  failure under contention - aborts before any account row is touched.

DOUBLE-SUBMIT RACE:
  Two allocations from the same principal can both pass the balance read.
  DebitForAssignment re-checks balance >= cost at write time, so the loser
  fails with InsufficientCredits and its claim is rolled back.

IDEMPOTENCY:
  Allocate accepts an optional client token. A replayed token fails with
  ErrDuplicateIdempotencyKey before any side effect; the ledger's unique
  index backstops the check inside the transaction.

SEE ALSO:
  - store.go: The consistency contract this relies on
  - revocation.go: The reverse direction (which never refunds)
*/
package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ALLOCATION ENGINE
// =============================================================================

type AllocationEngine struct {
	Store TxStore

	// Now is the clock, injectable for deterministic tests.
	Now func() time.Time
}

func NewAllocationEngine(store TxStore) *AllocationEngine {
	return &AllocationEngine{Store: store, Now: time.Now}
}

// AllocateInput describes one allocation request.
type AllocateInput struct {
	PrincipalID PrincipalID
	Class       Class
	Quantity    int

	// Label is an optional human name for the batch.
	Label string

	// IdempotencyKey is an optional client retry token. Empty disables the check.
	IdempotencyKey string
}

// Allocate draws Quantity keys of Class for the principal, debiting
// Quantity * CostPerKey credits, all-or-nothing. On success the returned
// batch carries its assigned keys.
func (e *AllocationEngine) Allocate(ctx context.Context, in AllocateInput) (*GenerationBatch, error) {
	// Validation happens before any storage access.
	if in.Quantity < 1 || in.Quantity > MaxDrawQuantity {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidQuantity, in.Quantity, MaxDrawQuantity)
	}
	if !in.Class.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidClass, in.Class)
	}

	if in.IdempotencyKey != "" {
		exists, err := e.Store.IdempotencyKeyExists(ctx, in.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		if exists {
			return nil, ErrDuplicateIdempotencyKey
		}
	}

	cost := CostFor(in.Quantity)
	now := e.Now().UTC()

	var batch *GenerationBatch
	err := e.Store.WithTx(ctx, func(s Store) error {
		acct, err := s.GetAccount(ctx, in.PrincipalID)
		if err != nil {
			return err
		}
		if acct == nil {
			return fmt.Errorf("account %s: %w", in.PrincipalID, ErrNotFound)
		}
		if acct.Balance < cost {
			return &InsufficientCreditsError{
				PrincipalID: in.PrincipalID,
				Required:    cost,
				Available:   acct.Balance,
			}
		}

		entries, err := s.ClaimEntries(ctx, in.Class, in.Quantity)
		if err != nil {
			return err
		}

		b := GenerationBatch{
			ID:          BatchID(newID("batch")),
			PrincipalID: in.PrincipalID,
			Class:       in.Class,
			Label:       in.Label,
			CreatedAt:   now,
			Size:        len(entries),
		}
		for _, entry := range entries {
			b.Keys = append(b.Keys, AssignedKey{
				ID:          KeyID(newID("key")),
				PrincipalID: in.PrincipalID,
				Value:       entry.Value,
				Class:       entry.Class,
				Status:      KeyActive,
				BatchID:     b.ID,
				AssignedAt:  now,
			})
		}

		if err := s.InsertBatch(ctx, b); err != nil {
			return err
		}
		if err := s.InsertKeys(ctx, b.Keys); err != nil {
			return err
		}
		if err := s.DebitForAssignment(ctx, in.PrincipalID, cost, in.Quantity); err != nil {
			// Lost the double-submit race: a concurrent allocation drained
			// the balance between our read and the conditional write.
			if errors.Is(err, ErrInsufficientCredits) {
				if fresh, gerr := s.GetAccount(ctx, in.PrincipalID); gerr == nil && fresh != nil {
					return &InsufficientCreditsError{
						PrincipalID: in.PrincipalID,
						Required:    cost,
						Available:   fresh.Balance,
					}
				}
			}
			return err
		}
		if err := s.AppendLedger(ctx, LedgerEntry{
			ID:             LedgerEntryID(newID("txn")),
			PrincipalID:    in.PrincipalID,
			BatchID:        b.ID,
			Quantity:       in.Quantity,
			Cost:           cost,
			Timestamp:      now,
			IdempotencyKey: in.IdempotencyKey,
		}); err != nil {
			return err
		}

		batch = &b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
