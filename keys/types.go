/*
Package keys provides the key inventory and allocation engine.

PURPOSE:
  This package contains the types and algorithms for selling license keys
  drawn from a finite inventory. It holds pools of unassigned keys, converts
  principal credits into assigned keys, and guarantees that no key is ever
  handed out twice and that credit debits and key assignments never diverge.

KEY CONCEPTS IN THIS FILE (types.go):
  - Class: The duration tier of a key (ephemeral short/medium/long, permanent)
  - PoolEntry: One undrawn key sitting in inventory
  - AssignedKey: A key owned by a principal, with lifecycle status
  - GenerationBatch: A group of keys assigned together in one allocation
  - CreditAccount: A principal's spendable balance
  - LedgerEntry: The immutable audit record of one allocation

DESIGN PRINCIPLES:
  1. Exactly-once: A pool entry is drawn at most once, ever
  2. Atomicity: Debit, draw, and ledger append commit or abort together
  3. Immutability: Ledger entries are never modified, pool rows never deleted
  4. Type Safety: Strong typing for IDs prevents mixing principal/batch/key IDs

USAGE:
  engine := keys.NewAllocationEngine(store)
  batch, err := engine.Allocate(ctx, keys.AllocateInput{
      PrincipalID: "usr-123",
      Class:       keys.ClassEphemeralShort,
      Quantity:    5,
  })

SEE ALSO:
  - engine.go: Allocation orchestration and transaction boundary
  - store.go: Persistence interfaces
  - revocation.go: Revocation and consumption transitions
*/
package keys

import "time"

// =============================================================================
// CLASS - Duration tier of a key (closed enum, partitions the pool)
// =============================================================================

type Class string

const (
	ClassEphemeralShort  Class = "ephemeral-short"  // valid for a day
	ClassEphemeralMedium Class = "ephemeral-medium" // valid for a week
	ClassEphemeralLong   Class = "ephemeral-long"   // valid for a month
	ClassPermanent       Class = "permanent"        // never expires
)

// Classes lists every key class in a fixed order. Pool partitioning, stats,
// and the expiry sweep all iterate this instead of branching per class.
var Classes = []Class{
	ClassEphemeralShort,
	ClassEphemeralMedium,
	ClassEphemeralLong,
	ClassPermanent,
}

// Valid reports whether c is one of the closed set of classes.
func (c Class) Valid() bool {
	switch c {
	case ClassEphemeralShort, ClassEphemeralMedium, ClassEphemeralLong, ClassPermanent:
		return true
	}
	return false
}

// Validity returns how long an assigned key of this class stays active,
// or (0, false) for classes that never expire.
func (c Class) Validity() (time.Duration, bool) {
	switch c {
	case ClassEphemeralShort:
		return 24 * time.Hour, true
	case ClassEphemeralMedium:
		return 7 * 24 * time.Hour, true
	case ClassEphemeralLong:
		return 30 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PrincipalID string
type EntryID string
type KeyID string
type BatchID string
type LedgerEntryID string

// =============================================================================
// COST POLICY
// =============================================================================

const (
	// CostPerKey is the credit price of one key, regardless of class.
	// The single place this policy lives; nothing else hard-codes the rate.
	CostPerKey = 1

	// MaxDrawQuantity caps a single allocation. Requests outside [1, cap]
	// fail validation before touching the pool.
	MaxDrawQuantity = 100
)

// CostFor returns the credit cost of drawing quantity keys.
func CostFor(quantity int) int64 {
	return int64(quantity) * CostPerKey
}

// =============================================================================
// POOL ENTRY - One undrawn key in inventory
// =============================================================================

type EntryStatus string

const (
	EntryAvailable EntryStatus = "available"
	EntryDrawn     EntryStatus = "drawn"
)

// PoolEntry is one undrawn key. Entries are created by import or
// replenishment and are never deleted: a successful draw flips the status to
// drawn, which keeps the value unique across the system, past and present.
type PoolEntry struct {
	ID      EntryID
	Value   string
	Class   Class
	Status  EntryStatus
	AddedAt time.Time
}

// =============================================================================
// ASSIGNED KEY - A key owned by a principal
// =============================================================================

type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyConsumed KeyStatus = "consumed"
	KeyExpired  KeyStatus = "expired"
	KeyRevoked  KeyStatus = "revoked"
)

// Valid reports whether s is one of the closed set of key statuses.
func (s KeyStatus) Valid() bool {
	switch s {
	case KeyActive, KeyConsumed, KeyExpired, KeyRevoked:
		return true
	}
	return false
}

// AssignedKey is created exactly once per draw. Transitions out of active
// (consumed, expired, revoked) are terminal; there is no way back.
type AssignedKey struct {
	ID          KeyID
	PrincipalID PrincipalID
	Value       string
	Class       Class
	Status      KeyStatus
	BatchID     BatchID
	AssignedAt  time.Time
	ConsumedAt  *time.Time
}

// Expired reports whether an active ephemeral key is past its validity at now.
func (k AssignedKey) Expired(now time.Time) bool {
	if k.Status != KeyActive {
		return false
	}
	d, ok := k.Class.Validity()
	if !ok {
		return false
	}
	return now.After(k.AssignedAt.Add(d))
}

// =============================================================================
// GENERATION BATCH - Keys assigned together in one allocation
// =============================================================================

// GenerationBatch is the unit of bulk query and revocation. Deleting a batch
// removes its keys but never rolls back the committed credit debit.
type GenerationBatch struct {
	ID          BatchID
	PrincipalID PrincipalID
	Class       Class
	Label       string
	CreatedAt   time.Time
	Size        int

	// Keys is populated on allocation and by batch lookups.
	Keys []AssignedKey
}

// =============================================================================
// CREDIT ACCOUNT - A principal's spendable balance
// =============================================================================

// CreditAccount tracks spendable credits.
//
// INVARIANTS:
//   - Balance never goes negative.
//   - LifetimeAssigned only increases, even across revocations. The
//     user-facing "keys generated" count is a derived projection instead.
type CreditAccount struct {
	PrincipalID      PrincipalID
	Balance          int64
	LifetimeAssigned int64
}

// =============================================================================
// LEDGER ENTRY - Immutable audit record of one allocation
// =============================================================================

// LedgerEntry is append-only and immutable once written. It is the durable
// audit trail, independent of the mutable AssignedKey rows: revoking or
// deleting keys never touches the ledger.
type LedgerEntry struct {
	ID          LedgerEntryID
	PrincipalID PrincipalID
	BatchID     BatchID
	Quantity    int
	Cost        int64
	Timestamp   time.Time

	// IdempotencyKey is the client-supplied retry token, empty if none.
	IdempotencyKey string
}

// =============================================================================
// POOL STATS - Admin-facing inventory counts
// =============================================================================

// PoolStats is the per-class inventory breakdown. Exposed to admins only;
// principals never see undrawn inventory.
type PoolStats struct {
	Class     Class
	Available int
	Drawn     int
}
