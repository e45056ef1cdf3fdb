/*
store.go - Persistence interfaces for the allocation engine

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations can use SQLite, PostgreSQL, or in-memory storage; the
  engine only depends on the consistency contract below.

KEY INTERFACES:
  Store:   Pool, account, batch/key, and ledger persistence
  TxStore: Store plus an atomic unit of work (WithTx)

CONSISTENCY CONTRACT:
  ClaimEntries is the exactly-once primitive: the read ("which entries are
  available") and the write ("mark them drawn") are one atomic step. A
  read-filter-write-back implementation is incorrect under concurrency - two
  simultaneous draws would both see the same entries and double-assign them.

  DebitForAssignment is conditional: the balance check is re-evaluated at
  write time, so two allocations racing on the same account cannot overdraw
  a stale balance read.

  WithTx makes the whole allocate flow all-or-nothing. SQLite implements it
  as one short database transaction; the memory store as a journal of
  compensating actions. Either way, an aborted allocation leaves zero
  observable side effects.

APPEND-ONLY CONTRACT:
  Ledger entries are append-only: no Update, no Delete. Pool entries are
  never deleted either - a draw flips status, preserving value uniqueness
  across the life of the system.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - keys/store/memory.go:   In-memory for testing/dev

SEE ALSO:
  - engine.go: The only writer that composes these calls
*/
package keys

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Persistence for pool, accounts, assignments, and ledger
// =============================================================================

type Store interface {
	// --- Pool ---

	// AddEntries inserts new pool entries. Fails with ErrDuplicateValue if
	// any value was ever seen before (available or drawn).
	AddEntries(ctx context.Context, entries []PoolEntry) error

	// ClaimEntries atomically draws n available entries of the class, FIFO by
	// AddedAt with entry ID as tiebreaker. On shortage it fails with
	// InsufficientInventoryError and the pool is completely unchanged.
	// Claimed entries are immediately invisible to every other caller.
	ClaimEntries(ctx context.Context, class Class, n int) ([]PoolEntry, error)

	// CountEntries returns available and drawn counts for a class.
	CountEntries(ctx context.Context, class Class) (available, drawn int, err error)

	// --- Credit accounts ---

	// GetAccount returns the account, or nil if the principal has none.
	GetAccount(ctx context.Context, id PrincipalID) (*CreditAccount, error)

	// PutAccount creates or replaces an account record.
	PutAccount(ctx context.Context, acct CreditAccount) error

	// GrantCredits adds amount (positive) to the balance.
	GrantCredits(ctx context.Context, id PrincipalID, amount int64) error

	// DebitForAssignment subtracts cost and bumps LifetimeAssigned by
	// quantity, only if balance >= cost still holds at write time. Fails with
	// ErrInsufficientCredits otherwise and with ErrNotFound for a missing
	// account. Never lets the balance go negative.
	DebitForAssignment(ctx context.Context, id PrincipalID, cost int64, quantity int) error

	// --- Batches and assigned keys ---

	InsertBatch(ctx context.Context, b GenerationBatch) error
	InsertKeys(ctx context.Context, ks []AssignedKey) error

	// GetBatch returns the batch without its keys, or nil if missing.
	GetBatch(ctx context.Context, id BatchID) (*GenerationBatch, error)

	// GetKey returns the assigned key, or nil if missing.
	GetKey(ctx context.Context, id KeyID) (*AssignedKey, error)

	ListBatches(ctx context.Context, principal PrincipalID, f BatchFilter) ([]GenerationBatch, error)
	ListKeys(ctx context.Context, principal PrincipalID, f KeyFilter) ([]AssignedKey, error)

	// ListBatchKeys returns every key of one batch, oldest first.
	ListBatchKeys(ctx context.Context, id BatchID) ([]AssignedKey, error)

	// TransitionKey moves a key from one status to another as a compare-and-
	// swap: the write applies only if the key is still in `from`. Returns
	// ErrNotFound for a missing key and ErrConcurrentModification when the
	// key is no longer in `from`.
	TransitionKey(ctx context.Context, id KeyID, from, to KeyStatus, at time.Time) error

	// RevokeBatchKeys marks every non-revoked key of a batch revoked and
	// returns how many were touched. Pool entries are untouched by design.
	RevokeBatchKeys(ctx context.Context, id BatchID, at time.Time) (int, error)

	// ExpireDue transitions every active ephemeral key past its validity to
	// expired, returning the count.
	ExpireDue(ctx context.Context, now time.Time) (int, error)

	// CountKeysByStatus returns the principal's key counts per status. The
	// user-facing "keys generated" figure is derived from this, so batch
	// deletion decrements it without touching LifetimeAssigned.
	CountKeysByStatus(ctx context.Context, principal PrincipalID) (map[KeyStatus]int, error)

	// --- Ledger ---

	// AppendLedger adds one audit entry. Append-only; fails with
	// ErrDuplicateIdempotencyKey on a replayed idempotency token.
	AppendLedger(ctx context.Context, e LedgerEntry) error

	// LedgerEntries returns a principal's entries, oldest first.
	LedgerEntries(ctx context.Context, principal PrincipalID) ([]LedgerEntry, error)

	// IdempotencyKeyExists checks whether an allocation token was committed.
	IdempotencyKeyExists(ctx context.Context, token string) (bool, error)
}

// =============================================================================
// TRANSACTIONAL STORE - Atomic unit of work
// =============================================================================

// TxStore wraps Store with an all-or-nothing execution scope.
type TxStore interface {
	Store

	// WithTx executes fn atomically. If fn returns an error, every write it
	// performed is undone; if fn returns nil, all of them commit together.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// QUERY FILTERS
// =============================================================================

// Page is offset pagination for the read projections.
type Page struct {
	Number int // 1-based; values < 1 mean first page
	Size   int // values < 1 fall back to DefaultPageSize
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Clamp normalizes a page to sane bounds.
func (p Page) Clamp() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset returns the row offset for the clamped page.
func (p Page) Offset() int {
	p = p.Clamp()
	return (p.Number - 1) * p.Size
}

type BatchFilter struct {
	Class *Class
	Page  Page
}

type KeyFilter struct {
	Class  *Class
	Status *KeyStatus
	Page   Page
}
