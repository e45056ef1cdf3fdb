/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements keys.Store and keys.TxStore using SQLite. In production, the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

THE CLAIM PRIMITIVE:
  ClaimEntries is the exactly-once heart of the engine. It runs a
  SELECT-then-conditional-UPDATE inside one database transaction:

      SELECT ... WHERE class=? AND status='available'
        ORDER BY added_at, id LIMIT n
      UPDATE pool_entries SET status='drawn'
        WHERE id IN (...) AND status='available'

  and verifies the UPDATE touched exactly n rows. The status predicate on
  the UPDATE means a row claimed concurrently is simply not updated, and
  the row-count check turns that into a retryable conflict instead of a
  double assignment.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on ledger_entries
  - pool_entries rows are never deleted; status flips available -> drawn,
    so UNIQUE(value) holds across the life of the system

KEY TABLES:
  pool_entries:    Undrawn inventory, partitioned by class via index
  assigned_keys:   Keys owned by principals, with lifecycle status
  batches:         Generation batches (unit of bulk query and revocation)
  credit_accounts: Balances, with a CHECK(balance >= 0) backstop
  ledger_entries:  Immutable audit trail, UNIQUE idempotency tokens

INDEXES:
  Critical indexes for performance:
  - idx_pool_class_status_added: FIFO claim scan (hot path)
  - idx_keys_principal: Per-principal key listings
  - idx_keys_status_class_assigned: Expiry sweep
  - idx_ledger_principal: Audit queries

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of WAL mode. In production
  with PostgreSQL, database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/keyvault.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := keys.NewAllocationEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - keys/store.go: Interface definitions and consistency contract
  - keys/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/keyvault/keys"
)

// Store implements keys.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Pool inventory. Rows are never deleted: a draw flips status to 'drawn',
	-- which keeps UNIQUE(value) meaning unique past and present.
	CREATE TABLE IF NOT EXISTS pool_entries (
		id TEXT PRIMARY KEY,
		value TEXT NOT NULL UNIQUE,
		class TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'available',
		added_at INTEGER NOT NULL -- unix nanos, FIFO ordering
	);

	CREATE INDEX IF NOT EXISTS idx_pool_class_status_added
		ON pool_entries(class, status, added_at, id);

	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		class TEXT NOT NULL,
		label TEXT,
		created_at INTEGER NOT NULL, -- unix nanos
		size INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_batches_principal
		ON batches(principal_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS assigned_keys (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		value TEXT NOT NULL,
		class TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		batch_id TEXT NOT NULL,
		assigned_at INTEGER NOT NULL, -- unix nanos
		consumed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_keys_principal
		ON assigned_keys(principal_id, assigned_at DESC);
	CREATE INDEX IF NOT EXISTS idx_keys_batch
		ON assigned_keys(batch_id);
	CREATE INDEX IF NOT EXISTS idx_keys_status_class_assigned
		ON assigned_keys(status, class, assigned_at);

	-- The CHECK is a backstop; the conditional debit is the real guard.
	CREATE TABLE IF NOT EXISTS credit_accounts (
		principal_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL CHECK (balance >= 0),
		lifetime_assigned INTEGER NOT NULL DEFAULT 0
	);

	-- Append-only audit ledger. No UPDATE. No DELETE. Ever.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		cost INTEGER NOT NULL,
		ts INTEGER NOT NULL, -- unix nanos
		idempotency_key TEXT UNIQUE
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_principal
		ON ledger_entries(principal_id, ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// POOL
// =============================================================================

func (s *Store) AddEntries(ctx context.Context, entries []keys.PoolEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	defer tx.Rollback()

	if err := addEntries(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	return nil
}

func addEntries(ctx context.Context, q querier, entries []keys.PoolEntry) error {
	const query = `
		INSERT INTO pool_entries (id, value, class, status, added_at)
		VALUES (?, ?, ?, ?, ?)
	`
	for _, e := range entries {
		status := e.Status
		if status == "" {
			status = keys.EntryAvailable
		}
		_, err := q.ExecContext(ctx, query, e.ID, e.Value, e.Class, status, e.AddedAt.UnixNano())
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("value %q: %w", e.Value, keys.ErrDuplicateValue)
			}
			return fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
		}
	}
	return nil
}

func (s *Store) ClaimEntries(ctx context.Context, class keys.Class, n int) ([]keys.PoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	defer tx.Rollback()

	claimed, err := claimEntries(ctx, tx, class, n)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	return claimed, nil
}

func claimEntries(ctx context.Context, q querier, class keys.Class, n int) ([]keys.PoolEntry, error) {
	// FIFO selection within the class partition, id as tiebreaker.
	rows, err := q.QueryContext(ctx, `
		SELECT id, value, class, added_at
		FROM pool_entries
		WHERE class = ? AND status = 'available'
		ORDER BY added_at ASC, id ASC
		LIMIT ?
	`, class, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}

	var claimed []keys.PoolEntry
	for rows.Next() {
		var e keys.PoolEntry
		var addedNanos int64
		if err := rows.Scan(&e.ID, &e.Value, &e.Class, &addedNanos); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
		}
		e.Status = keys.EntryDrawn
		e.AddedAt = nanoTime(addedNanos)
		claimed = append(claimed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}

	if len(claimed) < n {
		return nil, &keys.InsufficientInventoryError{
			Class:     class,
			Requested: n,
			Available: len(claimed),
		}
	}

	// The status predicate plus the row-count check make the mark safe
	// even if a competing writer slipped between SELECT and UPDATE.
	ids := make([]any, len(claimed))
	placeholders := make([]string, len(claimed))
	for i, e := range claimed {
		ids[i] = e.ID
		placeholders[i] = "?"
	}
	res, err := q.ExecContext(ctx, fmt.Sprintf(`
		UPDATE pool_entries SET status = 'drawn'
		WHERE id IN (%s) AND status = 'available'
	`, strings.Join(placeholders, ",")), ids...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	if int(affected) != n {
		return nil, keys.ErrConcurrentModification
	}
	return claimed, nil
}

func (s *Store) CountEntries(ctx context.Context, class keys.Class) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countEntries(ctx, s.db, class)
}

func countEntries(ctx context.Context, q querier, class keys.Class) (int, int, error) {
	var available, drawn int
	err := q.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'available' THEN 1 END),
			COUNT(CASE WHEN status = 'drawn' THEN 1 END)
		FROM pool_entries WHERE class = ?
	`, class).Scan(&available, &drawn)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	return available, drawn, nil
}

// =============================================================================
// CREDIT ACCOUNTS
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id keys.PrincipalID) (*keys.CreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func getAccount(ctx context.Context, q querier, id keys.PrincipalID) (*keys.CreditAccount, error) {
	var acct keys.CreditAccount
	err := q.QueryRowContext(ctx, `
		SELECT principal_id, balance, lifetime_assigned
		FROM credit_accounts WHERE principal_id = ?
	`, id).Scan(&acct.PrincipalID, &acct.Balance, &acct.LifetimeAssigned)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	return &acct, nil
}

func (s *Store) PutAccount(ctx context.Context, acct keys.CreditAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putAccount(ctx, s.db, acct)
}

func putAccount(ctx context.Context, q querier, acct keys.CreditAccount) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO credit_accounts (principal_id, balance, lifetime_assigned)
		VALUES (?, ?, ?)
		ON CONFLICT(principal_id) DO UPDATE SET
			balance = excluded.balance,
			lifetime_assigned = excluded.lifetime_assigned
	`, acct.PrincipalID, acct.Balance, acct.LifetimeAssigned)
	if err != nil {
		return fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	return nil
}

func (s *Store) GrantCredits(ctx context.Context, id keys.PrincipalID, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return grantCredits(ctx, s.db, id, amount)
}

func grantCredits(ctx context.Context, q querier, id keys.PrincipalID, amount int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE credit_accounts SET balance = balance + ?
		WHERE principal_id = ?
	`, amount, id)
	if err != nil {
		return fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	if n == 0 {
		return keys.ErrNotFound
	}
	return nil
}

func (s *Store) DebitForAssignment(ctx context.Context, id keys.PrincipalID, cost int64, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return debitForAssignment(ctx, s.db, id, cost, quantity)
}

func debitForAssignment(ctx context.Context, q querier, id keys.PrincipalID, cost int64, quantity int) error {
	// The balance predicate re-checks at write time; a stale read cannot
	// drive the balance negative.
	res, err := q.ExecContext(ctx, `
		UPDATE credit_accounts
		SET balance = balance - ?, lifetime_assigned = lifetime_assigned + ?
		WHERE principal_id = ? AND balance >= ?
	`, cost, quantity, id, cost)
	if err != nil {
		return fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	if n == 1 {
		return nil
	}
	acct, err := getAccount(ctx, q, id)
	if err != nil {
		return err
	}
	if acct == nil {
		return keys.ErrNotFound
	}
	return keys.ErrInsufficientCredits
}

// =============================================================================
// BATCHES AND ASSIGNED KEYS
// =============================================================================

func (s *Store) InsertBatch(ctx context.Context, b keys.GenerationBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertBatch(ctx, s.db, b)
}

func insertBatch(ctx context.Context, q querier, b keys.GenerationBatch) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO batches (id, principal_id, class, label, created_at, size)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.ID, b.PrincipalID, b.Class, b.Label, b.CreatedAt.UnixNano(), b.Size)
	if err != nil {
		return fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	return nil
}

func (s *Store) InsertKeys(ctx context.Context, ks []keys.AssignedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertKeys(ctx, s.db, ks)
}

func insertKeys(ctx context.Context, q querier, ks []keys.AssignedKey) error {
	const query = `
		INSERT INTO assigned_keys
		(id, principal_id, value, class, status, batch_id, assigned_at, consumed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
	`
	for _, k := range ks {
		_, err := q.ExecContext(ctx, query,
			k.ID, k.PrincipalID, k.Value, k.Class, k.Status, k.BatchID,
			k.AssignedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
		}
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id keys.BatchID) (*keys.GenerationBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBatch(ctx, s.db, id)
}

func getBatch(ctx context.Context, q querier, id keys.BatchID) (*keys.GenerationBatch, error) {
	var b keys.GenerationBatch
	var label sql.NullString
	var createdAt int64
	err := q.QueryRowContext(ctx, `
		SELECT id, principal_id, class, label, created_at, size
		FROM batches WHERE id = ?
	`, id).Scan(&b.ID, &b.PrincipalID, &b.Class, &label, &createdAt, &b.Size)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	b.Label = label.String
	b.CreatedAt = nanoTime(createdAt)
	return &b, nil
}

func (s *Store) GetKey(ctx context.Context, id keys.KeyID) (*keys.AssignedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getKey(ctx, s.db, id)
}

func getKey(ctx context.Context, q querier, id keys.KeyID) (*keys.AssignedKey, error) {
	ks, err := queryKeys(ctx, q, `
		SELECT id, principal_id, value, class, status, batch_id, assigned_at, consumed_at
		FROM assigned_keys WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	if len(ks) == 0 {
		return nil, nil
	}
	return &ks[0], nil
}

func (s *Store) ListBatches(ctx context.Context, principal keys.PrincipalID, f keys.BatchFilter) ([]keys.GenerationBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBatches(ctx, s.db, principal, f)
}

func listBatches(ctx context.Context, q querier, principal keys.PrincipalID, f keys.BatchFilter) ([]keys.GenerationBatch, error) {
	query := `
		SELECT id, principal_id, class, label, created_at, size
		FROM batches WHERE principal_id = ?
	`
	args := []any{principal}
	if f.Class != nil {
		query += " AND class = ?"
		args = append(args, *f.Class)
	}
	page := f.Page.Clamp()
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, page.Size, page.Offset())

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	defer rows.Close()

	var batches []keys.GenerationBatch
	for rows.Next() {
		var b keys.GenerationBatch
		var label sql.NullString
		var createdAt int64
		if err := rows.Scan(&b.ID, &b.PrincipalID, &b.Class, &label, &createdAt, &b.Size); err != nil {
			return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
		}
		b.Label = label.String
		b.CreatedAt = nanoTime(createdAt)
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *Store) ListKeys(ctx context.Context, principal keys.PrincipalID, f keys.KeyFilter) ([]keys.AssignedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listKeys(ctx, s.db, principal, f)
}

func listKeys(ctx context.Context, q querier, principal keys.PrincipalID, f keys.KeyFilter) ([]keys.AssignedKey, error) {
	query := `
		SELECT id, principal_id, value, class, status, batch_id, assigned_at, consumed_at
		FROM assigned_keys WHERE principal_id = ?
	`
	args := []any{principal}
	if f.Class != nil {
		query += " AND class = ?"
		args = append(args, *f.Class)
	}
	if f.Status != nil {
		query += " AND status = ?"
		args = append(args, *f.Status)
	}
	page := f.Page.Clamp()
	query += " ORDER BY assigned_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, page.Size, page.Offset())

	return queryKeys(ctx, q, query, args...)
}

func (s *Store) ListBatchKeys(ctx context.Context, id keys.BatchID) ([]keys.AssignedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBatchKeys(ctx, s.db, id)
}

func listBatchKeys(ctx context.Context, q querier, id keys.BatchID) ([]keys.AssignedKey, error) {
	return queryKeys(ctx, q, `
		SELECT id, principal_id, value, class, status, batch_id, assigned_at, consumed_at
		FROM assigned_keys WHERE batch_id = ?
		ORDER BY assigned_at ASC, id ASC
	`, id)
}

func queryKeys(ctx context.Context, q querier, query string, args ...any) ([]keys.AssignedKey, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	defer rows.Close()

	var ks []keys.AssignedKey
	for rows.Next() {
		var k keys.AssignedKey
		var assignedAt int64
		var consumedAt sql.NullInt64
		if err := rows.Scan(&k.ID, &k.PrincipalID, &k.Value, &k.Class, &k.Status,
			&k.BatchID, &assignedAt, &consumedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
		}
		k.AssignedAt = nanoTime(assignedAt)
		if consumedAt.Valid {
			t := nanoTime(consumedAt.Int64)
			k.ConsumedAt = &t
		}
		ks = append(ks, k)
	}
	return ks, rows.Err()
}

func (s *Store) TransitionKey(ctx context.Context, id keys.KeyID, from, to keys.KeyStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transitionKey(ctx, s.db, id, from, to, at)
}

func transitionKey(ctx context.Context, q querier, id keys.KeyID, from, to keys.KeyStatus, at time.Time) error {
	// Compare-and-swap on status: the WHERE clause only takes the transition
	// from `from`, which keeps terminal states sticky under races.
	var consumedAt any
	if to == keys.KeyConsumed {
		consumedAt = at.UnixNano()
	}
	res, err := q.ExecContext(ctx, `
		UPDATE assigned_keys
		SET status = ?, consumed_at = COALESCE(?, consumed_at)
		WHERE id = ? AND status = ?
	`, to, consumedAt, id, from)
	if err != nil {
		return fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM assigned_keys WHERE id = ?", id).Scan(&exists); err != nil {
		return fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	if exists == 0 {
		return keys.ErrNotFound
	}
	return keys.ErrConcurrentModification
}

func (s *Store) RevokeBatchKeys(ctx context.Context, id keys.BatchID, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return revokeBatchKeys(ctx, s.db, id)
}

func revokeBatchKeys(ctx context.Context, q querier, id keys.BatchID) (int, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE assigned_keys SET status = 'revoked'
		WHERE batch_id = ? AND status != 'revoked'
	`, id)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	return int(n), nil
}

func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return expireDue(ctx, s.db, now)
}

func expireDue(ctx context.Context, q querier, now time.Time) (int, error) {
	total := 0
	for _, class := range keys.Classes {
		validity, ok := class.Validity()
		if !ok {
			continue
		}
		cutoff := now.Add(-validity).UnixNano()
		res, err := q.ExecContext(ctx, `
			UPDATE assigned_keys SET status = 'expired'
			WHERE status = 'active' AND class = ? AND assigned_at <= ?
		`, class, cutoff)
		if err != nil {
			return total, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
		}
		total += int(n)
	}
	return total, nil
}

func (s *Store) CountKeysByStatus(ctx context.Context, principal keys.PrincipalID) (map[keys.KeyStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countKeysByStatus(ctx, s.db, principal)
}

func countKeysByStatus(ctx context.Context, q querier, principal keys.PrincipalID) (map[keys.KeyStatus]int, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM assigned_keys
		WHERE principal_id = ?
		GROUP BY status
	`, principal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	defer rows.Close()

	counts := make(map[keys.KeyStatus]int)
	for rows.Next() {
		var status keys.KeyStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) AppendLedger(ctx context.Context, e keys.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLedger(ctx, s.db, e)
}

func appendLedger(ctx context.Context, q querier, e keys.LedgerEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, principal_id, batch_id, quantity, cost, ts, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.PrincipalID, e.BatchID, e.Quantity, e.Cost,
		e.Timestamp.UnixNano(), nullString(e.IdempotencyKey))
	if err != nil {
		if isUniqueConstraintError(err) {
			return keys.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	return nil
}

func (s *Store) LedgerEntries(ctx context.Context, principal keys.PrincipalID) ([]keys.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ledgerEntries(ctx, s.db, principal)
}

func ledgerEntries(ctx context.Context, q querier, principal keys.PrincipalID) ([]keys.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, principal_id, batch_id, quantity, cost, ts, idempotency_key
		FROM ledger_entries
		WHERE principal_id = ?
		ORDER BY ts ASC, id ASC
	`, principal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	defer rows.Close()

	var entries []keys.LedgerEntry
	for rows.Next() {
		var e keys.LedgerEntry
		var ts int64
		var token sql.NullString
		if err := rows.Scan(&e.ID, &e.PrincipalID, &e.BatchID, &e.Quantity, &e.Cost, &ts, &token); err != nil {
			return nil, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
		}
		e.Timestamp = nanoTime(ts)
		e.IdempotencyKey = token.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) IdempotencyKeyExists(ctx context.Context, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return idempotencyKeyExists(ctx, s.db, token)
}

func idempotencyKeyExists(ctx context.Context, q querier, token string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?", token,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	return count > 0, nil
}

// =============================================================================
// TRANSACTIONAL STORE (keys.TxStore interface)
// =============================================================================

// WithTx executes fn within one database transaction; the whole allocate
// flow stays a single short transaction, and a returned error rolls
// everything back.
func (s *Store) WithTx(ctx context.Context, fn func(store keys.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", keys.ErrStorageFailure, err)
	}
	return nil
}

// txStore runs every statement on the open transaction.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) AddEntries(ctx context.Context, entries []keys.PoolEntry) error {
	return addEntries(ctx, ts.tx, entries)
}

func (ts *txStore) ClaimEntries(ctx context.Context, class keys.Class, n int) ([]keys.PoolEntry, error) {
	return claimEntries(ctx, ts.tx, class, n)
}

func (ts *txStore) CountEntries(ctx context.Context, class keys.Class) (int, int, error) {
	return countEntries(ctx, ts.tx, class)
}

func (ts *txStore) GetAccount(ctx context.Context, id keys.PrincipalID) (*keys.CreditAccount, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) PutAccount(ctx context.Context, acct keys.CreditAccount) error {
	return putAccount(ctx, ts.tx, acct)
}

func (ts *txStore) GrantCredits(ctx context.Context, id keys.PrincipalID, amount int64) error {
	return grantCredits(ctx, ts.tx, id, amount)
}

func (ts *txStore) DebitForAssignment(ctx context.Context, id keys.PrincipalID, cost int64, quantity int) error {
	return debitForAssignment(ctx, ts.tx, id, cost, quantity)
}

func (ts *txStore) InsertBatch(ctx context.Context, b keys.GenerationBatch) error {
	return insertBatch(ctx, ts.tx, b)
}

func (ts *txStore) InsertKeys(ctx context.Context, ks []keys.AssignedKey) error {
	return insertKeys(ctx, ts.tx, ks)
}

func (ts *txStore) GetBatch(ctx context.Context, id keys.BatchID) (*keys.GenerationBatch, error) {
	return getBatch(ctx, ts.tx, id)
}

func (ts *txStore) GetKey(ctx context.Context, id keys.KeyID) (*keys.AssignedKey, error) {
	return getKey(ctx, ts.tx, id)
}

func (ts *txStore) ListBatches(ctx context.Context, principal keys.PrincipalID, f keys.BatchFilter) ([]keys.GenerationBatch, error) {
	return listBatches(ctx, ts.tx, principal, f)
}

func (ts *txStore) ListKeys(ctx context.Context, principal keys.PrincipalID, f keys.KeyFilter) ([]keys.AssignedKey, error) {
	return listKeys(ctx, ts.tx, principal, f)
}

func (ts *txStore) ListBatchKeys(ctx context.Context, id keys.BatchID) ([]keys.AssignedKey, error) {
	return listBatchKeys(ctx, ts.tx, id)
}

func (ts *txStore) TransitionKey(ctx context.Context, id keys.KeyID, from, to keys.KeyStatus, at time.Time) error {
	return transitionKey(ctx, ts.tx, id, from, to, at)
}

func (ts *txStore) RevokeBatchKeys(ctx context.Context, id keys.BatchID, at time.Time) (int, error) {
	return revokeBatchKeys(ctx, ts.tx, id)
}

func (ts *txStore) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	return expireDue(ctx, ts.tx, now)
}

func (ts *txStore) CountKeysByStatus(ctx context.Context, principal keys.PrincipalID) (map[keys.KeyStatus]int, error) {
	return countKeysByStatus(ctx, ts.tx, principal)
}

func (ts *txStore) AppendLedger(ctx context.Context, e keys.LedgerEntry) error {
	return appendLedger(ctx, ts.tx, e)
}

func (ts *txStore) LedgerEntries(ctx context.Context, principal keys.PrincipalID) ([]keys.LedgerEntry, error) {
	return ledgerEntries(ctx, ts.tx, principal)
}

func (ts *txStore) IdempotencyKeyExists(ctx context.Context, token string) (bool, error) {
	return idempotencyKeyExists(ctx, ts.tx, token)
}

// =============================================================================
// HELPERS
// =============================================================================

func nanoTime(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
