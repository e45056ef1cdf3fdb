package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/keyvault/keys"
	"github.com/warp/keyvault/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func stockPool(t *testing.T, s *sqlite.Store, class keys.Class, n int) []keys.PoolEntry {
	t.Helper()
	base := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	entries := make([]keys.PoolEntry, n)
	for i := range entries {
		entries[i] = keys.PoolEntry{
			ID:      keys.EntryID(fmt.Sprintf("e-%s-%d", class, i)),
			Value:   fmt.Sprintf("VAL-%s-%04d", class, i),
			Class:   class,
			Status:  keys.EntryAvailable,
			AddedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
	require.NoError(t, s.AddEntries(context.Background(), entries))
	return entries
}

// =============================================================================
// POOL TESTS
// =============================================================================

func TestSQLite_ClaimEntriesFIFO(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seeded := stockPool(t, s, keys.ClassPermanent, 5)

	claimed, err := s.ClaimEntries(ctx, keys.ClassPermanent, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	for i := 0; i < 3; i++ {
		assert.Equal(t, seeded[i].Value, claimed[i].Value, "FIFO order at position %d", i)
		assert.Equal(t, keys.EntryDrawn, claimed[i].Status)
	}

	available, drawn, err := s.CountEntries(ctx, keys.ClassPermanent)
	require.NoError(t, err)
	assert.Equal(t, 2, available)
	assert.Equal(t, 3, drawn)
}

func TestSQLite_ClaimEntriesShortage(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	stockPool(t, s, keys.ClassEphemeralShort, 2)

	_, err := s.ClaimEntries(ctx, keys.ClassEphemeralShort, 5)
	var inventory *keys.InsufficientInventoryError
	require.ErrorAs(t, err, &inventory)
	assert.Equal(t, 2, inventory.Available)
	assert.Equal(t, 5, inventory.Requested)

	available, drawn, err := s.CountEntries(ctx, keys.ClassEphemeralShort)
	require.NoError(t, err)
	assert.Equal(t, 2, available, "shortage must not claim a partial set")
	assert.Equal(t, 0, drawn)
}

func TestSQLite_ValueUniquenessIsPermanent(t *testing.T) {
	// Even after a value is drawn, re-adding it must fail: pool rows are
	// never deleted, so the UNIQUE index spans past and present.
	ctx := context.Background()
	s := newStore(t)
	stockPool(t, s, keys.ClassPermanent, 1)

	_, err := s.ClaimEntries(ctx, keys.ClassPermanent, 1)
	require.NoError(t, err)

	err = s.AddEntries(ctx, []keys.PoolEntry{{
		ID: "e-dup", Value: "VAL-permanent-0000", Class: keys.ClassEphemeralLong,
		Status: keys.EntryAvailable, AddedAt: time.Now(),
	}})
	require.ErrorIs(t, err, keys.ErrDuplicateValue)
}

// =============================================================================
// ACCOUNT TESTS
// =============================================================================

func TestSQLite_DebitForAssignment(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.PutAccount(ctx, keys.CreditAccount{PrincipalID: "p", Balance: 3}))

	require.NoError(t, s.DebitForAssignment(ctx, "p", 2, 2))
	require.ErrorIs(t, s.DebitForAssignment(ctx, "p", 2, 2), keys.ErrInsufficientCredits)
	require.ErrorIs(t, s.DebitForAssignment(ctx, "ghost", 1, 1), keys.ErrNotFound)

	acct, err := s.GetAccount(ctx, "p")
	require.NoError(t, err)
	assert.EqualValues(t, 1, acct.Balance)
	assert.EqualValues(t, 2, acct.LifetimeAssigned)
}

func TestSQLite_GrantCredits(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.PutAccount(ctx, keys.CreditAccount{PrincipalID: "p", Balance: 1}))

	require.NoError(t, s.GrantCredits(ctx, "p", 9))
	require.ErrorIs(t, s.GrantCredits(ctx, "ghost", 9), keys.ErrNotFound)

	acct, err := s.GetAccount(ctx, "p")
	require.NoError(t, err)
	assert.EqualValues(t, 10, acct.Balance)
}

// =============================================================================
// KEY LIFECYCLE TESTS
// =============================================================================

func seedBatch(t *testing.T, s *sqlite.Store, principal keys.PrincipalID, class keys.Class, n int) keys.GenerationBatch {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	b := keys.GenerationBatch{
		ID: keys.BatchID(fmt.Sprintf("b-%s-%d", principal, n)), PrincipalID: principal,
		Class: class, CreatedAt: now, Size: n,
	}
	require.NoError(t, s.InsertBatch(ctx, b))
	for i := 0; i < n; i++ {
		b.Keys = append(b.Keys, keys.AssignedKey{
			ID:          keys.KeyID(fmt.Sprintf("k-%s-%d", b.ID, i)),
			PrincipalID: principal,
			Value:       fmt.Sprintf("KV-%s-%d", b.ID, i),
			Class:       class,
			Status:      keys.KeyActive,
			BatchID:     b.ID,
			AssignedAt:  now,
		})
	}
	require.NoError(t, s.InsertKeys(ctx, b.Keys))
	return b
}

func TestSQLite_TransitionKeyCAS(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	b := seedBatch(t, s, "p", keys.ClassPermanent, 1)
	id := b.Keys[0].ID
	now := time.Date(2026, time.March, 11, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.TransitionKey(ctx, id, keys.KeyActive, keys.KeyConsumed, now))

	k, err := s.GetKey(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, keys.KeyConsumed, k.Status)
	require.NotNil(t, k.ConsumedAt)
	assert.True(t, k.ConsumedAt.Equal(now))

	err = s.TransitionKey(ctx, id, keys.KeyActive, keys.KeyRevoked, now)
	require.ErrorIs(t, err, keys.ErrConcurrentModification)

	err = s.TransitionKey(ctx, "k-missing", keys.KeyActive, keys.KeyRevoked, now)
	require.ErrorIs(t, err, keys.ErrNotFound)
}

func TestSQLite_RevokeBatchKeys(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	b := seedBatch(t, s, "p", keys.ClassPermanent, 4)

	n, err := s.RevokeBatchKeys(ctx, b.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = s.RevokeBatchKeys(ctx, b.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "replay touches nothing")

	ks, err := s.ListBatchKeys(ctx, b.ID)
	require.NoError(t, err)
	for _, k := range ks {
		assert.Equal(t, keys.KeyRevoked, k.Status)
	}
}

func TestSQLite_ExpireDue(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	short := seedBatch(t, s, "p", keys.ClassEphemeralShort, 2)
	permanent := seedBatch(t, s, "p", keys.ClassPermanent, 1)

	// 48h past a 24h validity window.
	sweepAt := short.Keys[0].AssignedAt.Add(48 * time.Hour)
	n, err := s.ExpireDue(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, k := range short.Keys {
		got, err := s.GetKey(ctx, k.ID)
		require.NoError(t, err)
		assert.Equal(t, keys.KeyExpired, got.Status)
	}
	got, err := s.GetKey(ctx, permanent.Keys[0].ID)
	require.NoError(t, err)
	assert.Equal(t, keys.KeyActive, got.Status, "permanent keys never expire")

	n, err = s.ExpireDue(ctx, sweepAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "sweep is idempotent")
}

func TestSQLite_SubSecondTimestampOrdering(t *testing.T) {
	// Two keys assigned 20ms apart inside one second. Text timestamps with
	// trimmed fractional seconds mis-order here (".5Z" sorts after ".52Z"),
	// so both the expiry cutoff and the listing order must be compared on
	// the integer nanos actually stored.
	ctx := context.Background()
	s := newStore(t)
	base := time.Date(2026, time.April, 1, 8, 0, 0, 0, time.UTC)
	early := base.Add(500 * time.Millisecond)
	late := base.Add(520 * time.Millisecond)

	b := keys.GenerationBatch{
		ID: "b-subsec", PrincipalID: "p", Class: keys.ClassEphemeralShort,
		CreatedAt: base, Size: 2,
	}
	require.NoError(t, s.InsertBatch(ctx, b))
	require.NoError(t, s.InsertKeys(ctx, []keys.AssignedKey{
		{ID: "k-early", PrincipalID: "p", Value: "KV-early", Class: keys.ClassEphemeralShort,
			Status: keys.KeyActive, BatchID: b.ID, AssignedAt: early},
		{ID: "k-late", PrincipalID: "p", Value: "KV-late", Class: keys.ClassEphemeralShort,
			Status: keys.KeyActive, BatchID: b.ID, AssignedAt: late},
	}))

	// Cutoff lands between the two assignment instants.
	validity, ok := keys.ClassEphemeralShort.Validity()
	require.True(t, ok)
	n, err := s.ExpireDue(ctx, early.Add(validity).Add(10*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the earlier key is past its window")

	got, err := s.GetKey(ctx, "k-early")
	require.NoError(t, err)
	assert.Equal(t, keys.KeyExpired, got.Status)
	got, err = s.GetKey(ctx, "k-late")
	require.NoError(t, err)
	assert.Equal(t, keys.KeyActive, got.Status)

	listed, err := s.ListKeys(ctx, "p", keys.KeyFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, keys.KeyID("k-late"), listed[0].ID, "newest assignment first")
}

func TestSQLite_ListKeysFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	b := seedBatch(t, s, "p", keys.ClassPermanent, 5)
	require.NoError(t, s.TransitionKey(ctx, b.Keys[0].ID, keys.KeyActive, keys.KeyConsumed, time.Now().UTC()))

	consumed := keys.KeyConsumed
	got, err := s.ListKeys(ctx, "p", keys.KeyFilter{Status: &consumed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.Keys[0].ID, got[0].ID)

	page1, err := s.ListKeys(ctx, "p", keys.KeyFilter{Page: keys.Page{Number: 1, Size: 3}})
	require.NoError(t, err)
	page2, err := s.ListKeys(ctx, "p", keys.KeyFilter{Page: keys.Page{Number: 2, Size: 3}})
	require.NoError(t, err)
	assert.Len(t, page1, 3)
	assert.Len(t, page2, 2)
}

// =============================================================================
// LEDGER TESTS
// =============================================================================

func TestSQLite_LedgerIdempotencyUnique(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.AppendLedger(ctx, keys.LedgerEntry{
		ID: "l-1", PrincipalID: "p", BatchID: "b-1", Quantity: 1, Cost: 1,
		Timestamp: now, IdempotencyKey: "tok",
	}))
	err := s.AppendLedger(ctx, keys.LedgerEntry{
		ID: "l-2", PrincipalID: "p", BatchID: "b-2", Quantity: 1, Cost: 1,
		Timestamp: now, IdempotencyKey: "tok",
	})
	require.ErrorIs(t, err, keys.ErrDuplicateIdempotencyKey)

	exists, err := s.IdempotencyKeyExists(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, exists)

	// Entries without a token never collide with each other.
	require.NoError(t, s.AppendLedger(ctx, keys.LedgerEntry{
		ID: "l-3", PrincipalID: "p", BatchID: "b-3", Quantity: 1, Cost: 1, Timestamp: now,
	}))
	require.NoError(t, s.AppendLedger(ctx, keys.LedgerEntry{
		ID: "l-4", PrincipalID: "p", BatchID: "b-4", Quantity: 1, Cost: 1, Timestamp: now,
	}))
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestSQLite_WithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	stockPool(t, s, keys.ClassPermanent, 3)
	require.NoError(t, s.PutAccount(ctx, keys.CreditAccount{PrincipalID: "p", Balance: 5}))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx keys.Store) error {
		if _, err := tx.ClaimEntries(ctx, keys.ClassPermanent, 2); err != nil {
			return err
		}
		if err := tx.DebitForAssignment(ctx, "p", 2, 2); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	available, drawn, err := s.CountEntries(ctx, keys.ClassPermanent)
	require.NoError(t, err)
	assert.Equal(t, 3, available)
	assert.Equal(t, 0, drawn)

	acct, err := s.GetAccount(ctx, "p")
	require.NoError(t, err)
	assert.EqualValues(t, 5, acct.Balance)
}

func TestSQLite_WithTxCommits(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	stockPool(t, s, keys.ClassPermanent, 3)

	err := s.WithTx(ctx, func(tx keys.Store) error {
		_, err := tx.ClaimEntries(ctx, keys.ClassPermanent, 1)
		return err
	})
	require.NoError(t, err)

	available, drawn, err := s.CountEntries(ctx, keys.ClassPermanent)
	require.NoError(t, err)
	assert.Equal(t, 2, available)
	assert.Equal(t, 1, drawn)
}

// The allocation engine against the real store: one end-to-end pass.
func TestSQLite_EndToEndAllocate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	stockPool(t, s, keys.ClassPermanent, 5)
	require.NoError(t, s.PutAccount(ctx, keys.CreditAccount{PrincipalID: "acme", Balance: 10}))

	engine := keys.NewAllocationEngine(s)
	batch, err := engine.Allocate(ctx, keys.AllocateInput{
		PrincipalID: "acme", Class: keys.ClassPermanent, Quantity: 3, Label: "retail",
	})
	require.NoError(t, err)
	require.Len(t, batch.Keys, 3)

	acct, err := s.GetAccount(ctx, "acme")
	require.NoError(t, err)
	assert.EqualValues(t, 7, acct.Balance)

	ledger, err := s.LedgerEntries(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, batch.ID, ledger[0].BatchID)

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Size)
}
