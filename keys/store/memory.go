/*
Package store provides Store implementations.

The Memory store is the deterministic in-memory implementation used by tests
and dev servers. Two properties matter:

  - The pool is partitioned per class, each partition with its own lock, so
    a draw for one class never blocks a draw for another.
  - TxMemory.WithTx is a journal of compensating actions rather than a global
    snapshot: every write performed inside the unit of work records its undo,
    and an abort replays the undos in reverse. Individual operations stay
    atomic under their own locks, so no lock spans the whole flow.
*/
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/keyvault/keys"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	pools map[keys.Class]*partition

	mu         sync.RWMutex // guards everything below
	accounts   map[keys.PrincipalID]keys.CreditAccount
	batches    map[keys.BatchID]keys.GenerationBatch
	batchOrder []keys.BatchID
	assigned   map[keys.KeyID]keys.AssignedKey
	keyOrder   []keys.KeyID
	ledger     []keys.LedgerEntry
	idemp      map[string]bool
	values     map[string]bool // every value ever admitted, drawn or not
}

// partition holds one class's entries, FIFO by (AddedAt, ID).
type partition struct {
	mu      sync.Mutex
	entries []keys.PoolEntry
}

func NewMemory() *Memory {
	m := &Memory{
		pools:    make(map[keys.Class]*partition, len(keys.Classes)),
		accounts: make(map[keys.PrincipalID]keys.CreditAccount),
		batches:  make(map[keys.BatchID]keys.GenerationBatch),
		assigned: make(map[keys.KeyID]keys.AssignedKey),
		idemp:    make(map[string]bool),
		values:   make(map[string]bool),
	}
	for _, c := range keys.Classes {
		m.pools[c] = &partition{}
	}
	return m
}

func (m *Memory) partitionFor(class keys.Class) (*partition, error) {
	p, ok := m.pools[class]
	if !ok {
		return nil, keys.ErrInvalidClass
	}
	return p, nil
}

// =============================================================================
// POOL
// =============================================================================

func (m *Memory) AddEntries(ctx context.Context, entries []keys.PoolEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Global uniqueness check first, then admit; all under the value lock so
	// two concurrent imports cannot both admit the same value.
	m.mu.Lock()
	for _, e := range entries {
		if m.values[e.Value] {
			m.mu.Unlock()
			return keys.ErrDuplicateValue
		}
	}
	for _, e := range entries {
		m.values[e.Value] = true
	}
	m.mu.Unlock()

	byClass := make(map[keys.Class][]keys.PoolEntry)
	for _, e := range entries {
		byClass[e.Class] = append(byClass[e.Class], e)
	}
	for class, es := range byClass {
		p, err := m.partitionFor(class)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.entries = append(p.entries, es...)
		sort.Slice(p.entries, func(i, j int) bool {
			a, b := p.entries[i], p.entries[j]
			if !a.AddedAt.Equal(b.AddedAt) {
				return a.AddedAt.Before(b.AddedAt)
			}
			return a.ID < b.ID
		})
		p.mu.Unlock()
	}
	return nil
}

func (m *Memory) ClaimEntries(ctx context.Context, class keys.Class, n int) ([]keys.PoolEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := m.partitionFor(class)
	if err != nil {
		return nil, err
	}

	// Select and mark in one critical section: the exactly-once step.
	p.mu.Lock()
	defer p.mu.Unlock()

	var idx []int
	available := 0
	for i := range p.entries {
		if p.entries[i].Status == keys.EntryAvailable {
			available++
			if len(idx) < n {
				idx = append(idx, i)
			}
		}
	}
	if available < n {
		return nil, &keys.InsufficientInventoryError{Class: class, Requested: n, Available: available}
	}

	claimed := make([]keys.PoolEntry, 0, n)
	for _, i := range idx {
		p.entries[i].Status = keys.EntryDrawn
		claimed = append(claimed, p.entries[i])
	}
	return claimed, nil
}

// releaseEntries is the compensating action for ClaimEntries. Internal to
// transaction rollback; revocation never calls this.
func (m *Memory) releaseEntries(class keys.Class, ids []keys.EntryID) {
	p, err := m.partitionFor(class)
	if err != nil {
		return
	}
	set := make(map[keys.EntryID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	p.mu.Lock()
	for i := range p.entries {
		if set[p.entries[i].ID] {
			p.entries[i].Status = keys.EntryAvailable
		}
	}
	p.mu.Unlock()
}

// removeEntries and forgetValues compensate an AddEntries inside an aborted
// unit of work.
func (m *Memory) removeEntries(class keys.Class, ids []keys.EntryID) {
	p, err := m.partitionFor(class)
	if err != nil {
		return
	}
	set := make(map[keys.EntryID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	p.mu.Lock()
	kept := p.entries[:0]
	for _, e := range p.entries {
		if !set[e.ID] {
			kept = append(kept, e)
		}
	}
	p.entries = kept
	p.mu.Unlock()
}

func (m *Memory) forgetValues(values []string) {
	m.mu.Lock()
	for _, v := range values {
		delete(m.values, v)
	}
	m.mu.Unlock()
}

func (m *Memory) CountEntries(ctx context.Context, class keys.Class) (int, int, error) {
	p, err := m.partitionFor(class)
	if err != nil {
		return 0, 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	available, drawn := 0, 0
	for i := range p.entries {
		if p.entries[i].Status == keys.EntryAvailable {
			available++
		} else {
			drawn++
		}
	}
	return available, drawn, nil
}

// =============================================================================
// CREDIT ACCOUNTS
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, id keys.PrincipalID) (*keys.CreditAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	out := acct
	return &out, nil
}

func (m *Memory) PutAccount(ctx context.Context, acct keys.CreditAccount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.PrincipalID] = acct
	return nil
}

func (m *Memory) GrantCredits(ctx context.Context, id keys.PrincipalID, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return keys.ErrNotFound
	}
	acct.Balance += amount
	m.accounts[id] = acct
	return nil
}

func (m *Memory) DebitForAssignment(ctx context.Context, id keys.PrincipalID, cost int64, quantity int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return keys.ErrNotFound
	}
	// The conditional write: re-check under the lock, never go negative.
	if acct.Balance < cost {
		return keys.ErrInsufficientCredits
	}
	acct.Balance -= cost
	acct.LifetimeAssigned += int64(quantity)
	m.accounts[id] = acct
	return nil
}

// creditBack is the compensating action for DebitForAssignment.
func (m *Memory) creditBack(id keys.PrincipalID, cost int64, quantity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return
	}
	acct.Balance += cost
	acct.LifetimeAssigned -= int64(quantity)
	m.accounts[id] = acct
}

// =============================================================================
// BATCHES AND ASSIGNED KEYS
// =============================================================================

func (m *Memory) InsertBatch(ctx context.Context, b keys.GenerationBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b.Keys = nil // keys live in their own map
	m.batches[b.ID] = b
	m.batchOrder = append(m.batchOrder, b.ID)
	return nil
}

func (m *Memory) InsertKeys(ctx context.Context, ks []keys.AssignedKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range ks {
		m.assigned[k.ID] = k
		m.keyOrder = append(m.keyOrder, k.ID)
	}
	return nil
}

func (m *Memory) deleteBatch(id keys.BatchID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.batches, id)
	for i, b := range m.batchOrder {
		if b == id {
			m.batchOrder = append(m.batchOrder[:i], m.batchOrder[i+1:]...)
			break
		}
	}
}

func (m *Memory) deleteKeys(ids []keys.KeyID) {
	set := make(map[keys.KeyID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var order []keys.KeyID
	for _, id := range m.keyOrder {
		if set[id] {
			delete(m.assigned, id)
			continue
		}
		order = append(order, id)
	}
	m.keyOrder = order
}

func (m *Memory) GetBatch(_ context.Context, id keys.BatchID) (*keys.GenerationBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, nil
	}
	out := b
	return &out, nil
}

func (m *Memory) GetKey(_ context.Context, id keys.KeyID) (*keys.AssignedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.assigned[id]
	if !ok {
		return nil, nil
	}
	out := k
	return &out, nil
}

func (m *Memory) ListBatches(_ context.Context, principal keys.PrincipalID, f keys.BatchFilter) ([]keys.GenerationBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []keys.GenerationBatch
	for i := len(m.batchOrder) - 1; i >= 0; i-- { // newest first
		b := m.batches[m.batchOrder[i]]
		if b.PrincipalID != principal {
			continue
		}
		if f.Class != nil && b.Class != *f.Class {
			continue
		}
		all = append(all, b)
	}
	return paginate(all, f.Page), nil
}

func (m *Memory) ListKeys(_ context.Context, principal keys.PrincipalID, f keys.KeyFilter) ([]keys.AssignedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []keys.AssignedKey
	for i := len(m.keyOrder) - 1; i >= 0; i-- { // newest first
		k := m.assigned[m.keyOrder[i]]
		if k.PrincipalID != principal {
			continue
		}
		if f.Class != nil && k.Class != *f.Class {
			continue
		}
		if f.Status != nil && k.Status != *f.Status {
			continue
		}
		all = append(all, k)
	}
	return paginate(all, f.Page), nil
}

func (m *Memory) ListBatchKeys(_ context.Context, id keys.BatchID) ([]keys.AssignedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []keys.AssignedKey
	for _, kid := range m.keyOrder { // oldest first
		k := m.assigned[kid]
		if k.BatchID == id {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *Memory) TransitionKey(ctx context.Context, id keys.KeyID, from, to keys.KeyStatus, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.assigned[id]
	if !ok {
		return keys.ErrNotFound
	}
	if k.Status != from {
		return keys.ErrConcurrentModification
	}
	k.Status = to
	if to == keys.KeyConsumed {
		t := at
		k.ConsumedAt = &t
	}
	m.assigned[id] = k
	return nil
}

func (m *Memory) RevokeBatchKeys(ctx context.Context, id keys.BatchID, _ time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for kid, k := range m.assigned {
		if k.BatchID != id || k.Status == keys.KeyRevoked {
			continue
		}
		k.Status = keys.KeyRevoked
		m.assigned[kid] = k
		count++
	}
	return count, nil
}

// restoreKeyStatuses is the compensating action for status transitions.
func (m *Memory) restoreKeyStatuses(prev map[keys.KeyID]keys.AssignedKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, k := range prev {
		if _, ok := m.assigned[id]; ok {
			m.assigned[id] = k
		}
	}
}

func (m *Memory) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, k := range m.assigned {
		if k.Expired(now) {
			k.Status = keys.KeyExpired
			m.assigned[id] = k
			count++
		}
	}
	return count, nil
}

func (m *Memory) CountKeysByStatus(_ context.Context, principal keys.PrincipalID) (map[keys.KeyStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[keys.KeyStatus]int)
	for _, k := range m.assigned {
		if k.PrincipalID == principal {
			counts[k.Status]++
		}
	}
	return counts, nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (m *Memory) AppendLedger(ctx context.Context, e keys.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.IdempotencyKey != "" && m.idemp[e.IdempotencyKey] {
		return keys.ErrDuplicateIdempotencyKey
	}
	m.ledger = append(m.ledger, e)
	if e.IdempotencyKey != "" {
		m.idemp[e.IdempotencyKey] = true
	}
	return nil
}

// dropLedger is the compensating action for AppendLedger.
func (m *Memory) dropLedger(id keys.LedgerEntryID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.ledger {
		if e.ID == id {
			if e.IdempotencyKey != "" {
				delete(m.idemp, e.IdempotencyKey)
			}
			m.ledger = append(m.ledger[:i], m.ledger[i+1:]...)
			return
		}
	}
}

func (m *Memory) LedgerEntries(_ context.Context, principal keys.PrincipalID) ([]keys.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []keys.LedgerEntry
	for _, e := range m.ledger {
		if e.PrincipalID == principal {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) IdempotencyKeyExists(_ context.Context, token string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idemp[token], nil
}

func paginate[T any](all []T, p keys.Page) []T {
	p = p.Clamp()
	off := p.Offset()
	if off >= len(all) {
		return nil
	}
	end := off + p.Size
	if end > len(all) {
		end = len(all)
	}
	out := make([]T, end-off)
	copy(out, all[off:end])
	return out
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE - Compensating-action journal
// =============================================================================

// TxMemory adds the all-or-nothing unit of work on top of Memory. Instead of
// snapshotting the whole store under one big lock, every write inside the
// unit records its undo; an abort replays the undos newest-first. Individual
// operations keep their own fine-grained locks, so contention stays scoped
// per class and per account.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

func (tm *TxMemory) WithTx(ctx context.Context, fn func(keys.Store) error) error {
	view := &txView{parent: tm.Memory}
	if err := fn(view); err != nil {
		view.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		// Caller gave up before commit: undo everything.
		view.rollback()
		return err
	}
	return nil
}

// txView delegates to the parent store and journals compensating actions.
type txView struct {
	parent *Memory
	undo   []func()
}

func (tv *txView) rollback() {
	for i := len(tv.undo) - 1; i >= 0; i-- {
		tv.undo[i]()
	}
	tv.undo = nil
}

func (tv *txView) AddEntries(ctx context.Context, entries []keys.PoolEntry) error {
	if err := tv.parent.AddEntries(ctx, entries); err != nil {
		return err
	}
	byClass := make(map[keys.Class][]keys.EntryID)
	values := make([]string, 0, len(entries))
	for _, e := range entries {
		byClass[e.Class] = append(byClass[e.Class], e.ID)
		values = append(values, e.Value)
	}
	tv.undo = append(tv.undo, func() {
		for class, ids := range byClass {
			tv.parent.removeEntries(class, ids)
		}
		tv.parent.forgetValues(values)
	})
	return nil
}

func (tv *txView) ClaimEntries(ctx context.Context, class keys.Class, n int) ([]keys.PoolEntry, error) {
	claimed, err := tv.parent.ClaimEntries(ctx, class, n)
	if err != nil {
		return nil, err
	}
	ids := make([]keys.EntryID, len(claimed))
	for i, e := range claimed {
		ids[i] = e.ID
	}
	tv.undo = append(tv.undo, func() { tv.parent.releaseEntries(class, ids) })
	return claimed, nil
}

func (tv *txView) InsertBatch(ctx context.Context, b keys.GenerationBatch) error {
	if err := tv.parent.InsertBatch(ctx, b); err != nil {
		return err
	}
	tv.undo = append(tv.undo, func() { tv.parent.deleteBatch(b.ID) })
	return nil
}

func (tv *txView) InsertKeys(ctx context.Context, ks []keys.AssignedKey) error {
	if err := tv.parent.InsertKeys(ctx, ks); err != nil {
		return err
	}
	ids := make([]keys.KeyID, len(ks))
	for i, k := range ks {
		ids[i] = k.ID
	}
	tv.undo = append(tv.undo, func() { tv.parent.deleteKeys(ids) })
	return nil
}

func (tv *txView) DebitForAssignment(ctx context.Context, id keys.PrincipalID, cost int64, quantity int) error {
	if err := tv.parent.DebitForAssignment(ctx, id, cost, quantity); err != nil {
		return err
	}
	tv.undo = append(tv.undo, func() { tv.parent.creditBack(id, cost, quantity) })
	return nil
}

func (tv *txView) AppendLedger(ctx context.Context, e keys.LedgerEntry) error {
	if err := tv.parent.AppendLedger(ctx, e); err != nil {
		return err
	}
	tv.undo = append(tv.undo, func() { tv.parent.dropLedger(e.ID) })
	return nil
}

func (tv *txView) TransitionKey(ctx context.Context, id keys.KeyID, from, to keys.KeyStatus, at time.Time) error {
	prev, err := tv.parent.GetKey(ctx, id)
	if err != nil {
		return err
	}
	if err := tv.parent.TransitionKey(ctx, id, from, to, at); err != nil {
		return err
	}
	if prev != nil {
		snapshot := map[keys.KeyID]keys.AssignedKey{id: *prev}
		tv.undo = append(tv.undo, func() { tv.parent.restoreKeyStatuses(snapshot) })
	}
	return nil
}

func (tv *txView) RevokeBatchKeys(ctx context.Context, id keys.BatchID, at time.Time) (int, error) {
	before, err := tv.parent.ListBatchKeys(ctx, id)
	if err != nil {
		return 0, err
	}
	count, err := tv.parent.RevokeBatchKeys(ctx, id, at)
	if err != nil {
		return 0, err
	}
	snapshot := make(map[keys.KeyID]keys.AssignedKey, len(before))
	for _, k := range before {
		snapshot[k.ID] = k
	}
	tv.undo = append(tv.undo, func() { tv.parent.restoreKeyStatuses(snapshot) })
	return count, nil
}

// Reads and remaining writes pass straight through.

func (tv *txView) CountEntries(ctx context.Context, class keys.Class) (int, int, error) {
	return tv.parent.CountEntries(ctx, class)
}
func (tv *txView) GetAccount(ctx context.Context, id keys.PrincipalID) (*keys.CreditAccount, error) {
	return tv.parent.GetAccount(ctx, id)
}
func (tv *txView) PutAccount(ctx context.Context, acct keys.CreditAccount) error {
	return tv.parent.PutAccount(ctx, acct)
}
func (tv *txView) GrantCredits(ctx context.Context, id keys.PrincipalID, amount int64) error {
	return tv.parent.GrantCredits(ctx, id, amount)
}
func (tv *txView) GetBatch(ctx context.Context, id keys.BatchID) (*keys.GenerationBatch, error) {
	return tv.parent.GetBatch(ctx, id)
}
func (tv *txView) GetKey(ctx context.Context, id keys.KeyID) (*keys.AssignedKey, error) {
	return tv.parent.GetKey(ctx, id)
}
func (tv *txView) ListBatches(ctx context.Context, principal keys.PrincipalID, f keys.BatchFilter) ([]keys.GenerationBatch, error) {
	return tv.parent.ListBatches(ctx, principal, f)
}
func (tv *txView) ListKeys(ctx context.Context, principal keys.PrincipalID, f keys.KeyFilter) ([]keys.AssignedKey, error) {
	return tv.parent.ListKeys(ctx, principal, f)
}
func (tv *txView) ListBatchKeys(ctx context.Context, id keys.BatchID) ([]keys.AssignedKey, error) {
	return tv.parent.ListBatchKeys(ctx, id)
}
func (tv *txView) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	return tv.parent.ExpireDue(ctx, now)
}
func (tv *txView) CountKeysByStatus(ctx context.Context, principal keys.PrincipalID) (map[keys.KeyStatus]int, error) {
	return tv.parent.CountKeysByStatus(ctx, principal)
}
func (tv *txView) LedgerEntries(ctx context.Context, principal keys.PrincipalID) ([]keys.LedgerEntry, error) {
	return tv.parent.LedgerEntries(ctx, principal)
}
func (tv *txView) IdempotencyKeyExists(ctx context.Context, token string) (bool, error) {
	return tv.parent.IdempotencyKeyExists(ctx, token)
}
