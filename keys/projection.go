/*
projection.go - Read-only views for dashboards and reporting

PURPOSE:
  Query surface consumed by the HTTP layer: a principal's batches, assigned
  keys, and account summary. Read-only; no new invariants. Undrawn inventory
  (PoolEntry internals) is never exposed through these views - pool stats
  exist only on the admin surface.

SEE ALSO:
  - store.go: Filter and pagination types
  - api/handlers.go: The consumer
*/
package keys

import "context"

// =============================================================================
// PROJECTIONS
// =============================================================================

type Projections struct {
	Store Store
}

func NewProjections(store Store) *Projections {
	return &Projections{Store: store}
}

// Batches lists the principal's generation batches, newest first, optionally
// filtered by class.
func (p *Projections) Batches(ctx context.Context, principal PrincipalID, class *Class, page Page) ([]GenerationBatch, error) {
	if class != nil && !class.Valid() {
		return nil, ErrInvalidClass
	}
	return p.Store.ListBatches(ctx, principal, BatchFilter{Class: class, Page: page.Clamp()})
}

// Keys lists the principal's assigned keys, newest first, with optional
// class/status filters.
func (p *Projections) Keys(ctx context.Context, principal PrincipalID, class *Class, status *KeyStatus, page Page) ([]AssignedKey, error) {
	if class != nil && !class.Valid() {
		return nil, ErrInvalidClass
	}
	return p.Store.ListKeys(ctx, principal, KeyFilter{Class: class, Status: status, Page: page.Clamp()})
}

// BatchWithKeys returns one batch and its keys, ownership-checked.
func (p *Projections) BatchWithKeys(ctx context.Context, principal PrincipalID, id BatchID) (*GenerationBatch, error) {
	b, err := p.Store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil || b.PrincipalID != principal {
		return nil, ErrNotFound
	}
	b.Keys, err = p.Store.ListBatchKeys(ctx, id)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// AccountView is the user-facing account summary. KeysGenerated is derived
// from non-revoked keys, so it shrinks on revocation while LifetimeAssigned
// stays monotone.
type AccountView struct {
	PrincipalID      PrincipalID
	Balance          int64
	LifetimeAssigned int64
	KeysGenerated    int
	ByStatus         map[KeyStatus]int
}

// Account returns the summary, or ErrNotFound for an unknown principal.
func (p *Projections) Account(ctx context.Context, principal PrincipalID) (*AccountView, error) {
	acct, err := p.Store.GetAccount(ctx, principal)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrNotFound
	}
	counts, err := p.Store.CountKeysByStatus(ctx, principal)
	if err != nil {
		return nil, err
	}
	generated := 0
	for status, n := range counts {
		if status != KeyRevoked {
			generated += n
		}
	}
	return &AccountView{
		PrincipalID:      acct.PrincipalID,
		Balance:          acct.Balance,
		LifetimeAssigned: acct.LifetimeAssigned,
		KeysGenerated:    generated,
		ByStatus:         counts,
	}, nil
}

// PoolSummary returns per-class inventory counts. Admin surface only.
func (p *Projections) PoolSummary(ctx context.Context) ([]PoolStats, error) {
	stats := make([]PoolStats, 0, len(Classes))
	for _, class := range Classes {
		available, drawn, err := p.Store.CountEntries(ctx, class)
		if err != nil {
			return nil, err
		}
		stats = append(stats, PoolStats{Class: class, Available: available, Drawn: drawn})
	}
	return stats, nil
}
