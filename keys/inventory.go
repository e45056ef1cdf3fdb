/*
inventory.go - Pool replenishment and bulk import

PURPOSE:
  The admin-side write path into the pool: generate fresh entries through a
  RandomKeySource, or import externally produced values in bulk. Both paths
  enforce system-wide value uniqueness - a value ever seen, drawn or not,
  is rejected.

SEE ALSO:
  - source.go: Key material generation
  - store.go: AddEntries uniqueness contract
*/
package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// INVENTORY SERVICE
// =============================================================================

type InventoryService struct {
	Store  Store
	Source RandomKeySource
	Now    func() time.Time
}

func NewInventoryService(store Store, source RandomKeySource) *InventoryService {
	return &InventoryService{Store: store, Source: source, Now: time.Now}
}

// replenishRetries bounds collision retries against already-known values.
const replenishRetries = 5

// Replenish generates n new entries for the class. Generated values that
// collide with known ones are regenerated; persistent collisions mean the
// format's keyspace is exhausted and surface as ErrDuplicateValue.
func (is *InventoryService) Replenish(ctx context.Context, class Class, n int) ([]PoolEntry, error) {
	if !class.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidClass, class)
	}
	if n < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, n)
	}

	now := is.Now().UTC()
	added := make([]PoolEntry, 0, n)
	for i := 0; i < n; i++ {
		var entry PoolEntry
		inserted := false
		for attempt := 0; attempt < replenishRetries; attempt++ {
			value, err := is.Source.Generate()
			if err != nil {
				return added, err
			}
			entry = PoolEntry{
				ID:      EntryID(newID("ent")),
				Value:   value,
				Class:   class,
				Status:  EntryAvailable,
				AddedAt: now,
			}
			err = is.Store.AddEntries(ctx, []PoolEntry{entry})
			if errors.Is(err, ErrDuplicateValue) {
				continue
			}
			if err != nil {
				return added, err
			}
			inserted = true
			break
		}
		if !inserted {
			return added, fmt.Errorf("%w: %d consecutive collisions, keyspace likely exhausted",
				ErrDuplicateValue, replenishRetries)
		}
		added = append(added, entry)
	}
	return added, nil
}

// Import adds externally supplied values to the class pool. The whole import
// is rejected if any value is blank, repeated, or already known.
func (is *InventoryService) Import(ctx context.Context, class Class, values []string) ([]PoolEntry, error) {
	if !class.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidClass, class)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: empty import", ErrInvalidQuantity)
	}

	now := is.Now().UTC()
	seen := make(map[string]bool, len(values))
	entries := make([]PoolEntry, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, fmt.Errorf("%w: blank value in import", ErrInvalidValue)
		}
		if seen[v] {
			return nil, fmt.Errorf("%w: %q repeated in import", ErrDuplicateValue, v)
		}
		seen[v] = true
		entries = append(entries, PoolEntry{
			ID:      EntryID(newID("ent")),
			Value:   v,
			Class:   class,
			Status:  EntryAvailable,
			AddedAt: now,
		})
	}
	if err := is.Store.AddEntries(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}
