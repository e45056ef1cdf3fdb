package keys_test

import (
	"context"
	"errors"
	"testing"

	"github.com/warp/keyvault/keys"
)

// =============================================================================
// ACCOUNT VIEW TESTS
// =============================================================================

func TestAccountView_KeysGeneratedShrinksOnRevocation(t *testing.T) {
	// GIVEN: 5 assigned keys
	// WHEN: A batch of 2 is revoked
	// THEN: KeysGenerated drops to 3 while LifetimeAssigned stays at 5

	ctx := context.Background()
	f := newFixture(t)
	projections := keys.NewProjections(f.store)

	f.allocate(t, keys.ClassPermanent, 3)
	doomed := f.allocate(t, keys.ClassPermanent, 2)

	view, err := projections.Account(ctx, "acme")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if view.KeysGenerated != 5 || view.LifetimeAssigned != 5 {
		t.Fatalf("expected 5/5, got generated=%d lifetime=%d", view.KeysGenerated, view.LifetimeAssigned)
	}

	if _, err := f.revocation.RevokeBatch(ctx, "acme", doomed.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	view, err = projections.Account(ctx, "acme")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if view.KeysGenerated != 3 {
		t.Errorf("expected generated 3 after revocation, got %d", view.KeysGenerated)
	}
	if view.LifetimeAssigned != 5 {
		t.Errorf("lifetime assigned must not shrink, got %d", view.LifetimeAssigned)
	}
	if view.ByStatus[keys.KeyRevoked] != 2 || view.ByStatus[keys.KeyActive] != 3 {
		t.Errorf("status counts off: %v", view.ByStatus)
	}
}

func TestAccountView_UnknownPrincipal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	projections := keys.NewProjections(f.store)

	_, err := projections.Account(ctx, "ghost")
	if !errors.Is(err, keys.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// =============================================================================
// BATCH AND KEY QUERY TESTS
// =============================================================================

func TestBatches_NewestFirstAndFiltered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	projections := keys.NewProjections(f.store)

	f.allocate(t, keys.ClassPermanent, 1)
	f.allocate(t, keys.ClassEphemeralShort, 1)
	last := f.allocate(t, keys.ClassPermanent, 1)

	all, err := projections.Batches(ctx, "acme", nil, keys.Page{})
	if err != nil {
		t.Fatalf("batches: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(all))
	}
	if all[0].ID != last.ID {
		t.Errorf("expected newest batch first, got %s", all[0].ID)
	}

	permanent := keys.ClassPermanent
	filtered, err := projections.Batches(ctx, "acme", &permanent, keys.Page{})
	if err != nil {
		t.Fatalf("filtered batches: %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("expected 2 permanent batches, got %d", len(filtered))
	}
	for _, b := range filtered {
		if b.Class != keys.ClassPermanent {
			t.Errorf("filter leaked class %s", b.Class)
		}
	}
}

func TestBatches_InvalidClassFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	projections := keys.NewProjections(f.store)

	bogus := keys.Class("bogus")
	_, err := projections.Batches(ctx, "acme", &bogus, keys.Page{})
	if !errors.Is(err, keys.ErrInvalidClass) {
		t.Fatalf("expected ErrInvalidClass, got %v", err)
	}
}

func TestKeys_StatusFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	projections := keys.NewProjections(f.store)

	batch := f.allocate(t, keys.ClassPermanent, 3)
	if err := f.revocation.MarkConsumed(ctx, batch.Keys[0].ID); err != nil {
		t.Fatalf("consume: %v", err)
	}

	consumed := keys.KeyConsumed
	got, err := projections.Keys(ctx, "acme", nil, &consumed, keys.Page{})
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(got) != 1 || got[0].ID != batch.Keys[0].ID {
		t.Fatalf("expected the one consumed key, got %d", len(got))
	}
}

func TestBatchWithKeys_OwnershipIsEnforced(t *testing.T) {
	// GIVEN: A batch owned by acme
	// WHEN: Another principal reads it
	// THEN: NotFound, same as a genuinely missing batch

	ctx := context.Background()
	f := newFixture(t)
	projections := keys.NewProjections(f.store)
	batch := f.allocate(t, keys.ClassPermanent, 2)

	got, err := projections.BatchWithKeys(ctx, "acme", batch.ID)
	if err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if len(got.Keys) != 2 {
		t.Errorf("expected 2 keys, got %d", len(got.Keys))
	}

	if _, err := projections.BatchWithKeys(ctx, "rival", batch.ID); !errors.Is(err, keys.ErrNotFound) {
		t.Errorf("foreign read: expected ErrNotFound, got %v", err)
	}
	if _, err := projections.BatchWithKeys(ctx, "acme", "batch-none"); !errors.Is(err, keys.ErrNotFound) {
		t.Errorf("missing read: expected ErrNotFound, got %v", err)
	}
}

func TestKeys_Pagination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	projections := keys.NewProjections(f.store)

	f.allocate(t, keys.ClassPermanent, 5)

	first, err := projections.Keys(ctx, "acme", nil, nil, keys.Page{Number: 1, Size: 2})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	second, err := projections.Keys(ctx, "acme", nil, nil, keys.Page{Number: 2, Size: 2})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	third, err := projections.Keys(ctx, "acme", nil, nil, keys.Page{Number: 3, Size: 2})
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}

	if len(first) != 2 || len(second) != 2 || len(third) != 1 {
		t.Fatalf("page sizes: %d, %d, %d", len(first), len(second), len(third))
	}

	seen := map[keys.KeyID]bool{}
	for _, page := range [][]keys.AssignedKey{first, second, third} {
		for _, k := range page {
			if seen[k.ID] {
				t.Errorf("key %s appeared on two pages", k.ID)
			}
			seen[k.ID] = true
		}
	}
}

// =============================================================================
// POOL SUMMARY TESTS
// =============================================================================

func TestPoolSummary_CoversEveryClass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	projections := keys.NewProjections(f.store)

	f.allocate(t, keys.ClassEphemeralShort, 4)

	stats, err := projections.PoolSummary(ctx)
	if err != nil {
		t.Fatalf("pool summary: %v", err)
	}
	if len(stats) != len(keys.Classes) {
		t.Fatalf("expected %d classes, got %d", len(keys.Classes), len(stats))
	}
	for _, s := range stats {
		want := 20
		drawn := 0
		if s.Class == keys.ClassEphemeralShort {
			want, drawn = 16, 4
		}
		if s.Available != want || s.Drawn != drawn {
			t.Errorf("class %s: available=%d drawn=%d", s.Class, s.Available, s.Drawn)
		}
	}
}
