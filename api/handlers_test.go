/*
handlers_test.go - HTTP-level tests for the API surface

Tests route the full chi router with an in-memory store, checking both
the success payloads and the mapping from the domain error taxonomy to
HTTP status codes.
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/keyvault/api"
	"github.com/warp/keyvault/keys"
	"github.com/warp/keyvault/keys/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	router http.Handler
	store  *store.TxMemory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewTxMemory()
	source, err := keys.NewFormatSource(keys.DefaultKeyFormat)
	require.NoError(t, err)

	return &testServer{
		router: api.NewRouter(api.NewHandler(mem, source)),
		store:  mem,
	}
}

func (ts *testServer) request(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) seed(t *testing.T, principal string, balance int64, class keys.Class, entries int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ts.store.PutAccount(ctx, keys.CreditAccount{
		PrincipalID: keys.PrincipalID(principal), Balance: balance,
	}))
	if entries > 0 {
		pool := make([]keys.PoolEntry, entries)
		for i := range pool {
			pool[i] = keys.PoolEntry{
				ID:     keys.EntryID(fmt.Sprintf("e-%d", i)),
				Value:  fmt.Sprintf("SEED-%s-%04d", class, i),
				Class:  class,
				Status: keys.EntryAvailable,
			}
		}
		require.NoError(t, ts.store.AddEntries(ctx, pool))
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

// =============================================================================
// ALLOCATION ENDPOINT TESTS
// =============================================================================

func TestAPI_AllocateSuccess(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "acme", 10, keys.ClassPermanent, 5)

	rec := ts.request(t, "POST", "/api/accounts/acme/allocations", api.AllocateRequest{
		Class: "permanent", Quantity: 3, Label: "launch",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	detail := decode[api.BatchDetailDTO](t, rec)
	assert.Equal(t, "acme", detail.Batch.PrincipalID)
	assert.Equal(t, 3, detail.Batch.Size)
	require.Len(t, detail.Keys, 3)
	for _, k := range detail.Keys {
		assert.Equal(t, "active", k.Status)
		assert.NotEmpty(t, k.Value)
		assert.Empty(t, k.ExpiresAt, "permanent keys carry no expiry")
	}
}

func TestAPI_AllocateEphemeralCarriesExpiry(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "acme", 10, keys.ClassEphemeralShort, 2)

	rec := ts.request(t, "POST", "/api/accounts/acme/allocations", api.AllocateRequest{
		Class: "ephemeral-short", Quantity: 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	detail := decode[api.BatchDetailDTO](t, rec)
	require.Len(t, detail.Keys, 1)
	assert.NotEmpty(t, detail.Keys[0].ExpiresAt)
}

func TestAPI_AllocateErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "acme", 2, keys.ClassPermanent, 1)

	cases := []struct {
		name   string
		path   string
		body   api.AllocateRequest
		status int
	}{
		{"zero quantity", "/api/accounts/acme/allocations", api.AllocateRequest{Class: "permanent", Quantity: 0}, http.StatusBadRequest},
		{"bad class", "/api/accounts/acme/allocations", api.AllocateRequest{Class: "yearly", Quantity: 1}, http.StatusBadRequest},
		{"unknown account", "/api/accounts/ghost/allocations", api.AllocateRequest{Class: "permanent", Quantity: 1}, http.StatusNotFound},
		{"insufficient credits", "/api/accounts/acme/allocations", api.AllocateRequest{Class: "permanent", Quantity: 100}, http.StatusConflict},
		{"pool exhausted", "/api/accounts/acme/allocations", api.AllocateRequest{Class: "permanent", Quantity: 2}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.request(t, "POST", tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			resp := decode[api.ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestAPI_AllocateIdempotencyReplayConflicts(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "acme", 10, keys.ClassPermanent, 5)

	body := api.AllocateRequest{Class: "permanent", Quantity: 1}
	first := ts.request(t, "POST", "/api/accounts/acme/allocations", body, "Idempotency-Key", "tok-1")
	require.Equal(t, http.StatusCreated, first.Code)

	replay := ts.request(t, "POST", "/api/accounts/acme/allocations", body, "Idempotency-Key", "tok-1")
	assert.Equal(t, http.StatusConflict, replay.Code)
}

// =============================================================================
// QUERY ENDPOINT TESTS
// =============================================================================

func TestAPI_AccountSummary(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "acme", 10, keys.ClassPermanent, 5)

	alloc := ts.request(t, "POST", "/api/accounts/acme/allocations", api.AllocateRequest{Class: "permanent", Quantity: 4})
	require.Equal(t, http.StatusCreated, alloc.Code)
	batch := decode[api.BatchDetailDTO](t, alloc)

	// Revoke one key, then check the derived counter.
	del := ts.request(t, "DELETE", "/api/accounts/acme/keys/"+batch.Keys[0].ID, nil)
	require.Equal(t, http.StatusOK, del.Code)

	rec := ts.request(t, "GET", "/api/accounts/acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	acct := decode[api.AccountDTO](t, rec)
	assert.EqualValues(t, 6, acct.Balance)
	assert.EqualValues(t, 4, acct.LifetimeAssigned)
	assert.Equal(t, 3, acct.KeysGenerated)
	assert.Equal(t, 1, acct.KeysByStatus["revoked"])
}

func TestAPI_BatchQueriesAndOwnership(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "acme", 10, keys.ClassPermanent, 5)
	ts.seed(t, "rival", 10, keys.ClassPermanent, 0)

	alloc := ts.request(t, "POST", "/api/accounts/acme/allocations", api.AllocateRequest{Class: "permanent", Quantity: 2})
	require.Equal(t, http.StatusCreated, alloc.Code)
	batch := decode[api.BatchDetailDTO](t, alloc)

	list := ts.request(t, "GET", "/api/accounts/acme/batches", nil)
	require.Equal(t, http.StatusOK, list.Code)
	batches := decode[[]api.BatchDTO](t, list)
	require.Len(t, batches, 1)

	get := ts.request(t, "GET", "/api/accounts/acme/batches/"+batch.Batch.ID, nil)
	require.Equal(t, http.StatusOK, get.Code)

	// A foreign batch must look exactly like a missing one.
	foreign := ts.request(t, "GET", "/api/accounts/rival/batches/"+batch.Batch.ID, nil)
	assert.Equal(t, http.StatusNotFound, foreign.Code)

	filtered := ts.request(t, "GET", "/api/accounts/acme/keys?status=active", nil)
	require.Equal(t, http.StatusOK, filtered.Code)
	ks := decode[[]api.KeyDTO](t, filtered)
	assert.Len(t, ks, 2)

	bad := ts.request(t, "GET", "/api/accounts/acme/batches?class=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	badStatus := ts.request(t, "GET", "/api/accounts/acme/keys?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, badStatus.Code, "status filter is a closed set")
}

func TestAPI_Ledger(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "acme", 10, keys.ClassPermanent, 5)

	ts.request(t, "POST", "/api/accounts/acme/allocations", api.AllocateRequest{Class: "permanent", Quantity: 2})
	ts.request(t, "POST", "/api/accounts/acme/allocations", api.AllocateRequest{Class: "permanent", Quantity: 1})

	rec := ts.request(t, "GET", "/api/accounts/acme/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]api.LedgerEntryDTO](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, 2, entries[0].Quantity)
	assert.EqualValues(t, 2, entries[0].Cost)
}

// =============================================================================
// REVOCATION AND CONSUMPTION ENDPOINT TESTS
// =============================================================================

func TestAPI_RevokeBatch(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "acme", 10, keys.ClassPermanent, 5)

	alloc := ts.request(t, "POST", "/api/accounts/acme/allocations", api.AllocateRequest{Class: "permanent", Quantity: 4})
	batch := decode[api.BatchDetailDTO](t, alloc)

	rec := ts.request(t, "DELETE", "/api/accounts/acme/batches/"+batch.Batch.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[api.RevokeResponse](t, rec)
	assert.Equal(t, 4, resp.Revoked)
}

func TestAPI_ConsumeLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "acme", 10, keys.ClassPermanent, 5)

	alloc := ts.request(t, "POST", "/api/accounts/acme/allocations", api.AllocateRequest{Class: "permanent", Quantity: 1})
	batch := decode[api.BatchDetailDTO](t, alloc)
	keyID := batch.Keys[0].ID

	first := ts.request(t, "POST", "/api/keys/"+keyID+"/consume", nil)
	assert.Equal(t, http.StatusNoContent, first.Code)

	second := ts.request(t, "POST", "/api/keys/"+keyID+"/consume", nil)
	assert.Equal(t, http.StatusConflict, second.Code, "double use must be rejected")

	missing := ts.request(t, "POST", "/api/keys/key-missing/consume", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

// =============================================================================
// ADMIN ENDPOINT TESTS
// =============================================================================

func TestAPI_AdminPoolRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	imp := ts.request(t, "POST", "/api/admin/pool/import", api.ImportRequest{
		Class: "ephemeral-long", Values: []string{"EXT-1", "EXT-2"},
	})
	require.Equal(t, http.StatusCreated, imp.Code, imp.Body.String())
	assert.Equal(t, 2, decode[api.ImportResponse](t, imp).Imported)

	rep := ts.request(t, "POST", "/api/admin/pool/replenish", api.ReplenishRequest{
		Class: "permanent", Count: 3,
	})
	require.Equal(t, http.StatusCreated, rep.Code)
	assert.Equal(t, 3, decode[api.ImportResponse](t, rep).Imported)

	stats := ts.request(t, "GET", "/api/admin/pool", nil)
	require.Equal(t, http.StatusOK, stats.Code)
	dtos := decode[[]api.PoolStatsDTO](t, stats)
	byClass := map[string]api.PoolStatsDTO{}
	for _, s := range dtos {
		byClass[s.Class] = s
	}
	assert.Equal(t, 2, byClass["ephemeral-long"].Available)
	assert.Equal(t, 3, byClass["permanent"].Available)

	dup := ts.request(t, "POST", "/api/admin/pool/import", api.ImportRequest{
		Class: "permanent", Values: []string{"EXT-1"},
	})
	assert.Equal(t, http.StatusConflict, dup.Code, "known values are rejected forever")
}

func TestAPI_AdminExpire(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, "POST", "/api/admin/expire", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[api.ExpireResponse](t, rec).Expired)
}

// =============================================================================
// ACCOUNT PROVISIONING ENDPOINT TESTS
// =============================================================================

func TestAPI_CreateAccountAndGrant(t *testing.T) {
	ts := newTestServer(t)

	created := ts.request(t, "POST", "/api/accounts", api.CreateAccountRequest{
		PrincipalID: "acme", InitialCredits: 5,
	})
	require.Equal(t, http.StatusCreated, created.Code)
	assert.EqualValues(t, 5, decode[api.AccountDTO](t, created).Balance)

	granted := ts.request(t, "POST", "/api/accounts/acme/credits", api.GrantCreditsRequest{Amount: 7})
	require.Equal(t, http.StatusOK, granted.Code)
	assert.EqualValues(t, 12, decode[api.AccountDTO](t, granted).Balance)

	bad := ts.request(t, "POST", "/api/accounts/acme/credits", api.GrantCreditsRequest{Amount: -1})
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	ghost := ts.request(t, "POST", "/api/accounts/ghost/credits", api.GrantCreditsRequest{Amount: 1})
	assert.Equal(t, http.StatusNotFound, ghost.Code)
}
