/*
handlers.go - HTTP API handlers for the key allocation engine

PURPOSE:
  Exposes the allocation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                       Provision a credit account
    GET    /api/accounts/{id}                  Account summary
    POST   /api/accounts/{id}/credits          Grant credits
    GET    /api/accounts/{id}/ledger           Audit trail

  Allocation:
    POST   /api/accounts/{id}/allocations      Generate keys (atomic draw)
    GET    /api/accounts/{id}/batches          List batches
    GET    /api/accounts/{id}/batches/{bid}    Batch with its keys
    GET    /api/accounts/{id}/keys             List keys

  Revocation:
    DELETE /api/accounts/{id}/batches/{bid}    Revoke a whole batch
    DELETE /api/accounts/{id}/keys/{kid}       Revoke one key

  Redemption:
    POST   /api/keys/{kid}/consume             Mark a key consumed

  Admin:
    GET    /api/admin/pool                     Pool inventory levels
    POST   /api/admin/pool/replenish           Mint fresh inventory
    POST   /api/admin/pool/import              Import external values
    POST   /api/admin/expire                   Run the expiry sweep

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Engine: atomic allocation
  - Revocation, Projections, Inventory, Accounts: domain services

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found (includes foreign ownership)
  - 409: Conflict (exhaustion, consumed keys, idempotency replays)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. The {id} path segment is
  trusted as the caller's identity. Put an auth middleware in front of
  this router before exposing it.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - keys/engine.go: The allocation path these handlers call into
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/keyvault/keys"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine      *keys.AllocationEngine
	Revocation  *keys.RevocationService
	Projections *keys.Projections
	Inventory   *keys.InventoryService
	Accounts    *keys.AccountService
}

// NewHandler wires all domain services over the given store and key source.
func NewHandler(store keys.TxStore, source keys.RandomKeySource) *Handler {
	return &Handler{
		Engine:      keys.NewAllocationEngine(store),
		Revocation:  keys.NewRevocationService(store),
		Projections: keys.NewProjections(store),
		Inventory:   keys.NewInventoryService(store, source),
		Accounts:    keys.NewAccountService(store),
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount provisions a credit account.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	acct, err := h.Accounts.CreateAccount(r.Context(), keys.PrincipalID(req.PrincipalID), req.InitialCredits)
	if err != nil {
		writeDomainError(w, "Failed to create account", err)
		return
	}

	writeJSON(w, http.StatusCreated, AccountDTO{
		PrincipalID:      string(acct.PrincipalID),
		Balance:          acct.Balance,
		LifetimeAssigned: acct.LifetimeAssigned,
	})
}

// GetAccount returns the account summary, including the derived
// keys-generated counter.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	principal := keys.PrincipalID(chi.URLParam(r, "id"))

	view, err := h.Projections.Account(r.Context(), principal)
	if err != nil {
		writeDomainError(w, "Failed to get account", err)
		return
	}

	byStatus := make(map[string]int, len(view.ByStatus))
	for status, n := range view.ByStatus {
		byStatus[string(status)] = n
	}

	writeJSON(w, http.StatusOK, AccountDTO{
		PrincipalID:      string(view.PrincipalID),
		Balance:          view.Balance,
		LifetimeAssigned: view.LifetimeAssigned,
		KeysGenerated:    view.KeysGenerated,
		KeysByStatus:     byStatus,
	})
}

// GrantCredits tops up an account.
func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	principal := keys.PrincipalID(chi.URLParam(r, "id"))

	var req GrantCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Accounts.Grant(r.Context(), principal, req.Amount); err != nil {
		writeDomainError(w, "Failed to grant credits", err)
		return
	}

	view, err := h.Projections.Account(r.Context(), principal)
	if err != nil {
		writeDomainError(w, "Failed to get account", err)
		return
	}

	writeJSON(w, http.StatusOK, AccountDTO{
		PrincipalID:      string(view.PrincipalID),
		Balance:          view.Balance,
		LifetimeAssigned: view.LifetimeAssigned,
		KeysGenerated:    view.KeysGenerated,
	})
}

// GetLedger returns the append-only audit trail for a principal.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	principal := keys.PrincipalID(chi.URLParam(r, "id"))

	entries, err := h.Projections.Store.LedgerEntries(r.Context(), principal)
	if err != nil {
		writeDomainError(w, "Failed to get ledger", err)
		return
	}

	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = LedgerEntryDTO{
			ID:          string(e.ID),
			PrincipalID: string(e.PrincipalID),
			BatchID:     string(e.BatchID),
			Quantity:    e.Quantity,
			Cost:        e.Cost,
			Timestamp:   e.Timestamp.Format(time.RFC3339),
		}
	}

	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// Allocate generates a batch of keys for the caller. The draw, the debit
// and the ledger append happen in one transaction; the response is either
// the full batch or an error with nothing persisted.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	principal := keys.PrincipalID(chi.URLParam(r, "id"))

	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	batch, err := h.Engine.Allocate(r.Context(), keys.AllocateInput{
		PrincipalID:    principal,
		Class:          keys.Class(req.Class),
		Quantity:       req.Quantity,
		Label:          req.Label,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeDomainError(w, "Allocation failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, toBatchDetailDTO(*batch))
}

// ListBatches returns the caller's generation batches, newest first.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	principal := keys.PrincipalID(chi.URLParam(r, "id"))

	class, err := classFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid class filter", err)
		return
	}

	batches, err := h.Projections.Batches(r.Context(), principal, class, pageFrom(r))
	if err != nil {
		writeDomainError(w, "Failed to list batches", err)
		return
	}

	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBatch returns one batch with its keys. A batch owned by someone else
// is indistinguishable from a missing one.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	principal := keys.PrincipalID(chi.URLParam(r, "id"))
	batchID := keys.BatchID(chi.URLParam(r, "batchId"))

	batch, err := h.Projections.BatchWithKeys(r.Context(), principal, batchID)
	if err != nil {
		writeDomainError(w, "Failed to get batch", err)
		return
	}

	writeJSON(w, http.StatusOK, toBatchDetailDTO(*batch))
}

// ListKeys returns the caller's keys, newest first, with optional class
// and status filters.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	principal := keys.PrincipalID(chi.URLParam(r, "id"))

	class, err := classFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid class filter", err)
		return
	}

	status, err := statusFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid status filter", err)
		return
	}

	list, err := h.Projections.Keys(r.Context(), principal, class, status, pageFrom(r))
	if err != nil {
		writeDomainError(w, "Failed to list keys", err)
		return
	}

	dtos := make([]KeyDTO, len(list))
	for i, k := range list {
		dtos[i] = toKeyDTO(k)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REVOCATION HANDLERS
// =============================================================================

// RevokeBatch revokes every key in a batch the caller owns.
func (h *Handler) RevokeBatch(w http.ResponseWriter, r *http.Request) {
	principal := keys.PrincipalID(chi.URLParam(r, "id"))
	batchID := keys.BatchID(chi.URLParam(r, "batchId"))

	n, err := h.Revocation.RevokeBatch(r.Context(), principal, batchID)
	if err != nil {
		writeDomainError(w, "Failed to revoke batch", err)
		return
	}

	writeJSON(w, http.StatusOK, RevokeResponse{Revoked: n})
}

// RevokeKey revokes a single key the caller owns.
func (h *Handler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	principal := keys.PrincipalID(chi.URLParam(r, "id"))
	keyID := keys.KeyID(chi.URLParam(r, "keyId"))

	if err := h.Revocation.RevokeKey(r.Context(), principal, keyID); err != nil {
		writeDomainError(w, "Failed to revoke key", err)
		return
	}

	writeJSON(w, http.StatusOK, RevokeResponse{Revoked: 1})
}

// ConsumeKey marks a key as used at activation time. Consumption is keyed
// by key ID, not owner: the activating product knows the key, not who
// bought it.
func (h *Handler) ConsumeKey(w http.ResponseWriter, r *http.Request) {
	keyID := keys.KeyID(chi.URLParam(r, "keyId"))

	if err := h.Revocation.MarkConsumed(r.Context(), keyID); err != nil {
		writeDomainError(w, "Failed to consume key", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// PoolStats reports per-class inventory levels.
func (h *Handler) PoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Projections.PoolSummary(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to get pool stats", err)
		return
	}

	dtos := make([]PoolStatsDTO, len(stats))
	for i, s := range stats {
		dtos[i] = PoolStatsDTO{
			Class:     string(s.Class),
			Available: s.Available,
			Drawn:     s.Drawn,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Replenish mints fresh random values into one class partition.
func (h *Handler) Replenish(w http.ResponseWriter, r *http.Request) {
	var req ReplenishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entries, err := h.Inventory.Replenish(r.Context(), keys.Class(req.Class), req.Count)
	if err != nil {
		writeDomainError(w, "Failed to replenish pool", err)
		return
	}

	writeJSON(w, http.StatusCreated, ImportResponse{Imported: len(entries)})
}

// Import loads externally-generated values into one class partition.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entries, err := h.Inventory.Import(r.Context(), keys.Class(req.Class), req.Values)
	if err != nil {
		writeDomainError(w, "Failed to import values", err)
		return
	}

	writeJSON(w, http.StatusCreated, ImportResponse{Imported: len(entries)})
}

// RunExpiry triggers an immediate expiry sweep (also runs on a schedule).
func (h *Handler) RunExpiry(w http.ResponseWriter, r *http.Request) {
	n, err := h.Revocation.ExpireDue(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to run expiry sweep", err)
		return
	}

	writeJSON(w, http.StatusOK, ExpireResponse{Expired: n})
}

// =============================================================================
// DTO CONVERSION
// =============================================================================

func toBatchDTO(b keys.GenerationBatch) BatchDTO {
	return BatchDTO{
		ID:          string(b.ID),
		PrincipalID: string(b.PrincipalID),
		Class:       string(b.Class),
		Label:       b.Label,
		CreatedAt:   b.CreatedAt.Format(time.RFC3339),
		Size:        b.Size,
	}
}

func toBatchDetailDTO(b keys.GenerationBatch) BatchDetailDTO {
	detail := BatchDetailDTO{
		Batch: toBatchDTO(b),
		Keys:  make([]KeyDTO, len(b.Keys)),
	}
	for i, k := range b.Keys {
		detail.Keys[i] = toKeyDTO(k)
	}
	return detail
}

func toKeyDTO(k keys.AssignedKey) KeyDTO {
	dto := KeyDTO{
		ID:         string(k.ID),
		Value:      k.Value,
		Class:      string(k.Class),
		Status:     string(k.Status),
		BatchID:    string(k.BatchID),
		AssignedAt: k.AssignedAt.Format(time.RFC3339),
	}
	if k.ConsumedAt != nil {
		dto.ConsumedAt = k.ConsumedAt.Format(time.RFC3339)
	}
	if validity, ok := k.Class.Validity(); ok {
		dto.ExpiresAt = k.AssignedAt.Add(validity).Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// REQUEST PARSING
// =============================================================================

func classFilter(r *http.Request) (*keys.Class, error) {
	s := r.URL.Query().Get("class")
	if s == "" {
		return nil, nil
	}
	class := keys.Class(s)
	if !class.Valid() {
		return nil, keys.ErrInvalidClass
	}
	return &class, nil
}

func statusFilter(r *http.Request) (*keys.KeyStatus, error) {
	s := r.URL.Query().Get("status")
	if s == "" {
		return nil, nil
	}
	status := keys.KeyStatus(s)
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", s)
	}
	return &status, nil
}

func pageFrom(r *http.Request) keys.Page {
	page := keys.Page{}
	if n, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil {
		page.Number = n
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil {
		page.Size = n
	}
	return page.Clamp()
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the domain error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, keys.ErrInvalidQuantity),
		errors.Is(err, keys.ErrInvalidClass),
		errors.Is(err, keys.ErrInvalidValue):
		return http.StatusBadRequest
	case keys.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, keys.ErrInsufficientCredits),
		errors.Is(err, keys.ErrInsufficientInventory),
		errors.Is(err, keys.ErrAlreadyConsumed),
		errors.Is(err, keys.ErrKeyNotActive),
		errors.Is(err, keys.ErrDuplicateIdempotencyKey),
		errors.Is(err, keys.ErrDuplicateValue),
		errors.Is(err, keys.ErrConcurrentModification):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
