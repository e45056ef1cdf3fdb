/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Accounts:
    AccountDTO, CreateAccountRequest, GrantCreditsRequest

  Allocation:
    AllocateRequest, BatchDTO, KeyDTO, BatchDetailDTO

  Revocation:
    RevokeResponse

  Ledger:
    LedgerEntryDTO

  Pool (admin):
    PoolStatsDTO, ReplenishRequest, ImportRequest

VALIDATION:
  Validation is done in handlers and domain services, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - keys/types.go: Domain types these map from
*/
package api

// =============================================================================
// ACCOUNT TYPES
// =============================================================================

// AccountDTO represents a credit account in API responses.
type AccountDTO struct {
	PrincipalID      string         `json:"principal_id"`
	Balance          int64          `json:"balance"`
	LifetimeAssigned int64          `json:"lifetime_assigned"`
	KeysGenerated    int            `json:"keys_generated"`
	KeysByStatus     map[string]int `json:"keys_by_status"`
}

// CreateAccountRequest is the request to provision a credit account.
type CreateAccountRequest struct {
	PrincipalID    string `json:"principal_id"`
	InitialCredits int64  `json:"initial_credits,omitempty"`
}

// GrantCreditsRequest tops up an existing account.
type GrantCreditsRequest struct {
	Amount int64 `json:"amount"`
}

// =============================================================================
// ALLOCATION TYPES
// =============================================================================

// AllocateRequest is the request body for a key allocation.
type AllocateRequest struct {
	Class    string `json:"class"`
	Quantity int    `json:"quantity"`
	Label    string `json:"label,omitempty"`
}

// BatchDTO represents a generation batch in API responses.
type BatchDTO struct {
	ID          string `json:"id"`
	PrincipalID string `json:"principal_id"`
	Class       string `json:"class"`
	Label       string `json:"label,omitempty"`
	CreatedAt   string `json:"created_at"`
	Size        int    `json:"size"`
}

// KeyDTO represents an assigned key in API responses.
type KeyDTO struct {
	ID          string `json:"id"`
	Value       string `json:"value"`
	Class       string `json:"class"`
	Status      string `json:"status"`
	BatchID     string `json:"batch_id"`
	AssignedAt  string `json:"assigned_at"`
	ConsumedAt  string `json:"consumed_at,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

// BatchDetailDTO is a batch together with its keys.
type BatchDetailDTO struct {
	Batch BatchDTO `json:"batch"`
	Keys  []KeyDTO `json:"keys"`
}

// =============================================================================
// REVOCATION TYPES
// =============================================================================

// RevokeResponse reports how many keys a revocation touched.
type RevokeResponse struct {
	Revoked int `json:"revoked"`
}

// =============================================================================
// LEDGER TYPES
// =============================================================================

// LedgerEntryDTO represents one audit record.
type LedgerEntryDTO struct {
	ID          string `json:"id"`
	PrincipalID string `json:"principal_id"`
	BatchID     string `json:"batch_id"`
	Quantity    int    `json:"quantity"`
	Cost        int64  `json:"cost"`
	Timestamp   string `json:"timestamp"`
}

// =============================================================================
// POOL TYPES (ADMIN)
// =============================================================================

// PoolStatsDTO reports inventory levels for one class.
type PoolStatsDTO struct {
	Class     string `json:"class"`
	Available int    `json:"available"`
	Drawn     int    `json:"drawn"`
}

// ReplenishRequest asks the server to mint fresh pool inventory.
type ReplenishRequest struct {
	Class string `json:"class"`
	Count int    `json:"count"`
}

// ImportRequest loads externally-generated values into the pool.
type ImportRequest struct {
	Class  string   `json:"class"`
	Values []string `json:"values"`
}

// ImportResponse reports how many values were accepted.
type ImportResponse struct {
	Imported int `json:"imported"`
}

// ExpireResponse reports how many keys an expiry sweep transitioned.
type ExpireResponse struct {
	Expired int `json:"expired"`
}

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
