package ledgersync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the sync HTTP API.
// The device id is derived from the JWT did claim, not from request bodies.

// ApplyRequest carries queued mutations to replay against the ledger.
type ApplyRequest struct {
	Items []ItemApplyRequest `json:"items"`
}

// ItemApplyRequest is a single queued mutation.
type ItemApplyRequest struct {
	ItemID string `json:"item_id"` // Client-generated queue item id (UUID)
	Op     string `json:"op"`      // create, update, delete

	// LocalID/RemoteID identify the target transaction; at least one is set.
	LocalID  string `json:"local_id,omitempty"`
	RemoteID string `json:"remote_id,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"` // Full fields for create, sparse diff for update, absent for delete

	// BaseVersion is the transaction version the mutation assumes is still
	// current. Null means no precondition.
	BaseVersion *int64 `json:"base_version,omitempty"`

	// Unconditional bypasses the version check (last-writer-wins override).
	Unconditional bool `json:"unconditional,omitempty"`
}

// Target returns the transaction id the item addresses.
func (i *ItemApplyRequest) Target() string {
	if i.RemoteID != "" {
		return i.RemoteID
	}
	return i.LocalID
}

// ApplyResponse carries per-item results in request order.
type ApplyResponse struct {
	Results []ItemApplyResult `json:"results"`
}

// ItemApplyResult is the verdict on a single mutation.
type ItemApplyResult struct {
	ItemID     string `json:"item_id"` // Echo of the client's item id
	Status     string `json:"status"`  // applied, conflict, transient, invalid
	NewVersion *int64 `json:"new_version,omitempty"`
	RemoteID   string `json:"remote_id,omitempty"` // Server id, set when a create is acknowledged

	// Authoritative state at rejection time, set only for conflicts.
	ServerPayload   json.RawMessage `json:"server_payload,omitempty"`
	ServerVersion   *int64          `json:"server_version,omitempty"`
	ServerUpdatedAt *time.Time      `json:"server_updated_at,omitempty"`

	Message string         `json:"message,omitempty"`
	Invalid map[string]any `json:"invalid,omitempty"` // Structured reason details for invalid items
}

// SnapshotResponse is the authoritative state changed since a point in time.
type SnapshotResponse struct {
	Transactions []TransactionSnapshot `json:"transactions"`
	ServerTime   time.Time             `json:"server_time"`
}

// TransactionSnapshot is one transaction's current authoritative state.
type TransactionSnapshot struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ReceiptUploadResponse acknowledges a stored receipt blob.
type ReceiptUploadResponse struct {
	ReceiptID string `json:"receipt_id"`
	URL       string `json:"url"` // Durable URL now carried on the transaction

	// TxServerVersion is the transaction version after attaching the
	// receipt URL; zero when the transaction no longer exists.
	TxServerVersion int64 `json:"tx_server_version,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse represents service status response
type StatusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	AppName string `json:"app_name"`
}
