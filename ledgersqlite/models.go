package ledgersqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Op identifies the kind of mutation a queue item carries.
type Op string

const (
	OpCreate        Op = "create"
	OpUpdate        Op = "update"
	OpDelete        Op = "delete"
	OpUploadReceipt Op = "upload_receipt"
)

// Status is the durable state of a queue item.
//
// Lifecycle: pending -> processing -> {done | error | conflict}.
// Error items return to pending through Retry; conflict items leave the
// queue only through a resolver operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusError      Status = "error"
	StatusConflict   Status = "conflict"
	StatusDone       Status = "done"
)

// Decision is a chosen conflict resolution strategy.
type Decision string

const (
	DecisionMine   Decision = "mine"
	DecisionServer Decision = "server"
	DecisionMerge  Decision = "merge"
)

// Outcome classifies the result of handing one queue item to the applier.
type Outcome string

const (
	OutcomeCommitted        Outcome = "committed"
	OutcomeVersionConflict  Outcome = "version_conflict"
	OutcomeTransientFailure Outcome = "transient_failure"
)

// Domain field names as they appear in payloads and on the wire.
const (
	FieldAmount        = "amount"
	FieldOccurredAt    = "occurred_at"
	FieldCategoryID    = "category_id"
	FieldPayee         = "payee"
	FieldPaymentMethod = "payment_method"
	FieldNotes         = "notes"
	FieldReceiptURL    = "receipt_url"
)

// TransactionRecord is a materialized transaction as last known to this
// client, plus any optimistic local edits that have not round-tripped yet.
type TransactionRecord struct {
	ID            string // client-generated UUID
	RemoteID      string // server id once known; empty for not-yet-created records
	Amount        int64  // minor units
	OccurredAt    time.Time
	CategoryID    string
	Payee         string
	PaymentMethod string
	Notes         string

	Pending  bool // some queue item for this record has not reached done
	Conflict bool // a conflict record exists for this record

	// BaseVersion is the opaque concurrency token of the last authoritative
	// state this client observed. Zero means the record has never synced.
	BaseVersion  int64
	LastSyncedAt time.Time // zero if never synced

	ReceiptURL     string
	ReceiptPending bool

	// Deleted marks a local delete that is still waiting for the server to
	// commit it. The row is hard-deleted once the delete item reaches done.
	Deleted bool
}

// QueueItem is one durable pending mutation. Items are keyed by a generated
// ItemID and drain strictly in Seq order.
type QueueItem struct {
	Seq    int64
	ItemID string
	Op     Op

	// LocalID/RemoteID identify the target record; at least one is set.
	LocalID  string
	RemoteID string

	// Payload depends on Op: full field set for create, sparse diff for
	// update, nil for delete, a receipt reference for upload_receipt.
	Payload json.RawMessage

	// BaseVersion is the concurrency token this mutation assumes is still
	// current. Nil means no precondition.
	BaseVersion *int64

	// Unconditional instructs the applier to bypass the version check
	// entirely (last-writer-wins override).
	Unconditional bool

	Status    Status
	Error     string // set only while Status == StatusError
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Target returns the identifier an applier should address: the remote id
// once known, otherwise the local id.
func (q *QueueItem) Target() string {
	if q.RemoteID != "" {
		return q.RemoteID
	}
	return q.LocalID
}

// ReceiptRef decodes the payload of an upload_receipt item.
func (q *QueueItem) ReceiptRef() (*ReceiptPayload, error) {
	if q.Op != OpUploadReceipt {
		return nil, fmt.Errorf("item %s is %s, not %s", q.ItemID, q.Op, OpUploadReceipt)
	}
	var ref ReceiptPayload
	if err := json.Unmarshal(q.Payload, &ref); err != nil {
		return nil, fmt.Errorf("failed to decode receipt payload: %w", err)
	}
	return &ref, nil
}

// ConflictRecord pairs a rejected local change with the authoritative state
// that rejected it. Exactly zero or one exists per transaction id.
type ConflictRecord struct {
	// TxID is the transaction id in collision (the remote id once known).
	TxID string
	// Op is the operation of the rejected queue item (update or delete).
	Op Op

	MyPayload     json.RawMessage
	MyBaseVersion *int64

	ServerPayload   json.RawMessage
	ServerVersion   int64
	ServerUpdatedAt time.Time

	// Decided records a chosen strategy before cleanup completes, so an
	// interrupted bulk resolution can be inspected and resumed.
	Decided   Decision // empty until a resolution is chosen
	CreatedAt time.Time
}

// ReceiptBlobEntry is a binary attachment waiting for upload, content-addressed
// by a generated key so multiple pending revisions never collide.
type ReceiptBlobEntry struct {
	ReceiptKey string
	Blob       []byte
	Mime       string
	Size       int64
	TxID       string
	CreatedAt  time.Time
}

// ReceiptPayload is the queue payload of an upload_receipt item: a reference
// into the receipt blob store, never the blob itself.
type ReceiptPayload struct {
	ReceiptKey string `json:"receipt_key"`
	Mime       string `json:"mime"`
	Size       int64  `json:"size"`
}

// TransactionDraft is the input for creating a transaction.
type TransactionDraft struct {
	Amount        int64
	OccurredAt    time.Time // zero means now
	CategoryID    string
	Payee         string
	PaymentMethod string
	Notes         string
}

// TransactionPatch is a sparse update: nil fields are untouched, non-nil
// fields overwrite (a pointer to the zero value clears).
type TransactionPatch struct {
	Amount        *int64
	OccurredAt    *time.Time
	CategoryID    *string
	Payee         *string
	PaymentMethod *string
	Notes         *string
}

// IsEmpty reports whether the patch touches no fields.
func (p *TransactionPatch) IsEmpty() bool {
	return p.Amount == nil && p.OccurredAt == nil && p.CategoryID == nil &&
		p.Payee == nil && p.PaymentMethod == nil && p.Notes == nil
}

// payloadMap renders the patch as a sparse wire payload.
func (p *TransactionPatch) payloadMap() map[string]any {
	m := make(map[string]any)
	if p.Amount != nil {
		m[FieldAmount] = *p.Amount
	}
	if p.OccurredAt != nil {
		m[FieldOccurredAt] = formatTime(*p.OccurredAt)
	}
	if p.CategoryID != nil {
		m[FieldCategoryID] = *p.CategoryID
	}
	if p.Payee != nil {
		m[FieldPayee] = *p.Payee
	}
	if p.PaymentMethod != nil {
		m[FieldPaymentMethod] = *p.PaymentMethod
	}
	if p.Notes != nil {
		m[FieldNotes] = *p.Notes
	}
	return m
}

// ApplyResult is the applier's verdict on a single queue item.
type ApplyResult struct {
	Outcome Outcome

	// Committed
	NewVersion int64
	RemoteID   string // server id, set when a create is acknowledged
	ReceiptURL string // durable URL, set when a receipt upload is acknowledged

	// VersionConflict
	ServerPayload   json.RawMessage
	ServerVersion   int64
	ServerUpdatedAt time.Time

	// TransientFailure
	Reason string
}

// Committed builds the success outcome carrying the new concurrency token.
func Committed(newVersion int64) ApplyResult {
	return ApplyResult{Outcome: OutcomeCommitted, NewVersion: newVersion}
}

// VersionConflict builds the rejection outcome carrying the authoritative
// state at rejection time.
func VersionConflict(serverPayload json.RawMessage, serverVersion int64, serverUpdatedAt time.Time) ApplyResult {
	return ApplyResult{
		Outcome:         OutcomeVersionConflict,
		ServerPayload:   serverPayload,
		ServerVersion:   serverVersion,
		ServerUpdatedAt: serverUpdatedAt,
	}
}

// TransientFailure builds the retryable failure outcome.
func TransientFailure(reason string) ApplyResult {
	return ApplyResult{Outcome: OutcomeTransientFailure, Reason: reason}
}

// Applier attempts to apply one queue item to the authoritative store.
//
// A returned error means the item never reached the store (transport-level
// failure) and is treated like a transient failure. Implementations must
// never report a version conflict for an unconditional item or for an item
// without a base version.
type Applier interface {
	Apply(ctx context.Context, item QueueItem) (ApplyResult, error)
}

// Hint is an advisory change notification. Hints carry no state; consumers
// re-read the store they care about.
type Hint string

const (
	HintQueueChanged     Hint = "queue_changed"
	HintConflictsChanged Hint = "conflicts_changed"
)

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Processed  int `json:"processed"`
	Committed  int `json:"committed"`
	Conflicted int `json:"conflicted"`
	Failed     int `json:"failed"`
}
