package ledgersync

// Operation names as they appear on the wire and in the apply log.
const (
	OpCreate        = "create"
	OpUpdate        = "update"
	OpDelete        = "delete"
	OpUploadReceipt = "upload_receipt"
)

// Per-item apply statuses.
const (
	StApplied   = "applied"
	StConflict  = "conflict"
	StTransient = "transient"
	StInvalid   = "invalid"
)

// Invalid reason constants
const (
	ReasonBadPayload    = "bad_payload"
	ReasonUnknownOp     = "unknown_op"
	ReasonNotFound      = "not_found"
	ReasonWrongEndpoint = "wrong_endpoint"
	ReasonBatchTooLarge = "batch_too_large"
	ReasonInternalError = "internal_error"
)
