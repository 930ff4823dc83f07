package ledgersync

import (
	"encoding/json"
	"time"
)

// resultApplied creates a result for successfully applied items with the new version
func resultApplied(itemID string, newVersion int64) ItemApplyResult {
	return ItemApplyResult{
		ItemID:     itemID,
		Status:     StApplied,
		NewVersion: &newVersion,
	}
}

// resultAppliedNoop creates a result for items that applied as a no-op
// (already-deleted targets, idempotent redelivery without a logged version)
func resultAppliedNoop(itemID string) ItemApplyResult {
	return ItemApplyResult{
		ItemID: itemID,
		Status: StApplied,
	}
}

// resultCreated creates a result for an acknowledged create carrying the server id
func resultCreated(itemID string, remoteID string, newVersion int64) ItemApplyResult {
	return ItemApplyResult{
		ItemID:     itemID,
		Status:     StApplied,
		NewVersion: &newVersion,
		RemoteID:   remoteID,
	}
}

// resultConflict creates a result for version conflicts with the current server state
func resultConflict(itemID string, payload json.RawMessage, version int64, updatedAt time.Time) ItemApplyResult {
	return ItemApplyResult{
		ItemID:          itemID,
		Status:          StConflict,
		ServerPayload:   payload,
		ServerVersion:   &version,
		ServerUpdatedAt: &updatedAt,
	}
}

// resultInvalid creates a result for validation failures
func resultInvalid(itemID, reason string, err error) ItemApplyResult {
	return ItemApplyResult{
		ItemID:  itemID,
		Status:  StInvalid,
		Message: err.Error(),
		Invalid: map[string]any{
			"reason":  reason,
			"details": map[string]any{"error": err.Error()},
		},
	}
}

// resultTransient creates a result for failures worth retrying as-is
func resultTransient(itemID string, err error) ItemApplyResult {
	return ItemApplyResult{
		ItemID:  itemID,
		Status:  StTransient,
		Message: err.Error(),
	}
}
