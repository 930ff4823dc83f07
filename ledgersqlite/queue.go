package ledgersqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const queueColumns = `seq, item_id, op, local_id, remote_id, payload, base_version,
	unconditional, status, error, created_at, updated_at`

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	var item QueueItem
	var localID, remoteID, payload, errMsg sql.NullString
	var baseVersion sql.NullInt64
	var createdAt, updatedAt string
	err := row.Scan(
		&item.Seq, &item.ItemID, &item.Op, &localID, &remoteID, &payload, &baseVersion,
		&item.Unconditional, &item.Status, &errMsg, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.LocalID = localID.String
	item.RemoteID = remoteID.String
	if payload.Valid {
		item.Payload = json.RawMessage(payload.String)
	}
	if baseVersion.Valid {
		v := baseVersion.Int64
		item.BaseVersion = &v
	}
	item.Error = errMsg.String
	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)
	return &item, nil
}

// enqueueInTx appends a new queue item. Items are never coalesced: several
// pending items may target the same record and drain in insertion order, so
// a later item can collide with the version its predecessor just committed.
// That hazard is accepted; the conflict path makes it visible to the user.
func enqueueInTx(ctx context.Context, tx *sql.Tx, op Op, localID, remoteID string, payload json.RawMessage, baseVersion *int64, unconditional bool) (string, error) {
	itemID := uuid.New().String()

	var payloadArg any
	if len(payload) > 0 {
		payloadArg = string(payload)
	}
	var baseArg any
	if baseVersion != nil {
		baseArg = *baseVersion
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO _ledger_queue (item_id, op, local_id, remote_id, payload, base_version, unconditional)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, itemID, string(op), nullableString(localID), nullableString(remoteID), payloadArg, baseArg, unconditional)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s item: %w", op, err)
	}
	return itemID, nil
}

// GetQueueItem returns one queue item by id.
func (c *Client) GetQueueItem(ctx context.Context, itemID string) (*QueueItem, error) {
	row := c.DB.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM _ledger_queue WHERE item_id = ?
	`, itemID)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue item %s: %w", itemID, err)
	}
	return item, nil
}

// ListQueueItems returns every queue item in drain order.
func (c *Client) ListQueueItems(ctx context.Context) ([]QueueItem, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM _ledger_queue ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return items, nil
}

// QueueSummary returns item counts grouped by status.
func (c *Client) QueueSummary(ctx context.Context) (map[Status]int, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM _ledger_queue GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize queue: %w", err)
	}
	defer rows.Close()

	summary := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue summary: %w", err)
		}
		summary[status] = count
	}
	return summary, rows.Err()
}

// Retry moves an error item back to pending and requests a drain. Calling it
// on a missing item or on any other status is a no-op.
func (c *Client) Retry(ctx context.Context, itemID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	res, err := c.DB.ExecContext(ctx, `
		UPDATE _ledger_queue
		SET status = 'pending', error = NULL, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE item_id = ? AND status = 'error'
	`, itemID)
	if err != nil {
		return fmt.Errorf("failed to retry item %s: %w", itemID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		c.publish(HintQueueChanged)
		c.RequestDrain()
	}
	return nil
}

// RetryAllErrors resets every error item to pending; used for bulk recovery
// after an outage. Returns the number of items reset.
func (c *Client) RetryAllErrors(ctx context.Context) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	res, err := c.DB.ExecContext(ctx, `
		UPDATE _ledger_queue
		SET status = 'pending', error = NULL, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE status = 'error'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to retry error items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count retried items: %w", err)
	}
	if n > 0 {
		c.publish(HintQueueChanged)
		c.RequestDrain()
	}
	return int(n), nil
}

// RemoveQueueItem deletes an error item. For a create item, dropOrphan also
// deletes the local-only record it would have produced (no server copy
// exists to reconcile against) along with anything else referencing it.
// Removing a missing item is a no-op; removing a non-error item fails.
func (c *Client) RemoveQueueItem(ctx context.Context, itemID string, dropOrphan bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM _ledger_queue WHERE item_id = ?
	`, itemID)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // removed elsewhere already
	}
	if err != nil {
		return fmt.Errorf("failed to load queue item %s: %w", itemID, err)
	}
	if item.Status != StatusError {
		return ErrNotRemovable
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM _ledger_queue WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("failed to delete queue item %s: %w", itemID, err)
	}

	if item.Op == OpCreate && dropOrphan && item.LocalID != "" {
		// The record never reached the server; remove it and everything
		// that still points at it.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM transactions WHERE id = ? AND base_version = 0 AND remote_id IS NULL
		`, item.LocalID); err != nil {
			return fmt.Errorf("failed to drop orphaned record %s: %w", item.LocalID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM _ledger_queue WHERE local_id = ?`, item.LocalID); err != nil {
			return fmt.Errorf("failed to drop orphaned queue items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM _ledger_receipts WHERE tx_id = ?`, item.LocalID); err != nil {
			return fmt.Errorf("failed to drop orphaned receipts: %w", err)
		}
	} else if target := item.Target(); target != "" {
		if err := recomputeFlagsInTx(ctx, tx, target); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	c.publish(HintQueueChanged)
	return nil
}

// PruneDone deletes done items older than the configured retention window.
func (c *Client) PruneDone(ctx context.Context) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cutoff := time.Now().Add(-c.config.DoneRetention)
	res, err := c.DB.ExecContext(ctx, `
		DELETE FROM _ledger_queue WHERE status = 'done' AND updated_at < ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune done items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned items: %w", err)
	}
	return int(n), nil
}
