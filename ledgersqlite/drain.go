package ledgersqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DrainOnce replays pending queue items against the authoritative store, in
// seq order, until the queue is empty, DrainLimit is reached, or an item
// fails transiently. A transient failure marks that item error and aborts
// the pass so later items cannot overtake it.
//
// The write lock is held for the entire pass, applier calls included: no
// local edit can interleave between claiming an item and recording its
// outcome.
func (c *Client) DrainOnce(ctx context.Context) (DrainStats, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var stats DrainStats
	defer func() {
		if stats.Processed > 0 {
			c.publish(HintQueueChanged)
		}
		if stats.Conflicted > 0 {
			c.publish(HintConflictsChanged)
		}
	}()

	for i := 0; i < c.config.DrainLimit; i++ {
		item, err := c.claimNextPending(ctx)
		if err != nil {
			return stats, err
		}
		if item == nil {
			return stats, nil
		}
		stats.Processed++

		res, err := c.Applier.Apply(ctx, *item)
		if err != nil {
			// The item never reached the store; retryable by definition.
			res = TransientFailure(err.Error())
		}

		switch res.Outcome {
		case OutcomeCommitted:
			if err := c.markCommitted(ctx, item, res); err != nil {
				return stats, err
			}
			stats.Committed++

		case OutcomeVersionConflict:
			if item.Unconditional || item.BaseVersion == nil {
				c.logger.Warn("applier reported a conflict for an item without a precondition",
					"item_id", item.ItemID, "op", item.Op)
				if err := c.markError(ctx, item, "conflict reported without precondition"); err != nil {
					return stats, err
				}
				stats.Failed++
				return stats, nil
			}
			if err := c.markConflict(ctx, item, res); err != nil {
				return stats, err
			}
			stats.Conflicted++

		case OutcomeTransientFailure:
			if err := c.markError(ctx, item, res.Reason); err != nil {
				return stats, err
			}
			stats.Failed++
			c.logger.Info("drain pass stopped on transient failure",
				"item_id", item.ItemID, "op", item.Op, "reason", res.Reason)
			return stats, nil

		default:
			if err := c.markError(ctx, item, fmt.Sprintf("unknown outcome %q", res.Outcome)); err != nil {
				return stats, err
			}
			return stats, fmt.Errorf("applier returned unknown outcome %q", res.Outcome)
		}
	}

	return stats, nil
}

// claimNextPending moves the lowest-seq pending item to processing. Returns
// nil when the queue has no pending items.
func (c *Client) claimNextPending(ctx context.Context) (*QueueItem, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM _ledger_queue
		WHERE status = 'pending' ORDER BY seq LIMIT 1
	`)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _ledger_queue
		SET status = 'processing', updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE item_id = ?
	`, item.ItemID); err != nil {
		return nil, fmt.Errorf("failed to mark item processing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	item.Status = StatusProcessing
	return item, nil
}

// markCommitted records a committed outcome: the item reaches done and the
// record adopts the new concurrency token.
func (c *Client) markCommitted(ctx context.Context, item *QueueItem, res ApplyResult) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	switch item.Op {
	case OpCreate:
		remoteID := res.RemoteID
		if remoteID == "" {
			remoteID = item.LocalID
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET remote_id = ?, base_version = ?,
			    last_synced_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE id = ?
		`, remoteID, res.NewVersion, item.LocalID); err != nil {
			return fmt.Errorf("failed to adopt created record: %w", err)
		}

	case OpUpdate:
		if _, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET base_version = ?,
			    last_synced_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE id = ? OR remote_id = ?
		`, res.NewVersion, item.Target(), item.Target()); err != nil {
			return fmt.Errorf("failed to adopt committed update: %w", err)
		}

	case OpDelete:
		// The server committed the delete; the hidden row can go for real.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM transactions WHERE id = ? OR remote_id = ?
		`, item.Target(), item.Target()); err != nil {
			return fmt.Errorf("failed to drop deleted record: %w", err)
		}

	case OpUploadReceipt:
		ref, err := item.ReceiptRef()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET receipt_url = ?, receipt_pending = 0,
			    base_version = CASE WHEN ? > 0 THEN ? ELSE base_version END,
			    last_synced_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE id = ? OR remote_id = ?
		`, nullableString(res.ReceiptURL), res.NewVersion, res.NewVersion,
			item.Target(), item.Target()); err != nil {
			return fmt.Errorf("failed to adopt uploaded receipt: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM _ledger_receipts WHERE receipt_key = ?
		`, ref.ReceiptKey); err != nil {
			return fmt.Errorf("failed to drop uploaded receipt blob: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _ledger_queue
		SET status = 'done', error = NULL, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE item_id = ?
	`, item.ItemID); err != nil {
		return fmt.Errorf("failed to mark item done: %w", err)
	}

	if err := recomputeFlagsInTx(ctx, tx, item.Target()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// markConflict parks the item in conflict status and records the rejected
// change next to the authoritative state that rejected it.
func (c *Client) markConflict(ctx context.Context, item *QueueItem, res ApplyResult) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var myPayload any
	if len(item.Payload) > 0 {
		myPayload = string(item.Payload)
	}
	var myBase any
	if item.BaseVersion != nil {
		myBase = *item.BaseVersion
	}

	// A second collision on the same record replaces the stored conflict;
	// the freshest server state is the one worth resolving against.
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO _ledger_conflicts
			(tx_id, op, my_payload, my_base_version, server_payload, server_version, server_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, item.Target(), string(item.Op), myPayload, myBase,
		string(res.ServerPayload), res.ServerVersion, formatTime(res.ServerUpdatedAt)); err != nil {
		return fmt.Errorf("failed to record conflict: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _ledger_queue
		SET status = 'conflict', error = NULL, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE item_id = ?
	`, item.ItemID); err != nil {
		return fmt.Errorf("failed to mark item conflict: %w", err)
	}

	if err := recomputeFlagsInTx(ctx, tx, item.Target()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// markError parks the item in error status with the failure reason.
func (c *Client) markError(ctx context.Context, item *QueueItem, reason string) error {
	_, err := c.DB.ExecContext(ctx, `
		UPDATE _ledger_queue
		SET status = 'error', error = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE item_id = ?
	`, reason, item.ItemID)
	if err != nil {
		return fmt.Errorf("failed to mark item error: %w", err)
	}
	return nil
}

// drainLoop waits for drain requests and runs passes, backing off
// exponentially while passes keep failing.
func (c *Client) drainLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := c.config.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.drainCh:
		}

		stats, err := c.DrainOnce(ctx)
		switch {
		case err != nil:
			c.logger.Error("drain pass failed", "error", err)
		case stats.Failed > 0:
			c.logger.Info("drain pass backing off",
				"failed", stats.Failed, "backoff", backoff.String())
		default:
			backoff = c.config.BackoffMin
			if _, err := c.PruneDone(ctx); err != nil {
				c.logger.Warn("failed to prune done items", "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.config.BackoffMax {
			backoff = c.config.BackoffMax
		}
		c.RequestDrain()
	}
}
