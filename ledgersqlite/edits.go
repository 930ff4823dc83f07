package ledgersqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTransaction writes a new record optimistically and enqueues the
// create for upload. The create carries no concurrency precondition.
func (c *Client) CreateTransaction(ctx context.Context, draft TransactionDraft) (*TransactionRecord, error) {
	occurredAt := draft.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	id := uuid.New().String()

	payload := map[string]any{
		FieldAmount:        draft.Amount,
		FieldOccurredAt:    formatTime(occurredAt),
		FieldPaymentMethod: draft.PaymentMethod,
	}
	if draft.CategoryID != "" {
		payload[FieldCategoryID] = draft.CategoryID
	}
	if draft.Payee != "" {
		payload[FieldPayee] = draft.Payee
	}
	if draft.Notes != "" {
		payload[FieldNotes] = draft.Notes
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal create payload: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, amount, occurred_at, category_id, payee,
			payment_method, notes, pending, base_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, 0)
	`, id, draft.Amount, formatTime(occurredAt), nullableString(draft.CategoryID),
		nullableString(draft.Payee), draft.PaymentMethod, nullableString(draft.Notes))
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}

	if _, err := enqueueInTx(ctx, tx, OpCreate, id, "", payloadJSON, nil, false); err != nil {
		return nil, err
	}

	rec, err := loadRecordInTx(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload created transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	c.publish(HintQueueChanged)
	c.RequestDrain()
	return rec, nil
}

// UpdateTransaction applies a sparse patch optimistically and enqueues the
// diff with the record's current base version as its precondition.
func (c *Client) UpdateTransaction(ctx context.Context, id string, patch TransactionPatch) (*TransactionRecord, error) {
	if patch.IsEmpty() {
		return nil, ErrEmptyPatch
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := loadRecordInTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, ErrNotFound
	}

	if err := applyPatchInTx(ctx, tx, rec.ID, patch); err != nil {
		return nil, err
	}

	payloadJSON, err := json.Marshal(patch.payloadMap())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal update payload: %w", err)
	}

	var baseVersion *int64
	if rec.BaseVersion > 0 {
		v := rec.BaseVersion
		baseVersion = &v
	}
	if _, err := enqueueInTx(ctx, tx, OpUpdate, rec.ID, rec.RemoteID, payloadJSON, baseVersion, false); err != nil {
		return nil, err
	}

	updated, err := loadRecordInTx(ctx, tx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload updated transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	c.publish(HintQueueChanged)
	c.RequestDrain()
	return updated, nil
}

// DeleteTransaction marks the record deleted locally and enqueues the delete.
// The row survives, hidden, until the server commits the delete.
func (c *Client) DeleteTransaction(ctx context.Context, id string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := loadRecordInTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if rec.Deleted {
		return nil // delete already queued
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET deleted = 1, pending = 1 WHERE id = ?
	`, rec.ID); err != nil {
		return fmt.Errorf("failed to mark transaction deleted: %w", err)
	}

	var baseVersion *int64
	if rec.BaseVersion > 0 {
		v := rec.BaseVersion
		baseVersion = &v
	}
	if _, err := enqueueInTx(ctx, tx, OpDelete, rec.ID, rec.RemoteID, nil, baseVersion, false); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	c.publish(HintQueueChanged)
	c.RequestDrain()
	return nil
}

// AttachReceipt stores a receipt blob and enqueues its upload. The record
// only gains a receipt URL once the upload commits; until then the blob
// store entry and the queue item are the sole association.
func (c *Client) AttachReceipt(ctx context.Context, id string, blob []byte, mime string) (string, error) {
	if len(blob) == 0 {
		return "", fmt.Errorf("receipt blob cannot be empty")
	}
	if mime == "" {
		mime = "application/octet-stream"
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := loadRecordInTx(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if rec.Deleted {
		return "", ErrNotFound
	}

	receiptKey := uuid.New().String()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _ledger_receipts (receipt_key, blob, mime, size, tx_id)
		VALUES (?, ?, ?, ?, ?)
	`, receiptKey, blob, mime, int64(len(blob)), rec.ID); err != nil {
		return "", fmt.Errorf("failed to store receipt blob: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET receipt_pending = 1, pending = 1 WHERE id = ?
	`, rec.ID); err != nil {
		return "", fmt.Errorf("failed to flag receipt pending: %w", err)
	}

	payloadJSON, err := json.Marshal(ReceiptPayload{
		ReceiptKey: receiptKey,
		Mime:       mime,
		Size:       int64(len(blob)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal receipt payload: %w", err)
	}
	if _, err := enqueueInTx(ctx, tx, OpUploadReceipt, rec.ID, rec.RemoteID, payloadJSON, nil, false); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	c.publish(HintQueueChanged)
	c.RequestDrain()
	return receiptKey, nil
}

// applyPatchInTx writes the patched fields onto the record row.
func applyPatchInTx(ctx context.Context, tx *sql.Tx, recordID string, patch TransactionPatch) error {
	set := "pending = 1"
	args := []any{}
	if patch.Amount != nil {
		set += ", amount = ?"
		args = append(args, *patch.Amount)
	}
	if patch.OccurredAt != nil {
		set += ", occurred_at = ?"
		args = append(args, formatTime(*patch.OccurredAt))
	}
	if patch.CategoryID != nil {
		set += ", category_id = ?"
		args = append(args, nullableString(*patch.CategoryID))
	}
	if patch.Payee != nil {
		set += ", payee = ?"
		args = append(args, nullableString(*patch.Payee))
	}
	if patch.PaymentMethod != nil {
		set += ", payment_method = ?"
		args = append(args, *patch.PaymentMethod)
	}
	if patch.Notes != nil {
		set += ", notes = ?"
		args = append(args, nullableString(*patch.Notes))
	}
	args = append(args, recordID)

	if _, err := tx.ExecContext(ctx, `UPDATE transactions SET `+set+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("failed to apply patch to %s: %w", recordID, err)
	}
	return nil
}
