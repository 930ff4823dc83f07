package ledgersqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ReceiptBlob returns a stored receipt attachment by its key. Appliers read
// blobs through this when an upload_receipt item comes up for drain.
func (c *Client) ReceiptBlob(ctx context.Context, receiptKey string) (*ReceiptBlobEntry, error) {
	row := c.DB.QueryRowContext(ctx, `
		SELECT receipt_key, blob, mime, size, tx_id, created_at
		FROM _ledger_receipts WHERE receipt_key = ?
	`, receiptKey)

	var entry ReceiptBlobEntry
	var createdAt string
	err := row.Scan(&entry.ReceiptKey, &entry.Blob, &entry.Mime, &entry.Size, &entry.TxID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load receipt %s: %w", receiptKey, err)
	}
	entry.CreatedAt = parseTime(createdAt)
	return &entry, nil
}

// PendingReceipts returns every receipt still waiting for upload, oldest
// first. Blobs are deleted as their uploads commit, so this is the backlog.
func (c *Client) PendingReceipts(ctx context.Context) ([]ReceiptBlobEntry, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT receipt_key, blob, mime, size, tx_id, created_at
		FROM _ledger_receipts ORDER BY created_at, receipt_key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var entries []ReceiptBlobEntry
	for rows.Next() {
		var entry ReceiptBlobEntry
		var createdAt string
		if err := rows.Scan(&entry.ReceiptKey, &entry.Blob, &entry.Mime, &entry.Size, &entry.TxID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		entry.CreatedAt = parseTime(createdAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
