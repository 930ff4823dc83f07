package ledgersqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const recordColumns = `id, remote_id, amount, occurred_at, category_id, payee, payment_method,
	notes, pending, conflict, base_version, last_synced_at, receipt_url, receipt_pending, deleted`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TransactionRecord, error) {
	var rec TransactionRecord
	var remoteID, categoryID, payee, notes, lastSyncedAt, receiptURL sql.NullString
	var occurredAt string
	err := row.Scan(
		&rec.ID, &remoteID, &rec.Amount, &occurredAt, &categoryID, &payee, &rec.PaymentMethod,
		&notes, &rec.Pending, &rec.Conflict, &rec.BaseVersion, &lastSyncedAt,
		&receiptURL, &rec.ReceiptPending, &rec.Deleted,
	)
	if err != nil {
		return nil, err
	}
	rec.RemoteID = remoteID.String
	rec.OccurredAt = parseTime(occurredAt)
	rec.CategoryID = categoryID.String
	rec.Payee = payee.String
	rec.Notes = notes.String
	rec.LastSyncedAt = parseTime(lastSyncedAt.String)
	rec.ReceiptURL = receiptURL.String
	return &rec, nil
}

// GetTransaction returns a live record by its local or remote id.
func (c *Client) GetTransaction(ctx context.Context, id string) (*TransactionRecord, error) {
	row := c.DB.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM transactions
		WHERE (id = ? OR remote_id = ?) AND deleted = 0
	`, id, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", id, err)
	}
	return rec, nil
}

// ListTransactions returns all live records, most recent first.
func (c *Client) ListTransactions(ctx context.Context) ([]TransactionRecord, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM transactions
		WHERE deleted = 0
		ORDER BY occurred_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var records []TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return records, nil
}

// IterateTransactions calls fn for each live record until fn returns false.
func (c *Client) IterateTransactions(ctx context.Context, fn func(rec *TransactionRecord) bool) error {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM transactions
		WHERE deleted = 0
		ORDER BY occurred_at DESC, id
	`)
	if err != nil {
		return fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("failed to scan transaction: %w", err)
		}
		if !fn(rec) {
			break
		}
	}
	return rows.Err()
}

// loadRecordInTx fetches a record (including ones marked deleted) by local
// or remote id, for update inside the current transaction.
func loadRecordInTx(ctx context.Context, tx *sql.Tx, id string) (*TransactionRecord, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM transactions
		WHERE id = ? OR remote_id = ?
	`, id, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// recomputeFlagsInTx re-derives pending and conflict for one record from the
// queue and the conflict store. Keeping the flags derived is what makes the
// "flag iff store entry exists" invariant hold after every mutation.
func recomputeFlagsInTx(ctx context.Context, tx *sql.Tx, recordID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE transactions SET
			pending = EXISTS(
				SELECT 1 FROM _ledger_queue q
				WHERE q.status <> 'done'
				  AND (q.local_id = transactions.id
				       OR (transactions.remote_id IS NOT NULL AND q.remote_id = transactions.remote_id))),
			conflict = EXISTS(
				SELECT 1 FROM _ledger_conflicts cf
				WHERE cf.tx_id = transactions.id
				   OR (transactions.remote_id IS NOT NULL AND cf.tx_id = transactions.remote_id))
		WHERE id = ? OR remote_id = ?
	`, recordID, recordID)
	if err != nil {
		return fmt.Errorf("failed to recompute flags for %s: %w", recordID, err)
	}
	return nil
}

// overwriteRecordFromServerInTx replaces the record's domain fields with an
// authoritative payload and adopts the server version as the new base.
func overwriteRecordFromServerInTx(ctx context.Context, tx *sql.Tx, recordID string, payload map[string]any, serverVersion int64) error {
	amount, _ := payloadInt64(payload, FieldAmount)
	occurredAt, _ := payloadString(payload, FieldOccurredAt)
	categoryID, _ := payloadString(payload, FieldCategoryID)
	payee, _ := payloadString(payload, FieldPayee)
	paymentMethod, _ := payloadString(payload, FieldPaymentMethod)
	notes, _ := payloadString(payload, FieldNotes)
	receiptURL, hasReceiptURL := payloadString(payload, FieldReceiptURL)

	_, err := tx.ExecContext(ctx, `
		UPDATE transactions SET
			amount = ?, occurred_at = ?, category_id = ?, payee = ?,
			payment_method = ?, notes = ?,
			receipt_url = CASE WHEN ? THEN ? ELSE receipt_url END,
			base_version = ?, deleted = 0,
			last_synced_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ? OR remote_id = ?
	`, amount, occurredAt, nullableString(categoryID), nullableString(payee),
		paymentMethod, nullableString(notes),
		hasReceiptURL, nullableString(receiptURL),
		serverVersion, recordID, recordID)
	if err != nil {
		return fmt.Errorf("failed to overwrite record %s from server payload: %w", recordID, err)
	}
	return nil
}

// insertRecordFromServerInTx materializes a record that exists on the server
// but not locally (refresh, or keep-server on a record deleted locally).
func insertRecordFromServerInTx(ctx context.Context, tx *sql.Tx, id string, payload map[string]any, serverVersion int64) error {
	amount, _ := payloadInt64(payload, FieldAmount)
	occurredAt, _ := payloadString(payload, FieldOccurredAt)
	categoryID, _ := payloadString(payload, FieldCategoryID)
	payee, _ := payloadString(payload, FieldPayee)
	paymentMethod, _ := payloadString(payload, FieldPaymentMethod)
	notes, _ := payloadString(payload, FieldNotes)
	receiptURL, _ := payloadString(payload, FieldReceiptURL)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, remote_id, amount, occurred_at, category_id, payee,
			payment_method, notes, pending, conflict, base_version, last_synced_at,
			receipt_url, receipt_pending, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'), ?, 0, 0)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount, occurred_at = excluded.occurred_at,
			category_id = excluded.category_id, payee = excluded.payee,
			payment_method = excluded.payment_method, notes = excluded.notes,
			base_version = excluded.base_version, last_synced_at = excluded.last_synced_at,
			receipt_url = excluded.receipt_url, deleted = 0
	`, id, id, amount, occurredAt, nullableString(categoryID), nullableString(payee),
		paymentMethod, nullableString(notes), serverVersion, nullableString(receiptURL))
	if err != nil {
		return fmt.Errorf("failed to insert record %s from server payload: %w", id, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// payloadString extracts a string field from a decoded payload map.
func payloadString(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// payloadInt64 extracts an integer field from a decoded payload map.
func payloadInt64(m map[string]any, key string) (int64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	case float64:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

// decodePayloadMap decodes a JSON payload preserving numeric precision.
func decodePayloadMap(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
