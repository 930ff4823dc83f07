package ledgersqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const conflictColumns = `tx_id, op, my_payload, my_base_version, server_payload,
	server_version, server_updated_at, decided, created_at`

func scanConflict(row rowScanner) (*ConflictRecord, error) {
	var cf ConflictRecord
	var myPayload, decided sql.NullString
	var myBase sql.NullInt64
	var serverPayload, serverUpdatedAt, createdAt string
	err := row.Scan(
		&cf.TxID, &cf.Op, &myPayload, &myBase, &serverPayload,
		&cf.ServerVersion, &serverUpdatedAt, &decided, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if myPayload.Valid {
		cf.MyPayload = json.RawMessage(myPayload.String)
	}
	if myBase.Valid {
		v := myBase.Int64
		cf.MyBaseVersion = &v
	}
	cf.ServerPayload = json.RawMessage(serverPayload)
	cf.ServerUpdatedAt = parseTime(serverUpdatedAt)
	cf.Decided = Decision(decided.String)
	cf.CreatedAt = parseTime(createdAt)
	return &cf, nil
}

// ListConflicts returns every unresolved conflict, oldest first.
func (c *Client) ListConflicts(ctx context.Context) ([]ConflictRecord, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT `+conflictColumns+` FROM _ledger_conflicts ORDER BY created_at, tx_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []ConflictRecord
	for rows.Next() {
		cf, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, *cf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

// GetConflict returns the conflict for a transaction, addressed by the
// conflict's own id or by either id of the record it belongs to.
func (c *Client) GetConflict(ctx context.Context, txID string) (*ConflictRecord, error) {
	row := c.DB.QueryRowContext(ctx, `
		SELECT `+conflictColumns+` FROM _ledger_conflicts WHERE tx_id = ?
	`, txID)
	cf, err := scanConflict(row)
	if err == nil {
		return cf, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load conflict %s: %w", txID, err)
	}

	row = c.DB.QueryRowContext(ctx, `
		SELECT `+conflictColumns+` FROM _ledger_conflicts
		WHERE tx_id IN (
			SELECT id FROM transactions WHERE id = ? OR remote_id = ?
			UNION
			SELECT remote_id FROM transactions WHERE (id = ? OR remote_id = ?) AND remote_id IS NOT NULL
		)
	`, txID, txID, txID, txID)
	cf, err = scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict %s: %w", txID, err)
	}
	return cf, nil
}

// ResolveKeepMine resolves a conflict by pushing the local state back as a
// last-writer-wins override. A rejected update goes out as a full snapshot
// of the local record; a rejected delete goes out as an unconditional
// delete. Resolving a transaction with no recorded conflict is a no-op.
func (c *Client) ResolveKeepMine(ctx context.Context, txID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	resolved, err := c.resolveKeepMineLocked(ctx, txID)
	if err != nil {
		return err
	}
	if resolved {
		c.publish(HintConflictsChanged)
		c.publish(HintQueueChanged)
		c.RequestDrain()
	}
	return nil
}

// ResolveKeepServer resolves a conflict by discarding the local change and
// adopting the authoritative state recorded with the conflict, restoring
// the record if it was deleted locally. Resolving a transaction with no
// recorded conflict is a no-op.
func (c *Client) ResolveKeepServer(ctx context.Context, txID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	resolved, err := c.resolveKeepServerLocked(ctx, txID)
	if err != nil {
		return err
	}
	if resolved {
		c.publish(HintConflictsChanged)
		c.publish(HintQueueChanged)
		c.RequestDrain()
	}
	return nil
}

// ResolveMerge resolves an update conflict field by field. The selection
// names the fields to keep from the local change; every other field adopts
// the server value. A nil selection keeps every locally-touched field.
// The merged state is written locally and re-queued against the server
// version observed in the conflict, so a concurrent server write between
// resolution and drain still surfaces as a fresh conflict rather than
// silently overwriting.
func (c *Client) ResolveMerge(ctx context.Context, txID string, selection map[string]Decision) error {
	for f, d := range selection {
		if d != DecisionMine && d != DecisionServer {
			return fmt.Errorf("invalid merge decision %q for field %q", d, f)
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	resolved, err := c.resolveMergeLocked(ctx, txID, selection)
	if err != nil {
		return err
	}
	if resolved {
		c.publish(HintConflictsChanged)
		c.publish(HintQueueChanged)
		c.RequestDrain()
	}
	return nil
}

// BulkResolveKeepMine applies keep-mine to every recorded conflict. Each
// conflict resolves in its own transaction, so an interruption leaves the
// earlier ones fully resolved and the rest untouched for a rerun.
func (c *Client) BulkResolveKeepMine(ctx context.Context) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ids, err := c.conflictIDsLocked(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		resolved, err := c.resolveKeepMineLocked(ctx, id)
		if err != nil {
			return count, err
		}
		if resolved {
			count++
		}
	}
	if count > 0 {
		c.publish(HintConflictsChanged)
		c.publish(HintQueueChanged)
		c.RequestDrain()
	}
	return count, nil
}

// BulkResolveKeepServer applies keep-server to every recorded conflict,
// with the same per-conflict transaction boundaries as BulkResolveKeepMine.
func (c *Client) BulkResolveKeepServer(ctx context.Context) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ids, err := c.conflictIDsLocked(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		resolved, err := c.resolveKeepServerLocked(ctx, id)
		if err != nil {
			return count, err
		}
		if resolved {
			count++
		}
	}
	if count > 0 {
		c.publish(HintConflictsChanged)
		c.publish(HintQueueChanged)
		c.RequestDrain()
	}
	return count, nil
}

func (c *Client) conflictIDsLocked(ctx context.Context) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT tx_id FROM _ledger_conflicts ORDER BY created_at, tx_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conflict id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (c *Client) resolveKeepMineLocked(ctx context.Context, txID string) (bool, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cf, rec, err := findConflictInTx(ctx, tx, txID)
	if err != nil {
		return false, err
	}
	if cf == nil {
		return false, nil // resolved elsewhere already
	}

	if err := markDecidedInTx(ctx, tx, cf.TxID, DecisionMine); err != nil {
		return false, err
	}

	localID, remoteID := "", cf.TxID
	if rec != nil {
		localID, remoteID = rec.ID, rec.RemoteID
	}

	if cf.Op == OpDelete {
		if _, err := enqueueInTx(ctx, tx, OpDelete, localID, remoteID, nil, nil, true); err != nil {
			return false, err
		}
	} else {
		var payload map[string]any
		if rec != nil && !rec.Deleted {
			payload = recordSnapshotPayload(rec)
		} else {
			// The local row is gone or hidden; reconstruct the intended
			// state by laying the rejected change over the server state.
			server, err := decodePayloadMap(cf.ServerPayload)
			if err != nil {
				return false, err
			}
			mine, err := decodePayloadMap(cf.MyPayload)
			if err != nil {
				return false, err
			}
			payload = overlayPayload(server, mine)
		}
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return false, fmt.Errorf("failed to marshal keep-mine payload: %w", err)
		}
		if _, err := enqueueInTx(ctx, tx, OpUpdate, localID, remoteID, payloadJSON, nil, true); err != nil {
			return false, err
		}
	}

	if err := dropQueueItemsInTx(ctx, tx, []string{cf.TxID, localID, remoteID}, StatusConflict); err != nil {
		return false, err
	}
	if err := dropConflictInTx(ctx, tx, cf.TxID); err != nil {
		return false, err
	}
	if err := recomputeFlagsInTx(ctx, tx, cf.TxID); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func (c *Client) resolveKeepServerLocked(ctx context.Context, txID string) (bool, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cf, rec, err := findConflictInTx(ctx, tx, txID)
	if err != nil {
		return false, err
	}
	if cf == nil {
		return false, nil
	}

	if err := markDecidedInTx(ctx, tx, cf.TxID, DecisionServer); err != nil {
		return false, err
	}

	server, err := decodePayloadMap(cf.ServerPayload)
	if err != nil {
		return false, err
	}
	if rec != nil {
		if err := overwriteRecordFromServerInTx(ctx, tx, rec.ID, server, cf.ServerVersion); err != nil {
			return false, err
		}
	} else {
		if err := insertRecordFromServerInTx(ctx, tx, cf.TxID, server, cf.ServerVersion); err != nil {
			return false, err
		}
	}

	// The rejected item and any errored siblings would collide again with
	// the state just adopted; they go with the change they carried.
	localID, remoteID := "", cf.TxID
	if rec != nil {
		localID, remoteID = rec.ID, rec.RemoteID
	}
	if err := dropQueueItemsInTx(ctx, tx, []string{cf.TxID, localID, remoteID}, StatusConflict, StatusError); err != nil {
		return false, err
	}
	if err := dropConflictInTx(ctx, tx, cf.TxID); err != nil {
		return false, err
	}
	if err := recomputeFlagsInTx(ctx, tx, cf.TxID); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func (c *Client) resolveMergeLocked(ctx context.Context, txID string, selection map[string]Decision) (bool, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cf, rec, err := findConflictInTx(ctx, tx, txID)
	if err != nil {
		return false, err
	}
	if cf == nil {
		return false, nil
	}
	if cf.Op != OpUpdate {
		return false, fmt.Errorf("%w: %s conflict on %s", ErrCannotMerge, cf.Op, cf.TxID)
	}

	if err := markDecidedInTx(ctx, tx, cf.TxID, DecisionMerge); err != nil {
		return false, err
	}

	mine, err := decodePayloadMap(cf.MyPayload)
	if err != nil {
		return false, err
	}
	server, err := decodePayloadMap(cf.ServerPayload)
	if err != nil {
		return false, err
	}
	if selection == nil {
		selection = make(map[string]Decision, len(mine))
		for f := range mine {
			selection[f] = DecisionMine
		}
	}
	merged := composeMergePayload(mine, server, selection)

	if rec != nil {
		if err := overwriteRecordFromServerInTx(ctx, tx, rec.ID, merged, cf.ServerVersion); err != nil {
			return false, err
		}
	} else {
		if err := insertRecordFromServerInTx(ctx, tx, cf.TxID, merged, cf.ServerVersion); err != nil {
			return false, err
		}
	}

	payloadJSON, err := json.Marshal(merged)
	if err != nil {
		return false, fmt.Errorf("failed to marshal merged payload: %w", err)
	}
	localID, remoteID := "", cf.TxID
	if rec != nil {
		localID, remoteID = rec.ID, rec.RemoteID
	}
	base := cf.ServerVersion
	if _, err := enqueueInTx(ctx, tx, OpUpdate, localID, remoteID, payloadJSON, &base, false); err != nil {
		return false, err
	}

	if err := dropQueueItemsInTx(ctx, tx, []string{cf.TxID, localID, remoteID}, StatusConflict); err != nil {
		return false, err
	}
	if err := dropConflictInTx(ctx, tx, cf.TxID); err != nil {
		return false, err
	}
	if err := recomputeFlagsInTx(ctx, tx, cf.TxID); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// findConflictInTx locates a conflict and the record it belongs to. Either
// may be nil: the caller can pass a record id with no conflict, or the
// conflict may reference a record that no longer exists locally.
func findConflictInTx(ctx context.Context, tx *sql.Tx, id string) (*ConflictRecord, *TransactionRecord, error) {
	loadConflict := func(txID string) (*ConflictRecord, error) {
		if txID == "" {
			return nil, nil
		}
		row := tx.QueryRowContext(ctx, `
			SELECT `+conflictColumns+` FROM _ledger_conflicts WHERE tx_id = ?
		`, txID)
		cf, err := scanConflict(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load conflict %s: %w", txID, err)
		}
		return cf, nil
	}

	cf, err := loadConflict(id)
	if err != nil {
		return nil, nil, err
	}

	rec, err := loadRecordInTx(ctx, tx, id)
	if errors.Is(err, ErrNotFound) {
		rec = nil
	} else if err != nil {
		return nil, nil, fmt.Errorf("failed to load record %s: %w", id, err)
	}

	if cf == nil && rec != nil {
		for _, candidate := range []string{rec.RemoteID, rec.ID} {
			if candidate == id {
				continue
			}
			cf, err = loadConflict(candidate)
			if err != nil {
				return nil, nil, err
			}
			if cf != nil {
				break
			}
		}
	}
	if cf != nil && rec == nil && cf.TxID != id {
		rec, err = loadRecordInTx(ctx, tx, cf.TxID)
		if errors.Is(err, ErrNotFound) {
			rec = nil
		} else if err != nil {
			return nil, nil, fmt.Errorf("failed to load record %s: %w", cf.TxID, err)
		}
	}
	return cf, rec, nil
}

// markDecidedInTx stamps the chosen strategy on the conflict before any
// cleanup, so an interrupted resolution shows what was decided.
func markDecidedInTx(ctx context.Context, tx *sql.Tx, txID string, d Decision) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE _ledger_conflicts SET decided = ? WHERE tx_id = ?
	`, string(d), txID); err != nil {
		return fmt.Errorf("failed to mark conflict decided: %w", err)
	}
	return nil
}

func dropConflictInTx(ctx context.Context, tx *sql.Tx, txID string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _ledger_conflicts WHERE tx_id = ?
	`, txID); err != nil {
		return fmt.Errorf("failed to drop conflict %s: %w", txID, err)
	}
	return nil
}

// dropQueueItemsInTx deletes queue items in the given statuses that target
// any of the given record ids.
func dropQueueItemsInTx(ctx context.Context, tx *sql.Tx, ids []string, statuses ...Status) error {
	seen := make(map[string]bool, len(ids))
	var keep []string
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			keep = append(keep, id)
		}
	}
	if len(keep) == 0 || len(statuses) == 0 {
		return nil
	}

	idPh := placeholders(len(keep))
	stPh := placeholders(len(statuses))
	args := make([]any, 0, len(statuses)+2*len(keep))
	for _, s := range statuses {
		args = append(args, string(s))
	}
	for _, id := range keep {
		args = append(args, id)
	}
	for _, id := range keep {
		args = append(args, id)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _ledger_queue
		WHERE status IN (`+stPh+`) AND (local_id IN (`+idPh+`) OR remote_id IN (`+idPh+`))
	`, args...); err != nil {
		return fmt.Errorf("failed to drop queue items: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// recordSnapshotPayload renders the record's current domain fields as a full
// wire payload, with empty optionals as explicit nulls so they clear on the
// server.
func recordSnapshotPayload(rec *TransactionRecord) map[string]any {
	var category, payee, notes any
	if rec.CategoryID != "" {
		category = rec.CategoryID
	}
	if rec.Payee != "" {
		payee = rec.Payee
	}
	if rec.Notes != "" {
		notes = rec.Notes
	}
	return map[string]any{
		FieldAmount:        rec.Amount,
		FieldOccurredAt:    formatTime(rec.OccurredAt),
		FieldCategoryID:    category,
		FieldPayee:         payee,
		FieldPaymentMethod: rec.PaymentMethod,
		FieldNotes:         notes,
	}
}
