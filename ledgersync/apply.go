package ledgersync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ProcessApply replays a batch of queued client mutations in order, inside
// one REPEATABLE READ transaction with a SAVEPOINT per item. Each item
// answers applied, conflict, transient, or invalid; a conflict carries the
// authoritative state that rejected the item.
func (s *Service) ProcessApply(ctx context.Context, userID, deviceID string, req *ApplyRequest) (*ApplyResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	if len(req.Items) == 0 {
		return &ApplyResponse{Results: []ItemApplyResult{}}, nil
	}

	if s.config.MaxApplyBatch > 0 && len(req.Items) > s.config.MaxApplyBatch {
		results := make([]ItemApplyResult, len(req.Items))
		for i, item := range req.Items {
			err := fmt.Errorf("batch too large: items=%d limit=%d", len(req.Items), s.config.MaxApplyBatch)
			results[i] = resultInvalid(item.ItemID, ReasonBatchTooLarge, err)
		}
		return &ApplyResponse{Results: results}, nil
	}

	results := make([]ItemApplyResult, len(req.Items))
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		_, _ = tx.Exec(ctx, "SET LOCAL lock_timeout = '3s'")

		for i := range req.Items {
			item := &req.Items[i]
			if err := s.validateItem(item); err != nil {
				results[i] = resultInvalid(item.ItemID, invalidReason(err), err)
				continue
			}
			res, err := s.applyItem(ctx, tx, userID, deviceID, item)
			if err != nil {
				return err
			}
			results[i] = res
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to process apply transaction: %w", err)
	}

	return &ApplyResponse{Results: results}, nil
}

// applyItem applies one validated item under a SAVEPOINT, gated by the
// idempotency log so a redelivered item answers with its original outcome.
func (s *Service) applyItem(ctx context.Context, tx pgx.Tx, userID, deviceID string, item *ItemApplyRequest) (ItemApplyResult, error) {
	res, logged, err := s.loggedResult(ctx, tx, userID, item)
	if err != nil {
		return ItemApplyResult{}, err
	}
	if logged {
		return res, nil
	}

	spName := "sp_" + strings.ReplaceAll(item.ItemID, "-", "")
	sp := pgx.Identifier{spName}.Sanitize()
	if _, err := tx.Exec(ctx, fmt.Sprintf("SAVEPOINT %s", sp)); err != nil {
		return ItemApplyResult{}, fmt.Errorf("failed to create savepoint: %w", err)
	}

	switch item.Op {
	case OpCreate:
		res, err = s.applyCreate(ctx, tx, userID, item)
	case OpUpdate:
		res, err = s.applyUpdate(ctx, tx, userID, item)
	case OpDelete:
		res, err = s.applyDelete(ctx, tx, userID, item)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownOp, item.Op)
	}

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.SQLState() == "40001" || pgErr.SQLState() == "40P01") {
			// Serialization failure or deadlock: the item may still have
			// been applied by a concurrent delivery, so consult the log.
			_, _ = tx.Exec(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", sp))
			exists, checkErr := s.applyLogHasItem(ctx, tx, userID, item.ItemID)
			_, _ = tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", sp))
			if checkErr != nil {
				return resultInvalid(item.ItemID, ReasonInternalError, fmt.Errorf("idempotency gate check failed: %w", checkErr)), nil
			}
			if exists {
				return resultAppliedNoop(item.ItemID), nil
			}
			return resultTransient(item.ItemID, fmt.Errorf("apply lost a row race (%s); retry", pgErr.SQLState())), nil
		}
		_, _ = tx.Exec(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", sp))
		_, _ = tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", sp))
		return ItemApplyResult{}, fmt.Errorf("failed to apply %s item: %w", item.Op, err)
	}

	if res.Status == StApplied {
		if err := s.logApplied(ctx, tx, userID, deviceID, item, &res); err != nil {
			_, _ = tx.Exec(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", sp))
			_, _ = tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", sp))
			return ItemApplyResult{}, err
		}
	} else {
		// Conflicts and invalids leave no row changes behind.
		_, _ = tx.Exec(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", sp))
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", sp)); err != nil {
		return ItemApplyResult{}, fmt.Errorf("failed to release savepoint: %w", err)
	}
	return res, nil
}

// loggedResult answers for an item already in the apply log.
func (s *Service) loggedResult(ctx context.Context, tx pgx.Tx, userID string, item *ItemApplyRequest) (ItemApplyResult, bool, error) {
	var op, txID string
	var newVersion int64
	err := tx.QueryRow(ctx, `
		SELECT op, tx_id::text, new_version FROM ledger.apply_log
		WHERE user_id = $1 AND item_id = $2
	`, userID, item.ItemID).Scan(&op, &txID, &newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return ItemApplyResult{}, false, nil
	}
	if err != nil {
		return ItemApplyResult{}, false, fmt.Errorf("failed to check apply log: %w", err)
	}

	switch {
	case op == OpCreate:
		return resultCreated(item.ItemID, txID, newVersion), true, nil
	case newVersion > 0:
		return resultApplied(item.ItemID, newVersion), true, nil
	default:
		return resultAppliedNoop(item.ItemID), true, nil
	}
}

func (s *Service) applyLogHasItem(ctx context.Context, tx pgx.Tx, userID, itemID string) (bool, error) {
	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger.apply_log WHERE user_id = $1 AND item_id = $2
		)`, userID, itemID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Service) logApplied(ctx context.Context, tx pgx.Tx, userID, deviceID string, item *ItemApplyRequest, res *ItemApplyResult) error {
	newVersion := int64(0)
	if res.NewVersion != nil {
		newVersion = *res.NewVersion
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger.apply_log (user_id, item_id, device_id, op, tx_id, new_version)
		VALUES (@user_id, @item_id, @device_id, @op, @tx_id, @new_version)
		ON CONFLICT (user_id, item_id) DO NOTHING
	`, pgx.NamedArgs{
		"user_id":     userID,
		"item_id":     item.ItemID,
		"device_id":   deviceID,
		"op":          item.Op,
		"tx_id":       item.Target(),
		"new_version": newVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to log applied item: %w", err)
	}
	return nil
}

// applyCreate upserts the full record. Creates carry no precondition, so a
// redelivered or raced create lands as another version bump, never a conflict.
func (s *Service) applyCreate(ctx context.Context, tx pgx.Tx, userID string, item *ItemApplyRequest) (ItemApplyResult, error) {
	payload, err := decodeWirePayload(item.Payload)
	if err != nil {
		return resultInvalid(item.ItemID, ReasonBadPayload, err), nil
	}

	txID := item.Target()
	version, err := s.upsertFull(ctx, tx, userID, txID, payload)
	if err != nil {
		return ItemApplyResult{}, err
	}
	return resultCreated(item.ItemID, txID, version), nil
}

// applyUpdate applies a sparse diff. The version gate runs only for items
// carrying a base version without the unconditional override.
func (s *Service) applyUpdate(ctx context.Context, tx pgx.Tx, userID string, item *ItemApplyRequest) (ItemApplyResult, error) {
	payload, err := decodeWirePayload(item.Payload)
	if err != nil {
		return resultInvalid(item.ItemID, ReasonBadPayload, err), nil
	}
	txID := item.Target()

	if gated(item) {
		var version int64
		err := tx.QueryRow(ctx, `
			SELECT version FROM ledger.transactions
			WHERE user_id = $1 AND id = $2
			FOR UPDATE
		`, userID, txID).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return resultInvalid(item.ItemID, ReasonNotFound, fmt.Errorf("transaction %s not found", txID)), nil
		}
		if err != nil {
			return ItemApplyResult{}, err
		}
		if version != *item.BaseVersion {
			snap, snapVersion, updatedAt, err := s.fetchTransactionSnapshot(ctx, tx, userID, txID)
			if err != nil {
				return ItemApplyResult{}, err
			}
			return resultConflict(item.ItemID, snap, snapVersion, updatedAt), nil
		}
	}

	set, args := payload.updateClause()
	args["user_id"] = userID
	args["id"] = txID
	var version int64
	err = tx.QueryRow(ctx, `
		UPDATE ledger.transactions SET `+set+`
		WHERE user_id = @user_id AND id = @id
		RETURNING version
	`, args).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		// An ungated update on a missing row is a last-writer-wins override
		// arriving after a delete; the override wins and the row comes back.
		version, err = s.upsertFull(ctx, tx, userID, txID, payload)
		if err != nil {
			return ItemApplyResult{}, err
		}
		return resultApplied(item.ItemID, version), nil
	}
	if err != nil {
		return ItemApplyResult{}, err
	}
	return resultApplied(item.ItemID, version), nil
}

// applyDelete removes the row. Deleting a transaction the store no longer
// has is a successful no-op.
func (s *Service) applyDelete(ctx context.Context, tx pgx.Tx, userID string, item *ItemApplyRequest) (ItemApplyResult, error) {
	txID := item.Target()

	if gated(item) {
		var version int64
		err := tx.QueryRow(ctx, `
			SELECT version FROM ledger.transactions
			WHERE user_id = $1 AND id = $2
			FOR UPDATE
		`, userID, txID).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return resultAppliedNoop(item.ItemID), nil
		}
		if err != nil {
			return ItemApplyResult{}, err
		}
		if version != *item.BaseVersion {
			snap, snapVersion, updatedAt, err := s.fetchTransactionSnapshot(ctx, tx, userID, txID)
			if err != nil {
				return ItemApplyResult{}, err
			}
			return resultConflict(item.ItemID, snap, snapVersion, updatedAt), nil
		}
	}

	var oldVersion int64
	err := tx.QueryRow(ctx, `
		DELETE FROM ledger.transactions WHERE user_id = $1 AND id = $2 RETURNING version
	`, userID, txID).Scan(&oldVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return resultAppliedNoop(item.ItemID), nil
	}
	if err != nil {
		return ItemApplyResult{}, err
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM ledger.receipts WHERE user_id = $1 AND tx_id = $2
	`, userID, txID); err != nil {
		return ItemApplyResult{}, err
	}
	return resultApplied(item.ItemID, oldVersion+1), nil
}

// gated reports whether the version gate applies to an item.
func gated(item *ItemApplyRequest) bool {
	return !item.Unconditional && item.BaseVersion != nil
}

// upsertFull writes every provided field, with column defaults for the rest,
// bumping the version when the row already exists.
func (s *Service) upsertFull(ctx context.Context, tx pgx.Tx, userID, txID string, payload *wirePayload) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx, `
		INSERT INTO ledger.transactions
			(user_id, id, amount, occurred_at, category_id, payee, payment_method, notes)
		VALUES (@user_id, @id, COALESCE(@amount, 0), COALESCE(@occurred_at, now()),
			@category_id, @payee, COALESCE(@payment_method, ''), @notes)
		ON CONFLICT (user_id, id) DO UPDATE SET
			amount = EXCLUDED.amount, occurred_at = EXCLUDED.occurred_at,
			category_id = EXCLUDED.category_id, payee = EXCLUDED.payee,
			payment_method = EXCLUDED.payment_method, notes = EXCLUDED.notes,
			version = ledger.transactions.version + 1, updated_at = now()
		RETURNING version
	`, pgx.NamedArgs{
		"user_id":        userID,
		"id":             txID,
		"amount":         payload.amount,
		"occurred_at":    payload.occurredAt,
		"category_id":    payload.categoryID,
		"payee":          payload.payee,
		"payment_method": payload.paymentMethod,
		"notes":          payload.notes,
	}).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert transaction %s: %w", txID, err)
	}
	return version, nil
}

// fetchTransactionSnapshot fetches the current server state for conflict
// responses, shaped exactly like wire payloads.
func (s *Service) fetchTransactionSnapshot(ctx context.Context, tx pgx.Tx, userID, txID string) (json.RawMessage, int64, time.Time, error) {
	var payload json.RawMessage
	var version int64
	var updatedAt time.Time
	err := tx.QueryRow(ctx, `
		SELECT to_jsonb(x) - 'version' - 'updated_at', x.version, x.updated_at
		FROM (
			SELECT amount,
			       to_char(occurred_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.MS"Z"') AS occurred_at,
			       category_id, payee, payment_method, notes, receipt_url,
			       version, updated_at
			FROM ledger.transactions
			WHERE user_id = $1 AND id = $2
		) x
	`, userID, txID).Scan(&payload, &version, &updatedAt)
	if err != nil {
		return nil, 0, time.Time{}, fmt.Errorf("failed to fetch snapshot for %s: %w", txID, err)
	}
	return payload, version, updatedAt, nil
}

// wirePayload holds decoded payload fields. set tracks which keys appeared
// at all, so an explicit null (clear the field) is distinct from absence
// (leave the field alone).
type wirePayload struct {
	amount        *int64
	occurredAt    *time.Time
	categoryID    *string
	payee         *string
	paymentMethod *string
	notes         *string
	receiptURL    *string

	set map[string]bool
}

func decodeWirePayload(raw json.RawMessage) (*wirePayload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrBadPayload)
	}

	p := &wirePayload{set: make(map[string]bool, len(obj))}
	for key, val := range obj {
		p.set[key] = true
		if val == nil {
			continue
		}
		switch key {
		case "amount":
			num, ok := val.(json.Number)
			if !ok {
				return nil, fmt.Errorf("%w: amount must be a number", ErrBadPayload)
			}
			i, err := num.Int64()
			if err != nil {
				f, ferr := num.Float64()
				if ferr != nil {
					return nil, fmt.Errorf("%w: amount %q is not numeric", ErrBadPayload, num.String())
				}
				i = int64(f)
			}
			p.amount = &i
		case "occurred_at":
			sv, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("%w: occurred_at must be a string", ErrBadPayload)
			}
			t, err := time.Parse(time.RFC3339, sv)
			if err != nil {
				return nil, fmt.Errorf("%w: occurred_at %q is not a timestamp", ErrBadPayload, sv)
			}
			p.occurredAt = &t
		case "category_id", "payee", "payment_method", "notes", "receipt_url":
			sv, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a string", ErrBadPayload, key)
			}
			switch key {
			case "category_id":
				p.categoryID = &sv
			case "payee":
				p.payee = &sv
			case "payment_method":
				p.paymentMethod = &sv
			case "notes":
				p.notes = &sv
			case "receipt_url":
				p.receiptURL = &sv
			}
		default:
			return nil, fmt.Errorf("%w: unknown payload field %q", ErrBadPayload, key)
		}
	}
	return p, nil
}

// updateClause renders the provided fields as a SET clause. Explicit nulls
// clear nullable columns and fall to defaults for non-nullable ones.
func (p *wirePayload) updateClause() (string, pgx.NamedArgs) {
	set := []string{"version = version + 1", "updated_at = now()"}
	args := pgx.NamedArgs{}

	if p.set["amount"] {
		set = append(set, "amount = COALESCE(@amount, 0)")
		args["amount"] = p.amount
	}
	if p.set["occurred_at"] {
		set = append(set, "occurred_at = COALESCE(@occurred_at, occurred_at)")
		args["occurred_at"] = p.occurredAt
	}
	if p.set["category_id"] {
		set = append(set, "category_id = @category_id")
		args["category_id"] = p.categoryID
	}
	if p.set["payee"] {
		set = append(set, "payee = @payee")
		args["payee"] = p.payee
	}
	if p.set["payment_method"] {
		set = append(set, "payment_method = COALESCE(@payment_method, '')")
		args["payment_method"] = p.paymentMethod
	}
	if p.set["notes"] {
		set = append(set, "notes = @notes")
		args["notes"] = p.notes
	}
	if p.set["receipt_url"] {
		set = append(set, "receipt_url = @receipt_url")
		args["receipt_url"] = p.receiptURL
	}
	return strings.Join(set, ", "), args
}
