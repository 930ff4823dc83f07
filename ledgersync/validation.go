package ledgersync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Validation error sentinels for better error mapping
var (
	ErrBadPayload      = errors.New("bad_payload")
	ErrUnknownOp       = errors.New("unknown_op")
	ErrReceiptTooLarge = errors.New("receipt_too_large")
)

// payloadFields is the set of transaction fields accepted in wire payloads.
var payloadFields = map[string]bool{
	"amount":         true,
	"occurred_at":    true,
	"category_id":    true,
	"payee":          true,
	"payment_method": true,
	"notes":          true,
	"receipt_url":    true,
}

// validateItem normalizes and validates a single apply item.
func (s *Service) validateItem(item *ItemApplyRequest) error {
	item.Op = strings.ToLower(strings.TrimSpace(item.Op))

	if _, err := uuid.Parse(item.ItemID); err != nil {
		return fmt.Errorf("%w: invalid item id %q", ErrBadPayload, item.ItemID)
	}
	if item.Target() == "" {
		return fmt.Errorf("%w: item has no target id", ErrBadPayload)
	}
	for _, id := range []string{item.LocalID, item.RemoteID} {
		if id == "" {
			continue
		}
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("%w: invalid transaction id %q", ErrBadPayload, id)
		}
	}

	switch item.Op {
	case OpCreate, OpUpdate:
		if len(item.Payload) == 0 {
			return fmt.Errorf("%w: payload required for %s", ErrBadPayload, item.Op)
		}
		var obj map[string]any
		if err := json.Unmarshal(item.Payload, &obj); err != nil || obj == nil {
			return fmt.Errorf("%w: payload must be a JSON object", ErrBadPayload)
		}
		if s.config.MaxPayloadBytes > 0 && len(item.Payload) > s.config.MaxPayloadBytes {
			return fmt.Errorf("%w: payload too large: %d > %d", ErrBadPayload, len(item.Payload), s.config.MaxPayloadBytes)
		}
		for key := range obj {
			if !payloadFields[key] {
				return fmt.Errorf("%w: unknown payload field %q", ErrBadPayload, key)
			}
		}
	case OpDelete:
		if len(item.Payload) != 0 {
			return fmt.Errorf("%w: delete must not include a payload", ErrBadPayload)
		}
	case OpUploadReceipt:
		return fmt.Errorf("%w: receipt uploads go through the receipts endpoint", ErrBadPayload)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, item.Op)
	}

	return nil
}

// invalidReason maps a validation error to its wire reason code.
func invalidReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownOp):
		return ReasonUnknownOp
	case errors.Is(err, ErrBadPayload):
		return ReasonBadPayload
	default:
		return ReasonInternalError
	}
}
