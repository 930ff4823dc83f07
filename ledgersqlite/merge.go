package ledgersqlite

import (
	"encoding/json"
	"fmt"
	"sort"
)

// FieldDiff is one field where the rejected local change and the server
// state disagree, with both values normalized for display.
type FieldDiff struct {
	Field  string
	Mine   any
	Server any
}

// fieldAbsent is the normalized form of a missing or null field value, so a
// field explicitly set to null compares equal to one never present.
type fieldAbsent struct{}

func (fieldAbsent) String() string { return "<absent>" }

// NormalizeFieldValue maps a decoded payload value to a canonical comparable
// form: null and absent collapse to one sentinel, and every numeric shape
// collapses to float64 so 5000 and 5000.0 compare equal.
func NormalizeFieldValue(v any) any {
	switch n := v.(type) {
	case nil:
		return fieldAbsent{}
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return n.String()
		}
		return f
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case string:
		return n
	case bool:
		return n
	default:
		return fmt.Sprintf("%v", n)
	}
}

// FieldDiffs lists the fields in dispute, in stable order. Only fields the
// local change touched participate; everything else already belongs to the
// server.
func (cf *ConflictRecord) FieldDiffs() ([]FieldDiff, error) {
	mine, err := decodePayloadMap(cf.MyPayload)
	if err != nil {
		return nil, err
	}
	server, err := decodePayloadMap(cf.ServerPayload)
	if err != nil {
		return nil, err
	}

	fields := make([]string, 0, len(mine))
	for f := range mine {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var diffs []FieldDiff
	for _, f := range fields {
		mv := NormalizeFieldValue(mine[f])
		sv := NormalizeFieldValue(server[f])
		if mv != sv {
			diffs = append(diffs, FieldDiff{Field: f, Mine: mv, Server: sv})
		}
	}
	return diffs, nil
}

// DefaultMergeSelection proposes keeping the local value for every field the
// local change touched. Fields absent from a selection fall to the server,
// so the returned map only names the local picks.
func (cf *ConflictRecord) DefaultMergeSelection() (map[string]Decision, error) {
	mine, err := decodePayloadMap(cf.MyPayload)
	if err != nil {
		return nil, err
	}
	sel := make(map[string]Decision, len(mine))
	for f := range mine {
		sel[f] = DecisionMine
	}
	return sel, nil
}

// composeMergePayload builds the merged full payload: the server state with
// the locally-chosen fields overlaid. A field chosen as mine but absent from
// the local change has no local value to offer and stays with the server.
func composeMergePayload(mine, server map[string]any, selection map[string]Decision) map[string]any {
	merged := make(map[string]any, len(server)+len(mine))
	for f, v := range server {
		merged[f] = v
	}
	for f, d := range selection {
		if d != DecisionMine {
			continue
		}
		if v, ok := mine[f]; ok {
			merged[f] = v
		}
	}
	return merged
}

// overlayPayload is the keep-mine fallback composition: every field of the
// local change wins over the server state.
func overlayPayload(server, mine map[string]any) map[string]any {
	out := make(map[string]any, len(server)+len(mine))
	for f, v := range server {
		out[f] = v
	}
	for f, v := range mine {
		out[f] = v
	}
	return out
}
