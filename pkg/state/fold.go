package state

import (
	"encoding/json"
	"strings"
)

// DefaultSensitiveToken is the literal replacement value substituted for
// any subtree marked "__sensitive": true, unless the caller supplies its
// own token via FoldWithToken.
const DefaultSensitiveToken = "[sensitive]"

// Fold walks raw and produces the folded form used for diffing and for
// any output visible to the user: sensitive subtrees collapse to
// DefaultSensitiveToken, __value wrappers are unwrapped, and bookkeeping
// keys (any name beginning with "__") are dropped. The original,
// unfolded raw is what is encrypted to disk; only the folded form is
// diffed or displayed.
func Fold(raw json.RawMessage) (json.RawMessage, error) {
	return FoldWithToken(raw, DefaultSensitiveToken)
}

// FoldWithToken is Fold with a caller-supplied sensitive replacement
// token instead of DefaultSensitiveToken.
func FoldWithToken(raw json.RawMessage, token string) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	folded := foldValue(v, token)

	out, err := json.Marshal(folded)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// FoldValue folds an already-decoded JSON value (as produced by
// json.Unmarshal into interface{}) and returns the folded value, still
// decoded. Useful to callers that already hold a decoded tree, such as
// the diff engine.
func FoldValue(v interface{}, token string) interface{} {
	return foldValue(v, token)
}

func foldValue(v interface{}, token string) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if sensitive, ok := t["__sensitive"]; ok {
			if b, ok := sensitive.(bool); ok && b {
				return token
			}
		}
		if value, ok := t["__value"]; ok {
			return foldValue(value, token)
		}
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			if strings.HasPrefix(k, "__") {
				continue
			}
			out[k] = foldValue(vv, token)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = foldValue(vv, token)
		}
		return out
	default:
		return v
	}
}

// IsBookkeepingKey reports whether name is a bookkeeping key dropped by
// folding (any name beginning with "__").
func IsBookkeepingKey(name string) bool {
	return strings.HasPrefix(name, "__")
}
