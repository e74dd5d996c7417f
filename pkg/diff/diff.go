// Package diff computes a structured, deterministic difference between two
// JSON values, after folding both sides to redact sensitive subtrees. It
// backs Mashin's planner: the set of non-equal paths drives the
// create/update/delete decision for a resource.
package diff

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/mashin-run/mashin/pkg/state"
)

// Class classifies a single diff Entry.
type Class int

const (
	Equal Class = iota
	Created
	Deleted
	Updated
)

func (c Class) String() string {
	switch c {
	case Equal:
		return "equal"
	case Created:
		return "created"
	case Deleted:
		return "deleted"
	case Updated:
		return "updated"
	default:
		return "unknown"
	}
}

// Entry is one element of a diff sequence: the dot-joined path from the
// root, the value on each side, and the change class.
type Entry struct {
	Path     string
	Previous interface{}
	New      interface{}
	Class    Class
}

// bookkeepingPathKeys are elided from the displayed path entirely (never
// rendered as a path segment), per the diff path-rendering rule.
var bookkeepingPathKeys = map[string]bool{
	"__value":  true,
	"__config": true,
	"__urn":    true,
	"__name":   true,
}

// Diff computes the diff between previous and next, folding both with
// state.DefaultSensitiveToken before comparing them.
func Diff(previous, next json.RawMessage) ([]Entry, error) {
	return DiffWithToken(previous, next, state.DefaultSensitiveToken)
}

// DiffWithToken is Diff with an explicit sensitive replacement token,
// applied to both sides before comparison.
func DiffWithToken(previous, next json.RawMessage, token string) ([]Entry, error) {
	prevFolded, err := decodeFolded(previous, token)
	if err != nil {
		return nil, err
	}
	nextFolded, err := decodeFolded(next, token)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	walk(nil, prevFolded, nextFolded, &entries)
	return entries, nil
}

func decodeFolded(raw json.RawMessage, token string) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return state.FoldValue(v, token), nil
}

func walk(path []string, previous, next interface{}, out *[]Entry) {
	switch {
	case previous == nil && next == nil:
		*out = append(*out, Entry{Path: renderPath(path), Previous: previous, New: next, Class: Equal})
		return
	case previous == nil && next != nil:
		walkCreatedDeleted(path, next, out, Created)
		return
	case previous != nil && next == nil:
		walkCreatedDeleted(path, previous, out, Deleted)
		return
	}

	prevMap, prevIsMap := previous.(map[string]interface{})
	nextMap, nextIsMap := next.(map[string]interface{})
	if prevIsMap && nextIsMap {
		walkObject(path, prevMap, nextMap, out)
		return
	}

	prevArr, prevIsArr := previous.([]interface{})
	nextArr, nextIsArr := next.([]interface{})
	if prevIsArr && nextIsArr {
		walkArray(path, prevArr, nextArr, out)
		return
	}

	// Scalars (or a type mismatch, treated as a scalar replacement).
	class := Updated
	if scalarEqual(previous, next) {
		class = Equal
	}
	*out = append(*out, Entry{Path: renderPath(path), Previous: previous, New: next, Class: class})
}

// walkCreatedDeleted recurses into a one-sided subtree, emitting a
// created/deleted entry for every leaf it contains.
func walkCreatedDeleted(path []string, side interface{}, out *[]Entry, class Class) {
	switch t := side.(type) {
	case map[string]interface{}:
		for _, k := range sortedKeys(t) {
			child := append(append([]string{}, path...), k)
			walkCreatedDeleted(child, t[k], out, class)
		}
	case []interface{}:
		for i, v := range t {
			child := append(append([]string{}, path...), strconv.Itoa(i))
			walkCreatedDeleted(child, v, out, class)
		}
	default:
		entry := Entry{Path: renderPath(path), Class: class}
		if class == Created {
			entry.New = side
		} else {
			entry.Previous = side
		}
		*out = append(*out, entry)
	}
}

func walkObject(path []string, previous, next map[string]interface{}, out *[]Entry) {
	keys := map[string]bool{}
	for k := range previous {
		keys[k] = true
	}
	for k := range next {
		keys[k] = true
	}

	for _, k := range sortedKeySet(keys) {
		child := append(append([]string{}, path...), k)
		pv, pok := previous[k]
		nv, nok := next[k]
		switch {
		case pok && nok:
			walk(child, pv, nv, out)
		case pok && !nok:
			walkCreatedDeleted(child, pv, out, Deleted)
		case !pok && nok:
			walkCreatedDeleted(child, nv, out, Created)
		}
	}
}

func walkArray(path []string, previous, next []interface{}, out *[]Entry) {
	n := len(previous)
	if len(next) > n {
		n = len(next)
	}
	for i := 0; i < n; i++ {
		child := append(append([]string{}, path...), strconv.Itoa(i))
		var pv, nv interface{}
		if i < len(previous) {
			pv = previous[i]
		}
		if i < len(next) {
			nv = next[i]
		}
		switch {
		case i < len(previous) && i < len(next):
			walk(child, pv, nv, out)
		case i < len(previous):
			walkCreatedDeleted(child, pv, out, Deleted)
		case i < len(next):
			walkCreatedDeleted(child, nv, out, Created)
		}
	}
}

func scalarEqual(a, b interface{}) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(ab) == string(bb)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeySet(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// renderPath joins path segments with '.', eliding bookkeeping keys
// entirely (they never appear in displayed output).
func renderPath(path []string) string {
	kept := make([]string, 0, len(path))
	for _, seg := range path {
		if bookkeepingPathKeys[seg] {
			continue
		}
		kept = append(kept, seg)
	}
	return strings.Join(kept, ".")
}

// IsUpdate reports whether any entry in entries is classed Updated.
func IsUpdate(entries []Entry) bool {
	for _, e := range entries {
		if e.Class == Updated {
			return true
		}
	}
	return false
}

// PathsOfChanges returns the set of paths for every non-Equal entry, in
// sorted order.
func PathsOfChanges(entries []Entry) []string {
	set := map[string]bool{}
	for _, e := range entries {
		if e.Class != Equal {
			set[e.Path] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Equal reports whether entries contains no non-equal entry at all —
// i.e. the two folded inputs are structurally identical.
func Equal(entries []Entry) bool {
	for _, e := range entries {
		if e.Class != Equal {
			return false
		}
	}
	return true
}
