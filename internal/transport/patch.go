package transport

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ApplyPatch merges patch into the JSON object doc and returns the result.
// Patch keys are slash separated field paths; nil values delete the field and
// prune parents left empty.
func ApplyPatch(doc json.RawMessage, patch map[string]any) (json.RawMessage, error) {
	root := map[string]any{}
	if len(doc) > 0 && string(doc) != "null" {
		if err := json.Unmarshal(doc, &root); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
	}

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fields := strings.Split(k, "/")
		v := patch[k]
		if v == nil {
			deleteField(root, fields)
			continue
		}
		generic, err := toGeneric(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		setField(root, fields, generic)
	}

	out, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return out, nil
}

func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var g any
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	return g, nil
}

func setField(m map[string]any, fields []string, v any) {
	for _, f := range fields[:len(fields)-1] {
		next, ok := m[f].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[f] = next
		}
		m = next
	}
	m[fields[len(fields)-1]] = v
}

// deleteField removes the field and reports whether m is now empty.
func deleteField(m map[string]any, fields []string) bool {
	if len(fields) == 1 {
		delete(m, fields[0])
		return len(m) == 0
	}
	next, ok := m[fields[0]].(map[string]any)
	if !ok {
		return len(m) == 0
	}
	if deleteField(next, fields[1:]) {
		delete(m, fields[0])
	}
	return len(m) == 0
}
