// Package render resolves {{...}} parameter templates against a run's
// payload and accumulated step artifacts.
//
// Two modes are provided: Template is strict and fails on any unresolvable
// token (used for approval messages and prompts), while Params is lenient
// and degrades gracefully (used for tool and agent parameters). Rendering is
// purely read-only over the context; no expression language, only dotted
// path lookups.
package render

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// tokenRe matches {{ path.to.value }} tokens. Paths start with a letter or
// underscore and may contain word characters and dots.
var tokenRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][\w\.]*)\s*\}\}`)

// Context is the lookup root for template resolution. Conventional keys are
// "payload" (the run input) and "artifacts" (completed step outputs keyed by
// step id).
type Context map[string]any

// NewContext builds a render context from a run payload and artifact map.
func NewContext(payload, artifacts map[string]any) Context {
	return Context{
		"payload":   payload,
		"artifacts": artifacts,
	}
}

// Template renders a string strictly: every token must resolve, otherwise an
// error naming the missing placeholders is returned. Non-string values are
// stringified (maps and lists as JSON).
func Template(template string, ctx Context) (string, error) {
	var missing []string
	for _, match := range tokenRe.FindAllStringSubmatch(template, -1) {
		if _, err := resolvePath(ctx, match[1]); err != nil {
			missing = append(missing, match[1])
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("missing placeholders: %s", strings.Join(missing, ", "))
	}

	return tokenRe.ReplaceAllStringFunc(template, func(tok string) string {
		path := tokenRe.FindStringSubmatch(tok)[1]
		value, _ := resolvePath(ctx, path)
		return stringify(value)
	}), nil
}

// Params renders a parameter map leniently. A string that is exactly one
// token resolves to the native value (nil when the path is missing); tokens
// embedded in a larger string are interpolated as text, with missing paths
// replaced by the empty string. Maps and slices are rendered recursively;
// all other values pass through unchanged.
func Params(params map[string]any, ctx Context) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = renderValue(v, ctx)
	}
	return out
}

func renderValue(value any, ctx Context) any {
	switch v := value.(type) {
	case string:
		return renderString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = renderValue(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = renderValue(val, ctx)
		}
		return out
	default:
		return value
	}
}

func renderString(s string, ctx Context) any {
	// A whole-string token preserves the native type of the resolved value.
	if m := tokenRe.FindStringSubmatch(s); m != nil && m[0] == s {
		value, err := resolvePath(ctx, m[1])
		if err != nil {
			return nil
		}
		return value
	}

	return tokenRe.ReplaceAllStringFunc(s, func(tok string) string {
		path := tokenRe.FindStringSubmatch(tok)[1]
		value, err := resolvePath(ctx, path)
		if err != nil || value == nil {
			return ""
		}
		return stringify(value)
	})
}

// resolvePath walks a dotted path through the context. Map segments look up
// keys; list segments require an in-range integer index. Under the
// "artifacts" root the first segments are matched against the longest
// dotted artifact key, so step ids containing dots resolve correctly.
func resolvePath(ctx Context, path string) (any, error) {
	parts := strings.Split(path, ".")
	root, ok := ctx[parts[0]]
	if !ok {
		return nil, fmt.Errorf("unresolved path: %s", path)
	}

	current := root
	remainder := parts[1:]
	if parts[0] == "artifacts" && len(remainder) > 0 {
		var err error
		current, remainder, err = resolveDottedKey(current, remainder, path)
		if err != nil {
			return nil, err
		}
	}

	for _, part := range remainder {
		switch v := current.(type) {
		case map[string]any:
			value, ok := v[part]
			if !ok {
				return nil, fmt.Errorf("unresolved path: %s", path)
			}
			current = value
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("unresolved path: %s", path)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("unresolved path: %s", path)
		}
	}
	return current, nil
}

// resolveDottedKey matches the longest prefix of remainder that joins into a
// key present in the map.
func resolveDottedKey(current any, remainder []string, path string) (any, []string, error) {
	m, ok := current.(map[string]any)
	if !ok {
		return current, remainder, nil
	}
	for split := len(remainder); split > 0; split-- {
		key := strings.Join(remainder[:split], ".")
		if value, ok := m[key]; ok {
			return value, remainder[split:], nil
		}
	}
	return nil, nil, fmt.Errorf("unresolved path: %s", path)
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}
