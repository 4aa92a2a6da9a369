package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Template resolution: strings of the form {{dotted.path | default}}
// are resolved against a flat context of {vars, secrets, results}.
//
// Resolution walks dot-separated segments through nested maps and
// slices. Numeric segments index sequences; the pseudo-segments
// "length", "len", and "count" resolve to a sequence's cardinality.
// A missing path substitutes the literal default (quotes stripped) or,
// with no default, leaves the placeholder untouched so the failure is
// visible downstream.
//
// Templates are pure string substitution. There is no expression
// evaluation and no code execution path.

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}|]+?)\s*(?:\|\s*([^{}]*?)\s*)?\}\}`)

// TemplateContext is the flat namespace visible to placeholders.
type TemplateContext struct {
	Vars    map[string]any
	Secrets map[string]any
	Results map[string]any
}

// root resolves the first path segment to one of the context maps, or
// falls back to vars for bare names ({{order_id}} == {{vars.order_id}}).
func (c TemplateContext) root(segment string) (any, bool) {
	switch segment {
	case "vars":
		return c.Vars, true
	case "secrets":
		return c.Secrets, true
	case "results":
		return c.Results, true
	}
	if c.Vars != nil {
		if v, ok := c.Vars[segment]; ok {
			return v, true
		}
	}
	return nil, false
}

// RenderString substitutes every placeholder in s. When the whole
// string is a single placeholder the resolved value is returned as-is
// (preserving its type via stringification only at the end), matching
// the behavior procedures rely on for numeric params.
func RenderString(s string, ctx TemplateContext) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderRe.FindStringSubmatch(match)
		path := strings.TrimSpace(groups[1])
		def := strings.TrimSpace(groups[2])

		if v, ok := resolvePath(path, ctx); ok {
			return stringify(v)
		}
		if def != "" {
			return stripQuotes(def)
		}
		return match
	})
}

// RenderValue renders v recursively. Strings that consist of exactly
// one placeholder resolve to the referenced value with its native type;
// all other strings go through RenderString. Maps and slices are walked.
func RenderValue(v any, ctx TemplateContext) any {
	switch t := v.(type) {
	case string:
		if m := placeholderRe.FindStringSubmatch(t); m != nil && m[0] == strings.TrimSpace(t) {
			path := strings.TrimSpace(m[1])
			if resolved, ok := resolvePath(path, ctx); ok {
				return resolved
			}
			if def := strings.TrimSpace(m[2]); def != "" {
				return stripQuotes(def)
			}
			return t
		}
		return RenderString(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = RenderValue(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = RenderValue(val, ctx)
		}
		return out
	default:
		return v
	}
}

// RenderParams renders a step's params map against the context.
func RenderParams(params map[string]any, ctx TemplateContext) map[string]any {
	if params == nil {
		return nil
	}
	rendered, _ := RenderValue(params, ctx).(map[string]any)
	return rendered
}

func resolvePath(path string, ctx TemplateContext) (any, bool) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 {
		return nil, false
	}

	current, ok := ctx.root(segments[0])
	if !ok {
		return nil, false
	}

	for _, seg := range segments[1:] {
		current, ok = walkSegment(current, seg)
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func walkSegment(current any, seg string) (any, bool) {
	switch seg {
	case "length", "len", "count":
		if n, ok := sequenceLen(current); ok {
			return n, true
		}
	}

	switch t := current.(type) {
	case map[string]any:
		v, ok := t[seg]
		return v, ok
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(t) {
			return nil, false
		}
		return t[idx], true
	default:
		return nil, false
	}
}

func sequenceLen(v any) (int, bool) {
	switch t := v.(type) {
	case []any:
		return len(t), true
	case string:
		return len(t), true
	case map[string]any:
		return len(t), true
	}
	return 0, false
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; print integers without a
		// trailing ".0" so rendered params stay readable.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
