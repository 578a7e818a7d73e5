package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// PromoteArgs converts a celery-style positional args string (python repr
// such as "('john', 42)" or a JSON array) into individually indexable
// fields: {"args_0": "john", "args_1": "42"}. At most numPromoted values are
// promoted and each value is truncated to maxLen.
func PromoteArgs(args string, numPromoted, maxLen int) map[string]string {
	args = strings.TrimSpace(args)
	if args == "" || args == "()" || args == "[]" {
		return nil
	}

	values := parseArgValues(args)
	if len(values) == 0 {
		return nil
	}
	if len(values) > numPromoted {
		values = values[:numPromoted]
	}

	promoted := make(map[string]string, len(values))
	for i, v := range values {
		promoted[fmt.Sprintf("args_%d", i)] = clipString(v, maxLen)
	}
	return promoted
}

func parseArgValues(args string) []string {
	// JSON array is the cheap path.
	var arr []interface{}
	if err := json.Unmarshal([]byte(args), &arr); err == nil {
		values := make([]string, 0, len(arr))
		for _, v := range arr {
			values = append(values, scalarString(v))
		}
		return values
	}

	// Fall back to splitting the python tuple/list repr on top-level commas.
	inner := args
	if (strings.HasPrefix(inner, "(") && strings.HasSuffix(inner, ")")) ||
		(strings.HasPrefix(inner, "[") && strings.HasSuffix(inner, "]")) {
		inner = inner[1 : len(inner)-1]
	}
	parts := splitTopLevel(inner)
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		values = append(values, unquote(p))
	}
	return values
}

// splitTopLevel splits on commas that are outside any quote or bracket pair.
func splitTopLevel(s string) []string {
	var (
		parts   []string
		depth   int
		quote   rune
		current strings.Builder
	)
	for _, r := range s {
		switch {
		case quote != 0:
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			current.WriteRune(r)
		case r == '(' || r == '[' || r == '{':
			depth++
			current.WriteRune(r)
		case r == ')' || r == ']' || r == '}':
			depth--
			current.WriteRune(r)
		case r == ',' && depth == 0:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func scalarString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return "null"
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}

// FlattenOptions bounds the kwargs flattening so a nested payload cannot
// explode into an unbounded document.
type FlattenOptions struct {
	MaxDepth     int
	MaxListItems int
	MaxStringLen int
}

// FlattenKwargs converts a kwargs JSON object string into a flat one-level
// map with dotted key paths: {"a": {"b": 1}} becomes {"a.b": 1}. Lists are
// indexed (a.0, a.1) up to MaxListItems; nesting beyond MaxDepth is stored
// as a JSON string; string values are clipped to MaxStringLen. Stringy
// scalars ("true", "42", "3.14") are coerced to typed values. Unparseable
// input yields nil rather than an error.
func FlattenKwargs(kwargs string, opts FlattenOptions) map[string]interface{} {
	if kwargs == "" {
		return nil
	}
	var root map[string]interface{}
	if err := json.Unmarshal([]byte(kwargs), &root); err != nil {
		return nil
	}
	if len(root) == 0 {
		return nil
	}

	flat := make(map[string]interface{})
	for k, v := range root {
		flattenValue(k, v, flat, 1, opts)
	}
	return flat
}

func flattenValue(prefix string, value interface{}, out map[string]interface{}, depth int, opts FlattenOptions) {
	if depth > opts.MaxDepth {
		b, err := json.Marshal(value)
		if err != nil {
			out[prefix] = fmt.Sprintf("%v", value)
			return
		}
		out[prefix] = clipString(string(b), opts.MaxStringLen)
		return
	}

	switch v := value.(type) {
	case map[string]interface{}:
		if len(v) == 0 {
			out[prefix] = "{}"
			return
		}
		for k, inner := range v {
			flattenValue(prefix+"."+k, inner, out, depth+1, opts)
		}
	case []interface{}:
		if len(v) == 0 {
			out[prefix] = "[]"
			return
		}
		if len(v) > opts.MaxListItems {
			v = v[:opts.MaxListItems]
		}
		for i, inner := range v {
			flattenValue(fmt.Sprintf("%s.%d", prefix, i), inner, out, depth+1, opts)
		}
	case string:
		out[prefix] = coerceScalar(clipString(v, opts.MaxStringLen))
	default:
		out[prefix] = v
	}
}

// clipString truncates s to at most max bytes, backing off to the previous
// rune boundary so the result stays valid UTF-8.
func clipString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func coerceScalar(s string) interface{} {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	return s
}

// SplitName derives {module, function} from a dotted task name like
// "myproject.app.tasks.process_data".
func SplitName(fqn string) (module, function string) {
	idx := strings.LastIndex(fqn, ".")
	if idx < 0 {
		return "", fqn
	}
	return fqn[:idx], fqn[idx+1:]
}
