package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Interpolate resolves ${{ context.<path> }} references in the string values
// of params, recursing into nested maps and slices. A string consisting of a
// single reference takes the referenced value with its original type; a
// reference embedded in text is rendered as text.
func Interpolate(params map[string]any, data map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out, err := interpolateValue(params, data)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func interpolateValue(v any, data map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return interpolateString(t, data)
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			r, err := interpolateValue(vv, data)
			if err != nil {
				return nil, err
			}
			m[k] = r
		}
		return m, nil
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			r, err := interpolateValue(vv, data)
			if err != nil {
				return nil, err
			}
			s[i] = r
		}
		return s, nil
	default:
		return v, nil
	}
}

func interpolateString(input string, data map[string]any) (any, error) {
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "${{") == 1 {
		return resolveRef(strings.TrimSpace(trimmed[3:len(trimmed)-2]), data)
	}

	var b strings.Builder
	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			b.WriteString(input[i:])
			break
		}
		b.WriteString(input[i : i+idx])
		start := i + idx + 3
		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeExpression, "unclosed ${{ reference")
		}
		end += start
		val, err := resolveRef(strings.TrimSpace(input[start:end]), data)
		if err != nil {
			return nil, err
		}
		b.WriteString(inline(val))
		i = end + 2
	}
	return b.String(), nil
}

func resolveRef(ref string, data map[string]any) (any, error) {
	path, ok := strings.CutPrefix(ref, "context.")
	if !ok || path == "" {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "invalid reference %q: expected context.<key>", ref)
	}
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "reference %q: %q is not an object", ref, part)
		}
		if cur, ok = m[part]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "reference %q: key %q not found", ref, part).
				WithDetails(map[string]any{"reference": ref})
		}
	}
	return cur, nil
}

func inline(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
