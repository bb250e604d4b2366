package flow

// Context is the key/value state accumulated by the steps of a task or session.
// Keys are only ever added or overwritten, never removed.
type Context map[string]any

// Merge copies every key of delta into c, overwriting existing values.
func (c Context) Merge(delta map[string]any) {
	for k, v := range delta {
		c[k] = v
	}
}

// Clone returns a deep copy of c. Nested maps and slices are copied so the
// clone can be handed to an action without exposing the owner's state.
func (c Context) Clone() Context {
	if c == nil {
		return Context{}
	}
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

// Map exposes c as a plain map for expression engines.
func (c Context) Map() map[string]any {
	return map[string]any(c)
}

// Covers reports whether every key of prev is still present in c.
func (c Context) Covers(prev Context) bool {
	for k := range prev {
		if _, ok := c[k]; !ok {
			return false
		}
	}
	return true
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Context:
		return map[string]any(t.Clone())
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}
