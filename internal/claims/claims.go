package claims

import "maps"

// Claims represents a set of token claims as key-value pairs.
// Values are whatever the token payload decoded to (strings, numbers,
// nested maps), so callers use the typed accessors where possible.
type Claims map[string]any

// Copy creates a shallow copy of the claims
func (c Claims) Copy() Claims {
	if c == nil {
		return nil
	}
	result := make(Claims, len(c))
	maps.Copy(result, c)
	return result
}

// Get returns the value for the given key, or nil if not present
func (c Claims) Get(key string) any {
	return c[key]
}

// GetString returns the value as a string, or empty string if not present or not a string
func (c Claims) GetString(key string) string {
	if v, ok := c[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetStringSlice returns the value as a slice of strings.
// JSON arrays decode as []any, so both []string and []any are accepted;
// non-string elements are dropped.
func (c Claims) GetStringSlice(key string) []string {
	v, ok := c[key]
	if !ok {
		return nil
	}
	switch vs := v.(type) {
	case []string:
		out := make([]string, len(vs))
		copy(out, vs)
		return out
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Has returns true if the key exists in the claims
func (c Claims) Has(key string) bool {
	_, ok := c[key]
	return ok
}
