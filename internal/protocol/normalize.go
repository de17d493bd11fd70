package protocol

import "strings"

// Change is a normalized edit proposal payload. Proposal shapes vary by kind,
// so everything beyond the identifier, kind, and rationale is carried in
// Fields with keys converted to camelCase. Normalization is lossless: no
// incoming key is dropped.
type Change struct {
	ID        string
	Kind      string
	Rationale string
	Fields    map[string]any
}

// NormalizeChange maps a raw proposal payload to a Change. The identifier is
// taken from "id" or "change_id" (whichever the agent sent), the kind from
// "type", and the rationale from "rationale" or "reason". All remaining keys
// are converted from snake_case to camelCase and kept.
func NormalizeChange(raw map[string]any) Change {
	ch := Change{Fields: make(map[string]any, len(raw))}
	for key, value := range raw {
		switch key {
		case "id", "change_id":
			if s, ok := value.(string); ok && ch.ID == "" {
				ch.ID = s
			}
		case "type":
			if s, ok := value.(string); ok {
				ch.Kind = s
			}
		case "rationale", "reason":
			if s, ok := value.(string); ok && ch.Rationale == "" {
				ch.Rationale = s
			}
		default:
			ch.Fields[camelCase(key)] = normalizeValue(value)
		}
	}
	return ch
}

// normalizeValue recurses into nested objects and arrays so that deeply
// nested snake_case keys come out camelCase too.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, nested := range v {
			out[camelCase(key)] = normalizeValue(nested)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, nested := range v {
			out[i] = normalizeValue(nested)
		}
		return out
	default:
		return value
	}
}

// camelCase converts a snake_case key to camelCase. Keys without underscores
// pass through unchanged.
func camelCase(key string) string {
	if !strings.Contains(key, "_") {
		return key
	}
	parts := strings.Split(key, "_")
	var b strings.Builder
	b.Grow(len(key))
	wrote := false
	for _, part := range parts {
		if part == "" {
			continue
		}
		if !wrote {
			b.WriteString(part)
			wrote = true
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}
