package blueprint

import "strings"

// NormalizeTags lowercases, trims, collapses internal whitespace, and
// deduplicates a raw tag list, preserving first occurrence order. Empty
// strings are dropped. Applied everywhere tags enter the system:
// scheduler input, result ingest, and summary building.
func NormalizeTags(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		n := NormalizeTag(t)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// NormalizeTag applies the single-tag normalisation: lowercase, trim,
// collapse internal whitespace. Idempotent: NormalizeTag(NormalizeTag(t))
// == NormalizeTag(t) for any t.
func NormalizeTag(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return ""
	}
	return strings.Join(strings.Fields(t), " ")
}

// IsReservedTag reports whether t (already normalised) carries the
// system-meaningful reserved prefix.
func IsReservedTag(t string) bool {
	return strings.HasPrefix(t, "_")
}

// IsReservedID reports whether a derived blueprint id carries the
// reserved prefix set aside for system-injected blueprints (PR
// evaluations, API runs). User blueprints whose derived id matches are
// skipped with a warning.
func IsReservedID(id string) bool {
	return strings.HasPrefix(id, "_")
}
