package store

import "strings"

// KeyFor builds the normalized per-domain dedup key from a flat field map.
// An empty key means the domain has no dedup semantics or the fields lack
// the domain's identity combination; such items always queue fresh.
//
// Lives in the store because the key must stay consistent with what review
// decisions persist: confirming with edits recomputes it from the corrected
// fields so later runs dedup against what the reviewer approved.
func KeyFor(domain string, fields map[string]string) string {
	f := func(name string) string { return normKeyPart(fields[name]) }

	switch domain {
	case "medication":
		// Same drug, same dose. A dose change is a new medication row.
		if f("name") == "" {
			return ""
		}
		return keyJoin(f("name"), f("dose"))
	case "symptom":
		if f("name") == "" {
			return ""
		}
		return keyJoin(f("name"), f("body_region"))
	case "appointment":
		if f("professional") == "" || f("date") == "" {
			return ""
		}
		return keyJoin(f("professional"), f("date"))
	case "lab_result":
		if f("test") == "" {
			return ""
		}
		return keyJoin(f("test"), f("value"))
	case "allergy":
		return f("substance")
	case "diagnosis":
		return f("name")
	default:
		return ""
	}
}

func normKeyPart(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

func keyJoin(parts ...string) string {
	return strings.Join(parts, "|")
}
