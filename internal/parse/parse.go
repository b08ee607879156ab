// Package parse converts one watchdog-approved answer into candidate
// records using deterministic, format-specific rules. The model is never
// consulted: its text is data, not control flow.
//
// The only supported answer format is a bulleted or line-oriented list where
// each line carries 2–5 field values in a fixed per-domain order, split on
// light delimiters (comma/semicolon). Anything a line rule cannot decompose
// is preserved whole and flagged unparsed — never dropped, never guessed.
package parse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/veritas-health/clinex/internal/router"
	"github.com/veritas-health/clinex/internal/watchdog"
)

// Candidate is one parsed, not-yet-normalized record. Ephemeral: it exists
// only inside a pipeline run.
type Candidate struct {
	Domain router.Domain
	// Fields holds the free-text values in parser-assigned slots, ordered
	// per router.SlotsFor(Domain). Empty strings mark blank slots.
	Fields []string
	// RawText preserves the whole line when it could not be decomposed.
	RawText  string
	Unparsed bool
	// SourceRefs are the message indices the line cites, exactly as the
	// model wrote them — possibly 1-based; the normalizer remaps them.
	SourceRefs []int
	// Line is the ordinal of the bullet within the answer.
	Line int
}

var (
	bulletRE   = regexp.MustCompile(`^\s*(?:[-*•]|\d{1,2}[.)])\s+`)
	citationRE = regexp.MustCompile(`\[[^\[\]]*?(\d[\d,;\s]*)\]\s*$`)
	digitsRE   = regexp.MustCompile(`\d+`)

	// negativeRE recognizes explicit "nothing here" answers, which must be
	// an empty result — distinct from a parse failure.
	negativeRE = regexp.MustCompile(`(?i)^(?:` +
		`none(?:\s+(?:mentioned|stated|reported))?` +
		`|no\s+\w+(?:\s+\w+)?\s+(?:mentioned|stated|reported|found)` +
		`|nothing\s+(?:mentioned|stated|relevant|reported)` +
		`|no\s+se\s+menciona(?:n)?(?:\s+\w+)*` +
		`|ning(?:uno|una|ún)\s*\w*` +
		`|n/?a` +
		`)[.!]?$`)
)

// Parse decomposes one answer into candidates for the given domain.
func Parse(ans watchdog.RawAnswer, domain router.Domain) []Candidate {
	if ans.Outcome == watchdog.OutcomeFailed {
		// Failed answers never proceed past the watchdog; a defensive
		// caller bug should not surface phantom candidates.
		return nil
	}

	slots := router.SlotsFor(domain)
	text := strings.TrimSpace(ans.Text)
	if text == "" || IsNegativeAnswer(text) {
		return nil
	}

	var out []Candidate
	lineNo := 0
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		hadBullet := bulletRE.MatchString(line)
		line = bulletRE.ReplaceAllString(line, "")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// Preamble lines ("Here are the medications:") carry no fields.
		if !hadBullet && strings.HasSuffix(line, ":") && !strings.ContainsAny(line, ",;") {
			continue
		}
		if IsNegativeAnswer(line) {
			continue
		}

		lineNo++
		refs, body := extractCitations(line)
		fields := splitFields(body)
		fields = mergeDoseFields(fields)

		if len(fields) < 2 || len(fields) > len(slots) {
			out = append(out, Candidate{
				Domain:     domain,
				RawText:    line,
				Unparsed:   true,
				SourceRefs: refs,
				Line:       lineNo,
			})
			continue
		}

		// Pad trailing optional slots so field order stays slot-aligned.
		for len(fields) < len(slots) {
			fields = append(fields, "")
		}

		out = append(out, Candidate{
			Domain:     domain,
			Fields:     fields,
			SourceRefs: refs,
			Line:       lineNo,
		})
	}
	return out
}

// IsNegativeAnswer reports whether text is an explicit empty-domain answer.
func IsNegativeAnswer(text string) bool {
	return negativeRE.MatchString(strings.TrimSpace(text))
}

// extractCitations strips a trailing [1, 3] citation group and returns the
// cited indices plus the remaining line body.
func extractCitations(line string) ([]int, string) {
	m := citationRE.FindStringSubmatchIndex(line)
	if m == nil {
		return nil, line
	}
	group := line[m[2]:m[3]]
	body := strings.TrimSpace(line[:m[0]])

	var refs []int
	for _, d := range digitsRE.FindAllString(group, -1) {
		n, err := strconv.Atoi(d)
		if err != nil {
			continue
		}
		refs = append(refs, n)
	}
	return refs, body
}

// splitFields splits a line body on semicolons, or commas when no semicolon
// is present. A comma between two digits is a decimal separator (European
// dose notation, "2,5 mg") and never splits.
func splitFields(body string) []string {
	sep := byte(',')
	if strings.ContainsRune(body, ';') {
		sep = ';'
	}

	var fields []string
	start := 0
	for i := 0; i < len(body); i++ {
		if body[i] != sep {
			continue
		}
		if sep == ',' && i > 0 && i+1 < len(body) && isDigit(body[i-1]) && isDigit(body[i+1]) {
			continue
		}
		fields = append(fields, strings.TrimSpace(body[start:i]))
		start = i + 1
	}
	fields = append(fields, strings.TrimSpace(body[start:]))
	return fields
}

// doseUnits are tokens that identify a field fragment as the unit half of a
// mis-split dose value.
var doseUnits = map[string]bool{
	"mg": true, "mcg": true, "µg": true, "g": true, "ml": true, "l": true,
	"iu": true, "ui": true, "units": true, "unidades": true,
	"tablet": true, "tablets": true, "comprimido": true, "comprimidos": true,
	"drops": true, "gotas": true, "puff": true, "puffs": true,
}

// mergeDoseFields repairs splits inside dose values: a numeric field followed
// by a field starting with a unit token is rejoined ("400", "mg twice" is not
// produced by the templates, but "2,5", "mg" from over-splitting is).
func mergeDoseFields(fields []string) []string {
	if len(fields) < 2 {
		return fields
	}
	out := make([]string, 0, len(fields))
	for i := 0; i < len(fields); i++ {
		cur := fields[i]
		if i+1 < len(fields) && isNumericToken(cur) {
			next := fields[i+1]
			first := strings.ToLower(firstToken(next))
			if doseUnits[first] {
				out = append(out, cur+" "+next)
				i++
				continue
			}
		}
		out = append(out, cur)
	}
	return out
}

func isNumericToken(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isDigit(c) && c != '.' && c != ',' {
			return false
		}
	}
	return true
}

func firstToken(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
