// Package normalize applies deterministic transforms to parsed candidates:
// relative-date resolution against the unit's anchor date, severity-scale
// mapping, locale decimal conversion, source-index remapping, and the
// non-patient speaker filter.
//
// Nothing here consults the model. A field the rules cannot resolve is left
// explicitly null and flagged — never guessed.
package normalize

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/veritas-health/clinex/internal/parse"
	"github.com/veritas-health/clinex/internal/router"
	"github.com/veritas-health/clinex/internal/source"
)

// Flag values recorded on entities for field-local conditions.
const (
	FlagUnparsedLine     = "unparsed_line"
	ReasonDateUnresolved = "date_unresolved"
)

// Entity is the normalized, domain-typed record. Every populated field
// traces to the unit segments listed in SourceMessages.
type Entity struct {
	Domain router.Domain
	// Fields holds only resolved, populated values (flat map — the
	// tagged-variant model; no type hierarchy).
	Fields map[string]string
	// Severity is the canonical 1–5 scale, nil when the patient stated no
	// number. Symptom domain only.
	Severity *int
	// SourceMessages are canonical 0-based unit indices, patient-sourced
	// only, ascending.
	SourceMessages []int
	// Unresolved maps field name → reason for fields present in the answer
	// that the rules could not resolve. Explicit null, never silent.
	Unresolved map[string]string
	// Derived maps field name → the source expression a value was computed
	// from (e.g. start_date "2026-02-25" ← "yesterday"). The grounding
	// scorer checks the expression, not the computed value.
	Derived map[string]string
	Flags   []string
}

// Flat renders the entity as the flat field map surfaced to the review UI.
func (e *Entity) Flat() map[string]string {
	out := make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	if e.Severity != nil {
		out["severity"] = strconv.Itoa(*e.Severity)
	}
	return out
}

// CoreField names the identifying field per domain; an entity whose core
// field is absent from cited text is ungrounded.
func CoreField(d router.Domain) string {
	switch d {
	case router.DomainMedication, router.DomainSymptom, router.DomainDiagnosis, router.DomainProcedure:
		return "name"
	case router.DomainLabResult:
		return "test"
	case router.DomainAppointment:
		return "professional"
	case router.DomainAllergy:
		return "substance"
	case router.DomainReferral:
		return "specialty"
	case router.DomainInstruction:
		return "instruction"
	case router.DomainMetadata:
		return "document_type"
	default:
		return "name"
	}
}

// dateSlots marks which per-domain slots hold date expressions.
var dateSlots = map[router.Domain]map[string]bool{
	router.DomainSymptom:     {"onset": true},
	router.DomainAppointment: {"date": true},
	router.DomainDiagnosis:   {"date": true},
	router.DomainProcedure:   {"date": true},
	router.DomainMetadata:    {"date": true},
}

var sinceRE = regexp.MustCompile(`(?i)^(?:since|desde(?:\s+hace)?|seit)\s+(.+)$`)

// durationRE recognizes duration strings kept verbatim in onset slots.
var durationRE = regexp.MustCompile(`(?i)^(?:for|during|desde hace|hace|seit)?\s*\d+\s*(?:day|days|week|weeks|month|months|hour|hours|día|días|semana|semanas|mes|meses|hora|horas|tag|tagen|woche|wochen|monat|monaten)\b`)

// Normalize transforms one candidate into an entity. The second return is
// false when the candidate is discarded entirely (all cited sources were
// non-patient speakers).
func Normalize(cand parse.Candidate, unit *source.Unit) (*Entity, bool) {
	refs, hadRefs := remapIndices(cand.SourceRefs, unit.Len())
	refs = filterPatient(refs, unit)
	if hadRefs && len(refs) == 0 {
		// Everything the line cites is clinician/assistant commentary.
		return nil, false
	}
	if len(refs) == 0 {
		// No usable citation: attribute best-effort to all admissible
		// segments; the grounding scorer verifies lexically against them.
		refs = unit.PatientIndices()
		if len(refs) == 0 {
			return nil, false
		}
	}

	ent := &Entity{
		Domain:         cand.Domain,
		Fields:         map[string]string{},
		SourceMessages: refs,
		Unresolved:     map[string]string{},
		Derived:        map[string]string{},
	}

	if cand.Unparsed {
		ent.Fields["raw_text"] = cand.RawText
		ent.Flags = append(ent.Flags, FlagUnparsedLine)
		return ent, true
	}

	lang := baseLang(unit)
	slots := router.SlotsFor(cand.Domain)
	for i, slot := range slots {
		if i >= len(cand.Fields) {
			break
		}
		val := strings.TrimSpace(cand.Fields[i])
		if val == "" || isPlaceholder(val) {
			continue
		}

		switch {
		case slot == "severity" && cand.Domain == router.DomainSymptom:
			ent.Severity = parseSeverity(val)
			// No explicit patient-stated number ⇒ stays null, even if the
			// parser produced qualitative language here.

		case dateSlots[cand.Domain][slot]:
			iso, ok := ResolveDate(val, unit.AnchorDate, lang)
			if !ok {
				// "since yesterday" style onsets resolve via the expression
				// after the since-prefix.
				if m := sinceRE.FindStringSubmatch(val); m != nil {
					iso, ok = ResolveDate(strings.TrimSpace(m[1]), unit.AnchorDate, lang)
				}
			}
			switch {
			case ok:
				ent.Fields[slot] = iso
				if iso != val {
					ent.Derived[slot] = val
				}
			case slot == "onset" && durationRE.MatchString(val):
				// Durations are legitimate onset values, kept verbatim.
				ent.Fields[slot] = val
			default:
				ent.Unresolved[slot] = ReasonDateUnresolved
			}

		case slot == "value" && cand.Domain == router.DomainLabResult:
			ent.Fields[slot] = normalizeDecimal(val, lang)

		default:
			ent.Fields[slot] = val
		}
	}

	// "since yesterday" style medication instructions carry a start date.
	if cand.Domain == router.DomainMedication {
		if instr, ok := ent.Fields["instructions"]; ok {
			if m := sinceRE.FindStringSubmatch(instr); m != nil {
				if iso, ok := ResolveDate(strings.TrimSpace(m[1]), unit.AnchorDate, lang); ok {
					ent.Fields["start_date"] = iso
					ent.Derived["start_date"] = strings.TrimSpace(m[1])
				}
			}
		}
	}

	return ent, true
}

// remapIndices converts parser-drift indices to canonical 0-based ones.
// If every index is ≥1 and at least one equals the segment count, the list
// is taken as 1-based and shifted down. Out-of-range indices are dropped
// rather than failing the candidate.
func remapIndices(refs []int, n int) (out []int, hadRefs bool) {
	if len(refs) == 0 {
		return nil, false
	}

	min, max := refs[0], refs[0]
	for _, r := range refs[1:] {
		if r < min {
			min = r
		}
		if r > max {
			max = r
		}
	}
	shift := 0
	if min >= 1 && max == n {
		shift = 1
	}

	seen := map[int]bool{}
	for _, r := range refs {
		v := r - shift
		if v < 0 || v >= n || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Ints(out)
	return out, true
}

// filterPatient drops indices tagged to non-patient speakers. Checked
// against the unit's role-tagged segments, never against model claims.
func filterPatient(refs []int, unit *source.Unit) []int {
	var out []int
	for _, r := range refs {
		if unit.IsPatientSourced(r) {
			out = append(out, r)
		}
	}
	return out
}

var severityRE = regexp.MustCompile(`(?i)^\s*(\d{1,2})\s*(?:/\s*(\d{1,2})|\s+(?:out\s+of|de|von)\s+(\d{1,2}))?\s*$`)

// parseSeverity maps an explicit numeric severity onto the canonical 1–5
// scale: 1–5 passes through, 1–10 halves and rounds, anything else is null.
func parseSeverity(val string) *int {
	m := severityRE.FindStringSubmatch(val)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}

	scale := 0
	for _, g := range []string{m[2], m[3]} {
		if g != "" {
			scale, _ = strconv.Atoi(g)
		}
	}

	switch {
	case scale == 10 || (scale == 0 && n > 5 && n <= 10):
		v := int(math.Round(float64(n) / 2))
		if v < 1 {
			v = 1
		}
		if v > 5 {
			v = 5
		}
		return &v
	case (scale == 0 || scale == 5) && n >= 1 && n <= 5:
		return &n
	default:
		return nil
	}
}

// normalizeDecimal converts comma-decimal locales (es, de) to dot notation
// for numeric lab values.
func normalizeDecimal(val, lang string) string {
	if lang != "es" && lang != "de" {
		return val
	}
	out := []byte(val)
	for i := 1; i < len(out)-1; i++ {
		if out[i] == ',' && out[i-1] >= '0' && out[i-1] <= '9' && out[i+1] >= '0' && out[i+1] <= '9' {
			out[i] = '.'
		}
	}
	return string(out)
}

var placeholderValues = map[string]bool{
	"-": true, "—": true, "n/a": true, "na": true, "none": true,
	"not stated": true, "unknown": true, "no indicado": true,
	"no se menciona": true, "desconocido": true,
}

func isPlaceholder(val string) bool {
	return placeholderValues[strings.ToLower(strings.TrimSpace(val))]
}

func baseLang(unit *source.Unit) string {
	base, _ := unit.Language.Base()
	return base.String()
}
