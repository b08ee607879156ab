// Package ground verifies extracted entities against the text they cite.
//
// Verification is lexical, not model-based: every populated field value must
// be findable in the cited segments after normalization. A field whose value
// was computed from a source expression (resolved dates) is checked against
// the expression, since the computed form never appears verbatim. The output
// is a grounding class plus a deterministic confidence score; the score is
// derived entirely from checkable properties, never from model self-report.
package ground

import (
	"strings"

	"github.com/veritas-health/clinex/internal/normalize"
	"github.com/veritas-health/clinex/internal/router"
	"github.com/veritas-health/clinex/internal/source"
)

// Class is the grounding verdict for one entity.
type Class string

const (
	// ClassGrounded: every populated field found in cited text.
	ClassGrounded Class = "grounded"
	// ClassPartial: core field found, at least one other field missing.
	ClassPartial Class = "partial"
	// ClassUngrounded: the core identifying field is absent from cited text.
	ClassUngrounded Class = "ungrounded"
)

// Config tunes the lexical matcher and scoring weights.
type Config struct {
	// MinTokenOverlap is the fraction of a field's tokens that must appear
	// in the cited text when no direct substring match is found.
	MinTokenOverlap float64
	// Threshold is the minimum confidence for auto-admission to review.
	// Entities below it are rejected before the queue.
	Threshold float64
}

// DefaultConfig returns the recommended scoring settings.
func DefaultConfig() Config {
	return Config{
		MinTokenOverlap: 0.6,
		Threshold:       0.7,
	}
}

// Result is the scoring outcome for one entity.
type Result struct {
	Class      Class
	Confidence float64
	// UngroundedFields lists the populated fields not found in cited text.
	UngroundedFields []string
}

// Scorer verifies entities against their source unit.
type Scorer struct {
	cfg Config
}

// New creates a Scorer with the given config.
func New(cfg Config) *Scorer {
	if cfg.MinTokenOverlap <= 0 || cfg.MinTokenOverlap > 1 {
		cfg.MinTokenOverlap = 0.6
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = 0.7
	}
	return &Scorer{cfg: cfg}
}

// Score verifies one entity against the segments it cites and assigns a
// grounding class and confidence.
func (s *Scorer) Score(ent *normalize.Entity, unit *source.Unit) Result {
	cited := citedText(ent, unit)

	core := normalize.CoreField(ent.Domain)
	unparsed := false
	for _, f := range ent.Flags {
		if f == normalize.FlagUnparsedLine {
			unparsed = true
		}
	}
	if unparsed {
		// An unparsed line has no slot fields; the preserved raw text is the
		// only thing to verify.
		core = "raw_text"
	}
	checked, missing := 0, []string{}
	coreGrounded := false
	coreChecked := false

	for field, value := range ent.Fields {
		// Derived values (resolved dates) are checked against the source
		// expression they came from.
		probe := value
		if expr, ok := ent.Derived[field]; ok {
			probe = expr
		}

		checked++
		ok := s.fieldGrounded(probe, cited)
		if field == core {
			coreChecked = true
			coreGrounded = ok
		}
		if !ok {
			missing = append(missing, field)
		}
	}

	if checked == 0 {
		// Nothing to verify — an entity of only unresolved fields.
		return Result{Class: ClassUngrounded, Confidence: 0}
	}

	var class Class
	switch {
	case coreChecked && !coreGrounded:
		class = ClassUngrounded
	case !coreChecked:
		// No core field populated at all; the entity cannot identify itself.
		class = ClassUngrounded
	case unparsed:
		// Verified raw text, but no decomposed fields: at best partial.
		class = ClassPartial
	case len(missing) == 0:
		class = ClassGrounded
	default:
		class = ClassPartial
	}

	return Result{
		Class:            class,
		Confidence:       s.confidence(ent, class, checked, len(missing)),
		UngroundedFields: missing,
	}
}

// Admissible reports whether a result clears the auto-admission threshold.
func (s *Scorer) Admissible(r Result) bool {
	return r.Class != ClassUngrounded && r.Confidence >= s.cfg.Threshold
}

// Threshold returns the configured confidence floor.
func (s *Scorer) Threshold() float64 { return s.cfg.Threshold }

// confidence combines grounding quality with completeness. Grounding
// dominates: an ungrounded entity never scores above 0.3 regardless of how
// many fields it carries.
func (s *Scorer) confidence(ent *normalize.Entity, class Class, checked, missing int) float64 {
	groundedFrac := float64(checked-missing) / float64(checked)

	slots := router.SlotsFor(ent.Domain)
	completeness := 1.0
	if len(slots) > 0 {
		populated := len(ent.Fields)
		if ent.Severity != nil {
			populated++
		}
		if populated > len(slots) {
			populated = len(slots)
		}
		completeness = float64(populated) / float64(len(slots))
	}

	score := 0.7*groundedFrac + 0.3*completeness

	switch class {
	case ClassUngrounded:
		if score > 0.3 {
			score = 0.3
		}
	case ClassPartial:
		if score > 0.85 {
			score = 0.85
		}
	}

	// Unparsed lines and unresolved fields cost a flat penalty each: the
	// record reached review, but a human has more to fix.
	for _, f := range ent.Flags {
		if f == normalize.FlagUnparsedLine {
			score -= 0.25
		}
	}
	score -= 0.1 * float64(len(ent.Unresolved))

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// fieldGrounded reports whether a field value is findable in the cited text:
// a direct normalized substring match, or enough token overlap for values the
// model lightly rephrased ("left knee" cited as "my left knee hurts").
func (s *Scorer) fieldGrounded(value, cited string) bool {
	v := normalizeText(value)
	if v == "" {
		return true
	}
	if strings.Contains(cited, v) {
		return true
	}

	toks := strings.Fields(v)
	if len(toks) == 0 {
		return true
	}
	hit := 0
	for _, t := range toks {
		if containsToken(cited, t) {
			hit++
		}
	}
	return float64(hit)/float64(len(toks)) >= s.cfg.MinTokenOverlap
}

// citedText joins and normalizes the segments the entity cites.
func citedText(ent *normalize.Entity, unit *source.Unit) string {
	var b strings.Builder
	for _, idx := range ent.SourceMessages {
		b.WriteString(unit.SegmentText(idx))
		b.WriteString(" ")
	}
	return normalizeText(b.String())
}

// normalizeText lowercases and strips punctuation so lexical matching is not
// defeated by casing or trailing periods.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r > 127:
			b.WriteRune(r)
			lastSpace = false
		case r == '.', r == ',':
			// Kept so numeric values like "2,5" survive; containsToken trims
			// them at token edges.
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	out := strings.TrimSpace(b.String())
	out = strings.Trim(out, ".,")
	return out
}

func containsToken(text, tok string) bool {
	tok = strings.Trim(tok, ".,")
	if tok == "" {
		return true
	}
	idx := 0
	for {
		i := strings.Index(text[idx:], tok)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(tok)
		beforeOK := start == 0 || text[start-1] == ' '
		afterOK := end == len(text) || text[end] == ' ' || text[end] == '.' || text[end] == ','
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
		if idx >= len(text) {
			return false
		}
	}
}
