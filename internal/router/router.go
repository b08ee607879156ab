// Package router selects which domain questions to ask for a source unit.
//
// Routing is a pure function of static configuration and unit fields: a
// type-label table picks the ordered domain list, and each domain's question
// text is selected in the unit's language. There is deliberately no
// cross-language fallback — a missing template skips the domain and flags
// the unit for human routing instead of silently asking in the wrong
// language.
package router

import (
	"strings"

	"golang.org/x/text/language"

	"github.com/veritas-health/clinex/internal/source"
)

// Domain tags one extraction domain. The parser and normalizer dispatch on
// this tag via lookup tables, never on type hierarchies.
type Domain string

const (
	DomainSymptom     Domain = "symptom"
	DomainMedication  Domain = "medication"
	DomainAppointment Domain = "appointment"
	DomainLabResult   Domain = "lab_result"
	DomainDiagnosis   Domain = "diagnosis"
	DomainAllergy     Domain = "allergy"
	DomainProcedure   Domain = "procedure"
	DomainReferral    Domain = "referral"
	DomainInstruction Domain = "instruction"
	DomainMetadata    Domain = "metadata"
)

// Question is a per-domain, per-language prompt pair plus the answer shape
// the parser expects back. Answers are requested as flat bulleted lines —
// never a nested schema; that is the core design decision of the pipeline.
type Question struct {
	Domain   Domain
	Language language.Tag
	System   string
	User     string
	// Slots is the fixed per-domain field order a well-formed answer line
	// carries, e.g. medication: name, dose, frequency, instructions.
	Slots []string
}

// Result is the routing outcome for one unit.
type Result struct {
	Questions []Question
	// SkippedDomains lists domains with no template in the unit's language.
	SkippedDomains []Domain
	// UnsupportedLanguage is set when at least one domain was skipped; the
	// unit should be surfaced for human routing.
	UnsupportedLanguage bool
}

// typeDomains maps a declared document/conversation type label to its
// ordered domain list. Unknown labels fall back to the conversation set.
var typeDomains = map[string][]Domain{
	"conversation":      {DomainSymptom, DomainMedication, DomainAppointment, DomainAllergy},
	"symptom_checkin":   {DomainSymptom, DomainMedication},
	"prescription":      {DomainMetadata, DomainMedication, DomainInstruction},
	"lab_report":        {DomainMetadata, DomainLabResult},
	"referral_letter":   {DomainMetadata, DomainDiagnosis, DomainReferral, DomainAppointment},
	"discharge_summary": {DomainMetadata, DomainDiagnosis, DomainMedication, DomainProcedure, DomainInstruction},
	"appointment_note":  {DomainMetadata, DomainAppointment, DomainInstruction},
}

// defaultDomains is used when a type label is unknown.
var defaultDomains = []Domain{DomainSymptom, DomainMedication, DomainAppointment}

// slotOrder is the fixed per-domain answer field order. Metadata batches the
// 2–3 closely related scalar fields into one question; every other domain is
// asked separately to avoid multi-domain attention overload.
var slotOrder = map[Domain][]string{
	DomainSymptom:     {"name", "severity", "onset", "body_region"},
	DomainMedication:  {"name", "dose", "frequency", "instructions"},
	DomainAppointment: {"professional", "date", "location"},
	DomainLabResult:   {"test", "value", "unit", "flag"},
	DomainDiagnosis:   {"name", "date", "status"},
	DomainAllergy:     {"substance", "reaction"},
	DomainProcedure:   {"name", "date", "body_region"},
	DomainReferral:    {"specialty", "professional", "reason"},
	DomainInstruction: {"instruction", "timeframe"},
	DomainMetadata:    {"date", "author", "document_type"},
}

// SlotsFor returns the per-domain answer slot order.
func SlotsFor(d Domain) []string {
	return slotOrder[d]
}

// Route selects the ordered domain questions for a unit.
func Route(unit *source.Unit) Result {
	domains, ok := typeDomains[strings.ToLower(strings.TrimSpace(unit.TypeLabel))]
	if !ok {
		domains = defaultDomains
	}

	base, _ := unit.Language.Base()
	lang := base.String()

	var res Result
	for _, d := range domains {
		tmpl, ok := templateFor(d, lang)
		if !ok {
			res.SkippedDomains = append(res.SkippedDomains, d)
			res.UnsupportedLanguage = true
			continue
		}
		res.Questions = append(res.Questions, Question{
			Domain:   d,
			Language: unit.Language,
			System:   tmpl.system,
			User:     tmpl.user,
			Slots:    slotOrder[d],
		})
	}
	return res
}

type template struct {
	system string
	user   string
}

func templateFor(d Domain, lang string) (template, bool) {
	byLang, ok := templates[d]
	if !ok {
		return template{}, false
	}
	tmpl, ok := byLang[lang]
	return tmpl, ok
}
