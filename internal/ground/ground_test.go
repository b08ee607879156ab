package ground

import (
	"testing"
	"time"

	"golang.org/x/text/language"

	"github.com/veritas-health/clinex/internal/normalize"
	"github.com/veritas-health/clinex/internal/router"
	"github.com/veritas-health/clinex/internal/source"
)

func patientUnit(t *testing.T, texts ...string) *source.Unit {
	t.Helper()
	segs := make([]source.Segment, len(texts))
	for i, text := range texts {
		segs[i] = source.Segment{Role: source.RolePatient, Text: text}
	}
	unit, err := source.New("u1", source.KindConversation, "conversation", language.English,
		time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC), segs)
	if err != nil {
		t.Fatalf("building unit: %v", err)
	}
	return unit
}

func TestScoreFullyGrounded(t *testing.T) {
	unit := patientUnit(t, "I started taking ibuprofen yesterday, 400 mg when the pain gets bad")
	ent := &normalize.Entity{
		Domain: router.DomainMedication,
		Fields: map[string]string{
			"name":       "ibuprofen",
			"dose":       "400 mg",
			"start_date": "2026-02-25",
		},
		Derived:        map[string]string{"start_date": "yesterday"},
		SourceMessages: []int{0},
	}

	s := New(DefaultConfig())
	res := s.Score(ent, unit)
	if res.Class != ClassGrounded {
		t.Fatalf("class = %s (ungrounded: %v), want grounded", res.Class, res.UngroundedFields)
	}
	if res.Confidence < 0.7 {
		t.Errorf("confidence = %.2f, want >= 0.7", res.Confidence)
	}
	if !s.Admissible(res) {
		t.Error("grounded high-confidence entity not admissible")
	}
}

func TestScoreDerivedDateCheckedAgainstExpression(t *testing.T) {
	// The ISO value never appears in the text; grounding must check the
	// source expression it was derived from.
	unit := patientUnit(t, "the headache started yesterday")
	ent := &normalize.Entity{
		Domain:         router.DomainSymptom,
		Fields:         map[string]string{"name": "headache", "onset": "2026-02-25"},
		Derived:        map[string]string{"onset": "yesterday"},
		SourceMessages: []int{0},
	}

	res := New(DefaultConfig()).Score(ent, unit)
	for _, f := range res.UngroundedFields {
		if f == "onset" {
			t.Error("derived onset marked ungrounded; expression appears in cited text")
		}
	}
}

func TestScoreUngroundedCoreField(t *testing.T) {
	unit := patientUnit(t, "my knee hurts a bit")
	ent := &normalize.Entity{
		Domain:         router.DomainMedication,
		Fields:         map[string]string{"name": "atorvastatin", "dose": "20 mg"},
		SourceMessages: []int{0},
	}

	s := New(DefaultConfig())
	res := s.Score(ent, unit)
	if res.Class != ClassUngrounded {
		t.Fatalf("class = %s, want ungrounded", res.Class)
	}
	if res.Confidence > 0.3 {
		t.Errorf("confidence = %.2f for a hallucinated entity, want <= 0.3", res.Confidence)
	}
	if s.Admissible(res) {
		t.Error("ungrounded entity admitted")
	}
}

func TestScorePartialGrounding(t *testing.T) {
	unit := patientUnit(t, "I take metformin in the morning")
	ent := &normalize.Entity{
		Domain: router.DomainMedication,
		Fields: map[string]string{
			"name": "metformin",
			"dose": "850 mg", // not in the text
		},
		SourceMessages: []int{0},
	}

	res := New(DefaultConfig()).Score(ent, unit)
	if res.Class != ClassPartial {
		t.Fatalf("class = %s, want partial", res.Class)
	}
	if len(res.UngroundedFields) != 1 || res.UngroundedFields[0] != "dose" {
		t.Errorf("ungrounded fields = %v, want [dose]", res.UngroundedFields)
	}
}

func TestScoreOnlyCitedSegmentsCount(t *testing.T) {
	// The value appears in the unit, but not in the cited segment.
	unit := patientUnit(t, "I take ibuprofen", "and also naproxen sometimes")
	ent := &normalize.Entity{
		Domain:         router.DomainMedication,
		Fields:         map[string]string{"name": "naproxen"},
		SourceMessages: []int{0},
	}

	res := New(DefaultConfig()).Score(ent, unit)
	if res.Class != ClassUngrounded {
		t.Errorf("class = %s; grounding must check cited segments only", res.Class)
	}
}

func TestScoreCaseAndPunctuationInsensitive(t *testing.T) {
	unit := patientUnit(t, "Taking Metoprolol. 50mg, twice daily!")
	ent := &normalize.Entity{
		Domain:         router.DomainMedication,
		Fields:         map[string]string{"name": "metoprolol"},
		SourceMessages: []int{0},
	}

	res := New(DefaultConfig()).Score(ent, unit)
	if res.Class != ClassGrounded {
		t.Errorf("class = %s (ungrounded: %v), casing must not matter", res.Class, res.UngroundedFields)
	}
}

func TestScoreTokenOverlapToleratesRephrasing(t *testing.T) {
	unit := patientUnit(t, "the pain is in my left knee mostly")
	ent := &normalize.Entity{
		Domain:         router.DomainSymptom,
		Fields:         map[string]string{"name": "pain", "body_region": "left knee"},
		SourceMessages: []int{0},
	}

	res := New(DefaultConfig()).Score(ent, unit)
	if res.Class != ClassGrounded {
		t.Errorf("class = %s (ungrounded: %v)", res.Class, res.UngroundedFields)
	}
}

func TestScoreUnparsedLineVerifiedAgainstRawText(t *testing.T) {
	unit := patientUnit(t, "taking something for blood pressure but I forget the name")
	ent := &normalize.Entity{
		Domain:         router.DomainMedication,
		Fields:         map[string]string{"raw_text": "something for blood pressure, patient forgets the name"},
		Flags:          []string{normalize.FlagUnparsedLine},
		SourceMessages: []int{0},
	}

	res := New(DefaultConfig()).Score(ent, unit)
	if res.Class != ClassPartial {
		t.Errorf("class = %s (ungrounded: %v), want partial", res.Class, res.UngroundedFields)
	}

	// A fabricated line that traces to nothing stays ungrounded.
	ent.Fields["raw_text"] = "atorvastatin 20 mg daily"
	res = New(DefaultConfig()).Score(ent, unit)
	if res.Class != ClassUngrounded {
		t.Errorf("class = %s, want ungrounded for fabricated raw text", res.Class)
	}
}

func TestScoreUnresolvedFieldsLowerConfidence(t *testing.T) {
	unit := patientUnit(t, "dizziness since the weather changed")
	with := &normalize.Entity{
		Domain:         router.DomainSymptom,
		Fields:         map[string]string{"name": "dizziness"},
		Unresolved:     map[string]string{"onset": normalize.ReasonDateUnresolved},
		SourceMessages: []int{0},
	}
	without := &normalize.Entity{
		Domain:         router.DomainSymptom,
		Fields:         map[string]string{"name": "dizziness"},
		SourceMessages: []int{0},
	}

	s := New(DefaultConfig())
	if s.Score(with, unit).Confidence >= s.Score(without, unit).Confidence {
		t.Error("unresolved field did not lower confidence")
	}
}
