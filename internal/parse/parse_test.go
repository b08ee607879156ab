package parse

import (
	"testing"

	"github.com/veritas-health/clinex/internal/router"
	"github.com/veritas-health/clinex/internal/watchdog"
)

func answer(text string) watchdog.RawAnswer {
	return watchdog.RawAnswer{Text: text, Outcome: watchdog.OutcomeClean}
}

func TestParseMedicationLine(t *testing.T) {
	cands := Parse(answer("- ibuprofen, 400 mg, twice a day, with food [2]"), router.DomainMedication)
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}
	c := cands[0]
	if c.Unparsed {
		t.Fatal("well-formed line flagged unparsed")
	}
	want := []string{"ibuprofen", "400 mg", "twice a day", "with food"}
	for i, w := range want {
		if c.Fields[i] != w {
			t.Errorf("field %d = %q, want %q", i, c.Fields[i], w)
		}
	}
	if len(c.SourceRefs) != 1 || c.SourceRefs[0] != 2 {
		t.Errorf("refs = %v, want [2]", c.SourceRefs)
	}
}

func TestParseMultipleLinesWithPreamble(t *testing.T) {
	text := `Here are the medications:
- metformin, 500 mg, daily [1]
- lisinopril, 10 mg, every morning [1, 3]`

	cands := Parse(answer(text), router.DomainMedication)
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2 (preamble skipped)", len(cands))
	}
	if cands[1].Fields[0] != "lisinopril" {
		t.Errorf("second name = %q", cands[1].Fields[0])
	}
	if len(cands[1].SourceRefs) != 2 || cands[1].SourceRefs[0] != 1 || cands[1].SourceRefs[1] != 3 {
		t.Errorf("second refs = %v, want [1 3]", cands[1].SourceRefs)
	}
}

func TestParseNegativeAnswerIsEmpty(t *testing.T) {
	for _, text := range []string{
		"none mentioned",
		"None mentioned.",
		"No medications mentioned",
		"no se menciona",
		"No se mencionan medicamentos",
		"ninguno",
		"N/A",
	} {
		if cands := Parse(answer(text), router.DomainMedication); cands != nil {
			t.Errorf("%q: got %d candidates, want empty result", text, len(cands))
		}
	}
}

func TestParseNegativeIsNotFailure(t *testing.T) {
	// Empty result and parse failure are different outcomes: negative
	// answers return nil candidates from a clean answer.
	if !IsNegativeAnswer("none mentioned") {
		t.Error("negative answer not recognized")
	}
	if IsNegativeAnswer("- ibuprofen, 400 mg") {
		t.Error("content line misread as negative")
	}
}

func TestParseFailedAnswerYieldsNothing(t *testing.T) {
	ans := watchdog.RawAnswer{Text: "- garbage", Outcome: watchdog.OutcomeFailed}
	if cands := Parse(ans, router.DomainMedication); cands != nil {
		t.Error("failed answer produced candidates")
	}
}

func TestParseUnparsedLinePreserved(t *testing.T) {
	text := "- patient says the thing with the knee got worse after walking but only sometimes and maybe also, the elbow, on tuesdays, in the rain, badly [0]"
	cands := Parse(answer(text), router.DomainSymptom)
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}
	c := cands[0]
	if !c.Unparsed {
		t.Fatal("overlong line not flagged unparsed")
	}
	if c.RawText == "" {
		t.Error("raw text not preserved")
	}
	if len(c.SourceRefs) != 1 || c.SourceRefs[0] != 0 {
		t.Errorf("refs = %v, want [0]", c.SourceRefs)
	}
}

func TestParseSingleFieldIsUnparsed(t *testing.T) {
	cands := Parse(answer("- headache [1]"), router.DomainSymptom)
	if len(cands) != 1 || !cands[0].Unparsed {
		t.Fatal("single-field line must be preserved unparsed, not guessed into slots")
	}
}

func TestParseDecimalCommaDoseNotSplit(t *testing.T) {
	// European dose notation: "2,5 mg" is one value, not two fields.
	cands := Parse(answer("- bisoprolol, 2,5 mg, por la mañana [1]"), router.DomainMedication)
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}
	c := cands[0]
	if c.Unparsed {
		t.Fatalf("decimal-comma line flagged unparsed: %q", c.RawText)
	}
	if c.Fields[1] != "2,5 mg" {
		t.Errorf("dose = %q, want %q", c.Fields[1], "2,5 mg")
	}
}

func TestParseSemicolonPreferred(t *testing.T) {
	cands := Parse(answer("- chest pain; 7/10; since yesterday; left side [0]"), router.DomainSymptom)
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}
	if cands[0].Fields[1] != "7/10" {
		t.Errorf("severity field = %q", cands[0].Fields[1])
	}
}

func TestParsePadsTrailingSlots(t *testing.T) {
	cands := Parse(answer("- naproxen, 250 mg [2]"), router.DomainMedication)
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}
	c := cands[0]
	if len(c.Fields) != len(router.SlotsFor(router.DomainMedication)) {
		t.Fatalf("fields not padded: %v", c.Fields)
	}
	if c.Fields[2] != "" || c.Fields[3] != "" {
		t.Errorf("trailing slots not blank: %v", c.Fields)
	}
}

func TestParseNumberedBullets(t *testing.T) {
	text := "1. paracetamol, 1 g, every 6 hours [0]\n2) amoxicillin, 500 mg, three times daily [1]"
	cands := Parse(answer(text), router.DomainMedication)
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2", len(cands))
	}
	if cands[0].Line != 1 || cands[1].Line != 2 {
		t.Errorf("line ordinals = %d, %d", cands[0].Line, cands[1].Line)
	}
}
