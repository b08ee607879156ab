package queue

import (
	"context"
	"testing"
	"time"

	"golang.org/x/text/language"

	"github.com/veritas-health/clinex/internal/ground"
	"github.com/veritas-health/clinex/internal/normalize"
	"github.com/veritas-health/clinex/internal/router"
	"github.com/veritas-health/clinex/internal/source"
	"github.com/veritas-health/clinex/internal/store"
)

func memAdmitter(t *testing.T) (*Admitter, *store.Store) {
	t.Helper()
	st, err := store.New(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, Config{}), st
}

func unitWithAnchor(t *testing.T, id, anchor string) *source.Unit {
	t.Helper()
	d, err := time.Parse("2006-01-02", anchor)
	if err != nil {
		t.Fatalf("parsing anchor: %v", err)
	}
	unit, err := source.New(id, source.KindConversation, "conversation", language.English, d,
		[]source.Segment{{Role: source.RolePatient, Text: "I take metoprolol 50 mg"}})
	if err != nil {
		t.Fatalf("building unit: %v", err)
	}
	return unit
}

func medEntity(name, dose string) *normalize.Entity {
	return &normalize.Entity{
		Domain:         router.DomainMedication,
		Fields:         map[string]string{"name": name, "dose": dose},
		SourceMessages: []int{0},
	}
}

var okScore = ground.Result{Class: ground.ClassGrounded, Confidence: 0.9}

func TestAdmitFreshEntity(t *testing.T) {
	a, st := memAdmitter(t)
	ctx := context.Background()

	res, err := a.Admit(ctx, medEntity("metoprolol", "50 mg"), unitWithAnchor(t, "u1", "2026-02-26"), okScore)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if res.Outcome != OutcomeQueued {
		t.Errorf("outcome = %s, want queued", res.Outcome)
	}

	item, err := st.GetItem(ctx, res.ItemID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if item.DedupKey != "metoprolol|50 mg" {
		t.Errorf("dedup key = %q", item.DedupKey)
	}
	if item.Grounding != "grounded" || item.Confidence != 0.9 {
		t.Errorf("score not persisted: %s %.2f", item.Grounding, item.Confidence)
	}
	if item.SourceQuote != "I take metoprolol 50 mg" {
		t.Errorf("source quote = %q", item.SourceQuote)
	}
}

func TestAdmitDuplicateFlaggedNotMerged(t *testing.T) {
	a, st := memAdmitter(t)
	ctx := context.Background()

	first, err := a.Admit(ctx, medEntity("Metoprolol", "50 mg"), unitWithAnchor(t, "u1", "2026-02-20"), okScore)
	if err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	// Same drug and dose from a different unit: flagged, still queued.
	second, err := a.Admit(ctx, medEntity("metoprolol", "50 mg"), unitWithAnchor(t, "u2", "2026-02-26"), okScore)
	if err != nil {
		t.Fatalf("second Admit: %v", err)
	}

	if second.Outcome != OutcomeDuplicate {
		t.Fatalf("outcome = %s, want duplicate", second.Outcome)
	}
	if second.DuplicateOf != first.ItemID {
		t.Errorf("duplicate_of = %s, want %s", second.DuplicateOf, first.ItemID)
	}

	// Both items exist independently.
	items, err := st.ListPending(ctx, "")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("got %d pending items, want 2 (never silently merged)", len(items))
	}
}

func TestAdmitDoseChangeIsNotDuplicate(t *testing.T) {
	a, _ := memAdmitter(t)
	ctx := context.Background()

	if _, err := a.Admit(ctx, medEntity("metoprolol", "50 mg"), unitWithAnchor(t, "u1", "2026-02-20"), okScore); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	res, err := a.Admit(ctx, medEntity("metoprolol", "100 mg"), unitWithAnchor(t, "u2", "2026-02-26"), okScore)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if res.Outcome != OutcomeQueued {
		t.Errorf("outcome = %s; a dose change is a new row, not a duplicate", res.Outcome)
	}
}

func TestAdmitSymptomRecurrenceOutsideWindow(t *testing.T) {
	a, _ := memAdmitter(t)
	ctx := context.Background()

	sym := func() *normalize.Entity {
		return &normalize.Entity{
			Domain:         router.DomainSymptom,
			Fields:         map[string]string{"name": "headache", "body_region": "head"},
			SourceMessages: []int{0},
		}
	}

	if _, err := a.Admit(ctx, sym(), unitWithAnchor(t, "u1", "2025-10-01"), okScore); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	// 148 days later: outside the 90-day window, a recurrence.
	res, err := a.Admit(ctx, sym(), unitWithAnchor(t, "u2", "2026-02-26"), okScore)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if res.Outcome != OutcomeQueued {
		t.Errorf("outcome = %s; recurrence outside window must queue fresh", res.Outcome)
	}

	// 10 days apart: inside the window, a duplicate.
	res, err = a.Admit(ctx, sym(), unitWithAnchor(t, "u3", "2026-03-08"), okScore)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Errorf("outcome = %s; same symptom days apart must be flagged", res.Outcome)
	}
}

func TestAdmitSkipsDecidedFingerprint(t *testing.T) {
	a, st := memAdmitter(t)
	ctx := context.Background()

	unit := unitWithAnchor(t, "u1", "2026-02-26")
	first, err := a.Admit(ctx, medEntity("metoprolol", "50 mg"), unit, okScore)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := st.Dismiss(ctx, first.ItemID, "reviewer"); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}

	// Re-running extraction over the same unit produces the same entity;
	// the dismissal must hold.
	res, err := a.Admit(ctx, medEntity("metoprolol", "50 mg"), unit, okScore)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if res.Outcome != OutcomeSkipped {
		t.Errorf("outcome = %s; decided extraction must not resurrect", res.Outcome)
	}
}

func TestAdmitSkipsAlreadyPendingFingerprint(t *testing.T) {
	a, _ := memAdmitter(t)
	ctx := context.Background()

	unit := unitWithAnchor(t, "u1", "2026-02-26")
	if _, err := a.Admit(ctx, medEntity("metoprolol", "50 mg"), unit, okScore); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	res, err := a.Admit(ctx, medEntity("metoprolol", "50 mg"), unit, okScore)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if res.Outcome != OutcomeSkipped {
		t.Errorf("outcome = %s; identical pending extraction must not stack", res.Outcome)
	}
}

func TestDedupKeyNormalization(t *testing.T) {
	a := medEntity("  Metoprolol ", "50 MG")
	b := medEntity("metoprolol", "50 mg")
	if DedupKey(a) != DedupKey(b) {
		t.Errorf("keys differ: %q vs %q", DedupKey(a), DedupKey(b))
	}
}

func TestDedupKeyMissingIdentityFields(t *testing.T) {
	ent := &normalize.Entity{
		Domain: router.DomainAppointment,
		Fields: map[string]string{"professional": "Dr. Lee"}, // no date
	}
	if key := DedupKey(ent); key != "" {
		t.Errorf("key = %q, want empty (no dedup without both identity fields)", key)
	}
}

func TestAdmitDedupsAgainstConfirmedEdits(t *testing.T) {
	a, st := memAdmitter(t)
	ctx := context.Background()

	// The model misspelled the drug; the reviewer corrected it on confirm.
	first, err := a.Admit(ctx, medEntity("metoprlol", "50 mg"), unitWithAnchor(t, "u1", "2026-02-20"), okScore)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := st.ConfirmWithEdits(ctx, first.ItemID, "reviewer", map[string]string{"name": "metoprolol"}); err != nil {
		t.Fatalf("ConfirmWithEdits: %v", err)
	}

	// A later run extracts the correct spelling: it must match the corrected
	// item, not queue fresh.
	res, err := a.Admit(ctx, medEntity("metoprolol", "50 mg"), unitWithAnchor(t, "u2", "2026-02-26"), okScore)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if res.Outcome != OutcomeDuplicate || res.DuplicateOf != first.ItemID {
		t.Errorf("outcome = %s duplicate_of = %s; edits must feed back into dedup", res.Outcome, res.DuplicateOf)
	}
}

func TestFingerprintStable(t *testing.T) {
	if Fingerprint("u1", medEntity("metoprolol", "50 mg")) != Fingerprint("u1", medEntity("Metoprolol", "50 MG")) {
		t.Error("fingerprint not stable under field normalization")
	}
	if Fingerprint("u1", medEntity("metoprolol", "50 mg")) == Fingerprint("u2", medEntity("metoprolol", "50 mg")) {
		t.Error("fingerprint must differ across units")
	}
}
