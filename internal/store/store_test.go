package store

import (
	"context"
	"errors"
	"testing"
)

func memStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testItem(id, unitID, key string) *ReviewItem {
	return &ReviewItem{
		ID:             id,
		UnitID:         unitID,
		Domain:         "medication",
		Fields:         map[string]string{"name": "ibuprofen", "dose": "400 mg"},
		SourceMessages: []int{0},
		Confidence:     0.9,
		Grounding:      "grounded",
		DedupKey:       key,
		Fingerprint:    "fp-" + id,
		AnchorDate:     "2026-02-26",
		SourceQuote:    "I take ibuprofen 400 mg",
	}
}

func TestAddAndGetItem(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	sev := 4
	item := testItem("i1", "u1", "ibuprofen|400 mg")
	item.Severity = &sev
	item.Unresolved = map[string]string{"onset": "date_unresolved"}
	item.Derived = map[string]string{"start_date": "yesterday"}
	item.Flags = []string{"unparsed_line"}

	if err := s.AddItem(ctx, item); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	got, err := s.GetItem(ctx, "i1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.State != StatePending {
		t.Errorf("state = %s, want pending", got.State)
	}
	if got.Fields["name"] != "ibuprofen" {
		t.Errorf("fields = %v", got.Fields)
	}
	if got.Severity == nil || *got.Severity != 4 {
		t.Errorf("severity = %v, want 4", got.Severity)
	}
	if got.Unresolved["onset"] != "date_unresolved" {
		t.Errorf("unresolved = %v", got.Unresolved)
	}
	if got.Derived["start_date"] != "yesterday" {
		t.Errorf("derived = %v", got.Derived)
	}
	if len(got.SourceMessages) != 1 || got.SourceMessages[0] != 0 {
		t.Errorf("source messages = %v", got.SourceMessages)
	}
	if got.SourceQuote != "I take ibuprofen 400 mg" {
		t.Errorf("source quote = %q", got.SourceQuote)
	}
}

func TestGetItemNotFound(t *testing.T) {
	s := memStore(t)
	if _, err := s.GetItem(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConfirmIsTerminal(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	if err := s.AddItem(ctx, testItem("i1", "u1", "k")); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if err := s.Confirm(ctx, "i1", "dr.smith"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	got, _ := s.GetItem(ctx, "i1")
	if got.State != StateConfirmed {
		t.Errorf("state = %s", got.State)
	}
	if got.DecidedAt == nil || got.DecidedBy != "dr.smith" {
		t.Errorf("decision metadata missing: %v %q", got.DecidedAt, got.DecidedBy)
	}

	// Every further transition must fail.
	if err := s.Confirm(ctx, "i1", "x"); !errors.Is(err, ErrTerminal) {
		t.Errorf("second confirm err = %v, want ErrTerminal", err)
	}
	if err := s.Dismiss(ctx, "i1", "x"); !errors.Is(err, ErrTerminal) {
		t.Errorf("dismiss after confirm err = %v, want ErrTerminal", err)
	}
}

func TestConfirmWithEdits(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	if err := s.AddItem(ctx, testItem("i1", "u1", "k")); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	edits := map[string]string{"dose": "600 mg"}
	if err := s.ConfirmWithEdits(ctx, "i1", "dr.smith", edits); err != nil {
		t.Fatalf("ConfirmWithEdits: %v", err)
	}

	got, _ := s.GetItem(ctx, "i1")
	if got.State != StateConfirmedWithEdits {
		t.Errorf("state = %s", got.State)
	}
	if got.Edits["dose"] != "600 mg" {
		t.Errorf("edits = %v", got.Edits)
	}
	// The original extraction stays intact alongside the correction.
	if got.Fields["dose"] != "400 mg" {
		t.Errorf("original fields overwritten: %v", got.Fields)
	}
	// The dedup key follows the corrected fields.
	if got.DedupKey != "ibuprofen|600 mg" {
		t.Errorf("dedup key = %q, want rekeyed from edits", got.DedupKey)
	}
}

func TestConfirmWithEditsRequiresEdits(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()
	if err := s.AddItem(ctx, testItem("i1", "u1", "k")); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if err := s.ConfirmWithEdits(ctx, "i1", "x", nil); err == nil {
		t.Error("empty edits accepted")
	}
}

func TestDismissAll(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.AddItem(ctx, testItem(id, "u1", "k"+id)); err != nil {
			t.Fatalf("AddItem %s: %v", id, err)
		}
	}
	if err := s.AddItem(ctx, testItem("other", "u2", "ko")); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if err := s.Confirm(ctx, "a", "x"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	n, err := s.DismissAll(ctx, "u1", "x")
	if err != nil {
		t.Fatalf("DismissAll: %v", err)
	}
	if n != 2 {
		t.Errorf("dismissed %d, want 2 (confirmed item untouched)", n)
	}

	got, _ := s.GetItem(ctx, "a")
	if got.State != StateConfirmed {
		t.Errorf("confirmed item state = %s after dismiss-all", got.State)
	}
	got, _ = s.GetItem(ctx, "other")
	if got.State != StatePending {
		t.Errorf("other unit's item state = %s, want pending", got.State)
	}
}

func TestListPendingExcludesDecided(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := s.AddItem(ctx, testItem(id, "u1", "k"+id)); err != nil {
			t.Fatalf("AddItem: %v", err)
		}
	}
	if err := s.Dismiss(ctx, "a", "x"); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}

	items, err := s.ListPending(ctx, "")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(items) != 1 || items[0].ID != "b" {
		t.Errorf("pending = %v", items)
	}
}

func TestFindActiveByKey(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	item := testItem("i1", "u1", "metoprolol|50 mg")
	if err := s.AddItem(ctx, item); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	got, err := s.FindActiveByKey(ctx, "medication", "metoprolol|50 mg", "")
	if err != nil {
		t.Fatalf("FindActiveByKey: %v", err)
	}
	if got == nil || got.ID != "i1" {
		t.Fatalf("got %v, want i1", got)
	}

	// Dismissed items stop matching.
	if err := s.Dismiss(ctx, "i1", "x"); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	got, err = s.FindActiveByKey(ctx, "medication", "metoprolol|50 mg", "")
	if err != nil {
		t.Fatalf("FindActiveByKey: %v", err)
	}
	if got != nil {
		t.Errorf("dismissed item still matches dedup")
	}
}

func TestFindActiveByKeyRecencyWindow(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	old := testItem("old", "u1", "headache|")
	old.Domain = "symptom"
	old.AnchorDate = "2025-10-01"
	if err := s.AddItem(ctx, old); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	got, err := s.FindActiveByKey(ctx, "symptom", "headache|", "2025-11-28")
	if err != nil {
		t.Fatalf("FindActiveByKey: %v", err)
	}
	if got != nil {
		t.Error("item outside the recency window matched")
	}

	got, err = s.FindActiveByKey(ctx, "symptom", "headache|", "2025-09-01")
	if err != nil {
		t.Fatalf("FindActiveByKey: %v", err)
	}
	if got == nil {
		t.Error("item inside the recency window not matched")
	}
}

func TestFingerprintTerminality(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	item := testItem("i1", "u1", "k")
	if err := s.AddItem(ctx, item); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	pending, err := s.FingerprintPending(ctx, item.Fingerprint)
	if err != nil || !pending {
		t.Fatalf("FingerprintPending = %v, %v; want true", pending, err)
	}
	decided, err := s.FingerprintDecided(ctx, item.Fingerprint)
	if err != nil || decided {
		t.Fatalf("FingerprintDecided = %v, %v; want false", decided, err)
	}

	if err := s.Dismiss(ctx, "i1", "x"); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	decided, err = s.FingerprintDecided(ctx, item.Fingerprint)
	if err != nil || !decided {
		t.Fatalf("FingerprintDecided after dismissal = %v, %v; want true", decided, err)
	}
}

func TestEventLog(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	if err := s.AddItem(ctx, testItem("i1", "u1", "k")); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if err := s.Confirm(ctx, "i1", "dr.smith"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	events, err := s.Events(ctx, "i1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (queued + confirmed)", len(events))
	}
	if events[0].EventType != "queued" || events[1].EventType != "confirmed" {
		t.Errorf("events = %s, %s", events[0].EventType, events[1].EventType)
	}
	if events[1].Actor != "dr.smith" {
		t.Errorf("actor = %q", events[1].Actor)
	}
}

func TestStats(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.AddItem(ctx, testItem(id, "u1", "k"+id)); err != nil {
			t.Fatalf("AddItem: %v", err)
		}
	}
	if err := s.Confirm(ctx, "a", "x"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := s.Dismiss(ctx, "b", "x"); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.PendingCount != 1 || stats.ConfirmedCount != 1 || stats.DismissedCount != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
