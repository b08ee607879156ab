// Package queue admits scored entities into the persistent review queue.
//
// Admission builds the normalized dedup key, checks it against active items,
// and inserts the new item with a duplicate_of pointer when a match exists.
// Duplicates always reach review flagged — merging is a human decision.
// Terminality across re-runs is enforced by extraction fingerprint: an
// extraction that was already confirmed or dismissed is never re-queued.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/veritas-health/clinex/internal/ground"
	"github.com/veritas-health/clinex/internal/normalize"
	"github.com/veritas-health/clinex/internal/router"
	"github.com/veritas-health/clinex/internal/source"
	"github.com/veritas-health/clinex/internal/store"
)

// DefaultSymptomWindowDays bounds symptom dedup: the same symptom reported
// farther apart than this is a recurrence, not a duplicate.
const DefaultSymptomWindowDays = 90

// Config tunes admission behavior.
type Config struct {
	SymptomWindowDays int
}

// Outcome classifies one admission attempt.
type Outcome string

const (
	OutcomeQueued    Outcome = "queued"
	OutcomeDuplicate Outcome = "duplicate"  // queued, flagged duplicate_of
	OutcomeSkipped   Outcome = "skipped"    // fingerprint already decided or pending
)

// Result reports what happened to one entity.
type Result struct {
	Outcome Outcome
	ItemID  string
	// DuplicateOf is set when Outcome is OutcomeDuplicate.
	DuplicateOf string
}

// Admitter writes entities into the review store with dedup applied.
type Admitter struct {
	store *store.Store
	cfg   Config

	// keyed mutexes serialize check-then-insert per (domain, dedup key) so
	// concurrent admissions of the same entity cannot both see "no match".
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Admitter over the given store.
func New(st *store.Store, cfg Config) *Admitter {
	if cfg.SymptomWindowDays <= 0 {
		cfg.SymptomWindowDays = DefaultSymptomWindowDays
	}
	return &Admitter{
		store: st,
		cfg:   cfg,
		locks: map[string]*sync.Mutex{},
	}
}

// Admit inserts one scored entity as a pending review item.
func (a *Admitter) Admit(ctx context.Context, ent *normalize.Entity, unit *source.Unit, gr ground.Result) (Result, error) {
	key := DedupKey(ent)
	fp := Fingerprint(unit.ID, ent)

	lock := a.keyLock(string(ent.Domain) + "\x00" + key)
	lock.Lock()
	defer lock.Unlock()

	// Re-run terminality: a decision on this exact extraction is final, and
	// an identical pending copy must not stack.
	decided, err := a.store.FingerprintDecided(ctx, fp)
	if err != nil {
		return Result{}, err
	}
	if decided {
		return Result{Outcome: OutcomeSkipped}, nil
	}
	pending, err := a.store.FingerprintPending(ctx, fp)
	if err != nil {
		return Result{}, err
	}
	if pending {
		return Result{Outcome: OutcomeSkipped}, nil
	}

	since := ""
	if ent.Domain == router.DomainSymptom {
		since = unit.AnchorDate.AddDate(0, 0, -a.cfg.SymptomWindowDays).Format("2006-01-02")
	}
	var dupOf string
	if key != "" {
		match, err := a.store.FindActiveByKey(ctx, string(ent.Domain), key, since)
		if err != nil {
			return Result{}, err
		}
		if match != nil {
			dupOf = match.ID
		}
	}

	item := &store.ReviewItem{
		ID:             uuid.NewString(),
		UnitID:         unit.ID,
		SourceQuote:    sourceQuote(ent, unit),
		Domain:         string(ent.Domain),
		Fields:         ent.Fields,
		Severity:       ent.Severity,
		SourceMessages: ent.SourceMessages,
		Unresolved:     ent.Unresolved,
		Derived:        ent.Derived,
		Flags:          ent.Flags,
		Confidence:     gr.Confidence,
		Grounding:      string(gr.Class),
		DedupKey:       key,
		Fingerprint:    fp,
		AnchorDate:     unit.AnchorDate.Format("2006-01-02"),
		DuplicateOf:    dupOf,
	}
	if err := a.store.AddItem(ctx, item); err != nil {
		return Result{}, fmt.Errorf("admitting %s entity: %w", ent.Domain, err)
	}

	if dupOf != "" {
		return Result{Outcome: OutcomeDuplicate, ItemID: item.ID, DuplicateOf: dupOf}, nil
	}
	return Result{Outcome: OutcomeQueued, ItemID: item.ID}, nil
}

func (a *Admitter) keyLock(key string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[key] = lock
	}
	return lock
}

// DedupKey builds the normalized per-domain identity key. The key logic lives
// in the store, which also re-derives it when a reviewer confirms with edits.
func DedupKey(ent *normalize.Entity) string {
	return store.KeyFor(string(ent.Domain), ent.Fields)
}

// sourceQuoteLimit caps the snippet shown in review surfaces.
const sourceQuoteLimit = 240

// sourceQuote extracts a best-effort snippet of the original text backing an
// entity: the first cited segment, truncated.
func sourceQuote(ent *normalize.Entity, unit *source.Unit) string {
	if len(ent.SourceMessages) == 0 {
		return ""
	}
	text := strings.TrimSpace(unit.SegmentText(ent.SourceMessages[0]))
	if len(text) > sourceQuoteLimit {
		cut := sourceQuoteLimit
		for cut > 0 && text[cut]&0xC0 == 0x80 {
			cut--
		}
		text = text[:cut] + "…"
	}
	return text
}

// Fingerprint identifies one exact extraction: unit, domain, and the full
// normalized field set. Stable across re-runs that produce the same output.
func Fingerprint(unitID string, ent *normalize.Entity) string {
	keys := make([]string, 0, len(ent.Fields))
	for k := range ent.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(unitID)
	b.WriteString("\x00")
	b.WriteString(string(ent.Domain))
	for _, k := range keys {
		b.WriteString("\x00")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(normKeyPart(ent.Fields[k]))
	}
	if ent.Severity != nil {
		fmt.Fprintf(&b, "\x00severity=%d", *ent.Severity)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

func normKeyPart(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}
