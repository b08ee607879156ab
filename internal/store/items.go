package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the review lifecycle state of an item. pending is the only
// non-terminal state; every transition out of it is final.
type State string

const (
	StatePending            State = "pending"
	StateConfirmed          State = "confirmed"
	StateConfirmedWithEdits State = "confirmed_with_edits"
	StateDismissed          State = "dismissed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool { return s != StatePending }

// ErrNotFound is returned when an item id does not exist.
var ErrNotFound = errors.New("review item not found")

// ErrTerminal is returned when a transition targets an already-decided item.
var ErrTerminal = errors.New("review item already decided")

// ReviewItem is one extracted entity awaiting (or past) human review.
type ReviewItem struct {
	ID             string
	UnitID         string
	Domain         string
	Fields         map[string]string
	Severity       *int
	SourceMessages []int
	Unresolved     map[string]string
	Derived        map[string]string
	Flags          []string
	Confidence     float64
	Grounding      string
	// DedupKey is the normalized identity key used for duplicate detection.
	DedupKey string
	// Fingerprint identifies this exact extraction across re-runs; a decided
	// fingerprint is never re-queued.
	Fingerprint string
	// AnchorDate is the source unit's anchor (ISO yyyy-mm-dd), used for
	// recency-windowed dedup.
	AnchorDate string
	// SourceQuote is a best-effort snippet of the original text backing the
	// item, shown alongside the extracted fields during review.
	SourceQuote string
	State       State
	// DuplicateOf points at the earlier item this one duplicates. The item
	// still reaches review — duplicates are flagged, never silently merged.
	DuplicateOf string
	// Edits holds reviewer field corrections for confirmed_with_edits.
	Edits     map[string]string
	CreatedAt time.Time
	DecidedAt *time.Time
	DecidedBy string
}

// AddItem inserts a new pending item and logs its creation event.
func (s *Store) AddItem(ctx context.Context, item *ReviewItem) error {
	if item.ID == "" {
		return fmt.Errorf("item id is required")
	}
	if item.State == "" {
		item.State = StatePending
	}

	fields, err := marshalMap(item.Fields)
	if err != nil {
		return err
	}
	unresolved, err := marshalMap(item.Unresolved)
	if err != nil {
		return err
	}
	derived, err := marshalMap(item.Derived)
	if err != nil {
		return err
	}
	msgs, err := json.Marshal(item.SourceMessages)
	if err != nil {
		return fmt.Errorf("marshaling source messages: %w", err)
	}
	if item.SourceMessages == nil {
		msgs = []byte("[]")
	}
	flags, err := json.Marshal(item.Flags)
	if err != nil {
		return fmt.Errorf("marshaling flags: %w", err)
	}
	if item.Flags == nil {
		flags = []byte("[]")
	}

	var dupOf sql.NullString
	if item.DuplicateOf != "" {
		dupOf = sql.NullString{String: item.DuplicateOf, Valid: true}
	}
	var severity sql.NullInt64
	if item.Severity != nil {
		severity = sql.NullInt64{Int64: int64(*item.Severity), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO review_items
			(id, unit_id, domain, fields, severity, source_messages,
			 unresolved, derived, flags, confidence, grounding,
			 dedup_key, fingerprint, anchor_date, source_quote, state, duplicate_of)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.UnitID, item.Domain, string(fields), severity, string(msgs),
		string(unresolved), string(derived), string(flags), item.Confidence, item.Grounding,
		item.DedupKey, item.Fingerprint, item.AnchorDate, item.SourceQuote, string(item.State), dupOf)
	if err != nil {
		return fmt.Errorf("inserting review item: %w", err)
	}

	detail := ""
	if item.DuplicateOf != "" {
		detail = "duplicate_of=" + item.DuplicateOf
	}
	return s.logEvent(ctx, item.ID, "queued", detail, "")
}

// GetItem loads one item by id.
func (s *Store) GetItem(ctx context.Context, id string) (*ReviewItem, error) {
	row := s.db.QueryRowContext(ctx, selectItem+` WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// ListPending returns pending items, oldest first, optionally filtered to a
// single unit. unitID "" means all units.
func (s *Store) ListPending(ctx context.Context, unitID string) ([]*ReviewItem, error) {
	query := selectItem + ` WHERE state = 'pending'`
	args := []any{}
	if unitID != "" {
		query += ` AND unit_id = ?`
		args = append(args, unitID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending items: %w", err)
	}
	defer rows.Close()

	var out []*ReviewItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Confirm moves a pending item to confirmed. Decided items are immutable:
// confirming twice, or confirming a dismissed item, fails with ErrTerminal.
func (s *Store) Confirm(ctx context.Context, id, actor string) error {
	return s.transition(ctx, id, actor, StateConfirmed, nil)
}

// ConfirmWithEdits confirms a pending item with reviewer field corrections.
func (s *Store) ConfirmWithEdits(ctx context.Context, id, actor string, edits map[string]string) error {
	if len(edits) == 0 {
		return fmt.Errorf("confirm with edits requires at least one edit")
	}
	return s.transition(ctx, id, actor, StateConfirmedWithEdits, edits)
}

// Dismiss moves a pending item to dismissed.
func (s *Store) Dismiss(ctx context.Context, id, actor string) error {
	return s.transition(ctx, id, actor, StateDismissed, nil)
}

// DismissAll dismisses every pending item of a unit and returns how many
// were dismissed.
func (s *Store) DismissAll(ctx context.Context, unitID, actor string) (int, error) {
	items, err := s.ListPending(ctx, unitID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, item := range items {
		if err := s.Dismiss(ctx, item.ID, actor); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// transition performs one state change with terminality enforced in SQL:
// the UPDATE only matches pending rows, so a concurrent or repeated decision
// loses cleanly instead of overwriting.
func (s *Store) transition(ctx context.Context, id, actor string, to State, edits map[string]string) error {
	var editsJSON sql.NullString
	if edits != nil {
		raw, err := json.Marshal(edits)
		if err != nil {
			return fmt.Errorf("marshaling edits: %w", err)
		}
		editsJSON = sql.NullString{String: string(raw), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE review_items
		SET state = ?, edits = COALESCE(?, edits),
		    decided_at = CURRENT_TIMESTAMP, decided_by = ?
		WHERE id = ? AND state = 'pending'`,
		string(to), editsJSON, actor, id)
	if err != nil {
		return fmt.Errorf("updating review item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if n == 0 {
		if _, err := s.GetItem(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrTerminal
	}

	if to == StateConfirmedWithEdits {
		if err := s.rekeyAfterEdits(ctx, id, edits); err != nil {
			return err
		}
	}
	return s.logEvent(ctx, id, string(to), "", actor)
}

// rekeyAfterEdits recomputes the dedup key from the corrected fields so later
// runs dedup against what the reviewer approved, not the raw extraction.
func (s *Store) rekeyAfterEdits(ctx context.Context, id string, edits map[string]string) error {
	item, err := s.GetItem(ctx, id)
	if err != nil {
		return err
	}
	merged := make(map[string]string, len(item.Fields)+len(edits))
	for k, v := range item.Fields {
		merged[k] = v
	}
	for k, v := range edits {
		merged[k] = v
	}
	key := KeyFor(item.Domain, merged)
	if key == item.DedupKey {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE review_items SET dedup_key = ? WHERE id = ?`, key, id); err != nil {
		return fmt.Errorf("rekeying edited item: %w", err)
	}
	return nil
}

// FindActiveByKey returns the oldest pending-or-confirmed item matching a
// dedup key, or nil. sinceAnchor (ISO date, "" for unbounded) restricts the
// match to items anchored on or after that date.
func (s *Store) FindActiveByKey(ctx context.Context, domain, key, sinceAnchor string) (*ReviewItem, error) {
	query := selectItem + `
		WHERE domain = ? AND dedup_key = ?
		  AND state IN ('pending', 'confirmed', 'confirmed_with_edits')`
	args := []any{domain, key}
	if sinceAnchor != "" {
		query += ` AND anchor_date >= ?`
		args = append(args, sinceAnchor)
	}
	query += ` ORDER BY created_at, id LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// FingerprintDecided reports whether an extraction with this fingerprint was
// already decided. Decided fingerprints are never re-queued by later runs.
func (s *Store) FingerprintDecided(ctx context.Context, fingerprint string) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM review_items
		WHERE fingerprint = ? AND state != 'pending'`, fingerprint).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking fingerprint: %w", err)
	}
	return n > 0, nil
}

// FingerprintPending reports whether this fingerprint is already sitting in
// the queue, so re-running extraction does not stack duplicates of itself.
func (s *Store) FingerprintPending(ctx context.Context, fingerprint string) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM review_items
		WHERE fingerprint = ? AND state = 'pending'`, fingerprint).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking fingerprint: %w", err)
	}
	return n > 0, nil
}

func (s *Store) logEvent(ctx context.Context, itemID, eventType, detail, actor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_events (item_id, event_type, detail, actor)
		VALUES (?, ?, ?, ?)`, itemID, eventType, detail, actor)
	if err != nil {
		return fmt.Errorf("logging review event: %w", err)
	}
	return nil
}

// Event is one entry of the append-only review audit log.
type Event struct {
	ID        int64
	ItemID    string
	EventType string
	Detail    string
	Actor     string
	CreatedAt time.Time
}

// Events returns the audit trail for one item, oldest first.
func (s *Store) Events(ctx context.Context, itemID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, event_type, detail, actor, created_at
		FROM review_events WHERE item_id = ? ORDER BY id`, itemID)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.ItemID, &e.EventType, &e.Detail, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const selectItem = `
	SELECT id, unit_id, domain, fields, severity, source_messages,
	       unresolved, derived, flags, confidence, grounding,
	       dedup_key, fingerprint, anchor_date, source_quote, state, duplicate_of,
	       edits, created_at, decided_at, decided_by
	FROM review_items`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*ReviewItem, error) {
	var (
		item       ReviewItem
		fields     string
		severity   sql.NullInt64
		msgs       string
		unresolved string
		derived    string
		flags      string
		state      string
		dupOf      sql.NullString
		edits      sql.NullString
		decidedAt  sql.NullTime
		decidedBy  sql.NullString
	)
	err := row.Scan(&item.ID, &item.UnitID, &item.Domain, &fields, &severity, &msgs,
		&unresolved, &derived, &flags, &item.Confidence, &item.Grounding,
		&item.DedupKey, &item.Fingerprint, &item.AnchorDate, &item.SourceQuote, &state, &dupOf,
		&edits, &item.CreatedAt, &decidedAt, &decidedBy)
	if err != nil {
		return nil, err
	}

	item.State = State(state)
	if severity.Valid {
		v := int(severity.Int64)
		item.Severity = &v
	}
	if dupOf.Valid {
		item.DuplicateOf = dupOf.String
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		item.DecidedAt = &t
	}
	if decidedBy.Valid {
		item.DecidedBy = decidedBy.String
	}

	for _, u := range []struct {
		raw  string
		dest any
	}{
		{fields, &item.Fields},
		{msgs, &item.SourceMessages},
		{unresolved, &item.Unresolved},
		{derived, &item.Derived},
		{flags, &item.Flags},
	} {
		if u.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(u.raw), u.dest); err != nil {
			return nil, fmt.Errorf("decoding item %s: %w", item.ID, err)
		}
	}
	if edits.Valid && edits.String != "" {
		if err := json.Unmarshal([]byte(edits.String), &item.Edits); err != nil {
			return nil, fmt.Errorf("decoding item %s edits: %w", item.ID, err)
		}
	}
	return &item, nil
}

func marshalMap(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling map: %w", err)
	}
	return string(raw), nil
}
