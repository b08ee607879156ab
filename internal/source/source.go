// Package source defines the SourceUnit: one addressable chunk of input
// submitted for extraction — a conversation message group or a single
// document page. Units are immutable once built; every downstream stage
// references their segments by canonical 0-based index.
package source

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// Kind distinguishes conversation units from document pages.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindDocument     Kind = "document"
)

// Role tags who produced a segment. Only patient-tagged segments are
// admissible as extraction sources; the normalizer enforces this.
type Role string

const (
	RolePatient   Role = "patient"
	RoleClinician Role = "clinician"
	RoleAssistant Role = "assistant"
	RoleDocument  Role = "document" // single text block of a document page
)

// Segment is one (index, role, text) tuple of a unit.
type Segment struct {
	Index int
	Role  Role
	Text  string
}

// Unit is one conversation message group or document page.
// Treat as immutable after New; downstream stages only read it.
type Unit struct {
	ID         string
	Kind       Kind
	TypeLabel  string
	Language   language.Tag
	AnchorDate time.Time
	segments   []Segment
}

// New builds a Unit, copying segments and assigning canonical 0-based
// indices in order. AnchorDate is the date the unit is "as of" — relative
// date expressions resolve against it.
func New(id string, kind Kind, typeLabel string, lang language.Tag, anchor time.Time, segments []Segment) (*Unit, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("unit id is required")
	}
	if anchor.IsZero() {
		return nil, fmt.Errorf("unit %s: anchor date is required", id)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("unit %s: at least one segment is required", id)
	}

	copied := make([]Segment, len(segments))
	for i, seg := range segments {
		copied[i] = Segment{Index: i, Role: seg.Role, Text: seg.Text}
	}

	return &Unit{
		ID:         id,
		Kind:       kind,
		TypeLabel:  typeLabel,
		Language:   lang,
		AnchorDate: anchor,
		segments:   copied,
	}, nil
}

// NewDocument builds a single-segment document-page unit.
func NewDocument(id, typeLabel string, lang language.Tag, anchor time.Time, text string) (*Unit, error) {
	return New(id, KindDocument, typeLabel, lang, anchor, []Segment{
		{Role: RoleDocument, Text: text},
	})
}

// Segments returns a copy of the unit's segments.
func (u *Unit) Segments() []Segment {
	out := make([]Segment, len(u.segments))
	copy(out, u.segments)
	return out
}

// Len returns the number of segments.
func (u *Unit) Len() int { return len(u.segments) }

// Segment returns the segment at the canonical index, or false if out of range.
func (u *Unit) Segment(i int) (Segment, bool) {
	if i < 0 || i >= len(u.segments) {
		return Segment{}, false
	}
	return u.segments[i], true
}

// SegmentText returns the text at index i, or "" if out of range.
func (u *Unit) SegmentText(i int) string {
	seg, ok := u.Segment(i)
	if !ok {
		return ""
	}
	return seg.Text
}

// IsPatientSourced reports whether index i is admissible as an extraction
// source: patient speech in conversations, any text on a document page.
func (u *Unit) IsPatientSourced(i int) bool {
	seg, ok := u.Segment(i)
	if !ok {
		return false
	}
	switch seg.Role {
	case RolePatient, RoleDocument:
		return true
	default:
		return false
	}
}

// PatientIndices returns the canonical indices of all admissible segments.
func (u *Unit) PatientIndices() []int {
	var out []int
	for _, seg := range u.segments {
		if seg.Role == RolePatient || seg.Role == RoleDocument {
			out = append(out, seg.Index)
		}
	}
	return out
}

// PromptText renders the unit's segments as the numbered transcript embedded
// in the user message of a model call. Indices shown are the canonical ones
// answers are expected to cite.
func (u *Unit) PromptText() string {
	var b strings.Builder
	for _, seg := range u.segments {
		if u.Kind == KindDocument {
			b.WriteString(seg.Text)
			b.WriteString("\n")
			continue
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", seg.Index, seg.Role, seg.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}
