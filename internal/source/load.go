package source

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/text/language"
)

// unitFile is the JSON batch format accepted by `clinex extract`.
type unitFile struct {
	Units []unitJSON `json:"units"`
}

type unitJSON struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Type       string    `json:"type"`
	Language   string    `json:"language"`
	AnchorDate string    `json:"anchor_date"`
	Text       string    `json:"text,omitempty"`
	Segments   []segJSON `json:"segments,omitempty"`
}

type segJSON struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// LoadFile reads a batch of units from a JSON file. Document units may carry
// a single "text" field instead of segments. Units without an anchor_date
// fall back to defaultAnchor; pass the zero time to make the field required.
func LoadFile(path string, defaultAnchor time.Time) ([]*Unit, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var file unitFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(file.Units) == 0 {
		return nil, fmt.Errorf("%s: no units", path)
	}

	units := make([]*Unit, 0, len(file.Units))
	for i, uj := range file.Units {
		unit, err := fromJSON(uj, defaultAnchor)
		if err != nil {
			return nil, fmt.Errorf("%s unit %d: %w", path, i, err)
		}
		units = append(units, unit)
	}
	return units, nil
}

func fromJSON(uj unitJSON, defaultAnchor time.Time) (*Unit, error) {
	tag, err := language.Parse(uj.Language)
	if err != nil {
		return nil, fmt.Errorf("parsing language %q: %w", uj.Language, err)
	}

	anchor := defaultAnchor
	if uj.AnchorDate != "" {
		anchor, err = time.Parse("2006-01-02", uj.AnchorDate)
		if err != nil {
			return nil, fmt.Errorf("parsing anchor date %q: %w", uj.AnchorDate, err)
		}
	} else if anchor.IsZero() {
		return nil, fmt.Errorf("missing anchor_date (and no --anchor fallback)")
	}

	kind := Kind(uj.Kind)
	switch kind {
	case KindConversation, KindDocument:
	case "":
		kind = KindConversation
	default:
		return nil, fmt.Errorf("unknown kind %q", uj.Kind)
	}

	if kind == KindDocument && uj.Text != "" {
		return NewDocument(uj.ID, uj.Type, tag, anchor, uj.Text)
	}

	segments := make([]Segment, len(uj.Segments))
	for i, sj := range uj.Segments {
		segments[i] = Segment{Role: Role(sj.Role), Text: sj.Text}
	}
	return New(uj.ID, kind, uj.Type, tag, anchor, segments)
}
