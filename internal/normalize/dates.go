package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// ResolveDate resolves an absolute or relative date expression against the
// anchor date and returns it as ISO yyyy-mm-dd. Resolution is deterministic:
// the same expression against the same anchor always yields the same date,
// and an already-ISO value passes through unchanged. Ambiguous or
// unsupported expressions return ok=false — never a guess.
func ResolveDate(expr string, anchor time.Time, lang string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(expr))
	if s == "" {
		return "", false
	}

	// ISO passthrough (idempotence).
	if isoRE.MatchString(s) {
		if _, err := time.Parse("2006-01-02", s); err == nil {
			return s, true
		}
		return "", false
	}

	if d, ok := resolveKeyword(s, anchor, lang); ok {
		return iso(d), true
	}
	if d, ok := resolveOffset(s, anchor, lang); ok {
		return iso(d), true
	}
	if d, ok := resolveWeekday(s, anchor, lang); ok {
		return iso(d), true
	}
	if d, ok := resolveMonthName(s, anchor, lang); ok {
		return iso(d), true
	}

	// English absolute formats fall through to dateparse. Strict mode
	// rejects ambiguous day/month orderings instead of picking one.
	if lang == "en" && strings.ContainsAny(s, "0123456789") {
		if d, err := dateparse.ParseStrict(s); err == nil {
			return iso(d), true
		}
	}

	return "", false
}

var isoRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func iso(t time.Time) string { return t.Format("2006-01-02") }

// relative keyword → day offset, per language.
var keywordOffsets = map[string]map[string]int{
	"en": {
		"today": 0, "yesterday": -1, "tomorrow": 1,
		"day before yesterday": -2, "day after tomorrow": 2,
	},
	"es": {
		"hoy": 0, "ayer": -1, "mañana": 1, "anteayer": -2, "antier": -2,
		"pasado mañana": 2,
	},
	"de": {
		"heute": 0, "gestern": -1, "morgen": 1, "vorgestern": -2,
		"übermorgen": 2,
	},
}

func resolveKeyword(s string, anchor time.Time, lang string) (time.Time, bool) {
	offsets, ok := keywordOffsets[lang]
	if !ok {
		return time.Time{}, false
	}
	off, ok := offsets[s]
	if !ok {
		return time.Time{}, false
	}
	return anchor.AddDate(0, 0, off), true
}

var (
	agoEN = regexp.MustCompile(`^(\d{1,3})\s+(day|week|month)s?\s+ago$`)
	inEN  = regexp.MustCompile(`^in\s+(\d{1,3})\s+(day|week|month)s?$`)
	agoES = regexp.MustCompile(`^hace\s+(\d{1,3})\s+(día|dia|semana|mes)e?s?$`)
	inES  = regexp.MustCompile(`^(?:en|dentro de)\s+(\d{1,3})\s+(día|dia|semana|mes)e?s?$`)
	agoDE = regexp.MustCompile(`^vor\s+(\d{1,3})\s+(tag|woche|monat)e?n?$`)
	inDE  = regexp.MustCompile(`^in\s+(\d{1,3})\s+(tag|woche|monat)e?n?$`)
)

var unitDays = map[string]func(anchor time.Time, n int) time.Time{
	"day":    func(a time.Time, n int) time.Time { return a.AddDate(0, 0, n) },
	"week":   func(a time.Time, n int) time.Time { return a.AddDate(0, 0, 7*n) },
	"month":  func(a time.Time, n int) time.Time { return a.AddDate(0, n, 0) },
	"día":    func(a time.Time, n int) time.Time { return a.AddDate(0, 0, n) },
	"dia":    func(a time.Time, n int) time.Time { return a.AddDate(0, 0, n) },
	"semana": func(a time.Time, n int) time.Time { return a.AddDate(0, 0, 7*n) },
	"mes":    func(a time.Time, n int) time.Time { return a.AddDate(0, n, 0) },
	"tag":    func(a time.Time, n int) time.Time { return a.AddDate(0, 0, n) },
	"woche":  func(a time.Time, n int) time.Time { return a.AddDate(0, 0, 7*n) },
	"monat":  func(a time.Time, n int) time.Time { return a.AddDate(0, n, 0) },
}

func resolveOffset(s string, anchor time.Time, lang string) (time.Time, bool) {
	var patterns []struct {
		re   *regexp.Regexp
		sign int
	}
	switch lang {
	case "en":
		patterns = []struct {
			re   *regexp.Regexp
			sign int
		}{{agoEN, -1}, {inEN, 1}}
	case "es":
		patterns = []struct {
			re   *regexp.Regexp
			sign int
		}{{agoES, -1}, {inES, 1}}
	case "de":
		patterns = []struct {
			re   *regexp.Regexp
			sign int
		}{{agoDE, -1}, {inDE, 1}}
	default:
		return time.Time{}, false
	}

	for _, p := range patterns {
		m := p.re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		add, ok := unitDays[m[2]]
		if !ok {
			continue
		}
		return add(anchor, p.sign*n), true
	}
	return time.Time{}, false
}

var weekdayNames = map[string]map[string]time.Weekday{
	"en": {
		"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
		"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
		"sunday": time.Sunday,
	},
	"es": {
		"lunes": time.Monday, "martes": time.Tuesday, "miércoles": time.Wednesday,
		"miercoles": time.Wednesday, "jueves": time.Thursday, "viernes": time.Friday,
		"sábado": time.Saturday, "sabado": time.Saturday, "domingo": time.Sunday,
	},
	"de": {
		"montag": time.Monday, "dienstag": time.Tuesday, "mittwoch": time.Wednesday,
		"donnerstag": time.Thursday, "freitag": time.Friday, "samstag": time.Saturday,
		"sonntag": time.Sunday,
	},
}

var (
	weekdayEN = regexp.MustCompile(`^(last|next|this)\s+([a-z]+)$`)
	weekdayES = regexp.MustCompile(`^(?:el\s+)?(?:(próximo|proximo)\s+([a-zá-ú]+)|([a-zá-ú]+)\s+(pasado|que viene))$`)
	weekdayDE = regexp.MustCompile(`^(letzten|nächsten|naechsten)\s+([a-zä-ü]+)$`)
)

// resolveWeekday handles "last/next <weekday>" with calendar arithmetic:
// next is strictly after the anchor (1–7 days ahead), last strictly before
// (1–7 days back). A bare weekday name is ambiguous and stays unresolved.
func resolveWeekday(s string, anchor time.Time, lang string) (time.Time, bool) {
	names, ok := weekdayNames[lang]
	if !ok {
		return time.Time{}, false
	}

	var dir int // +1 next, -1 last
	var name string
	switch lang {
	case "en":
		m := weekdayEN.FindStringSubmatch(s)
		if m == nil {
			return time.Time{}, false
		}
		name = m[2]
		switch m[1] {
		case "next", "this":
			dir = 1
		case "last":
			dir = -1
		}
	case "es":
		m := weekdayES.FindStringSubmatch(s)
		if m == nil {
			return time.Time{}, false
		}
		if m[1] != "" {
			dir, name = 1, m[2]
		} else {
			name = m[3]
			if m[4] == "pasado" {
				dir = -1
			} else {
				dir = 1
			}
		}
	case "de":
		m := weekdayDE.FindStringSubmatch(s)
		if m == nil {
			return time.Time{}, false
		}
		name = m[2]
		if m[1] == "letzten" {
			dir = -1
		} else {
			dir = 1
		}
	default:
		return time.Time{}, false
	}

	wd, ok := names[name]
	if !ok {
		return time.Time{}, false
	}

	delta := (int(wd) - int(anchor.Weekday()) + 7) % 7
	if dir > 0 {
		if delta == 0 {
			delta = 7
		}
		return anchor.AddDate(0, 0, delta), true
	}
	back := (int(anchor.Weekday()) - int(wd) + 7) % 7
	if back == 0 {
		back = 7
	}
	return anchor.AddDate(0, 0, -back), true
}

var monthNames = map[string]map[string]time.Month{
	"es": {
		"enero": time.January, "febrero": time.February, "marzo": time.March,
		"abril": time.April, "mayo": time.May, "junio": time.June,
		"julio": time.July, "agosto": time.August, "septiembre": time.September,
		"octubre": time.October, "noviembre": time.November, "diciembre": time.December,
	},
	"de": {
		"januar": time.January, "februar": time.February, "märz": time.March,
		"maerz": time.March, "april": time.April, "mai": time.May,
		"juni": time.June, "juli": time.July, "august": time.August,
		"september": time.September, "oktober": time.October,
		"november": time.November, "dezember": time.December,
	},
}

var (
	monthES = regexp.MustCompile(`^(\d{1,2})\s+de\s+([a-zá-ú]+)(?:\s+de\s+(\d{4}))?$`)
	monthDE = regexp.MustCompile(`^(\d{1,2})\.?\s+([a-zä-ü]+)(?:\s+(\d{4}))?$`)
)

// resolveMonthName parses "14 de marzo de 2026" / "14. März 2026". A missing
// year defaults to the anchor's year — the nearest deterministic reading.
func resolveMonthName(s string, anchor time.Time, lang string) (time.Time, bool) {
	months, ok := monthNames[lang]
	if !ok {
		return time.Time{}, false
	}

	var re *regexp.Regexp
	switch lang {
	case "es":
		re = monthES
	case "de":
		re = monthDE
	default:
		return time.Time{}, false
	}

	m := re.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(m[1])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, false
	}
	month, ok := months[m[2]]
	if !ok {
		return time.Time{}, false
	}
	year := anchor.Year()
	if m[3] != "" {
		year, err = strconv.Atoi(m[3])
		if err != nil {
			return time.Time{}, false
		}
	}

	d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if d.Day() != day {
		// Rolled over an invalid date like 31 de febrero.
		return time.Time{}, false
	}
	return d, true
}
