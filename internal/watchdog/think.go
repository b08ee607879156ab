package watchdog

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// thinkStripper removes model reasoning segments (<think>…</think>) from a
// chunked stream. Reasoning is allowed to exist internally but is never part
// of the structured-output contract: it is stripped before the detectors and
// before the answer is returned. Tags may be split across chunk boundaries,
// so a small tail is buffered between feeds.
type thinkStripper struct {
	inThink bool
	pending string
}

// feed consumes one chunk and returns the visible (non-reasoning) text.
func (t *thinkStripper) feed(chunk string) string {
	buf := t.pending + chunk
	t.pending = ""

	var out strings.Builder
	for buf != "" {
		if t.inThink {
			idx := strings.Index(buf, thinkClose)
			if idx < 0 {
				// Keep a tail that could be a split closing tag.
				t.pending = tail(buf, len(thinkClose)-1)
				return out.String()
			}
			buf = buf[idx+len(thinkClose):]
			t.inThink = false
			continue
		}

		idx := strings.Index(buf, thinkOpen)
		if idx < 0 {
			keep := splitTagTail(buf, thinkOpen)
			out.WriteString(buf[:len(buf)-len(keep)])
			t.pending = keep
			return out.String()
		}
		out.WriteString(buf[:idx])
		buf = buf[idx+len(thinkOpen):]
		t.inThink = true
	}
	return out.String()
}

// tail returns at most the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// splitTagTail returns the trailing bytes of s that are a proper prefix of
// tag, i.e. could be the start of a tag split across chunks.
func splitTagTail(s, tag string) string {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return s[len(s)-n:]
		}
	}
	return ""
}
