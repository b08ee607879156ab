package watchdog

import (
	"hash/fnv"
	"strings"
)

// detectors holds the two repetition detectors fed token by token.
//
// Sequence detector: for every candidate period p up to WindowTokens, tracks
// how many consecutive tokens equal the token p positions back. Inside a loop
// of period p that streak grows one per token; the abort threshold is
// WindowRepeats full windows of uninterrupted looping at any period.
//
// Block detector: every BlockTokens tokens, hashes the trailing block and
// checks a ring buffer of recent block hashes. Catches whole-answer loops
// whose period exceeds the sequence window.
type detectors struct {
	cfg    Config
	tokens []string

	// seqStreaks[p-1] counts consecutive tokens matching period p.
	seqStreaks []int

	sinceBlock int
	ring       []uint64
	ringNext   int
}

func newDetectors(cfg Config) *detectors {
	return &detectors{
		cfg:        cfg,
		seqStreaks: make([]int, cfg.WindowTokens),
		ring:       make([]uint64, 0, cfg.RingSize),
	}
}

// observe feeds one token and reports whether generation should abort.
func (d *detectors) observe(tok string) bool {
	d.tokens = append(d.tokens, tok)

	limit := d.cfg.WindowTokens * d.cfg.WindowRepeats
	n := len(d.tokens)
	for p := 1; p <= d.cfg.WindowTokens; p++ {
		if n <= p || d.tokens[n-1] != d.tokens[n-1-p] {
			d.seqStreaks[p-1] = 0
			continue
		}
		d.seqStreaks[p-1]++
		// A streak must also cover at least one full period before counting
		// as looping, so an echoed word does not trip period 1 instantly.
		if d.seqStreaks[p-1] >= limit && d.seqStreaks[p-1] >= p {
			return true
		}
	}

	d.sinceBlock++
	if d.sinceBlock >= d.cfg.BlockTokens {
		d.sinceBlock = 0
		if d.blockHit() {
			return true
		}
	}

	return false
}

// blockHit hashes the trailing block and counts its occurrences in the ring.
func (d *detectors) blockHit() bool {
	m := d.cfg.BlockTokens
	if len(d.tokens) < m {
		return false
	}
	h := fnv.New64a()
	h.Write([]byte(strings.Join(d.tokens[len(d.tokens)-m:], " ")))
	sum := h.Sum64()

	seen := 1 // the block just produced
	for _, prev := range d.ring {
		if prev == sum {
			seen++
		}
	}

	if len(d.ring) < d.cfg.RingSize {
		d.ring = append(d.ring, sum)
	} else {
		d.ring[d.ringNext] = sum
		d.ringNext = (d.ringNext + 1) % d.cfg.RingSize
	}

	return seen >= d.cfg.BlockRepeats
}
