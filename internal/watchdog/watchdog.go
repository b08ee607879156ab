// Package watchdog wraps a single model invocation behind degeneration
// detectors and a hard wall-clock ceiling.
//
// Local models occasionally fall into pathological repetition loops. The
// watchdog streams the answer, watches for token-window and block-level
// repetition, and aborts rather than letting a call run unbounded. An abort
// earns exactly one retry with an unmodified prompt — the cause is model
// stochastic behavior, not prompt content — and a second failure marks the
// answer failed so nothing degenerate ever reaches the parser.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veritas-health/clinex/internal/llm"
)

// Outcome classifies the degeneration result of one invocation.
type Outcome string

const (
	OutcomeClean     Outcome = "clean"
	OutcomeRecovered Outcome = "recovered" // succeeded after one retry
	OutcomeFailed    Outcome = "failed"    // never passes downstream
)

// ErrDegenerate is returned when repetition detectors abort both attempts.
var ErrDegenerate = errors.New("generation_degenerate")

// ErrTimeout is returned when the wall-clock ceiling expires on both
// attempts. Treated identically to a detected degeneration.
var ErrTimeout = errors.New("generation_timeout")

// RawAnswer is the watchdog-approved text for one (unit, question) pair.
type RawAnswer struct {
	Text       string
	Outcome    Outcome
	Elapsed    time.Duration
	TokenCount int
}

// Config tunes the detectors and the retry budget.
type Config struct {
	// WindowTokens is the sequence-detector sliding window size.
	WindowTokens int
	// WindowRepeats is how many extra full windows of pure looping are
	// tolerated before the sequence detector aborts.
	WindowRepeats int
	// BlockTokens is the block-detector granularity: a hash is taken every
	// BlockTokens tokens over the trailing BlockTokens tokens.
	BlockTokens int
	// BlockRepeats aborts once the same block hash has been seen this many
	// times within the ring buffer.
	BlockRepeats int
	// RingSize is how many recent block hashes are remembered.
	RingSize int
	// Timeout is the hard wall-clock ceiling per attempt, independent of
	// the detectors.
	Timeout time.Duration
	// MaxAttempts counts total attempts including the first (default 2).
	MaxAttempts int
}

// DefaultConfig returns detector settings tuned for small local models.
func DefaultConfig() Config {
	return Config{
		WindowTokens:  10,
		WindowRepeats: 3,
		BlockTokens:   80,
		BlockRepeats:  3,
		RingSize:      32,
		Timeout:       120 * time.Second,
		MaxAttempts:   2,
	}
}

// Watchdog guards calls to a single Streamer. One call is in flight per
// Invoke; callers serialize access to the model slot themselves.
type Watchdog struct {
	streamer llm.Streamer
	cfg      Config
	log      *logrus.Logger
}

// New creates a watchdog over the given streamer.
func New(streamer llm.Streamer, cfg Config, log *logrus.Logger) *Watchdog {
	if cfg.WindowTokens <= 0 {
		cfg.WindowTokens = 10
	}
	if cfg.WindowRepeats <= 0 {
		cfg.WindowRepeats = 3
	}
	if cfg.BlockTokens <= 0 {
		cfg.BlockTokens = 80
	}
	if cfg.BlockRepeats <= 0 {
		cfg.BlockRepeats = 3
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 32
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if log == nil {
		log = logrus.New()
	}
	return &Watchdog{streamer: streamer, cfg: cfg, log: log}
}

// Invoke runs one model call with bounded retries. It always returns within
// MaxAttempts × (Timeout + stream teardown); a failed RawAnswer carries the
// sentinel error (ErrDegenerate or ErrTimeout) alongside it.
func (w *Watchdog) Invoke(ctx context.Context, req llm.Request) (RawAnswer, error) {
	start := time.Now()
	var lastErr error
	var tokens int

	for attempt := 0; attempt < w.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return RawAnswer{Outcome: OutcomeFailed, Elapsed: time.Since(start)}, ctx.Err()
		}

		text, n, err := w.streamOnce(ctx, req)
		tokens = n
		if err == nil {
			outcome := OutcomeClean
			if attempt > 0 {
				outcome = OutcomeRecovered
			}
			return RawAnswer{
				Text:       text,
				Outcome:    outcome,
				Elapsed:    time.Since(start),
				TokenCount: n,
			}, nil
		}

		lastErr = err
		w.log.WithFields(logrus.Fields{
			"model":   w.streamer.Name(),
			"attempt": attempt + 1,
			"tokens":  n,
			"reason":  err.Error(),
		}).Warn("generation aborted")

		// Parent cancellation takes the same cleanup path as degeneration
		// but earns no further attempts.
		if ctx.Err() != nil {
			return RawAnswer{Outcome: OutcomeFailed, Elapsed: time.Since(start), TokenCount: n}, ctx.Err()
		}
		// Degeneration, timeout, and transport errors all retry on the
		// same attempt budget with an unmodified prompt.
	}

	return RawAnswer{
		Outcome:    OutcomeFailed,
		Elapsed:    time.Since(start),
		TokenCount: tokens,
	}, fmt.Errorf("after %d attempts: %w", w.cfg.MaxAttempts, lastErr)
}

// streamOnce runs a single attempt: stream, strip reasoning segments, feed
// the detectors, enforce the wall clock.
func (w *Watchdog) streamOnce(ctx context.Context, req llm.Request) (string, int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	stream, err := w.streamer.Stream(attemptCtx, req)
	if err != nil {
		return "", 0, fmt.Errorf("starting stream: %w", err)
	}

	var (
		out      strings.Builder
		stripper thinkStripper
		det      = newDetectors(w.cfg)
		carry    string // partial token across chunk boundaries
		count    int
	)

	abort := func(sentinel error) (string, int, error) {
		cancel()
		llm.WaitClosed(stream, 2*time.Second)
		return "", count, sentinel
	}

	for {
		select {
		case <-attemptCtx.Done():
			llm.WaitClosed(stream, 2*time.Second)
			if ctx.Err() != nil {
				return "", count, ctx.Err()
			}
			return "", count, ErrTimeout
		case chunk, ok := <-stream:
			if !ok {
				// Stream ended without an explicit done marker; accept what
				// we have — detectors already approved it.
				chunk.Done = true
			}
			if chunk.Err != nil {
				return "", count, chunk.Err
			}

			visible := stripper.feed(chunk.Text)
			if visible != "" {
				out.WriteString(visible)
				var toks []string
				toks, carry = splitTokens(carry + visible)
				for _, tok := range toks {
					count++
					if det.observe(tok) {
						return abort(ErrDegenerate)
					}
				}
			}

			if chunk.Done {
				if carry != "" {
					count++
					if det.observe(carry) {
						return abort(ErrDegenerate)
					}
				}
				return strings.TrimSpace(out.String()), count, nil
			}
		}
	}
}

// splitTokens splits buffered text on whitespace, holding back a trailing
// partial token for the next chunk.
func splitTokens(buf string) (tokens []string, carry string) {
	if buf == "" {
		return nil, ""
	}
	complete := buf
	if !endsWithSpace(buf) {
		if idx := strings.LastIndexAny(buf, " \t\r\n"); idx >= 0 {
			complete, carry = buf[:idx+1], buf[idx+1:]
		} else {
			return nil, buf
		}
	}
	return strings.Fields(complete), carry
}

func endsWithSpace(s string) bool {
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case ' ', '\t', '\r', '\n':
		return true
	}
	return false
}
