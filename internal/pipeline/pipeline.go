// Package pipeline orchestrates one extraction run: route questions, invoke
// the model behind the watchdog, parse, normalize, score, and admit to the
// review queue.
//
// Failures are isolated per (unit, domain): a degenerate answer to the
// medication question costs exactly that question, never the unit's other
// domains and never the batch. The model is invoked through a single slot —
// local inference runs one call at a time.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veritas-health/clinex/internal/ground"
	"github.com/veritas-health/clinex/internal/llm"
	"github.com/veritas-health/clinex/internal/metrics"
	"github.com/veritas-health/clinex/internal/normalize"
	"github.com/veritas-health/clinex/internal/parse"
	"github.com/veritas-health/clinex/internal/queue"
	"github.com/veritas-health/clinex/internal/router"
	"github.com/veritas-health/clinex/internal/source"
	"github.com/veritas-health/clinex/internal/watchdog"
)

// Failure reasons reported per (unit, domain).
const (
	ReasonDegenerate          = "generation_degenerate"
	ReasonTimeout             = "generation_timeout"
	ReasonTransport           = "transport"
	ReasonUnsupportedLanguage = "unsupported_language"
)

// Failure records one domain question that produced no usable answer.
type Failure struct {
	Domain router.Domain
	Reason string
}

// Report summarizes one unit's extraction run.
type Report struct {
	UnitID string
	// Queued counts items admitted to review (duplicates included).
	Queued int
	// Duplicates counts queued items flagged duplicate_of.
	Duplicates int
	// Skipped counts entities whose fingerprint was already queued or decided.
	Skipped int
	// Rejected counts entities dropped below the confidence threshold or
	// attributed entirely to non-patient speakers.
	Rejected int
	// Unparsed counts lines preserved whole for human review.
	Unparsed int
	// EmptyDomains counts questions answered with an explicit negative.
	EmptyDomains int
	// SkippedDomains lists domains with no template in the unit's language.
	SkippedDomains []router.Domain
	Failures       []Failure
	Elapsed        time.Duration
}

// Runner wires the pipeline stages together.
type Runner struct {
	wd       *watchdog.Watchdog
	scorer   *ground.Scorer
	admitter *queue.Admitter
	log      *logrus.Logger

	// DryRun runs the full pipeline but admits nothing: entities that would
	// queue are counted in the report instead of written to the store.
	DryRun bool

	// slot serializes model invocations: one call in flight, FIFO by caller.
	slot sync.Mutex
}

// New creates a Runner.
func New(wd *watchdog.Watchdog, scorer *ground.Scorer, admitter *queue.Admitter, log *logrus.Logger) *Runner {
	if log == nil {
		log = logrus.New()
	}
	return &Runner{wd: wd, scorer: scorer, admitter: admitter, log: log}
}

// Run processes a batch of units sequentially and returns one report each.
// A unit-level failure stops the batch only on context cancellation.
func (r *Runner) Run(ctx context.Context, units []*source.Unit) ([]*Report, error) {
	var reports []*Report
	for _, unit := range units {
		rep, err := r.RunUnit(ctx, unit)
		if rep != nil {
			reports = append(reports, rep)
		}
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// RunUnit extracts one unit across all of its routed domains. The returned
// error is non-nil only for context cancellation or storage failure; model
// failures land in the report.
func (r *Runner) RunUnit(ctx context.Context, unit *source.Unit) (*Report, error) {
	start := time.Now()
	rep := &Report{UnitID: unit.ID}
	defer func() { rep.Elapsed = time.Since(start) }()

	routed := router.Route(unit)
	if routed.UnsupportedLanguage {
		rep.SkippedDomains = routed.SkippedDomains
		for _, d := range routed.SkippedDomains {
			rep.Failures = append(rep.Failures, Failure{Domain: d, Reason: ReasonUnsupportedLanguage})
		}
		metrics.UnsupportedLanguage.Inc()
		r.log.WithFields(logrus.Fields{
			"unit":    unit.ID,
			"lang":    unit.Language.String(),
			"domains": routed.SkippedDomains,
		}).Warn("domains skipped for unsupported language")
	}

	for _, q := range routed.Questions {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if err := r.runDomain(ctx, unit, q, rep); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (r *Runner) runDomain(ctx context.Context, unit *source.Unit, q router.Question, rep *Report) error {
	req := llm.Request{
		System: q.System,
		User:   q.User + "\n\n" + unit.PromptText(),
	}

	r.slot.Lock()
	ans, err := r.wd.Invoke(ctx, req)
	r.slot.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reason := ReasonTransport
		switch {
		case errors.Is(err, watchdog.ErrDegenerate):
			reason = ReasonDegenerate
		case errors.Is(err, watchdog.ErrTimeout):
			reason = ReasonTimeout
		}
		rep.Failures = append(rep.Failures, Failure{Domain: q.Domain, Reason: reason})
		metrics.GenerationFailures.WithLabelValues(reason).Inc()
		metrics.Extractions.WithLabelValues(string(q.Domain), "failed").Inc()
		r.log.WithFields(logrus.Fields{
			"unit":   unit.ID,
			"domain": q.Domain,
			"reason": reason,
		}).Error("domain extraction failed")
		return nil
	}
	if ans.Outcome == watchdog.OutcomeRecovered {
		metrics.GenerationRecoveries.Inc()
	}

	cands := parse.Parse(ans, q.Domain)
	if len(cands) == 0 {
		rep.EmptyDomains++
		metrics.Extractions.WithLabelValues(string(q.Domain), "empty").Inc()
		return nil
	}

	for _, cand := range cands {
		ent, ok := normalize.Normalize(cand, unit)
		if !ok {
			rep.Rejected++
			metrics.Extractions.WithLabelValues(string(q.Domain), "rejected").Inc()
			r.log.WithFields(logrus.Fields{
				"unit":   unit.ID,
				"domain": q.Domain,
				"line":   cand.Line,
			}).Debug("candidate attributed to non-patient speakers, dropped")
			continue
		}
		if cand.Unparsed {
			rep.Unparsed++
			metrics.UnparsedLines.WithLabelValues(string(q.Domain)).Inc()
		}

		gr := r.scorer.Score(ent, unit)
		admit := r.scorer.Admissible(gr)
		if cand.Unparsed {
			// Unparsed lines exist precisely so a human can fix them; they
			// bypass the threshold as long as the text traces to the source.
			admit = gr.Class != ground.ClassUngrounded
		}
		if !admit {
			rep.Rejected++
			metrics.LowConfidenceRejected.WithLabelValues(string(q.Domain)).Inc()
			metrics.Extractions.WithLabelValues(string(q.Domain), "rejected").Inc()
			r.log.WithFields(logrus.Fields{
				"unit":       unit.ID,
				"domain":     q.Domain,
				"confidence": gr.Confidence,
				"grounding":  gr.Class,
				"ungrounded": gr.UngroundedFields,
			}).Info("entity rejected below confidence threshold")
			continue
		}

		if r.DryRun {
			rep.Queued++
			r.log.WithFields(logrus.Fields{
				"unit":       unit.ID,
				"domain":     q.Domain,
				"fields":     ent.Flat(),
				"confidence": gr.Confidence,
			}).Info("dry run: entity would queue")
			continue
		}

		res, err := r.admitter.Admit(ctx, ent, unit, gr)
		if err != nil {
			// Storage failure aborts the run; partial state is safe because
			// admission is idempotent by fingerprint.
			return err
		}
		switch res.Outcome {
		case queue.OutcomeQueued:
			rep.Queued++
			metrics.Extractions.WithLabelValues(string(q.Domain), "queued").Inc()
		case queue.OutcomeDuplicate:
			rep.Queued++
			rep.Duplicates++
			metrics.DuplicatesFlagged.WithLabelValues(string(q.Domain)).Inc()
			metrics.Extractions.WithLabelValues(string(q.Domain), "duplicate").Inc()
			r.log.WithFields(logrus.Fields{
				"unit":         unit.ID,
				"domain":       q.Domain,
				"item":         res.ItemID,
				"duplicate_of": res.DuplicateOf,
			}).Info("review item flagged duplicate")
		case queue.OutcomeSkipped:
			rep.Skipped++
			metrics.Extractions.WithLabelValues(string(q.Domain), "skipped").Inc()
		}
	}
	return nil
}
