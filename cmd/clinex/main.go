package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/veritas-health/clinex/internal/config"
	"github.com/veritas-health/clinex/internal/ground"
	"github.com/veritas-health/clinex/internal/llm"
	"github.com/veritas-health/clinex/internal/mcp"
	"github.com/veritas-health/clinex/internal/metrics"
	"github.com/veritas-health/clinex/internal/pipeline"
	"github.com/veritas-health/clinex/internal/queue"
	"github.com/veritas-health/clinex/internal/source"
	"github.com/veritas-health/clinex/internal/store"
	"github.com/veritas-health/clinex/internal/watchdog"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "extract":
		err = runExtract(os.Args[2:])
	case "review":
		err = runReview(os.Args[2:])
	case "confirm":
		err = runConfirm(os.Args[2:])
	case "dismiss":
		err = runDismiss(os.Args[2:])
	case "dismiss-all":
		err = runDismissAll(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "config":
		err = runConfig(os.Args[2:])
	case "mcp":
		err = runMCP(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("clinex %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds the flags shared across subcommands.
type cliFlags struct {
	opts       config.ResolveOptions
	metricsOn  string
	actor      string
	editsJSON  string
	unitFilter string
	dryRun     bool
	args       []string
}

func parseFlags(args []string) (cliFlags, error) {
	var f cliFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		next := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("flag %s requires a value", arg)
			}
			i++
			return args[i], nil
		}

		var err error
		switch arg {
		case "--config":
			f.opts.ConfigPath, err = next()
		case "--db":
			f.opts.CLIDBPath, err = next()
		case "--endpoint":
			f.opts.CLIEndpoint, err = next()
		case "--model":
			f.opts.CLIModel, err = next()
		case "--threshold":
			f.opts.CLIThreshold, err = next()
		case "--timeout":
			f.opts.CLITimeout, err = next()
		case "--anchor":
			f.opts.CLIAnchorDate, err = next()
		case "--metrics":
			f.metricsOn, err = next()
		case "--actor":
			f.actor, err = next()
		case "--edits":
			f.editsJSON, err = next()
		case "--unit":
			f.unitFilter, err = next()
		case "--dry-run":
			f.dryRun = true
		default:
			if strings.HasPrefix(arg, "-") {
				return f, fmt.Errorf("unknown flag: %s", arg)
			}
			f.args = append(f.args, arg)
		}
		if err != nil {
			return f, err
		}
	}
	return f, nil
}

func runExtract(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(f.args) == 0 {
		return fmt.Errorf("usage: clinex extract <units.json> [--db path] [--endpoint url] [--model name]")
	}

	cfg, err := config.Resolve(f.opts)
	if err != nil {
		return err
	}
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return err
	}
	threshold, err := cfg.ThresholdFloat()
	if err != nil {
		return err
	}
	window, err := cfg.SymptomWindowInt()
	if err != nil {
		return err
	}

	var fallbackAnchor time.Time
	if cfg.AnchorDate.Value != "" {
		fallbackAnchor, err = time.Parse("2006-01-02", cfg.AnchorDate.Value)
		if err != nil {
			return fmt.Errorf("invalid anchor date %q: %w", cfg.AnchorDate.Value, err)
		}
	}
	units, err := source.LoadFile(f.args[0], fallbackAnchor)
	if err != nil {
		return err
	}

	st, err := store.New(store.Config{DBPath: cfg.DBPath.Value})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	log := logrus.New()

	if f.metricsOn != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(f.metricsOn, mux); err != nil {
				log.WithError(err).Warn("metrics listener stopped")
			}
		}()
	}

	streamer, err := llm.NewStreamer(llm.Config{
		Endpoint: cfg.ModelAPIBase.Value,
		Model:    cfg.Model.Value,
		APIKey:   cfg.ModelAPIKey.Value,
	})
	if err != nil {
		return err
	}

	wdCfg := watchdog.DefaultConfig()
	wdCfg.Timeout = timeout
	wd := watchdog.New(streamer, wdCfg, log)

	scorer := ground.New(ground.Config{Threshold: threshold})
	admitter := queue.New(st, queue.Config{SymptomWindowDays: window})
	runner := pipeline.New(wd, scorer, admitter, log)
	runner.DryRun = f.dryRun

	reports, err := runner.Run(context.Background(), units)
	for _, rep := range reports {
		printReport(rep)
	}
	return err
}

func printReport(rep *pipeline.Report) {
	fmt.Printf("unit %s: %d queued (%d duplicates), %d skipped, %d rejected, %d unparsed, %d empty domains (%.1fs)\n",
		rep.UnitID, rep.Queued, rep.Duplicates, rep.Skipped, rep.Rejected,
		rep.Unparsed, rep.EmptyDomains, rep.Elapsed.Seconds())
	for _, fail := range rep.Failures {
		fmt.Printf("  %s: %s\n", fail.Domain, fail.Reason)
	}
}

func runReview(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	st, err := openStore(f)
	if err != nil {
		return err
	}
	defer st.Close()

	items, err := st.ListPending(context.Background(), f.unitFilter)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No items pending review.")
		return nil
	}

	for _, item := range items {
		dup := ""
		if item.DuplicateOf != "" {
			dup = "  DUPLICATE of " + item.DuplicateOf
		}
		fmt.Printf("%s  [%s] %s  confidence=%.2f grounding=%s%s\n",
			item.ID, item.Domain, item.UnitID, item.Confidence, item.Grounding, dup)
		for k, v := range item.Fields {
			fmt.Printf("    %s: %s\n", k, v)
		}
		if item.Severity != nil {
			fmt.Printf("    severity: %d\n", *item.Severity)
		}
		for k, reason := range item.Unresolved {
			fmt.Printf("    %s: (unresolved: %s)\n", k, reason)
		}
		if item.SourceQuote != "" {
			fmt.Printf("    source: %q\n", item.SourceQuote)
		}
	}
	return nil
}

func runConfirm(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(f.args) == 0 {
		return fmt.Errorf("usage: clinex confirm <item-id> [--edits '{\"field\": \"value\"}'] [--actor name]")
	}
	st, err := openStore(f)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	id := f.args[0]
	if f.editsJSON != "" {
		var edits map[string]string
		if err := json.Unmarshal([]byte(f.editsJSON), &edits); err != nil {
			return fmt.Errorf("invalid --edits JSON: %w", err)
		}
		if err := st.ConfirmWithEdits(ctx, id, f.actor, edits); err != nil {
			return err
		}
		fmt.Printf("confirmed %s with %d edits\n", id, len(edits))
		return nil
	}
	if err := st.Confirm(ctx, id, f.actor); err != nil {
		return err
	}
	fmt.Printf("confirmed %s\n", id)
	return nil
}

func runDismiss(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(f.args) == 0 {
		return fmt.Errorf("usage: clinex dismiss <item-id> [--actor name]")
	}
	st, err := openStore(f)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Dismiss(context.Background(), f.args[0], f.actor); err != nil {
		return err
	}
	fmt.Printf("dismissed %s\n", f.args[0])
	return nil
}

func runDismissAll(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(f.args) == 0 {
		return fmt.Errorf("usage: clinex dismiss-all <unit-id> [--actor name]")
	}
	st, err := openStore(f)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.DismissAll(context.Background(), f.args[0], f.actor)
	if err != nil {
		return err
	}
	fmt.Printf("dismissed %d items of unit %s\n", n, f.args[0])
	return nil
}

func runStats(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	st, err := openStore(f)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("pending:    %d\n", stats.PendingCount)
	fmt.Printf("confirmed:  %d\n", stats.ConfirmedCount)
	fmt.Printf("dismissed:  %d\n", stats.DismissedCount)
	fmt.Printf("duplicates: %d\n", stats.DuplicateCount)
	fmt.Printf("events:     %d\n", stats.EventCount)
	if stats.DBSizeBytes > 0 {
		fmt.Printf("db size:    %d bytes\n", stats.DBSizeBytes)
	}
	return nil
}

func runConfig(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Resolve(f.opts)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runMCP(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	st, err := openStore(f)
	if err != nil {
		return err
	}
	defer st.Close()

	s := mcp.NewServer(mcp.ServerConfig{Store: st, Version: version})
	return server.ServeStdio(s)
}

func openStore(f cliFlags) (*store.Store, error) {
	cfg, err := config.Resolve(f.opts)
	if err != nil {
		return nil, err
	}
	st, err := store.New(store.Config{DBPath: cfg.DBPath.Value})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}

func printUsage() {
	fmt.Printf(`clinex %s — Clinical extraction assembly and verification pipeline

Usage:
  clinex <command> [arguments]

Commands:
  extract <units.json>   Run extraction on a batch of source units
  review                 List entities pending human review
  confirm <item-id>      Confirm a pending item (optionally with --edits)
  dismiss <item-id>      Dismiss a pending item
  dismiss-all <unit-id>  Dismiss every pending item of a unit
  stats                  Review queue statistics
  config                 Show effective configuration with provenance
  mcp                    Serve the review queue over MCP (stdio)
  version                Print version

Flags:
  --config path      Config file (default ~/.clinex/config.yaml)
  --db path          Review database path
  --endpoint url     Model API base URL
  --model name       Model name
  --threshold x      Confidence threshold for auto-admission
  --timeout d        Per-attempt generation wall clock (e.g. 120s)
  --anchor date      Fallback anchor date for units missing one (yyyy-mm-dd)
  --metrics addr     Serve Prometheus metrics during extract (e.g. :9090)
  --dry-run          Run extraction without writing to the review queue
  --actor name       Reviewer identity for confirm/dismiss
  --edits json       Field corrections for confirm
  --unit id          Restrict review listing to one unit
`, version)
}
