// Command risk-replay runs recorded audit events (JSON Lines) through the
// threat rules and the behavior analyzer offline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"boundary-risk/internal/audit"
	"boundary-risk/internal/behavior"
	"boundary-risk/internal/config"
	"boundary-risk/internal/engine"
	"boundary-risk/internal/storage"
	"boundary-risk/internal/threat"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "evaluate":
		os.Exit(runEvaluateCmd(os.Args[2:]))
	case "analyze":
		os.Exit(runAnalyzeCmd(os.Args[2:]))
	case "rules":
		os.Exit(runRulesCmd(os.Args[2:]))
	case "-version", "--version", "-v":
		fmt.Printf("risk-replay %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: risk-replay <command> [flags] [file.jsonl]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  evaluate  Run each event through the threat rules and print incidents\n")
	fmt.Fprintf(os.Stderr, "  analyze   Run a behavior analysis over the events\n")
	fmt.Fprintf(os.Stderr, "  rules     List the threat rules in evaluation order\n\n")
	fmt.Fprintf(os.Stderr, "Events are read from the file argument, or stdin when it is absent or \"-\".\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	configPath string
	verbose    bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Config file (default $RISK_CONFIG_PATH or configs/config.yaml)")
	fs.BoolVar(&c.verbose, "verbose", false, "Log engine activity to stderr")
}

func (c *commonFlags) load() (*config.Config, *slog.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.LoadFile(c.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

// newService builds an in-memory engine. Recorded events may be arbitrarily
// old, so validation accepts any age.
func newService(cfg *config.Config, store *storage.MemoryStore, logger *slog.Logger) (*engine.Service, error) {
	validation := cfg.Validation
	validation.MaxAge = 0

	return engine.New(engine.Config{
		Analysis:   cfg.Analysis,
		Threat:     cfg.Threat,
		Response:   cfg.Response.Executor,
		Publisher:  cfg.Alerting.Publisher,
		Monitor:    cfg.Monitor,
		Intel:      cfg.Intel,
		Validation: validation,
	}, engine.Dependencies{
		Source:      store,
		Recorder:    store,
		AuditWriter: store,
		Sink:        store,
		Validator:   audit.NewValidatorWithConfig(validation),
		Logger:      logger,
	})
}

func readEvents(path string, logger *slog.Logger) ([]*audit.Event, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	validator := audit.NewValidatorWithConfig(audit.ValidatorConfig{})
	events, err := storage.ReadEvents(r, validator, func(line int, err error) {
		fmt.Fprintf(os.Stderr, "skipping line %d: %v\n", line, err)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	logger.Debug("events loaded", "count", len(events))
	return events, nil
}

func runEvaluateCmd(args []string) int {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	asJSON := fs.Bool("json", false, "Print incidents as JSON Lines")
	report := fs.Bool("report", false, "Print the intelligence report after replay")
	fs.Parse(args)

	cfg, logger, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	events, err := readEvents(fs.Arg(0), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	store := storage.NewMemoryStore(len(events) + 1)
	service, err := newService(cfg, store, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer service.Stop()

	ctx := context.Background()
	var incidents []*threat.Incident
	for _, event := range events {
		inc, err := service.Ingest(ctx, event)
		if err != nil {
			fmt.Fprintf(os.Stderr, "event %s rejected: %v\n", event.ID, err)
			continue
		}
		if inc != nil {
			incidents = append(incidents, inc)
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, inc := range incidents {
			if err := enc.Encode(inc); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 1
			}
		}
	} else {
		printIncidents(os.Stdout, incidents)
		fmt.Printf("\n%d events, %d incidents\n", len(events), len(incidents))
	}

	if *report {
		if err := printJSON(os.Stdout, service.Intelligence(time.Now().UTC())); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}
	return 0
}

func printIncidents(w io.Writer, incidents []*threat.Incident) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSEVERITY\tUSER\tRESPONSE\tDESCRIPTION")
	for _, inc := range incidents {
		user := "-"
		if inc.UserID != nil {
			user = *inc.UserID
		}
		resp := string(inc.AutoResponse)
		if resp == "" {
			resp = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", inc.IncidentType, inc.Severity, user, resp, inc.Description)
	}
	tw.Flush()
}

func runAnalyzeCmd(args []string) int {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	startFlag := fs.String("start", "", "Window start (RFC 3339); defaults to the earliest event")
	endFlag := fs.String("end", "", "Window end (RFC 3339); defaults to just after the latest event")
	fs.Parse(args)

	cfg, logger, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	events, err := readEvents(fs.Arg(0), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(events) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no events to analyze\n")
		return 1
	}

	window, err := replayWindow(events, *startFlag, *endFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	store := storage.NewMemoryStore(len(events) + 1)
	for _, event := range events {
		store.Add(event)
	}
	service, err := newService(cfg, store, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer service.Stop()

	result, err := service.Analyze(context.Background(), window)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := printJSON(os.Stdout, result); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// replayWindow covers every event unless overridden. The end bound is
// exclusive, so it sits one second past the latest event.
func replayWindow(events []*audit.Event, start, end string) (behavior.Window, error) {
	window := behavior.Window{
		Start: events[0].Timestamp,
		End:   events[len(events)-1].Timestamp.Add(time.Second),
	}
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return window, fmt.Errorf("invalid -start: %w", err)
		}
		window.Start = t
	}
	if end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return window, fmt.Errorf("invalid -end: %w", err)
		}
		window.End = t
	}
	if !window.End.After(window.Start) {
		return window, fmt.Errorf("window end %s is not after start %s", window.End, window.Start)
	}
	return window, nil
}

func runRulesCmd(args []string) int {
	fs := flag.NewFlagSet("rules", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	fs.Parse(args)

	cfg, logger, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	service, err := newService(cfg, storage.NewMemoryStore(1), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer service.Stop()

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME\tSEVERITY\tRESPONSE")
	for i, rule := range service.Rules() {
		resp := string(rule.Response)
		if resp == "" {
			resp = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, rule.Name, rule.Severity, resp)
	}
	tw.Flush()
	return 0
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
