package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zorak1103/ha-patterns/internal/config"
	"github.com/zorak1103/ha-patterns/internal/handlers"
	"github.com/zorak1103/ha-patterns/internal/homeassistant"
	"github.com/zorak1103/ha-patterns/internal/logging"
	"github.com/zorak1103/ha-patterns/internal/patterns"
	"github.com/zorak1103/ha-patterns/internal/source"
	"github.com/zorak1103/ha-patterns/internal/store"
)

// detectFlags holds the options of the detect subcommand.
type detectFlags struct {
	eventsFile     string
	output         string
	types          []string
	entities       []string
	lookbackDays   int
	minConfidence  float64
	minOccurrences int
	save           bool
}

// buildDetectCmd creates the detect subcommand that runs one detection pass.
func (a *App) buildDetectCmd() *cobra.Command {
	f := &detectFlags{}
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run pattern detection once and print the report",
		Long: `Run every enabled detector once and print the report as JSON.

Events come from Home Assistant's recorder history, or from a file exported
with 'ha-patterns export' when --events is given. With --events no Home
Assistant connection is needed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runDetect(cmd, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.eventsFile, "events", "", "read events from a JSON or JSONL file instead of Home Assistant")
	flags.StringVarP(&f.output, "output", "o", "", "write the report to this file (default: stdout)")
	flags.StringSliceVar(&f.types, "types", nil, "pattern types to run (default: configured detectors)")
	flags.StringSliceVar(&f.entities, "entities", nil, "only analyze these entity IDs")
	flags.IntVar(&f.lookbackDays, "lookback", 0, "days of history to analyze (default: configured lookback)")
	flags.Float64Var(&f.minConfidence, "min-confidence", -1, "override the minimum confidence")
	flags.IntVar(&f.minOccurrences, "min-occurrences", 0, "override the minimum occurrences")
	flags.BoolVar(&f.save, "save", true, "store the run when a store is configured")
	return cmd
}

// settings applies the flag overrides to the configured detector settings.
func (f *detectFlags) settings(cfg *config.Config) (patterns.Settings, error) {
	d := cfg.Detection
	if len(f.types) > 0 {
		d.Detectors = f.types
	}
	if f.minConfidence >= 0 {
		d.MinConfidence = f.minConfidence
	}
	if f.minOccurrences > 0 {
		d.MinOccurrences = f.minOccurrences
	}
	return d.Settings()
}

func (a *App) runDetect(cmd *cobra.Command, f *detectFlags) error {
	var (
		cfg *config.Config
		err error
	)
	if f.eventsFile != "" {
		cfg, err = config.LoadOffline(a.v, a.cfgFile)
	} else {
		cfg, err = config.LoadWithViper(a.v, a.cfgFile)
	}
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	settings, err := f.settings(cfg)
	if err != nil {
		return err
	}
	detectors, err := patterns.NewDetectors(settings)
	if err != nil {
		return err
	}
	lookback := cfg.Detection.LookbackDays
	if f.lookbackDays > 0 {
		lookback = f.lookbackDays
	}

	// Reports and exports go to stdout; keep logs out of them.
	logger := newLogger(cfg, cmd.ErrOrStderr())
	ctx, cancel := signalContext(logger)
	defer cancel()

	var (
		src    source.Source
		window source.Window
	)
	if f.eventsFile != "" {
		src = source.NewFileSource(f.eventsFile)
	} else {
		client, err := connectHomeAssistant(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = homeassistant.CloseClient(client) }()
		src = historySource(client, cfg, logger)
		window = source.LastDays(time.Now(), lookback)
	}

	events, err := src.Events(ctx, window)
	if err != nil {
		return fmt.Errorf("loading events: %w", err)
	}
	entities := f.entities
	if len(entities) == 0 && f.eventsFile != "" {
		entities = cfg.Detection.Entities
	}
	events = source.FilterEntities(events, entities)

	engine := patterns.NewEngine(detectors,
		patterns.WithTimeout(cfg.Detection.Timeout),
		patterns.WithLogger(logger),
	)
	report, err := engine.Run(ctx, events)
	if err != nil {
		return err
	}
	view := handlers.NewReportView(report)

	if f.save {
		st, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		if st != nil {
			defer func() { _ = st.Close() }()
			if err := st.SaveReport(ctx, report); err != nil {
				return fmt.Errorf("storing run: %w", err)
			}
			view.Saved = true
		}
	}

	logger.Info("Pattern detection finished",
		"run_id", report.RunID,
		"events", report.EventCount,
		"patterns", len(view.Patterns),
		"failures", len(report.Failures))

	return writeReport(outWriter(cmd), f.output, view)
}

// writeReport writes the report as indented JSON to path, or to out when
// path is empty.
func writeReport(out io.Writer, path string, view handlers.ReportView) error {
	return writeOutput(out, path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(view); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		return nil
	})
}

// writeOutput runs write against a new file at path, or against out when
// path is empty.
func writeOutput(out io.Writer, path string, write func(io.Writer) error) error {
	if path == "" {
		return write(out)
	}
	file, err := os.Create(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	return writeAndClose(file, path, write)
}

// writeAndClose closes wc after write. A close failure is returned when the
// write itself succeeded, since buffered data may not have reached disk.
func writeAndClose(wc io.WriteCloser, path string, write func(io.Writer) error) (err error) {
	defer func() {
		if cerr := wc.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing %s: %w", path, cerr)
		}
	}()
	return write(wc)
}

// buildRunsCmd creates the runs subcommand that lists stored detection runs.
func (a *App) buildRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored detection runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runRuns(cmd, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	return cmd
}

func (a *App) runRuns(cmd *cobra.Command, limit int) error {
	cfg, err := config.LoadOffline(a.v, a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("no store configured (set store.path or --store)")
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	runs, err := st.ListRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}
	return printRuns(outWriter(cmd), runs)
}

func printRuns(out io.Writer, runs []store.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out, "No detection runs stored.")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tDURATION\tEVENTS\tPATTERNS\tFAILURES")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
			r.EventCount,
			r.PatternCount,
			len(r.Failures))
	}
	return tw.Flush()
}

// buildExportCmd creates the export subcommand that saves recorder history
// as an events file.
func (a *App) buildExportCmd() *cobra.Command {
	var (
		output   string
		lookback int
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export Home Assistant history as an events file",
		Long: `Export recorder history of the configured entities as JSON Lines, one
state change per line. The file can be analyzed later with
'ha-patterns detect --events'.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runExport(cmd, output, lookback)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	cmd.Flags().IntVar(&lookback, "lookback", 0, "days of history to export (default: configured lookback)")
	return cmd
}

func (a *App) runExport(cmd *cobra.Command, output string, lookback int) error {
	cfg, err := config.LoadWithViper(a.v, a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if lookback <= 0 {
		lookback = cfg.Detection.LookbackDays
	}
	// Reports and exports go to stdout; keep logs out of them.
	logger := newLogger(cfg, cmd.ErrOrStderr())
	ctx, cancel := signalContext(logger)
	defer cancel()

	client, err := connectHomeAssistant(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = homeassistant.CloseClient(client) }()

	return exportEvents(ctx, historySource(client, cfg, logger), source.LastDays(time.Now(), lookback), outWriter(cmd), output, logger)
}

// exportEvents writes the events of w to path, or to out when path is empty.
func exportEvents(ctx context.Context, src source.Source, w source.Window, out io.Writer, path string, logger *logging.Logger) error {
	events, err := src.Events(ctx, w)
	if err != nil {
		return fmt.Errorf("loading events: %w", err)
	}
	err = writeOutput(out, path, func(w io.Writer) error {
		if err := source.WriteEvents(w, events); err != nil {
			return fmt.Errorf("writing events: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("Exported events", "count", len(events), "output", orNone(path))
	return nil
}
