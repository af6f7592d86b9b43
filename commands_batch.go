package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"driftguard/config"
	"driftguard/database"
	"driftguard/driftcheck"
	"driftguard/logging"
	"driftguard/scanner"
	"driftguard/types"
	"driftguard/zones"
)

var (
	scanForce   bool
	scanWorkers int
	scanJSON    bool
	scanZones   string
	scanMode    string
)

var scanCmd = &cobra.Command{
	Use:   "scan <baseline-dir> <candidate-dir>",
	Short: "Compare every candidate with the baseline of the same relative path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := modeFlag(scanMode)
		if err != nil {
			return err
		}
		var zs []zones.Zone
		if scanZones != "" {
			if zs, err = zones.LoadFile(scanZones); err != nil {
				return err
			}
		}

		ledger, err := openLedger()
		if err != nil {
			return err
		}
		defer ledger.Close()

		registry, closeRegistry := newRegistry()
		defer closeRegistry()

		options := scanner.ScanOptions{
			BaselineDir:  args[0],
			CandidateDir: args[1],
			Mode:         mode,
			Zones:        zs,
			ForceRewrite: scanForce,
			DebugMode:    cfg.Debug,
			MaxWorkers:   scanWorkers,
			Comparator:   cfg.Comparator(),
			Loader:       registry,
		}
		if !scanJSON {
			options.Progress = os.Stdout
		}

		summary, err := scanner.ScanAndCompare(cmd.Context(), ledgerDB(ledger), options)
		if summary != nil && scanJSON {
			if perr := printJSON(summary); perr != nil {
				return perr
			}
		}
		if err != nil {
			return err
		}
		if summary.Failed > 0 || summary.Errors > 0 {
			return errRejected
		}
		return nil
	},
}

var (
	driftThreshold float64
	driftTolerance int
	driftDebug     bool
	driftOutput    string
	driftJSON      bool
)

var driftCmd = &cobra.Command{
	Use:   "drift <run-dir>",
	Short: "Check renders against their geometry edge maps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := driftOptions(cfg.Drift)
		flags := cmd.Flags()
		if flags.Changed("threshold") {
			opts.Threshold = driftThreshold
		}
		if flags.Changed("tolerance") {
			opts.TolerancePx = driftTolerance
		}
		if flags.Changed("debug-edges") {
			opts.Debug = driftDebug
		}
		if flags.Changed("output") {
			opts.OutputDir = driftOutput
		}
		if opts.OutputDir == "" {
			opts.OutputDir = filepath.Join(args[0], "drift")
		}

		report, err := driftcheck.New(opts).CheckRun(args[0])
		if err != nil {
			if errors.Is(err, driftcheck.ErrNoViews) {
				return &types.ValidationError{Field: "run-dir", Reason: err.Error()}
			}
			return err
		}
		reportPath := filepath.Join(opts.OutputDir, "drift_report.json")
		if err := report.Save(reportPath); err != nil {
			return fmt.Errorf("failed to save %s: %w", reportPath, err)
		}
		logging.DebugLog("Drift report written to %s", reportPath)

		if driftJSON {
			if err := printJSON(report); err != nil {
				return err
			}
		} else {
			s := report.Summary
			for _, r := range report.Results {
				switch {
				case r.Skipped:
					fmt.Printf("  %-24s skipped %s\n", r.View, r.Error)
				case r.Error != "":
					fmt.Printf("  %-24s error %s\n", r.View, r.Error)
				default:
					fmt.Printf("  %-24s F1 %.3f  pass %v\n", r.View, r.F1, r.Passed)
				}
			}
			fmt.Printf("Views: %d checked, %d passed, %d failed, %d skipped. F1 avg %.3f min %.3f max %.3f\n",
				s.Checked, s.Passed, s.Failed, s.Skipped, s.AvgF1, s.MinF1, s.MaxF1)
			fmt.Printf("Report: %s\n", reportPath)
		}
		if !report.Passed {
			return errRejected
		}
		return nil
	},
}

// driftOptions converts the drift section of the config
func driftOptions(d config.DriftConfig) driftcheck.Options {
	return driftcheck.Options{
		Threshold:   d.Threshold,
		TolerancePx: d.TolerancePx,
		CannyLow:    d.CannyLow,
		CannyHigh:   d.CannyHigh,
		Debug:       d.Debug,
		OutputDir:   d.OutputDir,
	}
}

var (
	historyLimit  int
	historyRun    string
	historyStats  bool
	historyFailed bool
	historyJSON   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded runs, attempts and comparisons",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ledger, err := openLedger()
		if err != nil {
			return err
		}
		defer ledger.Close()

		switch {
		case historyStats:
			stats, err := ledger.GetStats(ctx)
			if err != nil {
				return err
			}
			if historyJSON {
				return printJSON(stats)
			}
			fmt.Printf("Runs: %d\n", stats.TotalRuns)
			for state, n := range stats.RunsByState {
				fmt.Printf("  %-12s %d\n", state, n)
			}
			fmt.Printf("Attempts: %d (%.2f per run)\n", stats.TotalAttempts, stats.AverageAttempts)
			fmt.Printf("Comparisons: %d (%d failed)\n", stats.TotalComparisons, stats.FailedComparisons)
			return nil

		case historyFailed:
			failed, err := database.QueryFailedComparisons(ledger.DB())
			if err != nil {
				return err
			}
			if historyJSON {
				return printJSON(failed)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CANDIDATE\tMODE\tOVERALL\tPHASH\tSSIM\tERROR")
			for _, c := range failed {
				fmt.Fprintf(w, "%s\t%s\t%.3f\t%d\t%.3f\t%s\n",
					c.CandidatePath, c.Mode, c.Report.OverallScore, c.Report.HashDistance, c.Report.SSIMScore, c.Error)
			}
			return w.Flush()

		case historyRun != "":
			attempts, err := ledger.ListAttempts(ctx, historyRun)
			if err != nil {
				return err
			}
			if historyJSON {
				return printJSON(attempts)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tSTRENGTH\tOVERALL\tPHASH\tSSIM\tPASS\tFAILURE")
			for _, a := range attempts {
				fmt.Fprintf(w, "%d\t%.2f\t%.3f\t%d\t%.3f\t%v\t%s\n",
					a.AttemptIndex, a.Strength, a.Report.OverallScore, a.Report.HashDistance, a.Report.SSIMScore, a.Report.Pass, a.Failure)
			}
			return w.Flush()
		}

		runs, err := ledger.ListRuns(ctx, historyLimit)
		if err != nil {
			return err
		}
		if historyJSON {
			return printJSON(runs)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTATE\tCATEGORY\tMODE\tATTEMPTS\tBEST\tSCORE\tSTARTED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%.3f\t%s\n",
				r.RunID, r.State, r.Category, r.Mode, r.Attempts, r.BestAttempt, r.BestScore, r.StartedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config <path>",
	Short: "Write the default configuration to a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(args[0]); err == nil {
			return fmt.Errorf("%s already exists", args[0])
		}
		if err := config.WriteDefault(args[0]); err != nil {
			return err
		}
		fmt.Printf("Wrote default configuration to %s\n", args[0])
		return nil
	},
}

func init() {
	sf := scanCmd.Flags()
	sf.StringVar(&scanMode, "mode", "", "comparison mode: minimal, moderate or any (default from config)")
	sf.StringVar(&scanZones, "zones", "", "YAML or JSON file describing the zones")
	sf.BoolVar(&scanForce, "force", false, "compare pairs even when the ledger holds an up to date result")
	sf.IntVar(&scanWorkers, "workers", scanner.DefaultMaxWorkers, "concurrent comparisons")
	sf.BoolVar(&scanJSON, "json", false, "print the summary as JSON")

	df := driftCmd.Flags()
	df.Float64Var(&driftThreshold, "threshold", driftcheck.DefaultThreshold, "minimum F1 per view")
	df.IntVar(&driftTolerance, "tolerance", driftcheck.DefaultTolerancePx, "edge matching tolerance in pixels")
	df.BoolVar(&driftDebug, "debug-edges", false, "write the edge maps of every view")
	df.StringVar(&driftOutput, "output", "", "report directory (default: <run-dir>/drift)")
	df.BoolVar(&driftJSON, "json", false, "print the report as JSON")

	hf := historyCmd.Flags()
	hf.IntVar(&historyLimit, "limit", 20, "number of runs to list; 0 lists all")
	hf.StringVar(&historyRun, "run", "", "list the attempts of one run")
	hf.BoolVar(&historyStats, "stats", false, "show ledger statistics")
	hf.BoolVar(&historyFailed, "failed", false, "list stored comparisons that did not pass")
	hf.BoolVar(&historyJSON, "json", false, "print JSON")
}
