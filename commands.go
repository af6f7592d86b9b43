package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"driftguard/database"
	"driftguard/generator"
	"driftguard/logging"
	"driftguard/policy"
	"driftguard/raster"
	"driftguard/retry"
	"driftguard/types"
	"driftguard/zones"
)

var (
	compareMode string
	compareJSON bool
	zonesFile   string
)

var compareCmd = &cobra.Command{
	Use:   "compare <baseline> <candidate>",
	Short: "Compare a candidate image with its baseline",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := modeFlag(compareMode)
		if err != nil {
			return err
		}
		baseline, candidate, err := loadPair(cmd, args[0], args[1])
		if err != nil {
			return err
		}

		report, err := cfg.Comparator().Compare(baseline, candidate, mode)
		storeComparison(args[0], args[1], mode, report, 0, err)
		if err != nil {
			return err
		}
		if compareJSON {
			return printJSON(report)
		}
		printReport(report)
		if !report.Pass {
			return errRejected
		}
		return nil
	},
}

var zonesCmd = &cobra.Command{
	Use:   "zones <baseline> <candidate>",
	Short: "Compare the zones of a composite sheet independently",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := modeFlag(compareMode)
		if err != nil {
			return err
		}
		if zonesFile == "" {
			return &types.ValidationError{Field: "--zones", Reason: "a zones file is required"}
		}
		zs, err := zones.LoadFile(zonesFile)
		if err != nil {
			return err
		}
		baseline, candidate, err := loadPair(cmd, args[0], args[1])
		if err != nil {
			return err
		}

		report, err := zones.NewComparator(cfg.Comparator()).CompareZones(baseline, candidate, zs, mode)
		if err != nil {
			return err
		}
		storeComparison(args[0], args[1], mode, report.Summary(), len(zs), nil)
		if compareJSON {
			return printJSON(report)
		}
		for _, id := range report.Order {
			res := report.Zones[id]
			switch {
			case res.Skipped:
				fmt.Printf("  %-20s skipped (%s)\n", id, res.SkipReason)
			case res.Report != nil:
				fmt.Printf("  %-20s score %.3f  ssim %.3f  phash %d  pass %v\n",
					id, res.Score, res.Report.SSIMScore, res.Report.HashDistance, res.Report.Pass)
			}
		}
		for _, issue := range report.Issues {
			fmt.Printf("  ! %s\n", issue)
		}
		fmt.Printf("Overall: %.3f  consistent: %v\n", report.OverallScore, report.Consistent)
		if !report.Consistent {
			return errRejected
		}
		return nil
	},
}

var (
	regenBaseline string
	regenPrompt   string
	regenNegative string
	regenSeed     uint64
	regenCategory string
	regenStrength float64
	regenOut      string
	regenJSON     bool
)

var regenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Regenerate an image until it stays consistent with its baseline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mode, err := modeFlag(compareMode)
		if err != nil {
			return err
		}
		category, err := retry.ParseCategory(regenCategory)
		if err != nil {
			return &types.ValidationError{Field: "--category", Reason: err.Error()}
		}
		var zs []zones.Zone
		if zonesFile != "" {
			if zs, err = zones.LoadFile(zonesFile); err != nil {
				return err
			}
		}

		registry, closeRegistry := newRegistry()
		defer closeRegistry()
		baseline, err := registry.Resolve(ctx, raster.Ref{URI: regenBaseline})
		if err != nil {
			return fmt.Errorf("failed to load baseline %s: %w", regenBaseline, err)
		}

		gen, expander, err := newGenerator(registry)
		if err != nil {
			return err
		}
		options, err := cfg.RetryOptions()
		if err != nil {
			return err
		}
		opts := []retry.Option{
			retry.WithLoader(registry),
			retry.WithComparator(cfg.Comparator()),
			retry.WithCache(cfg.ResultCache()),
		}
		if expander != nil {
			opts = append(opts, retry.WithPromptExpander(expander))
		}
		ledger, err := openLedger()
		if err != nil {
			logging.LogWarning("Running without a ledger: %v", err)
		} else {
			defer ledger.Close()
			opts = append(opts, retry.WithRecorder(ledger))
		}

		result, err := retry.New(gen, options, opts...).Run(ctx, retry.RunRequest{
			Baseline:       baseline,
			BaselineRef:    raster.Ref{URI: regenBaseline},
			Prompt:         regenPrompt,
			NegativePrompt: regenNegative,
			Category:       category,
			Strength:       regenStrength,
			Seed:           regenSeed,
			Width:          cfg.Generator.Width,
			Height:         cfg.Generator.Height,
			Steps:          cfg.Generator.Steps,
			GuidanceScale:  cfg.Generator.GuidanceScale,
			Mode:           mode,
			Zones:          zs,
		})
		if result == nil {
			return err
		}
		if result.Best != nil && regenOut != "" {
			if werr := writeAttempt(regenOut, result.Best); werr != nil {
				return werr
			}
		}
		if regenJSON {
			if perr := printJSON(newRunOutput(result)); perr != nil {
				return perr
			}
		} else {
			printResult(result)
		}
		if err != nil {
			return err
		}
		if !result.Accepted() {
			return errRejected
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{compareCmd, zonesCmd, regenerateCmd} {
		c.Flags().StringVar(&compareMode, "mode", "", "comparison mode: minimal, moderate or any (default from config)")
	}
	compareCmd.Flags().BoolVar(&compareJSON, "json", false, "print the report as JSON")
	zonesCmd.Flags().BoolVar(&compareJSON, "json", false, "print the report as JSON")
	zonesCmd.Flags().StringVar(&zonesFile, "zones", "", "YAML or JSON file describing the zones")

	f := regenerateCmd.Flags()
	f.StringVar(&regenBaseline, "baseline", "", "baseline image path or URL")
	f.StringVar(&regenPrompt, "prompt", "", "edit prompt")
	f.StringVar(&regenNegative, "negative", "", "negative prompt")
	f.Uint64Var(&regenSeed, "seed", 0, "seed reused for every attempt")
	f.StringVar(&regenCategory, "category", retry.CategoryDefault.String(), "edit category: default, site, details-only or additive-view")
	f.Float64Var(&regenStrength, "strength", 0, "initial strength; 0 uses the category default")
	f.StringVar(&regenOut, "out", "", "write the chosen image here as PNG")
	f.StringVar(&zonesFile, "zones", "", "YAML or JSON file describing the zones")
	f.BoolVar(&regenJSON, "json", false, "print the result as JSON")
	_ = regenerateCmd.MarkFlagRequired("baseline")
	_ = regenerateCmd.MarkFlagRequired("prompt")
	_ = regenerateCmd.MarkFlagRequired("seed")
}

// modeFlag parses the --mode flag, falling back to the configured mode
func modeFlag(s string) (policy.Mode, error) {
	if s == "" {
		return cfg.Mode, nil
	}
	mode, err := policy.ParseMode(s)
	if err != nil {
		return mode, &types.ValidationError{Field: "--mode", Reason: err.Error()}
	}
	return mode, nil
}

func loadPair(cmd *cobra.Command, baselinePath, candidatePath string) (*raster.RasterImage, *raster.RasterImage, error) {
	registry, closeRegistry := newRegistry()
	defer closeRegistry()

	baseline, err := registry.Resolve(cmd.Context(), raster.Ref{URI: baselinePath})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load baseline %s: %w", baselinePath, err)
	}
	candidate, err := registry.Resolve(cmd.Context(), raster.Ref{URI: candidatePath})
	if err != nil {
		return nil, nil, &types.ComparisonError{Stage: "decode", Cause: fmt.Errorf("%s: %w", candidatePath, err)}
	}
	return baseline, candidate, nil
}

// storeComparison records a single comparison in the ledger when it can be opened
func storeComparison(baselinePath, candidatePath string, mode policy.Mode, report types.SimilarityReport, zoneCount int, cmpErr error) {
	ledger, err := openLedger()
	if err != nil {
		logging.LogWarning("Comparison not recorded: %v", err)
		return
	}
	defer ledger.Close()

	rec := database.ComparisonRecord{
		BaselinePath:  baselinePath,
		CandidatePath: candidatePath,
		Mode:          mode.String(),
		Report:        report,
		Zones:         zoneCount,
	}
	if cmpErr != nil {
		rec.Error = cmpErr.Error()
	}
	if err := database.StoreComparison(ledger.DB(), rec); err != nil {
		logging.LogWarning("%v", err)
	}
}

// newGenerator builds the configured backend and, when enabled, the prompt expander
func newGenerator(registry *raster.Registry) (retry.Generator, retry.PromptExpander, error) {
	g := cfg.Generator
	openaiOpts := generator.OpenAIOptions{
		APIKeyEnv: g.APIKeyEnv,
		BaseURL:   g.URL,
		Model:     g.Model,
		Size:      g.Size,
		ChatModel: g.ChatModel,
		Registry:  registry,
	}

	var gen retry.Generator
	switch strings.ToLower(g.Backend) {
	case generator.BackendWebUI:
		var password string
		if g.PasswordEnv != "" {
			password = os.Getenv(g.PasswordEnv)
		}
		client, err := generator.NewWebUIClient(generator.WebUIOptions{
			BaseURL:  g.URL,
			Timeout:  cfg.AttemptTimeout,
			Sampler:  g.Sampler,
			Username: g.Username,
			Password: password,
			Registry: registry,
		})
		if err != nil {
			return nil, nil, err
		}
		gen = client
		// the web UI URL is not an OpenAI endpoint
		openaiOpts.BaseURL = ""
	case generator.BackendOpenAI:
		editor, err := generator.NewOpenAIEditor(openaiOpts)
		if err != nil {
			return nil, nil, err
		}
		gen = editor
	default:
		return nil, nil, &types.ValidationError{Field: "generator.backend", Reason: fmt.Sprintf("unknown backend %q", g.Backend)}
	}

	if !g.ExpandPrompts {
		return gen, nil, nil
	}
	expander, err := generator.NewChatExpander(openaiOpts)
	if err != nil {
		return nil, nil, err
	}
	return gen, expander, nil
}

// writeAttempt writes the attempt's image as PNG
func writeAttempt(path string, attempt *retry.GenerationAttempt) error {
	var data []byte
	if img := attempt.Image(); img != nil {
		encoded, err := img.EncodePNG()
		if err != nil {
			return fmt.Errorf("failed to encode attempt %d: %w", attempt.AttemptIndex, err)
		}
		data = encoded
	} else if len(attempt.Result.Data) > 0 {
		data = attempt.Result.Data
	} else {
		return fmt.Errorf("attempt %d has no image to write", attempt.AttemptIndex)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runOutput is the JSON form of a run result
type runOutput struct {
	RunID       string                    `json:"run_id"`
	State       string                    `json:"state"`
	Accepted    bool                      `json:"accepted"`
	BestAttempt int                       `json:"best_attempt,omitempty"`
	Report      types.SimilarityReport    `json:"report"`
	Attempts    []retry.GenerationAttempt `json:"attempts"`
	Failures    map[int]string            `json:"failures,omitempty"`
	Error       string                    `json:"error,omitempty"`
}

func newRunOutput(result *retry.Result) runOutput {
	out := runOutput{
		RunID:    result.RunID,
		State:    result.State.String(),
		Accepted: result.Accepted(),
		Report:   result.Report(),
		Attempts: result.Attempts,
	}
	if result.Best != nil {
		out.BestAttempt = result.Best.AttemptIndex
	}
	for _, a := range result.Attempts {
		if a.Failure != nil {
			if out.Failures == nil {
				out.Failures = map[int]string{}
			}
			out.Failures[a.AttemptIndex] = a.Failure.Error()
		}
	}
	if result.Err != nil {
		out.Error = result.Err.Error()
	}
	return out
}

func printReport(r types.SimilarityReport) {
	fmt.Printf("pHash distance: %d\n", r.HashDistance)
	fmt.Printf("SSIM:           %.4f\n", r.SSIMScore)
	fmt.Printf("Overall:        %.4f\n", r.OverallScore)
	fmt.Printf("Pass:           %v\n", r.Pass)
	fmt.Printf("Retry needed:   %v\n", r.RetryNeeded)
	for _, issue := range r.Issues {
		fmt.Printf("  - %s\n", issue)
	}
}

func printResult(result *retry.Result) {
	fmt.Printf("Run %s: %s after %d attempt(s)\n", result.RunID, result.State, len(result.Attempts))
	for _, a := range result.Attempts {
		status := fmt.Sprintf("overall %.3f pass %v", a.Report.OverallScore, a.Report.Pass)
		if a.Failure != nil {
			status = "failed: " + a.Failure.Error()
		}
		fmt.Printf("  #%d strength %.2f  %s\n", a.AttemptIndex, a.Strength, status)
	}
	if result.Best != nil {
		fmt.Printf("Best attempt: #%d (overall %.3f)\n", result.Best.AttemptIndex, result.Best.Report.OverallScore)
	}
	if result.Err != nil {
		fmt.Printf("Stopped by: %v\n", result.Err)
	}
}
