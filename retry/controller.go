// Package retry drives the generate, validate and adapt loop: it asks the
// generator for a candidate, checks it against the baseline and lowers the edit
// strength until a candidate passes or the retry budget runs out.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"driftguard/cache"
	"driftguard/imageprocessor"
	"driftguard/logging"
	"driftguard/metrics"
	"driftguard/policy"
	"driftguard/raster"
	"driftguard/types"
	"driftguard/utils"
	"driftguard/zones"
)

// DefaultMaxRetries bounds generator calls per run
const DefaultMaxRetries = 3

// GenerateRequest is one call to the generator
type GenerateRequest struct {
	Prompt         string
	NegativePrompt string
	Seed           uint64
	Width          int
	Height         int
	Steps          int
	GuidanceScale  float64
	InitImage      raster.Ref
	Strength       float64
}

// Generator produces a candidate image. Implementations should return
// *types.QuotaExceeded or *types.GenerationFailure; other errors count as transient.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (raster.Ref, error)
}

// PromptExpander turns the caller's edit text into the prompt sent to the generator
type PromptExpander interface {
	Expand(ctx context.Context, prompt string) (string, error)
}

// Recorder persists attempts and run summaries
type Recorder interface {
	RecordAttempt(ctx context.Context, runID string, attempt GenerationAttempt) error
	RecordRun(ctx context.Context, summary RunSummary) error
}

// Options configures a Controller
type Options struct {
	// MaxRetries bounds generator calls per run. Default: 3
	MaxRetries int
	// AttemptTimeout aborts a single generator call; 0 disables it
	AttemptTimeout time.Duration
	// Schedule holds the per-category strength rules
	Schedule Schedule
	// RequestsPerMinute spaces generator calls; 0 disables limiting
	RequestsPerMinute float64
	// Backend labels generator metrics
	Backend string
}

// DefaultOptions returns the stock controller options
func DefaultOptions() Options {
	return Options{
		MaxRetries: DefaultMaxRetries,
		Schedule:   DefaultSchedule(),
		Backend:    "generator",
	}
}

// Option customizes a Controller
type Option func(*Controller)

// WithLoader sets the registry used to decode generator output
func WithLoader(loader *raster.Registry) Option {
	return func(c *Controller) { c.loader = loader }
}

// WithComparator sets the whole-image comparator; zone comparisons reuse it
func WithComparator(images *imageprocessor.Comparator) Option {
	return func(c *Controller) {
		c.images = images
		c.zones = zones.NewComparator(images)
	}
}

// WithCache memoizes comparisons and expanded prompts
func WithCache(rc *cache.ResultCache) Option {
	return func(c *Controller) { c.cache = rc }
}

// WithRecorder persists every attempt and run
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithPromptExpander expands prompts before the first attempt
func WithPromptExpander(e PromptExpander) Option {
	return func(c *Controller) { c.expander = e }
}

// WithClock overrides time.Now for attempt timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller runs the retry loop. Runs on one controller are serialized.
type Controller struct {
	generator Generator
	options   Options

	loader   *raster.Registry
	images   *imageprocessor.Comparator
	zones    *zones.Comparator
	cache    *cache.ResultCache
	recorder Recorder
	expander PromptExpander
	limiter  *rate.Limiter
	now      func() time.Time

	mu sync.Mutex
}

// New creates a controller around a generator
func New(generator Generator, options Options, opts ...Option) *Controller {
	if options.MaxRetries <= 0 {
		options.MaxRetries = DefaultMaxRetries
	}
	if options.Schedule == nil {
		options.Schedule = DefaultSchedule()
	}
	if options.Backend == "" {
		options.Backend = "generator"
	}

	images := imageprocessor.NewComparator()
	c := &Controller{
		generator: generator,
		options:   options,
		loader:    raster.NewDefaultRegistry(raster.RegistryOptions{}),
		images:    images,
		zones:     zones.NewComparator(images),
		now:       time.Now,
	}
	if options.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(options.RequestsPerMinute/60.0), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunRequest is everything one run needs
type RunRequest struct {
	Baseline *raster.RasterImage
	// BaselineRef is sent as the init image; the baseline is PNG encoded when empty
	BaselineRef    raster.Ref
	Prompt         string
	NegativePrompt string
	Category       EditCategory
	// Strength overrides the category's initial strength when positive
	Strength float64
	// Seed is reused for every attempt; zero is rejected
	Seed          uint64
	Width         int
	Height        int
	Steps         int
	GuidanceScale float64
	Mode          policy.Mode
	// Zones switches validation to zone comparison when non-empty
	Zones []zones.Zone
}

func (r RunRequest) validate() error {
	if r.Baseline.IsEmpty() {
		return &types.ValidationError{Field: "baseline", Reason: "missing or zero-area image"}
	}
	if r.Prompt == "" {
		return &types.ValidationError{Field: "prompt", Reason: "must not be empty"}
	}
	if r.Seed == 0 {
		return &types.ValidationError{Field: "seed", Reason: "must be set so every attempt samples the same output space"}
	}
	if r.Strength < 0 || r.Strength > 1 {
		return &types.ValidationError{Field: "strength", Reason: fmt.Sprintf("%.3f outside [0, 1]", r.Strength)}
	}
	if r.Width < 0 || r.Height < 0 || r.Steps < 0 || r.GuidanceScale < 0 {
		return &types.ValidationError{Field: "generation parameters", Reason: "must not be negative"}
	}
	return zones.Validate(r.Zones)
}

// GenerationAttempt records one trip through the loop
type GenerationAttempt struct {
	AttemptIndex int                    `json:"attempt_index"`
	Strength     float64                `json:"strength"`
	Seed         uint64                 `json:"seed"`
	PromptDigest string                 `json:"prompt_digest"`
	Result       raster.Ref             `json:"result"`
	Generated    bool                   `json:"generated"`
	Report       types.SimilarityReport `json:"report"`
	ZoneReport   *zones.ZoneReport      `json:"zone_report,omitempty"`
	// Failure is a *types.GenerationFailure, *types.QuotaExceeded or *types.ComparisonError
	Failure   error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	image *raster.RasterImage
}

// Image returns the decoded candidate, or nil when it could not be produced or decoded
func (a *GenerationAttempt) Image() *raster.RasterImage { return a.image }

// compared reports whether the attempt carries a real score
func (a *GenerationAttempt) compared() bool {
	return a.Generated && a.Failure == nil
}

// Result is the outcome of a run
type Result struct {
	RunID    string
	State    State
	Attempts []GenerationAttempt
	// Best is the accepted attempt, or on exhaustion the best-scoring one.
	// It is nil only when the generator never returned an image.
	Best *GenerationAttempt
	// Err is the failure that ended an unsuccessful run early, if any
	Err error
}

// Accepted reports whether a candidate passed
func (r *Result) Accepted() bool { return r.State == StateAccepted }

// Report returns the report of the chosen attempt
func (r *Result) Report() types.SimilarityReport {
	if r.Best == nil {
		return types.ZeroConfidenceReport("no attempt produced an image")
	}
	return r.Best.Report
}

// RunSummary is what a Recorder stores per run
type RunSummary struct {
	RunID       string
	State       State
	Category    EditCategory
	Mode        policy.Mode
	Attempts    int
	BestAttempt int
	BestScore   float64
	StartedAt   time.Time
	FinishedAt  time.Time
}

type run struct {
	req          RunRequest
	result       *Result
	log          *slog.Logger
	prompt       string
	digest       string
	initImage    raster.Ref
	baselineHash string
	startedAt    time.Time
}

// Run executes the loop. Validation and quota errors are returned as errors;
// every other failure ends in a Result holding the best attempt available.
// Cancelling ctx stops the run before the next attempt, never during one.
func (c *Controller) Run(ctx context.Context, req RunRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r := &run{
		req:          req,
		result:       &Result{RunID: uuid.NewString(), State: StateIdle},
		baselineHash: req.Baseline.ContentHash(),
		startedAt:    c.now(),
	}
	r.log = logging.Logger().With(slog.String("run_id", r.result.RunID))

	initImage, err := c.initImage(req)
	if err != nil {
		return nil, &types.ValidationError{Field: "baseline", Reason: err.Error()}
	}
	r.initImage = initImage
	r.prompt = c.expandPrompt(ctx, r.log, req.Prompt)
	r.digest = utils.HashString(r.prompt + "\x00" + req.NegativePrompt)

	maxRetries := c.options.MaxRetries
	strength := c.options.Schedule.Initial(req.Category, req.Strength)
	r.log.Info("run started",
		slog.String("category", req.Category.String()),
		slog.String("mode", req.Mode.String()),
		slog.Float64("strength", strength),
		slog.Uint64("seed", req.Seed),
		slog.Int("zones", len(req.Zones)),
		slog.Int("max_retries", maxRetries))

	var lastFailure error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			c.transition(r, StateCancelled)
			r.result.Err = err
			r.result.Best = bestAttempt(r.result.Attempts)
			c.finish(ctx, r)
			return r.result, err
		}

		c.transition(r, StateGenerating)
		rec := GenerationAttempt{
			AttemptIndex: attempt,
			Strength:     strength,
			Seed:         req.Seed,
			PromptDigest: r.digest,
			Timestamp:    c.now(),
		}

		ref, genErr := c.generate(ctx, attempt, c.generateRequest(r, strength))
		if genErr != nil {
			rec.Failure = genErr
			rec.Report = types.ZeroConfidenceReport(genErr.Error())
			c.appendAttempt(ctx, r, rec)
			lastFailure = genErr

			var quota *types.QuotaExceeded
			if errors.As(genErr, &quota) {
				metrics.AttemptsTotal.WithLabelValues("quota_exceeded").Inc()
				r.log.Warn("generator quota exceeded, stopping", slog.Int("attempt", attempt), slog.Duration("retry_after", quota.RetryAfter))
				r.result.Err = genErr
				r.result.Best = bestAttempt(r.result.Attempts)
				c.transition(r, StateExhausted)
				c.finish(ctx, r)
				return r.result, genErr
			}

			metrics.AttemptsTotal.WithLabelValues("generation_failed").Inc()
			var failure *types.GenerationFailure
			if errors.As(genErr, &failure) && !failure.Transient {
				r.log.Error("generator failed permanently", slog.Int("attempt", attempt), slog.Any("error", genErr))
				r.result.Err = genErr
				break
			}
			r.log.Warn("transient generator failure", slog.Int("attempt", attempt), slog.Any("error", genErr))
			if attempt < maxRetries {
				c.transition(r, StateRetryPending)
			}
			continue
		}

		c.transition(r, StateValidating)
		rec.Result = ref
		rec.Generated = true
		c.validateAttempt(ctx, r, &rec)
		c.appendAttempt(ctx, r, rec)
		metrics.AttemptScore.Observe(rec.Report.OverallScore)

		r.log.Info("attempt validated",
			slog.Int("attempt", attempt),
			slog.Float64("strength", strength),
			slog.Int("hash_distance", rec.Report.HashDistance),
			slog.Float64("ssim", rec.Report.SSIMScore),
			slog.Float64("overall", rec.Report.OverallScore),
			slog.Bool("pass", rec.Report.Pass))

		if rec.Report.Pass {
			metrics.AttemptsTotal.WithLabelValues("accepted").Inc()
			c.transition(r, StateAccepted)
			r.result.Best = &r.result.Attempts[len(r.result.Attempts)-1]
			c.finish(ctx, r)
			return r.result, nil
		}

		if rec.Failure != nil {
			metrics.AttemptsTotal.WithLabelValues("comparison_failed").Inc()
		} else {
			metrics.AttemptsTotal.WithLabelValues("rejected").Inc()
		}
		if attempt < maxRetries {
			c.transition(r, StateRetryPending)
			strength = c.options.Schedule.Next(req.Category, strength)
		}
	}

	c.transition(r, StateExhausted)
	r.result.Best = bestAttempt(r.result.Attempts)
	if r.result.Best == nil && r.result.Err == nil {
		r.result.Err = lastFailure
	}
	c.finish(ctx, r)
	return r.result, nil
}

func (c *Controller) generateRequest(r *run, strength float64) GenerateRequest {
	width, height := r.req.Width, r.req.Height
	if width == 0 || height == 0 {
		width, height = r.req.Baseline.Width(), r.req.Baseline.Height()
	}
	return GenerateRequest{
		Prompt:         r.prompt,
		NegativePrompt: r.req.NegativePrompt,
		Seed:           r.req.Seed,
		Width:          width,
		Height:         height,
		Steps:          r.req.Steps,
		GuidanceScale:  r.req.GuidanceScale,
		InitImage:      r.initImage,
		Strength:       strength,
	}
}

func (c *Controller) initImage(req RunRequest) (raster.Ref, error) {
	if !req.BaselineRef.IsZero() {
		return req.BaselineRef, nil
	}
	data, err := req.Baseline.EncodePNG()
	if err != nil {
		return raster.Ref{}, err
	}
	return raster.Ref{Data: data}, nil
}

func (c *Controller) expandPrompt(ctx context.Context, log *slog.Logger, prompt string) string {
	if c.expander == nil {
		return prompt
	}

	expand := func() (string, error) { return c.expander.Expand(ctx, prompt) }
	var (
		expanded string
		err      error
	)
	if c.cache != nil {
		expanded, err = c.cache.Prompts.GetOrCompute(cache.PromptKey(prompt), expand)
	} else {
		expanded, err = expand()
	}
	if err != nil || expanded == "" {
		log.Warn("prompt expansion failed, using prompt as given", slog.Any("error", err))
		return prompt
	}
	return expanded
}

// generate calls the generator outside the caller's cancellation, bounded by the
// attempt timeout, and classifies any failure
func (c *Controller) generate(ctx context.Context, attempt int, req GenerateRequest) (raster.Ref, error) {
	callCtx := context.WithoutCancel(ctx)
	if c.options.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, c.options.AttemptTimeout)
		defer cancel()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(callCtx); err != nil {
			return raster.Ref{}, &types.GenerationFailure{Attempt: attempt, Transient: true, Cause: fmt.Errorf("rate limiter: %w", err)}
		}
	}

	type outcome struct {
		ref raster.Ref
		err error
	}
	done := make(chan outcome, 1)
	started := time.Now()
	go func() {
		ref, err := c.generator.Generate(callCtx, req)
		done <- outcome{ref: ref, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		out = outcome{err: callCtx.Err()}
	}
	metrics.ObserveGenerator(c.options.Backend, started)

	if out.err != nil {
		return raster.Ref{}, classify(attempt, out.err)
	}
	if out.ref.IsZero() {
		return raster.Ref{}, &types.GenerationFailure{Attempt: attempt, Transient: true, Cause: errors.New("generator returned no image")}
	}
	return out.ref, nil
}

// classify stamps the attempt index on typed failures and wraps untyped ones
func classify(attempt int, err error) error {
	var quota *types.QuotaExceeded
	if errors.As(err, &quota) {
		q := *quota
		q.Attempt = attempt
		return &q
	}
	var failure *types.GenerationFailure
	if errors.As(err, &failure) {
		f := *failure
		f.Attempt = attempt
		return &f
	}
	var invalid *types.ValidationError
	if errors.As(err, &invalid) {
		return &types.GenerationFailure{Attempt: attempt, Transient: false, Cause: err}
	}
	return &types.GenerationFailure{Attempt: attempt, Transient: true, Cause: err}
}

// validateAttempt decodes the candidate and compares it with the baseline.
// Failures become a zero-confidence report on the attempt.
func (c *Controller) validateAttempt(ctx context.Context, r *run, rec *GenerationAttempt) {
	loadCtx := context.WithoutCancel(ctx)
	if c.options.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(loadCtx, c.options.AttemptTimeout)
		defer cancel()
	}

	candidate, err := c.loader.Resolve(loadCtx, rec.Result)
	if err != nil {
		cerr := &types.ComparisonError{Attempt: rec.AttemptIndex, Stage: "decode candidate", Cause: err}
		r.log.Warn("candidate could not be decoded", slog.Int("attempt", rec.AttemptIndex), slog.Any("error", err))
		rec.Failure = cerr
		rec.Report = types.ZeroConfidenceReport(cerr.Error())
		return
	}
	rec.image = candidate

	if len(r.req.Zones) > 0 {
		zr, err := c.zones.CompareZones(r.req.Baseline, candidate, r.req.Zones, r.req.Mode)
		if err != nil {
			cerr := &types.ComparisonError{Attempt: rec.AttemptIndex, Stage: "zone comparison", Cause: err}
			r.log.Warn("zones could not be compared", slog.Int("attempt", rec.AttemptIndex), slog.Any("error", err))
			rec.Failure = cerr
			rec.Report = types.ZeroConfidenceReport(cerr.Error())
			if len(zr.Order) > 0 {
				rec.ZoneReport = &zr
			}
			return
		}
		rec.ZoneReport = &zr
		rec.Report = zr.Summary()
		return
	}

	var key string
	if c.cache != nil {
		key = cache.SimilarityKey(r.baselineHash, candidate.ContentHash(), r.req.Mode, c.images.Thresholds, "")
		if cached, ok := c.cache.Similarity.Get(key); ok {
			logging.DebugLog("Similarity cache hit for attempt %d", rec.AttemptIndex)
			rec.Report = cached
			return
		}
	}

	report, err := c.images.Compare(r.req.Baseline, candidate, r.req.Mode)
	if err != nil {
		var cerr *types.ComparisonError
		if errors.As(err, &cerr) {
			cerr.Attempt = rec.AttemptIndex
		}
		rec.Failure = err
		rec.Report = report
		return
	}
	rec.Report = report
	if c.cache != nil {
		c.cache.Similarity.Set(key, report)
	}
}

func (c *Controller) appendAttempt(ctx context.Context, r *run, rec GenerationAttempt) {
	r.result.Attempts = append(r.result.Attempts, rec)
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordAttempt(context.WithoutCancel(ctx), r.result.RunID, rec); err != nil {
		r.log.Warn("failed to record attempt", slog.Int("attempt", rec.AttemptIndex), slog.Any("error", err))
	}
}

func (c *Controller) finish(ctx context.Context, r *run) {
	metrics.RunsTotal.WithLabelValues(r.result.State.String()).Inc()

	summary := RunSummary{
		RunID:      r.result.RunID,
		State:      r.result.State,
		Category:   r.req.Category,
		Mode:       r.req.Mode,
		Attempts:   len(r.result.Attempts),
		StartedAt:  r.startedAt,
		FinishedAt: c.now(),
	}
	if best := r.result.Best; best != nil {
		summary.BestAttempt = best.AttemptIndex
		summary.BestScore = best.Report.OverallScore
	}

	r.log.Info("run finished",
		slog.String("state", r.result.State.String()),
		slog.Int("attempts", summary.Attempts),
		slog.Int("best_attempt", summary.BestAttempt),
		slog.Float64("best_score", summary.BestScore))

	if c.recorder != nil {
		if err := c.recorder.RecordRun(context.WithoutCancel(ctx), summary); err != nil {
			r.log.Warn("failed to record run", slog.Any("error", err))
		}
	}
}

// bestAttempt picks the highest-scoring compared attempt, earliest on ties.
// Attempts whose candidate could not be compared are only chosen when nothing
// was compared.
func bestAttempt(attempts []GenerationAttempt) *GenerationAttempt {
	var best *GenerationAttempt
	for i := range attempts {
		a := &attempts[i]
		if !a.Generated {
			continue
		}
		switch {
		case best == nil:
			best = a
		case a.compared() && !best.compared():
			best = a
		case a.compared() == best.compared() && a.Report.OverallScore > best.Report.OverallScore:
			best = a
		}
	}
	return best
}
