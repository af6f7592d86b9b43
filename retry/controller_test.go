package retry

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftguard/cache"
	"driftguard/policy"
	"driftguard/raster"
	"driftguard/raster/rastertest"
	"driftguard/types"
	"driftguard/zones"
)

func baseRequest(baseline *raster.RasterImage) RunRequest {
	return RunRequest{
		Baseline:       baseline,
		Prompt:         "add a rooftop terrace to the north elevation",
		NegativePrompt: "blurry, distorted",
		Category:       CategoryDefault,
		Seed:           1234,
		Steps:          30,
		GuidanceScale:  7,
		Mode:           policy.ModeMinimal,
	}
}

func transientFailure() error {
	return &types.GenerationFailure{Transient: true, StatusCode: 503, Cause: errors.New("backend busy")}
}

func TestRunRetriesWithLowerStrengthUntilPass(t *testing.T) {
	baseline := rastertest.Sheet(64, 48)
	gen := &scriptedGenerator{steps: []step{{img: baseline}}}
	images, _ := comparatorWith(0.80, 0.97)
	ctrl := New(gen, DefaultOptions(), WithComparator(images))

	req := baseRequest(baseline)
	req.Category = CategorySite
	result, err := ctrl.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StateAccepted, result.State)
	require.Len(t, result.Attempts, 2)
	assert.InDelta(t, 0.15, result.Attempts[0].Strength, 1e-12)
	assert.False(t, result.Attempts[0].Report.Pass)
	assert.InDelta(t, 0.05, result.Attempts[1].Strength, 1e-12)

	require.NotNil(t, result.Best)
	assert.Equal(t, 2, result.Best.AttemptIndex)
	assert.InDelta(t, 0.97, result.Best.Report.OverallScore, 0.02)
	assert.True(t, result.Report().Pass)
	assert.NotNil(t, result.Best.Image())

	calls := gen.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].Seed, calls[1].Seed)
	assert.Equal(t, calls[0].Prompt, calls[1].Prompt)
	assert.Equal(t, 64, calls[0].Width)
	assert.Equal(t, 48, calls[0].Height)
	assert.NotEmpty(t, calls[0].InitImage.Data)
}

func TestRunAcceptsAfterTransientFailures(t *testing.T) {
	baseline := rastertest.Sheet(64, 48)
	gen := &scriptedGenerator{steps: []step{
		{err: transientFailure()},
		{err: errors.New("connection reset by peer")},
		{img: baseline},
	}}
	ctrl := New(gen, DefaultOptions())

	result, err := ctrl.Run(context.Background(), baseRequest(baseline))
	require.NoError(t, err)

	assert.Equal(t, StateAccepted, result.State)
	assert.Len(t, gen.Calls(), 3)
	require.Len(t, result.Attempts, 3)
	assert.Equal(t, 3, result.Best.AttemptIndex)
	assert.Nil(t, result.Err)

	for _, a := range result.Attempts[:2] {
		assert.False(t, a.Generated)
		var failure *types.GenerationFailure
		require.True(t, errors.As(a.Failure, &failure))
		assert.True(t, failure.Transient)
		assert.Equal(t, a.AttemptIndex, failure.Attempt)
	}
	// transport failures do not lower the strength
	assert.Equal(t, result.Attempts[0].Strength, result.Attempts[2].Strength)
}

func TestRunExhaustedReturnsBestAttempt(t *testing.T) {
	baseline := rastertest.Sheet(64, 48)
	gen := &scriptedGenerator{steps: []step{{img: baseline}}}
	images, _ := comparatorWith(0.85, 0.90, 0.80)
	rec := &memoryRecorder{}
	ctrl := New(gen, DefaultOptions(), WithComparator(images), WithRecorder(rec))

	result, err := ctrl.Run(context.Background(), baseRequest(baseline))
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, result.State)
	assert.False(t, result.Accepted())
	assert.Len(t, gen.Calls(), 3)
	require.NotNil(t, result.Best)
	assert.Equal(t, 2, result.Best.AttemptIndex)
	assert.False(t, result.Best.Report.Pass)
	assert.NotEmpty(t, result.Best.Report.Issues)

	assert.Len(t, rec.attempts, 3)
	require.Len(t, rec.runs, 1)
	assert.Equal(t, StateExhausted, rec.runs[0].State)
	assert.Equal(t, 2, rec.runs[0].BestAttempt)
	assert.Equal(t, result.RunID, rec.runs[0].RunID)
}

func TestRunStopsOnQuota(t *testing.T) {
	baseline := rastertest.Sheet(32, 32)
	gen := &scriptedGenerator{steps: []step{
		{img: baseline},
		{err: &types.QuotaExceeded{RetryAfter: time.Minute}},
	}}
	images, _ := comparatorWith(0.5)
	ctrl := New(gen, DefaultOptions(), WithComparator(images))

	result, err := ctrl.Run(context.Background(), baseRequest(baseline))

	var quota *types.QuotaExceeded
	require.True(t, errors.As(err, &quota))
	assert.Equal(t, 2, quota.Attempt)
	assert.Equal(t, time.Minute, quota.RetryAfter)

	require.NotNil(t, result)
	assert.Equal(t, StateExhausted, result.State)
	assert.Len(t, gen.Calls(), 2)
	require.NotNil(t, result.Best)
	assert.Equal(t, 1, result.Best.AttemptIndex)
}

func TestRunStopsOnFatalFailureWithBestSoFar(t *testing.T) {
	baseline := rastertest.Sheet(32, 32)
	gen := &scriptedGenerator{steps: []step{
		{img: baseline},
		{err: &types.GenerationFailure{StatusCode: 400, Cause: errors.New("bad request")}},
	}}
	images, _ := comparatorWith(0.6)
	ctrl := New(gen, DefaultOptions(), WithComparator(images))

	result, err := ctrl.Run(context.Background(), baseRequest(baseline))
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, result.State)
	assert.Len(t, gen.Calls(), 2)
	require.NotNil(t, result.Best)
	assert.Equal(t, 1, result.Best.AttemptIndex)

	var failure *types.GenerationFailure
	require.True(t, errors.As(result.Err, &failure))
	assert.False(t, failure.Transient)
	assert.Equal(t, 400, failure.StatusCode)
}

func TestRunRejectsInvalidRequests(t *testing.T) {
	baseline := rastertest.Sheet(16, 16)
	empty, _ := raster.New(0, 0, nil)

	cases := map[string]func(*RunRequest){
		"missing baseline": func(r *RunRequest) { r.Baseline = nil },
		"empty baseline":   func(r *RunRequest) { r.Baseline = empty },
		"missing seed":     func(r *RunRequest) { r.Seed = 0 },
		"empty prompt":     func(r *RunRequest) { r.Prompt = "" },
		"strength":         func(r *RunRequest) { r.Strength = 1.5 },
		"zone geometry":    func(r *RunRequest) { r.Zones = []zones.Zone{{ID: "a", Width: 0, Height: 4}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			gen := &scriptedGenerator{steps: []step{{img: baseline}}}
			req := baseRequest(baseline)
			mutate(&req)

			result, err := New(gen, DefaultOptions()).Run(context.Background(), req)
			var verr *types.ValidationError
			assert.True(t, errors.As(err, &verr))
			assert.Nil(t, result)
			assert.Empty(t, gen.Calls())
		})
	}
}

func TestRunRecordsUndecodableCandidate(t *testing.T) {
	baseline := rastertest.Sheet(32, 32)
	gen := &scriptedGenerator{steps: []step{
		{data: []byte("<html>upstream error</html>")},
		{img: baseline},
	}}
	ctrl := New(gen, DefaultOptions())

	result, err := ctrl.Run(context.Background(), baseRequest(baseline))
	require.NoError(t, err)

	assert.Equal(t, StateAccepted, result.State)
	first := result.Attempts[0]
	assert.True(t, first.Generated)
	var cerr *types.ComparisonError
	require.True(t, errors.As(first.Failure, &cerr))
	assert.Equal(t, 1, cerr.Attempt)
	assert.Zero(t, first.Report.OverallScore)
	assert.NotEmpty(t, first.Report.Issues)
}

func TestRunFallsBackToUncomparedAttempt(t *testing.T) {
	baseline := rastertest.Sheet(32, 32)
	gen := &scriptedGenerator{steps: []step{{data: []byte("garbage")}}}
	options := DefaultOptions()
	options.MaxRetries = 2

	result, err := New(gen, options).Run(context.Background(), baseRequest(baseline))
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, result.State)
	require.NotNil(t, result.Best)
	assert.Equal(t, 1, result.Best.AttemptIndex)
	assert.Nil(t, result.Best.Image())
}

func TestBestAttemptPrefersComparedAttempts(t *testing.T) {
	attempts := []GenerationAttempt{
		{AttemptIndex: 1, Generated: true, Failure: &types.ComparisonError{}, Report: types.ZeroConfidenceReport("x")},
		{AttemptIndex: 2, Generated: true, Report: types.SimilarityReport{OverallScore: -0.3}},
		{AttemptIndex: 3, Generated: false, Report: types.SimilarityReport{OverallScore: 5}},
		{AttemptIndex: 4, Generated: true, Report: types.SimilarityReport{OverallScore: -0.3}},
	}
	best := bestAttempt(attempts)
	require.NotNil(t, best)
	assert.Equal(t, 2, best.AttemptIndex)
	assert.Nil(t, bestAttempt(nil))
}

func TestRunCancelledBetweenAttempts(t *testing.T) {
	baseline := rastertest.Sheet(32, 32)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := &scriptedGenerator{
		steps:  []step{{img: baseline}},
		onCall: func(int) { cancel() },
	}
	images, _ := comparatorWith(0.5)
	ctrl := New(gen, DefaultOptions(), WithComparator(images))

	result, err := ctrl.Run(ctx, baseRequest(baseline))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)

	// the in-flight attempt still completes and is validated
	assert.Equal(t, StateCancelled, result.State)
	assert.Len(t, gen.Calls(), 1)
	require.Len(t, result.Attempts, 1)
	assert.True(t, result.Attempts[0].Generated)
	require.NotNil(t, result.Best)
	assert.Equal(t, 1, result.Best.AttemptIndex)
}

func TestRunAttemptTimeoutIsTransient(t *testing.T) {
	baseline := rastertest.Sheet(32, 32)
	gen := &scriptedGenerator{steps: []step{{block: true}}}
	options := DefaultOptions()
	options.MaxRetries = 2
	options.AttemptTimeout = 20 * time.Millisecond

	result, err := New(gen, options).Run(context.Background(), baseRequest(baseline))
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, result.State)
	assert.Len(t, gen.Calls(), 2)
	assert.Nil(t, result.Best)

	var failure *types.GenerationFailure
	require.True(t, errors.As(result.Err, &failure))
	assert.True(t, failure.Transient)
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
}

func TestRunWithZones(t *testing.T) {
	baseline := rastertest.Sheet(120, 60)
	changed, err := baseline.Crop(image.Rect(60, 0, 120, 60))
	require.NoError(t, err)
	candidate := rastertest.Paste(baseline, rastertest.Invert(changed), 60, 0)

	gen := &scriptedGenerator{steps: []step{{img: candidate}}}
	req := baseRequest(baseline)
	req.Zones = []zones.Zone{
		{ID: "plan", X: 0, Y: 0, Width: 60, Height: 60, ExpectedUnchanged: true},
		{ID: "new-view", X: 60, Y: 0, Width: 60, Height: 60},
	}

	result, err := New(gen, DefaultOptions()).Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StateAccepted, result.State)
	require.NotNil(t, result.Best.ZoneReport)
	assert.True(t, result.Best.ZoneReport.Consistent)
	assert.True(t, result.Best.ZoneReport.Zones["new-view"].Skipped)
}

func TestRunRetriesWhenNoUnchangedZoneFits(t *testing.T) {
	baseline := rastertest.Sheet(200, 200)
	gen := &scriptedGenerator{steps: []step{
		{img: rastertest.Solid(10, 10, 255, 0, 0)},
		{img: baseline},
	}}
	req := baseRequest(baseline)
	req.Zones = []zones.Zone{{ID: "panel", X: 50, Y: 50, Width: 100, Height: 100, ExpectedUnchanged: true}}

	result, err := New(gen, DefaultOptions()).Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StateAccepted, result.State)
	require.Len(t, result.Attempts, 2)
	first := result.Attempts[0]
	assert.False(t, first.Report.Pass)
	assert.Equal(t, 0.0, first.Report.OverallScore)
	var cerr *types.ComparisonError
	require.ErrorAs(t, first.Failure, &cerr)
	assert.ErrorIs(t, first.Failure, zones.ErrNoZoneCompared)
	require.NotNil(t, first.ZoneReport)
	assert.True(t, first.ZoneReport.Zones["panel"].Skipped)
	assert.Equal(t, 2, result.Best.AttemptIndex)
}

func TestRunNeverAcceptsUncomparedZones(t *testing.T) {
	baseline := rastertest.Sheet(200, 200)
	gen := &scriptedGenerator{steps: []step{{img: rastertest.Solid(10, 10, 255, 0, 0)}}}
	req := baseRequest(baseline)
	req.Zones = []zones.Zone{{ID: "panel", X: 50, Y: 50, Width: 100, Height: 100, ExpectedUnchanged: true}}

	result, err := New(gen, DefaultOptions()).Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, result.State)
	assert.Len(t, gen.Calls(), DefaultMaxRetries)
	for _, a := range result.Attempts {
		assert.False(t, a.Report.Pass)
	}
}

func TestRunReusesCachedComparisons(t *testing.T) {
	baseline := rastertest.Sheet(32, 32)
	gen := &scriptedGenerator{steps: []step{{img: baseline}}}
	images, scorer := comparatorWith(0.5)
	options := DefaultOptions()
	options.MaxRetries = 3

	ctrl := New(gen, options, WithComparator(images), WithCache(cache.New()))
	result, err := ctrl.Run(context.Background(), baseRequest(baseline))
	require.NoError(t, err)

	assert.Equal(t, StateExhausted, result.State)
	assert.Len(t, gen.Calls(), 3)
	assert.Equal(t, 1, scorer.Count())
}

func TestRunExpandsPromptOnce(t *testing.T) {
	baseline := rastertest.Sheet(32, 32)
	gen := &scriptedGenerator{steps: []step{{img: baseline}}}
	expander := &countingExpander{}
	rc := cache.New()
	ctrl := New(gen, DefaultOptions(), WithCache(rc), WithPromptExpander(expander))

	for i := 0; i < 2; i++ {
		_, err := ctrl.Run(context.Background(), baseRequest(baseline))
		require.NoError(t, err)
	}

	assert.Equal(t, 1, expander.calls)
	for _, call := range gen.Calls() {
		assert.Contains(t, call.Prompt, "same camera")
	}
}

func TestRunUsesRequestedStrength(t *testing.T) {
	baseline := rastertest.Sheet(32, 32)
	gen := &scriptedGenerator{steps: []step{{img: baseline}}}
	req := baseRequest(baseline)
	req.Strength = 0.42
	req.BaselineRef = raster.Ref{URI: "https://cdn.example.com/v3.png"}

	_, err := New(gen, DefaultOptions()).Run(context.Background(), req)
	require.NoError(t, err)

	calls := gen.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 0.42, calls[0].Strength)
	assert.Equal(t, "https://cdn.example.com/v3.png", calls[0].InitImage.URI)
}

func TestRunBoundsCallsAndNeverRaisesStrength(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)
	baseline := rastertest.Sheet(24, 24)

	properties.Property("calls <= maxRetries and strength is non-increasing", prop.ForAll(
		func(maxRetries, category int, failures []bool) bool {
			steps := make([]step, 0, len(failures)+1)
			for _, fail := range failures {
				if fail {
					steps = append(steps, step{err: transientFailure()})
				} else {
					steps = append(steps, step{img: baseline})
				}
			}
			steps = append(steps, step{img: baseline})

			gen := &scriptedGenerator{steps: steps}
			images, _ := comparatorWith(0.1)
			options := DefaultOptions()
			options.MaxRetries = maxRetries
			req := baseRequest(baseline)
			req.Category = EditCategory(category)

			result, err := New(gen, options, WithComparator(images)).Run(context.Background(), req)
			if err != nil || len(gen.Calls()) > maxRetries || len(result.Attempts) > maxRetries {
				return false
			}
			for i := 1; i < len(result.Attempts); i++ {
				if result.Attempts[i].Strength > result.Attempts[i-1].Strength {
					return false
				}
				if result.Attempts[i].Seed != result.Attempts[0].Seed {
					return false
				}
			}
			return result.State == StateExhausted
		},
		gen.IntRange(1, 6),
		gen.IntRange(0, 3),
		gen.SliceOfN(6, gen.Bool()),
	))

	properties.TestingRun(t)
}
