package retry

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSchedule(t *testing.T) {
	s := DefaultSchedule()
	require.NoError(t, s.Validate())

	assert.Equal(t, 0.15, s.Initial(CategorySite, 0))
	assert.Equal(t, 0.05, s.Next(CategorySite, 0.15))
	assert.Equal(t, 0.05, s.Next(CategorySite, 0.05))

	assert.Equal(t, 0.25, s.Initial(CategoryDefault, 0))
	assert.InDelta(t, 0.125, s.Next(CategoryDefault, 0.25), 1e-12)
	assert.InDelta(t, 0.08, s.Next(CategoryDefault, 0.125), 1e-12)

	// starting strengths rise in Categories() order
	prev := 0.0
	for _, cat := range Categories() {
		initial := s.Initial(cat, 0)
		assert.Greater(t, initial, prev, cat.String())
		prev = initial
	}
}

func TestScheduleFallsBackToDefaultRule(t *testing.T) {
	s := Schedule{CategoryDefault: {Initial: 0.3, Factor: 0.5, Floor: 0.1}}
	assert.Equal(t, 0.3, s.Initial(CategoryAdditiveView, 0))
	assert.Equal(t, 0.7, s.Initial(CategoryAdditiveView, 0.7))

	var empty Schedule
	assert.Equal(t, 0.25, empty.Initial(CategorySite, 0))
}

func TestScheduleNextNeverIncreases(t *testing.T) {
	properties := gopter.NewProperties(nil)
	s := DefaultSchedule()

	properties.Property("next <= current", prop.ForAll(
		func(category int, current float64) bool {
			return s.Next(EditCategory(category), current) <= current
		},
		gen.IntRange(0, 3),
		gen.Float64Range(0, 1),
	))

	properties.Property("next stays at or above the floor once reached", prop.ForAll(
		func(category int, current float64) bool {
			cat := EditCategory(category)
			floor := s[cat].Floor
			if current < floor {
				return true
			}
			return s.Next(cat, current) >= floor
		},
		gen.IntRange(0, 3),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

func TestStrengthRuleValidate(t *testing.T) {
	assert.NoError(t, StrengthRule{Initial: 0.2, Factor: 0.5, Floor: 0.05}.Validate())
	assert.Error(t, StrengthRule{Initial: 0, Factor: 0.5, Floor: 0.05}.Validate())
	assert.Error(t, StrengthRule{Initial: 0.2, Factor: 1.5, Floor: 0.05}.Validate())
	assert.Error(t, StrengthRule{Initial: 0.2, Factor: 0.5, Floor: 0.3}.Validate())
}

func TestParseCategory(t *testing.T) {
	for _, cat := range Categories() {
		parsed, err := ParseCategory(cat.String())
		require.NoError(t, err)
		assert.Equal(t, cat, parsed)
	}
	parsed, err := ParseCategory("")
	require.NoError(t, err)
	assert.Equal(t, CategoryDefault, parsed)

	_, err = ParseCategory("landscape")
	assert.Error(t, err)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, CanTransition(StateIdle, StateGenerating))
	assert.True(t, CanTransition(StateGenerating, StateRetryPending))
	assert.True(t, CanTransition(StateValidating, StateAccepted))
	assert.True(t, CanTransition(StateRetryPending, StateCancelled))

	assert.False(t, CanTransition(StateIdle, StateAccepted))
	assert.False(t, CanTransition(StateGenerating, StateAccepted))
	assert.False(t, CanTransition(StateGenerating, StateCancelled))

	for _, s := range []State{StateAccepted, StateExhausted, StateCancelled} {
		assert.True(t, s.Terminal())
		for to := StateIdle; to <= StateCancelled; to++ {
			assert.False(t, CanTransition(s, to), "%s -> %s", s, to)
		}
	}
	assert.Equal(t, "retry_pending", StateRetryPending.String())
}
