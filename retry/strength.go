package retry

import (
	"fmt"
	"strings"
)

// EditCategory groups edit requests by how much of the sheet they may disturb
type EditCategory int

const (
	// CategoryDefault is any edit without a more specific category
	CategoryDefault EditCategory = iota
	// CategorySite edits touch site context around the building and start lowest
	CategorySite
	// CategoryDetailsOnly edits refine details inside existing panels
	CategoryDetailsOnly
	// CategoryAdditiveView edits add a new panel and start highest
	CategoryAdditiveView
)

// String returns the configuration name of the category
func (c EditCategory) String() string {
	switch c {
	case CategorySite:
		return "site"
	case CategoryDetailsOnly:
		return "details-only"
	case CategoryAdditiveView:
		return "additive-view"
	case CategoryDefault:
		return "default"
	}
	return fmt.Sprintf("EditCategory(%d)", int(c))
}

// ParseCategory converts a configuration name into an EditCategory
func ParseCategory(s string) (EditCategory, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return CategoryDefault, nil
	case "site":
		return CategorySite, nil
	case "details-only", "details":
		return CategoryDetailsOnly, nil
	case "additive-view", "additive":
		return CategoryAdditiveView, nil
	}
	return CategoryDefault, fmt.Errorf("unknown edit category %q", s)
}

// Categories lists every category, lowest starting strength first
func Categories() []EditCategory {
	return []EditCategory{CategorySite, CategoryDetailsOnly, CategoryDefault, CategoryAdditiveView}
}

// StrengthRule sets the starting strength of a category and how it shrinks.
// Each retry multiplies by Factor and never goes below Floor; Factor 0 drops
// straight to Floor.
type StrengthRule struct {
	Initial float64 `yaml:"initial" json:"initial"`
	Factor  float64 `yaml:"factor" json:"factor"`
	Floor   float64 `yaml:"floor" json:"floor"`
}

// Validate checks the rule describes a non-increasing sequence in (0, 1]
func (r StrengthRule) Validate() error {
	if r.Initial <= 0 || r.Initial > 1 {
		return fmt.Errorf("initial strength %.3f outside (0, 1]", r.Initial)
	}
	if r.Factor < 0 || r.Factor >= 1 {
		return fmt.Errorf("reduction factor %.3f outside [0, 1)", r.Factor)
	}
	if r.Floor <= 0 || r.Floor > r.Initial {
		return fmt.Errorf("floor %.3f outside (0, initial %.3f]", r.Floor, r.Initial)
	}
	return nil
}

// Schedule maps each edit category to its strength rule
type Schedule map[EditCategory]StrengthRule

// DefaultSchedule returns the stock rules. The values are hand tuned; only their
// ordering (site < details-only < default < additive-view) is relied upon.
func DefaultSchedule() Schedule {
	return Schedule{
		CategorySite:         {Initial: 0.15, Factor: 0, Floor: 0.05},
		CategoryDetailsOnly:  {Initial: 0.20, Factor: 0.5, Floor: 0.05},
		CategoryDefault:      {Initial: 0.25, Factor: 0.5, Floor: 0.08},
		CategoryAdditiveView: {Initial: 0.35, Factor: 0.5, Floor: 0.10},
	}
}

// Validate checks every rule
func (s Schedule) Validate() error {
	for _, cat := range Categories() {
		rule, ok := s[cat]
		if !ok {
			return fmt.Errorf("no strength rule for category %s", cat)
		}
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("category %s: %v", cat, err)
		}
	}
	return nil
}

func (s Schedule) rule(cat EditCategory) StrengthRule {
	if rule, ok := s[cat]; ok {
		return rule
	}
	if rule, ok := s[CategoryDefault]; ok {
		return rule
	}
	return DefaultSchedule()[CategoryDefault]
}

// Initial returns the starting strength; a positive requested value overrides the rule
func (s Schedule) Initial(cat EditCategory, requested float64) float64 {
	if requested > 0 {
		return requested
	}
	return s.rule(cat).Initial
}

// Next returns the strength for the following attempt. The result is never
// larger than current.
func (s Schedule) Next(cat EditCategory, current float64) float64 {
	rule := s.rule(cat)
	next := current * rule.Factor
	if next < rule.Floor {
		next = rule.Floor
	}
	if next > current {
		next = current
	}
	return next
}
