// Package zones compares named rectangles of a composite sheet independently.
package zones

import (
	"errors"
	"fmt"
	"image"

	"driftguard/imageprocessor"
	"driftguard/logging"
	"driftguard/policy"
	"driftguard/raster"
	"driftguard/types"
)

// ErrNoZoneCompared is returned when zones were expected unchanged but every one
// of them fell outside the baseline or the candidate
var ErrNoZoneCompared = errors.New("no expected-unchanged zone could be compared")

// Zone is a named rectangle in the shared coordinate space of baseline and candidate
type Zone struct {
	ID                string             `json:"id" yaml:"id"`
	X                 int                `json:"x" yaml:"x"`
	Y                 int                `json:"y" yaml:"y"`
	Width             int                `json:"width" yaml:"width"`
	Height            int                `json:"height" yaml:"height"`
	ExpectedUnchanged bool               `json:"expected_unchanged" yaml:"expected_unchanged"`
	Thresholds        *policy.Thresholds `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// Rect returns the zone rectangle
func (z Zone) Rect() image.Rectangle {
	return image.Rect(z.X, z.Y, z.X+z.Width, z.Y+z.Height)
}

// ZoneResult is the outcome for one zone
type ZoneResult struct {
	ZoneID     string                  `json:"zone_id"`
	Skipped    bool                    `json:"skipped"`
	SkipReason string                  `json:"skip_reason,omitempty"`
	Score      float64                 `json:"score"`
	Report     *types.SimilarityReport `json:"report,omitempty"`
}

// ZoneReport collects zone results in input order
type ZoneReport struct {
	Zones        map[string]ZoneResult `json:"zones"`
	Order        []string              `json:"order"`
	OverallScore float64               `json:"overall_score"`
	Consistent   bool                  `json:"consistent"`
	Issues       []string              `json:"issues,omitempty"`
}

// Summary folds the zone report into a single SimilarityReport: the worst hash
// distance and SSIM among compared zones, the aggregate score and consistency
func (r ZoneReport) Summary() types.SimilarityReport {
	summary := types.SimilarityReport{
		SSIMScore:    1,
		OverallScore: r.OverallScore,
		Pass:         r.Consistent,
		Issues:       r.Issues,
	}
	for _, id := range r.Order {
		res := r.Zones[id]
		if res.Skipped || res.Report == nil {
			continue
		}
		summary.HashDistance = max(summary.HashDistance, res.Report.HashDistance)
		summary.SSIMScore = min(summary.SSIMScore, res.Report.SSIMScore)
		summary.RetryNeeded = summary.RetryNeeded || res.Report.RetryNeeded
	}
	return summary
}

// Validate checks zone identities and geometry. Bounds are checked later,
// per image pair, and only skip the zone.
func Validate(zones []Zone) error {
	seen := make(map[string]bool, len(zones))
	for i, z := range zones {
		if z.ID == "" {
			return &types.ValidationError{Field: fmt.Sprintf("zones[%d].id", i), Reason: "must not be empty"}
		}
		if seen[z.ID] {
			return &types.ValidationError{Field: "zones", Reason: fmt.Sprintf("duplicate zone id %q", z.ID)}
		}
		seen[z.ID] = true
		if z.Width <= 0 || z.Height <= 0 {
			return &types.ValidationError{Field: "zone " + z.ID, Reason: fmt.Sprintf("size %dx%d must be positive", z.Width, z.Height)}
		}
		if z.X < 0 || z.Y < 0 {
			return &types.ValidationError{Field: "zone " + z.ID, Reason: fmt.Sprintf("origin (%d,%d) must not be negative", z.X, z.Y)}
		}
		if z.Thresholds != nil {
			if err := z.Thresholds.Validate(); err != nil {
				return &types.ValidationError{Field: "zone " + z.ID, Reason: err.Error()}
			}
		}
	}
	return nil
}

// Comparator runs the whole-image comparison on each zone crop
type Comparator struct {
	Images *imageprocessor.Comparator
}

// NewComparator wraps an image comparator
func NewComparator(images *imageprocessor.Comparator) *Comparator {
	if images == nil {
		images = imageprocessor.NewComparator()
	}
	return &Comparator{Images: images}
}

// CompareZones crops every expected-unchanged zone from both images and compares
// the crops. Zones the caller means to change, and zones outside either image,
// are skipped and left out of the aggregate. When every expected-unchanged zone
// is out of bounds the report is inconsistent with score 0 and ErrNoZoneCompared
// is returned alongside it.
func (c *Comparator) CompareZones(baseline, candidate *raster.RasterImage, zones []Zone, mode policy.Mode) (ZoneReport, error) {
	if err := Validate(zones); err != nil {
		return ZoneReport{}, err
	}

	report := ZoneReport{
		Zones: make(map[string]ZoneResult, len(zones)),
		Order: make([]string, 0, len(zones)),
	}

	var total float64
	compared, outOfBounds := 0, 0
	consistent := true

	for _, z := range zones {
		report.Order = append(report.Order, z.ID)

		if !z.ExpectedUnchanged {
			report.Zones[z.ID] = ZoneResult{ZoneID: z.ID, Skipped: true, SkipReason: "expected to change", Score: 1}
			continue
		}

		rect := z.Rect()
		if !rect.In(baseline.Bounds()) || !rect.In(candidate.Bounds()) {
			reason := fmt.Sprintf("zone %s %v outside baseline %v or candidate %v", z.ID, rect, baseline.Bounds(), candidate.Bounds())
			report.Issues = append(report.Issues, reason)
			report.Zones[z.ID] = ZoneResult{ZoneID: z.ID, Skipped: true, SkipReason: reason, Score: 1}
			logging.LogWarning("Skipping %s", reason)
			outOfBounds++
			continue
		}

		th := c.Images.Thresholds
		if z.Thresholds != nil {
			th = *z.Thresholds
		}

		zoneReport, err := c.compareCrop(baseline, candidate, rect, mode, th)
		if err != nil {
			logging.LogWarning("Zone %s comparison failed: %v", z.ID, err)
		}
		for _, issue := range zoneReport.Issues {
			report.Issues = append(report.Issues, z.ID+": "+issue)
		}

		zr := zoneReport
		report.Zones[z.ID] = ZoneResult{ZoneID: z.ID, Score: zoneReport.OverallScore, Report: &zr}
		total += zoneReport.OverallScore
		compared++
		consistent = consistent && zoneReport.Pass
	}

	if compared == 0 && outOfBounds > 0 {
		report.OverallScore = 0
		report.Consistent = false
		return report, fmt.Errorf("%w: %d zone(s) outside baseline %v or candidate %v",
			ErrNoZoneCompared, outOfBounds, baseline.Bounds(), candidate.Bounds())
	}

	// nothing compared means nothing drifted
	report.OverallScore = 1
	if compared > 0 {
		report.OverallScore = total / float64(compared)
	}
	report.Consistent = consistent

	logging.DebugLog("Zone comparison: %d zones, %d compared, overall %.4f, consistent %v",
		len(zones), compared, report.OverallScore, report.Consistent)
	return report, nil
}

func (c *Comparator) compareCrop(baseline, candidate *raster.RasterImage, rect image.Rectangle, mode policy.Mode, th policy.Thresholds) (types.SimilarityReport, error) {
	baseCrop, err := baseline.Crop(rect)
	if err != nil {
		cerr := &types.ComparisonError{Stage: "crop baseline", Cause: err}
		return types.ZeroConfidenceReport(cerr.Error()), cerr
	}
	candCrop, err := candidate.Crop(rect)
	if err != nil {
		cerr := &types.ComparisonError{Stage: "crop candidate", Cause: err}
		return types.ZeroConfidenceReport(cerr.Error()), cerr
	}
	return c.Images.CompareWith(baseCrop, candCrop, mode, th)
}
