// Package driftcheck verifies that a rendered view still follows the geometry
// it was rendered from by matching Canny edges against the geometry edge map.
package driftcheck

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gocv.io/x/gocv"

	"driftguard/logging"
	"driftguard/utils"
)

const (
	DefaultThreshold   = 0.65
	DefaultTolerancePx = 3
	DefaultCannyLow    = 50
	DefaultCannyHigh   = 150
)

// Options tunes the checker
type Options struct {
	// Threshold is the minimum F1 a view needs to pass
	Threshold   float64 `yaml:"threshold" json:"threshold"`
	TolerancePx int     `yaml:"tolerance_px" json:"tolerance_px"`
	CannyLow    float32 `yaml:"canny_low" json:"canny_low"`
	CannyHigh   float32 `yaml:"canny_high" json:"canny_high"`
	// Debug writes the two edge maps of every view to OutputDir
	Debug     bool   `yaml:"debug" json:"debug"`
	OutputDir string `yaml:"output_dir" json:"output_dir"`
}

// DefaultOptions returns the stock thresholds
func DefaultOptions() Options {
	return Options{
		Threshold:   DefaultThreshold,
		TolerancePx: DefaultTolerancePx,
		CannyLow:    DefaultCannyLow,
		CannyHigh:   DefaultCannyHigh,
	}
}

// Metrics are the tolerant edge matching counts for one view
type Metrics struct {
	Precision       float64 `json:"precision"`
	Recall          float64 `json:"recall"`
	F1              float64 `json:"f1"`
	GeomEdgeCount   int     `json:"geom_edge_count"`
	RenderEdgeCount int     `json:"render_edge_count"`
	MatchedGeom     int     `json:"matched_geom"`
	MatchedRender   int     `json:"matched_render"`
}

// ViewFiles names the inputs of one view
type ViewFiles struct {
	Name   string
	Edges  string
	Render string
	// Mask is optional; white keeps edges
	Mask string
}

// Result is the outcome for one view
type Result struct {
	View        string            `json:"view_name"`
	Passed      bool              `json:"passed"`
	Skipped     bool              `json:"skipped,omitempty"`
	F1          float64           `json:"f1"`
	Threshold   float64           `json:"threshold"`
	TolerancePx int               `json:"tolerance_px"`
	EdgesPath   string            `json:"edges_path,omitempty"`
	RenderPath  string            `json:"render_path,omitempty"`
	MaskPath    string            `json:"mask_path,omitempty"`
	Metrics     *Metrics          `json:"metrics,omitempty"`
	Details     map[string]any    `json:"details,omitempty"`
	Error       string            `json:"error,omitempty"`
	OutputFiles map[string]string `json:"output_files,omitempty"`
}

// Summary aggregates the checked views
type Summary struct {
	TotalViews  int      `json:"total_views"`
	Checked     int      `json:"checked"`
	Passed      int      `json:"passed"`
	Failed      int      `json:"failed"`
	Skipped     int      `json:"skipped"`
	Threshold   float64  `json:"threshold"`
	TolerancePx int      `json:"tolerance_px"`
	AvgF1       float64  `json:"avg_f1"`
	MinF1       float64  `json:"min_f1"`
	MaxF1       float64  `json:"max_f1"`
	FailedViews []string `json:"failed_views"`
}

// Report is the result of checking a whole run directory
type Report struct {
	Passed    bool      `json:"passed"`
	Timestamp time.Time `json:"timestamp"`
	Results   []Result  `json:"results"`
	Summary   Summary   `json:"summary"`
}

// Save writes the report as indented JSON, creating parent directories
func (r *Report) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Checker runs drift checks
type Checker struct {
	opts Options
}

// New returns a checker; zero option fields take their defaults
func New(opts Options) *Checker {
	def := DefaultOptions()
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.TolerancePx <= 0 {
		opts.TolerancePx = def.TolerancePx
	}
	if opts.CannyLow <= 0 {
		opts.CannyLow = def.CannyLow
	}
	if opts.CannyHigh <= 0 {
		opts.CannyHigh = def.CannyHigh
	}
	return &Checker{opts: opts}
}

// Options returns the effective options
func (c *Checker) Options() Options { return c.opts }

// ComputeMetrics matches two binary edge maps of equal size. An edge pixel counts
// as matched when the other map has an edge within the tolerance radius.
func (c *Checker) ComputeMetrics(geomEdges, renderEdges gocv.Mat) Metrics {
	r := c.opts.TolerancePx
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(2*r+1, 2*r+1))
	defer kernel.Close()

	geomDil := gocv.NewMat()
	defer geomDil.Close()
	rendDil := gocv.NewMat()
	defer rendDil.Close()
	gocv.Dilate(geomEdges, &geomDil, kernel)
	gocv.Dilate(renderEdges, &rendDil, kernel)

	matchedRender := gocv.NewMat()
	defer matchedRender.Close()
	matchedGeom := gocv.NewMat()
	defer matchedGeom.Close()
	gocv.BitwiseAnd(renderEdges, geomDil, &matchedRender)
	gocv.BitwiseAnd(geomEdges, rendDil, &matchedGeom)

	m := Metrics{
		GeomEdgeCount:   gocv.CountNonZero(geomEdges),
		RenderEdgeCount: gocv.CountNonZero(renderEdges),
		MatchedRender:   gocv.CountNonZero(matchedRender),
		MatchedGeom:     gocv.CountNonZero(matchedGeom),
	}
	m.Precision = float64(m.MatchedRender) / float64(max(m.RenderEdgeCount, 1))
	m.Recall = float64(m.MatchedGeom) / float64(max(m.GeomEdgeCount, 1))
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

// loadBinary reads a grayscale image and thresholds it at 127
func loadBinary(path string) (gocv.Mat, error) {
	img := gocv.IMRead(path, gocv.IMReadGrayScale)
	if img.Empty() {
		img.Close()
		return gocv.Mat{}, fmt.Errorf("failed to load image: %s", path)
	}
	binary := gocv.NewMat()
	gocv.Threshold(img, &binary, 127, 255, gocv.ThresholdBinary)
	img.Close()
	return binary, nil
}

// extractEdges runs a bilateral filter then Canny on the render
func (c *Checker) extractEdges(path string) (gocv.Mat, error) {
	img := gocv.IMRead(path, gocv.IMReadGrayScale)
	if img.Empty() {
		img.Close()
		return gocv.Mat{}, fmt.Errorf("failed to load image: %s", path)
	}
	defer img.Close()

	filtered := gocv.NewMat()
	defer filtered.Close()
	gocv.BilateralFilter(img, &filtered, 9, 75, 75)

	edges := gocv.NewMat()
	gocv.Canny(filtered, &edges, c.opts.CannyLow, c.opts.CannyHigh)
	return edges, nil
}

// resizeTo resizes src in place to the size of ref
func resizeTo(src *gocv.Mat, ref gocv.Mat, interp gocv.InterpolationFlags) {
	if src.Rows() == ref.Rows() && src.Cols() == ref.Cols() {
		return
	}
	resized := gocv.NewMat()
	gocv.Resize(*src, &resized, image.Pt(ref.Cols(), ref.Rows()), 0, 0, interp)
	src.Close()
	*src = resized
}

func applyMask(edges *gocv.Mat, mask gocv.Mat) {
	masked := gocv.NewMat()
	gocv.BitwiseAnd(*edges, mask, &masked)
	edges.Close()
	*edges = masked
}

// CheckView compares one render with its geometry edges
func (c *Checker) CheckView(view ViewFiles) Result {
	result := Result{
		View:        view.Name,
		Threshold:   c.opts.Threshold,
		TolerancePx: c.opts.TolerancePx,
		EdgesPath:   view.Edges,
		RenderPath:  view.Render,
		MaskPath:    view.Mask,
	}
	if view.Edges == "" || view.Render == "" {
		result.Passed = true
		result.Skipped = true
		if view.Edges == "" {
			result.Error = "no geometry edge file found for " + view.Name
		} else {
			result.Error = "no render found for " + view.Name
		}
		return result
	}

	geomEdges, err := loadBinary(view.Edges)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer geomEdges.Close()

	renderEdges, err := c.extractEdges(view.Render)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer renderEdges.Close()
	renderSize := []int{renderEdges.Rows(), renderEdges.Cols()}
	resizeTo(&renderEdges, geomEdges, gocv.InterpolationArea)

	if view.Mask != "" {
		mask, err := loadBinary(view.Mask)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		resizeTo(&mask, geomEdges, gocv.InterpolationNearestNeighbor)
		applyMask(&geomEdges, mask)
		applyMask(&renderEdges, mask)
		mask.Close()
	}

	m := c.ComputeMetrics(geomEdges, renderEdges)
	result.Metrics = &m
	result.F1 = m.F1
	result.Passed = m.F1 >= c.opts.Threshold
	result.Details = map[string]any{
		"edges_hash":  fileDigest(view.Edges),
		"render_hash": fileDigest(view.Render),
		"mask_used":   view.Mask != "",
		"canny_low":   c.opts.CannyLow,
		"canny_high":  c.opts.CannyHigh,
		"geom_size":   []int{geomEdges.Rows(), geomEdges.Cols()},
		"render_size": renderSize,
	}

	if c.opts.Debug && c.opts.OutputDir != "" {
		result.OutputFiles = c.writeDebug(view.Name, geomEdges, renderEdges)
	}
	logging.DebugLog("Drift check %s: F1=%.3f (P=%.3f, R=%.3f) pass=%v", view.Name, m.F1, m.Precision, m.Recall, result.Passed)
	return result
}

func (c *Checker) writeDebug(view string, geomEdges, renderEdges gocv.Mat) map[string]string {
	if err := os.MkdirAll(c.opts.OutputDir, 0o755); err != nil {
		logging.LogWarning("Cannot create debug directory %s: %v", c.opts.OutputDir, err)
		return nil
	}
	files := map[string]string{
		"edges_geom":   filepath.Join(c.opts.OutputDir, "drift_"+view+"_edges_geom.png"),
		"edges_render": filepath.Join(c.opts.OutputDir, "drift_"+view+"_edges_render.png"),
	}
	if !gocv.IMWrite(files["edges_geom"], geomEdges) || !gocv.IMWrite(files["edges_render"], renderEdges) {
		logging.LogWarning("Failed to write debug edges for %s", view)
	}
	return files
}

func fileDigest(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return "sha256:" + utils.ShortDigest(utils.HashBytes(data))
}

var (
	edgeSuffixes   = []string{"_edges", "_canny", "_lineart"}
	renderSuffixes = []string{"_render"}
	maskSuffixes   = []string{"_mask"}
)

// DiscoverViews groups <view>_edges.png, <view>_render.png and <view>_mask.png
// files in dir by view name
func DiscoverViews(dir string) ([]ViewFiles, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	views := map[string]*ViewFiles{}
	get := func(name string) *ViewFiles {
		if v, ok := views[name]; ok {
			return v
		}
		v := &ViewFiles{Name: name}
		views[name] = v
		return v
	}
	match := func(stem string, suffixes []string) (string, bool) {
		for _, s := range suffixes {
			if strings.HasSuffix(stem, s) && len(stem) > len(s) {
				return strings.TrimSuffix(stem, s), true
			}
		}
		return "", false
	}

	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".png") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if name, ok := match(stem, edgeSuffixes); ok {
			if v := get(name); v.Edges == "" {
				v.Edges = path
			}
		} else if name, ok := match(stem, renderSuffixes); ok {
			get(name).Render = path
		} else if name, ok := match(stem, maskSuffixes); ok {
			get(name).Mask = path
		}
	}

	out := make([]ViewFiles, 0, len(views))
	for _, v := range views {
		if v.Edges == "" && v.Render == "" {
			continue
		}
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ErrNoViews is returned when a run directory holds no edge or render files
var ErrNoViews = errors.New("no views found")

// CheckRun checks every view in dir and aggregates the results. Views missing
// either file are skipped and do not fail the run.
func (c *Checker) CheckRun(dir string) (*Report, error) {
	views, err := DiscoverViews(dir)
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoViews)
	}

	report := &Report{Timestamp: time.Now().UTC()}
	summary := Summary{
		TotalViews:  len(views),
		Threshold:   c.opts.Threshold,
		TolerancePx: c.opts.TolerancePx,
		FailedViews: []string{},
	}
	var sumF1 float64
	for _, view := range views {
		result := c.CheckView(view)
		report.Results = append(report.Results, result)
		if result.Skipped {
			summary.Skipped++
			continue
		}

		summary.Checked++
		sumF1 += result.F1
		if summary.Checked == 1 || result.F1 < summary.MinF1 {
			summary.MinF1 = result.F1
		}
		if result.F1 > summary.MaxF1 {
			summary.MaxF1 = result.F1
		}
		if result.Passed {
			summary.Passed++
		} else {
			summary.Failed++
			summary.FailedViews = append(summary.FailedViews, result.View)
		}
	}
	if summary.Checked > 0 {
		summary.AvgF1 = sumF1 / float64(summary.Checked)
	}

	report.Summary = summary
	report.Passed = summary.Failed == 0
	logging.LogInfo("Drift check of %s: %d/%d views passed", dir, summary.Passed, summary.Checked)
	return report, nil
}
