package retry

import (
	"context"
	"sync"

	"driftguard/imageprocessor"
	"driftguard/raster"
)

type step struct {
	img   *raster.RasterImage
	data  []byte
	err   error
	block bool
}

// scriptedGenerator replays steps in order, repeating the last one
type scriptedGenerator struct {
	mu     sync.Mutex
	steps  []step
	calls  []GenerateRequest
	onCall func(n int)
}

func (g *scriptedGenerator) Generate(ctx context.Context, req GenerateRequest) (raster.Ref, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	n := len(g.calls)
	s := g.steps[min(n, len(g.steps))-1]
	onCall := g.onCall
	g.mu.Unlock()

	if onCall != nil {
		onCall(n)
	}
	if s.block {
		<-ctx.Done()
		return raster.Ref{}, ctx.Err()
	}
	if s.err != nil {
		return raster.Ref{}, s.err
	}
	if s.data != nil {
		return raster.Ref{Data: s.data}, nil
	}
	data, err := s.img.EncodePNG()
	if err != nil {
		return raster.Ref{}, err
	}
	return raster.Ref{Data: data}, nil
}

func (g *scriptedGenerator) Calls() []GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GenerateRequest(nil), g.calls...)
}

// scriptedScorer returns scores in order, repeating the last one
type scriptedScorer struct {
	mu     sync.Mutex
	scores []float64
	n      int
}

func (s *scriptedScorer) Score(a, b *raster.RasterImage) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.scores[min(s.n, len(s.scores)-1)]
	s.n++
	return v, nil
}

func (s *scriptedScorer) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func comparatorWith(scores ...float64) (*imageprocessor.Comparator, *scriptedScorer) {
	scorer := &scriptedScorer{scores: scores}
	c := imageprocessor.NewComparator()
	c.Scorer = scorer
	return c, scorer
}

type memoryRecorder struct {
	mu       sync.Mutex
	attempts []GenerationAttempt
	runs     []RunSummary
}

func (m *memoryRecorder) RecordAttempt(ctx context.Context, runID string, a GenerationAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memoryRecorder) RecordRun(ctx context.Context, s RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, s)
	return nil
}

type countingExpander struct {
	mu    sync.Mutex
	calls int
}

func (e *countingExpander) Expand(ctx context.Context, prompt string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return prompt + ", consistent line weight, same camera", nil
}
