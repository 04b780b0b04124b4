package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// DispatchStats breaks dispatch latency down by capability. Share is the
// capability's fraction of the dispatches currently in the window.
type DispatchStats struct {
	Capability string  `json:"capability"`
	Samples    int     `json:"samples"`
	Failures   int     `json:"failures"`
	Share      float64 `json:"share"`
	LastMS     float64 `json:"last_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
}

type StageSnapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	WindowSize  int             `json:"window_size"`
	Stages      []StageStats    `json:"stages"`
	Dispatches  []DispatchStats `json:"dispatches,omitempty"`
	Indicators  []Indicator     `json:"indicators,omitempty"`
}

// stageWindow keeps the last maxSamples durations per stage in a ring.
type stageWindow struct {
	mu         sync.RWMutex
	maxSamples int
	stages     map[string]*ring
	dispatches map[string]*ring
	failures   map[string]int
	indicators map[string]int
}

type ring struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func (r *ring) add(v float64) {
	r.values[r.next] = v
	r.last = v
	r.next++
	if r.next >= len(r.values) {
		r.next = 0
		r.filled = true
	}
}

func (r *ring) sorted() []float64 {
	n := r.next
	if r.filled {
		n = len(r.values)
	}
	out := make([]float64, n)
	copy(out, r.values[:n])
	sort.Float64s(out)
	return out
}

func newStageWindow(maxSamples int) *stageWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &stageWindow{
		maxSamples: maxSamples,
		stages:     make(map[string]*ring),
		dispatches: make(map[string]*ring),
		failures:   make(map[string]int),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.stages[stage]
	if !ok {
		r = &ring{values: make([]float64, w.maxSamples)}
		w.stages[stage] = r
	}
	r.add(ms)
}

// ObserveDispatch records one capability execution. Failed executions count
// toward latency as well as failures.
func (w *stageWindow) ObserveDispatch(capability string, ms float64, failed bool) {
	if capability == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.dispatches[capability]
	if !ok {
		r = &ring{values: make([]float64, w.maxSamples)}
		w.dispatches[capability] = r
	}
	r.add(ms)
	if failed {
		w.failures[capability]++
	}
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.stages))
	for stage := range w.stages {
		names = append(names, stage)
	}
	sort.Strings(names)

	stages := make([]StageStats, 0, len(names))
	for _, stage := range names {
		r := w.stages[stage]
		samples := r.sorted()
		if len(samples) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		stages = append(stages, StageStats{
			Stage:       stage,
			Samples:     len(samples),
			LastMS:      round2(r.last),
			AvgMS:       round2(sum / float64(len(samples))),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			P99MS:       round2(quantile(samples, 0.99)),
			TargetP95MS: stageTargetP95MS(stage),
		})
	}

	dispatches := w.dispatchStats()

	indicatorNames := make([]string, 0, len(w.indicators))
	for name, count := range w.indicators {
		if count > 0 {
			indicatorNames = append(indicatorNames, name)
		}
	}
	sort.Strings(indicatorNames)
	indicators := make([]Indicator, 0, len(indicatorNames))
	for _, name := range indicatorNames {
		indicators = append(indicators, Indicator{Name: name, Count: w.indicators[name]})
	}

	return StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      stages,
		Dispatches:  dispatches,
		Indicators:  indicators,
	}
}

// dispatchStats must be called with w.mu held.
func (w *stageWindow) dispatchStats() []DispatchStats {
	total := 0
	samples := make(map[string][]float64, len(w.dispatches))
	names := make([]string, 0, len(w.dispatches))
	for capability, r := range w.dispatches {
		sorted := r.sorted()
		if len(sorted) == 0 {
			continue
		}
		samples[capability] = sorted
		total += len(sorted)
		names = append(names, capability)
	}
	sort.Strings(names)

	out := make([]DispatchStats, 0, len(names))
	for _, capability := range names {
		sorted := samples[capability]
		out = append(out, DispatchStats{
			Capability: capability,
			Samples:    len(sorted),
			Failures:   w.failures[capability],
			Share:      round2(float64(len(sorted)) / float64(total)),
			LastMS:     round2(w.dispatches[capability].last),
			P50MS:      round2(quantile(sorted, 0.50)),
			P95MS:      round2(quantile(sorted, 0.95)),
		})
	}
	return out
}

func (w *stageWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[string]*ring)
	w.dispatches = make(map[string]*ring)
	w.failures = make(map[string]int)
	w.indicators = make(map[string]int)
}

// quantile interpolates linearly between closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// stageTargetP95MS is the latency budget per routing stage. Classification
// is bounded by the inference timeout; partition reads by their own 2s cap.
func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageClassify:
		return 450
	case StageClarify:
		return 500
	case StageDispatch:
		return 2000
	case StageHandleTotal:
		return 2500
	default:
		return 0
	}
}
