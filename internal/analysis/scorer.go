package analysis

import (
	"math"
	"sync"
)

const (
	assumedCenter = 50.0
	assumedScale  = 25.0
)

type Result struct {
	IsAnomaly bool    `json:"isAnomaly"`
	Score     float64 `json:"score"`
}

// Scorer turns window features into an anomaly verdict.
type Scorer interface {
	Score(f Features) Result
}

// weightedScore folds the features into one number.
func weightedScore(f Features) float64 {
	return 0.3*f.Mean + 0.2*f.Std + 0.2*f.Max + 0.3*f.RateOfChange
}

// IsolationScore follows the isolation-forest sign convention: the more
// negative, the more anomalous.
func IsolationScore(f Features, center, scale float64) float64 {
	return -((weightedScore(f) - center) / scale)
}

// HeuristicScorer is the default model: weighted features normalized against
// an assumed center of 50 and scale of 25.
type HeuristicScorer struct {
	Sensitivity float64
}

func (h HeuristicScorer) Score(f Features) Result {
	s := IsolationScore(f, assumedCenter, assumedScale)
	return Result{IsAnomaly: s < -h.Sensitivity, Score: math.Abs(s)}
}

// BaselineScorer is HeuristicScorer with the center learned from the
// persisted baseline instead of assumed. Untrained, it behaves like HeuristicScorer.
type BaselineScorer struct {
	Sensitivity float64
	Baseline    *Baseline
}

func (b BaselineScorer) Score(f Features) Result {
	center := assumedCenter
	if c, ok := b.Baseline.Center(); ok {
		center = c
	}
	s := IsolationScore(f, center, assumedScale)
	return Result{IsAnomaly: s < -b.Sensitivity, Score: math.Abs(s)}
}

// ThresholdScorer is the non-ML path.
type ThresholdScorer struct {
	Warning  float64
	Critical float64
}

func (t ThresholdScorer) Score(f Features) Result {
	return Result{
		IsAnomaly: f.Mean > t.Warning || f.Max > t.Critical,
		Score:     f.Mean / t.Warning,
	}
}

const (
	baselineSize       = 1000
	baselineMinSamples = 100
)

// Baseline is the learned model state: up to 1000 traffic values, refreshed by
// averaging with new history element by element.
type Baseline struct {
	mu     sync.RWMutex
	values []float64
}

func NewBaseline(values []float64) *Baseline {
	if len(values) > baselineSize {
		values = values[:baselineSize]
	}
	return &Baseline{values: append([]float64(nil), values...)}
}

// Update merges values into the baseline. It needs at least 100 values and
// reports whether anything changed.
func (b *Baseline) Update(values []float64) bool {
	if len(values) < baselineMinSamples {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, v := range values {
		if i >= baselineSize {
			break
		}
		if i < len(b.values) {
			b.values[i] = (b.values[i] + v) / 2.0
		} else {
			b.values = append(b.values, v)
		}
	}
	return true
}

func (b *Baseline) Values() []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]float64(nil), b.values...)
}

// Center is the weighted score of the baseline window.
func (b *Baseline) Center() (float64, bool) {
	if b == nil {
		return 0, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.values) < baselineMinSamples {
		return 0, false
	}
	return weightedScore(ExtractFeatures(b.values)), true
}
