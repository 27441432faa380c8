package analysis

import (
	"fmt"
	"sync"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/config"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"go.uber.org/zap"
)

// BaselineStore persists the learned baseline between runs.
type BaselineStore interface {
	LoadBaseline() ([]float64, error)
	SaveBaseline(values []float64) error
}

// Verdict is the outcome of one Observe call.
type Verdict struct {
	Result
	Level    types.ThreatLevel `json:"level"`
	Features Features          `json:"features"`
	Points   int               `json:"points"`
}

// Analyzer keeps a time-bounded history of traffic volume samples and scores
// each new sample against it.
type Analyzer struct {
	live     *config.Live
	store    BaselineStore
	baseline *Baseline

	mu      sync.Mutex
	history []Sample
	last    Verdict
}

// NewAnalyzer loads the persisted baseline if store is set. A nil store keeps
// the baseline in memory only.
func NewAnalyzer(live *config.Live, store BaselineStore) (*Analyzer, error) {
	a := &Analyzer{live: live, store: store, baseline: NewBaseline(nil)}
	if store != nil {
		values, err := store.LoadBaseline()
		if err != nil {
			return nil, fmt.Errorf("failed to load score baseline: %w", err)
		}
		a.baseline = NewBaseline(values)
		zap.L().Debug("Loaded score baseline", zap.Int("values", len(values)))
	}
	return a, nil
}

// Observe appends a sample and scores the retained window. Fewer than
// MinDataPoints samples is never anomalous.
func (a *Analyzer) Observe(at time.Time, value float64) Verdict {
	s := a.live.Get()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.history = append(a.history, Sample{Time: at, Value: value})
	a.trim(at, time.Duration(s.AnalysisWindow)*time.Second)

	v := Verdict{Level: types.ThreatNormal, Points: len(a.history)}
	if len(a.history) < MinDataPoints {
		a.last = v
		return v
	}

	v.Features = ExtractFeatures(a.values())
	v.Result = a.scorer(s).Score(v.Features)
	if v.IsAnomaly {
		v.Level = ThreatLevelForScore(v.Result.Score)
	}
	a.last = v
	return v
}

// caller holds a.mu
func (a *Analyzer) trim(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	drop := 0
	for drop < len(a.history) && a.history[drop].Time.Before(cutoff) {
		drop++
	}
	if over := len(a.history) - drop - MaxDataPoints; over > 0 {
		drop += over
	}
	if drop > 0 {
		a.history = append(a.history[:0], a.history[drop:]...)
	}
}

// caller holds a.mu
func (a *Analyzer) values() []float64 {
	out := make([]float64, len(a.history))
	for i, smp := range a.history {
		out[i] = smp.Value
	}
	return out
}

func (a *Analyzer) scorer(s *config.Settings) Scorer {
	if !s.MLEnabled {
		return ThresholdScorer{Warning: s.WarningThreshold, Critical: s.CriticalThreshold}
	}
	if s.Scorer == "baseline" {
		return BaselineScorer{Sensitivity: s.Sensitivity, Baseline: a.baseline}
	}
	return HeuristicScorer{Sensitivity: s.Sensitivity}
}

func (a *Analyzer) Last() Verdict {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *Analyzer) History() []Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Sample(nil), a.history...)
}

// Patterns runs spike and trend detection over the current history.
func (a *Analyzer) Patterns() []Pattern {
	return DetectPatterns(a.History(), a.live.Get().TrendThreshold)
}

// UpdateBaseline folds the current history into the baseline and persists it.
// It reports false when there is not enough history yet.
func (a *Analyzer) UpdateBaseline() (bool, error) {
	a.mu.Lock()
	values := a.values()
	a.mu.Unlock()

	if !a.baseline.Update(values) {
		return false, nil
	}
	if a.store == nil {
		return true, nil
	}
	if err := a.store.SaveBaseline(a.baseline.Values()); err != nil {
		return true, fmt.Errorf("failed to save score baseline: %w", err)
	}
	return true, nil
}

func (a *Analyzer) Baseline() *Baseline {
	return a.baseline
}

// Reset forgets the sample history. The baseline is kept.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
	a.last = Verdict{Level: types.ThreatNormal}
}
