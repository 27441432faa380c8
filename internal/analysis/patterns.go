package analysis

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

const (
	spikeWindow    = 5
	spikeSigma     = 2.0
	trendMinPoints = 30
)

type Sample struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

type PatternType string

const (
	PatternSpike PatternType = "spike"
	PatternTrend PatternType = "trend"
)

type Pattern struct {
	Type       PatternType `json:"type"`
	Count      int         `json:"count"`
	MaxValue   float64     `json:"maxValue"`
	Timestamps []time.Time `json:"timestamps,omitempty"`
	Slope      float64     `json:"slope"`
}

// DetectPatterns runs both detectors over a history of at least MinDataPoints samples.
func DetectPatterns(history []Sample, trendThreshold float64) []Pattern {
	if len(history) < MinDataPoints {
		return nil
	}
	patterns := DetectSpikes(history)
	return append(patterns, DetectTrends(history, trendThreshold)...)
}

// DetectSpikes flags every sample further than two standard deviations from
// the mean of the five samples before it.
func DetectSpikes(history []Sample) []Pattern {
	if len(history) < spikeWindow {
		return nil
	}

	values := make([]float64, len(history))
	for i, s := range history {
		values[i] = s.Value
	}

	var patterns []Pattern
	for i := spikeWindow; i < len(values); i++ {
		mean, std := stat.PopMeanStdDev(values[i-spikeWindow:i], nil)
		if math.Abs(values[i]-mean) > spikeSigma*std {
			patterns = append(patterns, Pattern{
				Type:       PatternSpike,
				Count:      1,
				MaxValue:   values[i],
				Timestamps: []time.Time{history[i].Time},
			})
		}
	}
	return patterns
}

// DetectTrends fits a least-squares line of value against sample index and
// reports a trend when the slope magnitude exceeds threshold.
func DetectTrends(history []Sample, threshold float64) []Pattern {
	if len(history) < trendMinPoints {
		return nil
	}

	xs := make([]float64, len(history))
	ys := make([]float64, len(history))
	for i, s := range history {
		xs[i] = float64(i)
		ys[i] = s.Value
	}

	_, slope := stat.LinearRegression(xs, ys, nil, false)
	if math.Abs(slope) <= threshold {
		return nil
	}
	return []Pattern{{Type: PatternTrend, Slope: slope}}
}
