package analysis

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// MinDataPoints is the least history Analyzer scores at all.
	MinDataPoints = 10
	// MaxDataPoints caps the analyzer history; older samples are dropped first.
	MaxDataPoints = 10000
)

// Features summarizes a window of traffic volume samples.
type Features struct {
	Mean         float64 `json:"mean"`
	Std          float64 `json:"std"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Median       float64 `json:"median"`
	Q25          float64 `json:"q25"`
	Q75          float64 `json:"q75"`
	RateOfChange float64 `json:"rateOfChange"`
}

// ExtractFeatures computes the summary of values. Empty input yields zero
// features. Std is the population standard deviation; percentiles use the
// nearest rank sorted[floor(n*p)] without interpolation.
func ExtractFeatures(values []float64) Features {
	var f Features
	n := len(values)
	if n == 0 {
		return f
	}

	f.Mean, f.Std = stat.PopMeanStdDev(values, nil)
	f.Min = floats.Min(values)
	f.Max = floats.Max(values)

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	f.Median = sorted[n/2]
	f.Q25 = sorted[n/4]
	f.Q75 = sorted[3*n/4]

	if n > 1 {
		total := 0.0
		for i := 1; i < n; i++ {
			total += values[i] - values[i-1]
		}
		f.RateOfChange = total / float64(n-1)
	}

	return f
}
