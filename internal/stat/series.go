// Package stat provides weighted descriptive statistics and weighted
// sampling-with-replacement over an accumulated series of (value, weight)
// pairs, the building block used throughout the particle filter for
// resampling and posterior summaries.
package stat

import (
	"errors"
	"math"
	"math/rand"

	gonumstat "gonum.org/v1/gonum/stat"
)

// ErrInvalidWeights is returned by weighted sampling when any weight in the
// series is negative or non-finite, or when every weight is zero.
var ErrInvalidWeights = errors.New("daflow: all weights are zero or non-finite")

// Series accumulates values with associated non-negative weights and
// supports weighted mean, weighted standard deviation, and weighted
// sampling with replacement.
type Series struct {
	values  []float64
	weights []float64
}

// New returns an empty weighted series.
func New() *Series {
	return &Series{}
}

// Add records a value with an explicit weight.
func (s *Series) Add(value, weight float64) {
	s.values = append(s.values, value)
	s.weights = append(s.weights, weight)
}

// AddUnweighted records a value with an implicit weight of 1.0.
func (s *Series) AddUnweighted(value float64) {
	s.Add(value, 1.0)
}

// Len reports the number of accumulated values.
func (s *Series) Len() int {
	return len(s.values)
}

// Values returns a copy of the accumulated values in insertion order.
func (s *Series) Values() []float64 {
	out := make([]float64, len(s.values))
	copy(out, s.values)
	return out
}

// Weights returns a copy of the accumulated weights in insertion order,
// parallel to Values.
func (s *Series) Weights() []float64 {
	out := make([]float64, len(s.weights))
	copy(out, s.weights)
	return out
}

// WeightSum returns the sum of all accumulated weights. Weight normalization
// is deliberately never performed implicitly: the sum carries information
// about how well the ensemble explains the observation and every weighted
// statistic below divides by it lazily.
func (s *Series) WeightSum() float64 {
	sum := 0.0
	for _, w := range s.weights {
		sum += w
	}
	return sum
}

// Mean returns the weighted mean, or NaN if the series is empty or every
// weight is zero.
func (s *Series) Mean() float64 {
	if len(s.values) == 0 || s.WeightSum() == 0 {
		return math.NaN()
	}
	return gonumstat.Mean(s.values, s.weights)
}

// StdDev returns the weighted standard deviation. When unbiased is true the
// Bessel-corrected (sample) estimator is used; otherwise the population
// estimator is used. Returns NaN if the series is empty or every weight is
// zero.
func (s *Series) StdDev(unbiased bool) float64 {
	n := len(s.values)
	if n == 0 {
		return math.NaN()
	}
	wsum := s.WeightSum()
	if wsum == 0 {
		return math.NaN()
	}
	mean := gonumstat.Mean(s.values, s.weights)
	var ssq float64
	for i, v := range s.values {
		d := v - mean
		ssq += s.weights[i] * d * d
	}
	if unbiased {
		// Bessel correction using Kish's effective sample size in place of
		// the raw sample count.
		effN := effectiveSampleSize(s.weights)
		if effN <= 1 {
			return 0
		}
		return math.Sqrt(ssq / wsum * effN / (effN - 1))
	}
	return math.Sqrt(ssq / wsum)
}

// effectiveSampleSize computes Kish's effective sample size for a set of
// weights, used by Silverman's rule and by the unbiased stdev correction.
func effectiveSampleSize(weights []float64) float64 {
	var sum, sumSq float64
	for _, w := range weights {
		sum += w
		sumSq += w * w
	}
	if sumSq == 0 {
		return 0
	}
	return (sum * sum) / sumSq
}

// EffectiveSampleSize exposes Kish's effective sample size for the series'
// current weights.
func (s *Series) EffectiveSampleSize() float64 {
	return effectiveSampleSize(s.weights)
}

// Sample draws one value from the series by inverse-CDF sampling over the
// cumulative weights, ties broken toward the first index whose cumulative
// weight reaches the drawn mass. Returns ErrInvalidWeights if any weight is
// negative or non-finite, or if every weight is zero.
func (s *Series) Sample(rng *rand.Rand) (float64, error) {
	idx, err := s.SampleIndex(rng)
	if err != nil {
		return 0, err
	}
	return s.values[idx], nil
}

// SampleIndex is like Sample but returns the index into the series rather
// than the stored value.
func (s *Series) SampleIndex(rng *rand.Rand) (int, error) {
	wsum := 0.0
	for _, w := range s.weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return 0, ErrInvalidWeights
		}
		wsum += w
	}
	if wsum == 0 || len(s.weights) == 0 {
		return 0, ErrInvalidWeights
	}

	target := rng.Float64() * wsum
	cum := 0.0
	for i, w := range s.weights {
		cum += w
		if cum >= target {
			return i, nil
		}
	}
	// Floating-point rounding can leave target fractionally above the
	// accumulated sum; fall back to the last index.
	return len(s.weights) - 1, nil
}
