// Package kde implements a one-dimensional weighted Gaussian kernel density
// estimate: the empirical distribution the forecast engine reports for each
// output variable at each forecast timestamp.
package kde

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/riverstage/daflow/internal/stat"
)

// ErrBandwidthNotComputed is returned by Pdf/CDF when ComputeGaussianBandwidth
// has not yet been called.
var ErrBandwidthNotComputed = errors.New("daflow: kernel bandwidth not computed")

// ErrEmptyKDE is returned by Pdf/CDF/CRPS on a kernel density with zero
// samples.
var ErrEmptyKDE = errors.New("daflow: kernel density has no samples")

// minBandwidthAbs is the absolute floor used when a single sample leaves
// Silverman's rule undefined (a variance of zero).
const minBandwidthAbs = 1e-9

// KernelDensity holds weighted samples and, once computed, a Gaussian kernel
// bandwidth for density/CDF evaluation.
type KernelDensity struct {
	series       *stat.Series
	bandwidth    float64
	bandwidthSet bool
}

// New returns an empty kernel density.
func New() *KernelDensity {
	return &KernelDensity{series: stat.New()}
}

// AddSample records a weighted sample. A weight of zero is legal (it
// represents a failed particle kept for accounting) but contributes nothing
// to the fitted kernel's mass.
func (k *KernelDensity) AddSample(value, weight float64) {
	k.series.Add(value, weight)
	k.bandwidthSet = false
}

// Len reports the number of accumulated samples.
func (k *KernelDensity) Len() int {
	return k.series.Len()
}

// Samples returns the accumulated (value, weight) pairs sorted by value,
// the shape the forecast reports persist for downstream CRPS/density
// evaluation.
func (k *KernelDensity) Samples() (values, weights []float64) {
	n := k.series.Len()
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rawValues, rawWeights := k.rawSamples()
	sort.Slice(idx, func(a, b int) bool { return rawValues[idx[a]] < rawValues[idx[b]] })
	values = make([]float64, n)
	weights = make([]float64, n)
	for i, j := range idx {
		values[i] = rawValues[j]
		weights[i] = rawWeights[j]
	}
	return values, weights
}

func (k *KernelDensity) rawSamples() ([]float64, []float64) {
	return k.series.Values(), k.series.Weights()
}

// Mean returns the weighted mean of the accumulated samples, or NaN if empty.
func (k *KernelDensity) Mean() float64 {
	return k.series.Mean()
}

// StdDev returns the weighted (population) standard deviation of the
// accumulated samples, or NaN if empty.
func (k *KernelDensity) StdDev() float64 {
	return k.series.StdDev(false)
}

// ComputeGaussianBandwidth fits the kernel bandwidth via Silverman's rule of
// thumb, using the weighted effective sample size in place of the raw
// sample count:
//
//	h = 1.06 * sigma * effN^(-1/5)
//
// A single sample (or a zero-variance sample set) is given a small positive
// bandwidth floor rather than zero, so the kernel remains a proper density.
func (k *KernelDensity) ComputeGaussianBandwidth() {
	sigma := k.series.StdDev(true)
	effN := k.series.EffectiveSampleSize()
	if k.series.Len() <= 1 || math.IsNaN(sigma) || sigma == 0 || effN <= 1 {
		mean := math.Abs(k.series.Mean())
		k.bandwidth = 1e-6*mean + minBandwidthAbs
		k.bandwidthSet = true
		return
	}
	k.bandwidth = 1.06 * sigma * math.Pow(effN, -0.2)
	if k.bandwidth <= 0 {
		k.bandwidth = minBandwidthAbs
	}
	k.bandwidthSet = true
}

// Bandwidth returns the fitted bandwidth and whether it has been computed.
func (k *KernelDensity) Bandwidth() (float64, bool) {
	return k.bandwidth, k.bandwidthSet
}

// Pdf evaluates the weighted sum of Gaussian kernels at x, normalized by the
// total weight.
func (k *KernelDensity) Pdf(x float64) (float64, error) {
	if k.series.Len() == 0 {
		return 0, ErrEmptyKDE
	}
	if !k.bandwidthSet {
		return 0, ErrBandwidthNotComputed
	}
	wsum := k.series.WeightSum()
	if wsum == 0 {
		return 0, ErrEmptyKDE
	}
	values, weights := k.rawSamples()
	sum := 0.0
	for i, v := range values {
		if weights[i] == 0 {
			continue
		}
		kernel := distuv.Normal{Mu: v, Sigma: k.bandwidth}
		sum += weights[i] * kernel.Prob(x)
	}
	return sum / wsum, nil
}

// CDF evaluates the weighted sum of Gaussian kernel CDFs at x, normalized by
// the total weight.
func (k *KernelDensity) CDF(x float64) (float64, error) {
	if k.series.Len() == 0 {
		return 0, ErrEmptyKDE
	}
	if !k.bandwidthSet {
		return 0, ErrBandwidthNotComputed
	}
	wsum := k.series.WeightSum()
	if wsum == 0 {
		return 0, ErrEmptyKDE
	}
	values, weights := k.rawSamples()
	sum := 0.0
	for i, v := range values {
		if weights[i] == 0 {
			continue
		}
		kernel := distuv.Normal{Mu: v, Sigma: k.bandwidth}
		sum += weights[i] * kernel.CDF(x)
	}
	return sum / wsum, nil
}

// EnsembleCRPS computes the continuous ranked probability score of the
// weighted sample set against a scalar observation, using the standard
// pairwise-distance estimator:
//
//	CRPS = E|X - obs| - 0.5*E|X - X'|
//
// where X, X' are independent draws from the weighted empirical
// distribution. Bounded in [0, max|obs - x_i|].
func (k *KernelDensity) EnsembleCRPS(obs float64) (float64, error) {
	if k.series.Len() == 0 {
		return 0, ErrEmptyKDE
	}
	wsum := k.series.WeightSum()
	if wsum == 0 {
		return 0, ErrEmptyKDE
	}
	values, weights := k.rawSamples()
	n := len(values)

	term1 := 0.0
	for i := 0; i < n; i++ {
		term1 += weights[i] * math.Abs(values[i]-obs)
	}
	term1 /= wsum

	term2 := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			term2 += weights[i] * weights[j] * math.Abs(values[i]-values[j])
		}
	}
	term2 /= wsum * wsum

	crps := term1 - 0.5*term2
	if crps < 0 {
		crps = 0
	}
	return crps, nil
}
