// Package mvkde implements a weighted multivariate kernel density: the
// sampling kernel used to generate additional seed particles and to perturb
// resampled particles in the particle filter update.
package mvkde

import (
	"errors"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	daflowstat "github.com/riverstage/daflow/internal/stat"
)

// ErrNoSamples is returned by bandwidth computation and sampling when no
// samples have been accumulated.
var ErrNoSamples = errors.New("daflow: multivariate kernel density has no samples")

// ErrBandwidthNotComputed is returned by SampleMultiple before a bandwidth
// has been fit.
var ErrBandwidthNotComputed = errors.New("daflow: multivariate kernel bandwidth not computed")

// Sample is a single weighted vector observation.
type Sample struct {
	Weight float64
	Values []float64
}

// MultiVarKernelDensity accumulates weighted vector samples and fits either
// a full-covariance or diagonal-covariance Gaussian bandwidth.
type MultiVarKernelDensity struct {
	samples []Sample

	full         *mat.Cholesky // Cholesky factor of the full bandwidth covariance
	fullCov      *mat.SymDense
	diag         []float64 // per-dimension bandwidth variance
	bandwidthSet bool
	isFull       bool
}

// New returns an empty multivariate kernel density.
func New() *MultiVarKernelDensity {
	return &MultiVarKernelDensity{}
}

// AddSample records a weighted vector observation.
func (m *MultiVarKernelDensity) AddSample(weight float64, values []float64) {
	cp := make([]float64, len(values))
	copy(cp, values)
	m.samples = append(m.samples, Sample{Weight: weight, Values: cp})
	m.bandwidthSet = false
}

// Samples returns the accumulated samples.
func (m *MultiVarKernelDensity) Samples() []Sample {
	return m.samples
}

// Len reports the number of accumulated samples.
func (m *MultiVarKernelDensity) Len() int {
	return len(m.samples)
}

// Dimension returns the dimension of the accumulated samples, or 0 if empty.
func (m *MultiVarKernelDensity) Dimension() int {
	if len(m.samples) == 0 {
		return 0
	}
	return len(m.samples[0].Values)
}

// silvermanScale returns the Silverman-style bandwidth scale factor for a
// d-dimensional Gaussian kernel fit over an effective sample size effN.
func silvermanScale(effN float64, d int) float64 {
	if effN <= 1 {
		effN = 1.0001
	}
	exp := 1.0 / float64(d+4)
	return math.Pow(4.0/float64(d+2), exp) * math.Pow(effN, -exp)
}

func (m *MultiVarKernelDensity) weightsAndMatrix() ([]float64, *mat.Dense, float64) {
	n := len(m.samples)
	d := m.Dimension()
	data := make([]float64, n*d)
	weights := make([]float64, n)
	for i, s := range m.samples {
		copy(data[i*d:(i+1)*d], s.Values)
		weights[i] = s.Weight
	}
	effN := daflowstat.New()
	for _, w := range weights {
		effN.Add(0, w)
	}
	return weights, mat.NewDense(n, d, data), effN.EffectiveSampleSize()
}

// ComputeGaussianBW fits a full-covariance Gaussian bandwidth via the
// weighted sample covariance matrix, scaled by Silverman's rule.
func (m *MultiVarKernelDensity) ComputeGaussianBW() error {
	if len(m.samples) == 0 {
		return ErrNoSamples
	}
	weights, data, effN := m.weightsAndMatrix()
	d := m.Dimension()

	cov := mat.NewSymDense(d, nil)
	stat.CovarianceMatrix(cov, data, weights)

	scale := silvermanScale(effN, d) * silvermanScale(effN, d)
	scaled := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			scaled.SetSym(i, j, cov.At(i, j)*scale)
		}
	}
	// Guard against a singular covariance (e.g. a single distinct sample)
	// by adding a small ridge before factorizing.
	var chol mat.Cholesky
	ok := chol.Factorize(scaled)
	if !ok {
		for i := 0; i < d; i++ {
			scaled.SetSym(i, i, scaled.At(i, i)+1e-9)
		}
		if ok = chol.Factorize(scaled); !ok {
			return errors.New("daflow: covariance matrix is not positive semi-definite even after ridge correction")
		}
	}

	m.fullCov = scaled
	m.full = &chol
	m.isFull = true
	m.bandwidthSet = true
	return nil
}

// ComputeGaussianDiagBW fits a diagonal-covariance Gaussian bandwidth using
// per-dimension weighted variance, scaled by Silverman's rule.
func (m *MultiVarKernelDensity) ComputeGaussianDiagBW() error {
	if len(m.samples) == 0 {
		return ErrNoSamples
	}
	d := m.Dimension()
	_, _, effN := m.weightsAndMatrix()
	scale := silvermanScale(effN, d) * silvermanScale(effN, d)

	diag := make([]float64, d)
	for dim := 0; dim < d; dim++ {
		series := daflowstat.New()
		for _, s := range m.samples {
			series.Add(s.Values[dim], s.Weight)
		}
		v := series.StdDev(false)
		if math.IsNaN(v) {
			v = 0
		}
		diag[dim] = v*v*scale
		if diag[dim] <= 0 {
			diag[dim] = 1e-9
		}
	}
	m.diag = diag
	m.isFull = false
	m.bandwidthSet = true
	return nil
}

// Bandwidth returns the fitted full covariance matrix (nil unless
// ComputeGaussianBW was used).
func (m *MultiVarKernelDensity) Bandwidth() *mat.SymDense {
	return m.fullCov
}

// DiagBandwidth returns the fitted per-dimension variances (nil unless
// ComputeGaussianDiagBW was used).
func (m *MultiVarKernelDensity) DiagBandwidth() []float64 {
	return m.diag
}

// SampleMultiple draws k vectors: an index is chosen via weighted sampling
// over the accumulated samples, then a zero-mean Gaussian perturbation is
// added using the fitted bandwidth (full bandwidth uses the Cholesky
// factor; diagonal uses independent per-dimension draws).
func (m *MultiVarKernelDensity) SampleMultiple(k int, rng *rand.Rand) ([]Sample, error) {
	if len(m.samples) == 0 {
		return nil, ErrNoSamples
	}
	if !m.bandwidthSet {
		return nil, ErrBandwidthNotComputed
	}

	weights := make([]float64, len(m.samples))
	for i, s := range m.samples {
		weights[i] = s.Weight
	}
	series := daflowstat.New()
	for i, s := range m.samples {
		series.Add(float64(i), s.Weight)
	}

	out := make([]Sample, 0, k)
	for i := 0; i < k; i++ {
		idx, err := series.SampleIndex(rng)
		if err != nil {
			return nil, err
		}
		center := m.samples[idx].Values
		perturb := m.drawPerturbation(rng)
		values := make([]float64, len(center))
		for d := range values {
			values[d] = center[d] + perturb[d]
		}
		out = append(out, Sample{Weight: 1.0, Values: values})
	}
	return out, nil
}

// DrawPerturbation draws a single zero-mean Gaussian vector from the fitted
// bandwidth (full covariance via Cholesky, or independent per-dimension for
// the diagonal case). Requires a bandwidth to have been computed.
func (m *MultiVarKernelDensity) DrawPerturbation(rng *rand.Rand) ([]float64, error) {
	if !m.bandwidthSet {
		return nil, ErrBandwidthNotComputed
	}
	return m.drawPerturbation(rng), nil
}

func (m *MultiVarKernelDensity) drawPerturbation(rng *rand.Rand) []float64 {
	d := m.Dimension()
	if m.isFull {
		return SampleGaussianCholesky(rng, m.full, d)
	}
	return SampleGaussianDiag(rng, m.diag)
}

// SampleGaussianCholesky draws a zero-mean multivariate Gaussian vector of
// dimension d from a covariance matrix's Cholesky factor: z ~ N(0, I),
// x = L*z.
func SampleGaussianCholesky(rng *rand.Rand, chol *mat.Cholesky, d int) []float64 {
	z := mat.NewVecDense(d, nil)
	for i := 0; i < d; i++ {
		z.SetVec(i, rng.NormFloat64())
	}
	var lower mat.TriDense
	chol.LTo(&lower)
	x := mat.NewVecDense(d, nil)
	x.MulVec(&lower, z)
	out := make([]float64, d)
	for i := 0; i < d; i++ {
		out[i] = x.AtVec(i)
	}
	return out
}

// SampleGaussianDiag draws a zero-mean multivariate Gaussian vector with
// independent per-dimension variances.
func SampleGaussianDiag(rng *rand.Rand, variances []float64) []float64 {
	out := make([]float64, len(variances))
	for i, v := range variances {
		if v < 0 {
			v = 0
		}
		out[i] = rng.NormFloat64() * math.Sqrt(v)
	}
	return out
}
