// Package likelihood implements the observation error model used to weight
// particles against the latest streamflow observation.
package likelihood

import (
	"errors"

	"gonum.org/v1/gonum/stat/distuv"
)

// ErrNonPositiveStdDev is returned by NewNormal when the requested standard
// deviation is not strictly positive.
var ErrNonPositiveStdDev = errors.New("daflow: observation standard deviation must be > 0")

// Normal is a univariate Gaussian observation-error model: mean equals the
// observed streamflow and standard deviation is configured either as an
// absolute value or as a fraction of the observed value.
type Normal struct {
	dist distuv.Normal
}

// NewNormal constructs a Normal observation distribution. Fails if stdDev is
// not strictly positive (e.g. a zero observed value in relative-error mode).
func NewNormal(mean, stdDev float64) (*Normal, error) {
	if stdDev <= 0 {
		return nil, ErrNonPositiveStdDev
	}
	return &Normal{dist: distuv.Normal{Mu: mean, Sigma: stdDev}}, nil
}

// Pdf evaluates the Gaussian density at x.
func (n *Normal) Pdf(x float64) float64 {
	return n.dist.Prob(x)
}

// CDF evaluates the Gaussian cumulative distribution at x.
func (n *Normal) CDF(x float64) float64 {
	return n.dist.CDF(x)
}

// Mean returns the distribution mean (the observed value).
func (n *Normal) Mean() float64 {
	return n.dist.Mu
}

// StdDev returns the distribution standard deviation.
func (n *Normal) StdDev() float64 {
	return n.dist.Sigma
}
