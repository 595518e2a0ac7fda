// Package particle defines the state vector and particle types shared by
// the assimilation and forecast engines.
package particle

import (
	"errors"
	"math"
)

// ErrInvalidWeights names the condition in which no candidate weight is
// usable. No function in this package returns it; the weighted sampler in
// internal/stat returns its own stat.ErrInvalidWeights.
var ErrInvalidWeights = errors.New("daflow: all weights are zero or non-finite")

// StateVector is an ordered sequence of real numbers. Its dimension is fixed
// for the lifetime of one assimilation run; the indices are opaque to the
// core and are only interpreted by the external configurator.
type StateVector []float64

// Clone returns a copy of the vector so callers can mutate it without
// aliasing the original.
func (s StateVector) Clone() StateVector {
	out := make(StateVector, len(s))
	copy(out, s)
	return out
}

// Particle is a single ensemble member: an id, a state vector, and a
// non-negative weight. A weight of exactly zero means the particle's
// simulation failed; it is kept for accounting but excluded from kernel
// fitting.
type Particle struct {
	ID     string
	State  StateVector
	Weight float64
}

// New constructs a Particle, copying the supplied state so the particle does
// not alias the caller's slice.
func New(id string, state StateVector, weight float64) Particle {
	return Particle{ID: id, State: state.Clone(), Weight: weight}
}

// Valid reports whether the particle's weight satisfies the ensemble
// invariant: finite and non-negative.
func (p Particle) Valid() bool {
	return !math.IsNaN(p.Weight) && !math.IsInf(p.Weight, 0) && p.Weight >= 0
}

// Ensemble is an ordered collection of particles of a fixed size. All member
// states must share the same dimension.
type Ensemble []Particle

// Dimension returns the state dimension shared by every particle, or 0 for
// an empty ensemble.
func (e Ensemble) Dimension() int {
	if len(e) == 0 {
		return 0
	}
	return len(e[0].State)
}

// Weights returns the per-particle weights in ensemble order.
func (e Ensemble) Weights() []float64 {
	w := make([]float64, len(e))
	for i, p := range e {
		w[i] = p.Weight
	}
	return w
}

// HasPositiveWeight reports whether at least one particle carries weight > 0.
func (e Ensemble) HasPositiveWeight() bool {
	for _, p := range e {
		if p.Weight > 0 {
			return true
		}
	}
	return false
}

// Clone deep-copies the ensemble so the result can be published to the
// archive without aliasing the live ensemble.
func (e Ensemble) Clone() Ensemble {
	out := make(Ensemble, len(e))
	for i, p := range e {
		out[i] = New(p.ID, p.State, p.Weight)
	}
	return out
}
