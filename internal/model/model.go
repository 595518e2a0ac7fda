// Package model defines the ModelRunner contract the particle filter core
// uses to talk to an external hydrologic simulator. The simulator adapter
// (internal/simulator) and an in-memory deterministic mock are the two
// implementations used throughout the core and its tests.
package model

import (
	"context"

	"github.com/riverstage/daflow/internal/particle"
)

// Result is the outcome of a single particle's model run. Err == nil
// signals success; on failure State is nil and Output is NaN.
type Result struct {
	State  particle.StateVector
	Output float64
	Err    error
}

// Runner is the model-invocation contract: advance one particle's state by
// one step (or one forecast window) and report the scalar output used for
// weighting. Implementations must be safe for concurrent use by distinct
// indices and must not retain references to the input state vector.
type Runner interface {
	RunModel(ctx context.Context, index int, state particle.StateVector) Result
}
