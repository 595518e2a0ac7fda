// Package assimilate implements the generic, model-agnostic particle-filter
// update: simulate, weight, optionally resample, optionally perturb.
package assimilate

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/riverstage/daflow/internal/likelihood"
	"github.com/riverstage/daflow/internal/model"
	"github.com/riverstage/daflow/internal/mvkde"
	"github.com/riverstage/daflow/internal/particle"
	"github.com/riverstage/daflow/internal/stat"
)

// IDPrefix is the id prefix every staged (post-simulate) particle carries:
// "Particle 1", "Particle 2", and so on. The assimilation driver depends on
// this convention to re-associate per-particle model outputs with the
// posterior ensemble for reporting.
const IDPrefix = "Particle"

// ResampleSuffix separates a replica's original id from its replica ordinal,
// e.g. "Particle 3 - resample 1".
const ResampleSuffix = " - resample "

// Options configures one particle-filter step.
type Options struct {
	// EnsembleSize is the desired output ensemble size N'.
	EnsembleSize int
	// Resample enables step 4 (weighted resampling with replacement).
	// When false, the update instead returns a uniform random subset of
	// the staged particles, preserving their weights.
	Resample bool
	// Perturb enables step 5b (kernel perturbation of resampled
	// replicas). Only meaningful when Resample is true.
	Perturb bool
	// FClassKernels selects a full-covariance (true) or diagonal (false)
	// bandwidth for the perturbation kernel.
	FClassKernels bool
}

// StepResult is the outcome of one particle-filter update.
type StepResult struct {
	// Ensemble is the posterior ensemble.
	Ensemble particle.Ensemble
	// Outputs maps each staged (pre-resample) particle id to its raw
	// model output, for particles whose simulation succeeded. Keyed by
	// the "Particle i" convention so callers can re-associate a
	// replica's id prefix back to the scalar output it was weighted by.
	Outputs map[string]float64
	// Degenerate reports whether every particle's simulation failed this
	// step, triggering the uniform-weight fallback.
	Degenerate bool
}

// Update runs one sequential Monte-Carlo step over sourceState, invoking
// runner once per source particle, weighting by obs, and optionally
// resampling and perturbing per opts.
func Update(ctx context.Context, runner model.Runner, sourceState particle.Ensemble,
	obs *likelihood.Normal, opts Options, rng *rand.Rand) (StepResult, error) {

	staged, outputs, weightSum := simulate(ctx, runner, sourceState, obs)

	degenerate := weightSum == 0
	if degenerate {
		for i := range staged {
			staged[i].Weight = 1.0
		}
	}

	if !opts.Resample {
		ensemble := noResampleSubset(staged, opts.EnsembleSize, rng)
		return StepResult{Ensemble: ensemble, Outputs: outputs, Degenerate: degenerate}, nil
	}

	counts, order, err := drawResampleCounts(staged, opts.EnsembleSize, rng)
	if err != nil {
		return StepResult{}, fmt.Errorf("assimilate: resampling failed: %w", err)
	}

	var ensemble particle.Ensemble
	if !opts.Perturb {
		ensemble = emitUnperturbed(staged, order, counts)
	} else {
		ensemble, err = emitPerturbed(staged, order, counts, opts.FClassKernels, rng)
		if err != nil {
			return StepResult{}, fmt.Errorf("assimilate: perturbation failed: %w", err)
		}
	}

	return StepResult{Ensemble: ensemble, Outputs: outputs, Degenerate: degenerate}, nil
}

// simulate runs the model for every source particle and builds the staged
// (pre-resample) ensemble plus the weight sum used for the degenerate check.
func simulate(ctx context.Context, runner model.Runner, sourceState particle.Ensemble,
	obs *likelihood.Normal) (particle.Ensemble, map[string]float64, float64) {

	staged := make(particle.Ensemble, len(sourceState))
	outputs := make(map[string]float64, len(sourceState))
	weightSum := 0.0

	for i, p := range sourceState {
		id := fmt.Sprintf("%s %d", IDPrefix, i+1)
		result := runner.RunModel(ctx, i+1, p.State)

		var weight float64
		state := p.State
		if result.Err == nil {
			weight = obs.Pdf(result.Output)
			weightSum += weight
			outputs[id] = result.Output
			if result.State != nil {
				state = result.State
			}
		}
		staged[i] = particle.New(id, state, weight)
	}
	return staged, outputs, weightSum
}

// noResampleSubset draws a uniform random subset without replacement of
// size min(len(staged), size), returning the members in their original
// index order with weights preserved.
func noResampleSubset(staged particle.Ensemble, size int, rng *rand.Rand) particle.Ensemble {
	if size > len(staged) {
		size = len(staged)
	}
	indices := make([]int, len(staged))
	for i := range indices {
		indices[i] = i
	}
	rng.Shuffle(len(indices), func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
	chosen := append([]int(nil), indices[:size]...)
	sort.Ints(chosen)

	out := make(particle.Ensemble, len(chosen))
	for i, idx := range chosen {
		out[i] = staged[idx]
	}
	return out
}

// drawResampleCounts draws `size` indices with replacement from the staged
// weight distribution, returning the per-index replica count and the
// ascending index order in which they should be emitted (for deterministic
// output given a deterministic rng).
func drawResampleCounts(staged particle.Ensemble, size int, rng *rand.Rand) (counts map[int]int, order []int, err error) {
	series := stat.New()
	for i, p := range staged {
		series.Add(float64(i), p.Weight)
	}

	counts = make(map[int]int)
	for s := 0; s < size; s++ {
		idx, sampleErr := series.SampleIndex(rng)
		if sampleErr != nil {
			return nil, nil, sampleErr
		}
		counts[idx]++
	}

	order = make([]int, 0, len(counts))
	for idx := range counts {
		order = append(order, idx)
	}
	sort.Ints(order)
	return counts, order, nil
}

// emitUnperturbed produces one particle per original index per its draw
// count, all with weight 1.0, with replica ids suffixed by ordinal.
func emitUnperturbed(staged particle.Ensemble, order []int, counts map[int]int) particle.Ensemble {
	out := make(particle.Ensemble, 0, len(order))
	for _, idx := range order {
		original := staged[idx]
		count := counts[idx]
		for r := 0; r < count; r++ {
			id := original.ID
			if r > 0 {
				id = fmt.Sprintf("%s%s%d", original.ID, ResampleSuffix, r)
			}
			out = append(out, particle.New(id, original.State, 1.0))
		}
	}
	return out
}

// emitPerturbed fits a kernel over the non-zero-weight staged particles and
// emits one unperturbed center plus count-1 perturbed replicas per drawn
// index.
func emitPerturbed(staged particle.Ensemble, order []int, counts map[int]int, fClassKernels bool,
	rng *rand.Rand) (particle.Ensemble, error) {

	dist := mvkde.New()
	for _, p := range staged {
		if p.Weight > 0 {
			dist.AddSample(p.Weight, []float64(p.State))
		}
	}
	if dist.Len() == 0 {
		return nil, fmt.Errorf("no positive-weight particles to fit perturbation kernel")
	}

	var err error
	if fClassKernels {
		err = dist.ComputeGaussianBW()
	} else {
		err = dist.ComputeGaussianDiagBW()
	}
	if err != nil {
		return nil, err
	}

	out := make(particle.Ensemble, 0, len(order))
	for _, idx := range order {
		original := staged[idx]
		count := counts[idx]
		center := original.State
		out = append(out, particle.New(original.ID, center, 1.0))
		for r := 0; r < count-1; r++ {
			perturb, perr := dist.DrawPerturbation(rng)
			if perr != nil {
				return nil, perr
			}
			values := make(particle.StateVector, len(center))
			for d := range values {
				values[d] = center[d] + perturb[d]
			}
			id := fmt.Sprintf("%s%s%d", original.ID, ResampleSuffix, r+1)
			out = append(out, particle.New(id, values, 1.0))
		}
	}
	return out, nil
}
