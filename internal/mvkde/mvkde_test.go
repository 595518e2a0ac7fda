package mvkde

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func samplesFor(t *testing.T) *MultiVarKernelDensity {
	t.Helper()
	m := New()
	m.AddSample(1.0, []float64{1, 10})
	m.AddSample(1.0, []float64{2, 20})
	m.AddSample(1.0, []float64{3, 30})
	m.AddSample(1.0, []float64{4, 40})
	return m
}

func TestComputeGaussianBWFull(t *testing.T) {
	m := samplesFor(t)
	if err := m.ComputeGaussianBW(); err != nil {
		t.Fatalf("ComputeGaussianBW() error = %v", err)
	}
	if m.Bandwidth() == nil {
		t.Fatal("Bandwidth() = nil after ComputeGaussianBW")
	}
}

func TestComputeGaussianDiagBW(t *testing.T) {
	m := samplesFor(t)
	if err := m.ComputeGaussianDiagBW(); err != nil {
		t.Fatalf("ComputeGaussianDiagBW() error = %v", err)
	}
	diag := m.DiagBandwidth()
	if len(diag) != 2 {
		t.Fatalf("DiagBandwidth() len = %d, want 2", len(diag))
	}
	for i, v := range diag {
		if v <= 0 {
			t.Errorf("DiagBandwidth()[%d] = %v, want > 0", i, v)
		}
	}
}

func TestSampleMultipleRequiresBandwidth(t *testing.T) {
	m := samplesFor(t)
	rng := rand.New(rand.NewSource(1))
	if _, err := m.SampleMultiple(5, rng); !errors.Is(err, ErrBandwidthNotComputed) {
		t.Errorf("SampleMultiple() error = %v, want ErrBandwidthNotComputed", err)
	}
}

func TestSampleMultipleCountAndDimension(t *testing.T) {
	m := samplesFor(t)
	if err := m.ComputeGaussianDiagBW(); err != nil {
		t.Fatalf("ComputeGaussianDiagBW() error = %v", err)
	}
	rng := rand.New(rand.NewSource(7))
	draws, err := m.SampleMultiple(10, rng)
	if err != nil {
		t.Fatalf("SampleMultiple() error = %v", err)
	}
	if len(draws) != 10 {
		t.Fatalf("SampleMultiple() returned %d draws, want 10", len(draws))
	}
	for _, s := range draws {
		if len(s.Values) != 2 {
			t.Errorf("draw dimension = %d, want 2", len(s.Values))
		}
		if s.Weight != 1.0 {
			t.Errorf("draw weight = %v, want 1.0", s.Weight)
		}
	}
}

func TestSampleGaussianDiagZeroVariance(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	out := SampleGaussianDiag(rng, []float64{0, 0})
	for _, v := range out {
		if v != 0 {
			t.Errorf("SampleGaussianDiag with zero variance = %v, want 0", v)
		}
	}
}

func TestEmptyNoSamples(t *testing.T) {
	m := New()
	if err := m.ComputeGaussianBW(); !errors.Is(err, ErrNoSamples) {
		t.Errorf("ComputeGaussianBW() on empty = %v, want ErrNoSamples", err)
	}
}

func TestSilvermanScaleShrinksWithMoreSamples(t *testing.T) {
	s1 := silvermanScale(4, 2)
	s2 := silvermanScale(40, 2)
	if !(s2 < s1) {
		t.Errorf("silvermanScale(40,2)=%v should be smaller than silvermanScale(4,2)=%v", s2, s1)
	}
	if math.IsNaN(s1) || math.IsNaN(s2) {
		t.Fatal("silvermanScale returned NaN")
	}
}
