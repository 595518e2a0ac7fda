package archive

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/riverstage/daflow/internal/particle"
)

func testEnsemble() particle.Ensemble {
	return particle.Ensemble{
		particle.New("Particle 1", particle.StateVector{1.0, 2.0}, 0.5),
		particle.New("Particle 2", particle.StateVector{3.0, 4.0}, 0.5),
	}
}

// TestWriteReadRoundTrip exercises invariant 6: a written snapshot reads
// back with identical ids, weights, and state values.
func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, []string{"discharge", "evaporation"}, 0, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	want := testEnsemble()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := a.Write(ts, want); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := a.Read(ts)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Read() returned %d particles, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID {
			t.Errorf("particle %d id = %q, want %q", i, got[i].ID, want[i].ID)
		}
		if got[i].Weight != want[i].Weight {
			t.Errorf("particle %d weight = %v, want %v", i, got[i].Weight, want[i].Weight)
		}
		for d := range want[i].State {
			if got[i].State[d] != want[i].State[d] {
				t.Errorf("particle %d state[%d] = %v, want %v", i, d, got[i].State[d], want[i].State[d])
			}
		}
	}
}

func TestReadMissingReturnsStateNotFound(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, []string{"discharge"}, 0, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = a.Read(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrStateNotFound) {
		t.Errorf("Read() error = %v, want ErrStateNotFound", err)
	}
}

func TestNearestBefore(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, []string{"discharge"}, 0, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := a.Write(base.Add(time.Duration(i)*time.Hour), testEnsemble()); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	got, err := a.NearestBefore(base.Add(3 * time.Hour))
	if err != nil {
		t.Fatalf("NearestBefore() error = %v", err)
	}
	want := base.Add(2 * time.Hour)
	if !got.Equal(want) {
		t.Errorf("NearestBefore() = %v, want %v", got, want)
	}

	if _, err := a.NearestBefore(base); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("NearestBefore(earliest) error = %v, want ErrStateNotFound", err)
	}
}

// TestCapEvictsDownToLimit exercises S4: 60 snapshots written against a cap
// of 50 leaves exactly 50 on disk.
func TestCapEvictsDownToLimit(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, []string{"discharge"}, 50, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		if err := a.Write(ts, testEnsemble()); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
	}
	if err := a.Cap(); err != nil {
		t.Fatalf("Cap() error = %v", err)
	}
	timestamps, err := a.timestamps()
	if err != nil {
		t.Fatalf("timestamps() error = %v", err)
	}
	if len(timestamps) != 50 {
		t.Errorf("archive size after Cap() = %d, want 50", len(timestamps))
	}
}

func TestCapNoopBelowLimit(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, []string{"discharge"}, 50, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := a.Write(ts, testEnsemble()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := a.Cap(); err != nil {
		t.Fatalf("Cap() error = %v", err)
	}
	if _, err := a.Read(ts); err != nil {
		t.Errorf("snapshot evicted when below cap: Read() error = %v", err)
	}
}

type stubSynthesizer struct {
	advanced particle.Ensemble
	err      error
}

func (s stubSynthesizer) Advance(from time.Time, fromState particle.Ensemble, to time.Time) (particle.Ensemble, error) {
	return s.advanced, s.err
}

func TestSynthesizeFromNearestPrior(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, []string{"discharge"}, 0, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := a.Write(base, testEnsemble()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	want := particle.Ensemble{particle.New("Particle 1", particle.StateVector{9.0}, 1.0)}
	target := base.Add(2 * time.Hour)
	got, err := a.Synthesize(target, stubSynthesizer{advanced: want})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "Particle 1" {
		t.Errorf("Synthesize() = %+v, want %+v", got, want)
	}

	// Now the synthesized result should have been cached; reading it back
	// directly must not require the synthesizer again.
	cached, err := a.Read(target)
	if err != nil {
		t.Fatalf("Read(cached) error = %v", err)
	}
	if len(cached) != 1 || cached[0].ID != "Particle 1" {
		t.Errorf("Read(cached) = %+v, want cached synth result", cached)
	}
}

func TestSynthesizeNoPriorState(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, []string{"discharge"}, 0, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = a.Synthesize(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), stubSynthesizer{})
	if err == nil {
		t.Error("Synthesize() error = nil, want an error when no prior snapshot exists")
	}
}
