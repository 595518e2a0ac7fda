package driver

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/riverstage/daflow/internal/model"
	"github.com/riverstage/daflow/internal/particle"
)

type noopScratch struct{}

func (noopScratch) SetTime(t time.Time) {}

func identityRunner() *model.Mock {
	return model.NewMock(func(index int, state particle.StateVector) (particle.StateVector, float64, error) {
		return state, state[0], nil
	})
}

// divergentRunner returns a next state whose first component differs from
// the scalar discharge output, the way the real simulator adapter does
// (next state is {Evaporation, SM1, SM2, SM3}; discharge never appears in
// it). Used to catch reporting code that mistakenly reads State[0] as
// streamflow instead of the model's reported Output.
func divergentRunner(output float64) *model.Mock {
	return model.NewMock(func(index int, state particle.StateVector) (particle.StateVector, float64, error) {
		return particle.StateVector{state[0] + 1000}, output, nil
	})
}

func seedEnsemble(n int) particle.Ensemble {
	e := make(particle.Ensemble, n)
	for i := range e {
		e[i] = particle.New("Root", particle.StateVector{10.0}, 1.0)
	}
	return e
}

func TestSeedUsesSuppliedStatesFirst(t *testing.T) {
	initial := []particle.StateVector{{1.0}, {2.0}, {3.0}}
	ensemble, err := Seed(initial, 3, false, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if len(ensemble) != 3 {
		t.Fatalf("Seed() returned %d particles, want 3", len(ensemble))
	}
	wantIDs := []string{"Root 1", "Root 2", "Root 3"}
	for i, p := range ensemble {
		if p.ID != wantIDs[i] {
			t.Errorf("ensemble[%d].ID = %q, want %q", i, p.ID, wantIDs[i])
		}
		if p.State[0] != initial[i][0] {
			t.Errorf("ensemble[%d].State = %v, want %v", i, p.State, initial[i])
		}
	}
}

func TestSeedGeneratesRemainder(t *testing.T) {
	initial := []particle.StateVector{{1.0}, {2.0}, {3.0}}
	ensemble, err := Seed(initial, 6, false, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if len(ensemble) != 6 {
		t.Fatalf("Seed() returned %d particles, want 6", len(ensemble))
	}
	rootCount, generatedCount := 0, 0
	for _, p := range ensemble {
		switch {
		case len(p.ID) >= 4 && p.ID[:4] == "Root":
			rootCount++
		case len(p.ID) >= 9 && p.ID[:9] == "Generated":
			generatedCount++
		}
	}
	if rootCount != 3 || generatedCount != 3 {
		t.Errorf("rootCount=%d generatedCount=%d, want 3 and 3", rootCount, generatedCount)
	}
}

// TestRunAdvancesAndPersists exercises a short DA run end-to-end: every
// configured step produces a streamflow row. No archive is wired in, so
// snapshots are not checked here.
func TestRunAdvancesAndPersists(t *testing.T) {
	dir := t.TempDir()
	streamflowPath := filepath.Join(dir, "Streamflow.txt")

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	step := time.Hour
	observations := map[time.Time]float64{
		start.Add(step).UTC():   10.0,
		start.Add(2 * step).UTC(): 11.0,
		start.Add(3 * step).UTC(): 9.0,
	}

	d := New(identityRunner(), noopScratch{}, nil, streamflowPath, rand.New(rand.NewSource(1)), nil)
	opts := Options{
		Start: start, End: start.Add(3 * step),
		ModelStep: step, DAStep: step,
		EnsembleSize: 5, Resample: true, Perturb: false,
		ObsError: 1.0, AbsoluteError: true,
		MaxDARetries: 1,
		ModelsDir:    filepath.Join(dir, "models"),
	}
	if err := d.Run(context.Background(), seedEnsemble(5), observations, opts); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	contents, err := os.ReadFile(streamflowPath)
	if err != nil {
		t.Fatalf("ReadFile(Streamflow.txt) error = %v", err)
	}
	lines := splitLines(string(contents))
	if len(lines) != 4 { // header + 3 steps
		t.Fatalf("Streamflow.txt has %d lines, want 4 (header + 3 steps)", len(lines))
	}
}

// TestRunReportsModelOutputNotPosteriorState guards against reporting the
// posterior state vector's first component as streamflow: the real
// simulator adapter's next state never contains discharge, only the
// model's Output does, so Streamflow.txt's mean must track Output.
func TestRunReportsModelOutputNotPosteriorState(t *testing.T) {
	dir := t.TempDir()
	streamflowPath := filepath.Join(dir, "Streamflow.txt")
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	step := time.Hour

	const wantDischarge = 999.0
	observations := map[time.Time]float64{start.Add(step).UTC(): wantDischarge}

	d := New(divergentRunner(wantDischarge), noopScratch{}, nil, streamflowPath, rand.New(rand.NewSource(1)), nil)
	opts := Options{
		Start: start, End: start.Add(step),
		ModelStep: step, DAStep: step,
		EnsembleSize: 1, Resample: false,
		ObsError: 1.0, AbsoluteError: true,
		MaxDARetries: 0,
		ModelsDir:    filepath.Join(dir, "models"),
	}
	initial := particle.Ensemble{particle.New("Root", particle.StateVector{10.0}, 1.0)}
	if err := d.Run(context.Background(), initial, observations, opts); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	contents, err := os.ReadFile(streamflowPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := splitLines(string(contents))
	if len(lines) != 2 {
		t.Fatalf("Streamflow.txt has %d lines, want 2 (header + 1 step)", len(lines))
	}
	fields := splitTab(lines[1])
	if len(fields) != 4 {
		t.Fatalf("data row has %d fields, want 4", len(fields))
	}
	mean, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		t.Fatalf("parse mean field %q: %v", fields[2], err)
	}
	if math.Abs(mean-wantDischarge) > 1e-9 {
		t.Errorf("Mean streamflow = %v, want %v (the model's Output, not the posterior State[0])", mean, wantDischarge)
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// TestResumeFromLastStreamflowLine exercises S6: a driver restarted against
// an existing report resumes one step after the last recorded timestamp
// rather than re-running from the original start.
func TestResumeFromLastStreamflowLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Streamflow.txt")
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	step := time.Hour

	content := "Date time\tObserved\tMean streamflow\tSt. dev.\n"
	for i := 1; i <= 5; i++ {
		ts := start.Add(time.Duration(i) * step)
		content += ts.Format(time.RFC3339) + "\t10\t10\t0\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	resumeAt, err := Resume(path, start, step)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	want := start.Add(6 * step)
	if !resumeAt.Equal(want) {
		t.Errorf("Resume() = %v, want %v (step 6)", resumeAt, want)
	}
}

func TestResumeNoExistingReportStartsFromFallback(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	resumeAt, err := Resume(filepath.Join(t.TempDir(), "Streamflow.txt"), start, time.Hour)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if !resumeAt.Equal(start) {
		t.Errorf("Resume() = %v, want fallback %v", resumeAt, start)
	}
}

func TestRunRecordsNullRowOnMissingObservation(t *testing.T) {
	dir := t.TempDir()
	streamflowPath := filepath.Join(dir, "Streamflow.txt")
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	step := time.Hour

	d := New(identityRunner(), noopScratch{}, nil, streamflowPath, rand.New(rand.NewSource(1)), nil)
	opts := Options{
		Start: start, End: start.Add(step),
		ModelStep: step, DAStep: step,
		EnsembleSize: 3, Resample: true,
		ObsError: 1.0, AbsoluteError: true,
		MaxDARetries: 0,
		ModelsDir:    filepath.Join(dir, "models"),
	}
	if err := d.Run(context.Background(), seedEnsemble(3), map[time.Time]float64{}, opts); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	contents, err := os.ReadFile(streamflowPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := splitLines(string(contents))
	if len(lines) != 2 {
		t.Fatalf("Streamflow.txt has %d lines, want 2 (header + null row)", len(lines))
	}
}
