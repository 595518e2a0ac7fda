// Package archive persists ensemble snapshots between assimilation steps so
// a run can recover its state after a restart and so the forecast engine can
// seed from any previously saved timestamp rather than only the most recent
// one.
package archive

import (
	"bufio"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/riverstage/daflow/internal/particle"
)

// ErrStateNotFound is returned by Read when no snapshot exists for the
// requested timestamp.
var ErrStateNotFound = errors.New("daflow: no archived state for requested timestamp")

// timeLayout is the on-disk filename format: a compact UTC date-time
// (yyyyMMddTHHmmssZ) keeps filenames sortable lexicographically and avoids
// platform-specific separators in timestamps.
const timeLayout = "20060102T150405Z"

// EvictFunc chooses the index (into a sorted-ascending list of archived
// timestamps) to evict when the archive exceeds its cap. The default,
// evictUniformRandom, matches the documented behavior: eviction is a coarse
// memory bound, not an LRU policy. A caller wanting oldest-timestamp-first
// eviction can swap in a func that always returns 0.
type EvictFunc func(rng *rand.Rand, timestamps []time.Time) int

// evictUniformRandom picks an index uniformly at random.
func evictUniformRandom(rng *rand.Rand, timestamps []time.Time) int {
	return rng.Intn(len(timestamps))
}

// Archive is a directory of one text file per archived ensemble snapshot,
// named by the fingerprint timestamp it represents.
type Archive struct {
	dir       string
	varNames  []string
	maxFiles  int
	evictFunc EvictFunc
	rng       *rand.Rand
}

// New returns an Archive rooted at dir, creating it if necessary. varNames
// labels the state vector's dimensions in the header row of every snapshot
// file; maxFiles is the cap enforced by Cap (0 disables capping).
func New(dir string, varNames []string, maxFiles int, rng *rand.Rand) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create directory: %w", err)
	}
	return &Archive{
		dir:       dir,
		varNames:  varNames,
		maxFiles:  maxFiles,
		evictFunc: evictUniformRandom,
		rng:       rng,
	}, nil
}

// SetEvictFunc overrides the eviction policy used by Cap.
func (a *Archive) SetEvictFunc(f EvictFunc) {
	a.evictFunc = f
}

func (a *Archive) path(t time.Time) string {
	return filepath.Join(a.dir, t.UTC().Format(timeLayout)+".txt")
}

// Write persists ensemble as the snapshot for t, replacing any existing
// snapshot for the same timestamp. The write is atomic: the snapshot is
// built in a temp file in the same directory, then renamed into place, so a
// concurrent reader or a crash mid-write never observes a partial file.
func (a *Archive) Write(t time.Time, ensemble particle.Ensemble) error {
	final := a.path(t)
	tmp, err := os.CreateTemp(a.dir, ".archive-*.tmp")
	if err != nil {
		return fmt.Errorf("archive: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	w := bufio.NewWriter(tmp)
	if err := writeSnapshot(w, a.varNames, ensemble); err != nil {
		tmp.Close()
		return fmt.Errorf("archive: write snapshot: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("archive: flush snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return fmt.Errorf("archive: rename into place: %w", err)
	}
	return nil
}

func writeSnapshot(w *bufio.Writer, varNames []string, ensemble particle.Ensemble) error {
	header := "Id\tWeight"
	for _, name := range varNames {
		header += "\t" + name
	}
	if _, err := fmt.Fprintln(w, header); err != nil {
		return err
	}
	for _, p := range ensemble {
		row := fmt.Sprintf("%s\t%s", p.ID, strconv.FormatFloat(p.Weight, 'g', -1, 64))
		for _, v := range p.State {
			row += "\t" + strconv.FormatFloat(v, 'g', -1, 64)
		}
		if _, err := fmt.Fprintln(w, row); err != nil {
			return err
		}
	}
	return nil
}

// Read loads the snapshot for t, returning ErrStateNotFound if none exists.
func (a *Archive) Read(t time.Time) (particle.Ensemble, error) {
	f, err := os.Open(a.path(t))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("archive: open snapshot: %w", err)
	}
	defer f.Close()
	return parseSnapshot(f)
}

func parseSnapshot(f *os.File) (particle.Ensemble, error) {
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return particle.Ensemble{}, nil
	}
	var ensemble particle.Ensemble
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 2 {
			continue
		}
		weight, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("archive: parse weight: %w", err)
		}
		state := make(particle.StateVector, len(fields)-2)
		for i, raw := range fields[2:] {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("archive: parse state value: %w", err)
			}
			state[i] = v
		}
		ensemble = append(ensemble, particle.New(fields[0], state, weight))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("archive: scan snapshot: %w", err)
	}
	return ensemble, nil
}

// timestamps returns every archived timestamp in ascending order.
func (a *Archive) timestamps() ([]time.Time, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("archive: list directory: %w", err)
	}
	var out []time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".txt")
		t, err := time.Parse(timeLayout, name)
		if err != nil {
			continue // not one of our snapshot files
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// NearestBefore returns the most recently archived timestamp strictly before
// t, or ErrStateNotFound if none exists.
func (a *Archive) NearestBefore(t time.Time) (time.Time, error) {
	timestamps, err := a.timestamps()
	if err != nil {
		return time.Time{}, err
	}
	var best time.Time
	found := false
	for _, candidate := range timestamps {
		if candidate.Before(t) && (!found || candidate.After(best)) {
			best = candidate
			found = true
		}
	}
	if !found {
		return time.Time{}, ErrStateNotFound
	}
	return best, nil
}

// Cap enforces the maxFiles bound: while the archive holds more than
// maxFiles snapshots, it evicts one per a.evictFunc (uniform-random by
// default) until it is back at the cap. maxFiles <= 0 disables capping.
func (a *Archive) Cap() error {
	if a.maxFiles <= 0 {
		return nil
	}
	for {
		timestamps, err := a.timestamps()
		if err != nil {
			return err
		}
		if len(timestamps) <= a.maxFiles {
			return nil
		}
		idx := a.evictFunc(a.rng, timestamps)
		if err := os.Remove(a.path(timestamps[idx])); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("archive: evict snapshot: %w", err)
		}
	}
}

// Synthesizer advances a state forward in time, used by Synthesize to
// reconstruct a missing base state from the nearest prior snapshot. The
// caller of Synthesize supplies the implementation; the driver and forecast
// engine in this tree do not implement it.
type Synthesizer interface {
	Advance(from time.Time, fromState particle.Ensemble, to time.Time) (particle.Ensemble, error)
}

// Synthesize returns the snapshot for t, reading it directly if archived, or
// else locating the nearest prior snapshot and forward-simulating to t via
// synth, caching the result before returning it.
func (a *Archive) Synthesize(t time.Time, synth Synthesizer) (particle.Ensemble, error) {
	ensemble, err := a.Read(t)
	if err == nil {
		return ensemble, nil
	}
	if !errors.Is(err, ErrStateNotFound) {
		return nil, err
	}

	base, err := a.NearestBefore(t)
	if err != nil {
		return nil, fmt.Errorf("archive: synthesize %s: %w", t, err)
	}
	baseState, err := a.Read(base)
	if err != nil {
		return nil, fmt.Errorf("archive: synthesize %s: read base state: %w", t, err)
	}
	advanced, err := synth.Advance(base, baseState, t)
	if err != nil {
		return nil, fmt.Errorf("archive: synthesize %s: %w", t, err)
	}
	if err := a.Write(t, advanced); err != nil {
		return nil, fmt.Errorf("archive: synthesize %s: cache result: %w", t, err)
	}
	return advanced, nil
}
