// Package simulator implements the external-process model-invocation
// contract: spawn the hydrologic simulator as a child process per particle,
// in its own scratch directory, and parse its tabular output back into
// StateVectors.
package simulator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/riverstage/daflow/internal/model"
	"github.com/riverstage/daflow/internal/particle"
)

const (
	streamFlowFile       = "output/Stream.Flow"
	aggregatedValuesFile = "output/Aggregated.Values"

	// 1-indexed column positions (including the leading timestamp column).
	streamFlowDischargeColumn   = 5
	aggregatedEvaporationColumn = 9
	aggregatedSM1Column         = 31
	aggregatedSM2Column         = 32
	aggregatedSM3Column         = 33

	cubicMetersPerHourToLitersPerSecond = 3.6
)

// InputWriter materializes a particle's per-run input/config/state files
// into dir ahead of a simulator invocation and returns the path (relative to
// dir or absolute) the simulator binary expects as its config argument. The
// state-to-file mapping is entirely configurator-defined; the adapter never
// interprets StateVector indices itself.
type InputWriter func(dir string, index int, state particle.StateVector) (configFile string, err error)

// WindowSample is one parsed output row at a single timestamp, used by the
// forecast engine to add weighted samples to the per-variable kernel
// densities across a lead-time window.
type WindowSample struct {
	Timestamp    time.Time
	Discharge    float64 // L/s
	Evaporation  float64
	SoilMoisture [3]float64
}

// Adapter implements model.Runner by spawning the external simulator binary
// once per call, in a fresh scratch directory.
type Adapter struct {
	exePath       string
	modelsRoot    string
	timeout       time.Duration
	removeScratch bool
	writeInputs   InputWriter
	logger        *zap.SugaredLogger

	mu          sync.Mutex
	currentTime time.Time
	orphans     map[string]struct{}
}

// New returns an Adapter. exePath is the simulator binary; modelsRoot is the
// parent directory under which per-(timestamp, index) scratch directories
// are created; timeout bounds a single run's wall-clock time; removeScratch
// deletes the scratch directory after a successful parse.
func New(exePath, modelsRoot string, timeout time.Duration, removeScratch bool, writeInputs InputWriter, logger *zap.SugaredLogger) *Adapter {
	return &Adapter{
		exePath:       exePath,
		modelsRoot:    modelsRoot,
		timeout:       timeout,
		removeScratch: removeScratch,
		writeInputs:   writeInputs,
		logger:        logger,
		orphans:       make(map[string]struct{}),
	}
}

// SetTime anchors subsequent scratch directories to t. The driver calls this
// once per DA step and internal/app once per forecast lead time, before any
// RunModel/RunWindow calls for that step.
func (a *Adapter) SetTime(t time.Time) {
	a.mu.Lock()
	a.currentTime = t
	a.mu.Unlock()
}

func (a *Adapter) scratchDir(index int) string {
	a.mu.Lock()
	t := a.currentTime
	a.mu.Unlock()

	base := filepath.Join(a.modelsRoot, t.UTC().Format("20060102T150405Z"), strconv.Itoa(index))
	if _, err := os.Stat(base); err == nil {
		// A scratch directory from a prior crashed run still occupies this
		// slot; disambiguate rather than clobber it, and remember it so the
		// caller can retry cleaning it up later.
		a.mu.Lock()
		a.orphans[base] = struct{}{}
		a.mu.Unlock()
		return base + "-" + uuid.NewString()
	}
	return base
}

// Orphans returns the scratch directories observed to already exist when a
// new run needed the same slot, so a caller can retry removing them.
func (a *Adapter) Orphans() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.orphans))
	for dir := range a.orphans {
		out = append(out, dir)
	}
	return out
}

// RetryOrphanCleanup attempts to remove every previously observed orphan
// scratch directory, dropping it from the retry set only on success.
func (a *Adapter) RetryOrphanCleanup() {
	a.mu.Lock()
	dirs := make([]string, 0, len(a.orphans))
	for dir := range a.orphans {
		dirs = append(dirs, dir)
	}
	a.mu.Unlock()

	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			if a.logger != nil {
				a.logger.Warnw("failed to clean up orphan scratch directory", "dir", dir, "error", err)
			}
			continue
		}
		a.mu.Lock()
		delete(a.orphans, dir)
		a.mu.Unlock()
	}
}

// RunModel implements model.Runner: it runs the simulator for one step and
// reports the most recent timestamp's discharge as the weighting output and
// the final soil-moisture/evaporation readings as the next state.
func (a *Adapter) RunModel(ctx context.Context, index int, state particle.StateVector) model.Result {
	samples, nextState, err := a.run(ctx, index, state, nil)
	if err != nil {
		return model.Result{Output: math.NaN(), Err: err}
	}
	if len(samples) == 0 {
		return model.Result{Output: math.NaN(), Err: fmt.Errorf("simulator: particle %d produced no output rows", index)}
	}
	last := samples[len(samples)-1]
	return model.Result{State: nextState, Output: last.Discharge}
}

// RunWindow runs the simulator across a full forecast window and returns one
// WindowSample per requested timestamp that the simulator actually produced
// output for. When the process exits cleanly, parsing stops at the first
// timestamp missing from either output table rather than erroring, so output
// that ends early yields only the prefix it covers. A process that times out
// or exits with an error returns that error and no samples; its partial
// output tables are not parsed.
func (a *Adapter) RunWindow(ctx context.Context, index int, state particle.StateVector, timestamps []time.Time) ([]WindowSample, particle.StateVector, error) {
	return a.run(ctx, index, state, timestamps)
}

func (a *Adapter) run(ctx context.Context, index int, state particle.StateVector, timestamps []time.Time) ([]WindowSample, particle.StateVector, error) {
	dir := a.scratchDir(index)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("simulator: create scratch dir: %w", err)
	}
	if a.removeScratch {
		defer os.RemoveAll(dir)
	}

	configFile, err := a.writeInputs(dir, index, state)
	if err != nil {
		return nil, nil, fmt.Errorf("simulator: write inputs: %w", err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if a.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	if err := a.spawn(runCtx, dir, configFile, index); err != nil {
		return nil, nil, err
	}

	samples, err := parseOutputTables(dir, timestamps)
	if err != nil {
		return nil, nil, fmt.Errorf("simulator: parse output: %w", err)
	}
	if len(samples) == 0 {
		return samples, nil, nil
	}
	nextState := stateFromSample(samples[len(samples)-1])
	return samples, nextState, nil
}

func (a *Adapter) spawn(ctx context.Context, dir, configFile string, index int) error {
	cmd := exec.CommandContext(ctx, a.exePath, configFile)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("simulator: attach stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("simulator: start process: %w", err)
	}

	// Drain stdout to EOF rather than busy-waiting on partial reads; an
	// exceeded context cancels cmd via CommandContext, which kills the
	// process and unblocks this read.
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if a.logger != nil {
			a.logger.Debugw("simulator output", "index", index, "line", scanner.Text())
		}
	}
	readErr := scanner.Err()
	if readErr != nil && readErr != io.EOF {
		if a.logger != nil {
			a.logger.Warnw("simulator stdout read error", "index", index, "error", readErr)
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return fmt.Errorf("simulator: particle %d timed out: %w", index, ctx.Err())
	}
	if waitErr != nil {
		return fmt.Errorf("simulator: particle %d process failed: %w", index, waitErr)
	}
	return nil
}

func stateFromSample(s WindowSample) particle.StateVector {
	return particle.StateVector{s.Evaporation, s.SoilMoisture[0], s.SoilMoisture[1], s.SoilMoisture[2]}
}

// parseOutputTables reads Stream.Flow and Aggregated.Values from dir and
// merges them by timestamp into WindowSamples. If timestamps is non-empty,
// only matching rows are kept, in the given order, stopping at the first
// timestamp missing from either table.
func parseOutputTables(dir string, timestamps []time.Time) ([]WindowSample, error) {
	discharge, err := parseStreamFlow(filepath.Join(dir, streamFlowFile))
	if err != nil {
		return nil, fmt.Errorf("stream flow table: %w", err)
	}
	aggregated, err := parseAggregatedValues(filepath.Join(dir, aggregatedValuesFile))
	if err != nil {
		return nil, fmt.Errorf("aggregated values table: %w", err)
	}

	order := timestamps
	if len(order) == 0 {
		order = sortedKeys(discharge)
	}

	out := make([]WindowSample, 0, len(order))
	for _, ts := range order {
		d, ok := discharge[ts.UTC()]
		if !ok {
			break
		}
		agg, ok := aggregated[ts.UTC()]
		if !ok {
			break
		}
		out = append(out, WindowSample{
			Timestamp:    ts,
			Discharge:    d,
			Evaporation:  agg.evaporation,
			SoilMoisture: agg.soilMoisture,
		})
	}
	return out, nil
}

func sortedKeys(m map[time.Time]float64) []time.Time {
	out := make([]time.Time, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Before(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func parseStreamFlow(path string) (map[time.Time]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[time.Time]float64{}, nil
		}
		return nil, err
	}
	defer f.Close()

	out := make(map[time.Time]float64)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < streamFlowDischargeColumn {
			continue
		}
		t, err := time.Parse("01.02.2006-15:04:05", fields[0])
		if err != nil {
			continue // header or malformed row
		}
		v, err := strconv.ParseFloat(fields[streamFlowDischargeColumn-1], 64)
		if err != nil {
			continue
		}
		out[t.UTC()] = v / cubicMetersPerHourToLitersPerSecond
	}
	return out, scanner.Err()
}

type aggregatedRow struct {
	evaporation  float64
	soilMoisture [3]float64
}

func parseAggregatedValues(path string) (map[time.Time]aggregatedRow, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[time.Time]aggregatedRow{}, nil
		}
		return nil, err
	}
	defer f.Close()

	out := make(map[time.Time]aggregatedRow)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < aggregatedSM3Column {
			continue
		}
		t, err := time.Parse("01/02/2006-15:04:05", fields[0])
		if err != nil {
			continue
		}
		evap, err := strconv.ParseFloat(fields[aggregatedEvaporationColumn-1], 64)
		if err != nil {
			continue
		}
		sm1, err1 := strconv.ParseFloat(fields[aggregatedSM1Column-1], 64)
		sm2, err2 := strconv.ParseFloat(fields[aggregatedSM2Column-1], 64)
		sm3, err3 := strconv.ParseFloat(fields[aggregatedSM3Column-1], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		out[t.UTC()] = aggregatedRow{evaporation: evap, soilMoisture: [3]float64{sm1, sm2, sm3}}
	}
	return out, scanner.Err()
}
