// Package app wires configuration, the simulator adapter, the assimilation
// driver, and the forecast engine into a single runnable assimilation job.
package app

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/riverstage/daflow/internal/archive"
	"github.com/riverstage/daflow/internal/driver"
	"github.com/riverstage/daflow/internal/forecast"
	"github.com/riverstage/daflow/internal/particle"
	"github.com/riverstage/daflow/internal/simulator"
	"github.com/riverstage/daflow/pkg/config"
)

// App wires one assimilation-and-forecast run together from a loaded
// configuration.
type App struct {
	cfg        *config.Config
	logger     *zap.SugaredLogger
	writeInput simulator.InputWriter
	start, end time.Time
	seed       []particle.StateVector
	seed42     int64
}

// New builds an App. writeInput materializes a particle's state into the
// scratch directory the simulator binary expects; start/end bound the
// assimilation horizon; seed is the set of initial states (fewer than
// cfg.Ensemble.Size are expanded by kernel sampling, per driver.Seed).
func New(cfg *config.Config, logger *zap.SugaredLogger, writeInput simulator.InputWriter, start, end time.Time, seed []particle.StateVector) *App {
	return &App{cfg: cfg, logger: logger, writeInput: writeInput, start: start, end: end, seed: seed, seed42: 42}
}

// Run executes the assimilation loop over [start, end), then fans the
// posterior ensemble out across every configured lead time and writes the
// forecast reports.
func (a *App) Run(ctx context.Context) error {
	rng := rand.New(rand.NewSource(a.seed42))

	adapter := simulator.New(a.cfg.Simulator.ExePath, a.cfg.Paths.ModelsDir, a.cfg.Simulator.Budget(),
		a.cfg.Simulator.RemoveFiles, a.writeInput, a.logger)

	observations, err := loadObservations(a.cfg.Paths.ObservationFile, a.start, a.cfg.Timing.DAStep())
	if err != nil {
		return fmt.Errorf("app: load observations: %w", err)
	}

	store, err := archive.New(a.cfg.Paths.ArchiveDir, []string{"evaporation", "sm1", "sm2", "sm3"}, 50, rng)
	if err != nil {
		return fmt.Errorf("app: open archive: %w", err)
	}

	ensemble, err := driver.Seed(a.seed, a.cfg.Ensemble.Size, a.cfg.Ensemble.FClassKernels, rng)
	if err != nil {
		return fmt.Errorf("app: seed ensemble: %w", err)
	}

	streamflowPath := filepath.Join(a.cfg.Paths.OutputDir, "Streamflow.txt")
	resumeStart, err := driver.Resume(streamflowPath, a.start, a.cfg.Timing.DAStep())
	if err != nil {
		return fmt.Errorf("app: resolve resume point: %w", err)
	}
	if resumeStart.After(a.start) {
		a.logger.Infow("resuming assimilation run", "from", resumeStart)
	}

	d := driver.New(adapter, adapter, store, streamflowPath, rng, a.logger)
	opts := driver.Options{
		Start: resumeStart, End: a.end,
		ModelStep: a.cfg.Timing.ModelStep(), DAStep: a.cfg.Timing.DAStep(),
		EnsembleSize:  a.cfg.Ensemble.Size,
		Resample:      a.cfg.Ensemble.Resample,
		Perturb:       a.cfg.Ensemble.Perturb,
		FClassKernels: a.cfg.Ensemble.FClassKernels,
		ObsError:      a.cfg.Observer.Error,
		AbsoluteError: a.cfg.Observer.Absolute,
		MaxDARetries:  a.cfg.Timing.MaxDARetries,
		ModelsDir:     a.cfg.Paths.ModelsDir,
	}
	if err := d.Run(ctx, ensemble, observations, opts); err != nil {
		return fmt.Errorf("app: assimilation run: %w", err)
	}

	posterior, err := store.Read(a.end)
	if err != nil {
		posterior = ensemble
	}

	forecastAdapter := simulator.New(a.cfg.Simulator.ExePath, a.cfg.Paths.ModelsDir, a.cfg.Simulator.Budget(),
		a.cfg.Forecast.RemoveFiles, a.writeInput, a.logger)
	for _, leadTime := range a.cfg.Forecast.LeadTimes() {
		if err := a.runForecast(ctx, forecastAdapter, posterior, leadTime, observations); err != nil {
			return fmt.Errorf("app: forecast lead time %s: %w", leadTime, err)
		}
	}
	return nil
}

func (a *App) runForecast(ctx context.Context, adapter *simulator.Adapter, posterior particle.Ensemble, leadTime time.Duration, observations map[time.Time]float64) error {
	adapter.SetTime(a.end)

	var timestamps []time.Time
	for ts := a.end.Add(a.cfg.Timing.DAStep()); !ts.After(a.end.Add(leadTime)); ts = ts.Add(a.cfg.Timing.DAStep()) {
		timestamps = append(timestamps, ts)
	}
	if len(timestamps) == 0 {
		return fmt.Errorf("lead time %s is shorter than one DA step", leadTime)
	}

	result, err := forecast.Run(ctx, adapter, posterior, timestamps, forecast.Options{
		ThreadCount: a.cfg.Forecast.ThreadCount,
		Budget:      a.cfg.Forecast.Budget(),
		Step:        a.cfg.Timing.DAStep(),
	}, a.logger)
	if err != nil {
		return err
	}

	outDir := filepath.Join(a.cfg.Paths.OutputDir, fmt.Sprintf("Lead time = %s", leadTime))
	if err := writeForecastReports(outDir, result); err != nil {
		return err
	}

	if metrics, err := forecast.ComputeMetrics(result, observations); err == nil {
		if err := writePerformanceReport(filepath.Join(outDir, "Performance.txt"), metrics); err != nil {
			return err
		}
	}
	return nil
}

func loadObservations(path string, start time.Time, step time.Duration) (map[time.Time]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	observations := make(map[time.Time]float64)
	scanner := bufio.NewScanner(f)
	t := start
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("observation file: parse %q: %w", line, err)
		}
		observations[t.UTC()] = v
		t = t.Add(step)
	}
	return observations, scanner.Err()
}

// variableReport pairs a variable's value file with its own weight file:
// kde.Samples() sorts each bucket by that bucket's own value, so a shared
// weight file keyed off one variable's order would not line up with any
// other variable's rows. Writing both files from the same Samples() call
// keeps row i of the value file and row i of the weight file describing the
// same sample.
type variableReport struct {
	values, weights *os.File
}

func writeForecastReports(outDir string, result forecast.Result) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	statsFile, err := os.Create(filepath.Join(outDir, "Stats.txt"))
	if err != nil {
		return err
	}
	defer statsFile.Close()
	fmt.Fprintln(statsFile, "Timestamp\tQ mean\tQ stdev\tEv mean\tEv stdev\tSM1 mean\tSM1 stdev\tSM2 mean\tSM2 stdev\tSM3 mean\tSM3 stdev")

	names := []string{"Q", "Ev", "SM1", "SM2", "SM3"}
	reports := make(map[forecast.Variable]variableReport, len(names))
	for _, name := range names {
		valuesFile, err := os.Create(filepath.Join(outDir, name+".txt"))
		if err != nil {
			return err
		}
		defer valuesFile.Close()
		weightsFile, err := os.Create(filepath.Join(outDir, name+"_W.txt"))
		if err != nil {
			return err
		}
		defer weightsFile.Close()
		reports[variableForName(name)] = variableReport{values: valuesFile, weights: weightsFile}
	}

	variables := []forecast.Variable{forecast.Discharge, forecast.Evaporation, forecast.SoilMoisture1, forecast.SoilMoisture2, forecast.SoilMoisture3}
	for _, ts := range result.Timestamps {
		tb, ok := result.Buckets[ts]
		if !ok {
			continue
		}
		row := ts.UTC().Format(time.RFC3339)
		for _, v := range variables {
			bucket := tb.Bucket(v)
			row += fmt.Sprintf("\t%g\t%g", bucket.Mean(), bucket.StdDev())
		}
		fmt.Fprintln(statsFile, row)

		for _, v := range variables {
			values, weights := tb.Bucket(v).Samples()
			report := reports[v]
			writeValueRow(report.values, ts, values)
			writeValueRow(report.weights, ts, weights)
		}
	}
	return nil
}

func variableForName(name string) forecast.Variable {
	switch name {
	case "Q":
		return forecast.Discharge
	case "Ev":
		return forecast.Evaporation
	case "SM1":
		return forecast.SoilMoisture1
	case "SM2":
		return forecast.SoilMoisture2
	case "SM3":
		return forecast.SoilMoisture3
	default:
		return forecast.Discharge
	}
}

func writeValueRow(f *os.File, ts time.Time, values []float64) {
	row := ts.UTC().Format(time.RFC3339)
	for _, v := range values {
		row += fmt.Sprintf("\t%g", v)
	}
	fmt.Fprintln(f, row)
}

func writePerformanceReport(path string, m forecast.Metrics) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fmt.Fprintf(f, "NSE (L2)\t%g\n", m.NSE_L2)
	fmt.Fprintf(f, "NSE (L1)\t%g\n", m.NSE_L1)
	fmt.Fprintf(f, "MARE\t%g\n", m.MARE)
	fmt.Fprintf(f, "Mean density\t%g\n", m.MeanDensity)
	fmt.Fprintf(f, "Mean CRPS\t%g\n", m.MeanCRPS)
	fmt.Fprintf(f, "Mean rarity\t%g\n", m.MeanRarity)
	return nil
}
