// Package config loads the YAML configuration that drives a data
// assimilation run: the particle-filter knobs, observation model, model time
// steps, forecast pool sizing, and scratch-file cleanup toggles.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration object loaded from a run's YAML file.
type Config struct {
	Ensemble  EnsembleConfig  `yaml:"ensemble"`
	Observer  ObserverConfig  `yaml:"observer"`
	Timing    TimingConfig    `yaml:"timing"`
	Forecast  ForecastConfig  `yaml:"forecast"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Paths     PathsConfig     `yaml:"paths"`
}

// EnsembleConfig controls the particle filter update (component G).
type EnsembleConfig struct {
	// Size is the target ensemble size N.
	Size int `yaml:"size"`
	// Resample enables weighted resampling with replacement (§4.G step 4).
	Resample bool `yaml:"resample"`
	// Perturb enables kernel perturbation of resampled replicas (§4.G step
	// 5b); meaningless unless Resample is true.
	Perturb bool `yaml:"perturb"`
	// FClassKernels selects a full-covariance (true) or diagonal (false)
	// perturbation bandwidth.
	FClassKernels bool `yaml:"fClassKernels"`
}

// ObserverConfig configures the observation likelihood model.
type ObserverConfig struct {
	// Error is the stdev scale of the observation likelihood.
	Error float64 `yaml:"obsError"`
	// Absolute selects stdev = Error (true) vs stdev = Error * observed
	// (false, relative mode).
	Absolute bool `yaml:"absoluteError"`
}

// TimingConfig configures the simulation and assimilation time steps. Step
// durations are given in the YAML file as milliseconds, matching the
// original tool's configuration convention.
type TimingConfig struct {
	ModelStepMillis int `yaml:"modelTimeStep"`
	DAStepMillis    int `yaml:"daTimeStep"`
	// MaxDARetries bounds retries of a stuck DA timestamp before recording a
	// null row and advancing.
	MaxDARetries int `yaml:"maxDARetries"`
}

// ModelStep returns the model time step Δ as a Duration.
func (t TimingConfig) ModelStep() time.Duration {
	return time.Duration(t.ModelStepMillis) * time.Millisecond
}

// DAStep returns the assimilation time step Δ_da as a Duration.
func (t TimingConfig) DAStep() time.Duration {
	return time.Duration(t.DAStepMillis) * time.Millisecond
}

// ForecastConfig controls the forecast fan-out (component I).
type ForecastConfig struct {
	// ThreadCount is the bounded worker pool size C.
	ThreadCount int `yaml:"threadCount"`
	// MaxSimTimeMillis bounds a forecast's total wall-clock budget T_max.
	MaxSimTimeMillis int `yaml:"forecastSimMaxTime"`
	// LeadTimesMillis lists the forecast horizons to report (one output
	// directory per entry), each in milliseconds.
	LeadTimesMillis []int `yaml:"leadTimes"`
	// RemoveFiles toggles deletion of per-particle forecast scratch
	// directories after a successful run.
	RemoveFiles bool `yaml:"removeForecastFiles"`
}

// Budget returns the forecast wall-clock budget T_max as a Duration.
func (f ForecastConfig) Budget() time.Duration {
	return time.Duration(f.MaxSimTimeMillis) * time.Millisecond
}

// LeadTimes returns the configured forecast horizons as Durations.
func (f ForecastConfig) LeadTimes() []time.Duration {
	out := make([]time.Duration, len(f.LeadTimesMillis))
	for i, ms := range f.LeadTimesMillis {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// SimulatorConfig points at the external simulator binary and bounds a
// single particle run.
type SimulatorConfig struct {
	ExePath string `yaml:"exePath"`
	// MaxSimTimeMillis bounds a single particle run, both in DA steps and in
	// forecasts.
	MaxSimTimeMillis int `yaml:"simMaxTime"`
	// RemoveFiles toggles deletion of per-particle DA scratch directories
	// after a successful run.
	RemoveFiles bool `yaml:"removeDAFiles"`
}

// Budget returns the per-particle simulator timeout as a Duration.
func (s SimulatorConfig) Budget() time.Duration {
	return time.Duration(s.MaxSimTimeMillis) * time.Millisecond
}

// PathsConfig locates the run's inputs and outputs on disk.
type PathsConfig struct {
	ModelsDir       string `yaml:"modelsDir"`
	ArchiveDir      string `yaml:"archiveDir"`
	OutputDir       string `yaml:"outputDir"`
	ObservationFile string `yaml:"observationFile"`
}

// Load reads and parses the YAML configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks the invariants the rest of the system assumes hold once a
// Config has been loaded: a positive ensemble size, a positive observation
// error, and positive time steps.
func (c *Config) Validate() error {
	if c.Ensemble.Size <= 0 {
		return fmt.Errorf("ensemble.size must be > 0, got %d", c.Ensemble.Size)
	}
	if c.Observer.Error <= 0 {
		return fmt.Errorf("observer.obsError must be > 0, got %v", c.Observer.Error)
	}
	if c.Timing.ModelStepMillis <= 0 {
		return fmt.Errorf("timing.modelTimeStep must be > 0, got %d", c.Timing.ModelStepMillis)
	}
	if c.Timing.DAStepMillis <= 0 {
		return fmt.Errorf("timing.daTimeStep must be > 0, got %d", c.Timing.DAStepMillis)
	}
	if c.Timing.MaxDARetries < 0 {
		return fmt.Errorf("timing.maxDARetries must be >= 0, got %d", c.Timing.MaxDARetries)
	}
	if c.Forecast.ThreadCount <= 0 {
		return fmt.Errorf("forecast.threadCount must be > 0, got %d", c.Forecast.ThreadCount)
	}
	if c.Simulator.ExePath == "" {
		return fmt.Errorf("simulator.exePath is required")
	}
	return nil
}
