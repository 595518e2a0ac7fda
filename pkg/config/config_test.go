package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
ensemble:
  size: 100
  resample: true
  perturb: true
  fClassKernels: false
observer:
  obsError: 0.1
  absoluteError: false
timing:
  modelTimeStep: 3600000
  daTimeStep: 86400000
  maxDARetries: 3
forecast:
  threadCount: 8
  forecastSimMaxTime: 300000
  leadTimes: [86400000, 172800000]
  removeForecastFiles: true
simulator:
  exePath: /opt/vic/bin/vic
  simMaxTime: 60000
  removeDAFiles: false
paths:
  modelsDir: /tmp/daflow/models
  archiveDir: /tmp/daflow/archive
  outputDir: /tmp/daflow/output
  observationFile: /tmp/daflow/obs.txt
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Ensemble.Size != 100 {
		t.Errorf("Ensemble.Size = %d, want 100", c.Ensemble.Size)
	}
	if !c.Ensemble.Resample || !c.Ensemble.Perturb {
		t.Error("Resample/Perturb = false, want true")
	}
	if c.Observer.Error != 0.1 {
		t.Errorf("Observer.Error = %v, want 0.1", c.Observer.Error)
	}
	if c.Timing.ModelStep() != time.Hour {
		t.Errorf("ModelStep() = %v, want 1h", c.Timing.ModelStep())
	}
	if c.Timing.DAStep() != 24*time.Hour {
		t.Errorf("DAStep() = %v, want 24h", c.Timing.DAStep())
	}
	if c.Forecast.ThreadCount != 8 {
		t.Errorf("Forecast.ThreadCount = %d, want 8", c.Forecast.ThreadCount)
	}
	leadTimes := c.Forecast.LeadTimes()
	if len(leadTimes) != 2 || leadTimes[0] != 24*time.Hour || leadTimes[1] != 48*time.Hour {
		t.Errorf("LeadTimes() = %v, want [24h 48h]", leadTimes)
	}
	if c.Simulator.ExePath != "/opt/vic/bin/vic" {
		t.Errorf("Simulator.ExePath = %q, want /opt/vic/bin/vic", c.Simulator.ExePath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Error("Load() error = nil, want error for a missing file")
	}
}

func TestValidateRejectsNonPositiveEnsembleSize(t *testing.T) {
	c := Config{
		Ensemble:  EnsembleConfig{Size: 0},
		Observer:  ObserverConfig{Error: 0.1},
		Timing:    TimingConfig{ModelStepMillis: 1, DAStepMillis: 1},
		Forecast:  ForecastConfig{ThreadCount: 1},
		Simulator: SimulatorConfig{ExePath: "x"},
	}
	if err := c.Validate(); err == nil {
		t.Error("Validate() error = nil, want error for ensemble size 0")
	}
}

func TestValidateRejectsMissingExePath(t *testing.T) {
	c := Config{
		Ensemble:  EnsembleConfig{Size: 10},
		Observer:  ObserverConfig{Error: 0.1},
		Timing:    TimingConfig{ModelStepMillis: 1, DAStepMillis: 1},
		Forecast:  ForecastConfig{ThreadCount: 1},
		Simulator: SimulatorConfig{},
	}
	if err := c.Validate(); err == nil {
		t.Error("Validate() error = nil, want error for missing simulator exePath")
	}
}
