package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/riverstage/daflow/internal/app"
	"github.com/riverstage/daflow/internal/log"
	"github.com/riverstage/daflow/internal/particle"
	"github.com/riverstage/daflow/internal/simulator"
	"github.com/riverstage/daflow/pkg/config"
)

const version = "1.0-" + runtime.GOOS + "/" + runtime.GOARCH

func main() {
	cfgFile := flag.String("config", "config.yaml", "Path to YAML configuration file")
	seedFile := flag.String("seed", "", "Path to a tab-separated file of initial state vectors, one particle per line")
	start := flag.String("start", "", "Assimilation start time (RFC3339)")
	end := flag.String("end", "", "Assimilation end time (RFC3339)")
	debug := flag.Bool("debug", false, "Turn on debugging output")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("daflow %s\n", version)
		os.Exit(0)
	}

	if err := log.Init(*debug); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	startTime, endTime, err := parseWindow(*start, *end)
	if err != nil {
		log.Errorf("Invalid run window: %v", err)
		os.Exit(1)
	}

	seed, err := loadSeedStates(*seedFile)
	if err != nil {
		log.Errorf("Failed to load seed states: %v", err)
		os.Exit(1)
	}

	application := app.New(cfg, log.GetSugaredLogger(), defaultInputWriter, startTime, endTime, seed)
	if err := application.Run(context.Background()); err != nil {
		log.Errorf("Assimilation run failed: %v", err)
		os.Exit(1)
	}
}

func parseWindow(start, end string) (time.Time, time.Time, error) {
	if start == "" || end == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("both -start and -end are required")
	}
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse -start: %w", err)
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse -end: %w", err)
	}
	if !e.After(s) {
		return time.Time{}, time.Time{}, fmt.Errorf("-end must be after -start")
	}
	return s, e, nil
}

// loadSeedStates reads one state vector per line, fields tab-separated, from
// the seed file. An empty path falls back to a single zero-valued particle,
// letting the driver's kernel-based seeding expand it to the full ensemble.
func loadSeedStates(path string) ([]particle.StateVector, error) {
	if path == "" {
		return []particle.StateVector{{0.0}}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var states []particle.StateVector
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		state := make(particle.StateVector, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("seed file: parse %q: %w", field, err)
			}
			state[i] = v
		}
		states = append(states, state)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("seed file %s has no state rows", path)
	}
	return states, nil
}

// defaultInputWriter is a minimal configurator that records a particle's
// state vector as a plain-text config file. Translating a state vector into
// a real simulator's native input grids, routing tables, and parameter files
// is site-specific and left to a configurator supplied at deployment time;
// this one only satisfies the adapter's contract for ad-hoc runs.
func defaultInputWriter(dir string, index int, state particle.StateVector) (string, error) {
	configFile := filepath.Join(dir, fmt.Sprintf("particle_%d.cfg", index))
	f, err := os.Create(configFile)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i, v := range state {
		if i > 0 {
			w.WriteByte('\t')
		}
		fmt.Fprintf(w, "%g", v)
	}
	w.WriteByte('\n')
	if err := w.Flush(); err != nil {
		return "", err
	}
	return configFile, nil
}

var _ simulator.InputWriter = defaultInputWriter
