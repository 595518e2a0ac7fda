// Package forecast fans a posterior ensemble out across a forecast horizon,
// accumulating per-timestamp, per-variable kernel densities in parallel
// across a bounded worker pool, and reports the result.
package forecast

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/riverstage/daflow/internal/kde"
	"github.com/riverstage/daflow/internal/particle"
	"github.com/riverstage/daflow/internal/simulator"
)

// Variable names the output quantities a forecast tracks at every
// timestamp; their order indexes the per-timestamp kernel density buckets.
type Variable int

const (
	Discharge Variable = iota
	Evaporation
	SoilMoisture1
	SoilMoisture2
	SoilMoisture3
	variableCount
)

func (v Variable) String() string {
	switch v {
	case Discharge:
		return "Q"
	case Evaporation:
		return "Ev"
	case SoilMoisture1:
		return "SM1"
	case SoilMoisture2:
		return "SM2"
	case SoilMoisture3:
		return "SM3"
	default:
		return "unknown"
	}
}

// Options configures one forecast run.
type Options struct {
	// ThreadCount is the bounded worker pool size C.
	ThreadCount int
	// Budget is the per-forecast wall-clock budget T_max. Zero disables
	// the budget (the pool runs to completion).
	Budget time.Duration
	// Step is the model time step Δ between reported timestamps.
	Step time.Duration
}

// TimestampBuckets holds one KernelDensity per Variable for a single
// forecast timestamp, guarded by its own mutex so concurrent workers can
// add samples without a global lock.
type TimestampBuckets struct {
	mu      sync.Mutex
	buckets [variableCount]*kde.KernelDensity
}

func newTimestampBuckets() *TimestampBuckets {
	tb := &TimestampBuckets{}
	for i := range tb.buckets {
		tb.buckets[i] = kde.New()
	}
	return tb
}

func (tb *TimestampBuckets) add(sample simulator.WindowSample, weight float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.buckets[Discharge].AddSample(sample.Discharge, weight)
	tb.buckets[Evaporation].AddSample(sample.Evaporation, weight)
	tb.buckets[SoilMoisture1].AddSample(sample.SoilMoisture[0], weight)
	tb.buckets[SoilMoisture2].AddSample(sample.SoilMoisture[1], weight)
	tb.buckets[SoilMoisture3].AddSample(sample.SoilMoisture[2], weight)
}

// Bucket returns the kernel density accumulating samples for variable v.
func (tb *TimestampBuckets) Bucket(v Variable) *kde.KernelDensity {
	return tb.buckets[v]
}

// Result is the outcome of one forecast run: one bucket set per reported
// timestamp, in ascending order, plus the end-of-window state for every
// particle that completed successfully (for chaining a later forecast).
type Result struct {
	Timestamps []time.Time
	Buckets    map[time.Time]*TimestampBuckets
	EndStates  map[string]particle.StateVector
	Partial    bool
}

// Runner is the model-invocation contract used by the forecast engine: a
// full-window run per particle, sampled at every entry of Timestamps.
type Runner interface {
	RunWindow(ctx context.Context, index int, state particle.StateVector, timestamps []time.Time) ([]simulator.WindowSample, particle.StateVector, error)
}

// Run fans ensemble out across timestamps using a bounded pool of
// opts.ThreadCount workers, honoring opts.Budget as a hard wall-clock cutoff
// after which remaining queued particles are dropped and partial results are
// reported.
func Run(ctx context.Context, runner Runner, ensemble particle.Ensemble, timestamps []time.Time, opts Options, logger *zap.SugaredLogger) (Result, error) {
	if len(timestamps) == 0 {
		return Result{}, fmt.Errorf("forecast: no timestamps requested")
	}

	buckets := make(map[time.Time]*TimestampBuckets, len(timestamps))
	for _, ts := range timestamps {
		buckets[ts] = newTimestampBuckets()
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Budget > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Budget)
		defer cancel()
	}

	type job struct {
		index int
		p     particle.Particle
	}
	jobs := make(chan job, len(ensemble))
	for i, p := range ensemble {
		jobs <- job{index: i + 1, p: p}
	}
	close(jobs)

	var endMu sync.Mutex
	endStates := make(map[string]particle.StateVector)

	workerCount := opts.ThreadCount
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				select {
				case <-runCtx.Done():
					return
				default:
				}
				if j.p.Weight <= 0 {
					continue
				}
				samples, endState, err := runner.RunWindow(runCtx, j.index, j.p.State, timestamps)
				if err != nil {
					if logger != nil {
						logger.Warnw("forecast particle run failed", "particle", j.p.ID, "error", err)
					}
					continue
				}
				for _, s := range samples {
					if tb, ok := buckets[s.Timestamp]; ok {
						tb.add(s, j.p.Weight)
					}
				}
				if endState != nil {
					endMu.Lock()
					endStates[j.p.ID] = endState
					endMu.Unlock()
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	partial := false
	select {
	case <-done:
	case <-runCtx.Done():
		partial = true
		<-done
	}

	for _, tb := range buckets {
		for _, b := range tb.buckets {
			if b.Len() > 0 {
				b.ComputeGaussianBandwidth()
			}
		}
	}

	return Result{Timestamps: timestamps, Buckets: buckets, EndStates: endStates, Partial: partial}, nil
}

// Metrics summarizes forecast skill against observations over timestamps
// that have a matching observation, per spec.md's performance section.
type Metrics struct {
	NSE_L2      float64
	NSE_L1      float64
	MARE        float64
	MeanDensity float64
	MeanCRPS    float64
	MeanRarity  float64
}

// ComputeMetrics evaluates the discharge bucket at every timestamp with a
// matching entry in observations against the forecast distribution.
func ComputeMetrics(result Result, observations map[time.Time]float64) (Metrics, error) {
	var sumSqErr, sumAbsErr, sumAre, sumDensity, sumCRPS, sumRarity float64
	var sumSqDev float64
	n := 0

	var obsValues []float64
	for _, ts := range result.Timestamps {
		obs, ok := observations[ts]
		if !ok {
			continue
		}
		obsValues = append(obsValues, obs)
	}
	if len(obsValues) == 0 {
		return Metrics{}, fmt.Errorf("forecast: no overlapping observations to compute performance metrics")
	}
	meanObs := 0.0
	for _, v := range obsValues {
		meanObs += v
	}
	meanObs /= float64(len(obsValues))

	for _, ts := range result.Timestamps {
		obs, ok := observations[ts]
		if !ok {
			continue
		}
		tb, ok := result.Buckets[ts]
		if !ok {
			continue
		}
		q := tb.Bucket(Discharge)
		mean := q.Mean()
		if math.IsNaN(mean) {
			continue
		}
		diff := mean - obs
		sumSqErr += diff * diff
		sumAbsErr += math.Abs(diff)
		if obs != 0 {
			sumAre += math.Abs(diff) / math.Abs(obs)
		}
		sumSqDev += (obs - meanObs) * (obs - meanObs)

		if density, err := q.Pdf(obs); err == nil {
			sumDensity += density
		}
		if crps, err := q.EnsembleCRPS(obs); err == nil {
			sumCRPS += crps
		}
		if cdf, err := q.CDF(obs); err == nil {
			sumRarity += 2 * math.Abs(cdf-0.5)
		}
		n++
	}

	if n == 0 {
		return Metrics{}, fmt.Errorf("forecast: no timestamps with both an observation and a computed bucket")
	}

	var nseL2, nseL1 float64
	if sumSqDev > 0 {
		nseL2 = 1 - sumSqErr/sumSqDev
	} else {
		nseL2 = math.NaN()
	}
	var sumAbsDev float64
	for _, ts := range result.Timestamps {
		if obs, ok := observations[ts]; ok {
			sumAbsDev += math.Abs(obs - meanObs)
		}
	}
	if sumAbsDev > 0 {
		nseL1 = 1 - sumAbsErr/sumAbsDev
	} else {
		nseL1 = math.NaN()
	}

	return Metrics{
		NSE_L2:      nseL2,
		NSE_L1:      nseL1,
		MARE:        sumAre / float64(n),
		MeanDensity: sumDensity / float64(n),
		MeanCRPS:    sumCRPS / float64(n),
		MeanRarity:  sumRarity / float64(n),
	}, nil
}
