package simharness

import (
	"fmt"
	"sync"

	"github.com/skyforge/flightcore/internal/algebra"
	"github.com/skyforge/flightcore/internal/fusion"
	"github.com/skyforge/flightcore/internal/mixing"
	"github.com/skyforge/flightcore/internal/sensors"
)

// SweepConfig configures a Monte-Carlo noise sweep, trimmed from
// MonteCarloConfig (NumIterations/RandomSeed/ParallelWorkers kept;
// ParameterRanges/ResultsPath dropped — this harness sweeps one fixed
// dimension, sensor noise magnitude, not an arbitrary parameter map, and
// has no results file to write).
type SweepConfig struct {
	NumRuns      int
	Ticks        int
	DtSeconds    float32
	BaseSeed     int64
	NoiseProfile NoiseProfile
	Workers      int
}

// SweepResult is the outcome of one run: whether every EKF step in the
// run satisfied invariants 1 (quaternion normalisation) and 2
// (covariance symmetry), matching MonteCarloResult's per-iteration
// pass/fail accounting without the DO-178C coverage/ethical-violation
// fields this domain has no equivalent of.
type SweepResult struct {
	Seed                int64
	QuatNormOK          bool
	CovSymmetricOK      bool
	MaxQuatNormError    float32
	MaxCovAsymmetry     float32
}

// SweepSummary aggregates SweepResult across a campaign, matching
// MonteCarloResult's SuccessfulRuns/FailedRuns/SuccessRate shape.
type SweepSummary struct {
	TotalRuns      int
	SuccessfulRuns int
	FailedRuns     int
	Results        []SweepResult
}

// RunSweep drives NumRuns independent PointMassModel+EKF pairs, one
// differently-seeded noise realisation each, hovering under a constant
// duty command, and checks invariants 1-2 hold on every tick of every
// run — not just on one deterministic trace — matching
// MonteCarloRunner.Run's worker-pool fan-out (workChan/resultChan) but
// over in-process Go goroutines instead of simulator RPC calls.
func RunSweep(cfg SweepConfig) SweepSummary {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Ticks <= 0 {
		cfg.Ticks = 200
	}
	if cfg.DtSeconds <= 0 {
		cfg.DtSeconds = 0.001
	}

	jobs := make(chan int64, cfg.NumRuns)
	results := make(chan SweepResult, cfg.NumRuns)

	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seed := range jobs {
				results <- runOne(seed, cfg)
			}
		}()
	}

	for i := 0; i < cfg.NumRuns; i++ {
		jobs <- cfg.BaseSeed + int64(i)
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	summary := SweepSummary{TotalRuns: cfg.NumRuns}
	for r := range results {
		summary.Results = append(summary.Results, r)
		if r.QuatNormOK && r.CovSymmetricOK {
			summary.SuccessfulRuns++
		} else {
			summary.FailedRuns++
		}
	}
	return summary
}

func runOne(seed int64, cfg SweepConfig) SweepResult {
	curve := DefaultMotorCurve()
	geom := DefaultFrameGeometry()
	ref := sensors.NewGeodeticRef(0, 0, 0)
	model := NewPointMassModel(curve, geom, ref, cfg.NoiseProfile, seed)

	ekf := fusion.New(fusion.Config{
		GyroNoise:      1e-4,
		GyroBiasNoise:  1e-6,
		AccelBiasNoise: 1e-6,
		VelocityNoise:  1e-3,
		Gravity:        algebra.Vec3{X: 0, Y: 0, Z: gravityMPS2},
	}, algebra.Identity)

	hover := hoverDuty(curve, geom)
	duties := [mixing.NumMotors]float32{hover, hover, hover, hover}

	result := SweepResult{Seed: seed, QuatNormOK: true, CovSymmetricOK: true}

	for i := 0; i < cfg.Ticks; i++ {
		model.Step(cfg.DtSeconds, duties)
		accelEvt, gyroEvt, _ := model.IMUEvent()
		accel := algebra.Vec3{
			X: float32(accelEvt.AccelMilliG[0]) / 1000,
			Y: float32(accelEvt.AccelMilliG[1]) / 1000,
			Z: float32(accelEvt.AccelMilliG[2]) / 1000,
		}
		gyro := algebra.Vec3{
			X: float32(gyroEvt.GyroRateMilliRad[0]) / 1000,
			Y: float32(gyroEvt.GyroRateMilliRad[1]) / 1000,
			Z: float32(gyroEvt.GyroRateMilliRad[2]) / 1000,
		}
		ekf.Predict(gyro, accel)

		state, cov := ekf.GetState()
		quatErr := absf(state.Quat().Norm() - 1)
		if quatErr > result.MaxQuatNormError {
			result.MaxQuatNormError = quatErr
		}
		if quatErr >= 1e-4 {
			result.QuatNormOK = false
		}

		asym := maxCovarianceAsymmetry(cov)
		if asym > result.MaxCovAsymmetry {
			result.MaxCovAsymmetry = asym
		}
		if asym >= 1e-5 {
			result.CovSymmetricOK = false
		}
	}

	return result
}

func absf(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func maxCovarianceAsymmetry(cov fusion.Covariance) float32 {
	var maxAsym float32
	n := cov.Rows()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			diff := absf(cov.At(i, j) - cov.At(j, i))
			scale := maxf(absf(cov.At(i, i)), absf(cov.At(j, j)))
			if scale < 1e-9 {
				scale = 1e-9
			}
			if asym := diff / scale; asym > maxAsym {
				maxAsym = asym
			}
		}
	}
	return maxAsym
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// String renders a one-line summary suitable for a test failure message
// or a manual Monte-Carlo report, matching the textual campaign
// summaries elsewhere in the pack without their JSON report file.
func (s SweepSummary) String() string {
	return fmt.Sprintf("sweep: %d/%d runs held invariants 1-2 across all ticks", s.SuccessfulRuns, s.TotalRuns)
}
