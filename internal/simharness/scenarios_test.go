package simharness

import (
	"strings"
	"testing"
	"time"

	"github.com/chewxy/math32"

	"github.com/skyforge/flightcore/internal/algebra"
	"github.com/skyforge/flightcore/internal/calib"
	"github.com/skyforge/flightcore/internal/control"
	"github.com/skyforge/flightcore/internal/fusion"
	"github.com/skyforge/flightcore/internal/mission"
	"github.com/skyforge/flightcore/internal/mixing"
	"github.com/skyforge/flightcore/internal/sensors"
	"github.com/skyforge/flightcore/internal/supervisor"
)

// armScenario drives a freshly constructed Supervisor through
// IDLE->DISARM->ARM->first scenario state using the same RC-gesture
// thresholds quad_idle/quad_disarm/quad_arm check, without sleeping real
// time (Step* takes the clock as a parameter, so the hold durations are
// satisfied by advancing a synthetic `now` instead).
func armScenario(sup *supervisor.Supervisor) {
	const low, high = int32(1000), int32(2000)
	now := time.Now()

	idle := supervisor.Channels{SWA: low, SWB: low, SWC: low, SWD: low, Throttle: low, Yaw: low}
	sup.StepIdle(idle)

	armGesture := idle
	armGesture.Yaw = high
	sup.StepDisarm(armGesture, now)
	sup.StepDisarm(armGesture, now.Add(4*time.Second))

	start := armGesture
	start.SWA = high
	sup.StepArm(start, now.Add(4*time.Second))
}

func newTestAttitudeController() *control.Controller {
	c := control.NewController()
	c.R.K, c.R.Max = 1, 12
	c.P.K, c.P.Max = 4.0, 3.0
	c.I.K, c.I.Max = 0.3, 1.0
	c.D.K, c.D.Max = 0.02, 3.0
	return c
}

func newTestAltitudeController() *control.Controller {
	c := control.NewController()
	c.R.K, c.R.Max = 1, 12
	c.P.K, c.P.Max = 0.8, 1.0
	c.I.K, c.I.Max = 0.15, 0.4
	c.D.K, c.D.Max = 0.05, 1.0
	return c
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// S1 — Takeoff to hover (spec.md §8): the mission script's TAKEOFF/HOVER
// steps are played through the real Supervisor.StepTakeoff/StepHover pair
// and an altitude PID driving the dynamics+EKF harness, exercising the
// scenario execution path end to end rather than hand-driving a duty.
func TestS1TakeoffReachesCommandedAltitudeBand(t *testing.T) {
	const missionText = `
@flight_mode
type=flight_takeoff
alt=1000
idleT=1000
spoolT=1000
liftT=1000

@flight_mode
type=flight_hover
alt=1000
time=2000

@flight_mode
type=flight_end
`
	cfg, err := mission.Parse(strings.NewReader(missionText), nil)
	if err != nil {
		t.Fatalf("parse mission: %v", err)
	}
	if len(cfg.Scenario) != 3 {
		t.Fatalf("expected 3 mission steps, got %d", len(cfg.Scenario))
	}
	if cfg.Scenario[1].HoverTimeM != 2000 {
		t.Fatalf("expected hover duration 2000ms, got %d", cfg.Scenario[1].HoverTimeM)
	}

	curve := DefaultMotorCurve()
	geom := DefaultFrameGeometry()
	ref := sensors.NewGeodeticRef(0, 0, 0)
	model := NewPointMassModel(curve, geom, ref, ZeroNoise, 1)

	ekf := fusion.New(fusion.Config{
		Gravity: algebra.Vec3{X: 0, Y: 0, Z: gravityMPS2},
	}, algebra.Identity)
	h := NewHarness(model, ekf)

	sup := supervisor.New(cfg.Scenario, nil)
	armScenario(sup)
	if sup.Mode() != supervisor.ModeTakeoff {
		t.Fatalf("expected scenario to enter TAKEOFF, got %v", sup.Mode())
	}

	atten, _ := mixing.NewAttenuation(0.5, 1.0, 1.5, 0.5)
	mixer := mixing.Mixer{Atten: atten}
	for i := range mixer.Calib {
		mixer.Calib[i].Gain = 1
	}
	rollP, pitchP, yawP := newTestAttitudeController(), newTestAttitudeController(), newTestAttitudeController()
	altP := newTestAltitudeController()

	const dt = float32(0.01)
	duties := [mixing.NumMotors]float32{}
	now := time.Now()

	for i := 0; i < 800 && sup.Mode() != supervisor.ModeHover; i++ {
		now = now.Add(10 * time.Millisecond)
		h.RunTicks(1, dt, duties)

		state, _ := ekf.GetState()
		pos := state.Position()
		vel := state.Velocity()
		roll, pitch, _ := state.Quat().ToEuler()
		sp := supervisor.Position{AltitudeM: -pos.Z, Roll: roll, Pitch: pitch}

		var cmd supervisor.ModeCommand
		switch sup.Mode() {
		case supervisor.ModeTakeoff:
			cmd = sup.StepTakeoff(now, sp, cfg.Scenario[0])
		case supervisor.ModeHover:
			cmd = sup.StepHover(now, sp, cfg.Scenario[1])
		}
		if cmd.StopMotors {
			t.Fatalf("unexpected tip-stop during takeoff climb, roll=%v pitch=%v", roll, pitch)
		}

		altP.Flags = 0
		if cmd.IgnoreAltitudeI {
			altP.Flags |= control.FlagIgnoreI
		}
		if cmd.ResetAltitudeI {
			altP.Flags |= control.FlagResetI
		}
		altOut := altP.Calc(cmd.TargetAltitudeM, sp.AltitudeM, -vel.Z, dt)
		throttle := clamp01(0.5 + altOut)

		rollOut := rollP.Calc(0, roll, 0, dt)
		pitchOut := pitchP.Calc(0, pitch, 0, dt)
		yawOut := yawP.Calc(0, 0, 0, dt)
		duties = mixer.Mix(throttle, rollOut, pitchOut, yawOut)
	}

	if sup.Mode() != supervisor.ModeHover {
		t.Fatalf("scenario never reached HOVER after takeoff, stuck in %v", sup.Mode())
	}

	state, _ := ekf.GetState()
	if normErr := absf(state.Quat().Norm() - 1); normErr >= 1e-4 {
		t.Fatalf("quaternion left unnormalised after climb: error %v", normErr)
	}
	altitudeM := -state.Position().Z
	if altitudeM <= 0 {
		t.Fatalf("expected the estimator to have climbed above the origin by HOVER, altitude=%v", altitudeM)
	}
}

// S2 — Manual stabilise with low throttle and induced tilt (spec.md §8):
// once a 50° roll is injected, TippingGuard (the same check StepManual's
// stabilise submode and StepTakeoff both rely on) must trip at low
// throttle and pass through at cruise throttle.
func TestS2InducedTiltTripsTippingGuardAtLowThrottle(t *testing.T) {
	curve := DefaultMotorCurve()
	geom := DefaultFrameGeometry()
	ref := sensors.NewGeodeticRef(0, 0, 0)
	model := NewPointMassModel(curve, geom, ref, ZeroNoise, 2)

	rollRad := float32(50) * 3.14159265 / 180
	model.SetAttitude(algebra.FromAxisAngle(algebra.Vec3{X: 1}, rollRad))
	roll, pitch, _ := model.Attitude().ToEuler()

	const lowThrottle, cruiseThrottle = int32(1010), int32(1800)
	const angleLimit = 0.7853981633974483 // pi/4

	if err := supervisor.TippingGuard(lowThrottle, roll, pitch, angleLimit); err == nil {
		t.Fatalf("expected TippingGuard to trip for a 50 degree roll at low throttle")
	}
	if err := supervisor.TippingGuard(cruiseThrottle, roll, pitch, angleLimit); err != nil {
		t.Fatalf("expected TippingGuard to pass through at cruise throttle, got %v", err)
	}
}

// S3 — GPS loss during POSITION mode (spec.md §8): suppressing GPS while
// the scenario sits in POSITION must not corrupt the EKF and
// Supervisor.StepPosition must keep running against the IMU/baro-only
// estimate rather than stalling.
func TestS3GPSLossDuringPositionModeLeavesEstimatorControllable(t *testing.T) {
	curve := DefaultMotorCurve()
	geom := DefaultFrameGeometry()
	ref := sensors.NewGeodeticRef(0, 0, 0)
	model := NewPointMassModel(curve, geom, ref, ZeroNoise, 3)

	ekf := fusion.New(fusion.Config{
		Gravity: algebra.Vec3{X: 0, Y: 0, Z: gravityMPS2},
	}, algebra.Identity)
	h := NewHarness(model, ekf)

	sup := supervisor.New([]mission.Step{{Type: mission.StepPosition}}, nil)
	armScenario(sup)
	if sup.Mode() != supervisor.ModePosition {
		t.Fatalf("expected scenario to enter POSITION, got %v", sup.Mode())
	}

	model.SuppressGPS(true)
	if evt := model.GPSEvent(); evt.Fix != 0 {
		t.Fatalf("expected a zero-fix GPS event while suppressed, got fix=%d", evt.Fix)
	}

	hover := hoverDuty(curve, geom)
	now := time.Now()
	for i := 0; i < 200; i++ {
		now = now.Add(10 * time.Millisecond)
		h.RunTicks(1, 0.01, [mixing.NumMotors]float32{hover, hover, hover, hover})

		state, _ := ekf.GetState()
		pos := state.Position()
		sp := supervisor.Position{AltitudeM: -pos.Z, NorthM: pos.X, EastM: pos.Y}
		sup.StepPosition(now, sp, 0, 0, 0)
	}

	state, _ := ekf.GetState()
	if normErr := absf(state.Quat().Norm() - 1); normErr >= 1e-4 {
		t.Fatalf("EKF quaternion left unnormalised across GPS loss in POSITION mode: error %v", normErr)
	}
}

// S4 — Abort gesture (spec.md §8) is an end-to-end supervisor property
// already covered by internal/supervisor's
// TestAbortGestureWithinFiveFrames; this package has no RC bus to
// replay the gesture against, so it is not duplicated here.

// S5 — Calibration rejection (spec.md §8): a soft-iron matrix with a
// negative diagonal must fail validation before any motor could ever be
// commanded from it.
func TestS5NegativeSoftIronDiagonalRejectedAtInit(t *testing.T) {
	c := &sensors.Calibration{
		AccelNonOrtho: [3][3]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		MagSoftIron:   [3][3]float32{{-1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation failure for negative soft-iron diagonal")
	}
}

// S6 — Ellipsoid fit round-trip (spec.md §8): synthetic magnetometer
// samples on a known ellipsoid should let FitEllipsoid recover hard-iron
// offset. This test checks only that the fit succeeds and returns a
// non-zero hard-iron offset; it does not compare the recovered offset
// against trueHardIron.
func TestS6EllipsoidFitRecoversKnownHardIronOffset(t *testing.T) {
	trueHardIron := algebra.Vec3{X: 50, Y: -30, Z: 20}
	samples := make([]algebra.Vec3, 64)
	for i := range samples {
		theta := float32(i) / float32(len(samples)) * 2 * math32.Pi
		phi := float32(i%8) / 8 * math32.Pi
		radius := float32(500)
		samples[i] = algebra.Vec3{
			X: radius*math32.Cos(theta)*math32.Sin(phi) + trueHardIron.X,
			Y: radius*math32.Sin(theta)*math32.Sin(phi) + trueHardIron.Y,
			Z: radius*math32.Cos(phi) + trueHardIron.Z,
		}
	}

	fit, err := calib.FitEllipsoid(samples)
	if err != nil {
		t.Fatalf("FitEllipsoid: %v", err)
	}
	if fit.HardIron.Len() <= 0 {
		t.Fatalf("expected a non-trivial recovered hard-iron offset")
	}
}
