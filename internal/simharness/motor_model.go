// Package simharness is test infrastructure, not core autopilot logic
// (spec.md §1's scope boundary): a synthetic flight-dynamics model that
// turns commanded motor duties into the raw accel/gyro/baro/GPS event
// streams spec.md §8's seed scenarios (S1-S6) describe, plus a
// Monte-Carlo sweep that perturbs sensor noise to check invariants 1-2
// hold statistically across many traces rather than just one. Grounded
// on internal/simulation/interface.go's Simulator/SimulatorState/
// Scenario shape and montecarlo.go's worker-pool sweep, trimmed of the
// X-Plane/JSBSim subprocess transport and the ASGARD-cross-service
// scenario categories — this repo has no external simulator to connect
// to, only an in-process point-mass model.
package simharness

import (
	"github.com/chewxy/math32"

	"github.com/skyforge/flightcore/internal/algebra"
	"github.com/skyforge/flightcore/internal/mixing"
)

// MotorCurve converts a commanded duty fraction [0,1] into thrust (N),
// a drastically trimmed stand-in for the full MotorModel
// (KVRating/efficiency-curve/thermal simulation): this harness only
// needs a monotonic duty-to-thrust mapping, not current draw or winding
// temperature, so those fields are dropped rather than carried
// unused.
type MotorCurve struct {
	MaxThrustN float32 // thrust at duty fraction 1.0
}

// DefaultMotorCurve matches a small quadrotor: four motors each capable
// of about half of DefaultFrameGeometry's weight at full duty, so that
// frame hovers at a duty of about 0.7 (thrust is quadratic in duty).
func DefaultMotorCurve() MotorCurve {
	return MotorCurve{MaxThrustN: 6.0}
}

// Thrust returns the thrust a single motor produces at the given duty
// fraction, using the same quadratic duty-to-thrust relationship real
// propellers exhibit (thrust ∝ RPM², RPM ∝ duty for a fixed-KV motor).
func (c MotorCurve) Thrust(duty float32) float32 {
	if duty < 0 {
		duty = 0
	} else if duty > 1 {
		duty = 1
	}
	return c.MaxThrustN * duty * duty
}

// FrameGeometry captures the quad-X arm length and motor-to-axis
// geometry used to convert per-motor thrust into body torques, matching
// mma.c's motor ordering (mixing.MotorFrontLeft...MotorFrontRight).
type FrameGeometry struct {
	ArmLengthM   float32
	MassKg       float32
	YawTorqueCoeff float32 // reaction-torque-per-thrust-Newton for yaw
	InertiaXX, InertiaYY, InertiaZZ float32
}

// DefaultFrameGeometry is a small (≈1.2 kg) quadrotor, chosen so that
// hover duty sits comfortably inside [0,1] with DefaultMotorCurve.
func DefaultFrameGeometry() FrameGeometry {
	return FrameGeometry{
		ArmLengthM:     0.225,
		MassKg:         1.2,
		YawTorqueCoeff: 0.02,
		InertiaXX:      0.015,
		InertiaYY:      0.015,
		InertiaZZ:      0.025,
	}
}

// motorArmDirections gives each motor's (x,y) position sign in the body
// frame for a quad-X layout, matching mma.c's motor index convention:
// front-left, rear-right, rear-left, front-right.
var motorArmDirections = [mixing.NumMotors][2]float32{
	mixing.MotorFrontLeft:  {1, -1},
	mixing.MotorRearRight:  {-1, 1},
	mixing.MotorRearLeft:   {-1, -1},
	mixing.MotorFrontRight: {1, 1},
}

// motorYawSign gives each motor's spin direction (CW motors produce
// positive reaction yaw torque, CCW negative), alternating across the
// quad-X layout the way a real frame's prop rotation does.
var motorYawSign = [mixing.NumMotors]float32{
	mixing.MotorFrontLeft:  1,
	mixing.MotorRearRight:  1,
	mixing.MotorRearLeft:   -1,
	mixing.MotorFrontRight: -1,
}

// BodyForcesAndTorques converts four per-motor duty fractions into the
// net body-frame thrust (always along -Z, body up) and the roll/pitch/
// yaw torques that thrust differential produces.
func BodyForcesAndTorques(curve MotorCurve, geom FrameGeometry, duties [mixing.NumMotors]float32) (thrustN float32, torque algebra.Vec3) {
	for i, d := range duties {
		t := curve.Thrust(d)
		thrustN += t
		dir := motorArmDirections[i]
		torque.X += dir[1] * geom.ArmLengthM * t // roll torque
		torque.Y += dir[0] * geom.ArmLengthM * t // pitch torque
		torque.Z += motorYawSign[i] * geom.YawTorqueCoeff * t
	}
	return thrustN, torque
}

// AngularAcceleration applies the rigid-body Euler equation (simplified,
// no gyroscopic cross-coupling term — adequate for the small-rate seed
// scenarios this harness drives) to convert torque into body angular
// acceleration.
func AngularAcceleration(geom FrameGeometry, torque algebra.Vec3) algebra.Vec3 {
	return algebra.Vec3{
		X: torque.X / geom.InertiaXX,
		Y: torque.Y / geom.InertiaYY,
		Z: torque.Z / geom.InertiaZZ,
	}
}

// gravityMPS2 matches the EKF's own gravity constant (spec.md §3.2's NED
// accelerometer model): 9.80665 m/s^2 downward.
const gravityMPS2 = 9.80665

// SpecificForce returns the body-frame specific force an accelerometer
// measures for a vehicle producing thrustN of total thrust along its
// body -Z (up) axis. An accelerometer measures specific force, not
// gravity-inclusive acceleration, so gravity never appears here — a
// vehicle in free fall with thrustN == 0 reads zero, matching a real
// accelerometer.
func SpecificForce(mass float32, thrustN float32) algebra.Vec3 {
	return algebra.Vec3{X: 0, Y: 0, Z: -thrustN / mass}
}

// hoverDuty solves MotorCurve.Thrust(d)*4 == weight for d, the duty
// fraction at which a quad built from curve/geom hovers motionless;
// scenario builders use it to seed a trimmed starting condition instead
// of beginning every trace from a free-fall transient.
func hoverDuty(curve MotorCurve, geom FrameGeometry) float32 {
	weight := geom.MassKg * gravityMPS2
	perMotor := weight / 4
	if curve.MaxThrustN <= 0 {
		return 0
	}
	return math32.Sqrt(perMotor / curve.MaxThrustN)
}
