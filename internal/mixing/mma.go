// Package mixing implements the quad-X Motor Mixing Algorithm (Component
// E, spec.md §4.5): four PID demands (throttle, roll, pitch, yaw) are
// combined into four per-motor duty cycles, attenuated, calibrated and
// clamped. Grounded on original_source/quadcontrol/mma.c/.h.
package mixing

import "fmt"

const NumMotors = 4

// Motor index order matches mma.c's motorPaths table: front-left,
// rear-right, rear-left, front-right.
const (
	MotorFrontLeft = iota
	MotorRearRight
	MotorRearLeft
	MotorFrontRight
)

// Attenuation is the throttle-dependent piecewise-linear attenuation
// curve applied to the lateral torque demands (roll/pitch) before
// mixing, matching mma_atten_t: three control points (start, mid, end)
// joined by two line segments meeting at midArg.
type Attenuation struct {
	StartVal, MidVal, EndVal float32
	MidArg                   float32

	slope0, slope1 float32
}

const (
	attenFactorMin  = 0.0
	attenFactorMax  = 2.0
	attenMiddleMin  = 0.1
	attenMiddleMax  = 0.9
)

// NewAttenuation validates the curve's control points (mma_init's bounds
// checks) and precomputes its two segment slopes.
func NewAttenuation(startVal, midVal, endVal, midArg float32) (Attenuation, error) {
	for _, v := range []float32{startVal, midVal, endVal} {
		if v < attenFactorMin || v > attenFactorMax {
			return Attenuation{}, fmt.Errorf("mixing: attenuation curve value %v out of [%v,%v]", v, attenFactorMin, attenFactorMax)
		}
	}
	if midArg < attenMiddleMin || midArg > attenMiddleMax {
		return Attenuation{}, fmt.Errorf("mixing: attenuation midpoint %v out of [%v,%v]", midArg, attenMiddleMin, attenMiddleMax)
	}
	a := Attenuation{StartVal: startVal, MidVal: midVal, EndVal: endVal, MidArg: midArg}
	a.slope0 = (midVal - startVal) / midArg
	a.slope1 = (endVal - midVal) / (1 - midArg)
	return a, nil
}

// Apply scales val by the attenuation curve evaluated at throttle. The
// original's mma_pidAtten takes val as an output pointer but never writes
// through it (the attenuated throttle multiplier is computed into a local
// and discarded) — this repo's Apply returns the scaled value explicitly
// so the bug cannot recur structurally.
func (a Attenuation) Apply(throttle, val float32) float32 {
	var factor float32
	if throttle < a.MidArg {
		factor = a.StartVal + throttle*a.slope0
	} else {
		factor = a.MidVal + (throttle-a.MidArg)*a.slope1
	}
	return val * factor
}

// MotorCalibration is a per-motor linear response correction: pwm' =
// pwm*Gain + Offset (mma_calib / calib_data_t's motorEq table).
type MotorCalibration struct {
	Gain, Offset float32
}

// Mixer holds the attenuation curve and per-motor calibration; Mix is
// stateless given these, matching mma_control's pure-function shape once
// the armed/disarmed gate is factored out to the caller (internal/actuators
// owns that check, per spec.md §4.5's "write failure must be visible if
// disarmed" requirement).
type Mixer struct {
	Atten Attenuation
	Calib [NumMotors]MotorCalibration
}

// Mix combines throttle/roll/pitch/yaw demands into four clamped [0,1]
// motor duty cycles, in motor order front-left/rear-right/rear-left/
// front-right, matching mma_control's pwm[] assignment and sign pattern.
func (m Mixer) Mix(throttle, roll, pitch, yaw float32) [NumMotors]float32 {
	pitch = m.Atten.Apply(throttle, pitch)
	roll = m.Atten.Apply(throttle, roll)

	var pwm [NumMotors]float32
	pwm[MotorFrontLeft] = throttle + roll + pitch + yaw
	pwm[MotorRearRight] = throttle - roll - pitch + yaw
	pwm[MotorRearLeft] = throttle + roll - pitch - yaw
	pwm[MotorFrontRight] = throttle - roll + pitch - yaw

	for i := range pwm {
		pwm[i] = pwm[i]*m.Calib[i].Gain + m.Calib[i].Offset
		if pwm[i] > 1 {
			pwm[i] = 1
		} else if pwm[i] < 0 {
			pwm[i] = 0
		}
	}
	return pwm
}
