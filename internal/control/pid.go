// Package control implements the two-stage rate-then-PID controller
// (spec.md §4.4): a position/attitude error is turned into a target rate
// via an R-gain, then a standard P/I/D loop drives the rate error toward
// zero. Grounded on original_source/quadcontrol/pid.c/.h.
package control

import (
	"github.com/chewxy/math32"

	"github.com/skyforge/flightcore/internal/algebra"
)

// Flag bits controlling which PID terms contribute to the output,
// matching pid.h's PID_IGNORE_P/I/D and PID_RESET_I bitmask.
type Flags uint32

const (
	FlagFull    Flags = 0
	FlagIgnoreP Flags = 1 << 0
	FlagIgnoreI Flags = 1 << 1
	FlagIgnoreD Flags = 1 << 2
	FlagResetI  Flags = 1 << 3
)

// NoBound disables the cyclic position-error wrap (pid.h's NO_BOUNDVAL).
const NoBound = 0

// coef is one IIR-filtered, clamped gain stage (pid_coef_t).
type coef struct {
	K   float32 // coefficient value
	Max float32 // maximum impact of this term
	F   float32 // IIR parameter; 0 disables filtering
	val float32
}

func (c *coef) store(newVal float32) {
	if c.F == 0 {
		c.val = newVal
	} else {
		c.val = c.val*c.F + (1-c.F)*newVal
	}
	if c.val > c.Max {
		c.val = c.Max
	}
	if c.val < -c.Max {
		c.val = -c.Max
	}
}

// Controller is a scalar two-stage R->PID loop (pid_ctx_t / pid_calc).
type Controller struct {
	R, P, I, D coef
	prevErr    float32
	// ErrBound is the symmetric cyclic-wrap boundary for position error
	// (e.g. pi for a heading controller); NoBound disables wrapping.
	ErrBound float32
	Flags    Flags
}

// NewController returns a zeroed controller; gains (K/Max/F per stage)
// must be set by the caller before Calc is first invoked, matching
// pid_init's contract that tuning is the caller's responsibility.
func NewController() *Controller {
	return &Controller{}
}

// Calc runs one iteration: position-error (with optional cyclic wrap) ->
// target rate via R -> P/I/D of the rate error -> summed output. dt is
// in seconds.
func (c *Controller) Calc(targetPos, currPos, currRate, dt float32) float32 {
	err := targetPos - currPos
	if c.ErrBound != NoBound {
		if err > c.ErrBound {
			err -= 2 * c.ErrBound
		}
		if err < -c.ErrBound {
			err += 2 * c.ErrBound
		}
	}

	c.R.store(err * c.R.K)

	err = c.R.val - currRate
	c.P.store(err * c.P.K)
	var out float32
	if c.Flags&FlagIgnoreP == 0 {
		out += c.P.val
	}

	c.I.store(c.I.val + err*dt*c.I.K)
	if c.Flags&FlagResetI != 0 {
		c.I.val = 0
	}
	if c.Flags&FlagIgnoreI == 0 {
		out += c.I.val
	}

	if dt != 0 {
		c.D.store((err - c.prevErr) * c.D.K / dt)
	}
	if c.Flags&FlagIgnoreD == 0 {
		out += c.D.val
	}
	c.prevErr = err

	return out
}

// coef3 is the Vec3 analogue of coef (pid_store3d): the same IIR
// filtering, but the clamp limits the vector's length rather than a
// scalar magnitude.
type coef3 struct {
	K, Max, F float32
	val       algebra.Vec3
}

func (c *coef3) store(newVal algebra.Vec3) {
	if c.F == 0 {
		c.val = newVal
	} else {
		c.val = c.val.Scale(c.F).Add(newVal.Scale(1 - c.F))
	}
	if l := c.val.Len(); l > c.Max && l > 0 {
		c.val = c.val.Scale(c.Max / l)
	}
}

// Controller3D is the Vec3 two-stage controller used for horizontal
// position hold (pid_calc3d / quad_attPos): position error -> target
// velocity -> P/I/D of the velocity error -> a target acceleration
// vector, which quad_attPos-equivalent callers convert to roll/pitch via
// AttitudeFromAccel.
type Controller3D struct {
	R, P, I, D coef3
	prevErr    algebra.Vec3
	Flags      Flags
}

func NewController3D() *Controller3D {
	return &Controller3D{}
}

// Calc mirrors pid_calc3d: note the original's D stage never calls
// pid_store3d before folding the term into the output (its IIR filter
// and length clamp are applied to P and I but not D) — this repo
// reproduces that asymmetry rather than silently "fixing" it, since it
// is not named as a defect or open question anywhere in spec.md.
func (c *Controller3D) Calc(targetPos, currPos, currRate algebra.Vec3, dt float32) algebra.Vec3 {
	posErr := targetPos.Sub(currPos)

	c.R.store(posErr.Scale(c.R.K))
	rateErr := c.R.val.Sub(currRate)

	var out algebra.Vec3

	pTerm := rateErr.Scale(c.P.K)
	c.P.store(pTerm)
	if c.Flags&FlagIgnoreP == 0 {
		out = out.Add(c.P.val)
	}

	iTerm := c.I.val.Add(rateErr.Scale(dt * c.I.K))
	c.I.store(iTerm)
	if c.Flags&FlagResetI != 0 {
		c.I.val = algebra.Vec3{}
	}
	if c.Flags&FlagIgnoreI == 0 {
		out = out.Add(c.I.val)
	}

	var dTerm algebra.Vec3
	if dt != 0 {
		dTerm = rateErr.Sub(c.prevErr).Scale(c.D.K / dt)
	}
	if c.Flags&FlagIgnoreD == 0 {
		out = out.Add(dTerm)
	}
	c.prevErr = rateErr

	return out
}

// AttitudeFromAccel converts a target NED (well, ENU-style body-plane)
// acceleration vector into roll/pitch commands, clipping its magnitude to
// tan(pi/4)*|g| and rotating it into the body frame by the current yaw
// (quad_attPos). angleLimit bounds the returned roll/pitch (typically
// pi/4, matching ANGLE_THRESHOLD_LOW's dual use as both the clip-angle
// basis and the output limit).
func AttitudeFromAccel(accelEarth algebra.Vec3, yaw, gravity, angleLimit float32) (roll, pitch float32) {
	accMax := math32.Tan(angleLimit) * gravity
	if l := accelEarth.Len(); l > accMax && l > 0 {
		accelEarth = accelEarth.Scale(accMax / l)
	}

	yawCos, yawSin := math32.Cos(yaw), math32.Sin(yaw)
	accBodyX := accelEarth.X*yawCos - accelEarth.Y*yawSin
	accBodyY := accelEarth.Y*yawCos + accelEarth.X*yawSin

	roll = math32.Atan(accBodyX / gravity)
	pitch = -math32.Atan(accBodyY / gravity)

	roll = clampf(roll, -angleLimit, angleLimit)
	pitch = clampf(pitch, -angleLimit, angleLimit)
	return roll, pitch
}

func clampf(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
