package control

import (
	"math"
	"testing"

	"github.com/skyforge/flightcore/internal/algebra"
)

func TestCyclicErrorWrapsToShortestPath(t *testing.T) {
	c := NewController()
	c.R = coef{K: 1, Max: 1000}
	c.P = coef{K: 1, Max: 1000}
	c.I = coef{K: 0, Max: 1000}
	c.D = coef{K: 0, Max: 1000}
	c.ErrBound = math.Pi

	// target near +pi, current near -pi: naive difference is ~2pi, but the
	// cyclic wrap should fold it to a small error near zero.
	target := float32(3.0)
	curr := float32(-3.0)
	out := c.Calc(target, curr, 0, 0.001)

	if out > 1 || out < -1 {
		t.Fatalf("cyclic wrap did not fold large angular difference: out=%v", out)
	}
}

func TestNoBoundLeavesLargeErrorUnwrapped(t *testing.T) {
	c := NewController()
	c.R = coef{K: 1, Max: 1000}
	c.P = coef{K: 1, Max: 1000}
	c.ErrBound = NoBound

	out := c.Calc(100, 0, 0, 0.001)
	if out < 50 {
		t.Fatalf("expected large unwrapped error to produce a large output, got %v", out)
	}
}

func TestIntegratorResetFlag(t *testing.T) {
	c := NewController()
	c.R = coef{K: 1, Max: 1000}
	c.I = coef{K: 1, Max: 1000}
	c.Flags = FlagResetI

	c.Calc(10, 0, 0, 0.01)
	if c.I.val != 0 {
		t.Fatalf("FlagResetI should force the integrator to zero every step, got %v", c.I.val)
	}
}

func TestIgnoreFlagsZeroOutTerm(t *testing.T) {
	c := NewController()
	c.R = coef{K: 1, Max: 1000}
	c.P = coef{K: 5, Max: 1000}
	c.Flags = FlagIgnoreP

	out := c.Calc(1, 0, 0, 0.01)
	if out != 0 {
		t.Fatalf("FlagIgnoreP should exclude the P term entirely, got %v", out)
	}
}

func TestController3DLengthClamp(t *testing.T) {
	c := NewController3D()
	c.R = coef3{K: 1, Max: 1000}
	c.P = coef3{K: 10, Max: 2, F: 0}

	out := c.Calc(algebra.Vec3{X: 100}, algebra.Vec3{}, algebra.Vec3{}, 0.01)
	if out.Len() > 2.01 {
		t.Fatalf("P term length clamp not enforced: |out|=%v", out.Len())
	}
}

func TestAttitudeFromAccelClipsAndLimits(t *testing.T) {
	const g = float32(9.80665)
	roll, pitch := AttitudeFromAccel(algebra.Vec3{X: 1000, Y: 1000}, 0, g, math.Pi/4)
	if roll > math.Pi/4+1e-3 || roll < -math.Pi/4-1e-3 {
		t.Fatalf("roll exceeded angle limit: %v", roll)
	}
	if pitch > math.Pi/4+1e-3 || pitch < -math.Pi/4-1e-3 {
		t.Fatalf("pitch exceeded angle limit: %v", pitch)
	}
}
