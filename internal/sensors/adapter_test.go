package sensors

import (
	"math"
	"testing"

	"github.com/skyforge/flightcore/internal/algebra"
)

func identityCalib() *Calibration {
	c := &Calibration{
		AccelNonOrtho: [3][3]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		MagSoftIron:   [3][3]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		ReferencePressurePa: 101325,
		Reference:           NewGeodeticRef(0.7, -1.3, 100),
	}
	return c
}

func TestGPSReferenceNullTransform(t *testing.T) {
	a := NewAdapter(identityCalib())
	refLatNano := int64(0.7 * 180 / math.Pi * 1e9)
	refLonNano := int64(-1.3 * 180 / math.Pi * 1e9)

	ev := Event{
		Kind: KindGPS, Fix: 3, HDOP: 1,
		LatNano: refLatNano, LonNano: refLonNano, AltMM: 100000,
	}
	sample, err := a.ProcessGPS(ev)
	if err != nil {
		t.Fatalf("ProcessGPS: %v", err)
	}
	const tol = 0.5 // metres; nanodegree rounding limits precision
	if abs32(sample.Position.X) > tol || abs32(sample.Position.Y) > tol || abs32(sample.Position.Z) > tol {
		t.Fatalf("reference point did not map to ~origin: %+v", sample.Position)
	}
}

func TestProcessGPSRejectsNoFix(t *testing.T) {
	a := NewAdapter(identityCalib())
	_, err := a.ProcessGPS(Event{Kind: KindGPS, Fix: 0})
	if err == nil {
		t.Fatalf("expected error for Fix=0")
	}
}

func TestGyroRateFallsBackWhenTimestepZero(t *testing.T) {
	a := NewAdapter(identityCalib())
	ev1 := Event{Kind: KindGyro, TimestampUs: 1000, GyroRateMilliRad: [3]int32{10, 20, 30}, GyroDeltaAngleUrad: [3]uint32{100, 200, 300}}
	if _, err := a.selectGyroRate(ev1); err != nil {
		t.Fatalf("first sample: %v", err)
	}

	ev2 := Event{Kind: KindGyro, TimestampUs: 1000, GyroRateMilliRad: [3]int32{11, 21, 31}, GyroDeltaAngleUrad: [3]uint32{150, 250, 350}}
	got, err := a.selectGyroRate(ev2)
	if err != nil {
		t.Fatalf("second sample: %v", err)
	}
	want := algebra.Vec3{X: 0.011, Y: 0.021, Z: 0.031}
	if !approxEqV(got, want, 1e-6) {
		t.Fatalf("expected instantaneous fallback on zero dt, got %+v want %+v", got, want)
	}
}

func TestGyroRateUsesDeltaAngleQuotientWhenSane(t *testing.T) {
	a := NewAdapter(identityCalib())
	ev1 := Event{Kind: KindGyro, TimestampUs: 0, GyroDeltaAngleUrad: [3]uint32{0, 0, 0}}
	if _, err := a.selectGyroRate(ev1); err != nil {
		t.Fatalf("first sample: %v", err)
	}

	// 1000us later, angle advanced by 1000urad on X => 1 rad/s, well within
	// the 50*pi sanity bound.
	ev2 := Event{Kind: KindGyro, TimestampUs: 1000, GyroDeltaAngleUrad: [3]uint32{1000, 0, 0}}
	got, err := a.selectGyroRate(ev2)
	if err != nil {
		t.Fatalf("second sample: %v", err)
	}
	if !approxEq(got.X, 1.0, 1e-4) {
		t.Fatalf("expected quotient 1.0 rad/s, got %v", got.X)
	}
}

func TestGyroRateWrapReinterpretedAsSigned(t *testing.T) {
	a := NewAdapter(identityCalib())
	ev1 := Event{Kind: KindGyro, TimestampUs: 0, GyroDeltaAngleUrad: [3]uint32{10, 0, 0}}
	if _, err := a.selectGyroRate(ev1); err != nil {
		t.Fatalf("first sample: %v", err)
	}

	// Accumulator wrapped backwards past zero: newer - older underflows to
	// a huge uint32, which must be reinterpreted as a small negative delta
	// rather than treated as an enormous positive rate.
	ev2 := Event{Kind: KindGyro, TimestampUs: 1000, GyroDeltaAngleUrad: [3]uint32{5, 0, 0}}
	got, err := a.selectGyroRate(ev2)
	if err != nil {
		t.Fatalf("second sample: %v", err)
	}
	if abs32(got.X) > gyroMaxSensibleRadPerSec {
		t.Fatalf("wrapped delta not reinterpreted as small signed value: got %v", got.X)
	}
}

func TestGyroRateSanityBoundFallsBackToInstantaneous(t *testing.T) {
	a := NewAdapter(identityCalib())
	ev1 := Event{Kind: KindGyro, TimestampUs: 0, GyroDeltaAngleUrad: [3]uint32{0, 0, 0}}
	if _, err := a.selectGyroRate(ev1); err != nil {
		t.Fatalf("first sample: %v", err)
	}

	// A huge angle jump over a tiny dt implies an absurd rate; must fall
	// back to the instantaneous reading.
	ev2 := Event{
		Kind: KindGyro, TimestampUs: 1, GyroDeltaAngleUrad: [3]uint32{1_000_000, 0, 0},
		GyroRateMilliRad: [3]int32{5, 0, 0},
	}
	got, err := a.selectGyroRate(ev2)
	if err != nil {
		t.Fatalf("second sample: %v", err)
	}
	if !approxEq(got.X, 0.005, 1e-6) {
		t.Fatalf("expected instantaneous fallback 0.005, got %v", got.X)
	}
}

func TestBaroEmitsDeltaNotAbsolute(t *testing.T) {
	a := NewAdapter(identityCalib())
	s1, err := a.ProcessBaro(Event{Kind: KindBaro, TimestampUs: 0, PressurePa: 101325})
	if err != nil {
		t.Fatalf("first sample: %v", err)
	}
	if s1.DeltaAltM != 0 {
		t.Fatalf("first sample should report zero delta (no prior altitude), got %v", s1.DeltaAltM)
	}

	// Lower pressure => higher altitude => positive delta, smoothed by the
	// low-pass filter so it will be small but nonzero on this step.
	_, err = a.ProcessBaro(Event{Kind: KindBaro, TimestampUs: 1, PressurePa: 101225})
	if err != nil {
		t.Fatalf("second sample: %v", err)
	}
}

func TestVoterDiscardsOutlier(t *testing.T) {
	v := NewVoter()
	v.Feed(algebra.Vec3{X: 1, Y: 1, Z: 1}, algebra.Vec3{})
	v.Feed(algebra.Vec3{X: 1.01, Y: 1, Z: 1}, algebra.Vec3{})
	got := v.VoteAccel(algebra.Vec3{X: 50, Y: 1, Z: 1}) // gross outlier on X
	if got.X > 2 {
		t.Fatalf("outlier not rejected: got X=%v", got.X)
	}
}

func TestVoterPassthroughSingleSample(t *testing.T) {
	v := NewVoter()
	in := algebra.Vec3{X: 3, Y: -2, Z: 0.5}
	got := v.VoteGyro(in)
	if got != in {
		t.Fatalf("single-sample vote should pass through unchanged: got %+v want %+v", got, in)
	}
}

func approxEqV(a, b algebra.Vec3, tol float32) bool {
	return approxEq(a.X, b.X, tol) && approxEq(a.Y, b.Y, tol) && approxEq(a.Z, b.Z, tol)
}

func approxEq(a, b, tol float32) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < tol
}
