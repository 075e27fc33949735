package mixing

import "testing"

func identityMixer(t *testing.T) Mixer {
	t.Helper()
	atten, err := NewAttenuation(1, 1, 1, 0.5)
	if err != nil {
		t.Fatalf("NewAttenuation: %v", err)
	}
	m := Mixer{Atten: atten}
	for i := range m.Calib {
		m.Calib[i] = MotorCalibration{Gain: 1, Offset: 0}
	}
	return m
}

// TestThrottleMonotonic is testable property 9: increasing throttle with
// all other demands held at zero must not decrease any motor's duty
// cycle.
func TestThrottleMonotonic(t *testing.T) {
	m := identityMixer(t)
	prev := m.Mix(0.1, 0, 0, 0)
	for _, thr := range []float32{0.2, 0.3, 0.4, 0.5, 0.6} {
		next := m.Mix(thr, 0, 0, 0)
		for i := range next {
			if next[i] < prev[i]-1e-6 {
				t.Fatalf("motor %d duty decreased with increasing throttle: %v -> %v", i, prev[i], next[i])
			}
		}
		prev = next
	}
}

// TestPureThrottleBalanced is testable property 10: a pure throttle
// demand (no roll/pitch/yaw) must drive all four motors equally.
func TestPureThrottleBalanced(t *testing.T) {
	m := identityMixer(t)
	pwm := m.Mix(0.5, 0, 0, 0)
	for i := 1; i < NumMotors; i++ {
		if pwm[i] != pwm[0] {
			t.Fatalf("pure throttle demand produced unbalanced motors: %+v", pwm)
		}
	}
}

func TestMixClampsToUnitRange(t *testing.T) {
	m := identityMixer(t)
	pwm := m.Mix(0.9, 0.9, 0.9, 0.9)
	for i, v := range pwm {
		if v > 1 || v < 0 {
			t.Fatalf("motor %d out of [0,1]: %v", i, v)
		}
	}
	pwm = m.Mix(-1, -1, -1, -1)
	for i, v := range pwm {
		if v > 1 || v < 0 {
			t.Fatalf("motor %d out of [0,1] on negative demand: %v", i, v)
		}
	}
}

func TestMotorSignPattern(t *testing.T) {
	m := identityMixer(t)
	pwm := m.Mix(0.5, 0.1, 0, 0)
	if pwm[MotorFrontLeft] <= pwm[MotorRearRight] {
		t.Fatalf("positive roll should raise front-left relative to rear-right: %+v", pwm)
	}
	if pwm[MotorFrontRight] >= pwm[MotorFrontLeft] {
		t.Fatalf("positive roll should lower front-right relative to front-left: %+v", pwm)
	}
}

func TestAttenuationRejectsOutOfBoundsCurve(t *testing.T) {
	if _, err := NewAttenuation(3, 1, 1, 0.5); err == nil {
		t.Fatalf("expected error for attenuation value above max")
	}
	if _, err := NewAttenuation(1, 1, 1, 0.95); err == nil {
		t.Fatalf("expected error for midArg above range")
	}
}
