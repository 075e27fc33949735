// Package fusion implements the 17-state quaternion error-state Extended
// Kalman Filter that fuses IMU, barometer and GPS measurements into a
// single attitude/velocity/position estimate (spec.md §3.2, §4.1).
package fusion

import (
	"github.com/skyforge/flightcore/internal/algebra"
)

// State layout, matching spec.md §3.2: [q(4) bw(3) v(3) ba(3) r(3) reserved(1)].
const (
	IdxQA = iota
	IdxQI
	IdxQJ
	IdxQK
	IdxBWX
	IdxBWY
	IdxBWZ
	IdxVX
	IdxVY
	IdxVZ
	IdxBAX
	IdxBAY
	IdxBAZ
	IdxRX
	IdxRY
	IdxRZ
	IdxReserved

	NumStates
)

// State is the EKF's 17-dimensional state vector with named accessors. It
// is kept as a flat array rather than a algebra.Matrix so the hot predict
// loop can address individual elements without bounds-checked matrix
// indirection; Covariance below wraps the 17x17 matrix for the pieces
// that do need general linear algebra.
type State [NumStates]float32

// NewState returns the identity-attitude, zero-everything-else initial
// state used before calibration supplies a better attitude estimate.
func NewState() State {
	s := State{}
	s[IdxQA] = 1
	return s
}

// Quat extracts the attitude quaternion.
func (s *State) Quat() algebra.Quat {
	return algebra.Quat{A: s[IdxQA], I: s[IdxQI], J: s[IdxQJ], K: s[IdxQK]}
}

// SetQuat writes back a (should already be unit) quaternion.
func (s *State) SetQuat(q algebra.Quat) {
	s[IdxQA], s[IdxQI], s[IdxQJ], s[IdxQK] = q.A, q.I, q.J, q.K
}

// GyroBias extracts the gyro bias estimate bw.
func (s *State) GyroBias() algebra.Vec3 {
	return algebra.Vec3{X: s[IdxBWX], Y: s[IdxBWY], Z: s[IdxBWZ]}
}

func (s *State) SetGyroBias(v algebra.Vec3) {
	s[IdxBWX], s[IdxBWY], s[IdxBWZ] = v.X, v.Y, v.Z
}

// Velocity extracts the NED velocity estimate.
func (s *State) Velocity() algebra.Vec3 {
	return algebra.Vec3{X: s[IdxVX], Y: s[IdxVY], Z: s[IdxVZ]}
}

func (s *State) SetVelocity(v algebra.Vec3) {
	s[IdxVX], s[IdxVY], s[IdxVZ] = v.X, v.Y, v.Z
}

// AccelBias extracts the accelerometer bias estimate ba.
func (s *State) AccelBias() algebra.Vec3 {
	return algebra.Vec3{X: s[IdxBAX], Y: s[IdxBAY], Z: s[IdxBAZ]}
}

func (s *State) SetAccelBias(v algebra.Vec3) {
	s[IdxBAX], s[IdxBAY], s[IdxBAZ] = v.X, v.Y, v.Z
}

// Position extracts the NED position estimate r.
func (s *State) Position() algebra.Vec3 {
	return algebra.Vec3{X: s[IdxRX], Y: s[IdxRY], Z: s[IdxRZ]}
}

func (s *State) SetPosition(v algebra.Vec3) {
	s[IdxRX], s[IdxRY], s[IdxRZ] = v.X, v.Y, v.Z
}

// Normalize renormalises the quaternion block in place; callers must
// invoke this after every state-touching predict or update step
// (testable property 1).
func (s *State) Normalize() {
	s.SetQuat(s.Quat().Normalize())
}

// Covariance is the 17x17 estimation-error covariance, wrapped as an
// algebra.Matrix so Component A's Gauss-Jordan inversion, sandwich
// product and transpose-flag tricks apply directly to it.
type Covariance struct {
	*algebra.Matrix
}

// NewCovariance returns a covariance seeded to diag(initVariances), one
// entry per state index; a nil slice initialises to the identity.
func NewCovariance(initVariances []float32) Covariance {
	m := algebra.NewMatrix(NumStates, NumStates)
	if initVariances == nil {
		m.Diag()
	} else {
		for i := 0; i < NumStates && i < len(initVariances); i++ {
			m.Set(i, i, initVariances[i])
		}
	}
	return Covariance{m}
}
