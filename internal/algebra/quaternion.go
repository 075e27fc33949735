package algebra

import "github.com/chewxy/math32"

// Vec3 is a 3-element vector. Value semantics make the C library's
// "may arguments alias" documentation moot for most operations here; the
// few in-place helpers that take pointers are noted explicitly.
type Vec3 struct {
	X, Y, Z float32
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(a float32) Vec3 { return Vec3{v.X * a, v.Y * a, v.Z * a} }

func (v Vec3) Dot(o Vec3) float32 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

func (v Vec3) Len() float32 {
	return math32.Sqrt(v.Dot(v))
}

// Normalize returns v scaled to unit length. The zero vector is returned
// unchanged (callers at the boundary of a sensor read are expected to have
// already rejected degenerate input).
func (v Vec3) Normalize() Vec3 {
	l := v.Len()
	if l == 0 {
		return v
	}
	return v.Scale(1 / l)
}

// Quat is a Hamilton-convention quaternion: q = A + I*i + J*j + K*k, with
// i*j = k, j*k = i, k*i = j (not the JPL i*j = -k convention).
type Quat struct {
	A, I, J, K float32
}

// Identity is the multiplicative identity quaternion.
var Identity = Quat{A: 1}

// Mul returns q * o. Go's value semantics mean the "no output aliasing"
// caveat from the C library is structural here: there is no output
// parameter to alias.
func (q Quat) Mul(o Quat) Quat {
	return Quat{
		A: q.A*o.A - q.I*o.I - q.J*o.J - q.K*o.K,
		I: q.A*o.I + q.I*o.A + q.J*o.K - q.K*o.J,
		J: q.A*o.J - q.I*o.K + q.J*o.A + q.K*o.I,
		K: q.A*o.K + q.I*o.J - q.J*o.I + q.K*o.A,
	}
}

// Conjugate returns q*.
func (q Quat) Conjugate() Quat {
	return Quat{A: q.A, I: -q.I, J: -q.J, K: -q.K}
}

func (q Quat) Add(o Quat) Quat {
	return Quat{q.A + o.A, q.I + o.I, q.J + o.J, q.K + o.K}
}

func (q Quat) Scale(a float32) Quat {
	return Quat{q.A * a, q.I * a, q.J * a, q.K * a}
}

// Dot is the Euclidean 4D dot product of two quaternions.
func (q Quat) Dot(o Quat) float32 {
	return q.A*o.A + q.I*o.I + q.J*o.J + q.K*o.K
}

func (q Quat) Norm() float32 {
	return math32.Sqrt(q.Dot(q))
}

// Normalize returns q scaled to a unit quaternion.
func (q Quat) Normalize() Quat {
	n := q.Norm()
	if n == 0 {
		return Identity
	}
	return q.Scale(1 / n)
}

// Sandwich computes q * v * q* for a vector v embedded as a pure
// quaternion, returning the rotated vector. This is the canonical
// rotation of a 3-vector by a unit quaternion.
func (q Quat) Sandwich(v Vec3) Vec3 {
	p := Quat{A: 0, I: v.X, J: v.Y, K: v.Z}
	r := q.Mul(p).Mul(q.Conjugate())
	return Vec3{r.I, r.J, r.K}
}

// VecRot rotates v by qRot (alias of Sandwich, kept to mirror the
// original library's separate vector-rotation entry point; vector
// rotation, unlike quaternion multiply, permits the output to alias the
// input since both are plain values here).
func VecRot(v Vec3, qRot Quat) Vec3 {
	return qRot.Sandwich(v)
}

// FromAxisAngle builds the unit quaternion rotating by angle radians
// around axis (which need not be pre-normalized).
func FromAxisAngle(axis Vec3, angle float32) Quat {
	axis = axis.Normalize()
	s := math32.Sin(angle / 2)
	return Quat{A: math32.Cos(angle / 2), I: axis.X * s, J: axis.Y * s, K: axis.Z * s}
}

// UVec2UVec returns the quaternion rotating unit vector v1 into unit
// vector v2, handling the antipodal (v1 == -v2) case by picking an
// arbitrary axis perpendicular to v1.
func UVec2UVec(v1, v2 Vec3) Quat {
	d := v1.Dot(v2)
	if d > 0.999999 {
		return Identity
	}
	if d < -0.999999 {
		// v1 and v2 are antipodal: any axis perpendicular to v1 rotates
		// by pi. Pick the axis least aligned with v1 to stay well
		// conditioned.
		axis := Vec3{1, 0, 0}.Cross(v1)
		if axis.Len() < 1e-6 {
			axis = Vec3{0, 1, 0}.Cross(v1)
		}
		return FromAxisAngle(axis, math32.Pi)
	}
	axis := v1.Cross(v2)
	w := math32.Sqrt((1 + d) * 2)
	invW := 1 / w
	return Quat{A: w / 2, I: axis.X * invW, J: axis.Y * invW, K: axis.Z * invW}.Normalize()
}

// FrameRot computes the quaternion (closest to help, disambiguating the
// two-solution case inherent to aligning a 2-vector basis) that rotates
// orthonormal frame (v1, v2) into orthonormal frame (w1, w2). Grounded on
// quat_frameRot: first align v1 -> w1, then resolve the remaining
// rotation about w1 that best aligns the rotated v2 with w2, picking the
// sign that keeps the result nearest `help`.
func FrameRot(v1, v2, w1, w2, help Quat) Quat {
	v1Vec := Vec3{v1.I, v1.J, v1.K}
	w1Vec := Vec3{w1.I, w1.J, w1.K}
	return frameRotVec(v1Vec, Vec3{v2.I, v2.J, v2.K}, w1Vec, Vec3{w2.I, w2.J, w2.K}, help)
}

// FrameRotVec is the Vec3-typed entry point actually used throughout the
// sensor-measurement adapter and the IMU measurement model, where frames
// are expressed directly as unit vectors rather than pure quaternions.
func FrameRotVec(v1, v2, w1, w2 Vec3, help Quat) Quat {
	return frameRotVec(v1, v2, w1, w2, help)
}

func frameRotVec(v1, v2, w1, w2 Vec3, help Quat) Quat {
	qAlign := UVec2UVec(v1, w1)
	v2Aligned := qAlign.Sandwich(v2)

	// Remaining rotation is about axis w1, aligning v2Aligned with w2.
	// Project both onto the plane perpendicular to w1 to get a clean
	// in-plane angle.
	proj := func(v Vec3) Vec3 {
		return v.Sub(w1.Scale(v.Dot(w1)))
	}
	a := proj(v2Aligned).Normalize()
	b := proj(w2).Normalize()

	cosAng := clamp(a.Dot(b), -1, 1)
	sinSign := w1.Dot(a.Cross(b))
	angle := math32.Atan2(sinSign, cosAng) // sign consistent with right-hand rotation about w1
	_ = angle

	qResidual := FromAxisAngle(w1, math32.Atan2(w1.Dot(a.Cross(b)), cosAng))
	cand1 := qResidual.Mul(qAlign)
	cand2 := cand1.Scale(-1)

	if cand1.Dot(help) >= cand2.Dot(help) {
		return cand1.Normalize()
	}
	return cand2.Normalize()
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ToEuler performs a numerically stable conversion to Tait-Bryan
// (roll, pitch, yaw), clamping the pitch asin argument to [-1, 1] to
// avoid NaN from floating-point overshoot at the gimbal-adjacent poles.
func (q Quat) ToEuler() (roll, pitch, yaw float32) {
	sinrCosp := 2 * (q.A*q.I + q.J*q.K)
	cosrCosp := 1 - 2*(q.I*q.I+q.J*q.J)
	roll = math32.Atan2(sinrCosp, cosrCosp)

	sinp := 2 * (q.A*q.J - q.K*q.I)
	sinp = clamp(sinp, -1, 1)
	pitch = math32.Asin(sinp)

	sinyCosp := 2 * (q.A*q.K + q.I*q.J)
	cosyCosp := 1 - 2*(q.J*q.J+q.K*q.K)
	yaw = math32.Atan2(sinyCosp, cosyCosp)
	return
}
