package fusion

import (
	"context"
	"fmt"

	"github.com/skyforge/flightcore/internal/algebra"
	"github.com/skyforge/flightcore/internal/sensors"
)

// Every measurement model follows the same shape: build H and z-Hx, R,
// run H*P*Hᵀ+R through Component A's scratch-buffer inversion, form the
// Kalman gain, update state and covariance, renormalise the quaternion,
// symmetrize the covariance. A singular S is reported as an error and the
// update is skipped (spec.md §7) rather than aborting the filter.

// IMUMeasurement is the 14-dimensional gravity/heading fusion update:
// the measured gravity direction and magnetic heading, each compared
// against their frame-rotated prediction, using an innovation-adaptive R
// that grows with both the gravity-alignment residual and the current
// turn rate (original_source/ekf/kalman_update_imu.c's qEstErr term).
type IMUMeasurement struct {
	AccelFiltered algebra.Vec3 // specific force, body frame, gravity-dominated when not maneuvering
	MagFiltered   algebra.Vec3 // magnetic field, body frame
	GyroFiltered  algebra.Vec3 // used only to scale R, not as a measurement itself
	NEDGravity    algebra.Vec3 // reference gravity direction, NED
	NEDMagnetic   algebra.Vec3 // reference magnetic field direction, NED
}

// Apply submits this measurement to the filter and blocks for the result.
func (m IMUMeasurement) Apply(ctx context.Context, e *EKF) error {
	return e.enqueueUpdate(ctx, func(e *EKF) error { return e.updateIMU(m) })
}

func (e *EKF) updateIMU(m IMUMeasurement) error {
	const dim = 14 // quaternion innovation (4) + gravity (3) + magnetic (3) + gyro-bias prior (3) + accel-z-bias hint (1)
	q := e.state.Quat()

	// Predicted gravity/heading directions, rotated into the body frame
	// by the current attitude estimate.
	predictedG := algebra.VecRot(m.NEDGravity, q.Conjugate())
	predictedM := algebra.VecRot(m.NEDMagnetic, q.Conjugate())

	// Frame-alignment quaternion between the measured pair and the
	// reference pair, used only to build a quaternion-space innovation
	// (kalman_update_imu.c's quat_frameRot(nedG, nedY, accel, mag, &qEst)).
	qMeasured := algebra.FrameRotVec(m.NEDGravity, m.NEDMagnetic, predictedG, predictedM, q)

	H, R, z := e.measBuffers(dim)

	// Rows 0-3: quaternion-space innovation between qMeasured and q.
	qDelta := qMeasured.Mul(q.Conjugate())
	z[0], z[1], z[2], z[3] = qDelta.A-1, qDelta.I, qDelta.J, qDelta.K
	H.Set(0, IdxQA, 1)
	H.Set(1, IdxQI, 1)
	H.Set(2, IdxQJ, 1)
	H.Set(3, IdxQK, 1)

	// Rows 4-6: gravity-direction residual in body frame.
	gResidual := m.AccelFiltered.Normalize().Sub(predictedG.Normalize())
	z[4], z[5], z[6] = gResidual.X, gResidual.Y, gResidual.Z
	gJac := quatRotJacobian(q.Conjugate(), m.NEDGravity)
	for j := 0; j < 4; j++ {
		H.Set(4, IdxQA+j, gJac[0][j])
		H.Set(5, IdxQA+j, gJac[1][j])
		H.Set(6, IdxQA+j, gJac[2][j])
	}

	// Rows 7-9: magnetic-direction residual in body frame.
	mResidual := m.MagFiltered.Normalize().Sub(predictedM.Normalize())
	z[7], z[8], z[9] = mResidual.X, mResidual.Y, mResidual.Z
	mJac := quatRotJacobian(q.Conjugate(), m.NEDMagnetic)
	for j := 0; j < 4; j++ {
		H.Set(7, IdxQA+j, mJac[0][j])
		H.Set(8, IdxQA+j, mJac[1][j])
		H.Set(9, IdxQA+j, mJac[2][j])
	}

	// Rows 10-12: gyro bias pseudo-measurement (soft prior pulling bw
	// toward its current estimate at low gain via R, letting the other
	// rows do the actual correcting).
	z[10], z[11], z[12] = 0, 0, 0
	H.Set(10, IdxBWX, 1)
	H.Set(11, IdxBWY, 1)
	H.Set(12, IdxBWZ, 1)
	// Row 13: accel-z-bias hint, the 14th dimension — a soft prior on BAZ
	// with zero innovation, weighted by the same weak R as rows 10-12.
	z[13] = 0
	H.Set(13, IdxBAZ, 1)

	gDiff := gResidual.Len()
	qEstErr := 0.1 + 100*gDiff*gDiff + 10*m.GyroFiltered.Len()

	for i := 0; i < 4; i++ {
		R.Set(i, i, qEstErr)
	}
	for i := 4; i < 10; i++ {
		R.Set(i, i, qEstErr*0.5)
	}
	for i := 10; i < dim; i++ {
		R.Set(i, i, 1000) // weak prior, nearly uninformative
	}

	return e.updateGeneric(H, z, R)
}

// BaroMeasurement is the 2-dimensional barometric update: differenced
// altitude and the vertical-velocity state, both compared against the
// predicted change implied by v_z*dt (spec.md's stated 2-dim model;
// original_source/ekf/kalman_update_baro.c shows only the Δh row —
// see DESIGN.md for why the v_z row is added here regardless).
type BaroMeasurement struct {
	DeltaAltM float32
	Dt        float32
	SigmaDh   float32
	SigmaVz   float32
}

func (m BaroMeasurement) Apply(ctx context.Context, e *EKF) error {
	return e.enqueueUpdate(ctx, func(e *EKF) error { return e.updateBaro(m) })
}

func (e *EKF) updateBaro(m BaroMeasurement) error {
	v := e.state.Velocity()
	predictedDh := -v.Z * m.Dt // NED: +Z is down, so climbing (v.Z<0) gives positive Δh

	H, R, z := e.measBuffers(2)
	H.Set(0, IdxVZ, -m.Dt)
	H.Set(1, IdxVZ, 1)

	z[0], z[1] = m.DeltaAltM-predictedDh, 0

	sigmaDh, sigmaVz := m.SigmaDh, m.SigmaVz
	if sigmaDh <= 0 {
		sigmaDh = 0.2
	}
	if sigmaVz <= 0 {
		sigmaVz = 5
	}
	R.Set(0, 0, sigmaDh*sigmaDh)
	R.Set(1, 1, sigmaVz*sigmaVz)

	return e.updateGeneric(H, z, R)
}

// GPSMeasurement is the 4-dimensional position+velocity update in the
// horizontal plane, HDOP-scaled per original_source/ekf/kalman_update_gps.c
// (R diag 3*hdop, 3*hdop, 2, 2).
type GPSMeasurement struct {
	NED sensors.NEDSample
}

func (m GPSMeasurement) Apply(ctx context.Context, e *EKF) error {
	return e.enqueueUpdate(ctx, func(e *EKF) error { return e.updateGPS(m) })
}

func (e *EKF) updateGPS(m GPSMeasurement) error {
	r := e.state.Position()
	v := e.state.Velocity()

	H, R, z := e.measBuffers(4)
	H.Set(0, IdxRX, 1)
	H.Set(1, IdxRY, 1)
	H.Set(2, IdxVX, 1)
	H.Set(3, IdxVY, 1)

	z[0] = m.NED.Position.X - r.X
	z[1] = m.NED.Position.Y - r.Y
	z[2] = m.NED.Velocity.X - v.X
	z[3] = m.NED.Velocity.Y - v.Y

	hdop := m.NED.HDOP
	if hdop <= 0 {
		hdop = 1
	}
	R.Set(0, 0, 3*hdop)
	R.Set(1, 1, 3*hdop)
	R.Set(2, 2, 2)
	R.Set(3, 3, 2)

	return e.updateGPSWithPositionSeed(H, z, R)
}

// updateGPSWithPositionSeed is updateGeneric plus the one GPS-specific
// wrinkle: when position has never been observed (its covariance is
// still at its initial high value), the first fix seeds it directly
// rather than waiting for the Kalman gain to slowly converge, so that a
// cold start does not take dozens of fixes to leave the origin.
func (e *EKF) updateGPSWithPositionSeed(H *algebra.Matrix, z []float32, R *algebra.Matrix) error {
	const seedThreshold = 500 // covariance still near its initial 1000
	if e.cov.At(IdxRX, IdxRX) > seedThreshold {
		e.state.SetPosition(algebra.Vec3{
			X: e.state.Position().X + z[0],
			Y: e.state.Position().Y + z[1],
			Z: e.state.Position().Z,
		})
		e.cov.Set(IdxRX, IdxRX, 50)
		e.cov.Set(IdxRY, IdxRY, 50)
		seeded := e.scratch.zSeedBuf[:len(z)]
		copy(seeded, z)
		seeded[0], seeded[1] = 0, 0
		z = seeded
	}
	return e.updateGeneric(H, z, R)
}

// updateGeneric is the shared Kalman update: innovation covariance,
// scratch-buffer inversion via Component A, gain, state correction,
// Joseph-free covariance update P=(I-KH)P, quaternion renormalisation.
// Returns an error (numerical-error category, §7) instead of applying a
// partial update when S is singular.
func (e *EKF) updateGeneric(H *algebra.Matrix, zMinusHx []float32, R *algebra.Matrix) error {
	dim := H.Rows()
	if dim > maxMeasDim {
		return fmt.Errorf("fusion: measurement dimension %d exceeds scratch buffer capacity", dim)
	}

	hp := algebra.NewMatrixView(dim, NumStates, e.scratch.hpBuf[:dim*NumStates])
	algebra.ProductSparse(H, e.cov.Matrix, hp)

	hT := *H
	hT.Transpose()

	s := algebra.NewMatrixView(dim, dim, e.scratch.sBuf[:dim*dim])
	algebra.Product(hp, &hT, s)
	algebra.Add(s, R, s)

	sInv := algebra.NewMatrixView(dim, dim, e.scratch.sInvBuf[:dim*dim])
	if err := algebra.Invert(s, sInv, e.scratch.invBuf[:2*dim*dim]); err != nil {
		return fmt.Errorf("fusion: innovation covariance inversion failed: %w", err)
	}

	pht := algebra.NewMatrixView(NumStates, dim, e.scratch.phtBuf[:NumStates*dim])
	algebra.Product(e.cov.Matrix, &hT, pht)

	k := algebra.NewMatrixView(NumStates, dim, e.scratch.kBuf[:NumStates*dim])
	algebra.Product(pht, sInv, k)

	for i := 0; i < NumStates; i++ {
		var correction float32
		for j := 0; j < dim; j++ {
			correction += k.At(i, j) * zMinusHx[j]
		}
		e.state[i] += correction
	}
	e.state.Normalize()

	kh := algebra.NewMatrixView(NumStates, NumStates, e.scratch.khBuf)
	algebra.ProductSparse(k, H, kh)
	imKH := algebra.NewMatrixView(NumStates, NumStates, e.scratch.imKHBuf)
	for i := 0; i < NumStates; i++ {
		for j := 0; j < NumStates; j++ {
			v := -kh.At(i, j)
			if i == j {
				v += 1
			}
			imKH.Set(i, j, v)
		}
	}
	newCov := algebra.NewMatrixView(NumStates, NumStates, e.scratch.newCovBuf)
	algebra.Product(imKH, e.cov.Matrix, newCov)
	for i := 0; i < NumStates; i++ {
		for j := 0; j < NumStates; j++ {
			e.cov.Set(i, j, newCov.At(i, j))
		}
	}
	algebra.Symmetrize(e.cov.Matrix)
	return nil
}
