package fusion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/skyforge/flightcore/internal/algebra"
)

// Config holds the tunable parameters of the filter: process-noise
// variances per block (scaled by Δt² in buildQ, and by a further 1/4 on
// the quaternion block) and the behavior-changing switches
// resolved against spec.md's Open Questions (§9, DESIGN.md).
type Config struct {
	UpdateRateHz float32

	GyroNoise      float32 // process noise added to the quaternion block via (I-qqT) projection
	GyroBiasNoise  float32
	AccelBiasNoise float32
	VelocityNoise  float32

	Gravity algebra.Vec3 // NED gravity vector, nominally (0,0,+9.80665)

	// IntegratePosition resolves spec.md §9's Open Question #1 in favor
	// of interpretation (a): position is driven purely by GPS updates,
	// never dead-reckoned from velocity in Predict. Set true only for
	// installations that accept the resulting drift in exchange for a
	// position estimate between fixes.
	IntegratePosition bool

	Log *logrus.Entry
}

// EKF is the 17-state quaternion error-state Extended Kalman Filter
// (Component C). Its shape — a mutex-guarded state snapshot, a tick-
// driven Predict and a channel-fed Update, a Run loop selecting between
// the two — follows internal/fusion's ExtendedKalmanFilter, generalised
// from its fixed 15-state linear model to this package's 17-state
// quaternion kinematics.
type EKF struct {
	mu    sync.RWMutex
	state State
	cov   Covariance

	cfg Config
	dt  float32

	// scratch holds every workspace matrix the hot predict/update path
	// needs, sized once at construction so neither step allocates.
	scratch ekfScratch

	measurements chan measurementJob

	updateCount  uint64
	errorCount   uint64
	lastNumError error
}

// maxMeasDim is the largest measurement dimension any model in
// measurements.go builds (IMUMeasurement's 14), the size every
// per-update scratch buffer below is cut to.
const maxMeasDim = 14

type ekfScratch struct {
	f       *algebra.Matrix // 17x17 state transition Jacobian
	q       *algebra.Matrix // 17x17 process noise
	fp      *algebra.Matrix // F*P
	predCov *algebra.Matrix // F*P*Fᵀ

	invBuf []float32 // shared Gauss-Jordan scratch, sized for the largest measurement (14x14)

	// Per-measurement-update buffers, backing views sized to the
	// call's actual dim (<=maxMeasDim) via algebra.NewMatrixView. Sized
	// for the worst case so updateIMU/Baro/GPS/updateGeneric never call
	// algebra.NewMatrix or make() on the hot path.
	hBuf      []float32 // maxMeasDim x NumStates
	rBuf      []float32 // maxMeasDim x maxMeasDim
	zBuf      []float32 // maxMeasDim
	zSeedBuf  []float32 // maxMeasDim, GPS cold-start seed copy
	hpBuf     []float32 // maxMeasDim x NumStates
	sBuf      []float32 // maxMeasDim x maxMeasDim
	sInvBuf   []float32 // maxMeasDim x maxMeasDim
	phtBuf    []float32 // NumStates x maxMeasDim
	kBuf      []float32 // NumStates x maxMeasDim
	khBuf     []float32 // NumStates x NumStates
	imKHBuf   []float32 // NumStates x NumStates
	newCovBuf []float32 // NumStates x NumStates
}

func newScratch() ekfScratch {
	const n = NumStates
	const maxMeas = maxMeasDim
	return ekfScratch{
		f:       algebra.NewMatrix(n, n),
		q:       algebra.NewMatrix(n, n),
		fp:      algebra.NewMatrix(n, n),
		predCov: algebra.NewMatrix(n, n),
		invBuf:  make([]float32, 2*maxMeas*maxMeas),

		hBuf:      make([]float32, maxMeas*n),
		rBuf:      make([]float32, maxMeas*maxMeas),
		zBuf:      make([]float32, maxMeas),
		zSeedBuf:  make([]float32, maxMeas),
		hpBuf:     make([]float32, maxMeas*n),
		sBuf:      make([]float32, maxMeas*maxMeas),
		sInvBuf:   make([]float32, maxMeas*maxMeas),
		phtBuf:    make([]float32, n*maxMeas),
		kBuf:      make([]float32, n*maxMeas),
		khBuf:     make([]float32, n*n),
		imKHBuf:   make([]float32, n*n),
		newCovBuf: make([]float32, n*n),
	}
}

// measBuffers carves H (dim x NumStates, zeroed), R (dim x dim, zeroed)
// and z (dim, uninitialised — every caller fills it completely) out of
// the scratch buffers above. dim must not exceed maxMeasDim; callers
// pass a compile-time constant so this never fails in practice.
func (e *EKF) measBuffers(dim int) (H, R *algebra.Matrix, z []float32) {
	H = algebra.NewMatrixView(dim, NumStates, e.scratch.hBuf[:dim*NumStates])
	H.Zero()
	R = algebra.NewMatrixView(dim, dim, e.scratch.rBuf[:dim*dim])
	R.Zero()
	z = e.scratch.zBuf[:dim]
	return H, R, z
}

// measurementJob is one item on the Update channel: a closure built by
// the specific measurement model (ProcessIMU/Baro/GPS in measurements.go)
// that knows its own H/R/innovation construction.
type measurementJob struct {
	apply func(*EKF) error
	done  chan error
}

// New constructs an EKF seeded with the given initial attitude (typically
// from calibration) and a high-uncertainty covariance, matching Reset()'s
// own initialization.
func New(cfg Config, initialAttitude algebra.Quat) *EKF {
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.UpdateRateHz <= 0 {
		cfg.UpdateRateHz = 1000
	}
	e := &EKF{
		cfg:          cfg,
		dt:           1 / cfg.UpdateRateHz,
		scratch:      newScratch(),
		measurements: make(chan measurementJob, 64),
	}
	e.Reset(initialAttitude)
	return e
}

// Reset re-initialises state and covariance, preserving configuration.
func (e *EKF) Reset(initialAttitude algebra.Quat) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = NewState()
	e.state.SetQuat(initialAttitude.Normalize())

	initVar := make([]float32, NumStates)
	for i := range initVar {
		initVar[i] = 1000
	}
	// Attitude uncertainty starts tight: calibration already fixed it.
	initVar[IdxQA], initVar[IdxQI], initVar[IdxQJ], initVar[IdxQK] = 0.01, 0.01, 0.01, 0.01
	e.cov = NewCovariance(initVar)
}

// Predict advances state and covariance by one timestep using gyro- and
// accel-corrected IMU input: quaternion update via small-angle
// multiplication, bias states as random walks, velocity update via
// body-to-NED rotation of debiased accel plus gravity. Position is left
// untouched unless Config.IntegratePosition is set (spec.md §9 Open
// Question #1, resolved as interpretation (a) by default).
func (e *EKF) Predict(gyro, accel algebra.Vec3) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.state.Quat()
	bw := e.state.GyroBias()
	ba := e.state.AccelBias()
	v := e.state.Velocity()

	omega := gyro.Sub(bw)
	dTheta := omega.Scale(e.dt)
	deltaQ := algebra.Quat{A: 1, I: dTheta.X / 2, J: dTheta.Y / 2, K: dTheta.Z / 2}

	qNew := q.Mul(deltaQ).Normalize()

	aCorrected := accel.Sub(ba)
	aNED := algebra.VecRot(aCorrected, q)
	vNew := v.Add(aNED.Add(e.cfg.Gravity).Scale(e.dt))

	e.state.SetQuat(qNew)
	e.state.SetVelocity(vNew)
	if e.cfg.IntegratePosition {
		r := e.state.Position()
		e.state.SetPosition(r.Add(v.Scale(e.dt)))
	}

	e.buildF(q, deltaQ, aCorrected)
	e.buildQ(q)

	algebra.Product(e.scratch.f, e.cov.Matrix, e.scratch.fp)
	fT := *e.scratch.f
	fT.Transpose()
	algebra.Product(e.scratch.fp, &fT, e.scratch.predCov)
	algebra.Add(e.scratch.predCov, e.scratch.q, e.cov.Matrix)
	algebra.Symmetrize(e.cov.Matrix)
}

// buildF fills the 17x17 Jacobian of the predict step around the
// pre-update state: identity everywhere except the attitude block
// (∂q'/∂q, ∂q'/∂bw) and the velocity block (∂v'/∂q, ∂v'/∂v, ∂v'/∂ba).
func (e *EKF) buildF(q, deltaQ algebra.Quat, aCorrected algebra.Vec3) {
	f := e.scratch.f
	f.Zero()
	for i := 0; i < NumStates; i++ {
		f.Set(i, i, 1)
	}

	// ∂q'/∂q = right-multiplication matrix of deltaQ (q' = q ⊗ deltaQ).
	rdq := rightMulMatrix(deltaQ)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			f.Set(IdxQA+i, IdxQA+j, rdq[i][j])
		}
	}

	// ∂q'/∂bw = -0.5*dt * L(q)[:,1:4], since deltaQ's vector part is
	// -0.5*dt*bw plus the gyro term (bias enters with a minus sign).
	lq := leftMulMatrix(q)
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			f.Set(IdxQA+i, IdxBWX+j, -0.5*e.dt*lq[i][j+1])
		}
	}

	// ∂v'/∂q: Jacobian of the NED-rotated accel vector, scaled by dt.
	jac := quatRotJacobian(q, aCorrected)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			f.Set(IdxVX+i, IdxQA+j, jac[i][j]*e.dt)
		}
	}

	// ∂v'/∂ba = -R(q)*dt.
	for i := 0; i < 3; i++ {
		axis := algebra.Vec3{}
		switch i {
		case 0:
			axis = algebra.Vec3{X: 1}
		case 1:
			axis = algebra.Vec3{Y: 1}
		case 2:
			axis = algebra.Vec3{Z: 1}
		}
		rotated := algebra.VecRot(axis, q)
		f.Set(IdxVX+0, IdxBAX+i, -rotated.X*e.dt)
		f.Set(IdxVX+1, IdxBAX+i, -rotated.Y*e.dt)
		f.Set(IdxVX+2, IdxBAX+i, -rotated.Z*e.dt)
	}
}

// buildQ fills the process-noise matrix: diagonal blocks for the bias
// random walks and velocity, and a (I - qqᵀ) projection on the quaternion
// block so injected noise stays tangent to the unit-quaternion manifold.
func (e *EKF) buildQ(q algebra.Quat) {
	Q := e.scratch.q
	Q.Zero()

	qv := [4]float32{q.A, q.I, q.J, q.K}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			proj := -qv[i] * qv[j]
			if i == j {
				proj += 1
			}
			Q.Set(IdxQA+i, IdxQA+j, proj*e.cfg.GyroNoise*e.dt*e.dt/4)
		}
	}
	for i := 0; i < 3; i++ {
		Q.Set(IdxBWX+i, IdxBWX+i, e.cfg.GyroBiasNoise*e.dt*e.dt)
		Q.Set(IdxVX+i, IdxVX+i, e.cfg.VelocityNoise*e.dt*e.dt)
		Q.Set(IdxBAX+i, IdxBAX+i, e.cfg.AccelBiasNoise*e.dt*e.dt)
	}
}

// leftMulMatrix returns L(q) such that q⊗p == L(q)*p (p as a 4-vector).
func leftMulMatrix(q algebra.Quat) [4][4]float32 {
	a, i, j, k := q.A, q.I, q.J, q.K
	return [4][4]float32{
		{a, -i, -j, -k},
		{i, a, -k, j},
		{j, k, a, -i},
		{k, -j, i, a},
	}
}

// rightMulMatrix returns R(p) such that q⊗p == R(p)*q (q as a 4-vector).
func rightMulMatrix(p algebra.Quat) [4][4]float32 {
	a, i, j, k := p.A, p.I, p.J, p.K
	return [4][4]float32{
		{a, -i, -j, -k},
		{i, a, k, -j},
		{j, -k, a, i},
		{k, j, -i, a},
	}
}

// quatRotJacobian returns ∂(R(q)v)/∂q, the 3x4 Jacobian of the rotated
// vector's three components against the quaternion's four. Derived by
// composing the left/right multiplication matrices on the sandwich
// product q⊗v⊗q̄ rather than expanding the closed-form rotation formula
// by hand, which keeps the derivation anchored to matrices already
// exercised elsewhere in this file.
func quatRotJacobian(q algebra.Quat, v algebra.Vec3) [3][4]float32 {
	vq := algebra.Quat{A: 0, I: v.X, J: v.Y, K: v.Z}
	p := q.Mul(vq) // p = q ⊗ v

	rV := rightMulMatrix(vq) // dp/dq = R(v)
	lP := leftMulMatrix(p)   // d(p⊗q̄)/dq̄ = L(p)
	conj := [4]float32{1, -1, -1, -1} // dq̄/dq = diag(1,-1,-1,-1)

	var full [4][4]float32
	qbar := q.Conjugate()
	rQbar := rightMulMatrix(qbar) // d(p⊗q̄)/dp = R(q̄)

	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float32
			for m := 0; m < 4; m++ {
				sum += rQbar[i][m] * rV[m][j]
			}
			sum += lP[i][j] * conj[j]
			full[i][j] = sum
		}
	}

	var out [3][4]float32
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = full[i+1][j]
		}
	}
	return out
}

// GetState returns a snapshot of the current state and covariance.
func (e *EKF) GetState() (State, Covariance) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	covCopy := algebra.NewMatrix(NumStates, NumStates)
	for i := 0; i < NumStates; i++ {
		for j := 0; j < NumStates; j++ {
			covCopy.Set(i, j, e.cov.At(i, j))
		}
	}
	return e.state, Covariance{covCopy}
}

// ErrorCount reports how many updates were skipped due to numerical
// failure (spec.md §7's numerical-error category).
func (e *EKF) ErrorCount() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.errorCount
}

// enqueueUpdate submits an update job and blocks until it has been
// applied (or the context is cancelled), giving callers a synchronous
// API over the serialized predict/update goroutine.
func (e *EKF) enqueueUpdate(ctx context.Context, apply func(*EKF) error) error {
	job := measurementJob{apply: apply, done: make(chan error, 1)}
	select {
	case e.measurements <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyMeasurement runs one update, counting (not aborting on) numerical
// failures, matching spec.md §7's "skip the update, increment an error
// counter" rule for singular innovation covariance.
func (e *EKF) applyMeasurement(job measurementJob) {
	e.mu.Lock()
	err := job.apply(e)
	if err != nil {
		e.errorCount++
		e.lastNumError = err
		e.cfg.Log.WithError(err).Warn("fusion: measurement update skipped")
	} else {
		e.updateCount++
	}
	e.mu.Unlock()
	job.done <- err
}

// Run drives the EKF's own goroutine (the "EKF thread" of spec.md §5):
// a ticker fires Predict at UpdateRateHz using the latest IMU sample
// supplied via latestIMU, while queued measurement updates are applied
// as they arrive — serialized with predict by virtue of running on this
// single goroutine.
func (e *EKF) Run(ctx context.Context, latestIMU func() (algebra.Vec3, algebra.Vec3, bool)) error {
	period := time.Duration(float64(time.Second) / float64(e.cfg.UpdateRateHz))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			gyro, accel, ok := latestIMU()
			if !ok {
				continue
			}
			e.Predict(gyro, accel)
		case job := <-e.measurements:
			e.applyMeasurement(job)
		}
	}
}

func (e *EKF) String() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fmt.Sprintf("EKF{updates=%d errors=%d pos=%+v vel=%+v}", e.updateCount, e.errorCount, e.state.Position(), e.state.Velocity())
}
