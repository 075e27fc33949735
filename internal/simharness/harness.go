package simharness

import (
	"math/rand"

	"github.com/chewxy/math32"

	"github.com/skyforge/flightcore/internal/algebra"
	"github.com/skyforge/flightcore/internal/fusion"
	"github.com/skyforge/flightcore/internal/mixing"
	"github.com/skyforge/flightcore/internal/sensors"
)

// FlightDynamicsModel is the narrow simulation contract the harness
// drives: advance by dt under a commanded duty vector, then read back
// the raw sensor events a real airframe's sensor client would have
// produced over that interval. Grounded on the Simulator interface
// (GetState/SendCommand/GetSensorReading), collapsed from a remote-
// process RPC surface to a single in-process Step call since there is
// no external simulator process here.
type FlightDynamicsModel interface {
	Step(dt float32, duties [mixing.NumMotors]float32)
	IMUEvent() (accel, gyro, mag sensors.Event)
	BaroEvent() sensors.Event
	GPSEvent() sensors.Event
	Attitude() algebra.Quat
	PositionNED() algebra.Vec3
}

// NoiseProfile configures additive sensor noise, the harness's stand-in
// for WindProfile/turbulence perturbation — applied to sensor readings
// rather than aerodynamics, since this repo's dynamics model is a point
// mass with no aerodynamic surfaces to gust against.
type NoiseProfile struct {
	AccelStdDevMPS2 float32
	GyroStdDevRadS  float32
	BaroStdDevPa    float32
	GPSStdDevM      float32
}

// ZeroNoise disables all synthetic sensor noise, matching S1's "constant
// IMU = gravity, constant mag" precondition exactly.
var ZeroNoise = NoiseProfile{}

// PointMassModel is a trimmed six-degree-of-freedom rigid-body model:
// attitude quaternion, body angular rate, NED velocity and position,
// driven by BodyForcesAndTorques/AngularAcceleration from motor_model.go.
// It carries none of the aerodynamic-surface, fuel, or electrical
// simulation a full flight simulator would — spec.md's scenarios only
// ever exercise thrust and gravity.
type PointMassModel struct {
	curve MotorCurve
	geom  FrameGeometry
	ref   sensors.GeodeticRef
	noise NoiseProfile
	rng   *rand.Rand

	attitude    algebra.Quat
	angularRate algebra.Vec3
	velocityNED algebra.Vec3
	positionNED algebra.Vec3

	refPressurePa float32
	worldMag      algebra.Vec3

	lastThrustN float32
	timestampUs int64

	gpsSuppressed bool
}

// NewPointMassModel seeds a model at rest (identity attitude, zero rate/
// velocity) above the given geodetic reference, matching S1-S4's shared
// "origin, level, at rest" initial condition.
func NewPointMassModel(curve MotorCurve, geom FrameGeometry, ref sensors.GeodeticRef, noise NoiseProfile, seed int64) *PointMassModel {
	return &PointMassModel{
		curve:         curve,
		geom:          geom,
		ref:           ref,
		noise:         noise,
		rng:           rand.New(rand.NewSource(seed)),
		attitude:      algebra.Identity,
		refPressurePa: 101325,
		worldMag:      algebra.Vec3{X: 1, Y: 0, Z: 0},
	}
}

// SuppressGPS stops GPSEvent from advancing fix quality, matching S3's
// "GPS stops emitting" fault injection.
func (m *PointMassModel) SuppressGPS(suppressed bool) { m.gpsSuppressed = suppressed }

// SetAttitude forcibly overrides attitude, used by S2 to inject the 50°
// roll the scenario's accelerometer must reflect without waiting for the
// dynamics to integrate there from thrust alone.
func (m *PointMassModel) SetAttitude(q algebra.Quat) { m.attitude = q.Normalize() }

func (m *PointMassModel) Attitude() algebra.Quat      { return m.attitude }
func (m *PointMassModel) PositionNED() algebra.Vec3   { return m.positionNED }

// Step integrates the rigid-body dynamics by dt seconds under duties,
// the commanded per-motor duty fractions (mixing.NumMotors order).
func (m *PointMassModel) Step(dt float32, duties [mixing.NumMotors]float32) {
	thrustN, torque := BodyForcesAndTorques(m.curve, m.geom, duties)
	m.lastThrustN = thrustN

	angularAccel := AngularAcceleration(m.geom, torque)
	m.angularRate = m.angularRate.Add(angularAccel.Scale(dt))

	if rate := m.angularRate.Len(); rate > 1e-9 {
		deltaQ := algebra.FromAxisAngle(m.angularRate, rate*dt)
		m.attitude = m.attitude.Mul(deltaQ).Normalize()
	}

	specificForceBody := SpecificForce(m.geom.MassKg, thrustN)
	accelNEDFromThrust := m.attitude.Sandwich(specificForceBody)
	gravityNED := algebra.Vec3{X: 0, Y: 0, Z: gravityMPS2}
	m.velocityNED = m.velocityNED.Add(accelNEDFromThrust.Add(gravityNED).Scale(dt))
	m.positionNED = m.positionNED.Add(m.velocityNED.Scale(dt))

	m.timestampUs += int64(dt * 1e6)
}

func (m *PointMassModel) gauss(stdDev float32) float32 {
	if stdDev <= 0 {
		return 0
	}
	return float32(m.rng.NormFloat64()) * stdDev
}

// IMUEvent synthesises the raw accel/gyro/mag events a sensor client
// would report for the model's current state, with optional Gaussian
// noise (ZeroNoise for the deterministic seed scenarios).
func (m *PointMassModel) IMUEvent() (accel, gyro, mag sensors.Event) {
	sf := SpecificForce(m.geom.MassKg, m.lastThrustN)
	accel = sensors.Event{
		TimestampUs: m.timestampUs,
		Kind:        sensors.KindAccel,
		AccelMilliG: [3]int32{
			int32((sf.X + m.gauss(m.noise.AccelStdDevMPS2)) * 1000),
			int32((sf.Y + m.gauss(m.noise.AccelStdDevMPS2)) * 1000),
			int32((sf.Z + m.gauss(m.noise.AccelStdDevMPS2)) * 1000),
		},
	}
	gyro = sensors.Event{
		TimestampUs: m.timestampUs,
		Kind:        sensors.KindGyro,
		GyroRateMilliRad: [3]int32{
			int32((m.angularRate.X + m.gauss(m.noise.GyroStdDevRadS)) * 1000),
			int32((m.angularRate.Y + m.gauss(m.noise.GyroStdDevRadS)) * 1000),
			int32((m.angularRate.Z + m.gauss(m.noise.GyroStdDevRadS)) * 1000),
		},
	}
	bodyMag := m.attitude.Conjugate().Sandwich(m.worldMag)
	mag = sensors.Event{
		TimestampUs: m.timestampUs,
		Kind:        sensors.KindMag,
		Mag:         [3]float32{bodyMag.X, bodyMag.Y, bodyMag.Z},
	}
	return accel, gyro, mag
}

// BaroEvent synthesises a pressure reading implied by the model's
// current altitude, inverting sensors.BarometricAltitudeM.
func (m *PointMassModel) BaroEvent() sensors.Event {
	altitudeM := -m.positionNED.Z
	pressurePa := m.refPressurePa * math32.Exp(altitudeM/barometricCoefficientForSim)
	return sensors.Event{
		TimestampUs:   m.timestampUs,
		Kind:          sensors.KindBaro,
		PressurePa:    pressurePa + m.gauss(m.noise.BaroStdDevPa),
		TemperatureMK: 293150,
	}
}

// barometricCoefficientForSim matches sensors.BarometricAltitudeM's own
// constant; duplicated here (unexported in that package) rather than
// widening sensors' API just to expose an inversion constant this test
// harness alone needs.
const barometricCoefficientForSim = -8453.669

// GPSEvent synthesises a GPS fix at the model's current NED position
// converted back to geodetic, or a zero-fix event while SuppressGPS is
// in effect (S3).
func (m *PointMassModel) GPSEvent() sensors.Event {
	if m.gpsSuppressed {
		return sensors.Event{TimestampUs: m.timestampUs, Kind: sensors.KindGPS, Fix: 0}
	}
	lat, lon, alt := nedToGeodeticApprox(m.positionNED, m.ref)
	return sensors.Event{
		TimestampUs: m.timestampUs,
		Kind:        sensors.KindGPS,
		LatNano:     int64((lat + m.gauss(m.noise.GPSStdDevM)/111320) * 1e9),
		LonNano:     int64(lon * 1e9),
		AltMM:       int32(alt * 1000),
		HDOP:        1.0,
		SatCount:    10,
		Fix:         3,
	}
}

// nedToGeodeticApprox is a small-displacement inverse of
// sensors.GeodeticToNED, accurate for the metre-to-kilometre scale
// displacements the seed scenarios exercise (it does not need WGS-84
// precision — only to round-trip well enough to feed the real adapter's
// forward ECEF conversion back near the reference point).
func nedToGeodeticApprox(posNED algebra.Vec3, ref sensors.GeodeticRef) (latDeg, lonDeg, heightM float64) {
	const metresPerDegLat = 111320.0
	metresPerDegLon := metresPerDegLat * math32.Cos(ref.LatRad)
	if metresPerDegLon == 0 {
		metresPerDegLon = 1
	}
	latDeg = float64(ref.LatRad)*180/3.14159265358979 + float64(posNED.X)/metresPerDegLat
	lonDeg = float64(ref.LonRad)*180/3.14159265358979 + float64(posNED.Y)/float64(metresPerDegLon)
	heightM = float64(ref.HeightM) - float64(posNED.Z)
	return latDeg, lonDeg, heightM
}

// Harness wires a FlightDynamicsModel to an EKF instance, feeding
// synthetic sensor events through Predict/Update the way the real EKF
// thread (spec.md §5) would consume a live sensor client's stream.
type Harness struct {
	Model FlightDynamicsModel
	EKF   *fusion.EKF
}

// NewHarness constructs a Harness around an already-configured EKF
// (Reset already called by the caller with the scenario's initial
// attitude).
func NewHarness(model FlightDynamicsModel, ekf *fusion.EKF) *Harness {
	return &Harness{Model: model, EKF: ekf}
}

// RunTicks advances the model/EKF pair for n ticks of dt seconds each
// under a constant duty command, predicting from the IMU event each
// tick — the minimal drive loop the S1 and S3 seed scenarios use; S2, S5
// and S6 are exercised directly against supervisor/sensors/calib rather
// than through this loop, and S4 is covered in internal/supervisor.
func (h *Harness) RunTicks(n int, dt float32, duties [mixing.NumMotors]float32) {
	for i := 0; i < n; i++ {
		h.Model.Step(dt, duties)
		accelEvt, gyroEvt, _ := h.Model.IMUEvent()
		accel := algebra.Vec3{
			X: float32(accelEvt.AccelMilliG[0]) / 1000,
			Y: float32(accelEvt.AccelMilliG[1]) / 1000,
			Z: float32(accelEvt.AccelMilliG[2]) / 1000,
		}
		gyro := algebra.Vec3{
			X: float32(gyroEvt.GyroRateMilliRad[0]) / 1000,
			Y: float32(gyroEvt.GyroRateMilliRad[1]) / 1000,
			Z: float32(gyroEvt.GyroRateMilliRad[2]) / 1000,
		}
		h.EKF.Predict(gyro, accel)
	}
}
