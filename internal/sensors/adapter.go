package sensors

import (
	"fmt"
	"math"

	"github.com/skyforge/flightcore/internal/algebra"
)

// Calibration is the immutable-after-init record spec.md §3.4 describes.
// It is constructed once at start-up (cmd/flightcore, from internal/calib's
// acquisition results), shared by reference with the adapter, and its
// InitialAttitude seeds the EKF's constructor — never mutated afterwards
// (spec.md §9's "cyclic references between filter and adapter" note).
type Calibration struct {
	// Accelerometer.
	AccelNonOrtho   [3][3]float32 // S_a
	AccelOffset     algebra.Vec3  // h_a
	InitialAttitude algebra.Quat  // q0
	GravityMag      float32       // |g| measured at calibration time
	AccelTempCoeff  algebra.Vec3

	// Magnetometer.
	MagSoftIron  [3][3]float32 // S_m
	MagHardIron  algebra.Vec3  // h_m
	MagMotorPoly [][3]float32  // optional per-motor PWM->field interference, quadratic coefficients

	// Gyro.
	GyroBias     algebra.Vec3
	GyroTempCoeff algebra.Vec3

	// Barometer.
	ReferencePressurePa float32
	ReferenceTempMK     float32

	// GPS.
	Reference GeodeticRef
}

// Validate enforces the configuration-error checks spec.md §7 requires at
// init time: calibration matrices must have a positive diagonal.
func (c *Calibration) Validate() error {
	for i := 0; i < 3; i++ {
		if c.AccelNonOrtho[i][i] <= 0 {
			return fmt.Errorf("sensors: accelerometer calibration matrix has non-positive diagonal at %d", i)
		}
		if c.MagSoftIron[i][i] <= 0 {
			return fmt.Errorf("sensors: magnetometer calibration matrix has non-positive diagonal at %d", i)
		}
	}
	return nil
}

func matVec(m [3][3]float32, v algebra.Vec3) algebra.Vec3 {
	return algebra.Vec3{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

const (
	gyroMaxSensibleRadPerSec = 50 * math.Pi
	maxU32DeltaAngle         = 0x7fffffff
)

// Adapter is the sensor-measurement adapter (Component B). One instance
// owns the low-pass filter state and the previous-gyro-sample history
// needed for the delta-angle quotient, so it must not be shared across
// independent sensor streams.
type Adapter struct {
	calib *Calibration

	accelLPF VecLowPass
	gyroLPF  VecLowPass
	baroLPF  ScalarLowPass

	haveLastGyro bool
	lastGyroTs   int64
	lastGyroAng  [3]uint32

	lastBaroTs  int64
	haveLastAlt bool
	lastAltM    float32

	Voter *Voter // optional; nil means single-sensor pass-through
}

// NewAdapter constructs an Adapter bound to an immutable calibration
// record.
func NewAdapter(calib *Calibration) *Adapter {
	return &Adapter{calib: calib}
}

// ProcessIMU normalises a raw accel+gyro pair into an IMUSample: ellipsoid
// correction, gyro-bias subtraction, gyro-rate selection (delta-angle
// quotient preferred, instantaneous as fallback), and low-pass filtering
// of both channels. accel/gyro events are expected to share a timestamp
// (the sensor client's typical IMU burst read).
func (a *Adapter) ProcessIMU(accelRaw, gyroRaw Event) (IMUSample, error) {
	if accelRaw.Kind != KindAccel || gyroRaw.Kind != KindGyro {
		return IMUSample{}, fmt.Errorf("sensors: ProcessIMU requires accel+gyro events")
	}

	accelSI := algebra.Vec3{
		X: float32(accelRaw.AccelMilliG[0]) / 1000,
		Y: float32(accelRaw.AccelMilliG[1]) / 1000,
		Z: float32(accelRaw.AccelMilliG[2]) / 1000,
	}
	accelCorrected := matVec(a.calib.AccelNonOrtho, accelSI.Sub(a.calib.AccelOffset))
	if a.Voter != nil {
		accelCorrected = a.Voter.VoteAccel(accelCorrected)
	}

	gyro, err := a.selectGyroRate(gyroRaw)
	if err != nil {
		return IMUSample{}, err
	}
	gyro = gyro.Sub(a.calib.GyroBias)
	if a.Voter != nil {
		gyro = a.Voter.VoteGyro(gyro)
	}

	accelFiltered := a.accelLPF.Apply(&accelCorrected)
	gyroFiltered := a.gyroLPF.Apply(&gyro)

	return IMUSample{TimestampUs: accelRaw.TimestampUs, Accel: accelFiltered, Gyro: gyroFiltered}, nil
}

// selectGyroRate prefers the delta-angle quotient between two consecutive
// integrated-angle samples when the timestep is sane, handling 32-bit
// wraparound in the accumulator by reinterpreting a too-large difference
// as a signed quantity; it falls back to the instantaneous gyro reading
// when the quotient is out of the |ω| > 50π rad/s sanity band or the
// timestep is zero.
func (a *Adapter) selectGyroRate(gyroRaw Event) (algebra.Vec3, error) {
	instantaneous := algebra.Vec3{
		X: float32(gyroRaw.GyroRateMilliRad[0]) / 1000,
		Y: float32(gyroRaw.GyroRateMilliRad[1]) / 1000,
		Z: float32(gyroRaw.GyroRateMilliRad[2]) / 1000,
	}

	if !a.haveLastGyro {
		a.haveLastGyro = true
		a.lastGyroTs = gyroRaw.TimestampUs
		a.lastGyroAng = gyroRaw.GyroDeltaAngleUrad
		return instantaneous, nil
	}

	deltaUs := gyroRaw.TimestampUs - a.lastGyroTs
	a.lastGyroTs = gyroRaw.TimestampUs
	oldAng := a.lastGyroAng
	a.lastGyroAng = gyroRaw.GyroDeltaAngleUrad

	if deltaUs <= 0 {
		return instantaneous, nil
	}

	quotient := func(newer, older uint32) float32 {
		diff := newer - older // wraps naturally in uint32 arithmetic
		var signed float32
		if diff < maxU32DeltaAngle {
			signed = float32(diff)
		} else {
			signed = -float32(^diff + 1)
		}
		// microrad / microsecond == rad/s
		return signed / float32(deltaUs)
	}

	candidate := algebra.Vec3{
		X: quotient(gyroRaw.GyroDeltaAngleUrad[0], oldAng[0]),
		Y: quotient(gyroRaw.GyroDeltaAngleUrad[1], oldAng[1]),
		Z: quotient(gyroRaw.GyroDeltaAngleUrad[2], oldAng[2]),
	}

	if abs32(candidate.X) > gyroMaxSensibleRadPerSec ||
		abs32(candidate.Y) > gyroMaxSensibleRadPerSec ||
		abs32(candidate.Z) > gyroMaxSensibleRadPerSec {
		return instantaneous, nil
	}
	return candidate, nil
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// ProcessMag applies soft/hard-iron correction to a raw magnetometer
// reading.
func (a *Adapter) ProcessMag(raw Event) (MagSample, error) {
	if raw.Kind != KindMag {
		return MagSample{}, fmt.Errorf("sensors: ProcessMag requires a mag event")
	}
	field := matVec(a.calib.MagSoftIron, algebra.Vec3{X: raw.Mag[0], Y: raw.Mag[1], Z: raw.Mag[2]}.Sub(a.calib.MagHardIron))
	return MagSample{TimestampUs: raw.TimestampUs, Field: field}, nil
}

// ProcessBaro converts a raw pressure reading into the time-differenced
// Δh measurement the EKF's barometric model expects (never absolute
// altitude — spec.md §4.2/§9).
func (a *Adapter) ProcessBaro(raw Event) (BaroSample, error) {
	if raw.Kind != KindBaro {
		return BaroSample{}, fmt.Errorf("sensors: ProcessBaro requires a baro event")
	}
	if raw.TimestampUs <= a.lastBaroTs && a.haveLastAlt {
		return BaroSample{}, fmt.Errorf("sensors: stale barometer timestamp")
	}

	alt := BarometricAltitudeM(raw.PressurePa, a.calib.ReferencePressurePa)
	var deltaAlt float32
	if a.haveLastAlt {
		deltaAlt = alt - a.lastAltM
	}
	a.lastAltM = alt
	a.haveLastAlt = true
	a.lastBaroTs = raw.TimestampUs

	filtered := a.baroLPF.Apply(&deltaAlt)
	return BaroSample{TimestampUs: raw.TimestampUs, DeltaAltM: filtered}, nil
}

// ProcessGPS converts a raw GPS fix to local NED coordinates relative to
// the calibration's stored geodetic reference.
func (a *Adapter) ProcessGPS(raw Event) (NEDSample, error) {
	if raw.Kind != KindGPS {
		return NEDSample{}, fmt.Errorf("sensors: ProcessGPS requires a GPS event")
	}
	if raw.Fix <= 0 {
		return NEDSample{}, fmt.Errorf("sensors: no GPS fix")
	}

	latRad := float32(raw.LatNano) * 1e-9 * math.Pi / 180
	lonRad := float32(raw.LonNano) * 1e-9 * math.Pi / 180
	heightM := float32(raw.AltMM) / 1000

	pos := GeodeticToNED(latRad, lonRad, heightM, a.calib.Reference)
	vel := algebra.Vec3{
		X: float32(raw.VelNorthMM) / 1000,
		Y: float32(raw.VelEastMM) / 1000,
		Z: -float32(raw.VelDownMM) / 1000,
	}

	return NEDSample{
		TimestampUs: raw.TimestampUs,
		Position:    pos,
		Velocity:    vel,
		HDOP:        raw.HDOP,
		SatCount:    raw.SatCount,
		Fix:         raw.Fix,
	}, nil
}
