// Package sensors normalises heterogeneous raw sensor events into the
// SI-unit form the EKF core consumes: unit conversion, calibration
// correction, low-pass filtering, and frame conversion (GPS geodetic to
// local NED). See spec.md §4.2 / §6.1.
package sensors

import "github.com/skyforge/flightcore/internal/algebra"

// Kind discriminates the payload carried by an Event.
type Kind int

const (
	KindAccel Kind = iota
	KindGyro
	KindMag
	KindBaro
	KindGPS
)

// Event is a single sensor-client reading: a monotonic microsecond
// timestamp (spec.md §3.3) plus a kind-specific payload. Timestamps within
// one stream must be monotone non-decreasing; the adapter never retries or
// reorders events. Only the barometer stream is checked: ProcessBaro
// rejects a timestamp that is not after the previous one. A gyro event
// whose timestamp does not advance falls back to the instantaneous rate,
// and accel, mag and GPS timestamps are not checked.
type Event struct {
	TimestampUs int64
	Kind        Kind
	DeviceID    int

	// Accel: acceleration in mm/s^2.
	AccelMilliG [3]int32

	// Gyro: angular rate in mrad/s, plus the integrated angle in microrad
	// (timed by TimestampUs), used by the delta-angle quotient selection.
	GyroRateMilliRad  [3]int32
	GyroDeltaAngleUrad [3]uint32

	// Mag: dimensionless raw magnetic field components.
	Mag [3]float32

	// Baro: pressure in Pa, temperature in milli-Kelvin.
	PressurePa    float32
	TemperatureMK int32

	// GPS: position in 1e-9 degrees / mm, velocities in mm/s, DOPs,
	// satellite count and fix quality.
	LatNano    int64
	LonNano    int64
	AltMM      int32
	VelNorthMM int32
	VelEastMM  int32
	VelDownMM  int32
	HDOP       float32
	VDOP       float32
	SatCount   int
	Fix        int
}

// IMUSample is the fully-normalised, calibrated, filtered accel+gyro
// reading the EKF's control vector u (spec.md §3.2) is built from.
type IMUSample struct {
	TimestampUs int64
	Accel       algebra.Vec3 // m/s^2, body frame, calibrated + low-passed
	Gyro        algebra.Vec3 // rad/s, body frame, bias-subtracted + low-passed
}

// MagSample is a soft/hard-iron corrected magnetometer reading; it is not
// normalised to unit length.
type MagSample struct {
	TimestampUs int64
	Field       algebra.Vec3
}

// BaroSample carries the adapter's Δh measurement (spec.md's "baro as a
// Δh measurement" design note — never absolute altitude).
type BaroSample struct {
	TimestampUs int64
	DeltaAltM   float32 // low-pass filtered change in altitude, metres
}

// NEDSample is a GPS reading converted to local NED coordinates, with
// velocity and quality fields passed through.
type NEDSample struct {
	TimestampUs int64
	Position    algebra.Vec3 // metres, NED, relative to reference
	Velocity    algebra.Vec3 // m/s, NED
	HDOP        float32
	SatCount    int
	Fix         int
}
