// Package calib implements the calibration-acquisition procedures
// spec.md §4.2's last paragraph describes and §1 explicitly excludes from
// the core's specified behaviour: stationary-averaging for the initial
// attitude/gyro-bias/baro-reference, and HDOP-gated GPS fix averaging for
// the geodetic origin. Grounded on original_source/ekf/meas.c's
// meas_imuCalib/meas_baroCalib/meas_gpsCalib.
package calib

import (
	"context"
	"fmt"
	"time"

	"github.com/chewxy/math32"
	"github.com/sirupsen/logrus"

	"github.com/skyforge/flightcore/internal/algebra"
	"github.com/skyforge/flightcore/internal/sensors"
)

// Record groups the outputs of AcquireIMU, AcquireBaro and AcquireGPS.
// No caller uses it: cmd/flightcore copies those outputs into the
// sensors.Calibration record that the adapter and EKF start-up consume.
type Record struct {
	InitialAttitude algebra.Quat
	GyroBias        algebra.Vec3
	InitialMag      algebra.Vec3
	BaroReferencePa float32
	BaroRefTempMK   float32
	Reference       sensors.GeodeticRef
}

const (
	imuCalibSamples  = 1000
	baroCalibSamples = 100
	gpsCalibFixes    = 10

	// hdopThreshold matches meas_gpsCalib's `hdop < 500` (centi-units in
	// the original's raw integer field; spec.md's HDOP is float-scaled).
	hdopThreshold = 5.0
)

// These settle-time paces match meas_imuCalib/meas_baroCalib/meas_gpsCalib's
// usleep/sleep pacing exactly; they are package vars rather than consts
// purely so package tests can shrink them and finish in milliseconds
// instead of the real ~5s/2s/tens-of-seconds acquisition time.
var (
	imuSampleInterval  = 5 * time.Millisecond
	baroSampleInterval = 20 * time.Millisecond
	gpsPollInterval    = 4 * time.Second
)

// IMUSource supplies raw accel/gyro/mag events during calibration; it is
// a narrower cut of the full sensor-client interface (spec.md §6.1),
// enough for stationary averaging.
type IMUSource interface {
	NextIMU(ctx context.Context) (accel, gyro, mag sensors.Event, err error)
}

// BaroSource supplies raw barometer events.
type BaroSource interface {
	NextBaro(ctx context.Context) (sensors.Event, error)
}

// GPSSource supplies raw GPS fixes.
type GPSSource interface {
	NextGPS(ctx context.Context) (sensors.Event, error)
}

// AcquireIMU averages imuCalibSamples stationary accel/gyro/mag readings
// to determine gyro bias, initial magnetometer reading, and the initial
// attitude quaternion (accel+mag triad), matching meas_imuCalib.
func AcquireIMU(ctx context.Context, src IMUSource, log *logrus.Entry) (gyroBias, initMag algebra.Vec3, initAttitude algebra.Quat, err error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	var accelSum, gyroSum, magSum algebra.Vec3

	for i := 0; i < imuCalibSamples; i++ {
		accelEvt, gyroEvt, magEvt, err := src.NextIMU(ctx)
		if err != nil {
			time.Sleep(time.Millisecond)
			i--
			if ctx.Err() != nil {
				return algebra.Vec3{}, algebra.Vec3{}, algebra.Quat{}, fmt.Errorf("calib: IMU calibration cancelled: %w", ctx.Err())
			}
			continue
		}
		accelSum = accelSum.Add(eventToMetresPerSecSq(accelEvt))
		gyroSum = gyroSum.Add(eventToRadPerSec(gyroEvt))
		magSum = magSum.Add(algebra.Vec3{X: magEvt.Mag[0], Y: magEvt.Mag[1], Z: magEvt.Mag[2]})

		time.Sleep(imuSampleInterval)
	}

	n := float32(imuCalibSamples)
	accelAvg := accelSum.Scale(1 / n)
	gyroAvg := gyroSum.Scale(1 / n)
	magAvg := magSum.Scale(1 / n)

	log.WithFields(logrus.Fields{"gyroBias": gyroAvg}).Info("calib: IMU calibration complete")

	accelUnit := accelAvg.Normalize()
	magUnit := magAvg.Normalize()
	bodyY := magUnit.Cross(accelUnit)

	nedGravity := algebra.Vec3{X: 0, Y: 0, Z: -1}
	nedEast := algebra.Vec3{X: 0, Y: 1, Z: 0}

	q := algebra.FrameRotVec(accelUnit, bodyY, nedGravity, nedEast, algebra.Identity)

	return gyroAvg, magAvg, q, nil
}

// AcquireBaro averages baroCalibSamples stationary pressure/temperature
// readings for the reference pressure and temperature, matching
// meas_baroCalib.
func AcquireBaro(ctx context.Context, src BaroSource, log *logrus.Entry) (refPressurePa, refTempMK float32, err error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	var pressSum float64
	var tempSum float64

	for i := 0; i < baroCalibSamples; i++ {
		evt, err := src.NextBaro(ctx)
		if err != nil {
			time.Sleep(10 * time.Millisecond)
			i--
			if ctx.Err() != nil {
				return 0, 0, fmt.Errorf("calib: baro calibration cancelled: %w", ctx.Err())
			}
			continue
		}
		pressSum += float64(evt.PressurePa)
		tempSum += float64(evt.TemperatureMK)
		time.Sleep(baroSampleInterval)
	}

	n := float64(baroCalibSamples)
	refPressurePa = float32(pressSum / n)
	refTempMK = float32(tempSum / n)

	log.WithFields(logrus.Fields{"refPressurePa": refPressurePa}).Info("calib: barometer calibration complete")
	return refPressurePa, refTempMK, nil
}

// AcquireGPS blocks until a fix with HDOP below hdopThreshold is held,
// then averages gpsCalibFixes readings to determine the geodetic
// reference origin, matching meas_gpsCalib's two wait loops plus its
// ten-fix average.
func AcquireGPS(ctx context.Context, src GPSSource, log *logrus.Entry) (sensors.GeodeticRef, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	for {
		evt, err := src.NextGPS(ctx)
		if err == nil && evt.Fix > 0 && evt.HDOP < hdopThreshold {
			break
		}
		log.Info("calib: awaiting good-quality GPS fix")
		select {
		case <-ctx.Done():
			return sensors.GeodeticRef{}, ctx.Err()
		case <-time.After(gpsPollInterval):
		}
	}

	var latSum, lonSum float64
	var heightSum float64
	collected := 0
	for collected < gpsCalibFixes {
		evt, err := src.NextGPS(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return sensors.GeodeticRef{}, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		latSum += float64(evt.LatNano) / 1e9
		lonSum += float64(evt.LonNano) / 1e9
		heightSum += float64(evt.AltMM) / 1e3
		collected++
		log.WithField("sample", collected).Info("calib: sampling GPS position")
	}

	n := float64(gpsCalibFixes)
	latDeg := latSum / n
	lonDeg := lonSum / n
	heightM := heightSum / n

	ref := sensors.NewGeodeticRef(degToRad(float32(latDeg)), degToRad(float32(lonDeg)), float32(heightM))
	log.WithField("reference", ref).Info("calib: GPS reference point acquired")
	return ref, nil
}

func degToRad(deg float32) float32 {
	return deg * math32.Pi / 180
}

func eventToMetresPerSecSq(evt sensors.Event) algebra.Vec3 {
	return algebra.Vec3{
		X: float32(evt.AccelMilliG[0]) / 1000,
		Y: float32(evt.AccelMilliG[1]) / 1000,
		Z: float32(evt.AccelMilliG[2]) / 1000,
	}
}

func eventToRadPerSec(evt sensors.Event) algebra.Vec3 {
	return algebra.Vec3{
		X: float32(evt.GyroRateMilliRad[0]) / 1000,
		Y: float32(evt.GyroRateMilliRad[1]) / 1000,
		Z: float32(evt.GyroRateMilliRad[2]) / 1000,
	}
}
