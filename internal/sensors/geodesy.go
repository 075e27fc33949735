package sensors

import (
	"github.com/chewxy/math32"

	"github.com/skyforge/flightcore/internal/algebra"
)

// WGS-84 constants, grounded on original_source/ekf/meas.c.
const (
	wgs84SemiMajor           = 6378137.0
	wgs84EccentricitySquared = 0.006694384
)

// GeodeticRef is the immutable reference point (spec.md §3.4 GPS record):
// a geodetic origin plus its precomputed ECEF coordinates and the sin/cos
// of its latitude/longitude used by the ECEF->ENU rotation.
type GeodeticRef struct {
	LatRad, LonRad, HeightM float32
	sinLat, cosLat          float32
	sinLon, cosLon          float32
	ecef                    algebra.Vec3
}

// NewGeodeticRef builds a reference point from a geodetic coordinate,
// precomputing its ECEF position and trig terms once (it is immutable
// after construction, per spec.md §3.4/§9).
func NewGeodeticRef(latRad, lonRad, heightM float32) GeodeticRef {
	r := GeodeticRef{
		LatRad: latRad, LonRad: lonRad, HeightM: heightM,
		sinLat: math32.Sin(latRad), cosLat: math32.Cos(latRad),
		sinLon: math32.Sin(lonRad), cosLon: math32.Cos(lonRad),
	}
	r.ecef = geodeticToECEF(latRad, lonRad, heightM, r.sinLat, r.cosLat, r.sinLon, r.cosLon)
	return r
}

func geodeticToECEF(latRad, lonRad, h, sinLat, cosLat, sinLon, cosLon float32) algebra.Vec3 {
	n := wgs84SemiMajor / math32.Sqrt(1-wgs84EccentricitySquared*sinLat*sinLat)
	return algebra.Vec3{
		X: (n + h) * cosLat * cosLon,
		Y: (n + h) * cosLat * sinLon,
		Z: (n*(1-wgs84EccentricitySquared) + h) * sinLat,
	}
}

// GeodeticToNED converts a geodetic point to local NED coordinates
// relative to ref, by way of ECEF -> ENU -> NED. Converting the reference
// point itself yields exactly (0,0,0) (invariant/testable property 7).
func GeodeticToNED(latRad, lonRad, heightM float32, ref GeodeticRef) algebra.Vec3 {
	ecef := geodeticToECEF(latRad, lonRad, heightM, math32.Sin(latRad), math32.Cos(latRad), math32.Sin(lonRad), math32.Cos(lonRad))
	d := ecef.Sub(ref.ecef)

	// ECEF -> ENU rotation using the reference latitude/longitude.
	east := -ref.sinLon*d.X + ref.cosLon*d.Y
	north := -ref.sinLat*ref.cosLon*d.X - ref.sinLat*ref.sinLon*d.Y + ref.cosLat*d.Z
	up := ref.cosLat*ref.cosLon*d.X + ref.cosLat*ref.sinLon*d.Y + ref.sinLat*d.Z

	// ENU -> NED: (E, N, -U).
	return algebra.Vec3{X: north, Y: east, Z: -up}
}

// barometricCoefficient is the scale factor, in metres, of the
// international pressure-to-height approximation used below.
const barometricCoefficient = -8453.669

// BarometricAltitudeM returns the altitude-above-reference implied
// by pressure p against the calibration reference pressure p0, using the
// international pressure-to-height approximation (spec.md §4.2). The
// adapter differentiates this over time to produce the Δh measurement it
// actually emits — never the absolute value itself (spec.md §9).
func BarometricAltitudeM(pressurePa, referencePressurePa float32) float32 {
	return barometricCoefficient * math32.Log(pressurePa/referencePressurePa)
}
