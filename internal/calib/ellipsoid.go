package calib

import (
	"fmt"

	"gonum.org/v1/gonum/optimize"

	"github.com/skyforge/flightcore/internal/algebra"
)

// EllipsoidFit is the soft-iron/hard-iron correction the sensor adapter
// applies before magnetometer samples reach the EKF (spec.md §4.2):
// corrected = S * (raw - h).
type EllipsoidFit struct {
	SoftIron [3][3]float32
	HardIron algebra.Vec3
}

// FitEllipsoid estimates S and h from a cloud of raw magnetometer samples
// gathered while the vehicle is rotated through many orientations,
// replacing the original's hand-rolled Levenberg-Marquardt
// (original_source/calib/magiron.c's lma_init/lma_fit) with
// gonum/optimize's Nelder-Mead solver minimising the same objective: the
// sum of squared deviations of |S(m-h)| from unity, i.e. how well the
// corrected samples land on a unit sphere.
//
// Grounded on magiron_run's shift/scale/fit/unshift pipeline: samples are
// first centred on their mean and scaled by their mean radius to keep the
// optimizer's parameters near unit magnitude, then the fitted correction
// is composed back with that shift/scale before being returned.
func FitEllipsoid(samples []algebra.Vec3) (EllipsoidFit, error) {
	if len(samples) < 20 {
		return EllipsoidFit{}, fmt.Errorf("calib: ellipsoid fit needs at least 20 samples, got %d", len(samples))
	}

	var mean algebra.Vec3
	for _, s := range samples {
		mean = mean.Add(s)
	}
	mean = mean.Scale(1 / float32(len(samples)))

	var avgLen float32
	shifted := make([]algebra.Vec3, len(samples))
	for i, s := range samples {
		shifted[i] = s.Sub(mean)
		avgLen += shifted[i].Len()
	}
	avgLen /= float32(len(samples))
	if avgLen < 1e-6 {
		return EllipsoidFit{}, fmt.Errorf("calib: degenerate sample cloud, cannot fit ellipsoid")
	}
	for i := range shifted {
		shifted[i] = shifted[i].Scale(1 / avgLen)
	}

	// Parameter vector: 6 independent entries of the symmetric S matrix
	// (diagonal + upper triangle) followed by the 3 components of h,
	// mirroring ellcal_lma2matrices's unpacking of the LMA parameter
	// vector into (S, h) in the original.
	initial := []float64{1, 0, 0, 1, 0, 1, 0, 0, 0}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			s, h := unpackParams(x)
			var sum float64
			for _, m := range shifted {
				corrected := applyEllipsoid(s, h, m)
				r := float64(corrected.Len() - 1)
				sum += r * r
			}
			return sum
		},
	}

	result, err := optimize.Minimize(problem, initial, nil, &optimize.NelderMead{})
	if err != nil && result == nil {
		return EllipsoidFit{}, fmt.Errorf("calib: ellipsoid LMA-equivalent fit failed: %w", err)
	}

	sFit, hFit := unpackParams(result.X)

	if sFit[0][0] <= 0 || sFit[1][1] <= 0 || sFit[2][2] <= 0 {
		return EllipsoidFit{}, fmt.Errorf("calib: invalid soft-iron transform, diag=%v %v %v", sFit[0][0], sFit[1][1], sFit[2][2])
	}

	// Unshift/unscale hFit back into raw sensor units, matching
	// magiron_run's `h_final = avg + h*avgLen`. S is left unscaled
	// intentionally (magiron_run's own comment: scaling S would shrink
	// the corrected magnitude, which isn't wanted).
	hFinal := hFit.Scale(avgLen).Add(mean)

	const maxHardIronLength = 5000
	if hFinal.Len() > maxHardIronLength {
		return EllipsoidFit{}, fmt.Errorf("calib: hard iron offset %v exceeds expected bound %v", hFinal.Len(), float32(maxHardIronLength))
	}

	return EllipsoidFit{SoftIron: sFit, HardIron: hFinal}, nil
}

func unpackParams(x []float64) ([3][3]float32, algebra.Vec3) {
	var s [3][3]float32
	s[0][0] = float32(x[0])
	s[0][1] = float32(x[1])
	s[1][0] = float32(x[1])
	s[0][2] = float32(x[2])
	s[2][0] = float32(x[2])
	s[1][1] = float32(x[3])
	s[1][2] = float32(x[4])
	s[2][1] = float32(x[4])
	s[2][2] = float32(x[5])
	h := algebra.Vec3{X: float32(x[6]), Y: float32(x[7]), Z: float32(x[8])}
	return s, h
}

func applyEllipsoid(s [3][3]float32, h, m algebra.Vec3) algebra.Vec3 {
	d := m.Sub(h)
	return algebra.Vec3{
		X: s[0][0]*d.X + s[0][1]*d.Y + s[0][2]*d.Z,
		Y: s[1][0]*d.X + s[1][1]*d.Y + s[1][2]*d.Z,
		Z: s[2][0]*d.X + s[2][1]*d.Y + s[2][2]*d.Z,
	}
}
