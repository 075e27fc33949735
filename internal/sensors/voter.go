package sensors

import (
	"sort"

	"github.com/skyforge/flightcore/internal/algebra"
)

// Voter implements redundant-sensor fusion for installations that carry
// more than one IMU: an unweighted median vote with outlier rejection,
// adapted from internal/redundancy's SensorVoter. A single-sensor
// installation never constructs one — the Adapter's Voter field is left
// nil and every Process* call degenerates to pass-through.
//
// Unlike internal/redundancy's TripleModularRedundancy, this voter does
// not track per-sensor trust scores across time or declare sensors
// failed; it votes fresh on each call, which is all spec.md's data model
// asks for.
type Voter struct {
	// ThresholdFrac is the fractional deviation from the median, beyond
	// which a sample is discarded as an outlier before averaging the
	// survivors. Defaults to 0.10 (10%), matching redundancy's default.
	ThresholdFrac float32

	pendingAccel []algebra.Vec3
	pendingGyro  []algebra.Vec3
}

// NewVoter returns a Voter with the default 10% outlier threshold.
func NewVoter() *Voter {
	return &Voter{ThresholdFrac: 0.10}
}

// Feed queues one additional IMU's readings for this tick; the next
// VoteAccel/VoteGyro call consumes and clears the queue. Calling code
// (the sensor-client goroutine fanning in several physical IMUs) feeds
// every replica before the adapter processes the tick, then feeds the
// "primary" reading as the value passed to ProcessIMU, which folds it in
// via VoteAccel/VoteGyro.
func (v *Voter) Feed(accel, gyro algebra.Vec3) {
	v.pendingAccel = append(v.pendingAccel, accel)
	v.pendingGyro = append(v.pendingGyro, gyro)
}

// VoteAccel folds any queued replica samples together with primary into a
// single estimate, axis by axis: samples that deviate from the per-axis
// median by more than ThresholdFrac of the median's magnitude are
// discarded and the rest are averaged.
func (v *Voter) VoteAccel(primary algebra.Vec3) algebra.Vec3 {
	xs := append(v.pendingAccel, primary)
	v.pendingAccel = nil
	return voteVec3(xs, v.threshold())
}

// VoteGyro is VoteAccel's counterpart for angular rate.
func (v *Voter) VoteGyro(primary algebra.Vec3) algebra.Vec3 {
	xs := append(v.pendingGyro, primary)
	v.pendingGyro = nil
	return voteVec3(xs, v.threshold())
}

func (v *Voter) threshold() float32 {
	if v.ThresholdFrac <= 0 {
		return 0.10
	}
	return v.ThresholdFrac
}

func voteVec3(samples []algebra.Vec3, thresholdFrac float32) algebra.Vec3 {
	if len(samples) == 1 {
		return samples[0]
	}
	return algebra.Vec3{
		X: voteAxis(axisValues(samples, 0), thresholdFrac),
		Y: voteAxis(axisValues(samples, 1), thresholdFrac),
		Z: voteAxis(axisValues(samples, 2), thresholdFrac),
	}
}

func axisValues(samples []algebra.Vec3, axis int) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		switch axis {
		case 0:
			out[i] = s.X
		case 1:
			out[i] = s.Y
		default:
			out[i] = s.Z
		}
	}
	return out
}

// voteAxis computes the median of vals, discards entries more than
// thresholdFrac*|median| away from it, and averages the survivors. A
// median of zero disables outlier rejection (relative deviation is
// undefined) and simply averages everything.
func voteAxis(vals []float32, thresholdFrac float32) float32 {
	sorted := append([]float32(nil), vals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var median float32
	n := len(sorted)
	if n%2 == 1 {
		median = sorted[n/2]
	} else {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	absMedian := median
	if absMedian < 0 {
		absMedian = -absMedian
	}

	var sum float32
	var count int
	for _, x := range vals {
		if absMedian > 0 {
			dev := x - median
			if dev < 0 {
				dev = -dev
			}
			if dev > thresholdFrac*absMedian {
				continue
			}
		}
		sum += x
		count++
	}
	if count == 0 {
		return median
	}
	return sum / float32(count)
}
