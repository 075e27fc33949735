package sensors

import "github.com/skyforge/flightcore/internal/algebra"

// kaiserWindow65 is the 65-tap Kaiser-windowed sinc low-pass filter
// (cutoff 15 Hz, transition band 35 Hz, stopband attenuation -40 dB)
// used to low-pass both the accelerometer and the gyro, each through its
// own circular buffer instance. Coefficients are grounded directly on
// original_source/ekf/filters.c's fltr_accWindow table.
var kaiserWindow65 = [65]float32{
	0.000199210030239271, 0.000424229608547700, 0.000723297047419754, 0.001104142046107193,
	0.001573712960730727, 0.002137953110816643, 0.002801586486658635, 0.003567918798687632,
	0.004438659652200897, 0.005413771309271377, 0.006491349018560496, 0.007667537261972304,
	0.008936485498099311, 0.010290346094017595, 0.011719316150862934, 0.013211723869743890,
	0.014754159000534514, 0.016331645796411526, 0.017927855792147184, 0.019525356664762756,
	0.021105892451041771, 0.022650689515795901, 0.024140781913360887, 0.025557349184979403,
	0.026882059204929122, 0.028097408442343864, 0.029187051952518743, 0.030136115554644904,
	0.030931482990494263, 0.031562051383240454, 0.032018949014774860, 0.032295710296038962,
	0.032388403796089343,
	0.032295710296038962, 0.032018949014774860, 0.031562051383240454, 0.030931482990494263,
	0.030136115554644904, 0.029187051952518743, 0.028097408442343864, 0.026882059204929122,
	0.025557349184979403, 0.024140781913360887, 0.022650689515795901, 0.021105892451041771,
	0.019525356664762756, 0.017927855792147184, 0.016331645796411526, 0.014754159000534514,
	0.013211723869743890, 0.011719316150862934, 0.010290346094017595, 0.008936485498099311,
	0.007667537261972304, 0.006491349018560496, 0.005413771309271377, 0.004438659652200897,
	0.003567918798687632, 0.002801586486658635, 0.002137953110816643, 0.001573712960730727,
	0.001104142046107193, 0.000723297047419754, 0.000424229608547700, 0.000199210030239271,
}

const kaiserLen = 65

// VecLowPass is a 65-tap circular-buffer FIR filter operating on Vec3
// samples, used independently for the accelerometer and the gyro channel
// (each owns its own instance, per spec.md §4.2). Passing a nil raw sample
// clears the buffer.
type VecLowPass struct {
	buf    [kaiserLen]algebra.Vec3
	pos    int
	filled bool
}

// Apply returns the filtered value (raw itself is not modified) following the
// same windowed-convolution structure as filters.c's fltr_windowVec: the
// newest sample is written into the circular buffer, then the window is
// convolved against the buffer read backwards from the write position.
func (f *VecLowPass) Apply(raw *algebra.Vec3) algebra.Vec3 {
	if raw == nil {
		*f = VecLowPass{}
		return algebra.Vec3{}
	}

	f.buf[f.pos] = *raw
	f.filled = true

	var full algebra.Vec3
	for i := 0; i < kaiserLen; i++ {
		j := f.pos - i
		if j < 0 {
			j += kaiserLen
		}
		full = full.Add(f.buf[j].Scale(kaiserWindow65[kaiserLen-1-i]))
	}

	f.pos++
	if f.pos == kaiserLen {
		f.pos = 0
	}
	return full
}

// Reset clears the filter state, equivalent to Apply(nil).
func (f *VecLowPass) Reset() {
	*f = VecLowPass{}
}

// ScalarLowPass is the same circular-window design specialised for a
// scalar channel, used by the barometric Δh measurement.
type ScalarLowPass struct {
	buf [kaiserLen]float32
	pos int
}

func (f *ScalarLowPass) Apply(raw *float32) float32 {
	if raw == nil {
		*f = ScalarLowPass{}
		return 0
	}
	f.buf[f.pos] = *raw

	var sum float32
	for i := 0; i < kaiserLen; i++ {
		j := f.pos - i
		if j < 0 {
			j += kaiserLen
		}
		sum += f.buf[j] * kaiserWindow65[kaiserLen-1-i]
	}

	f.pos++
	if f.pos == kaiserLen {
		f.pos = 0
	}
	return sum
}
