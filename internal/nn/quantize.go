package nn

import (
	"math"

	"github.com/samcharles93/caliper/internal/tensor"
)

// Quantizer turns a floating-point weight matrix into its quantized
// approximation.  Implementations must be pure: given the same weights they
// return the same result, and they never retain or mutate the input.  Callers
// may invoke a Quantizer arbitrarily many times as weights change.
type Quantizer interface {
	QuantizeWeights(w *tensor.Mat) tensor.Mat
}

// StepQuantizer rounds every weight to the nearest multiple of Step.
type StepQuantizer struct {
	Step float32
}

func (q StepQuantizer) QuantizeWeights(w *tensor.Mat) tensor.Mat {
	out := w.Clone()
	if q.Step == 0 {
		return out
	}
	step := float64(q.Step)
	for i, v := range out.Data {
		out.Data[i] = float32(math.Round(float64(v)/step) * step)
	}
	return out
}

// RTNQuantizer performs symmetric per-row round-to-nearest quantization.
// Each output channel (row) gets its own scale amax/maxq where
// maxq = 2^(bits-1) - 1, mirroring the classic Q8-style scheme.
type RTNQuantizer struct {
	Bits int
}

func (q RTNQuantizer) QuantizeWeights(w *tensor.Mat) tensor.Mat {
	bits := q.Bits
	if bits < 2 {
		bits = 8
	}
	maxq := float64(int(1)<<(bits-1) - 1)
	out := w.Clone()
	for i := 0; i < out.R; i++ {
		row := out.Row(i)
		var amax float64
		for _, v := range row {
			if a := math.Abs(float64(v)); a > amax {
				amax = a
			}
		}
		if amax == 0 {
			continue
		}
		scale := amax / maxq
		for j, v := range row {
			n := math.Round(float64(v) / scale)
			if n > maxq {
				n = maxq
			} else if n < -maxq {
				n = -maxq
			}
			row[j] = float32(n * scale)
		}
	}
	return out
}

// FakeQuant applies step rounding to activations or biases in place.  It can
// be toggled off for the duration of a calibration run and re-enabled after.
type FakeQuant struct {
	Step    float32
	enabled bool
}

// NewFakeQuant returns an enabled FakeQuant with the given step.
func NewFakeQuant(step float32) *FakeQuant {
	return &FakeQuant{Step: step, enabled: true}
}

func (f *FakeQuant) Enable()  { f.enabled = true }
func (f *FakeQuant) Disable() { f.enabled = false }

// Enabled reports whether Apply currently quantizes.
func (f *FakeQuant) Enabled() bool { return f.enabled }

// Apply rounds x in place to multiples of Step.  It is a no-op while the
// quantizer is disabled or the step is zero.
func (f *FakeQuant) Apply(x []float32) {
	if !f.enabled || f.Step == 0 {
		return
	}
	step := float64(f.Step)
	for i, v := range x {
		x[i] = float32(math.Round(float64(v)/step) * step)
	}
}
