package calib

import (
	"fmt"
	"math"

	"github.com/samcharles93/caliper/internal/nn"
	"github.com/samcharles93/caliper/internal/tensor"
)

// DemoMLP builds a small dense model with seeded random weights for
// calibration demos and benchmarks.  sizes lists the layer widths,
// e.g. [64, 128, 32] yields fc1: 64->128 and fc2: 128->32.  Every layer gets
// a per-row round-to-nearest quantizer with the given bit width.
func DemoMLP(name string, sizes []int, bits int, seed int64) (*nn.Model, error) {
	if len(sizes) < 2 {
		return nil, fmt.Errorf("calib: need at least two sizes, got %v", sizes)
	}
	layers := make([]nn.Layer, 0, len(sizes)-1)
	for i := 0; i+1 < len(sizes); i++ {
		l := nn.NewLinear(fmt.Sprintf("fc%d", i+1), sizes[i], sizes[i+1], nn.RTNQuantizer{Bits: bits})
		tensor.FillRand(&l.Weight, seed+int64(i)*17)
		tensor.Scale(l.Weight.Data, 100) // spread weights to roughly (-1, 1)
		layers = append(layers, l)
	}
	return nn.NewModel(name, layers...)
}

// MeanAbsQuantErr returns the mean absolute difference between a layer's
// float weights and their current quantized approximation.
func MeanAbsQuantErr(l nn.QuantLayer) float64 {
	w := l.WeightMatrix()
	q := l.WeightQuantizer().QuantizeWeights(w)
	var sum float64
	for i := range w.Data {
		sum += math.Abs(float64(w.Data[i] - q.Data[i]))
	}
	if len(w.Data) == 0 {
		return 0
	}
	return sum / float64(len(w.Data))
}
