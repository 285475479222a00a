package nn

import (
	"github.com/samcharles93/caliper/internal/tensor"
)

// Layer is a named module in a sequential model.  Forward must not retain the
// input.  The concrete layer set is closed: *Linear and *Conv2d are the only
// implementations, and code that needs layer-specific metadata dispatches on
// the concrete type.
type Layer interface {
	LayerName() string
	Forward(in *Activation) *Activation
}

// QuantLayer is a layer carrying a quantizable weight matrix.  The weight
// matrix is the live tensor: mutations through it change what the layer
// computes and what the quantizer sees.
type QuantLayer interface {
	Layer
	WeightMatrix() *tensor.Mat
	WeightQuantizer() Quantizer
	ActivationQuant() *FakeQuant
	BiasQuant() *FakeQuant
}

// Linear is a dense affine layer computing y = x * Wᵀ + b over the last
// input dimension.
type Linear struct {
	Name                    string
	InFeatures, OutFeatures int

	// Weight is [OutFeatures, InFeatures].
	Weight tensor.Mat
	Bias   []float32

	WeightQuant Quantizer
	ActQuant    *FakeQuant
	BiasQ       *FakeQuant
}

// NewLinear constructs a dense layer with zeroed weights and bias and an
// enabled activation/bias fake-quantizer pair.
func NewLinear(name string, in, out int, wq Quantizer) *Linear {
	return &Linear{
		Name:        name,
		InFeatures:  in,
		OutFeatures: out,
		Weight:      tensor.NewMat(out, in),
		Bias:        make([]float32, out),
		WeightQuant: wq,
		ActQuant:    NewFakeQuant(1.0 / 64),
		BiasQ:       NewFakeQuant(1.0 / 64),
	}
}

func (l *Linear) LayerName() string           { return l.Name }
func (l *Linear) WeightMatrix() *tensor.Mat   { return &l.Weight }
func (l *Linear) WeightQuantizer() Quantizer  { return l.WeightQuant }
func (l *Linear) ActivationQuant() *FakeQuant { return l.ActQuant }
func (l *Linear) BiasQuant() *FakeQuant       { return l.BiasQ }

// Forward applies the affine transform to every feature vector in the input.
// The input shape must end in InFeatures; leading dimensions are preserved.
func (l *Linear) Forward(in *Activation) *Activation {
	last := in.Dims() - 1
	if last < 0 || in.Dim(last) != l.InFeatures {
		panic("linear: input feature dimension mismatch")
	}
	samples := in.Numel() / l.InFeatures

	x := in.Data
	if l.ActQuant != nil && l.ActQuant.Enabled() {
		x = append([]float32(nil), in.Data...)
		l.ActQuant.Apply(x)
	}

	bias := l.Bias
	if l.BiasQ != nil && l.BiasQ.Enabled() {
		bias = append([]float32(nil), l.Bias...)
		l.BiasQ.Apply(bias)
	}

	outShape := append(append([]int(nil), in.Shape[:last]...), l.OutFeatures)
	out := NewActivation(outShape...)
	for s := 0; s < samples; s++ {
		src := x[s*l.InFeatures : (s+1)*l.InFeatures]
		dst := out.Data[s*l.OutFeatures : (s+1)*l.OutFeatures]
		tensor.MatVec(dst, &l.Weight, src)
		tensor.Add(dst, bias)
	}
	return out
}
