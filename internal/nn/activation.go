package nn

// Activation is a batched activation tensor passed between layers.  Data is
// stored flat in row-major order with respect to Shape.  Layers interpret the
// shape themselves: dense layers expect the last dimension to be the feature
// dimension, convolutions expect [batch, channels, height, width].
type Activation struct {
	Shape []int
	Data  []float32
}

// NewActivation allocates a zero-filled activation with the given shape.
func NewActivation(shape ...int) *Activation {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative activation dimension")
		}
		n *= d
	}
	return &Activation{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
	}
}

// NewActivationFromData wraps existing data.  The data length must match the
// product of the shape dimensions.
func NewActivationFromData(data []float32, shape ...int) *Activation {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		panic("activation data length mismatch")
	}
	return &Activation{
		Shape: append([]int(nil), shape...),
		Data:  data,
	}
}

// Dims returns the number of dimensions.
func (a *Activation) Dims() int { return len(a.Shape) }

// Dim returns the size of dimension i.
func (a *Activation) Dim(i int) int { return a.Shape[i] }

// Numel returns the total number of elements.
func (a *Activation) Numel() int { return len(a.Data) }

// Clone returns a deep copy.
func (a *Activation) Clone() *Activation {
	out := NewActivation(a.Shape...)
	copy(out.Data, a.Data)
	return out
}

// PromoteBatch returns the activation with a leading batch dimension of one
// added when the input is unbatched (fewer than want dimensions).  Batched
// inputs are returned as-is.
func (a *Activation) PromoteBatch(want int) *Activation {
	if a.Dims() >= want {
		return a
	}
	shape := append([]int{1}, a.Shape...)
	return &Activation{Shape: shape, Data: a.Data}
}
