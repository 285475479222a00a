// Package gptq implements post-training weight quantization with second-order
// activation statistics (GPTQ, https://arxiv.org/abs/2210.17323).
//
// Calibration runs one layer at a time: a Session hooks every eligible layer,
// the driver streams calibration batches through the model, each batch's
// forward pass is stopped at the current layer after its input statistics are
// captured, and the layer's weights are then corrected column by column
// against its quantizer using the accumulated Hessian.
package gptq

import (
	"math"

	"github.com/samcharles93/caliper/internal/nn"
	"github.com/samcharles93/caliper/internal/tensor"
)

// Eligible reports whether GPTQ can calibrate the given layer: dense layers
// always qualify; convolutions qualify when they are either ungrouped or
// depthwise (one group per output channel).  Anything else is left untouched.
func Eligible(l nn.Layer) bool {
	switch v := l.(type) {
	case *nn.Linear:
		return true
	case *nn.Conv2d:
		return v.Groups == 1 || v.Groups == v.OutChannels
	}
	return false
}

// LayerState holds the per-layer calibration state: the running Hessian
// accumulator of input activations and the shape metadata the update step
// needs.  One state exists per eligible layer, and it is released as soon as
// the layer's update has consumed it.
type LayerState struct {
	layer nn.QuantLayer
	name  string

	// groups is 1 for dense layers and ungrouped convolutions, and equals
	// the output-channel count for depthwise convolutions.
	groups    int
	rows      int // output channels
	columns   int // input channels, spatial kernel dims flattened
	blocksize int

	// hess holds one [columns x columns] accumulator per group.  It is
	// proportional to the second-moment matrix of the layer's input feature
	// vectors, independent of how the samples were batched.
	hess     []tensor.Mat
	nsamples int

	actOrder bool
}

func newLayerState(l nn.QuantLayer, numBlocks int, actOrder bool) *LayerState {
	s := &LayerState{
		layer:    l,
		name:     l.LayerName(),
		groups:   1,
		actOrder: actOrder,
	}
	w := l.WeightMatrix()
	s.rows = w.R
	s.columns = w.C
	if c, ok := l.(*nn.Conv2d); ok {
		s.groups = c.Groups
	}
	s.blocksize = (s.columns + numBlocks - 1) / numBlocks
	s.hess = make([]tensor.Mat, s.groups)
	for g := range s.hess {
		s.hess[g] = tensor.NewMat(s.columns, s.columns)
	}
	return s
}

// Samples returns the number of calibration samples observed so far.
func (s *LayerState) Samples() int { return s.nsamples }

// Observe folds one calibration batch's input activations into the Hessian
// accumulator.  The existing accumulator is rescaled by n/(n+b) before the
// new batch's Gram matrix is added with a sqrt(2/n) amplitude, which keeps
// the final accumulator invariant to how the same samples are split into
// batches.
func (s *LayerState) Observe(in *nn.Activation) {
	patches, batch := s.preprocess(in)

	ratio := float32(s.nsamples) / float32(s.nsamples+batch)
	for g := range s.hess {
		tensor.Scale(s.hess[g].Data, ratio)
	}
	s.nsamples += batch

	amp := float32(math.Sqrt(2 / float64(s.nsamples)))
	for g := range patches {
		tensor.Scale(patches[g].Data, amp)
		tensor.AddXXT(&s.hess[g], &patches[g])
	}
}

// preprocess normalizes a raw layer input into one [columns x samples] patch
// matrix per group, plus the batch count used for accumulator weighting.
func (s *LayerState) preprocess(in *nn.Activation) ([]tensor.Mat, int) {
	switch l := s.layer.(type) {
	case *nn.Linear:
		// A rank-2 input counts as a single unbatched sample group; only a
		// leading batch dimension beyond that contributes to the batch size.
		batch := 1
		if in.Dims() > 2 {
			batch = in.Dim(0)
		}
		features := in.Dim(in.Dims() - 1)
		if features != s.columns {
			panic("gptq: input feature dimension mismatch")
		}
		samples := in.Numel() / features
		X := tensor.NewMat(features, samples)
		for t := 0; t < samples; t++ {
			src := in.Data[t*features : (t+1)*features]
			for f, v := range src {
				X.Row(f)[t] = v
			}
		}
		return []tensor.Mat{X}, batch

	case *nn.Conv2d:
		in = in.PromoteBatch(4)
		batch := in.Dim(0)
		h, w := in.Dim(2), in.Dim(3)
		oh, ow := l.OutputDims(h, w)
		cg := l.InChannels / l.Groups
		plane := h * w
		sampleSize := l.InChannels * plane
		cols := oh * ow

		out := make([]tensor.Mat, s.groups)
		for g := range out {
			X := tensor.NewMat(s.columns, batch*cols)
			for n := 0; n < batch; n++ {
				src := in.Data[n*sampleSize+g*cg*plane : n*sampleSize+(g+1)*cg*plane]
				patch := nn.Unfold(src, cg, h, w, l.Kernel, l.Stride, l.Padding, l.Dilation)
				for r := 0; r < s.columns; r++ {
					copy(X.Row(r)[n*cols:(n+1)*cols], patch.Row(r))
				}
			}
			out[g] = X
		}
		return out, batch
	}
	panic("gptq: unsupported layer kind")
}

// release drops the accumulator memory once the update has consumed it.
func (s *LayerState) release() {
	s.hess = nil
}
