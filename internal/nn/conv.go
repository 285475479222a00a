package nn

import (
	"github.com/samcharles93/caliper/internal/tensor"
)

// Conv2d is a 2D convolution over [batch, channels, height, width] input.
// Weights are stored pre-flattened as [OutChannels, (InChannels/Groups)*kh*kw],
// which is the layout both the forward pass (via im2col) and the calibration
// algorithms operate on.
type Conv2d struct {
	Name                    string
	InChannels, OutChannels int
	Kernel                  [2]int
	Stride                  [2]int
	Padding                 [2]int
	Dilation                [2]int
	Groups                  int

	Weight tensor.Mat
	Bias   []float32

	WeightQuant Quantizer
	ActQuant    *FakeQuant
	BiasQ       *FakeQuant
}

// NewConv2d constructs a convolution layer with zeroed weights.  InChannels
// and OutChannels must both be divisible by groups.
func NewConv2d(name string, inC, outC int, kernel [2]int, groups int, wq Quantizer) *Conv2d {
	if groups < 1 || inC%groups != 0 || outC%groups != 0 {
		panic("conv2d: channels not divisible by groups")
	}
	cols := (inC / groups) * kernel[0] * kernel[1]
	return &Conv2d{
		Name:        name,
		InChannels:  inC,
		OutChannels: outC,
		Kernel:      kernel,
		Stride:      [2]int{1, 1},
		Padding:     [2]int{0, 0},
		Dilation:    [2]int{1, 1},
		Groups:      groups,
		Weight:      tensor.NewMat(outC, cols),
		Bias:        make([]float32, outC),
		WeightQuant: wq,
		ActQuant:    NewFakeQuant(1.0 / 64),
		BiasQ:       NewFakeQuant(1.0 / 64),
	}
}

func (c *Conv2d) LayerName() string           { return c.Name }
func (c *Conv2d) WeightMatrix() *tensor.Mat   { return &c.Weight }
func (c *Conv2d) WeightQuantizer() Quantizer  { return c.WeightQuant }
func (c *Conv2d) ActivationQuant() *FakeQuant { return c.ActQuant }
func (c *Conv2d) BiasQuant() *FakeQuant       { return c.BiasQ }

// Depthwise reports whether the convolution is depthwise, i.e. every output
// channel has its own group.
func (c *Conv2d) Depthwise() bool { return c.Groups == c.OutChannels }

// OutputDims returns the spatial output size for the given input size.
func (c *Conv2d) OutputDims(h, w int) (int, int) {
	oh := (h+2*c.Padding[0]-c.Dilation[0]*(c.Kernel[0]-1)-1)/c.Stride[0] + 1
	ow := (w+2*c.Padding[1]-c.Dilation[1]*(c.Kernel[1]-1)-1)/c.Stride[1] + 1
	return oh, ow
}

// Forward runs the convolution over a [N, C, H, W] input (a [C, H, W] input
// is promoted to batch size one).
func (c *Conv2d) Forward(in *Activation) *Activation {
	in = in.PromoteBatch(4)
	if in.Dims() != 4 || in.Dim(1) != c.InChannels {
		panic("conv2d: input shape mismatch")
	}
	n, h, w := in.Dim(0), in.Dim(2), in.Dim(3)
	oh, ow := c.OutputDims(h, w)
	if oh <= 0 || ow <= 0 {
		panic("conv2d: kernel larger than padded input")
	}

	data := in.Data
	if c.ActQuant != nil && c.ActQuant.Enabled() {
		data = append([]float32(nil), in.Data...)
		c.ActQuant.Apply(data)
	}
	bias := c.Bias
	if c.BiasQ != nil && c.BiasQ.Enabled() {
		bias = append([]float32(nil), c.Bias...)
		c.BiasQ.Apply(bias)
	}

	cg := c.InChannels / c.Groups
	og := c.OutChannels / c.Groups
	planeSize := h * w
	sampleSize := c.InChannels * planeSize
	outPlane := oh * ow

	out := NewActivation(n, c.OutChannels, oh, ow)
	y := tensor.NewMat(og, outPlane)
	for s := 0; s < n; s++ {
		sample := data[s*sampleSize : (s+1)*sampleSize]
		for g := 0; g < c.Groups; g++ {
			patches := Unfold(sample[g*cg*planeSize:(g+1)*cg*planeSize],
				cg, h, w, c.Kernel, c.Stride, c.Padding, c.Dilation)
			wg := tensor.Mat{
				R:      og,
				C:      c.Weight.C,
				Stride: c.Weight.Stride,
				Data:   c.Weight.Data[g*og*c.Weight.Stride : (g*og+og-1)*c.Weight.Stride+c.Weight.C],
			}
			tensor.Gemm(&y, &wg, &patches)
			for r := 0; r < og; r++ {
				oc := g*og + r
				dst := out.Data[(s*c.OutChannels+oc)*outPlane : (s*c.OutChannels+oc+1)*outPlane]
				copy(dst, y.Row(r))
				b := bias[oc]
				for i := range dst {
					dst[i] += b
				}
			}
		}
	}
	return out
}

// Unfold extracts sliding kernel patches from a single [channels, height,
// width] image (im2col).  The result has one row per (channel, ky, kx)
// triple, ordered channel-major, and one column per output position in
// row-major order.  Out-of-bounds taps read as zero padding.
func Unfold(src []float32, channels, height, width int, kernel, stride, padding, dilation [2]int) tensor.Mat {
	kh, kw := kernel[0], kernel[1]
	oh := (height+2*padding[0]-dilation[0]*(kh-1)-1)/stride[0] + 1
	ow := (width+2*padding[1]-dilation[1]*(kw-1)-1)/stride[1] + 1
	if oh <= 0 || ow <= 0 {
		panic("unfold: kernel larger than padded input")
	}
	out := tensor.NewMat(channels*kh*kw, oh*ow)
	for ch := 0; ch < channels; ch++ {
		plane := src[ch*height*width : (ch+1)*height*width]
		for ky := 0; ky < kh; ky++ {
			for kx := 0; kx < kw; kx++ {
				row := out.Row(ch*kh*kw + ky*kw + kx)
				for oy := 0; oy < oh; oy++ {
					y := oy*stride[0] - padding[0] + ky*dilation[0]
					if y < 0 || y >= height {
						continue // stays zero
					}
					base := y * width
					for ox := 0; ox < ow; ox++ {
						x := ox*stride[1] - padding[1] + kx*dilation[1]
						if x < 0 || x >= width {
							continue
						}
						row[oy*ow+ox] = plane[base+x]
					}
				}
			}
		}
	}
	return out
}
