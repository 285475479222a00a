package nn

import (
	"math"
	"testing"

	"github.com/samcharles93/caliper/internal/tensor"
)

func maxAbsDiff(a, b []float32) float64 {
	var maxAbs float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}

// rawLinear builds a dense layer with fake quantization off so forward output
// is exact.
func rawLinear(name string, in, out int) *Linear {
	l := NewLinear(name, in, out, StepQuantizer{Step: 0.5})
	l.ActQuant.Disable()
	l.BiasQ.Disable()
	return l
}

func TestLinearForward(t *testing.T) {
	l := rawLinear("fc", 3, 2)
	copy(l.Weight.Data, []float32{1, 0, -1, 2, 1, 0})
	l.Bias = []float32{0.5, -0.5}

	in := NewActivationFromData([]float32{1, 2, 3, 0, 1, 0}, 2, 3)
	out := l.Forward(in)

	want := []float32{
		1*1 + 0*2 + -1*3 + 0.5, 2*1 + 1*2 + 0*3 - 0.5,
		0 + 0.5, 1 - 0.5,
	}
	if out.Dim(0) != 2 || out.Dim(1) != 2 {
		t.Fatalf("bad output shape %v", out.Shape)
	}
	if d := maxAbsDiff(out.Data, want); d > 0 {
		t.Fatalf("got %v want %v", out.Data, want)
	}
}

func TestLinearForwardKeepsLeadingDims(t *testing.T) {
	l := rawLinear("fc", 4, 3)
	tensor.FillRand(&l.Weight, 9)

	in := NewActivation(2, 5, 4)
	for i := range in.Data {
		in.Data[i] = float32(i%7) * 0.1
	}
	out := l.Forward(in)
	if len(out.Shape) != 3 || out.Dim(0) != 2 || out.Dim(1) != 5 || out.Dim(2) != 3 {
		t.Fatalf("bad output shape %v", out.Shape)
	}
}

// convNaive computes a standard convolution directly from the definition.
func convNaive(c *Conv2d, in *Activation) *Activation {
	n, h, w := in.Dim(0), in.Dim(2), in.Dim(3)
	oh, ow := c.OutputDims(h, w)
	cg := c.InChannels / c.Groups
	og := c.OutChannels / c.Groups
	out := NewActivation(n, c.OutChannels, oh, ow)
	for s := 0; s < n; s++ {
		for oc := 0; oc < c.OutChannels; oc++ {
			g := oc / og
			wrow := c.Weight.Row(oc)
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					sum := c.Bias[oc]
					for ic := 0; ic < cg; ic++ {
						ch := g*cg + ic
						for ky := 0; ky < c.Kernel[0]; ky++ {
							y := oy*c.Stride[0] - c.Padding[0] + ky*c.Dilation[0]
							if y < 0 || y >= h {
								continue
							}
							for kx := 0; kx < c.Kernel[1]; kx++ {
								x := ox*c.Stride[1] - c.Padding[1] + kx*c.Dilation[1]
								if x < 0 || x >= w {
									continue
								}
								wv := wrow[ic*c.Kernel[0]*c.Kernel[1]+ky*c.Kernel[1]+kx]
								iv := in.Data[((s*in.Dim(1)+ch)*h+y)*w+x]
								sum += wv * iv
							}
						}
					}
					out.Data[((s*c.OutChannels+oc)*oh+oy)*ow+ox] = sum
				}
			}
		}
	}
	return out
}

func testConvAgainstNaive(t *testing.T, c *Conv2d, n, h, w int) {
	t.Helper()
	c.ActQuant.Disable()
	c.BiasQ.Disable()
	tensor.FillRand(&c.Weight, 21)
	for i := range c.Bias {
		c.Bias[i] = float32(i) * 0.01
	}

	in := NewActivation(n, c.InChannels, h, w)
	for i := range in.Data {
		in.Data[i] = float32((i*31)%13)*0.05 - 0.3
	}

	got := c.Forward(in)
	want := convNaive(c, in)
	if d := maxAbsDiff(got.Data, want.Data); d > 1e-5 {
		t.Fatalf("conv mismatch, max abs diff %g", d)
	}
}

func TestConv2dMatchesNaive(t *testing.T) {
	c := NewConv2d("conv", 3, 4, [2]int{3, 3}, 1, StepQuantizer{Step: 0.5})
	c.Stride = [2]int{2, 1}
	c.Padding = [2]int{1, 1}
	testConvAgainstNaive(t, c, 2, 7, 6)
}

func TestConv2dDepthwiseMatchesNaive(t *testing.T) {
	c := NewConv2d("dw", 4, 4, [2]int{3, 3}, 4, StepQuantizer{Step: 0.5})
	c.Padding = [2]int{1, 1}
	testConvAgainstNaive(t, c, 2, 5, 5)
}

func TestConv2dDilated(t *testing.T) {
	c := NewConv2d("dil", 2, 2, [2]int{2, 2}, 1, StepQuantizer{Step: 0.5})
	c.Dilation = [2]int{2, 2}
	testConvAgainstNaive(t, c, 1, 6, 6)
}

func TestUnfoldIdentityKernel(t *testing.T) {
	src := []float32{1, 2, 3, 4, 5, 6}
	got := Unfold(src, 1, 2, 3, [2]int{1, 1}, [2]int{1, 1}, [2]int{0, 0}, [2]int{1, 1})
	if got.R != 1 || got.C != 6 {
		t.Fatalf("bad shape %dx%d", got.R, got.C)
	}
	if d := maxAbsDiff(got.Data, src); d > 0 {
		t.Fatalf("got %v", got.Data)
	}
}

func TestModelForwardStops(t *testing.T) {
	l1 := rawLinear("fc1", 3, 3)
	l2 := rawLinear("fc2", 3, 2)
	tensor.FillRand(&l1.Weight, 1)
	tensor.FillRand(&l2.Weight, 2)

	m, err := NewModel("mlp", l1, l2)
	if err != nil {
		t.Fatal(err)
	}

	var seen *Activation
	if err := m.RegisterHook("fc2", func(l Layer, in *Activation) HookAction {
		seen = in
		return StopForward
	}); err != nil {
		t.Fatal(err)
	}

	in := NewActivationFromData([]float32{1, 2, 3}, 1, 3)
	out, stopped := m.Forward(in)
	if out != nil || stopped != "fc2" {
		t.Fatalf("expected stop at fc2, got out=%v stopped=%q", out, stopped)
	}
	want := l1.Forward(in)
	if seen == nil || maxAbsDiff(seen.Data, want.Data) > 0 {
		t.Fatalf("hook did not observe fc1 output")
	}

	m.RemoveHook("fc2")
	out, stopped = m.Forward(in)
	if out == nil || stopped != "" {
		t.Fatalf("expected completed pass after hook removal, stopped=%q", stopped)
	}
}

func TestModelDuplicateLayerName(t *testing.T) {
	if _, err := NewModel("bad", rawLinear("fc", 2, 2), rawLinear("fc", 2, 2)); err == nil {
		t.Fatal("expected duplicate-name error")
	}
}

func TestStepQuantizer(t *testing.T) {
	w := tensor.NewMatFromData(1, 4, []float32{0.2, 0.3, -0.74, 1.1})
	q := StepQuantizer{Step: 0.5}.QuantizeWeights(&w)
	want := []float32{0, 0.5, -0.5, 1}
	if d := maxAbsDiff(q.Data, want); d > 1e-6 {
		t.Fatalf("got %v want %v", q.Data, want)
	}
	// Input untouched.
	if w.Data[0] != 0.2 {
		t.Fatal("quantizer mutated its input")
	}
}

func TestRTNQuantizerRowScales(t *testing.T) {
	w := tensor.NewMatFromData(2, 3, []float32{1, -0.5, 0.25, 0, 0, 0})
	q := RTNQuantizer{Bits: 4}.QuantizeWeights(&w)

	// Row 0: scale = 1/7; every value must be an integer multiple of it.
	scale := float64(1) / 7
	for _, v := range q.Row(0) {
		n := float64(v) / scale
		if math.Abs(n-math.Round(n)) > 1e-5 {
			t.Fatalf("value %g is not a multiple of scale", v)
		}
	}
	// Zero row stays zero.
	for _, v := range q.Row(1) {
		if v != 0 {
			t.Fatalf("zero row changed: %v", q.Row(1))
		}
	}
}

func TestFakeQuantToggle(t *testing.T) {
	f := NewFakeQuant(0.5)
	x := []float32{0.3}
	f.Disable()
	f.Apply(x)
	if x[0] != 0.3 {
		t.Fatal("disabled FakeQuant modified data")
	}
	f.Enable()
	f.Apply(x)
	if x[0] != 0.5 {
		t.Fatalf("got %g want 0.5", x[0])
	}
}
