package gptq

import (
	"math"
	"math/rand"
	"testing"

	"github.com/samcharles93/caliper/internal/logger"
	"github.com/samcharles93/caliper/internal/nn"
	"github.com/samcharles93/caliper/internal/tensor"
)

// captureLog records warnings so tests can assert on diagnostics.
type captureLog struct {
	warns []string
}

func (c *captureLog) Debug(msg string, args ...any) {}
func (c *captureLog) Info(msg string, args ...any)  {}
func (c *captureLog) Warn(msg string, args ...any)  { c.warns = append(c.warns, msg) }
func (c *captureLog) Error(msg string, args ...any) {}

func (c *captureLog) With(args ...any) logger.Logger      { return c }
func (c *captureLog) WithGroup(name string) logger.Logger { return c }

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

// calibLinear builds a dense layer with seeded weights, scaled up so the
// 0.5-step quantizer has visible work to do.
func calibLinear(name string, in, out int, seed int64) *nn.Linear {
	l := nn.NewLinear(name, in, out, nn.StepQuantizer{Step: 0.5})
	tensor.FillRand(&l.Weight, seed)
	tensor.Scale(l.Weight.Data, 100) // roughly (-1, 1)
	return l
}

// randBatch returns a [batch, 1, features] activation with standard normal
// entries from the given seed.
func randBatch(batch, features int, seed int64) *nn.Activation {
	rng := rand.New(rand.NewSource(seed))
	a := nn.NewActivation(batch, 1, features)
	for i := range a.Data {
		a.Data[i] = float32(rng.NormFloat64())
	}
	return a
}

func TestObserveSingleSampleGram(t *testing.T) {
	l := calibLinear("fc", 3, 2, 1)
	st := newLayerState(l, 1, false)

	x := []float32{1, -2, 0.5}
	st.Observe(nn.NewActivationFromData(x, 1, 1, 3))

	if st.Samples() != 1 {
		t.Fatalf("nsamples = %d, want 1", st.Samples())
	}
	// After one sample the accumulator is 2 * x xᵀ.
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 2 * x[i] * x[j]
			if d := math.Abs(float64(st.hess[0].At(i, j) - want)); d > 1e-6 {
				t.Fatalf("H[%d][%d] = %g, want %g", i, j, st.hess[0].At(i, j), want)
			}
		}
	}
}

func TestAccumulatorBatchInvariance(t *testing.T) {
	full := randBatch(8, 4, 42)
	half1 := nn.NewActivationFromData(full.Data[:4*4], 4, 1, 4)
	half2 := nn.NewActivationFromData(full.Data[4*4:], 4, 1, 4)

	one := newLayerState(calibLinear("fc", 4, 2, 1), 2, false)
	one.Observe(full)

	two := newLayerState(calibLinear("fc", 4, 2, 1), 2, false)
	two.Observe(half1)
	two.Observe(half2)

	if one.Samples() != 8 || two.Samples() != 8 {
		t.Fatalf("sample counts %d, %d, want 8", one.Samples(), two.Samples())
	}
	if d := maxAbsDiff(one.hess[0].Data, two.hess[0].Data); d > 1e-5 {
		t.Fatalf("accumulators differ by %g between batchings", d)
	}
}

func TestZeroSampleUpdateSkipped(t *testing.T) {
	l := calibLinear("fc", 4, 2, 3)
	before := l.Weight.Clone()

	st := newLayerState(l, 2, false)
	log := &captureLog{}
	if skipped := st.apply(log, DefaultPercDamp); !skipped {
		t.Fatal("expected zero-sample update to be skipped")
	}
	if d := maxAbsDiff(l.Weight.Data, before.Data); d != 0 {
		t.Fatal("skipped update modified weights")
	}
	if len(log.warns) == 0 {
		t.Fatal("expected a warning identifying the layer")
	}
}

func TestDeadChannelZeroed(t *testing.T) {
	l := calibLinear("fc", 4, 2, 5)
	st := newLayerState(l, 2, false)

	// Feature 2 never fires.
	rng := rand.New(rand.NewSource(7))
	for b := 0; b < 3; b++ {
		a := nn.NewActivation(8, 1, 4)
		for i := range a.Data {
			if i%4 == 2 {
				continue
			}
			a.Data[i] = float32(rng.NormFloat64())
		}
		st.Observe(a)
	}

	if skipped := st.apply(&captureLog{}, DefaultPercDamp); skipped {
		t.Fatal("update unexpectedly skipped")
	}
	for r := 0; r < 2; r++ {
		if v := l.Weight.At(r, 2); v != 0 {
			t.Fatalf("dead column weight not zeroed: w[%d][2] = %g", r, v)
		}
	}
}

func TestColumnOrder(t *testing.T) {
	diag := []float32{0.1, 5, 2, 5, 0}

	id := columnOrder(diag, false)
	for i, v := range id {
		if v != i {
			t.Fatalf("identity order broken: %v", id)
		}
	}

	perm := columnOrder(diag, true)
	if len(perm) != len(diag) {
		t.Fatalf("bad permutation length %d", len(perm))
	}
	seen := make(map[int]bool)
	for _, v := range perm {
		if v < 0 || v >= len(diag) || seen[v] {
			t.Fatalf("not a permutation of [0,%d): %v", len(diag), perm)
		}
		seen[v] = true
	}
	for i := 1; i < len(perm); i++ {
		if diag[perm[i-1]] < diag[perm[i]] {
			t.Fatalf("not descending: %v", perm)
		}
	}
	// Stability: the two equal values keep index order.
	if perm[0] != 1 || perm[1] != 3 {
		t.Fatalf("expected stable order of ties, got %v", perm)
	}
}

// After an update every processed column must sit exactly on its quantized
// value, so re-quantizing the final weights is a fixed point.
func quantFixedPoint(t *testing.T, w *tensor.Mat, q nn.Quantizer) {
	t.Helper()
	qw := q.QuantizeWeights(w)
	if d := maxAbsDiff(w.Data, qw.Data); d > 1e-4 {
		t.Fatalf("float weights not driven onto quantized values, max abs diff %g", d)
	}
}

func TestUpdateDrivesWeightsToQuantized(t *testing.T) {
	for _, actOrder := range []bool{false, true} {
		name := "natural"
		if actOrder {
			name = "act_order"
		}
		t.Run(name, func(t *testing.T) {
			l := calibLinear("fc", 8, 3, 9)
			st := newLayerState(l, 4, actOrder)
			for b := 0; b < 4; b++ {
				st.Observe(randBatch(8, 8, int64(100+b)))
			}
			if skipped := st.apply(&captureLog{}, DefaultPercDamp); skipped {
				t.Fatal("update unexpectedly skipped")
			}
			quantFixedPoint(t, &l.Weight, l.WeightQuant)
		})
	}
}

func TestDepthwiseConvUpdate(t *testing.T) {
	c := nn.NewConv2d("dw", 3, 3, [2]int{3, 3}, 3, nn.StepQuantizer{Step: 0.5})
	c.Padding = [2]int{1, 1}
	tensor.FillRand(&c.Weight, 13)
	tensor.Scale(c.Weight.Data, 100)

	st := newLayerState(c, 2, true)
	if st.groups != 3 || st.columns != 9 {
		t.Fatalf("bad state shape: groups=%d columns=%d", st.groups, st.columns)
	}

	rng := rand.New(rand.NewSource(17))
	for b := 0; b < 3; b++ {
		a := nn.NewActivation(2, 3, 6, 6)
		for i := range a.Data {
			a.Data[i] = float32(rng.NormFloat64())
		}
		st.Observe(a)
	}
	if st.Samples() != 6 {
		t.Fatalf("nsamples = %d, want 6", st.Samples())
	}

	if skipped := st.apply(&captureLog{}, DefaultPercDamp); skipped {
		t.Fatal("update unexpectedly skipped")
	}
	quantFixedPoint(t, &c.Weight, c.WeightQuant)
}

func TestGroupedConvUpdate(t *testing.T) {
	// Ungrouped conv exercises the single-Hessian conv path.
	c := nn.NewConv2d("conv", 2, 4, [2]int{2, 2}, 1, nn.StepQuantizer{Step: 0.5})
	tensor.FillRand(&c.Weight, 19)
	tensor.Scale(c.Weight.Data, 100)

	st := newLayerState(c, 2, false)
	rng := rand.New(rand.NewSource(23))
	for b := 0; b < 2; b++ {
		a := nn.NewActivation(2, 2, 5, 5)
		for i := range a.Data {
			a.Data[i] = float32(rng.NormFloat64())
		}
		st.Observe(a)
	}
	if skipped := st.apply(&captureLog{}, DefaultPercDamp); skipped {
		t.Fatal("update unexpectedly skipped")
	}
	quantFixedPoint(t, &c.Weight, c.WeightQuant)
}

func TestIllConditionedHessianLeavesWeightsUntouched(t *testing.T) {
	l := calibLinear("fc", 4, 2, 31)
	before := l.Weight.Clone()

	st := newLayerState(l, 2, false)
	// A NaN in the calibration stream poisons the accumulator; the damped
	// factorization must fail and the update must back off entirely.
	a := randBatch(2, 4, 33)
	a.Data[1] = float32(math.NaN())
	st.Observe(a)

	log := &captureLog{}
	if skipped := st.apply(log, DefaultPercDamp); !skipped {
		t.Fatal("expected update to be skipped")
	}
	same := true
	for i := range before.Data {
		if math.Float32bits(before.Data[i]) != math.Float32bits(l.Weight.Data[i]) {
			same = false
		}
	}
	if !same {
		t.Fatal("failed update modified weights")
	}
	if len(log.warns) == 0 {
		t.Fatal("expected a warning for the failed layer")
	}
}

// A 4-feature, 2-channel dense layer, a 0.5-step
// quantizer, three seeded batches of eight samples.  The corrected weights
// must be reproducible bit for bit.
func TestEndToEndDeterministic(t *testing.T) {
	run := func() []float32 {
		l := calibLinear("fc", 4, 2, 77)
		st := newLayerState(l, 2, false)
		for b := 0; b < 3; b++ {
			st.Observe(randBatch(8, 4, int64(200+b)))
		}
		if skipped := st.apply(&captureLog{}, DefaultPercDamp); skipped {
			t.Fatal("update unexpectedly skipped")
		}
		return append([]float32(nil), l.Weight.Data...)
	}

	w1 := run()
	w2 := run()
	for i := range w1 {
		if math.Float32bits(w1[i]) != math.Float32bits(w2[i]) {
			t.Fatalf("weights differ at %d: %x vs %x", i, math.Float32bits(w1[i]), math.Float32bits(w2[i]))
		}
	}
}
