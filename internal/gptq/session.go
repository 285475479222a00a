package gptq

import (
	"errors"
	"fmt"

	"github.com/samcharles93/caliper/internal/logger"
	"github.com/samcharles93/caliper/internal/nn"
)

// ErrNoBatchObserved is returned by Advance when no interception has fired
// since the last update, i.e. the driver did not run any calibration batch
// through the model.
var ErrNoBatchObserved = errors.New("gptq: no calibration batch observed")

// Options configures a calibration session.
type Options struct {
	// UseQuantActivations keeps activation and bias quantization enabled
	// while gathering statistics.  When false (the usual setting) both are
	// disabled for the duration of the session so the Hessian is computed on
	// un-quantized activations, and restored on Close.
	UseQuantActivations bool

	// NumBlocks is the number of column blocks per layer update.  Must be
	// at least 1.
	NumBlocks int

	// ActOrder corrects columns in descending order of accumulated
	// activation energy instead of natural index order.
	ActOrder bool

	// PercDamp overrides the Hessian damping fraction.  Zero means
	// DefaultPercDamp.
	PercDamp float64

	Log logger.Logger
}

// LayerResult summarizes one layer's calibration outcome.
type LayerResult struct {
	Layer   string `json:"layer"`
	Kind    string `json:"kind"`
	Rows    int    `json:"rows"`
	Columns int    `json:"columns"`
	Groups  int    `json:"groups"`
	Samples int    `json:"samples"`
	Skipped bool   `json:"skipped"`
}

// Session owns a model's calibration lifecycle: it attaches interception
// hooks to every eligible layer, stands in as the model's entry point while
// calibration runs, corrects one layer per Advance call, and restores the
// model's original behaviour on Close.
//
// The driver contract: for each of NumLayers iterations, push the full
// calibration set through RunBatch, then call Advance exactly once.
// Calibrate implements that loop.
type Session struct {
	model   *nn.Model
	log     logger.Logger
	opts    Options
	states  map[string]*LayerState
	current string
	numEl   int
	restore []func()
	results []LayerResult
	closed  bool
}

// Open starts a calibration session on the model.  Callers must Close the
// session when done, however the calibration loop exits.
func Open(model *nn.Model, opts Options) (*Session, error) {
	if opts.NumBlocks < 1 {
		return nil, fmt.Errorf("gptq: NumBlocks must be >= 1, got %d", opts.NumBlocks)
	}
	log := opts.Log
	if log == nil {
		log = logger.Default()
	}
	s := &Session{
		model:  model,
		log:    log,
		opts:   opts,
		states: make(map[string]*LayerState),
	}

	for _, l := range model.Layers() {
		name := l.LayerName()
		// GPTQ assumes it owns the only interception on the model; anything
		// already attached means the forward flow may deviate from expected.
		if model.HasHook(name) {
			log.Warn("forward hook detected during GPTQ setup, behaviour may deviate from expected", "layer", name)
		}
		if !Eligible(l) {
			continue
		}
		ql := l.(nn.QuantLayer)
		st := newLayerState(ql, opts.NumBlocks, opts.ActOrder)
		s.states[name] = st
		if err := model.RegisterHook(name, s.interceptFor(st, ql)); err != nil {
			return nil, err
		}
	}
	s.numEl = len(s.states)

	if !opts.UseQuantActivations {
		for _, l := range model.Layers() {
			ql, ok := l.(nn.QuantLayer)
			if !ok {
				continue
			}
			for _, fq := range []*nn.FakeQuant{ql.ActivationQuant(), ql.BiasQuant()} {
				if fq != nil && fq.Enabled() {
					fq.Disable()
					s.restore = append(s.restore, fq.Enable)
				}
			}
		}
	}
	return s, nil
}

// interceptFor builds the interception hook for one layer: observe the
// runtime input, then stop the forward pass.  Nothing past this layer needs
// to run for the batch.
func (s *Session) interceptFor(st *LayerState, ql nn.QuantLayer) nn.ForwardHook {
	return func(_ nn.Layer, in *nn.Activation) nn.HookAction {
		if s.opts.UseQuantActivations {
			if aq := ql.ActivationQuant(); aq != nil && aq.Enabled() {
				in = in.Clone()
				aq.Apply(in.Data)
			}
		}
		st.Observe(in)
		return nn.StopForward
	}
}

// NumLayers returns the number of eligible layers the session will correct.
func (s *Session) NumLayers() int { return s.numEl }

// RunBatch is the session's wrapped entry point: it runs one calibration
// batch through the model, swallowing the intentional stop at the current
// layer.  For a pass that stops it records which layer was reached and
// returns nil; a pass that completes (no hooks left in its path) returns the
// model output.
func (s *Session) RunBatch(in *nn.Activation) *nn.Activation {
	out, stopped := s.model.Forward(in)
	if stopped != "" {
		s.current = stopped
		return nil
	}
	return out
}

// Advance corrects the layer most recently reached by an interception, then
// detaches that layer's hook and releases its state.  Calling Advance without
// having run any batch since the previous update is a caller error.
func (s *Session) Advance() error {
	if s.current == "" {
		return ErrNoBatchObserved
	}
	st := s.states[s.current]
	if st == nil {
		return fmt.Errorf("gptq: no pending state for layer %q", s.current)
	}
	skipped := st.apply(s.log, s.percDamp())
	s.results = append(s.results, LayerResult{
		Layer:   st.name,
		Kind:    layerKind(st.layer),
		Rows:    st.rows,
		Columns: st.columns,
		Groups:  st.groups,
		Samples: st.nsamples,
		Skipped: skipped,
	})
	s.model.RemoveHook(s.current)
	delete(s.states, s.current)
	s.current = ""
	return nil
}

// Results returns one entry per corrected layer, in correction order.
func (s *Session) Results() []LayerResult {
	return append([]LayerResult(nil), s.results...)
}

// Close detaches any remaining hooks and reverts the activation and bias
// quantization toggles.  It is idempotent and must run regardless of how the
// calibration loop exited.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for name, st := range s.states {
		st.release()
		s.model.RemoveHook(name)
		delete(s.states, name)
	}
	for _, fn := range s.restore {
		fn()
	}
	s.restore = nil
	return nil
}

func (s *Session) percDamp() float64 {
	if s.opts.PercDamp > 0 {
		return s.opts.PercDamp
	}
	return DefaultPercDamp
}

func layerKind(l nn.Layer) string {
	switch v := l.(type) {
	case *nn.Linear:
		return "linear"
	case *nn.Conv2d:
		if v.Depthwise() {
			return "depthwise_conv2d"
		}
		return "conv2d"
	}
	return "unknown"
}

// Calibrate drives a full GPTQ run: for each eligible layer in execution
// order it pushes every calibration batch through the model, then applies
// that layer's update, so layer k's statistics are always gathered with the
// already-corrected weights of layers before k.  The session is always
// closed before returning.
func Calibrate(model *nn.Model, batches []*nn.Activation, opts Options) ([]LayerResult, error) {
	s, err := Open(model, opts)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if s.NumLayers() > 0 && len(batches) == 0 {
		return nil, ErrNoBatchObserved
	}
	for i := 0; i < s.NumLayers(); i++ {
		for _, b := range batches {
			s.RunBatch(b)
		}
		if err := s.Advance(); err != nil {
			return nil, err
		}
	}
	return s.Results(), nil
}
