package nn

import "fmt"

// HookAction is the control result returned by a forward hook.  A hook that
// returns StopForward short-circuits the remainder of the forward pass; this
// is deliberate flow control, not an error, and Model.Forward reports which
// layer stopped the pass instead of raising anything.
type HookAction int

const (
	// Continue lets the forward pass proceed through the hooked layer.
	Continue HookAction = iota
	// StopForward unwinds the forward pass before the hooked layer runs.
	StopForward
)

// ForwardHook observes a layer's runtime input just before the layer executes.
type ForwardHook func(layer Layer, in *Activation) HookAction

// Model is a sequential network of uniquely named layers with an optional
// forward hook per layer.  Execution is strictly single-threaded.
type Model struct {
	Name   string
	layers []Layer
	byName map[string]Layer
	hooks  map[string]ForwardHook
}

// NewModel builds a model from the given layers.  Layer names must be unique.
func NewModel(name string, layers ...Layer) (*Model, error) {
	m := &Model{
		Name:   name,
		layers: append([]Layer(nil), layers...),
		byName: make(map[string]Layer, len(layers)),
		hooks:  make(map[string]ForwardHook),
	}
	for _, l := range layers {
		if _, dup := m.byName[l.LayerName()]; dup {
			return nil, fmt.Errorf("model %q: duplicate layer name %q", name, l.LayerName())
		}
		m.byName[l.LayerName()] = l
	}
	return m, nil
}

// Layers returns the layers in execution order.
func (m *Model) Layers() []Layer { return m.layers }

// Layer returns the layer with the given name, or nil.
func (m *Model) Layer(name string) Layer { return m.byName[name] }

// RegisterHook attaches a forward hook to the named layer, replacing any
// existing one.
func (m *Model) RegisterHook(name string, h ForwardHook) error {
	if m.byName[name] == nil {
		return fmt.Errorf("model %q: no layer named %q", m.Name, name)
	}
	m.hooks[name] = h
	return nil
}

// RemoveHook detaches the named layer's forward hook, if any.
func (m *Model) RemoveHook(name string) {
	delete(m.hooks, name)
}

// HasHook reports whether a forward hook is attached to the named layer.
func (m *Model) HasHook(name string) bool {
	return m.hooks[name] != nil
}

// Forward runs the input through the layers in order.  Before each hooked
// layer executes its hook is invoked with the layer's runtime input; if the
// hook returns StopForward the pass unwinds immediately and the second return
// value names the stopping layer.  A completed pass returns the final output
// and an empty name.
func (m *Model) Forward(in *Activation) (*Activation, string) {
	x := in
	for _, l := range m.layers {
		if h := m.hooks[l.LayerName()]; h != nil {
			if h(l, x) == StopForward {
				return nil, l.LayerName()
			}
		}
		x = l.Forward(x)
	}
	return x, ""
}
