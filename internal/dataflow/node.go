package dataflow

import (
	"fmt"

	"github.com/mrzor/vme-daq/internal/event"
)

// Processor is the work a node does when it fires. It reads its inputs with
// Peek and writes its outputs with Put; the node advances the inputs.
type Processor interface {
	Process(n *Node) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(n *Node) error

func (f ProcessorFunc) Process(n *Node) error { return f(n) }

// AdvancePolicy decides which inputs are consumed after a node fires.
type AdvancePolicy uint8

const (
	// AdvanceAll advances every connected input, counting an underrun for
	// each one that was empty.
	AdvanceAll AdvancePolicy = iota
	// AdvanceAvailable advances only the inputs that held data.
	AdvanceAvailable
)

// Node is a vertex of the analysis graph.
type Node struct {
	name    string
	typ     string
	proc    Processor
	inputs  []*Connector
	outputs []*Connector
	policy  AdvancePolicy

	mandatory    int
	mandatorySet bool
	defaultSet   bool
	connected    int
	effective    int

	fired     uint64
	underruns uint64
	errors    uint64
}

// NewNode creates a node. proc may be nil for nodes that never fire.
func NewNode(name, typ string, proc Processor) *Node {
	return &Node{name: name, typ: typ, proc: proc}
}

func (n *Node) Name() string              { return n.name }
func (n *Node) Type() string              { return n.typ }
func (n *Node) Inputs() []*Connector      { return n.inputs }
func (n *Node) Outputs() []*Connector     { return n.outputs }
func (n *Node) Input(i int) *Connector    { return n.inputs[i] }
func (n *Node) Output(i int) *Connector   { return n.outputs[i] }
func (n *Node) Processor() Processor      { return n.proc }
func (n *Node) SetPolicy(p AdvancePolicy) { n.policy = p }
func (n *Node) Policy() AdvancePolicy     { return n.policy }
func (n *Node) MandatoryInputs() int      { return n.mandatory }
func (n *Node) EffectiveMandatory() int   { return n.effective }
func (n *Node) ConnectedInputs() int      { return n.connected }
func (n *Node) Fired() uint64             { return n.fired }
func (n *Node) Underruns() uint64         { return n.underruns }
func (n *Node) Errors() uint64            { return n.errors }
func (n *Node) String() string            { return n.name + " (" + n.typ + ")" }

// AddInput appends an input connector. Unless a default or an override
// is set, every input is mandatory.
func (n *Node) AddInput(name string, kind event.Kind) *Connector {
	c := &Connector{node: n, name: name, index: len(n.inputs), dir: Input, kind: kind, limit: DefaultQueueLimit}
	n.inputs = append(n.inputs, c)
	if !n.mandatorySet && !n.defaultSet {
		n.mandatory = len(n.inputs)
	}
	n.recompute()
	return c
}

func (n *Node) AddOutput(name string, kind event.Kind) *Connector {
	c := &Connector{node: n, name: name, index: len(n.outputs), dir: Output, kind: kind}
	n.outputs = append(n.outputs, c)
	return c
}

// SetMandatoryInputs sets how many inputs must hold data before the node
// fires. It may be called once, before any input is connected.
func (n *Node) SetMandatoryInputs(k int) error {
	if n.mandatorySet {
		return fmt.Errorf("%s: %w", n.name, ErrMandatorySet)
	}
	if n.connected > 0 {
		return fmt.Errorf("%s: set mandatory inputs: %w", n.name, ErrAlreadyConnected)
	}
	if err := n.checkMandatory(k); err != nil {
		return err
	}
	n.mandatory = k
	n.mandatorySet = true
	n.recompute()
	return nil
}

// SetDefaultMandatoryInputs replaces the all-inputs default. Plugin
// factories use it so the single SetMandatoryInputs override stays free.
func (n *Node) SetDefaultMandatoryInputs(k int) error {
	if n.mandatorySet {
		return fmt.Errorf("%s: %w", n.name, ErrMandatorySet)
	}
	if err := n.checkMandatory(k); err != nil {
		return err
	}
	n.mandatory = k
	n.defaultSet = true
	n.recompute()
	return nil
}

func (n *Node) checkMandatory(k int) error {
	if k < 0 || k > len(n.inputs) {
		return fmt.Errorf("%s: mandatory inputs %d out of range [0,%d]", n.name, k, len(n.inputs))
	}
	return nil
}

// SetQueueLimit bounds every input queue of the node. Zero means unbounded.
func (n *Node) SetQueueLimit(limit int) {
	for _, in := range n.inputs {
		in.limit = limit
	}
}

// InputByName returns the named input connector.
func (n *Node) InputByName(name string) (*Connector, bool) {
	return find(n.inputs, name)
}

// OutputByName returns the named output connector.
func (n *Node) OutputByName(name string) (*Connector, bool) {
	return find(n.outputs, name)
}

func find(cs []*Connector, name string) (*Connector, bool) {
	for _, c := range cs {
		if c.name == name {
			return c, true
		}
	}
	return nil, false
}

func (n *Node) recompute() {
	n.connected = 0
	for _, in := range n.inputs {
		if in.Connected() {
			n.connected++
		}
	}
	n.effective = min(n.mandatory, n.connected)
}

// Ready reports whether at least the effective mandatory count of connected
// inputs hold data. A node whose effective count is zero fires on every pass.
func (n *Node) Ready() bool {
	if n.proc == nil {
		return false
	}
	have := 0
	for _, in := range n.inputs {
		if in.Connected() && in.Available() > 0 {
			have++
		}
	}
	return have >= n.effective
}

// Fire runs the processor once and advances the inputs.
func (n *Node) Fire() error {
	var err error
	if n.proc != nil {
		err = n.proc.Process(n)
	}
	n.fired++
	if err != nil {
		n.errors++
	}
	for _, in := range n.inputs {
		if !in.Connected() {
			continue
		}
		switch n.policy {
		case AdvanceAvailable:
			in.Advance()
		default:
			if !in.Advance() {
				n.underruns++
			}
		}
	}
	return err
}

func (n *Node) clearQueues() {
	for _, in := range n.inputs {
		in.clear()
	}
}
