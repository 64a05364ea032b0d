package plugin

import (
	"fmt"
	"testing"

	"github.com/mrzor/vme-daq/internal/dataflow"
	"github.com/mrzor/vme-daq/internal/event"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// harness wires a node between a feeding node and one collector per output.
type harness struct {
	t     *testing.T
	up    *dataflow.Node
	node  *dataflow.Node
	sinks []*dataflow.Node
	got   [][]event.Value
}

func newHarness(t *testing.T, n *dataflow.Node) *harness {
	t.Helper()
	g := dataflow.NewGraph()
	h := &harness{t: t, up: dataflow.NewNode("up", "test", nil), node: n}
	require.NoError(t, g.AddNode(h.up))
	require.NoError(t, g.AddNode(n))
	for _, in := range n.Inputs() {
		out := h.up.AddOutput(in.Name(), in.Kind())
		require.NoError(t, g.Connect(out, in))
	}
	h.got = make([][]event.Value, len(n.Outputs()))
	for i, out := range n.Outputs() {
		sink := dataflow.NewNode(fmt.Sprintf("sink%d", i), "test", dataflow.ProcessorFunc(func(s *dataflow.Node) error {
			v, _ := s.Input(0).Peek()
			h.got[i] = append(h.got[i], v)
			return nil
		}))
		sink.AddInput("in", out.Kind())
		require.NoError(t, g.AddNode(sink))
		require.NoError(t, g.Connect(out, sink.Input(0)))
		h.sinks = append(h.sinks, sink)
	}
	return h
}

func (h *harness) push(input int, v event.Value) {
	h.t.Helper()
	require.NoError(h.t, h.up.Output(input).Put(v))
}

// step fires the node and then every collector that received data.
func (h *harness) step() error {
	var err error
	if h.node.Ready() {
		err = h.node.Fire()
	}
	for _, s := range h.sinks {
		if s.Ready() {
			require.NoError(h.t, s.Fire())
		}
	}
	return err
}

func create(t *testing.T, typ string, attrs map[string]any) *dataflow.Node {
	t.Helper()
	n, err := DefaultRegistry().Create(typ, "node", attrs, Deps{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return n
}
