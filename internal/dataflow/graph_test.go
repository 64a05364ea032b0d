package dataflow

import (
	"errors"
	"fmt"
	"math/bits"
	"testing"

	"github.com/mrzor/vme-daq/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func words(w ...uint32) event.Value { return event.Words(w) }

func nopProc() Processor { return ProcessorFunc(func(*Node) error { return nil }) }

// threeInputs builds upstream -> sink with three connected inputs.
func threeInputs(t *testing.T, mandatory int) (*Graph, *Node, *Node) {
	t.Helper()
	g := NewGraph(WithLogger(zaptest.NewLogger(t)))
	up := NewNode("up", "test", nil)
	sink := NewNode("sink", "test", nopProc())
	for i := 0; i < 3; i++ {
		up.AddOutput(fmt.Sprintf("out %d", i), event.KindWords)
		sink.AddInput(fmt.Sprintf("in %d", i), event.KindWords)
	}
	if mandatory >= 0 {
		require.NoError(t, sink.SetMandatoryInputs(mandatory))
	}
	require.NoError(t, g.AddNode(up))
	require.NoError(t, g.AddNode(sink))
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Connect(up.Output(i), sink.Input(i)))
	}
	return g, up, sink
}

func TestNode_ReadyWithMandatoryTwoOfThree(t *testing.T) {
	for mask := 0; mask < 8; mask++ {
		t.Run(fmt.Sprintf("mask=%03b", mask), func(t *testing.T) {
			_, up, sink := threeInputs(t, 2)
			require.Equal(t, 2, sink.EffectiveMandatory())
			for i := 0; i < 3; i++ {
				if mask&(1<<i) != 0 {
					require.NoError(t, up.Output(i).Put(words(1)))
				}
			}
			assert.Equal(t, bits.OnesCount(uint(mask)) >= 2, sink.Ready())
		})
	}
}

func TestNode_EffectiveMandatoryFollowsConnections(t *testing.T) {
	g := NewGraph()
	up := NewNode("up", "test", nil)
	sink := NewNode("sink", "test", nopProc())
	a := up.AddOutput("a", event.KindWords)
	b := up.AddOutput("b", event.KindWords)
	for i := 0; i < 3; i++ {
		sink.AddInput(fmt.Sprintf("in %d", i), event.KindWords)
	}
	require.NoError(t, g.AddNode(up))
	require.NoError(t, g.AddNode(sink))

	assert.Equal(t, 3, sink.MandatoryInputs())
	assert.Equal(t, 0, sink.EffectiveMandatory())
	require.NoError(t, g.Connect(a, sink.Input(0)))
	require.NoError(t, g.Connect(b, sink.Input(2)))
	assert.Equal(t, 2, sink.EffectiveMandatory())

	require.NoError(t, a.Put(words(1)))
	assert.False(t, sink.Ready())
	require.NoError(t, b.Put(words(2)))
	assert.True(t, sink.Ready())

	require.NoError(t, g.Disconnect(sink.Input(2)))
	assert.Equal(t, 1, sink.EffectiveMandatory())
	assert.Zero(t, sink.Input(2).Available())
	assert.Nil(t, b.Peer())
}

func TestNode_SetMandatoryInputs(t *testing.T) {
	n := NewNode("n", "test", nopProc())
	n.AddInput("a", event.KindWords)
	n.AddInput("b", event.KindWords)

	assert.Error(t, n.SetMandatoryInputs(3))
	require.NoError(t, n.SetMandatoryInputs(1))
	assert.ErrorIs(t, n.SetMandatoryInputs(1), ErrMandatorySet)

	_, _, sink := threeInputs(t, -1)
	assert.ErrorIs(t, sink.SetMandatoryInputs(1), ErrAlreadyConnected)
	assert.Equal(t, 3, sink.MandatoryInputs())
}

func TestNode_DefaultMandatoryLeavesOverride(t *testing.T) {
	n := NewNode("n", "test", nopProc())
	n.AddInput("a", event.KindWords)
	n.AddInput("b", event.KindWords)
	require.NoError(t, n.SetDefaultMandatoryInputs(1))
	n.AddInput("c", event.KindWords)
	assert.Equal(t, 1, n.MandatoryInputs(), "later inputs keep the default")
	assert.Error(t, n.SetDefaultMandatoryInputs(4))

	require.NoError(t, n.SetMandatoryInputs(2))
	assert.Equal(t, 2, n.MandatoryInputs())
	assert.ErrorIs(t, n.SetDefaultMandatoryInputs(1), ErrMandatorySet)
}

func TestNode_MandatoryZeroFiresWithoutData(t *testing.T) {
	g, _, sink := threeInputs(t, 0)
	require.NoError(t, g.Freeze())
	assert.Equal(t, 0, sink.EffectiveMandatory())
	assert.True(t, sink.Ready())

	ev := event.NewBuffer(1).CreateEvent()
	require.NoError(t, g.Process(ev))
	require.NoError(t, g.Process(ev))
	assert.Equal(t, uint64(2), sink.Fired())
	assert.Equal(t, uint64(6), sink.Underruns())

	// Without connections the effective count is zero as well.
	lone := NewNode("lone", "test", nopProc())
	lone.AddInput("in", event.KindWords)
	assert.Equal(t, 0, lone.EffectiveMandatory())
	assert.True(t, lone.Ready())
	assert.False(t, NewNode("inert", "test", nil).Ready())
}

func TestGraph_ConnectRejections(t *testing.T) {
	g := NewGraph()
	a := NewNode("a", "test", nil)
	b := NewNode("b", "test", nopProc())
	wOut := a.AddOutput("w", event.KindWords)
	sOut := a.AddOutput("s", event.KindSamples)
	wIn := b.AddInput("w", event.KindWords)
	wIn2 := b.AddInput("w2", event.KindWords)
	require.NoError(t, g.AddNode(a))
	require.NoError(t, g.AddNode(b))

	assert.ErrorIs(t, g.Connect(wIn, wOut), ErrDirection)
	assert.ErrorIs(t, g.Connect(sOut, wIn), ErrTypeMismatch)
	assert.Nil(t, wIn.Peer())
	assert.Nil(t, sOut.Peer())
	assert.Zero(t, b.ConnectedInputs())

	require.NoError(t, g.Connect(wOut, wIn))
	assert.ErrorIs(t, g.Connect(wOut, wIn2), ErrAlreadyConnected)
	assert.Nil(t, wIn2.Peer())
	assert.Same(t, wIn, wOut.Peer())

	require.NoError(t, g.Freeze())
	assert.ErrorIs(t, g.Disconnect(wIn), ErrGraphFrozen)
	assert.ErrorIs(t, g.AddNode(NewNode("c", "test", nil)), ErrGraphFrozen)
	g.Thaw()
	require.NoError(t, g.Disconnect(wOut))
	assert.ErrorIs(t, g.Disconnect(wOut), ErrNotConnected)
}

func TestGraph_ConnectWhileFrozen(t *testing.T) {
	g, up, sink := threeInputs(t, -1)
	require.NoError(t, g.Disconnect(sink.Input(1)))
	require.NoError(t, g.Freeze())
	assert.ErrorIs(t, g.Connect(up.Output(1), sink.Input(1)), ErrGraphFrozen)
	assert.Nil(t, sink.Input(1).Peer())
	assert.Equal(t, 2, sink.ConnectedInputs())
}

func TestNode_AdvancePolicies(t *testing.T) {
	g, up, sink := threeInputs(t, 1)
	require.NoError(t, g.Freeze())
	require.NoError(t, up.Output(0).Put(words(1)))
	require.True(t, sink.Ready())
	require.NoError(t, sink.Fire())
	assert.Equal(t, uint64(2), sink.Underruns())
	assert.Zero(t, sink.Input(0).Available())

	_, up, sink = threeInputs(t, 1)
	sink.SetPolicy(AdvanceAvailable)
	require.NoError(t, up.Output(0).Put(words(1)))
	require.NoError(t, up.Output(1).Put(words(2)))
	require.NoError(t, up.Output(1).Put(words(3)))
	require.NoError(t, sink.Fire())
	assert.Zero(t, sink.Underruns())
	v, ok := sink.Input(1).Peek()
	require.True(t, ok)
	assert.Equal(t, []uint32{3}, v.Words())
}

func TestGraph_FreezeDetectsCycle(t *testing.T) {
	g := NewGraph()
	a := NewNode("a", "test", nopProc())
	b := NewNode("b", "test", nopProc())
	aIn := a.AddInput("in", event.KindWords)
	aOut := a.AddOutput("out", event.KindWords)
	bIn := b.AddInput("in", event.KindWords)
	bOut := b.AddOutput("out", event.KindWords)
	require.NoError(t, g.AddNode(a))
	require.NoError(t, g.AddNode(b))
	require.NoError(t, g.Connect(aOut, bIn))
	require.NoError(t, g.Connect(bOut, aIn))

	assert.ErrorIs(t, g.Freeze(), ErrCycle)
	assert.False(t, g.Frozen())
}

func TestGraph_ProcessChain(t *testing.T) {
	reg := event.NewRegistry()
	s0, err := reg.Register("tdc0", "out 0", event.KindWords)
	require.NoError(t, err)
	_, err = reg.Register("tdc0", "out 1", event.KindWords)
	require.NoError(t, err)

	g := NewGraph(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, g.AddSources(reg))

	double := NewNode("double", "test", ProcessorFunc(func(n *Node) error {
		v, _ := n.Input(0).Peek()
		out := make([]float64, len(v.Words()))
		for i, w := range v.Words() {
			out[i] = 2 * float64(w)
		}
		return n.Output(0).Put(event.Samples(out))
	}))
	double.AddInput("in", event.KindWords)
	double.AddOutput("out", event.KindSamples)

	var got [][]float64
	sink := NewNode("sink", "test", ProcessorFunc(func(n *Node) error {
		v, _ := n.Input(0).Peek()
		got = append(got, v.Samples())
		return nil
	}))
	sink.AddInput("in", event.KindSamples)

	// Added in reverse so only the topological order gets the chain right.
	require.NoError(t, g.AddNode(sink))
	require.NoError(t, g.AddNode(double))
	require.NoError(t, g.ConnectPath("double/out", "sink/in"))
	require.NoError(t, g.ConnectPath("tdc0/out 0", "double/in"))
	require.NoError(t, g.Freeze())

	buf := event.NewBuffer(2)
	ev := buf.CreateEvent()
	require.NoError(t, ev.Set(s0, words(3, 4)))
	require.NoError(t, g.Process(ev))

	assert.Equal(t, [][]float64{{6, 8}}, got)
	assert.Equal(t, uint64(1), double.Fired())
	assert.Zero(t, double.Input(0).Available())

	ev = buf.CreateEvent()
	require.NoError(t, g.Process(ev))
	assert.Len(t, got, 1, "empty event fires nothing")
}

func TestGraph_ProcessJoinsErrors(t *testing.T) {
	reg := event.NewRegistry()
	s0, _ := reg.Register("m", "a", event.KindWords)
	g := NewGraph()
	require.NoError(t, g.AddSources(reg))
	boom := errors.New("boom")
	bad := NewNode("bad", "test", ProcessorFunc(func(*Node) error { return boom }))
	bad.AddInput("in", event.KindWords)
	require.NoError(t, g.AddNode(bad))
	require.NoError(t, g.ConnectPath("m/a", "bad/in"))
	require.NoError(t, g.Freeze())

	ev := event.NewBuffer(1).CreateEvent()
	require.NoError(t, ev.Set(s0, words(1)))
	assert.ErrorIs(t, g.Process(ev), boom)
	assert.Equal(t, uint64(1), bad.Errors())
	assert.Zero(t, bad.Input(0).Available())
}

func TestGraph_ResolveErrors(t *testing.T) {
	g, _, _ := threeInputs(t, -1)
	_, err := g.Resolve("nope", Output)
	assert.Error(t, err)
	_, err = g.Resolve("ghost/out 0", Output)
	assert.ErrorIs(t, err, ErrUnknownNode)
	_, err = g.Resolve("up/in 0", Output)
	assert.ErrorIs(t, err, ErrUnknownConnector)
	c, err := g.Resolve("sink/in 2", Input)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Index())
	assert.ErrorIs(t, g.AddNode(NewNode("up", "test", nil)), ErrDuplicateNode)
}

func TestConnector_QueueDropsOldest(t *testing.T) {
	g, up, sink := threeInputs(t, 1)
	sink.SetQueueLimit(2)
	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, up.Output(0).Put(words(i)))
	}
	in := sink.Input(0)
	assert.Equal(t, 2, in.Available())
	assert.Equal(t, uint64(1), in.Dropped())
	v, _ := in.Peek()
	assert.Equal(t, []uint32{2}, v.Words())

	assert.ErrorIs(t, up.Output(0).Put(event.Samples([]float64{1})), ErrTypeMismatch)
	assert.ErrorIs(t, in.Put(words(1)), ErrDirection)

	g.Reset()
	assert.Zero(t, in.Available())
}
