package plugin

import (
	"testing"

	"github.com/mrzor/vme-daq/internal/demux"
	"github.com/mrzor/vme-daq/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFanout(t *testing.T) {
	n := create(t, TypeFanout, map[string]any{"outputs": "3"})
	require.Len(t, n.Outputs(), 3)

	h := newHarness(t, n)
	h.push(0, event.Words([]uint32{7, 8}))
	require.NoError(t, h.step())
	for i := range h.got {
		require.Len(t, h.got[i], 1)
		assert.Equal(t, []uint32{7, 8}, h.got[i][0].Words())
	}
}

func TestFanout_InvalidOutputsFallBack(t *testing.T) {
	for _, outputs := range []int{0, -2} {
		n := create(t, TypeFanout, map[string]any{"outputs": outputs})
		assert.Len(t, n.Outputs(), defaultFanoutCount)
	}
	n := create(t, TypeFanout, map[string]any{"kind": "samples"})
	assert.Equal(t, event.KindSamples, n.Input(0).Kind())
}

func TestIntToDouble(t *testing.T) {
	n := create(t, TypeIntToDouble, map[string]any{"channels": 2})
	assert.Equal(t, 1, n.MandatoryInputs())
	assert.Equal(t, event.KindSamples, n.Output(1).Kind())

	h := newHarness(t, n)
	h.push(1, event.Words([]uint32{3, 4000000000}))
	require.NoError(t, h.step())
	assert.Empty(t, h.got[0])
	require.Len(t, h.got[1], 1)
	assert.Equal(t, []float64{3, 4e9}, h.got[1][0].Samples())
}

func rawFrame(counter uint32, hits ...demux.Data) []uint32 {
	words := []uint32{demux.Header{DataLength: uint16(len(hits) + 1), ModuleID: 5}.Encode()}
	for _, d := range hits {
		words = append(words, d.Encode())
	}
	return append(words, demux.End{Counter: counter}.Encode())
}

func TestProcessor_DemultiplexesRawStream(t *testing.T) {
	n := create(t, TypeMTDC32Processor, nil)
	require.Len(t, n.Outputs(), 32)

	h := newHarness(t, n)
	h.push(0, event.Words(rawFrame(42, demux.Data{Value: 100, Channel: 0}, demux.Data{Value: 200, Channel: 1})))
	require.NoError(t, h.step())

	assert.Equal(t, []uint32{100, 42}, h.got[0][0].Words())
	assert.Equal(t, []uint32{200, 42}, h.got[1][0].Words())
	for ch := 2; ch < 32; ch++ {
		assert.Empty(t, h.got[ch], "channel %d", ch)
	}
}

func TestProcessor_FrameSpansBlocks(t *testing.T) {
	n := create(t, TypeMADC32Processor, map[string]any{"channels": 4})
	require.Len(t, n.Outputs(), 4)
	h := newHarness(t, n)

	frame := rawFrame(9, demux.Data{Value: 0x1ABC, Channel: 3})
	h.push(0, event.Words(frame[:2]))
	require.NoError(t, h.step())
	assert.Empty(t, h.got[3])

	h.push(0, event.Words(frame[2:]))
	require.NoError(t, h.step())
	require.Len(t, h.got[3], 1)
	assert.Equal(t, []uint32{0x1ABC, 9}, h.got[3][0].Words())

	require.NoError(t, n.Processor().(RunHook).RunStarting(RunInfo{}))
	h.push(0, event.Words(frame[2:]))
	require.NoError(t, h.step())
	assert.Len(t, h.got[3], 1, "run start clears frame state")
}

func TestProcessor_ReportsIssues(t *testing.T) {
	var issues []demux.IssueKind
	var nodes []string
	n, err := DefaultRegistry().Create(TypeMTDC32Processor, "tdc-proc", nil, Deps{
		Logger: zaptest.NewLogger(t),
		OnIssue: func(node string, is demux.Issue) {
			nodes = append(nodes, node)
			issues = append(issues, is.Kind)
		},
	})
	require.NoError(t, err)
	h := newHarness(t, n)
	h.push(0, event.Words([]uint32{demux.Data{Value: 1, Channel: 0}.Encode()}))
	require.NoError(t, h.step())

	assert.Equal(t, []demux.IssueKind{demux.IssueDataOutsideFrame}, issues)
	assert.Equal(t, []string{"tdc-proc"}, nodes)
}

func TestProcessor_ChannelRange(t *testing.T) {
	_, err := DefaultRegistry().Create(TypeMTDC32Processor, "p", map[string]any{"channels": 33}, Deps{})
	assert.Error(t, err)
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name  string
		attrs map[string]any
		in    []uint32
		want  []uint32
	}{
		{
			name:  "pairs by value",
			attrs: map[string]any{"expression": "value > 150", "stride": 2},
			in:    []uint32{100, 1, 200, 2, 300, 3},
			want:  []uint32{200, 2, 300, 3},
		},
		{
			name:  "by counter",
			attrs: map[string]any{"expression": "counter == 1", "stride": 2},
			in:    []uint32{100, 1, 200, 2},
			want:  []uint32{100, 1},
		},
		{
			name:  "by index drops partial record",
			attrs: map[string]any{"expression": "index % 2 == 0"},
			in:    []uint32{5, 6, 7},
			want:  []uint32{5, 7},
		},
		{
			name:  "record access",
			attrs: map[string]any{"expression": "record[0] + record[1] == 10", "stride": 2},
			in:    []uint32{4, 6, 4, 5, 1},
			want:  []uint32{4, 6},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, create(t, TypeFilter, tt.attrs))
			h.push(0, event.Words(tt.in))
			require.NoError(t, h.step())
			require.Len(t, h.got[0], 1)
			assert.Equal(t, tt.want, h.got[0][0].Words())
		})
	}
}

func TestFilter_NoMatchPutsNothing(t *testing.T) {
	h := newHarness(t, create(t, TypeFilter, map[string]any{"expression": "value < 0"}))
	h.push(0, event.Words([]uint32{1, 2}))
	require.NoError(t, h.step())
	assert.Empty(t, h.got[0])
}

func TestFilter_InvalidExpression(t *testing.T) {
	for _, e := range []string{"value >", "value + 1", "missing == 2"} {
		_, err := DefaultRegistry().Create(TypeFilter, "f", map[string]any{"expression": e}, Deps{})
		assert.Error(t, err, e)
	}
}

func TestHistogram(t *testing.T) {
	n := create(t, TypeHistogram, map[string]any{"bins": 8, "stride": 2})
	hist := n.Processor().(*Histogram)
	h := newHarness(t, n)

	h.push(0, event.Words([]uint32{1, 9, 3, 9, 100, 9, 3, 9}))
	require.NoError(t, h.step())

	snap := hist.Snapshot()
	assert.Equal(t, []uint64{0, 1, 0, 2, 0, 0, 0, 0}, snap.Counts)
	assert.Equal(t, uint64(1), snap.Overflow)
	assert.Equal(t, uint64(4), snap.Entries)
	assert.InDelta(t, 7.0/3.0, snap.Mean(), 1e-9)

	require.NoError(t, hist.RunStarting(RunInfo{}))
	assert.Zero(t, hist.Snapshot().Entries)
}

func TestHistogram_Samples(t *testing.T) {
	n := create(t, TypeHistogram, map[string]any{"bins": 4, "kind": "samples"})
	hist := n.Processor().(*Histogram)
	h := newHarness(t, n)
	h.push(0, event.Samples([]float64{-1, 0.5, 3.9, 4}))
	require.NoError(t, h.step())

	snap := hist.Snapshot()
	assert.Equal(t, []uint64{1, 0, 0, 1}, snap.Counts)
	assert.Equal(t, uint64(1), snap.Underflow)
	assert.Equal(t, uint64(1), snap.Overflow)
}
