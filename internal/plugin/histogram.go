package plugin

import (
	"errors"
	"math"
	"sync"

	"github.com/mrzor/vme-daq/internal/dataflow"
	"github.com/mrzor/vme-daq/internal/event"
)

const TypeHistogram = "histogram"

type histogramConfig struct {
	Bins   int    `mapstructure:"bins"`
	Stride int    `mapstructure:"stride"`
	Kind   string `mapstructure:"kind"`
}

func histogramDefinition() Definition {
	return Definition{
		Type:  TypeHistogram,
		Group: GroupCache,
		Attributes: []Attribute{
			{Name: "bins", Default: 4096, Doc: "unit-width bins starting at 0"},
			{Name: "stride", Default: 1, Doc: "histogram every stride-th word; 2 skips counters"},
			{Name: "kind", Default: "words", Doc: "payload kind: words or samples"},
		},
		New: newHistogram,
	}
}

// HistogramSnapshot is a copy of a histogram's contents.
type HistogramSnapshot struct {
	Counts    []uint64
	Underflow uint64
	Overflow  uint64
	Entries   uint64
}

// Mean of the in-range entries, in bin units.
func (s HistogramSnapshot) Mean() float64 {
	var sum, n float64
	for bin, c := range s.Counts {
		sum += float64(bin) * float64(c)
		n += float64(c)
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

// Histogram accumulates the values of its input. It is cleared when a run
// starts; Snapshot may be called from any goroutine.
type Histogram struct {
	stride int

	mu        sync.Mutex
	counts    []uint64
	underflow uint64
	overflow  uint64
	entries   uint64
}

func newHistogram(name string, attrs map[string]any, _ Deps) (*dataflow.Node, error) {
	var cfg histogramConfig
	if err := decodeAttributes(attrs, &cfg); err != nil {
		return nil, err
	}
	if cfg.Bins <= 0 || cfg.Stride <= 0 {
		return nil, errors.New("bins and stride must be positive")
	}
	kind, err := event.ParseKind(cfg.Kind)
	if err != nil {
		return nil, err
	}
	h := &Histogram{stride: cfg.Stride, counts: make([]uint64, cfg.Bins)}
	n := dataflow.NewNode(name, TypeHistogram, h)
	n.AddInput("in", kind)
	return n, nil
}

func (h *Histogram) Process(n *dataflow.Node) error {
	v, ok := n.Input(0).Peek()
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if v.Kind() == event.KindSamples {
		s := v.Samples()
		for i := 0; i < len(s); i += h.stride {
			h.fill(s[i])
		}
		return nil
	}
	w := v.Words()
	for i := 0; i < len(w); i += h.stride {
		h.fill(float64(w[i]))
	}
	return nil
}

func (h *Histogram) fill(x float64) {
	h.entries++
	switch {
	case x < 0 || math.IsNaN(x):
		h.underflow++
	case x >= float64(len(h.counts)):
		h.overflow++
	default:
		h.counts[int(x)]++
	}
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HistogramSnapshot{
		Counts:    append([]uint64(nil), h.counts...),
		Underflow: h.underflow,
		Overflow:  h.overflow,
		Entries:   h.entries,
	}
}

func (h *Histogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.counts)
	h.underflow, h.overflow, h.entries = 0, 0, 0
}

func (h *Histogram) RunStarting(RunInfo) error {
	h.Reset()
	return nil
}

func (h *Histogram) RunStopped() error { return nil }
