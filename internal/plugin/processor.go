package plugin

import (
	"fmt"
	"slices"

	"github.com/mrzor/vme-daq/internal/dataflow"
	"github.com/mrzor/vme-daq/internal/demux"
	"github.com/mrzor/vme-daq/internal/event"
	"go.uber.org/zap"
)

const (
	TypeMTDC32Processor = "mtdc32-processor"
	TypeMADC32Processor = "madc32-processor"
)

type processorConfig struct {
	Channels int `mapstructure:"channels"`
}

func processorDefinition(typ string, layout demux.Layout) Definition {
	return Definition{
		Type:  typ,
		Group: GroupProcessing,
		Attributes: []Attribute{
			{Name: "channels", Default: layout.Channels, Doc: "number of channel outputs"},
		},
		New: func(name string, attrs map[string]any, deps Deps) (*dataflow.Node, error) {
			return newProcessor(typ, layout, name, attrs, deps)
		},
	}
}

// Processor demultiplexes a raw module stream into per-channel outputs of
// interleaved value and counter words. Frame state carries across blocks.
type Processor struct {
	layout demux.Layout
	opts   []demux.Option
	dec    *demux.Decoder
}

func newProcessor(typ string, layout demux.Layout, name string, attrs map[string]any, deps Deps) (*dataflow.Node, error) {
	var cfg processorConfig
	if err := decodeAttributes(attrs, &cfg); err != nil {
		return nil, err
	}
	if cfg.Channels <= 0 || cfg.Channels > layout.Channels {
		return nil, fmt.Errorf("channels %d out of range [1,%d]", cfg.Channels, layout.Channels)
	}
	layout.Channels = cfg.Channels

	opts := []demux.Option{demux.WithLogger(deps.Logger.With(zap.String("node", name)))}
	if deps.OnIssue != nil {
		onIssue := deps.OnIssue
		opts = append(opts, demux.WithIssueHook(func(is demux.Issue) { onIssue(name, is) }))
	}
	p := &Processor{layout: layout, opts: opts, dec: demux.NewDecoder(layout, opts...)}

	n := dataflow.NewNode(name, typ, p)
	n.AddInput("in", event.KindWords)
	for ch := 0; ch < cfg.Channels; ch++ {
		n.AddOutput(fmt.Sprintf("out %d", ch), event.KindWords)
	}
	return n, nil
}

// Process puts one interleaved block on every channel that received data.
func (p *Processor) Process(n *dataflow.Node) error {
	v, ok := n.Input(0).Peek()
	if !ok {
		return nil
	}
	res := p.dec.Decode(v.Words())
	for _, ch := range res.Populated() {
		if err := n.Output(ch).Put(event.Words(res.Interleaved(ch))); err != nil {
			return err
		}
	}
	return nil
}

// RunStarting starts the run with a fresh decoder in the run's event mode.
func (p *Processor) RunStarting(info RunInfo) error {
	opts := append(slices.Clone(p.opts), demux.WithSingleEvent(info.SingleEvent))
	p.dec = demux.NewDecoder(p.layout, opts...)
	return nil
}

func (p *Processor) RunStopped() error { return nil }
