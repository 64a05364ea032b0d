package plugin

import (
	"fmt"

	"github.com/mrzor/vme-daq/internal/dataflow"
	"github.com/mrzor/vme-daq/internal/event"
	"go.uber.org/zap"
)

const TypeIntToDouble = "int-to-double"

type intToDoubleConfig struct {
	Channels int `mapstructure:"channels"`
}

func intToDoubleDefinition() Definition {
	return Definition{
		Type:  TypeIntToDouble,
		Group: GroupProcessing,
		Attributes: []Attribute{
			{Name: "channels", Default: 1, Doc: "number of input/output pairs"},
		},
		New: newIntToDouble,
	}
}

// intToDouble converts each available word input to samples on the output
// with the same index.
type intToDouble struct{}

func newIntToDouble(name string, attrs map[string]any, deps Deps) (*dataflow.Node, error) {
	var cfg intToDoubleConfig
	if err := decodeAttributes(attrs, &cfg); err != nil {
		return nil, err
	}
	if cfg.Channels <= 0 {
		deps.Logger.Warn("invalid channel count, using 1", zap.String("node", name), zap.Int("channels", cfg.Channels))
		cfg.Channels = 1
	}
	n := dataflow.NewNode(name, TypeIntToDouble, intToDouble{})
	for i := 0; i < cfg.Channels; i++ {
		n.AddInput(fmt.Sprintf("in %d", i), event.KindWords)
		n.AddOutput(fmt.Sprintf("out %d", i), event.KindSamples)
	}
	if err := n.SetDefaultMandatoryInputs(1); err != nil {
		return nil, err
	}
	return n, nil
}

func (intToDouble) Process(n *dataflow.Node) error {
	for i, in := range n.Inputs() {
		v, ok := in.Peek()
		if !ok {
			continue
		}
		words := v.Words()
		samples := make([]float64, len(words))
		for j, w := range words {
			samples[j] = float64(w)
		}
		if err := n.Output(i).Put(event.Samples(samples)); err != nil {
			return err
		}
	}
	return nil
}
