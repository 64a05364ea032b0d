package plugin

import (
	"fmt"

	"github.com/mrzor/vme-daq/internal/dataflow"
	"github.com/mrzor/vme-daq/internal/event"
	"go.uber.org/zap"
)

const (
	TypeFanout         = "fanout"
	defaultFanoutCount = 4
)

type fanoutConfig struct {
	Outputs int    `mapstructure:"outputs"`
	Kind    string `mapstructure:"kind"`
}

func fanoutDefinition() Definition {
	return Definition{
		Type:  TypeFanout,
		Group: GroupAux,
		Attributes: []Attribute{
			{Name: "outputs", Default: defaultFanoutCount, Doc: "number of outputs"},
			{Name: "kind", Default: "words", Doc: "payload kind: words or samples"},
		},
		New: newFanout,
	}
}

// fanout copies its input to every output.
type fanout struct{}

func newFanout(name string, attrs map[string]any, deps Deps) (*dataflow.Node, error) {
	var cfg fanoutConfig
	if err := decodeAttributes(attrs, &cfg); err != nil {
		return nil, err
	}
	kind, err := event.ParseKind(cfg.Kind)
	if err != nil {
		return nil, err
	}
	if cfg.Outputs <= 0 {
		deps.Logger.Warn("invalid output count, using default",
			zap.String("node", name),
			zap.Int("outputs", cfg.Outputs),
			zap.Int("default", defaultFanoutCount))
		cfg.Outputs = defaultFanoutCount
	}

	n := dataflow.NewNode(name, TypeFanout, fanout{})
	n.AddInput("in", kind)
	for i := 0; i < cfg.Outputs; i++ {
		n.AddOutput(fmt.Sprintf("out %d", i), kind)
	}
	return n, nil
}

func (fanout) Process(n *dataflow.Node) error {
	v, ok := n.Input(0).Peek()
	if !ok {
		return nil
	}
	for _, out := range n.Outputs() {
		if err := out.Put(v); err != nil {
			return err
		}
	}
	return nil
}
