package plugin

import (
	"errors"

	"github.com/mrzor/vme-daq/internal/dataflow"
	"github.com/mrzor/vme-daq/internal/event"
)

const TypeFilter = "filter"

type filterConfig struct {
	Expression string `mapstructure:"expression"`
	Stride     int    `mapstructure:"stride"`
	Kind       string `mapstructure:"kind"`
}

func filterDefinition() Definition {
	return Definition{
		Type:  TypeFilter,
		Group: GroupProcessing,
		Attributes: []Attribute{
			{Name: "expression", Default: "true", Doc: "boolean expression over value, counter, index and record"},
			{Name: "stride", Default: 1, Doc: "words per record; 2 for value/counter pairs"},
			{Name: "kind", Default: "words", Doc: "payload kind: words or samples"},
		},
		New: newFilter,
	}
}

// Filter keeps the records of its input for which the expression holds.
// A trailing partial record is dropped.
type Filter struct {
	pred   *predicate
	stride int
	kind   event.Kind
}

func newFilter(name string, attrs map[string]any, _ Deps) (*dataflow.Node, error) {
	var cfg filterConfig
	if err := decodeAttributes(attrs, &cfg); err != nil {
		return nil, err
	}
	if cfg.Stride <= 0 {
		return nil, errors.New("stride must be positive")
	}
	kind, err := event.ParseKind(cfg.Kind)
	if err != nil {
		return nil, err
	}
	pred, err := compilePredicate(cfg.Expression)
	if err != nil {
		return nil, err
	}
	f := &Filter{pred: pred, stride: cfg.Stride, kind: kind}
	n := dataflow.NewNode(name, TypeFilter, f)
	n.AddInput("in", kind)
	n.AddOutput("out", kind)
	return n, nil
}

func (f *Filter) Process(n *dataflow.Node) error {
	v, ok := n.Input(0).Peek()
	if !ok {
		return nil
	}
	values := asFloats(v)
	var keep []int
	var errs []error
	record := make([]float64, f.stride)
	for i := 0; i+f.stride <= len(values); i += f.stride {
		copy(record, values[i:i+f.stride])
		env := recordEnv{Value: record[0], Index: i / f.stride, Record: record}
		if f.stride > 1 {
			env.Counter = record[1]
		}
		match, err := f.pred.match(env)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if match {
			keep = append(keep, i)
		}
	}
	if len(keep) > 0 {
		if err := n.Output(0).Put(f.gather(v, keep)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Filter) gather(v event.Value, starts []int) event.Value {
	if f.kind == event.KindSamples {
		src := v.Samples()
		out := make([]float64, 0, len(starts)*f.stride)
		for _, i := range starts {
			out = append(out, src[i:i+f.stride]...)
		}
		return event.Samples(out)
	}
	src := v.Words()
	out := make([]uint32, 0, len(starts)*f.stride)
	for _, i := range starts {
		out = append(out, src[i:i+f.stride]...)
	}
	return event.Words(out)
}

func asFloats(v event.Value) []float64 {
	if v.Kind() == event.KindSamples {
		return v.Samples()
	}
	words := v.Words()
	out := make([]float64, len(words))
	for i, w := range words {
		out[i] = float64(w)
	}
	return out
}
