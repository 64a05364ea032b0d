package plugin

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/mrzor/vme-daq/internal/dataflow"
	"github.com/mrzor/vme-daq/internal/demux"
	"go.uber.org/zap"
)

var (
	ErrUnknownType   = errors.New("unknown plugin type")
	ErrDuplicateType = errors.New("plugin type already registered")
)

// Group tags a plugin type for listing.
type Group string

const (
	GroupAux        Group = "aux"
	GroupProcessing Group = "processing"
	GroupCache      Group = "cache"
	GroupPack       Group = "pack"
)

// Attribute is one entry of a plugin's attribute schema.
type Attribute struct {
	Name    string
	Default any
	Doc     string
}

// Deps are the collaborators handed to every factory.
type Deps struct {
	Logger *zap.Logger
	// OnIssue observes decode issues of processor nodes.
	OnIssue func(node string, is demux.Issue)
}

// Factory builds a node from merged attributes.
type Factory func(name string, attrs map[string]any, deps Deps) (*dataflow.Node, error)

type Definition struct {
	Type       string
	Group      Group
	Attributes []Attribute
	New        Factory
}

// Defaults returns the schema defaults as an attribute map.
func (d Definition) Defaults() map[string]any {
	out := make(map[string]any, len(d.Attributes))
	for _, a := range d.Attributes {
		out[a.Name] = a.Default
	}
	return out
}

// RunInfo describes the run a node is taking part in.
type RunInfo struct {
	ID          string
	Name        string
	Start       time.Time
	SingleEvent bool
}

// RunHook is implemented by processors that hold per-run state.
type RunHook interface {
	RunStarting(info RunInfo) error
	RunStopped() error
}

type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// DefaultRegistry holds every built-in plugin type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, d := range builtins() {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Register(d Definition) error {
	if d.Type == "" || d.New == nil {
		return fmt.Errorf("plugin definition %q: type and factory required", d.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.defs[d.Type]; dup {
		return fmt.Errorf("%s: %w", d.Type, ErrDuplicateType)
	}
	r.defs[d.Type] = d
	return nil
}

func (r *Registry) Lookup(typ string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[typ]
	return d, ok
}

// Types lists the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.defs))
}

// Create builds a node of type typ. attrs override the schema defaults.
func (r *Registry) Create(typ, name string, attrs map[string]any, deps Deps) (*dataflow.Node, error) {
	d, ok := r.Lookup(typ)
	if !ok {
		return nil, fmt.Errorf("%s: %w", typ, ErrUnknownType)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	merged := d.Defaults()
	maps.Copy(merged, attrs)
	n, err := d.New(name, merged, deps)
	if err != nil {
		return nil, fmt.Errorf("create %s %q: %w", typ, name, err)
	}
	return n, nil
}

func decodeAttributes(attrs map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(attrs); err != nil {
		return fmt.Errorf("attributes: %w", err)
	}
	return nil
}

func builtins() []Definition {
	return []Definition{
		fanoutDefinition(),
		intToDoubleDefinition(),
		processorDefinition(TypeMTDC32Processor, demux.MTDC32),
		processorDefinition(TypeMADC32Processor, demux.MADC32),
		filterDefinition(),
		histogramDefinition(),
		rawWriterDefinition(),
	}
}
