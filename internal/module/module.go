package module

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mrzor/vme-daq/internal/demux"
	"github.com/mrzor/vme-daq/internal/event"
	"github.com/mrzor/vme-daq/internal/hardware"
	"go.uber.org/zap"
)

// Module is one physical device in the crate.
type Module interface {
	Name() string
	Type() string
	BaseAddress() uint32
	Slots() []*event.Slot

	// IsTrigger reports whether the module raises the crate interrupt.
	IsTrigger() bool
	SetTrigger(on bool)

	Configure() error
	Reset() error
	PanicReset() error
	DataReady() bool
	Acquire(ev *event.Event) error
}

// ErrNoInterface is returned by Configure when the module has no bus interface.
var ErrNoInterface = errors.New("module has no interface")

// Spec describes one module instance from the crate description.
type Spec struct {
	Name     string
	Type     string
	Base     uint32
	Trigger  bool
	Settings map[string]any
}

// Deps are the shared collaborators handed to every factory.
type Deps struct {
	Interface   hardware.Interface
	Slots       *event.Registry
	Logger      *zap.Logger
	SingleEvent bool
	// OnIssue observes decode issues of modules that decode in place.
	OnIssue func(module string, is demux.Issue)
}

// Factory builds a module from its spec.
type Factory func(spec Spec, deps Deps) (Module, error)

// Registry maps module type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows every built-in module type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(TypeMTDC32, NewMTDC32) //nolint:errcheck // fresh registry, names are unique
	_ = r.Register(TypeMADC32, NewMADC32) //nolint:errcheck // fresh registry, names are unique
	return r
}

// Register adds a factory. Type names are unique.
func (r *Registry) Register(typeName string, f Factory) error {
	if typeName == "" || f == nil {
		return fmt.Errorf("register module type %q: empty name or nil factory", typeName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[typeName]; ok {
		return fmt.Errorf("module type %q already registered", typeName)
	}
	r.factories[typeName] = f
	return nil
}

// Create builds a module from spec.
func (r *Registry) Create(spec Spec, deps Deps) (Module, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("module %q: unknown type %q", spec.Name, spec.Type)
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("module of type %q: empty name", spec.Type)
	}
	if deps.Slots == nil {
		return nil, fmt.Errorf("module %q: no slot registry", spec.Name)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return f(spec, deps)
}

// Types lists the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
