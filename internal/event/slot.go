package event

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDuplicateSlot  = errors.New("slot already registered")
	ErrUnknownSlot    = errors.New("unknown slot")
	ErrRegistryLocked = errors.New("slot registry locked while running")
)

// Slot is a named, typed output channel of one module. Slots are created
// by Registry.Register and never change afterwards.
type Slot struct {
	id     int
	module string
	name   string
	kind   Kind
}

func (s *Slot) ID() int        { return s.id }
func (s *Slot) Module() string { return s.module }
func (s *Slot) Name() string   { return s.name }
func (s *Slot) Kind() Kind     { return s.kind }
func (s *Slot) String() string { return s.module + "/" + s.name }

// Registry owns every slot of a crate and the mandatory-slot set.
// The mandatory set can only change while the registry is unlocked; the run
// controller locks it for the duration of a run.
type Registry struct {
	mu        sync.RWMutex
	slots     []*Slot
	byName    map[string]*Slot
	mandatory map[*Slot]bool
	locked    bool
}

func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]*Slot),
		mandatory: make(map[*Slot]bool),
	}
}

// Register creates the slot module/name.
func (r *Registry) Register(module, name string, kind Kind) (*Slot, error) {
	if kind == KindInvalid {
		return nil, fmt.Errorf("register %s/%s: invalid kind", module, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return nil, fmt.Errorf("register %s/%s: %w", module, name, ErrRegistryLocked)
	}
	key := module + "/" + name
	if _, ok := r.byName[key]; ok {
		return nil, fmt.Errorf("register %s: %w", key, ErrDuplicateSlot)
	}
	s := &Slot{id: len(r.slots), module: module, name: name, kind: kind}
	r.slots = append(r.slots, s)
	r.byName[key] = s
	return s, nil
}

// Lookup finds a slot by module and name.
func (r *Registry) Lookup(module, name string) (*Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[module+"/"+name]
	return s, ok
}

// Slots returns every slot in registration order.
func (r *Registry) Slots() []*Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Slot, len(r.slots))
	copy(out, r.slots)
	return out
}

// ModuleSlots returns the slots of one module in registration order.
func (r *Registry) ModuleSlots(module string) []*Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Slot
	for _, s := range r.slots {
		if s.module == module {
			out = append(out, s)
		}
	}
	return out
}

// SetMandatory adds or removes s from the mandatory set.
func (r *Registry) SetMandatory(s *Slot, mandatory bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return fmt.Errorf("set mandatory %s: %w", s, ErrRegistryLocked)
	}
	if s == nil || s.id >= len(r.slots) || r.slots[s.id] != s {
		return fmt.Errorf("set mandatory %v: %w", s, ErrUnknownSlot)
	}
	if mandatory {
		r.mandatory[s] = true
	} else {
		delete(r.mandatory, s)
	}
	return nil
}

func (r *Registry) IsMandatory(s *Slot) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mandatory[s]
}

// Mandatory returns the mandatory set in registration order.
func (r *Registry) Mandatory() []*Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Slot
	for _, s := range r.slots {
		if r.mandatory[s] {
			out = append(out, s)
		}
	}
	return out
}

// Lock freezes registration and the mandatory set.
func (r *Registry) Lock() {
	r.mu.Lock()
	r.locked = true
	r.mu.Unlock()
}

func (r *Registry) Unlock() {
	r.mu.Lock()
	r.locked = false
	r.mu.Unlock()
}

func (r *Registry) Locked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locked
}
