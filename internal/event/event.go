package event

import (
	"errors"
	"fmt"
	"sort"
)

// ErrKindMismatch is returned when a value does not match its slot kind.
var ErrKindMismatch = errors.New("value kind does not match slot")

type eventState uint8

const (
	stateCreated eventState = iota
	stateQueued
	stateReleased
	stateDequeued
)

// Event is one trigger's worth of data, keyed by slot. Only the modules of
// the creating acquisition cycle write to it; after Queue the consumer owns it.
type Event struct {
	seq    uint64
	values map[*Slot]Value
	owner  *Buffer
	state  eventState
}

// Seq is the creation sequence number within the owning buffer.
func (e *Event) Seq() uint64 { return e.seq }

// Set stores v in slot s.
func (e *Event) Set(s *Slot, v Value) error {
	if v.Kind() != s.Kind() {
		return fmt.Errorf("slot %s: %w: got %s, want %s", s, ErrKindMismatch, v.Kind(), s.Kind())
	}
	e.values[s] = v
	return nil
}

func (e *Event) Get(s *Slot) (Value, bool) {
	v, ok := e.values[s]
	return v, ok
}

func (e *Event) Occupied(s *Slot) bool {
	_, ok := e.values[s]
	return ok
}

// Len is the number of occupied slots.
func (e *Event) Len() int { return len(e.values) }

// Slots returns the occupied slots ordered by slot id.
func (e *Event) Slots() []*Slot {
	out := make([]*Slot, 0, len(e.values))
	for s := range e.values {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Missing returns the slots of mandatory that the event does not occupy.
func (e *Event) Missing(mandatory []*Slot) []*Slot {
	var out []*Slot
	for _, s := range mandatory {
		if !e.Occupied(s) {
			out = append(out, s)
		}
	}
	return out
}
