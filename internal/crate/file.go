// Package crate loads a crate description and builds everything a run
// needs from it: the bus interface, the modules, the slot registry, the
// analysis graph and the event buffer. The result is one explicit Context
// passed to the run controller.
package crate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Interface types.
const (
	InterfaceSim    = "sim"
	InterfaceSerial = "serial"
)

// File is a crate description.
type File struct {
	Interface       InterfaceSpec  `yaml:"interface"`
	Scheduler       SchedulerSpec  `yaml:"scheduler"`
	BufferCapacity  int            `yaml:"buffer_capacity"`
	BeamPulsePeriod time.Duration  `yaml:"beam_pulse_period"`
	Modules         []ModuleSpec   `yaml:"modules"`
	Plugins         []PluginSpec   `yaml:"plugins"`
	Connections     []Connection   `yaml:"connections"`
	Simulation      SimulationSpec `yaml:"simulation"`
}

type InterfaceSpec struct {
	Type        string        `yaml:"type"`
	Name        string        `yaml:"name"`
	Device      string        `yaml:"device"`
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	OpenRetries uint64        `yaml:"open_retries"`
}

type SchedulerSpec struct {
	Mode           string         `yaml:"mode"`
	StallThreshold uint64         `yaml:"stall_threshold"`
	CPU            *int           `yaml:"cpu"`
	Priority       int            `yaml:"priority"`
	SettleDelay    *time.Duration `yaml:"settle_delay"`
}

// ModuleSpec is one module. Mandatory lists the slots every committed
// event must carry.
type ModuleSpec struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"`
	Base      uint32         `yaml:"base"`
	Trigger   bool           `yaml:"trigger"`
	Mandatory []string       `yaml:"mandatory"`
	Settings  map[string]any `yaml:"settings"`
}

// PluginSpec is one analysis node.
type PluginSpec struct {
	Name            string         `yaml:"name"`
	Type            string         `yaml:"type"`
	Attributes      map[string]any `yaml:"attributes"`
	MandatoryInputs *int           `yaml:"mandatory_inputs"`
	QueueLimit      int            `yaml:"queue_limit"`
	Advance         string         `yaml:"advance"`
}

// Connection links "node/output" to "node/input".
type Connection struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// SimulationSpec drives the emulated modules of a sim crate.
type SimulationSpec struct {
	TriggerRate float64 `yaml:"trigger_rate"`
	Hits        int     `yaml:"hits"`
	Seed        uint64  `yaml:"seed"`
}

// Load reads and validates a crate description.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read crate description: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a crate description. Unknown keys are errors.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse crate description: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks what can be checked without building anything.
func (f *File) Validate() error {
	var errs []error
	switch f.Interface.Type {
	case "", InterfaceSim:
	case InterfaceSerial:
		if f.Interface.Device == "" {
			errs = append(errs, errors.New("serial interface needs a device"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown interface type %q", f.Interface.Type))
	}
	if len(f.Modules) == 0 {
		errs = append(errs, errors.New("no modules"))
	}

	names := make(map[string]bool)
	bases := make(map[uint32]string)
	for i, m := range f.Modules {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("module %d has no name", i))
			continue
		}
		if names[m.Name] {
			errs = append(errs, fmt.Errorf("duplicate name %q", m.Name))
		}
		names[m.Name] = true
		if other, ok := bases[m.Base]; ok {
			errs = append(errs, fmt.Errorf("modules %q and %q share base 0x%08x", other, m.Name, m.Base))
		}
		bases[m.Base] = m.Name
	}
	for i, p := range f.Plugins {
		if p.Name == "" || p.Type == "" {
			errs = append(errs, fmt.Errorf("plugin %d needs a name and a type", i))
			continue
		}
		if names[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate name %q", p.Name))
		}
		names[p.Name] = true
	}
	if f.BufferCapacity < 0 {
		errs = append(errs, fmt.Errorf("buffer_capacity must not be negative, got %d", f.BufferCapacity))
	}
	if f.BeamPulsePeriod < 0 {
		errs = append(errs, fmt.Errorf("beam_pulse_period must not be negative, got %s", f.BeamPulsePeriod))
	}
	return errors.Join(errs...)
}
