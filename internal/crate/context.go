package crate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/mrzor/vme-daq/internal/acquisition"
	"github.com/mrzor/vme-daq/internal/dataflow"
	"github.com/mrzor/vme-daq/internal/event"
	"github.com/mrzor/vme-daq/internal/hardware"
	"github.com/mrzor/vme-daq/internal/hardware/serialbridge"
	"github.com/mrzor/vme-daq/internal/metrics"
	"github.com/mrzor/vme-daq/internal/module"
	"github.com/mrzor/vme-daq/internal/plugin"
	"github.com/mrzor/vme-daq/internal/run"
)

// Deps are the collaborators Build wires into the crate. Zero values
// select the defaults.
type Deps struct {
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Modules     *module.Registry
	Plugins     *plugin.Registry
	Clock       clock.Clock
	SingleEvent bool
}

// Context holds everything built from one crate description.
type Context struct {
	File        *File
	Interface   hardware.Interface
	Slots       *event.Registry
	Modules     []module.Module
	Graph       *dataflow.Graph
	Buffer      *event.Buffer
	Scheduler   acquisition.Config
	SingleEvent bool
	// Simulator is set for sim crates.
	Simulator *Simulator

	log   *zap.Logger
	clock clock.Clock
}

// Build creates the interface, modules and analysis graph described by f.
func Build(f *File, deps Deps) (*Context, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Modules == nil {
		deps.Modules = module.DefaultRegistry()
	}
	if deps.Plugins == nil {
		deps.Plugins = plugin.DefaultRegistry()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	log := deps.Logger.Named("crate")

	sched, err := schedulerConfig(f.Scheduler)
	if err != nil {
		return nil, err
	}
	c := &Context{
		File:        f,
		Slots:       event.NewRegistry(),
		Buffer:      event.NewBuffer(f.BufferCapacity),
		Scheduler:   sched,
		SingleEvent: deps.SingleEvent,
		log:         log,
		clock:       deps.Clock,
	}

	var sim *hardware.Sim
	name := f.Interface.Name
	if name == "" {
		name = "crate"
	}
	switch f.Interface.Type {
	case InterfaceSerial:
		opts := []serialbridge.Option{serialbridge.WithLogger(deps.Logger)}
		if f.Interface.OpenRetries > 0 {
			opts = append(opts, serialbridge.WithOpenRetries(f.Interface.OpenRetries))
		}
		c.Interface = serialbridge.NewSerial(name, serialbridge.SerialConfig{
			Device:      f.Interface.Device,
			BaudRate:    f.Interface.BaudRate,
			ReadTimeout: f.Interface.ReadTimeout,
		}, opts...)
	default:
		sim = hardware.NewSim(name)
		c.Interface = sim
	}

	for _, spec := range f.Modules {
		m, err := deps.Modules.Create(module.Spec{
			Name:     spec.Name,
			Type:     spec.Type,
			Base:     spec.Base,
			Trigger:  spec.Trigger,
			Settings: spec.Settings,
		}, module.Deps{
			Interface:   c.Interface,
			Slots:       c.Slots,
			Logger:      deps.Logger,
			SingleEvent: deps.SingleEvent,
			OnIssue:     deps.Metrics.DecodeIssue,
		})
		if err != nil {
			return nil, err
		}
		for _, slotName := range spec.Mandatory {
			s, ok := c.Slots.Lookup(spec.Name, slotName)
			if !ok {
				return nil, fmt.Errorf("module %q has no slot %q", spec.Name, slotName)
			}
			if err := c.Slots.SetMandatory(s, true); err != nil {
				return nil, err
			}
		}
		c.Modules = append(c.Modules, m)
	}

	if sim != nil {
		c.Simulator = newSimulator(sim, c.Modules, f.Simulation, deps.Clock, log)
	}

	if err := c.buildGraph(f, deps); err != nil {
		return nil, err
	}

	log.Info("crate built",
		zap.String("interface", c.Interface.Name()),
		zap.Int("modules", len(c.Modules)),
		zap.Int("slots", len(c.Slots.Slots())),
		zap.Int("mandatory_slots", len(c.Slots.Mandatory())),
		zap.Int("nodes", len(c.Graph.Nodes())))
	return c, nil
}

func schedulerConfig(s SchedulerSpec) (acquisition.Config, error) {
	cfg := acquisition.DefaultConfig()
	mode, err := acquisition.ParseMode(s.Mode)
	if err != nil {
		return cfg, err
	}
	cfg.Mode = mode
	if s.StallThreshold > 0 {
		cfg.StallThreshold = s.StallThreshold
	}
	if s.CPU != nil {
		cfg.CPU = *s.CPU
	}
	if s.Priority > 0 {
		cfg.Priority = s.Priority
	}
	if s.SettleDelay != nil {
		cfg.SettleDelay = *s.SettleDelay
	}
	return cfg, nil
}

func (c *Context) buildGraph(f *File, deps Deps) error {
	g := dataflow.NewGraph(dataflow.WithLogger(deps.Logger))
	if err := g.AddSources(c.Slots); err != nil {
		return err
	}

	for _, spec := range f.Plugins {
		n, err := deps.Plugins.Create(spec.Type, spec.Name, spec.Attributes, plugin.Deps{
			Logger:  deps.Logger,
			OnIssue: deps.Metrics.DecodeIssue,
		})
		if err != nil {
			return err
		}
		if spec.MandatoryInputs != nil {
			if err := n.SetMandatoryInputs(*spec.MandatoryInputs); err != nil {
				return fmt.Errorf("plugin %q: %w", spec.Name, err)
			}
		}
		if spec.QueueLimit > 0 {
			n.SetQueueLimit(spec.QueueLimit)
		}
		policy, err := parseAdvance(spec.Advance)
		if err != nil {
			return fmt.Errorf("plugin %q: %w", spec.Name, err)
		}
		n.SetPolicy(policy)
		if err := g.AddNode(n); err != nil {
			return err
		}
	}

	var errs []error
	for _, conn := range f.Connections {
		if err := g.ConnectPath(conn.From, conn.To); err != nil {
			errs = append(errs, fmt.Errorf("connect %s -> %s: %w", conn.From, conn.To, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if err := g.Freeze(); err != nil {
		return err
	}
	c.Graph = g
	return nil
}

func parseAdvance(s string) (dataflow.AdvancePolicy, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return dataflow.AdvanceAll, nil
	case "available":
		return dataflow.AdvanceAvailable, nil
	default:
		return 0, fmt.Errorf("unknown advance policy %q", s)
	}
}

// Setup returns the run controller's view of the crate.
func (c *Context) Setup() run.Setup {
	return run.Setup{
		Interface:   c.Interface,
		Modules:     c.Modules,
		Slots:       c.Slots,
		Buffer:      c.Buffer,
		Graph:       c.Graph,
		Scheduler:   c.Scheduler,
		SingleEvent: c.SingleEvent,
	}
}

// Pulser returns a beam pulser driving target, or nil when the crate has
// no beam pulse period.
func (c *Context) Pulser(target run.BeamToggler) *run.Pulser {
	if c.File.BeamPulsePeriod <= 0 {
		return nil
	}
	return run.NewPulser(c.Interface, target, c.File.BeamPulsePeriod,
		run.PulserClock(c.clock), run.PulserLogger(c.log))
}

// Histograms returns the histogram nodes of the graph by node name.
func (c *Context) Histograms() map[string]*plugin.Histogram {
	out := make(map[string]*plugin.Histogram)
	for _, n := range c.Graph.Nodes() {
		if h, ok := n.Processor().(*plugin.Histogram); ok {
			out[n.Name()] = h
		}
	}
	return out
}
