package crate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mrzor/vme-daq/internal/acquisition"
	"github.com/mrzor/vme-daq/internal/dataflow"
	"github.com/mrzor/vme-daq/internal/hardware"
	"github.com/mrzor/vme-daq/internal/hardware/serialbridge"
	"github.com/mrzor/vme-daq/internal/plugin"
	"github.com/mrzor/vme-daq/internal/run"
)

const labCrate = `
interface:
  type: sim
  name: hall-b
scheduler:
  mode: interrupt
  stall_threshold: 1000000
  cpu: 2
  priority: 70
  settle_delay: 250ms
buffer_capacity: 16
beam_pulse_period: 30s
modules:
  - name: tdc0
    type: mesytec-mtdc32
    base: 0x00100000
    trigger: true
    mandatory: ["out 0", "out 1"]
    settings:
      channels: 2
      resolution: 3
      window_width: [64, 64]
  - name: adc0
    type: mesytec-madc32
    base: 0x00200000
    settings:
      output: raw
      transfer: mblt64
plugins:
  - name: decode
    type: madc32-processor
  - name: both
    type: fanout
    attributes:
      outputs: 2
  - name: gated
    type: filter
    mandatory_inputs: 1
    queue_limit: 8
    advance: available
    attributes:
      expression: "value > 100"
      stride: 2
  - name: spectrum
    type: histogram
    attributes:
      bins: 1024
      stride: 2
connections:
  - {from: "tdc0/out 0", to: "both/in"}
  - {from: "both/out 0", to: "gated/in"}
  - {from: "gated/out", to: "spectrum/in"}
  - {from: "adc0/raw out", to: "decode/in"}
simulation:
  trigger_rate: 50
  hits: 2
  seed: 7
`

func TestParse_LabCrate(t *testing.T) {
	f, err := Parse([]byte(labCrate))
	require.NoError(t, err)

	assert.Equal(t, InterfaceSim, f.Interface.Type)
	assert.Equal(t, 16, f.BufferCapacity)
	assert.Equal(t, 30*time.Second, f.BeamPulsePeriod)
	require.Len(t, f.Modules, 2)
	assert.Equal(t, uint32(0x00100000), f.Modules[0].Base)
	assert.Equal(t, []string{"out 0", "out 1"}, f.Modules[0].Mandatory)
	assert.Equal(t, "raw", f.Modules[1].Settings["output"])
	require.NotNil(t, f.Scheduler.SettleDelay)
	assert.Equal(t, 250*time.Millisecond, *f.Scheduler.SettleDelay)
	assert.Equal(t, 1, *f.Plugins[2].MandatoryInputs)
	assert.Equal(t, uint64(7), f.Simulation.Seed)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(labCrate), 0o600))
	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Plugins, 4)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"unknown key", "modules: [{name: a, type: x}]\ncolour: red\n"},
		{"unknown interface", "interface: {type: usb}\nmodules: [{name: a, type: x}]\n"},
		{"serial without device", "interface: {type: serial}\nmodules: [{name: a, type: x}]\n"},
		{"duplicate module", "modules: [{name: a, type: x, base: 1}, {name: a, type: x, base: 2}]\n"},
		{"shared base", "modules: [{name: a, type: x, base: 1}, {name: b, type: x, base: 1}]\n"},
		{"plugin shadows module", "modules: [{name: a, type: x}]\nplugins: [{name: a, type: fanout}]\n"},
		{"nameless plugin", "modules: [{name: a, type: x}]\nplugins: [{type: fanout}]\n"},
		{"negative buffer", "buffer_capacity: -1\nmodules: [{name: a, type: x}]\n"},
		{"bad duration", "beam_pulse_period: soon\nmodules: [{name: a, type: x}]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestBuild_LabCrate(t *testing.T) {
	f, err := Parse([]byte(labCrate))
	require.NoError(t, err)
	c, err := Build(f, Deps{Logger: zaptest.NewLogger(t), SingleEvent: true})
	require.NoError(t, err)

	assert.Equal(t, "hall-b", c.Interface.Name())
	require.Len(t, c.Modules, 2)
	assert.Len(t, c.Slots.Mandatory(), 2)
	assert.Equal(t, 16, c.Buffer.Cap())
	assert.True(t, c.Graph.Frozen())
	assert.NotNil(t, c.Simulator)

	assert.Equal(t, acquisition.ModeInterrupt, c.Scheduler.Mode)
	assert.Equal(t, uint64(1000000), c.Scheduler.StallThreshold)
	assert.Equal(t, 2, c.Scheduler.CPU)
	assert.Equal(t, 70, c.Scheduler.Priority)
	assert.Equal(t, 250*time.Millisecond, c.Scheduler.SettleDelay)

	gated, ok := c.Graph.Node("gated")
	require.True(t, ok)
	assert.Equal(t, 1, gated.MandatoryInputs())
	assert.Equal(t, dataflow.AdvanceAvailable, gated.Policy())

	setup := c.Setup()
	assert.True(t, setup.SingleEvent)
	assert.Same(t, c.Graph, setup.Graph)

	assert.Contains(t, c.Histograms(), "spectrum")
	assert.NotNil(t, c.Pulser(run.New(setup)))
}

func TestBuild_MandatoryInputsOverride(t *testing.T) {
	f, err := Parse([]byte(labCrate))
	require.NoError(t, err)
	both := 2
	f.Plugins = append(f.Plugins, PluginSpec{
		Name:            "conv",
		Type:            plugin.TypeIntToDouble,
		Attributes:      map[string]any{"channels": 2},
		MandatoryInputs: &both,
	})
	f.Connections = append(f.Connections, Connection{From: "tdc0/out 1", To: "conv/in 0"})

	c, err := Build(f, Deps{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	conv, ok := c.Graph.Node("conv")
	require.True(t, ok)
	assert.Equal(t, 2, conv.MandatoryInputs())
	assert.Equal(t, 1, conv.EffectiveMandatory(), "only one input is connected")
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *File)
	}{
		{"unknown module type", func(f *File) { f.Modules[0].Type = "caen-v792" }},
		{"unknown mandatory slot", func(f *File) { f.Modules[0].Mandatory = []string{"out 9"} }},
		{"bad module setting", func(f *File) { f.Modules[0].Settings = map[string]any{"colour": "red"} }},
		{"unknown plugin type", func(f *File) { f.Plugins[0].Type = "root-writer" }},
		{"bad attribute", func(f *File) { f.Plugins[3].Attributes = map[string]any{"bins": "many"} }},
		{"unknown advance", func(f *File) { f.Plugins[2].Advance = "some" }},
		{"unknown connector", func(f *File) { f.Connections[0].From = "tdc0/out 31" }},
		{"kind mismatch", func(f *File) {
			f.Plugins = append(f.Plugins, PluginSpec{Name: "conv", Type: "int-to-double"})
			f.Connections = append(f.Connections, Connection{From: "conv/out 0", To: "spectrum/in"})
		}},
		{"bad scheduler mode", func(f *File) { f.Scheduler.Mode = "dma" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse([]byte(labCrate))
			require.NoError(t, err)
			tt.mutate(f)
			_, err = Build(f, Deps{Logger: zaptest.NewLogger(t)})
			assert.Error(t, err)
		})
	}
}

func TestBuild_SerialInterface(t *testing.T) {
	f := &File{
		Interface: InterfaceSpec{Type: InterfaceSerial, Name: "bridge", Device: "/dev/ttyUSB7"},
		Modules:   []ModuleSpec{{Name: "tdc0", Type: "mesytec-mtdc32", Base: 0x00100000}},
	}
	require.NoError(t, f.Validate())
	c, err := Build(f, Deps{})
	require.NoError(t, err)

	_, ok := c.Interface.(*serialbridge.Bridge)
	assert.True(t, ok)
	assert.False(t, c.Interface.IsOpen())
	assert.Nil(t, c.Simulator)
	assert.Nil(t, c.Pulser(nil))
}

func TestSimulated_EndToEnd(t *testing.T) {
	f := Simulated()
	require.NoError(t, f.Validate())
	f.Simulation.Seed = 42
	c, err := Build(f, Deps{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NotNil(t, c.Simulator)

	var lastTotal uint64
	ctrl := run.New(c.Setup(), run.WithLogger(zaptest.NewLogger(t)))
	c.Simulator.OnTrigger(func(total uint64) {
		lastTotal = total
		ctrl.SetTriggerCount(total)
	})

	c.Simulator.Trigger()
	assert.Zero(t, c.Simulator.Triggers(), "no triggers while the crate is closed")

	ctx := context.Background()
	require.NoError(t, ctrl.Start(ctx))
	// The dead-time pulse ends preparation; earlier frames are reset away.
	sim := c.Interface.(*hardware.Sim)
	require.Eventually(t, func() bool { return len(sim.LineHistory()) >= 2 }, 2*time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		c.Simulator.Trigger()
		require.Eventually(t, func() bool { return ctrl.EventCount() == uint64(i+1) }, 2*time.Second, time.Millisecond)
	}
	require.NoError(t, ctrl.Stop(ctx))

	assert.Equal(t, uint64(5), lastTotal)
	hists := c.Histograms()
	require.Contains(t, hists, "tdc0-hist")
	require.Contains(t, hists, "adc0-hist")
	// Channel 0 fires on every trigger, possibly more than once.
	assert.GreaterOrEqual(t, hists["tdc0-hist"].Snapshot().Entries, uint64(5))
	assert.Positive(t, hists["adc0-hist"].Snapshot().Entries)
}

func TestSimulator_Run(t *testing.T) {
	f := Simulated()
	f.Simulation.TriggerRate = 1000
	c, err := Build(f, Deps{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NoError(t, c.Interface.Open())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Simulator.Run(ctx) }()
	require.Eventually(t, func() bool { return c.Simulator.Triggers() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Positive(t, c.Simulator.Emulator(0).Pending())
}

func TestSimulated_PluginTypesRegistered(t *testing.T) {
	for _, p := range Simulated().Plugins {
		_, ok := plugin.DefaultRegistry().Lookup(p.Type)
		assert.True(t, ok, p.Type)
	}
}
