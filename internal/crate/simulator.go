package crate

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/mrzor/vme-daq/internal/demux"
	"github.com/mrzor/vme-daq/internal/hardware"
	"github.com/mrzor/vme-daq/internal/module"
)

const (
	DefaultTriggerRate = 100.0
	DefaultHits        = 4
	// maxTriggerRate keeps the trigger ticker above the clock's useful resolution.
	maxTriggerRate = 10_000.0
	maxSimValue    = 1 << 12
)

type simDevice struct {
	emu      *module.Emulator
	channels int
}

// Simulator feeds emulated Mesytec modules with random frames on a common
// trigger, so a sim crate produces data without hardware.
type Simulator struct {
	sim     *hardware.Sim
	devices []simDevice
	rate    float64
	hits    int
	clock   clock.Clock
	log     *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand

	triggers  atomic.Uint64
	onTrigger func(total uint64)
}

func newSimulator(sim *hardware.Sim, modules []module.Module, spec SimulationSpec, clk clock.Clock, log *zap.Logger) *Simulator {
	s := &Simulator{
		sim:   sim,
		rate:  spec.TriggerRate,
		hits:  spec.Hits,
		clock: clk,
		log:   log.Named("simulator"),
	}
	if s.rate <= 0 {
		s.rate = DefaultTriggerRate
	}
	if s.rate > maxTriggerRate {
		s.rate = maxTriggerRate
	}
	if s.hits <= 0 {
		s.hits = DefaultHits
	}
	seed := spec.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	s.rng = rand.New(rand.NewPCG(seed, seed>>1|1))

	for _, m := range modules {
		channels := 32
		if mm, ok := m.(*module.Mesytec); ok {
			channels = mm.Config().Channels
		}
		emu := module.NewEmulator()
		emu.SetNotify(sim.Notify)
		sim.Attach(m.BaseAddress(), emu)
		s.devices = append(s.devices, simDevice{emu: emu, channels: channels})
	}
	return s
}

// OnTrigger registers a callback receiving the running trigger count,
// usually the run controller's SetTriggerCount.
func (s *Simulator) OnTrigger(fn func(total uint64)) { s.onTrigger = fn }

func (s *Simulator) Triggers() uint64 { return s.triggers.Load() }

// Emulator returns the emulated device at index i, in module order.
func (s *Simulator) Emulator(i int) *module.Emulator { return s.devices[i].emu }

// Run triggers at the configured rate until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	period := time.Duration(float64(time.Second) / s.rate)
	t := s.clock.Ticker(period)
	defer t.Stop()
	s.log.Info("simulated triggers running", zap.Float64("rate_hz", s.rate), zap.Int("max_hits", s.hits))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Trigger()
		}
	}
}

// Trigger writes one random frame into every emulated module. It does
// nothing while the crate is closed.
func (s *Simulator) Trigger() {
	if !s.sim.IsOpen() {
		return
	}
	for _, d := range s.devices {
		d.emu.Trigger(s.randomHits(d.channels)...)
	}
	total := s.triggers.Add(1)
	if s.onTrigger != nil {
		s.onTrigger(total)
	}
}

func (s *Simulator) randomHits(channels int) []demux.Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	hits := make([]demux.Data, 1+s.rng.IntN(s.hits))
	for i := range hits {
		hits[i] = demux.Data{
			Channel: uint8(s.rng.IntN(channels)),
			Value:   uint16(s.rng.IntN(maxSimValue)),
		}
	}
	// Channel 0 is the reference and fires on every trigger.
	hits[0].Channel = 0
	return hits
}

// Simulated returns the crate used by --simulate without a description:
// a TDC decoding in place and an ADC read out raw and decoded by a
// processor node, both feeding histograms.
func Simulated() *File {
	cpu := -1
	settle := 100 * time.Millisecond
	return &File{
		Interface: InterfaceSpec{Type: InterfaceSim, Name: "sim0"},
		Scheduler: SchedulerSpec{Mode: "interrupt", CPU: &cpu, SettleDelay: &settle},
		Modules: []ModuleSpec{
			{
				Name:      "tdc0",
				Type:      module.TypeMTDC32,
				Base:      0x00100000,
				Trigger:   true,
				Mandatory: []string{module.ChannelSlotName(0)},
				Settings:  map[string]any{"channels": 4},
			},
			{
				Name:     "adc0",
				Type:     module.TypeMADC32,
				Base:     0x00200000,
				Settings: map[string]any{"output": module.OutputRaw, "channels": 4},
			},
		},
		Plugins: []PluginSpec{
			{Name: "adc0-decode", Type: "madc32-processor", Attributes: map[string]any{"channels": 4}},
			{Name: "tdc0-hist", Type: "histogram", Attributes: map[string]any{"bins": 4096, "stride": 2}},
			{Name: "adc0-hist", Type: "histogram", Attributes: map[string]any{"bins": 4096, "stride": 2}},
		},
		Connections: []Connection{
			{From: "tdc0/out 0", To: "tdc0-hist/in"},
			{From: "adc0/raw out", To: "adc0-decode/in"},
			{From: "adc0-decode/out 0", To: "adc0-hist/in"},
		},
		Simulation: SimulationSpec{TriggerRate: DefaultTriggerRate, Hits: DefaultHits},
	}
}
