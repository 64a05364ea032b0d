package run

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/mrzor/vme-daq/internal/hardware"
)

// BeamToggler receives beam status changes. *Controller implements it.
type BeamToggler interface {
	SetBeam(on bool)
}

// Pulser switches the beam on and off with a fixed period through the beam
// output line. The line is active low: driving it high blocks the beam.
type Pulser struct {
	iface  hardware.Interface
	target BeamToggler
	period time.Duration
	clock  clock.Clock
	log    *zap.Logger
}

type PulserOption func(*Pulser)

func PulserClock(clk clock.Clock) PulserOption {
	return func(p *Pulser) { p.clock = clk }
}

func PulserLogger(l *zap.Logger) PulserOption {
	return func(p *Pulser) {
		if l != nil {
			p.log = l
		}
	}
}

func NewPulser(iface hardware.Interface, target BeamToggler, period time.Duration, opts ...PulserOption) *Pulser {
	p := &Pulser{
		iface:  iface,
		target: target,
		period: period,
		clock:  clock.New(),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.Named("pulser")
	return p
}

// Run turns the beam on, toggles it every period until ctx is done, then
// leaves it off.
func (p *Pulser) Run(ctx context.Context) error {
	if p.period <= 0 {
		return errors.New("pulser period must be positive")
	}
	t := p.clock.Ticker(p.period)
	defer t.Stop()

	on := true
	p.set(on)
	for {
		select {
		case <-ctx.Done():
			p.set(false)
			return nil
		case <-t.C:
			on = !on
			p.set(on)
		}
	}
}

func (p *Pulser) set(on bool) {
	if err := p.iface.SetOutputLine(hardware.LineBeam, !on); err != nil {
		p.log.Warn("beam line", zap.Bool("beam_on", on), zap.Error(err))
	}
	p.target.SetBeam(on)
}
