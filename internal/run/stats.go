package run

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mrzor/vme-daq/internal/acquisition"
)

const (
	// rateSmoothing is the weight of the previous event rate in the moving average.
	rateSmoothing = 0.9
	// triggerWindow is the number of statistics ticks per trigger rate sample.
	triggerWindow = 5
)

// Update is one statistics sample.
type Update struct {
	Time        time.Time
	Events      uint64
	EventRate   float64
	TriggerRate float64
	BufferDepth int
	Polls       uint64
}

type rateState struct {
	eventRate   float64
	triggerRate float64
	ticks       int
	lastTick    time.Time
	lastEvents  uint64
	lastPolls   uint64

	windowStart    time.Time
	windowTriggers uint64
}

func (c *Controller) resetRates(now time.Time) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats = rateState{
		lastTick:       now,
		windowStart:    now,
		windowTriggers: c.triggers.Load(),
	}
}

func (c *Controller) statsLoop(t *clock.Ticker, sched *acquisition.Scheduler, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			c.update(now, sched.Stats())
		}
	}
}

// update folds one tick into the rates. The event rate is an exponential
// moving average of the per-interval rate; the trigger rate is a plain
// delta over triggerWindow ticks.
func (c *Controller) update(now time.Time, st acquisition.Stats) Update {
	c.statsMu.Lock()
	s := &c.stats
	if dt := now.Sub(s.lastTick).Seconds(); dt > 0 {
		current := float64(st.Committed-s.lastEvents) / dt
		s.eventRate = rateSmoothing*s.eventRate + (1-rateSmoothing)*current
	}
	s.lastTick = now
	s.lastEvents = st.Committed

	s.ticks++
	if s.ticks%triggerWindow == 0 {
		triggers := c.triggers.Load()
		// A counter that went backwards was reset upstream; restart the window.
		if dt := now.Sub(s.windowStart).Seconds(); dt > 0 && triggers >= s.windowTriggers {
			s.triggerRate = float64(triggers-s.windowTriggers) / dt
		}
		s.windowStart = now
		s.windowTriggers = triggers
	}

	polls := st.Polls - s.lastPolls
	s.lastPolls = st.Polls

	u := Update{
		Time:        now,
		Events:      st.Committed,
		EventRate:   s.eventRate,
		TriggerRate: s.triggerRate,
		BufferDepth: c.setup.Buffer.Len(),
		Polls:       st.Polls,
	}
	c.statsMu.Unlock()

	c.metrics.AddPolls(polls)
	c.metrics.Rates(u.EventRate, u.TriggerRate, u.BufferDepth)
	if c.onUpdate != nil {
		c.onUpdate(u)
	}
	return u
}

func (c *Controller) EventRate() float64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats.eventRate
}

func (c *Controller) TriggerRate() float64 {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats.triggerRate
}
