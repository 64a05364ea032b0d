package acquisition

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mrzor/vme-daq/internal/event"
	"github.com/mrzor/vme-daq/internal/hardware"
	"github.com/mrzor/vme-daq/internal/module"
	"go.uber.org/zap"
)

// Mode selects how the scheduler waits for triggers.
type Mode uint8

const (
	ModePoll Mode = iota
	ModeInterrupt
)

func (m Mode) String() string {
	if m == ModeInterrupt {
		return "interrupt"
	}
	return "poll"
}

// ParseMode maps "poll" or "interrupt" to a Mode. Empty is poll.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "poll":
		return ModePoll, nil
	case "interrupt", "irq":
		return ModeInterrupt, nil
	default:
		return 0, fmt.Errorf("unknown scheduler mode %q", s)
	}
}

const (
	// DefaultStallThreshold is the number of polls without a committed event
	// after which every module gets a panic reset.
	DefaultStallThreshold = 30_000_000
	DefaultSettleDelay    = 2 * time.Second
	DefaultCPU            = 3
)

// ErrAlreadyStarted is returned by a second Run on the same scheduler.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Config of a Scheduler.
type Config struct {
	Mode           Mode
	StallThreshold uint64
	// CPU pins the scheduler thread; negative disables pinning.
	CPU int
	// Priority is the SCHED_FIFO priority of the scheduler thread; 0 keeps
	// the normal policy.
	Priority    int
	SettleDelay time.Duration
}

// DefaultConfig is a polling scheduler on core 3.
func DefaultConfig() Config {
	return Config{
		Mode:           ModePoll,
		StallThreshold: DefaultStallThreshold,
		CPU:            DefaultCPU,
		Priority:       50,
		SettleDelay:    DefaultSettleDelay,
	}
}

// Observer receives per-cycle measurements. Calls happen on the
// scheduler thread and must not block.
type Observer interface {
	CycleDone(committed bool, d time.Duration)
	ModuleAcquired(module string, d time.Duration)
	StallReset()
}

type nopObserver struct{}

func (nopObserver) CycleDone(bool, time.Duration)        {}
func (nopObserver) ModuleAcquired(string, time.Duration) {}
func (nopObserver) StallReset()                          {}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

type moduleProfile struct {
	acquisitions atomic.Uint64
	nanos        atomic.Int64
}

// Scheduler drives acquisition cycles for one crate.
type Scheduler struct {
	cfg       Config
	iface     hardware.Interface
	modules   []module.Module
	mandatory []*event.Slot
	buf       *event.Buffer
	log       *zap.Logger
	observer  Observer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	started  atomic.Bool
	abort    atomic.Bool
	inFlight atomic.Bool

	polls         atomic.Uint64
	stall         atomic.Uint64
	cycles        atomic.Uint64
	committed     atomic.Uint64
	discarded     atomic.Uint64
	forced        atomic.Uint64
	stallResets   atomic.Uint64
	acquireErrors atomic.Uint64
	acqNanos      atomic.Int64
	profiles      []moduleProfile
}

// New creates a scheduler. modules are read out in the given order;
// mandatory is the slot set every committed event must cover.
func New(cfg Config, iface hardware.Interface, modules []module.Module, mandatory []*event.Slot, buf *event.Buffer, opts ...Option) *Scheduler {
	if cfg.StallThreshold == 0 {
		cfg.StallThreshold = DefaultStallThreshold
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:       cfg,
		iface:     iface,
		modules:   modules,
		mandatory: mandatory,
		buf:       buf,
		log:       zap.NewNop(),
		observer:  nopObserver{},
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		profiles:  make([]moduleProfile, len(modules)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("scheduler")
	return s
}

// Run prepares the crate and runs the trigger loop until Stop is called or
// ctx is done. It locks the calling goroutine to its OS thread.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(s.done)
	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := pinThread(s.cfg.CPU, s.cfg.Priority); err != nil {
		s.log.Warn("scheduler thread keeps default placement", zap.Error(err))
	}

	s.log.Info("scheduler starting",
		zap.Stringer("mode", s.cfg.Mode),
		zap.Int("modules", len(s.modules)),
		zap.Int("mandatory_slots", len(s.mandatory)),
		zap.Uint64("stall_threshold", s.cfg.StallThreshold))

	s.prepare()

	switch s.cfg.Mode {
	case ModeInterrupt:
		s.interruptLoop()
	default:
		s.pollLoop()
	}

	s.logProfile()
	return nil
}

// Stop asks the loop to exit. It does not wait; use Done.
func (s *Scheduler) Stop() {
	s.abort.Store(true)
	s.cancel()
}

// Done is closed when Run returns.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// prepare holds the in-flight flag until the crate is armed, so forced
// reads are refused while modules reset, configure and settle.
func (s *Scheduler) prepare() {
	for !s.inFlight.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	defer s.inFlight.Store(false)

	s.setLine(hardware.LineDeadTime, true)
	for _, m := range s.modules {
		if err := m.Reset(); err != nil {
			s.log.Warn("module reset failed", zap.String("module", m.Name()), zap.Error(err))
		}
		if err := m.Configure(); err != nil {
			s.log.Warn("module configure failed", zap.String("module", m.Name()), zap.Error(err))
		}
	}
	if s.cfg.SettleDelay > 0 {
		t := time.NewTimer(s.cfg.SettleDelay)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
		}
	}
	s.setLine(hardware.LineDeadTime, false)
}

func (s *Scheduler) pollLoop() {
	for !s.abort.Load() {
		s.poll()
	}
}

// poll is one iteration of the poll loop. It reports whether an event was
// committed.
func (s *Scheduler) poll() bool {
	s.polls.Add(1)
	if s.iface.ReadIRQStatus() && s.inFlight.CompareAndSwap(false, true) {
		ok := s.cycle()
		s.inFlight.Store(false)
		if ok {
			return true
		}
	}
	if s.stall.Add(1) >= s.cfg.StallThreshold {
		s.stallReset()
	}
	return false
}

func (s *Scheduler) interruptLoop() {
	waiter, ok := s.iface.(hardware.IRQWaiter)
	if !ok {
		s.log.Warn("interface cannot wait for interrupts, polling instead", zap.String("interface", s.iface.Name()))
		s.pollLoop()
		return
	}
	for !s.abort.Load() {
		if err := waiter.WaitIRQ(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn("interrupt wait failed", zap.Error(err))
			continue
		}
		s.polls.Add(1)
		if s.inFlight.CompareAndSwap(false, true) {
			s.cycle()
			s.inFlight.Store(false)
		}
	}
}

// ForceRead runs one acquisition cycle now unless one is already in flight.
// It reports whether an event was committed.
func (s *Scheduler) ForceRead() bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer s.inFlight.Store(false)
	s.forced.Add(1)
	return s.cycle()
}

// cycle must only run while holding the in-flight flag.
func (s *Scheduler) cycle() bool {
	start := time.Now()
	s.cycles.Add(1)
	ev := s.buf.CreateEvent()

	s.setLine(hardware.LineDeadTime, true)
	for i, m := range s.modules {
		s.setLine(hardware.LineModuleVeto, true)
		if m.DataReady() {
			t0 := time.Now()
			if err := m.Acquire(ev); err != nil {
				s.acquireErrors.Add(1)
				s.log.Warn("module acquire failed", zap.String("module", m.Name()), zap.Error(err))
			}
			d := time.Since(t0)
			s.profiles[i].acquisitions.Add(1)
			s.profiles[i].nanos.Add(int64(d))
			s.observer.ModuleAcquired(m.Name(), d)
		}
		s.setLine(hardware.LineModuleVeto, false)
	}
	s.setLine(hardware.LineDeadTime, false)

	committed := s.commit(ev)
	d := time.Since(start)
	s.acqNanos.Add(int64(d))
	s.observer.CycleDone(committed, d)
	return committed
}

func (s *Scheduler) commit(ev *event.Event) bool {
	if missing := ev.Missing(s.mandatory); len(missing) > 0 {
		s.discarded.Add(1)
		if err := s.buf.Release(ev); err != nil {
			s.log.Error("event release failed", zap.Uint64("seq", ev.Seq()), zap.Error(err))
		}
		s.log.Debug("event discarded",
			zap.Uint64("seq", ev.Seq()),
			zap.Int("missing", len(missing)),
			zap.Stringer("first_missing", missing[0]))
		return false
	}
	if err := s.buf.Queue(s.ctx, ev); err != nil {
		s.discarded.Add(1)
		_ = s.buf.Release(ev) //nolint:errcheck // event is still in created state
		if s.ctx.Err() == nil {
			s.log.Warn("event not queued", zap.Uint64("seq", ev.Seq()), zap.Error(err))
		}
		return false
	}
	s.committed.Add(1)
	s.stall.Store(0)
	return true
}

func (s *Scheduler) stallReset() {
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.inFlight.Store(false)

	s.stall.Store(0)
	s.stallResets.Add(1)
	for _, m := range s.modules {
		if err := m.PanicReset(); err != nil {
			s.log.Warn("panic reset failed", zap.String("module", m.Name()), zap.Error(err))
		}
	}
	s.log.Warn("acquisition blocked, modules reset",
		zap.Uint64("polls", s.polls.Load()),
		zap.Uint64("threshold", s.cfg.StallThreshold))
	s.observer.StallReset()
}

func (s *Scheduler) setLine(line hardware.Line, on bool) {
	if err := s.iface.SetOutputLine(line, on); err != nil {
		s.log.Debug("output line not set", zap.Stringer("line", line), zap.Bool("on", on), zap.Error(err))
	}
}

// StallCount is the number of polls since the last committed event or reset.
func (s *Scheduler) StallCount() uint64 { return s.stall.Load() }

// Committed is the number of events queued to the buffer.
func (s *Scheduler) Committed() uint64 { return s.committed.Load() }

// ModuleStats is the profile of one module.
type ModuleStats struct {
	Name         string
	Acquisitions uint64
	Time         time.Duration
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Polls             uint64
	Cycles            uint64
	Committed         uint64
	Discarded         uint64
	ForcedReads       uint64
	StallResets       uint64
	AcquireErrors     uint64
	TimeInAcquisition time.Duration
	Modules           []ModuleStats
}

// PollsPerEvent is the mean number of polls per committed event.
func (st Stats) PollsPerEvent() float64 {
	if st.Committed == 0 {
		return 0
	}
	return float64(st.Polls) / float64(st.Committed)
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		Polls:             s.polls.Load(),
		Cycles:            s.cycles.Load(),
		Committed:         s.committed.Load(),
		Discarded:         s.discarded.Load(),
		ForcedReads:       s.forced.Load(),
		StallResets:       s.stallResets.Load(),
		AcquireErrors:     s.acquireErrors.Load(),
		TimeInAcquisition: time.Duration(s.acqNanos.Load()),
		Modules:           make([]ModuleStats, len(s.modules)),
	}
	for i, m := range s.modules {
		st.Modules[i] = ModuleStats{
			Name:         m.Name(),
			Acquisitions: s.profiles[i].acquisitions.Load(),
			Time:         time.Duration(s.profiles[i].nanos.Load()),
		}
	}
	return st
}

func (s *Scheduler) logProfile() {
	st := s.Stats()
	s.log.Info("scheduler stopped",
		zap.Uint64("polls", st.Polls),
		zap.Uint64("cycles", st.Cycles),
		zap.Uint64("committed", st.Committed),
		zap.Uint64("discarded", st.Discarded),
		zap.Uint64("forced_reads", st.ForcedReads),
		zap.Uint64("stall_resets", st.StallResets),
		zap.Duration("time_in_acquisition", st.TimeInAcquisition),
		zap.Float64("polls_per_event", st.PollsPerEvent()))
	for _, m := range st.Modules {
		s.log.Info("module profile",
			zap.String("module", m.Name),
			zap.Uint64("acquisitions", m.Acquisitions),
			zap.Duration("time", m.Time))
	}
}
