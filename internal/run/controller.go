package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/mrzor/vme-daq/internal/acquisition"
	"github.com/mrzor/vme-daq/internal/dataflow"
	"github.com/mrzor/vme-daq/internal/event"
	"github.com/mrzor/vme-daq/internal/hardware"
	"github.com/mrzor/vme-daq/internal/metrics"
	"github.com/mrzor/vme-daq/internal/module"
	daqotel "github.com/mrzor/vme-daq/internal/otel"
	"github.com/mrzor/vme-daq/internal/pipeline"
	"github.com/mrzor/vme-daq/internal/plugin"
)

var (
	ErrAlreadyRunning = errors.New("run already in progress")
	ErrNotRunning     = errors.New("no run in progress")
)

const (
	DefaultStatsInterval = 500 * time.Millisecond
	DefaultJoinTimeout   = time.Second
	DefaultRunName       = "/tmp"
)

// State is the lifecycle state of a Controller.
type State uint8

const (
	Idle State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Setup is the crate a Controller runs. Modules must have been created
// against Slots and Interface.
type Setup struct {
	Interface   hardware.Interface
	Modules     []module.Module
	Slots       *event.Registry
	Buffer      *event.Buffer
	Graph       *dataflow.Graph
	Scheduler   acquisition.Config
	SingleEvent bool
}

type Option func(*Controller)

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock replaces the clock driving the statistics ticker.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithMetadata(m Metadata) Option {
	return func(c *Controller) { c.metadata = m }
}

// WithUpdateFunc registers a callback receiving every statistics update.
// It runs on the statistics goroutine and must not call Stop.
func WithUpdateFunc(fn func(Update)) Option {
	return func(c *Controller) { c.onUpdate = fn }
}

func WithStatsInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.statsInterval = d
		}
	}
}

// WithJoinTimeout bounds how long Stop waits for each worker.
func WithJoinTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.joinTimeout = d
		}
	}
}

// Controller runs acquisition on one crate.
type Controller struct {
	setup         Setup
	log           *zap.Logger
	clock         clock.Clock
	tracer        trace.Tracer
	metrics       *metrics.Metrics
	metadata      Metadata
	onUpdate      func(Update)
	statsInterval time.Duration
	joinTimeout   time.Duration

	mu        sync.Mutex
	state     State
	name      string
	id        uuid.UUID
	start     time.Time
	stop      time.Time
	remote    bool
	beam      bool
	recording bool
	sched     *acquisition.Scheduler
	driver    *pipeline.Driver
	cancel    context.CancelFunc
	span      trace.Span
	hooks     []plugin.RunHook
	statsStop chan struct{}
	statsDone chan struct{}

	triggers atomic.Uint64
	statsMu  sync.Mutex
	stats    rateState
}

// New creates an idle controller for setup.
func New(setup Setup, opts ...Option) *Controller {
	c := &Controller{
		setup:         setup,
		log:           zap.NewNop(),
		clock:         clock.New(),
		tracer:        noop.NewTracerProvider().Tracer(""),
		statsInterval: DefaultStatsInterval,
		joinTimeout:   DefaultJoinTimeout,
		name:          DefaultRunName,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("run")
	if c.metadata == nil {
		c.metadata = NewLogMetadata(c.log)
	}
	return c
}

// Start begins a run. It fails with ErrAlreadyRunning unless the controller
// is idle. ctx only bounds the start sequence; the run lasts until Stop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return ErrAlreadyRunning
	}

	iface := c.setup.Interface
	if !iface.IsOpen() {
		if err := iface.Open(); err != nil {
			return fmt.Errorf("open %s: %w", iface.Name(), err)
		}
	}
	if err := c.setup.Graph.Freeze(); err != nil {
		c.closeInterface()
		return fmt.Errorf("freeze graph: %w", err)
	}
	c.setup.Graph.Reset()
	c.setup.Buffer.Drain()

	c.id = uuid.New()
	c.start = c.clock.Now()
	c.stop = time.Time{}
	c.beam, c.recording = false, false

	if err := c.startHooks(); err != nil {
		c.closeInterface()
		return err
	}
	info := c.info(0)
	if err := c.metadata.RunStarted(info); err != nil {
		c.log.Warn("run start record failed", zap.Error(err))
	}

	_, c.span = c.tracer.Start(daqotel.RunContext(ctx, c.id), "daq.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(c.start),
		trace.WithAttributes(
			attribute.String("daq.run.id", c.id.String()),
			attribute.String("daq.run.name", c.name),
			attribute.String("daq.interface", iface.Name()),
			attribute.Int("daq.modules", len(c.setup.Modules)),
			attribute.Bool("daq.single_event", c.setup.SingleEvent),
		))

	c.setup.Slots.Lock()
	obs := &runObserver{metrics: c.metrics, span: c.span}
	c.sched = acquisition.New(c.setup.Scheduler, iface, c.setup.Modules, c.setup.Slots.Mandatory(), c.setup.Buffer,
		acquisition.WithLogger(c.log), acquisition.WithObserver(obs))
	c.driver = pipeline.New(c.setup.Buffer, c.setup.Graph,
		pipeline.WithLogger(c.log), pipeline.WithObserver(obs))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	sched := c.sched
	go func() {
		if err := sched.Run(runCtx); err != nil {
			c.log.Error("scheduler exited", zap.Error(err))
		}
	}()
	if err := c.driver.Start(runCtx); err != nil {
		c.log.Error("pipeline driver failed to start", zap.Error(err))
	}

	c.resetRates(c.start)
	c.statsStop = make(chan struct{})
	c.statsDone = make(chan struct{})
	go c.statsLoop(c.clock.Ticker(c.statsInterval), sched, c.statsStop, c.statsDone)

	c.state = Running
	c.metrics.RunStarted()
	c.log.Info("run started",
		zap.String("run_id", c.id.String()),
		zap.String("run_name", c.name),
		zap.Stringer("mode", c.setup.Scheduler.Mode),
		zap.Int("modules", len(c.setup.Modules)))
	return nil
}

// Stop ends the running run. It returns ErrNotRunning and does nothing
// otherwise. Workers that do not exit within the join timeout are abandoned
// after their context is cancelled.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.state = Stopping
	sched, driver, cancel := c.sched, c.driver, c.cancel
	statsStop, statsDone := c.statsStop, c.statsDone
	c.mu.Unlock()

	sched.Stop()
	driver.Stop()
	schedJoined := c.join(ctx, "scheduler", sched.Done())
	driverJoined := c.join(ctx, "pipeline", driver.Done())
	cancel()
	close(statsStop)
	<-statsDone

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stop = c.clock.Now()
	events := sched.Committed()
	var errs []error
	if err := c.stopHooks(); err != nil {
		errs = append(errs, err)
	}
	if err := c.metadata.RunStopped(c.info(events)); err != nil {
		c.log.Warn("run stop record failed", zap.Error(err))
	}

	iface := c.setup.Interface
	for _, on := range []bool{true, false} {
		if err := iface.SetOutputLine(hardware.LineDeadTime, on); err != nil {
			c.log.Warn("dead-time line", zap.Bool("on", on), zap.Error(err))
		}
	}
	if err := iface.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", iface.Name(), err))
	}
	dropped := c.setup.Buffer.Drain()
	c.setup.Slots.Unlock()

	st := sched.Stats()
	c.span.SetAttributes(
		attribute.Int64("daq.events", int64(events)),
		attribute.Int64("daq.discarded", int64(st.Discarded)),
		attribute.Int64("daq.stall_resets", int64(st.StallResets)),
		attribute.Int("daq.dropped_on_stop", dropped),
	)
	if err := errors.Join(errs...); err != nil {
		c.span.SetStatus(codes.Error, err.Error())
	} else {
		c.span.SetStatus(codes.Ok, "run completed")
	}
	c.span.End(trace.WithTimestamp(c.stop))

	c.metrics.RunStopped()
	c.state = Idle
	c.log.Info("run stopped",
		zap.String("run_id", c.id.String()),
		zap.Duration("duration", c.stop.Sub(c.start)),
		zap.Uint64("events", events),
		zap.Uint64("processed", driver.Processed()),
		zap.Int("dropped", dropped),
		zap.Bool("scheduler_joined", schedJoined),
		zap.Bool("pipeline_joined", driverJoined))
	return errors.Join(errs...)
}

func (c *Controller) join(ctx context.Context, worker string, done <-chan struct{}) bool {
	t := time.NewTimer(c.joinTimeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
	case <-ctx.Done():
	}
	c.log.Warn("worker did not stop in time, abandoning it",
		zap.String("worker", worker), zap.Duration("timeout", c.joinTimeout))
	return false
}

func (c *Controller) closeInterface() {
	if err := c.setup.Interface.Close(); err != nil {
		c.log.Warn("close interface", zap.Error(err))
	}
}

func (c *Controller) startHooks() error {
	c.hooks = c.hooks[:0]
	info := plugin.RunInfo{
		ID:          c.id.String(),
		Name:        c.name,
		Start:       c.start,
		SingleEvent: c.setup.SingleEvent,
	}
	for _, n := range c.setup.Graph.Nodes() {
		h, ok := n.Processor().(plugin.RunHook)
		if !ok {
			continue
		}
		if err := h.RunStarting(info); err != nil {
			stopErr := c.stopHooks()
			return errors.Join(fmt.Errorf("start %s: %w", n.Name(), err), stopErr)
		}
		c.hooks = append(c.hooks, h)
	}
	return nil
}

func (c *Controller) stopHooks() error {
	var errs []error
	for _, h := range c.hooks {
		if err := h.RunStopped(); err != nil {
			errs = append(errs, err)
		}
	}
	c.hooks = c.hooks[:0]
	return errors.Join(errs...)
}

func (c *Controller) info(events uint64) Info {
	return Info{
		ID:          c.id,
		Name:        c.name,
		Start:       c.start,
		Stop:        c.stop,
		Events:      events,
		SingleEvent: c.setup.SingleEvent,
	}
}

// SetBeam records a beam status change. While running, a change forces
// an immediate read so the next event reflects it.
func (c *Controller) SetBeam(on bool) { c.toggle("beam", &c.beam, on) }

// SetRecording records a record status change, like SetBeam.
func (c *Controller) SetRecording(on bool) { c.toggle("recording", &c.recording, on) }

func (c *Controller) toggle(what string, field *bool, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running || *field == on {
		return
	}
	*field = on
	forced := c.sched.ForceRead()
	c.span.AddEvent(what+"_toggle", trace.WithAttributes(
		attribute.Bool("on", on),
		attribute.Bool("forced_read", forced),
	))
	c.log.Debug("status toggled", zap.String("status", what), zap.Bool("on", on), zap.Bool("forced_read", forced))
}

// SetRunName sets the name of the next run. It fails while a run is active.
func (c *Controller) SetRunName(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return ErrAlreadyRunning
	}
	c.name = name
	return nil
}

// SetTriggerCount feeds the external trigger counter used for the trigger rate.
func (c *Controller) SetTriggerCount(n uint64) { c.triggers.Store(n) }

func (c *Controller) SetRemoteControlled(on bool) {
	c.mu.Lock()
	c.remote = on
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateString renders the running and remote-control flags, e.g.
// "running not_remote_controlled".
func (c *Controller) StateString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	running, remote := "not_running", "not_remote_controlled"
	if c.state == Running {
		running = "running"
	}
	if c.remote {
		remote = "remote_controlled"
	}
	return running + " " + remote
}

func (c *Controller) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// ID is the identifier of the current or last run.
func (c *Controller) ID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Controller) StartTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start
}

// StopTime is zero while a run is active.
func (c *Controller) StopTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop
}

func (c *Controller) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.start.IsZero():
		return 0
	case c.stop.IsZero():
		return c.clock.Since(c.start)
	default:
		return c.stop.Sub(c.start)
	}
}

// EventCount is the number of events committed in the current or last run.
func (c *Controller) EventCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sched == nil {
		return 0
	}
	return c.sched.Committed()
}

// AcquisitionStats returns the scheduler counters of the current or last run.
func (c *Controller) AcquisitionStats() acquisition.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sched == nil {
		return acquisition.Stats{}
	}
	return c.sched.Stats()
}

func (c *Controller) SingleEvent() bool { return c.setup.SingleEvent }

func (c *Controller) Beam() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beam
}

func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// runObserver forwards worker callbacks to metrics and the run span.
type runObserver struct {
	metrics *metrics.Metrics
	span    trace.Span
}

func (o *runObserver) CycleDone(committed bool, d time.Duration) {
	o.metrics.CycleDone(committed, d)
}

func (o *runObserver) ModuleAcquired(module string, d time.Duration) {
	o.metrics.ModuleAcquired(module, d)
}

func (o *runObserver) StallReset() {
	o.metrics.StallReset()
	o.span.AddEvent("stall_reset")
}

func (o *runObserver) EventProcessed(d time.Duration, err error) {
	o.metrics.EventProcessed(d, err)
}
