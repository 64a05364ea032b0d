package run

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/mrzor/vme-daq/internal/acquisition"
	"github.com/mrzor/vme-daq/internal/dataflow"
	"github.com/mrzor/vme-daq/internal/demux"
	"github.com/mrzor/vme-daq/internal/event"
	"github.com/mrzor/vme-daq/internal/hardware"
	"github.com/mrzor/vme-daq/internal/module"
	daqotel "github.com/mrzor/vme-daq/internal/otel"
	"github.com/mrzor/vme-daq/internal/plugin"
)

// sink collects what reaches it and counts run hook calls. With hold set,
// Process parks on it after announcing itself on entered.
type sink struct {
	mu       sync.Mutex
	values   []event.Value
	started  []plugin.RunInfo
	stopped  int
	startErr error
	hold     chan struct{}
	entered  chan struct{}
}

func (s *sink) Process(n *dataflow.Node) error {
	v, _ := n.Input(0).Peek()
	s.mu.Lock()
	s.values = append(s.values, v)
	hold, entered := s.hold, s.entered
	s.mu.Unlock()
	if hold != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-hold
	}
	return nil
}

func (s *sink) RunStarting(info plugin.RunInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = append(s.started, info)
	return nil
}

func (s *sink) RunStopped() error {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

type recordingMetadata struct {
	mu      sync.Mutex
	started []Info
	stopped []Info
}

func (m *recordingMetadata) RunStarted(info Info) error {
	m.mu.Lock()
	m.started = append(m.started, info)
	m.mu.Unlock()
	return nil
}

func (m *recordingMetadata) RunStopped(info Info) error {
	m.mu.Lock()
	m.stopped = append(m.stopped, info)
	m.mu.Unlock()
	return errors.New("disk full")
}

type fixture struct {
	sim      *hardware.Sim
	emu      *module.Emulator
	sink     *sink
	clock    *clock.Mock
	spans    *tracetest.SpanRecorder
	metadata *recordingMetadata
	updates  chan Update
	buffer   *event.Buffer
	ctrl     *Controller
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	f := &fixture{
		sim:      hardware.NewSim("crate"),
		emu:      module.NewEmulator(),
		sink:     &sink{},
		clock:    clock.NewMock(),
		spans:    tracetest.NewSpanRecorder(),
		metadata: &recordingMetadata{},
		updates:  make(chan Update, 16),
	}
	f.emu.SetNotify(f.sim.Notify)
	f.sim.Attach(0x00100000, f.emu)

	slots := event.NewRegistry()
	tdc, err := module.NewMTDC32(module.Spec{Name: "tdc0", Base: 0x00100000, Trigger: true},
		module.Deps{Interface: f.sim, Slots: slots, Logger: log})
	require.NoError(t, err)
	out0, ok := slots.Lookup("tdc0", "out 0")
	require.True(t, ok)
	require.NoError(t, slots.SetMandatory(out0, true))

	g := dataflow.NewGraph(dataflow.WithLogger(log))
	require.NoError(t, g.AddSources(slots))
	n := dataflow.NewNode("sink", "test", f.sink)
	n.AddInput("in", event.KindWords)
	require.NoError(t, g.AddNode(n))
	require.NoError(t, g.ConnectPath("tdc0/out 0", "sink/in"))

	setup := Setup{
		Interface: f.sim,
		Modules:   []module.Module{tdc},
		Slots:     slots,
		Buffer:    event.NewBuffer(4),
		Graph:     g,
		Scheduler: acquisition.Config{Mode: acquisition.ModePoll, CPU: -1, StallThreshold: 1 << 62},
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))
	f.ctrl = New(setup, append([]Option{
		WithLogger(log),
		WithClock(f.clock),
		WithTracer(tp.Tracer("test")),
		WithMetadata(f.metadata),
		WithUpdateFunc(func(u Update) {
			select {
			case f.updates <- u:
			default:
			}
		}),
	}, opts...)...)
	f.buffer = setup.Buffer
	return f
}

// waitPrepared waits for the dead-time pulse that ends crate preparation.
func (f *fixture) waitPrepared(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.sim.LineHistory()) >= 2 }, 2*time.Second, time.Millisecond)
}

func TestController_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.SetRunName("/data/run042"))

	require.NoError(t, f.ctrl.Start(ctx))
	assert.Equal(t, Running, f.ctrl.State())
	assert.True(t, f.sim.IsOpen())
	assert.ErrorIs(t, f.ctrl.Start(ctx), ErrAlreadyRunning)
	assert.ErrorIs(t, f.ctrl.SetRunName("other"), ErrAlreadyRunning)
	f.waitPrepared(t)

	for i := 0; i < 3; i++ {
		f.emu.Trigger(demux.Data{Value: uint16(100 + i), Channel: 0})
		require.Eventually(t, func() bool { return f.sink.count() == i+1 }, 2*time.Second, time.Millisecond)
	}
	assert.Equal(t, uint64(3), f.ctrl.EventCount())

	f.clock.Add(DefaultStatsInterval)
	select {
	case u := <-f.updates:
		assert.Equal(t, uint64(3), u.Events)
		assert.InDelta(t, 0.1*3/DefaultStatsInterval.Seconds(), u.EventRate, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no statistics update")
	}

	f.clock.Add(time.Minute)
	f.sim.ResetLineHistory()
	err := f.ctrl.Stop(ctx)
	// The metadata writer failure is logged, not returned.
	require.NoError(t, err)
	assert.Equal(t, Idle, f.ctrl.State())
	assert.False(t, f.sim.IsOpen())
	assert.ErrorIs(t, f.ctrl.Stop(ctx), ErrNotRunning)

	assert.Equal(t, []hardware.LineChange{
		{Line: hardware.LineDeadTime, On: true},
		{Line: hardware.LineDeadTime, On: false},
	}, f.sim.LineHistory())

	require.Len(t, f.sink.started, 1)
	assert.Equal(t, "/data/run042", f.sink.started[0].Name)
	assert.Equal(t, f.ctrl.ID().String(), f.sink.started[0].ID)
	assert.Equal(t, 1, f.sink.stopped)

	require.Len(t, f.metadata.started, 1)
	require.Len(t, f.metadata.stopped, 1)
	assert.Equal(t, uint64(3), f.metadata.stopped[0].Events)
	assert.Equal(t, time.Minute+DefaultStatsInterval, f.metadata.stopped[0].Stop.Sub(f.metadata.stopped[0].Start))
	assert.Equal(t, time.Minute+DefaultStatsInterval, f.ctrl.Duration())

	ended := f.spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "daq.run", ended[0].Name())
	assert.Equal(t, daqotel.TraceID(f.ctrl.ID()), ended[0].SpanContext().TraceID())
	attrs := map[string]any{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, int64(3), attrs["daq.events"])
	assert.Equal(t, "/data/run042", attrs["daq.run.name"])
}

func TestController_StopAbandonsStuckWorker(t *testing.T) {
	f := newFixture(t, WithJoinTimeout(50*time.Millisecond))
	release := make(chan struct{})
	f.sink.hold = release
	f.sink.entered = make(chan struct{}, 1)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Start(ctx))
	driver := f.ctrl.driver
	t.Cleanup(func() {
		close(release)
		select {
		case <-driver.Done():
		case <-time.After(2 * time.Second):
			t.Error("pipeline driver never exited")
		}
	})
	f.waitPrepared(t)
	f.emu.Trigger(demux.Data{Value: 1, Channel: 0})
	select {
	case <-f.sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never reached the sink")
	}
	// The pipeline is parked, so these stay queued.
	for i := 2; i <= 3; i++ {
		f.emu.Trigger(demux.Data{Value: uint16(i), Channel: 0})
		require.Eventually(t, func() bool { return f.ctrl.EventCount() == uint64(i) }, 2*time.Second, time.Millisecond)
	}
	require.Equal(t, 2, f.buffer.Len())

	began := time.Now()
	require.NoError(t, f.ctrl.Stop(ctx))
	assert.Less(t, time.Since(began), time.Second)
	assert.Equal(t, Idle, f.ctrl.State())
	assert.Zero(t, f.buffer.Len())
	assert.False(t, f.sim.IsOpen())

	f.metadata.mu.Lock()
	require.Len(t, f.metadata.stopped, 1)
	assert.Equal(t, uint64(3), f.metadata.stopped[0].Events)
	f.metadata.mu.Unlock()
	f.sink.mu.Lock()
	assert.Equal(t, 1, f.sink.stopped)
	assert.Len(t, f.sink.values, 1)
	f.sink.mu.Unlock()

	ended := f.spans.Ended()
	require.Len(t, ended, 1)
	attrs := map[string]any{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, int64(2), attrs["daq.dropped_on_stop"])
}

func TestController_RestartGetsNewRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Start(ctx))
	first := f.ctrl.ID()
	require.NoError(t, f.ctrl.Stop(ctx))

	require.NoError(t, f.ctrl.Start(ctx))
	assert.NotEqual(t, first, f.ctrl.ID())
	assert.True(t, f.ctrl.StopTime().IsZero())
	require.NoError(t, f.ctrl.Stop(ctx))

	assert.Equal(t, 2, f.sim.Opens())
	assert.Len(t, f.spans.Ended(), 2)
}

func TestController_HookFailureAbortsStart(t *testing.T) {
	f := newFixture(t)
	f.sink.startErr = errors.New("no space left on device")

	err := f.ctrl.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, f.sink.startErr)
	assert.Equal(t, Idle, f.ctrl.State())
	assert.False(t, f.sim.IsOpen())
	assert.Empty(t, f.metadata.started)
}

func TestController_ToggleForcesRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ctrl.SetBeam(true)
	assert.False(t, f.ctrl.Beam(), "toggles are ignored while idle")

	require.NoError(t, f.ctrl.Start(ctx))
	f.waitPrepared(t)
	f.ctrl.SetBeam(true)
	f.ctrl.SetBeam(true)
	f.ctrl.SetRecording(true)
	assert.True(t, f.ctrl.Beam())
	assert.True(t, f.ctrl.Recording())
	require.NoError(t, f.ctrl.Stop(ctx))

	ended := f.spans.Ended()
	require.Len(t, ended, 1)
	var names []string
	for _, ev := range ended[0].Events() {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"beam_toggle", "recording_toggle"}, names)
}

func TestController_StateString(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "not_running not_remote_controlled", f.ctrl.StateString())

	f.ctrl.SetRemoteControlled(true)
	require.NoError(t, f.ctrl.Start(context.Background()))
	assert.Equal(t, "running remote_controlled", f.ctrl.StateString())
	require.NoError(t, f.ctrl.Stop(context.Background()))
	assert.Equal(t, "not_running remote_controlled", f.ctrl.StateString())
}

func TestController_Rates(t *testing.T) {
	f := newFixture(t)
	c := f.ctrl
	t0 := f.clock.Now()
	c.SetTriggerCount(1000)
	c.resetRates(t0)

	u := c.update(t0.Add(500*time.Millisecond), acquisition.Stats{Committed: 50, Polls: 10})
	assert.InDelta(t, 10.0, u.EventRate, 1e-9)
	assert.Zero(t, u.TriggerRate)

	u = c.update(t0.Add(time.Second), acquisition.Stats{Committed: 100, Polls: 25})
	assert.InDelta(t, 0.9*10+0.1*100, u.EventRate, 1e-9)
	assert.Equal(t, uint64(25), u.Polls)

	c.SetTriggerCount(2000)
	for i := 3; i <= 5; i++ {
		u = c.update(t0.Add(time.Duration(i)*500*time.Millisecond), acquisition.Stats{Committed: 100})
	}
	// 1000 triggers over five 500 ms ticks.
	assert.InDelta(t, 400.0, u.TriggerRate, 1e-9)
	assert.InDelta(t, 400.0, c.TriggerRate(), 1e-9)
	assert.InDelta(t, u.EventRate, c.EventRate(), 1e-9)

	// A counter reset upstream restarts the window without a negative rate.
	c.SetTriggerCount(10)
	for i := 6; i <= 10; i++ {
		u = c.update(t0.Add(time.Duration(i)*500*time.Millisecond), acquisition.Stats{Committed: 100})
	}
	assert.InDelta(t, 400.0, u.TriggerRate, 1e-9)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "State(9)", State(9).String())
}
