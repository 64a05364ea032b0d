// Package pipeline moves committed events from the event buffer into the
// analysis graph on its own goroutine.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrzor/vme-daq/internal/event"
	"go.uber.org/zap"
)

var ErrAlreadyStarted = errors.New("pipeline driver already started")

// Handler consumes one event. *dataflow.Graph implements it.
type Handler interface {
	Process(ev *event.Event) error
}

// Observer is told about every handled event.
type Observer interface {
	EventProcessed(d time.Duration, err error)
}

type Option func(*Driver)

func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(d *Driver) { d.observer = o }
}

// Driver dequeues events and hands them to a Handler until stopped.
type Driver struct {
	buf      *event.Buffer
	handler  Handler
	log      *zap.Logger
	observer Observer

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	processed atomic.Uint64
	failed    atomic.Uint64
}

// New creates a driver reading from buf.
func New(buf *event.Buffer, handler Handler, opts ...Option) *Driver {
	d := &Driver{
		buf:     buf,
		handler: handler,
		log:     zap.NewNop(),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.Named("pipeline")
	return d
}

// Start launches the driver goroutine. It returns immediately; the
// goroutine runs until ctx is done, Stop is called or the buffer closes.
func (d *Driver) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go d.processEvents(ctx)
	return nil
}

// Stop signals the driver goroutine to return. Events still queued stay in
// the buffer.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Done is closed when the driver goroutine has returned.
func (d *Driver) Done() <-chan struct{} { return d.done }

func (d *Driver) Processed() uint64 { return d.processed.Load() }
func (d *Driver) Failed() uint64    { return d.failed.Load() }

func (d *Driver) processEvents(parent context.Context) {
	defer close(d.done)
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-d.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		ev, err := d.buf.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, event.ErrBufferClosed) || ctx.Err() != nil {
				d.log.Debug("pipeline driver exiting", zap.Uint64("processed", d.processed.Load()))
				return
			}
			d.log.Warn("dequeue failed", zap.Error(err))
			continue
		}

		start := time.Now()
		err = d.handler.Process(ev)
		d.processed.Add(1)
		if err != nil {
			d.failed.Add(1)
			d.log.Debug("event processing failed", zap.Uint64("seq", ev.Seq()), zap.Error(err))
		}
		if d.observer != nil {
			d.observer.EventProcessed(time.Since(start), err)
		}
	}
}
