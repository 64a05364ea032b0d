package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrBufferClosed is returned by Queue and Dequeue after Close.
	ErrBufferClosed = errors.New("event buffer closed")
	// ErrEventState is returned when an event is terminated twice or by a foreign buffer.
	ErrEventState = errors.New("invalid event state")
)

// DefaultCapacity is the buffer size used when none is configured.
const DefaultCapacity = 10

// BufferStats counts buffer traffic since creation.
type BufferStats struct {
	Created  uint64
	Queued   uint64
	Released uint64
	Dequeued uint64
	// Blocked counts Queue calls that had to wait for space.
	Blocked uint64
}

// Buffer is a bounded FIFO of events with blocking backpressure.
type Buffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	ring    []*Event
	head    int
	count   int
	closed  bool
	nextSeq uint64
	stats   BufferStats
}

// NewBuffer creates a buffer holding at most capacity queued events.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Buffer{ring: make([]*Event, capacity)}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// CreateEvent allocates an event that is not visible to consumers.
func (b *Buffer) CreateEvent() *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSeq++
	b.stats.Created++
	return &Event{
		seq:    b.nextSeq,
		values: make(map[*Slot]Value),
		owner:  b,
		state:  stateCreated,
	}
}

// Queue makes ev visible to Dequeue. It blocks while the buffer is full
// until space frees up, ctx is done, or the buffer is closed.
func (b *Buffer) Queue(ctx context.Context, ev *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkCreated(ev, "queue"); err != nil {
		return err
	}

	if b.count == len(b.ring) && !b.closed {
		b.stats.Blocked++
		stop := context.AfterFunc(ctx, b.wake)
		defer stop()
		for b.count == len(b.ring) && !b.closed && ctx.Err() == nil {
			b.notFull.Wait()
		}
	}
	if b.closed {
		return ErrBufferClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.ring[(b.head+b.count)%len(b.ring)] = ev
	b.count++
	ev.state = stateQueued
	b.stats.Queued++
	b.notEmpty.Signal()
	return nil
}

// Release discards an event that was never queued.
func (b *Buffer) Release(ev *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkCreated(ev, "release"); err != nil {
		return err
	}
	ev.state = stateReleased
	ev.values = nil
	b.stats.Released++
	return nil
}

// Dequeue removes the oldest queued event, blocking until one is available,
// ctx is done, or the buffer is closed and empty.
func (b *Buffer) Dequeue(ctx context.Context) (*Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 && !b.closed {
		stop := context.AfterFunc(ctx, b.wake)
		defer stop()
		for b.count == 0 && !b.closed && ctx.Err() == nil {
			b.notEmpty.Wait()
		}
	}
	if b.count == 0 {
		if b.closed {
			return nil, ErrBufferClosed
		}
		return nil, ctx.Err()
	}
	return b.pop(), nil
}

// TryDequeue returns the oldest queued event without blocking.
func (b *Buffer) TryDequeue() (*Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil, false
	}
	return b.pop(), true
}

// Drain removes and discards every queued event and returns how many there were.
func (b *Buffer) Drain() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.count
	for b.count > 0 {
		b.pop()
	}
	return n
}

// Close wakes all blocked callers. Queued events stay available to
// TryDequeue, Dequeue and Drain.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Buffer) Cap() int { return len(b.ring) }

func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Buffer) pop() *Event {
	ev := b.ring[b.head]
	b.ring[b.head] = nil
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	ev.state = stateDequeued
	b.stats.Dequeued++
	b.notFull.Signal()
	return ev
}

func (b *Buffer) wake() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

func (b *Buffer) checkCreated(ev *Event, op string) error {
	if ev == nil || ev.owner != b {
		return fmt.Errorf("%s: %w: event not created by this buffer", op, ErrEventState)
	}
	if ev.state != stateCreated {
		return fmt.Errorf("%s event %d: %w", op, ev.seq, ErrEventState)
	}
	return nil
}
