package dataflow

import (
	"errors"
	"fmt"

	"github.com/mrzor/vme-daq/internal/event"
)

var (
	ErrDirection        = errors.New("connector direction mismatch")
	ErrTypeMismatch     = errors.New("connector type mismatch")
	ErrAlreadyConnected = errors.New("connector already connected")
	ErrNotConnected     = errors.New("connector not connected")
	ErrGraphFrozen      = errors.New("graph is frozen")
	ErrCycle            = errors.New("graph has a cycle")
	ErrUnknownNode      = errors.New("unknown node")
	ErrUnknownConnector = errors.New("unknown connector")
	ErrDuplicateNode    = errors.New("duplicate node")
	ErrMandatorySet     = errors.New("mandatory inputs already set")
)

// DefaultQueueLimit bounds every input queue. Older values are dropped.
const DefaultQueueLimit = 256

type Direction uint8

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

// Connector is a typed endpoint of a node.
type Connector struct {
	node  *Node
	name  string
	index int
	dir   Direction
	kind  event.Kind
	peer  *Connector

	queue   []event.Value
	limit   int
	dropped uint64
}

func (c *Connector) Node() *Node          { return c.node }
func (c *Connector) Name() string         { return c.name }
func (c *Connector) Index() int           { return c.index }
func (c *Connector) Direction() Direction { return c.dir }
func (c *Connector) Kind() event.Kind     { return c.kind }
func (c *Connector) Peer() *Connector     { return c.peer }
func (c *Connector) Connected() bool      { return c.peer != nil }
func (c *Connector) String() string       { return c.node.name + "/" + c.name }

// Put sends v from an output to its peer's queue. Values put on an
// unconnected output are discarded.
func (c *Connector) Put(v event.Value) error {
	if c.dir != Output {
		return fmt.Errorf("put on %s: %w", c, ErrDirection)
	}
	if v.Kind() != c.kind {
		return fmt.Errorf("put %s on %s (%s): %w", v.Kind(), c, c.kind, ErrTypeMismatch)
	}
	if c.peer == nil {
		return nil
	}
	c.peer.push(v)
	return nil
}

func (c *Connector) push(v event.Value) {
	if c.limit > 0 && len(c.queue) >= c.limit {
		c.queue[0] = event.Value{}
		c.queue = c.queue[1:]
		c.dropped++
	}
	c.queue = append(c.queue, v)
}

// Available is the number of values queued on an input.
func (c *Connector) Available() int { return len(c.queue) }

// Peek returns the oldest queued value without consuming it.
func (c *Connector) Peek() (event.Value, bool) {
	if len(c.queue) == 0 {
		return event.Value{}, false
	}
	return c.queue[0], true
}

// Advance drops the oldest queued value. It reports false on an empty queue.
func (c *Connector) Advance() bool {
	if len(c.queue) == 0 {
		return false
	}
	c.queue[0] = event.Value{}
	c.queue = c.queue[1:]
	return true
}

// Dropped counts values lost to queue overflow.
func (c *Connector) Dropped() uint64 { return c.dropped }

func (c *Connector) clear() {
	clear(c.queue)
	c.queue = c.queue[:0]
}
