package dataflow

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mrzor/vme-daq/internal/event"
	"go.uber.org/zap"
)

// SourceType is the node type of module source nodes.
const SourceType = "source"

type GraphOption func(*Graph)

func WithLogger(l *zap.Logger) GraphOption {
	return func(g *Graph) {
		if l != nil {
			g.log = l
		}
	}
}

// Graph owns the analysis nodes and their connections. All methods are safe
// for concurrent use; Process serializes with topology changes.
type Graph struct {
	mu      sync.Mutex
	log     *zap.Logger
	nodes   []*Node
	byName  map[string]*Node
	sources map[*event.Slot]*Connector
	order   []*Node
	frozen  bool
}

func NewGraph(opts ...GraphOption) *Graph {
	g := &Graph{
		log:     zap.NewNop(),
		byName:  make(map[string]*Node),
		sources: make(map[*event.Slot]*Connector),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.Named("dataflow")
	return g
}

// AddNode registers n under its name.
func (g *Graph) AddNode(n *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addNode(n)
}

func (g *Graph) addNode(n *Node) error {
	if g.frozen {
		return fmt.Errorf("add node %s: %w", n.name, ErrGraphFrozen)
	}
	if strings.Contains(n.name, "/") {
		return fmt.Errorf("node name %q contains '/'", n.name)
	}
	if _, dup := g.byName[n.name]; dup {
		return fmt.Errorf("%s: %w", n.name, ErrDuplicateNode)
	}
	g.nodes = append(g.nodes, n)
	g.byName[n.name] = n
	return nil
}

// AddSources creates one source node per module in reg, with an output per
// slot named after the slot.
func (g *Graph) AddSources(reg *event.Registry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range reg.Slots() {
		if _, ok := g.sources[s]; ok {
			continue
		}
		n, ok := g.byName[s.Module()]
		if !ok {
			n = NewNode(s.Module(), SourceType, nil)
			if err := g.addNode(n); err != nil {
				return err
			}
		} else if n.typ != SourceType {
			return fmt.Errorf("source %s: %w", s.Module(), ErrDuplicateNode)
		}
		g.sources[s] = n.AddOutput(s.Name(), s.Kind())
	}
	return nil
}

// Node returns the named node.
func (g *Graph) Node(name string) (*Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.byName[name]
	return n, ok
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Node(nil), g.nodes...)
}

// Resolve finds a connector by "node/connector" path. dir selects which
// side of the node is searched.
func (g *Graph) Resolve(path string, dir Direction) (*Connector, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolve(path, dir)
}

func (g *Graph) resolve(path string, dir Direction) (*Connector, error) {
	nodeName, connName, ok := strings.Cut(path, "/")
	if !ok {
		return nil, fmt.Errorf("connector path %q: want node/connector", path)
	}
	n, ok := g.byName[nodeName]
	if !ok {
		return nil, fmt.Errorf("%s: %w", nodeName, ErrUnknownNode)
	}
	var c *Connector
	if dir == Output {
		c, ok = n.OutputByName(connName)
	} else {
		c, ok = n.InputByName(connName)
	}
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", dir, path, ErrUnknownConnector)
	}
	return c, nil
}

// Connect joins an output to an input. Nothing changes when it fails.
func (g *Graph) Connect(out, in *Connector) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connect(out, in)
}

// ConnectPath joins two connectors given as "node/connector" paths.
func (g *Graph) ConnectPath(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	out, err := g.resolve(from, Output)
	if err != nil {
		return err
	}
	in, err := g.resolve(to, Input)
	if err != nil {
		return err
	}
	return g.connect(out, in)
}

func (g *Graph) connect(out, in *Connector) error {
	switch {
	case g.frozen:
		return fmt.Errorf("connect %s -> %s: %w", out, in, ErrGraphFrozen)
	case out.dir != Output || in.dir != Input:
		return fmt.Errorf("connect %s (%s) -> %s (%s): %w", out, out.dir, in, in.dir, ErrDirection)
	case out.kind != in.kind:
		return fmt.Errorf("connect %s (%s) -> %s (%s): %w", out, out.kind, in, in.kind, ErrTypeMismatch)
	case out.peer != nil:
		return fmt.Errorf("connect %s: %w", out, ErrAlreadyConnected)
	case in.peer != nil:
		return fmt.Errorf("connect %s: %w", in, ErrAlreadyConnected)
	}
	out.peer = in
	in.peer = out
	in.node.recompute()
	g.log.Debug("connected", zap.Stringer("from", out), zap.Stringer("to", in))
	return nil
}

// Disconnect breaks the connection of c, from either side, and clears the
// input's queue.
func (g *Graph) Disconnect(c *Connector) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozen {
		return fmt.Errorf("disconnect %s: %w", c, ErrGraphFrozen)
	}
	if c.peer == nil {
		return fmt.Errorf("disconnect %s: %w", c, ErrNotConnected)
	}
	in, out := c, c.peer
	if c.dir == Output {
		in, out = c.peer, c
	}
	in.clear()
	in.peer = nil
	out.peer = nil
	in.node.recompute()
	return nil
}

// Freeze orders the nodes topologically and locks the topology.
func (g *Graph) Freeze() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frozen {
		return nil
	}
	order, err := g.sort()
	if err != nil {
		return err
	}
	g.order = order
	g.frozen = true
	return nil
}

func (g *Graph) sort() ([]*Node, error) {
	indeg := make(map[*Node]int, len(g.nodes))
	for _, n := range g.nodes {
		for _, in := range n.inputs {
			if in.peer != nil && in.peer.node != n {
				indeg[n]++
			} else if in.peer != nil {
				return nil, fmt.Errorf("%s feeds itself: %w", n.name, ErrCycle)
			}
		}
	}
	queue := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if indeg[n] == 0 {
			queue = append(queue, n)
		}
	}
	order := make([]*Node, 0, len(g.nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, out := range n.outputs {
			if out.peer == nil {
				continue
			}
			next := out.peer.node
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(g.nodes) {
		var stuck []string
		for _, n := range g.nodes {
			if indeg[n] > 0 {
				stuck = append(stuck, n.name)
			}
		}
		return nil, fmt.Errorf("nodes %s: %w", strings.Join(stuck, ", "), ErrCycle)
	}
	return order, nil
}

// Thaw unlocks the topology.
func (g *Graph) Thaw() {
	g.mu.Lock()
	g.frozen = false
	g.mu.Unlock()
}

func (g *Graph) Frozen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frozen
}

// Reset empties every input queue.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		n.clearQueues()
	}
}

// Process feeds the occupied slots of ev into the source nodes and fires
// every ready node once, in topological order. Processor errors are joined;
// one failing node does not stop the others.
func (g *Graph) Process(ev *event.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	order := g.order
	if !g.frozen {
		var err error
		if order, err = g.sort(); err != nil {
			return err
		}
	}

	var errs []error
	for _, s := range ev.Slots() {
		src, ok := g.sources[s]
		if !ok {
			continue
		}
		v, _ := ev.Get(s)
		if err := src.Put(v); err != nil {
			errs = append(errs, err)
		}
	}
	for _, n := range order {
		if !n.Ready() {
			continue
		}
		if err := n.Fire(); err != nil {
			g.log.Debug("node failed", zap.Stringer("node", n), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", n.name, err))
		}
	}
	return errors.Join(errs...)
}
