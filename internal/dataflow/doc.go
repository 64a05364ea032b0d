// Package dataflow is the analysis graph fed by committed events.
//
// Each module becomes a source node with one output per event slot. Plugin
// nodes declare typed inputs and outputs; an output connects to exactly one
// input of the same kind:
//
//	[tdc0] out 0 ──► in [tdc-proc] out 3 ──► in 0 [histogram]
//	       out 1 ──► in 1 [raw-writer]
//
// Inputs hold bounded FIFO queues. After every event the graph walks its
// nodes in topological order and fires each node once if enough of its
// connected inputs hold data. Firing runs the node's Processor, then
// advances the inputs according to the node's AdvancePolicy.
//
// Topology changes are refused while the graph is frozen for a run.
package dataflow
