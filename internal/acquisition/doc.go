// Package acquisition runs the real-time readout loop.
//
// The Scheduler owns one locked OS thread, optionally pinned to a core with a
// real-time priority. It prepares the crate, then either polls the interrupt
// status in a tight loop or blocks on the interface's interrupt wait:
//
//	prepare: dead time on ─► Reset+Configure each module ─► settle ─► dead time off
//
//	poll ──► IRQ? ──no──► stall++ ──► stall >= threshold? ──► PanicReset all, stall = 0
//	          │
//	          yes (and no cycle in flight)
//	          ▼
//	        cycle: dead time on
//	               for each module: veto on, DataReady? Acquire(event), veto off
//	               dead time off
//	               mandatory slots all occupied? ──yes──► Queue (stall = 0)
//	                                             └─no──► Release
//
// ForceRead runs the same cycle from another goroutine. The in-flight flag is
// an atomic compare-and-swap, so a forced cycle and a polled cycle never
// overlap. Hardware interfaces must therefore be safe for concurrent use.
package acquisition
