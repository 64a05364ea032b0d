// Package module adapts physical VME modules to the acquisition scheduler.
//
// Each Module owns its event slots and, for modules that decode in place, a
// demux.Decoder. The scheduler only sees the Module contract:
//
//	Reset ─► Configure ─► ( DataReady? ─► Acquire(event) )* ─► PanicReset on stall
//
// Modules are built from a Spec by a Registry of factories keyed by type
// name. The Mesytec MTDC-32 and MADC-32 share one adapter parameterised by
// a variant (register table, data layout, resolution encoding).
//
// Emulator is a register-level model of a Mesytec module that plugs into
// hardware.Sim, for tests and dry runs without a crate.
package module
