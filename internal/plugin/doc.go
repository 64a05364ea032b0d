// Package plugin builds analysis nodes by type name.
//
// A Definition binds a type name to a group, an attribute schema with
// defaults, and a factory returning a dataflow node. Attributes from the
// crate file are merged over the schema defaults and decoded into a typed
// struct with mapstructure; unknown keys are rejected.
//
// Built-in types:
//
//	fanout            aux         copy one input to N outputs
//	int-to-double     aux         word payloads to sample payloads
//	mtdc32-processor  processing  raw MTDC-32 stream to 32 channel outputs
//	madc32-processor  processing  raw MADC-32 stream to 32 channel outputs
//	filter            processing  keep records matching an expression
//	histogram         cache       value histogram, snapshot and reset per run
//	raw-writer        pack        length-prefixed binary files, rotated by size
//
// Processors that need to know about run boundaries implement RunHook.
package plugin
