// Package run owns the acquisition lifecycle of one crate.
//
// A Controller moves between Idle, Running and Stopping. Start opens the
// crate interface, starts per-run hooks, launches the acquisition scheduler
// and the pipeline driver, and starts a statistics ticker. Stop joins both
// workers with a bounded wait, flushes hooks, pulses the dead-time line,
// closes the interface and drains whatever is left in the event buffer.
//
// Every run gets a UUID. The run's trace span is rooted at a trace ID equal
// to that UUID, so a run can be found in a trace backend by its identifier.
package run
