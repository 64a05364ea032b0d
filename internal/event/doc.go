// Package event holds the per-trigger data model and the bounded handoff
// queue between the acquisition scheduler and the pipeline driver.
//
// Event lifecycle:
//
//	CreateEvent ──► Created ──┬── Queue ──► Queued ── Dequeue ──► consumer
//	                          │
//	                          └── Release ──► Released (never observable)
//
// An event is terminated by exactly one of Queue or Release. The buffer
// rejects a second termination with ErrEventState.
//
// Queue blocks while the buffer is full. Backpressure reaches the scheduler
// instead of dropping events; Close wakes every blocked caller.
package event
