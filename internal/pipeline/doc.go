// Package pipeline provides the extract/transform/load execution engine.
//
// A flow implements Flow[C] for its own configuration type C and registers
// itself under a stable name from init():
//
//	func init() {
//		pipeline.Register("meeting-notes", "1", pipeline.Bind[Config](&MeetingNotes{}))
//	}
//
// # Run lifecycle
//
// Every run walks a fixed state machine:
//
//	pending -> extracting -> transforming -> loading -> notifying -> done
//
// A failing stage jumps straight to notifying; no stage is retried within a
// run. The notify phase flushes queued notifications on every run, success
// or not. The engine never returns an error from a run: the result is an
// Outcome that names the failed stage, and the caller decides what to do
// with it.
//
// # Duplicate delivery
//
// Runs are not idempotent and there is no cross-stage transaction. A load
// that fails half way keeps whatever external side effects it already made,
// and a redelivered webhook runs the whole flow again. Flows must tolerate
// both: look up before create in Load, key external writes on the event id.
package pipeline
