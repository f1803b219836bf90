// Package orchestrator runs the revision loop over a set of artifacts.
//
// # Overview
//
// The orchestrator enumerates artifacts, skips those already resolved by a
// previous run, and drives every other artifact through a revision.Machine,
// sequentially or on a bounded worker pool:
//
//	sources → resume check → Machine.Run (under artifact deadline) → Row
//
// Rows are reported in input order regardless of completion order.
//
// # Artifact boundary
//
// Each artifact runs under run.artifact_timeout. The machine writes through
// a store.Sealed wrapper; when the deadline fires, or the loop fails or
// panics, the wrapper is sealed first and then the fallback action runs:
//
//   - the original source is copied to <name>_final_fallback.<ext>
//   - a synthetic "TIMEOUT: ..." or "ERROR: ..." record is stored at the
//     in-flight revision key
//
// Faults never stop the other artifacts.
//
// # Resume
//
// An artifact whose latest revision on disk has a stored record that
// satisfies the stop predicate is skipped without generation calls or
// store writes. Its final file is rewritten if it went missing.
//
// # Events and metrics
//
// Progress events are published through a Publisher (NATS or no-op) on
//
//	<prefix>.<run_id>.<artifact>.<kind>
//
// with kinds started, revision and stopped. OpenTelemetry counters and
// histograms record artifacts by stop reason, generated revisions and
// artifact durations.
package orchestrator
