// Package stores provides the SQLite-backed persistence layer: the
// URN-keyed encrypted state table that implements engine.Store, plus a
// supplemental run/event/audit trail used by the pipeline and CLI to
// report what happened across a run.
package stores
