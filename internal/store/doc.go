// Package store is the SQLite run log. Every send, ingest or webhook run
// can be recorded together with the transport calls the module made, and
// read back later by the trace command.
//
// Ordering uses the run's seq, a logical counter assigned on write, never
// wall time. Queries order by seq ASC, id ASC COLLATE BINARY so reads are
// identical across machines.
//
// Run ids are UUIDv7. Call ids are content addressed: the canonical JSON of
// (run id, seq, request) hashed under canon.DomainCall, so writing the same
// run twice is a no-op.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package store
