// Package checkpoint persists conversation state per thread.
//
// Invariants:
// - A checkpoint's Version is the number of persisted messages.
// - Save only appends; it never rewrites or drops stored messages.
// - Save with a stale base version fails with ErrVersionConflict.
//
// Backends:
// - MemoryStore keeps threads in process memory.
// - FileStore writes one JSONL file per thread.
// - SQLiteStore keeps threads and messages in a SQLite database.
package checkpoint
