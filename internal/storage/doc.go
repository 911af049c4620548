// Package storage is the persistence layer behind the run/position journal
// and the notifier's dedup memory.
//
// Drivers:
//   - file: dependency-free JSONL journals plus a snapshot+journal pair for
//     dedup state (default)
//   - sqlite: single database file, built with -tags sqlite
//
// Journals are append-mostly and schema-stable; the live process keeps its
// own richer views (scheduler history ring, allocator ledger) and only
// flattens events into the store.
package storage
