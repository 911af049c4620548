// Package allocator is the single authority over the shared capital pool.
//
// Every agent that wants to open, grow, shrink or close a position asks this
// package first. RequestSizing answers "how much of the pool may this request
// consume" by running the request through per-action branches and a shared
// safety filter (dust floor, per-position cap, total allocation cap, outer
// order bound). Approved numbers are advice; money moves only when the caller
// comes back with RegisterPosition / UpdatePosition / RemovePosition.
//
// The ledger is a plain map guarded by one mutex. Reads and writes both take
// it, and every sizing branch holds it for the whole calculation so the
// numbers it reasons about cannot shift mid-decision. Call volume is
// human-speed; correctness beats throughput here.
//
// Memory growth is bounded by the cleanup pass that runs before every
// registration: structurally broken, expired, dust-sized, invalid and
// stale-small entries are dropped, and an overflowing ledger is cut back to
// its soft target keeping the largest positions.
//
// Cap math goes through shopspring/decimal at decision points; the public
// API stays float64.
package allocator
