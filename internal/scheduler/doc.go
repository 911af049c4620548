// Package scheduler drives a set of periodically scheduled agents through an
// Idle -> Running -> Idle state machine, one descriptor per agent.
//
// The sweep loop is deliberately sequential: agents are checked in priority
// order, and each due agent runs to completion or timeout before the next is
// considered, with a fixed pause between dispatches. This bounds worst-case
// contention between agents that share the position allocator, at the cost of
// head-of-line delay for low-priority agents.
//
// Timeouts are cooperative. A run that exceeds its max runtime is marked
// failed and the descriptor returns to Idle, but the body goroutine is only
// signalled through its context deadline, never killed. A body that ignores
// its context can outlive its scheduling slot and overlap the next dispatch
// of the same agent.
package scheduler
