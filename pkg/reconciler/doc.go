// Package reconciler converges a replicated database cluster toward
// its target membership. It is level triggered: every pass re-reads
// observed state from the engine, diffs it against the peer state
// store, and performs at most one membership mutation before
// re-observing. Passes are idempotent, so duplicate or lost lifecycle
// events only delay convergence, never corrupt it.
//
// Only the node holding coordination authority mutates membership.
// Everyone else verifies its own standing and waits.
package reconciler
