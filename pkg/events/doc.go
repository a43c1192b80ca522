// Package events defines the lifecycle signals that drive
// reconciliation and the per-node serialized queue they travel
// through. One consumer per node, no concurrent passes.
package events
