package events

import (
	"time"
)

// Type identifies a lifecycle signal delivered by the orchestration
// runtime.
type Type string

const (
	// NodeJoined: a provisioned peer announced itself.
	NodeJoined Type = "node.joined"
	// NodeLeft: a peer was deprovisioned or marked for removal.
	NodeLeft Type = "node.left"
	// ConfigChanged: the agent configuration was updated.
	ConfigChanged Type = "config.changed"
	// Tick: periodic health pass.
	Tick Type = "tick"
)

// Event is one discrete lifecycle signal. Delivery is at-least-once
// and ordered per node; no ordering holds between events delivered to
// different nodes, and every consumer pass must stay idempotent.
type Event struct {
	Type      Type
	NodeID    string
	Address   string
	Timestamp time.Time
}
