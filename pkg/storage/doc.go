/*
Package storage implements the peer state store: the single source of
truth for cross-node facts (cluster identity, members, shared
credentials, certificates, backup records, coordination flags).

The store is read-mostly. Every node reads it on each reconciliation
pass; only the node holding coordination authority writes to it, and
in production those writes travel through the replicated command log
in pkg/coordination so all replicas converge on the same contents.
Readers must tolerate stale data and re-check before acting; the
store is shared memory, not a lock.

BoltStore is the local BoltDB-backed implementation. One bucket per
entity, JSON-encoded values keyed by identity, upsert semantics.
*/
package storage
