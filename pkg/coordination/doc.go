/*
Package coordination provides the coordination authority and the
replicated write path for the peer state store.

Authority answers one question, "may this node mutate cluster
state?", and is deliberately an interface: production binds it to
Raft leadership (Coordinator), tests bind a Static answer. The
reconciler must not depend on a specific election mechanism, only on
the exactly-one-coordinator-eventually contract. All operations stay
idempotent so a brief window with two believed coordinators cannot
corrupt membership.

Coordinator also carries writes: a command committed through its Raft
log is applied by stateFSM to every member's local BoltStore, which is
what makes the peer state store visible cluster-wide. ReplicatedStore
packages that write path behind the storage.Store interface.
*/
package coordination
