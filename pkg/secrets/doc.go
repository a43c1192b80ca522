/*
Package secrets manages internal service-account credentials.

Invariants:

  - One coordinating node mutates, all nodes read. Writes from a
    non-coordinator are rejected as precondition failures.
  - The peer state store is written before the engine account, so a
    crash between the two is recoverable: the credential stays marked
    pending and ApplyPending re-issues the engine update on a later
    pass.
  - Relation-scoped credentials are destroyed, never rotated, when
    their relation is torn down; re-establishing mints a fresh value.

Values are encrypted at rest with AES-256-GCM under a key derived
from the cluster's domain identity.
*/
package secrets
