/*
Package engine wraps the database engine's cluster-management surface
behind the Admin interface.

The engine is an external collaborator: its group-replication
protocol is assumed correct and driven as a black box through
synchronous administrative calls. Calls can fail, hang until their
timeout, or return a Status that is already stale by the time it is
read. The reconciler therefore never caches an observation across
passes and treats every Admin operation as idempotent and
re-issuable.

MySQLAdmin is the production implementation over database/sql.
FakeAdmin is the test double; it records the exact operation sequence
issued and supports injected transient failures.
*/
package engine
