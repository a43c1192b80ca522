/*
Package types defines the shared data model for Grove clusters.

The model covers nodes (machine instances running the database
engine), clusters (group-replication groups with a single primary),
cluster sets (a primary cluster plus replica clusters sharing a
domain identity), credentials, TLS certificates and backup records.

Types here are plain data. Lifecycle rules such as who may mutate a
node's role or when a certificate is superseded are enforced by the
packages that own each concern (pkg/reconciler, pkg/secrets,
pkg/tlsman, pkg/backup).
*/
package types
