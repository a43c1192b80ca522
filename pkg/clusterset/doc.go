// Package clusterset manages cross-cluster replication: offering a
// primary cluster, linking replica clusters under a shared domain
// identity, and promoting a replica during planned switchover or
// forced failover. Link eligibility is a transaction-history subset
// check; a replica with independent commits never links silently.
package clusterset
