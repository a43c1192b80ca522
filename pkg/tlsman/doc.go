/*
Package tlsman manages TLS material for the local node.

Certificates and chain material are published to the peer state store
so every member can validate its peers; private keys are generated
per node (or operator-supplied) and never cross node boundaries.
Renewal supersedes the previous record instead of deleting it, and
disabling TLS swaps in a self-issued placeholder because the engine
refuses to start its encrypted listener without a certificate.
*/
package tlsman
