// Package backup sequences snapshot backups and restores. The
// snapshot algorithm lives in an external streaming tool; this
// package elects the source node, tracks status records in the peer
// state store, moves archives through object storage, and holds the
// cooperative maintenance window so restores never overlap membership
// changes.
package backup
