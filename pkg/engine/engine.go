package engine

import (
	"context"
)

// MemberState is the engine-reported replication state of one member.
type MemberState string

const (
	StateOnline      MemberState = "ONLINE"
	StateRecovering  MemberState = "RECOVERING"
	StateUnreachable MemberState = "UNREACHABLE"
	StateOffline     MemberState = "OFFLINE"
	StateError       MemberState = "ERROR"
)

// Member is one instance as observed through the engine.
type Member struct {
	ID      string
	Address string
	State   MemberState
	Primary bool
	// AppliedPosition is the member's applied-transaction position,
	// used to pick the most caught-up secondary on failover.
	AppliedPosition uint64
}

// Status is a point-in-time observation of the group. It can be
// inconsistent or partially stale; the reconciler re-derives it every
// pass and never trusts a previous observation.
type Status struct {
	ClusterName string
	Members     []Member
}

// PrimaryID returns the ID of the member currently reported primary,
// or "" when the group has none.
func (s *Status) PrimaryID() string {
	for _, m := range s.Members {
		if m.Primary {
			return m.ID
		}
	}
	return ""
}

// Member returns the observation for one member and whether it was
// present in the status at all.
func (s *Status) Member(id string) (Member, bool) {
	for _, m := range s.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Admin wraps the synchronous administrative surface of the database
// engine's cluster tooling. It is a black box: calls may fail, time
// out, or return an inconsistent Status, and callers must treat every
// operation as retryable.
type Admin interface {
	// CreateCluster bootstraps group replication on this instance.
	CreateCluster(ctx context.Context, name string) error

	// ClusterStatus queries the observed group membership.
	ClusterStatus(ctx context.Context) (*Status, error)

	// AddInstance joins an instance to the group. Adding an instance
	// that is already a member is a no-op, not an error.
	AddInstance(ctx context.Context, nodeID, address string) error

	// RemoveInstance removes an instance from the group. Removing an
	// instance that is not a member is a no-op, not an error.
	RemoveInstance(ctx context.Context, nodeID string) error

	// SetPrimary makes the given member the group primary.
	SetPrimary(ctx context.Context, nodeID string) error

	// Rejoin re-attaches a previously isolated instance.
	Rejoin(ctx context.Context, nodeID string) error

	// Dissolve tears down group replication metadata on this
	// instance.
	Dissolve(ctx context.Context) error

	// CreateReplicaCluster bootstraps a replica cluster attached to
	// the given domain identity.
	CreateReplicaCluster(ctx context.Context, name, domainID string) error

	// PromoteCluster makes the local cluster the set's primary:
	// stops the inbound replication channel and re-enables writes.
	PromoteCluster(ctx context.Context, clusterName string) error

	// ExecutedGTIDSet returns the instance's executed transaction
	// identifier set.
	ExecutedGTIDSet(ctx context.Context) (string, error)

	// ApplyCredential creates or updates an internal service account.
	ApplyCredential(ctx context.Context, username, password string) error

	// DropCredential removes an internal service account.
	DropCredential(ctx context.Context, username string) error

	// InstallCertificate installs TLS material on the local instance
	// and reloads the encrypted listener.
	InstallCertificate(ctx context.Context, certPEM, keyPEM, chainPEM []byte) error

	// ApplyTuning applies deployment-profile variables (memory limit,
	// audit policy, log retention) to the local instance.
	ApplyTuning(ctx context.Context, vars map[string]string) error
}
