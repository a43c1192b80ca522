package types

import (
	"time"
)

// Node represents one machine instance running the database engine.
type Node struct {
	ID               string
	Address          string // host:port of the engine's SQL listener
	Role             NodeRole
	ClusterName      string
	MarkedForRemoval bool
	LastSeen         time.Time
	CreatedAt        time.Time
}

// NodeRole is the node's role within its cluster.
type NodeRole string

const (
	RoleUninitialized NodeRole = "uninitialized"
	RoleJoining       NodeRole = "joining"
	RoleMember        NodeRole = "member"
	RolePrimary       NodeRole = "primary"
	RoleUnreachable   NodeRole = "unreachable"
	RoleDissolved     NodeRole = "dissolved"
)

// MaxClusterMembers is the engine-imposed ceiling on group membership.
const MaxClusterMembers = 9

// Cluster is one group-replication group.
type Cluster struct {
	Name       string
	DomainID   string   // shared identity across a cluster set
	Members    []string // node IDs, ordered by join time
	PrimaryID  string
	Health     ClusterHealth
	TLSEnabled bool
	CreatedAt  time.Time
}

// ClusterHealth classifies the cluster's observed condition.
type ClusterHealth string

const (
	HealthOK          ClusterHealth = "ok"
	HealthDegraded    ClusterHealth = "degraded"
	HealthUnreachable ClusterHealth = "unreachable"
	// HealthBlocked marks a structural inconsistency that needs an
	// operator; the reconciler never auto-corrects it destructively.
	HealthBlocked ClusterHealth = "blocked"
)

// ClusterSet groups one primary cluster with its replica clusters.
type ClusterSet struct {
	DomainID    string
	PrimaryName string
	Replicas    []string // replica cluster names
	CreatedAt   time.Time
}

// CredentialScope says who owns a credential's lifecycle.
type CredentialScope string

const (
	ScopeCluster  CredentialScope = "cluster"
	ScopeRelation CredentialScope = "relation"
)

// Credential is a named internal service account.
type Credential struct {
	Name    string
	Value   []byte // encrypted at rest
	Version string
	Scope   CredentialScope
	// PendingApply is set between the store write and the engine
	// account update so a crash in between is retried.
	PendingApply bool
	UpdatedAt    time.Time
}

// Certificate is TLS material bound to a node or to the cluster.
type Certificate struct {
	ID         string
	NodeID     string // empty for cluster-scoped material (CA chain)
	CertPEM    []byte
	ChainPEM   []byte
	Issuer     string
	SelfIssued bool // placeholder material issued locally while TLS is off
	// SupersededBy points at the renewal; the old record stays until
	// every node confirms adoption.
	SupersededBy string
	NotAfter     time.Time
	IssuedAt     time.Time
}

// BackupStatus tracks a backup record's lifecycle.
type BackupStatus string

const (
	BackupInProgress BackupStatus = "in-progress"
	BackupCompleted  BackupStatus = "completed"
	BackupFailed     BackupStatus = "failed"
)

// Backup is an immutable record of a point-in-time snapshot.
type Backup struct {
	ID         string
	Location   string // object key within the configured bucket
	SourceNode string
	Status     BackupStatus
	Size       int64
	StartedAt  time.Time
	FinishedAt time.Time
}

// DeploymentProfile selects resource defaults for the engine.
type DeploymentProfile string

const (
	ProfileProduction DeploymentProfile = "production"
	ProfileTesting    DeploymentProfile = "testing"
)
