package storage

import (
	"github.com/grovekit/grove/pkg/types"
)

// Store is the peer state store: the shared, durable key-value space
// every node reads to converge. Writes are routed through the
// coordination layer in production (see pkg/coordination); tests may
// write to a local BoltStore directly.
type Store interface {
	// Cluster identity
	PutCluster(cluster *types.Cluster) error
	GetCluster() (*types.Cluster, error)
	DeleteCluster() error

	// Members
	PutNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(id string) error

	// Credentials
	PutCredential(cred *types.Credential) error
	GetCredential(name string) (*types.Credential, error)
	ListCredentials() ([]*types.Credential, error)
	DeleteCredential(name string) error

	// Certificates
	PutCertificate(cert *types.Certificate) error
	GetCertificate(id string) (*types.Certificate, error)
	ListCertificates() ([]*types.Certificate, error)

	// Backups
	PutBackup(backup *types.Backup) error
	GetBackup(id string) (*types.Backup, error)
	ListBackups() ([]*types.Backup, error)

	// Cluster set
	PutClusterSet(set *types.ClusterSet) error
	GetClusterSet() (*types.ClusterSet, error)

	// Coordination flags. The maintenance flag is cooperative, not a
	// lock: both sides check it before acting and tolerate stale reads
	// by re-checking each pass.
	SetFlag(name, holder string) error
	GetFlag(name string) (holder string, set bool, err error)
	ClearFlag(name string) error

	Close() error
}

// Well-known flag names.
const (
	FlagMaintenance      = "maintenance"
	FlagMembershipChange = "membership-change"
)
