package coordination

import (
	"encoding/json"

	"github.com/grovekit/grove/pkg/storage"
	"github.com/grovekit/grove/pkg/types"
)

// ReplicatedStore is a storage.Store whose writes travel through the
// Raft log while reads hit the local store directly. Reads on
// followers may be briefly stale; callers re-check before acting.
type ReplicatedStore struct {
	local storage.Store
	coord *Coordinator
}

// NewReplicatedStore wraps a local store with the replicated write
// path of coord.
func NewReplicatedStore(local storage.Store, coord *Coordinator) *ReplicatedStore {
	return &ReplicatedStore{local: local, coord: coord}
}

func (r *ReplicatedStore) apply(op string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.coord.Apply(Command{Op: op, Data: data})
}

func (r *ReplicatedStore) PutCluster(cluster *types.Cluster) error {
	return r.apply(OpPutCluster, cluster)
}

func (r *ReplicatedStore) DeleteCluster() error {
	return r.apply(OpDeleteCluster, struct{}{})
}

func (r *ReplicatedStore) PutNode(node *types.Node) error {
	return r.apply(OpPutNode, node)
}

func (r *ReplicatedStore) DeleteNode(id string) error {
	return r.apply(OpDeleteNode, id)
}

func (r *ReplicatedStore) PutCredential(cred *types.Credential) error {
	return r.apply(OpPutCredential, cred)
}

func (r *ReplicatedStore) DeleteCredential(name string) error {
	return r.apply(OpDeleteCredential, name)
}

func (r *ReplicatedStore) PutCertificate(cert *types.Certificate) error {
	return r.apply(OpPutCertificate, cert)
}

func (r *ReplicatedStore) PutBackup(backup *types.Backup) error {
	return r.apply(OpPutBackup, backup)
}

func (r *ReplicatedStore) PutClusterSet(set *types.ClusterSet) error {
	return r.apply(OpPutClusterSet, set)
}

func (r *ReplicatedStore) SetFlag(name, holder string) error {
	return r.apply(OpSetFlag, flagChange{Name: name, Holder: holder})
}

func (r *ReplicatedStore) ClearFlag(name string) error {
	return r.apply(OpClearFlag, flagChange{Name: name})
}

// Reads are served locally.

func (r *ReplicatedStore) GetCluster() (*types.Cluster, error) { return r.local.GetCluster() }
func (r *ReplicatedStore) GetNode(id string) (*types.Node, error) {
	return r.local.GetNode(id)
}
func (r *ReplicatedStore) ListNodes() ([]*types.Node, error) { return r.local.ListNodes() }
func (r *ReplicatedStore) GetCredential(name string) (*types.Credential, error) {
	return r.local.GetCredential(name)
}
func (r *ReplicatedStore) ListCredentials() ([]*types.Credential, error) {
	return r.local.ListCredentials()
}
func (r *ReplicatedStore) GetCertificate(id string) (*types.Certificate, error) {
	return r.local.GetCertificate(id)
}
func (r *ReplicatedStore) ListCertificates() ([]*types.Certificate, error) {
	return r.local.ListCertificates()
}
func (r *ReplicatedStore) GetBackup(id string) (*types.Backup, error) {
	return r.local.GetBackup(id)
}
func (r *ReplicatedStore) ListBackups() ([]*types.Backup, error) { return r.local.ListBackups() }
func (r *ReplicatedStore) GetClusterSet() (*types.ClusterSet, error) {
	return r.local.GetClusterSet()
}
func (r *ReplicatedStore) GetFlag(name string) (string, bool, error) {
	return r.local.GetFlag(name)
}

// Close closes the local store. The Raft instance is shut down by the
// Coordinator, not here.
func (r *ReplicatedStore) Close() error { return r.local.Close() }
