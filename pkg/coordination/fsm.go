package coordination

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/grovekit/grove/pkg/storage"
	"github.com/grovekit/grove/pkg/types"
	"github.com/hashicorp/raft"
)

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Command ops understood by the FSM.
const (
	OpPutCluster       = "put_cluster"
	OpDeleteCluster    = "delete_cluster"
	OpPutNode          = "put_node"
	OpDeleteNode       = "delete_node"
	OpPutCredential    = "put_credential"
	OpDeleteCredential = "delete_credential"
	OpPutCertificate   = "put_certificate"
	OpPutBackup        = "put_backup"
	OpPutClusterSet    = "put_clusterset"
	OpSetFlag          = "set_flag"
	OpClearFlag        = "clear_flag"
)

type flagChange struct {
	Name   string `json:"name"`
	Holder string `json:"holder,omitempty"`
}

// stateFSM applies committed log entries to the local peer state
// store, so every member of the coordination group converges on the
// same store contents.
type stateFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

func newStateFSM(store storage.Store) *stateFSM {
	return &stateFSM{store: store}
}

// Apply is called by Raft once a log entry is committed.
func (f *stateFSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpPutCluster:
		var cluster types.Cluster
		if err := json.Unmarshal(cmd.Data, &cluster); err != nil {
			return err
		}
		return f.store.PutCluster(&cluster)

	case OpDeleteCluster:
		return f.store.DeleteCluster()

	case OpPutNode:
		var node types.Node
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		return f.store.PutNode(&node)

	case OpDeleteNode:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteNode(id)

	case OpPutCredential:
		var cred types.Credential
		if err := json.Unmarshal(cmd.Data, &cred); err != nil {
			return err
		}
		return f.store.PutCredential(&cred)

	case OpDeleteCredential:
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return err
		}
		return f.store.DeleteCredential(name)

	case OpPutCertificate:
		var cert types.Certificate
		if err := json.Unmarshal(cmd.Data, &cert); err != nil {
			return err
		}
		return f.store.PutCertificate(&cert)

	case OpPutBackup:
		var backup types.Backup
		if err := json.Unmarshal(cmd.Data, &backup); err != nil {
			return err
		}
		return f.store.PutBackup(&backup)

	case OpPutClusterSet:
		var set types.ClusterSet
		if err := json.Unmarshal(cmd.Data, &set); err != nil {
			return err
		}
		return f.store.PutClusterSet(&set)

	case OpSetFlag:
		var fc flagChange
		if err := json.Unmarshal(cmd.Data, &fc); err != nil {
			return err
		}
		return f.store.SetFlag(fc.Name, fc.Holder)

	case OpClearFlag:
		var fc flagChange
		if err := json.Unmarshal(cmd.Data, &fc); err != nil {
			return err
		}
		return f.store.ClearFlag(fc.Name)

	default:
		return fmt.Errorf("unknown command op: %s", cmd.Op)
	}
}

// Snapshot returns a point-in-time snapshot of the FSM state.
func (f *stateFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := &fsmSnapshot{}

	cluster, err := f.store.GetCluster()
	if err == nil {
		snap.Cluster = cluster
	}
	if snap.Nodes, err = f.store.ListNodes(); err != nil {
		return nil, err
	}
	if snap.Credentials, err = f.store.ListCredentials(); err != nil {
		return nil, err
	}
	if snap.Certificates, err = f.store.ListCertificates(); err != nil {
		return nil, err
	}
	if snap.Backups, err = f.store.ListBackups(); err != nil {
		return nil, err
	}
	if set, err := f.store.GetClusterSet(); err == nil {
		snap.ClusterSet = set
	}
	for _, name := range []string{storage.FlagMaintenance, storage.FlagMembershipChange} {
		holder, set, err := f.store.GetFlag(name)
		if err != nil {
			return nil, err
		}
		if set {
			if snap.Flags == nil {
				snap.Flags = map[string]string{}
			}
			snap.Flags[name] = holder
		}
	}
	return snap, nil
}

// Restore replaces the FSM state from a snapshot.
func (f *stateFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if snap.Cluster != nil {
		if err := f.store.PutCluster(snap.Cluster); err != nil {
			return err
		}
	}
	for _, node := range snap.Nodes {
		if err := f.store.PutNode(node); err != nil {
			return err
		}
	}
	for _, cred := range snap.Credentials {
		if err := f.store.PutCredential(cred); err != nil {
			return err
		}
	}
	for _, cert := range snap.Certificates {
		if err := f.store.PutCertificate(cert); err != nil {
			return err
		}
	}
	for _, backup := range snap.Backups {
		if err := f.store.PutBackup(backup); err != nil {
			return err
		}
	}
	if snap.ClusterSet != nil {
		if err := f.store.PutClusterSet(snap.ClusterSet); err != nil {
			return err
		}
	}
	for name, holder := range snap.Flags {
		if err := f.store.SetFlag(name, holder); err != nil {
			return err
		}
	}
	return nil
}

type fsmSnapshot struct {
	Cluster      *types.Cluster       `json:"cluster,omitempty"`
	Nodes        []*types.Node        `json:"nodes,omitempty"`
	Credentials  []*types.Credential  `json:"credentials,omitempty"`
	Certificates []*types.Certificate `json:"certificates,omitempty"`
	Backups      []*types.Backup      `json:"backups,omitempty"`
	ClusterSet   *types.ClusterSet    `json:"clusterset,omitempty"`
	Flags        map[string]string    `json:"flags,omitempty"`
}

// Persist writes the snapshot to the sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
