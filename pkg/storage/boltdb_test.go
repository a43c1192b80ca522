package storage

import (
	"testing"
	"time"

	"github.com/grovekit/grove/pkg/errdefs"
	"github.com/grovekit/grove/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestClusterRoundTrip(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetCluster()
	assert.True(t, errdefs.IsNotFound(err))

	cluster := &types.Cluster{
		Name:      "grove-0",
		DomainID:  "dom-1",
		Members:   []string{"node-0"},
		PrimaryID: "node-0",
		Health:    types.HealthOK,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.PutCluster(cluster))

	got, err := store.GetCluster()
	require.NoError(t, err)
	assert.Equal(t, cluster.Name, got.Name)
	assert.Equal(t, cluster.Members, got.Members)

	require.NoError(t, store.DeleteCluster())
	_, err = store.GetCluster()
	assert.True(t, errdefs.IsNotFound(err))
}

func TestNodeUpsertAndList(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"node-0", "node-1", "node-2"} {
		require.NoError(t, store.PutNode(&types.Node{ID: id, Role: types.RoleMember}))
	}

	// Upsert: writing the same ID twice must not duplicate it.
	require.NoError(t, store.PutNode(&types.Node{ID: "node-1", Role: types.RolePrimary}))

	nodes, err := store.ListNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	node, err := store.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.RolePrimary, node.Role)

	require.NoError(t, store.DeleteNode("node-0"))
	nodes, err = store.ListNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestCredentialNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetCredential("serverconfig")
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, store.PutCredential(&types.Credential{
		Name:  "serverconfig",
		Value: []byte("ciphertext"),
		Scope: types.ScopeCluster,
	}))

	cred, err := store.GetCredential("serverconfig")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), cred.Value)
}

func TestFlags(t *testing.T) {
	store := newTestStore(t)

	_, set, err := store.GetFlag(FlagMaintenance)
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, store.SetFlag(FlagMaintenance, "restore-abc"))

	holder, set, err := store.GetFlag(FlagMaintenance)
	require.NoError(t, err)
	assert.True(t, set)
	assert.Equal(t, "restore-abc", holder)

	require.NoError(t, store.ClearFlag(FlagMaintenance))
	_, set, err = store.GetFlag(FlagMaintenance)
	require.NoError(t, err)
	assert.False(t, set)
}

func TestBackupRecordsAreListable(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutBackup(&types.Backup{ID: "b-1", Status: types.BackupCompleted}))
	require.NoError(t, store.PutBackup(&types.Backup{ID: "b-2", Status: types.BackupInProgress}))

	backups, err := store.ListBackups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}
