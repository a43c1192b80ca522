package coordination

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/grovekit/grove/pkg/storage"
	"github.com/grovekit/grove/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyCommand(t *testing.T, fsm *stateFSM, op string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	cmdData, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)

	resp := fsm.Apply(&raft.Log{Data: cmdData})
	if respErr, ok := resp.(error); ok {
		require.NoError(t, respErr)
	}
}

func TestFSMAppliesCommands(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	fsm := newStateFSM(store)

	applyCommand(t, fsm, OpPutNode, &types.Node{ID: "node-0", Role: types.RolePrimary})
	applyCommand(t, fsm, OpPutCredential, &types.Credential{Name: "root", Value: []byte("x")})
	applyCommand(t, fsm, OpSetFlag, flagChange{Name: storage.FlagMaintenance, Holder: "restore-1"})

	node, err := store.GetNode("node-0")
	require.NoError(t, err)
	assert.Equal(t, types.RolePrimary, node.Role)

	_, err = store.GetCredential("root")
	require.NoError(t, err)

	holder, set, err := store.GetFlag(storage.FlagMaintenance)
	require.NoError(t, err)
	assert.True(t, set)
	assert.Equal(t, "restore-1", holder)

	applyCommand(t, fsm, OpClearFlag, flagChange{Name: storage.FlagMaintenance})
	_, set, err = store.GetFlag(storage.FlagMaintenance)
	require.NoError(t, err)
	assert.False(t, set)

	applyCommand(t, fsm, OpDeleteNode, "node-0")
	_, err = store.GetNode("node-0")
	assert.Error(t, err)
}

func TestFSMRejectsUnknownOp(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	fsm := newStateFSM(store)

	cmdData, err := json.Marshal(Command{Op: "drop_everything"})
	require.NoError(t, err)
	resp := fsm.Apply(&raft.Log{Data: cmdData})
	respErr, ok := resp.(error)
	require.True(t, ok)
	assert.Contains(t, respErr.Error(), "unknown command op")
}

type memorySink struct {
	bytes.Buffer
}

func (m *memorySink) ID() string    { return "snap-test" }
func (m *memorySink) Cancel() error { return nil }
func (m *memorySink) Close() error  { return nil }

func TestFSMSnapshotRestore(t *testing.T) {
	src, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer src.Close()

	fsm := newStateFSM(src)
	applyCommand(t, fsm, OpPutCluster, &types.Cluster{Name: "grove-0", Members: []string{"node-0"}})
	applyCommand(t, fsm, OpPutNode, &types.Node{ID: "node-0", Role: types.RolePrimary})

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))

	dst, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer dst.Close()

	restored := newStateFSM(dst)
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	cluster, err := dst.GetCluster()
	require.NoError(t, err)
	assert.Equal(t, "grove-0", cluster.Name)

	node, err := dst.GetNode("node-0")
	require.NoError(t, err)
	assert.Equal(t, types.RolePrimary, node.Role)
}
