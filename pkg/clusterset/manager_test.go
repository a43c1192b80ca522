package clusterset

import (
	"context"
	"testing"
	"time"

	"github.com/grovekit/grove/pkg/coordination"
	"github.com/grovekit/grove/pkg/engine"
	"github.com/grovekit/grove/pkg/errdefs"
	"github.com/grovekit/grove/pkg/storage"
	"github.com/grovekit/grove/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, coordinator bool) (*Manager, *engine.FakeAdmin, storage.Store) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.PutCluster(&types.Cluster{
		Name:      "main",
		DomainID:  "main-node-1",
		PrimaryID: "node-1",
		Health:    types.HealthOK,
		CreatedAt: time.Now().UTC(),
	}))

	admin := engine.NewFakeAdmin()
	admin.SetGTID(uuidA + ":1-100")

	return NewManager(store, admin, coordination.Static{Coordinator: coordinator}), admin, store
}

func TestOfferIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t, true)
	ctx := context.Background()

	set, err := m.Offer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", set.PrimaryName)
	assert.Equal(t, "main-node-1", set.DomainID)

	again, err := m.Offer(ctx)
	require.NoError(t, err)
	assert.Equal(t, set.DomainID, again.DomainID)
}

func TestOfferRequiresCoordinator(t *testing.T) {
	m, _, _ := newTestManager(t, false)

	_, err := m.Offer(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsPrecondition(err))
}

func TestLinkCompatibleReplica(t *testing.T) {
	m, _, store := newTestManager(t, true)
	ctx := context.Background()
	_, err := m.Offer(ctx)
	require.NoError(t, err)

	replica := engine.NewFakeAdmin()
	replica.SetGTID(uuidA + ":1-40")

	require.NoError(t, m.Link(ctx, "west", replica))
	assert.Equal(t, 1, len(replica.Calls)-1, "one CreateReplicaCluster after the GTID probe")
	assert.Contains(t, replica.Calls, "CreateReplicaCluster([west main-node-1])")

	set, err := store.GetClusterSet()
	require.NoError(t, err)
	assert.Equal(t, []string{"west"}, set.Replicas)

	// Linking again is a no-op, not an error.
	require.NoError(t, m.Link(ctx, "west", replica))
	set, err = store.GetClusterSet()
	require.NoError(t, err)
	assert.Equal(t, []string{"west"}, set.Replicas)
}

func TestLinkRejectsDivergedReplica(t *testing.T) {
	m, _, store := newTestManager(t, true)
	ctx := context.Background()
	_, err := m.Offer(ctx)
	require.NoError(t, err)

	replica := engine.NewFakeAdmin()
	replica.SetGTID(uuidA + ":1-40," + uuidB + ":1-3")

	err = m.Link(ctx, "west", replica)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
	assert.Contains(t, err.Error(), "clone")
	assert.NotContains(t, replica.Calls, "CreateReplicaCluster([west main-node-1])")

	set, err := store.GetClusterSet()
	require.NoError(t, err)
	assert.Empty(t, set.Replicas)
}

func TestLinkWithoutOffer(t *testing.T) {
	m, _, _ := newTestManager(t, true)

	err := m.Link(context.Background(), "west", engine.NewFakeAdmin())
	require.Error(t, err)
	assert.True(t, errdefs.IsPrecondition(err))
}

func TestGracefulPromoteRequiresCaughtUpReplica(t *testing.T) {
	m, admin, store := newTestManager(t, true)
	ctx := context.Background()
	_, err := m.Offer(ctx)
	require.NoError(t, err)

	replica := engine.NewFakeAdmin()
	replica.SetGTID(uuidA + ":1-100")
	require.NoError(t, m.Link(ctx, "west", replica))

	// The local admin now stands for the candidate cluster; it lags
	// the old primary.
	oldPrimary := engine.NewFakeAdmin()
	oldPrimary.SetGTID(uuidA + ":1-200")
	admin.SetGTID(uuidA + ":1-150")

	err = m.Promote(ctx, "west", false, oldPrimary)
	require.Error(t, err)
	assert.True(t, errdefs.IsPrecondition(err))

	// Caught up: promotion swaps primary and demotes the old one.
	admin.SetGTID(uuidA + ":1-200")
	require.NoError(t, m.Promote(ctx, "west", false, oldPrimary))

	set, err := store.GetClusterSet()
	require.NoError(t, err)
	assert.Equal(t, "west", set.PrimaryName)
	assert.Equal(t, []string{"main"}, set.Replicas)

	// Both engines were reconfigured, not just the record: the
	// candidate stopped replicating and the old primary now follows.
	assert.Contains(t, admin.Calls, "PromoteCluster([west])")
	assert.Contains(t, oldPrimary.Calls, "CreateReplicaCluster([main main-node-1])")
}

func TestForcedPromoteSkipsHistoryCheck(t *testing.T) {
	m, admin, store := newTestManager(t, true)
	ctx := context.Background()
	_, err := m.Offer(ctx)
	require.NoError(t, err)

	replica := engine.NewFakeAdmin()
	replica.SetGTID(uuidA + ":1-10")
	require.NoError(t, m.Link(ctx, "west", replica))

	admin.SetGTID(uuidA + ":1-10")

	// No reachable old primary; forced failover proceeds anyway.
	require.NoError(t, m.Promote(ctx, "west", true, nil))

	set, err := store.GetClusterSet()
	require.NoError(t, err)
	assert.Equal(t, "west", set.PrimaryName)
	assert.Contains(t, admin.Calls, "PromoteCluster([west])")
}

func TestPromoteValidatesTarget(t *testing.T) {
	m, _, _ := newTestManager(t, true)
	ctx := context.Background()
	_, err := m.Offer(ctx)
	require.NoError(t, err)

	err = m.Promote(ctx, "main", false, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))

	err = m.Promote(ctx, "nowhere", true, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRejoinAfterFailover(t *testing.T) {
	m, admin, store := newTestManager(t, true)
	ctx := context.Background()
	_, err := m.Offer(ctx)
	require.NoError(t, err)

	replica := engine.NewFakeAdmin()
	replica.SetGTID(uuidA + ":1-10")
	require.NoError(t, m.Link(ctx, "west", replica))
	require.NoError(t, m.Promote(ctx, "west", true, nil))

	// The demoted cluster never diverged, so it rejoins cleanly.
	old := engine.NewFakeAdmin()
	old.SetGTID(uuidA + ":1-50")
	admin.SetGTID(uuidA + ":1-100")

	require.NoError(t, m.Rejoin(ctx, "main", old))
	set, err := store.GetClusterSet()
	require.NoError(t, err)
	assert.Contains(t, set.Replicas, "main")

	// A diverged remnant is rejected with the clone instruction.
	diverged := engine.NewFakeAdmin()
	diverged.SetGTID(uuidA + ":1-50," + uuidB + ":1-2")
	err = m.Rejoin(ctx, "east", diverged)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
}
