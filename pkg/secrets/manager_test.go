package secrets

import (
	"context"
	"testing"

	"github.com/grovekit/grove/pkg/coordination"
	"github.com/grovekit/grove/pkg/engine"
	"github.com/grovekit/grove/pkg/errdefs"
	"github.com/grovekit/grove/pkg/storage"
	"github.com/grovekit/grove/pkg/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, coordinator bool) (*Manager, *engine.FakeAdmin) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := engine.NewFakeAdmin()
	mgr, err := NewManager(store, coordination.Static{Coordinator: coordinator}, fake, DeriveKey("dom-1"))
	require.NoError(t, err)
	return mgr, fake
}

func TestSetThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	mgr, fake := newTestManager(t, true)

	_, err := mgr.Generate(ctx, "serverconfig", types.ScopeCluster)
	require.NoError(t, err)

	_, err = mgr.Rotate(ctx, "serverconfig", "s3cret-value")
	require.NoError(t, err)

	got, err := mgr.Get("serverconfig")
	require.NoError(t, err)
	assert.Equal(t, "s3cret-value", got)
	assert.Equal(t, "s3cret-value", fake.Credentials["serverconfig"])
}

func TestRotateWithoutValueGeneratesFreshOne(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, true)

	_, err := mgr.Generate(ctx, "monitoring", types.ScopeCluster)
	require.NoError(t, err)
	before, err := mgr.Get("monitoring")
	require.NoError(t, err)

	_, err = mgr.Rotate(ctx, "monitoring", "")
	require.NoError(t, err)
	after, err := mgr.Get("monitoring")
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
	assert.Len(t, after, passwordLength)
}

func TestCredentialsReadableFromAnyNode(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, true)

	_, err := mgr.Generate(ctx, "clusteradmin", types.ScopeCluster)
	require.NoError(t, err)
	want, err := mgr.Get("clusteradmin")
	require.NoError(t, err)

	// A different node shares the store contents through replication
	// and derives the same key from the fleet identity. It must be
	// able to decrypt what the coordinator wrote.
	peer, err := NewManager(mgr.store, coordination.Static{}, engine.NewFakeAdmin(), DeriveKey("dom-1"))
	require.NoError(t, err)

	got, err := peer.Get("clusteradmin")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestNonCoordinatorCannotWrite(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, false)

	_, err := mgr.Generate(ctx, "serverconfig", types.ScopeCluster)
	assert.True(t, errdefs.IsPrecondition(err))
}

func TestUnknownCredentialIsNotFound(t *testing.T) {
	mgr, _ := newTestManager(t, true)

	_, err := mgr.Get("nobody")
	assert.True(t, errdefs.IsNotFound(err))

	_, err = mgr.Rotate(context.Background(), "nobody", "x")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestPendingApplyIsRetried(t *testing.T) {
	ctx := context.Background()
	mgr, fake := newTestManager(t, true)

	// Engine down during the write: the store write lands, the engine
	// apply is deferred.
	fake.FailNext("ApplyCredential", 1)
	_, err := mgr.Generate(ctx, "backups", types.ScopeCluster)
	require.NoError(t, err)

	pending, err := mgr.HasPending()
	require.NoError(t, err)
	assert.True(t, pending)
	assert.NotContains(t, fake.Credentials, "backups")

	// Next pass retries the engine apply.
	require.NoError(t, mgr.ApplyPending(ctx))

	pending, err = mgr.HasPending()
	require.NoError(t, err)
	assert.False(t, pending)

	value, err := mgr.Get("backups")
	require.NoError(t, err)
	assert.Equal(t, value, fake.Credentials["backups"])
}

func TestRelationLifecycle(t *testing.T) {
	ctx := context.Background()
	mgr, fake := newTestManager(t, true)

	_, first, err := mgr.EstablishRelation(ctx, "42")
	require.NoError(t, err)
	assert.Contains(t, fake.Credentials, "relation-42")

	// Relation credentials are never rotated.
	_, err = mgr.Rotate(ctx, "relation-42", "")
	assert.True(t, errdefs.IsInvalidArgument(err))

	require.NoError(t, mgr.TeardownRelation(ctx, "42"))
	assert.NotContains(t, fake.Credentials, "relation-42")
	_, err = mgr.Get("relation-42")
	assert.True(t, errdefs.IsNotFound(err))

	// Teardown twice is a no-op.
	require.NoError(t, mgr.TeardownRelation(ctx, "42"))

	// Re-establish mints a fresh value.
	_, second, err := mgr.EstablishRelation(ctx, "42")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestRotateProperty(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, true)
	_, err := mgr.Generate(ctx, "root", types.ScopeCluster)
	require.NoError(t, err)

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	// Any explicit value round-trips; a blank rotation always lands on
	// a value different from the previous one.
	properties.Property("set-then-get returns the value", prop.ForAll(
		func(value string) bool {
			if _, err := mgr.Rotate(ctx, "root", value); err != nil {
				return false
			}
			got, err := mgr.Get("root")
			return err == nil && got == value
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
	))

	properties.Property("blank rotation generates a new value", prop.ForAll(
		func(seed string) bool {
			if _, err := mgr.Rotate(ctx, "root", seed); err != nil {
				return false
			}
			if _, err := mgr.Rotate(ctx, "root", ""); err != nil {
				return false
			}
			got, err := mgr.Get("root")
			return err == nil && got != seed
		},
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
	))

	properties.TestingRun(t)
}
