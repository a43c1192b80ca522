package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/grovekit/grove/pkg/backup"
	"github.com/grovekit/grove/pkg/clusterset"
	"github.com/grovekit/grove/pkg/coordination"
	"github.com/grovekit/grove/pkg/engine"
	"github.com/grovekit/grove/pkg/events"
	"github.com/grovekit/grove/pkg/secrets"
	"github.com/grovekit/grove/pkg/storage"
	"github.com/grovekit/grove/pkg/tlsman"
	"github.com/grovekit/grove/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gtidA = "3e11fa47-71ca-11e1-9e33-c80aa9429562"

type fakeReconciler struct {
	health     types.ClusterHealth
	detail     string
	membership bool
	recreated  int
}

func (f *fakeReconciler) Health() (types.ClusterHealth, string) { return f.health, f.detail }
func (f *fakeReconciler) MembershipChangeActive() bool          { return f.membership }
func (f *fakeReconciler) Recreate(ctx context.Context) error {
	f.recreated++
	return nil
}

type fakeVoter struct {
	added   []string
	removed []string
}

func (f *fakeVoter) AddVoter(nodeID, address string) error { f.added = append(f.added, nodeID); return nil }
func (f *fakeVoter) RemoveServer(nodeID string) error      { f.removed = append(f.removed, nodeID); return nil }

type fixture struct {
	server     *httptest.Server
	store      storage.Store
	admin      *engine.FakeAdmin
	reconciler *fakeReconciler
	secrets    *secrets.Manager
	replica    *engine.FakeAdmin
	voter      *fakeVoter
	queue      *events.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.PutCluster(&types.Cluster{
		Name:      "grove",
		DomainID:  "grove-node-1",
		Members:   []string{"node-1", "node-2"},
		PrimaryID: "node-1",
		Health:    types.HealthOK,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.PutNode(&types.Node{ID: "node-1", Address: "node-1:3306", Role: types.RolePrimary}))
	require.NoError(t, store.PutNode(&types.Node{ID: "node-2", Address: "node-2:3306", Role: types.RoleMember}))

	admin := engine.NewFakeAdmin()
	admin.ClusterName = "grove"
	admin.SetGTID(gtidA + ":1-100")
	admin.SeedMember(engine.Member{ID: "node-1", State: engine.StateOnline, Primary: true})
	admin.SeedMember(engine.Member{ID: "node-2", State: engine.StateOnline, AppliedPosition: 3})

	authority := coordination.Static{Coordinator: true}

	sm, err := secrets.NewManager(store, authority, admin, secrets.DeriveKey("grove"))
	require.NoError(t, err)

	rec := &fakeReconciler{health: types.HealthOK, detail: "2 members"}
	backups := backup.NewCoordinator(store, backup.NewFakeObjectStore(),
		&backup.FakeSnapshotter{Payload: []byte("snapshot")}, admin, authority, rec)
	sets := clusterset.NewManager(store, admin, authority)

	replica := engine.NewFakeAdmin()
	replica.SetGTID(gtidA + ":1-50")

	voter := &fakeVoter{}
	queue := events.NewQueue()

	issuer, err := tlsman.NewLocalIssuer("grove")
	require.NoError(t, err)

	srv := NewServer(Options{
		Addr:       "127.0.0.1:0",
		SQLAddress: "node-1:3306",
		Store:      store,
		Admin:      admin,
		Reconciler: rec,
		Secrets:    sm,
		TLS:        tlsman.NewManager(store, issuer, admin, "node-1", t.TempDir()),
		Backups:    backups,
		ClusterSet: sets,
		Dial:       func(addr string) (engine.Admin, error) { return replica, nil },
		Voter:      voter,
		Queue:      queue,
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &fixture{
		server: ts, store: store, admin: admin, reconciler: rec,
		secrets: sm, replica: replica, voter: voter, queue: queue,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestClusterStatus(t *testing.T) {
	f := newFixture(t)

	resp, out := f.do(t, http.MethodGet, "/v1/cluster/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "grove", out["cluster_name"])
	assert.Equal(t, "ok", out["health"])
	assert.Equal(t, "node-1", out["primary_id"])
	assert.Len(t, out["members"], 2)
	assert.Nil(t, out["cluster_set"])
}

func TestClusterStatusWithClusterSet(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.PutClusterSet(&types.ClusterSet{
		DomainID:    "grove-node-1",
		PrimaryName: "grove",
	}))

	resp, out := f.do(t, http.MethodGet, "/v1/cluster/status?cluster-set=true", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, out["cluster_set"])
}

func TestPasswordRoundTrip(t *testing.T) {
	f := newFixture(t)
	_, err := f.secrets.Generate(context.Background(), "clusteradmin", types.ScopeCluster)
	require.NoError(t, err)

	resp, _ := f.do(t, http.MethodPut, "/v1/credentials/clusteradmin",
		SetPasswordCommand{Password: "supersecret1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out := f.do(t, http.MethodGet, "/v1/credentials/clusteradmin", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "supersecret1", out["password"])
}

func TestPasswordErrors(t *testing.T) {
	f := newFixture(t)

	resp, out := f.do(t, http.MethodGet, "/v1/credentials/nobody", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not-found", out["kind"])

	resp, out = f.do(t, http.MethodPut, "/v1/credentials/clusteradmin",
		SetPasswordCommand{Password: "short"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid-argument", out["kind"])
}

func TestBackupLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	resp, out := f.do(t, http.MethodPost, "/v1/backups", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	backupID, _ := out["ID"].(string)
	require.NotEmpty(t, backupID)

	resp, out = f.do(t, http.MethodGet, "/v1/backups", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["backups"], 1)

	resp, _ = f.do(t, http.MethodPost, "/v1/backups/"+backupID+"/restore", RestoreCommand{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRestoreConflictsMapTo409(t *testing.T) {
	f := newFixture(t)

	resp, out := f.do(t, http.MethodPost, "/v1/backups", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	backupID, _ := out["ID"].(string)

	f.reconciler.membership = true
	resp, out = f.do(t, http.MethodPost, "/v1/backups/"+backupID+"/restore", RestoreCommand{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflicting-operation", out["kind"])
}

func TestRestoreRejectsBadTimestamp(t *testing.T) {
	f := newFixture(t)

	resp, out := f.do(t, http.MethodPost, "/v1/backups/b-1/restore",
		RestoreCommand{RestoreToTime: "yesterday"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid-argument", out["kind"])
}

func TestPreUpgradeCheck(t *testing.T) {
	f := newFixture(t)

	resp, out := f.do(t, http.MethodPost, "/v1/upgrade/pre-check", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["ready"])

	require.NoError(t, f.store.SetFlag(storage.FlagMaintenance, "operator"))
	resp, out = f.do(t, http.MethodPost, "/v1/upgrade/pre-check", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out["ready"])
}

func TestPromoteUnitScope(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/cluster/promote",
		PromoteCommand{Scope: ScopeUnit, Target: "node-2"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, f.admin.Calls, "SetPrimary([node-2])")

	resp, out := f.do(t, http.MethodPost, "/v1/cluster/promote",
		PromoteCommand{Scope: ScopeUnit, Target: "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not-found", out["kind"])

	resp, out = f.do(t, http.MethodPost, "/v1/cluster/promote",
		map[string]interface{}{"scope": "region", "target": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid-argument", out["kind"])
}

func TestReplicationLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	// Offer plus link in one command.
	resp, _ := f.do(t, http.MethodPost, "/v1/clusterset/replication",
		CreateReplicationCommand{Name: "west", Address: "west-0:3306"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	set, err := f.store.GetClusterSet()
	require.NoError(t, err)
	assert.Equal(t, []string{"west"}, set.Replicas)

	// Forced promotion of the replica carries the operator warning.
	resp, out := f.do(t, http.MethodPost, "/v1/cluster/promote",
		PromoteCommand{Scope: ScopeCluster, Target: "west", Force: true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, out["warning"], "old primary")
}

func TestReplicationRejectsDivergedReplica(t *testing.T) {
	f := newFixture(t)
	f.replica.SetGTID(gtidA + ":1-200")

	resp, out := f.do(t, http.MethodPost, "/v1/clusterset/replication",
		CreateReplicationCommand{Name: "west", Address: "west-0:3306"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflicting-operation", out["kind"])
}

func TestRejoinClusterOverHTTP(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/clusterset/replication",
		CreateReplicationCommand{Name: "west", Address: "west-0:3306"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/clusterset/rejoin",
		RejoinClusterCommand{ClusterName: "west", Address: "west-0:3306"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSetTLSPrivateKey(t *testing.T) {
	f := newFixture(t)

	resp, out := f.do(t, http.MethodPut, "/v1/tls/key",
		SetTLSPrivateKeyCommand{InternalKey: "not pem material"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid-argument", out["kind"])

	// An empty key asks the node to generate a fresh one.
	resp, _ = f.do(t, http.MethodPut, "/v1/tls/key", SetTLSPrivateKeyCommand{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEnableAndDisableTLS(t *testing.T) {
	f := newFixture(t)

	resp, out := f.do(t, http.MethodPost, "/v1/tls/enable",
		EnableTLSCommand{DNSNames: []string{"db.internal"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, out["certificate_id"])

	cluster, err := f.store.GetCluster()
	require.NoError(t, err)
	assert.True(t, cluster.TLSEnabled, "joins must require certificates once TLS is on")

	resp, out = f.do(t, http.MethodPost, "/v1/tls/enable",
		map[string]interface{}{"ip_addresses": []string{"not-an-ip"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid-argument", out["kind"])

	resp, _ = f.do(t, http.MethodPost, "/v1/tls/disable", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cluster, err = f.store.GetCluster()
	require.NoError(t, err)
	assert.False(t, cluster.TLSEnabled)
}

func TestJoinAndLeaveFleet(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/cluster/join", JoinCommand{
		NodeID:      "node-3",
		RaftAddress: "node-3:7001",
		SQLAddress:  "node-3:3306",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"node-3"}, f.voter.added)

	ev := <-f.queue.Events()
	assert.Equal(t, events.NodeJoined, ev.Type)
	assert.Equal(t, "node-3", ev.NodeID)
	assert.Equal(t, "node-3:3306", ev.Address)

	resp, _ = f.do(t, http.MethodDelete, "/v1/cluster/nodes/node-2", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"node-2"}, f.voter.removed)

	ev = <-f.queue.Events()
	assert.Equal(t, events.NodeLeft, ev.Type)

	// Unknown nodes are rejected, not silently dropped.
	resp, out := f.do(t, http.MethodDelete, "/v1/cluster/nodes/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not-found", out["kind"])
}

func TestRecreateCluster(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/cluster/recreate", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, f.reconciler.recreated)
}
