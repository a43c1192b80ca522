package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grovekit/grove/pkg/errdefs"
)

// FakeAdmin is an in-memory Admin for tests. Failures can be injected
// per operation, and every call is recorded so tests can assert on
// the exact operation sequence the reconciler emitted.
type FakeAdmin struct {
	mu sync.Mutex

	ClusterName string
	members     map[string]*Member
	gtid        string
	Credentials map[string]string
	Tuning      map[string]string

	// failures[op] holds the number of times op will fail with a
	// transient error before succeeding again.
	failures map[string]int
	// Calls records "op(args)" strings in issue order.
	Calls []string
}

// NewFakeAdmin returns an empty fake engine.
func NewFakeAdmin() *FakeAdmin {
	return &FakeAdmin{
		members:     make(map[string]*Member),
		Credentials: make(map[string]string),
		Tuning:      make(map[string]string),
		failures:    make(map[string]int),
	}
}

// FailNext makes the next n calls of op fail with a transient error.
func (f *FakeAdmin) FailNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = n
}

// SeedMember pre-populates an observed member.
func (f *FakeAdmin) SeedMember(m Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := m
	f.members[m.ID] = &cp
}

// SetGTID sets the executed GTID set the fake reports.
func (f *FakeAdmin) SetGTID(set string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gtid = set
}

// MarkUnreachable flips a member's observed state.
func (f *FakeAdmin) MarkUnreachable(nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.members[nodeID]; ok {
		m.State = StateUnreachable
		m.Primary = false
	}
}

// MarkErrored puts a member into the applier-error state.
func (f *FakeAdmin) MarkErrored(nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.members[nodeID]; ok {
		m.State = StateError
		m.Primary = false
	}
}

func (f *FakeAdmin) record(op string, args ...interface{}) error {
	call := op
	if len(args) > 0 {
		call = fmt.Sprintf("%s(%v)", op, args)
	}
	f.Calls = append(f.Calls, call)

	if n := f.failures[op]; n > 0 {
		f.failures[op] = n - 1
		return errdefs.Transient("injected %s failure", op)
	}
	return nil
}

func (f *FakeAdmin) CreateCluster(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateCluster", name); err != nil {
		return err
	}
	f.ClusterName = name
	return nil
}

func (f *FakeAdmin) ClusterStatus(ctx context.Context) (*Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ClusterStatus"); err != nil {
		return nil, err
	}

	status := &Status{ClusterName: f.ClusterName}
	ids := make([]string, 0, len(f.members))
	for id := range f.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		status.Members = append(status.Members, *f.members[id])
	}
	return status, nil
}

func (f *FakeAdmin) AddInstance(ctx context.Context, nodeID, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddInstance", nodeID); err != nil {
		return err
	}
	if _, ok := f.members[nodeID]; ok {
		return nil
	}
	m := &Member{ID: nodeID, Address: address, State: StateOnline}
	if len(f.members) == 0 {
		m.Primary = true
	}
	f.members[nodeID] = m
	return nil
}

func (f *FakeAdmin) RemoveInstance(ctx context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveInstance", nodeID); err != nil {
		return err
	}
	delete(f.members, nodeID)
	return nil
}

func (f *FakeAdmin) SetPrimary(ctx context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetPrimary", nodeID); err != nil {
		return err
	}
	m, ok := f.members[nodeID]
	if !ok {
		return errdefs.NotFound("member %s", nodeID)
	}
	for _, other := range f.members {
		other.Primary = false
	}
	m.Primary = true
	return nil
}

func (f *FakeAdmin) Rejoin(ctx context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Rejoin", nodeID); err != nil {
		return err
	}
	m, ok := f.members[nodeID]
	if !ok {
		return errdefs.NotFound("member %s", nodeID)
	}
	m.State = StateOnline
	return nil
}

func (f *FakeAdmin) Dissolve(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Dissolve"); err != nil {
		return err
	}
	f.members = make(map[string]*Member)
	f.ClusterName = ""
	return nil
}

func (f *FakeAdmin) CreateReplicaCluster(ctx context.Context, name, domainID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateReplicaCluster", name, domainID); err != nil {
		return err
	}
	f.ClusterName = name
	return nil
}

func (f *FakeAdmin) PromoteCluster(ctx context.Context, clusterName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("PromoteCluster", clusterName)
}

func (f *FakeAdmin) ExecutedGTIDSet(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ExecutedGTIDSet"); err != nil {
		return "", err
	}
	return f.gtid, nil
}

func (f *FakeAdmin) ApplyCredential(ctx context.Context, username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ApplyCredential", username); err != nil {
		return err
	}
	f.Credentials[username] = password
	return nil
}

func (f *FakeAdmin) DropCredential(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DropCredential", username); err != nil {
		return err
	}
	delete(f.Credentials, username)
	return nil
}

func (f *FakeAdmin) InstallCertificate(ctx context.Context, certPEM, keyPEM, chainPEM []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("InstallCertificate")
}

func (f *FakeAdmin) ApplyTuning(ctx context.Context, vars map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ApplyTuning"); err != nil {
		return err
	}
	for k, v := range vars {
		f.Tuning[k] = v
	}
	return nil
}

// MemberIDs returns the fake's current membership, sorted.
func (f *FakeAdmin) MemberIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.members))
	for id := range f.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
