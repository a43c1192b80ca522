package reconciler

import (
	"testing"

	"github.com/grovekit/grove/pkg/engine"
	"github.com/grovekit/grove/pkg/errdefs"
	"github.com/grovekit/grove/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func targetNodes(ids ...string) []*types.Node {
	nodes := make([]*types.Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, &types.Node{ID: id, Address: id + ":3306"})
	}
	return nodes
}

func TestComputeStepGrowsOneNodePerPass(t *testing.T) {
	observed := &engine.Status{Members: []engine.Member{
		{ID: "node-1", State: engine.StateOnline, Primary: true},
	}}

	step, err := computeStep(observed, targetNodes("node-1", "node-2", "node-3"))
	require.NoError(t, err)
	assert.Equal(t, OpAddMember, step.Kind)
	assert.Equal(t, "node-2", step.NodeID)
}

func TestComputeStepSyncWhenConverged(t *testing.T) {
	observed := &engine.Status{Members: []engine.Member{
		{ID: "node-1", State: engine.StateOnline, Primary: true},
		{ID: "node-2", State: engine.StateOnline},
	}}

	step, err := computeStep(observed, targetNodes("node-1", "node-2"))
	require.NoError(t, err)
	assert.Equal(t, OpSyncRoles, step.Kind)
}

func TestComputeStepPromotesMostCaughtUp(t *testing.T) {
	observed := &engine.Status{Members: []engine.Member{
		{ID: "node-1", State: engine.StateUnreachable},
		{ID: "node-2", State: engine.StateOnline, AppliedPosition: 5},
		{ID: "node-3", State: engine.StateOnline, AppliedPosition: 9},
	}}

	step, err := computeStep(observed, targetNodes("node-1", "node-2", "node-3"))
	require.NoError(t, err)
	assert.Equal(t, OpPromote, step.Kind)
	assert.Equal(t, "node-3", step.NodeID)
}

func TestComputeStepPromoteTieBreaksByNodeID(t *testing.T) {
	observed := &engine.Status{Members: []engine.Member{
		{ID: "node-1", State: engine.StateUnreachable},
		{ID: "node-3", State: engine.StateOnline, AppliedPosition: 7},
		{ID: "node-2", State: engine.StateOnline, AppliedPosition: 7},
	}}

	step, err := computeStep(observed, targetNodes("node-1", "node-2", "node-3"))
	require.NoError(t, err)
	assert.Equal(t, OpPromote, step.Kind)
	assert.Equal(t, "node-2", step.NodeID)
}

func TestComputeStepNoElectableCandidate(t *testing.T) {
	observed := &engine.Status{Members: []engine.Member{
		{ID: "node-1", State: engine.StateUnreachable},
	}}

	step, err := computeStep(observed, targetNodes("node-1"))
	require.NoError(t, err)
	assert.Equal(t, OpNone, step.Kind)
}

func TestComputeStepReassignsPrimaryBeforeRemoval(t *testing.T) {
	observed := &engine.Status{Members: []engine.Member{
		{ID: "node-1", State: engine.StateOnline, Primary: true},
		{ID: "node-2", State: engine.StateOnline},
	}}
	target := targetNodes("node-1", "node-2")
	target[0].MarkedForRemoval = true

	step, err := computeStep(observed, target)
	require.NoError(t, err)
	assert.Equal(t, OpReassignPrimary, step.Kind)
	assert.Equal(t, "node-2", step.NodeID)

	// Once the primary role has moved, removal proceeds.
	observed.Members[0].Primary = false
	observed.Members[1].Primary = true

	step, err = computeStep(observed, target)
	require.NoError(t, err)
	assert.Equal(t, OpRemoveMember, step.Kind)
	assert.Equal(t, "node-1", step.NodeID)
}

func TestComputeStepDefersPrimaryRemovalWithoutCandidate(t *testing.T) {
	// The only other member is still recovering, so there is nowhere
	// to move the primary role. Removing node-1 anyway would leave a
	// group with members and no primary.
	observed := &engine.Status{Members: []engine.Member{
		{ID: "node-1", State: engine.StateOnline, Primary: true},
		{ID: "node-2", State: engine.StateRecovering},
	}}
	target := targetNodes("node-1", "node-2")
	target[0].MarkedForRemoval = true

	_, err := computeStep(observed, target)
	require.Error(t, err)
	assert.True(t, errdefs.IsPrecondition(err))

	// Once the survivor is online, reassignment proceeds as usual.
	observed.Members[1].State = engine.StateOnline
	step, err := computeStep(observed, target)
	require.NoError(t, err)
	assert.Equal(t, OpReassignPrimary, step.Kind)
	assert.Equal(t, "node-2", step.NodeID)
}

func TestComputeStepRemovalBeforeGrowth(t *testing.T) {
	observed := &engine.Status{Members: []engine.Member{
		{ID: "node-1", State: engine.StateOnline, Primary: true},
		{ID: "node-2", State: engine.StateOnline},
	}}
	target := targetNodes("node-1", "node-2", "node-3")
	target[1].MarkedForRemoval = true

	step, err := computeStep(observed, target)
	require.NoError(t, err)
	assert.Equal(t, OpRemoveMember, step.Kind)
	assert.Equal(t, "node-2", step.NodeID)
}

func TestComputeStepBlocksOnUnknownMember(t *testing.T) {
	observed := &engine.Status{Members: []engine.Member{
		{ID: "node-1", State: engine.StateOnline, Primary: true},
		{ID: "ghost", State: engine.StateOnline},
	}}

	_, err := computeStep(observed, targetNodes("node-1"))
	require.Error(t, err)
	assert.True(t, errdefs.IsStructural(err))
}

func TestComputeStepEnforcesMemberCeiling(t *testing.T) {
	var members []engine.Member
	var ids []string
	for i := 0; i < types.MaxClusterMembers; i++ {
		id := string(rune('a' + i))
		m := engine.Member{ID: id, State: engine.StateOnline}
		if i == 0 {
			m.Primary = true
		}
		members = append(members, m)
		ids = append(ids, id)
	}
	ids = append(ids, "z")

	_, err := computeStep(&engine.Status{Members: members}, targetNodes(ids...))
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
}
