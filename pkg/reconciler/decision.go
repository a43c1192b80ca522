package reconciler

import (
	"sort"

	"github.com/grovekit/grove/pkg/engine"
	"github.com/grovekit/grove/pkg/errdefs"
	"github.com/grovekit/grove/pkg/types"
)

// OpKind is one single-step cluster transition. Multi-step gaps are
// closed by repeated passes, one step per cycle, so a crash between
// steps leaves a resumable state instead of a half-applied batch.
type OpKind string

const (
	OpNone OpKind = "none"
	// OpReassignPrimary moves the primary role off a node before it
	// is removed. Removing the primary directly is disallowed.
	OpReassignPrimary OpKind = "reassign-primary"
	OpRemoveMember    OpKind = "remove-member"
	OpPromote         OpKind = "promote"
	OpAddMember       OpKind = "add-member"
	OpSyncRoles       OpKind = "sync-roles"
)

// Operation is one step with its subject.
type Operation struct {
	Kind   OpKind
	NodeID string
}

// Decision is the per-pass reconciliation record: observed vs target
// plus the single next step. It is ephemeral, recomputed every cycle
// and never persisted or trusted across restarts.
type Decision struct {
	Observed *engine.Status
	Target   []*types.Node
	Step     Operation
}

// computeStep diffs observed state against target state and picks the
// single next operation.
//
// Priority order mirrors the safety constraints: first get the
// primary off any node leaving the cluster, then complete removals,
// then restore a missing primary, then grow membership, and only then
// settle role bookkeeping.
func computeStep(observed *engine.Status, target []*types.Node) (Operation, error) {
	targetByID := make(map[string]*types.Node, len(target))
	for _, n := range target {
		targetByID[n.ID] = n
	}

	// A member the engine reports that the target has never heard of
	// cannot be reconciled: removing it could destroy data we do not
	// own. Surface and block.
	for _, m := range observed.Members {
		if _, ok := targetByID[m.ID]; !ok {
			return Operation{}, errdefs.Structural("engine reports unknown member %s", m.ID)
		}
	}

	primaryID := observed.PrimaryID()

	// Removals first; they unblock scale-down and failed-node
	// replacement.
	for _, n := range sortedNodes(target) {
		if !n.MarkedForRemoval {
			continue
		}
		m, observedMember := observed.Member(n.ID)
		if !observedMember {
			continue // already gone from the group
		}
		if m.ID == primaryID && len(observed.Members) > 1 {
			// Reassign before removing; never remove the primary
			// while other members remain. No electable target (all
			// still recovering, say) defers the removal to a later
			// pass instead of orphaning the group.
			next := electPrimary(observed, targetByID, n.ID)
			if next == "" {
				return Operation{}, errdefs.Precondition(
					"no electable primary to replace %s, removal deferred", n.ID)
			}
			return Operation{Kind: OpReassignPrimary, NodeID: next}, nil
		}
		return Operation{Kind: OpRemoveMember, NodeID: n.ID}, nil
	}

	// Restore a missing or unreachable primary.
	if len(observed.Members) > 0 && !primaryIsHealthy(observed) {
		if next := electPrimary(observed, targetByID, ""); next != "" {
			return Operation{Kind: OpPromote, NodeID: next}, nil
		}
		// Members exist but none is electable: nothing to do but wait.
		return Operation{Kind: OpNone}, nil
	}

	// Grow membership, one node per pass.
	for _, n := range sortedNodes(target) {
		if n.MarkedForRemoval {
			continue
		}
		if _, ok := observed.Member(n.ID); ok {
			continue
		}
		if len(observed.Members) >= types.MaxClusterMembers {
			return Operation{}, errdefs.InvalidArgument(
				"cluster is at the %d-member ceiling", types.MaxClusterMembers)
		}
		return Operation{Kind: OpAddMember, NodeID: n.ID}, nil
	}

	return Operation{Kind: OpSyncRoles}, nil
}

// electPrimary picks the failover target: the most caught-up online
// secondary, ties broken by lowest node ID so the choice is
// deterministic. skip excludes the node being removed.
func electPrimary(observed *engine.Status, target map[string]*types.Node, skip string) string {
	var candidates []engine.Member
	for _, m := range observed.Members {
		if m.ID == skip || m.State != engine.StateOnline {
			continue
		}
		if n, ok := target[m.ID]; !ok || n.MarkedForRemoval {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].AppliedPosition != candidates[j].AppliedPosition {
			return candidates[i].AppliedPosition > candidates[j].AppliedPosition
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0].ID
}

func primaryIsHealthy(observed *engine.Status) bool {
	for _, m := range observed.Members {
		if m.Primary && m.State == engine.StateOnline {
			return true
		}
	}
	return false
}

func sortedNodes(nodes []*types.Node) []*types.Node {
	out := make([]*types.Node, len(nodes))
	copy(out, nodes)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
