package clusterset

import (
	"context"
	"time"

	"github.com/grovekit/grove/pkg/coordination"
	"github.com/grovekit/grove/pkg/engine"
	"github.com/grovekit/grove/pkg/errdefs"
	"github.com/grovekit/grove/pkg/log"
	"github.com/grovekit/grove/pkg/storage"
	"github.com/grovekit/grove/pkg/types"
	"github.com/rs/zerolog"
)

// Manager maintains the cluster set: one primary cluster plus its
// asynchronous replica clusters, all sharing a domain identity.
type Manager struct {
	store     storage.Store
	admin     engine.Admin
	authority coordination.Authority
	logger    zerolog.Logger
}

// NewManager wires a cluster set manager around the local cluster's
// engine handle.
func NewManager(store storage.Store, admin engine.Admin, authority coordination.Authority) *Manager {
	return &Manager{
		store:     store,
		admin:     admin,
		authority: authority,
		logger:    log.Component("clusterset"),
	}
}

// Offer publishes the local cluster as the primary of a (possibly
// new) cluster set and returns the handle replicas link against.
func (m *Manager) Offer(ctx context.Context) (*types.ClusterSet, error) {
	if !m.authority.IsCoordinator() {
		return nil, errdefs.Precondition("offer requires coordination authority")
	}

	cluster, err := m.store.GetCluster()
	if err != nil {
		return nil, err
	}

	if set, err := m.store.GetClusterSet(); err == nil {
		if set.PrimaryName != cluster.Name {
			return nil, errdefs.Conflict("cluster set %s already has primary %s", set.DomainID, set.PrimaryName)
		}
		return set, nil
	} else if !errdefs.IsNotFound(err) {
		return nil, err
	}

	set := &types.ClusterSet{
		DomainID:    cluster.DomainID,
		PrimaryName: cluster.Name,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.PutClusterSet(set); err != nil {
		return nil, err
	}

	m.logger.Info().Str("domain", set.DomainID).Msg("cluster set offered")
	return set, nil
}

// Link attaches a replica cluster to the set and starts asynchronous
// replication. The replica's committed history must be a subset of
// the primary's; a replica with independent commits is rejected and
// must be dissolved and recreated as a clone first.
func (m *Manager) Link(ctx context.Context, replicaName string, replica engine.Admin) error {
	if !m.authority.IsCoordinator() {
		return errdefs.Precondition("link requires coordination authority")
	}
	set, err := m.store.GetClusterSet()
	if err != nil {
		if errdefs.IsNotFound(err) {
			return errdefs.Precondition("no cluster set offered yet")
		}
		return err
	}
	if replicaName == set.PrimaryName {
		return errdefs.InvalidArgument("%s is the set's primary", replicaName)
	}
	for _, r := range set.Replicas {
		if r == replicaName {
			return nil // already linked
		}
	}

	primaryGTID, err := m.admin.ExecutedGTIDSet(ctx)
	if err != nil {
		return err
	}
	replicaGTID, err := replica.ExecutedGTIDSet(ctx)
	if err != nil {
		return err
	}
	ok, err := CompatibleHistories(replicaGTID, primaryGTID)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.Conflict(
			"cluster %s has committed transactions outside the primary's history; dissolve it and recreate as a clone before linking", replicaName)
	}

	if err := replica.CreateReplicaCluster(ctx, replicaName, set.DomainID); err != nil {
		return err
	}

	set.Replicas = append(set.Replicas, replicaName)
	if err := m.store.PutClusterSet(set); err != nil {
		return err
	}

	m.logger.Info().Str("replica", replicaName).Str("domain", set.DomainID).Msg("replica cluster linked")
	return nil
}

// Promote makes a replica cluster the set's primary.
//
// A graceful promotion requires the current primary's history to be
// fully contained in the candidate's, which holds once replication
// has caught up. With force set the check is skipped for failover to
// survive an unreachable primary; the operator must first ensure no
// remnant of the old primary can still accept writes. That
// verification cannot be automated and is logged as the operator's
// responsibility.
func (m *Manager) Promote(ctx context.Context, clusterName string, force bool, oldPrimary engine.Admin) error {
	if !m.authority.IsCoordinator() {
		return errdefs.Precondition("promote requires coordination authority")
	}
	set, err := m.store.GetClusterSet()
	if err != nil {
		if errdefs.IsNotFound(err) {
			return errdefs.Precondition("no cluster set offered yet")
		}
		return err
	}
	if clusterName == set.PrimaryName {
		return errdefs.InvalidArgument("%s is already the primary", clusterName)
	}
	idx := -1
	for i, r := range set.Replicas {
		if r == clusterName {
			idx = i
			break
		}
	}
	if idx == -1 {
		return errdefs.NotFound("cluster %s is not part of the set", clusterName)
	}

	if force {
		m.logger.Warn().Str("cluster", clusterName).
			Msg("forced promotion: operator must verify the old primary cannot accept writes")
	} else {
		if oldPrimary == nil {
			return errdefs.Precondition("graceful promotion needs the current primary reachable; use force for failover")
		}
		oldGTID, err := oldPrimary.ExecutedGTIDSet(ctx)
		if err != nil {
			return errdefs.Precondition("current primary unreachable (%v); use force for failover", err)
		}
		candidateGTID, err := m.admin.ExecutedGTIDSet(ctx)
		if err != nil {
			return err
		}
		caughtUp, err := CompatibleHistories(oldGTID, candidateGTID)
		if err != nil {
			return err
		}
		if !caughtUp {
			return errdefs.Precondition("cluster %s has not applied the primary's full history yet", clusterName)
		}
	}

	oldName := set.PrimaryName

	// Reconfigure the engines before touching the record: the
	// candidate stops replicating and accepts writes, and on the
	// graceful path the demoted primary is re-pointed as a replica.
	// A crash in between leaves the record on the old primary, which
	// a retried promote converges.
	if err := m.admin.PromoteCluster(ctx, clusterName); err != nil {
		return err
	}
	if !force && oldPrimary != nil {
		if err := oldPrimary.CreateReplicaCluster(ctx, oldName, set.DomainID); err != nil {
			return err
		}
	}

	set.PrimaryName = clusterName
	set.Replicas[idx] = oldName
	if err := m.store.PutClusterSet(set); err != nil {
		return err
	}

	m.logger.Info().Str("cluster", clusterName).Bool("force", force).Msg("cluster promoted to set primary")
	return nil
}

// Rejoin brings an invalidated replica cluster back into the set
// after a failover, provided its history never diverged from the new
// primary's.
func (m *Manager) Rejoin(ctx context.Context, clusterName string, replica engine.Admin) error {
	if !m.authority.IsCoordinator() {
		return errdefs.Precondition("rejoin requires coordination authority")
	}
	set, err := m.store.GetClusterSet()
	if err != nil {
		return err
	}
	if clusterName == set.PrimaryName {
		return errdefs.InvalidArgument("%s is the set's primary", clusterName)
	}

	primaryGTID, err := m.admin.ExecutedGTIDSet(ctx)
	if err != nil {
		return err
	}
	replicaGTID, err := replica.ExecutedGTIDSet(ctx)
	if err != nil {
		return err
	}
	ok, err := CompatibleHistories(replicaGTID, primaryGTID)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.Conflict(
			"cluster %s diverged from the set's history; dissolve it and recreate as a clone", clusterName)
	}

	if err := replica.CreateReplicaCluster(ctx, clusterName, set.DomainID); err != nil {
		return err
	}
	for _, r := range set.Replicas {
		if r == clusterName {
			return nil
		}
	}
	set.Replicas = append(set.Replicas, clusterName)
	return m.store.PutClusterSet(set)
}
