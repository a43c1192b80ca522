package backup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/grovekit/grove/pkg/coordination"
	"github.com/grovekit/grove/pkg/engine"
	"github.com/grovekit/grove/pkg/errdefs"
	"github.com/grovekit/grove/pkg/log"
	"github.com/grovekit/grove/pkg/metrics"
	"github.com/grovekit/grove/pkg/storage"
	"github.com/grovekit/grove/pkg/types"
	"github.com/rs/zerolog"
)

// Topology is the slice of the reconciler the coordinator consults
// before a restore.
type Topology interface {
	MembershipChangeActive() bool
}

// Coordinator sequences backups and restores. It owns status
// bookkeeping and the maintenance window; the snapshot work itself is
// delegated to the Snapshotter and ObjectStore collaborators.
type Coordinator struct {
	store     storage.Store
	objects   ObjectStore
	snap      Snapshotter
	admin     engine.Admin
	authority coordination.Authority
	topology  Topology
	logger    zerolog.Logger
}

// NewCoordinator wires a backup coordinator.
func NewCoordinator(store storage.Store, objects ObjectStore, snap Snapshotter, admin engine.Admin, authority coordination.Authority, topology Topology) *Coordinator {
	return &Coordinator{
		store:     store,
		objects:   objects,
		snap:      snap,
		admin:     admin,
		authority: authority,
		topology:  topology,
		logger:    log.Component("backup"),
	}
}

// CreateBackup streams a snapshot from the most caught-up reachable
// secondary into object storage and records the result. The
// maintenance window is held for the duration so restores and
// membership changes stay out.
func (c *Coordinator) CreateBackup(ctx context.Context) (*types.Backup, error) {
	if !c.authority.IsCoordinator() {
		return nil, errdefs.Precondition("create-backup requires coordination authority")
	}
	if err := c.acquireWindow("backup"); err != nil {
		return nil, err
	}
	defer c.releaseWindow()

	status, err := c.admin.ClusterStatus(ctx)
	if err != nil {
		return nil, err
	}
	source, err := electSource(status)
	if err != nil {
		return nil, err
	}

	b := &types.Backup{
		ID:         uuid.New().String(),
		SourceNode: source.ID,
		Status:     types.BackupInProgress,
		StartedAt:  time.Now().UTC(),
	}
	b.Location = fmt.Sprintf("backups/%s/%s.snapshot", status.ClusterName, b.ID)
	if err := c.store.PutBackup(b); err != nil {
		return nil, err
	}

	c.logger.Info().Str("backup", b.ID).Str("source", source.ID).Msg("backup started")

	stream, err := c.snap.Dump(ctx, source.Address)
	if err != nil {
		return nil, c.fail(b, err)
	}

	size, err := c.objects.Upload(ctx, b.Location, stream, -1)
	if cerr := stream.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, c.fail(b, err)
	}

	b.Status = types.BackupCompleted
	b.Size = size
	b.FinishedAt = time.Now().UTC()
	if err := c.store.PutBackup(b); err != nil {
		return nil, err
	}

	metrics.BackupsTotal.WithLabelValues("completed").Inc()
	c.logger.Info().Str("backup", b.ID).Int64("size", size).Msg("backup completed")
	return b, nil
}

// ListBackups returns all recorded backups, newest first.
func (c *Coordinator) ListBackups() ([]*types.Backup, error) {
	backups, err := c.store.ListBackups()
	if err != nil {
		return nil, err
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].StartedAt.After(backups[j].StartedAt)
	})
	return backups, nil
}

// Restore loads a completed backup onto the local node. A non-zero
// pointInTime replays transactions up to that moment. Mutually
// exclusive with backups and with membership changes.
func (c *Coordinator) Restore(ctx context.Context, backupID string, localAddr string, pointInTime time.Time) error {
	if !c.authority.IsCoordinator() {
		return errdefs.Precondition("restore requires coordination authority")
	}

	b, err := c.store.GetBackup(backupID)
	if err != nil {
		return err
	}
	if b.Status != types.BackupCompleted {
		return errdefs.InvalidArgument("backup %s is %s, only completed backups restore", b.ID, b.Status)
	}
	if c.topology.MembershipChangeActive() {
		return errdefs.Conflict("membership change in progress, retry after it settles")
	}
	if err := c.acquireWindow("restore"); err != nil {
		return err
	}
	defer c.releaseWindow()

	stream, err := c.objects.Download(ctx, b.Location)
	if err != nil {
		return err
	}
	defer stream.Close()

	c.logger.Info().Str("backup", b.ID).Time("point_in_time", pointInTime).Msg("restore started")
	if err := c.snap.Load(ctx, localAddr, stream, pointInTime); err != nil {
		metrics.BackupsTotal.WithLabelValues("restore-failed").Inc()
		return err
	}

	metrics.BackupsTotal.WithLabelValues("restored").Inc()
	c.logger.Info().Str("backup", b.ID).Msg("restore completed")
	return nil
}

// Abandon marks an in-progress backup as failed. Backups are not
// preemptible mid-flight; abandoning only settles the record so the
// next pass can clean up.
func (c *Coordinator) Abandon(backupID string) error {
	b, err := c.store.GetBackup(backupID)
	if err != nil {
		return err
	}
	if b.Status != types.BackupInProgress {
		return errdefs.InvalidArgument("backup %s is %s, only in-progress backups can be abandoned", b.ID, b.Status)
	}
	b.Status = types.BackupFailed
	b.FinishedAt = time.Now().UTC()
	return c.store.PutBackup(b)
}

// acquireWindow takes the cooperative maintenance flag, refusing when
// someone else already holds it.
func (c *Coordinator) acquireWindow(reason string) error {
	holder, set, err := c.store.GetFlag(storage.FlagMaintenance)
	if err != nil {
		return err
	}
	if set {
		return errdefs.Conflict("maintenance window held by %s", holder)
	}
	return c.store.SetFlag(storage.FlagMaintenance, reason)
}

func (c *Coordinator) releaseWindow() {
	if err := c.store.ClearFlag(storage.FlagMaintenance); err != nil {
		c.logger.Warn().Err(err).Msg("failed to release maintenance window")
	}
}

func (c *Coordinator) fail(b *types.Backup, cause error) error {
	b.Status = types.BackupFailed
	b.FinishedAt = time.Now().UTC()
	if err := c.store.PutBackup(b); err != nil {
		c.logger.Warn().Err(err).Str("backup", b.ID).Msg("failed to record backup failure")
	}
	metrics.BackupsTotal.WithLabelValues("failed").Inc()
	return cause
}

// electSource picks the node to stream the snapshot from: the most
// caught-up online secondary, ties broken by lowest node ID. The
// primary is used only when it is the sole online member.
func electSource(status *engine.Status) (engine.Member, error) {
	var secondaries []engine.Member
	var primary *engine.Member
	for i, m := range status.Members {
		if m.State != engine.StateOnline {
			continue
		}
		if m.Primary {
			primary = &status.Members[i]
			continue
		}
		secondaries = append(secondaries, m)
	}

	if len(secondaries) > 0 {
		sort.Slice(secondaries, func(i, j int) bool {
			if secondaries[i].AppliedPosition != secondaries[j].AppliedPosition {
				return secondaries[i].AppliedPosition > secondaries[j].AppliedPosition
			}
			return secondaries[i].ID < secondaries[j].ID
		})
		return secondaries[0], nil
	}
	if primary != nil {
		return *primary, nil
	}
	return engine.Member{}, errdefs.Precondition("no online member to back up from")
}
