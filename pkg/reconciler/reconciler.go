package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grovekit/grove/pkg/coordination"
	"github.com/grovekit/grove/pkg/engine"
	"github.com/grovekit/grove/pkg/errdefs"
	"github.com/grovekit/grove/pkg/events"
	"github.com/grovekit/grove/pkg/log"
	"github.com/grovekit/grove/pkg/metrics"
	"github.com/grovekit/grove/pkg/storage"
	"github.com/grovekit/grove/pkg/types"
	"github.com/rs/zerolog"
)

// Cluster-wide service accounts that must exist in the peer state
// store before any member may join; a joining member authenticates
// with them during recovery.
var clusterCredentials = []string{"clusteradmin", "serverconfig", "monitoring", "backups"}

// CredentialManager is the slice of pkg/secrets the reconciler needs.
type CredentialManager interface {
	Generate(ctx context.Context, name string, scope types.CredentialScope) (*types.Credential, error)
	ApplyPending(ctx context.Context) error
}

// Config tunes a Reconciler.
type Config struct {
	NodeID      string
	Address     string
	ClusterName string

	// Transient engine failures retry with doubling delay from
	// RetryBaseDelay capped at RetryMaxDelay, at most MaxAttempts
	// times per pass, then the pass degrades health and yields.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxAttempts    int
}

func (c *Config) defaults() {
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
}

// Reconciler converges the cluster toward its target membership, one
// idempotent step per lifecycle event. It never assumes a prior
// operation succeeded: observed state is re-derived from the engine
// at the start of every pass.
type Reconciler struct {
	cfg       Config
	store     storage.Store
	authority coordination.Authority
	admin     engine.Admin
	creds     CredentialManager
	queue     *events.Queue
	logger    zerolog.Logger

	mu            sync.RWMutex
	health        types.ClusterHealth
	statusMessage string
	stepActive    bool

	wg sync.WaitGroup
}

// New creates a Reconciler consuming events from queue.
func New(cfg Config, store storage.Store, authority coordination.Authority, admin engine.Admin, creds CredentialManager, queue *events.Queue) *Reconciler {
	cfg.defaults()
	return &Reconciler{
		cfg:       cfg,
		store:     store,
		authority: authority,
		admin:     admin,
		creds:     creds,
		queue:     queue,
		logger:    log.Component("reconciler"),
		health:    types.HealthUnreachable,
	}
}

// Start launches the single reconciliation goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Stop shuts down the event queue and waits for the in-flight pass.
func (r *Reconciler) Stop() {
	r.queue.Stop()
	r.wg.Wait()
}

func (r *Reconciler) run(ctx context.Context) {
	for {
		select {
		case ev := <-r.queue.Events():
			r.handle(ctx, ev)
		case <-r.queue.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, ev events.Event) {
	start := time.Now()
	err := r.Pass(ctx, ev)
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.ReconcilePassesTotal.WithLabelValues("converged").Inc()
	case errdefs.IsPrecondition(err):
		metrics.ReconcilePassesTotal.WithLabelValues("deferred").Inc()
		r.logger.Info().Str("event", string(ev.Type)).Err(err).Msg("pass deferred")
	case errdefs.IsStructural(err):
		metrics.ReconcilePassesTotal.WithLabelValues("blocked").Inc()
		r.logger.Error().Str("event", string(ev.Type)).Err(err).Msg("pass blocked, operator intervention required")
	default:
		metrics.ReconcilePassesTotal.WithLabelValues("failed").Inc()
		r.logger.Warn().Str("event", string(ev.Type)).Err(err).Msg("pass failed")
	}
}

// Health returns the current health classification, which operators
// use to tell "still converging" from "stuck and needs help".
func (r *Reconciler) Health() (types.ClusterHealth, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health, r.statusMessage
}

// MembershipChangeActive reports whether a membership-mutating step
// is executing or durably marked in the peer state store. The backup
// coordinator refuses to start a restore while this holds.
func (r *Reconciler) MembershipChangeActive() bool {
	r.mu.RLock()
	active := r.stepActive
	r.mu.RUnlock()
	if active {
		return true
	}
	_, set, err := r.store.GetFlag(storage.FlagMembershipChange)
	if err != nil {
		return true // fail safe: refuse restores when state is unreadable
	}
	return set
}

func (r *Reconciler) setHealth(h types.ClusterHealth, msg string) {
	r.mu.Lock()
	r.health = h
	r.statusMessage = msg
	r.mu.Unlock()
}

// Pass runs one reconciliation cycle for one event. Exported so
// operator commands (and tests) can drive passes synchronously.
func (r *Reconciler) Pass(ctx context.Context, ev events.Event) error {
	// Fold the event into the target state first. Event handling must
	// stay idempotent: delivery is at-least-once.
	if err := r.applyEvent(ev); err != nil {
		return err
	}

	cluster, err := r.store.GetCluster()
	if errdefs.IsNotFound(err) {
		return r.bootstrap(ctx)
	}
	if err != nil {
		return err
	}

	observed, err := r.observe(ctx)
	if err != nil {
		if errdefs.IsTransient(err) {
			r.setHealth(types.HealthDegraded, "engine unreachable, retries exhausted")
		}
		return err
	}

	if !r.authority.IsCoordinator() {
		// Non-coordinators only verify their own membership; all
		// mutating decisions are deferred to the coordinator.
		r.verifyLocal(observed)
		return nil
	}

	return r.converge(ctx, cluster, observed)
}

// applyEvent folds a lifecycle signal into the target state.
func (r *Reconciler) applyEvent(ev events.Event) error {
	coordinating := r.authority.IsCoordinator()

	switch ev.Type {
	case events.NodeJoined:
		if !coordinating || ev.NodeID == "" {
			return nil
		}
		if existing, err := r.store.GetNode(ev.NodeID); err == nil {
			if existing.Address == ev.Address {
				return nil // duplicate delivery
			}
			existing.Address = ev.Address
			return r.store.PutNode(existing)
		}
		return r.store.PutNode(&types.Node{
			ID:        ev.NodeID,
			Address:   ev.Address,
			Role:      types.RoleUninitialized,
			CreatedAt: time.Now().UTC(),
		})

	case events.NodeLeft:
		if !coordinating || ev.NodeID == "" {
			return nil
		}
		node, err := r.store.GetNode(ev.NodeID)
		if errdefs.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		node.MarkedForRemoval = true
		return r.store.PutNode(node)

	case events.Tick, events.ConfigChanged:
		return nil
	}
	return nil
}

// bootstrap creates the cluster on the coordinating node. Shared
// credentials are published before the engine group exists so no
// member can ever observe a cluster without them.
func (r *Reconciler) bootstrap(ctx context.Context) error {
	if !r.authority.IsCoordinator() {
		return errdefs.Precondition("cluster not bootstrapped yet, waiting for coordinator")
	}

	for _, name := range clusterCredentials {
		if _, err := r.store.GetCredential(name); errdefs.IsNotFound(err) {
			if _, err := r.creds.Generate(ctx, name, types.ScopeCluster); err != nil {
				return fmt.Errorf("failed to generate credential %s: %w", name, err)
			}
		} else if err != nil {
			return err
		}
	}

	if err := r.withRetry(ctx, "CreateCluster", func(ctx context.Context) error {
		return r.admin.CreateCluster(ctx, r.cfg.ClusterName)
	}); err != nil {
		if errdefs.IsTransient(err) {
			r.setHealth(types.HealthDegraded, "bootstrap retries exhausted")
		}
		return err
	}
	if err := r.withRetry(ctx, "AddInstance", func(ctx context.Context) error {
		return r.admin.AddInstance(ctx, r.cfg.NodeID, r.cfg.Address)
	}); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := r.store.PutNode(&types.Node{
		ID:          r.cfg.NodeID,
		Address:     r.cfg.Address,
		Role:        types.RolePrimary,
		ClusterName: r.cfg.ClusterName,
		LastSeen:    now,
		CreatedAt:   now,
	}); err != nil {
		return err
	}
	if err := r.store.PutCluster(&types.Cluster{
		Name:      r.cfg.ClusterName,
		DomainID:  r.cfg.ClusterName + "-" + r.cfg.NodeID,
		Members:   []string{r.cfg.NodeID},
		PrimaryID: r.cfg.NodeID,
		Health:    types.HealthOK,
		CreatedAt: now,
	}); err != nil {
		return err
	}

	r.setHealth(types.HealthOK, "cluster bootstrapped")
	r.logger.Info().Str("cluster", r.cfg.ClusterName).Msg("cluster bootstrapped")
	return nil
}

func (r *Reconciler) observe(ctx context.Context) (*engine.Status, error) {
	var status *engine.Status
	err := r.withRetry(ctx, "ClusterStatus", func(ctx context.Context) error {
		var err error
		status, err = r.admin.ClusterStatus(ctx)
		return err
	})
	return status, err
}

// verifyLocal is the non-coordinator pass: confirm this node is
// correctly joined and leave every mutating decision alone.
func (r *Reconciler) verifyLocal(observed *engine.Status) {
	m, ok := observed.Member(r.cfg.NodeID)
	switch {
	case !ok:
		r.setHealth(types.HealthDegraded, "local node not yet a member")
	case m.State != engine.StateOnline:
		r.setHealth(types.HealthDegraded, fmt.Sprintf("local node state %s", m.State))
	default:
		r.setHealth(types.HealthOK, "member in sync")
	}
}

// converge is the coordinator's observe-diff-act cycle.
func (r *Reconciler) converge(ctx context.Context, cluster *types.Cluster, observed *engine.Status) error {
	// Crash recovery: this node is the only membership mutator, so a
	// leftover durable marker from a crashed pass is stale.
	if holder, set, err := r.store.GetFlag(storage.FlagMembershipChange); err == nil && set && holder == r.cfg.NodeID {
		if err := r.store.ClearFlag(storage.FlagMembershipChange); err != nil {
			return err
		}
	}

	// Credential writes that crashed between store and engine are
	// re-applied before anything else; members joining next need them.
	if err := r.creds.ApplyPending(ctx); err != nil && !errdefs.IsTransient(err) {
		return err
	}

	target, err := r.store.ListNodes()
	if err != nil {
		return err
	}

	step, err := computeStep(observed, target)
	if err != nil {
		if errdefs.IsStructural(err) {
			r.setHealth(types.HealthBlocked, err.Error())
		}
		return err
	}

	decision := Decision{Observed: observed, Target: target, Step: step}
	if step.Kind == OpNone {
		return nil
	}
	if step.Kind == OpSyncRoles {
		if changed := r.rejoinErrored(ctx, observed, target); changed {
			fresh, err := r.admin.ClusterStatus(ctx)
			if err == nil {
				observed = fresh
			}
		}
		return r.syncRoles(cluster, observed, target)
	}

	// Membership mutations respect the cooperative maintenance window.
	if holder, set, err := r.store.GetFlag(storage.FlagMaintenance); err != nil {
		return err
	} else if set {
		return errdefs.Precondition("maintenance window held by %s, membership change deferred", holder)
	}

	// Join preconditions: shared secrets, and certificates when TLS
	// is required. Joining before they exist must never happen.
	if step.Kind == OpAddMember {
		if err := r.joinPreconditions(cluster, step.NodeID); err != nil {
			return err
		}
	}

	return r.execute(ctx, cluster, decision)
}

// rejoinErrored re-attaches members the engine reports in an error
// state, such as a halted replication applier. Best effort: a failed
// rejoin leaves the member unreachable and the next pass tries again.
func (r *Reconciler) rejoinErrored(ctx context.Context, observed *engine.Status, target []*types.Node) bool {
	changed := false
	for _, n := range target {
		m, ok := observed.Member(n.ID)
		if !ok || m.State != engine.StateError {
			continue
		}
		if err := r.admin.Rejoin(ctx, n.ID); err != nil {
			r.logger.Warn().Err(err).Str("node", n.ID).Msg("rejoin attempt failed")
			continue
		}
		r.logger.Info().Str("node", n.ID).Msg("rejoined errored member")
		changed = true
	}
	return changed
}

func (r *Reconciler) joinPreconditions(cluster *types.Cluster, nodeID string) error {
	for _, name := range clusterCredentials {
		if _, err := r.store.GetCredential(name); err != nil {
			if errdefs.IsNotFound(err) {
				return errdefs.Precondition("credential %s missing, join deferred", name)
			}
			return err
		}
	}
	if !cluster.TLSEnabled {
		return nil
	}
	certs, err := r.store.ListCertificates()
	if err != nil {
		return err
	}
	for _, cert := range certs {
		if cert.NodeID == nodeID && cert.SupersededBy == "" && !cert.SelfIssued {
			return nil
		}
	}
	return errdefs.Precondition("certificate for %s missing, join deferred", nodeID)
}

func (r *Reconciler) execute(ctx context.Context, cluster *types.Cluster, decision Decision) error {
	step := decision.Step

	r.mu.Lock()
	r.stepActive = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.stepActive = false
		r.mu.Unlock()
	}()

	if err := r.store.SetFlag(storage.FlagMembershipChange, r.cfg.NodeID); err != nil {
		return err
	}
	defer func() {
		if err := r.store.ClearFlag(storage.FlagMembershipChange); err != nil {
			r.logger.Warn().Err(err).Msg("failed to clear membership-change marker")
		}
	}()

	r.logger.Info().Str("op", string(step.Kind)).Str("node", step.NodeID).Msg("executing step")

	var opErr error
	switch step.Kind {
	case OpAddMember:
		opErr = r.addMember(ctx, step.NodeID)
	case OpRemoveMember:
		opErr = r.removeMember(ctx, step.NodeID)
	case OpPromote, OpReassignPrimary:
		opErr = r.withRetry(ctx, "SetPrimary", func(ctx context.Context) error {
			return r.admin.SetPrimary(ctx, step.NodeID)
		})
	default:
		opErr = fmt.Errorf("unexpected step %s", step.Kind)
	}

	if opErr != nil {
		if errdefs.IsTransient(opErr) {
			r.setHealth(types.HealthDegraded, fmt.Sprintf("%s retries exhausted", step.Kind))
		}
		return opErr
	}

	// Re-observe and settle bookkeeping; the step may have changed
	// primaries and roles.
	observed, err := r.observe(ctx)
	if err != nil {
		return err
	}
	target, err := r.store.ListNodes()
	if err != nil {
		return err
	}
	return r.syncRoles(cluster, observed, target)
}

func (r *Reconciler) addMember(ctx context.Context, nodeID string) error {
	node, err := r.store.GetNode(nodeID)
	if err != nil {
		return err
	}

	node.Role = types.RoleJoining
	node.ClusterName = r.cfg.ClusterName
	if err := r.store.PutNode(node); err != nil {
		return err
	}

	return r.withRetry(ctx, "AddInstance", func(ctx context.Context) error {
		return r.admin.AddInstance(ctx, node.ID, node.Address)
	})
}

func (r *Reconciler) removeMember(ctx context.Context, nodeID string) error {
	if err := r.withRetry(ctx, "RemoveInstance", func(ctx context.Context) error {
		return r.admin.RemoveInstance(ctx, nodeID)
	}); err != nil {
		return err
	}
	return r.store.DeleteNode(nodeID)
}

// syncRoles records the observed roles into the peer state store and
// classifies cluster health.
func (r *Reconciler) syncRoles(cluster *types.Cluster, observed *engine.Status, target []*types.Node) error {
	var members []string
	degraded := false

	for _, n := range target {
		m, ok := observed.Member(n.ID)
		var role types.NodeRole
		switch {
		case !ok:
			role = types.RoleUninitialized
		case m.Primary && m.State == engine.StateOnline:
			role = types.RolePrimary
		case m.State == engine.StateOnline:
			role = types.RoleMember
		case m.State == engine.StateRecovering:
			role = types.RoleJoining
		default:
			role = types.RoleUnreachable
			degraded = true
		}
		if ok {
			members = append(members, n.ID)
		}
		if n.Role != role {
			n.Role = role
			n.LastSeen = time.Now().UTC()
			if err := r.store.PutNode(n); err != nil {
				return err
			}
		}
	}

	cluster.Members = members
	cluster.PrimaryID = observed.PrimaryID()
	switch {
	case len(members) == 0:
		cluster.Health = types.HealthUnreachable
	case degraded || cluster.PrimaryID == "":
		cluster.Health = types.HealthDegraded
	default:
		cluster.Health = types.HealthOK
	}
	if err := r.store.PutCluster(cluster); err != nil {
		return err
	}

	r.setHealth(cluster.Health, fmt.Sprintf("%d members, primary %s", len(members), cluster.PrimaryID))
	return nil
}

// Recreate dissolves the local cluster and bootstraps a fresh one
// from local data. Used after restoring a backup onto a new fleet.
func (r *Reconciler) Recreate(ctx context.Context) error {
	if !r.authority.IsCoordinator() {
		return errdefs.Precondition("recreate-cluster requires coordination authority")
	}
	if r.MembershipChangeActive() {
		return errdefs.Conflict("membership change in progress")
	}

	if err := r.withRetry(ctx, "Dissolve", func(ctx context.Context) error {
		return r.admin.Dissolve(ctx)
	}); err != nil {
		return err
	}

	// Forget every peer except the local node; they rejoin through
	// fresh lifecycle events.
	nodes, err := r.store.ListNodes()
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.ID == r.cfg.NodeID {
			continue
		}
		if err := r.store.DeleteNode(n.ID); err != nil {
			return err
		}
	}
	if err := r.store.DeleteCluster(); err != nil {
		return err
	}
	return r.bootstrap(ctx)
}

// withRetry retries transient failures with doubling delay. Anything
// non-transient returns immediately.
func (r *Reconciler) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := r.cfg.RetryBaseDelay
	var err error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !errdefs.IsTransient(err) {
			return err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		metrics.EngineRetriesTotal.Inc()
		r.logger.Debug().Str("op", op).Int("attempt", attempt).Err(err).Msg("transient failure, backing off")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > r.cfg.RetryMaxDelay {
			delay = r.cfg.RetryMaxDelay
		}
	}
	return err
}
