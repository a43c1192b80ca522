package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grovekit/grove/pkg/backup"
	"github.com/grovekit/grove/pkg/clusterset"
	"github.com/grovekit/grove/pkg/engine"
	"github.com/grovekit/grove/pkg/errdefs"
	"github.com/grovekit/grove/pkg/events"
	"github.com/grovekit/grove/pkg/log"
	"github.com/grovekit/grove/pkg/secrets"
	"github.com/grovekit/grove/pkg/storage"
	"github.com/grovekit/grove/pkg/tlsman"
	"github.com/grovekit/grove/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Reconciler is the slice of the topology reconciler the command
// surface consults.
type Reconciler interface {
	Health() (types.ClusterHealth, string)
	MembershipChangeActive() bool
	Recreate(ctx context.Context) error
}

// EngineDialer opens an engine handle on a remote cluster, used for
// cross-cluster link, promote, and rejoin commands.
type EngineDialer func(addr string) (engine.Admin, error)

// Voter manages coordination group membership; agents joining or
// leaving the fleet register here first.
type Voter interface {
	AddVoter(nodeID, address string) error
	RemoveServer(nodeID string) error
}

// Server is the operator command surface. Every command returns a
// structured result or a typed error kind; engine internals never
// leak to the operator.
type Server struct {
	addr       string
	sqlAddress string

	store      storage.Store
	admin      engine.Admin
	reconciler Reconciler
	secrets    *secrets.Manager
	tls        *tlsman.Manager
	backups    *backup.Coordinator
	clusterset *clusterset.Manager
	dial       EngineDialer
	voter      Voter
	queue      *events.Queue
	logger     zerolog.Logger

	srv *http.Server
}

// Options carries the server's collaborators.
type Options struct {
	Addr       string
	SQLAddress string
	Store      storage.Store
	Admin      engine.Admin
	Reconciler Reconciler
	Secrets    *secrets.Manager
	TLS        *tlsman.Manager
	Backups    *backup.Coordinator
	ClusterSet *clusterset.Manager
	Dial       EngineDialer
	Voter      Voter
	Queue      *events.Queue
}

// NewServer builds the command surface.
func NewServer(opts Options) *Server {
	return &Server{
		addr:       opts.Addr,
		sqlAddress: opts.SQLAddress,
		store:      opts.Store,
		admin:      opts.Admin,
		reconciler: opts.Reconciler,
		secrets:    opts.Secrets,
		tls:        opts.TLS,
		backups:    opts.Backups,
		clusterset: opts.ClusterSet,
		dial:       opts.Dial,
		voter:      opts.Voter,
		queue:      opts.Queue,
		logger:     log.Component("api"),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/cluster/status", s.handleClusterStatus)
		r.Post("/cluster/promote", s.handlePromote)
		r.Post("/cluster/recreate", s.handleRecreate)
		r.Post("/cluster/join", s.handleJoin)
		r.Delete("/cluster/nodes/{id}", s.handleLeave)

		r.Get("/credentials/{username}", s.handleGetPassword)
		r.Put("/credentials/{username}", s.handleSetPassword)

		r.Put("/tls/key", s.handleSetTLSPrivateKey)
		r.Post("/tls/enable", s.handleEnableTLS)
		r.Post("/tls/disable", s.handleDisableTLS)

		r.Post("/backups", s.handleCreateBackup)
		r.Get("/backups", s.handleListBackups)
		r.Post("/backups/{id}/restore", s.handleRestore)

		r.Post("/upgrade/pre-check", s.handlePreUpgradeCheck)

		r.Post("/clusterset/replication", s.handleCreateReplication)
		r.Post("/clusterset/rejoin", s.handleRejoinCluster)
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", s.addr).Msg("command surface listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// statusResponse is the get-cluster-status result.
type statusResponse struct {
	ClusterName string            `json:"cluster_name"`
	DomainID    string            `json:"domain_id,omitempty"`
	Health      string            `json:"health"`
	Detail      string            `json:"detail,omitempty"`
	PrimaryID   string            `json:"primary_id,omitempty"`
	Members     []memberStatus    `json:"members"`
	TLSEnabled  bool              `json:"tls_enabled"`
	ClusterSet  *types.ClusterSet `json:"cluster_set,omitempty"`
}

type memberStatus struct {
	ID      string `json:"id"`
	Address string `json:"address,omitempty"`
	Role    string `json:"role"`
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	cluster, err := s.store.GetCluster()
	if err != nil {
		s.writeError(w, err)
		return
	}
	nodes, err := s.store.ListNodes()
	if err != nil {
		s.writeError(w, err)
		return
	}

	health, detail := s.reconciler.Health()
	resp := statusResponse{
		ClusterName: cluster.Name,
		DomainID:    cluster.DomainID,
		Health:      string(health),
		Detail:      detail,
		PrimaryID:   cluster.PrimaryID,
		TLSEnabled:  cluster.TLSEnabled,
	}
	for _, n := range nodes {
		resp.Members = append(resp.Members, memberStatus{ID: n.ID, Address: n.Address, Role: string(n.Role)})
	}

	if r.URL.Query().Get("cluster-set") == "true" {
		set, err := s.store.GetClusterSet()
		if err != nil && !errdefs.IsNotFound(err) {
			s.writeError(w, err)
			return
		}
		resp.ClusterSet = set
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPassword(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	password, err := s.secrets.Get(username)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"username": username,
		"password": password,
	})
}

func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	var cmd SetPasswordCommand
	if err := decode(r.Body, &cmd); err != nil {
		s.writeError(w, err)
		return
	}
	username := chi.URLParam(r, "username")

	cred, err := s.secrets.Rotate(r.Context(), username, cmd.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"username": username,
		"version":  cred.Version,
	})
}

func (s *Server) handleSetTLSPrivateKey(w http.ResponseWriter, r *http.Request) {
	var cmd SetTLSPrivateKeyCommand
	if err := decode(r.Body, &cmd); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.tls.InstallPrivateKey([]byte(cmd.InternalKey)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "key installed"})
}

func (s *Server) handleEnableTLS(w http.ResponseWriter, r *http.Request) {
	var cmd EnableTLSCommand
	if err := decode(r.Body, &cmd); err != nil {
		s.writeError(w, err)
		return
	}
	ips := make([]net.IP, 0, len(cmd.IPAddresses))
	for _, raw := range cmd.IPAddresses {
		ips = append(ips, net.ParseIP(raw))
	}

	cert, err := s.tls.Enable(r.Context(), cmd.DNSNames, ips)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.setClusterTLS(true); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"certificate_id": cert.ID,
		"issuer":         cert.Issuer,
		"not_after":      cert.NotAfter,
	})
}

func (s *Server) handleDisableTLS(w http.ResponseWriter, r *http.Request) {
	if _, err := s.tls.Disable(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.setClusterTLS(false); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "tls disabled"})
}

// setClusterTLS flips the join precondition: while true, the
// reconciler defers joins for nodes without issued certificates.
func (s *Server) setClusterTLS(enabled bool) error {
	cluster, err := s.store.GetCluster()
	if err != nil {
		return err
	}
	if cluster.TLSEnabled == enabled {
		return nil
	}
	cluster.TLSEnabled = enabled
	return s.store.PutCluster(cluster)
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	b, err := s.backups.CreateBackup(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.backups.ListBackups()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"backups": backups})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var cmd RestoreCommand
	if err := decode(r.Body, &cmd); err != nil {
		s.writeError(w, err)
		return
	}
	pit, err := cmd.PointInTime()
	if err != nil {
		s.writeError(w, err)
		return
	}

	backupID := chi.URLParam(r, "id")
	if err := s.backups.Restore(r.Context(), backupID, s.sqlAddress, pit); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"result":    "restored",
		"backup_id": backupID,
	})
}

// upgradeCheck is one pre-upgrade verification.
type upgradeCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) handlePreUpgradeCheck(w http.ResponseWriter, r *http.Request) {
	var checks []upgradeCheck

	health, detail := s.reconciler.Health()
	checks = append(checks, upgradeCheck{
		Name:   "cluster-health",
		OK:     health == types.HealthOK,
		Detail: detail,
	})

	active := s.reconciler.MembershipChangeActive()
	checks = append(checks, upgradeCheck{
		Name: "no-membership-change",
		OK:   !active,
	})

	holder, set, err := s.store.GetFlag(storage.FlagMaintenance)
	if err != nil {
		s.writeError(w, err)
		return
	}
	check := upgradeCheck{Name: "no-maintenance-window", OK: !set}
	if set {
		check.Detail = "held by " + holder
	}
	checks = append(checks, check)

	inProgress := false
	if all, err := s.backups.ListBackups(); err == nil {
		for _, b := range all {
			if b.Status == types.BackupInProgress {
				inProgress = true
				break
			}
		}
	}
	checks = append(checks, upgradeCheck{Name: "no-backup-in-progress", OK: !inProgress})

	ready := true
	for _, c := range checks {
		ready = ready && c.OK
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":  ready,
		"checks": checks,
	})
}

func (s *Server) handleCreateReplication(w http.ResponseWriter, r *http.Request) {
	var cmd CreateReplicationCommand
	if err := decode(r.Body, &cmd); err != nil {
		s.writeError(w, err)
		return
	}

	set, err := s.clusterset.Offer(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	if cmd.Address != "" {
		replica, err := s.dial(cmd.Address)
		if err != nil {
			s.writeError(w, errdefs.Transient("failed to reach replica cluster: %v", err))
			return
		}
		if err := s.clusterset.Link(r.Context(), cmd.Name, replica); err != nil {
			s.writeError(w, err)
			return
		}
		set, err = s.store.GetClusterSet()
		if err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, set)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var cmd PromoteCommand
	if err := decode(r.Body, &cmd); err != nil {
		s.writeError(w, err)
		return
	}

	switch cmd.Scope {
	case ScopeUnit:
		if err := s.admin.SetPrimary(r.Context(), cmd.Target); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"primary": cmd.Target})

	case ScopeCluster:
		var oldPrimary engine.Admin
		if !cmd.Force && cmd.PrimaryAddress != "" {
			var err error
			oldPrimary, err = s.dial(cmd.PrimaryAddress)
			if err != nil {
				s.writeError(w, errdefs.Precondition("current primary unreachable: %v", err))
				return
			}
		}
		if err := s.clusterset.Promote(r.Context(), cmd.Target, cmd.Force, oldPrimary); err != nil {
			s.writeError(w, err)
			return
		}
		resp := map[string]string{"primary_cluster": cmd.Target}
		if cmd.Force {
			resp["warning"] = "forced promotion: verify no remnant of the old primary can still accept writes"
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var cmd JoinCommand
	if err := decode(r.Body, &cmd); err != nil {
		s.writeError(w, err)
		return
	}
	if s.voter == nil {
		s.writeError(w, errdefs.Precondition("this agent does not manage coordination membership"))
		return
	}
	if err := s.voter.AddVoter(cmd.NodeID, cmd.RaftAddress); err != nil {
		s.writeError(w, errdefs.Transient("failed to add coordination peer: %v", err))
		return
	}
	s.queue.Publish(events.Event{Type: events.NodeJoined, NodeID: cmd.NodeID, Address: cmd.SQLAddress})
	s.writeJSON(w, http.StatusAccepted, map[string]string{"result": "joining", "node": cmd.NodeID})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "id")
	if _, err := s.store.GetNode(nodeID); err != nil {
		s.writeError(w, err)
		return
	}
	if s.voter != nil {
		if err := s.voter.RemoveServer(nodeID); err != nil {
			s.writeError(w, errdefs.Transient("failed to remove coordination peer: %v", err))
			return
		}
	}
	s.queue.Publish(events.Event{Type: events.NodeLeft, NodeID: nodeID})
	s.writeJSON(w, http.StatusAccepted, map[string]string{"result": "leaving", "node": nodeID})
}

func (s *Server) handleRecreate(w http.ResponseWriter, r *http.Request) {
	if err := s.reconciler.Recreate(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "cluster recreated"})
}

func (s *Server) handleRejoinCluster(w http.ResponseWriter, r *http.Request) {
	var cmd RejoinClusterCommand
	if err := decode(r.Body, &cmd); err != nil {
		s.writeError(w, err)
		return
	}

	replica, err := s.dial(cmd.Address)
	if err != nil {
		s.writeError(w, errdefs.Transient("failed to reach cluster %s: %v", cmd.ClusterName, err))
		return
	}
	if err := s.clusterset.Rejoin(r.Context(), cmd.ClusterName, replica); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "rejoined", "cluster": cmd.ClusterName})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode response")
	}
}

// errorResponse is the typed failure shape.
type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("command failed")
	}
	s.writeJSON(w, status, errorResponse{Kind: errdefs.Kind(err), Message: err.Error()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsConflict(err):
		return http.StatusConflict
	case errdefs.IsPrecondition(err):
		return http.StatusPreconditionFailed
	case errdefs.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
