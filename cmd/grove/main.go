package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grovekit/grove/pkg/api"
	"github.com/grovekit/grove/pkg/backup"
	"github.com/grovekit/grove/pkg/client"
	"github.com/grovekit/grove/pkg/clusterset"
	"github.com/grovekit/grove/pkg/config"
	"github.com/grovekit/grove/pkg/coordination"
	"github.com/grovekit/grove/pkg/engine"
	"github.com/grovekit/grove/pkg/events"
	"github.com/grovekit/grove/pkg/log"
	"github.com/grovekit/grove/pkg/reconciler"
	"github.com/grovekit/grove/pkg/secrets"
	"github.com/grovekit/grove/pkg/storage"
	"github.com/grovekit/grove/pkg/tlsman"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "grove",
	Short: "Grove - replicated MySQL cluster lifecycle controller",
	Long: `Grove keeps a fleet of MySQL group-replication nodes converged on a
target topology: membership, credentials, TLS material, backups, and
cross-cluster replication, driven by one reconciliation loop per node.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Grove version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("agent", "http://127.0.0.1:8080", "Agent API address")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(passwordCmd)
	rootCmd.AddCommand(tlsCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(preUpgradeCheckCmd)
	rootCmd.AddCommand(replicationCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(recreateCmd)
	rootCmd.AddCommand(rejoinCmd)
}

// Agent daemon commands

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the grove agent",
}

var agentInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a new fleet with this node as coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runAgent(configPath, true)
	},
}

var agentJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join this node to an existing fleet",
	Long: `Join starts the agent with an empty coordination log and registers
with the coordinator named by join_address in the config file. The
coordinator adds this node as a voter and schedules its cluster join.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runAgent(configPath, false)
	},
}

func init() {
	for _, c := range []*cobra.Command{agentInitCmd, agentJoinCmd} {
		c.Flags().String("config", "/etc/grove/grove.yaml", "Path to the agent config file")
	}
	agentCmd.AddCommand(agentInitCmd)
	agentCmd.AddCommand(agentJoinCmd)
}

const tickInterval = 30 * time.Second

func runAgent(configPath string, bootstrap bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.Component("agent")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	local, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer local.Close()

	coord := coordination.NewCoordinator(&coordination.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.RaftAddress,
		DataDir:  cfg.DataDir,
	}, local)
	if bootstrap {
		err = coord.Bootstrap()
	} else {
		err = coord.Join()
	}
	if err != nil {
		return err
	}
	defer coord.Shutdown()

	// All writes to the peer state store go through the replicated
	// log; reads stay local.
	store := coordination.NewReplicatedStore(local, coord)

	adminPassword := os.Getenv("GROVE_ADMIN_PASSWORD")
	admin := engine.NewMySQLAdmin(engine.MySQLConfig{
		User:      "clusteradmin",
		Password:  adminPassword,
		LocalAddr: cfg.SQLAddress,
		TLSDir:    cfg.TLSKeyDir,
	})
	defer admin.Close()

	// The at-rest key must be fleet-shared: credentials replicate to
	// every member's store and any node may serve get-password.
	sm, err := secrets.NewManager(store, coord, admin, secrets.DeriveKey(cfg.ClusterName))
	if err != nil {
		return err
	}

	issuer, err := tlsman.NewLocalIssuer(cfg.ClusterName)
	if err != nil {
		return err
	}
	tm := tlsman.NewManager(store, issuer, admin, cfg.NodeID, cfg.TLSKeyDir)

	queue := events.NewQueue()
	rec := reconciler.New(reconciler.Config{
		NodeID:      cfg.NodeID,
		Address:     cfg.SQLAddress,
		ClusterName: cfg.ClusterName,
	}, store, coord, admin, sm, queue)

	var objects backup.ObjectStore
	if cfg.ObjectStorage.Endpoint != "" {
		objects, err = backup.NewMinioStore(context.Background(), backup.MinioConfig{
			Endpoint:        cfg.ObjectStorage.Endpoint,
			AccessKeyID:     cfg.ObjectStorage.AccessKeyID,
			SecretAccessKey: cfg.ObjectStorage.SecretAccessKey,
			Bucket:          cfg.ObjectStorage.Bucket,
			Secure:          cfg.ObjectStorage.Secure,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn().Msg("no object storage configured, backups disabled")
		objects = backup.NewFakeObjectStore()
	}
	snap := &backup.ExecSnapshotter{
		DumpArgs: cfg.Snapshot.DumpArgs,
		LoadArgs: cfg.Snapshot.LoadArgs,
	}
	backups := backup.NewCoordinator(store, objects, snap, admin, coord, rec)

	sets := clusterset.NewManager(store, admin, coord)

	srv := api.NewServer(api.Options{
		Addr:       cfg.APIAddress,
		SQLAddress: cfg.SQLAddress,
		Store:      store,
		Admin:      admin,
		Reconciler: rec,
		Secrets:    sm,
		TLS:        tm,
		Backups:    backups,
		ClusterSet: sets,
		Dial:       dialEngine(adminPassword, cfg.TLSKeyDir),
		Voter:      coord,
		Queue:      queue,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.Start(ctx)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("api server failed")
			cancel()
		}
	}()

	// Engine tuning is applied once the reconciler has a cluster to
	// talk to; retried on ticks until it lands.
	tuning := cfg.TuningVars()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	go func() {
		tuned := false
		for {
			select {
			case <-ticker.C:
				queue.Publish(events.Event{Type: events.Tick})
				if !tuned && len(tuning) > 0 && coord.IsCoordinator() {
					if err := admin.ApplyTuning(ctx, tuning); err != nil {
						logger.Debug().Err(err).Msg("tuning not applied yet")
					} else {
						tuned = true
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if !bootstrap && cfg.JoinAddress != "" {
		if err := announceJoin(ctx, cfg); err != nil {
			logger.Warn().Err(err).Msg("failed to announce join, will need operator intervention")
		}
	}

	// Kick the first pass instead of waiting a full tick.
	queue.Publish(events.Event{Type: events.Tick})
	logger.Info().Str("node", cfg.NodeID).Str("cluster", cfg.ClusterName).Msg("agent started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown failed")
	}
	rec.Stop()
	return nil
}

// announceJoin registers this node with the coordinator's command
// surface; the coordinator adds it as a voter and schedules the
// cluster join.
func announceJoin(ctx context.Context, cfg *config.Config) error {
	c := client.New("http://" + cfg.JoinAddress)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return c.Join(ctx, cfg.NodeID, cfg.RaftAddress, cfg.SQLAddress)
}

// dialEngine opens admin handles on remote clusters for cross-cluster
// commands, reusing the local admin account.
func dialEngine(password, tlsDir string) api.EngineDialer {
	return func(addr string) (engine.Admin, error) {
		return engine.NewMySQLAdmin(engine.MySQLConfig{
			User:      "clusteradmin",
			Password:  password,
			LocalAddr: addr,
			TLSDir:    tlsDir,
		}), nil
	}
}
