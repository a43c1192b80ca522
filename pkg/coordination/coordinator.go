package coordination

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/grovekit/grove/pkg/log"
	"github.com/grovekit/grove/pkg/storage"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

const applyTimeout = 5 * time.Second

// Coordinator binds coordination authority to Raft leadership and
// carries the replicated write path for the peer state store: writes
// are committed through the Raft log and applied to every node's
// local BoltStore by the FSM.
type Coordinator struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft   *raft.Raft
	fsm    *stateFSM
	logger zerolog.Logger
}

// Config holds configuration for creating a Coordinator
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewCoordinator creates a Coordinator applying committed commands to
// the given local store.
func NewCoordinator(cfg *Config, store storage.Store) *Coordinator {
	return &Coordinator{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      newStateFSM(store),
		logger:   log.Component("coordination"),
	}
}

func (c *Coordinator) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(c.nodeID)

	// Tuned below the hashicorp defaults: the fleet is LAN-local and
	// a stale coordinator delays convergence for every member.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (c *Coordinator) newRaft() (*raft.Raft, *raft.NetworkTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", c.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(c.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(c.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(c.raftConfig(), c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create raft: %w", err)
	}
	return r, transport, nil
}

// Bootstrap initializes a new single-node coordination group.
func (c *Coordinator) Bootstrap() error {
	r, transport, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(c.nodeID),
				Address: transport.LocalAddr(),
			},
		},
	}

	if err := c.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap coordination group: %w", err)
	}

	c.logger.Info().
		Str("node", c.nodeID).
		Str("addr", c.bindAddr).
		Msg("coordination group bootstrapped")
	return nil
}

// Join starts the local Raft instance so an existing coordinator can
// add this node as a voter. The actual AddVoter happens on the
// coordinator once this node registers through the API.
func (c *Coordinator) Join() error {
	r, _, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r
	return nil
}

// AddVoter adds a peer to the coordination group.
func (c *Coordinator) AddVoter(nodeID, address string) error {
	if c.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !c.IsCoordinator() {
		return fmt.Errorf("not the coordinator, current coordinator: %s", c.LeaderAddr())
	}

	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a peer from the coordination group.
func (c *Coordinator) RemoveServer(nodeID string) error {
	if c.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !c.IsCoordinator() {
		return fmt.Errorf("not the coordinator")
	}

	future := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// IsCoordinator reports whether this node is the Raft leader.
func (c *Coordinator) IsCoordinator() bool {
	if c.raft == nil {
		return false
	}
	return c.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (c *Coordinator) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	return string(c.raft.Leader())
}

// Apply commits a command through the Raft log.
func (c *Coordinator) Apply(cmd Command) error {
	if c.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := c.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}

	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// Shutdown gracefully stops the Raft instance.
func (c *Coordinator) Shutdown() error {
	if c.raft != nil {
		if err := c.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	return nil
}
