package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/grovekit/grove/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the agent configuration, loaded once at startup.
type Config struct {
	NodeID      string `yaml:"node_id" validate:"required,hostname_rfc1123"`
	ClusterName string `yaml:"cluster_name" validate:"required,hostname_rfc1123,max=63"`
	DataDir     string `yaml:"data_dir" validate:"required"`

	// Profile selects engine resource defaults; testing trades
	// durability settings for startup speed.
	Profile types.DeploymentProfile `yaml:"profile" validate:"oneof=production testing"`

	// MemoryLimitBytes caps engine memory. Zero means profile default.
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes" validate:"min=0"`

	SQLAddress  string `yaml:"sql_address" validate:"required,hostname_port"`
	RaftAddress string `yaml:"raft_address" validate:"required,hostname_port"`
	APIAddress  string `yaml:"api_address" validate:"required,hostname_port"`

	// JoinAddress points at an existing agent's API listener; empty
	// bootstraps a new coordination group.
	JoinAddress string `yaml:"join_address" validate:"omitempty,hostname_port"`

	// Legacy relation consumers expect fixed database and user names
	// instead of generated relation credentials.
	LegacyDatabase string `yaml:"legacy_database" validate:"omitempty,max=64"`
	LegacyUser     string `yaml:"legacy_user" validate:"omitempty,max=32"`

	// AuditPolicy selects what the engine's audit plugin records.
	AuditPolicy string `yaml:"audit_policy" validate:"oneof=none logins queries all"`

	// LogRetentionDays bounds engine log files. Zero keeps the engine
	// default.
	LogRetentionDays int `yaml:"log_retention_days" validate:"min=0,max=365"`

	TLSKeyDir string `yaml:"tls_key_dir"`

	ObjectStorage ObjectStorage `yaml:"object_storage"`
	Snapshot      Snapshot      `yaml:"snapshot"`
	Log           Log           `yaml:"log"`
}

// ObjectStorage configures the S3-compatible backup bucket.
type ObjectStorage struct {
	Endpoint        string `yaml:"endpoint" validate:"omitempty,hostname_port"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket" validate:"required_with=Endpoint"`
	Secure          bool   `yaml:"secure"`
}

// Snapshot configures the external streaming snapshot tool.
type Snapshot struct {
	DumpArgs []string `yaml:"dump_args"`
	LoadArgs []string `yaml:"load_args"`
}

// Log configures structured logging.
type Log struct {
	Level string `yaml:"level" validate:"oneof=trace debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a config with every optional field at its default.
func Default() *Config {
	return &Config{
		Profile:     types.ProfileProduction,
		AuditPolicy: "none",
		TLSKeyDir:   "tls",
		Snapshot: Snapshot{
			DumpArgs: []string{"xtrabackup", "--backup", "--stream=xbstream", "--host={{addr}}"},
			LoadArgs: []string{"xtrabackup", "--restore", "--host={{addr}}", "--stop-at={{time}}"},
		},
		Log: Log{Level: "info", JSON: true},
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.NodeID = host
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.MemoryLimitBytes > 0 && c.MemoryLimitBytes < minMemoryLimit {
		return fmt.Errorf("invalid config: memory_limit_bytes %d below engine minimum %d", c.MemoryLimitBytes, minMemoryLimit)
	}
	return nil
}

const minMemoryLimit = 512 << 20

// Engine tuning derived from the profile and overrides. Applied by
// the agent through the engine's persisted system variables.
func (c *Config) TuningVars() map[string]string {
	vars := make(map[string]string)

	limit := c.MemoryLimitBytes
	if limit == 0 && c.Profile == types.ProfileTesting {
		limit = minMemoryLimit
	}
	if limit > 0 {
		// The buffer pool takes the lion's share; the rest is left
		// for session and replication caches.
		vars["innodb_buffer_pool_size"] = strconv.FormatInt(limit*3/4, 10)
	}

	if c.AuditPolicy != "none" {
		vars["audit_log_policy"] = auditPolicyValue(c.AuditPolicy)
	}
	if c.LogRetentionDays > 0 {
		seconds := int64((time.Duration(c.LogRetentionDays) * 24 * time.Hour).Seconds())
		vars["binlog_expire_logs_seconds"] = strconv.FormatInt(seconds, 10)
	}
	return vars
}

func auditPolicyValue(policy string) string {
	switch policy {
	case "logins":
		return "LOGINS"
	case "queries":
		return "QUERIES"
	default:
		return "ALL"
	}
}
