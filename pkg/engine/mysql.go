package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/grovekit/grove/pkg/errdefs"
	"github.com/grovekit/grove/pkg/log"
	"github.com/rs/zerolog"
)

const (
	dialTimeout = 10 * time.Second
	callTimeout = 30 * time.Second
)

// MySQLAdmin administers group replication through the engine's SQL
// surface. One MySQLAdmin serves a whole cluster: connections to
// individual instances are opened lazily per address and cached.
type MySQLAdmin struct {
	user     string
	password string
	// localAddr is the SQL listener of the node this agent runs on.
	localAddr string
	// tlsDir is where InstallCertificate writes the material the
	// engine's listener is pointed at.
	tlsDir string

	logger zerolog.Logger

	mu    sync.Mutex
	conns map[string]*sql.DB
}

// MySQLConfig configures a MySQLAdmin.
type MySQLConfig struct {
	User      string
	Password  string
	LocalAddr string
	TLSDir    string
}

// NewMySQLAdmin creates an Admin for the given engine account.
func NewMySQLAdmin(cfg MySQLConfig) *MySQLAdmin {
	return &MySQLAdmin{
		user:      cfg.User,
		password:  cfg.Password,
		localAddr: cfg.LocalAddr,
		tlsDir:    cfg.TLSDir,
		logger:    log.Component("engine"),
		conns:     make(map[string]*sql.DB),
	}
}

func (a *MySQLAdmin) conn(address string) (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if db, ok := a.conns[address]; ok {
		return db, nil
	}

	cfg := mysql.NewConfig()
	cfg.User = a.user
	cfg.Passwd = a.password
	cfg.Net = "tcp"
	cfg.Addr = address
	cfg.Timeout = dialTimeout
	cfg.ReadTimeout = callTimeout
	cfg.WriteTimeout = callTimeout

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, classify(err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(time.Minute)

	a.conns[address] = db
	return db, nil
}

func (a *MySQLAdmin) local() (*sql.DB, error) {
	return a.conn(a.localAddr)
}

// classify maps driver and network failures onto the error taxonomy.
// Connection-level problems are transient (the instance may be
// restarting or mid-failover); everything else passes through for the
// caller to interpret.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return errdefs.Transient("engine unreachable: %v", err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return errdefs.Transient("engine connection lost: %v", err)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213: // lock wait timeout, deadlock
			return errdefs.Transient("engine busy: %v", err)
		case 1045: // access denied: credentials out of sync
			return errdefs.Precondition("engine rejected credentials: %v", err)
		}
	}
	return err
}

func (a *MySQLAdmin) CreateCluster(ctx context.Context, name string) error {
	db, err := a.local()
	if err != nil {
		return err
	}

	stmts := []string{
		fmt.Sprintf("SET GLOBAL group_replication_group_name = %s", quote(name)),
		"SET GLOBAL group_replication_bootstrap_group = ON",
		"START GROUP_REPLICATION",
		"SET GLOBAL group_replication_bootstrap_group = OFF",
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return classify(err)
		}
	}
	a.logger.Info().Str("cluster", name).Msg("group replication bootstrapped")
	return nil
}

func (a *MySQLAdmin) ClusterStatus(ctx context.Context) (*Status, error) {
	db, err := a.local()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT m.member_id, m.member_host, m.member_port, m.member_state, m.member_role,
		       COALESCE(s.count_transactions_remote_applied, 0)
		FROM performance_schema.replication_group_members m
		LEFT JOIN performance_schema.replication_group_member_stats s
		       ON s.member_id = m.member_id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	status := &Status{}
	for rows.Next() {
		var (
			m    Member
			host string
			port int
			role string
		)
		if err := rows.Scan(&m.ID, &host, &port, &m.State, &role, &m.AppliedPosition); err != nil {
			return nil, classify(err)
		}
		m.Address = fmt.Sprintf("%s:%d", host, port)
		m.Primary = role == "PRIMARY"
		status.Members = append(status.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	if err := db.QueryRowContext(ctx,
		"SELECT @@GLOBAL.group_replication_group_name").Scan(&status.ClusterName); err != nil {
		return nil, classify(err)
	}
	return status, nil
}

func (a *MySQLAdmin) AddInstance(ctx context.Context, nodeID, address string) error {
	status, err := a.ClusterStatus(ctx)
	if err != nil {
		return err
	}
	if m, ok := status.Member(nodeID); ok && m.State != StateOffline {
		// Already a member: the add is a retry after an
		// unacknowledged success.
		return nil
	}

	db, err := a.conn(address)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "START GROUP_REPLICATION"); err != nil {
		return classify(err)
	}
	return nil
}

func (a *MySQLAdmin) RemoveInstance(ctx context.Context, nodeID string) error {
	status, err := a.ClusterStatus(ctx)
	if err != nil {
		return err
	}
	m, ok := status.Member(nodeID)
	if !ok {
		return nil
	}

	db, err := a.conn(m.Address)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "STOP GROUP_REPLICATION"); err != nil {
		return classify(err)
	}
	return nil
}

func (a *MySQLAdmin) SetPrimary(ctx context.Context, nodeID string) error {
	db, err := a.local()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		"SELECT group_replication_set_as_primary(?)", nodeID); err != nil {
		return classify(err)
	}
	return nil
}

func (a *MySQLAdmin) Rejoin(ctx context.Context, nodeID string) error {
	node, err := a.ClusterStatus(ctx)
	if err != nil {
		return err
	}
	m, ok := node.Member(nodeID)
	if !ok {
		return errdefs.NotFound("member %s", nodeID)
	}

	db, err := a.conn(m.Address)
	if err != nil {
		return err
	}
	for _, stmt := range []string{"STOP GROUP_REPLICATION", "START GROUP_REPLICATION"} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (a *MySQLAdmin) Dissolve(ctx context.Context) error {
	db, err := a.local()
	if err != nil {
		return err
	}
	for _, stmt := range []string{"STOP GROUP_REPLICATION", "RESET REPLICA ALL"} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (a *MySQLAdmin) CreateReplicaCluster(ctx context.Context, name, domainID string) error {
	db, err := a.local()
	if err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf("SET GLOBAL group_replication_group_name = %s", quote(name)),
		fmt.Sprintf("SET GLOBAL group_replication_view_change_uuid = %s", quote(domainID)),
		"START GROUP_REPLICATION",
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (a *MySQLAdmin) PromoteCluster(ctx context.Context, clusterName string) error {
	db, err := a.local()
	if err != nil {
		return err
	}
	stmts := []string{
		"STOP REPLICA FOR CHANNEL 'clusterset_replication'",
		"RESET REPLICA ALL FOR CHANNEL 'clusterset_replication'",
		"SET GLOBAL super_read_only = OFF",
		"SET GLOBAL read_only = OFF",
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return classify(err)
		}
	}
	a.logger.Info().Str("cluster", clusterName).Msg("cluster promoted to set primary")
	return nil
}

func (a *MySQLAdmin) ExecutedGTIDSet(ctx context.Context) (string, error) {
	db, err := a.local()
	if err != nil {
		return "", err
	}
	var set string
	if err := db.QueryRowContext(ctx, "SELECT @@GLOBAL.gtid_executed").Scan(&set); err != nil {
		return "", classify(err)
	}
	return set, nil
}

func (a *MySQLAdmin) ApplyCredential(ctx context.Context, username, password string) error {
	db, err := a.local()
	if err != nil {
		return err
	}
	// Account names cannot be bound as parameters; they are
	// internal, validated identifiers.
	ident, err := quoteIdent(username)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("CREATE USER IF NOT EXISTS %s@'%%'", ident)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return classify(err)
	}
	stmt = fmt.Sprintf("ALTER USER %s@'%%' IDENTIFIED BY %s", ident, quote(password))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return classify(err)
	}
	return nil
}

func (a *MySQLAdmin) DropCredential(ctx context.Context, username string) error {
	db, err := a.local()
	if err != nil {
		return err
	}
	ident, err := quoteIdent(username)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DROP USER IF EXISTS %s@'%%'", ident)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return classify(err)
	}
	return nil
}

func (a *MySQLAdmin) InstallCertificate(ctx context.Context, certPEM, keyPEM, chainPEM []byte) error {
	if err := os.MkdirAll(a.tlsDir, 0700); err != nil {
		return fmt.Errorf("failed to create tls dir: %w", err)
	}
	files := map[string][]byte{
		"server-cert.pem": certPEM,
		"server-key.pem":  keyPEM,
		"ca.pem":          chainPEM,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(a.tlsDir, name), data, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	db, err := a.local()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "ALTER INSTANCE RELOAD TLS"); err != nil {
		return classify(err)
	}
	return nil
}

func (a *MySQLAdmin) ApplyTuning(ctx context.Context, vars map[string]string) error {
	db, err := a.local()
	if err != nil {
		return err
	}
	for name, value := range vars {
		if !validSysVar(name) {
			return errdefs.InvalidArgument("system variable %q", name)
		}
		stmt := fmt.Sprintf("SET PERSIST %s = %s", name, quote(value))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return classify(err)
		}
	}
	return nil
}

// Close closes all cached connections.
func (a *MySQLAdmin) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for addr, db := range a.conns {
		db.Close()
		delete(a.conns, addr)
	}
	return nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// quoteIdent quotes an internal account name. Names carrying quote
// characters are rejected rather than rewritten, so the name an
// operator sets is exactly the name get-password returns.
func quoteIdent(s string) (string, error) {
	if s == "" || strings.ContainsAny(s, "'`\"\\") {
		return "", errdefs.InvalidArgument("invalid account name %q", s)
	}
	return "'" + s + "'", nil
}

func validSysVar(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return name != ""
}
