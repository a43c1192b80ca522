package api

import (
	"encoding/json"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/grovekit/grove/pkg/errdefs"
)

// Operator commands are a closed set of typed structs. Requests are
// validated before any handler logic runs; bad input is rejected with
// invalid-argument, never silently ignored.

// SetPasswordCommand rotates an internal account. An empty password
// asks for a generated one.
type SetPasswordCommand struct {
	Password string `json:"password" validate:"omitempty,min=8,max=128"`
}

// SetTLSPrivateKeyCommand installs operator-supplied key material on
// the local node. An empty key regenerates one.
type SetTLSPrivateKeyCommand struct {
	InternalKey string `json:"internal_key"`
}

// EnableTLSCommand turns on encrypted engine traffic: a certificate
// is issued for this node and joins start requiring certificates.
// The node's own identity is always included; extra names cover
// load-balancer or service fronts.
type EnableTLSCommand struct {
	DNSNames    []string `json:"dns_names" validate:"omitempty,dive,hostname_rfc1123"`
	IPAddresses []string `json:"ip_addresses" validate:"omitempty,dive,ip"`
}

// RestoreCommand restores a backup, optionally replaying to a point
// in time.
type RestoreCommand struct {
	RestoreToTime string `json:"restore_to_time" validate:"omitempty"`
}

// PointInTime parses the optional replay bound.
func (c *RestoreCommand) PointInTime() (time.Time, error) {
	if c.RestoreToTime == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, c.RestoreToTime)
	if err != nil {
		return time.Time{}, errdefs.InvalidArgument("restore_to_time must be RFC 3339: %v", err)
	}
	return t, nil
}

// CreateReplicationCommand offers the local cluster as a set primary
// and, when an address is given, links that replica cluster.
type CreateReplicationCommand struct {
	Name    string `json:"name" validate:"required,hostname_rfc1123,max=63"`
	Address string `json:"address" validate:"omitempty,hostname_port"`
}

// Promotion scopes.
const (
	ScopeUnit    = "unit"
	ScopeCluster = "cluster"
)

// PromoteCommand moves the primary role, either to a node within the
// local cluster (unit scope) or to a replica cluster in the set
// (cluster scope).
type PromoteCommand struct {
	Scope  string `json:"scope" validate:"required,oneof=unit cluster"`
	Target string `json:"target" validate:"required"`
	Force  bool   `json:"force"`
	// PrimaryAddress reaches the set's current primary for a graceful
	// cluster-scope promotion. Ignored with force.
	PrimaryAddress string `json:"primary_address" validate:"omitempty,hostname_port"`
}

// JoinCommand registers a new agent with the fleet: it becomes a
// coordination voter and a lifecycle event announces it to the
// reconciler.
type JoinCommand struct {
	NodeID      string `json:"node_id" validate:"required,hostname_rfc1123"`
	RaftAddress string `json:"raft_address" validate:"required,hostname_port"`
	SQLAddress  string `json:"sql_address" validate:"required,hostname_port"`
}

// RejoinClusterCommand brings a demoted replica cluster back into the
// set.
type RejoinClusterCommand struct {
	ClusterName string `json:"cluster_name" validate:"required,hostname_rfc1123,max=63"`
	Address     string `json:"address" validate:"required,hostname_port"`
}

var validate = validator.New()

// decode parses and validates a JSON command body.
func decode(r io.Reader, cmd interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cmd); err != nil {
		if err == io.EOF {
			// An absent body means all-defaults, which some commands
			// allow; validation below decides.
			return validateCmd(cmd)
		}
		return errdefs.InvalidArgument("malformed request body: %v", err)
	}
	return validateCmd(cmd)
}

func validateCmd(cmd interface{}) error {
	if err := validate.Struct(cmd); err != nil {
		return errdefs.InvalidArgument("invalid command: %v", err)
	}
	return nil
}
