package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/grovekit/grove/pkg/errdefs"
	"github.com/grovekit/grove/pkg/types"
)

// Client talks to a grove agent's command surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the agent at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// Status is the agent's cluster status result.
type Status struct {
	ClusterName string            `json:"cluster_name"`
	DomainID    string            `json:"domain_id"`
	Health      string            `json:"health"`
	Detail      string            `json:"detail"`
	PrimaryID   string            `json:"primary_id"`
	Members     []Member          `json:"members"`
	TLSEnabled  bool              `json:"tls_enabled"`
	ClusterSet  *types.ClusterSet `json:"cluster_set,omitempty"`
}

// Member is one node's role in the status result.
type Member struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Role    string `json:"role"`
}

func (c *Client) ClusterStatus(ctx context.Context, includeSet bool) (*Status, error) {
	path := "/v1/cluster/status"
	if includeSet {
		path += "?cluster-set=true"
	}
	var out Status
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetPassword(ctx context.Context, username string) (string, error) {
	var out struct {
		Password string `json:"password"`
	}
	path := "/v1/credentials/" + url.PathEscape(username)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Password, nil
}

func (c *Client) SetPassword(ctx context.Context, username, password string) error {
	path := "/v1/credentials/" + url.PathEscape(username)
	body := map[string]string{"password": password}
	return c.call(ctx, http.MethodPut, path, body, nil)
}

func (c *Client) SetTLSPrivateKey(ctx context.Context, keyPEM string) error {
	body := map[string]string{"internal_key": keyPEM}
	return c.call(ctx, http.MethodPut, "/v1/tls/key", body, nil)
}

// EnableTLS issues a certificate for the node and turns on the
// certificate join precondition cluster-wide.
func (c *Client) EnableTLS(ctx context.Context, dnsNames, ipAddresses []string) error {
	body := map[string]interface{}{}
	if len(dnsNames) > 0 {
		body["dns_names"] = dnsNames
	}
	if len(ipAddresses) > 0 {
		body["ip_addresses"] = ipAddresses
	}
	return c.call(ctx, http.MethodPost, "/v1/tls/enable", body, nil)
}

// DisableTLS reverts the node to placeholder material and clears the
// certificate join precondition.
func (c *Client) DisableTLS(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/v1/tls/disable", nil, nil)
}

func (c *Client) CreateBackup(ctx context.Context) (*types.Backup, error) {
	var out types.Backup
	if err := c.call(ctx, http.MethodPost, "/v1/backups", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListBackups(ctx context.Context) ([]*types.Backup, error) {
	var out struct {
		Backups []*types.Backup `json:"backups"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/backups", nil, &out); err != nil {
		return nil, err
	}
	return out.Backups, nil
}

func (c *Client) Restore(ctx context.Context, backupID, restoreToTime string) error {
	path := "/v1/backups/" + url.PathEscape(backupID) + "/restore"
	body := map[string]string{}
	if restoreToTime != "" {
		body["restore_to_time"] = restoreToTime
	}
	return c.call(ctx, http.MethodPost, path, body, nil)
}

// UpgradeCheck is one pre-upgrade verification result.
type UpgradeCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// PreUpgradeReport aggregates the pre-upgrade checks.
type PreUpgradeReport struct {
	Ready  bool           `json:"ready"`
	Checks []UpgradeCheck `json:"checks"`
}

func (c *Client) PreUpgradeCheck(ctx context.Context) (*PreUpgradeReport, error) {
	var out PreUpgradeReport
	if err := c.call(ctx, http.MethodPost, "/v1/upgrade/pre-check", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateReplication(ctx context.Context, name, address string) (*types.ClusterSet, error) {
	var out types.ClusterSet
	body := map[string]string{"name": name}
	if address != "" {
		body["address"] = address
	}
	if err := c.call(ctx, http.MethodPost, "/v1/clusterset/replication", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PromoteResult carries the new primary and any operator warning.
type PromoteResult struct {
	Primary        string `json:"primary"`
	PrimaryCluster string `json:"primary_cluster"`
	Warning        string `json:"warning"`
}

func (c *Client) Promote(ctx context.Context, scope, target string, force bool, primaryAddress string) (*PromoteResult, error) {
	body := map[string]interface{}{
		"scope":  scope,
		"target": target,
		"force":  force,
	}
	if primaryAddress != "" {
		body["primary_address"] = primaryAddress
	}
	var out PromoteResult
	if err := c.call(ctx, http.MethodPost, "/v1/cluster/promote", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Join registers a new agent with the coordinator.
func (c *Client) Join(ctx context.Context, nodeID, raftAddress, sqlAddress string) error {
	body := map[string]string{
		"node_id":      nodeID,
		"raft_address": raftAddress,
		"sql_address":  sqlAddress,
	}
	return c.call(ctx, http.MethodPost, "/v1/cluster/join", body, nil)
}

// Leave deregisters a node; the reconciler completes the removal.
func (c *Client) Leave(ctx context.Context, nodeID string) error {
	return c.call(ctx, http.MethodDelete, "/v1/cluster/nodes/"+url.PathEscape(nodeID), nil, nil)
}

func (c *Client) RecreateCluster(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/v1/cluster/recreate", nil, nil)
}

func (c *Client) RejoinCluster(ctx context.Context, clusterName, address string) error {
	body := map[string]string{"cluster_name": clusterName, "address": address}
	return c.call(ctx, http.MethodPost, "/v1/clusterset/rejoin", body, nil)
}

func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Transient("agent unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError rebuilds the typed error from the agent's structured
// failure so callers can classify with the errdefs predicates.
func decodeError(resp *http.Response) error {
	var body struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("agent returned %s", resp.Status)
	}

	switch body.Kind {
	case "not-found":
		return errdefs.NotFound("%s", body.Message)
	case "invalid-argument":
		return errdefs.InvalidArgument("%s", body.Message)
	case "conflicting-operation":
		return errdefs.Conflict("%s", body.Message)
	case "precondition-not-met":
		return errdefs.Precondition("%s", body.Message)
	case "transient":
		return errdefs.Transient("%s", body.Message)
	case "structural-inconsistency":
		return errdefs.Structural("%s", body.Message)
	default:
		return fmt.Errorf("%s", body.Message)
	}
}
