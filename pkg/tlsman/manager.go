package tlsman

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/grovekit/grove/pkg/engine"
	"github.com/grovekit/grove/pkg/errdefs"
	"github.com/grovekit/grove/pkg/log"
	"github.com/grovekit/grove/pkg/storage"
	"github.com/grovekit/grove/pkg/types"
	"github.com/rs/zerolog"
)

const keyFileName = "node.key"

// Manager handles TLS material for the local node: requesting
// certificates from the issuer, publishing certificates and chain to
// the peer state store, and installing material into the engine.
// Private keys never leave the node; only certificates and chain are
// shared.
type Manager struct {
	store  storage.Store
	issuer Issuer
	admin  engine.Admin
	nodeID string
	// keyDir holds the node's private key, possibly operator-supplied.
	keyDir string
	logger zerolog.Logger
}

// NewManager creates a TLS manager for the local node.
func NewManager(store storage.Store, issuer Issuer, admin engine.Admin, nodeID, keyDir string) *Manager {
	return &Manager{
		store:  store,
		issuer: issuer,
		admin:  admin,
		nodeID: nodeID,
		keyDir: keyDir,
		logger: log.Component("tls"),
	}
}

// Enable requests a certificate for this node's identity, publishes
// it to the peer state store, and installs it into the engine. A
// previously active certificate is superseded, not deleted, until
// every node confirms adoption.
func (m *Manager) Enable(ctx context.Context, dnsNames []string, ips []net.IP) (*types.Certificate, error) {
	key, err := m.loadOrGenerateKey()
	if err != nil {
		return nil, err
	}

	certPEM, chainPEM, err := m.issuer.Issue(ctx, Request{
		NodeID:      m.nodeID,
		DNSNames:    dnsNames,
		IPAddresses: ips,
		PublicKey:   &key.PublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("issuer failed: %w", err)
	}

	record := &types.Certificate{
		ID:       uuid.NewString(),
		NodeID:   m.nodeID,
		CertPEM:  certPEM,
		ChainPEM: chainPEM,
		Issuer:   m.issuer.Name(),
		NotAfter: certNotAfter(certPEM),
		IssuedAt: time.Now().UTC(),
	}

	// Supersede the previously active certificate for this node.
	if active, err := m.activeCertificate(); err == nil {
		active.SupersededBy = record.ID
		if err := m.store.PutCertificate(active); err != nil {
			return nil, err
		}
	}

	if err := m.store.PutCertificate(record); err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := m.admin.InstallCertificate(ctx, certPEM, keyPEM, chainPEM); err != nil {
		return nil, err
	}

	m.logger.Info().Str("node", m.nodeID).Str("issuer", m.issuer.Name()).
		Msg("certificate installed")
	return record, nil
}

// Disable reverts the node to a locally self-issued placeholder. The
// engine requires a certificate to start its encrypted listener, so
// material is replaced rather than removed.
func (m *Manager) Disable(ctx context.Context) (*types.Certificate, error) {
	key, err := m.loadOrGenerateKey()
	if err != nil {
		return nil, err
	}

	certPEM, err := selfIssued(m.nodeID, key)
	if err != nil {
		return nil, err
	}

	record := &types.Certificate{
		ID:         uuid.NewString(),
		NodeID:     m.nodeID,
		CertPEM:    certPEM,
		Issuer:     "self",
		SelfIssued: true,
		NotAfter:   certNotAfter(certPEM),
		IssuedAt:   time.Now().UTC(),
	}

	if active, err := m.activeCertificate(); err == nil {
		active.SupersededBy = record.ID
		if err := m.store.PutCertificate(active); err != nil {
			return nil, err
		}
	}
	if err := m.store.PutCertificate(record); err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := m.admin.InstallCertificate(ctx, certPEM, keyPEM, certPEM); err != nil {
		return nil, err
	}
	return record, nil
}

// InstallPrivateKey accepts an operator-supplied private key for this
// node. The next Enable issues against it. An empty key generates a
// fresh one instead.
func (m *Manager) InstallPrivateKey(keyPEM []byte) error {
	if len(keyPEM) == 0 {
		if err := os.RemoveAll(filepath.Join(m.keyDir, keyFileName)); err != nil {
			return err
		}
		_, err := m.loadOrGenerateKey()
		return err
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return errdefs.InvalidArgument("private key is not PEM encoded")
	}
	if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
		return errdefs.InvalidArgument("private key is not a valid RSA key: %v", err)
	}

	if err := os.MkdirAll(m.keyDir, 0700); err != nil {
		return fmt.Errorf("failed to create key dir: %w", err)
	}
	return os.WriteFile(filepath.Join(m.keyDir, keyFileName), keyPEM, 0600)
}

// activeCertificate returns this node's newest non-superseded record.
func (m *Manager) activeCertificate() (*types.Certificate, error) {
	certs, err := m.store.ListCertificates()
	if err != nil {
		return nil, err
	}
	var active *types.Certificate
	for _, cert := range certs {
		if cert.NodeID != m.nodeID || cert.SupersededBy != "" {
			continue
		}
		if active == nil || cert.IssuedAt.After(active.IssuedAt) {
			active = cert
		}
	}
	if active == nil {
		return nil, errdefs.NotFound("no active certificate for node %s", m.nodeID)
	}
	return active, nil
}

// HasActiveCertificate reports whether this node holds issued,
// non-placeholder material, the precondition for admitting new
// members when TLS is required.
func (m *Manager) HasActiveCertificate() bool {
	cert, err := m.activeCertificate()
	return err == nil && !cert.SelfIssued
}

func (m *Manager) loadOrGenerateKey() (*rsa.PrivateKey, error) {
	path := filepath.Join(m.keyDir, keyFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("stored key is not PEM encoded")
		}
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key, err := generateNodeKey()
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.MkdirAll(m.keyDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key dir: %w", err)
	}
	if err := os.WriteFile(path, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}
	return key, nil
}

func certNotAfter(certPEM []byte) time.Time {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return time.Time{}
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}
	}
	return cert.NotAfter
}
