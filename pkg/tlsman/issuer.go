package tlsman

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

const (
	// Root CA validity: 10 years
	rootCAValidity = 10 * 365 * 24 * time.Hour
	// Node certificate validity: 90 days
	nodeCertValidity = 90 * 24 * time.Hour
	// Placeholder certificates are short-lived on purpose; they only
	// exist so the engine's encrypted listener can start.
	placeholderValidity = 365 * 24 * time.Hour

	rootKeySize = 4096
	nodeKeySize = 2048
)

// Request describes the identity a certificate is issued for. The
// private key stays on the requesting node; only the public key
// crosses the boundary.
type Request struct {
	NodeID      string
	DNSNames    []string
	IPAddresses []net.IP
	PublicKey   *rsa.PublicKey
}

// Issuer is the external certificate authority collaborator.
type Issuer interface {
	// Issue signs a certificate for the request and returns the leaf
	// and chain in PEM form.
	Issue(ctx context.Context, req Request) (certPEM, chainPEM []byte, err error)

	// Name identifies the issuer in certificate records.
	Name() string
}

// LocalIssuer is a self-contained CA. Production deployments point
// Grove at an external issuer; LocalIssuer covers air-gapped fleets
// and tests.
type LocalIssuer struct {
	mu       sync.RWMutex
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
}

// NewLocalIssuer generates a fresh root CA.
func NewLocalIssuer(organization string) (*LocalIssuer, error) {
	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   organization + " Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse root certificate: %w", err)
	}

	return &LocalIssuer{rootCert: rootCert, rootKey: rootKey}, nil
}

func (i *LocalIssuer) Name() string { return "local-ca" }

// Issue signs a node certificate against the root.
func (i *LocalIssuer) Issue(ctx context.Context, req Request) ([]byte, []byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if req.PublicKey == nil {
		return nil, nil, fmt.Errorf("request has no public key")
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: i.rootCert.Subject.Organization,
			CommonName:   req.NodeID,
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(nodeCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:    req.DNSNames,
		IPAddresses: req.IPAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, i.rootCert, req.PublicKey, i.rootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create node certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	chainPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.rootCert.Raw})
	return certPEM, chainPEM, nil
}

// ChainPEM returns the root certificate in PEM form.
func (i *LocalIssuer) ChainPEM() []byte {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.rootCert.Raw})
}

// generateNodeKey creates a fresh per-node private key.
func generateNodeKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, nodeKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate node key: %w", err)
	}
	return key, nil
}

// selfIssued builds a placeholder certificate signed by its own key.
// The engine needs some certificate to start its encrypted listener,
// so disabling TLS swaps in one of these instead of removing material.
func selfIssued(nodeID string, key *rsa.PrivateKey) ([]byte, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: nodeID,
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(placeholderValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create placeholder certificate: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), nil
}
