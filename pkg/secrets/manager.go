package secrets

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/grovekit/grove/pkg/coordination"
	"github.com/grovekit/grove/pkg/engine"
	"github.com/grovekit/grove/pkg/errdefs"
	"github.com/grovekit/grove/pkg/log"
	"github.com/grovekit/grove/pkg/storage"
	"github.com/grovekit/grove/pkg/types"
	"github.com/rs/zerolog"
)

// Manager owns internal service-account credentials. All writes go
// through the coordinating node: the new value is published to the
// peer state store first, marked pending, and only then applied to
// the engine account. A crash between the two leaves a pending
// credential that the next reconciliation pass re-applies.
type Manager struct {
	store     storage.Store
	authority coordination.Authority
	admin     engine.Admin
	key       []byte
	logger    zerolog.Logger
}

// NewManager creates a credential manager encrypting at rest with key.
func NewManager(store storage.Store, authority coordination.Authority, admin engine.Admin, key []byte) (*Manager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return &Manager{
		store:     store,
		authority: authority,
		admin:     admin,
		key:       key,
		logger:    log.Component("secrets"),
	}, nil
}

// Generate creates a credential with a random value. Generating a
// name that already exists is an error; use Rotate to change one.
func (m *Manager) Generate(ctx context.Context, name string, scope types.CredentialScope) (*types.Credential, error) {
	if _, err := m.store.GetCredential(name); err == nil {
		return nil, errdefs.InvalidArgument("credential %s already exists", name)
	}
	return m.write(ctx, name, "", scope)
}

// Rotate replaces a credential's value. An empty value generates a
// random one. Relation-scoped credentials are never rotated, only
// destroyed with their relation.
func (m *Manager) Rotate(ctx context.Context, name, value string) (*types.Credential, error) {
	existing, err := m.store.GetCredential(name)
	if err != nil {
		return nil, err
	}
	if existing.Scope == types.ScopeRelation {
		return nil, errdefs.InvalidArgument("relation credential %s cannot be rotated", name)
	}
	return m.write(ctx, name, value, existing.Scope)
}

// Get returns the decrypted value of a credential.
func (m *Manager) Get(name string) (string, error) {
	cred, err := m.store.GetCredential(name)
	if err != nil {
		return "", err
	}
	plaintext, err := decrypt(m.key, cred.Value)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential %s: %w", name, err)
	}
	return string(plaintext), nil
}

// EstablishRelation mints a fresh credential for an external
// consumer. Re-establishing a torn-down relation creates a new value;
// the old one is never restored.
func (m *Manager) EstablishRelation(ctx context.Context, relationID string) (*types.Credential, string, error) {
	name := relationName(relationID)
	cred, err := m.write(ctx, name, "", types.ScopeRelation)
	if err != nil {
		return nil, "", err
	}
	value, err := m.Get(name)
	if err != nil {
		return nil, "", err
	}
	return cred, value, nil
}

// TeardownRelation irrevocably destroys a relation's credential, in
// the store and in the engine.
func (m *Manager) TeardownRelation(ctx context.Context, relationID string) error {
	if !m.authority.IsCoordinator() {
		return errdefs.Precondition("credential writes require coordination authority")
	}
	name := relationName(relationID)
	if _, err := m.store.GetCredential(name); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := m.admin.DropCredential(ctx, name); err != nil {
		return err
	}
	return m.store.DeleteCredential(name)
}

// ApplyPending retries engine application for credentials whose store
// write landed but whose engine apply did not. Called from the
// reconciliation loop on the coordinator.
func (m *Manager) ApplyPending(ctx context.Context) error {
	if !m.authority.IsCoordinator() {
		return nil
	}
	creds, err := m.store.ListCredentials()
	if err != nil {
		return err
	}
	for _, cred := range creds {
		if !cred.PendingApply {
			continue
		}
		plaintext, err := decrypt(m.key, cred.Value)
		if err != nil {
			return fmt.Errorf("failed to decrypt pending credential %s: %w", cred.Name, err)
		}
		if err := m.admin.ApplyCredential(ctx, cred.Name, string(plaintext)); err != nil {
			return err
		}
		cred.PendingApply = false
		if err := m.store.PutCredential(cred); err != nil {
			return err
		}
		m.logger.Info().Str("credential", cred.Name).Msg("pending credential applied")
	}
	return nil
}

// HasPending reports whether any credential awaits engine apply.
func (m *Manager) HasPending() (bool, error) {
	creds, err := m.store.ListCredentials()
	if err != nil {
		return false, err
	}
	for _, cred := range creds {
		if cred.PendingApply {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) write(ctx context.Context, name, value string, scope types.CredentialScope) (*types.Credential, error) {
	if !m.authority.IsCoordinator() {
		return nil, errdefs.Precondition("credential writes require coordination authority")
	}
	if name == "" {
		return nil, errdefs.InvalidArgument("credential name cannot be empty")
	}

	if value == "" {
		generated, err := GeneratePassword()
		if err != nil {
			return nil, err
		}
		value = generated
	}

	ciphertext, err := encrypt(m.key, []byte(value))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential %s: %w", name, err)
	}

	cred := &types.Credential{
		Name:         name,
		Value:        ciphertext,
		Version:      uuid.NewString(),
		Scope:        scope,
		PendingApply: true,
		UpdatedAt:    time.Now().UTC(),
	}

	// Store first: once the value is durable and replicated, engine
	// application can be retried from any future pass.
	if err := m.store.PutCredential(cred); err != nil {
		return nil, err
	}

	if err := m.admin.ApplyCredential(ctx, name, value); err != nil {
		// Leave the pending marker set; ApplyPending retries it.
		m.logger.Warn().Err(err).Str("credential", name).
			Msg("engine apply deferred, will retry")
		return cred, nil
	}

	cred.PendingApply = false
	if err := m.store.PutCredential(cred); err != nil {
		return nil, err
	}
	return cred, nil
}

func relationName(relationID string) string {
	return "relation-" + relationID
}
