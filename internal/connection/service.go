package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/listpilot/internal/connector"
	"github.com/ignite/listpilot/internal/crypto"
	"github.com/ignite/listpilot/internal/pkg/logger"
)

// defaultTokenTTL applies when a provider omits expires_in.
const defaultTokenTTL = 3600 * time.Second

// Service is the connection registry: CRUD over connection records with
// ownership enforcement and connector-backed credential validation.
type Service struct {
	repo       *Repository
	registry   *connector.Registry
	encryption *crypto.Service
}

// NewService creates the registry service.
func NewService(repo *Repository, registry *connector.Registry, encryption *crypto.Service) *Service {
	return &Service{repo: repo, registry: registry, encryption: encryption}
}

// FindByID loads a connection. When ownerUserID is non-nil the caller is
// acting on behalf of a user and ownership is enforced: a mismatch is
// ErrForbidden, not ErrNotFound, so the surrounding layer can distinguish
// "gone" from "not yours".
func (s *Service) FindByID(ctx context.Context, id uuid.UUID, ownerUserID *uuid.UUID) (*Connection, error) {
	c, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerUserID != nil && c.UserID != *ownerUserID {
		return nil, ErrForbidden
	}
	return c, nil
}

// CreateAPIKeyConnection validates the key against the provider and stores
// an encrypted connection bound to exactly one publication.
func (s *Service) CreateAPIKeyConnection(ctx context.Context, userID uuid.UUID, provider connector.Provider, apiKey, publicationID string) (*Connection, error) {
	if apiKey == "" || publicationID == "" {
		return nil, fmt.Errorf("%w: api key and publication id are required", ErrValidation)
	}

	conn, err := s.registry.ForProvider(provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	ok, err := conn.ValidateCredential(ctx, apiKey, publicationID)
	if err != nil {
		return nil, fmt.Errorf("validating credential: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: provider rejected the credential", ErrValidation)
	}

	encKey, err := s.encryption.Encrypt(apiKey)
	if err != nil {
		return nil, fmt.Errorf("encrypting api key: %w", err)
	}

	now := time.Now().UTC()
	c := &Connection{
		ID:              uuid.New(),
		UserID:          userID,
		Provider:        provider,
		Auth:            AuthAPIKey,
		EncryptedAPIKey: encKey,
		PublicationIDs:  []string{publicationID},
		Status:          StatusActive,
		SyncStatus:      SyncIdle,
		LastValidatedAt: &now,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.ReplaceForUserProvider(ctx, c); err != nil {
		return nil, err
	}

	logger.Info("connection created",
		"connection_id", c.ID.String(), "provider", string(provider), "auth", string(AuthAPIKey))
	return c, nil
}

// CreateOAuthConnection stores a connection from a completed OAuth handshake.
// Re-authorization replaces any existing connection for the same
// (user, provider) pair; at most one exists at a time.
func (s *Service) CreateOAuthConnection(ctx context.Context, userID uuid.UUID, provider connector.Provider, accessToken, refreshToken string, expiresIn int64) (*Connection, error) {
	if accessToken == "" || refreshToken == "" {
		return nil, fmt.Errorf("%w: access and refresh tokens are required", ErrValidation)
	}

	conn, err := s.registry.ForProvider(provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := connector.AsOAuth(conn); err != nil {
		return nil, fmt.Errorf("%w: provider %s does not support oauth", ErrValidation, provider)
	}

	encAccess, err := s.encryption.Encrypt(accessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypting access token: %w", err)
	}
	encRefresh, err := s.encryption.Encrypt(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypting refresh token: %w", err)
	}

	ttl := defaultTokenTTL
	if expiresIn > 0 {
		ttl = time.Duration(expiresIn) * time.Second
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	c := &Connection{
		ID:                    uuid.New(),
		UserID:                userID,
		Provider:              provider,
		Auth:                  AuthOAuth,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		TokenExpiresAt:        &expiresAt,
		Status:                StatusActive,
		SyncStatus:            SyncIdle,
		LastValidatedAt:       &now,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.ReplaceForUserProvider(ctx, c); err != nil {
		return nil, err
	}

	logger.Info("connection created",
		"connection_id", c.ID.String(), "provider", string(provider), "auth", string(AuthOAuth))
	return c, nil
}

// SelectPublications updates the publication ids a sync covers.
func (s *Service) SelectPublications(ctx context.Context, id uuid.UUID, ownerUserID *uuid.UUID, publicationIDs []string) error {
	c, err := s.FindByID(ctx, id, ownerUserID)
	if err != nil {
		return err
	}
	if c.Auth == AuthAPIKey && len(publicationIDs) != 1 {
		return fmt.Errorf("%w: api-key connection requires exactly one publication id", ErrValidation)
	}
	return s.repo.UpdatePublications(ctx, id, publicationIDs)
}

// Delete disconnects a provider; subscriber rows and sync history cascade.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, ownerUserID *uuid.UUID) error {
	if _, err := s.FindByID(ctx, id, ownerUserID); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

// Connector resolves the connector for an existing connection.
func (s *Service) Connector(c *Connection) (connector.Connector, error) {
	return s.registry.ForProvider(c.Provider)
}

// DecryptSecret returns the plaintext credential for a connection: the API
// key for api-key connections, the access token for OAuth connections.
func (s *Service) DecryptSecret(c *Connection) (string, error) {
	if c.IsOAuth() {
		return s.encryption.Decrypt(c.EncryptedAccessToken)
	}
	return s.encryption.Decrypt(c.EncryptedAPIKey)
}
