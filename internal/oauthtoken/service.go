// Package oauthtoken keeps OAuth connections usable: it refreshes access
// tokens, wraps data calls in the retry-once-on-401 protocol, and manages
// the short-lived anti-CSRF state of the authorization handshake.
package oauthtoken

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/listpilot/internal/connection"
	"github.com/ignite/listpilot/internal/connector"
	"github.com/ignite/listpilot/internal/crypto"
	"github.com/ignite/listpilot/internal/pkg/logger"
	"golang.org/x/oauth2"
)

// defaultExpiresIn applies when the token endpoint omits expires_in.
const defaultExpiresIn = 3600 * time.Second

var (
	// ErrReconnectRequired means the refresh token itself was rejected.
	// Only the user can fix this by re-authorizing; it is never retried.
	ErrReconnectRequired = errors.New("oauthtoken: refresh token rejected, user must reconnect")

	// ErrConfigurationMissing means the provider's OAuth client credentials
	// are not configured. Permanent, and loud in the logs.
	ErrConfigurationMissing = errors.New("oauthtoken: oauth client credentials not configured")
)

// ClientCredentials are the per-provider OAuth app credentials.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// Service refreshes tokens for OAuth connections and persists the result.
type Service struct {
	repo        *connection.Repository
	registry    *connector.Registry
	encryption  *crypto.Service
	credentials map[connector.Provider]ClientCredentials
}

// NewService creates the token refresh service.
func NewService(repo *connection.Repository, registry *connector.Registry, encryption *crypto.Service, credentials map[connector.Provider]ClientCredentials) *Service {
	return &Service{repo: repo, registry: registry, encryption: encryption, credentials: credentials}
}

// RefreshToken exchanges the stored refresh token for a fresh access token
// and persists the rotated secrets. Providers are not required to rotate the
// refresh token; when they don't, the existing one is kept.
func (s *Service) RefreshToken(ctx context.Context, conn *connection.Connection) error {
	if !conn.IsOAuth() {
		return fmt.Errorf("%w: connection %s does not use oauth", connection.ErrValidation, conn.ID)
	}
	if conn.EncryptedRefreshToken == "" {
		return fmt.Errorf("%w: connection %s has no refresh token", connection.ErrValidation, conn.ID)
	}

	c, err := s.registry.ForProvider(conn.Provider)
	if err != nil {
		return fmt.Errorf("%w: %v", connection.ErrValidation, err)
	}
	oc, err := connector.AsOAuth(c)
	if err != nil {
		return fmt.Errorf("%w: provider %s is not oauth-capable", connection.ErrValidation, conn.Provider)
	}

	creds, ok := s.credentials[conn.Provider]
	if !ok || creds.ClientID == "" || creds.ClientSecret == "" {
		logger.Error("oauth client credentials missing",
			"provider", string(conn.Provider), "connection_id", conn.ID.String())
		return fmt.Errorf("%w: provider %s", ErrConfigurationMissing, conn.Provider)
	}

	refreshToken, err := s.encryption.Decrypt(conn.EncryptedRefreshToken)
	if err != nil {
		return fmt.Errorf("decrypting refresh token: %w", err)
	}

	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     oc.OAuthEndpoint(),
	}
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) &&
			(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			// The refresh token is dead. Flag the connection so the UI can
			// prompt for re-authorization.
			if uerr := s.repo.UpdateStatus(ctx, conn.ID, connection.StatusInvalid); uerr != nil {
				logger.Error("marking connection invalid", "connection_id", conn.ID.String(), "error", uerr.Error())
			}
			return fmt.Errorf("%w: %v", ErrReconnectRequired, err)
		}
		// Network or provider trouble: the caller's retry policy applies.
		return fmt.Errorf("refreshing token for connection %s: %w", conn.ID, err)
	}

	encAccess, err := s.encryption.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}
	encRefresh := conn.EncryptedRefreshToken
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if encRefresh, err = s.encryption.Encrypt(tok.RefreshToken); err != nil {
			return fmt.Errorf("encrypting refresh token: %w", err)
		}
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().UTC().Add(defaultExpiresIn)
	}

	if err := s.repo.UpdateTokens(ctx, conn.ID, encAccess, encRefresh, expiresAt.UTC()); err != nil {
		return err
	}

	logger.Info("access token refreshed",
		"connection_id", conn.ID.String(), "provider", string(conn.Provider),
		"expires_at", expiresAt.UTC().Format(time.RFC3339),
		"rotated_refresh", fmt.Sprintf("%t", tok.RefreshToken != "" && tok.RefreshToken != refreshToken))
	return nil
}

// RefreshExpiring scans for connections whose tokens expire within the
// lookahead window and refreshes each independently: one dead grant must not
// stall the rest of the fleet. Returns the number of failures.
func (s *Service) RefreshExpiring(ctx context.Context, window time.Duration) (int, error) {
	conns, err := s.repo.ListTokensExpiringWithin(ctx, window)
	if err != nil {
		return 0, err
	}

	failures := 0
	for _, conn := range conns {
		if err := s.RefreshToken(ctx, conn); err != nil {
			failures++
			logger.Warn("token refresh failed",
				"connection_id", conn.ID.String(), "provider", string(conn.Provider), "error", err.Error())
		}
	}
	if len(conns) > 0 {
		logger.Info("token refresh sweep finished",
			"scanned", fmt.Sprintf("%d", len(conns)), "failed", fmt.Sprintf("%d", failures))
	}
	return failures, nil
}
