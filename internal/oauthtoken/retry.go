package oauthtoken

import (
	"context"
	"fmt"

	"github.com/ignite/listpilot/internal/connection"
	"github.com/ignite/listpilot/internal/connector"
	"github.com/ignite/listpilot/internal/pkg/logger"
)

// WithTokenRefresh runs an OAuth data call with the retry-once-on-401 rule:
// if the call fails because the provider rejected the access token, the
// token is refreshed exactly once, the connection reloaded, and the call
// retried with the new token. Any other failure, and any failure of the
// retried call, propagates unmodified. The bound of one refresh prevents a
// refresh loop when the refresh token itself is dead.
func (s *Service) WithTokenRefresh(ctx context.Context, conn *connection.Connection, call func(accessToken string) error) error {
	accessToken, err := s.encryption.Decrypt(conn.EncryptedAccessToken)
	if err != nil {
		return fmt.Errorf("decrypting access token: %w", err)
	}

	err = call(accessToken)
	if err == nil || !connector.IsCredentialInvalid(err) {
		return err
	}

	logger.Info("access token rejected, refreshing once",
		"connection_id", conn.ID.String(), "provider", string(conn.Provider))

	if rerr := s.RefreshToken(ctx, conn); rerr != nil {
		return rerr
	}

	// Reload: RefreshToken persisted a new encrypted token set.
	fresh, err := s.repo.FindByID(ctx, conn.ID)
	if err != nil {
		return fmt.Errorf("reloading connection after refresh: %w", err)
	}
	accessToken, err = s.encryption.Decrypt(fresh.EncryptedAccessToken)
	if err != nil {
		return fmt.Errorf("decrypting refreshed access token: %w", err)
	}

	return call(accessToken)
}
