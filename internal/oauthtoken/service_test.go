package oauthtoken

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/ignite/listpilot/internal/connection"
	"github.com/ignite/listpilot/internal/connector"
	"github.com/ignite/listpilot/internal/crypto"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const testKeyHex = "6368616e676520746869732070617373776f726420746f206120736563726574"

// fakeOAuthConnector satisfies connector.OAuthConnector with a pluggable
// token endpoint.
type fakeOAuthConnector struct {
	tokenURL string
}

func (f *fakeOAuthConnector) Provider() connector.Provider { return connector.ProviderKit }
func (f *fakeOAuthConnector) OAuthEndpoint() oauth2.Endpoint {
	return oauth2.Endpoint{AuthURL: f.tokenURL, TokenURL: f.tokenURL}
}
func (f *fakeOAuthConnector) ValidateCredential(ctx context.Context, secret, pub string) (bool, error) {
	return true, nil
}
func (f *fakeOAuthConnector) ListPublications(ctx context.Context, secret string) ([]connector.Publication, error) {
	return nil, nil
}
func (f *fakeOAuthConnector) ListSubscribers(ctx context.Context, secret, pub string) ([]connector.SubscriberRecord, error) {
	return nil, nil
}
func (f *fakeOAuthConnector) CountSubscribers(ctx context.Context, secret, pub string) (int, error) {
	return 0, nil
}
func (f *fakeOAuthConnector) ValidateAccessToken(ctx context.Context, tok string) (bool, error) {
	return true, nil
}
func (f *fakeOAuthConnector) ListPublicationsOAuth(ctx context.Context, tok string) ([]connector.Publication, error) {
	return nil, nil
}
func (f *fakeOAuthConnector) ListSubscribersOAuth(ctx context.Context, tok, pub string) ([]connector.SubscriberRecord, error) {
	return nil, nil
}
func (f *fakeOAuthConnector) CountSubscribersOAuth(ctx context.Context, tok, pub string) (int, error) {
	return 0, nil
}

type fixture struct {
	svc  *Service
	mock sqlmock.Sqlmock
	enc  *crypto.Service
}

func newFixture(t *testing.T, tokenURL string) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	enc, err := crypto.New(testKeyHex)
	require.NoError(t, err)

	reg := connector.NewRegistry()
	reg.Register(&fakeOAuthConnector{tokenURL: tokenURL})

	creds := map[connector.Provider]ClientCredentials{
		connector.ProviderKit: {ClientID: "client-1", ClientSecret: "secret-1"},
	}
	return &fixture{
		svc:  NewService(connection.NewRepository(db), reg, enc, creds),
		mock: mock,
		enc:  enc,
	}
}

func oauthConnection(t *testing.T, enc *crypto.Service, refreshToken string) *connection.Connection {
	t.Helper()
	encRefresh, err := enc.Encrypt(refreshToken)
	require.NoError(t, err)
	encAccess, err := enc.Encrypt("old-access")
	require.NoError(t, err)
	return &connection.Connection{
		ID:                    uuid.New(),
		UserID:                uuid.New(),
		Provider:              connector.ProviderKit,
		Auth:                  connection.AuthOAuth,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		Status:                connection.StatusActive,
		SyncStatus:            connection.SyncIdle,
	}
}

func TestRefreshTokenPersistsRotatedPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"token_type":    "Bearer",
			"expires_in":    7200,
		})
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	conn := oauthConnection(t, f.enc, "old-refresh")

	f.mock.ExpectExec(`UPDATE esp_connections\s+SET encrypted_access_token`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, f.svc.RefreshToken(context.Background(), conn))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRefreshTokenDeadGrantIsReconnectRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	conn := oauthConnection(t, f.enc, "revoked-refresh")

	// The connection is flagged invalid so the UI can prompt reconnection.
	f.mock.ExpectExec(`UPDATE esp_connections SET status`).
		WithArgs(conn.ID, connection.StatusInvalid).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := f.svc.RefreshToken(context.Background(), conn)
	assert.ErrorIs(t, err, ErrReconnectRequired)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRefreshExpiringLeavesInvalidConnectionsAlone(t *testing.T) {
	var endpointHits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&endpointHits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)

	// A connection whose refresh token was already rejected sits at status
	// invalid; the sweep query asks only for active rows, so the dead grant
	// is never exchanged again until the user reconnects.
	f.mock.ExpectQuery(`FROM esp_connections[\s\S]*status = \$2[\s\S]*token_expires_at`).
		WithArgs(connection.AuthOAuth, connection.StatusActive, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	refreshed, err := f.svc.RefreshExpiring(context.Background(), 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, refreshed)
	assert.Zero(t, atomic.LoadInt32(&endpointHits), "token endpoint must stay untouched")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRefreshTokenServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	conn := oauthConnection(t, f.enc, "rt")

	err := f.svc.RefreshToken(context.Background(), conn)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReconnectRequired, "5xx is transient, not a dead grant")
}

func TestRefreshTokenPreconditions(t *testing.T) {
	f := newFixture(t, "http://unused.invalid")

	apiKeyConn := &connection.Connection{
		ID: uuid.New(), Provider: connector.ProviderKit, Auth: connection.AuthAPIKey,
	}
	assert.ErrorIs(t, f.svc.RefreshToken(context.Background(), apiKeyConn), connection.ErrValidation)

	noRefresh := &connection.Connection{
		ID: uuid.New(), Provider: connector.ProviderKit, Auth: connection.AuthOAuth,
	}
	assert.ErrorIs(t, f.svc.RefreshToken(context.Background(), noRefresh), connection.ErrValidation)
}

func TestRefreshTokenMissingClientCredentials(t *testing.T) {
	f := newFixture(t, "http://unused.invalid")
	f.svc.credentials = map[connector.Provider]ClientCredentials{}

	conn := oauthConnection(t, f.enc, "rt")
	assert.ErrorIs(t, f.svc.RefreshToken(context.Background(), conn), ErrConfigurationMissing)
}

func TestWithTokenRefreshRetriesExactlyOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fresh-access", "token_type": "Bearer", "expires_in": 3600,
		})
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	conn := oauthConnection(t, f.enc, "rt")

	// Refresh persists, then the wrapper reloads the connection.
	f.mock.ExpectExec(`UPDATE esp_connections\s+SET encrypted_access_token`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	reloaded := oauthConnection(t, f.enc, "rt")
	reloaded.ID = conn.ID
	freshEnc, err := f.enc.Encrypt("fresh-access")
	require.NoError(t, err)
	reloaded.EncryptedAccessToken = freshEnc

	f.mock.ExpectQuery(`SELECT .+ FROM esp_connections WHERE id`).
		WithArgs(conn.ID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "provider", "auth_method",
			"encrypted_api_key", "encrypted_access_token", "encrypted_refresh_token", "token_expires_at",
			"publication_ids", "status", "sync_status",
			"last_validated_at", "last_synced_at", "created_at", "updated_at",
		}).AddRow(
			reloaded.ID, reloaded.UserID, reloaded.Provider, reloaded.Auth,
			"", reloaded.EncryptedAccessToken, reloaded.EncryptedRefreshToken, nil,
			pq.Array([]string{}), reloaded.Status, reloaded.SyncStatus,
			nil, nil, time.Now(), time.Now(),
		))

	var calls int32
	err = f.svc.WithTokenRefresh(context.Background(), conn, func(accessToken string) error {
		atomic.AddInt32(&calls, 1)
		// Always reject: the wrapper must stop after one refresh+retry.
		return &connector.Error{Kind: connector.KindCredentialInvalid, Provider: connector.ProviderKit, Op: "list", Status: 401}
	})

	require.Error(t, err)
	assert.True(t, connector.IsCredentialInvalid(err), "second failure propagates unmodified")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "original call + exactly one retry")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestWithTokenRefreshPassesNonCredentialErrorsThrough(t *testing.T) {
	f := newFixture(t, "http://unused.invalid")
	conn := oauthConnection(t, f.enc, "rt")

	var calls int32
	err := f.svc.WithTokenRefresh(context.Background(), conn, func(accessToken string) error {
		atomic.AddInt32(&calls, 1)
		return &connector.Error{Kind: connector.KindRateLimited, Provider: connector.ProviderKit, Op: "list", Status: 429}
	})

	assert.True(t, connector.IsKind(err, connector.KindRateLimited))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "no refresh for non-credential failures")
}

func TestWithTokenRefreshUsesFreshTokenOnRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fresh-access", "token_type": "Bearer", "expires_in": 3600,
		})
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	conn := oauthConnection(t, f.enc, "rt")

	f.mock.ExpectExec(`UPDATE esp_connections\s+SET encrypted_access_token`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	freshEnc, err := f.enc.Encrypt("fresh-access")
	require.NoError(t, err)
	f.mock.ExpectQuery(`SELECT .+ FROM esp_connections WHERE id`).
		WithArgs(conn.ID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "provider", "auth_method",
			"encrypted_api_key", "encrypted_access_token", "encrypted_refresh_token", "token_expires_at",
			"publication_ids", "status", "sync_status",
			"last_validated_at", "last_synced_at", "created_at", "updated_at",
		}).AddRow(
			conn.ID, conn.UserID, conn.Provider, conn.Auth,
			"", freshEnc, conn.EncryptedRefreshToken, nil,
			pq.Array([]string{}), conn.Status, conn.SyncStatus,
			nil, nil, time.Now(), time.Now(),
		))

	var seen []string
	err = f.svc.WithTokenRefresh(context.Background(), conn, func(accessToken string) error {
		seen = append(seen, accessToken)
		if len(seen) == 1 {
			return &connector.Error{Kind: connector.KindCredentialInvalid, Provider: connector.ProviderKit, Op: "list", Status: 401}
		}
		return nil
	})

	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, "old-access", seen[0])
	assert.Equal(t, "fresh-access", seen[1])
}
