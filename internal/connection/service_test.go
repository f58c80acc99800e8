package connection

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/ignite/listpilot/internal/connector"
	"github.com/ignite/listpilot/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "6368616e676520746869732070617373776f726420746f206120736563726574"

type fakeConnector struct {
	provider   connector.Provider
	validateOK bool
}

func (f *fakeConnector) Provider() connector.Provider { return f.provider }
func (f *fakeConnector) ValidateCredential(ctx context.Context, secret, pub string) (bool, error) {
	return f.validateOK, nil
}
func (f *fakeConnector) ListPublications(ctx context.Context, secret string) ([]connector.Publication, error) {
	return nil, nil
}
func (f *fakeConnector) ListSubscribers(ctx context.Context, secret, pub string) ([]connector.SubscriberRecord, error) {
	return nil, nil
}
func (f *fakeConnector) CountSubscribers(ctx context.Context, secret, pub string) (int, error) {
	return 0, nil
}

func newTestService(t *testing.T, validateOK bool) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	enc, err := crypto.New(testKeyHex)
	require.NoError(t, err)

	reg := connector.NewRegistry()
	reg.Register(&fakeConnector{provider: connector.ProviderBeehiiv, validateOK: validateOK})

	return NewService(NewRepository(db), reg, enc), mock
}

func TestCreateAPIKeyConnectionValidatesAndEncrypts(t *testing.T) {
	svc, mock := newTestService(t, true)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM esp_connections WHERE user_id`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO esp_connections`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c, err := svc.CreateAPIKeyConnection(context.Background(),
		uuid.New(), connector.ProviderBeehiiv, "key-plain", "pub_1")
	require.NoError(t, err)

	assert.Equal(t, AuthAPIKey, c.Auth)
	assert.Equal(t, []string{"pub_1"}, c.PublicationIDs)
	assert.Equal(t, SyncIdle, c.SyncStatus)
	assert.NotEqual(t, "key-plain", c.EncryptedAPIKey, "api key must be stored encrypted")

	plain, err := svc.DecryptSecret(c)
	require.NoError(t, err)
	assert.Equal(t, "key-plain", plain)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAPIKeyConnectionRejectsBadCredential(t *testing.T) {
	svc, _ := newTestService(t, false)

	_, err := svc.CreateAPIKeyConnection(context.Background(),
		uuid.New(), connector.ProviderBeehiiv, "bad-key", "pub_1")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateOAuthConnectionRejectsNonOAuthProvider(t *testing.T) {
	svc, _ := newTestService(t, true)

	// The fake beehiiv connector is API-key-only.
	_, err := svc.CreateOAuthConnection(context.Background(),
		uuid.New(), connector.ProviderBeehiiv, "at", "rt", 3600)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFindByIDEnforcesOwnership(t *testing.T) {
	svc, mock := newTestService(t, true)

	c := testConnection()
	mock.ExpectQuery(`SELECT .+ FROM esp_connections WHERE id`).
		WithArgs(c.ID).
		WillReturnRows(connectionRows(c))

	other := uuid.New()
	_, err := svc.FindByID(context.Background(), c.ID, &other)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSelectPublicationsAPIKeyRequiresExactlyOne(t *testing.T) {
	svc, mock := newTestService(t, true)

	c := testConnection()
	mock.ExpectQuery(`SELECT .+ FROM esp_connections WHERE id`).
		WithArgs(c.ID).
		WillReturnRows(connectionRows(c))

	err := svc.SelectPublications(context.Background(), c.ID, nil, []string{"a", "b"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestConnectionValidateInvariants(t *testing.T) {
	oauth := &Connection{Auth: AuthOAuth}
	assert.ErrorIs(t, oauth.Validate(), ErrValidation, "oauth without refresh token")

	apiKey := &Connection{Auth: AuthAPIKey, EncryptedAPIKey: "x"}
	assert.ErrorIs(t, apiKey.Validate(), ErrValidation, "api-key without publication")

	apiKey.PublicationIDs = []string{"pub_1"}
	assert.NoError(t, apiKey.Validate())

	oauth.EncryptedRefreshToken = "r"
	assert.NoError(t, oauth.Validate())
}
