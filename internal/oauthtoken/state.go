package oauthtoken

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/listpilot/internal/connector"
	"github.com/ignite/listpilot/internal/pkg/logger"
)

// stateTTL bounds how long an authorization handshake may take.
const stateTTL = 10 * time.Minute

// ErrStateInvalid means the state token is unknown, already used, or
// expired. The callback is rejected as a possible forgery.
var ErrStateInvalid = errors.New("oauthtoken: oauth state invalid or expired")

// State binds an in-flight OAuth authorization to the user who started it.
type State struct {
	Token       string
	UserID      uuid.UUID
	Provider    connector.Provider
	RedirectURI string
	ExpiresAt   time.Time
}

// StateStore persists handshake state rows.
type StateStore struct {
	db *sql.DB
}

// NewStateStore creates the store.
func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// Create issues a fresh random state token for a handshake.
func (s *StateStore) Create(ctx context.Context, userID uuid.UUID, provider connector.Provider, redirectURI string) (*State, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	st := &State{
		Token:       hex.EncodeToString(b),
		UserID:      userID,
		Provider:    provider,
		RedirectURI: redirectURI,
		ExpiresAt:   time.Now().UTC().Add(stateTTL),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_states (token, user_id, provider, redirect_uri, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,now())`,
		st.Token, st.UserID, st.Provider, st.RedirectURI, st.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("creating oauth state: %w", err)
	}
	return st, nil
}

// Consume validates and deletes a state token in one statement, so a token
// can never be replayed even by two concurrent callbacks.
func (s *StateStore) Consume(ctx context.Context, token string) (*State, error) {
	var st State
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM oauth_states
		WHERE token = $1 AND expires_at > now()
		RETURNING token, user_id, provider, redirect_uri, expires_at`,
		token).Scan(&st.Token, &st.UserID, &st.Provider, &st.RedirectURI, &st.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("consuming oauth state: %w", err)
	}
	return &st, nil
}

// DeleteExpired sweeps abandoned handshakes. Expired rows are also rejected
// by Consume; the sweep just keeps the table from growing.
func (s *StateStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("deleting expired oauth states: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.Debug("expired oauth states removed", "count", fmt.Sprintf("%d", n))
	}
	return n, nil
}
