package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/listpilot/internal/connector"
	"github.com/lib/pq"
)

const connectionColumns = `
	id, user_id, provider, auth_method,
	encrypted_api_key, encrypted_access_token, encrypted_refresh_token, token_expires_at,
	publication_ids, status, sync_status,
	last_validated_at, last_synced_at, created_at, updated_at`

// Repository persists connections in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a connection repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func scanConnection(row interface{ Scan(...interface{}) error }) (*Connection, error) {
	var c Connection
	var apiKey, accessToken, refreshToken sql.NullString
	var tokenExpiresAt, lastValidatedAt, lastSyncedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.UserID, &c.Provider, &c.Auth,
		&apiKey, &accessToken, &refreshToken, &tokenExpiresAt,
		pq.Array(&c.PublicationIDs), &c.Status, &c.SyncStatus,
		&lastValidatedAt, &lastSyncedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.EncryptedAPIKey = apiKey.String
	c.EncryptedAccessToken = accessToken.String
	c.EncryptedRefreshToken = refreshToken.String
	if tokenExpiresAt.Valid {
		t := tokenExpiresAt.Time
		c.TokenExpiresAt = &t
	}
	if lastValidatedAt.Valid {
		t := lastValidatedAt.Time
		c.LastValidatedAt = &t
	}
	if lastSyncedAt.Valid {
		t := lastSyncedAt.Time
		c.LastSyncedAt = &t
	}
	return &c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// FindByID loads one connection.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*Connection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT`+connectionColumns+` FROM esp_connections WHERE id = $1`, id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading connection: %w", err)
	}
	return c, nil
}

// FindByUserAndProvider loads the single connection for a (user, provider)
// pair, or ErrNotFound. At most one exists per pair.
func (r *Repository) FindByUserAndProvider(ctx context.Context, userID uuid.UUID, provider connector.Provider) (*Connection, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT`+connectionColumns+` FROM esp_connections WHERE user_id = $1 AND provider = $2`,
		userID, provider)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading connection: %w", err)
	}
	return c, nil
}

// ListActive returns every connection eligible for the nightly sync sweep.
func (r *Repository) ListActive(ctx context.Context) ([]*Connection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT`+connectionColumns+` FROM esp_connections WHERE status = $1 ORDER BY created_at`,
		StatusActive)
	if err != nil {
		return nil, fmt.Errorf("listing active connections: %w", err)
	}
	defer rows.Close()

	var out []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListTokensExpiringWithin returns active OAuth connections whose access
// token expires inside the lookahead window (or already has). Invalid
// connections are excluded: a dead refresh token needs the user to
// reconnect, and sweeping it again only hammers the token endpoint.
func (r *Repository) ListTokensExpiringWithin(ctx context.Context, window time.Duration) ([]*Connection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT`+connectionColumns+` FROM esp_connections
		 WHERE auth_method = $1 AND status = $2 AND token_expires_at IS NOT NULL AND token_expires_at <= $3
		 ORDER BY token_expires_at`,
		AuthOAuth, StatusActive, time.Now().UTC().Add(window))
	if err != nil {
		return nil, fmt.Errorf("listing expiring tokens: %w", err)
	}
	defer rows.Close()

	var out []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Insert stores a new connection.
func (r *Repository) Insert(ctx context.Context, c *Connection) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO esp_connections (
			id, user_id, provider, auth_method,
			encrypted_api_key, encrypted_access_token, encrypted_refresh_token, token_expires_at,
			publication_ids, status, sync_status, last_validated_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now(),now())`,
		c.ID, c.UserID, c.Provider, c.Auth,
		nullString(c.EncryptedAPIKey), nullString(c.EncryptedAccessToken),
		nullString(c.EncryptedRefreshToken), nullTime(c.TokenExpiresAt),
		pq.Array(c.PublicationIDs), c.Status, c.SyncStatus, nullTime(c.LastValidatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting connection: %w", err)
	}
	return nil
}

// UpdateTokens persists a refreshed token set and bumps last_validated_at.
func (r *Repository) UpdateTokens(ctx context.Context, id uuid.UUID, encAccess, encRefresh string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE esp_connections
		SET encrypted_access_token = $2,
		    encrypted_refresh_token = $3,
		    token_expires_at = $4,
		    last_validated_at = now(),
		    updated_at = now()
		WHERE id = $1`,
		id, encAccess, encRefresh, expiresAt)
	if err != nil {
		return fmt.Errorf("updating tokens: %w", err)
	}
	return nil
}

// UpdateSyncStatus sets the sync state unconditionally; state-machine entry
// guards go through BeginSync instead.
func (r *Repository) UpdateSyncStatus(ctx context.Context, id uuid.UUID, status SyncStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE esp_connections SET sync_status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("updating sync status: %w", err)
	}
	return nil
}

// BeginSync is the compare-and-set entry guard of the sync state machine:
// it moves the connection into "syncing" only when no sync currently runs,
// returning ErrConflict otherwise. This is the sole mutual-exclusion
// mechanism between concurrent sync jobs for one connection.
func (r *Repository) BeginSync(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE esp_connections
		SET sync_status = $2, updated_at = now()
		WHERE id = $1 AND sync_status <> $2`,
		id, SyncSyncing)
	if err != nil {
		return fmt.Errorf("acquiring sync guard: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the row is gone or it is already syncing.
		if _, ferr := r.FindByID(ctx, id); errors.Is(ferr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// FinishSync records a successful run.
func (r *Repository) FinishSync(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE esp_connections
		SET sync_status = $2, last_synced_at = $3, updated_at = now()
		WHERE id = $1`,
		id, SyncSynced, at)
	if err != nil {
		return fmt.Errorf("finishing sync: %w", err)
	}
	return nil
}

// UpdateStatus sets the credential-health status.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE esp_connections SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	return nil
}

// UpdatePublications replaces the selected publication ids.
func (r *Repository) UpdatePublications(ctx context.Context, id uuid.UUID, publicationIDs []string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE esp_connections SET publication_ids = $2, updated_at = now() WHERE id = $1`,
		id, pq.Array(publicationIDs))
	if err != nil {
		return fmt.Errorf("updating publications: %w", err)
	}
	return nil
}

// Delete removes a connection; subscribers and sync history cascade via
// foreign keys.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM esp_connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByUser removes every connection a user owns. Used by account deletion.
func (r *Repository) DeleteByUser(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM esp_connections WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("deleting user connections: %w", err)
	}
	return nil
}

// ReplaceForUserProvider atomically deletes any existing connection for the
// (user, provider) pair and inserts the replacement. Re-authorizing an
// already-connected provider replaces the old grant rather than coexisting
// with it.
func (r *Repository) ReplaceForUserProvider(ctx context.Context, c *Connection) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM esp_connections WHERE user_id = $1 AND provider = $2`,
		c.UserID, c.Provider); err != nil {
		return fmt.Errorf("replacing connection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO esp_connections (
			id, user_id, provider, auth_method,
			encrypted_api_key, encrypted_access_token, encrypted_refresh_token, token_expires_at,
			publication_ids, status, sync_status, last_validated_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now(),now())`,
		c.ID, c.UserID, c.Provider, c.Auth,
		nullString(c.EncryptedAPIKey), nullString(c.EncryptedAccessToken),
		nullString(c.EncryptedRefreshToken), nullTime(c.TokenExpiresAt),
		pq.Array(c.PublicationIDs), c.Status, c.SyncStatus, nullTime(c.LastValidatedAt),
	); err != nil {
		return fmt.Errorf("replacing connection: %w", err)
	}

	return tx.Commit()
}
