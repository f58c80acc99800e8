package subscriber

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Repository persists subscribers in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a subscriber repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Upsert inserts or updates by (esp_connection_id, external_id). Running the
// same record set twice yields the same rows: the unique key absorbs
// re-delivered sync jobs.
func (r *Repository) Upsert(ctx context.Context, s *Subscriber) error {
	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO subscribers (
			id, esp_connection_id, external_id,
			encrypted_email, masked_email, status,
			first_name, last_name, subscribed_at, unsubscribed_at,
			metadata, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now(),now())
		ON CONFLICT (esp_connection_id, external_id) DO UPDATE SET
			encrypted_email = EXCLUDED.encrypted_email,
			masked_email    = EXCLUDED.masked_email,
			status          = EXCLUDED.status,
			first_name      = EXCLUDED.first_name,
			last_name       = EXCLUDED.last_name,
			subscribed_at   = EXCLUDED.subscribed_at,
			unsubscribed_at = EXCLUDED.unsubscribed_at,
			metadata        = EXCLUDED.metadata,
			updated_at      = now()`,
		s.ID, s.ConnectionID, s.ExternalID,
		s.EncryptedEmail, s.MaskedEmail, s.Status,
		nullString(s.FirstName), nullString(s.LastName),
		s.SubscribedAt, s.UnsubscribedAt,
		meta,
	)
	if err != nil {
		return fmt.Errorf("upserting subscriber: %w", err)
	}
	return nil
}

// CountByConnection returns the stored row count for a connection.
func (r *Repository) CountByConnection(ctx context.Context, connectionID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM subscribers WHERE esp_connection_id = $1`,
		connectionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting subscribers: %w", err)
	}
	return n, nil
}

// DeleteByConnection removes all rows for a connection. Normally the FK
// cascade handles this; account deletion calls it explicitly so partial
// failures leave no orphans.
func (r *Repository) DeleteByConnection(ctx context.Context, connectionID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM subscribers WHERE esp_connection_id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("deleting subscribers: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
