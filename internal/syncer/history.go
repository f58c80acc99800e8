package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// History statuses.
const (
	HistorySuccess = "success"
	HistoryFailed  = "failed"
)

// HistoryEntry is one sync attempt in the append-only ledger. Rows are
// created optimistically as "success" when a run starts and corrected to
// "failed" only when the run's retry budget is exhausted, so transient
// retries never show up as lasting failures.
type HistoryEntry struct {
	ID              uuid.UUID
	ESPConnectionID uuid.UUID
	Status          string
	StartedAt       time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
	SubscriberCount int
}

// HistoryRepository persists sync history in Postgres.
type HistoryRepository struct {
	db *sql.DB
}

// NewHistoryRepository creates the repository.
func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Begin appends the optimistic row for a starting run.
func (r *HistoryRepository) Begin(ctx context.Context, connectionID uuid.UUID) (*HistoryEntry, error) {
	entry := &HistoryEntry{
		ID:              uuid.New(),
		ESPConnectionID: connectionID,
		Status:          HistorySuccess,
		StartedAt:       time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_history (id, esp_connection_id, status, started_at, subscriber_count)
		VALUES ($1, $2, $3, $4, 0)`,
		entry.ID, entry.ESPConnectionID, entry.Status, entry.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting sync history: %w", err)
	}
	return entry, nil
}

// MarkCompleted finishes a successful run with the observed count.
func (r *HistoryRepository) MarkCompleted(ctx context.Context, id uuid.UUID, completedAt time.Time, count int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_history
		SET completed_at = $2, subscriber_count = $3
		WHERE id = $1`,
		id, completedAt, count)
	if err != nil {
		return fmt.Errorf("completing sync history: %w", err)
	}
	return nil
}

// MarkFailed corrects the optimistic row after the final attempt failed.
func (r *HistoryRepository) MarkFailed(ctx context.Context, id uuid.UUID, completedAt time.Time, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_history
		SET status = $2, completed_at = $3, error_message = $4
		WHERE id = $1`,
		id, HistoryFailed, completedAt, errMsg)
	if err != nil {
		return fmt.Errorf("failing sync history: %w", err)
	}
	return nil
}

// ListByConnection returns the newest entries first.
func (r *HistoryRepository) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, esp_connection_id, status, started_at, completed_at, error_message, subscriber_count
		FROM sync_history
		WHERE esp_connection_id = $1
		ORDER BY started_at DESC
		LIMIT $2`,
		connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var completedAt sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.ESPConnectionID, &e.Status, &e.StartedAt,
			&completedAt, &errMsg, &e.SubscriberCount); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			t := completedAt.Time
			e.CompletedAt = &t
		}
		e.ErrorMessage = errMsg.String
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// SumPeakCounts returns, for one user and billing period, the sum over the
// user's connections of each connection's highest successfully observed
// subscriber count. This is the number the usage meter bills against.
func (r *HistoryRepository) SumPeakCounts(ctx context.Context, userID uuid.UUID, from, to time.Time) (int, error) {
	var total sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(peak), 0) FROM (
			SELECT MAX(h.subscriber_count) AS peak
			FROM sync_history h
			JOIN esp_connections c ON c.id = h.esp_connection_id
			WHERE c.user_id = $1
			  AND h.status = $2
			  AND h.completed_at IS NOT NULL
			  AND h.started_at >= $3
			  AND h.started_at < $4
			GROUP BY h.esp_connection_id
		) peaks`,
		userID, HistorySuccess, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing peak counts: %w", err)
	}
	return int(total.Int64), nil
}

// DeleteByConnection removes a connection's ledger. Used by cascade-style
// cleanup paths that cannot rely on the FK cascade.
func (r *HistoryRepository) DeleteByConnection(ctx context.Context, connectionID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sync_history WHERE esp_connection_id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("deleting sync history: %w", err)
	}
	return nil
}
