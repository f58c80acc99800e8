// Package account handles account deletion: users past their grace period
// get an audit snapshot archived, then their rows hard-deleted.
package account

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/listpilot/internal/archive"
	"github.com/ignite/listpilot/internal/jobs"
	"github.com/ignite/listpilot/internal/pkg/logger"
)

// DefaultGracePeriod is how long after a deletion request the data is kept
// so the user can change their mind.
const DefaultGracePeriod = 30 * 24 * time.Hour

// DeletionArchiver writes the pre-deletion audit snapshot.
type DeletionArchiver interface {
	ArchiveDeletion(ctx context.Context, snap *archive.Snapshot) error
}

// DeletionService sweeps users whose grace period has elapsed.
type DeletionService struct {
	db       *sql.DB
	archiver DeletionArchiver
	grace    time.Duration
}

// NewDeletionService creates the service. archiver may be nil to skip
// snapshots (local development).
func NewDeletionService(db *sql.DB, archiver DeletionArchiver, grace time.Duration) *DeletionService {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &DeletionService{db: db, archiver: archiver, grace: grace}
}

// RunSweep deletes every user whose deletion request is older than the
// grace period. Users fail independently; the sweep continues. Returns
// deleted and failed counts.
func (s *DeletionService) RunSweep(ctx context.Context) (int, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM users
		WHERE deleted_at IS NOT NULL
		  AND deleted_at < now() - $1::interval`,
		s.grace.String())
	if err != nil {
		return 0, 0, fmt.Errorf("listing users due for deletion: %w", err)
	}
	defer rows.Close()

	var due []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return 0, 0, err
		}
		due = append(due, id)
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	deleted, failed := 0, 0
	for _, userID := range due {
		if err := s.deleteUser(ctx, userID); err != nil {
			failed++
			logger.Error("account deletion failed", "user_id", userID.String(), "error", err.Error())
			continue
		}
		deleted++
	}
	if len(due) > 0 {
		logger.Info("account deletion sweep",
			"due", fmt.Sprintf("%d", len(due)),
			"deleted", fmt.Sprintf("%d", deleted), "failed", fmt.Sprintf("%d", failed))
	}
	return deleted, failed, nil
}

// deleteUser archives a snapshot, then removes the user row. Everything
// else (connections, subscribers, sync history, usage, subscriptions,
// oauth state) goes with it via ON DELETE CASCADE.
func (s *DeletionService) deleteUser(ctx context.Context, userID uuid.UUID) error {
	if s.archiver != nil {
		snap, err := s.buildSnapshot(ctx, userID)
		if err != nil {
			logger.Warn("building deletion snapshot", "user_id", userID.String(), "error", err.Error())
		} else if err := s.archiver.ArchiveDeletion(ctx, snap); err != nil {
			// Audit is best effort; deletion proceeds.
			logger.Warn("archiving deletion snapshot", "user_id", userID.String(), "error", err.Error())
		}
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("deleting user %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already gone; a redelivered job is a no-op.
		return nil
	}
	logger.Info("account deleted", "user_id", userID.String())
	return nil
}

// buildSnapshot assembles the audit record from the rows about to vanish.
func (s *DeletionService) buildSnapshot(ctx context.Context, userID uuid.UUID) (*archive.Snapshot, error) {
	snap := &archive.Snapshot{
		UserID:    userID,
		DeletedAt: time.Now().UTC(),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, status FROM esp_connections WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("loading connections: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c archive.ConnSummary
		if err := rows.Scan(&c.ID, &c.Provider, &c.Status); err != nil {
			return nil, err
		}
		snap.Connections = append(snap.Connections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	usage, err := queryMaps(ctx, s.db, `
		SELECT period_start, period_end, max_subscriber_count, amount_cents, status
		FROM billing_usage WHERE user_id = $1
		ORDER BY period_start`, userID)
	if err != nil {
		return nil, fmt.Errorf("loading billing usage: %w", err)
	}
	snap.BillingUsage = usage

	history, err := queryMaps(ctx, s.db, `
		SELECT h.esp_connection_id, h.status, h.started_at, h.completed_at, h.subscriber_count
		FROM sync_history h
		JOIN esp_connections c ON c.id = h.esp_connection_id
		WHERE c.user_id = $1
		ORDER BY h.started_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("loading sync history: %w", err)
	}
	snap.SyncHistory = history

	return snap, nil
}

// queryMaps runs a query and returns generic column/value maps for the
// JSON snapshot.
func queryMaps(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				m[c] = string(b)
			} else {
				m[c] = vals[i]
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// HandleDeletionJob adapts the sweep to the job contract. A payload
// carrying a user id deletes just that user, regardless of grace period
// (manual reruns for users already past it).
func (s *DeletionService) HandleDeletionJob(ctx context.Context, job *jobs.Job) error {
	var payload jobs.MaintenancePayload
	if err := jobs.UnmarshalPayload(job, &payload); err != nil {
		return jobs.Permanent(err)
	}
	if payload.UserID != uuid.Nil {
		return s.deleteUser(ctx, payload.UserID)
	}
	_, _, err := s.RunSweep(ctx)
	return err
}
