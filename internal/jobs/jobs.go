// Package jobs is the at-least-once job layer: a Postgres-backed queue,
// a claiming worker pool, stall recovery, and a recurring scheduler.
// Handlers must be idempotent; the queue may deliver a job more than once.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job types. Payload shapes are documented next to each constant.
const (
	// TypeSyncPublication pulls one connection's subscriber list.
	// Payload: SyncPayload.
	TypeSyncPublication = "sync-publication"

	// TypeTokenRefresh sweeps connections with tokens expiring soon.
	TypeTokenRefresh = "oauth-token-refresh"

	// TypeStateCleanup deletes expired OAuth handshake state rows.
	TypeStateCleanup = "oauth-state-cleanup"

	// TypeSyncAll fans out a TypeSyncPublication job per active connection.
	TypeSyncAll = "sync-all"

	// TypeMonthlyBilling recomputes usage for every active subscription.
	// Payload: empty, or MaintenancePayload for a single-user rerun.
	TypeMonthlyBilling = "monthly-billing"

	// TypeAccountDeletion hard-deletes users past their grace period.
	// Payload: empty, or MaintenancePayload for a single-user rerun.
	TypeAccountDeletion = "account-deletion"
)

// SyncPayload identifies the connection a sync job operates on.
type SyncPayload struct {
	ESPConnectionID uuid.UUID `json:"espConnectionId"`
}

// MaintenancePayload optionally narrows a maintenance job to one user.
// The zero value means the job covers everyone.
type MaintenancePayload struct {
	UserID uuid.UUID `json:"userId,omitempty"`
}

// Job statuses.
const (
	StatusPending   = "pending"
	StatusClaimed   = "claimed"
	StatusCompleted = "completed"
	StatusDead      = "dead"
)

// Job is one unit of work from the queue.
type Job struct {
	ID          int64
	Type        string
	Payload     json.RawMessage
	Status      string
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	CreatedAt   time.Time
}

// FinalAttempt reports whether the current execution is the job's last:
// no retry will follow if it fails.
func (j *Job) FinalAttempt() bool {
	return j.Attempts >= j.MaxAttempts
}

// UnmarshalPayload decodes the job payload into v.
func UnmarshalPayload(j *Job, v interface{}) error {
	if len(j.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", j.Type, err)
	}
	return nil
}

// permanentError marks a failure as not worth retrying.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the queue dead-letters the job immediately
// instead of consuming the remaining retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
