// Package syncer runs subscriber sync for ESP connections: the sync state
// machine, the append-only history ledger, and the trigger/enqueue entry
// points used by the API surface and the nightly schedule.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/listpilot/internal/connection"
	"github.com/ignite/listpilot/internal/connector"
	"github.com/ignite/listpilot/internal/crypto"
	"github.com/ignite/listpilot/internal/jobs"
	"github.com/ignite/listpilot/internal/oauthtoken"
	"github.com/ignite/listpilot/internal/pkg/logger"
	"github.com/ignite/listpilot/internal/subscriber"
)

// DefaultMaxAttempts is the retry budget for sync jobs.
const DefaultMaxAttempts = 3

// ErrSubscriptionRequired means the owning user has no active paid
// subscription; syncs are not run (and not retried) for them.
var ErrSubscriptionRequired = errors.New("syncer: no active subscription")

// ConnectionStore is the slice of the connection repository the engine uses.
type ConnectionStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*connection.Connection, error)
	ListActive(ctx context.Context) ([]*connection.Connection, error)
	BeginSync(ctx context.Context, id uuid.UUID) error
	FinishSync(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdateSyncStatus(ctx context.Context, id uuid.UUID, status connection.SyncStatus) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status connection.Status) error
}

// SubscriberStore persists normalized subscriber rows.
type SubscriberStore interface {
	Upsert(ctx context.Context, s *subscriber.Subscriber) error
	CountByConnection(ctx context.Context, connectionID uuid.UUID) (int, error)
}

// HistoryStore is the sync-attempt ledger.
type HistoryStore interface {
	Begin(ctx context.Context, connectionID uuid.UUID) (*HistoryEntry, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, completedAt time.Time, count int) error
	MarkFailed(ctx context.Context, id uuid.UUID, completedAt time.Time, errMsg string) error
	ListByConnection(ctx context.Context, connectionID uuid.UUID, limit int) ([]*HistoryEntry, error)
}

// TokenRefresher wraps OAuth data calls in the retry-once-on-401 protocol.
type TokenRefresher interface {
	WithTokenRefresh(ctx context.Context, conn *connection.Connection, call func(accessToken string) error) error
}

// Queue enqueues background jobs.
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, maxAttempts int) (int64, error)
}

// UsageReporter is the billing side of a successful sync. ReportMeterUsage
// swallows its own failures; a metering hiccup must never fail a sync.
type UsageReporter interface {
	UpdateUsage(ctx context.Context, userID uuid.UUID, count int) error
	ReportMeterUsage(ctx context.Context, userID uuid.UUID)
}

// SubscriptionChecker gates syncs on a paid subscription.
type SubscriptionChecker interface {
	HasActiveSubscription(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Engine orchestrates one sync run per job: fetch, map, upsert, then
// connection/history/billing bookkeeping.
type Engine struct {
	conns         ConnectionStore
	subs          SubscriberStore
	history       HistoryStore
	registry      *connector.Registry
	encryption    *crypto.Service
	tokens        TokenRefresher
	queue         Queue
	billing       UsageReporter
	subscriptions SubscriptionChecker
	maxAttempts   int
}

// EngineDeps carries the engine's collaborators.
type EngineDeps struct {
	Connections   ConnectionStore
	Subscribers   SubscriberStore
	History       HistoryStore
	Registry      *connector.Registry
	Encryption    *crypto.Service
	Tokens        TokenRefresher
	Queue         Queue
	Billing       UsageReporter
	Subscriptions SubscriptionChecker
	MaxAttempts   int
}

// NewEngine wires an engine.
func NewEngine(deps EngineDeps) *Engine {
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = DefaultMaxAttempts
	}
	return &Engine{
		conns:         deps.Connections,
		subs:          deps.Subscribers,
		history:       deps.History,
		registry:      deps.Registry,
		encryption:    deps.Encryption,
		tokens:        deps.Tokens,
		queue:         deps.Queue,
		billing:       deps.Billing,
		subscriptions: deps.Subscriptions,
		maxAttempts:   deps.MaxAttempts,
	}
}

// TriggerSync acquires the sync guard for a connection and enqueues the
// job. Returns connection.ErrConflict when a sync is already running and
// connection.ErrNotFound when the connection is gone. The guard, not the
// queue, is what serializes syncs per connection.
func (e *Engine) TriggerSync(ctx context.Context, connectionID uuid.UUID) (int64, error) {
	if err := e.conns.BeginSync(ctx, connectionID); err != nil {
		return 0, err
	}

	jobID, err := e.queue.Enqueue(ctx, jobs.TypeSyncPublication,
		jobs.SyncPayload{ESPConnectionID: connectionID}, e.maxAttempts)
	if err != nil {
		// Give the guard back or the connection is stuck in "syncing".
		if rerr := e.conns.UpdateSyncStatus(ctx, connectionID, connection.SyncIdle); rerr != nil {
			logger.Error("releasing sync guard after enqueue failure",
				"connection_id", connectionID.String(), "error", rerr.Error())
		}
		return 0, fmt.Errorf("enqueuing sync for %s: %w", connectionID, err)
	}

	logger.Info("sync triggered", "connection_id", connectionID.String(), "job_id", fmt.Sprintf("%d", jobID))
	return jobID, nil
}

// EnqueueDueSyncs triggers a sync for every active connection, skipping
// those already syncing. Used by the nightly schedule.
func (e *Engine) EnqueueDueSyncs(ctx context.Context) (int, error) {
	conns, err := e.conns.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	triggered := 0
	for _, c := range conns {
		if _, err := e.TriggerSync(ctx, c.ID); err != nil {
			if errors.Is(err, connection.ErrConflict) || errors.Is(err, connection.ErrNotFound) {
				continue
			}
			logger.Warn("nightly sync trigger failed",
				"connection_id", c.ID.String(), "error", err.Error())
			continue
		}
		triggered++
	}
	logger.Info("nightly sync sweep", "active", fmt.Sprintf("%d", len(conns)), "triggered", fmt.Sprintf("%d", triggered))
	return triggered, nil
}

// Run executes one sync attempt for one connection. attempt and
// maxAttempts come from the job processor; they decide whether a failure
// is this run's last and therefore whether the history row is corrected.
func (e *Engine) Run(ctx context.Context, connectionID uuid.UUID, attempt, maxAttempts int) error {
	conn, err := e.conns.FindByID(ctx, connectionID)
	if errors.Is(err, connection.ErrNotFound) {
		// Disconnected between trigger and execution. Nothing to do.
		return jobs.Permanent(err)
	}
	if err != nil {
		return err
	}

	active, err := e.subscriptions.HasActiveSubscription(ctx, conn.UserID)
	if err != nil {
		return fmt.Errorf("checking subscription for user %s: %w", conn.UserID, err)
	}
	if !active {
		// Not a provider failure: reset to idle and leave no history row.
		if uerr := e.conns.UpdateSyncStatus(ctx, conn.ID, connection.SyncIdle); uerr != nil {
			logger.Error("resetting sync status", "connection_id", conn.ID.String(), "error", uerr.Error())
		}
		logger.Info("sync skipped, no active subscription",
			"connection_id", conn.ID.String(), "user_id", conn.UserID.String())
		return jobs.Permanent(fmt.Errorf("%w: user %s", ErrSubscriptionRequired, conn.UserID))
	}

	entry, err := e.history.Begin(ctx, conn.ID)
	if err != nil {
		return err
	}

	records, err := e.fetchSubscribers(ctx, conn)
	if err != nil {
		return e.fail(ctx, conn, entry, err, attempt, maxAttempts)
	}

	upserted, skipped := 0, 0
	for _, rec := range records {
		sub, err := subscriber.FromRecord(conn.ID, rec, e.encryption)
		if err != nil {
			skipped++
			logger.Warn("skipping unmappable record",
				"connection_id", conn.ID.String(), "external_id", rec.ExternalID, "error", err.Error())
			continue
		}
		if err := e.subs.Upsert(ctx, sub); err != nil {
			skipped++
			logger.Warn("skipping record on upsert failure",
				"connection_id", conn.ID.String(), "external_id", rec.ExternalID, "error", err.Error())
			continue
		}
		upserted++
	}

	now := time.Now().UTC()
	if err := e.conns.FinishSync(ctx, conn.ID, now); err != nil {
		return e.fail(ctx, conn, entry, fmt.Errorf("recording sync result: %w", err), attempt, maxAttempts)
	}

	count, err := e.subs.CountByConnection(ctx, conn.ID)
	if err != nil {
		logger.Warn("counting subscribers after sync",
			"connection_id", conn.ID.String(), "error", err.Error())
		count = upserted
	}
	if err := e.history.MarkCompleted(ctx, entry.ID, now, count); err != nil {
		logger.Error("completing sync history", "history_id", entry.ID.String(), "error", err.Error())
	}

	if err := e.billing.UpdateUsage(ctx, conn.UserID, count); err != nil {
		logger.Error("updating billing usage",
			"user_id", conn.UserID.String(), "error", err.Error())
	}
	e.billing.ReportMeterUsage(ctx, conn.UserID)

	logger.Info("sync completed",
		"connection_id", conn.ID.String(), "provider", string(conn.Provider),
		"upserted", fmt.Sprintf("%d", upserted), "skipped", fmt.Sprintf("%d", skipped),
		"count", fmt.Sprintf("%d", count))
	return nil
}

// fetchSubscribers materializes the full subscriber list across the
// connection's selected publications.
func (e *Engine) fetchSubscribers(ctx context.Context, conn *connection.Connection) ([]connector.SubscriberRecord, error) {
	c, err := e.registry.ForProvider(conn.Provider)
	if err != nil {
		return nil, err
	}

	if conn.IsOAuth() {
		oc, err := connector.AsOAuth(c)
		if err != nil {
			return nil, err
		}
		var all []connector.SubscriberRecord
		err = e.tokens.WithTokenRefresh(ctx, conn, func(accessToken string) error {
			all = all[:0]
			for _, pub := range conn.PublicationIDs {
				recs, err := oc.ListSubscribersOAuth(ctx, accessToken, pub)
				if err != nil {
					return err
				}
				all = append(all, recs...)
			}
			return nil
		})
		return all, err
	}

	apiKey, err := e.encryption.Decrypt(conn.EncryptedAPIKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting api key: %w", err)
	}
	var all []connector.SubscriberRecord
	for _, pub := range conn.PublicationIDs {
		recs, err := c.ListSubscribers(ctx, apiKey, pub)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return all, nil
}

// fail records a failed run. The history row is corrected to "failed" only
// when no retry will follow; intermediate attempts leave the optimistic row
// in place. The cause is re-raised so the job processor's retry policy
// applies, wrapped as permanent when retrying cannot help.
func (e *Engine) fail(ctx context.Context, conn *connection.Connection, entry *HistoryEntry, cause error, attempt, maxAttempts int) error {
	permanent := connector.IsCredentialInvalid(cause) || errors.Is(cause, oauthtoken.ErrReconnectRequired)

	if err := e.conns.UpdateSyncStatus(ctx, conn.ID, connection.SyncError); err != nil {
		logger.Error("setting sync status", "connection_id", conn.ID.String(), "error", err.Error())
	}
	if connector.IsCredentialInvalid(cause) {
		if err := e.conns.UpdateStatus(ctx, conn.ID, connection.StatusInvalid); err != nil {
			logger.Error("marking connection invalid", "connection_id", conn.ID.String(), "error", err.Error())
		}
	}

	final := permanent || attempt >= maxAttempts
	if final {
		if err := e.history.MarkFailed(ctx, entry.ID, time.Now().UTC(), cause.Error()); err != nil {
			logger.Error("failing sync history", "history_id", entry.ID.String(), "error", err.Error())
		}
	}

	logger.Error("sync failed",
		"connection_id", conn.ID.String(), "provider", string(conn.Provider),
		"attempt", fmt.Sprintf("%d/%d", attempt, maxAttempts),
		"final", fmt.Sprintf("%t", final), "error", cause.Error())

	if permanent {
		return jobs.Permanent(cause)
	}
	return cause
}

// GetSyncHistory returns recent sync attempts, newest first.
func (e *Engine) GetSyncHistory(ctx context.Context, connectionID uuid.UUID, limit int) ([]*HistoryEntry, error) {
	return e.history.ListByConnection(ctx, connectionID, limit)
}

// GetSubscriberCount asks the provider for the live total across the
// connection's selected publications. It never reads the local copy.
func (e *Engine) GetSubscriberCount(ctx context.Context, connectionID uuid.UUID) (int, error) {
	conn, err := e.conns.FindByID(ctx, connectionID)
	if err != nil {
		return 0, err
	}
	c, err := e.registry.ForProvider(conn.Provider)
	if err != nil {
		return 0, err
	}

	if conn.IsOAuth() {
		oc, err := connector.AsOAuth(c)
		if err != nil {
			return 0, err
		}
		total := 0
		err = e.tokens.WithTokenRefresh(ctx, conn, func(accessToken string) error {
			total = 0
			for _, pub := range conn.PublicationIDs {
				n, err := oc.CountSubscribersOAuth(ctx, accessToken, pub)
				if err != nil {
					return err
				}
				total += n
			}
			return nil
		})
		return total, err
	}

	apiKey, err := e.encryption.Decrypt(conn.EncryptedAPIKey)
	if err != nil {
		return 0, fmt.Errorf("decrypting api key: %w", err)
	}
	total := 0
	for _, pub := range conn.PublicationIDs {
		n, err := c.CountSubscribers(ctx, apiKey, pub)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// HandleSyncJob adapts Run to the job processor's handler contract.
func (e *Engine) HandleSyncJob(ctx context.Context, job *jobs.Job) error {
	var payload jobs.SyncPayload
	if err := jobs.UnmarshalPayload(job, &payload); err != nil {
		return jobs.Permanent(err)
	}
	if payload.ESPConnectionID == uuid.Nil {
		return jobs.Permanent(errors.New("syncer: job payload missing espConnectionId"))
	}
	return e.Run(ctx, payload.ESPConnectionID, job.Attempts, job.MaxAttempts)
}

// HandleSyncAllJob adapts EnqueueDueSyncs to the handler contract.
func (e *Engine) HandleSyncAllJob(ctx context.Context, _ *jobs.Job) error {
	_, err := e.EnqueueDueSyncs(ctx)
	return err
}

// ReleaseAbandonedSync is the dead-letter hook for sync jobs. When the
// queue dead-letters a sync job without its handler finishing (stalled
// claim after a worker crash, or no handler registered), Run's failure
// path never executed and the connection is still parked at "syncing",
// rejecting every future trigger with Conflict. Move it to "error" so the
// next trigger can re-enter the state machine.
func (e *Engine) ReleaseAbandonedSync(ctx context.Context, job *jobs.Job) {
	if job.Type != jobs.TypeSyncPublication {
		return
	}
	var payload jobs.SyncPayload
	if err := jobs.UnmarshalPayload(job, &payload); err != nil || payload.ESPConnectionID == uuid.Nil {
		return
	}
	if err := e.conns.UpdateSyncStatus(ctx, payload.ESPConnectionID, connection.SyncError); err != nil {
		logger.Error("releasing guard for dead-lettered sync job",
			"connection_id", payload.ESPConnectionID.String(),
			"job_id", fmt.Sprintf("%d", job.ID), "error", err.Error())
		return
	}
	logger.Warn("sync job dead-lettered mid-flight, guard released",
		"connection_id", payload.ESPConnectionID.String(), "job_id", fmt.Sprintf("%d", job.ID))
}
