// Package billing derives billing-period usage from sync results and
// reports it to the Stripe meter. Usage is monotonic within a period:
// syncs only ever raise the recorded maximum.
package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Usage statuses.
const (
	UsagePending  = "pending"
	UsageInvoiced = "invoiced"
	UsagePaid     = "paid"
	UsageFailed   = "failed"
)

// Usage is one user's usage row for one calendar-month billing period.
type Usage struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	PeriodStart        time.Time
	PeriodEnd          time.Time
	MaxSubscriberCount int
	AmountCents        int64
	PricingVersion     int
	InvoiceID          string
	Status             string
}

// PeriodFor returns the calendar-month billing period containing at:
// [first instant of the month, first instant of the next month).
func PeriodFor(at time.Time) (time.Time, time.Time) {
	at = at.UTC()
	start := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// UsageRepository persists billing usage in Postgres.
type UsageRepository struct {
	db *sql.DB
}

// NewUsageRepository creates the repository.
func NewUsageRepository(db *sql.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// UpsertMax lazily creates the period row and raises its maximum to count
// if count is higher. GREATEST makes concurrent updates safe: the max can
// only go up. Returns the row's maximum after the update.
func (r *UsageRepository) UpsertMax(ctx context.Context, userID uuid.UUID, periodStart, periodEnd time.Time, count int) (int, error) {
	var newMax int
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO billing_usage (id, user_id, period_start, period_end, max_subscriber_count, amount_cents, pricing_version, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, now(), now())
		ON CONFLICT (user_id, period_start) DO UPDATE
		SET max_subscriber_count = GREATEST(billing_usage.max_subscriber_count, EXCLUDED.max_subscriber_count),
		    updated_at = now()
		RETURNING max_subscriber_count`,
		uuid.New(), userID, periodStart, periodEnd, count, CurrentPricingVersion, UsagePending).Scan(&newMax)
	if err != nil {
		return 0, fmt.Errorf("upserting billing usage: %w", err)
	}
	return newMax, nil
}

// SetAmount persists the re-derived amount for a period row.
func (r *UsageRepository) SetAmount(ctx context.Context, userID uuid.UUID, periodStart time.Time, amountCents int64, pricingVersion int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE billing_usage
		SET amount_cents = $3, pricing_version = $4, updated_at = now()
		WHERE user_id = $1 AND period_start = $2`,
		userID, periodStart, amountCents, pricingVersion)
	if err != nil {
		return fmt.Errorf("setting billing amount: %w", err)
	}
	return nil
}

// GetForPeriod loads one user's usage row; nil when none exists yet.
func (r *UsageRepository) GetForPeriod(ctx context.Context, userID uuid.UUID, periodStart time.Time) (*Usage, error) {
	var u Usage
	var invoiceID sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, period_start, period_end, max_subscriber_count, amount_cents, pricing_version, invoice_id, status
		FROM billing_usage
		WHERE user_id = $1 AND period_start = $2`,
		userID, periodStart).Scan(&u.ID, &u.UserID, &u.PeriodStart, &u.PeriodEnd,
		&u.MaxSubscriberCount, &u.AmountCents, &u.PricingVersion, &invoiceID, &u.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading billing usage: %w", err)
	}
	u.InvoiceID = invoiceID.String
	return &u, nil
}

// DeleteByUser removes a user's usage rows. Account deletion only.
func (r *UsageRepository) DeleteByUser(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM billing_usage WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("deleting billing usage: %w", err)
	}
	return nil
}

// ListByUser returns a user's usage rows, newest period first.
func (r *UsageRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Usage, error) {
	if limit <= 0 {
		limit = 12
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, period_start, period_end, max_subscriber_count, amount_cents, pricing_version, invoice_id, status
		FROM billing_usage
		WHERE user_id = $1
		ORDER BY period_start DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing billing usage: %w", err)
	}
	defer rows.Close()

	var out []*Usage
	for rows.Next() {
		var u Usage
		var invoiceID sql.NullString
		if err := rows.Scan(&u.ID, &u.UserID, &u.PeriodStart, &u.PeriodEnd,
			&u.MaxSubscriberCount, &u.AmountCents, &u.PricingVersion, &invoiceID, &u.Status); err != nil {
			return nil, err
		}
		u.InvoiceID = invoiceID.String
		out = append(out, &u)
	}
	return out, rows.Err()
}
