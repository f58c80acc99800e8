package billing

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// SubscriptionStore reads the local mirror of Stripe subscription state,
// kept current by payment webhooks outside this engine.
type SubscriptionStore struct {
	db *sql.DB
}

// NewSubscriptionStore creates the store.
func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

// HasActiveSubscription reports whether the user currently has a paid,
// unexpired subscription.
func (s *SubscriptionStore) HasActiveSubscription(ctx context.Context, userID uuid.UUID) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM billing_subscriptions
			WHERE user_id = $1
			  AND status = 'active'
			  AND current_period_end > now()
		)`, userID).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("checking subscription: %w", err)
	}
	return active, nil
}

// FindActiveSubscriptionItem returns the Stripe subscription item id usage
// records are billed against, or "" when the user has no active item.
func (s *SubscriptionStore) FindActiveSubscriptionItem(ctx context.Context, userID uuid.UUID) (string, error) {
	var itemID string
	err := s.db.QueryRowContext(ctx, `
		SELECT stripe_subscription_item_id
		FROM billing_subscriptions
		WHERE user_id = $1
		  AND status = 'active'
		  AND current_period_end > now()
		ORDER BY current_period_end DESC
		LIMIT 1`, userID).Scan(&itemID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("finding subscription item: %w", err)
	}
	return itemID, nil
}

// ListActiveUserIDs returns every user with an active subscription. The
// monthly billing job iterates this set.
func (s *SubscriptionStore) ListActiveUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id
		FROM billing_subscriptions
		WHERE status = 'active' AND current_period_end > now()`)
	if err != nil {
		return nil, fmt.Errorf("listing active subscribers: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
