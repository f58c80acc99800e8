package billing

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/client"
)

// StripeRecorder reports meter usage through the Stripe usage-record API.
type StripeRecorder struct {
	api *client.API
}

// NewStripeRecorder creates a recorder with its own Stripe client; the
// package-global stripe key is left alone.
func NewStripeRecorder(apiKey string) *StripeRecorder {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeRecorder{api: api}
}

// RecordUsage submits quantity against a subscription item. Action "set"
// makes redelivered jobs harmless: re-reporting the same period total
// overwrites rather than accumulates.
func (r *StripeRecorder) RecordUsage(ctx context.Context, subscriptionItemID string, quantity int64) error {
	params := &stripe.UsageRecordParams{
		Params:           stripe.Params{Context: ctx},
		SubscriptionItem: stripe.String(subscriptionItemID),
		Quantity:         stripe.Int64(quantity),
		Action:           stripe.String(string(stripe.UsageRecordActionSet)),
	}
	if _, err := r.api.UsageRecords.New(params); err != nil {
		return fmt.Errorf("submitting usage record: %w", err)
	}
	return nil
}
