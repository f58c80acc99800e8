package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/listpilot/internal/jobs"
	"github.com/ignite/listpilot/internal/pkg/logger"
)

// MeterUnitSize is how many subscribers one meter unit covers. Totals
// always round up to the next unit: a single subscriber over a boundary
// bills the next block. Under-reporting is the one failure mode the meter
// must never have.
const MeterUnitSize = 10_000

// UsageRecorder submits a quantity against a subscription item in the
// external metering system.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, subscriptionItemID string, quantity int64) error
}

// PeakUsageSource provides the per-connection peak counts the meter bills.
type PeakUsageSource interface {
	SumPeakCounts(ctx context.Context, userID uuid.UUID, from, to time.Time) (int, error)
}

// SubscriptionSource is the subscription lookup the service depends on.
type SubscriptionSource interface {
	HasActiveSubscription(ctx context.Context, userID uuid.UUID) (bool, error)
	FindActiveSubscriptionItem(ctx context.Context, userID uuid.UUID) (string, error)
	ListActiveUserIDs(ctx context.Context) ([]uuid.UUID, error)
}

// UsageStore is the slice of the usage repository the service uses.
type UsageStore interface {
	UpsertMax(ctx context.Context, userID uuid.UUID, periodStart, periodEnd time.Time, count int) (int, error)
	SetAmount(ctx context.Context, userID uuid.UUID, periodStart time.Time, amountCents int64, pricingVersion int) error
	GetForPeriod(ctx context.Context, userID uuid.UUID, periodStart time.Time) (*Usage, error)
}

// Service is the billing usage aggregator and meter reporter.
type Service struct {
	usage          UsageStore
	peaks          PeakUsageSource
	subscriptions  SubscriptionSource
	recorder       UsageRecorder
	pricingVersion int

	// now is a clock seam for period math in tests.
	now func() time.Time
}

// NewService wires the billing service. recorder may be nil, which
// disables meter reporting (local development without Stripe).
func NewService(usage UsageStore, peaks PeakUsageSource, subscriptions SubscriptionSource, recorder UsageRecorder) *Service {
	return &Service{
		usage:          usage,
		peaks:          peaks,
		subscriptions:  subscriptions,
		recorder:       recorder,
		pricingVersion: CurrentPricingVersion,
		now:            time.Now,
	}
}

// HasActiveSubscription exposes the subscription gate for the sync engine.
func (s *Service) HasActiveSubscription(ctx context.Context, userID uuid.UUID) (bool, error) {
	return s.subscriptions.HasActiveSubscription(ctx, userID)
}

// UpdateUsage raises the current period's maximum subscriber count for a
// user and re-derives the period amount from the new maximum. Counts never
// lower the stored maximum.
func (s *Service) UpdateUsage(ctx context.Context, userID uuid.UUID, count int) error {
	periodStart, periodEnd := PeriodFor(s.now())

	newMax, err := s.usage.UpsertMax(ctx, userID, periodStart, periodEnd, count)
	if err != nil {
		return err
	}

	amount := AmountCents(s.pricingVersion, newMax)
	if err := s.usage.SetAmount(ctx, userID, periodStart, amount, s.pricingVersion); err != nil {
		return err
	}

	logger.Debug("billing usage updated",
		"user_id", userID.String(), "count", fmt.Sprintf("%d", count),
		"period_max", fmt.Sprintf("%d", newMax), "amount_cents", fmt.Sprintf("%d", amount))
	return nil
}

// ReportMeterUsage submits the user's current-period total to the meter.
// It never returns an error: metering is a side effect of a sync, and a
// metering failure must not fail or retry the sync. Reporting is skipped
// when the user has no active subscription item or the unit count is zero.
func (s *Service) ReportMeterUsage(ctx context.Context, userID uuid.UUID) {
	if s.recorder == nil {
		return
	}

	itemID, err := s.subscriptions.FindActiveSubscriptionItem(ctx, userID)
	if err != nil {
		logger.Error("meter reporting: subscription lookup", "user_id", userID.String(), "error", err.Error())
		return
	}
	if itemID == "" {
		return
	}

	periodStart, periodEnd := PeriodFor(s.now())
	total, err := s.peaks.SumPeakCounts(ctx, userID, periodStart, periodEnd)
	if err != nil {
		logger.Error("meter reporting: peak lookup", "user_id", userID.String(), "error", err.Error())
		return
	}

	units := meterUnits(total)
	if units == 0 {
		return
	}

	if err := s.recorder.RecordUsage(ctx, itemID, units); err != nil {
		logger.Error("meter reporting: submit",
			"user_id", userID.String(), "units", fmt.Sprintf("%d", units), "error", err.Error())
		return
	}
	logger.Info("meter usage reported",
		"user_id", userID.String(), "subscribers", fmt.Sprintf("%d", total), "units", fmt.Sprintf("%d", units))
}

// RunMonthlyBilling recomputes the period amount and re-reports the meter
// for every user with an active subscription. Individual users fail
// independently. Returns the failure count.
func (s *Service) RunMonthlyBilling(ctx context.Context) (int, error) {
	userIDs, err := s.subscriptions.ListActiveUserIDs(ctx)
	if err != nil {
		return 0, err
	}

	failures := 0
	for _, userID := range userIDs {
		if err := s.BillUser(ctx, userID); err != nil {
			failures++
			logger.Warn("monthly billing", "user_id", userID.String(), "error", err.Error())
		}
	}

	logger.Info("monthly billing finished",
		"users", fmt.Sprintf("%d", len(userIDs)), "failures", fmt.Sprintf("%d", failures))
	return failures, nil
}

// BillUser recomputes the current period's amount for one user and
// re-reports the meter.
func (s *Service) BillUser(ctx context.Context, userID uuid.UUID) error {
	periodStart, _ := PeriodFor(s.now())
	usage, err := s.usage.GetForPeriod(ctx, userID, periodStart)
	if err != nil {
		return fmt.Errorf("loading usage: %w", err)
	}
	if usage != nil {
		amount := AmountCents(s.pricingVersion, usage.MaxSubscriberCount)
		if err := s.usage.SetAmount(ctx, userID, periodStart, amount, s.pricingVersion); err != nil {
			return fmt.Errorf("setting amount: %w", err)
		}
	}
	s.ReportMeterUsage(ctx, userID)
	return nil
}

// HandleMonthlyBillingJob adapts the monthly run to the job contract. A
// payload carrying a user id narrows the run to that user.
func (s *Service) HandleMonthlyBillingJob(ctx context.Context, job *jobs.Job) error {
	var payload jobs.MaintenancePayload
	if err := jobs.UnmarshalPayload(job, &payload); err != nil {
		return jobs.Permanent(err)
	}
	if payload.UserID != uuid.Nil {
		return s.BillUser(ctx, payload.UserID)
	}
	_, err := s.RunMonthlyBilling(ctx)
	return err
}

// meterUnits converts a subscriber total to billed units, rounding up.
func meterUnits(total int) int64 {
	if total <= 0 {
		return 0
	}
	return int64((total + MeterUnitSize - 1) / MeterUnitSize)
}
