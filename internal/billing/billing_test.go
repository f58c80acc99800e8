package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/listpilot/internal/jobs"
)

func TestAmountCentsTiers(t *testing.T) {
	cases := []struct {
		subscribers int
		wantCents   int64
	}{
		{0, 0},
		{-5, 0},
		{1_000, 0},                  // free tier
		{1_001, 1},                  // one paid subscriber at 1.0¢
		{10_000, 9_000},             // 9,000 × 1.0¢
		{10_001, 9_000},             // the extra 0.8¢ is below a whole cent
		{50_000, 9_000 + 32_000},    // + 40,000 × 0.8¢
		{150_000, 41_000 + 50_000},  // + 100,000 × 0.5¢
	}
	for _, tc := range cases {
		assert.Equal(t, tc.wantCents, AmountCents(1, tc.subscribers), "subscribers=%d", tc.subscribers)
	}
}

func TestAmountCentsIsPure(t *testing.T) {
	a := AmountCents(1, 33_333)
	b := AmountCents(1, 33_333)
	assert.Equal(t, a, b)
}

func TestPeriodForCalendarMonth(t *testing.T) {
	at := time.Date(2026, time.March, 17, 15, 4, 5, 0, time.UTC)
	start, end := PeriodFor(at)
	assert.Equal(t, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC), end)
}

func TestMeterUnitsRoundUp(t *testing.T) {
	cases := []struct {
		total int
		units int64
	}{
		{0, 0},
		{1, 1},
		{9_999, 1},
		{10_000, 1},
		{10_001, 2}, // one over the boundary bills the next block
		{20_000, 2},
		{20_001, 3},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.units, meterUnits(tc.total), "total=%d", tc.total)
	}
}

// ── fakes ────────────────────────────────────────────────────────────────

type memUsageStore struct {
	mu     sync.Mutex
	maxes  map[uuid.UUID]int
	amount map[uuid.UUID]int64
}

func newMemUsageStore() *memUsageStore {
	return &memUsageStore{maxes: make(map[uuid.UUID]int), amount: make(map[uuid.UUID]int64)}
}

func (m *memUsageStore) UpsertMax(_ context.Context, userID uuid.UUID, _, _ time.Time, count int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count > m.maxes[userID] {
		m.maxes[userID] = count
	}
	return m.maxes[userID], nil
}

func (m *memUsageStore) SetAmount(_ context.Context, userID uuid.UUID, _ time.Time, cents int64, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.amount[userID] = cents
	return nil
}

func (m *memUsageStore) GetForPeriod(_ context.Context, userID uuid.UUID, _ time.Time) (*Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max, ok := m.maxes[userID]
	if !ok {
		return nil, nil
	}
	return &Usage{UserID: userID, MaxSubscriberCount: max, AmountCents: m.amount[userID]}, nil
}

type stubPeaks struct {
	total int
	err   error
}

func (s *stubPeaks) SumPeakCounts(context.Context, uuid.UUID, time.Time, time.Time) (int, error) {
	return s.total, s.err
}

type stubSubscriptions struct {
	active bool
	itemID string
	users  []uuid.UUID
}

func (s *stubSubscriptions) HasActiveSubscription(context.Context, uuid.UUID) (bool, error) {
	return s.active, nil
}

func (s *stubSubscriptions) FindActiveSubscriptionItem(context.Context, uuid.UUID) (string, error) {
	return s.itemID, nil
}

func (s *stubSubscriptions) ListActiveUserIDs(context.Context) ([]uuid.UUID, error) {
	return s.users, nil
}

type captureRecorder struct {
	mu     sync.Mutex
	items  []string
	units  []int64
	err    error
}

func (c *captureRecorder) RecordUsage(_ context.Context, itemID string, quantity int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.items = append(c.items, itemID)
	c.units = append(c.units, quantity)
	return nil
}

// ── service tests ────────────────────────────────────────────────────────

func TestUpdateUsageIsMonotonic(t *testing.T) {
	store := newMemUsageStore()
	svc := NewService(store, &stubPeaks{}, &stubSubscriptions{}, nil)
	userID := uuid.New()
	ctx := context.Background()

	require.NoError(t, svc.UpdateUsage(ctx, userID, 5_000))
	require.NoError(t, svc.UpdateUsage(ctx, userID, 3_000)) // lower: must not shrink
	require.NoError(t, svc.UpdateUsage(ctx, userID, 8_000))

	assert.Equal(t, 8_000, store.maxes[userID])
	assert.Equal(t, AmountCents(CurrentPricingVersion, 8_000), store.amount[userID],
		"amount re-derived from the period maximum, not the last count")
}

func TestReportMeterUsageRoundsUp(t *testing.T) {
	rec := &captureRecorder{}
	svc := NewService(newMemUsageStore(), &stubPeaks{total: 10_001},
		&stubSubscriptions{itemID: "si_123"}, rec)

	svc.ReportMeterUsage(context.Background(), uuid.New())

	require.Len(t, rec.units, 1)
	assert.Equal(t, "si_123", rec.items[0])
	assert.Equal(t, int64(2), rec.units[0])
}

func TestReportMeterUsageSkipsWithoutItemOrUnits(t *testing.T) {
	rec := &captureRecorder{}

	// No active subscription item.
	svc := NewService(newMemUsageStore(), &stubPeaks{total: 50_000}, &stubSubscriptions{}, rec)
	svc.ReportMeterUsage(context.Background(), uuid.New())
	assert.Empty(t, rec.units)

	// Zero subscribers observed.
	svc = NewService(newMemUsageStore(), &stubPeaks{total: 0}, &stubSubscriptions{itemID: "si_1"}, rec)
	svc.ReportMeterUsage(context.Background(), uuid.New())
	assert.Empty(t, rec.units)
}

func TestReportMeterUsageSwallowsRecorderErrors(t *testing.T) {
	rec := &captureRecorder{err: errors.New("stripe down")}
	svc := NewService(newMemUsageStore(), &stubPeaks{total: 1},
		&stubSubscriptions{itemID: "si_1"}, rec)

	// Must not panic or surface anything; callers never see meter failures.
	svc.ReportMeterUsage(context.Background(), uuid.New())
}

func TestRunMonthlyBillingRecomputesAndReports(t *testing.T) {
	store := newMemUsageStore()
	userA, userB := uuid.New(), uuid.New()
	store.maxes[userA] = 12_000
	store.maxes[userB] = 500

	rec := &captureRecorder{}
	svc := NewService(store, &stubPeaks{total: 12_000},
		&stubSubscriptions{itemID: "si_9", users: []uuid.UUID{userA, userB}}, rec)

	failures, err := svc.RunMonthlyBilling(context.Background())
	require.NoError(t, err)
	assert.Zero(t, failures)
	assert.Equal(t, AmountCents(CurrentPricingVersion, 12_000), store.amount[userA])
	assert.Len(t, rec.units, 2)
}

func TestMonthlyBillingJobSingleUserRerun(t *testing.T) {
	store := newMemUsageStore()
	userA, userB := uuid.New(), uuid.New()
	store.maxes[userA] = 12_000
	store.maxes[userB] = 500

	rec := &captureRecorder{}
	svc := NewService(store, &stubPeaks{total: 12_000},
		&stubSubscriptions{itemID: "si_9", users: []uuid.UUID{userA, userB}}, rec)

	job := &jobs.Job{
		Type:    jobs.TypeMonthlyBilling,
		Payload: json.RawMessage(`{"userId":"` + userA.String() + `"}`),
	}
	require.NoError(t, svc.HandleMonthlyBillingJob(context.Background(), job))

	assert.Equal(t, AmountCents(CurrentPricingVersion, 12_000), store.amount[userA])
	assert.NotContains(t, store.amount, userB, "other users untouched")
	assert.Len(t, rec.units, 1)
}

// ── repository tests ─────────────────────────────────────────────────────

func TestUpsertMaxUsesGreatest(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	userID := uuid.New()
	start, end := PeriodFor(time.Now())

	mock.ExpectQuery(`INSERT INTO billing_usage[\s\S]*ON CONFLICT \(user_id, period_start\) DO UPDATE[\s\S]*GREATEST[\s\S]*RETURNING max_subscriber_count`).
		WithArgs(sqlmock.AnyArg(), userID, start, end, 300, CurrentPricingVersion, UsagePending).
		WillReturnRows(sqlmock.NewRows([]string{"max_subscriber_count"}).AddRow(750))

	repo := NewUsageRepository(db)
	newMax, err := repo.UpsertMax(context.Background(), userID, start, end, 300)
	require.NoError(t, err)
	assert.Equal(t, 750, newMax, "database keeps the higher existing maximum")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasActiveSubscription(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	userID := uuid.New()
	mock.ExpectQuery(`SELECT EXISTS[\s\S]*billing_subscriptions`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	store := NewSubscriptionStore(db)
	active, err := store.HasActiveSubscription(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, active)
}
