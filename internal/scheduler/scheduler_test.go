package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingsync/internal/clock"
	"github.com/smallbiznis/billingsync/internal/config"
	"github.com/smallbiznis/billingsync/internal/lock"
	reconciledomain "github.com/smallbiznis/billingsync/internal/reconcile/domain"
	reconcileservice "github.com/smallbiznis/billingsync/internal/reconcile/service"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/billingsync/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/billingsync/internal/subscription/service"
	tenantrepo "github.com/smallbiznis/billingsync/internal/tenant/repository"
	"github.com/smallbiznis/billingsync/internal/testutil"
	webhookdomain "github.com/smallbiznis/billingsync/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	now      time.Time
	clock    *clock.FakeClock
	provider *testutil.FakeProvider
	subs     subscriptiondomain.Service
	locker   *lock.Locker
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(now)

	subs := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:         db,
		Log:        zaptest.NewLogger(t),
		GenID:      node,
		Clock:      fake,
		Repo:       subscriptionrepo.Provide(),
		TenantRepo: tenantrepo.Provide(),
	})
	return fixture{
		db:       db,
		node:     node,
		now:      now,
		clock:    fake,
		provider: testutil.NewFakeProvider(now),
		subs:     subs,
		locker:   lock.NewLocker(nil),
	}
}

func (f fixture) scheduler(t *testing.T, reconciler reconciledomain.Service, batchSize int) *Scheduler {
	t.Helper()
	if reconciler == nil {
		reconciler = reconcileservice.New(reconcileservice.Params{
			Log:           zaptest.NewLogger(t),
			Clock:         f.clock,
			Plans:         config.NewStaticPlanCatalogHolder(config.PlanCatalog{Prices: map[string]string{"tier1": "price_basic", "tier2": "price_pro"}}),
			Subscriptions: f.subs,
			Provider:      f.provider,
		})
	}
	s, err := New(Params{
		DB:         f.db,
		Log:        zaptest.NewLogger(t),
		Clock:      f.clock,
		Repo:       subscriptionrepo.Provide(),
		Reconciler: reconciler,
		Locker:     f.locker,
		Config:     Config{Enabled: true, BatchSize: batchSize},
	})
	require.NoError(t, err)
	return s
}

func (f fixture) link(t *testing.T, subscriptionID string) snowflake.ID {
	t.Helper()
	tenantID := testutil.SeedTenant(t, f.db, f.node, "tier1")
	start := f.now.Add(-48 * time.Hour)
	end := start.AddDate(0, 1, 0)
	view := webhookdomain.SubscriptionView{
		ID:                 subscriptionID,
		CustomerID:         "cus_" + subscriptionID,
		Status:             "active",
		PriceID:            "price_basic",
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
	}
	_, err := f.subs.ApplySnapshot(context.Background(), tenantID, view.Snapshot(subscriptiondomain.PlanTier1, f.now.Add(-time.Hour)))
	require.NoError(t, err)
	f.provider.Subscriptions[subscriptionID] = view
	return tenantID
}

type fakeReconciler struct {
	mu     sync.Mutex
	calls  []snowflake.ID
	failOn map[snowflake.ID]error
}

func (r *fakeReconciler) Sync(ctx context.Context, tenantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, tenantID)
	if err, ok := r.failOn[tenantID]; ok {
		return nil, err
	}
	return &subscriptiondomain.Subscription{TenantID: tenantID}, nil
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSweepPagesThroughLinkedTenants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	free := testutil.SeedTenant(t, f.db, f.node, "free")
	_, err := f.subs.GetOrCreate(ctx, free)
	require.NoError(t, err)
	first := f.link(t, "sub_1")
	second := f.link(t, "sub_2")
	third := f.link(t, "sub_3")

	reconciler := &fakeReconciler{}
	stats, err := f.scheduler(t, reconciler, 2).ReconcileSweepJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 3, Synced: 3}, stats)
	assert.Equal(t, []snowflake.ID{first, second, third}, reconciler.calls)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	first := f.link(t, "sub_1")
	second := f.link(t, "sub_2")

	reconciler := &fakeReconciler{failOn: map[snowflake.ID]error{first: errors.New("boom")}}
	stats, err := f.scheduler(t, reconciler, 10).ReconcileSweepJob(context.Background())
	require.Error(t, err)
	assert.Equal(t, SweepStats{Scanned: 2, Synced: 1, Failed: 1}, stats)
	assert.Equal(t, []snowflake.ID{first, second}, reconciler.calls)
}

func TestRunOnceReconcilesAgainstPlatform(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	kept := f.link(t, "sub_1")
	gone := f.link(t, "sub_2")

	moved := f.provider.Subscriptions["sub_1"]
	moved.Status = "past_due"
	f.provider.Subscriptions["sub_1"] = moved
	delete(f.provider.Subscriptions, "sub_2")

	require.NoError(t, f.scheduler(t, nil, 10).RunOnce(ctx))

	record, err := f.subs.FindByTenant(ctx, kept)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, subscriptiondomain.StatusPastDue, record.Status)

	record, err = f.subs.FindByTenant(ctx, gone)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, subscriptiondomain.PlanFree, record.Plan)
	assert.Nil(t, record.ExternalSubscriptionID)
	assert.Equal(t, "free", testutil.TenantPlan(t, f.db, gone))
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.link(t, "sub_1")

	_, ok, err := f.locker.TryLock(ctx, sweepLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	reconciler := &fakeReconciler{}
	require.NoError(t, f.scheduler(t, reconciler, 10).RunOnce(ctx))
	assert.Empty(t, reconciler.calls)
}

func TestSweepIsOptIn(t *testing.T) {
	assert.False(t, DefaultConfig().Enabled)

	f := newFixture(t)
	core, logs := observer.New(zapcore.InfoLevel)
	lc := fxtest.NewLifecycle(t)
	NewScheduler(lc, Config{}, f.scheduler(t, &fakeReconciler{}, 10), zap.New(core))
	lc.RequireStart().RequireStop()

	assert.Equal(t, 1, logs.FilterMessage("reconcile sweep disabled, set RECONCILE_ENABLED=true to run it").Len())
}

func TestSweepWarnsWhenLockIsProcessLocal(t *testing.T) {
	f := newFixture(t)
	require.False(t, f.locker.Distributed())

	core, logs := observer.New(zapcore.WarnLevel)
	lc := fxtest.NewLifecycle(t)
	NewScheduler(lc, Config{Enabled: true}, f.scheduler(t, &fakeReconciler{}, 10), zap.New(core))
	lc.RequireStart().RequireStop()

	assert.Equal(t, 1, logs.FilterMessage("reconcile sweep lock is process-local, run a single replica or configure redis").Len())
}
