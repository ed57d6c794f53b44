package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingsync/internal/clock"
	"github.com/smallbiznis/billingsync/internal/customer/domain"
	"github.com/smallbiznis/billingsync/internal/lock"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/billingsync/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/billingsync/internal/subscription/service"
	tenantrepo "github.com/smallbiznis/billingsync/internal/tenant/repository"
	"github.com/smallbiznis/billingsync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	provider *testutil.FakeProvider
	subs     subscriptiondomain.Service
	resolver domain.Resolver
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	log := zaptest.NewLogger(t)
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	fake := clock.NewFakeClock(now)
	provider := testutil.NewFakeProvider(now)

	subs := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      fake,
		Repo:       subscriptionrepo.Provide(),
		TenantRepo: tenantrepo.Provide(),
	})
	resolver := New(Params{
		DB:            db,
		Log:           log,
		Clock:         fake,
		Subscriptions: subs,
		TenantRepo:    tenantrepo.Provide(),
		Provider:      provider,
		Locker:        lock.NewLocker(nil),
	})
	return fixture{db: db, node: node, provider: provider, subs: subs, resolver: resolver}
}

func TestResolveCreatesAndPersistsCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := testutil.SeedTenant(t, f.db, f.node, "free")

	customerID, err := f.resolver.Resolve(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", customerID)

	require.Len(t, f.provider.CreatedCustomers, 1)
	created := f.provider.CreatedCustomers[0]
	assert.Equal(t, "customer-"+tenantID.String(), created.IdempotencyKey)
	assert.Equal(t, tenantID.String(), created.TenantID)
	assert.Equal(t, "billing@acme.test", created.Email)

	record, err := f.subs.FindByTenant(ctx, tenantID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "cus_1", record.ExternalCustomerID)
	assert.Equal(t, subscriptiondomain.PlanFree, record.Plan)

	var stored string
	require.NoError(t, f.db.Raw(`SELECT external_customer_id FROM tenants WHERE id = ?`, tenantID).Scan(&stored).Error)
	assert.Equal(t, "cus_1", stored)
}

func TestResolveReusesLiveCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := testutil.SeedTenant(t, f.db, f.node, "free")

	first, err := f.resolver.Resolve(ctx, tenantID)
	require.NoError(t, err)
	second, err := f.resolver.Resolve(ctx, tenantID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.provider.CallCount("customer.create"))
	assert.Equal(t, 1, f.provider.CallCount("customer.get"))
}

func TestResolveReplacesDeletedCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := testutil.SeedTenant(t, f.db, f.node, "free")

	_, err := f.subs.SetCustomerID(ctx, tenantID, "cus_deleted")
	require.NoError(t, err)

	customerID, err := f.resolver.Resolve(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", customerID)
	require.Len(t, f.provider.CreatedCustomers, 1)
	assert.Equal(t, "customer-"+tenantID.String()+"-replaces-cus_deleted", f.provider.CreatedCustomers[0].IdempotencyKey)

	record, err := f.subs.FindByTenant(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", record.ExternalCustomerID)
}

func TestResolveConcurrentCreatesOnce(t *testing.T) {
	f := newFixture(t)
	f.provider.CreateDelay = 20 * time.Millisecond
	ctx := context.Background()
	tenantID := testutil.SeedTenant(t, f.db, f.node, "free")

	var wg sync.WaitGroup
	results := make([]string, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := f.resolver.Resolve(ctx, tenantID)
			assert.NoError(t, err)
			results[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range results {
		assert.Equal(t, "cus_1", id)
	}
	assert.Equal(t, 1, f.provider.CallCount("customer.create"))
}

func TestResolveUpstreamFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := testutil.SeedTenant(t, f.db, f.node, "free")
	f.provider.Err = errors.New("platform down")

	_, err := f.resolver.Resolve(ctx, tenantID)
	require.Error(t, err)

	record, err := f.subs.FindByTenant(ctx, tenantID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Empty(t, record.ExternalCustomerID)
}

func TestResolveValidatesTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidTenant)

	_, err = f.resolver.Resolve(ctx, f.node.Generate())
	assert.ErrorIs(t, err, domain.ErrTenantNotFound)
}

func TestResolveSurvivesFirstCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.provider.CreateDelay = 100 * time.Millisecond
	tenantID := testutil.SeedTenant(t, f.db, f.node, "free")

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.resolver.Resolve(firstCtx, tenantID)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.provider.CallCount("customer.create") == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		id  string
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		id, err := f.resolver.Resolve(context.Background(), tenantID)
		second <- outcome{id: id, err: err}
	}()
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "cus_1", got.id)
	assert.Equal(t, 1, f.provider.CallCount("customer.create"))

	record, err := f.subs.FindByTenant(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", record.ExternalCustomerID)
}
