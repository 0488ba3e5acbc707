package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vendora-hq/vendora/internal/clock"
	"github.com/vendora-hq/vendora/internal/entityref"
	ledgerdomain "github.com/vendora-hq/vendora/internal/ledger/domain"
	"github.com/vendora-hq/vendora/internal/orgcontext"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupLedgerService(t *testing.T) (ledgerdomain.Service, *gorm.DB, *clock.FakeClock, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	require.NoError(t, db.AutoMigrate(&ledgerdomain.UsageRecord{}, &ledgerdomain.Quota{}))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	return svc, db, fake, node
}

func ledgerOrgCtx(node *snowflake.Node) (context.Context, snowflake.ID) {
	orgID := node.Generate()
	return orgcontext.WithOrgID(context.Background(), orgID), orgID
}

func TestDebitWithinQuota(t *testing.T) {
	svc, db, _, node := setupLedgerService(t)
	ctx, orgID := ledgerOrgCtx(node)

	_, err := svc.SetQuota(ctx, ledgerdomain.SetQuotaRequest{
		ResourceKind: "jobs", Period: "2025-06", Limit: 10,
	})
	require.NoError(t, err)

	record, err := svc.Debit(ctx, ledgerdomain.DebitRequest{
		ResourceKind: "jobs",
		Quantity:     3,
		CostUSD:      0.30,
		Period:       "2025-06",
		Entity:       entityref.Ref{Kind: entityref.KindJob, ID: node.Generate()},
	})
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, orgID, record.OrgID)

	quota, err := svc.GetQuota(ctx, "jobs", "2025-06")
	require.NoError(t, err)
	require.NotNil(t, quota)
	assert.Equal(t, int64(3), quota.Consumed)

	var count int64
	require.NoError(t, db.Model(&ledgerdomain.UsageRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDebitBreachWritesNothing(t *testing.T) {
	svc, db, _, node := setupLedgerService(t)
	ctx, _ := ledgerOrgCtx(node)

	_, err := svc.SetQuota(ctx, ledgerdomain.SetQuotaRequest{
		ResourceKind: "agent_cost", Period: "2025-06", Limit: 5,
	})
	require.NoError(t, err)

	_, err = svc.Debit(ctx, ledgerdomain.DebitRequest{
		ResourceKind: "agent_cost", Quantity: 6, Period: "2025-06",
	})
	require.ErrorIs(t, err, ledgerdomain.ErrQuotaExceeded)

	quota, err := svc.GetQuota(ctx, "agent_cost", "2025-06")
	require.NoError(t, err)
	assert.Equal(t, int64(0), quota.Consumed)

	var count int64
	require.NoError(t, db.Model(&ledgerdomain.UsageRecord{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestRefundRestoresHeadroom(t *testing.T) {
	svc, db, _, node := setupLedgerService(t)
	ctx, _ := ledgerOrgCtx(node)

	_, err := svc.SetQuota(ctx, ledgerdomain.SetQuotaRequest{
		ResourceKind: "jobs", Period: "2025-06", Limit: 1,
	})
	require.NoError(t, err)

	req := ledgerdomain.DebitRequest{
		ResourceKind: "jobs",
		Quantity:     1,
		CostUSD:      0.10,
		Period:       "2025-06",
		Entity:       entityref.Ref{Kind: entityref.KindJob, ID: node.Generate()},
	}
	_, err = svc.Debit(ctx, req)
	require.NoError(t, err)

	_, err = svc.Debit(ctx, req)
	require.ErrorIs(t, err, ledgerdomain.ErrQuotaExceeded)

	reversal, err := svc.Refund(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), reversal.Quantity)
	assert.InDelta(t, -0.10, reversal.CostUSD, 1e-9)

	quota, err := svc.GetQuota(ctx, "jobs", "2025-06")
	require.NoError(t, err)
	assert.Equal(t, int64(0), quota.Consumed)

	// Headroom is back: the next debit fits again.
	_, err = svc.Debit(ctx, req)
	require.NoError(t, err)

	// The debit/refund pair nets out of billing totals.
	resp, err := svc.Aggregate(ctx, "2025-06")
	require.NoError(t, err)
	require.Len(t, resp.Totals, 1)
	assert.Equal(t, int64(1), resp.Totals[0].Quantity)
	assert.InDelta(t, 0.10, resp.Totals[0].CostUSD, 1e-9)

	var count int64
	require.NoError(t, db.Model(&ledgerdomain.UsageRecord{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestDebitUncappedWithoutQuota(t *testing.T) {
	svc, _, _, node := setupLedgerService(t)
	ctx, _ := ledgerOrgCtx(node)

	record, err := svc.Debit(ctx, ledgerdomain.DebitRequest{
		ResourceKind: "jobs", Quantity: 1_000_000, Period: "2025-06",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), record.Quantity)
}

func TestConcurrentDebitsNeverBreachLimit(t *testing.T) {
	svc, db, _, node := setupLedgerService(t)
	ctx, _ := ledgerOrgCtx(node)

	_, err := svc.SetQuota(ctx, ledgerdomain.SetQuotaRequest{
		ResourceKind: "jobs", Period: "2025-06", Limit: 100,
	})
	require.NoError(t, err)

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Debit(ctx, ledgerdomain.DebitRequest{
				ResourceKind: "jobs", Quantity: 15, Period: "2025-06",
			})
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 10 x 15 against a limit of 100: at most 6 can land.
	assert.Equal(t, 6, granted)

	quota, err := svc.GetQuota(ctx, "jobs", "2025-06")
	require.NoError(t, err)
	assert.LessOrEqual(t, quota.Consumed, int64(100))
	assert.Equal(t, int64(granted*15), quota.Consumed)

	var count int64
	require.NoError(t, db.Model(&ledgerdomain.UsageRecord{}).Count(&count).Error)
	assert.Equal(t, int64(granted), count)
}

func TestAggregateTotalsCommittedDebitsOnly(t *testing.T) {
	svc, _, _, node := setupLedgerService(t)
	ctx, _ := ledgerOrgCtx(node)

	_, err := svc.SetQuota(ctx, ledgerdomain.SetQuotaRequest{
		ResourceKind: "agent_cost", Period: "2025-06", Limit: 50,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.Debit(ctx, ledgerdomain.DebitRequest{
			ResourceKind: "jobs", Quantity: 1, CostUSD: 0.10, Period: "2025-06",
		})
		require.NoError(t, err)
	}
	_, err = svc.Debit(ctx, ledgerdomain.DebitRequest{
		ResourceKind: "agent_cost", Quantity: 40, CostUSD: 0.40, Period: "2025-06",
	})
	require.NoError(t, err)

	// Denied debit must not show up in the totals.
	_, err = svc.Debit(ctx, ledgerdomain.DebitRequest{
		ResourceKind: "agent_cost", Quantity: 20, CostUSD: 0.20, Period: "2025-06",
	})
	require.ErrorIs(t, err, ledgerdomain.ErrQuotaExceeded)

	// Another period stays out of scope.
	_, err = svc.Debit(ctx, ledgerdomain.DebitRequest{
		ResourceKind: "jobs", Quantity: 7, Period: "2025-07",
	})
	require.NoError(t, err)

	resp, err := svc.Aggregate(ctx, "2025-06")
	require.NoError(t, err)
	require.Len(t, resp.Totals, 2)

	assert.Equal(t, "agent_cost", resp.Totals[0].ResourceKind)
	assert.Equal(t, int64(40), resp.Totals[0].Quantity)
	assert.InDelta(t, 0.40, resp.Totals[0].CostUSD, 1e-9)

	assert.Equal(t, "jobs", resp.Totals[1].ResourceKind)
	assert.Equal(t, int64(3), resp.Totals[1].Quantity)
	assert.InDelta(t, 0.30, resp.Totals[1].CostUSD, 1e-9)
}

func TestAggregateIsScopedToOrganization(t *testing.T) {
	svc, _, _, node := setupLedgerService(t)
	ctxA, _ := ledgerOrgCtx(node)
	ctxB, _ := ledgerOrgCtx(node)

	_, err := svc.Debit(ctxA, ledgerdomain.DebitRequest{
		ResourceKind: "jobs", Quantity: 2, Period: "2025-06",
	})
	require.NoError(t, err)

	resp, err := svc.Aggregate(ctxB, "2025-06")
	require.NoError(t, err)
	assert.Empty(t, resp.Totals)
}

func TestSetQuotaUpsertPreservesConsumed(t *testing.T) {
	svc, db, _, node := setupLedgerService(t)
	ctx, _ := ledgerOrgCtx(node)

	_, err := svc.SetQuota(ctx, ledgerdomain.SetQuotaRequest{
		ResourceKind: "jobs", Period: "2025-06", Limit: 10,
	})
	require.NoError(t, err)

	_, err = svc.Debit(ctx, ledgerdomain.DebitRequest{
		ResourceKind: "jobs", Quantity: 4, Period: "2025-06",
	})
	require.NoError(t, err)

	quota, err := svc.SetQuota(ctx, ledgerdomain.SetQuotaRequest{
		ResourceKind: "jobs", Period: "2025-06", Limit: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20), quota.LimitValue)
	assert.Equal(t, int64(4), quota.Consumed)

	var count int64
	require.NoError(t, db.Model(&ledgerdomain.Quota{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDebitValidation(t *testing.T) {
	svc, _, _, node := setupLedgerService(t)
	ctx, _ := ledgerOrgCtx(node)

	_, err := svc.Debit(ctx, ledgerdomain.DebitRequest{Quantity: 1, Period: "2025-06"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidResourceKind)

	_, err = svc.Debit(ctx, ledgerdomain.DebitRequest{ResourceKind: "jobs", Period: "2025-06"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidQuantity)

	_, err = svc.Debit(ctx, ledgerdomain.DebitRequest{ResourceKind: "jobs", Quantity: 1})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidPeriod)

	_, err = svc.Debit(context.Background(), ledgerdomain.DebitRequest{
		ResourceKind: "jobs", Quantity: 1, Period: "2025-06",
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidOrganization)
}
