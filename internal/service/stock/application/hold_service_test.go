package application

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockguard/internal/service/stock/domain"
	"stockguard/internal/service/stock/infrastructure"
)

func TestSetDesiredQtyPrimesOnHandFromDatabase(t *testing.T) {
	ledger, mr := newLedger(t)
	repo := newMemStockRepo(map[domain.Pair]int64{pair17: 10})
	svc := NewHoldService(ledger, repo, testTracer, 15*time.Minute, time.Hour)

	resp, err := svc.SetDesiredQty(context.Background(), &SetHoldRequest{
		CartKey: "cart-a", BranchID: 1, ItemID: 7, OptionsHash: "mild", Quantity: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, "applied", resp.Status)
	assert.Equal(t, int64(4), resp.Reserved)
	assert.Equal(t, int64(6), resp.Available)
	assert.False(t, resp.Degraded)
	assert.Equal(t, "10", mustGet(t, mr, "onhand:1:7"))
	assert.Equal(t, "hold:cart-a:1:7:mild:0", resp.HoldKey)
}

func TestSetDesiredQtySecondCartIsRejected(t *testing.T) {
	ledger, mr := newLedger(t)
	repo := newMemStockRepo(map[domain.Pair]int64{pair17: 10})
	svc := NewHoldService(ledger, repo, testTracer, 15*time.Minute, time.Hour)
	ctx := context.Background()

	_, err := svc.SetDesiredQty(ctx, &SetHoldRequest{CartKey: "cart-a", BranchID: 1, ItemID: 7, Quantity: 6})
	require.NoError(t, err)

	_, err = svc.SetDesiredQty(ctx, &SetHoldRequest{CartKey: "cart-b", BranchID: 1, ItemID: 7, Quantity: 6})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOutOfStock))
	var oos *domain.OutOfStockError
	require.True(t, errors.As(err, &oos))
	assert.Equal(t, int64(6), oos.Requested)

	// 第一个购物车的预占不受影响
	assert.Equal(t, "6", mustGet(t, mr, "reserved:1:7"))
}

func TestSetDesiredQtyDegradesWhenLedgerUnavailable(t *testing.T) {
	ledger := &stubLedger{HoldLedger: infrastructure.NewNoopHoldLedger(), setErr: errors.New("dial tcp: connection refused")}
	svc := NewHoldService(ledger, newMemStockRepo(nil), testTracer, 15*time.Minute, time.Hour)

	resp, err := svc.SetDesiredQty(context.Background(), &SetHoldRequest{CartKey: "cart-a", BranchID: 1, ItemID: 7, Quantity: 2})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, int64(-1), resp.Available)
}

func TestSetDesiredQtyDegradesWhenPrimingFails(t *testing.T) {
	ledger, _ := newLedger(t)
	repo := newMemStockRepo(nil)
	repo.getErr = errors.New("mysql gone")
	svc := NewHoldService(ledger, repo, testTracer, 15*time.Minute, time.Hour)

	resp, err := svc.SetDesiredQty(context.Background(), &SetHoldRequest{CartKey: "cart-a", BranchID: 1, ItemID: 7, Quantity: 2})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
}

func TestSetDesiredQtyValidation(t *testing.T) {
	ledger, _ := newLedger(t)
	svc := NewHoldService(ledger, newMemStockRepo(nil), testTracer, 15*time.Minute, time.Hour)
	ctx := context.Background()

	cases := []struct {
		name string
		req  SetHoldRequest
		want error
	}{
		{"GivenEmptyCartKey_ThenInvalidHold", SetHoldRequest{BranchID: 1, ItemID: 7, Quantity: 1}, domain.ErrInvalidHoldKey},
		{"GivenNoBranch_ThenBranchRequired", SetHoldRequest{CartKey: "c", ItemID: 7, Quantity: 1}, domain.ErrBranchRequired},
		{"GivenNoItem_ThenItemNotFound", SetHoldRequest{CartKey: "c", BranchID: 1, Quantity: 1}, domain.ErrItemNotFound},
		{"GivenNegativeQty_ThenInvalidQuantity", SetHoldRequest{CartKey: "c", BranchID: 1, ItemID: 7, Quantity: -1}, domain.ErrInvalidQuantity},
		{"GivenOptionsWithColon_ThenInvalidHold", SetHoldRequest{CartKey: "c", BranchID: 1, ItemID: 7, OptionsHash: "a:b", Quantity: 1}, domain.ErrInvalidHoldKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			_, err := svc.SetDesiredQty(ctx, &req)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestHoldTTLDefaultsAndClamps(t *testing.T) {
	svc := NewHoldService(infrastructure.NewNoopHoldLedger(), newMemStockRepo(nil), testTracer, 15*time.Minute, time.Hour)
	assert.Equal(t, 15*time.Minute, svc.ttl(0))
	assert.Equal(t, 30*time.Second, svc.ttl(30))
	assert.Equal(t, time.Hour, svc.ttl(7200))
}

func TestReleaseCartReturnsStockToAvailable(t *testing.T) {
	ledger, mr := newLedger(t)
	repo := newMemStockRepo(map[domain.Pair]int64{pair17: 10})
	svc := NewHoldService(ledger, repo, testTracer, 15*time.Minute, time.Hour)
	ctx := context.Background()

	_, err := svc.SetDesiredQty(ctx, &SetHoldRequest{CartKey: "cart-a", BranchID: 1, ItemID: 7, Quantity: 3})
	require.NoError(t, err)
	_, err = svc.SetDesiredQty(ctx, &SetHoldRequest{CartKey: "cart-a", BranchID: 1, ItemID: 7, Note: "no onion", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, "5", mustGet(t, mr, "stock:1:7"))

	resp, err := svc.ReleaseCart(ctx, "cart-a")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Released)
	assert.Equal(t, "10", mustGet(t, mr, "stock:1:7"))

	_, err = svc.ReleaseCart(ctx, "")
	assert.True(t, errors.Is(err, domain.ErrInvalidHoldKey))
}

func TestAvailableFillsCacheOnMiss(t *testing.T) {
	ledger, _ := newLedger(t)
	repo := newMemStockRepo(map[domain.Pair]int64{pair17: 8})
	svc := NewHoldService(ledger, repo, testTracer, 15*time.Minute, time.Hour)
	ctx := context.Background()

	resp, err := svc.Available(ctx, pair17)
	require.NoError(t, err)
	assert.Equal(t, "database", resp.Source)
	assert.Equal(t, int64(8), resp.Available)

	resp, err = svc.Available(ctx, pair17)
	require.NoError(t, err)
	assert.Equal(t, "cache", resp.Source)
	assert.Equal(t, int64(8), resp.Available)

	_, err = svc.Available(ctx, domain.Pair{ItemID: 7})
	assert.Equal(t, domain.ErrBranchRequired, err)
}

func TestAvailableWithNoopLedgerReadsDatabase(t *testing.T) {
	repo := newMemStockRepo(map[domain.Pair]int64{pair17: 4})
	svc := NewHoldService(infrastructure.NewNoopHoldLedger(), repo, testTracer, 0, 0)

	resp, err := svc.Available(context.Background(), pair17)
	require.NoError(t, err)
	assert.Equal(t, "database", resp.Source)
	assert.Equal(t, int64(4), resp.Available)
}

func TestListActiveHolds(t *testing.T) {
	ledger, _ := newLedger(t)
	repo := newMemStockRepo(map[domain.Pair]int64{pair17: 10})
	svc := NewHoldService(ledger, repo, testTracer, 15*time.Minute, time.Hour)
	ctx := context.Background()

	for _, cart := range []string{"cart-a", "cart-b", "cart-c"} {
		_, err := svc.SetDesiredQty(ctx, &SetHoldRequest{CartKey: cart, BranchID: 1, ItemID: 7, Quantity: 1})
		require.NoError(t, err)
	}

	page, err := svc.ListActiveHolds(ctx, 1, 0, 2)
	require.NoError(t, err)
	assert.Len(t, page.Holds, 2)
	assert.Equal(t, int64(2), page.NextCursor)

	page, err = svc.ListActiveHolds(ctx, 1, page.NextCursor, 2)
	require.NoError(t, err)
	assert.Len(t, page.Holds, 1)
	assert.Zero(t, page.NextCursor)

	_, err = svc.ListActiveHolds(ctx, 0, 0, 10)
	assert.Equal(t, domain.ErrBranchRequired, err)
}
