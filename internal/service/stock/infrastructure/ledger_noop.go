package infrastructure

import (
	"context"
	"time"

	"stockguard/internal/service/stock/domain"
)

// NoopHoldLedger 是账本关闭时的空实现：不做任何预占，防超卖完全依赖结算时的条件扣减。
type NoopHoldLedger struct {
	now func() time.Time
}

var _ domain.HoldLedger = NoopHoldLedger{}

func NewNoopHoldLedger() NoopHoldLedger { return NoopHoldLedger{now: time.Now} }

func (n NoopHoldLedger) SetDesiredQty(_ context.Context, _ domain.HoldKey, qty int64, ttl time.Duration) (domain.HoldResult, error) {
	if qty < 0 {
		return domain.HoldResult{}, domain.ErrInvalidQuantity
	}
	res := domain.HoldResult{Status: domain.HoldApplied, Available: -1, Degraded: true}
	if qty > 0 && n.now != nil {
		res.ExpireAt = n.now().Add(ttl)
	}
	return res, nil
}

func (NoopHoldLedger) ConsumeCart(context.Context, string) (int, error) { return 0, nil }
func (NoopHoldLedger) ReleaseCart(context.Context, string) (int, error) { return 0, nil }
func (NoopHoldLedger) CleanupExpired(context.Context, time.Time, int) (int, int, error) {
	return 0, 0, nil
}
func (NoopHoldLedger) ListActiveHolds(context.Context, int64, int64, int) (domain.HoldPage, error) {
	return domain.HoldPage{Holds: []domain.HoldView{}}, nil
}
func (NoopHoldLedger) ActivePairs(context.Context, int64) ([]domain.Pair, error) { return nil, nil }
func (NoopHoldLedger) ReconcilePair(_ context.Context, pair domain.Pair) (domain.PairDrift, error) {
	return domain.PairDrift{Pair: pair}, nil
}
func (NoopHoldLedger) SyncOnHand(_ context.Context, _ domain.Pair, onHand int64) (int64, error) {
	return onHand, nil
}
func (NoopHoldLedger) Available(context.Context, domain.Pair) (int64, bool, error) {
	return 0, false, nil
}
func (NoopHoldLedger) BumpGeneration(context.Context) (int64, error)            { return 0, nil }
func (NoopHoldLedger) ClearItemHolds(context.Context, domain.Pair) (int, error) { return 0, nil }
