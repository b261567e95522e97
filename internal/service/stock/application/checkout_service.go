package application

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockguard/internal/pkg/logger"
	"stockguard/internal/service/stock/domain"
)

// CheckoutService 编排结算：关系库扣减是权威判断，成功后才消耗缓存预占。
type CheckoutService struct {
	stockRepo domain.StockRepository
	ledger    domain.HoldLedger
	tracer    trace.Tracer
}

func NewCheckoutService(stockRepo domain.StockRepository, ledger domain.HoldLedger, tracer trace.Tracer) *CheckoutService {
	return &CheckoutService{stockRepo: stockRepo, ledger: ledger, tracer: tracer}
}

// PlaceOrder 把购物车转成订单。
// 扣减失败时预占保持有效，顾客可以修改购物车后重试。
func (s *CheckoutService) PlaceOrder(ctx context.Context, req *CheckoutRequest) (*domain.CheckoutResult, error) {
	ctx, span := s.tracer.Start(ctx, "stock.PlaceOrder")
	defer span.End()

	span.SetAttributes(
		attribute.String("cart.key", req.CartKey),
		attribute.Int64("cart.id", req.CartID),
		attribute.Int64("branch.id", req.BranchID),
		attribute.Int("order.lines", len(req.Lines)),
	)

	// 1. 关系库事务：下单 + 条件扣减
	result, err := s.stockRepo.CheckoutFromCart(ctx, domain.CheckoutCommand{
		OrderCode: req.OrderCode,
		Cart:      domain.Cart{ID: req.CartID, CartKey: req.CartKey, BranchID: req.BranchID},
		Lines:     req.Lines,
		Note:      req.Note,
	})
	checkoutTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.ErrorCode(err))
		logger.Ctx(ctx).Warn().Err(err).
			Str("cart_key", req.CartKey).
			Int64("branch_id", req.BranchID).
			Str("code", domain.ErrorCode(err)).
			Msg("checkout failed, holds stay live")
		return nil, err
	}

	// 2. 消耗预占，失败只记录，残留计数由过期清理和对账修复
	if req.CartKey != "" {
		if n, err := s.ledger.ConsumeCart(ctx, req.CartKey); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("cart_key", req.CartKey).Str("order_code", result.OrderCode).
				Msg("consume cart holds failed after checkout")
		} else {
			span.SetAttributes(attribute.Int("holds.consumed", n))
		}
	}

	// 3. 用扣减后的权威数量回写 onHand 镜像，实际购买量可能大于预占量
	s.syncRemaining(ctx, req.BranchID, result.Remaining)

	logger.Ctx(ctx).Info().Str("order_code", result.OrderCode).Int64("order_id", result.OrderID).Msg("order placed")
	return &result, nil
}

// syncRemaining 逐个回写，失败记录后继续
func (s *CheckoutService) syncRemaining(ctx context.Context, branchID int64, remaining map[int64]int64) {
	for itemID, qty := range remaining {
		pair := domain.Pair{BranchID: branchID, ItemID: itemID}
		if _, err := s.ledger.SyncOnHand(ctx, pair, qty); err != nil {
			syncErr := &domain.CacheSyncError{Step: "sync_after_checkout", Err: err}
			cacheSyncFailures.WithLabelValues(syncErr.Step).Inc()
			logger.Ctx(ctx).Warn().Err(syncErr).Str("pair", pair.String()).Int64("on_hand", qty).
				Msg("order placed but on-hand mirror not refreshed")
		}
	}
}
