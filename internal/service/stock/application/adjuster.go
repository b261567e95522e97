package application

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stockguard/internal/pkg/logger"
	"stockguard/internal/service/stock/domain"
)

// StockAdjuster 处理管理端的补货 / 扣减 / 设置。
type StockAdjuster struct {
	stockRepo domain.StockRepository
	ledger    domain.HoldLedger
	tracer    trace.Tracer
}

func NewStockAdjuster(stockRepo domain.StockRepository, ledger domain.HoldLedger, tracer trace.Tracer) *StockAdjuster {
	return &StockAdjuster{stockRepo: stockRepo, ledger: ledger, tracer: tracer}
}

// AdjustBranchStock 在关系库中调整库存，提交后尽力同步缓存。
// 缓存同步失败不影响调整结果，只体现在 CacheSynced 上。
func (a *StockAdjuster) AdjustBranchStock(ctx context.Context, req *AdjustRequest) (*domain.AdjustResult, error) {
	ctx, span := a.tracer.Start(ctx, "stock.AdjustBranchStock")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("branch.id", req.BranchID),
		attribute.Int64("item.id", req.ItemID),
		attribute.String("adjust.mode", req.Mode),
		attribute.Int64("adjust.qty", req.Quantity),
	)

	pair := domain.Pair{BranchID: req.BranchID, ItemID: req.ItemID}
	if err := pair.Validate(); err != nil {
		return nil, err
	}
	mode, err := domain.ParseAdjustMode(req.Mode)
	if err != nil {
		adjustTotal.WithLabelValues("unknown", resultLabel(err)).Inc()
		return nil, err
	}
	if req.Quantity < 0 {
		return nil, domain.ErrInvalidQuantity
	}

	// 1. 权威调整
	prev, next, err := a.stockRepo.Adjust(ctx, pair, mode, req.Quantity)
	adjustTotal.WithLabelValues(string(mode), resultLabel(err)).Inc()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := &domain.AdjustResult{PrevQty: prev, NewQty: next, Available: next}

	// 2. 缓存同步：attempt, log, continue
	if syncErr := a.syncCache(ctx, pair, result); syncErr != nil {
		cacheSyncFailures.WithLabelValues(syncErr.Step).Inc()
		logger.Ctx(ctx).Warn().Err(syncErr).
			Str("pair", pair.String()).
			Int64("new_qty", next).
			Msg("stock adjusted but cache sync failed")
	}

	logger.Ctx(ctx).Info().
		Str("pair", pair.String()).
		Str("mode", string(mode)).
		Int64("prev_qty", prev).
		Int64("new_qty", next).
		Msg("stock adjusted")
	return result, nil
}

// syncCache 只返回 *domain.CacheSyncError，调用方记录后继续。
func (a *StockAdjuster) syncCache(ctx context.Context, pair domain.Pair, result *domain.AdjustResult) *domain.CacheSyncError {
	available, err := a.ledger.SyncOnHand(ctx, pair, result.NewQty)
	if err != nil {
		return &domain.CacheSyncError{Step: "sync_available", Err: err}
	}
	result.Available = available

	gen, err := a.ledger.BumpGeneration(ctx)
	if err != nil {
		return &domain.CacheSyncError{Step: "bump_generation", Err: err}
	}
	result.Generation = gen
	result.CacheSynced = true
	return nil
}

// ForceSetStock 把库存强制设为 quantity 并清空该菜品的全部预占，只用于开发/演示环境。
func (a *StockAdjuster) ForceSetStock(ctx context.Context, pair domain.Pair, quantity int64) (*ForceSetResult, error) {
	ctx, span := a.tracer.Start(ctx, "stock.ForceSetStock")
	defer span.End()

	adjusted, err := a.AdjustBranchStock(ctx, &AdjustRequest{
		BranchID: pair.BranchID,
		ItemID:   pair.ItemID,
		Mode:     string(domain.AdjustSet),
		Quantity: quantity,
	})
	if err != nil {
		return nil, err
	}

	cleared, err := a.ledger.ClearItemHolds(ctx, pair)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrapf(err, "clear holds for %s", pair)
	}
	// 预占清空后重新计算可售数量
	if available, err := a.ledger.SyncOnHand(ctx, pair, quantity); err == nil {
		adjusted.Available = available
	}

	logger.Ctx(ctx).Warn().Str("pair", pair.String()).Int64("qty", quantity).Int("cleared_holds", cleared).
		Msg("stock force-set")
	return &ForceSetResult{AdjustResult: *adjusted, ClearedHolds: cleared}, nil
}
