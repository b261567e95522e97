package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stockguard/internal/pkg/logger"
	"stockguard/internal/service/stock/domain"
)

// HoldService 是购物车侧的预占用例：加购、改数量、释放、查询可售数量。
type HoldService struct {
	ledger     domain.HoldLedger
	stockRepo  domain.StockRepository
	tracer     trace.Tracer
	defaultTTL time.Duration
	maxTTL     time.Duration
}

// NewHoldService 创建预占服务，defaultTTL 用于请求未指定 ttl 的情况。
func NewHoldService(ledger domain.HoldLedger, stockRepo domain.StockRepository, tracer trace.Tracer, defaultTTL, maxTTL time.Duration) *HoldService {
	if defaultTTL <= 0 {
		defaultTTL = 15 * time.Minute
	}
	if maxTTL < defaultTTL {
		maxTTL = defaultTTL
	}
	return &HoldService{
		ledger:     ledger,
		stockRepo:  stockRepo,
		tracer:     tracer,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
	}
}

// SetDesiredQty 更新购物车某一行的预占数量。
// 预检拒绝时返回 *domain.OutOfStockError；账本不可用时降级为不预占并照常返回。
func (s *HoldService) SetDesiredQty(ctx context.Context, req *SetHoldRequest) (*HoldResponse, error) {
	ctx, span := s.tracer.Start(ctx, "stock.SetDesiredQty")
	defer span.End()

	span.SetAttributes(
		attribute.String("cart.key", req.CartKey),
		attribute.Int64("branch.id", req.BranchID),
		attribute.Int64("item.id", req.ItemID),
		attribute.Int64("hold.qty", req.Quantity),
	)

	key, err := domain.NewHoldKey(req.CartKey, req.BranchID, req.ItemID, req.OptionsHash, req.Note)
	if err != nil {
		holdRequests.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if req.Quantity < 0 {
		holdRequests.WithLabelValues("invalid").Inc()
		return nil, domain.ErrInvalidQuantity
	}
	ttl := s.ttl(req.TTLSeconds)

	res, err := s.ledger.SetDesiredQty(ctx, key, req.Quantity, ttl)
	if err == nil && res.Status == domain.HoldOnHandUnknown {
		// 缓存里没有 onHand 镜像：从关系库读一次写入缓存，再重试一次
		if primeErr := s.primeOnHand(ctx, key.Pair()); primeErr != nil {
			err = primeErr
		} else {
			res, err = s.ledger.SetDesiredQty(ctx, key, req.Quantity, ttl)
		}
	}
	if err != nil {
		if errors.Is(err, domain.ErrInvalidQuantity) {
			return nil, err
		}
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).
			Str("cart_key", req.CartKey).
			Int64("branch_id", req.BranchID).
			Int64("item_id", req.ItemID).
			Msg("hold ledger unavailable, accepting without reservation")
		holdRequests.WithLabelValues("degraded").Inc()
		return &HoldResponse{
			HoldKey:    key.String(),
			Status:     "degraded",
			HoldResult: domain.HoldResult{Status: domain.HoldApplied, Available: -1, Degraded: true},
		}, nil
	}

	switch res.Status {
	case domain.HoldRejected:
		holdRequests.WithLabelValues("rejected").Inc()
		span.AddEvent("hold rejected")
		return nil, &domain.OutOfStockError{BranchID: req.BranchID, ItemID: req.ItemID, Requested: req.Quantity}
	case domain.HoldOnHandUnknown:
		// 重试后依然没有镜像，只可能是并发删除，按降级处理
		logger.Ctx(ctx).Warn().Str("pair", key.Pair().String()).Msg("onhand mirror still missing after priming")
		res.Status = domain.HoldApplied
		res.Degraded = true
	}

	label := res.Status.String()
	if res.Degraded {
		label = "degraded"
	}
	holdRequests.WithLabelValues(label).Inc()
	return &HoldResponse{HoldKey: key.String(), Status: label, HoldResult: res}, nil
}

func (s *HoldService) ttl(seconds int64) time.Duration {
	if seconds <= 0 {
		return s.defaultTTL
	}
	ttl := time.Duration(seconds) * time.Second
	if ttl > s.maxTTL {
		return s.maxTTL
	}
	return ttl
}

func (s *HoldService) primeOnHand(ctx context.Context, pair domain.Pair) error {
	onHand, err := s.stockRepo.GetQuantity(ctx, pair)
	if err != nil {
		return errors.Wrap(err, "read on-hand for priming")
	}
	if _, err := s.ledger.SyncOnHand(ctx, pair, onHand); err != nil {
		return err
	}
	return nil
}

// ReleaseCart 释放购物车的全部预占，用于显式关闭或放弃购物车。
func (s *HoldService) ReleaseCart(ctx context.Context, cartKey string) (*ReleaseResponse, error) {
	ctx, span := s.tracer.Start(ctx, "stock.ReleaseCart")
	defer span.End()
	span.SetAttributes(attribute.String("cart.key", cartKey))

	if cartKey == "" {
		return nil, domain.ErrInvalidHoldKey
	}
	n, err := s.ledger.ReleaseCart(ctx, cartKey)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	logger.Ctx(ctx).Info().Str("cart_key", cartKey).Int("released", n).Msg("cart holds released")
	return &ReleaseResponse{CartKey: cartKey, Released: n}, nil
}

// Available 读取对外展示的可售数量。
// 缓存未命中时从关系库读取 onHand 并回填缓存；账本不可用时直接返回关系库数量。
func (s *HoldService) Available(ctx context.Context, pair domain.Pair) (*AvailabilityResponse, error) {
	ctx, span := s.tracer.Start(ctx, "stock.Available")
	defer span.End()
	span.SetAttributes(attribute.Int64("branch.id", pair.BranchID), attribute.Int64("item.id", pair.ItemID))

	if err := pair.Validate(); err != nil {
		return nil, err
	}
	resp := &AvailabilityResponse{BranchID: pair.BranchID, ItemID: pair.ItemID}

	available, ok, err := s.ledger.Available(ctx, pair)
	if err == nil && ok {
		resp.Available, resp.Source = available, "cache"
		return resp, nil
	}
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("pair", pair.String()).Msg("read cached available failed")
	}

	onHand, err := s.stockRepo.GetQuantity(ctx, pair)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	resp.Available, resp.Source = onHand, "database"
	if synced, syncErr := s.ledger.SyncOnHand(ctx, pair, onHand); syncErr == nil && synced >= 0 {
		resp.Available = synced
	}
	return resp, nil
}

// ListActiveHolds 分页列出某门店的活跃预占。
func (s *HoldService) ListActiveHolds(ctx context.Context, branchID, cursor int64, limit int) (domain.HoldPage, error) {
	if branchID <= 0 {
		return domain.HoldPage{}, domain.ErrBranchRequired
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.ledger.ListActiveHolds(ctx, branchID, cursor, limit)
}
