package infrastructure

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stockguard/internal/pkg/logger"
	"stockguard/internal/service/stock/domain"
)

// GormStockRepository 是 domain.StockRepository 的 GORM 实现，也是防超卖的最终关卡。
// 它从不访问缓存账本，正确性不依赖缓存是否一致。
type GormStockRepository struct {
	db              *gorm.DB
	checkoutTimeout time.Duration
	now             func() time.Time
}

var _ domain.StockRepository = (*GormStockRepository)(nil)

// NewGormStockRepository 创建仓储实例，checkoutTimeout 限制结算事务的最长时间。
func NewGormStockRepository(db *gorm.DB, checkoutTimeout time.Duration) *GormStockRepository {
	if checkoutTimeout <= 0 {
		checkoutTimeout = 5 * time.Second
	}
	return &GormStockRepository{db: db, checkoutTimeout: checkoutTimeout, now: time.Now}
}

// CheckoutFromCart 在一个事务内完成下单：
// 写订单与状态历史、写订单明细快照、按菜品条件扣减库存、标记购物车已结算。
// 任意一步失败（包括超时）整体回滚，不会留下部分扣减。
func (r *GormStockRepository) CheckoutFromCart(ctx context.Context, cmd domain.CheckoutCommand) (domain.CheckoutResult, error) {
	if err := cmd.Validate(); err != nil {
		return domain.CheckoutResult{}, err
	}
	if cmd.OrderCode == "" {
		cmd.OrderCode = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, r.checkoutTimeout)
	defer cancel()

	now := r.now().UTC()
	var result domain.CheckoutResult
	err := r.transaction(ctx, "checkout", func(tx *gorm.DB) error {
		// 1. 订单与初始状态历史
		order := OrderModel{
			OrderCode:   cmd.OrderCode,
			CartID:      cmd.Cart.ID,
			BranchID:    cmd.Cart.BranchID,
			Status:      string(domain.OrderStatusNew),
			Note:        cmd.Note,
			TotalAmount: orderTotal(cmd.Lines),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&order).Error; err != nil {
			return errors.Wrap(err, "insert order")
		}
		history := OrderStatusHistoryModel{OrderID: order.ID, ToStatus: string(domain.OrderStatusNew), CreatedAt: now}
		if err := tx.Create(&history).Error; err != nil {
			return errors.Wrap(err, "insert order status history")
		}

		// 2. 明细快照
		if err := tx.CreateInBatches(toOrderItemModels(order.ID, cmd.Lines), 100).Error; err != nil {
			return errors.Wrap(err, "insert order items")
		}

		// 3 & 4. 按菜品汇总后条件扣减，itemId 升序保证加锁顺序一致
		remaining, err := decrementStock(tx, cmd.Cart.BranchID, domain.AggregateQuantities(cmd.Lines), now)
		if err != nil {
			return err
		}

		// 5. 标记购物车
		if err := markCartCheckedOut(tx, cmd.Cart, now); err != nil {
			return err
		}

		result = domain.CheckoutResult{OrderID: order.ID, OrderCode: order.OrderCode, PlacedAt: now, Remaining: remaining}
		return nil
	})
	if err != nil {
		return domain.CheckoutResult{}, err
	}
	return result, nil
}

// decrementStock 条件扣减每个菜品，返回扣减后的数量
func decrementStock(tx *gorm.DB, branchID int64, quantities map[int64]int64, now time.Time) (map[int64]int64, error) {
	itemIDs := make([]int64, 0, len(quantities))
	for id := range quantities {
		itemIDs = append(itemIDs, id)
	}
	sort.Slice(itemIDs, func(i, j int) bool { return itemIDs[i] < itemIDs[j] })

	for _, itemID := range itemIDs {
		qty := quantities[itemID]
		res := tx.Model(&StockModel{}).
			Where("branch_id = ? AND item_id = ? AND quantity >= ?", branchID, itemID, qty).
			UpdateColumns(map[string]interface{}{
				"quantity":   gorm.Expr("quantity - ?", qty),
				"updated_at": now,
			})
		if res.Error != nil {
			return nil, errors.Wrapf(res.Error, "decrement stock item %d", itemID)
		}
		if res.RowsAffected != 1 {
			return nil, &domain.OutOfStockError{BranchID: branchID, ItemID: itemID, Requested: qty}
		}
	}

	// 行已被本事务锁住，读到的就是提交后的值
	var rows []StockModel
	if err := tx.Where("branch_id = ? AND item_id IN ?", branchID, itemIDs).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "read remaining stock")
	}
	remaining := make(map[int64]int64, len(rows))
	for _, row := range rows {
		remaining[row.ItemID] = row.Quantity
	}
	return remaining, nil
}

func markCartCheckedOut(tx *gorm.DB, cart domain.Cart, now time.Time) error {
	q := tx.Model(&CartModel{})
	if cart.ID > 0 {
		q = q.Where("id = ?", cart.ID)
	} else {
		q = q.Where("cart_key = ?", cart.CartKey)
	}
	res := q.Where("status = ?", string(domain.CartActive)).
		UpdateColumns(map[string]interface{}{
			"status":     string(domain.CartCheckedOut),
			"updated_at": now,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "mark cart checked out")
	}
	if res.RowsAffected != 1 {
		return domain.ErrCartNotActive
	}
	return nil
}

// Adjust 在行锁保护下调整库存；行不存在时先以数量 0 创建。
func (r *GormStockRepository) Adjust(ctx context.Context, pair domain.Pair, mode domain.AdjustMode, quantity int64) (int64, int64, error) {
	if err := pair.Validate(); err != nil {
		return 0, 0, err
	}
	if _, err := domain.ParseAdjustMode(string(mode)); err != nil {
		return 0, 0, err
	}
	if quantity < 0 {
		return 0, 0, domain.ErrInvalidQuantity
	}

	now := r.now().UTC()
	var prev, next int64
	err := r.transaction(ctx, "adjust stock", func(tx *gorm.DB) error {
		seed := StockModel{BranchID: pair.BranchID, ItemID: pair.ItemID, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return errors.Wrap(err, "ensure stock row")
		}

		var row StockModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("branch_id = ? AND item_id = ?", pair.BranchID, pair.ItemID).
			Take(&row).Error
		if err != nil {
			return errors.Wrap(err, "lock stock row")
		}

		prev = row.Quantity
		next, err = mode.Apply(pair, row.Quantity, quantity)
		if err != nil {
			return err
		}

		updates := map[string]interface{}{"quantity": next, "updated_at": now}
		if mode == domain.AdjustRestock {
			updates["last_restock_at"] = sql.NullTime{Time: now, Valid: true}
		}
		return tx.Model(&StockModel{}).
			Where("branch_id = ? AND item_id = ?", pair.BranchID, pair.ItemID).
			UpdateColumns(updates).Error
	})
	if err != nil {
		return 0, 0, err
	}
	return prev, next, nil
}

// GetQuantity 读取权威库存，行不存在视为 0。
func (r *GormStockRepository) GetQuantity(ctx context.Context, pair domain.Pair) (int64, error) {
	var row StockModel
	err := r.db.WithContext(ctx).
		Where("branch_id = ? AND item_id = ?", pair.BranchID, pair.ItemID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "read stock %s", pair)
	}
	return row.Quantity, nil
}

// GetQuantities 批量读取，按门店分组查询；缺失的 Pair 视为 0。
func (r *GormStockRepository) GetQuantities(ctx context.Context, pairs []domain.Pair) (map[domain.Pair]int64, error) {
	byBranch := make(map[int64][]int64)
	out := make(map[domain.Pair]int64, len(pairs))
	for _, p := range pairs {
		byBranch[p.BranchID] = append(byBranch[p.BranchID], p.ItemID)
		out[p] = 0
	}
	for branchID, itemIDs := range byBranch {
		var rows []StockModel
		err := r.db.WithContext(ctx).
			Where("branch_id = ? AND item_id IN ?", branchID, itemIDs).
			Find(&rows).Error
		if err != nil {
			return nil, errors.Wrapf(err, "read stock for branch %d", branchID)
		}
		for _, row := range rows {
			out[domain.Pair{BranchID: row.BranchID, ItemID: row.ItemID}] = row.Quantity
		}
	}
	return out, nil
}

// transaction 执行事务，死锁、锁等待超时这类瞬时失败在 ctx 未结束时重跑一次。
func (r *GormStockRepository) transaction(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = r.db.WithContext(ctx).Transaction(fn)
		if err == nil || !isTransient(err) || ctx.Err() != nil {
			break
		}
		logger.Ctx(ctx).Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("transient transaction failure")
	}
	if err != nil {
		return wrapTxError(op, err)
	}
	return nil
}

// wrapTxError 保留业务错误原样返回，其余包装为 TransactionError。
// 事务已整体回滚，所以调用方总是可以重试。
func wrapTxError(op string, err error) error {
	var oos *domain.OutOfStockError
	switch {
	case errors.As(err, &oos),
		errors.Is(err, domain.ErrCartNotActive),
		errors.Is(err, domain.ErrInvalidMode),
		errors.Is(err, domain.ErrInvalidQuantity):
		return err
	}
	return &domain.TransactionError{Op: op, Retryable: true, Transient: isTransient(err), Err: err}
}

func toOrderItemModels(orderID int64, lines []domain.LineItem) []OrderItemModel {
	items := make([]OrderItemModel, 0, len(lines))
	for _, l := range lines {
		items = append(items, OrderItemModel{
			OrderID:     orderID,
			ItemID:      l.ItemID,
			ItemName:    l.Name,
			UnitPrice:   l.UnitPrice,
			Quantity:    l.Quantity,
			OptionsHash: l.OptionsHash,
			Note:        l.Note,
			LineTotal:   l.UnitPrice * float64(l.Quantity),
		})
	}
	return items
}

func orderTotal(lines []domain.LineItem) float64 {
	var total float64
	for _, l := range lines {
		total += l.UnitPrice * float64(l.Quantity)
	}
	return total
}
