package infrastructure

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"stockguard/internal/service/stock/domain"
)

// newTestDB 在临时目录创建 sqlite 库；连接数为 1，事务天然串行，对应 MySQL 的行锁语义。
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "stock.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func seedStock(t *testing.T, db *gorm.DB, branchID, itemID, qty int64) {
	t.Helper()
	require.NoError(t, db.Create(&StockModel{BranchID: branchID, ItemID: itemID, Quantity: qty, UpdatedAt: time.Now()}).Error)
}

func seedCart(t *testing.T, db *gorm.DB, id, branchID int64) domain.Cart {
	t.Helper()
	key := fmt.Sprintf("cart-%d", id)
	require.NoError(t, db.Create(&CartModel{ID: id, CartKey: key, BranchID: branchID, Status: string(domain.CartActive)}).Error)
	return domain.Cart{ID: id, CartKey: key, BranchID: branchID}
}

func stockOf(t *testing.T, db *gorm.DB, branchID, itemID int64) int64 {
	t.Helper()
	var row StockModel
	require.NoError(t, db.Where("branch_id = ? AND item_id = ?", branchID, itemID).Take(&row).Error)
	return row.Quantity
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func TestCheckoutFromCartHappyPath(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormStockRepository(db, 5*time.Second)
	seedStock(t, db, 1, 7, 10)
	seedStock(t, db, 1, 3, 5)
	cart := seedCart(t, db, 100, 1)

	res, err := repo.CheckoutFromCart(context.Background(), domain.CheckoutCommand{
		OrderCode: "ORD-1",
		Cart:      cart,
		Note:      "table 4",
		Lines: []domain.LineItem{
			{ItemID: 7, Name: "Pad Thai", UnitPrice: 9.5, Quantity: 2, OptionsHash: "mild"},
			{ItemID: 7, Name: "Pad Thai", UnitPrice: 9.5, Quantity: 1, OptionsHash: "hot"},
			{ItemID: 3, Name: "Spring Roll", UnitPrice: 4, Quantity: 5},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", res.OrderCode)
	assert.NotZero(t, res.OrderID)

	assert.Equal(t, int64(7), stockOf(t, db, 1, 7))
	assert.Equal(t, int64(0), stockOf(t, db, 1, 3))
	assert.Equal(t, map[int64]int64{7: 7, 3: 0}, res.Remaining)
	assert.Equal(t, int64(3), countRows(t, db, &OrderItemModel{}))
	assert.Equal(t, int64(1), countRows(t, db, &OrderStatusHistoryModel{}))

	var order OrderModel
	require.NoError(t, db.First(&order, res.OrderID).Error)
	assert.Equal(t, string(domain.OrderStatusNew), order.Status)
	assert.InDelta(t, 48.5, order.TotalAmount, 0.001)

	var c CartModel
	require.NoError(t, db.First(&c, cart.ID).Error)
	assert.Equal(t, string(domain.CartCheckedOut), c.Status)
}

func TestCheckoutFromCartIsAllOrNothing(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormStockRepository(db, 5*time.Second)
	seedStock(t, db, 1, 3, 10)
	seedStock(t, db, 1, 7, 1)
	cart := seedCart(t, db, 100, 1)

	_, err := repo.CheckoutFromCart(context.Background(), domain.CheckoutCommand{
		OrderCode: "ORD-2",
		Cart:      cart,
		Lines: []domain.LineItem{
			{ItemID: 3, Quantity: 2},
			{ItemID: 7, Quantity: 2},
		},
	})
	require.Error(t, err)
	var oos *domain.OutOfStockError
	require.True(t, errors.As(err, &oos))
	assert.Equal(t, int64(7), oos.ItemID)
	assert.True(t, errors.Is(err, domain.ErrOutOfStock))

	// item 3 的扣减必须一起回滚
	assert.Equal(t, int64(10), stockOf(t, db, 1, 3))
	assert.Equal(t, int64(1), stockOf(t, db, 1, 7))
	assert.Zero(t, countRows(t, db, &OrderModel{}))
	assert.Zero(t, countRows(t, db, &OrderItemModel{}))

	var c CartModel
	require.NoError(t, db.First(&c, cart.ID).Error)
	assert.Equal(t, string(domain.CartActive), c.Status)
}

func TestCheckoutFromCartMissingStockRowIsOutOfStock(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormStockRepository(db, 5*time.Second)
	cart := seedCart(t, db, 100, 1)

	_, err := repo.CheckoutFromCart(context.Background(), domain.CheckoutCommand{
		Cart:  cart,
		Lines: []domain.LineItem{{ItemID: 42, Quantity: 1}},
	})
	assert.True(t, errors.Is(err, domain.ErrOutOfStock))
}

func TestCheckoutFromCartRejectsInactiveCart(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormStockRepository(db, 5*time.Second)
	seedStock(t, db, 1, 7, 10)
	cart := seedCart(t, db, 100, 1)
	lines := []domain.LineItem{{ItemID: 7, Quantity: 1}}

	_, err := repo.CheckoutFromCart(context.Background(), domain.CheckoutCommand{OrderCode: "A", Cart: cart, Lines: lines})
	require.NoError(t, err)

	_, err = repo.CheckoutFromCart(context.Background(), domain.CheckoutCommand{OrderCode: "B", Cart: cart, Lines: lines})
	assert.True(t, errors.Is(err, domain.ErrCartNotActive))
	assert.Equal(t, int64(9), stockOf(t, db, 1, 7))
}

func TestCheckoutFromCartGeneratesOrderCode(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormStockRepository(db, 5*time.Second)
	seedStock(t, db, 1, 7, 10)
	cart := seedCart(t, db, 100, 1)

	res, err := repo.CheckoutFromCart(context.Background(), domain.CheckoutCommand{
		Cart:  domain.Cart{CartKey: cart.CartKey, BranchID: 1},
		Lines: []domain.LineItem{{ItemID: 7, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Len(t, res.OrderCode, 36)
}

func TestCheckoutFromCartValidation(t *testing.T) {
	repo := NewGormStockRepository(newTestDB(t), time.Second)
	ctx := context.Background()

	_, err := repo.CheckoutFromCart(ctx, domain.CheckoutCommand{Cart: domain.Cart{ID: 1}, Lines: []domain.LineItem{{ItemID: 1, Quantity: 1}}})
	assert.Equal(t, domain.ErrBranchRequired, err)

	_, err = repo.CheckoutFromCart(ctx, domain.CheckoutCommand{Cart: domain.Cart{ID: 1, BranchID: 1}})
	assert.Equal(t, domain.ErrEmptyCart, err)

	_, err = repo.CheckoutFromCart(ctx, domain.CheckoutCommand{Cart: domain.Cart{ID: 1, BranchID: 1}, Lines: []domain.LineItem{{ItemID: 1, Quantity: 0}}})
	assert.Equal(t, domain.ErrInvalidQuantity, err)
}

func TestConcurrentCheckoutsSellExactlyAvailableUnits(t *testing.T) {
	const (
		attempts  = 12
		available = 5
	)
	db := newTestDB(t)
	repo := NewGormStockRepository(db, 10*time.Second)
	seedStock(t, db, 1, 7, available)
	carts := make([]domain.Cart, attempts)
	for i := range carts {
		carts[i] = seedCart(t, db, int64(i+1), 1)
	}

	var (
		wg         sync.WaitGroup
		successes  atomic.Int64
		outOfStock atomic.Int64
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.CheckoutFromCart(context.Background(), domain.CheckoutCommand{
				OrderCode: fmt.Sprintf("ORD-%d", i),
				Cart:      carts[i],
				Lines:     []domain.LineItem{{ItemID: 7, Quantity: 1}},
			})
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, domain.ErrOutOfStock):
				outOfStock.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(available), successes.Load())
	assert.Equal(t, int64(attempts-available), outOfStock.Load())
	assert.Equal(t, int64(0), stockOf(t, db, 1, 7))
	assert.Equal(t, int64(available), countRows(t, db, &OrderModel{}))
}

func TestCheckoutFromCartTimeoutRollsBack(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormStockRepository(db, 5*time.Second)
	seedStock(t, db, 1, 7, 10)
	cart := seedCart(t, db, 100, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := repo.CheckoutFromCart(ctx, domain.CheckoutCommand{
		Cart:  cart,
		Lines: []domain.LineItem{{ItemID: 7, Quantity: 1}},
	})
	require.Error(t, err)
	var txErr *domain.TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.True(t, txErr.Retryable)
	assert.False(t, txErr.Transient)
	assert.Equal(t, "RETRYABLE", domain.ErrorCode(err))
	assert.Equal(t, int64(10), stockOf(t, db, 1, 7))
	assert.Zero(t, countRows(t, db, &OrderModel{}))
}

// failOrderInserts 让前 n 次写订单失败，模拟死锁被选为牺牲者
func failOrderInserts(t *testing.T, db *gorm.DB, n int) *int {
	t.Helper()
	calls := 0
	err := db.Callback().Create().Before("gorm:create").Register("test:deadlock", func(tx *gorm.DB) {
		if tx.Statement.Table != "orders" {
			return
		}
		calls++
		if calls <= n {
			_ = tx.AddError(&mysqldrv.MySQLError{Number: mysqlErrDeadlock, Message: "Deadlock found when trying to get lock"})
		}
	})
	require.NoError(t, err)
	return &calls
}

func TestCheckoutRetriesDeadlockOnce(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormStockRepository(db, 5*time.Second)
	seedStock(t, db, 1, 7, 10)
	cart := seedCart(t, db, 100, 1)
	calls := failOrderInserts(t, db, 1)

	res, err := repo.CheckoutFromCart(context.Background(), domain.CheckoutCommand{
		OrderCode: "ORD-D1",
		Cart:      cart,
		Lines:     []domain.LineItem{{ItemID: 7, Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ORD-D1", res.OrderCode)
	assert.Equal(t, 2, *calls)
	assert.Equal(t, int64(8), stockOf(t, db, 1, 7))
	assert.Equal(t, int64(1), countRows(t, db, &OrderModel{}))
}

func TestCheckoutSurfacesPersistentDeadlockAsRetryable(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormStockRepository(db, 5*time.Second)
	seedStock(t, db, 1, 7, 10)
	cart := seedCart(t, db, 100, 1)
	calls := failOrderInserts(t, db, maxTxAttempts)

	_, err := repo.CheckoutFromCart(context.Background(), domain.CheckoutCommand{
		Cart:  cart,
		Lines: []domain.LineItem{{ItemID: 7, Quantity: 2}},
	})
	var txErr *domain.TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.True(t, txErr.Retryable)
	assert.True(t, txErr.Transient)
	assert.Equal(t, maxTxAttempts, *calls)
	assert.Equal(t, int64(10), stockOf(t, db, 1, 7))
	assert.Zero(t, countRows(t, db, &OrderModel{}))
}

func TestAdjustModes(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormStockRepository(db, time.Second)
	ctx := context.Background()
	pair := domain.Pair{BranchID: 1, ItemID: 7}

	// 行不存在时以 0 创建
	prev, next, err := repo.Adjust(ctx, pair, domain.AdjustRestock, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), prev)
	assert.Equal(t, int64(10), next)

	prev, next, err = repo.Adjust(ctx, pair, domain.AdjustRestock, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(10), prev)
	assert.Equal(t, int64(15), next)

	var row StockModel
	require.NoError(t, db.Where("branch_id = 1 AND item_id = 7").Take(&row).Error)
	assert.True(t, row.LastRestockAt.Valid)

	prev, next, err = repo.Adjust(ctx, pair, domain.AdjustDeduct, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(15), prev)
	assert.Equal(t, int64(9), next)

	_, _, err = repo.Adjust(ctx, pair, domain.AdjustDeduct, 10)
	assert.True(t, errors.Is(err, domain.ErrOutOfStock))
	assert.Equal(t, int64(9), stockOf(t, db, 1, 7))

	prev, next, err = repo.Adjust(ctx, pair, domain.AdjustSet, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(9), prev)
	assert.Equal(t, int64(3), next)
}

func TestAdjustValidation(t *testing.T) {
	repo := NewGormStockRepository(newTestDB(t), time.Second)
	ctx := context.Background()

	_, _, err := repo.Adjust(ctx, domain.Pair{ItemID: 1}, domain.AdjustSet, 1)
	assert.Equal(t, domain.ErrBranchRequired, err)
	_, _, err = repo.Adjust(ctx, domain.Pair{BranchID: 1}, domain.AdjustSet, 1)
	assert.Equal(t, domain.ErrItemNotFound, err)
	_, _, err = repo.Adjust(ctx, domain.Pair{BranchID: 1, ItemID: 1}, domain.AdjustMode("MOVE"), 1)
	assert.Equal(t, domain.ErrInvalidMode, err)
	_, _, err = repo.Adjust(ctx, domain.Pair{BranchID: 1, ItemID: 1}, domain.AdjustSet, -1)
	assert.Equal(t, domain.ErrInvalidQuantity, err)
}

func TestDeductOnMissingRowCreatesNothingUsable(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormStockRepository(db, time.Second)

	_, _, err := repo.Adjust(context.Background(), domain.Pair{BranchID: 2, ItemID: 2}, domain.AdjustDeduct, 1)
	assert.True(t, errors.Is(err, domain.ErrOutOfStock))
	assert.Zero(t, countRows(t, db, &StockModel{}))
}

func TestGetQuantities(t *testing.T) {
	db := newTestDB(t)
	repo := NewGormStockRepository(db, time.Second)
	seedStock(t, db, 1, 7, 10)
	seedStock(t, db, 2, 7, 3)

	q, err := repo.GetQuantity(context.Background(), domain.Pair{BranchID: 1, ItemID: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(10), q)

	q, err = repo.GetQuantity(context.Background(), domain.Pair{BranchID: 9, ItemID: 9})
	require.NoError(t, err)
	assert.Zero(t, q)

	got, err := repo.GetQuantities(context.Background(), []domain.Pair{
		{BranchID: 1, ItemID: 7}, {BranchID: 2, ItemID: 7}, {BranchID: 2, ItemID: 8},
	})
	require.NoError(t, err)
	assert.Equal(t, map[domain.Pair]int64{
		{BranchID: 1, ItemID: 7}: 10,
		{BranchID: 2, ItemID: 7}: 3,
		{BranchID: 2, ItemID: 8}: 0,
	}, got)
}
