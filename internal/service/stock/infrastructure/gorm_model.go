package infrastructure

import (
	"database/sql"
	"time"

	"gorm.io/gorm"
)

// StockModel 对应 branch_stock 表，(branch_id, item_id) 为联合主键。
type StockModel struct {
	BranchID      int64 `gorm:"primaryKey;autoIncrement:false"`
	ItemID        int64 `gorm:"primaryKey;autoIncrement:false"`
	Quantity      int64 `gorm:"not null;default:0"`
	LastRestockAt sql.NullTime
	UpdatedAt     time.Time
}

func (StockModel) TableName() string {
	return "branch_stock"
}

// CartModel 对应 carts 表，这里只用到结算相关的字段。
type CartModel struct {
	ID        int64  `gorm:"primaryKey"`
	CartKey   string `gorm:"size:128;uniqueIndex"`
	BranchID  int64  `gorm:"index"`
	Status    string `gorm:"size:32;not null"`
	UpdatedAt time.Time
}

func (CartModel) TableName() string {
	return "carts"
}

// OrderModel 对应 orders 表
type OrderModel struct {
	ID          int64   `gorm:"primaryKey"`
	OrderCode   string  `gorm:"size:64;uniqueIndex;not null"`
	CartID      int64   `gorm:"index"`
	BranchID    int64   `gorm:"index;not null"`
	Status      string  `gorm:"size:32;not null"`
	Note        string  `gorm:"type:text"`
	TotalAmount float64 `gorm:"type:decimal(12,2)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (OrderModel) TableName() string {
	return "orders"
}

// OrderItemModel 对应 order_items 表，名称与单价是下单时刻的快照。
type OrderItemModel struct {
	ID          int64   `gorm:"primaryKey"`
	OrderID     int64   `gorm:"index;not null"`
	ItemID      int64   `gorm:"not null"`
	ItemName    string  `gorm:"size:255"`
	UnitPrice   float64 `gorm:"type:decimal(12,2)"`
	Quantity    int64   `gorm:"not null"`
	OptionsHash string  `gorm:"size:64"`
	Note        string  `gorm:"type:text"`
	LineTotal   float64 `gorm:"type:decimal(12,2)"`
}

func (OrderItemModel) TableName() string {
	return "order_items"
}

// OrderStatusHistoryModel 对应 order_status_history 表
type OrderStatusHistoryModel struct {
	ID         int64  `gorm:"primaryKey"`
	OrderID    int64  `gorm:"index;not null"`
	FromStatus string `gorm:"size:32"`
	ToStatus   string `gorm:"size:32;not null"`
	CreatedAt  time.Time
}

func (OrderStatusHistoryModel) TableName() string {
	return "order_status_history"
}

// Migrate 建表，开发环境和测试使用；生产环境由迁移脚本负责。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&StockModel{},
		&CartModel{},
		&OrderModel{},
		&OrderItemModel{},
		&OrderStatusHistoryModel{},
	)
}
