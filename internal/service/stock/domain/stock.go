package domain

import (
	"strings"
	"time"
)

// StockRow 是关系库中某门店某菜品的权威库存。
type StockRow struct {
	BranchID      int64
	ItemID        int64
	Quantity      int64
	LastRestockAt *time.Time
	UpdatedAt     time.Time
}

// AdjustMode 是管理端库存调整方式。
type AdjustMode string

const (
	AdjustRestock AdjustMode = "RESTOCK"
	AdjustDeduct  AdjustMode = "DEDUCT"
	AdjustSet     AdjustMode = "SET"
)

// ParseAdjustMode 大小写不敏感地解析调整方式。
func ParseAdjustMode(s string) (AdjustMode, error) {
	switch m := AdjustMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case AdjustRestock, AdjustDeduct, AdjustSet:
		return m, nil
	default:
		return "", ErrInvalidMode
	}
}

// Apply 根据调整方式计算新库存。DEDUCT 扣成负数时返回缺货。
func (m AdjustMode) Apply(pair Pair, current, quantity int64) (int64, error) {
	if quantity < 0 {
		return 0, ErrInvalidQuantity
	}
	switch m {
	case AdjustRestock:
		return current + quantity, nil
	case AdjustDeduct:
		if current < quantity {
			return 0, &OutOfStockError{BranchID: pair.BranchID, ItemID: pair.ItemID, Requested: quantity}
		}
		return current - quantity, nil
	case AdjustSet:
		return quantity, nil
	default:
		return 0, ErrInvalidMode
	}
}

// AdjustResult 是一次调整的结果。
type AdjustResult struct {
	PrevQty     int64 `json:"prevQty"`
	NewQty      int64 `json:"newQty"`
	Available   int64 `json:"available"`
	CacheSynced bool  `json:"cacheSynced"`
	Generation  int64 `json:"generation,omitempty"`
}

// Available 计算对外展示的可售数量，下限为 0。
func Available(onHand, reserved int64) int64 {
	if onHand-reserved < 0 {
		return 0
	}
	return onHand - reserved
}
