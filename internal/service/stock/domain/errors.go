package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrOutOfStock      = errors.New("out of stock")
	ErrBranchRequired  = errors.New("branch is required")
	ErrItemNotFound    = errors.New("item not found")
	ErrInvalidMode     = errors.New("invalid adjustment mode")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidHoldKey  = errors.New("invalid hold key")
	ErrCartNotActive   = errors.New("cart is not active")
	ErrEmptyCart       = errors.New("cart has no line items")
	// ErrLockHeld 表示对账锁被其他实例持有，本轮跳过。
	ErrLockHeld = errors.New("reconcile lock is held by another instance")
)

// OutOfStockError 携带出错的 (branch, item)，errors.Is(err, ErrOutOfStock) 为真。
type OutOfStockError struct {
	BranchID  int64
	ItemID    int64
	Requested int64
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("out of stock: branch=%d item=%d requested=%d", e.BranchID, e.ItemID, e.Requested)
}

func (e *OutOfStockError) Is(target error) bool { return target == ErrOutOfStock }

// TransactionError 表示关系库事务失败，事务已整体回滚。
// 仓储返回的 TransactionError 总是 Retryable；Transient 标记死锁、锁等待超时、连接问题。
type TransactionError struct {
	Op        string
	Retryable bool
	Transient bool
	Err       error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: transaction rolled back: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// CacheSyncError 是缓存同步这类尽力而为操作的失败，只记录，不向上传播。
type CacheSyncError struct {
	Step string
	Err  error
}

func (e *CacheSyncError) Error() string {
	return fmt.Sprintf("cache sync %s: %v", e.Step, e.Err)
}

func (e *CacheSyncError) Unwrap() error { return e.Err }

// ErrorCode 把领域错误翻译成对外的错误码。
func ErrorCode(err error) string {
	var txErr *TransactionError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOutOfStock):
		return "OUT_OF_STOCK"
	case errors.Is(err, ErrBranchRequired):
		return "BRANCH_REQUIRED"
	case errors.Is(err, ErrItemNotFound):
		return "ITEM_NOT_FOUND"
	case errors.Is(err, ErrInvalidMode):
		return "INVALID_MODE"
	case errors.Is(err, ErrInvalidQuantity):
		return "INVALID_QUANTITY"
	case errors.Is(err, ErrInvalidHoldKey):
		return "INVALID_HOLD"
	case errors.Is(err, ErrCartNotActive):
		return "CART_NOT_ACTIVE"
	case errors.Is(err, ErrEmptyCart):
		return "EMPTY_CART"
	case errors.Is(err, ErrLockHeld):
		return "RECONCILE_BUSY"
	case errors.As(err, &txErr) && txErr.Retryable:
		return "RETRYABLE"
	default:
		return "INTERNAL"
	}
}
