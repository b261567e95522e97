package domain

import (
	"context"
	"time"
)

// HoldLedger 是低延迟的预占账本。
// 实现是一个封闭集合：redis（真实预占）与 noop（账本关闭时的空实现），启动时二选一。
type HoldLedger interface {
	// SetDesiredQty 更新一条预占的数量，0 表示删除。
	SetDesiredQty(ctx context.Context, key HoldKey, qty int64, ttl time.Duration) (HoldResult, error)
	// ConsumeCart 结算成功后删除购物车的全部预占，数量已在关系库真实扣减。
	ConsumeCart(ctx context.Context, cartKey string) (int, error)
	// ReleaseCart 放弃购物车，删除预占并把数量还给可售库存。
	ReleaseCart(ctx context.Context, cartKey string) (int, error)
	// CleanupExpired 处理过期索引中最多 limit 条，返回实际释放条数与处理条数。
	CleanupExpired(ctx context.Context, now time.Time, limit int) (released, scanned int, err error)
	ListActiveHolds(ctx context.Context, branchID int64, cursor int64, limit int) (HoldPage, error)

	// ActivePairs 列出账本中有计数或有预占的 Pair，branchID 为 0 表示全部门店。
	ActivePairs(ctx context.Context, branchID int64) ([]Pair, error)
	// ReconcilePair 用现存预占之和原子地校正 reserved 计数。
	ReconcilePair(ctx context.Context, pair Pair) (PairDrift, error)

	// SyncOnHand 写入 onHand 镜像并重算可售数量。
	SyncOnHand(ctx context.Context, pair Pair, onHand int64) (int64, error)
	// Available 读取缓存的可售数量，ok 为 false 表示缓存未命中。
	Available(ctx context.Context, pair Pair) (available int64, ok bool, err error)
	BumpGeneration(ctx context.Context) (int64, error)
	// ClearItemHolds 删除某 Pair 的全部预占（仅开发/运维使用）。
	ClearItemHolds(ctx context.Context, pair Pair) (int, error)
}

// StockRepository 是关系库中的权威库存。
type StockRepository interface {
	// CheckoutFromCart 在一个事务内创建订单并扣减库存，任何一步失败整体回滚。
	CheckoutFromCart(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error)
	// Adjust 在行锁保护下调整库存，行不存在时以 0 创建。
	Adjust(ctx context.Context, pair Pair, mode AdjustMode, quantity int64) (prev, next int64, err error)
	GetQuantity(ctx context.Context, pair Pair) (int64, error)
	GetQuantities(ctx context.Context, pairs []Pair) (map[Pair]int64, error)
}

// DriftMetricsStore 保存对账报告，供管理端查询。
type DriftMetricsStore interface {
	Save(ctx context.Context, report DriftReport) error
	Latest(ctx context.Context) (*DriftReport, error)
	History(ctx context.Context, n int) ([]DriftReport, error)
}

// LeaderLock 保证同一时刻只有一个实例在对账。
// Acquire 锁被占用时立即返回 ErrLockHeld；AcquireWait 阻塞到拿到锁或 ctx 结束。
type LeaderLock interface {
	Acquire(ctx context.Context) (release func() error, err error)
	AcquireWait(ctx context.Context) (release func() error, err error)
}
