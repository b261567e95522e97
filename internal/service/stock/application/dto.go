package application

import (
	"time"

	"stockguard/internal/service/stock/domain"
)

// SetHoldRequest 是加购 / 修改数量的请求体，Quantity 为 0 表示删除该行。
type SetHoldRequest struct {
	CartKey     string `json:"-"`
	BranchID    int64  `json:"branchId"`
	ItemID      int64  `json:"itemId"`
	OptionsHash string `json:"optionsHash"`
	Note        string `json:"note"`
	Quantity    int64  `json:"quantity"`
	TTLSeconds  int64  `json:"ttlSeconds"`
}

// HoldResponse 是预占结果
type HoldResponse struct {
	HoldKey string `json:"holdKey"`
	Status  string `json:"status"`
	domain.HoldResult
}

// CheckoutRequest 是结算请求体
type CheckoutRequest struct {
	OrderCode string            `json:"orderCode"`
	CartID    int64             `json:"cartId"`
	CartKey   string            `json:"-"`
	BranchID  int64             `json:"branchId"`
	Note      string            `json:"note"`
	Lines     []domain.LineItem `json:"lines"`
}

// AdjustRequest 是管理端库存调整请求体
type AdjustRequest struct {
	BranchID int64  `json:"branchId"`
	ItemID   int64  `json:"itemId"`
	Mode     string `json:"mode"`
	Quantity int64  `json:"quantity"`
}

// ForceSetResult 是开发环境强制设置库存的结果
type ForceSetResult struct {
	domain.AdjustResult
	ClearedHolds int `json:"clearedHolds"`
}

// AvailabilityResponse 是对外展示的可售数量，Source 为 cache 或 database。
type AvailabilityResponse struct {
	BranchID  int64  `json:"branchId"`
	ItemID    int64  `json:"itemId"`
	Available int64  `json:"available"`
	Source    string `json:"source"`
}

// ReleaseResponse 是释放购物车预占的结果
type ReleaseResponse struct {
	CartKey  string `json:"cartKey"`
	Released int    `json:"released"`
}

// DriftSummary 是管理端查看的对账记录
type DriftSummary struct {
	Latest  *domain.DriftReport  `json:"latest"`
	History []domain.DriftReport `json:"history"`
}

// CartSessionEvent 是购物车会话事件，来自购物车服务。
type CartSessionEvent struct {
	CartKey    string    `json:"cartKey"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
}

const (
	CartSessionClosed     = "CLOSED"
	CartSessionAbandoned  = "ABANDONED"
	CartSessionCheckedOut = "CHECKED_OUT"
)
