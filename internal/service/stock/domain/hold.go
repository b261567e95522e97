package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// emptyHash 是空选项 / 空备注对应的哈希占位。
const emptyHash = "0"

// Pair 标识一个门店下的一个菜品，库存按 Pair 独立计数。
type Pair struct {
	BranchID int64 `json:"branchId"`
	ItemID   int64 `json:"itemId"`
}

func (p Pair) String() string { return fmt.Sprintf("%d:%d", p.BranchID, p.ItemID) }

// Validate 检查调整/查询目标是否合法。
func (p Pair) Validate() error {
	if p.BranchID <= 0 {
		return ErrBranchRequired
	}
	if p.ItemID <= 0 {
		return ErrItemNotFound
	}
	return nil
}

// HoldKey 是一条预占的身份：购物车 + 门店 + 菜品 + 规格哈希 + 备注哈希。
// 只有备注不同的两条预占也被视为不同的预占。
type HoldKey struct {
	CartKey     string
	BranchID    int64
	ItemID      int64
	OptionsHash string
	NoteHash    string
}

// NewHoldKey 校验参数并根据自由文本备注计算 NoteHash。
func NewHoldKey(cartKey string, branchID, itemID int64, optionsHash, note string) (HoldKey, error) {
	if strings.TrimSpace(cartKey) == "" {
		return HoldKey{}, fmt.Errorf("%w: cart key is empty", ErrInvalidHoldKey)
	}
	if err := (Pair{BranchID: branchID, ItemID: itemID}).Validate(); err != nil {
		return HoldKey{}, err
	}
	if optionsHash == "" {
		optionsHash = emptyHash
	}
	if strings.ContainsAny(optionsHash, ": ") {
		return HoldKey{}, fmt.Errorf("%w: options hash %q", ErrInvalidHoldKey, optionsHash)
	}
	return HoldKey{
		CartKey:     cartKey,
		BranchID:    branchID,
		ItemID:      itemID,
		OptionsHash: optionsHash,
		NoteHash:    NoteHash(note),
	}, nil
}

// NoteHash 对去掉首尾空白后的备注做 xxhash。
func NoteHash(note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return emptyHash
	}
	return strconv.FormatUint(xxhash.Sum64String(note), 16)
}

func (k HoldKey) Pair() Pair { return Pair{BranchID: k.BranchID, ItemID: k.ItemID} }

// String 返回账本中的 key：hold:{cartKey}:{branch}:{item}:{optionsHash}:{noteHash}
func (k HoldKey) String() string {
	return fmt.Sprintf("hold:%s:%d:%d:%s:%s", k.CartKey, k.BranchID, k.ItemID, k.OptionsHash, k.NoteHash)
}

// ParseHoldKey 是 String 的逆操作。cartKey 里允许出现冒号，所以从右往左解析。
func ParseHoldKey(s string) (HoldKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 6 || parts[0] != "hold" {
		return HoldKey{}, fmt.Errorf("%w: %q", ErrInvalidHoldKey, s)
	}
	n := len(parts)
	branchID, err := strconv.ParseInt(parts[n-4], 10, 64)
	if err != nil {
		return HoldKey{}, fmt.Errorf("%w: branch in %q", ErrInvalidHoldKey, s)
	}
	itemID, err := strconv.ParseInt(parts[n-3], 10, 64)
	if err != nil {
		return HoldKey{}, fmt.Errorf("%w: item in %q", ErrInvalidHoldKey, s)
	}
	return HoldKey{
		CartKey:     strings.Join(parts[1:n-4], ":"),
		BranchID:    branchID,
		ItemID:      itemID,
		OptionsHash: parts[n-2],
		NoteHash:    parts[n-1],
	}, nil
}

// HoldEntry 是一条预占的值。
type HoldEntry struct {
	DesiredQty int64
	ExpireAt   time.Time
}

// HoldView 是管理端看到的一条活跃预占。
type HoldView struct {
	CartKey     string    `json:"cartKey"`
	BranchID    int64     `json:"branchId"`
	ItemID      int64     `json:"itemId"`
	OptionsHash string    `json:"optionsHash"`
	NoteHash    string    `json:"noteHash"`
	Quantity    int64     `json:"quantity"`
	ExpireAt    time.Time `json:"expireAt"`
}

// HoldPage 是分页列出的预占，NextCursor 为 0 表示没有更多。
type HoldPage struct {
	Holds      []HoldView `json:"holds"`
	NextCursor int64      `json:"nextCursor"`
}

// HoldStatus 是 SetDesiredQty 的结果码。
type HoldStatus int

const (
	HoldRejected      HoldStatus = 0 // 预占会让 reserved 超过 onHand
	HoldApplied       HoldStatus = 1
	HoldOnHandUnknown HoldStatus = 2 // 缓存里没有 onHand 镜像，无法预检
)

func (s HoldStatus) String() string {
	switch s {
	case HoldRejected:
		return "rejected"
	case HoldApplied:
		return "applied"
	case HoldOnHandUnknown:
		return "onhand_unknown"
	default:
		return fmt.Sprintf("HoldStatus(%d)", int(s))
	}
}

// HoldResult 是一次 SetDesiredQty 的结果。
type HoldResult struct {
	Status    HoldStatus `json:"-"`
	PrevQty   int64      `json:"prevQty"`
	Reserved  int64      `json:"reserved"`
	Available int64      `json:"available"`
	Degraded  bool       `json:"degraded,omitempty"` // 账本不可用，未做预占
	ExpireAt  time.Time  `json:"expireAt"`
}
