package domain

import "time"

// CartStatus 只关心结算相关的两个状态，其余由购物车服务维护。
type CartStatus string

const (
	CartActive     CartStatus = "ACTIVE"
	CartCheckedOut CartStatus = "CHECKED_OUT"
)

// OrderStatus 的完整状态机在订单服务，这里只负责写入初始状态。
type OrderStatus string

const OrderStatusNew OrderStatus = "NEW"

// Cart 是结算时由购物车层传入的购物车信息。
type Cart struct {
	ID       int64
	CartKey  string
	BranchID int64
}

// LineItem 是结算时的一行，价格与名称是调用时刻的快照。
type LineItem struct {
	ItemID      int64   `json:"itemId"`
	Name        string  `json:"name"`
	UnitPrice   float64 `json:"unitPrice"`
	Quantity    int64   `json:"quantity"`
	OptionsHash string  `json:"optionsHash"`
	Note        string  `json:"note,omitempty"`
}

// CheckoutCommand 是 CheckoutFromCart 的输入。
type CheckoutCommand struct {
	OrderCode string
	Cart      Cart
	Lines     []LineItem
	Note      string
}

// CheckoutResult 是结算成功后的订单标识。
type CheckoutResult struct {
	OrderID   int64     `json:"orderId"`
	OrderCode string    `json:"orderCode"`
	PlacedAt  time.Time `json:"placedAt"`
	// Remaining 是事务内扣减后各菜品的关系库数量，用于回写 onHand 镜像
	Remaining map[int64]int64 `json:"-"`
}

// AggregateQuantities 按 itemId 汇总数量，同一菜品可能以不同规格出现在多行。
func AggregateQuantities(lines []LineItem) map[int64]int64 {
	out := make(map[int64]int64, len(lines))
	for _, l := range lines {
		out[l.ItemID] += l.Quantity
	}
	return out
}

// Validate 检查结算命令的基本完整性。
func (c CheckoutCommand) Validate() error {
	if c.Cart.BranchID <= 0 {
		return ErrBranchRequired
	}
	if len(c.Lines) == 0 {
		return ErrEmptyCart
	}
	for _, l := range c.Lines {
		if l.ItemID <= 0 {
			return ErrItemNotFound
		}
		if l.Quantity <= 0 {
			return ErrInvalidQuantity
		}
	}
	return nil
}
