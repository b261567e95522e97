package infrastructure

import (
	"fmt"
	"strconv"
	"strings"

	"stockguard/internal/service/stock/domain"
)

const (
	expiryIndexKey = "holds:expiry"
	generationKey  = "stock:gen"
	driftRunsKey   = "drift:runs"

	reservedPrefix  = "reserved:"
	itemIndexPrefix = "item-holds:"
)

func stockKey(p domain.Pair) string { return fmt.Sprintf("stock:%d:%d", p.BranchID, p.ItemID) }
func reservedKey(p domain.Pair) string {
	return fmt.Sprintf("%s%d:%d", reservedPrefix, p.BranchID, p.ItemID)
}
func onHandKey(p domain.Pair) string { return fmt.Sprintf("onhand:%d:%d", p.BranchID, p.ItemID) }
func itemIndexKey(p domain.Pair) string {
	return fmt.Sprintf("%s%d:%d", itemIndexPrefix, p.BranchID, p.ItemID)
}
func cartIndexKey(cartKey string) string { return "cart-holds:" + cartKey }
func branchIndexKey(branchID int64) string {
	return fmt.Sprintf("branch-holds:%d", branchID)
}

// holdScriptKeys 是 setHold / removeHold 两个脚本共用的 KEYS 顺序。
func holdScriptKeys(k domain.HoldKey) []string {
	p := k.Pair()
	return []string{
		k.String(),
		reservedKey(p),
		onHandKey(p),
		stockKey(p),
		cartIndexKey(k.CartKey),
		itemIndexKey(p),
		branchIndexKey(k.BranchID),
		expiryIndexKey,
	}
}

// parsePairKey 解析 reserved:{b}:{i} / item-holds:{b}:{i}。
func parsePairKey(key, prefix string) (domain.Pair, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return domain.Pair{}, false
	}
	b, i, ok := strings.Cut(rest, ":")
	if !ok {
		return domain.Pair{}, false
	}
	branchID, err1 := strconv.ParseInt(b, 10, 64)
	itemID, err2 := strconv.ParseInt(i, 10, 64)
	if err1 != nil || err2 != nil {
		return domain.Pair{}, false
	}
	return domain.Pair{BranchID: branchID, ItemID: itemID}, true
}
