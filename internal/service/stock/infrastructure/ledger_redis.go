package infrastructure

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"stockguard/internal/pkg/logger"
	"stockguard/internal/pkg/redis"
	"stockguard/internal/service/stock/domain"
)

// RedisLedgerOptions 是 redis 账本的可调参数。
type RedisLedgerOptions struct {
	// IndexGrace 是 hold 自身存储过期时间相对 expireAt 的宽限期，
	// 清理任务长时间未运行时，过期的 hold 也会被 redis 自动删除，剩余计数交给对账修复。
	IndexGrace time.Duration
	// ScanCount 是 SCAN 每批的 COUNT。
	ScanCount int64
	// SkipOnHandCheck 关闭加购时的 onHand 预检。
	SkipOnHandCheck bool
	Now             func() time.Time
}

// RedisHoldLedger 是 domain.HoldLedger 的 redis 实现。
// 每个会修改多个 key 的操作都是一段 Lua 脚本，保证单 key 维度的原子性。
type RedisHoldLedger struct {
	redisClient *redis.Client
	opts        RedisLedgerOptions
}

var _ domain.HoldLedger = (*RedisHoldLedger)(nil)

// NewRedisHoldLedger 创建账本并注册所需脚本。
func NewRedisHoldLedger(redisClient *redis.Client, opts RedisLedgerOptions) (*RedisHoldLedger, error) {
	if opts.IndexGrace <= 0 {
		opts.IndexGrace = 10 * time.Minute
	}
	if opts.ScanCount <= 0 {
		opts.ScanCount = 200
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	scripts := map[string]string{
		setHoldScriptName:       setHoldScript,
		removeHoldScriptName:    removeHoldScript,
		reconcilePairScriptName: reconcilePairScript,
		syncOnHandScriptName:    syncOnHandScript,
	}
	for name, content := range scripts {
		if err := redisClient.LoadScriptFromContent(name, content); err != nil {
			return nil, fmt.Errorf("failed to load ledger script %s: %w", name, err)
		}
	}
	return &RedisHoldLedger{redisClient: redisClient, opts: opts}, nil
}

// SetDesiredQty 实现了加购/改数量/删行的预占更新
func (l *RedisHoldLedger) SetDesiredQty(ctx context.Context, key domain.HoldKey, qty int64, ttl time.Duration) (domain.HoldResult, error) {
	if qty < 0 {
		return domain.HoldResult{}, domain.ErrInvalidQuantity
	}
	if ttl <= 0 {
		return domain.HoldResult{}, errors.Errorf("hold ttl must be positive, got %s", ttl)
	}
	expireAt := l.opts.Now().Add(ttl)
	enforce := "1"
	if l.opts.SkipOnHandCheck {
		enforce = "0"
	}

	res, err := l.redisClient.RunScript(ctx, setHoldScriptName, holdScriptKeys(key),
		qty,
		expireAt.UnixMilli(),
		expireAt.Add(l.opts.IndexGrace).UnixMilli(),
		(ttl + l.opts.IndexGrace).Milliseconds(),
		enforce,
	)
	if err != nil {
		return domain.HoldResult{}, errors.Wrap(err, "ledger set hold")
	}
	vals, err := int64Slice(res, 4)
	if err != nil {
		return domain.HoldResult{}, err
	}

	result := domain.HoldResult{
		Status:    domain.HoldStatus(vals[0]),
		PrevQty:   vals[1],
		Reserved:  vals[2],
		Available: vals[3],
	}
	if result.Status == domain.HoldApplied && qty > 0 {
		result.ExpireAt = time.UnixMilli(expireAt.UnixMilli())
	}
	return result, nil
}

// ConsumeCart 实现了结算成功后的预占消耗
func (l *RedisHoldLedger) ConsumeCart(ctx context.Context, cartKey string) (int, error) {
	return l.removeCart(ctx, cartKey, "consume")
}

// ReleaseCart 实现了放弃购物车时的预占释放
func (l *RedisHoldLedger) ReleaseCart(ctx context.Context, cartKey string) (int, error) {
	return l.removeCart(ctx, cartKey, "release")
}

func (l *RedisHoldLedger) removeCart(ctx context.Context, cartKey, mode string) (int, error) {
	members, err := l.redisClient.GetClient().SMembers(ctx, cartIndexKey(cartKey)).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "ledger list cart %s", cartKey)
	}
	removed := 0
	for _, member := range members {
		ok, err := l.removeHold(ctx, member, mode, 0)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// removeHold 执行删除脚本，返回这次调用是否真正删除了该 hold。
func (l *RedisHoldLedger) removeHold(ctx context.Context, member, mode string, nowMs int64) (bool, error) {
	key, err := domain.ParseHoldKey(member)
	if err != nil {
		// 无法解析的成员只可能是脏数据，直接从全局索引里摘掉
		logger.Ctx(ctx).Warn().Str("member", member).Msg("dropping unparsable hold index member")
		l.redisClient.GetClient().ZRem(ctx, expiryIndexKey, member)
		return false, nil
	}
	res, err := l.redisClient.RunScript(ctx, removeHoldScriptName, holdScriptKeys(key), mode, nowMs)
	if err != nil {
		return false, errors.Wrapf(err, "ledger remove hold %s", member)
	}
	vals, err := int64Slice(res, 2)
	if err != nil {
		return false, err
	}
	return vals[0] == 1, nil
}

// CleanupExpired 实现了过期预占的清理。
// scanned 是本批从过期索引取出的条数，其中已被原生过期删掉的 hold 只清理索引，不计入 released。
func (l *RedisHoldLedger) CleanupExpired(ctx context.Context, now time.Time, limit int) (released, scanned int, err error) {
	if limit <= 0 {
		return 0, 0, nil
	}
	nowMs := now.UnixMilli()
	members, err := l.redisClient.GetClient().ZRangeByScore(ctx, expiryIndexKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(nowMs, 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, 0, errors.Wrap(err, "ledger scan expiry index")
	}

	for _, member := range members {
		ok, err := l.removeHold(ctx, member, "expire", nowMs)
		if err != nil {
			return released, scanned, err
		}
		scanned++
		if ok {
			released++
		}
	}
	return released, scanned, nil
}

// ListActiveHolds 按过期时间顺序分页列出门店的预占，cursor 是索引中的偏移量。
func (l *RedisHoldLedger) ListActiveHolds(ctx context.Context, branchID int64, cursor int64, limit int) (domain.HoldPage, error) {
	if branchID <= 0 {
		return domain.HoldPage{}, domain.ErrBranchRequired
	}
	if limit <= 0 {
		limit = 50
	}
	if cursor < 0 {
		cursor = 0
	}
	rdb := l.redisClient.GetClient()
	entries, err := rdb.ZRangeWithScores(ctx, branchIndexKey(branchID), cursor, cursor+int64(limit)-1).Result()
	if err != nil {
		return domain.HoldPage{}, errors.Wrap(err, "ledger list branch holds")
	}

	pipe := rdb.Pipeline()
	cmds := make([]*goredis.StringCmd, len(entries))
	for i, e := range entries {
		cmds[i] = pipe.HGet(ctx, e.Member.(string), "qty")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return domain.HoldPage{}, errors.Wrap(err, "ledger read holds")
	}

	page := domain.HoldPage{Holds: make([]domain.HoldView, 0, len(entries))}
	for i, e := range entries {
		qty, err := cmds[i].Int64()
		if err != nil {
			continue // 已被删除或存储过期
		}
		key, err := domain.ParseHoldKey(e.Member.(string))
		if err != nil {
			continue
		}
		page.Holds = append(page.Holds, domain.HoldView{
			CartKey:     key.CartKey,
			BranchID:    key.BranchID,
			ItemID:      key.ItemID,
			OptionsHash: key.OptionsHash,
			NoteHash:    key.NoteHash,
			Quantity:    qty,
			ExpireAt:    time.UnixMilli(int64(e.Score)),
		})
	}
	if len(entries) == limit {
		page.NextCursor = cursor + int64(limit)
	}
	return page, nil
}

// ActivePairs 扫描 reserved 计数和菜品索引，两者的并集就是需要对账的 Pair。
func (l *RedisHoldLedger) ActivePairs(ctx context.Context, branchID int64) ([]domain.Pair, error) {
	seen := make(map[domain.Pair]struct{})
	for _, prefix := range []string{reservedPrefix, itemIndexPrefix} {
		match := prefix + "*"
		if branchID > 0 {
			match = fmt.Sprintf("%s%d:*", prefix, branchID)
		}
		iter := l.redisClient.GetClient().Scan(ctx, 0, match, l.opts.ScanCount).Iterator()
		for iter.Next(ctx) {
			if p, ok := parsePairKey(iter.Val(), prefix); ok {
				seen[p] = struct{}{}
			}
		}
		if err := iter.Err(); err != nil {
			return nil, errors.Wrapf(err, "ledger scan %s", match)
		}
	}

	pairs := make([]domain.Pair, 0, len(seen))
	for p := range seen {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].BranchID != pairs[j].BranchID {
			return pairs[i].BranchID < pairs[j].BranchID
		}
		return pairs[i].ItemID < pairs[j].ItemID
	})
	return pairs, nil
}

// ReconcilePair 用现存预占之和校正 reserved 计数。
// 已过期但尚未清理的 hold 仍计入，否则之后的清理会把它再扣一次。
func (l *RedisHoldLedger) ReconcilePair(ctx context.Context, pair domain.Pair) (domain.PairDrift, error) {
	keys := []string{
		itemIndexKey(pair),
		reservedKey(pair),
		onHandKey(pair),
		stockKey(pair),
		branchIndexKey(pair.BranchID),
		expiryIndexKey,
	}
	res, err := l.redisClient.RunScript(ctx, reconcilePairScriptName, keys)
	if err != nil {
		return domain.PairDrift{}, errors.Wrapf(err, "ledger reconcile %s", pair)
	}
	vals, err := int64Slice(res, 3)
	if err != nil {
		return domain.PairDrift{}, err
	}
	return domain.PairDrift{Pair: pair, Cached: vals[0], Actual: vals[1], Corrected: vals[2] == 1}, nil
}

// SyncOnHand 写入 onHand 镜像，返回重算后的可售数量。
func (l *RedisHoldLedger) SyncOnHand(ctx context.Context, pair domain.Pair, onHand int64) (int64, error) {
	res, err := l.redisClient.RunScript(ctx, syncOnHandScriptName,
		[]string{onHandKey(pair), reservedKey(pair), stockKey(pair)}, onHand)
	if err != nil {
		return 0, errors.Wrapf(err, "ledger sync onhand %s", pair)
	}
	available, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from sync script: %T", res)
	}
	return available, nil
}

func (l *RedisHoldLedger) Available(ctx context.Context, pair domain.Pair) (int64, bool, error) {
	v, err := l.redisClient.GetClient().Get(ctx, stockKey(pair)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "ledger read available %s", pair)
	}
	return v, true, nil
}

func (l *RedisHoldLedger) BumpGeneration(ctx context.Context) (int64, error) {
	gen, err := l.redisClient.GetClient().Incr(ctx, generationKey).Result()
	return gen, errors.Wrap(err, "ledger bump generation")
}

// ClearItemHolds 释放某 Pair 的全部预占，然后再对账一次把计数归零。
func (l *RedisHoldLedger) ClearItemHolds(ctx context.Context, pair domain.Pair) (int, error) {
	members, err := l.redisClient.GetClient().SMembers(ctx, itemIndexKey(pair)).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "ledger list item holds %s", pair)
	}
	cleared := 0
	for _, member := range members {
		ok, err := l.removeHold(ctx, member, "release", 0)
		if err != nil {
			return cleared, err
		}
		if ok {
			cleared++
		}
	}
	if _, err := l.ReconcilePair(ctx, pair); err != nil {
		return cleared, err
	}
	return cleared, nil
}

// int64Slice 把 Lua 返回的 table 转成 []int64。
func int64Slice(res interface{}, n int) ([]int64, error) {
	raw, ok := res.([]interface{})
	if !ok || len(raw) != n {
		return nil, fmt.Errorf("unexpected result from ledger script: %#v", res)
	}
	out := make([]int64, n)
	for i, v := range raw {
		iv, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected element type from ledger script: %T", v)
		}
		out[i] = iv
	}
	return out, nil
}
