package infrastructure

const (
	setHoldScriptName       = "stock_set_hold"
	removeHoldScriptName    = "stock_remove_hold"
	reconcilePairScriptName = "stock_reconcile_pair"
	syncOnHandScriptName    = "stock_sync_onhand"
)

// KEYS[1] hold          hold:{cart}:{b}:{i}:{opt}:{note}
// KEYS[2] reserved      reserved:{b}:{i}
// KEYS[3] onhand 镜像   onhand:{b}:{i}
// KEYS[4] 可售数量      stock:{b}:{i}
// KEYS[5] 购物车索引    cart-holds:{cart}
// KEYS[6] 菜品索引      item-holds:{b}:{i}
// KEYS[7] 门店过期索引  branch-holds:{b}
// KEYS[8] 全局过期索引  holds:expiry
// ARGV[1] 新数量, ARGV[2] expireAt(ms), ARGV[3] hold 自身的存储过期时间(ms),
// ARGV[4] 购物车索引 TTL(ms), ARGV[5] 是否做 onHand 预检 ('1'/'0')
// 返回 {状态码, 旧数量, reserved, 可售数量(-1 表示未知)}
// 状态码: 1 成功, 0 缺货, 2 缓存中没有 onHand
const setHoldScript = `
local newQty = tonumber(ARGV[1])
local oldQty = tonumber(redis.call('HGET', KEYS[1], 'qty') or '0')
local delta = newQty - oldQty
local reserved = tonumber(redis.call('GET', KEYS[2]) or '0')
local onhand = redis.call('GET', KEYS[3])
if onhand then
  onhand = tonumber(onhand)
end

if delta > 0 and ARGV[5] == '1' then
  if not onhand then
    return {2, oldQty, reserved, -1}
  end
  if reserved + delta > onhand then
    return {0, oldQty, reserved, math.max(0, onhand - reserved)}
  end
end

if newQty == 0 then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[5], KEYS[1])
  redis.call('SREM', KEYS[6], KEYS[1])
  redis.call('ZREM', KEYS[7], KEYS[1])
  redis.call('ZREM', KEYS[8], KEYS[1])
else
  redis.call('HSET', KEYS[1], 'qty', newQty, 'exp', ARGV[2])
  redis.call('PEXPIREAT', KEYS[1], ARGV[3])
  redis.call('SADD', KEYS[5], KEYS[1])
  -- 购物车索引的 TTL 只延长不缩短，必须覆盖其中寿命最长的预占
  if redis.call('PTTL', KEYS[5]) < tonumber(ARGV[4]) then
    redis.call('PEXPIRE', KEYS[5], ARGV[4])
  end
  redis.call('SADD', KEYS[6], KEYS[1])
  redis.call('ZADD', KEYS[7], ARGV[2], KEYS[1])
  redis.call('ZADD', KEYS[8], ARGV[2], KEYS[1])
end

if delta ~= 0 then
  reserved = redis.call('INCRBY', KEYS[2], delta)
end

local available = -1
if onhand then
  available = math.max(0, onhand - reserved)
  redis.call('SET', KEYS[4], available)
end
return {1, oldQty, reserved, available}
`

// KEYS 同 setHoldScript。
// ARGV[1] 模式: release 归还可售, consume 同时扣减 onHand 镜像, expire 只删已过期的
// ARGV[2] 当前时间(ms)，只在 expire 模式使用
// 返回 {是否删除(1/0), 删除的数量}
// hold 已不存在时只清理索引并返回 0，保证同一条预占只会被扣一次。
const removeHoldScript = `
local qty = redis.call('HGET', KEYS[1], 'qty')
if qty and ARGV[1] == 'expire' then
  local exp = tonumber(redis.call('HGET', KEYS[1], 'exp') or '0')
  if exp > tonumber(ARGV[2]) then
    return {0, 0}
  end
end

redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[5], KEYS[1])
redis.call('SREM', KEYS[6], KEYS[1])
redis.call('ZREM', KEYS[7], KEYS[1])
redis.call('ZREM', KEYS[8], KEYS[1])
if not qty then
  return {0, 0}
end

qty = tonumber(qty)
local reserved = redis.call('INCRBY', KEYS[2], -qty)
local onhand = redis.call('GET', KEYS[3])
if onhand then
  onhand = tonumber(onhand)
  if ARGV[1] == 'consume' then
    onhand = math.max(0, onhand - qty)
    redis.call('SET', KEYS[3], onhand)
  end
  redis.call('SET', KEYS[4], math.max(0, onhand - reserved))
end
return {1, qty}
`

// KEYS[1] item-holds:{b}:{i}, KEYS[2] reserved, KEYS[3] onhand, KEYS[4] stock,
// KEYS[5] branch-holds:{b}, KEYS[6] holds:expiry
// 菜品索引里的成员是动态 key，所以要求账本是单个逻辑节点（不支持 cluster 分片）。
// 返回 {缓存值, 真实值, 是否校正}
const reconcilePairScript = `
local members = redis.call('SMEMBERS', KEYS[1])
local actual = 0
for _, m in ipairs(members) do
  local q = redis.call('HGET', m, 'qty')
  if q then
    actual = actual + tonumber(q)
  else
    redis.call('SREM', KEYS[1], m)
    redis.call('ZREM', KEYS[5], m)
    redis.call('ZREM', KEYS[6], m)
  end
end

local cached = tonumber(redis.call('GET', KEYS[2]) or '0')
local corrected = 0
if cached ~= actual then
  corrected = 1
end
if actual == 0 then
  redis.call('DEL', KEYS[2])
elseif corrected == 1 then
  redis.call('SET', KEYS[2], actual)
end

local onhand = redis.call('GET', KEYS[3])
if onhand then
  redis.call('SET', KEYS[4], math.max(0, tonumber(onhand) - actual))
end
return {cached, actual, corrected}
`

// KEYS[1] onhand, KEYS[2] reserved, KEYS[3] stock; ARGV[1] 新的 onHand
// 返回可售数量
const syncOnHandScript = `
redis.call('SET', KEYS[1], ARGV[1])
local reserved = tonumber(redis.call('GET', KEYS[2]) or '0')
local available = math.max(0, tonumber(ARGV[1]) - reserved)
redis.call('SET', KEYS[3], available)
return available
`
