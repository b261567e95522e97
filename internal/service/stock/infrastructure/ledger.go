package infrastructure

import (
	"fmt"

	"stockguard/internal/pkg/redis"
	"stockguard/internal/service/stock/domain"
)

const (
	LedgerDriverRedis = "redis"
	LedgerDriverNoop  = "noop"
)

// NewHoldLedger 根据配置选择账本实现。
func NewHoldLedger(driver string, redisClient *redis.Client, opts RedisLedgerOptions) (domain.HoldLedger, error) {
	switch driver {
	case LedgerDriverRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("ledger driver %q requires a redis client", driver)
		}
		return NewRedisHoldLedger(redisClient, opts)
	case LedgerDriverNoop, "":
		return NewNoopHoldLedger(), nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", driver)
	}
}
