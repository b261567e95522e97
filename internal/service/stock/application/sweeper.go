package application

import (
	"context"
	"time"

	"stockguard/internal/pkg/logger"
	"stockguard/internal/service/stock/domain"
)

// maxBatchesPerSweep 限制单次清理的批数，避免积压时长时间占用账本。
const maxBatchesPerSweep = 100

// ExpirySweeper 定期释放过期预占，是顾客未正常关闭购物车时的兜底。
type ExpirySweeper struct {
	ledger domain.HoldLedger
	batch  int
	now    func() time.Time
}

func NewExpirySweeper(ledger domain.HoldLedger, batch int) *ExpirySweeper {
	if batch <= 0 {
		batch = 500
	}
	return &ExpirySweeper{ledger: ledger, batch: batch, now: time.Now}
}

// SweepOnce 一批一批地清理，直到某一批处理不满或达到批数上限。
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (int, error) {
	total := 0
	for i := 0; i < maxBatchesPerSweep; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, scanned, err := s.ledger.CleanupExpired(ctx, s.now(), s.batch)
		total += n
		sweepReleased.Add(float64(n))
		if err != nil {
			return total, err
		}
		// 按处理条数判断：只剩索引残留的一批也是满批，后面可能还有真正过期的预占
		if scanned < s.batch {
			break
		}
	}
	return total, nil
}

// Start 按 interval 周期清理，直到 ctx 结束。
func (s *ExpirySweeper) Start(ctx context.Context, interval time.Duration) {
	logger.Ctx(ctx).Info().Dur("interval", interval).Int("batch", s.batch).Msg("expiry sweeper started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Ctx(ctx).Error().Err(err).Int("released", n).Msg("expiry sweep failed")
				continue
			}
			if n > 0 {
				logger.Ctx(ctx).Info().Int("released", n).Msg("expired holds released")
			}
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("expiry sweeper stopped")
			return
		}
	}
}
