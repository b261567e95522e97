package application

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stockguard/internal/pkg/logger"
	"stockguard/internal/service/stock/domain"
)

// ReconcilerOptions 控制对账窗口。
type ReconcilerOptions struct {
	// MaxPairs 是单次对账最多扫描的 Pair 数，0 表示全部；窗口在多次运行之间轮转。
	MaxPairs int
	// RefreshOnHand 为真时先用关系库数量刷新窗口内的 onHand 镜像。
	RefreshOnHand bool
}

// DriftReconciler 定期用现存预占重算 reserved 计数并修正偏差。
// 它只通过 HoldLedger 的公开操作访问账本，可以独立进程运行。
type DriftReconciler struct {
	ledger    domain.HoldLedger
	stockRepo domain.StockRepository
	store     domain.DriftMetricsStore
	lock      domain.LeaderLock
	tracer    trace.Tracer
	opts      ReconcilerOptions
	offset    atomic.Int64
	now       func() time.Time
}

func NewDriftReconciler(
	ledger domain.HoldLedger,
	stockRepo domain.StockRepository,
	store domain.DriftMetricsStore,
	lock domain.LeaderLock,
	tracer trace.Tracer,
	opts ReconcilerOptions,
) *DriftReconciler {
	return &DriftReconciler{
		ledger:    ledger,
		stockRepo: stockRepo,
		store:     store,
		lock:      lock,
		tracer:    tracer,
		opts:      opts,
		now:       time.Now,
	}
}

// Run 执行一次对账，branchID 为 0 表示全部门店。
// 锁被其他实例持有时返回 domain.ErrLockHeld。
func (r *DriftReconciler) Run(ctx context.Context, branchID int64) (*domain.DriftReport, error) {
	return r.run(ctx, branchID, r.lock.Acquire)
}

// RunWait 与 Run 相同，但其他实例正在对账时排队等待而不是跳过。
func (r *DriftReconciler) RunWait(ctx context.Context, branchID int64) (*domain.DriftReport, error) {
	return r.run(ctx, branchID, r.lock.AcquireWait)
}

func (r *DriftReconciler) run(ctx context.Context, branchID int64, acquire func(context.Context) (func() error, error)) (*domain.DriftReport, error) {
	ctx, span := r.tracer.Start(ctx, "stock.Reconcile")
	defer span.End()
	span.SetAttributes(attribute.Int64("branch.id", branchID))

	release, err := acquire(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			reconcileRuns.WithLabelValues("skipped").Inc()
		} else {
			reconcileRuns.WithLabelValues("error").Inc()
			span.RecordError(err)
		}
		return nil, err
	}
	defer func() {
		if err := release(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("release reconcile lock failed")
		}
	}()

	start := r.now()
	report := domain.DriftReport{RunAt: start.UTC(), BranchID: branchID}

	// 1. 确定本轮窗口
	pairs, err := r.ledger.ActivePairs(ctx, branchID)
	if err != nil {
		reconcileRuns.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}
	window := r.window(pairs)

	// 2. 可选：刷新 onHand 镜像
	if r.opts.RefreshOnHand && len(window) > 0 {
		report.Errors += r.refreshOnHand(ctx, window)
	}

	// 3. 逐个 Pair 原子对账
	for _, pair := range window {
		if ctx.Err() != nil {
			break
		}
		d, err := r.ledger.ReconcilePair(ctx, pair)
		if err != nil {
			report.Errors++
			logger.Ctx(ctx).Warn().Err(err).Str("pair", pair.String()).Msg("reconcile pair failed")
			continue
		}
		report.Observe(d)
		if d.Corrected {
			logger.Ctx(ctx).Info().
				Str("pair", pair.String()).
				Int64("cached", d.Cached).
				Int64("actual", d.Actual).
				Msg("reserved counter corrected")
		}
	}
	report.Duration = r.now().Sub(start)

	// 4. 记录
	if err := r.store.Save(ctx, report); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("save drift report failed")
	}
	observeDrift(report)
	reconcileRuns.WithLabelValues("ok").Inc()

	span.SetAttributes(
		attribute.Int("drift.scanned", report.Scanned),
		attribute.Int("drift.corrected", report.Corrected),
		attribute.Int64("drift.max", report.MaxDrift),
	)
	logger.Ctx(ctx).Info().
		Int("scanned", report.Scanned).
		Int("corrected", report.Corrected).
		Int64("max_drift", report.MaxDrift).
		Int64("total_drift", report.TotalDrift).
		Dur("duration", report.Duration).
		Msg("drift reconcile finished")
	return &report, nil
}

// window 对 Pair 排序后按轮转偏移取最多 MaxPairs 个。
func (r *DriftReconciler) window(pairs []domain.Pair) []domain.Pair {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].BranchID != pairs[j].BranchID {
			return pairs[i].BranchID < pairs[j].BranchID
		}
		return pairs[i].ItemID < pairs[j].ItemID
	})
	n := len(pairs)
	if r.opts.MaxPairs <= 0 || n <= r.opts.MaxPairs {
		return pairs
	}
	start := int(r.offset.Add(int64(r.opts.MaxPairs))-int64(r.opts.MaxPairs)) % n
	out := make([]domain.Pair, 0, r.opts.MaxPairs)
	for i := 0; i < r.opts.MaxPairs; i++ {
		out = append(out, pairs[(start+i)%n])
	}
	return out
}

func (r *DriftReconciler) refreshOnHand(ctx context.Context, window []domain.Pair) int {
	quantities, err := r.stockRepo.GetQuantities(ctx, window)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("read on-hand for reconcile failed")
		return 1
	}
	failed := 0
	for _, pair := range window {
		if _, err := r.ledger.SyncOnHand(ctx, pair, quantities[pair]); err != nil {
			failed++
			logger.Ctx(ctx).Warn().Err(err).Str("pair", pair.String()).Msg("refresh on-hand failed")
		}
	}
	return failed
}

// Start 按 interval 周期对账，直到 ctx 结束。
func (r *DriftReconciler) Start(ctx context.Context, interval time.Duration) {
	logger.Ctx(ctx).Info().Dur("interval", interval).Msg("drift reconciler started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Run(ctx, 0); err != nil && !errors.Is(err, domain.ErrLockHeld) {
				logger.Ctx(ctx).Error().Err(err).Msg("drift reconcile failed")
			}
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("drift reconciler stopped")
			return
		}
	}
}

// Summary 组合最近一次报告与历史记录。
func (r *DriftReconciler) Summary(ctx context.Context, n int) (*DriftSummary, error) {
	latest, err := r.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	history, err := r.store.History(ctx, n)
	if err != nil {
		return nil, err
	}
	return &DriftSummary{Latest: latest, History: history}, nil
}
