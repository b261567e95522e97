package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"stockguard/internal/service/stock/domain"
)

var (
	holdRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_hold_requests_total",
		Help: "加购预占请求数，按结果分类",
	}, []string{"result"})

	checkoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_checkout_total",
		Help: "结算次数，按结果分类",
	}, []string{"result"})

	adjustTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_adjust_total",
		Help: "库存调整次数",
	}, []string{"mode", "result"})

	cacheSyncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_cache_sync_failures_total",
		Help: "尽力而为的缓存同步失败次数",
	}, []string{"step"})

	sweepReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_sweep_released_total",
		Help: "过期清理释放的预占条数",
	})

	reconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_reconcile_runs_total",
		Help: "对账任务运行次数",
	}, []string{"result"})

	driftScanned   = promauto.NewGauge(prometheus.GaugeOpts{Name: "stock_drift_scanned", Help: "最近一次对账扫描的 Pair 数"})
	driftCorrected = promauto.NewGauge(prometheus.GaugeOpts{Name: "stock_drift_corrected", Help: "最近一次对账修正的 Pair 数"})
	driftMax       = promauto.NewGauge(prometheus.GaugeOpts{Name: "stock_drift_max", Help: "最近一次对账观察到的最大偏差"})
	driftTotal     = promauto.NewGauge(prometheus.GaugeOpts{Name: "stock_drift_total", Help: "最近一次对账的偏差总和"})
)

// resultLabel 把错误归一成低基数的标签值。
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return domain.ErrorCode(err)
}

func observeDrift(r domain.DriftReport) {
	driftScanned.Set(float64(r.Scanned))
	driftCorrected.Set(float64(r.Corrected))
	driftMax.Set(float64(r.MaxDrift))
	driftTotal.Set(float64(r.TotalDrift))
}
