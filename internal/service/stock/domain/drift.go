package domain

import "time"

// PairDrift 是单个 (branch, item) 的对账结果。
type PairDrift struct {
	Pair      Pair  `json:"pair"`
	Cached    int64 `json:"cached"`
	Actual    int64 `json:"actual"`
	Corrected bool  `json:"corrected"`
}

// Drift 返回缓存计数与真实值之差的绝对值。
func (d PairDrift) Drift() int64 {
	if d.Cached > d.Actual {
		return d.Cached - d.Actual
	}
	return d.Actual - d.Cached
}

// DriftReport 是一次对账任务的统计记录。
type DriftReport struct {
	RunAt      time.Time     `json:"runAt"`
	BranchID   int64         `json:"branchId,omitempty"`
	Scanned    int           `json:"scanned"`
	Corrected  int           `json:"corrected"`
	MaxDrift   int64         `json:"maxDrift"`
	TotalDrift int64         `json:"totalDrift"`
	Duration   time.Duration `json:"duration"`
	Errors     int           `json:"errors,omitempty"`
}

// Observe 把一个 Pair 的结果累加进报告。
func (r *DriftReport) Observe(d PairDrift) {
	r.Scanned++
	if d.Corrected {
		r.Corrected++
	}
	drift := d.Drift()
	r.TotalDrift += drift
	if drift > r.MaxDrift {
		r.MaxDrift = drift
	}
}
