package infrastructure

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"stockguard/internal/pkg/redis"
	"stockguard/internal/service/stock/domain"
)

// RedisDriftStore 把对账报告存在 drift:runs 列表里，最新的在最前面。
type RedisDriftStore struct {
	redisClient *redis.Client
	keep        int64
}

var _ domain.DriftMetricsStore = (*RedisDriftStore)(nil)

func NewRedisDriftStore(redisClient *redis.Client, keep int) *RedisDriftStore {
	if keep <= 0 {
		keep = 100
	}
	return &RedisDriftStore{redisClient: redisClient, keep: int64(keep)}
}

func (s *RedisDriftStore) Save(ctx context.Context, report domain.DriftReport) error {
	b, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "marshal drift report")
	}
	pipe := s.redisClient.GetClient().TxPipeline()
	pipe.LPush(ctx, driftRunsKey, b)
	pipe.LTrim(ctx, driftRunsKey, 0, s.keep-1)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "save drift report")
}

func (s *RedisDriftStore) Latest(ctx context.Context) (*domain.DriftReport, error) {
	raw, err := s.redisClient.GetClient().LIndex(ctx, driftRunsKey, 0).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read latest drift report")
	}
	var r domain.DriftReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errors.Wrap(err, "decode drift report")
	}
	return &r, nil
}

func (s *RedisDriftStore) History(ctx context.Context, n int) ([]domain.DriftReport, error) {
	if n <= 0 {
		n = 10
	}
	raws, err := s.redisClient.GetClient().LRange(ctx, driftRunsKey, 0, int64(n)-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read drift history")
	}
	out := make([]domain.DriftReport, 0, len(raws))
	for _, raw := range raws {
		var r domain.DriftReport
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// MemoryDriftStore 配合 noop 账本使用，报告只保存在本进程内。
type MemoryDriftStore struct {
	mu      sync.Mutex
	keep    int
	reports []domain.DriftReport
}

var _ domain.DriftMetricsStore = (*MemoryDriftStore)(nil)

func NewMemoryDriftStore(keep int) *MemoryDriftStore {
	if keep <= 0 {
		keep = 100
	}
	return &MemoryDriftStore{keep: keep}
}

func (s *MemoryDriftStore) Save(_ context.Context, report domain.DriftReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append([]domain.DriftReport{report}, s.reports...)
	if len(s.reports) > s.keep {
		s.reports = s.reports[:s.keep]
	}
	return nil
}

func (s *MemoryDriftStore) Latest(context.Context) (*domain.DriftReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reports) == 0 {
		return nil, nil
	}
	r := s.reports[0]
	return &r, nil
}

func (s *MemoryDriftStore) History(_ context.Context, n int) ([]domain.DriftReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.reports) {
		n = len(s.reports)
	}
	out := make([]domain.DriftReport, n)
	copy(out, s.reports[:n])
	return out, nil
}
