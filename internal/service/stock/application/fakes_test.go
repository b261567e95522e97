package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"stockguard/internal/pkg/redis"
	"stockguard/internal/service/stock/domain"
	"stockguard/internal/service/stock/infrastructure"
)

var (
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testTracer = noop.NewTracerProvider().Tracer("test")
	pair17     = domain.Pair{BranchID: 1, ItemID: 7}
)

func newLedger(t *testing.T) (*infrastructure.RedisHoldLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(testNow)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })

	ledger, err := infrastructure.NewRedisHoldLedger(client, infrastructure.RedisLedgerOptions{
		IndexGrace: time.Hour,
		Now:        func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return ledger, mr
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

// memStockRepo 是内存版的权威库存。
type memStockRepo struct {
	mu          sync.Mutex
	qty         map[domain.Pair]int64
	checkoutErr error
	getErr      error
	checkouts   []domain.CheckoutCommand
}

func newMemStockRepo(initial map[domain.Pair]int64) *memStockRepo {
	q := make(map[domain.Pair]int64, len(initial))
	for k, v := range initial {
		q[k] = v
	}
	return &memStockRepo{qty: q}
}

func (r *memStockRepo) CheckoutFromCart(_ context.Context, cmd domain.CheckoutCommand) (domain.CheckoutResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.checkoutErr != nil {
		return domain.CheckoutResult{}, r.checkoutErr
	}
	for itemID, q := range domain.AggregateQuantities(cmd.Lines) {
		p := domain.Pair{BranchID: cmd.Cart.BranchID, ItemID: itemID}
		if r.qty[p] < q {
			return domain.CheckoutResult{}, &domain.OutOfStockError{BranchID: p.BranchID, ItemID: itemID, Requested: q}
		}
	}
	remaining := make(map[int64]int64)
	for itemID, q := range domain.AggregateQuantities(cmd.Lines) {
		p := domain.Pair{BranchID: cmd.Cart.BranchID, ItemID: itemID}
		r.qty[p] -= q
		remaining[itemID] = r.qty[p]
	}
	r.checkouts = append(r.checkouts, cmd)
	return domain.CheckoutResult{OrderID: int64(len(r.checkouts)), OrderCode: cmd.OrderCode, PlacedAt: testNow, Remaining: remaining}, nil
}

func (r *memStockRepo) Adjust(_ context.Context, pair domain.Pair, mode domain.AdjustMode, quantity int64) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.qty[pair]
	next, err := mode.Apply(pair, prev, quantity)
	if err != nil {
		return 0, 0, err
	}
	r.qty[pair] = next
	return prev, next, nil
}

func (r *memStockRepo) GetQuantity(_ context.Context, pair domain.Pair) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return 0, r.getErr
	}
	return r.qty[pair], nil
}

func (r *memStockRepo) GetQuantities(_ context.Context, pairs []domain.Pair) (map[domain.Pair]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	out := make(map[domain.Pair]int64, len(pairs))
	for _, p := range pairs {
		out[p] = r.qty[p]
	}
	return out, nil
}

// stubLedger 包装一个真实账本，按需注入失败并记录调用。
type stubLedger struct {
	domain.HoldLedger
	setErr     error
	syncErr    error
	genErr     error
	consumeErr error

	mu       sync.Mutex
	consumed []string
}

func (s *stubLedger) SetDesiredQty(ctx context.Context, key domain.HoldKey, qty int64, ttl time.Duration) (domain.HoldResult, error) {
	if s.setErr != nil {
		return domain.HoldResult{}, s.setErr
	}
	return s.HoldLedger.SetDesiredQty(ctx, key, qty, ttl)
}

func (s *stubLedger) SyncOnHand(ctx context.Context, pair domain.Pair, onHand int64) (int64, error) {
	if s.syncErr != nil {
		return 0, s.syncErr
	}
	return s.HoldLedger.SyncOnHand(ctx, pair, onHand)
}

func (s *stubLedger) BumpGeneration(ctx context.Context) (int64, error) {
	if s.genErr != nil {
		return 0, s.genErr
	}
	return s.HoldLedger.BumpGeneration(ctx)
}

func (s *stubLedger) ConsumeCart(ctx context.Context, cartKey string) (int, error) {
	s.mu.Lock()
	s.consumed = append(s.consumed, cartKey)
	s.mu.Unlock()
	if s.consumeErr != nil {
		return 0, s.consumeErr
	}
	return s.HoldLedger.ConsumeCart(ctx, cartKey)
}
