package infrastructure

import (
	"context"

	"github.com/pkg/errors"

	"stockguard/internal/service/stock/domain"
	"stockguard/internal/zookeeper"
)

// LocalLeaderLock 用于单实例部署，只保证本进程内同一时刻只有一次对账。
type LocalLeaderLock struct {
	sem chan struct{}
}

var _ domain.LeaderLock = (*LocalLeaderLock)(nil)

func NewLocalLeaderLock() *LocalLeaderLock {
	return &LocalLeaderLock{sem: make(chan struct{}, 1)}
}

func (l *LocalLeaderLock) Acquire(ctx context.Context) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case l.sem <- struct{}{}:
	default:
		return nil, domain.ErrLockHeld
	}
	return l.releaser(), nil
}

func (l *LocalLeaderLock) AcquireWait(ctx context.Context) (func() error, error) {
	select {
	case l.sem <- struct{}{}:
		return l.releaser(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *LocalLeaderLock) releaser() func() error {
	released := false
	return func() error {
		if !released {
			released = true
			<-l.sem
		}
		return nil
	}
}

// ZKLeaderLock 用 ZooKeeper 临时顺序节点保证多实例间只有一个在对账。
type ZKLeaderLock struct {
	lock *zookeeper.DistributedLock
}

var _ domain.LeaderLock = (*ZKLeaderLock)(nil)

func NewZKLeaderLock(lock *zookeeper.DistributedLock) *ZKLeaderLock {
	return &ZKLeaderLock{lock: lock}
}

// Acquire 不等待：其他实例正在对账时本轮直接跳过。
func (l *ZKLeaderLock) Acquire(ctx context.Context) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	release, err := l.lock.TryLock()
	if errors.Is(err, zookeeper.ErrLockHeld) {
		return nil, domain.ErrLockHeld
	}
	if err != nil {
		return nil, errors.Wrap(err, "acquire reconcile lock")
	}
	return release, nil
}

// AcquireWait 排在前一个节点之后等待，用于手动触发的对账。
func (l *ZKLeaderLock) AcquireWait(ctx context.Context) (func() error, error) {
	release, err := l.lock.Lock(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.Wrap(err, "wait for reconcile lock")
	}
	return release, nil
}

const (
	LockKindLocal     = "local"
	LockKindZookeeper = "zookeeper"
)
